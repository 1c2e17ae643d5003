// Package virtio implements virtio device handlers as described by the
// Virtual I/O Device (VIRTIO) Version 1.2 spec.
package virtio

import (
	"fmt"

	"github.com/skiffvm/skiff/virtio/virtq"
)

// DeviceHandler is the backend of a virtio device.
type DeviceHandler interface {

	// GetType identifies the type of the device.
	GetType() DeviceID

	// GetFeatures returns additional feature bits supported by the device.
	GetFeatures() uint64

	// QueueSizes returns the maximum size of each of the device's
	// virtqueues. Its length fixes the number of queues.
	QueueSizes() []uint16

	// Ready is called after feature negotiation is complete.
	Ready(negotiatedFeatures uint64) error

	// Handle is called when new buffers are available to the device. It is
	// called in a separate goroutine per queueNum, and calls with the same
	// queueNum do not overlap. It's fine to block in Handle. Notifications
	// are coalesced, so Handle may only be called once in response to
	// multiple driver notifications.
	Handle(queueNum int, q *virtq.Q) error

	// ReadConfig reads the device configuration register at off into p.
	ReadConfig(p []byte, off int) error
}

// DeviceID identifies the type of a virtio device.
type DeviceID uint32

const (
	InvalidDeviceID = DeviceID(0)
	NetworkDeviceID = DeviceID(1)
	BlockDeviceID   = DeviceID(2)
	ConsoleDeviceID = DeviceID(3)
)

const (
	MagicValue = 0x74726976 // "virt"
	Version    = 0x2
)

const (

	// FIndirectDesc (VIRTIO_F_INDIRECT_DESC) "indicates that the driver can use
	// descriptors with the VIRTQ_DESC_F_INDIRECT flag set, as described in 2.6.5.3
	// Indirect Descriptors and 2.7.7 Indirect Flag: Scatter-Gather Support."
	FIndirectDesc = 1 << 28

	// FEventIdx (VIRTIO_F_EVENT_IDX) "enables the used_event and the avail_event fields
	// as described in 2.6.7, 2.6.8 and 2.7.10."
	FEventIdx = 1 << 29

	// FVersion1 (VIRTIO_F_VERSION_1) "indicates compliance with [the virtio]
	// specification, giving a simple way to detect legacy devices or drivers."
	FVersion1 = 1 << 32

	// FAccessPlatform (VIRTIO_F_ACCESS_PLATFORM) "indicates that the device can be used
	// on a platform where device access to data in memory is limited and/or translated.
	// If this feature bit is set to 0, then the device has same access to memory
	// addresses supplied to it as the driver has."
	FAccessPlatform = 1 << 33

	// FRingPacked (VIRTIO_F_RING_PACKED) "indicates support for the packed virtqueue
	// layout as described in 2.7 Packed Virtqueues."
	FRingPacked = 1 << 34

	// FInOrder (VIRTIO_F_IN_ORDER) "indicates that all buffers are used by the device in
	// the same order in which they have been made available."
	FInOrder = 1 << 35

	// FRingReset (VIRTIO_F_RING_RESET) "indicates that the driver can reset a queue
	// individually. See 2.6.1."
	FRingReset = 1 << 40
)

// RequiredFeatures are the feature bits negotiated for all virtio devices.
// Devices offer split virtqueues only.
const RequiredFeatures = FVersion1 | FIndirectDesc | FEventIdx

func (id DeviceID) String() string {
	switch id {
	case InvalidDeviceID:
		return "invalid"

	case NetworkDeviceID:
		return "network"

	case BlockDeviceID:
		return "block"

	case ConsoleDeviceID:
		return "console"

	default:
		return fmt.Sprintf("DeviceID(%d)", id)
	}
}
