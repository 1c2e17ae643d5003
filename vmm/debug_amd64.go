//go:build linux

package vmm

import (
	"fmt"
	"log/slog"

	"github.com/skiffvm/skiff/kvm"
	"golang.org/x/arch/x86/x86asm"
)

// dumpInternalError logs everything useful about a KVM_EXIT_INTERNAL_ERROR:
// the suberror, the registers, and a short disassembly at RIP. Guest page
// tables identity-map low memory, so RIP is read as a physical address.
func (c *vcpu) dumpInternalError(xd *kvm.InternalErrorExitData) {
	slog.Error("KVM internal error",
		"slot", c.slot, "suberror", xd.Suberror,
		"data", fmt.Sprintf("%#x", xd.Data[:xd.NData]))

	var regs kvm.Regs
	if err := kvm.GetRegs(c.fd, &regs); err != nil {
		slog.Error("internal error: get regs", "slot", c.slot, "err", err)
		return
	}

	slog.Error("registers", "slot", c.slot,
		"rip", fmt.Sprintf("%#x", regs.RIP),
		"rsp", fmt.Sprintf("%#x", regs.RSP),
		"rax", fmt.Sprintf("%#x", regs.RAX),
		"rbx", fmt.Sprintf("%#x", regs.RBX),
		"rcx", fmt.Sprintf("%#x", regs.RCX),
		"rdx", fmt.Sprintf("%#x", regs.RDX),
		"rsi", fmt.Sprintf("%#x", regs.RSI),
		"rdi", fmt.Sprintf("%#x", regs.RDI),
		"rflags", fmt.Sprintf("%#x", regs.RFlags))

	for _, line := range c.disasmAt(regs.RIP, 8) {
		slog.Error("text", "slot", c.slot, "insn", line)
	}
}

// disasmAt decodes up to n instructions starting at guest address pc.
func (c *vcpu) disasmAt(pc uint64, n int) []string {
	code, err := c.m.mem.Slice(pc, 64)
	if err != nil {
		return []string{fmt.Sprintf("%#x: unreadable: %v", pc, err)}
	}

	var out []string
	for len(code) > 0 && len(out) < n {
		inst, err := x86asm.Decode(code, 64)
		if err != nil {
			out = append(out, fmt.Sprintf("%#x: undecodable %#02x", pc, code[0]))
			break
		}

		out = append(out, fmt.Sprintf("%#x: %s", pc, x86asm.GNUSyntax(inst, pc, nil)))
		code = code[inst.Len:]
		pc += uint64(inst.Len)
	}

	return out
}
