//go:build linux && arm64

package machctx

import (
	"fmt"

	"github.com/lfricker/crashcore/pkg/safemem"
)

// registerNames lists x0-x29 (general purpose), lr, and sp/pc, matching
// the order the report writer walks for the notable-address sweep.
var registerNames = func() []string {
	names := make([]string, 0, 33)
	for i := 0; i <= 29; i++ {
		names = append(names, fmt.Sprintf("x%d", i))
	}
	return append(names, "lr", "sp", "pc")
}()

var exceptionRegisterNames = []string{"esr", "far"}

// Registers holds arm64 general-purpose and exception register state.
type Registers struct {
	GP        [33]uint64
	Exception [2]uint64
	Valid     bool
}

func RegisterCount() int                                { return len(registerNames) }
func RegisterName(i int) string                          { return registerNames[i] }
func RegisterValue(ctx *Context, i int) uint64            { return ctx.Regs.GP[i] }
func ExceptionRegisterCount() int                         { return len(exceptionRegisterNames) }
func ExceptionRegisterName(i int) string                  { return exceptionRegisterNames[i] }
func ExceptionRegisterValue(ctx *Context, i int) uint64   { return ctx.Regs.Exception[i] }

// StackPointer returns ctx's stack pointer (sp, index 31).
func StackPointer(ctx *Context) uintptr { return uintptr(ctx.Regs.GP[31]) }

// InstructionPointer returns ctx's program counter (pc, index 32).
func InstructionPointer(ctx *Context) uintptr { return uintptr(ctx.Regs.GP[32]) }

// FramePointer returns ctx's frame pointer (x29, index 29).
func FramePointer(ctx *Context) uintptr { return uintptr(ctx.Regs.GP[29]) }

const StackGrowthDirection = "-"

// glibcMcontextRegsOffset is the byte offset of mcontext_t.regs (an
// array of 31 general registers, sp, pc, pstate) within ucontext_t on
// linux/arm64: uc_flags(8) + uc_link(8) + uc_stack(24) + uc_sigmask is
// after mcontext, so mcontext starts at offset 40 and its own fault
// address/regs array begins 8 bytes in (after the faulting-address
// field).
const glibcMcontextRegsOffset = 40 + 8

func captureCurrentRegisters(r *Registers) {
	r.Valid = false
}

func extractSignalRegisters(userContext uintptr, r *Registers) error {
	raw := make([]byte, 34*8) // 31 GP regs + sp + pc + pstate
	base := userContext + glibcMcontextRegsOffset
	if !safemem.CopySafely(base, raw) {
		return fmt.Errorf("machctx: could not read ucontext at %#x", userContext)
	}

	for i := 0; i < 31; i++ {
		r.GP[i] = leUint64(raw[i*8 : i*8+8])
	}
	r.GP[31] = leUint64(raw[31*8 : 31*8+8]) // sp
	r.GP[32] = leUint64(raw[32*8 : 32*8+8]) // pc

	r.Valid = true
	return nil
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}
