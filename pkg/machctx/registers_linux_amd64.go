//go:build linux && amd64

package machctx

import (
	"fmt"

	"github.com/lfricker/crashcore/pkg/safemem"
)

// registerNames lists the general-purpose registers in the order the
// report writer walks them for the notable-address sweep (spec §4.5).
var registerNames = []string{
	"rax", "rbx", "rcx", "rdx", "rdi", "rsi", "rbp", "rsp",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15", "rip",
}

// exceptionRegisterNames lists the architecture's "exception registers" —
// state describing why a fault occurred rather than where execution was.
var exceptionRegisterNames = []string{"trapno", "err"}

// Registers holds amd64 general-purpose and exception register state.
type Registers struct {
	GP        [17]uint64 // indexed per registerNames
	Exception [2]uint64  // indexed per exceptionRegisterNames
	Valid     bool
}

// RegisterCount returns the number of general-purpose registers exposed.
func RegisterCount() int { return len(registerNames) }

// RegisterName returns the name of the i'th general-purpose register.
func RegisterName(i int) string { return registerNames[i] }

// RegisterValue returns the value of the i'th general-purpose register.
func RegisterValue(ctx *Context, i int) uint64 { return ctx.Regs.GP[i] }

// ExceptionRegisterCount returns the number of exception registers.
func ExceptionRegisterCount() int { return len(exceptionRegisterNames) }

// ExceptionRegisterName returns the name of the i'th exception register.
func ExceptionRegisterName(i int) string { return exceptionRegisterNames[i] }

// ExceptionRegisterValue returns the value of the i'th exception register.
func ExceptionRegisterValue(ctx *Context, i int) uint64 { return ctx.Regs.Exception[i] }

// StackPointer returns ctx's stack pointer register (rsp).
func StackPointer(ctx *Context) uintptr { return uintptr(ctx.Regs.GP[7]) }

// InstructionPointer returns ctx's instruction pointer register (rip).
func InstructionPointer(ctx *Context) uintptr { return uintptr(ctx.Regs.GP[16]) }

// FramePointer returns ctx's frame pointer register (rbp), used by the
// stack cursor's frame-pointer-convention walk.
func FramePointer(ctx *Context) uintptr { return uintptr(ctx.Regs.GP[6]) }

// StackGrowthDirection is "-" on every architecture crashcore targets so
// far: the stack grows toward lower addresses.
const StackGrowthDirection = "-"

// glibcMcontextGregsOffset is the byte offset of mcontext_t.gregs within a
// ucontext_t on linux/amd64, per the glibc ABI (NGREG == 23 greg_t slots,
// REG_RIP == 16, REG_RSP == 15, REG_RBP == 10, REG_ERR == 19, REG_TRAPNO ==
// 20). The uc_mcontext field itself starts right after uc_flags+uc_link
// (8+8 bytes) and a 24-byte uc_stack description, i.e. at offset 40.
const glibcMcontextGregsOffset = 40

const (
	regREG_R8     = 0
	regREG_R9     = 1
	regREG_R10    = 2
	regREG_R11    = 3
	regREG_R12    = 4
	regREG_R13    = 5
	regREG_R14    = 6
	regREG_R15    = 7
	regREG_RDI    = 8
	regREG_RSI    = 9
	regREG_RBP    = 10
	regREG_RBX    = 11
	regREG_RDX    = 12
	regREG_RAX    = 13
	regREG_RCX    = 14
	regREG_RSP    = 15
	regREG_RIP    = 16
	regREG_EFL    = 17
	regREG_TRAPNO = 20
	regREG_ERR    = 19
)

func captureCurrentRegisters(r *Registers) {
	// A Go goroutine's CPU registers at an arbitrary point aren't
	// observable from Go code without a debugger; the current thread's
	// stack/frame pointer approximation instead comes from the stack
	// cursor's backtrace constructor (see pkg/stackcursor), which captures
	// return addresses via runtime.Callers. Registers here are left
	// zero-valued and Valid=false for a non-signal current-thread capture;
	// GetContextForSignal is the path that fills in real values.
	r.Valid = false
}

func extractSignalRegisters(userContext uintptr, r *Registers) error {
	var greg [23]uint64
	base := userContext + glibcMcontextGregsOffset
	raw := make([]byte, 23*8)
	if !safemem.CopySafely(base, raw) {
		return fmt.Errorf("machctx: could not read ucontext at %#x", userContext)
	}
	for i := 0; i < 23; i++ {
		greg[i] = leUint64(raw[i*8 : i*8+8])
	}

	r.GP[0] = greg[regREG_RAX]
	r.GP[1] = greg[regREG_RBX]
	r.GP[2] = greg[regREG_RCX]
	r.GP[3] = greg[regREG_RDX]
	r.GP[4] = greg[regREG_RDI]
	r.GP[5] = greg[regREG_RSI]
	r.GP[6] = greg[regREG_RBP]
	r.GP[7] = greg[regREG_RSP]
	r.GP[8] = greg[regREG_R8]
	r.GP[9] = greg[regREG_R9]
	r.GP[10] = greg[regREG_R10]
	r.GP[11] = greg[regREG_R11]
	r.GP[12] = greg[regREG_R12]
	r.GP[13] = greg[regREG_R13]
	r.GP[14] = greg[regREG_R14]
	r.GP[15] = greg[regREG_R15]
	r.GP[16] = greg[regREG_RIP]

	r.Exception[0] = greg[regREG_TRAPNO]
	r.Exception[1] = greg[regREG_ERR]

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
