// Package machctx captures and queries per-thread CPU register state
// without a debugger attached, and suspends/resumes peer threads around a
// capture.
//
// Linux offers no thread_suspend/thread_get_state equivalent reachable
// from inside the same process without ptrace, and a process cannot
// ptrace itself (see DESIGN.md, pkg/machctx entry). crashcore therefore
// suspends peers with SIGSTOP/SIGCONT via tgkill — which, unlike ptrace,
// needs no special relationship between threads of the same process — and
// accepts that full register state for peer threads is unavailable; only
// the current thread (running the capture) and a signal-context capture of
// that same thread expose real registers. This degrades gracefully per
// spec §9: the notable-address sweep is skipped for peer threads whose
// CPU state could not be captured, and the report still validates.
package machctx

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// MaxThreads bounds the crashed context's enumerated thread list.
const MaxThreads = 256

// StackOverflowCutoff is the default forward-walk safety cutoff for a
// single thread's stack. A StackCursor that exceeds it sets hasGivenUp.
const StackOverflowCutoff = 150

// ThreadInfo identifies one peer thread captured alongside the crashed
// thread, for the purpose of thread enumeration in the report.
type ThreadInfo struct {
	TID    int32
	Name   string
	Regs   Registers
	HasCPU bool
}

// Context is an opaque per-architecture machine-context record. The
// exported fields are deliberately narrow; architecture-specific register
// access goes through Registers (see registers_linux_*.go).
type Context struct {
	ThisThread       int32
	IsCurrentThread  bool
	IsCrashedContext bool
	IsSignalContext  bool
	IsStackOverflow  bool

	Regs Registers

	// AllThreads is populated only when IsCrashedContext is true.
	AllThreads []ThreadInfo
}

// ContextSize returns the byte size of a Context, mirroring the original
// API's "allocate storage inline on the caller's stack" macro. Go has no
// caller-stack-allocation primitive exposed to a library, so callers get
// this purely informationally (e.g. to size a sync.Pool entry ahead of a
// capture, keeping the fault path allocation-free in practice).
func ContextSize() uintptr {
	return unsafe.Sizeof(Context{})
}

// GetContextForThread fills ctx's registers from the OS thread-state for
// thread tid. If isCrashed, it also enumerates the process's threads into
// ctx.AllThreads. It does not compute IsStackOverflow, which stays false;
// the report's stack "overflow" flag comes from the stack cursor's
// HasGivenUp instead.
func GetContextForThread(tid int32, ctx *Context, isCrashed bool) error {
	ctx.ThisThread = tid
	ctx.IsCurrentThread = tid == int32(unix.Gettid())
	ctx.IsCrashedContext = isCrashed

	if ctx.IsCurrentThread {
		captureCurrentRegisters(&ctx.Regs)
	}
	// Peer-thread register capture requires ptrace, unavailable for a
	// process tracing itself; ctx.Regs stays zero-valued for peers.

	if isCrashed {
		threads, err := enumerateThreads()
		if err != nil {
			return err
		}
		if len(threads) > MaxThreads {
			threads = threads[:MaxThreads]
		}
		ctx.AllThreads = threads
	}
	return nil
}

// GetContextForSignal extracts machine registers from a signal's user
// context (a ucontext_t, or platform equivalent). The capture always uses
// safemem.CopySafely so a corrupt or truncated context never faults the
// handler itself. The result is always marked crashed.
func GetContextForSignal(userContext uintptr, ctx *Context) error {
	ctx.IsCurrentThread = true
	ctx.IsSignalContext = true
	ctx.IsCrashedContext = true
	ctx.ThisThread = int32(unix.Gettid())

	return extractSignalRegisters(userContext, &ctx.Regs)
}

// CanHaveCPUState reports whether ctx's registers are meaningful: true for
// the current thread and for any signal-context capture, false for a peer
// thread whose registers could not be read.
func CanHaveCPUState(ctx *Context) bool {
	return ctx.IsCurrentThread || ctx.IsSignalContext
}

var (
	suspendMu       sync.Mutex
	suspendedTIDs   []int32
	reservedThreads = map[int32]bool{}
)

// RegisterReserved marks tid as exempt from suspend/resume (e.g. the
// deadlock watchdog thread).
func RegisterReserved(tid int32) {
	suspendMu.Lock()
	defer suspendMu.Unlock()
	reservedThreads[tid] = true
}

// SuspendEnvironment suspends every thread except the caller and any
// reserved thread. It is idempotent only within a single fault; nested
// calls without an intervening ResumeEnvironment are a caller error.
// Per-thread failures are not reported (this package has no logger
// reference on the fault path) and are otherwise ignored: the snapshot
// proceeds with whichever threads were reachable.
func SuspendEnvironment() []int32 {
	suspendMu.Lock()
	defer suspendMu.Unlock()

	self := unix.Gettid()
	tids, err := listTaskIDs()
	if err != nil {
		return nil
	}

	var suspended []int32
	for _, tid := range tids {
		if tid == int32(self) || reservedThreads[tid] {
			continue
		}
		if err := unix.Tgkill(os.Getpid(), int(tid), unix.SIGSTOP); err == nil {
			suspended = append(suspended, tid)
		}
	}
	suspendedTIDs = suspended
	return suspended
}

// ResumeEnvironment resumes every thread suspended by the most recent
// SuspendEnvironment call.
func ResumeEnvironment() {
	suspendMu.Lock()
	defer suspendMu.Unlock()

	for _, tid := range suspendedTIDs {
		_ = unix.Tgkill(os.Getpid(), int(tid), unix.SIGCONT)
	}
	suspendedTIDs = nil
}

func listTaskIDs() ([]int32, error) {
	entries, err := os.ReadDir(fmt.Sprintf("/proc/%d/task", os.Getpid()))
	if err != nil {
		return nil, err
	}
	tids := make([]int32, 0, len(entries))
	for _, e := range entries {
		n, err := strconv.Atoi(strings.TrimSpace(e.Name()))
		if err != nil {
			continue
		}
		tids = append(tids, int32(n))
	}
	return tids, nil
}

func enumerateThreads() ([]ThreadInfo, error) {
	tids, err := listTaskIDs()
	if err != nil {
		return nil, err
	}
	self := int32(unix.Gettid())
	threads := make([]ThreadInfo, 0, len(tids))
	for _, tid := range tids {
		ti := ThreadInfo{TID: tid}
		if tid == self {
			captureCurrentRegisters(&ti.Regs)
			ti.HasCPU = true
		}
		if name, err := os.ReadFile(fmt.Sprintf("/proc/%d/task/%d/comm", os.Getpid(), tid)); err == nil {
			ti.Name = strings.TrimSpace(string(name))
		}
		threads = append(threads, ti)
	}
	return threads, nil
}
