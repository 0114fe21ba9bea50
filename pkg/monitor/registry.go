// Package monitor implements the fault-source registry and dispatcher
// (spec §4.6): a bit-flag-keyed set of monitors, each able to enable or
// disable itself, enrich a FaultContext, and be filtered by safety class
// when a debugger is attached or a prior capture proved the process is no
// longer async-signal-safe.
//
// Grounded on netspy's top-level signal.Notify wiring (generalized
// from "stop the scanner" to "route a fault to the writer") and on
// ftahirops-xtop/engine/watchdog.go's cooldown-gated trigger shape, reused
// for the deadlock monitor.
package monitor

import (
	"sync"
	"sync/atomic"

	"github.com/lfricker/crashcore/pkg/faultctx"
	"github.com/lfricker/crashcore/pkg/machctx"
)

// Type is a bit-flag identifying one fault source, matching spec §4.6's
// "bit-flag monitor type" registry key.
type Type uint32

const (
	TypeSignal Type = 1 << iota
	TypeMachException
	TypeDeadlock
	TypeUserReported
	TypeAppState
)

// SafetyClass further partitions monitors so setActiveMonitors can mask
// them out under specific runtime conditions.
type SafetyClass uint32

const (
	// DebuggerUnsafe monitors misbehave or are redundant under a debugger
	// (e.g. a signal handler that would otherwise steal SIGTRAP/SIGSEGV
	// from the debugger) and are cleared when one is attached.
	DebuggerUnsafe SafetyClass = 1 << iota
	// AsyncUnsafe monitors rely on machinery (allocation, locks) that is
	// not safe to re-enter once a capture has proven the process can only
	// make async-signal-safe progress; cleared permanently once any
	// capture sets requiresAsyncSafety.
	AsyncUnsafe
)

// Monitor is the capability triple every fault source implements.
type Monitor interface {
	Type() Type
	SafetyClass() SafetyClass
	SetEnabled(bool)
	IsEnabled() bool
	// AddContextualInfoToEvent enriches fc with whatever this monitor can
	// contribute; called in registry order by the dispatcher, never
	// concurrently with another monitor's call for the same fault.
	AddContextualInfoToEvent(fc *faultctx.FaultContext)
}

// OnCrashFunc is the single callback invoked once per handled fault, after
// every enabled monitor has enriched the FaultContext.
type OnCrashFunc func(fc *faultctx.FaultContext)

// Registry owns the static list of monitors and the dispatcher state
// machine described in spec §4.6.
type Registry struct {
	mu       sync.Mutex
	monitors []Monitor
	onCrash  OnCrashFunc

	debuggerAttached bool

	requiresAsyncSafety    atomic.Bool // sticky for the process's lifetime
	handlingFatalException atomic.Bool
	crashedDuringHandling  atomic.Bool
}

// NewRegistry returns an empty Registry. Monitors are added with Register.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds m to the registry. Order matters: AddContextualInfoToEvent
// calls happen in registration order.
func (r *Registry) Register(m Monitor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.monitors = append(r.monitors, m)
}

// SetOnCrash installs the single on-crash callback.
func (r *Registry) SetOnCrash(fn OnCrashFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onCrash = fn
}

// SetDebuggerAttached records whether a debugger is attached, for the next
// SetActiveMonitors call's DebuggerUnsafe filter.
func (r *Registry) SetDebuggerAttached(attached bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.debuggerAttached = attached
}

// SetActiveMonitors applies mask to every registered monitor, after
// clearing DebuggerUnsafe bits (if a debugger is attached) and AsyncUnsafe
// bits (if any prior capture set requiresAsyncSafety).
func (r *Registry) SetActiveMonitors(mask Type) {
	r.mu.Lock()
	defer r.mu.Unlock()

	effective := mask
	if r.debuggerAttached {
		for _, m := range r.monitors {
			if m.SafetyClass()&DebuggerUnsafe != 0 {
				effective &^= m.Type()
			}
		}
	}
	if r.requiresAsyncSafety.Load() {
		for _, m := range r.monitors {
			if m.SafetyClass()&AsyncUnsafe != 0 {
				effective &^= m.Type()
			}
		}
	}
	for _, m := range r.monitors {
		m.SetEnabled(effective&m.Type() != 0)
	}
}

// DisableAll disables every registered monitor, e.g. once a fatal,
// non-recursive capture has completed and the fault should now proceed to
// the OS default disposition.
func (r *Registry) DisableAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.monitors {
		m.SetEnabled(false)
	}
}

// NotifyFatalExceptionCaptured implements spec §4.6's re-entrancy state
// machine. isAsyncSafeEnv is true when called from a context (a signal
// handler) that must stay async-signal-safe from this point on.
func (r *Registry) NotifyFatalExceptionCaptured(isAsyncSafeEnv bool) {
	if isAsyncSafeEnv {
		r.requiresAsyncSafety.Store(true)
	}
	if r.handlingFatalException.Load() {
		r.crashedDuringHandling.Store(true)
		r.DisableAll()
		return
	}
	r.handlingFatalException.Store(true)
}

// HandleException implements spec §4.6's handleException: stamps fc from
// dispatcher state, suspends every other thread for the duration of the
// snapshot, enriches it via every enabled monitor, invokes the on-crash
// callback, then resumes the environment and resolves the fatal-handling
// state machine.
//
// Suspension is unconditional, including for a user-reported capture: the
// original engine freezes every thread for any snapshot so concurrent
// mutation never corrupts the notable-address sweep or per-thread stack
// walk. The environment is always resumed afterward — there is no benefit
// in Go to leaving it suspended, since the scheduler must keep running
// for the calling goroutine to finish this function and, for a fatal
// fault, to re-raise the signal for the OS's default disposition.
func (r *Registry) HandleException(fc *faultctx.FaultContext) {
	fc.RequiresAsyncSafety = r.requiresAsyncSafety.Load()
	fc.CrashedDuringCrashHandling = r.crashedDuringHandling.Load()

	machctx.SuspendEnvironment()
	defer machctx.ResumeEnvironment()

	r.mu.Lock()
	monitors := make([]Monitor, len(r.monitors))
	copy(monitors, r.monitors)
	cb := r.onCrash
	r.mu.Unlock()

	for _, m := range monitors {
		if m.IsEnabled() {
			m.AddContextualInfoToEvent(fc)
		}
	}

	if cb != nil {
		cb(fc)
	}

	if fc.CurrentSnapshotUserReported {
		r.handlingFatalException.Store(false)
		return
	}
	if !fc.CrashedDuringCrashHandling {
		r.DisableAll()
	}
}
