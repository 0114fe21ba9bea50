package monitor

import (
	"runtime"
	"sync/atomic"

	"github.com/lfricker/crashcore/pkg/faultctx"
	"github.com/lfricker/crashcore/pkg/machctx"
	"github.com/lfricker/crashcore/pkg/stackcursor"
)

// UserReportedMonitor captures a non-fatal, caller-invoked report: no
// register context is ever valid (there was no fault), and the dispatcher
// is told the capture is user-reported so HandleException re-arms the
// fatal-handling state machine afterward instead of disabling monitors.
type UserReportedMonitor struct {
	registry *Registry
	enabled  atomic.Bool
}

func NewUserReportedMonitor(registry *Registry) *UserReportedMonitor {
	return &UserReportedMonitor{registry: registry}
}

func (m *UserReportedMonitor) Type() Type               { return TypeUserReported }
func (m *UserReportedMonitor) SafetyClass() SafetyClass { return 0 }
func (m *UserReportedMonitor) IsEnabled() bool          { return m.enabled.Load() }
func (m *UserReportedMonitor) SetEnabled(v bool)        { m.enabled.Store(v) }

// Report captures the caller's current goroutine stack under name/reason,
// skipping skip additional frames of this package's own machinery.
func (m *UserReportedMonitor) Report(name, language, reason string, skip int) {
	if !m.IsEnabled() {
		return
	}

	pcs := make([]uintptr, machctx.StackOverflowCutoff)
	n := runtime.Callers(2+skip, pcs)

	fc := faultctx.New(faultctx.KindUserReported)
	fc.User.Name = name
	fc.User.Language = language
	fc.CrashReason = reason
	fc.RegistersAreValid = false
	fc.CurrentSnapshotUserReported = true
	fc.OffendingMachineContext = &machctx.Context{IsCurrentThread: true}
	fc.StackCursor = stackcursor.NewFromBacktrace(pcs[:n])

	m.registry.HandleException(fc)
}

func (m *UserReportedMonitor) AddContextualInfoToEvent(*faultctx.FaultContext) {}
