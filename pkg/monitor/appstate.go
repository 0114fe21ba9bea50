package monitor

import (
	"sync/atomic"

	"github.com/lfricker/crashcore/pkg/faultctx"
)

// SnapshotSource supplies the system and app-state snapshots an
// AppStateMonitor stamps onto every captured fault. pkg/install's
// Installer satisfies it, returning its SystemInfo and the crash-state
// tracker's snapshot; it is intentionally tiny so the monitor has no
// direct import-time dependency on either concrete package.
type SnapshotSource interface {
	SystemInfo() *faultctx.SystemInfo
	AppState() faultctx.AppState
}

// AppStateMonitor enriches every fault with process/system metadata and
// the persisted crash-state counters, regardless of which monitor raised
// the fault. It never raises a fault itself.
type AppStateMonitor struct {
	source  SnapshotSource
	enabled atomic.Bool
}

func NewAppStateMonitor(source SnapshotSource) *AppStateMonitor {
	return &AppStateMonitor{source: source}
}

func (m *AppStateMonitor) Type() Type               { return TypeAppState }
func (m *AppStateMonitor) SafetyClass() SafetyClass { return 0 }
func (m *AppStateMonitor) IsEnabled() bool          { return m.enabled.Load() }
func (m *AppStateMonitor) SetEnabled(v bool)        { m.enabled.Store(v) }

func (m *AppStateMonitor) AddContextualInfoToEvent(fc *faultctx.FaultContext) {
	if m.source == nil {
		return
	}
	fc.System = m.source.SystemInfo()
	fc.App = m.source.AppState()
}
