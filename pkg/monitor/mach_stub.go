//go:build !darwin

package monitor

import "github.com/lfricker/crashcore/pkg/faultctx"

// MachExceptionMonitor is a no-op on every platform without a mach
// exception port. It is still registered (disabled) on linux so that a
// monitorMask that includes TypeMachException does not silently change
// meaning across platforms: its SetEnabled is a no-op and IsEnabled
// always reports false, so it stays off here regardless of the requested
// mask.
type MachExceptionMonitor struct{}

func NewMachExceptionMonitor(*Registry) *MachExceptionMonitor { return &MachExceptionMonitor{} }

func (m *MachExceptionMonitor) Type() Type                                   { return TypeMachException }
func (m *MachExceptionMonitor) SafetyClass() SafetyClass                    { return DebuggerUnsafe | AsyncUnsafe }
func (m *MachExceptionMonitor) IsEnabled() bool                              { return false }
func (m *MachExceptionMonitor) SetEnabled(bool)                             {}
func (m *MachExceptionMonitor) AddContextualInfoToEvent(*faultctx.FaultContext) {}
