package monitor

import (
	"sync/atomic"
	"time"

	"github.com/lfricker/crashcore/pkg/faultctx"
	"github.com/lfricker/crashcore/pkg/machctx"
)

// DeadlockMonitor watches a heartbeat counter the host bumps from its main
// thread's run loop; if the counter stops advancing for longer than
// interval, it raises a MainThreadDeadlock fault (SPEC_FULL.md supplement
// #1, installer option deadlockWatchdogInterval §6.3).
//
// The cooldown/threshold shape is grounded on
// ftahirops-xtop/engine/watchdog.go's WatchdogTrigger: a last-fired
// timestamp plus a minimum gap, generalized here from "re-arm after 60s"
// to "only fire once per process lifetime" (a second deadlock report from
// a process already wedged on its main thread would itself never
// complete).
type DeadlockMonitor struct {
	registry *Registry
	enabled  atomic.Bool

	interval time.Duration
	beat     atomic.Int64 // unix nanos of the last Heartbeat call
	fired    atomic.Bool

	stop chan struct{}
}

// NewDeadlockMonitor returns a monitor that fires if Heartbeat isn't
// called for longer than interval. interval<=0 disables the watchdog
// entirely (installer option deadlockWatchdogInterval: 0 disables).
func NewDeadlockMonitor(registry *Registry, interval time.Duration) *DeadlockMonitor {
	m := &DeadlockMonitor{registry: registry, interval: interval, stop: make(chan struct{})}
	m.beat.Store(time.Now().UnixNano())
	return m
}

// Heartbeat records that the main thread made forward progress. Call this
// once per run-loop iteration.
func (m *DeadlockMonitor) Heartbeat() {
	m.beat.Store(time.Now().UnixNano())
}

func (m *DeadlockMonitor) Type() Type               { return TypeDeadlock }
func (m *DeadlockMonitor) SafetyClass() SafetyClass { return 0 // runs entirely off the fault path until it fires
}
func (m *DeadlockMonitor) IsEnabled() bool { return m.enabled.Load() }
func (m *DeadlockMonitor) SetEnabled(v bool) {
	m.enabled.Store(v)
}

// Arm starts the watchdog goroutine. No-op if interval<=0.
func (m *DeadlockMonitor) Arm() {
	if m.interval <= 0 {
		return
	}
	go m.loop()
}

// Close stops the watchdog goroutine.
func (m *DeadlockMonitor) Close() { close(m.stop) }

func (m *DeadlockMonitor) loop() {
	ticker := time.NewTicker(m.interval / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.check()
		case <-m.stop:
			return
		}
	}
}

func (m *DeadlockMonitor) check() {
	if !m.IsEnabled() || m.fired.Load() {
		return
	}
	last := time.Unix(0, m.beat.Load())
	since := time.Since(last)
	if since < m.interval {
		return
	}
	if !m.fired.CompareAndSwap(false, true) {
		return
	}

	m.registry.NotifyFatalExceptionCaptured(false)

	fc := faultctx.New(faultctx.KindMainThreadDeadlock)
	fc.Deadlock.Reason = "main thread did not heartbeat within the configured interval"
	fc.Deadlock.WatchdogInterval = m.interval.Seconds()
	fc.RegistersAreValid = false
	fc.OffendingMachineContext = &machctx.Context{}

	m.registry.HandleException(fc)
}

func (m *DeadlockMonitor) AddContextualInfoToEvent(*faultctx.FaultContext) {}
