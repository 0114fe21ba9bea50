package monitor_test

import (
	"sync/atomic"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/lfricker/crashcore/pkg/faultctx"
	"github.com/lfricker/crashcore/pkg/monitor"
)

func TestMonitor(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Monitor Suite")
}

type fakeMonitor struct {
	typ       monitor.Type
	class     monitor.SafetyClass
	enabled   bool
	enrichedN int
}

func (f *fakeMonitor) Type() monitor.Type               { return f.typ }
func (f *fakeMonitor) SafetyClass() monitor.SafetyClass { return f.class }
func (f *fakeMonitor) IsEnabled() bool                  { return f.enabled }
func (f *fakeMonitor) SetEnabled(v bool)                { f.enabled = v }
func (f *fakeMonitor) AddContextualInfoToEvent(fc *faultctx.FaultContext) {
	f.enrichedN++
}

var _ = Describe("Registry.SetActiveMonitors", func() {
	It("clears DebuggerUnsafe bits only when a debugger is attached", func() {
		r := monitor.NewRegistry()
		signalM := &fakeMonitor{typ: monitor.TypeSignal, class: monitor.DebuggerUnsafe}
		userM := &fakeMonitor{typ: monitor.TypeUserReported}
		r.Register(signalM)
		r.Register(userM)

		r.SetDebuggerAttached(true)
		r.SetActiveMonitors(monitor.TypeSignal | monitor.TypeUserReported)

		Expect(signalM.IsEnabled()).To(BeFalse())
		Expect(userM.IsEnabled()).To(BeTrue())
	})

	It("leaves every requested monitor enabled without a debugger", func() {
		r := monitor.NewRegistry()
		signalM := &fakeMonitor{typ: monitor.TypeSignal, class: monitor.DebuggerUnsafe}
		r.Register(signalM)

		r.SetActiveMonitors(monitor.TypeSignal)
		Expect(signalM.IsEnabled()).To(BeTrue())
	})
})

var _ = Describe("Registry.HandleException", func() {
	It("enriches via every enabled monitor in order and invokes the callback", func() {
		r := monitor.NewRegistry()
		m1 := &fakeMonitor{typ: monitor.TypeAppState, enabled: true}
		m2 := &fakeMonitor{typ: monitor.TypeSignal, enabled: false}
		r.Register(m1)
		r.Register(m2)

		var gotFC *faultctx.FaultContext
		r.SetOnCrash(func(fc *faultctx.FaultContext) { gotFC = fc })

		fc := faultctx.New(faultctx.KindUserReported)
		fc.CurrentSnapshotUserReported = true
		r.HandleException(fc)

		Expect(m1.enrichedN).To(Equal(1))
		Expect(m2.enrichedN).To(Equal(0))
		Expect(gotFC).To(Equal(fc))
	})

	It("disables every monitor after a non-recursive fatal capture", func() {
		r := monitor.NewRegistry()
		m1 := &fakeMonitor{typ: monitor.TypeSignal, enabled: true}
		r.Register(m1)

		fc := faultctx.New(faultctx.KindSignal)
		r.HandleException(fc)

		Expect(m1.IsEnabled()).To(BeFalse())
	})
})

var _ = Describe("Registry.NotifyFatalExceptionCaptured", func() {
	It("marks crashedDuringCrashHandling and disables monitors on re-entry", func() {
		r := monitor.NewRegistry()
		m1 := &fakeMonitor{typ: monitor.TypeSignal, enabled: true}
		r.Register(m1)

		r.NotifyFatalExceptionCaptured(true)
		r.NotifyFatalExceptionCaptured(true) // re-entrant

		fc := faultctx.New(faultctx.KindSignal)
		r.HandleException(fc)
		Expect(fc.CrashedDuringCrashHandling).To(BeTrue())
		Expect(m1.IsEnabled()).To(BeFalse())
	})
})

var _ = Describe("DeadlockMonitor", func() {
	It("fires exactly once after the heartbeat goes stale", func() {
		r := monitor.NewRegistry()
		var captured *faultctx.FaultContext
		var fires atomic.Int32
		r.SetOnCrash(func(fc *faultctx.FaultContext) { captured = fc; fires.Add(1) })

		dm := monitor.NewDeadlockMonitor(r, 20*time.Millisecond)
		r.Register(dm)
		dm.SetEnabled(true)
		dm.Arm()
		defer dm.Close()

		Eventually(func() *faultctx.FaultContext { return captured }, time.Second, 5*time.Millisecond).ShouldNot(BeNil())
		Expect(captured.Kind.Has(faultctx.KindMainThreadDeadlock)).To(BeTrue())
		Consistently(fires.Load, 100*time.Millisecond, 10*time.Millisecond).Should(Equal(int32(1)))
	})

	It("never fires when heartbeats keep arriving", func() {
		r := monitor.NewRegistry()
		var captured *faultctx.FaultContext
		r.SetOnCrash(func(fc *faultctx.FaultContext) { captured = fc })

		dm := monitor.NewDeadlockMonitor(r, 30*time.Millisecond)
		r.Register(dm)
		dm.SetEnabled(true)
		dm.Arm()
		defer dm.Close()

		stop := time.After(150 * time.Millisecond)
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
	loop:
		for {
			select {
			case <-ticker.C:
				dm.Heartbeat()
			case <-stop:
				break loop
			}
		}
		Expect(captured).To(BeNil())
	})
})

var _ = Describe("UserReportedMonitor", func() {
	It("invokes the callback with a non-fatal, registers-invalid fault", func() {
		r := monitor.NewRegistry()
		var captured *faultctx.FaultContext
		r.SetOnCrash(func(fc *faultctx.FaultContext) { captured = fc })

		um := monitor.NewUserReportedMonitor(r)
		r.Register(um)
		um.SetEnabled(true)

		um.Report("assertion", "go", "precondition violated", 0)

		Expect(captured).NotTo(BeNil())
		Expect(captured.User.Name).To(Equal("assertion"))
		Expect(captured.RegistersAreValid).To(BeFalse())
		Expect(captured.CurrentSnapshotUserReported).To(BeTrue())
	})

	It("does nothing while disabled", func() {
		r := monitor.NewRegistry()
		called := false
		r.SetOnCrash(func(fc *faultctx.FaultContext) { called = true })

		um := monitor.NewUserReportedMonitor(r)
		um.Report("x", "go", "y", 0)
		Expect(called).To(BeFalse())
	})
})
