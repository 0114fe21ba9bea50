package monitor

import (
	"os"
	"os/signal"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/lfricker/crashcore/pkg/faultctx"
	"github.com/lfricker/crashcore/pkg/machctx"
	"github.com/lfricker/crashcore/pkg/stackcursor"
)

// terminatingSignals are the signals this monitor treats as fatal: every
// one the original engine's FYCrashMonitor_Signal.c arms by default,
// intersected with what the Go runtime actually lets a user handler see.
//
// The Go runtime intercepts SIGSEGV/SIGBUS/SIGILL/SIGFPE itself before any
// signal.Notify subscriber runs, to drive its own fatal-signal traceback;
// a user handler installed via os/signal never observes them for genuine
// hardware faults, and there is no cgo-free way to install a raw
// SA_SIGINFO sigaction that would. This monitor therefore only captures
// externally-delivered termination signals (SIGABRT, SIGQUIT, SIGTERM),
// and RegistersAreValid is always false here: without a ucontext_t there
// is no register snapshot to offer, matching spec §9's sanctioned
// degradation for environments where register capture isn't available.
var terminatingSignals = []os.Signal{unix.SIGABRT, unix.SIGQUIT, unix.SIGTERM}

// SignalMonitor captures externally-delivered termination signals and
// feeds them to the registry as Kind=Signal faults.
type SignalMonitor struct {
	registry *Registry
	enabled  atomic.Bool
	ch       chan os.Signal
	stop     chan struct{}
}

// NewSignalMonitor returns a SignalMonitor wired to registry. Call Arm to
// start listening.
func NewSignalMonitor(registry *Registry) *SignalMonitor {
	return &SignalMonitor{registry: registry, ch: make(chan os.Signal, 4), stop: make(chan struct{})}
}

func (m *SignalMonitor) Type() Type               { return TypeSignal }
func (m *SignalMonitor) SafetyClass() SafetyClass { return AsyncUnsafe }
func (m *SignalMonitor) IsEnabled() bool          { return m.enabled.Load() }

func (m *SignalMonitor) SetEnabled(v bool) {
	was := m.enabled.Swap(v)
	if v && !was {
		signal.Notify(m.ch, terminatingSignals...)
	} else if !v && was {
		signal.Stop(m.ch)
	}
}

// Arm starts the monitor's dispatch goroutine. Call once, before
// registering with a Registry that will later enable it.
func (m *SignalMonitor) Arm() {
	go m.loop()
}

// Close stops the dispatch goroutine.
func (m *SignalMonitor) Close() { close(m.stop) }

func (m *SignalMonitor) loop() {
	for {
		select {
		case sig := <-m.ch:
			m.handle(sig)
		case <-m.stop:
			return
		}
	}
}

func (m *SignalMonitor) handle(sig os.Signal) {
	unixSig, _ := sig.(unix.Signal)

	m.registry.NotifyFatalExceptionCaptured(false)

	fc := faultctx.New(faultctx.KindSignal)
	fc.Signal.Signum = int(unixSig)
	fc.RegistersAreValid = false

	ctx := &machctx.Context{IsCurrentThread: true}
	_ = machctx.GetContextForThread(int32(unix.Gettid()), ctx, true)
	fc.OffendingMachineContext = ctx
	fc.StackCursor = stackcursor.NewFromMachineContext(ctx)

	m.registry.HandleException(fc)

	// Re-raise so the OS applies the signal's default disposition. For a
	// fatal capture the registry has already disabled this monitor
	// (DisableAll → SetEnabled(false) → signal.Stop), so the re-raised
	// signal is not delivered back into this monitor's channel.
	_ = unix.Kill(os.Getpid(), unixSig)
}

// AddContextualInfoToEvent is a no-op: the signal monitor contributes its
// payload at capture time (see handle), not during the dispatcher's
// enrichment pass, since it is the monitor that originated the fault.
func (m *SignalMonitor) AddContextualInfoToEvent(*faultctx.FaultContext) {}
