// Package faultctx defines FaultContext, the value-type record that a
// monitor fills in at fault time and the report writer later consumes.
//
// Field names and the per-kind payload shapes are taken from the original
// recording engine's FYCrashReportFields.h and FYCrashMonitor_*.c, ported
// to a tagged union discriminated by Kind.
package faultctx

import (
	"github.com/google/uuid"

	"github.com/lfricker/crashcore/pkg/machctx"
	"github.com/lfricker/crashcore/pkg/stackcursor"
)

// Kind identifies the source of a fault. It is flag-set compatible so
// enrichers can test membership with a bitwise AND.
type Kind uint32

const (
	KindMachException Kind = 1 << iota
	KindSignal
	KindCppLikeException
	KindLanguageRuntimeException
	KindMainThreadDeadlock
	KindUserReported
	KindZombie
	KindSystemSnapshot
	KindAppStateSnapshot
)

// Has reports whether k is present in the receiver's flag set.
func (k Kind) Has(flag Kind) bool { return k&flag != 0 }

// MachPayload carries the mach-exception-specific fields. Linux has no mach
// port; this payload is only ever populated by a darwin-only monitor.
type MachPayload struct {
	Type    int64
	Code    int64
	Subcode int64
}

// SignalPayload carries the POSIX-signal-specific fields.
type SignalPayload struct {
	Signum      int
	Sigcode     int32
	UserContext uintptr // pointer to the raw ucontext_t, valid only during capture
}

// CppLikePayload carries the uncaught-C++-style-exception fields.
type CppLikePayload struct {
	Name string
}

// LanguageExceptionPayload carries uncaught-language-runtime-exception
// fields (the Go analogue of an NSException).
type LanguageExceptionPayload struct {
	Name     string
	UserInfo string // opaque JSON blob, caller-supplied
}

// UserReportedPayload carries the fields for a caller-invoked, non-fatal
// capture.
type UserReportedPayload struct {
	Name             string
	Language         string
	LineOfCode       int
	CustomStackTrace []string
}

// ZombiePayload carries fields for a reference to a recently deallocated
// object, as reported by an optional zombie-tracking monitor.
type ZombiePayload struct {
	Address uintptr
	Name    string
	Reason  string
}

// DeadlockPayload carries the fields for a MainThreadDeadlock capture.
// This is a supplemented field absent from the distilled error-block
// enumeration but present in the original schema's field list.
type DeadlockPayload struct {
	Reason           string
	WatchdogInterval float64
}

// SystemInfo is a snapshot of process and OS level metadata, normally
// produced once at install time and refreshed on demand.
type SystemInfo struct {
	ProcessName     string
	ProcessID       int
	ParentProcessID int
	OSVersion       string
	Machine         string
	BootTime        int64 // unix seconds
	BundleID        string
	BundleName      string
	BundleVersion   string
	Executable      string
	ExecutablePath  string
}

// AppState mirrors pkg/appstate's Tracker.Snapshot at the moment of capture. It is
// embedded by value so the writer never has to re-acquire the appstate
// lock mid-fault.
type AppState struct {
	LaunchesSinceLastCrash            int
	SessionsSinceLastCrash            int
	SessionsSinceLaunch               int
	ActiveDurationSinceLastCrash      float64
	BackgroundDurationSinceLastCrash  float64
	ActiveDurationSinceLaunch         float64
	BackgroundDurationSinceLaunch     float64
	ApplicationIsActive               bool
	ApplicationIsInForeground         bool
	CrashedLastLaunch                 bool
	CrashedThisLaunch                 bool
}

// FaultContext is the single hub between a monitor and the report writer.
// It is allocated by the triggering monitor, mutated by the dispatcher's
// enrichers, and read-only once the writer starts.
type FaultContext struct {
	Kind    Kind
	EventID string // 36-char lowercase hex UUID, generated once per fault

	OffendingMachineContext *machctx.Context
	StackCursor             *stackcursor.Cursor

	FaultAddress uintptr
	CrashReason  string // borrowed; must outlive the writer's pass

	RegistersAreValid bool // false for user-reported captures

	CrashedDuringCrashHandling bool
	RequiresAsyncSafety        bool
	CurrentSnapshotUserReported bool

	Mach     MachPayload
	Signal   SignalPayload
	CppLike  CppLikePayload
	LangExc  LanguageExceptionPayload
	User     UserReportedPayload
	Zombie   ZombiePayload
	Deadlock DeadlockPayload

	System *SystemInfo
	App    AppState

	ConsoleLogPath string
}

// New allocates a FaultContext stamped with a fresh event id. Every
// monitor in pkg/monitor calls it from an ordinary goroutine, including
// the signal monitor, whose handle runs on the goroutine that receives
// from os/signal rather than inside a signal handler.
func New(kind Kind) *FaultContext {
	return &FaultContext{
		Kind:    kind,
		EventID: uuid.New().String(),
	}
}
