// Package report drives pkg/safejson through the report schema defined in
// spec §6.1, consuming a FaultContext and an optional ObjectIntrospector.
// Every exported entry point here is written to run on the fault path: no
// allocation beyond what Go's own slice/string machinery does implicitly
// (which the original's C writer avoided entirely; crashcore accepts this
// as an honest, documented gap — see DESIGN.md), no blocking I/O beyond
// what the caller's Sink performs.
//
// Grounded on original_source's FYCrashReport_writeCrashReport and
// FYCrashReportFields.h for section shape and field names, and on the
// teacher's pkg/output/table.go for the "flush after each logical unit"
// discipline (there: after each table row group; here: after each
// top-level report section).
package report

import (
	"github.com/lfricker/crashcore/pkg/faultctx"
	"github.com/lfricker/crashcore/pkg/introspect"
	"github.com/lfricker/crashcore/pkg/machctx"
	"github.com/lfricker/crashcore/pkg/safejson"
	"github.com/lfricker/crashcore/pkg/safemem"
)

// SchemaVersion is the report schema version emitted under report.version.
const SchemaVersion = "3.1.0"

// ReportType selects the "report.type" field.
type ReportType string

const (
	TypeStandard ReportType = "standard"
	TypeMinimal  ReportType = "minimal"
	TypeCustom   ReportType = "custom"
)

// Options configures a single writer pass. The zero value is usable and
// matches the original's conservative defaults.
type Options struct {
	Introspector        introspect.ObjectIntrospector
	IntrospectMemory    bool // enables the notable-address sweep and field enumeration
	NotableBackWords    int  // default 20
	NotableForwardWords int  // default 10
	FieldBudget         int  // default 15, the "remaining" budget of spec §4.5
	ConsoleLogPath      string
	AddConsoleLogToReport bool
	UserInfoJSON        string // opaque, appended verbatim under "user"
	UserSectionWriter   func(e *safejson.Encoder)
	ZombieLookup        func(addr uintptr) (className string, ok bool)
	Flush               func() // called after each top-level section; may be nil
}

func (o *Options) introspector() introspect.ObjectIntrospector {
	if o.Introspector != nil {
		return o.Introspector
	}
	return introspect.NopIntrospector{}
}

func (o *Options) notableBack() int {
	if o.NotableBackWords > 0 {
		return o.NotableBackWords
	}
	return 20
}

func (o *Options) notableForward() int {
	if o.NotableForwardWords > 0 {
		return o.NotableForwardWords
	}
	return 10
}

func (o *Options) fieldBudget() int {
	if o.FieldBudget > 0 {
		return o.FieldBudget
	}
	return 15
}

func (o *Options) flush() {
	if o.Flush != nil {
		o.Flush()
	}
}

// Writer emits a full crash report for fc through e.
type Writer struct {
	opts Options
}

// New returns a Writer configured by opts.
func New(opts Options) *Writer {
	return &Writer{opts: opts}
}

// WriteStandardReport emits the full schema: report info, binary images,
// process state, system info, the error block, every thread, the user
// block, and the debug block, flushing after each.
func (w *Writer) WriteStandardReport(e *safejson.Encoder, fc *faultctx.FaultContext, reportID string, timestampUnix int64, images []BinaryImage) {
	e.BeginObject("")
	e.BeginObject("report")
	w.writeReportInfo(e, fc, reportID, timestampUnix, TypeStandard)
	e.EndObject()
	w.opts.flush()

	e.BeginArray("binary_images")
	for _, img := range images {
		writeBinaryImage(e, img)
	}
	e.EndArray()
	w.opts.flush()

	e.BeginObject("process")
	w.writeProcessState(e, fc)
	e.EndObject()
	w.opts.flush()

	e.BeginObject("system")
	w.writeSystemInfo(e, fc.System)
	e.EndObject()
	w.opts.flush()

	e.BeginObject("crash")
	e.BeginObject("error")
	w.writeErrorBlock(e, fc)
	e.EndObject()

	e.BeginArray("threads")
	if fc.OffendingMachineContext != nil {
		w.writeThreads(e, fc)
	}
	e.EndArray()
	e.EndObject() // crash
	w.opts.flush()

	e.BeginObject("user")
	w.writeUserBlock(e)
	e.EndObject()
	w.opts.flush()

	e.BeginObject("debug")
	w.writeDebugBlock(e)
	e.EndObject()
	w.opts.flush()

	e.EndObject() // root
}

// WriteRecrashReport implements spec §4.5's recrash path: a minimal report
// embedding the prior (partial) report as a subdocument, covering only the
// error block and the crashed thread. Callers are responsible for the
// rename-to-.old / delete-.old file choreography (pkg/rotation); this
// method only emits JSON given a callback that streams the old file.
func (w *Writer) WriteRecrashReport(e *safejson.Encoder, fc *faultctx.FaultContext, reportID string, timestampUnix int64, oldReportReader func(buf []byte) (int, bool)) {
	e.BeginObject("")
	e.BeginObject("report")
	w.writeReportInfo(e, fc, reportID, timestampUnix, TypeMinimal)
	e.EndObject()
	w.opts.flush()

	e.BeginObject("crash")
	e.BeginObject("error")
	w.writeErrorBlock(e, fc)
	e.EndObject()
	if fc.OffendingMachineContext != nil {
		e.BeginObject("crashed_thread")
		w.writeThread(e, fc, fc.OffendingMachineContext, 0, true)
		e.EndObject()
	}
	e.EndObject()
	w.opts.flush()

	if oldReportReader != nil {
		e.AddFileAsSubdocument("recrash_report", oldReportReader)
	}
	w.opts.flush()

	e.EndObject()
}

func (w *Writer) writeReportInfo(e *safejson.Encoder, fc *faultctx.FaultContext, reportID string, timestampUnix int64, typ ReportType) {
	e.AddString("version", SchemaVersion)
	e.AddString("id", reportID)
	name := ""
	if fc.System != nil {
		name = fc.System.ProcessName
	}
	e.AddString("process_name", name)
	e.AddInteger("timestamp", timestampUnix)
	e.AddString("type", string(typ))
}

// BinaryImage describes one loaded image for the binary_images array.
// Populated from /proc/self/maps by the caller (pkg/install), since
// parsing that file is ambient process introspection, not fault-path
// logic that belongs in this package.
type BinaryImage struct {
	Name         string
	Path         string
	ImageAddress uintptr
	ImageSize    uintptr
	UUID         string
}

func writeBinaryImage(e *safejson.Encoder, img BinaryImage) {
	e.BeginObject("")
	e.AddString("name", img.Name)
	e.AddString("path", img.Path)
	e.AddAddress("image_addr", img.ImageAddress)
	e.AddAddress("image_size", img.ImageSize)
	e.AddString("uuid", img.UUID)
	e.EndObject()
}

func (w *Writer) writeProcessState(e *safejson.Encoder, fc *faultctx.FaultContext) {
	if fc.System != nil {
		e.AddInteger("pid", int64(fc.System.ProcessID))
		e.AddInteger("parent_pid", int64(fc.System.ParentProcessID))
		e.AddString("executable_path", fc.System.ExecutablePath)
	}
	e.AddBool("crashed_this_launch", fc.App.CrashedThisLaunch)
	e.AddBool("crashed_last_launch", fc.App.CrashedLastLaunch)
	e.AddInteger("launches_since_last_crash", int64(fc.App.LaunchesSinceLastCrash))
	e.AddInteger("sessions_since_last_crash", int64(fc.App.SessionsSinceLastCrash))
	e.AddInteger("sessions_since_launch", int64(fc.App.SessionsSinceLaunch))
	e.AddDouble("active_duration_since_last_crash", fc.App.ActiveDurationSinceLastCrash)
	e.AddDouble("background_duration_since_last_crash", fc.App.BackgroundDurationSinceLastCrash)
	e.AddDouble("active_duration_since_launch", fc.App.ActiveDurationSinceLaunch)
	e.AddDouble("background_duration_since_launch", fc.App.BackgroundDurationSinceLaunch)
	e.AddBool("application_active", fc.App.ApplicationIsActive)
	e.AddBool("application_in_foreground", fc.App.ApplicationIsInForeground)
}

func (w *Writer) writeSystemInfo(e *safejson.Encoder, sys *faultctx.SystemInfo) {
	if sys == nil {
		return
	}
	e.AddString("os_version", sys.OSVersion)
	e.AddString("machine", sys.Machine)
	e.AddInteger("boot_time", sys.BootTime)
	e.AddString("bundle_id", sys.BundleID)
	e.AddString("bundle_name", sys.BundleName)
	e.AddString("bundle_version", sys.BundleVersion)
	e.AddString("executable", sys.Executable)
}

// writeErrorBlock implements spec §6.1's per-kind error shape. Deadlock is
// a supplemented kind (SPEC_FULL.md supplement #1), modeled after the
// original's FYCrashExcType_Deadlock shape: a user_reported-like block
// plus the watchdog interval that tripped it.
func (w *Writer) writeErrorBlock(e *safejson.Encoder, fc *faultctx.FaultContext) {
	switch {
	case fc.Kind.Has(faultctx.KindSignal):
		e.AddString("type", "signal")
		e.AddInteger("signal", int64(fc.Signal.Signum))
		e.AddString("name", signalName(fc.Signal.Signum))
		e.AddInteger("code", int64(fc.Signal.Sigcode))
		e.AddString("code_name", signalCodeName(fc.Signal.Signum, fc.Signal.Sigcode))

	case fc.Kind.Has(faultctx.KindMachException):
		e.AddString("type", "mach")
		e.AddInteger("exception", fc.Mach.Type)
		e.AddString("exception_name", machExceptionName(fc.Mach.Type))
		e.AddInteger("code", fc.Mach.Code)
		e.AddString("code_name", "")
		e.AddInteger("subcode", fc.Mach.Subcode)

	case fc.Kind.Has(faultctx.KindCppLikeException):
		e.AddString("type", "cpp_exception")
		e.AddString("name", fc.CppLike.Name)

	case fc.Kind.Has(faultctx.KindLanguageRuntimeException):
		e.AddString("type", "nsexception")
		e.AddString("name", fc.LangExc.Name)
		if fc.LangExc.UserInfo != "" {
			e.AddRaw("userInfo", []byte(fc.LangExc.UserInfo))
		} else {
			e.AddNull("userInfo")
		}
		if fc.Kind.Has(faultctx.KindZombie) {
			e.AddAddress("referenced_object", fc.Zombie.Address)
		}

	case fc.Kind.Has(faultctx.KindMainThreadDeadlock):
		e.AddString("type", "deadlock")
		e.AddString("name", "deadlock")
		e.AddString("reason", fc.Deadlock.Reason)
		e.AddDouble("watchdog_interval", fc.Deadlock.WatchdogInterval)
		if len(fc.User.CustomStackTrace) > 0 {
			e.BeginArray("backtrace")
			for _, s := range fc.User.CustomStackTrace {
				e.AddString("", s)
			}
			e.EndArray()
		}

	case fc.Kind.Has(faultctx.KindUserReported):
		e.AddString("type", "user_reported")
		e.AddString("name", fc.User.Name)
		if fc.User.Language != "" {
			e.AddString("language", fc.User.Language)
		}
		if fc.User.LineOfCode != 0 {
			e.AddInteger("line_of_code", int64(fc.User.LineOfCode))
		}
		if len(fc.User.CustomStackTrace) > 0 {
			e.BeginArray("backtrace")
			for _, s := range fc.User.CustomStackTrace {
				e.AddString("", s)
			}
			e.EndArray()
		}

	default:
		e.AddString("type", "unknown")
	}

	if fc.CrashReason != "" {
		e.AddString("reason", fc.CrashReason)
	}
	e.AddAddress("address", fc.FaultAddress)
}

func (w *Writer) writeThreads(e *safejson.Encoder, fc *faultctx.FaultContext) {
	crashedCtx := fc.OffendingMachineContext
	threads := crashedCtx.AllThreads
	if len(threads) == 0 {
		e.BeginObject("")
		w.writeThread(e, fc, crashedCtx, 0, true)
		e.EndObject()
		return
	}
	for i, t := range threads {
		e.BeginObject("")
		crashed := t.TID == crashedCtx.ThisThread
		var threadCtx *machctx.Context
		if crashed {
			threadCtx = crashedCtx
		} else {
			threadCtx = &machctx.Context{ThisThread: t.TID, Regs: t.Regs, IsCurrentThread: t.HasCPU}
		}
		w.writeThread(e, fc, threadCtx, i, crashed)
		e.EndObject()
	}
}

func (w *Writer) writeThread(e *safejson.Encoder, fc *faultctx.FaultContext, ctx *machctx.Context, index int, crashed bool) {
	e.BeginObject("backtrace")
	w.writeBacktrace(e, fc, crashed)
	e.EndObject()

	e.BeginObject("registers")
	writeRegisters(e, ctx)
	e.EndObject()

	e.AddInteger("index", int64(index))
	e.AddBool("crashed", crashed)
	e.AddBool("current_thread", ctx.IsCurrentThread)

	if crashed {
		e.BeginObject("stack")
		w.writeStackDump(e, fc, ctx)
		e.EndObject()

		if w.opts.IntrospectMemory {
			e.BeginObject("notable_addresses")
			w.writeNotableAddresses(e, fc, ctx)
			e.EndObject()
		}
	}
}

// writeBacktrace implements spec §4.5's backtrace-emission subsystem:
// walks fc.StackCursor to exhaustion, one object per frame.
func (w *Writer) writeBacktrace(e *safejson.Encoder, fc *faultctx.FaultContext, crashed bool) {
	e.BeginArray("contents")
	if crashed && fc.StackCursor != nil {
		cur := fc.StackCursor
		for cur.Advance() {
			cur.Symbolicate()
			f := cur.Current()
			e.BeginObject("")
			e.AddAddress("instruction_addr", f.InstructionAddress)
			e.AddAddress("object_addr", f.ImageAddress)
			e.AddString("object_name", baseName(f.ImageName))
			e.AddAddress("symbol_addr", f.SymbolAddress)
			e.AddString("symbol_name", f.SymbolName)
			e.EndObject()
		}
	}
	e.EndArray()
	e.AddInteger("skipped", 0)
}

func baseName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}

func writeRegisters(e *safejson.Encoder, ctx *machctx.Context) {
	e.BeginObject("basic")
	if machctx.CanHaveCPUState(ctx) {
		for i := 0; i < machctx.RegisterCount(); i++ {
			e.AddAddress(machctx.RegisterName(i), uintptr(machctx.RegisterValue(ctx, i)))
		}
	}
	e.EndObject()

	if ctx.IsSignalContext {
		e.BeginObject("exception")
		for i := 0; i < machctx.ExceptionRegisterCount(); i++ {
			e.AddAddress(machctx.ExceptionRegisterName(i), uintptr(machctx.ExceptionRegisterValue(ctx, i)))
		}
		e.EndObject()
	}
}

// writeStackDump implements spec §4.5's stack-dump subsystem: a fixed
// window of raw bytes around the stack pointer.
func (w *Writer) writeStackDump(e *safejson.Encoder, fc *faultctx.FaultContext, ctx *machctx.Context) {
	const dumpWords = 256
	const wordSize = 8

	e.AddString("grow_direction", machctx.StackGrowthDirection)

	if !machctx.CanHaveCPUState(ctx) {
		e.AddAddress("dump_start", 0)
		e.AddAddress("dump_end", 0)
		e.AddAddress("stack_pointer", 0)
		e.AddBool("overflow", false)
		e.AddData("contents", nil)
		return
	}

	sp := machctx.StackPointer(ctx)
	start := sp - dumpWords*wordSize/2
	if start > sp {
		start = 0 // underflowed past address 0
	}
	end := start + dumpWords*wordSize

	e.AddAddress("dump_start", start)
	e.AddAddress("dump_end", end)
	e.AddAddress("stack_pointer", sp)

	overflow := fc.StackCursor != nil && fc.StackCursor.HasGivenUp()
	e.AddBool("overflow", overflow)

	buf := make([]byte, end-start)
	if !safemem.CopySafely(start, buf) {
		// Partial dumps are still useful; shrink until a prefix copies.
		n := len(buf)
		for n > 0 && !safemem.CopySafely(start, buf[:n]) {
			n /= 2
		}
		buf = buf[:n]
	}
	e.AddData("contents", buf)
}

// writeNotableAddresses implements spec §4.5's notable-address sweep:
// every register value and every word of stack within a window around the
// stack pointer, recorded as a memory-content block if it passes
// validity/classification checks.
func (w *Writer) writeNotableAddresses(e *safejson.Encoder, fc *faultctx.FaultContext, ctx *machctx.Context) {
	budget := w.opts.fieldBudget()

	if machctx.CanHaveCPUState(ctx) {
		for i := 0; i < machctx.RegisterCount(); i++ {
			addr := uintptr(machctx.RegisterValue(ctx, i))
			if w.isNotableAddress(addr) {
				w.writeMemoryContents(e, machctx.RegisterName(i), addr, budget)
			}
		}
	}

	sp := machctx.StackPointer(ctx)
	if sp == 0 {
		return
	}
	const wordSize = 8
	back := w.opts.notableBack()
	forward := w.opts.notableForward()
	// StackGrowthDirection is "-" on every target architecture here, so
	// "back" (toward the caller) means higher addresses.
	low := sp - uintptr(forward*wordSize)
	high := sp + uintptr(back*wordSize)
	if low > sp {
		low = 0
	}

	for addr := low; addr <= high; addr += wordSize {
		var word [wordSize]byte
		if !safemem.CopySafely(addr, word[:]) {
			continue
		}
		val := uintptr(leUintptr(word[:]))
		if w.isNotableAddress(val) {
			key := "stack@" + safejson.FormatHexAddress(addr)
			w.writeMemoryContents(e, key, val, budget)
		}
	}
}

func leUintptr(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func (w *Writer) isNotableAddress(addr uintptr) bool {
	if addr == 0 {
		return false
	}
	if w.opts.ZombieLookup != nil {
		if _, ok := w.opts.ZombieLookup(addr); ok {
			return true
		}
	}
	if w.opts.introspector().Classify(addr).Class != introspect.NotAnObject {
		return true
	}
	_, ok := safemem.IsValidNullTerminatedUTF8(addr, 4, 200)
	return ok
}

// writeMemoryContents implements spec §4.5's memory-content recorder.
func (w *Writer) writeMemoryContents(e *safejson.Encoder, key string, addr uintptr, remaining int) {
	e.BeginObject(key)
	defer e.EndObject()

	e.AddAddress("address", addr)

	if w.opts.ZombieLookup != nil {
		if className, ok := w.opts.ZombieLookup(addr); ok {
			e.AddString("last_deallocated_obj", className)
		}
	}

	obj := w.opts.introspector().Classify(addr)
	switch obj.Class {
	case introspect.String, introspect.URL:
		e.AddString("type", "string")
		e.AddString("value", obj.StringValue)
		return

	case introspect.Date:
		e.AddString("type", "unknown")
		e.AddInteger("value", obj.DateValue)
		return

	case introspect.Number:
		e.AddString("type", "unknown")
		e.AddDouble("value", obj.NumberValue)
		return

	case introspect.Array:
		e.AddString("type", "objc_object")
		e.AddString("class", obj.ClassName)
		if obj.FirstElement != 0 && remaining > 0 {
			e.BeginObject("first_object")
			w.writeMemoryContentsInline(e, obj.FirstElement, remaining-1)
			e.EndObject()
		}
		return

	case introspect.Dictionary, introspect.Exception, introspect.UnknownRuntimeObject:
		typ := "objc_object"
		if obj.Class == introspect.Exception {
			typ = "objc_object"
		}
		e.AddString("type", typ)
		e.AddString("class", obj.ClassName)
		if !w.opts.introspector().ShouldIntrospect(obj.ClassName) {
			return
		}
		if remaining > 0 && len(obj.Fields) > 0 {
			e.BeginArray("ivars")
			for _, f := range obj.Fields {
				e.BeginObject("")
				e.AddString("name", f.Name)
				switch f.TypeTag {
				case 'p':
					e.AddString("type", "p")
					if f.Address != 0 {
						e.BeginObject("value")
						w.writeMemoryContentsInline(e, f.Address, remaining-1)
						e.EndObject()
					}
				case 'i':
					e.AddString("type", "i")
					e.AddInteger("value", f.Int)
				case 'f':
					e.AddString("type", "f")
					e.AddDouble("value", f.Float)
				case 'b':
					e.AddString("type", "b")
					e.AddBool("value", f.Bool)
				}
				e.EndObject()
			}
			e.EndArray()
		}
		return

	case introspect.TaggedPointer:
		e.AddString("type", "objc_object")
		e.AddInteger("tagged_payload", obj.TaggedPayload)
		return

	case introspect.Block:
		e.AddString("type", "objc_block")
		return

	case introspect.OpaqueClass:
		e.AddString("type", "objc_class")
		e.AddString("class", obj.ClassName)
		return
	}

	if addr == 0 {
		e.AddString("type", "null_pointer")
		return
	}
	if s, ok := safemem.IsValidNullTerminatedUTF8(addr, 4, 200); ok {
		e.AddString("type", "string")
		e.AddString("value", s)
		return
	}
	e.AddString("type", "unknown")
}

// writeMemoryContentsInline writes the fields of a nested memory-content
// record without its own enclosing key/object (the caller has already
// opened one), used for first_object and pointer-typed ivar recursion.
func (w *Writer) writeMemoryContentsInline(e *safejson.Encoder, addr uintptr, remaining int) {
	e.AddAddress("address", addr)
	if remaining <= 0 {
		e.AddString("type", "unknown")
		return
	}
	obj := w.opts.introspector().Classify(addr)
	switch obj.Class {
	case introspect.String, introspect.URL:
		e.AddString("type", "string")
		e.AddString("value", obj.StringValue)
	case introspect.Date, introspect.Number:
		e.AddString("type", "unknown")
		e.AddDouble("value", obj.NumberValue)
	default:
		e.AddString("type", "unknown")
		if obj.ClassName != "" {
			e.AddString("class", obj.ClassName)
		}
	}
}

func (w *Writer) writeUserBlock(e *safejson.Encoder) {
	if w.opts.UserInfoJSON != "" {
		e.AddRaw("info", []byte(w.opts.UserInfoJSON))
	}
	if w.opts.UserSectionWriter != nil {
		w.opts.UserSectionWriter(e)
	}
}

func (w *Writer) writeDebugBlock(e *safejson.Encoder) {
	if w.opts.AddConsoleLogToReport && w.opts.ConsoleLogPath != "" {
		e.AddString("console_log_path", w.opts.ConsoleLogPath)
	}
}

// signalName maps a POSIX signal number to its canonical name. Only
// SIGILL, SIGTRAP, SIGABRT, SIGBUS, SIGFPE, SIGSEGV and SIGSYS are named;
// any other number (SIGQUIT and SIGTERM included) yields "UNKNOWN", and
// the number itself is still in the error block's "signal" field.
func signalName(sig int) string {
	switch sig {
	case 4:
		return "SIGILL"
	case 5:
		return "SIGTRAP"
	case 6:
		return "SIGABRT"
	case 7:
		return "SIGBUS"
	case 8:
		return "SIGFPE"
	case 11:
		return "SIGSEGV"
	case 31:
		return "SIGSYS"
	default:
		return "UNKNOWN"
	}
}

func signalCodeName(sig int, code int32) string {
	if sig == 11 {
		switch code {
		case 1:
			return "SEGV_MAPERR"
		case 2:
			return "SEGV_ACCERR"
		}
	}
	return ""
}

func machExceptionName(typ int64) string {
	return "" // no mach exception port on linux; see pkg/monitor/mach_stub.go
}
