package install

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/jimsnab/go-lane"
	"golang.org/x/sys/unix"

	"github.com/lfricker/crashcore/pkg/appstate"
	"github.com/lfricker/crashcore/pkg/faultctx"
	"github.com/lfricker/crashcore/pkg/fixer"
	"github.com/lfricker/crashcore/pkg/introspect"
	"github.com/lfricker/crashcore/pkg/monitor"
	"github.com/lfricker/crashcore/pkg/report"
	"github.com/lfricker/crashcore/pkg/rotation"
	"github.com/lfricker/crashcore/pkg/safejson"
)

// Installer is the single composition root an embedder holds for the
// lifetime of the process: it owns the monitor registry, the crash-state
// tracker, the rotation store, and the report writer, and drives the
// on-crash callback that turns an enriched FaultContext into a report on
// disk.
type Installer struct {
	cfg Config
	lne lane.Lane

	registry *monitor.Registry
	tracker  *appstate.Tracker
	store    *rotation.Store
	fix      *fixer.Fixer

	reportOpts report.Options

	deadlock     *monitor.DeadlockMonitor
	userReported *monitor.UserReportedMonitor
	signalMon    *monitor.SignalMonitor

	systemInfo *faultctx.SystemInfo
}

// Install composes every component per cfg, arms the configured monitors,
// and returns the running Installer. l may be nil, in which case a
// discarding lane is used for every non-fault-path log line (spec's
// "capture-time transient failures are recorded as in-report errors, not
// log lines" rule already keeps the fault path itself off any lane).
func Install(cfg Config, l lane.Lane) (*Installer, error) {
	if l == nil {
		l = lane.NewNullLane(nil)
	}

	tracker, err := appstate.Open(
		filepath.Join(cfg.StateDir, "appstate.json"),
		filepath.Join(cfg.StateDir, "appstate.sentinel"),
		l,
	)
	if err != nil {
		return nil, fmt.Errorf("install: opening appstate tracker: %w", err)
	}

	in := &Installer{
		cfg:        cfg,
		lne:        l,
		registry:   monitor.NewRegistry(),
		tracker:    tracker,
		store:      rotation.New(cfg.ReportsDir, cfg.AppName, cfg.MaxReportCount),
		fix:        fixer.New(cfg.Demanglers, l),
		systemInfo: collectSystemInfo(),
	}

	in.reportOpts = report.Options{
		Introspector:          introspect.NewGoRuntimeIntrospector(cfg.DoNotIntrospectClasses),
		IntrospectMemory:      cfg.IntrospectMemory,
		ConsoleLogPath:        cfg.ConsoleLogPath,
		AddConsoleLogToReport: cfg.AddConsoleLogToReport,
		UserInfoJSON:          cfg.UserInfoJSON,
		UserSectionWriter:     cfg.UserSectionWriter,
	}

	in.registry.SetOnCrash(in.handleCrash)

	in.signalMon = monitor.NewSignalMonitor(in.registry)
	in.signalMon.Arm()
	in.registry.Register(in.signalMon)

	in.userReported = monitor.NewUserReportedMonitor(in.registry)
	in.registry.Register(in.userReported)

	in.registry.Register(monitor.NewAppStateMonitor(in))
	in.registry.Register(monitor.NewMachExceptionMonitor(in.registry))

	in.deadlock = monitor.NewDeadlockMonitor(in.registry, cfg.DeadlockWatchdogInterval)
	in.deadlock.Arm()
	in.registry.Register(in.deadlock)

	in.registry.SetActiveMonitors(cfg.MonitorMask)

	if cfg.PrintPreviousLog {
		in.printPreviousLog()
	}

	return in, nil
}

// SystemInfo implements monitor.SnapshotSource.
func (in *Installer) SystemInfo() *faultctx.SystemInfo { return in.systemInfo }

// AppState implements monitor.SnapshotSource.
func (in *Installer) AppState() faultctx.AppState { return in.tracker.Snapshot() }

// Heartbeat records main-thread liveness for the deadlock watchdog
// (installer option deadlockWatchdogInterval, spec §6.3). A no-op when
// the watchdog is disabled.
func (in *Installer) Heartbeat() { in.deadlock.Heartbeat() }

// ReportUserEvent drives a non-fatal, caller-invoked capture (the
// userReported monitor), subject to the same rotation and report schema
// as a real fault.
func (in *Installer) ReportUserEvent(name, language, reason string) {
	in.userReported.Report(name, language, reason, 1)
}

// NotifyAppActive forwards to the crash-state tracker.
func (in *Installer) NotifyAppActive(active bool) { in.tracker.NotifyAppActive(active) }

// NotifyAppInForeground forwards to the crash-state tracker.
func (in *Installer) NotifyAppInForeground(entering bool) { in.tracker.NotifyAppInForeground(entering) }

// FixReport reads the report with the given id and runs it through the
// post-mortem fixer (spec §4.9), returning the reformatted JSON without
// modifying the file on disk.
func (in *Installer) FixReport(id string) ([]byte, error) {
	raw, err := in.store.ReadReport(id)
	if err != nil {
		return nil, err
	}
	return in.fix.Fix(bytes.NewReader(raw))
}

// Shutdown marks a clean process exit: it stops the sentinel file so the
// next launch's Open call does not see an unclean exit, and tears down
// the monitor dispatch goroutines. Never call this from a crash path.
func (in *Installer) Shutdown() {
	in.tracker.NotifyAppTerminate()
	in.signalMon.Close()
	in.deadlock.Close()
}

// handleCrash is the registry's OnCrashFunc: it stamps fc with system and
// app-state context (for kinds the AppStateMonitor didn't already reach,
// e.g. a capture routed before that monitor ran), allocates a rotated
// report path, and drives the writer's standard or recrash pass.
func (in *Installer) handleCrash(fc *faultctx.FaultContext) {
	if fc.System == nil {
		fc.System = in.systemInfo
		fc.App = in.tracker.Snapshot()
	}

	if !fc.CurrentSnapshotUserReported {
		in.tracker.NotifyAppCrash()
	}

	// Capture the ids already on disk before GetNextCrashReportPath
	// allocates (and this function creates) the new report file: the
	// recrash path needs to find the partial report the first fault left
	// behind, not the empty file being created for this one.
	priorIDs, _ := in.store.GetReportIDs()

	path, err := in.store.GetNextCrashReportPath()
	if err != nil {
		in.lne.Warnf("install: allocating report path: %v", err)
		return
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		in.lne.Warnf("install: opening report file: %v", err)
		return
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	enc := safejson.New(func(b []byte) bool {
		_, err := w.Write(b)
		return err == nil
	})

	opts := in.reportOpts
	opts.Flush = func() { _ = w.Flush() }
	writer := report.New(opts)

	images := collectBinaryImages()
	reportID := strconv.FormatUint(uint64(time.Now().UnixNano()), 16)
	now := time.Now().Unix()

	if fc.CrashedDuringCrashHandling {
		in.writeRecrash(writer, enc, fc, reportID, now, priorIDs)
	} else {
		writer.WriteStandardReport(enc, fc, reportID, now, images)
	}
	_ = w.Flush()
}

// writeRecrash implements the ".old"-embed choreography spec §4.5
// requires and pkg/report leaves to its caller: the in-progress report
// left behind by the fault that crashed mid-capture is renamed aside,
// embedded as a subdocument in a fresh minimal report, and only deleted
// once that embed has been fully flushed (SPEC_FULL.md's recrash
// cleanup-ordering resolution keeps it on disk if the embed itself fails).
func (in *Installer) writeRecrash(writer *report.Writer, enc *safejson.Encoder, fc *faultctx.FaultContext, reportID string, now int64, priorIDs []string) {
	if len(priorIDs) == 0 {
		writer.WriteRecrashReport(enc, fc, reportID, now, nil)
		return
	}
	priorPath := in.store.PathForID(priorIDs[len(priorIDs)-1])
	if priorPath == "" {
		writer.WriteRecrashReport(enc, fc, reportID, now, nil)
		return
	}

	oldPath, err := in.store.RenameToOld(priorPath)
	if err != nil {
		writer.WriteRecrashReport(enc, fc, reportID, now, nil)
		return
	}

	oldFile, err := in.store.OpenOldForReading(oldPath)
	if err != nil {
		writer.WriteRecrashReport(enc, fc, reportID, now, nil)
		return
	}
	defer oldFile.Close()

	writer.WriteRecrashReport(enc, fc, reportID, now, func(buf []byte) (int, bool) {
		n, err := oldFile.Read(buf)
		return n, err == nil && n > 0
	})

	if !enc.Failed() {
		_ = in.store.DeleteOld(oldPath)
	}
}

func (in *Installer) printPreviousLog() {
	var consoleLog string
	if in.cfg.ConsoleLogPath != "" {
		if data, err := os.ReadFile(in.cfg.ConsoleLogPath); err == nil {
			consoleLog = string(data)
		}
	}
	fixer.PrintPreviousLog(os.Stdout, in.tracker.Snapshot().CrashedLastLaunch, consoleLog)
}

func collectSystemInfo() *faultctx.SystemInfo {
	hostname, _ := os.Hostname()
	exe, _ := os.Executable()

	var uname unix.Utsname
	osVersion, machine := "", ""
	if err := unix.Uname(&uname); err == nil {
		osVersion = cstr(uname.Release[:])
		machine = cstr(uname.Machine[:])
	}

	return &faultctx.SystemInfo{
		ProcessName:     filepath.Base(exe),
		ProcessID:       os.Getpid(),
		ParentProcessID: os.Getppid(),
		OSVersion:       osVersion,
		Machine:         machine,
		BootTime:        0, // no portable, allocation-free boot time source on Linux without /proc/stat parsing at install time
		BundleID:        hostname,
		BundleName:      filepath.Base(exe),
		BundleVersion:   runtime.Version(),
		Executable:      filepath.Base(exe),
		ExecutablePath:  exe,
	}
}

func cstr(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// collectBinaryImages parses /proc/self/maps for the executable-mapped
// regions backed by a file, the closest Linux analogue of the original
// engine's dyld image list. A Go binary has no per-image UUID to report
// (there is no Mach-O load command to read it from), so UUID is left
// empty rather than fabricated.
func collectBinaryImages() []report.BinaryImage {
	f, err := os.Open("/proc/self/maps")
	if err != nil {
		return nil
	}
	defer f.Close()

	seen := map[string]bool{}
	var images []report.BinaryImage

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		fields := strings.Fields(line)
		if len(fields) < 6 {
			continue
		}
		perms := fields[1]
		path := fields[len(fields)-1]
		if !strings.Contains(perms, "x") || path == "" || strings.HasPrefix(path, "[") {
			continue
		}
		if seen[path] {
			continue
		}
		seen[path] = true

		addrRange := strings.SplitN(fields[0], "-", 2)
		if len(addrRange) != 2 {
			continue
		}
		start, err1 := strconv.ParseUint(addrRange[0], 16, 64)
		end, err2 := strconv.ParseUint(addrRange[1], 16, 64)
		if err1 != nil || err2 != nil {
			continue
		}

		images = append(images, report.BinaryImage{
			Name:         filepath.Base(path),
			Path:         path,
			ImageAddress: uintptr(start),
			ImageSize:    uintptr(end - start),
		})
	}
	return images
}
