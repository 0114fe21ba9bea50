// Package appstate implements the crash-state tracker (spec §3.4/§4.7):
// persisted "launches/sessions since last crash" counters plus a
// lightweight sentinel file that detects an unclean exit before the
// structured state file is even parsed.
//
// Grounded on netspy's StartSentinel/StopSentinel two-tier unclean-
// exit detection (pkg/crash/handler.go, now adapted here) and
// original_source's FYCrashMonitor_AppState.c for the counter set and the
// "crashedLastLaunch <- crashedThisLaunch of the previous run" rule.
package appstate

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jimsnab/go-lane"

	"github.com/lfricker/crashcore/pkg/faultctx"
)

// SchemaVersion is the persisted AppState JSON's "version" field. A file
// with a different version is treated as a load failure and the state is
// reinitialized (spec §4.7).
const SchemaVersion = 1

// persisted is the on-disk shape (spec §6.2).
type persisted struct {
	Version                           int     `json:"version"`
	CrashedLastLaunch                bool    `json:"crashedLastLaunch"`
	ActiveDurationSinceLastCrash      float64 `json:"activeDurationSinceLastCrash"`
	BackgroundDurationSinceLastCrash  float64 `json:"backgroundDurationSinceLastCrash"`
	LaunchesSinceLastCrash            int     `json:"launchesSinceLastCrash"`
	SessionsSinceLastCrash            int     `json:"sessionsSinceLastCrash"`
}

// Tracker maintains AppState across foreground/background transitions and
// crash notifications, persisting to statePath and guarding unclean exits
// via a sentinel file at sentinelPath.
type Tracker struct {
	statePath    string
	sentinelPath string
	lane         lane.Lane

	mu    sync.Mutex
	state persisted

	sessionsSinceLaunch           int
	activeDurationSinceLaunch     float64
	backgroundDurationSinceLaunch float64
	applicationIsActive           bool
	applicationIsInForeground     bool
	crashedLastLaunch             bool
	crashedThisLaunch             bool
	transitionTime                time.Time
}

// Open loads (or initializes) the tracker's persisted state, checks the
// sentinel file for an unclean prior exit, and starts a fresh sentinel for
// this launch. l may be nil, in which case load and sentinel warnings are
// not logged.
func Open(statePath, sentinelPath string, l lane.Lane) (*Tracker, error) {
	t := &Tracker{statePath: statePath, sentinelPath: sentinelPath, lane: l, transitionTime: time.Now()}

	sentinelDirty := sentinelExists(sentinelPath)

	if err := t.load(); err != nil {
		if l != nil {
			l.Warnf("appstate: %v, reinitializing", err)
		}
		t.state = persisted{Version: SchemaVersion}
	}

	if sentinelDirty && !t.state.CrashedLastLaunch {
		// The structured state file either wasn't written (process died
		// before any transition) or predates the crash; the sentinel is
		// the more reliable signal for "did the previous run exit
		// uncleanly" in that case.
		t.state.CrashedLastLaunch = true
	}

	if t.state.CrashedLastLaunch {
		t.state.LaunchesSinceLastCrash = 0
		t.state.SessionsSinceLastCrash = 0
		t.state.ActiveDurationSinceLastCrash = 0
		t.state.BackgroundDurationSinceLastCrash = 0
	}
	t.state.LaunchesSinceLastCrash++

	// The persisted flag now describes this launch, which has not crashed.
	t.crashedLastLaunch = t.state.CrashedLastLaunch
	t.state.CrashedLastLaunch = false

	if err := startSentinel(sentinelPath); err != nil && l != nil {
		l.Warnf("appstate: could not start sentinel: %v", err)
	}

	return t, t.save()
}

func sentinelExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func startSentinel(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(time.Now().UTC().Format(time.RFC3339)), 0o644)
}

// StopSentinel removes the sentinel file, marking this launch as having
// exited (about to exit) cleanly. Call this from the normal shutdown path,
// never from the crash path — a crash must leave the sentinel behind for
// the next launch to find.
func (t *Tracker) StopSentinel() {
	_ = os.Remove(t.sentinelPath)
}

func (t *Tracker) load() error {
	data, err := os.ReadFile(t.statePath)
	if err != nil {
		return err
	}
	var p persisted
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	if p.Version != SchemaVersion {
		return errUnsupportedVersion(p.Version)
	}
	t.state = p
	return nil
}

type errUnsupportedVersion int

func (e errUnsupportedVersion) Error() string {
	return "unsupported appstate schema version"
}

func (t *Tracker) save() error {
	if err := os.MkdirAll(filepath.Dir(t.statePath), 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(t.state)
	if err != nil {
		return err
	}
	return os.WriteFile(t.statePath, data, 0o644)
}

// NotifyAppActive records a foreground-active transition.
func (t *Tracker) NotifyAppActive(active bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.accrue()
	t.applicationIsActive = active
}

// NotifyAppInForeground records a foreground/background transition,
// persisting state on the foreground->background edge (spec §3.4
// invariant). entering is a rename matching the boolean sense of
// original_source's onEnterForeground/onEnterBackground pair.
func (t *Tracker) NotifyAppInForeground(entering bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.accrue()
	wasForeground := t.applicationIsInForeground
	t.applicationIsInForeground = entering
	if wasForeground && !entering {
		t.sessionsSinceLaunch++
		t.state.SessionsSinceLastCrash++
		_ = t.save()
	}
}

// NotifyAppTerminate persists final state on ordinary process exit and
// removes the sentinel, signaling a clean shutdown.
func (t *Tracker) NotifyAppTerminate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.accrue()
	_ = t.save()
	t.StopSentinel()
}

// NotifyAppCrash marks crashedThisLaunch, persists it, and deliberately
// leaves the sentinel file in place: the next launch's Open call must see
// it.
func (t *Tracker) NotifyAppCrash() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.accrue()
	t.crashedThisLaunch = true
	t.state.CrashedLastLaunch = true // this becomes "last launch" for the next run
	_ = t.save()
}

// accrue adds elapsed wall-clock time since the last transition to the
// active or background duration counters, depending on current state.
func (t *Tracker) accrue() {
	now := time.Now()
	elapsed := now.Sub(t.transitionTime).Seconds()
	t.transitionTime = now
	if elapsed <= 0 {
		return
	}
	if t.applicationIsActive {
		t.activeDurationSinceLaunch += elapsed
		t.state.ActiveDurationSinceLastCrash += elapsed
	} else {
		t.backgroundDurationSinceLaunch += elapsed
		t.state.BackgroundDurationSinceLastCrash += elapsed
	}
}

// Snapshot returns the current AppState as faultctx embeds it.
func (t *Tracker) Snapshot() faultctx.AppState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return faultctx.AppState{
		LaunchesSinceLastCrash:           t.state.LaunchesSinceLastCrash,
		SessionsSinceLastCrash:           t.state.SessionsSinceLastCrash,
		SessionsSinceLaunch:              t.sessionsSinceLaunch,
		ActiveDurationSinceLastCrash:     t.state.ActiveDurationSinceLastCrash,
		BackgroundDurationSinceLastCrash: t.state.BackgroundDurationSinceLastCrash,
		ActiveDurationSinceLaunch:        t.activeDurationSinceLaunch,
		BackgroundDurationSinceLaunch:    t.backgroundDurationSinceLaunch,
		ApplicationIsActive:              t.applicationIsActive,
		ApplicationIsInForeground:        t.applicationIsInForeground,
		CrashedLastLaunch:                t.crashedLastLaunch,
		CrashedThisLaunch:                t.crashedThisLaunch,
	}
}
