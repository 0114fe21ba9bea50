// Package rotation implements the report rotation store (spec §4.8):
// allocates report file paths, enforces a maximum report count by
// deleting the oldest file-name-embedded id on overflow, and exposes the
// small set of directory operations the installer needs (list, read,
// delete) without owning anything about report *content*.
//
// Grounded on other_examples' hashicorp-serf snapshot.go (write-then-
// rename durability and compaction-on-overflow idiom, adapted here from
// "compact the snapshot" to "evict the oldest report") and netspy's
// path-joining conventions in pkg/crash/handler.go.
package rotation

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DefaultMaxReportCount is the installer's default maxReportCount (spec
// §6.3).
const DefaultMaxReportCount = 5

// Store allocates and rotates report files under dir, named
// "<appName>-report-<id>.json".
type Store struct {
	dir            string
	appName        string
	maxReportCount int
}

// New returns a Store rooted at dir. maxReportCount<=0 uses
// DefaultMaxReportCount.
func New(dir, appName string, maxReportCount int) *Store {
	if maxReportCount <= 0 {
		maxReportCount = DefaultMaxReportCount
	}
	return &Store{dir: dir, appName: appName, maxReportCount: maxReportCount}
}

const prefix = "-report-"
const suffix = ".json"

// idFor renders a 64-bit hex id that is monotonically increasing across
// calls within the same process, so "oldest by file-name-embedded id"
// (spec §4.8) is a plain lexical/numeric sort with no need to stat mtimes.
func idFor() string {
	return fmt.Sprintf("%016x", time.Now().UnixNano())
}

// pathForID renders the full report path for a given embedded id.
func (s *Store) pathForID(id string) string {
	return filepath.Join(s.dir, s.appName+prefix+id+suffix)
}

// PathForID exposes pathForID for callers (the installer's recrash
// choreography) that already hold a valid id from GetReportIDs.
func (s *Store) PathForID(id string) string {
	return s.pathForID(id)
}

// GetNextCrashReportPath allocates a new report path and evicts the
// oldest reports beyond maxReportCount-1 (making room for the one about to
// be written).
func (s *Store) GetNextCrashReportPath() (string, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", err
	}
	if err := s.evictToFit(s.maxReportCount - 1); err != nil {
		return "", err
	}
	return s.pathForID(idFor()), nil
}

// GetReportCount returns the number of report files currently on disk.
func (s *Store) GetReportCount() (int, error) {
	ids, err := s.GetReportIDs()
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// GetReportIDs returns every report id on disk, sorted oldest first.
func (s *Store) GetReportIDs() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		id, ok := parseID(e.Name(), s.appName)
		if ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func parseID(name, appName string) (string, bool) {
	p := appName + prefix
	if !strings.HasPrefix(name, p) || !strings.HasSuffix(name, suffix) {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(name, p), suffix)
	if id == "" {
		return "", false
	}
	if _, err := strconv.ParseUint(id, 16, 64); err != nil {
		return "", false
	}
	return id, true
}

// ReadReport returns the raw bytes of the report with the given id.
func (s *Store) ReadReport(id string) ([]byte, error) {
	return os.ReadFile(s.pathForID(id))
}

// AddUserReport writes data as a new, non-crash-triggered report, subject
// to the same rotation as a crash report. Writes to a temp file in the
// same directory first and
// renames into place, so a reader never observes a partial report file —
// the same durability idiom the snapshot-rotation reference uses for its
// compacted file swap.
func (s *Store) AddUserReport(data []byte) (string, error) {
	path, err := s.GetNextCrashReportPath()
	if err != nil {
		return "", err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		os.Remove(tmp)
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", err
	}
	return path, nil
}

// DeleteReportWithID removes a single report by id.
func (s *Store) DeleteReportWithID(id string) error {
	return os.Remove(s.pathForID(id))
}

// DeleteAllReports removes every report in the store's directory.
func (s *Store) DeleteAllReports() error {
	ids, err := s.GetReportIDs()
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := s.DeleteReportWithID(id); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// RenameToOld renames an in-progress report at path to "<path>.old", the
// first step of the recrash choreography (spec §4.5): a second fault
// during capture of the first must not simply overwrite it.
func (s *Store) RenameToOld(path string) (string, error) {
	old := path + ".old"
	if err := os.Rename(path, old); err != nil {
		return "", err
	}
	return old, nil
}

// OpenOldForReading opens a ".old" file produced by RenameToOld for the
// chunked read AddFileAsSubdocument expects.
func (s *Store) OpenOldForReading(oldPath string) (*os.File, error) {
	return os.Open(oldPath)
}

// DeleteOld removes a ".old" file once the report embedding it has been
// fully written and flushed. Per SPEC_FULL.md's recrash cleanup-ordering
// resolution, callers must not call this until after that flush succeeds,
// so a failed embed leaves the ".old" file behind for forensic recovery.
func (s *Store) DeleteOld(oldPath string) error {
	return os.Remove(oldPath)
}

// evictToFit deletes the oldest reports until at most keep remain.
func (s *Store) evictToFit(keep int) error {
	if keep < 0 {
		keep = 0
	}
	ids, err := s.GetReportIDs()
	if err != nil {
		return err
	}
	for len(ids) > keep {
		if err := s.DeleteReportWithID(ids[0]); err != nil && !os.IsNotExist(err) {
			return err
		}
		ids = ids[1:]
	}
	return nil
}
