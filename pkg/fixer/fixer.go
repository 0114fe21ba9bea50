// Package fixer implements the post-mortem fixer (spec §4.9): a second,
// non-signal-context pass that re-streams an already-written report,
// reformatting timestamp fields to ISO-8601 UTC and demangling symbol
// names, using a path-matching scheme where a "" segment wildcards any
// array index or object key.
//
// This is a near-direct port of original_source's
// FYCrashReportFixer.c — same two path tables, same path stack (not
// depth-bounded here), same decode-callback shape — translated from FYJSONCodec's
// push-style decoder callbacks to encoding/json.Decoder's pull-style
// token stream, and from an opaque fydm_demangleCPP/fydm_demangleSwift
// pair to an ordered list of opaque Demangler capabilities (spec §1
// declares demangling itself out of scope, consumed as a capability).
//
// The fixer runs entirely off the fault path (spec §4.9's "at rest"), so
// unlike pkg/safejson's encoder it has no allocation constraint; it still
// reuses pkg/safejson for re-emission so every writer in the repo agrees
// on one escaping/formatting implementation rather than keeping two.
package fixer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/jimsnab/go-lane"

	"github.com/lfricker/crashcore/pkg/safejson"
)

// Demangler demangles a single mangled symbol name. Implementations are
// tried in order; the first to succeed wins (spec §4.9: "try the C++-style
// demangler; on failure try the secondary-language demangler").
type Demangler interface {
	Demangle(mangled string) (string, bool)
}

// pattern is one path-matching row: a sequence of container names (""
// wildcards any key/index) ending in the leaf field's own name.
type pattern []string

// datePaths are the two places a unix-seconds integer should become an
// ISO-8601 string: the top-level report timestamp, and the same field
// inside an embedded recrash_report subdocument.
var datePaths = []pattern{
	{"", "report", "timestamp"},
	{"", "recrash_report", "report", "timestamp"},
}

// demanglePaths are the two places a mangled symbol name can appear: every
// backtrace frame's symbol_name, and a cpp_exception error block's name,
// each duplicated for the embedded recrash_report subdocument.
var demanglePaths = []pattern{
	{"", "crash", "threads", "", "backtrace", "contents", "", "symbol_name"},
	{"", "recrash_report", "crash", "threads", "", "backtrace", "contents", "", "symbol_name"},
	{"", "crash", "error", "cpp_exception", "name"},
	{"", "recrash_report", "crash", "error", "cpp_exception", "name"},
}

func matchesAny(patterns []pattern, stack []string, leaf string) bool {
	for _, p := range patterns {
		if matches(p, stack, leaf) {
			return true
		}
	}
	return false
}

func matches(p pattern, stack []string, leaf string) bool {
	if len(stack)+1 != len(p) {
		return false
	}
	for i, seg := range stack {
		if p[i] != "" && p[i] != seg {
			return false
		}
	}
	last := p[len(p)-1]
	return last == "" || last == leaf
}

// Fixer re-streams a raw report, applying the date and demangle
// transforms at matching paths.
type Fixer struct {
	demanglers []Demangler
	lane       lane.Lane
}

// New returns a Fixer that tries demanglers, in order, on every matched
// symbol-name field. l may be nil.
func New(demanglers []Demangler, l lane.Lane) *Fixer {
	return &Fixer{demanglers: demanglers, lane: l}
}

// Fix reads a raw report from r and returns the fixed-up JSON.
func (f *Fixer) Fix(r io.Reader) ([]byte, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var out bytes.Buffer
	enc := safejson.New(func(b []byte) bool {
		out.Write(b)
		return true
	})

	if err := f.walk(dec, enc, "", nil); err != nil {
		return nil, fmt.Errorf("fixer: %w", err)
	}
	if enc.Failed() {
		return nil, fmt.Errorf("fixer: encoder failed")
	}
	return out.Bytes(), nil
}

// walk decodes exactly one JSON value (object, array, or scalar) keyed by
// name in the enclosing container, re-emitting it through enc. stack holds
// the names of every enclosing container (root's own name is "", matching
// the original's NULL-name-at-root convention).
func (f *Fixer) walk(dec *json.Decoder, enc *safejson.Encoder, name string, stack []string) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}

	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			enc.BeginObject(name)
			childStack := append(append([]string{}, stack...), name)
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return err
				}
				key, _ := keyTok.(string)
				if err := f.walk(dec, enc, key, childStack); err != nil {
					return err
				}
			}
			if _, err := dec.Token(); err != nil { // consume '}'
				return err
			}
			enc.EndObject()
			return nil

		case '[':
			enc.BeginArray(name)
			childStack := append(append([]string{}, stack...), name)
			for dec.More() {
				if err := f.walk(dec, enc, "", childStack); err != nil {
					return err
				}
			}
			if _, err := dec.Token(); err != nil { // consume ']'
				return err
			}
			enc.EndArray()
			return nil
		}
		return fmt.Errorf("unexpected delimiter %v", t)

	case string:
		if matchesAny(demanglePaths, stack, name) {
			enc.AddString(name, f.demangle(t))
		} else {
			enc.AddString(name, t)
		}
		return nil

	case json.Number:
		if matchesAny(datePaths, stack, name) {
			if sec, err := t.Int64(); err == nil {
				enc.AddString(name, isoUTC(sec))
				return nil
			}
		}
		if i, err := t.Int64(); err == nil {
			enc.AddInteger(name, i)
			return nil
		}
		v, err := t.Float64()
		if err != nil {
			return err
		}
		enc.AddDouble(name, v)
		return nil

	case bool:
		enc.AddBool(name, t)
		return nil

	case nil:
		enc.AddNull(name)
		return nil
	}

	return fmt.Errorf("unrecognized token %T", tok)
}

func (f *Fixer) demangle(mangled string) string {
	for _, d := range f.demanglers {
		if demangled, ok := d.Demangle(mangled); ok {
			return demangled
		}
	}
	if f.lane != nil {
		f.lane.Debugf("fixer: no demangler matched %q", mangled)
	}
	return mangled
}

func isoUTC(unixSeconds int64) string {
	return time.Unix(unixSeconds, 0).UTC().Format("2006-01-02T15:04:05Z")
}
