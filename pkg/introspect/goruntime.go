package introspect

import (
	"reflect"
	"strings"
	"sync"
	"time"
)

// GoRuntimeIntrospector classifies Go values reached through a registry of
// live pointers rather than raw memory addresses: unlike the Objective-C
// runtime the original engine targets, Go offers no safe way to turn an
// arbitrary uintptr back into a typed value without the garbage collector
// already knowing about it. Callers register candidate roots (typically
// everything captured by a deferred recover()) via Track, and Classify
// looks the address up by identity.
//
// This mirrors spec §4.5's classification contract (same Classification
// enum, same field-enumeration budget) while being honest about what a
// goroutine-based host can introspect versus what the original's mach/ObjC
// runtime could.
type GoRuntimeIntrospector struct {
	doNotIntrospect []string // exact names and "prefix*" globs

	mu     sync.Mutex
	tracks map[uintptr]any
}

// NewGoRuntimeIntrospector returns an introspector with the given
// do-not-introspect class name set (spec §6.3 doNotIntrospectClasses,
// extended with trailing-"*" globs per SPEC_FULL.md supplement #2).
func NewGoRuntimeIntrospector(doNotIntrospect []string) *GoRuntimeIntrospector {
	return &GoRuntimeIntrospector{
		doNotIntrospect: doNotIntrospect,
		tracks:          make(map[uintptr]any),
	}
}

// Track registers v so that a later Classify(addr) call where addr is v's
// address can find it. Call this for every value worth introspecting
// before a capture (e.g. from a recover() handler, before the stack
// unwinds); the fault path never calls Track itself.
func (g *GoRuntimeIntrospector) Track(addr uintptr, v any) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tracks[addr] = v
}

func (g *GoRuntimeIntrospector) ShouldIntrospect(className string) bool {
	for _, pattern := range g.doNotIntrospect {
		if strings.HasSuffix(pattern, "*") {
			if strings.HasPrefix(className, strings.TrimSuffix(pattern, "*")) {
				return false
			}
			continue
		}
		if pattern == className {
			return false
		}
	}
	return true
}

func (g *GoRuntimeIntrospector) Classify(addr uintptr) Object {
	g.mu.Lock()
	v, ok := g.tracks[addr]
	g.mu.Unlock()
	if !ok {
		return Object{Class: NotAnObject}
	}

	rv := reflect.ValueOf(v)
	className := rv.Type().String()

	switch {
	case rv.Kind() == reflect.String:
		s := rv.String()
		return Object{Class: String, ClassName: className, StringValue: truncate(s, 200)}

	case isTime(v):
		t := v.(time.Time)
		return Object{Class: Date, ClassName: className, DateValue: t.Unix()}

	case isNumericKind(rv.Kind()):
		return Object{Class: Number, ClassName: className, NumberValue: numericValue(rv)}

	case rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array:
		obj := Object{Class: Array, ClassName: className}
		if rv.Len() > 0 {
			first := rv.Index(0)
			if first.CanAddr() {
				obj.FirstElement = first.Addr().Pointer()
			}
		}
		return obj

	case rv.Kind() == reflect.Map:
		return Object{Class: Dictionary, ClassName: className, Fields: g.enumerateFields(rv, 10)}

	case isErrorOrException(v):
		return Object{Class: Exception, ClassName: className, Fields: g.enumerateFields(rv, 10)}

	case rv.Kind() == reflect.Struct, rv.Kind() == reflect.Ptr:
		return Object{Class: UnknownRuntimeObject, ClassName: className, Fields: g.enumerateFields(rv, 10)}

	default:
		return Object{Class: OpaqueClass, ClassName: className}
	}
}

// enumerateFields implements spec §4.5 step 6: up to 10 instance fields,
// pointer-typed fields recursed into by the caller (the writer, not this
// package), non-pointer fields typed by a single-character tag.
func (g *GoRuntimeIntrospector) enumerateFields(rv reflect.Value, max int) []Field {
	for rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil
	}

	t := rv.Type()
	var fields []Field
	for i := 0; i < t.NumField() && len(fields) < max; i++ {
		sf := t.Field(i)
		fv := rv.Field(i)
		f := Field{Name: sf.Name}

		switch fv.Kind() {
		case reflect.Ptr, reflect.String, reflect.Slice, reflect.Map, reflect.Interface:
			f.TypeTag = 'p'
			if fv.CanAddr() {
				f.Address = fv.Addr().Pointer()
			}
		case reflect.Bool:
			f.TypeTag = 'b'
			f.Bool = fv.Bool()
		case reflect.Float32, reflect.Float64:
			f.TypeTag = 'f'
			f.Float = fv.Float()
		default:
			if isNumericKind(fv.Kind()) {
				f.TypeTag = 'i'
				f.Int = numericInt(fv)
			} else {
				continue
			}
		}
		fields = append(fields, f)
	}
	return fields
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func isTime(v any) bool {
	_, ok := v.(time.Time)
	return ok
}

func isErrorOrException(v any) bool {
	_, ok := v.(error)
	return ok
}

func isNumericKind(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	default:
		return false
	}
}

func numericValue(rv reflect.Value) float64 {
	switch rv.Kind() {
	case reflect.Float32, reflect.Float64:
		return rv.Float()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int())
	default:
		return float64(rv.Uint())
	}
}

func numericInt(rv reflect.Value) int64 {
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int()
	default:
		return int64(rv.Uint())
	}
}
