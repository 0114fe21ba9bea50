// Package introspect defines the ObjectIntrospector capability the report
// writer consults to classify and read runtime-managed objects reachable
// from registers and stack slots (spec §1, §4.5).
//
// The capability itself is deliberately external per spec §1 ("the core
// consumes an opaque ObjectIntrospector capability"); this package
// supplies the interface plus the one concrete implementation that has an
// obvious, in-scope home for a Go host process: classifying the Go
// runtime's own strings, slices, and maps via reflect. No pack library
// introspects a running Go process's heap from raw addresses in a
// signal-safe way, so this leaf is necessarily stdlib (`reflect`) — see
// DESIGN.md.
package introspect

// Classification is the result of probing an address for a recognizable
// runtime object.
type Classification int

const (
	NotAnObject Classification = iota
	OpaqueClass
	String
	URL
	Date
	Number
	Array
	Dictionary
	Exception
	Block
	TaggedPointer
	UnknownRuntimeObject
)

// String implements fmt.Stringer for debugging/log output only, not the
// report schema itself (pkg/report's memory-content recorder writes its
// own "type" strings).
func (c Classification) String() string {
	switch c {
	case NotAnObject:
		return "NotAnObject"
	case OpaqueClass:
		return "OpaqueClass"
	case String:
		return "String"
	case URL:
		return "URL"
	case Date:
		return "Date"
	case Number:
		return "Number"
	case Array:
		return "Array"
	case Dictionary:
		return "Dictionary"
	case Exception:
		return "Exception"
	case Block:
		return "Block"
	case TaggedPointer:
		return "TaggedPointer"
	case UnknownRuntimeObject:
		return "UnknownRuntimeObject"
	default:
		return "Unknown"
	}
}

// Field describes one enumerated instance field of a runtime object, used
// when the writer recurses into a Dictionary/Exception/UnknownRuntimeObject
// (spec §4.5 step 6).
type Field struct {
	Name string
	// Exactly one of the following is populated, selected by TypeTag:
	// 'p' = pointer (Address valid, writer recurses into it)
	// 'i' = integer, 'f' = float, 'b' = bool
	TypeTag byte
	Address uintptr
	Int     int64
	Float   float64
	Bool    bool
}

// Object is what the introspector reports about a classified address.
type Object struct {
	Class          Classification
	ClassName      string // e.g. the Go type name
	StringValue    string // for String/URL
	NumberValue    float64
	DateValue      int64 // unix seconds, for Date
	FirstElement   uintptr
	Fields         []Field // up to 10, per spec step 6
	TaggedPayload  int64
	IsTaggedPointer bool
}

// ObjectIntrospector classifies and reads a runtime-managed object at
// addr. Implementations must not allocate on the hot path in a way that
// could itself fault. pkg/report calls Classify inline during its
// notable-address sweep and memory-content recording; crashcore's
// monitors run that writer on ordinary goroutines, not inside a signal
// handler.
type ObjectIntrospector interface {
	Classify(addr uintptr) Object
	// ShouldIntrospect reports whether className is outside the caller's
	// "do-not-introspect" set (spec §6.3 doNotIntrospectClasses); when
	// false, the writer records only the class name.
	ShouldIntrospect(className string) bool
}

// NopIntrospector reports everything as NotAnObject. It is the default
// when no ObjectIntrospector capability has been installed.
type NopIntrospector struct{}

func (NopIntrospector) Classify(uintptr) Object            { return Object{Class: NotAnObject} }
func (NopIntrospector) ShouldIntrospect(string) bool       { return true }
