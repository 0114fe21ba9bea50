// Package stackcursor implements a pull iterator over stack frames,
// walking either a pre-collected backtrace or a live MachineContext using
// the frame-pointer convention, with a bounded overflow cutoff.
//
// Symbolication is split from advancement (spec §4.3, §9): Advance only
// ever reads raw addresses via safemem, so it stays usable from a signal
// handler; Symbolicate is free to consult a heavier, allocating image
// table. The report writer calls it once per frame as it emits each
// backtrace, for standard and recrash reports alike.
package stackcursor

import (
	"github.com/lfricker/crashcore/pkg/machctx"
	"github.com/lfricker/crashcore/pkg/safemem"
)

// Frame is the current frame exposed by a Cursor.
type Frame struct {
	InstructionAddress uintptr
	ImageAddress       uintptr
	ImageName          string
	SymbolAddress      uintptr
	SymbolName         string
}

// Symbolizer resolves an instruction address to its containing image and,
// if known, symbol. It is consulted lazily, never on the signal-safe
// advancement path.
type Symbolizer interface {
	Symbolicate(instructionAddr uintptr) (imageAddr uintptr, imageName string, symAddr uintptr, symName string, ok bool)
}

// Cursor is a pull iterator over call-stack frames.
type Cursor struct {
	maxEntries int
	hasGivenUp bool

	// backtrace-array mode
	addrs []uintptr
	idx   int

	// machine-context mode
	ctx     *machctx.Context
	sp      uintptr
	fp      uintptr
	started bool

	current    Frame
	symbolizer Symbolizer
}

// DefaultMaxEntries is the forward-walk safety cutoff (spec §4.3).
const DefaultMaxEntries = machctx.StackOverflowCutoff

// NewFromBacktrace constructs a cursor over addresses already collected
// (e.g. by runtime.Callers for the current goroutine).
func NewFromBacktrace(addrs []uintptr) *Cursor {
	return &Cursor{maxEntries: DefaultMaxEntries, addrs: addrs}
}

// NewFromMachineContext constructs a cursor that walks frames starting
// from ctx's stack pointer and frame pointer, using only safemem reads.
func NewFromMachineContext(ctx *machctx.Context) *Cursor {
	c := &Cursor{maxEntries: DefaultMaxEntries, ctx: ctx}
	if machctx.CanHaveCPUState(ctx) {
		c.sp = machctx.StackPointer(ctx)
		c.fp = machctx.FramePointer(ctx)
	}
	return c
}

// WithSymbolizer attaches a lazy symbol resolver.
func (c *Cursor) WithSymbolizer(s Symbolizer) *Cursor {
	c.symbolizer = s
	return c
}

// WithMaxEntries overrides the default overflow cutoff.
func (c *Cursor) WithMaxEntries(n int) *Cursor {
	c.maxEntries = n
	return c
}

// HasGivenUp reports whether the cursor stopped due to corruption or the
// overflow cutoff rather than reaching the top of the stack.
func (c *Cursor) HasGivenUp() bool { return c.hasGivenUp }

// Current returns the frame produced by the most recent successful
// Advance call.
func (c *Cursor) Current() Frame { return c.current }

// Advance moves to the next frame and reports whether one was produced.
func (c *Cursor) Advance() bool {
	if c.addrs != nil {
		return c.advanceBacktrace()
	}
	return c.advanceMachineContext()
}

func (c *Cursor) advanceBacktrace() bool {
	if c.idx >= len(c.addrs) {
		return false
	}
	if c.idx >= c.maxEntries {
		c.hasGivenUp = true
		return false
	}
	c.current = Frame{InstructionAddress: c.addrs[c.idx]}
	c.idx++
	return true
}

// frameLinkSize is two pointer-sized words: saved frame pointer followed
// by the return address, per the amd64/arm64 frame-pointer convention.
const frameLinkSize = 16

func (c *Cursor) advanceMachineContext() bool {
	if !c.started {
		c.started = true
		if c.sp == 0 {
			return false
		}
		// The crashed frame's own instruction pointer comes straight from
		// the register file, not a stack read.
		if machctx.CanHaveCPUState(c.ctx) {
			c.current = Frame{InstructionAddress: machctx.InstructionPointer(c.ctx)}
			return true
		}
		return false
	}

	if c.idx >= c.maxEntries {
		c.hasGivenUp = true
		return false
	}
	if c.fp == 0 {
		return false
	}

	var link [frameLinkSize]byte
	if !safemem.CopySafely(c.fp, link[:]) {
		c.hasGivenUp = true
		return false
	}

	savedFP := leUintptr(link[0:8])
	retAddr := leUintptr(link[8:16])
	if retAddr == 0 {
		return false
	}
	if savedFP != 0 && savedFP <= c.fp {
		// A non-increasing frame pointer means a cycle or corruption; the
		// stack grows down, so a legitimate caller's frame is always at a
		// higher address.
		c.hasGivenUp = true
		return false
	}

	c.fp = savedFP
	c.idx++
	c.current = Frame{InstructionAddress: retAddr}
	return true
}

func leUintptr(b []byte) uintptr {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return uintptr(v)
}

// Symbolicate attempts to resolve the current frame's image and symbol,
// mutating c.current in place. It is a no-op if no Symbolizer is attached.
func (c *Cursor) Symbolicate() {
	if c.symbolizer == nil {
		return
	}
	imgAddr, imgName, symAddr, symName, ok := c.symbolizer.Symbolicate(c.current.InstructionAddress)
	if !ok {
		return
	}
	c.current.ImageAddress = imgAddr
	c.current.ImageName = imgName
	c.current.SymbolAddress = symAddr
	c.current.SymbolName = symName
}
