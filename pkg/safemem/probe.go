// Package safemem validates and copies arbitrary memory addresses without
// faulting the caller, using only primitives that are safe to call from a
// signal handler: no allocation, no locking, no syscalls beyond a
// process_vm_readv/pread fallback pair.
//
// Grounded on IreliaTable-gvisor's subprocess.go, which reads a traced
// process's memory through raw unix syscalls with no allocator in the hot
// path, and on original_source's FYMachineContext.c, which probes
// registers and stack slots the same way before trusting them.
package safemem

import (
	"os"
	"strconv"
	"unicode/utf8"

	"golang.org/x/sys/unix"
)

// pid is cached at init time; safemem only ever reads the calling
// process's own memory (peer-thread memory, not peer-process memory).
var selfPID = os.Getpid()

// CopySafely copies up to len(dst) bytes starting at src into dst,
// returning false if any byte in the source range is unmapped or
// otherwise inaccessible. It performs no allocation and is safe to call
// from a signal handler.
func CopySafely(src uintptr, dst []byte) bool {
	if src == 0 || len(dst) == 0 {
		return false
	}

	local := []unix.Iovec{{Base: &dst[0], Len: uint64(len(dst))}}
	remote := []unix.RemoteIovec{{Base: src, Len: len(dst)}}

	n, err := unix.ProcessVMReadv(selfPID, local, remote, 0)
	if err == nil && n == len(dst) {
		return true
	}

	// process_vm_readv is disabled on some kernels/containers (yama
	// ptrace_scope, seccomp); fall back to a positioned read of the
	// process's own /proc/self/mem through the descriptor OpenSelfMem
	// pre-opened. If OpenSelfMem has not been called, the fallback
	// reports failure.
	return copySafelyViaProcMem(src, dst)
}

// selfMemFD is a pre-opened handle to /proc/self/mem, established outside
// the fault path (see OpenSelfMem) so the fallback copy path performs no
// open(2) call while handling a fault.
var selfMemFD = -1

// OpenSelfMem pre-opens /proc/self/mem for the process_vm_readv fallback.
// Call this once during installation, never from a signal handler.
func OpenSelfMem() error {
	fd, err := unix.Open("/proc/self/mem", unix.O_RDONLY, 0)
	if err != nil {
		return err
	}
	selfMemFD = fd
	return nil
}

func copySafelyViaProcMem(src uintptr, dst []byte) bool {
	if selfMemFD < 0 {
		return false
	}
	n, err := unix.Pread(selfMemFD, dst, int64(src))
	return err == nil && n == len(dst)
}

// IsMapped reports whether the page containing addr is readable, by
// probing a single byte with CopySafely.
func IsMapped(addr uintptr) bool {
	var b [1]byte
	return CopySafely(addr, b[:])
}

// IsValidNullTerminatedUTF8 probes up to maxLen bytes starting at ptr,
// verifies a NUL terminator exists within [0, maxLen), and checks that the
// bytes up to the terminator are well-formed UTF-8 of at least minLen
// bytes. maxLen is capped at 512. Apart from the returned string it never
// allocates beyond a fixed on-stack scratch buffer.
func IsValidNullTerminatedUTF8(ptr uintptr, minLen, maxLen int) (string, bool) {
	if maxLen <= 0 || ptr == 0 {
		return "", false
	}

	const scratchCap = 512
	if maxLen > scratchCap {
		maxLen = scratchCap
	}
	var scratch [scratchCap]byte
	buf := scratch[:maxLen]

	// Probe byte-by-byte growth would be ideal for signal safety (never
	// reads past the mapped region), but a single bulk copy that may fail
	// is cheaper in the common case; fall back to a shrinking probe on
	// failure so a short mapped string right before a guard page is still
	// recovered.
	n := maxLen
	for n > 0 && !CopySafely(ptr, buf[:n]) {
		n /= 2
	}
	if n == 0 {
		return "", false
	}

	nul := -1
	for i := 0; i < n; i++ {
		if buf[i] == 0 {
			nul = i
			break
		}
	}
	if nul < 0 {
		return "", false
	}
	if nul < minLen {
		return "", false
	}
	if !utf8.Valid(buf[:nul]) {
		return "", false
	}
	return string(buf[:nul]), true
}

// FormatUintptr renders addr as a decimal string using no locale-aware
// routine, matching the report schema's rule that all addresses are
// decimal integers, not hex strings (spec §6.1).
func FormatUintptr(addr uintptr) string {
	return strconv.FormatUint(uint64(addr), 10)
}
