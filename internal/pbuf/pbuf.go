// Package pbuf implements the deterministic Buffer Pattern Provider
// (spec §4.1): both peers generate byte-identical reference data from a
// fixed seed and verify every received byte against it.
package pbuf

import "math/rand"

// Pattern is a read-only, shared-without-synchronization byte buffer. Once
// constructed by New it is never mutated.
type Pattern struct {
	seed int64
	data []byte
}

// New generates a pattern of length bytes from seed. length must be at
// least twice the largest buffer size a caller will ever request a window
// of, so SendWindow's single wrap-around is always sufficient.
func New(seed int64, length int) *Pattern {
	if length <= 0 {
		length = 1
	}
	src := rand.New(rand.NewSource(seed))
	data := make([]byte, length)
	src.Read(data) //nolint:errcheck // rand.Rand.Read never errors
	return &Pattern{seed: seed, data: data}
}

// Len returns the pattern length L.
func (p *Pattern) Len() int { return len(p.data) }

// SendWindow returns a read-only view into the pattern buffer starting at
// offset mod L, of length min(n, L-(offset mod L)). Callers that need more
// than one window's worth re-request the remainder starting at the
// advanced offset, per §4.1.
func (p *Pattern) SendWindow(offset int64, n int) []byte {
	l := len(p.data)
	start := int(offset % int64(l))
	avail := l - start
	if n > avail {
		n = avail
	}
	return p.data[start : start+n]
}

// Verify compares window byte-for-byte against the pattern starting at
// streamOffset (which is the connection's monotonic stream offset, not
// necessarily aligned to the pattern's own length). It returns ok=true if
// every byte matches, or the local offset within window of the first
// mismatch.
func (p *Pattern) Verify(window []byte, streamOffset int64) (ok bool, mismatchOffset int) {
	l := int64(len(p.data))
	for i, b := range window {
		want := p.data[(streamOffset+int64(i))%l]
		if b != want {
			return false, i
		}
	}
	return true, -1
}

// ByteAt returns the pattern byte at a given stream offset, used by tests
// and by callers that verify one byte at a time.
func (p *Pattern) ByteAt(streamOffset int64) byte {
	l := int64(len(p.data))
	return p.data[streamOffset%l]
}

// Zero returns a Pattern-shaped, all-zero buffer used when verification is
// disabled: a single shared zero-copy buffer for all sends, per §4.1. The
// receive side using this buffer must not call Verify.
func Zero(length int) *Pattern {
	if length <= 0 {
		length = 1
	}
	return &Pattern{data: make([]byte, length)}
}
