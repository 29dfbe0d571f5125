package pbuf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeterministicAcrossInstances(t *testing.T) {
	a := New(42, 4096)
	b := New(42, 4096)
	assert.Equal(t, a.data, b.data)
}

func TestDifferentSeedsDiffer(t *testing.T) {
	a := New(1, 4096)
	b := New(2, 4096)
	assert.NotEqual(t, a.data, b.data)
}

func TestSendWindowWraps(t *testing.T) {
	p := New(7, 100)
	w := p.SendWindow(95, 20)
	assert.Len(t, w, 5, "window must be truncated at the wrap point, not wrap internally")
}

func TestVerifyRoundTrip(t *testing.T) {
	p := New(9, 4096)
	window := p.SendWindow(1000, 512)
	ok, mismatch := p.Verify(window, 1000)
	require.True(t, ok)
	assert.Equal(t, -1, mismatch)
}

func TestVerifyDetectsFirstMismatch(t *testing.T) {
	p := New(9, 4096)
	window := append([]byte(nil), p.SendWindow(0, 512)...)
	window[10] ^= 0xFF
	ok, mismatch := p.Verify(window, 0)
	assert.False(t, ok)
	assert.Equal(t, 10, mismatch)
}

func TestZeroBufferIsAllZero(t *testing.T) {
	z := Zero(64)
	for _, b := range z.SendWindow(0, 64) {
		assert.Equal(t, byte(0), b)
	}
}
