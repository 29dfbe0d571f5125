// Package iopattern implements the I/O Pattern State Machine (spec §4.3):
// a finite generator that, repeatedly invoked, yields the next send/recv
// task or a terminal verdict. It is the tagged-variant replacement for the
// source's virtual dispatch across pattern classes, per spec §9's design
// note.
package iopattern

import (
	"fmt"

	"github.com/cameronmaxwell/streamtest/internal/config"
	"github.com/cameronmaxwell/streamtest/internal/pbuf"
)

// Direction is send or recv.
type Direction uint8

const (
	Send Direction = iota
	Recv
)

func (d Direction) String() string {
	if d == Send {
		return "send"
	}
	return "recv"
}

// Task is one bounded unit of I/O the pattern wants performed: a direction
// and a window into the shared pattern buffer (offset + length). Rate
// limit deadlines are attached by internal/conn, not by the pattern
// itself, so a pattern stays free of wall-clock concerns.
type Task struct {
	Direction Direction
	Offset    int64
	Length    int
}

// Completion reports how a previously issued Task actually resolved: the
// number of bytes transferred (which may be less than Task.Length — a
// partial completion is normal) and, for recv tasks under data
// verification, the bytes actually received so the pattern can verify
// them against the shared buffer.
type Completion struct {
	Task    Task
	N       int
	Data    []byte // populated for Recv completions when verification is enabled
	PeerErr error  // non-nil if the underlying I/O failed (io.EOF, reset, etc.)
}

// NetworkErrorCode classifies a network-class failure (spec §4.3, §7).
type NetworkErrorCode uint8

const (
	NetOK NetworkErrorCode = iota
	NetConnectionAborted
	NetResetByPeer
	NetOutOfMemory
	NetOther
)

// ProtocolErrorKind classifies a protocol-class failure (spec §4.3, §7).
type ProtocolErrorKind uint8

const (
	ProtoMismatch ProtocolErrorKind = iota
	ProtoExcessBytes
	ProtoPhaseOverrun
	ProtoUnexpectedDirection
)

// VerdictKind tags the four possible outcomes of Next.
type VerdictKind uint8

const (
	VerdictContinue VerdictKind = iota
	VerdictDone
	VerdictErrorNetwork
	VerdictErrorProtocol
)

// Verdict is the tagged union spec §4.3 defines: Continue(task), Done,
// ErrorNetwork(code), ErrorProtocol(kind).
type Verdict struct {
	Kind VerdictKind

	Task Task

	NetCode NetworkErrorCode
	ProtoKind ProtocolErrorKind
	MismatchOffset int64
}

func Continue(t Task) Verdict { return Verdict{Kind: VerdictContinue, Task: t} }
func Done() Verdict           { return Verdict{Kind: VerdictDone} }
func ErrNetwork(code NetworkErrorCode) Verdict {
	return Verdict{Kind: VerdictErrorNetwork, NetCode: code}
}
func ErrProtocol(kind ProtocolErrorKind, mismatchOffset int64) Verdict {
	return Verdict{Kind: VerdictErrorProtocol, ProtoKind: kind, MismatchOffset: mismatchOffset}
}

// NetworkError and ProtocolError are the typed errors internal/conn
// surfaces into a connection's single result record.
type NetworkError struct{ Code NetworkErrorCode }

func (e *NetworkError) Error() string {
	switch e.Code {
	case NetConnectionAborted:
		return "network: connection aborted"
	case NetResetByPeer:
		return "network: reset by peer"
	case NetOutOfMemory:
		return "network: out of memory"
	default:
		return "network: error"
	}
}

type ProtocolError struct {
	Kind           ProtocolErrorKind
	MismatchOffset int64
}

func (e *ProtocolError) Error() string {
	switch e.Kind {
	case ProtoMismatch:
		return fmt.Sprintf("protocol: pattern mismatch at offset %d", e.MismatchOffset)
	case ProtoExcessBytes:
		return "protocol: byte count exceeded configured transfer"
	case ProtoPhaseOverrun:
		return "protocol: phase boundary overshot"
	case ProtoUnexpectedDirection:
		return "protocol: byte seen on a direction that should carry none"
	default:
		return "protocol: error"
	}
}

// Pattern is the single entry point every variant implements: Next is
// called with nil whenever the driver wants another task without reporting
// a completion, and once per completion in the order completions resolve,
// never concurrently. It never blocks beyond bounded local work — the
// driving loop (internal/conn) owns all suspension.
type Pattern interface {
	// Next is invoked with a nil completion to request further task(s),
	// and with a non-nil completion each time a previously yielded task
	// resolves. It returns the next verdict.
	Next(completed *Completion) Verdict

	// PendingRecvs reports how many recv tasks may currently be
	// outstanding without exceeding PrePostRecvs, so internal/conn knows
	// how many to keep in flight.
	PendingRecvs() int
}

// Params bundles the scalars every variant needs, factored out of
// config.Configuration so a Pattern carries only what it needs plus a
// reference to shared config, per spec §9's design note ("The variant
// carries only scalar state ... plus a reference to shared config").
type Params struct {
	Cfg     *config.Configuration
	Pattern *pbuf.Pattern

	Transfer     uint64
	BufferLow    uint64
	BufferHigh   uint64
	PrePostRecvs uint32

	// PushBytes/PullBytes are only meaningful for PushPull.
	PushBytes uint64
	PullBytes uint64

	RandUniform func(low, high uint64) uint64
}

// New constructs the Pattern variant selected by kind. UDP media-stream is
// handled separately by internal/mediastream, whose client plays the
// pattern role for its own wire but does not implement Pattern (spec
// §4.6/4.7).
func New(kind config.PatternKind, p Params) Pattern {
	switch kind {
	case config.PatternPush:
		return newPushPull(p, p.Transfer, 0)
	case config.PatternPull:
		return newPushPull(p, 0, p.Transfer)
	case config.PatternPushPull:
		return newPushPull(p, p.PushBytes, p.PullBytes)
	case config.PatternDuplex:
		return newDuplex(p)
	default:
		panic(fmt.Sprintf("iopattern: unsupported pattern kind %q", kind))
	}
}

func uniformBufferSize(p Params) int {
	if p.RandUniform != nil {
		return int(p.RandUniform(p.BufferLow, p.BufferHigh))
	}
	return int(p.BufferHigh)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
