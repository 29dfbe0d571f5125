package iopattern

import (
	"github.com/cameronmaxwell/streamtest/internal/config"
)

// pushPullPattern implements Push, Pull and PushPull (spec §4.3) as one
// generator: all three are the same alternating-phase machine, just with
// one phase's length pinned to zero for Push/Pull. sendPhase/recvPhase are
// expressed from this peer's own point of view (already swapped for
// server role in newPushPull), so the generator itself never has to know
// which side of the wire it's on. Within one iteration the send phase
// always drains fully before the recv phase begins, matching the spec's
// "sends push_bytes, then receives pull_bytes" ordering; Push and Pull
// degenerate cleanly since one phase's length is always zero.
type pushPullPattern struct {
	p Params

	sendPhaseBytes uint64
	recvPhaseBytes uint64

	transfer uint64

	sendDone uint64
	recvDone uint64

	sendPhaseRemaining uint64
	recvPhaseRemaining uint64

	sendOutstanding int64 // bytes requested-not-yet-acked
	recvOutstanding int64

	outstandingRecvTasks int

	terminal bool
}

// newPushPull builds the generator for this peer. clientSend/clientRecv
// are the per-phase byte counts from the CLIENT's point of view; for a
// server-role Params the two are swapped so the server's sendPhaseBytes is
// what the client receives, and vice versa — the client pushes bytes the
// server pulls.
func newPushPull(p Params, clientSend, clientRecv uint64) *pushPullPattern {
	sendPhase, recvPhase := clientSend, clientRecv
	if p.Cfg != nil && p.Cfg.Role == config.RoleServer {
		sendPhase, recvPhase = clientRecv, clientSend
	}

	return &pushPullPattern{
		p:                  p,
		sendPhaseBytes:     sendPhase,
		recvPhaseBytes:     recvPhase,
		transfer:           p.Transfer,
		sendPhaseRemaining: sendPhase,
		recvPhaseRemaining: recvPhase,
	}
}

func (pp *pushPullPattern) totalDone() uint64 { return pp.sendDone + pp.recvDone }

func (pp *pushPullPattern) PendingRecvs() int {
	if pp.recvPhaseBytes == 0 || pp.sendPhaseRemaining > 0 || pp.sendOutstanding > 0 {
		// The recv phase has not started yet: the send phase must drain
		// first, per §4.3's "sends push_bytes, then receives pull_bytes".
		return 0
	}
	room := int(pp.p.PrePostRecvs) - pp.outstandingRecvTasks
	if room < 0 {
		return 0
	}
	return room
}

func (pp *pushPullPattern) Next(completed *Completion) Verdict {
	if pp.terminal {
		panic("iopattern: Next called after a terminal verdict")
	}

	if completed != nil {
		if v, terminal := pp.absorb(completed); terminal {
			pp.terminal = true
			return v
		}
	}

	if pp.totalDone() >= pp.transfer {
		pp.terminal = true
		return Done()
	}

	// Phase boundary: once both remaining counters for the active phase
	// hit zero and there's more transfer left, start the next identical
	// phase. Push/Pull never get here before Done, since their single
	// phase spans the whole transfer; PushPull alternates by re-arming
	// both to their configured size.
	if pp.sendPhaseRemaining == 0 && pp.recvPhaseRemaining == 0 && pp.sendOutstanding == 0 && pp.recvOutstanding == 0 {
		pp.sendPhaseRemaining = pp.sendPhaseBytes
		pp.recvPhaseRemaining = pp.recvPhaseBytes
	}

	if pp.sendPhaseRemaining > 0 && pp.sendOutstanding == 0 {
		n := minInt(int(pp.sendPhaseRemaining), uniformBufferSize(pp.p))
		if n <= 0 {
			n = int(pp.sendPhaseRemaining)
		}
		task := Task{Direction: Send, Offset: int64(pp.sendDone), Length: n}
		pp.sendOutstanding = int64(n)
		return Continue(task)
	}

	if pp.recvPhaseRemaining > 0 && pp.PendingRecvs() > 0 {
		n := minInt(int(pp.recvPhaseRemaining), uniformBufferSize(pp.p))
		if n <= 0 {
			n = int(pp.recvPhaseRemaining)
		}
		task := Task{Direction: Recv, Offset: int64(pp.recvDone + uint64(pp.recvOutstanding)), Length: n}
		pp.recvOutstanding += int64(n)
		pp.outstandingRecvTasks++
		return Continue(task)
	}

	// Nothing to post this call; the driver will call Next again once an
	// outstanding task completes.
	return Continue(Task{Direction: Send, Length: 0})
}

func (pp *pushPullPattern) absorb(c *Completion) (Verdict, bool) {
	switch c.Task.Direction {
	case Send:
		if pp.sendPhaseBytes == 0 {
			return ErrProtocol(ProtoUnexpectedDirection, c.Task.Offset), true
		}
		pp.sendOutstanding -= int64(c.N)
		if c.N == 0 && pp.totalDone() < pp.transfer {
			return ErrNetwork(NetConnectionAborted), true
		}
		pp.sendDone += uint64(c.N)
		if pp.sendPhaseRemaining < uint64(c.N) {
			return ErrProtocol(ProtoPhaseOverrun, int64(pp.sendDone)), true
		}
		pp.sendPhaseRemaining -= uint64(c.N)

	case Recv:
		if pp.recvPhaseBytes == 0 {
			return ErrProtocol(ProtoUnexpectedDirection, c.Task.Offset), true
		}
		pp.outstandingRecvTasks--
		pp.recvOutstanding -= int64(c.N)
		if c.N == 0 && pp.totalDone() < pp.transfer {
			return ErrNetwork(NetConnectionAborted), true
		}
		if c.Data != nil {
			ok, mismatch := pp.p.Pattern.Verify(c.Data[:c.N], c.Task.Offset)
			if !ok {
				return ErrProtocol(ProtoMismatch, c.Task.Offset+int64(mismatch)), true
			}
		}
		if pp.recvDone+uint64(c.N) > pp.recvPhaseBytes && pp.sendPhaseBytes == 0 {
			// Pure Pull/recv-only: total recv exceeding configured
			// transfer is an excess-bytes protocol error.
			return ErrProtocol(ProtoExcessBytes, int64(pp.recvDone+uint64(c.N))), true
		}
		pp.recvDone += uint64(c.N)
		if pp.recvPhaseRemaining < uint64(c.N) {
			return ErrProtocol(ProtoPhaseOverrun, int64(pp.recvDone)), true
		}
		pp.recvPhaseRemaining -= uint64(c.N)
	}

	return Verdict{}, false
}
