package iopattern

// duplexPattern implements Duplex (spec §4.3): both directions issue tasks
// concurrently, each independently accounting for half of Transfer. Unlike
// pushPullPattern there are no phases — send and recv progress
// independently with no ordering between them (spec §5: "send-direction
// and recv-direction accounting are independent; no cross-direction
// ordering").
type duplexPattern struct {
	p Params

	half uint64

	sendDone       uint64
	recvDone       uint64
	sendOutstanding int64
	recvOutstanding int64

	outstandingRecvTasks int

	sendPosted bool

	terminal bool
}

func newDuplex(p Params) *duplexPattern {
	return &duplexPattern{p: p, half: p.Transfer / 2}
}

func (d *duplexPattern) PendingRecvs() int {
	room := int(d.p.PrePostRecvs) - d.outstandingRecvTasks
	if room < 0 {
		return 0
	}
	return room
}

func (d *duplexPattern) Next(completed *Completion) Verdict {
	if d.terminal {
		panic("iopattern: Next called after a terminal verdict")
	}

	if completed != nil {
		if v, terminal := d.absorb(completed); terminal {
			d.terminal = true
			return v
		}
	}

	if d.sendDone >= d.half && d.recvDone >= d.half {
		d.terminal = true
		return Done()
	}

	if d.recvDone+uint64(d.recvOutstanding) < d.half && d.PendingRecvs() > 0 {
		remaining := d.half - d.recvDone - uint64(d.recvOutstanding)
		n := minInt(int(remaining), uniformBufferSize(d.p))
		if n <= 0 {
			n = int(remaining)
		}
		task := Task{Direction: Recv, Offset: int64(d.recvDone + uint64(d.recvOutstanding)), Length: n}
		d.recvOutstanding += int64(n)
		d.outstandingRecvTasks++
		return Continue(task)
	}

	if d.sendDone+uint64(d.sendOutstanding) < d.half && !d.sendPosted {
		remaining := d.half - d.sendDone - uint64(d.sendOutstanding)
		n := minInt(int(remaining), uniformBufferSize(d.p))
		if n <= 0 {
			n = int(remaining)
		}
		task := Task{Direction: Send, Offset: int64(d.sendDone + uint64(d.sendOutstanding)), Length: n}
		d.sendOutstanding += int64(n)
		d.sendPosted = true
		return Continue(task)
	}

	return Continue(Task{Direction: Send, Length: 0})
}

func (d *duplexPattern) absorb(c *Completion) (Verdict, bool) {
	switch c.Task.Direction {
	case Send:
		d.sendPosted = false
		d.sendOutstanding -= int64(c.N)
		d.sendDone += uint64(c.N)
		if d.sendDone > d.half {
			return ErrProtocol(ProtoExcessBytes, int64(d.sendDone)), true
		}
		if c.N == 0 && d.sendDone < d.half {
			return ErrNetwork(NetConnectionAborted), true
		}

	case Recv:
		d.outstandingRecvTasks--
		d.recvOutstanding -= int64(c.N)
		if c.Data != nil {
			ok, mismatch := d.p.Pattern.Verify(c.Data[:c.N], c.Task.Offset)
			if !ok {
				return ErrProtocol(ProtoMismatch, c.Task.Offset+int64(mismatch)), true
			}
		}
		d.recvDone += uint64(c.N)
		if d.recvDone > d.half {
			return ErrProtocol(ProtoExcessBytes, int64(d.recvDone)), true
		}
		if c.N == 0 && d.recvDone < d.half {
			return ErrNetwork(NetConnectionAborted), true
		}
	}

	return Verdict{}, false
}
