// Package conn implements the per-connection state machine (spec §4.4):
// Created -> Initiated -> Connecting/Accepting -> Connected -> InIO ->
// Closed, driving an internal/iopattern.Pattern via internal/iosock's
// engine and reporting to a Broker-shaped notifier on transitions.
package conn

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cameronmaxwell/streamtest/internal/config"
	"github.com/cameronmaxwell/streamtest/internal/iopattern"
	"github.com/cameronmaxwell/streamtest/internal/iosock"
	"github.com/cameronmaxwell/streamtest/internal/pbuf"
	"github.com/cameronmaxwell/streamtest/internal/ratelimit"
	"github.com/cameronmaxwell/streamtest/internal/stats"
)

// State is the connection's lifecycle stage, spec §4.4.
type State uint8

const (
	Created State = iota
	Initiated
	ConnectingOrAccepting
	Connected
	InIO
	Closed
)

// Notifier is the Broker-shaped back-reference a Connection reports state
// transitions to. Per spec §9's design note ("Broker 'parent'
// back-reference ... express as a message channel or a weak handle +
// lookup; never as shared ownership"), Connection holds only this narrow
// interface, never a *broker.Broker.
type Notifier interface {
	InitiatingIO(id uuid.UUID)
	Closing(id uuid.UUID, wasActive bool)
}

// Result is the single result record emitted exactly once per connection,
// on its transition to Closed (from InIO, or straight from
// ConnectingOrAccepting when Dial fails).
type Result struct {
	ID       uuid.UUID
	Local    iosock.Endpoint
	Remote   iosock.Endpoint
	Stats    stats.Snapshot
	NetErr   error
	ProtoErr error
}

// Failed reports whether this connection ended in any error class.
func (r Result) Failed() bool { return r.NetErr != nil || r.ProtoErr != nil }

// Connection owns exactly one socket handle. Its lifetime ends when the
// broker drops its reference and every outstanding I/O task has completed
// (spec §3).
type Connection struct {
	ID uuid.UUID

	cfg     *config.Configuration
	pattern *pbuf.Pattern
	factory iosock.Factory
	engine  *iosock.Engine
	notify  Notifier

	// mu guards the socket handle, the pattern pointer, the lifecycle
	// state and the endpoints; it is never held across a blocking call,
	// per spec §4.4.
	mu      sync.Mutex
	socket  iosock.Socket
	ioPat   iopattern.Pattern
	state   State

	local  iosock.Endpoint
	remote iosock.Endpoint

	counters stats.Counters
	limiter  *ratelimit.Limiter

	wasActive bool
}

// New constructs a Connection in the Created state. pattern is the shared
// pbuf.Pattern; tests pass one built from their own seed.
func New(id uuid.UUID, cfg *config.Configuration, pattern *pbuf.Pattern, factory iosock.Factory, engine *iosock.Engine, notify Notifier, limiter *ratelimit.Limiter) *Connection {
	return &Connection{
		ID:      id,
		cfg:     cfg,
		pattern: pattern,
		factory: factory,
		engine:  engine,
		notify:  notify,
		limiter: limiter,
		state:   Created,
	}
}

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// RunClient drives Created -> Closed for an outbound (client) connection
// against raddr.
func (c *Connection) RunClient(ctx context.Context, raddr iosock.Endpoint, opts iosock.OptionSetter) Result {
	c.setState(Initiated)
	c.setState(ConnectingOrAccepting)

	socket, err := c.factory.Dial(ctx, raddr, opts)
	if err != nil {
		c.setState(Closed)
		// Dial never reached InitiatingIO, so this connection is still
		// counted as pending, not active (spec §4.5): tell the broker so
		// it can decrement pending rather than wait on a slot that will
		// never close.
		c.notify.Closing(c.ID, false)
		return Result{ID: c.ID, Remote: raddr, NetErr: err}
	}
	return c.runConnected(ctx, socket)
}

// RunAccepted drives Created -> Closed for an inbound (server-accepted)
// connection whose socket has already been produced by a Listener.Accept.
func (c *Connection) RunAccepted(ctx context.Context, socket iosock.Socket) Result {
	c.setState(Initiated)
	c.setState(ConnectingOrAccepting)
	return c.runConnected(ctx, socket)
}

func (c *Connection) runConnected(ctx context.Context, socket iosock.Socket) Result {
	c.mu.Lock()
	c.socket = socket
	c.local = socket.LocalEndpoint()
	c.remote = socket.RemoteEndpoint()
	c.state = Connected
	c.mu.Unlock()

	c.counters.Start()

	// Connected -> InIO: notify the broker exactly once (initiating_io),
	// which atomically moves this connection from pending to active.
	c.notify.InitiatingIO(c.ID)
	c.wasActive = true

	c.mu.Lock()
	c.ioPat = c.buildPattern()
	c.state = InIO
	c.mu.Unlock()

	result := c.driveIO(ctx, socket)

	c.counters.End()
	socket.Close()
	c.setState(Closed)

	// InIO -> Closed: notify exactly once.
	c.notify.Closing(c.ID, c.wasActive)

	result.ID = c.ID
	result.Local = c.local
	result.Remote = c.remote
	result.Stats = c.counters.Snapshot()
	return result
}

func (c *Connection) buildPattern() iopattern.Pattern {
	params := iopattern.Params{
		Cfg:          c.cfg,
		Pattern:      c.pattern,
		Transfer:     pickTransfer(c.cfg),
		BufferLow:    c.cfg.BufferSize.Low,
		BufferHigh:   c.cfg.BufferSize.High,
		PrePostRecvs: c.cfg.PrePostRecvs,
		RandUniform:  uniformDraw,
	}
	if c.cfg.Pattern == config.PatternPushPull {
		params.PushBytes = params.Transfer / 2
		params.PullBytes = params.Transfer / 2
	}
	return iopattern.New(c.cfg.Pattern, params)
}

// driveIO is the completion-driven loop of spec §4.4/§4.8: pull tasks from
// the pattern, dispatch them to the engine, feed completions back. Unlike a
// strictly one-task-at-a-time driver, this posts every task the pattern is
// willing to hand out — calling Next(nil) repeatedly, which every variant
// already tolerates — before blocking on the next completion, so up to
// PendingRecvs() recv tasks and one send task can be genuinely in flight
// together. That is what makes §4.3's pre-posting rule observable and lets
// Duplex's independent send/recv accounting actually run concurrently
// instead of each direction waiting on the other's Read/Write to unblock.
//
// A watcher goroutine closes socket when ctx is cancelled, so a Read or
// Write already parked waiting on the peer returns a network error and
// unwinds instead of leaving the connection stuck mid-drain (spec §5).
func (c *Connection) driveIO(ctx context.Context, socket iosock.Socket) Result {
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			socket.Close()
		case <-watchDone:
		}
	}()

	// Sized so every goroutine spawned by submitTaskAsync can always send
	// without blocking, even if driveIO returns before draining them all.
	completions := make(chan iopattern.Completion, int(c.cfg.PrePostRecvs)+2)
	outstanding := 0
	var absorbed *iopattern.Completion

	for {
		verdict := c.ioPat.Next(absorbed)
		absorbed = nil

		switch verdict.Kind {
		case iopattern.VerdictDone:
			return Result{}

		case iopattern.VerdictErrorNetwork:
			return Result{NetErr: &iopattern.NetworkError{Code: verdict.NetCode}}

		case iopattern.VerdictErrorProtocol:
			return Result{ProtoErr: &iopattern.ProtocolError{Kind: verdict.ProtoKind, MismatchOffset: verdict.MismatchOffset}}

		case iopattern.VerdictContinue:
			if verdict.Task.Length == 0 {
				if outstanding == 0 {
					// Nothing posted and nothing new to post: a genuine,
					// momentary stall (e.g. waiting on a phase boundary).
					select {
					case <-ctx.Done():
						return Result{NetErr: ctx.Err()}
					default:
						time.Sleep(time.Millisecond)
					}
					continue
				}
				// All the pattern currently wants is more room; block for
				// the next completion before asking again.
				select {
				case <-ctx.Done():
					return Result{NetErr: ctx.Err()}
				case comp := <-completions:
					outstanding--
					absorbed = &comp
				}
				continue
			}

			c.applyRateLimit(ctx, verdict.Task)
			outstanding++
			c.submitTaskAsync(ctx, socket, verdict.Task, completions)
		}
	}
}

func (c *Connection) applyRateLimit(ctx context.Context, task iopattern.Task) {
	if task.Direction != iopattern.Send || c.limiter == nil || c.limiter.NoOp() {
		return
	}
	if d := c.limiter.Reserve(task.Length); d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
		}
	}
}

// submitTaskAsync hands task to the engine and, once it resolves, forwards
// the resulting iopattern.Completion onto the shared out channel. It
// returns immediately without waiting for the I/O to finish, which is what
// lets driveIO keep more than one task in flight for a single connection.
func (c *Connection) submitTaskAsync(ctx context.Context, socket iosock.Socket, task iopattern.Task, out chan<- iopattern.Completion) {
	buf := make([]byte, task.Length)

	if task.Direction == iopattern.Send {
		if c.cfg.Verification == config.VerifyData {
			c.fillSendBuffer(buf, task.Offset)
		}
		ch := c.engine.SubmitWrite(ctx, socket, buf)
		go func() {
			completion := <-ch
			c.counters.AddBytesSent(uint64(completion.N))
			out <- iopattern.Completion{Task: task, N: completion.N, PeerErr: completion.Err}
		}()
		return
	}

	ch := c.engine.SubmitRead(ctx, socket, buf)
	go func() {
		completion := <-ch
		c.counters.AddBytesRecv(uint64(completion.N))
		comp := iopattern.Completion{Task: task, N: completion.N, PeerErr: completion.Err}
		if c.cfg.Verification == config.VerifyData {
			comp.Data = buf
		}
		out <- comp
	}()
}

// fillSendBuffer populates buf with pattern bytes starting at offset,
// re-requesting SendWindow at the advanced offset whenever a task crosses
// the pattern's wrap point, per spec §4.1: SendWindow truncates at L
// instead of wrapping internally, so a single call is not always enough.
func (c *Connection) fillSendBuffer(buf []byte, offset int64) {
	filled := 0
	for filled < len(buf) {
		window := c.pattern.SendWindow(offset+int64(filled), len(buf)-filled)
		n := copy(buf[filled:], window)
		filled += n
	}
}

func pickTransfer(cfg *config.Configuration) uint64 {
	if cfg.TransferSize.Fixed() {
		return cfg.TransferSize.Low
	}
	return uniformDraw(cfg.TransferSize.Low, cfg.TransferSize.High)
}

func uniformDraw(low, high uint64) uint64 {
	if high <= low {
		return low
	}
	return low + uint64(pseudoRandN(int64(high-low+1)))
}
