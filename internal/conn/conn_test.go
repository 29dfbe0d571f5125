package conn

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cameronmaxwell/streamtest/internal/config"
	"github.com/cameronmaxwell/streamtest/internal/iosock"
	"github.com/cameronmaxwell/streamtest/internal/pbuf"
)

type pipeSocket struct {
	c      net.Conn
	local  iosock.Endpoint
	remote iosock.Endpoint
}

func (p *pipeSocket) Read(b []byte) (int, error)  { return p.c.Read(b) }
func (p *pipeSocket) Write(b []byte) (int, error) { return p.c.Write(b) }
func (p *pipeSocket) Close() error                { return p.c.Close() }
func (p *pipeSocket) LocalEndpoint() iosock.Endpoint  { return p.local }
func (p *pipeSocket) RemoteEndpoint() iosock.Endpoint { return p.remote }

type recordingNotifier struct {
	initiated []uuid.UUID
	closed    []uuid.UUID
	wasActive []bool
}

func (n *recordingNotifier) InitiatingIO(id uuid.UUID) { n.initiated = append(n.initiated, id) }
func (n *recordingNotifier) Closing(id uuid.UUID, wasActive bool) {
	n.closed = append(n.closed, id)
	n.wasActive = append(n.wasActive, wasActive)
}

func TestConnectionPushHappyPath(t *testing.T) {
	clientPipe, serverPipe := net.Pipe()

	local := iosock.Endpoint{IP: net.ParseIP("127.0.0.1"), Port: 1}
	remote := iosock.Endpoint{IP: net.ParseIP("127.0.0.1"), Port: 2}

	clientSocket := &pipeSocket{c: clientPipe, local: local, remote: remote}
	serverSocket := &pipeSocket{c: serverPipe, local: remote, remote: local}

	pattern := pbuf.New(3, 1<<16)

	cfg := &config.Configuration{
		Role:         config.RoleClient,
		Pattern:      config.PatternPush,
		BufferSize:   config.Range{Low: 1024, High: 1024},
		TransferSize: config.Range{Low: 8192, High: 8192},
		PrePostRecvs: 1,
		Verification: config.VerifyData,
	}
	serverCfg := *cfg
	serverCfg.Role = config.RoleServer

	engine := iosock.NewEngine(4)

	clientNotify := &recordingNotifier{}
	serverNotify := &recordingNotifier{}

	clientConn := New(uuid.New(), cfg, pattern, nil, engine, clientNotify, nil)
	serverConn := New(uuid.New(), &serverCfg, pattern, nil, engine, serverNotify, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clientDone := make(chan Result, 1)
	serverDone := make(chan Result, 1)

	go func() { clientDone <- clientConn.RunAccepted(ctx, clientSocket) }()
	go func() { serverDone <- serverConn.RunAccepted(ctx, serverSocket) }()

	clientResult := <-clientDone
	serverResult := <-serverDone

	require.False(t, clientResult.Failed(), "%+v", clientResult)
	require.False(t, serverResult.Failed(), "%+v", serverResult)

	assert.EqualValues(t, 8192, clientResult.Stats.BytesSent)
	assert.EqualValues(t, 8192, serverResult.Stats.BytesRecv)

	assert.Len(t, clientNotify.initiated, 1)
	assert.Len(t, clientNotify.closed, 1)
	assert.True(t, clientNotify.wasActive[0])
}

// TestConnectionDuplexDoesNotDeadlock drives two Duplex peers over a real
// net.Pipe, where a Read on either side only returns once the other side
// calls Write. If driveIO ever submits only one task at a time, both peers
// request a Recv first and the pipe never sees a matching Write, so this
// test hangs until its timeout instead of completing.
func TestConnectionDuplexDoesNotDeadlock(t *testing.T) {
	clientPipe, serverPipe := net.Pipe()

	local := iosock.Endpoint{IP: net.ParseIP("127.0.0.1"), Port: 1}
	remote := iosock.Endpoint{IP: net.ParseIP("127.0.0.1"), Port: 2}

	clientSocket := &pipeSocket{c: clientPipe, local: local, remote: remote}
	serverSocket := &pipeSocket{c: serverPipe, local: remote, remote: local}

	pattern := pbuf.New(5, 1<<16)

	cfg := &config.Configuration{
		Role:         config.RoleClient,
		Pattern:      config.PatternDuplex,
		BufferSize:   config.Range{Low: 1024, High: 1024},
		TransferSize: config.Range{Low: 8192, High: 8192},
		PrePostRecvs: 1,
		Verification: config.VerifyData,
	}
	serverCfg := *cfg
	serverCfg.Role = config.RoleServer

	engine := iosock.NewEngine(4)

	clientConn := New(uuid.New(), cfg, pattern, nil, engine, &recordingNotifier{}, nil)
	serverConn := New(uuid.New(), &serverCfg, pattern, nil, engine, &recordingNotifier{}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clientDone := make(chan Result, 1)
	serverDone := make(chan Result, 1)

	go func() { clientDone <- clientConn.RunAccepted(ctx, clientSocket) }()
	go func() { serverDone <- serverConn.RunAccepted(ctx, serverSocket) }()

	clientResult := <-clientDone
	serverResult := <-serverDone

	require.False(t, clientResult.Failed(), "%+v", clientResult)
	require.False(t, serverResult.Failed(), "%+v", serverResult)
	assert.EqualValues(t, 4096, clientResult.Stats.BytesSent)
	assert.EqualValues(t, 4096, clientResult.Stats.BytesRecv)
}

// TestConnectionCancellationUnblocksInFlightIO proves ctx cancellation
// closes the socket instead of leaving driveIO parked on a Write that will
// never resolve because the peer never reads anything (a server-role Pull
// connection only sends).
func TestConnectionCancellationUnblocksInFlightIO(t *testing.T) {
	clientPipe, _ := net.Pipe()
	defer clientPipe.Close()

	local := iosock.Endpoint{IP: net.ParseIP("127.0.0.1"), Port: 1}
	remote := iosock.Endpoint{IP: net.ParseIP("127.0.0.1"), Port: 2}
	socket := &pipeSocket{c: clientPipe, local: local, remote: remote}

	pattern := pbuf.New(7, 1<<16)
	cfg := &config.Configuration{
		Role:         config.RoleServer,
		Pattern:      config.PatternPull,
		BufferSize:   config.Range{Low: 1024, High: 1024},
		TransferSize: config.Range{Low: 8192, High: 8192},
		PrePostRecvs: 1,
		Verification: config.VerifyData,
	}
	engine := iosock.NewEngine(4)
	c := New(uuid.New(), cfg, pattern, nil, engine, &recordingNotifier{}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	done := make(chan Result, 1)
	go func() { done <- c.RunAccepted(ctx, socket) }()

	select {
	case result := <-done:
		assert.Error(t, result.NetErr)
	case <-time.After(2 * time.Second):
		t.Fatal("cancellation did not unblock a connection parked in I/O")
	}
}
