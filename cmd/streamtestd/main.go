// Command streamtestd is the server binary: it accepts inbound TCP
// connections under broker control, or runs a UDP media-stream session,
// and exposes Prometheus metrics and a live status dashboard.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cameronmaxwell/streamtest/internal/broker"
	"github.com/cameronmaxwell/streamtest/internal/config"
	"github.com/cameronmaxwell/streamtest/internal/conn"
	"github.com/cameronmaxwell/streamtest/internal/iosock"
	"github.com/cameronmaxwell/streamtest/internal/logsink"
	"github.com/cameronmaxwell/streamtest/internal/mediastream"
	"github.com/cameronmaxwell/streamtest/internal/pbuf"
	"github.com/cameronmaxwell/streamtest/internal/stats"
)

func main() {
	portPtr := flag.Int("port", int(config.Default().Port), "port to listen on {0-65535}")
	protocolPtr := flag.String("protocol", "tcp", "transport protocol {tcp|udp}")
	patternPtr := flag.String("pattern", "push", "I/O pattern {push|pull|pushpull|duplex}")
	acceptLimitPtr := flag.Uint64("accept-limit", 0, "connections to accept before exiting, or 0 for unbounded")
	verifyPtr := flag.Bool("verify", true, "verify received bytes against the pattern buffer")
	seedPtr := flag.Int64("seed", 1, "pattern buffer seed, must match the client")
	metricsAddrPtr := flag.String("metrics-addr", ":9464", "address to serve /metrics and the status dashboard on")
	connLogPtr := flag.String("connection-log", "", "path to append connection log lines to")
	errorLogPtr := flag.String("error-log", "", "path to append error log lines to")
	jitterLogPtr := flag.String("jitter-log", "", "path to a UDP media-stream jitter CSV log")

	flag.Parse()

	if *portPtr < 0 || *portPtr > 65535 {
		fmt.Println("port out of range")
		flag.PrintDefaults()
		os.Exit(2)
	}

	cfg := config.Default()
	cfg.Role = config.RoleServer
	cfg.Port = uint16(*portPtr)
	cfg.Protocol = config.Protocol(*protocolPtr)
	cfg.ServerAcceptExitLimit = *acceptLimitPtr
	if cfg.ServerAcceptExitLimit == 0 {
		cfg.ServerAcceptExitLimit = broker.MaxIterations
	}
	cfg.PatternSeed = *seedPtr
	cfg.LogPaths.Connection = *connLogPtr
	cfg.LogPaths.Error = *errorLogPtr
	cfg.LogPaths.Jitter = *jitterLogPtr
	if *verifyPtr {
		cfg.Verification = config.VerifyData
	} else {
		cfg.Verification = config.VerifyConnection
	}

	switch *patternPtr {
	case "push":
		cfg.Pattern = config.PatternPush
	case "pull":
		cfg.Pattern = config.PatternPull
	case "pushpull":
		cfg.Pattern = config.PatternPushPull
	case "duplex":
		cfg.Pattern = config.PatternDuplex
	default:
		fmt.Println("invalid I/O pattern")
		os.Exit(2)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Println(err.Error())
		os.Exit(2)
	}
	if cfg.ServerBufferDepthWarning() {
		fmt.Println("warning: media_stream.buffer_depth_seconds is set on a server role and has no effect")
	}

	connLog, err := logsink.NewFileSink(cfg.LogPaths.Connection)
	if err != nil {
		fmt.Println(err.Error())
		os.Exit(1)
	}
	defer connLog.Close()

	errLog, err := logsink.NewFileSink(cfg.LogPaths.Error)
	if err != nil {
		fmt.Println(err.Error())
		os.Exit(1)
	}
	defer errLog.Close()

	runCounters := &stats.Counters{}
	registry := stats.NewRegistry(runCounters)
	promReg := prometheus.NewRegistry()
	registry.MustRegister(promReg)

	dashboard := logsink.NewWebSocketSink()
	serveHTTP(*metricsAddrPtr, promReg, dashboard)
	go broadcastStatusLoop(runCounters, dashboard)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Protocol == config.ProtocolUDP {
		runMediaStreamServer(ctx, cfg, runCounters, errLog)
		return
	}

	os.Exit(runTCPServer(ctx, cfg, runCounters, connLog, errLog))
}

func serveHTTP(addr string, promReg *prometheus.Registry, dashboard *logsink.WebSocketSink) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/status", dashboard.HandleUpgrade)

	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			fmt.Printf("status server stopped: %v\n", err)
		}
	}()
}

func broadcastStatusLoop(counters *stats.Counters, dashboard *logsink.WebSocketSink) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for range ticker.C {
		snap := counters.Snapshot()
		dashboard.Broadcast(logsink.StatusEntry{
			Timestamp:        time.Now(),
			BytesSent:        snap.BytesSent,
			BytesRecv:        snap.BytesRecv,
			FramesCompleted:  snap.FramesCompleted,
			FramesDropped:    snap.FramesDropped,
			FramesDuplicated: snap.FramesDuplicated,
			FramesRetried:    snap.FramesRetried,
			FramesErrored:    snap.FramesErrored,
		})
	}
}

func runTCPServer(ctx context.Context, cfg *config.Configuration, runCounters *stats.Counters, connLog, errLog *logsink.FileSink) int {
	pattern := pbuf.New(cfg.PatternSeed, int(cfg.MaxBufferSize())*2)
	factory := iosock.NetFactory{}
	engine := iosock.NewEngine(0)

	listener, err := factory.Listen(ctx, iosock.Endpoint{Family: iosock.FamilyTCP, IP: net.IPv4zero, Port: cfg.Port}, int(cfg.ConnectionLimit), iosock.OptionSetter{Options: cfg.Options})
	if err != nil {
		errLog.LogMessage(err.Error())
		return 2
	}
	defer listener.Close()

	newConnection := func(ctx context.Context, id uuid.UUID, notify conn.Notifier) conn.Result {
		socket, err := listener.Accept(ctx)
		if err != nil {
			// Accept never reached InitiatingIO, so this slot is still
			// pending, not active; tell the broker or it waits forever.
			notify.Closing(id, false)
			return conn.Result{ID: id, NetErr: err}
		}
		c := conn.New(id, cfg, pattern, factory, engine, notify, nil)
		result := c.RunAccepted(ctx, socket)
		if result.Failed() {
			errLog.LogMessage(fmt.Sprintf("connection %s failed: net=%v proto=%v", id, result.NetErr, result.ProtoErr))
		} else {
			connLog.LogMessage(fmt.Sprintf("connection %s completed: sent=%d recv=%d", id, result.Stats.BytesSent, result.Stats.BytesRecv))
		}
		runCounters.AddBytesSent(result.Stats.BytesSent)
		runCounters.AddBytesRecv(result.Stats.BytesRecv)
		return result
	}

	b := broker.New(cfg, true, newConnection)
	outcome := b.Run(ctx)

	fmt.Printf("run %s: %d connections accepted, any_failed=%v\n", outcome, len(b.Results()), b.AnyFailed())
	return outcome.ExitCode(b.AnyFailed())
}

func runMediaStreamServer(ctx context.Context, cfg *config.Configuration, runCounters *stats.Counters, errLog *logsink.FileSink) {
	pattern := pbuf.New(cfg.PatternSeed, int(cfg.MediaStream.BitsPerSecond/8)*2+65536)

	udpConn, err := net.ListenPacket("udp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		errLog.LogMessage(err.Error())
		os.Exit(2)
	}
	defer udpConn.Close()

	server := mediastream.NewServer(cfg.MediaStream, pattern, udpConn, runCounters)
	if err := server.Run(ctx); err != nil && err != context.Canceled && err != context.DeadlineExceeded {
		errLog.LogMessage(err.Error())
		os.Exit(1)
	}
}
