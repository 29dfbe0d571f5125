// Command streamtest is the client binary: it drives one broker-managed
// run of outbound TCP connections, or a single UDP media-stream session,
// against a streamtestd instance.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/cameronmaxwell/streamtest/internal/broker"
	"github.com/cameronmaxwell/streamtest/internal/config"
	"github.com/cameronmaxwell/streamtest/internal/conn"
	"github.com/cameronmaxwell/streamtest/internal/iosock"
	"github.com/cameronmaxwell/streamtest/internal/logsink"
	"github.com/cameronmaxwell/streamtest/internal/mediastream"
	"github.com/cameronmaxwell/streamtest/internal/pbuf"
	"github.com/cameronmaxwell/streamtest/internal/ratelimit"
	"github.com/cameronmaxwell/streamtest/internal/stats"
)

func handleInputError(message string) {
	fmt.Println(message)
	flag.PrintDefaults()
	os.Exit(2)
}

func handleClientError(err error) {
	fmt.Println(err.Error())
	os.Exit(1)
}

func main() {
	configPathPtr := flag.String("config", "", "path to a YAML configuration file; flags below override it")
	hostPtr := flag.String("host", "", "name or IPv4 address of host")
	portPtr := flag.Int("port", int(config.Default().Port), "host port number {0-65535}")
	protocolPtr := flag.String("protocol", "tcp", "transport protocol {tcp|udp}")
	patternPtr := flag.String("pattern", "push", "I/O pattern {push|pull|pushpull|duplex}")
	transferPtr := flag.Uint64("transfer", 1048576, "bytes to transfer per connection")
	bufferPtr := flag.Uint64("buffer", 65536, "per-task buffer size in bytes")
	iterationsPtr := flag.Uint64("iterations", 1, "connections per pool slot, or 0 for unbounded")
	connLimitPtr := flag.Uint("connections", 1, "concurrent connection limit")
	verifyPtr := flag.Bool("verify", true, "verify received bytes against the pattern buffer")
	seedPtr := flag.Int64("seed", 1, "pattern buffer seed, must match the server")
	connLogPtr := flag.String("connection-log", "", "path to append connection log lines to")
	errorLogPtr := flag.String("error-log", "", "path to append error log lines to")
	jitterLogPtr := flag.String("jitter-log", "", "path to a UDP media-stream jitter CSV log")

	flag.Parse()

	cfg := config.Default()
	if *configPathPtr != "" {
		loaded, err := config.Load(*configPathPtr)
		if err != nil {
			handleInputError(err.Error())
		}
		cfg = loaded
	}
	cfg.Role = config.RoleClient

	if *protocolPtr != "tcp" && *protocolPtr != "udp" {
		handleInputError("invalid transport protocol")
	}
	cfg.Protocol = config.Protocol(*protocolPtr)

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
		handleInputError("invalid I/O pattern")
	}

	if *hostPtr == "" {
		handleInputError("host must be specified")
	}
	if *portPtr < 0 || *portPtr > 65535 {
		handleInputError("port number out of range")
	}

	cfg.Port = uint16(*portPtr)
	cfg.TargetAddresses = []string{*hostPtr}
	cfg.TransferSize = config.Range{Low: *transferPtr, High: *transferPtr}
	cfg.BufferSize = config.Range{Low: *bufferPtr, High: *bufferPtr}
	cfg.Iterations = *iterationsPtr
	if cfg.Iterations == 0 {
		cfg.Iterations = broker.MaxIterations
	}
	cfg.ConnectionLimit = uint32(*connLimitPtr)
	if cfg.ThrottleLimit == 0 {
		cfg.ThrottleLimit = cfg.ConnectionLimit
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

	if err := cfg.Validate(); err != nil {
		handleInputError(err.Error())
	}

	connLog, err := logsink.NewFileSink(cfg.LogPaths.Connection)
	if err != nil {
		handleClientError(err)
	}
	defer connLog.Close()

	errLog, err := logsink.NewFileSink(cfg.LogPaths.Error)
	if err != nil {
		handleClientError(err)
	}
	defer errLog.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if cfg.TimeLimitSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(cfg.TimeLimitSeconds)*time.Second)
		defer cancel()
	}

	if cfg.Protocol == config.ProtocolUDP {
		runMediaStreamClient(ctx, cfg, *hostPtr, errLog)
		return
	}

	exitCode := runTCPClient(ctx, cfg, *hostPtr, connLog, errLog)
	os.Exit(exitCode)
}

func runTCPClient(ctx context.Context, cfg *config.Configuration, host string, connLog, errLog *logsink.FileSink) int {
	pattern := pbuf.New(cfg.PatternSeed, int(cfg.MaxBufferSize())*2)
	factory := iosock.NetFactory{}
	engine := iosock.NewEngine(0)

	endpoints, err := iosock.ResolveEndpoints(ctx, iosock.FamilyTCP, host, cfg.Port)
	if err != nil || len(endpoints) == 0 {
		errLog.LogMessage(fmt.Sprintf("resolve %s: %v", host, err))
		return 2
	}
	raddr := endpoints[0]

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.High > 0 {
		limiter = ratelimit.Pick(cfg.RateLimit.Low, cfg.RateLimit.High, time.Duration(cfg.RateLimitPeriodMS)*time.Millisecond)
	}

	newConnection := func(ctx context.Context, id uuid.UUID, notify conn.Notifier) conn.Result {
		c := conn.New(id, cfg, pattern, factory, engine, notify, limiter)
		result := c.RunClient(ctx, raddr, iosock.OptionSetter{Options: cfg.Options})
		if result.Failed() {
			errLog.LogMessage(fmt.Sprintf("connection %s failed: net=%v proto=%v", id, result.NetErr, result.ProtoErr))
		} else {
			connLog.LogMessage(fmt.Sprintf("connection %s completed: sent=%d recv=%d", id, result.Stats.BytesSent, result.Stats.BytesRecv))
		}
		return result
	}

	b := broker.New(cfg, false, newConnection)
	outcome := b.Run(ctx)

	fmt.Printf("run %s: %d connections, any_failed=%v\n", outcome, len(b.Results()), b.AnyFailed())
	return outcome.ExitCode(b.AnyFailed())
}

func runMediaStreamClient(ctx context.Context, cfg *config.Configuration, host string, errLog *logsink.FileSink) {
	pattern := pbuf.New(cfg.PatternSeed, int(cfg.MediaStream.BitsPerSecond/8)*2+65536)

	serverAddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", host, cfg.Port))
	if err != nil {
		errLog.LogMessage(err.Error())
		os.Exit(2)
	}

	udpConn, err := net.ListenPacket("udp", ":0")
	if err != nil {
		handleClientError(err)
	}
	defer udpConn.Close()

	counters := &stats.Counters{}
	jitter, err := logsink.NewJitterRecorder(cfg.LogPaths.Jitter)
	if err != nil {
		handleClientError(err)
	}
	defer jitter.Close()

	client := mediastream.NewClient(cfg.MediaStream, pattern, udpConn, serverAddr, counters, jitter)
	if err := client.Start(); err != nil {
		errLog.LogMessage(err.Error())
		os.Exit(1)
	}

	counters.Start()
	runErr := client.Run(ctx)
	counters.End()

	snap := counters.Snapshot()
	fmt.Printf("media-stream: completed=%d dropped=%d duplicated=%d retried=%d errored=%d elapsed=%s\n",
		snap.FramesCompleted, snap.FramesDropped, snap.FramesDuplicated, snap.FramesRetried, snap.FramesErrored, snap.Elapsed)

	if runErr != nil && runErr != context.Canceled && runErr != context.DeadlineExceeded {
		errLog.LogMessage(runErr.Error())
		os.Exit(1)
	}
}
