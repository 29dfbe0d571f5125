// Package config holds the immutable, shared-by-reference run configuration
// consumed by the broker, connection state machine and I/O patterns. The
// core never parses flags or files itself; Load and Validate are the
// collaborators cmd/streamtest and cmd/streamtestd use to build one before
// handing it to the broker.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Protocol selects the transport family.
type Protocol string

const (
	ProtocolTCP Protocol = "tcp"
	ProtocolUDP Protocol = "udp"
)

// PatternKind selects the I/O pattern state machine variant.
type PatternKind string

const (
	PatternPush       PatternKind = "push"
	PatternPull       PatternKind = "pull"
	PatternPushPull   PatternKind = "pushpull"
	PatternDuplex     PatternKind = "duplex"
	PatternMediaStream PatternKind = "mediastream"
)

// VerificationMode selects how received bytes are checked.
type VerificationMode string

const (
	VerifyData       VerificationMode = "data"
	VerifyConnection VerificationMode = "connection"
)

// Codec selects the UDP media-stream resend behavior.
type Codec string

const (
	CodecNoResends  Codec = "noresends"
	CodecResendOnce Codec = "resendonce"
)

// Role distinguishes client and server instantiations of the same
// Configuration shape.
type Role string

const (
	RoleClient Role = "client"
	RoleServer Role = "server"
)

// Range is a [Low, High] bound. When Low == High the value is fixed;
// otherwise a uniform draw is taken per-connection or per-task.
type Range struct {
	Low  uint64 `yaml:"low"`
	High uint64 `yaml:"high"`
}

// Fixed reports whether the range collapses to a single value.
func (r Range) Fixed() bool { return r.Low == r.High }

// MediaStreamConfig is the UDP media-stream sub-configuration (§3, §4.6/4.7).
type MediaStreamConfig struct {
	BitsPerSecond       uint64 `yaml:"bits_per_second"`
	FramesPerSecond     uint32 `yaml:"frames_per_second"`
	BufferDepthSeconds  float64 `yaml:"buffer_depth_seconds"`
	StreamLengthSeconds float64 `yaml:"stream_length_seconds"`
	Codec               Codec  `yaml:"codec"`
}

// OptionFlags mirrors the source's platform socket-option bitfield. The
// core threads these through to internal/iosock's option setters; it never
// interprets them itself beyond passing them along.
type OptionFlags struct {
	Keepalive          bool `yaml:"keepalive"`
	LoopbackFastPath   bool `yaml:"loopback_fast_path"`
	MaxRecvBuf         bool `yaml:"max_recv_buf"`
	NonBlockingIO      bool `yaml:"non_blocking_io"`
	HandleInlineIOCP   bool `yaml:"handle_inline_iocp"`
}

// Configuration is immutable after Load/Validate returns. It is shared by
// reference across every connection and pattern instance in a run.
type Configuration struct {
	Role Role `yaml:"role"`

	Protocol        Protocol    `yaml:"protocol"`
	Pattern         PatternKind `yaml:"pattern"`
	Port            uint16      `yaml:"port"`
	ListenAddresses []string    `yaml:"listen_addresses"`
	TargetAddresses []string    `yaml:"target_addresses"`
	BindAddresses   []string    `yaml:"bind_addresses"`
	LocalPortRange  Range       `yaml:"local_port_range"`

	BufferSize   Range `yaml:"buffer_size"`
	TransferSize Range `yaml:"transfer_size"`

	RateLimit       Range `yaml:"rate_limit"`
	RateLimitPeriodMS uint32 `yaml:"rate_limit_period_ms"`

	ConnectionLimit  uint32 `yaml:"connection_limit"`
	ThrottleLimit    uint32 `yaml:"throttle_limit"`
	Iterations       uint64 `yaml:"iterations"`
	ServerAcceptExitLimit uint64 `yaml:"server_accept_exit_limit"`

	PrePostRecvs uint32 `yaml:"pre_post_recvs"`

	Verification    VerificationMode `yaml:"verification"`
	UseSharedBuffer bool             `yaml:"use_shared_buffer"`

	MediaStream MediaStreamConfig `yaml:"media_stream"`

	Options OptionFlags `yaml:"options"`

	PatternSeed int64 `yaml:"pattern_seed"`

	ScavengeInterval uint32 `yaml:"scavenge_interval_ms"`

	TimeLimitSeconds uint64 `yaml:"time_limit_seconds"`

	// LogPaths and MetricsAddr are the ambient stack this repo carries
	// regardless of the spec's Non-goals: logging and metrics are never
	// out of scope, only the sink implementations behind them are
	// pluggable.
	LogPaths    LogPaths `yaml:"log_paths"`
	MetricsAddr string   `yaml:"metrics_addr"`
}

// LogPaths names the four sink destinations from §6.
type LogPaths struct {
	Connection string `yaml:"connection"`
	Error      string `yaml:"error"`
	Status     string `yaml:"status"`
	Jitter     string `yaml:"jitter"`
}

// MaxBufferSize returns the largest buffer size Configuration can produce,
// used by cmd/streamtest and cmd/streamtestd to size the shared pbuf
// pattern.
func (c *Configuration) MaxBufferSize() uint64 {
	if c.BufferSize.High > c.BufferSize.Low {
		return c.BufferSize.High
	}
	return c.BufferSize.Low
}

// Load reads a YAML file into a Configuration and validates it. This is
// the reference "collaborator" spec.md §6 says parses configuration; the
// broker never calls this itself.
func Load(path string) (*Configuration, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a Configuration with the spec's stated defaults filled
// in; callers overlay flags or YAML on top before Validate.
func Default() *Configuration {
	return &Configuration{
		Protocol:         ProtocolTCP,
		Pattern:          PatternPush,
		Port:             4444,
		BufferSize:       Range{Low: 65536, High: 65536},
		TransferSize:     Range{Low: 1048576, High: 1048576},
		ConnectionLimit:  1,
		ThrottleLimit:    1000,
		Iterations:       1,
		PrePostRecvs:     1,
		Verification:     VerifyData,
		PatternSeed:      1,
		ScavengeInterval: 500,
		MediaStream: MediaStreamConfig{
			FramesPerSecond:    30,
			BufferDepthSeconds: 2,
			Codec:              CodecNoResends,
		},
	}
}

// ErrConfig marks configuration-class errors, terminating the process per
// spec.md §7.
type ErrConfig struct{ Msg string }

func (e *ErrConfig) Error() string { return "config: " + e.Msg }

// Validate applies every startup-time rejection rule from spec.md §7 and
// §3's invariants that can be checked without a live connection.
func (c *Configuration) Validate() error {
	if c.Protocol != ProtocolTCP && c.Protocol != ProtocolUDP {
		return &ErrConfig{Msg: fmt.Sprintf("invalid protocol %q", c.Protocol)}
	}

	if c.Protocol == ProtocolUDP {
		c.Pattern = PatternMediaStream
	}

	switch c.Pattern {
	case PatternPush, PatternPull, PatternPushPull, PatternDuplex, PatternMediaStream:
	default:
		return &ErrConfig{Msg: fmt.Sprintf("invalid pattern %q", c.Pattern)}
	}

	if c.BufferSize.Low == 0 || c.BufferSize.High < c.BufferSize.Low {
		return &ErrConfig{Msg: "buffer_size must satisfy 0 < low <= high"}
	}

	if c.TransferSize.High < c.TransferSize.Low {
		return &ErrConfig{Msg: "transfer_size high must be >= low"}
	}

	if c.RateLimit.High < c.RateLimit.Low {
		return &ErrConfig{Msg: "rate_limit high must be >= low"}
	}

	if c.ConnectionLimit == 0 {
		return &ErrConfig{Msg: "connection_limit must be >= 1"}
	}

	if c.PrePostRecvs == 0 {
		return &ErrConfig{Msg: "pre_post_recvs must be >= 1"}
	}

	// §7: verification+pre-post-recv coupling. On TCP, verification=data
	// combined with pre_post_recvs>1 cannot correctly attribute mismatches
	// to stream offsets and must be rejected at startup.
	if c.Protocol == ProtocolTCP && c.Verification == VerifyData && c.PrePostRecvs > 1 {
		return &ErrConfig{Msg: "data verification with pre_post_recvs > 1 is not supported on TCP: mismatches cannot be attributed to a stream offset"}
	}

	if c.Protocol == ProtocolUDP {
		if c.MediaStream.FramesPerSecond == 0 {
			return &ErrConfig{Msg: "media_stream.frames_per_second must be >= 1"}
		}
		if c.MediaStream.BitsPerSecond == 0 {
			return &ErrConfig{Msg: "media_stream.bits_per_second must be >= 1"}
		}
		if c.Role == RoleClient && c.MediaStream.BufferDepthSeconds <= 0 {
			return &ErrConfig{Msg: "media_stream.buffer_depth_seconds must be > 0 on the client"}
		}
		// Open question (§9): server-side nonzero buffer_depth is a
		// warning, not an error — ServerBufferDepthWarning reports it and
		// cmd/streamtestd prints the warning; Validate itself only
		// enforces hard errors.
	}

	if c.ScavengeInterval == 0 {
		c.ScavengeInterval = 500
	}

	return nil
}

// ServerBufferDepthWarning reports whether the server-role config carries
// a nonzero UDP buffer_depth, which spec.md §9 treats as a warning rather
// than a validation error.
func (c *Configuration) ServerBufferDepthWarning() bool {
	return c.Role == RoleServer && c.Protocol == ProtocolUDP && c.MediaStream.BufferDepthSeconds != 0
}
