// Package config loads framewire node settings from TOML.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/framewire/internal/protocol/frame"
	"github.com/danmuck/framewire/internal/protocol/session"
	"github.com/danmuck/framewire/internal/protocol/stream"
	"github.com/danmuck/framewire/internal/transport"
)

var ErrInvalidConfig = errors.New("config: invalid")

// Config is the resolved node configuration shared by framectl serve and the
// client commands.
type Config struct {
	Name             string
	ListenAddr       string
	AdminAddr        string
	Transport        transport.Kind
	WebSocketPath    string
	MaxFrameSize     uint32
	ByteOrder        string
	ReadBufferSize   int
	Token            string
	RequireHandshake bool
	CorsOrigins      []string
	Session          session.Config
	Forward          ForwardConfig
}

// ForwardConfig turns CmdData into a tunnel to Host:<handshake port>.
type ForwardConfig struct {
	Enabled     bool
	Host        string
	MaxStreams  int
	DialTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Name:             "framewire",
		ListenAddr:       ":7420",
		AdminAddr:        ":7421",
		Transport:        transport.KindTCP,
		WebSocketPath:    transport.DefaultWebSocketPath,
		MaxFrameSize:     frame.DefaultMaxFrameSize,
		ByteOrder:        "big",
		ReadBufferSize:   stream.DefaultReadBufferSize,
		RequireHandshake: true,
		Session:          session.DefaultConfig(),
		Forward: ForwardConfig{
			Host:        "127.0.0.1",
			DialTimeout: 5 * time.Second,
		},
	}
}

type fileConfig struct {
	Name              string      `toml:"name"`
	ListenAddr        string      `toml:"listen_addr"`
	AdminAddr         string      `toml:"admin_addr"`
	Transport         string      `toml:"transport"`
	WebSocketPath     string      `toml:"websocket_path"`
	MaxFrameSize      int64       `toml:"max_frame_size"`
	ByteOrder         string      `toml:"byte_order"`
	ReadBufferSize    int         `toml:"read_buffer_size"`
	Token             string      `toml:"token"`
	RequireHandshake  bool        `toml:"require_handshake"`
	CorsOrigins       []string    `toml:"cors_origins"`
	SecurityMode      string      `toml:"security_mode"`
	ConnectTimeout    string      `toml:"connect_timeout"`
	HandshakeTimeout  string      `toml:"handshake_timeout"`
	ReadTimeout       string      `toml:"read_timeout"`
	WriteTimeout      string      `toml:"write_timeout"`
	HeartbeatInterval string      `toml:"heartbeat_interval"`
	MaxAttempts       int         `toml:"max_connect_attempts"`
	TLS               tlsFile     `toml:"tls"`
	Backoff           backoffFile `toml:"backoff"`
	Forward           forwardFile `toml:"forward"`
}

type forwardFile struct {
	Enabled     bool   `toml:"enabled"`
	Host        string `toml:"host"`
	MaxStreams  int    `toml:"max_streams"`
	DialTimeout string `toml:"dial_timeout"`
}

type tlsFile struct {
	Enabled            bool   `toml:"enabled"`
	Mutual             bool   `toml:"mutual"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	CAFile             string `toml:"ca_file"`
	ServerName         string `toml:"server_name"`
}

type backoffFile struct {
	InitialDelay string  `toml:"initial_delay"`
	Multiplier   float64 `toml:"multiplier"`
	MaxDelay     string  `toml:"max_delay"`
	Jitter       bool    `toml:"jitter"`
}

// Load decodes path onto DefaultConfig. Keys absent from the file keep their
// defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("%w: unknown key %q", ErrInvalidConfig, undecoded[0].String())
	}

	setString := func(key string, dst *string, v string) {
		if meta.IsDefined(key) {
			*dst = strings.TrimSpace(v)
		}
	}
	setString("name", &cfg.Name, raw.Name)
	setString("listen_addr", &cfg.ListenAddr, raw.ListenAddr)
	setString("admin_addr", &cfg.AdminAddr, raw.AdminAddr)
	setString("websocket_path", &cfg.WebSocketPath, raw.WebSocketPath)
	setString("byte_order", &cfg.ByteOrder, raw.ByteOrder)
	setString("token", &cfg.Token, raw.Token)

	if meta.IsDefined("transport") {
		kind, err := transport.ParseKind(raw.Transport)
		if err != nil {
			return Config{}, err
		}
		cfg.Transport = kind
	}
	if meta.IsDefined("max_frame_size") {
		if raw.MaxFrameSize <= 0 || raw.MaxFrameSize > int64(^uint32(0)) {
			return Config{}, fmt.Errorf("%w: max_frame_size=%d", ErrInvalidConfig, raw.MaxFrameSize)
		}
		cfg.MaxFrameSize = uint32(raw.MaxFrameSize)
	}
	if meta.IsDefined("read_buffer_size") {
		cfg.ReadBufferSize = raw.ReadBufferSize
	}
	if meta.IsDefined("require_handshake") {
		cfg.RequireHandshake = raw.RequireHandshake
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = normalizeList(raw.CorsOrigins)
	}
	if meta.IsDefined("security_mode") {
		cfg.Session.SecurityMode = session.SecurityMode(raw.SecurityMode)
	}
	if meta.IsDefined("max_connect_attempts") {
		cfg.Session.MaxConnectAttempts = raw.MaxAttempts
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"connect_timeout", raw.ConnectTimeout, &cfg.Session.ConnectTimeout},
		{"handshake_timeout", raw.HandshakeTimeout, &cfg.Session.HandshakeTimeout},
		{"read_timeout", raw.ReadTimeout, &cfg.Session.ReadTimeout},
		{"write_timeout", raw.WriteTimeout, &cfg.Session.WriteTimeout},
		{"heartbeat_interval", raw.HeartbeatInterval, &cfg.Session.HeartbeatInterval},
		{"backoff.initial_delay", raw.Backoff.InitialDelay, &cfg.Session.Backoff.InitialDelay},
		{"backoff.max_delay", raw.Backoff.MaxDelay, &cfg.Session.Backoff.MaxDelay},
		{"forward.dial_timeout", raw.Forward.DialTimeout, &cfg.Forward.DialTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined(strings.Split(d.key, ".")...) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}
	if meta.IsDefined("backoff", "multiplier") {
		cfg.Session.Backoff.Multiplier = raw.Backoff.Multiplier
	}
	if meta.IsDefined("backoff", "jitter") {
		cfg.Session.Backoff.Jitter = raw.Backoff.Jitter
	}

	if meta.IsDefined("forward", "enabled") {
		cfg.Forward.Enabled = raw.Forward.Enabled
	}
	if meta.IsDefined("forward", "host") {
		cfg.Forward.Host = strings.TrimSpace(raw.Forward.Host)
	}
	if meta.IsDefined("forward", "max_streams") {
		cfg.Forward.MaxStreams = raw.Forward.MaxStreams
	}

	if meta.IsDefined("tls") {
		cfg.Session.TLS = session.TLSConfig{
			Enabled:            raw.TLS.Enabled,
			Mutual:             raw.TLS.Mutual,
			InsecureSkipVerify: raw.TLS.InsecureSkipVerify,
			CertFile:           strings.TrimSpace(raw.TLS.CertFile),
			KeyFile:            strings.TrimSpace(raw.TLS.KeyFile),
			CAFile:             strings.TrimSpace(raw.TLS.CAFile),
			ServerName:         strings.TrimSpace(raw.TLS.ServerName),
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.ListenAddr) == "" {
		return fmt.Errorf("%w: missing listen_addr", ErrInvalidConfig)
	}
	if _, err := transport.ParseKind(string(c.Transport)); err != nil {
		return err
	}
	if c.MaxFrameSize == 0 {
		return fmt.Errorf("%w: max_frame_size must be positive", ErrInvalidConfig)
	}
	if _, err := frame.ParseByteOrder(c.ByteOrder); err != nil {
		return err
	}
	if c.ReadBufferSize < 0 {
		return fmt.Errorf("%w: read_buffer_size=%d", ErrInvalidConfig, c.ReadBufferSize)
	}
	if c.Transport == transport.KindWebSocket && !strings.HasPrefix(c.WebSocketPath, "/") {
		return fmt.Errorf("%w: websocket_path must start with /", ErrInvalidConfig)
	}
	if c.Forward.MaxStreams < 0 {
		return fmt.Errorf("%w: forward.max_streams=%d", ErrInvalidConfig, c.Forward.MaxStreams)
	}
	if c.Forward.Enabled && strings.TrimSpace(c.Forward.Host) == "" {
		return fmt.Errorf("%w: forward.host required when forwarding", ErrInvalidConfig)
	}
	if c.Session.Backoff.Multiplier != 0 && c.Session.Backoff.Multiplier < 1 {
		return fmt.Errorf("%w: backoff.multiplier must be >= 1", ErrInvalidConfig)
	}
	return nil
}

// FrameOptions projects the codec settings. Validate has already accepted
// ByteOrder, so a parse failure falls back to big endian.
func (c Config) FrameOptions() frame.Options {
	order, err := frame.ParseByteOrder(c.ByteOrder)
	if err != nil {
		order = frame.DefaultOptions().ByteOrder
	}
	return frame.Options{MaxFrameSize: c.MaxFrameSize, ByteOrder: order}
}

func (c Config) StreamOptions(obs stream.Observer) stream.Options {
	return stream.Options{
		Frame:          c.FrameOptions(),
		ReadBufferSize: c.ReadBufferSize,
		Observer:       obs,
	}
}

func (c Config) SessionConfig() session.Config {
	return c.Session.WithDefaults()
}

// TransportConfig targets addr, or ListenAddr when addr is blank.
func (c Config) TransportConfig(addr string) transport.Config {
	if strings.TrimSpace(addr) == "" {
		addr = c.ListenAddr
	}
	return transport.Config{
		Kind:    c.Transport,
		Addr:    addr,
		Path:    c.WebSocketPath,
		Session: c.SessionConfig(),
	}
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
