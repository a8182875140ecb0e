// Package transport opens the byte connections frame streams run over.
//
// Every kind yields plain net.Conn / net.Listener values so the stream and
// server layers stay transport agnostic:
// - tcp: raw sockets
// - tls: tcp wrapped with the session tls policy
// - yamux: one multiplexed stream per logical connection
// - websocket: binary messages over an http upgrade
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/danmuck/framewire/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

type Kind string

const (
	KindTCP       Kind = "tcp"
	KindTLS       Kind = "tls"
	KindYamux     Kind = "yamux"
	KindWebSocket Kind = "websocket"
)

const DefaultWebSocketPath = "/frames"

var (
	ErrUnknownKind = errors.New("transport: unknown kind")
	ErrMissingAddr = errors.New("transport: address required")
)

func ParseKind(raw string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "tcp":
		return KindTCP, nil
	case "tls":
		return KindTLS, nil
	case "yamux", "mux":
		return KindYamux, nil
	case "websocket", "ws":
		return KindWebSocket, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, raw)
	}
}

// Config selects a transport kind and the address it binds or dials.
// Session carries timeouts and tls material; yamux and websocket run over tls
// when Session.TLS.Enabled is set.
type Config struct {
	Kind    Kind
	Addr    string
	Path    string
	Session session.Config
}

func (c Config) withDefaults() Config {
	if c.Kind == "" {
		c.Kind = KindTCP
	}
	if strings.TrimSpace(c.Path) == "" {
		c.Path = DefaultWebSocketPath
	}
	c.Session = c.Session.WithDefaults()
	if c.Kind == KindTLS {
		c.Session.TLS.Enabled = true
	}
	return c
}

// Listen binds cfg.Addr. The listener is closed when ctx is done.
func Listen(ctx context.Context, cfg Config) (net.Listener, error) {
	cfg = cfg.withDefaults()
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, ErrMissingAddr
	}
	base, err := listenBase(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var ln net.Listener
	switch cfg.Kind {
	case KindTCP, KindTLS:
		ln = base
	case KindYamux:
		ln = newMuxListener(base)
	case KindWebSocket:
		ln = newWSListener(base, cfg.Path)
	default:
		_ = base.Close()
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, cfg.Kind)
	}
	log.Info().
		Str("kind", string(cfg.Kind)).
		Str("addr", ln.Addr().String()).
		Bool("tls", cfg.Session.TLS.Enabled).
		Msg("transport.Listen")

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	return ln, nil
}

// Dial connects to cfg.Addr with the configured kind.
func Dial(ctx context.Context, cfg Config) (net.Conn, error) {
	cfg = cfg.withDefaults()
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, ErrMissingAddr
	}
	dialCtx, cancel := context.WithTimeout(ctx, cfg.Session.ConnectTimeout)
	defer cancel()

	switch cfg.Kind {
	case KindTCP, KindTLS:
		return dialBase(dialCtx, cfg)
	case KindYamux:
		raw, err := dialBase(dialCtx, cfg)
		if err != nil {
			return nil, err
		}
		return openMuxConn(raw)
	case KindWebSocket:
		return dialWS(context.WithoutCancel(ctx), dialCtx, cfg)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, cfg.Kind)
	}
}

func listenBase(ctx context.Context, cfg Config) (net.Listener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", cfg.Addr)
	if err != nil {
		return nil, err
	}
	if !cfg.Session.TLS.Enabled {
		if err := cfg.Session.ValidateServerTransport(); err != nil {
			_ = ln.Close()
			return nil, err
		}
		return ln, nil
	}
	tlsCfg, err := cfg.Session.ServerTLSConfig()
	if err != nil {
		_ = ln.Close()
		return nil, err
	}
	return tls.NewListener(ln, tlsCfg), nil
}

func dialBase(ctx context.Context, cfg Config) (net.Conn, error) {
	if !cfg.Session.TLS.Enabled {
		if err := cfg.Session.ValidateClientTransport(); err != nil {
			return nil, err
		}
		var d net.Dialer
		return d.DialContext(ctx, "tcp", cfg.Addr)
	}
	tlsCfg, err := cfg.Session.ClientTLSConfig(cfg.Addr)
	if err != nil {
		return nil, err
	}
	d := tls.Dialer{Config: tlsCfg}
	conn, err := d.DialContext(ctx, "tcp", cfg.Addr)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
