// Package client dials a framewire server, runs the session handshake and
// exposes the connection as a frame request/response API.
package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/framewire/internal/protocol"
	"github.com/danmuck/framewire/internal/protocol/frame"
	"github.com/danmuck/framewire/internal/protocol/schema"
	"github.com/danmuck/framewire/internal/protocol/session"
	"github.com/danmuck/framewire/internal/protocol/stream"
	"github.com/danmuck/framewire/internal/transport"
	"github.com/rs/zerolog/log"
)

var (
	ErrAddressRequired = errors.New("client: address required")
	ErrConnClosed      = errors.New("client: connection closed")
	ErrUnexpectedReply = errors.New("client: unexpected reply")
)

type Config struct {
	Transport transport.Config
	Stream    stream.Options
	Domain    string
	Port      uint16
	Token     string
	// SkipHandshake talks raw frames to servers that do not require one.
	SkipHandshake bool
}

func DefaultConfig() Config {
	return Config{
		Transport: transport.Config{Kind: transport.KindTCP, Session: session.DefaultConfig()},
		Stream:    stream.DefaultOptions(),
		Domain:    "localhost",
		Port:      1,
	}
}

type Client struct {
	cfg Config
	rng *rand.Rand
}

func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Transport.Addr) == "" {
		return nil, ErrAddressRequired
	}
	cfg.Transport.Session = cfg.Transport.Session.WithDefaults()
	return &Client{
		cfg: cfg,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Connect dials with backoff until the handshake succeeds, the attempt budget
// runs out, or the server rejects the handshake.
func (c *Client) Connect(ctx context.Context) (*Conn, error) {
	var attempt int
	for {
		attempt++
		raw, err := transport.Dial(ctx, c.cfg.Transport)
		if err != nil {
			log.Warn().Err(err).Int("attempt", attempt).Str("addr", c.cfg.Transport.Addr).Msg("client.Connect dial failed")
			if !c.shouldRetry(attempt) {
				return nil, err
			}
			if err := session.SleepBackoff(ctx, c.cfg.Transport.Session.Backoff, attempt, c.rng); err != nil {
				return nil, err
			}
			continue
		}

		conn, err := c.open(raw)
		if err == nil {
			return conn, nil
		}
		_ = raw.Close()
		if errors.Is(err, session.ErrHandshakeRejected) || !c.shouldRetry(attempt) {
			return nil, err
		}
		if err := session.SleepBackoff(ctx, c.cfg.Transport.Session.Backoff, attempt, c.rng); err != nil {
			return nil, err
		}
	}
}

func (c *Client) shouldRetry(attempt int) bool {
	max := c.cfg.Transport.Session.MaxConnectAttempts
	if max <= 0 {
		return true
	}
	return attempt < max
}

func (c *Client) open(raw net.Conn) (*Conn, error) {
	cfg := c.cfg.Transport.Session
	st := stream.NewConn(raw, c.cfg.Stream)
	conn := &Conn{conn: raw, st: st, cfg: cfg}
	if c.cfg.SkipHandshake {
		return conn, nil
	}

	_ = raw.SetDeadline(time.Now().Add(cfg.HandshakeTimeout))
	ack, err := session.ClientHandshake(st, protocol.Handshake{
		Version: schema.Version,
		Domain:  c.cfg.Domain,
		Port:    c.cfg.Port,
		Token:   c.cfg.Token,
	})
	if err != nil {
		return nil, err
	}
	_ = raw.SetDeadline(time.Time{})
	conn.ack = ack
	log.Info().Str("conn_id", ack.ConnID).Str("addr", c.cfg.Transport.Addr).Msg("client.Connect established")
	return conn, nil
}

// Conn is one established session. Send is safe for concurrent use; Recv and
// Request must be driven by one reader at a time.
type Conn struct {
	conn   net.Conn
	st     *stream.Stream
	cfg    session.Config
	ack    protocol.Handshake
	mu     sync.Mutex
	closed atomic.Bool
}

// ID returns the server-assigned connection id, empty without a handshake.
func (c *Conn) ID() string {
	return c.ack.ConnID
}

func (c *Conn) Handshake() protocol.Handshake {
	return c.ack
}

func (c *Conn) Stats() stream.Stats {
	return c.st.Stats()
}

func (c *Conn) Send(ctx context.Context, f frame.Frame) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	if err := c.setWriteDeadline(ctx); err != nil {
		return err
	}
	return c.st.Send(f)
}

func (c *Conn) Recv(ctx context.Context) (frame.Frame, error) {
	if c.closed.Load() {
		return frame.Frame{}, ErrConnClosed
	}
	if err := c.setReadDeadline(ctx); err != nil {
		return frame.Frame{}, err
	}
	return c.st.Next()
}

// Request sends f and returns the next inbound frame. A CmdError reply is
// returned alongside its decoded Fault.
func (c *Conn) Request(ctx context.Context, f frame.Frame) (frame.Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.Send(ctx, f); err != nil {
		return frame.Frame{}, err
	}
	reply, err := c.Recv(ctx)
	if err != nil {
		return frame.Frame{}, err
	}
	if reply.Command == schema.CmdError {
		fault, derr := protocol.DecodeFault(reply)
		if derr != nil {
			return reply, derr
		}
		return reply, fault
	}
	return reply, nil
}

// Ping measures one CmdPing/CmdPong round trip. Pongs answering other pings,
// such as those sent by KeepAlive, are skipped until the matching one arrives.
func (c *Conn) Ping(ctx context.Context) (time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	start := time.Now()
	if err := c.Send(ctx, protocol.PingFrame(start)); err != nil {
		return 0, err
	}
	want := time.Unix(0, start.UnixNano())
	for {
		reply, err := c.Recv(ctx)
		if err != nil {
			return 0, err
		}
		switch reply.Command {
		case schema.CmdPong:
		case schema.CmdError:
			fault, derr := protocol.DecodeFault(reply)
			if derr != nil {
				return 0, derr
			}
			return 0, fault
		default:
			return 0, fmt.Errorf("%w: %s", ErrUnexpectedReply, schema.CommandName(reply.Command))
		}
		sent, err := protocol.DecodeHeartbeat(reply)
		if err != nil {
			return 0, err
		}
		if sent.Equal(want) {
			return time.Since(start), nil
		}
		log.Debug().Time("sent", sent).Msg("client.Conn.Ping skipped stale pong")
	}
}

// KeepAlive sends heartbeats until ctx is done. Pongs arrive through Recv.
func (c *Conn) KeepAlive(ctx context.Context) error {
	return session.Heartbeat(ctx, c.cfg.HeartbeatInterval, func(f frame.Frame) error {
		return c.Send(ctx, f)
	})
}

// Close sends CmdClose best effort and closes the transport. Repeated calls
// return nil.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := c.st.Send(protocol.CloseFrame()); err != nil {
		log.Debug().Err(err).Msg("client.Conn close frame not sent")
	}
	return c.conn.Close()
}

func (c *Conn) setWriteDeadline(ctx context.Context) error {
	deadline := time.Now().Add(c.cfg.WriteTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	return c.conn.SetWriteDeadline(deadline)
}

func (c *Conn) setReadDeadline(ctx context.Context) error {
	deadline := time.Now().Add(c.cfg.ReadTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	return c.conn.SetReadDeadline(deadline)
}
