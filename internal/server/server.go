// Package server accepts frame connections and dispatches inbound frames to a
// Router.
package server

import (
	"context"
	"errors"
	"io"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/framewire/internal/auth"
	"github.com/danmuck/framewire/internal/observability"
	"github.com/danmuck/framewire/internal/protocol"
	"github.com/danmuck/framewire/internal/protocol/frame"
	"github.com/danmuck/framewire/internal/protocol/schema"
	"github.com/danmuck/framewire/internal/protocol/session"
	"github.com/danmuck/framewire/internal/protocol/stream"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type Options struct {
	Node             string
	Stream           stream.Options
	Session          session.Config
	Validator        auth.Validator
	RequireHandshake bool
	Router           *Router
}

func DefaultOptions() Options {
	return Options{
		Node:             "framewire",
		Stream:           stream.DefaultOptions(),
		Session:          session.DefaultConfig(),
		RequireHandshake: true,
	}
}

// ConnInfo describes one open connection for the admin surface.
type ConnInfo struct {
	ID        string       `json:"id"`
	Remote    string       `json:"remote"`
	Domain    string       `json:"domain,omitempty"`
	Port      uint16       `json:"port,omitempty"`
	Connected time.Time    `json:"connected"`
	Stats     stream.Stats `json:"stats"`
}

type connState struct {
	conn      net.Conn
	st        *stream.Stream
	id        string
	hs        protocol.Handshake
	connected time.Time
}

type Server struct {
	opts   Options
	router *Router

	ready   atomic.Bool
	connsMu sync.Mutex
	conns   map[net.Conn]*connState
	wg      sync.WaitGroup
}

func New(opts Options) *Server {
	if opts.Node == "" {
		opts.Node = "framewire"
	}
	opts.Session = opts.Session.WithDefaults()
	if opts.Validator == nil {
		opts.Validator = auth.AllowAll{}
	}
	if opts.Stream.Observer == nil {
		opts.Stream.Observer = observability.StreamObserver{Node: opts.Node}
	}
	router := opts.Router
	if router == nil {
		router = NewRouter()
	}
	return &Server{
		opts:   opts,
		router: router,
		conns:  make(map[net.Conn]*connState),
	}
}

func (s *Server) Router() *Router {
	return s.router
}

// Ready reports whether Serve is accepting connections.
func (s *Server) Ready() bool {
	return s.ready.Load()
}

// Serve accepts connections until ctx is done or ln fails. Open connections
// are closed on shutdown and Serve waits for their handlers to return.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
		}
		s.ready.Store(false)
		_ = ln.Close()
		s.closeAllConns()
	}()

	s.ready.Store(true)
	log.Info().Str("node", s.opts.Node).Str("addr", ln.Addr().String()).Msg("server.Serve listening")
	defer s.wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.ready.Store(false)
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// Snapshot lists open connections ordered by connect time. Connections still
// in the handshake have an empty ID.
func (s *Server) Snapshot() []ConnInfo {
	s.connsMu.Lock()
	out := make([]ConnInfo, 0, len(s.conns))
	for _, cs := range s.conns {
		out = append(out, ConnInfo{
			ID:        cs.id,
			Remote:    cs.conn.RemoteAddr().String(),
			Domain:    cs.hs.Domain,
			Port:      cs.hs.Port,
			Connected: cs.connected,
			Stats:     cs.st.Stats(),
		})
	}
	s.connsMu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Connected.Before(out[j].Connected) })
	return out
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	remote := conn.RemoteAddr().String()
	st := stream.NewConn(conn, s.opts.Stream)

	cs := &connState{conn: conn, st: st, connected: time.Now()}
	if !s.trackConn(cs) {
		return
	}
	defer s.untrackConn(conn)

	id, hs := uuid.NewString(), protocol.Handshake{}
	if s.opts.RequireHandshake {
		_ = conn.SetDeadline(time.Now().Add(s.opts.Session.HandshakeTimeout))
		var err error
		hs, err = session.ServerHandshake(st, s.opts.Validator)
		if err != nil {
			log.Warn().Err(err).Str("remote", remote).Msg("server.handleConn handshake failed")
			return
		}
		_ = conn.SetDeadline(time.Time{})
		id = hs.ConnID
	}
	s.connsMu.Lock()
	cs.id, cs.hs = id, hs
	s.connsMu.Unlock()

	observability.ConnectionOpened(s.opts.Node)
	defer observability.ConnectionClosed(s.opts.Node)
	log.Info().Str("conn_id", id).Str("remote", remote).Str("domain", hs.Domain).Msg("server.handleConn connected")

	w := &responseWriter{conn: conn, st: st, timeout: s.opts.Session.WriteTimeout}
	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.opts.Session.ReadTimeout))
		f, err := st.Next()
		if err != nil {
			s.logReadEnd(id, st, err)
			return
		}
		req := &Request{ConnID: id, Remote: remote, Handshake: hs, Frame: f, ctx: ctx}
		start := time.Now()
		herr := s.router.ServeFrame(w, req)
		observability.RecordHandle(s.opts.Node, schema.CommandName(f.Command), time.Since(start))
		if herr != nil {
			log.Debug().Err(herr).Str("conn_id", id).Str("command", schema.CommandName(f.Command)).Msg("server.handleConn handler error")
			if err := w.Send(protocol.FaultFromError(herr).Frame()); err != nil {
				log.Warn().Err(err).Str("conn_id", id).Msg("server.handleConn write fault failed")
				return
			}
		}
		if w.closing {
			log.Info().Str("conn_id", id).Msg("server.handleConn close requested")
			return
		}
	}
}

func (s *Server) logReadEnd(id string, st *stream.Stream, err error) {
	ev := log.Info()
	msg := "server.handleConn disconnected"
	var nerr net.Error
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
	case frame.IsTerminal(err):
		ev = log.Warn().Err(err)
		msg = "server.handleConn codec error"
	case errors.As(err, &nerr) && nerr.Timeout():
		ev = log.Warn().Err(err)
		msg = "server.handleConn read timeout"
	default:
		ev = log.Warn().Err(err)
		msg = "server.handleConn read failed"
	}
	ev.Str("conn_id", id).Interface("stats", st.Stats()).Msg(msg)
}

func (s *Server) trackConn(cs *connState) bool {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	if !s.ready.Load() {
		return false
	}
	s.conns[cs.conn] = cs
	return true
}

func (s *Server) untrackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, conn)
}

func (s *Server) closeAllConns() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
		delete(s.conns, conn)
	}
}

type responseWriter struct {
	conn    net.Conn
	st      *stream.Stream
	timeout time.Duration
	closing bool
}

func (w *responseWriter) Send(f frame.Frame) error {
	_ = w.conn.SetWriteDeadline(time.Now().Add(w.timeout))
	return w.st.Send(f)
}

func (w *responseWriter) Close() {
	w.closing = true
}
