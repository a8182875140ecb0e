package transport

import (
	"errors"
	"net"
	"sync"

	"github.com/hashicorp/yamux"
	"github.com/rs/zerolog/log"
)

// muxListener accepts raw connections, runs a yamux server session on each
// and surfaces every inbound stream as its own net.Conn.
type muxListener struct {
	base    net.Listener
	streams chan net.Conn
	done    chan struct{}

	mu       sync.Mutex
	sessions map[*yamux.Session]struct{}
	closed   bool
	once     sync.Once
}

func newMuxListener(base net.Listener) *muxListener {
	l := &muxListener{
		base:     base,
		streams:  make(chan net.Conn),
		done:     make(chan struct{}),
		sessions: make(map[*yamux.Session]struct{}),
	}
	go l.acceptLoop()
	return l
}

func muxConfig() *yamux.Config {
	cfg := yamux.DefaultConfig()
	cfg.LogOutput = nil
	cfg.Logger = muxLogger{}
	return cfg
}

func (l *muxListener) acceptLoop() {
	for {
		raw, err := l.base.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				log.Warn().Err(err).Msg("transport.muxListener accept failed")
			}
			_ = l.Close()
			return
		}
		sess, err := yamux.Server(raw, muxConfig())
		if err != nil {
			log.Warn().Err(err).Str("remote", raw.RemoteAddr().String()).Msg("transport.muxListener session failed")
			_ = raw.Close()
			continue
		}
		if !l.track(sess) {
			_ = sess.Close()
			return
		}
		go l.serveSession(sess)
	}
}

func (l *muxListener) serveSession(sess *yamux.Session) {
	defer l.untrack(sess)
	for {
		st, err := sess.AcceptStream()
		if err != nil {
			return
		}
		select {
		case l.streams <- st:
		case <-l.done:
			_ = st.Close()
			return
		}
	}
}

func (l *muxListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.streams:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *muxListener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		err = l.base.Close()
		l.mu.Lock()
		l.closed = true
		for sess := range l.sessions {
			_ = sess.Close()
		}
		clear(l.sessions)
		l.mu.Unlock()
	})
	return err
}

func (l *muxListener) Addr() net.Addr {
	return l.base.Addr()
}

func (l *muxListener) track(sess *yamux.Session) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.sessions[sess] = struct{}{}
	return true
}

func (l *muxListener) untrack(sess *yamux.Session) {
	l.mu.Lock()
	delete(l.sessions, sess)
	l.mu.Unlock()
	_ = sess.Close()
}

// muxConn is a client stream that owns its session.
type muxConn struct {
	*yamux.Stream
	sess *yamux.Session
}

func openMuxConn(raw net.Conn) (net.Conn, error) {
	sess, err := yamux.Client(raw, muxConfig())
	if err != nil {
		_ = raw.Close()
		return nil, err
	}
	st, err := sess.OpenStream()
	if err != nil {
		_ = sess.Close()
		return nil, err
	}
	return &muxConn{Stream: st, sess: sess}, nil
}

func (c *muxConn) Close() error {
	err := c.Stream.Close()
	if serr := c.sess.Close(); err == nil {
		err = serr
	}
	return err
}

// muxLogger routes yamux diagnostics through zerolog.
type muxLogger struct{}

func (muxLogger) Print(v ...any) {
	log.Debug().Msgf("transport.yamux %v", v)
}

func (muxLogger) Printf(format string, v ...any) {
	log.Debug().Msgf("transport.yamux "+format, v...)
}

func (muxLogger) Println(v ...any) {
	log.Debug().Msgf("transport.yamux %v", v)
}
