package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// wsReadLimit caps one websocket message. Frame sizes are enforced by the
// decoder; a message can carry a whole batch of frames.
const wsReadLimit int64 = 1 << 32

// wsListener serves the upgrade endpoint on base and hands each upgraded
// connection to Accept as a binary net.Conn.
type wsListener struct {
	base   net.Listener
	srv    *http.Server
	conns  chan net.Conn
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

func newWSListener(base net.Listener, path string) *wsListener {
	ctx, cancel := context.WithCancel(context.Background())
	l := &wsListener{
		base:   base,
		conns:  make(chan net.Conn),
		ctx:    ctx,
		cancel: cancel,
	}
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.GET(path, l.upgrade)
	l.srv = &http.Server{Handler: engine}
	go func() {
		if err := l.srv.Serve(base); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn().Err(err).Msg("transport.wsListener serve failed")
		}
		_ = l.Close()
	}()
	return l
}

func (l *wsListener) upgrade(c *gin.Context) {
	ws, err := websocket.Accept(c.Writer, c.Request, nil)
	if err != nil {
		log.Debug().Err(err).Str("remote", c.Request.RemoteAddr).Msg("transport.wsListener upgrade failed")
		return
	}
	ws.SetReadLimit(wsReadLimit)
	conn := newWSConn(l.ctx, ws)
	select {
	case l.conns <- conn:
	case <-l.ctx.Done():
		_ = ws.Close(websocket.StatusGoingAway, "listener closed")
		return
	}
	// Hold the handler until the connection is done with.
	select {
	case <-conn.done:
	case <-l.ctx.Done():
	}
}

func (l *wsListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.ctx.Done():
		return nil, net.ErrClosed
	}
}

func (l *wsListener) Close() error {
	var err error
	l.once.Do(func() {
		l.cancel()
		err = l.srv.Close()
	})
	return err
}

func (l *wsListener) Addr() net.Addr {
	return l.base.Addr()
}

// wsConn reports closure so the upgrade handler can return.
type wsConn struct {
	net.Conn
	done chan struct{}
	once sync.Once
}

func newWSConn(ctx context.Context, ws *websocket.Conn) *wsConn {
	return &wsConn{
		Conn: websocket.NetConn(ctx, ws, websocket.MessageBinary),
		done: make(chan struct{}),
	}
}

func (c *wsConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(func() { close(c.done) })
	return err
}

// dialWS upgrades to cfg.Path. connCtx bounds the connection lifetime and
// dialCtx only the handshake.
func dialWS(connCtx, dialCtx context.Context, cfg Config) (net.Conn, error) {
	scheme := "ws"
	opts := &websocket.DialOptions{}
	if cfg.Session.TLS.Enabled {
		tlsCfg, err := cfg.Session.ClientTLSConfig(cfg.Addr)
		if err != nil {
			return nil, err
		}
		scheme = "wss"
		opts.HTTPClient = &http.Client{Transport: &http.Transport{TLSClientConfig: tlsCfg}}
	} else if err := cfg.Session.ValidateClientTransport(); err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s://%s%s", scheme, cfg.Addr, cfg.Path)
	ws, _, err := websocket.Dial(dialCtx, url, opts)
	if err != nil {
		return nil, err
	}
	ws.SetReadLimit(wsReadLimit)
	return newWSConn(connCtx, ws), nil
}

