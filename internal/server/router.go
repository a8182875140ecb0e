package server

import (
	"context"
	"fmt"
	"sync"

	"github.com/danmuck/framewire/internal/protocol"
	"github.com/danmuck/framewire/internal/protocol/frame"
	"github.com/danmuck/framewire/internal/protocol/schema"
)

// Request is one inbound frame and the connection it arrived on.
type Request struct {
	ConnID    string
	Remote    string
	Handshake protocol.Handshake
	Frame     frame.Frame

	ctx context.Context
}

// Context is cancelled when the connection ends.
func (r *Request) Context() context.Context {
	if r.ctx != nil {
		return r.ctx
	}
	return context.Background()
}

// ResponseWriter sends frames back on the requesting connection. Send is safe
// for concurrent use and may be retained until the request context is done.
type ResponseWriter interface {
	Send(f frame.Frame) error
	// Close ends the connection once the current handler returns.
	Close()
}

// Handler serves one frame. A returned error is reported to the peer as a
// CmdError frame and the connection continues.
type Handler interface {
	ServeFrame(w ResponseWriter, r *Request) error
}

type HandlerFunc func(w ResponseWriter, r *Request) error

func (f HandlerFunc) ServeFrame(w ResponseWriter, r *Request) error {
	return f(w, r)
}

// Router dispatches frames by command id.
type Router struct {
	mu       sync.RWMutex
	routes   map[uint16]Handler
	notFound Handler
}

// NewRouter returns a router answering CmdPing with CmdPong and ending the
// connection on CmdClose.
func NewRouter() *Router {
	r := &Router{routes: make(map[uint16]Handler)}
	r.HandleFunc(schema.CmdPing, func(w ResponseWriter, req *Request) error {
		return w.Send(protocol.PongFrame(req.Frame))
	})
	r.HandleFunc(schema.CmdClose, func(w ResponseWriter, _ *Request) error {
		w.Close()
		return nil
	})
	return r
}

func (r *Router) Handle(cmd uint16, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h == nil {
		delete(r.routes, cmd)
		return
	}
	r.routes[cmd] = h
}

func (r *Router) HandleFunc(cmd uint16, fn func(ResponseWriter, *Request) error) {
	r.Handle(cmd, HandlerFunc(fn))
}

// NotFound replaces the unsupported-command reply.
func (r *Router) NotFound(h Handler) {
	r.mu.Lock()
	r.notFound = h
	r.mu.Unlock()
}

func (r *Router) ServeFrame(w ResponseWriter, req *Request) error {
	r.mu.RLock()
	h, ok := r.routes[req.Frame.Command]
	fallback := r.notFound
	r.mu.RUnlock()
	if ok {
		return h.ServeFrame(w, req)
	}
	if fallback != nil {
		return fallback.ServeFrame(w, req)
	}
	return fmt.Errorf("%w: %s", protocol.ErrUnsupportedCommand, schema.CommandName(req.Frame.Command))
}

// Echo answers every frame with a copy of itself.
func Echo() Handler {
	return HandlerFunc(func(w ResponseWriter, r *Request) error {
		return w.Send(r.Frame)
	})
}
