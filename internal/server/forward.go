package server

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/danmuck/framewire/internal/observability"
	"github.com/danmuck/framewire/internal/protocol"
	"github.com/rs/zerolog/log"
)

const (
	DefaultForwardHost      = "127.0.0.1"
	DefaultForwardChunkSize = 32 * 1024
)

type ForwardOptions struct {
	Node string
	// Host is dialed with the port announced in the handshake.
	Host string
	// MaxStreams caps concurrently forwarded connections; zero is unlimited.
	MaxStreams  int
	DialTimeout time.Duration
	// ChunkSize bounds the payload of each CmdData frame read from the local
	// side. It must not exceed the frame size limit.
	ChunkSize int
}

func DefaultForwardOptions() ForwardOptions {
	return ForwardOptions{
		Node:        "framewire",
		Host:        DefaultForwardHost,
		DialTimeout: 5 * time.Second,
		ChunkSize:   DefaultForwardChunkSize,
	}
}

type forwardStream struct {
	local net.Conn
	port  uint16
}

// Forwarder is a CmdData handler that tunnels each connection to
// Host:<handshake port>. The first CmdData frame, empty or not, dials the
// local side; later payloads are written to it and everything read back is
// sent to the peer as CmdData. When the local side ends first the peer gets
// CmdClose. The local connection is closed when the frame connection ends.
type Forwarder struct {
	opts ForwardOptions

	mu      sync.Mutex
	streams map[string]*forwardStream
}

func NewForwarder(opts ForwardOptions) *Forwarder {
	def := DefaultForwardOptions()
	if opts.Node == "" {
		opts.Node = def.Node
	}
	if opts.Host == "" {
		opts.Host = def.Host
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = def.DialTimeout
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = def.ChunkSize
	}
	return &Forwarder{opts: opts, streams: make(map[string]*forwardStream)}
}

// Active returns the number of connections currently forwarded.
func (fw *Forwarder) Active() int {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return len(fw.streams)
}

func (fw *Forwarder) ServeFrame(w ResponseWriter, r *Request) error {
	fs, err := fw.open(w, r)
	if err != nil {
		return err
	}
	if len(r.Frame.Payload) == 0 {
		return nil
	}
	if _, err := fs.local.Write(r.Frame.Payload); err != nil {
		_ = fs.local.Close()
		return fmt.Errorf("%w: write to local port %d: %v", protocol.ErrUnavailable, fs.port, err)
	}
	return nil
}

// open returns the connection's local stream, dialing it on first use. Frames
// of one connection are served in order, so only the stream limit is shared.
func (fw *Forwarder) open(w ResponseWriter, r *Request) (*forwardStream, error) {
	fw.mu.Lock()
	if fs, ok := fw.streams[r.ConnID]; ok {
		fw.mu.Unlock()
		return fs, nil
	}
	port := r.Handshake.Port
	if port == 0 {
		fw.mu.Unlock()
		return nil, fmt.Errorf("%w: no forward port announced", protocol.ErrInvalidHandshake)
	}
	if max := fw.opts.MaxStreams; max > 0 && len(fw.streams) >= max {
		fw.mu.Unlock()
		observability.ForwardRejected(fw.opts.Node, "limit")
		return nil, fmt.Errorf("%w: %d forwarded streams active", protocol.ErrUnavailable, max)
	}
	fs := &forwardStream{port: port}
	fw.streams[r.ConnID] = fs
	fw.mu.Unlock()

	addr := net.JoinHostPort(fw.opts.Host, strconv.Itoa(int(port)))
	dialer := net.Dialer{Timeout: fw.opts.DialTimeout}
	local, err := dialer.DialContext(r.Context(), "tcp", addr)
	if err != nil {
		fw.release(r.ConnID, fs)
		observability.ForwardRejected(fw.opts.Node, "dial")
		return nil, fmt.Errorf("%w: dial %s: %v", protocol.ErrUnavailable, addr, err)
	}
	fs.local = local

	observability.ForwardOpened(fw.opts.Node)
	log.Info().Str("conn_id", r.ConnID).Str("domain", r.Handshake.Domain).Str("local", addr).Msg("server.Forwarder opened")
	go fw.pump(w, r, fs)
	return fs, nil
}

// pump copies the local side to the peer until either end closes.
func (fw *Forwarder) pump(w ResponseWriter, r *Request, fs *forwardStream) {
	ctx := r.Context()
	stop := context.AfterFunc(ctx, func() { _ = fs.local.Close() })
	defer func() {
		stop()
		_ = fs.local.Close()
		fw.release(r.ConnID, fs)
		observability.ForwardClosed(fw.opts.Node)
		log.Info().Str("conn_id", r.ConnID).Msg("server.Forwarder closed")
	}()

	buf := make([]byte, fw.opts.ChunkSize)
	for {
		n, err := fs.local.Read(buf)
		if n > 0 {
			if serr := w.Send(protocol.DataFrame(buf[:n])); serr != nil {
				log.Debug().Err(serr).Str("conn_id", r.ConnID).Msg("server.Forwarder send to peer failed")
				return
			}
		}
		if err != nil {
			if ctx.Err() == nil {
				if serr := w.Send(protocol.CloseFrame()); serr != nil {
					log.Debug().Err(serr).Str("conn_id", r.ConnID).Msg("server.Forwarder close not sent")
				}
			}
			return
		}
	}
}

func (fw *Forwarder) release(id string, fs *forwardStream) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if fw.streams[id] == fs {
		delete(fw.streams, id)
	}
}
