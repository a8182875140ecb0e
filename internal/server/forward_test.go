package server

import (
	"errors"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/danmuck/framewire/internal/protocol"
	"github.com/danmuck/framewire/internal/protocol/frame"
	"github.com/danmuck/framewire/internal/protocol/schema"
	"github.com/danmuck/framewire/internal/protocol/session"
	"github.com/danmuck/framewire/internal/protocol/stream"
	"github.com/danmuck/framewire/internal/testutil/testlog"
)

// startBackend runs a local TCP service and returns its port.
func startBackend(t *testing.T, serve func(net.Conn)) uint16 {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("backend listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				serve(c)
			}()
		}
	}()
	return listenerPort(t, ln.Addr())
}

func listenerPort(t *testing.T, addr net.Addr) uint16 {
	t.Helper()
	_, raw, err := net.SplitHostPort(addr.String())
	if err != nil {
		t.Fatalf("split %s: %v", addr, err)
	}
	port, err := strconv.ParseUint(raw, 10, 16)
	if err != nil {
		t.Fatalf("parse port %q: %v", raw, err)
	}
	return uint16(port)
}

func startForwarding(t *testing.T, fw *Forwarder) *running {
	t.Helper()
	opts := DefaultOptions()
	opts.Router = NewRouter()
	opts.Router.Handle(schema.CmdData, fw)
	return startServer(t, opts)
}

func openTunnel(t *testing.T, addr string, port uint16) *stream.Stream {
	t.Helper()
	_, st := dialStream(t, addr)
	if _, err := session.ClientHandshake(st, protocol.Handshake{Domain: "app.test", Port: port}); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	return st
}

// readData collects CmdData payloads until want bytes have arrived.
func readData(t *testing.T, st *stream.Stream, want int) string {
	t.Helper()
	var got []byte
	for len(got) < want {
		f, err := st.Next()
		if err != nil {
			t.Fatalf("read data after %q: %v", got, err)
		}
		if f.Command != schema.CmdData {
			t.Fatalf("expected data frame, got %s payload=%q", schema.CommandName(f.Command), f.Payload)
		}
		got = append(got, f.Payload...)
	}
	return string(got)
}

func expectFault(t *testing.T, st *stream.Stream, target error) {
	t.Helper()
	f, err := st.Next()
	if err != nil {
		t.Fatalf("read fault: %v", err)
	}
	fault, err := protocol.DecodeFault(f)
	if err != nil {
		t.Fatalf("decode fault from %s: %v", schema.CommandName(f.Command), err)
	}
	if !errors.Is(fault, target) {
		t.Fatalf("expected %v, got %v", target, fault)
	}
}

func waitActive(t *testing.T, fw *Forwarder, want int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for fw.Active() != want {
		if time.Now().After(deadline) {
			t.Fatalf("active streams got=%d want=%d", fw.Active(), want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestForwardRoundTripAndStreamLimit(t *testing.T) {
	testlog.Start(t)
	port := startBackend(t, func(c net.Conn) { _, _ = io.Copy(c, c) })
	fw := NewForwarder(ForwardOptions{MaxStreams: 1})
	r := startForwarding(t, fw)

	first := openTunnel(t, r.addr, port)
	msg := "hello through the tunnel"
	if err := first.Send(protocol.DataFrame([]byte(msg))); err != nil {
		t.Fatalf("send data: %v", err)
	}
	if got := readData(t, first, len(msg)); got != msg {
		t.Fatalf("echo got=%q want=%q", got, msg)
	}
	if fw.Active() != 1 {
		t.Fatalf("expected one forwarded stream, got %d", fw.Active())
	}

	second := openTunnel(t, r.addr, port)
	if err := second.Send(protocol.DataFrame([]byte("x"))); err != nil {
		t.Fatalf("send over limit: %v", err)
	}
	expectFault(t, second, protocol.ErrUnavailable)

	if err := first.Send(protocol.CloseFrame()); err != nil {
		t.Fatalf("send close: %v", err)
	}
	waitActive(t, fw, 0)

	if err := second.Send(protocol.DataFrame([]byte("again"))); err != nil {
		t.Fatalf("send after slot freed: %v", err)
	}
	if got := readData(t, second, len("again")); got != "again" {
		t.Fatalf("echo got=%q", got)
	}
}

func TestForwardLocalCloseEndsStream(t *testing.T) {
	testlog.Start(t)
	port := startBackend(t, func(c net.Conn) { _, _ = c.Write([]byte("bye")) })
	fw := NewForwarder(DefaultForwardOptions())
	r := startForwarding(t, fw)

	st := openTunnel(t, r.addr, port)
	// An empty data frame only opens the local side.
	if err := st.Send(protocol.DataFrame(nil)); err != nil {
		t.Fatalf("send open: %v", err)
	}
	if got := readData(t, st, 3); got != "bye" {
		t.Fatalf("greeting got=%q", got)
	}
	f, err := st.Next()
	if err != nil {
		t.Fatalf("read close: %v", err)
	}
	if f.Command != schema.CmdClose {
		t.Fatalf("expected close after local side ended, got %s", schema.CommandName(f.Command))
	}
	waitActive(t, fw, 0)
}

func TestForwardDialFailure(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := listenerPort(t, ln.Addr())
	_ = ln.Close()

	fw := NewForwarder(ForwardOptions{DialTimeout: time.Second})
	r := startForwarding(t, fw)
	st := openTunnel(t, r.addr, port)
	if err := st.Send(protocol.DataFrame([]byte("nobody home"))); err != nil {
		t.Fatalf("send: %v", err)
	}
	expectFault(t, st, protocol.ErrUnavailable)
	if fw.Active() != 0 {
		t.Fatalf("failed dial should not hold a slot, active=%d", fw.Active())
	}
}

func TestForwardRequiresHandshakePort(t *testing.T) {
	testlog.Start(t)
	fw := NewForwarder(DefaultForwardOptions())
	w := &recordingWriter{}
	err := fw.ServeFrame(w, &Request{ConnID: "raw", Frame: frame.Frame{Command: schema.CmdData, Payload: []byte("x")}})
	if !errors.Is(err, protocol.ErrInvalidHandshake) {
		t.Fatalf("expected ErrInvalidHandshake, got %v", err)
	}
	if len(w.sent) != 0 || fw.Active() != 0 {
		t.Fatalf("nothing should be forwarded: sent=%v active=%d", w.sent, fw.Active())
	}
}
