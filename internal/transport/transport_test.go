package transport

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/danmuck/framewire/internal/protocol/frame"
	"github.com/danmuck/framewire/internal/protocol/session"
	"github.com/danmuck/framewire/internal/protocol/stream"
	"github.com/danmuck/framewire/internal/testutil/testlog"
	"github.com/danmuck/framewire/internal/testutil/tlstest"
)

func TestParseKind(t *testing.T) {
	testlog.Start(t)
	cases := map[string]Kind{
		"":          KindTCP,
		"TCP":       KindTCP,
		"tls":       KindTLS,
		"mux":       KindYamux,
		" yamux ":   KindYamux,
		"ws":        KindWebSocket,
		"websocket": KindWebSocket,
	}
	for raw, want := range cases {
		got, err := ParseKind(raw)
		if err != nil || got != want {
			t.Fatalf("parse %q got=%q err=%v want=%q", raw, got, err, want)
		}
	}
	if _, err := ParseKind("quic"); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}

func TestListenRequiresAddr(t *testing.T) {
	testlog.Start(t)
	if _, err := Listen(context.Background(), Config{Kind: KindTCP}); !errors.Is(err, ErrMissingAddr) {
		t.Fatalf("expected ErrMissingAddr, got %v", err)
	}
	if _, err := Dial(context.Background(), Config{Kind: KindTCP}); !errors.Is(err, ErrMissingAddr) {
		t.Fatalf("expected ErrMissingAddr, got %v", err)
	}
}

// echoFrames answers every frame with the same frame until the peer closes.
func echoFrames(t *testing.T, ln net.Listener) {
	t.Helper()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				st := stream.NewConn(c, stream.DefaultOptions())
				for f, err := range st.Frames() {
					if err != nil {
						return
					}
					if err := st.Send(f); err != nil {
						return
					}
				}
			}(conn)
		}
	}()
}

func roundTrip(t *testing.T, cfg Config) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg.Addr = "127.0.0.1:0"
	ln, err := Listen(ctx, cfg)
	if err != nil {
		t.Fatalf("listen %s: %v", cfg.Kind, err)
	}
	defer ln.Close()
	echoFrames(t, ln)

	cfg.Addr = ln.Addr().String()
	conn, err := Dial(ctx, cfg)
	if err != nil {
		t.Fatalf("dial %s: %v", cfg.Kind, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	st := stream.NewConn(conn, stream.DefaultOptions())
	want := []frame.Frame{
		{Command: 2, Payload: []byte("hello " + string(cfg.Kind))},
		{Command: 3, Payload: bytes.Repeat([]byte{0x5A}, 70*1024)},
		{Command: 4},
	}
	if err := st.SendBatch(want...); err != nil {
		t.Fatalf("send batch: %v", err)
	}
	for i, w := range want {
		got, err := st.Next()
		if err != nil {
			t.Fatalf("%s frame[%d]: %v", cfg.Kind, i, err)
		}
		if !got.Equal(w) {
			t.Fatalf("%s frame[%d] mismatch got=%v want=%v", cfg.Kind, i, got, w)
		}
	}
}

func TestTCPRoundTrip(t *testing.T) {
	testlog.Start(t)
	roundTrip(t, Config{Kind: KindTCP})
}

func TestYamuxRoundTrip(t *testing.T) {
	testlog.Start(t)
	roundTrip(t, Config{Kind: KindYamux})
}

func TestWebSocketRoundTrip(t *testing.T) {
	testlog.Start(t)
	roundTrip(t, Config{Kind: KindWebSocket, Path: "/frames"})
}

func TestMutualTLSRoundTrip(t *testing.T) {
	testlog.Start(t)
	b := tlstest.NewLoopbackBundle(t)
	server := session.DefaultConfig()
	server.TLS = session.TLSConfig{Enabled: true, Mutual: true, CertFile: b.ServerCert, KeyFile: b.ServerKey, CAFile: b.CAFile}
	client := session.DefaultConfig()
	client.TLS = session.TLSConfig{
		Enabled:    true,
		Mutual:     true,
		CertFile:   b.ClientCert,
		KeyFile:    b.ClientKey,
		CAFile:     b.CAFile,
		ServerName: "localhost",
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ln, err := Listen(ctx, Config{Kind: KindTLS, Addr: "127.0.0.1:0", Session: server})
	if err != nil {
		t.Fatalf("listen tls: %v", err)
	}
	defer ln.Close()
	echoFrames(t, ln)

	conn, err := Dial(ctx, Config{Kind: KindTLS, Addr: ln.Addr().String(), Session: client})
	if err != nil {
		t.Fatalf("dial tls: %v", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	st := stream.NewConn(conn, stream.DefaultOptions())
	if err := st.Send(frame.Frame{Command: 9, Payload: []byte("secure")}); err != nil {
		t.Fatalf("send: %v", err)
	}
	got, err := st.Next()
	if err != nil || string(got.Payload) != "secure" {
		t.Fatalf("echo got=%v err=%v", got, err)
	}
}

func TestTLSDialWithoutClientCertFails(t *testing.T) {
	testlog.Start(t)
	b := tlstest.NewLoopbackBundle(t)
	server := session.DefaultConfig()
	server.TLS = session.TLSConfig{Enabled: true, Mutual: true, CertFile: b.ServerCert, KeyFile: b.ServerKey, CAFile: b.CAFile}
	client := session.DefaultConfig()
	client.TLS = session.TLSConfig{Enabled: true, CAFile: b.CAFile, ServerName: "localhost"}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ln, err := Listen(ctx, Config{Kind: KindTLS, Addr: "127.0.0.1:0", Session: server})
	if err != nil {
		t.Fatalf("listen tls: %v", err)
	}
	defer ln.Close()
	echoFrames(t, ln)

	conn, err := Dial(ctx, Config{Kind: KindTLS, Addr: ln.Addr().String(), Session: client})
	if err != nil {
		return
	}
	defer conn.Close()
	// TLS 1.3 reports the missing client certificate on first read.
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	st := stream.NewConn(conn, stream.DefaultOptions())
	_ = st.Send(frame.Frame{Command: 1})
	if _, err := st.Next(); err == nil {
		t.Fatalf("expected handshake failure without client cert")
	}
}

func TestListenerClosesWithContext(t *testing.T) {
	testlog.Start(t)
	for _, kind := range []Kind{KindTCP, KindYamux, KindWebSocket} {
		ctx, cancel := context.WithCancel(context.Background())
		ln, err := Listen(ctx, Config{Kind: kind, Addr: "127.0.0.1:0"})
		if err != nil {
			t.Fatalf("listen %s: %v", kind, err)
		}
		errCh := make(chan error, 1)
		go func() {
			_, err := ln.Accept()
			errCh <- err
		}()
		cancel()
		select {
		case err := <-errCh:
			if !errors.Is(err, net.ErrClosed) {
				t.Fatalf("%s accept after cancel: %v", kind, err)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("%s accept did not unblock", kind)
		}
	}
}
