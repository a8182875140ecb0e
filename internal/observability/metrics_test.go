package observability

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/framewire/internal/protocol/frame"
	"github.com/danmuck/framewire/internal/testutil/testlog"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("node-a", "GET", "/health", 200, 12*time.Millisecond)
	RecordHandle("node-a", "ping", 3*time.Millisecond)
	ConnectionOpened("node-a")
	ConnectionClosed("node-a")
}

func TestStreamObserverCountsFramesAndBytes(t *testing.T) {
	testlog.Start(t)
	obs := StreamObserver{Node: "node-observer"}
	obs.FrameIn(frame.Frame{Command: 1, Payload: []byte("ping")}, 10)
	obs.FrameIn(frame.Frame{Command: 2}, 6)
	obs.FrameOut(frame.Frame{Command: 4}, 6)
	obs.StreamError(fmt.Errorf("read: %w", frame.ErrFrameTooLarge))

	if v := testutil.ToFloat64(codecFrames.WithLabelValues("node-observer", DirectionIn)); v != 2 {
		t.Fatalf("frames in got=%v", v)
	}
	if v := testutil.ToFloat64(codecBytes.WithLabelValues("node-observer", DirectionIn)); v != 16 {
		t.Fatalf("bytes in got=%v", v)
	}
	if v := testutil.ToFloat64(codecFrames.WithLabelValues("node-observer", DirectionOut)); v != 1 {
		t.Fatalf("frames out got=%v", v)
	}
	if v := testutil.ToFloat64(codecErrors.WithLabelValues("node-observer", "frame_too_large")); v != 1 {
		t.Fatalf("errors got=%v", v)
	}
}

func TestErrorKind(t *testing.T) {
	testlog.Start(t)
	cases := map[error]string{
		frame.ErrFrameTooLarge:    "frame_too_large",
		frame.ErrUnexpectedEOF:    "unexpected_eof",
		frame.ErrOversizedPayload: "oversized_payload",
		io.EOF:                    "eof",
		errors.New("reset"):       "io",
	}
	for err, want := range cases {
		if got := ErrorKind(err); got != want {
			t.Fatalf("kind(%v) got=%q want=%q", err, got, want)
		}
	}
}

func TestAdminRouterRoutes(t *testing.T) {
	testlog.Start(t)
	ready := false
	r := NewAdminRouter(AdminOptions{
		Node:        "node-admin",
		Ready:       func() bool { return ready },
		Connections: func() any { return []string{"conn-1"} },
	})

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before ready, got %d", rr.Code)
	}
	ready = true
	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 when ready, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/connections", nil))
	if rr.Header().Get(RequestIDHeader) == "" {
		t.Fatalf("expected generated request id header")
	}
	var body map[string][]string
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body["connections"]) != 1 || body["connections"][0] != "conn-1" {
		t.Fatalf("unexpected connections body: %s", rr.Body.String())
	}

	RecordFrame("node-admin", DirectionIn, 6)
	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "framewire_codec_frames_total") {
		t.Fatalf("metrics endpoint missing codec counters status=%d", rr.Code)
	}
}

func TestAdminRequestsKeepsCallerRequestID(t *testing.T) {
	testlog.Start(t)
	r := NewAdminRouter(AdminOptions{Node: "node-reqid"})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, "trace-42")
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	if got := rr.Header().Get(RequestIDHeader); got != "trace-42" {
		t.Fatalf("request id not propagated: %q", got)
	}
	if got := testutil.ToFloat64(httpRequests.WithLabelValues("node-reqid", http.MethodGet, "/health", "200")); got != 1 {
		t.Fatalf("expected one counted request, got %v", got)
	}
}
