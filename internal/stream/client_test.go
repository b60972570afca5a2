package stream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type fakeReader struct {
	closed atomic.Bool
}

func (r *fakeReader) Frame() ([]byte, error) {
	if r.closed.Load() {
		return nil, errors.New("closed")
	}
	return []byte{0xff, 0xd8, 0xff, 0xd9}, nil
}

func (r *fakeReader) Close() error {
	r.closed.Store(true)
	return nil
}

type fakeSource struct {
	reader  *fakeReader
	openErr error
}

func (s *fakeSource) Open(_ context.Context, _ CaptureHint) (FrameReader, error) {
	if s.openErr != nil {
		return nil, s.openErr
	}
	s.reader = &fakeReader{}
	return s.reader, nil
}

// analysisServer runs script against each connecting client after the
// upgrade.
func analysisServer(t *testing.T, script func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()
		script(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestClient(t *testing.T, srv *httptest.Server, src FrameSource, mutate func(*Config)) *Client {
	t.Helper()
	cfg := Config{
		URL:           wsURL(srv),
		Source:        src,
		FrameInterval: 5 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c := NewClient(cfg)
	t.Cleanup(c.Stop)
	return c
}

// drain keeps the server side reading so client writes do not pile up.
func drain(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func TestStartStopReleasesResources(t *testing.T) {
	srv := analysisServer(t, drain)
	src := &fakeSource{}
	c := newTestClient(t, srv, src, nil)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, "streaming state", func() bool { return c.State() == StateStreaming })

	c.Stop()

	if c.State() != StateIdle {
		t.Errorf("state after Stop = %v, want idle", c.State())
	}
	if !src.reader.closed.Load() {
		t.Error("capture device still open after Stop")
	}
	if c.Current() != EmotionNeutral {
		t.Errorf("current emotion after Stop = %q, want neutral", c.Current())
	}

	// idempotent from Idle
	c.Stop()
	if c.State() != StateIdle {
		t.Errorf("state after second Stop = %v", c.State())
	}
}

func TestRepeatedStartStopCycles(t *testing.T) {
	srv := analysisServer(t, drain)
	src := &fakeSource{}
	c := newTestClient(t, srv, src, nil)

	for i := 0; i < 5; i++ {
		if err := c.Start(context.Background()); err != nil {
			t.Fatalf("Start %d failed: %v", i, err)
		}
		reader := src.reader
		c.Stop()
		if !reader.closed.Load() {
			t.Fatalf("cycle %d leaked the capture device", i)
		}
	}
}

func TestStartWhileStreaming(t *testing.T) {
	srv := analysisServer(t, drain)
	c := newTestClient(t, srv, &fakeSource{}, nil)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := c.Start(context.Background()); !errors.Is(err, ErrAlreadyStreaming) {
		t.Errorf("second Start = %v, want ErrAlreadyStreaming", err)
	}
}

func TestDeviceAccessError(t *testing.T) {
	srv := analysisServer(t, drain)
	src := &fakeSource{openErr: errors.New("permission denied")}
	c := newTestClient(t, srv, src, nil)

	err := c.Start(context.Background())
	if !errors.Is(err, ErrDeviceAccess) {
		t.Fatalf("Start = %v, want ErrDeviceAccess", err)
	}
	if c.State() != StateIdle {
		t.Errorf("state = %v, want idle after device failure", c.State())
	}
}

func TestDialFailureReleasesDevice(t *testing.T) {
	src := &fakeSource{}
	c := NewClient(Config{
		URL:           "ws://127.0.0.1:1/ws/analyze", // nothing listens here
		Source:        src,
		FrameInterval: 5 * time.Millisecond,
	})

	err := c.Start(context.Background())
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("Start = %v, want ErrTransport", err)
	}
	if c.State() != StateIdle {
		t.Errorf("state = %v, want idle", c.State())
	}
	if !src.reader.closed.Load() {
		t.Error("device leaked after dial failure")
	}
}

func TestStopDuringConnectAborts(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release // hold the handshake so the client sits in Connecting
		upgrader := websocket.Upgrader{}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		drain(conn)
	}))
	t.Cleanup(srv.Close)

	src := &fakeSource{}
	c := NewClient(Config{
		URL:           wsURL(srv),
		Source:        src,
		FrameInterval: 5 * time.Millisecond,
	})
	t.Cleanup(c.Stop)

	started := make(chan error, 1)
	go func() { started <- c.Start(context.Background()) }()

	waitFor(t, "connecting state", func() bool { return c.State() == StateConnecting })
	c.Stop()
	close(release)

	if err := <-started; err != nil {
		t.Fatalf("Start interrupted by Stop = %v, want nil", err)
	}
	if c.State() != StateIdle {
		t.Errorf("state = %v, want idle", c.State())
	}
	waitFor(t, "device release", func() bool { return src.reader.closed.Load() })
	if c.Current() != EmotionNeutral {
		t.Errorf("current = %q, want neutral", c.Current())
	}
}

func TestDetectionHistoryCapFIFO(t *testing.T) {
	emotions := []string{"joy", "sadness", "anger", "surprise", "fear", "disgust",
		"joy", "sadness", "anger", "surprise", "fear"}
	srv := analysisServer(t, func(conn *websocket.Conn) {
		for _, e := range emotions {
			msg := `{"detections":[{"emotion":"` + e + `","scores":[0.1,0.9]}]}`
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return
			}
		}
		drain(conn)
	})
	c := newTestClient(t, srv, &fakeSource{}, nil)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, "11 applied detections", func() bool {
		h := c.Expressions()
		return len(h) == 10 && h[len(h)-1].Emotion == "fear"
	})

	h := c.Expressions()
	if h[0].Emotion != emotions[1] {
		t.Errorf("oldest entry = %q, want %q evicted and %q first", h[0].Emotion, emotions[0], emotions[1])
	}
	for i, e := range emotions[1:] {
		if h[i].Emotion != e {
			t.Errorf("history[%d] = %q, want %q", i, h[i].Emotion, e)
		}
	}
	if c.Current() != "fear" {
		t.Errorf("current = %q, want fear", c.Current())
	}
	if h[0].Confidence != 0.9 {
		t.Errorf("confidence = %v, want max score 0.9", h[0].Confidence)
	}
}

func TestEmptyDetectionsResetsToNeutral(t *testing.T) {
	srv := analysisServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"detections":[{"emotion":"joy","scores":[0.8]}]}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"detections":[]}`))
		drain(conn)
	})
	c := newTestClient(t, srv, &fakeSource{}, nil)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, "neutral reset", func() bool {
		return c.Current() == EmotionNeutral && len(c.Expressions()) == 1
	})

	if h := c.Expressions(); len(h) != 1 || h[0].Emotion != "joy" {
		t.Errorf("history mutated by empty detections: %+v", h)
	}
}

func TestMalformedMessagesIgnored(t *testing.T) {
	srv := analysisServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"detections":[{"emotion":"joy","scores":[0.8]}]}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`this is not json`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"something":"else"}`))
		conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"detections":[{"emotion":"anger","scores":[0.7]}]}`))
		drain(conn)
	})
	c := newTestClient(t, srv, &fakeSource{}, nil)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, "second valid detection", func() bool { return c.Current() == "anger" })

	if got := len(c.Expressions()); got != 2 {
		t.Errorf("history length = %d, want 2 (malformed messages must be no-ops)", got)
	}
}

func TestTransportErrorResetsToIdle(t *testing.T) {
	srv := analysisServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"detections":[{"emotion":"joy","scores":[0.8]}]}`))
		time.Sleep(20 * time.Millisecond)
		conn.Close() // yank the connection mid-stream
	})
	src := &fakeSource{}
	c := newTestClient(t, srv, src, nil)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, "idle after transport error", func() bool { return c.State() == StateIdle })

	if c.Current() != EmotionNeutral {
		t.Errorf("current = %q, want neutral after transport error", c.Current())
	}
	if !src.reader.closed.Load() {
		t.Error("device leaked after transport error")
	}
	if err := c.Err(); !errors.Is(err, ErrTransport) {
		t.Errorf("Err() = %v, want ErrTransport", err)
	}
}

func TestStaleSequenceResultsDropped(t *testing.T) {
	srv := analysisServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"detections":[{"emotion":"joy","scores":[0.8]}],"seq":2}`))
		conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"detections":[{"emotion":"anger","scores":[0.9]}],"seq":1}`))
		conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"detections":[{"emotion":"fear","scores":[0.9]}],"seq":3}`))
		drain(conn)
	})
	c := newTestClient(t, srv, &fakeSource{}, func(cfg *Config) {
		cfg.SequenceNumbers = true
	})

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, "seq 3 applied", func() bool { return c.Current() == "fear" })

	h := c.Expressions()
	if len(h) != 2 {
		t.Fatalf("history length = %d, want 2 (stale seq 1 dropped)", len(h))
	}
	if h[0].Emotion != "joy" || h[1].Emotion != "fear" {
		t.Errorf("history = %q, %q; want joy, fear", h[0].Emotion, h[1].Emotion)
	}
}

func TestOnExpressionCallback(t *testing.T) {
	srv := analysisServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"detections":[{"emotion":"surprise","scores":[0.4,0.6]}]}`))
		drain(conn)
	})

	var got atomic.Value
	c := newTestClient(t, srv, &fakeSource{}, func(cfg *Config) {
		cfg.OnExpression = func(e Expression) { got.Store(e) }
	})

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, "callback", func() bool { return got.Load() != nil })

	e := got.Load().(Expression)
	if e.Emotion != "surprise" || e.Confidence != 0.6 {
		t.Errorf("callback expression = %+v", e)
	}
}
