package session

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/taranbis/digital-twin/internal/broadcast"
	"github.com/taranbis/digital-twin/internal/history"
	"github.com/taranbis/digital-twin/internal/logging"
	"github.com/taranbis/digital-twin/internal/protocol"
	"github.com/taranbis/digital-twin/internal/websockettest"
)

type stubEngine struct {
	mu     sync.Mutex
	target float64
	calls  int
}

func (s *stubEngine) SetRPMTarget(target float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.target = target
	s.calls++
}

func (s *stubEngine) get() (float64, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.target, s.calls
}

var upgrader = websocket.Upgrader{}

func newTestServer(t *testing.T, engine RPMSetter, ring *history.Ring) (*httptest.Server, chan *Session) {
	t.Helper()
	sessions := make(chan *Session, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		sess := New(Options{
			Conn:          conn,
			Engine:        engine,
			History:       ring,
			Logger:        logging.NewTestLogger(),
			OutboundBound: 3,
			PingInterval:  time.Hour,
		})
		sessions <- sess
		sess.Run()
	}))
	return srv, sessions
}

func wsURL(httpURL string) string {
	return "ws" + httpURL[len("http"):]
}

func TestSessionRoutesSetRpmToEngine(t *testing.T) {
	engine := &stubEngine{}
	srv, sessions := newTestServer(t, engine, nil)
	defer srv.Close()

	conn, _, err := websockettest.DialIgnoringPongs(wsURL(srv.URL), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	<-sessions

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"set_rpm","payload":{"rpm_target":4200}}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if target, calls := engine.get(); calls > 0 {
			if target != 4200 {
				t.Fatalf("expected rpm target 4200, got %v", target)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("engine never observed the set_rpm frame")
}

func TestSessionEnqueueDeliversFrameToClient(t *testing.T) {
	srv, sessions := newTestServer(t, &stubEngine{}, nil)
	defer srv.Close()

	conn, _, err := websockettest.DialIgnoringPongs(wsURL(srv.URL), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	sessPtr := <-sessions

	slot := &broadcast.Slot{Data: []byte(`{"type":"state"}`), Len: len(`{"type":"state"}`)}
	sessPtr.Enqueue(slot)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(msg) != `{"type":"state"}` {
		t.Fatalf("unexpected frame: %s", msg)
	}
}

func TestSessionEnqueueClosesSessionWhenOutboundQueueExceedsBound(t *testing.T) {
	srv, sessions := newTestServer(t, &stubEngine{}, nil)
	defer srv.Close()

	conn, _, err := websockettest.DialIgnoringPongs(wsURL(srv.URL), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	sessPtr := <-sessions

	// Pin drainQueue as already running so Enqueue only appends to the
	// private queue instead of writing it out, letting the queue actually
	// grow past its bound.
	sessPtr.mu.Lock()
	sessPtr.writing = true
	sessPtr.mu.Unlock()

	slot := &broadcast.Slot{Data: []byte("x"), Len: 1}
	for i := 0; i < sessPtr.outboundBound; i++ {
		sessPtr.Enqueue(slot)
	}
	sessPtr.Enqueue(slot) // exceeds the bound; session should close

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected the connection to be closed once the outbound queue exceeded its bound")
	}
}

func TestSessionEnqueueSkippedWhenNotLive(t *testing.T) {
	srv, sessions := newTestServer(t, &stubEngine{}, history.NewRing(8))
	defer srv.Close()

	conn, _, err := websockettest.DialIgnoringPongs(wsURL(srv.URL), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	sessPtr := <-sessions

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"replay","payload":{"mode":"freeze"}}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && sessPtr.Live() {
		time.Sleep(10 * time.Millisecond)
	}
	if sessPtr.Live() {
		t.Fatal("expected session to leave live mode after a freeze frame")
	}

	slot := &broadcast.Slot{Data: []byte(`{"type":"state"}`), Len: len(`{"type":"state"}`)}
	sessPtr.Enqueue(slot)
	if slot.Data == nil {
		t.Fatal("sanity")
	}

	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, msg, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected the fresh slot not to be forwarded while frozen, got %s", msg)
	}
}

func TestSessionFreezeResendDoesNotBlockCaller(t *testing.T) {
	srv, sessions := newTestServer(t, &stubEngine{}, nil)
	defer srv.Close()

	conn, _, err := websockettest.DialIgnoringPongs(wsURL(srv.URL), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	sessPtr := <-sessions

	frame := []byte(`{"type":"state"}`)
	sessPtr.Enqueue(&broadcast.Slot{Data: frame, Len: len(frame)})
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err != nil {
		t.Fatalf("read initial frame: %v", err)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"replay","payload":{"mode":"freeze"}}`)); err != nil {
		t.Fatalf("write replay frame: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && sessPtr.Live() {
		time.Sleep(10 * time.Millisecond)
	}

	// Hold the connection's write lock to simulate a slow network write —
	// the same hazard a synchronous resend would have blocked the tick
	// driver's single goroutine on.
	sessPtr.writeMu.Lock()
	start := time.Now()
	sessPtr.Enqueue(&broadcast.Slot{Data: frame, Len: len(frame)})
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("Enqueue blocked on the network write for %v", elapsed)
	}
	sessPtr.writeMu.Unlock()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, msg, err := conn.ReadMessage(); err != nil {
		t.Fatalf("read resent frame: %v", err)
	} else if string(msg) != `{"type":"state"}` {
		t.Fatalf("unexpected resend frame: %s", msg)
	}
}

func TestSessionFreezeResendCoalescesWhileWriteInFlight(t *testing.T) {
	srv, sessions := newTestServer(t, &stubEngine{}, nil)
	defer srv.Close()

	conn, _, err := websockettest.DialIgnoringPongs(wsURL(srv.URL), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	sessPtr := <-sessions

	frame := []byte(`{"type":"state"}`)
	sessPtr.Enqueue(&broadcast.Slot{Data: frame, Len: len(frame)})
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err != nil {
		t.Fatalf("read initial frame: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"replay","payload":{"mode":"freeze"}}`)); err != nil {
		t.Fatalf("write replay frame: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && sessPtr.Live() {
		time.Sleep(10 * time.Millisecond)
	}

	sessPtr.mu.Lock()
	sessPtr.sending = true
	sessPtr.mu.Unlock()

	sessPtr.Enqueue(&broadcast.Slot{Data: frame, Len: len(frame)})

	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected no resend while a write was already in flight")
	}

	sessPtr.mu.Lock()
	sessPtr.sending = false
	sessPtr.mu.Unlock()
}

func TestSessionSeekStreamsForwardThenAutoResumesLive(t *testing.T) {
	ring := history.NewRing(8)
	for _, ts := range []uint64{10, 20, 30, 40, 50} {
		ring.Push(protocol.StatePayload{TimestampMs: ts})
	}

	srv, sessions := newTestServer(t, &stubEngine{}, ring)
	defer srv.Close()

	conn, _, err := websockettest.DialIgnoringPongs(wsURL(srv.URL), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	sessPtr := <-sessions

	if err := conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"replay","payload":{"mode":"seek","t_ms":10}}`)); err != nil {
		t.Fatalf("write replay frame: %v", err)
	}

	readTimestamp := func() uint64 {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var decoded struct {
			Payload struct {
				TimestampMs uint64 `json:"timestamp_ms"`
			} `json:"payload"`
		}
		if err := json.Unmarshal(msg, &decoded); err != nil {
			t.Fatalf("decode %q: %v", msg, err)
		}
		return decoded.Payload.TimestampMs
	}

	if got := readTimestamp(); got != 10 {
		t.Fatalf("expected initial seek frame ts=10, got %d", got)
	}

	liveFrame := []byte(`{"type":"state","payload":{"timestamp_ms":999}}`)
	for _, want := range []uint64{20, 30, 40, 50} {
		time.Sleep(20 * time.Millisecond)
		sessPtr.Enqueue(&broadcast.Slot{Data: liveFrame, Len: len(liveFrame)})
		if got := readTimestamp(); got != want {
			t.Fatalf("expected streamed sample ts=%d, got %d", want, got)
		}
	}

	// No retained sample remains after the seek cursor; the next tick
	// should switch the session back to live and forward the fresh slot.
	time.Sleep(20 * time.Millisecond)
	sessPtr.Enqueue(&broadcast.Slot{Data: liveFrame, Len: len(liveFrame)})
	if got := readTimestamp(); got != 999 {
		t.Fatalf("expected auto-resumed live frame ts=999, got %d", got)
	}
	if !sessPtr.Live() {
		t.Fatal("expected session to have switched back to live after exhausting seek history")
	}
}
