package session

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/taranbis/digital-twin/internal/broadcast"
	"github.com/taranbis/digital-twin/internal/logging"
	"github.com/taranbis/digital-twin/internal/websockettest"
)

func TestStoreAddRemoveLen(t *testing.T) {
	store := NewStore()
	if store.Len() != 0 {
		t.Fatalf("expected empty store, got %d", store.Len())
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		sess := New(Options{
			Conn:         conn,
			Logger:       logging.NewTestLogger(),
			PingInterval: time.Hour,
		})
		sess.onClose = func(s *Session) { store.Remove(s) }
		store.Add(sess)
		sess.Run()
	}))
	defer srv.Close()

	conn, _, err := websockettest.DialIgnoringPongs(wsURL(srv.URL), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if store.Len() != 1 {
		t.Fatalf("expected 1 registered session, got %d", store.Len())
	}

	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && store.Len() != 0 {
		time.Sleep(10 * time.Millisecond)
	}
	if store.Len() != 0 {
		t.Fatalf("expected session to be removed after disconnect, got %d", store.Len())
	}
}

func TestStoreBroadcastDeliversToAllSessions(t *testing.T) {
	store := NewStore()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		sess := New(Options{
			Conn:         conn,
			Logger:       logging.NewTestLogger(),
			PingInterval: time.Hour,
		})
		sess.onClose = func(s *Session) { store.Remove(s) }
		store.Add(sess)
		sess.Run()
	}))
	defer srv.Close()

	var conns []*websocket.Conn
	for i := 0; i < 3; i++ {
		conn, _, err := websockettest.DialIgnoringPongs(wsURL(srv.URL), nil)
		if err != nil {
			t.Fatalf("dial %d: %v", i, err)
		}
		conns = append(conns, conn)
	}
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && store.Len() != 3 {
		time.Sleep(10 * time.Millisecond)
	}
	if store.Len() != 3 {
		t.Fatalf("expected 3 registered sessions, got %d", store.Len())
	}

	slot := &broadcast.Slot{Data: []byte(`{"type":"state"}`), Len: len(`{"type":"state"}`)}
	store.Broadcast(slot)

	for _, conn := range conns {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if string(msg) != `{"type":"state"}` {
			t.Fatalf("unexpected frame: %s", msg)
		}
	}
}
