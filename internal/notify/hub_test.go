package notify

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type chanSubscriber struct {
	ch chan Event
}

func (s *chanSubscriber) SubscribeEvents(ctx context.Context) (<-chan Event, error) {
	_ = ctx
	return s.ch, nil
}

func startHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = hub.Serve(w, r, r.URL.Query().Get("user"))
	}))
	t.Cleanup(srv.Close)
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, user string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?user=" + user
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitConnections(t *testing.T, hub *Hub, user string, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Connections(user) != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d connections for %s, got %d", n, user, hub.Connections(user))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHub_RoutesEventsToOwnerOnly(t *testing.T) {
	hub, srv := startHub(t)
	a := dial(t, srv, "user-a")
	b := dial(t, srv, "user-b")
	waitConnections(t, hub, "user-a", 1)
	waitConnections(t, hub, "user-b", 1)

	sub := &chanSubscriber{ch: make(chan Event, 2)}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = hub.Run(ctx, sub) }()

	sub.ch <- Event{QueueJobID: "q1", JobID: "j1", UserID: "user-a", Status: "completed", OutputURL: "https://img/1.png"}

	_ = a.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got Event
	if err := a.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.QueueJobID != "q1" || got.Status != "completed" || got.OutputURL != "https://img/1.png" {
		t.Fatalf("unexpected event %+v", got)
	}

	_ = b.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if err := b.ReadJSON(&got); err == nil {
		t.Fatalf("user-b received user-a's event: %+v", got)
	}
}

func TestHub_ForgetsClosedConnections(t *testing.T) {
	hub, srv := startHub(t)
	c := dial(t, srv, "user-a")
	waitConnections(t, hub, "user-a", 1)

	_ = c.Close()
	waitConnections(t, hub, "user-a", 0)

	// nothing left to deliver to
	hub.Broadcast(Event{UserID: "user-a", QueueJobID: "q1"})
}

// flakySubscriber fails the first failures calls, then hands out ch.
type flakySubscriber struct {
	mu       sync.Mutex
	failures int
	calls    int
	ch       chan Event
}

func (s *flakySubscriber) SubscribeEvents(ctx context.Context) (<-chan Event, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failures {
		return nil, errors.New("connection refused")
	}
	return s.ch, nil
}

func waitReady(t *testing.T, hub *Hub, want bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Ready() != want {
		if time.Now().After(deadline) {
			t.Fatalf("expected Ready()=%v", want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHub_RetriesFailedSubscription(t *testing.T) {
	hub := NewHub()
	hub.ResubscribeDelay = 10 * time.Millisecond
	if hub.Ready() {
		t.Fatalf("hub must not be ready before Run")
	}

	sub := &flakySubscriber{failures: 3, ch: make(chan Event)}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = hub.Run(ctx, sub)
		close(done)
	}()

	waitReady(t, hub, true)
	sub.mu.Lock()
	calls := sub.calls
	sub.mu.Unlock()
	if calls != 4 {
		t.Fatalf("expected ready after the 4th subscribe, got %d calls", calls)
	}

	cancel()
	<-done
	if hub.Ready() {
		t.Fatalf("hub still ready after Run returned")
	}
}

func TestHub_NotReadyWhileSubscriptionDown(t *testing.T) {
	hub := NewHub()
	hub.ResubscribeDelay = 10 * time.Millisecond
	ch := make(chan Event)
	sub := &flakySubscriber{ch: ch}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = hub.Run(ctx, sub) }()
	waitReady(t, hub, true)

	// subscription dropped; the next one fails for a while
	sub.mu.Lock()
	sub.failures = 1 << 30
	sub.mu.Unlock()
	close(ch)
	waitReady(t, hub, false)
}
