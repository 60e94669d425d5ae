package notify

import (
	"context"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 16

	defaultResubscribeDelay = 5 * time.Second
)

// Subscriber is the receiving side of the event channel.
type Subscriber interface {
	SubscribeEvents(ctx context.Context) (<-chan Event, error)
}

type client struct {
	userID string
	conn   *websocket.Conn
	send   chan Event
}

// Hub keeps the open dashboard connections and routes each event to the
// connections of its owner only.
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]map[*client]struct{}
	upgrader websocket.Upgrader
	ready    atomic.Bool

	// ResubscribeDelay is the pause before subscribing again after the
	// event channel failed or closed.
	ResubscribeDelay time.Duration
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		ResubscribeDelay: defaultResubscribeDelay,
	}
}

// Run forwards events from sub until ctx is done. A failed or dropped
// subscription is retried; while it is down the hub is not Ready and
// connected clients are closed so they reconnect later.
func (h *Hub) Run(ctx context.Context, sub Subscriber) error {
	defer h.closeAll()
	for {
		events, err := sub.SubscribeEvents(ctx)
		if err != nil {
			log.Printf("[hub] subscribe failed err=%v", err)
		} else {
			h.ready.Store(true)
			h.forward(ctx, events)
			h.ready.Store(false)
			h.closeAll()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(h.ResubscribeDelay):
		}
	}
}

func (h *Hub) forward(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				log.Printf("[hub] event subscription closed")
				return
			}
			h.Broadcast(ev)
		}
	}
}

// Ready reports whether events are currently flowing into the hub.
func (h *Hub) Ready() bool {
	return h.ready.Load()
}

// Broadcast delivers ev to its owner's connections. Slow connections drop
// the event instead of blocking the hub.
func (h *Hub) Broadcast(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for cl := range h.clients[ev.UserID] {
		select {
		case cl.send <- ev:
		default:
			log.Printf("[hub] dropped event user=%s queue_job=%s", ev.UserID, ev.QueueJobID)
		}
	}
}

func (h *Hub) Connections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

// Serve upgrades the request and streams userID's events until the peer
// goes away.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, userID string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	cl := &client{userID: userID, conn: conn, send: make(chan Event, sendBuffer)}
	h.add(cl)

	go h.writeLoop(cl)
	h.readLoop(cl)
	return nil
}

func (h *Hub) add(cl *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[cl.userID]
	if !ok {
		set = make(map[*client]struct{})
		h.clients[cl.userID] = set
	}
	set[cl] = struct{}{}
}

func (h *Hub) remove(cl *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[cl.userID]
	if !ok {
		return
	}
	if _, ok := set[cl]; !ok {
		return
	}
	delete(set, cl)
	close(cl.send)
	if len(set) == 0 {
		delete(h.clients, cl.userID)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for uid, set := range h.clients {
		for cl := range set {
			close(cl.send)
		}
		delete(h.clients, uid)
	}
}

// readLoop only handles control frames; clients never send data.
func (h *Hub) readLoop(cl *client) {
	defer func() {
		h.remove(cl)
		_ = cl.conn.Close()
	}()
	cl.conn.SetReadLimit(512)
	_ = cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	cl.conn.SetPongHandler(func(string) error {
		return cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := cl.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(cl *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = cl.conn.Close()
	}()
	for {
		select {
		case ev, ok := <-cl.send:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = cl.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := cl.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
