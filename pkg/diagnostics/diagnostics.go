// Package diagnostics implements the optional Diagnostic event stream
// of §6: profile-solved telemetry (peak velocity, cruise duration, the
// constraint that limited a segment) and fatal-error reports, pushed
// over a websocket to any number of connected observers. Nothing in
// this package is on the critical path — the controller and step
// generator run identically whether or not anything is listening.
package diagnostics

import (
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Event is one diagnostic notification (§6's "profile-solved telemetry"
// plus §7's "structured diagnostic event with segment seq_id and
// numeric context" for fatal errors).
type Event struct {
	SegSeqID           uint64  `json:"seg_seq_id"`
	Kind               string  `json:"kind"` // "profile", "fatal", "backpressure"
	VPeak              float64 `json:"v_peak,omitempty"`
	CruiseDuration     float64 `json:"cruise_duration,omitempty"`
	LimitingConstraint string  `json:"limiting_constraint,omitempty"`
	Fatal              bool    `json:"fatal,omitempty"`
	Message            string  `json:"message,omitempty"`
	EventTime          float64 `json:"eventtime"`
}

// Broadcaster fans diagnostic events out to every connected websocket
// client. Publish is safe to call from the controller's own goroutine;
// it never blocks on a slow or stalled client.
type Broadcaster struct {
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	clients  map[int64]*client
	nextID   int64
	startedAt time.Time
	running  atomic.Bool
}

// New creates a Broadcaster. Call ServeHTTP (directly, or mounted under
// a mux) to expose the websocket endpoint.
func New() *Broadcaster {
	b := &Broadcaster{
		clients:   make(map[int64]*client),
		startedAt: time.Now(),
	}
	b.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	b.running.Store(true)
	return b
}

// ServeHTTP upgrades the connection to a websocket and streams every
// subsequent Publish call to it until the client disconnects.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("diagnostics: websocket upgrade error: %v", err)
		return
	}

	id := atomic.AddInt64(&b.nextID, 1)
	c := &client{id: id, conn: conn, sendCh: make(chan Event, 64), done: make(chan struct{})}

	b.mu.Lock()
	b.clients[id] = c
	b.mu.Unlock()

	go c.writePump()
	c.readPump(func() { b.removeClient(id) })
}

// Publish fans an event out to every connected client. Slow clients
// drop events rather than backing up the publisher (diagnostics are
// best-effort telemetry, never a control path).
func (b *Broadcaster) Publish(ev Event) {
	if ev.EventTime == 0 {
		ev.EventTime = time.Since(b.startedAt).Seconds()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, c := range b.clients {
		c.send(ev)
	}
}

// Close disconnects every client.
func (b *Broadcaster) Close() {
	b.running.Store(false)
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, c := range b.clients {
		c.close()
		delete(b.clients, id)
	}
}

func (b *Broadcaster) removeClient(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.clients[id]; ok {
		c.close()
		delete(b.clients, id)
	}
}

type client struct {
	id     int64
	conn   *websocket.Conn
	sendCh chan Event
	done   chan struct{}
	mu     sync.Mutex
}

func (c *client) send(ev Event) {
	select {
	case c.sendCh <- ev:
	case <-c.done:
	default:
		log.Printf("diagnostics: dropping event for client %d (channel full)", c.id)
	}
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return
	default:
		close(c.done)
	}
	c.conn.Close()
}

func (c *client) readPump(onClose func()) {
	defer onClose()
	defer c.close()

	c.conn.SetReadLimit(64 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case ev, ok := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
