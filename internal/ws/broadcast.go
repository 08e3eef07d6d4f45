package ws

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Sighthesia/interactive-choice-mcp/internal/session"
)

type client struct {
	conn *websocket.Conn
	send chan []byte
}

func newClient(conn *websocket.Conn) *client {
	c := &client{
		conn: conn,
		send: make(chan []byte, 64),
	}
	go c.writePump()
	return c
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (c *client) close() {
	close(c.send)
}

// Broadcaster fans session countdowns and outcomes out to subscribed
// sockets. Clients subscribe either to one session or to the interaction
// list; the countdown loop only touches sessions somebody is watching.
type Broadcaster struct {
	mu      sync.RWMutex
	session map[string]map[*client]bool
	list    map[*client]bool

	registry *session.Registry
	lister   func() []session.Entry

	ticker *time.Ticker
	stop   chan struct{}
}

func NewBroadcaster(reg *session.Registry, lister func() []session.Entry, syncInterval time.Duration) *Broadcaster {
	b := &Broadcaster{
		session:  make(map[string]map[*client]bool),
		list:     make(map[*client]bool),
		registry: reg,
		lister:   lister,
		ticker:   time.NewTicker(syncInterval),
		stop:     make(chan struct{}),
	}
	go b.syncLoop()
	return b
}

func (b *Broadcaster) Close() {
	b.ticker.Stop()
	close(b.stop)
}

// AddSessionClient subscribes a socket to one session. The current state
// is pushed immediately so a page that reconnects snaps to the countdown
// of record instead of interpolating its own.
func (b *Broadcaster) AddSessionClient(id string, conn *websocket.Conn) *client {
	c := newClient(conn)

	b.mu.Lock()
	if b.session[id] == nil {
		b.session[id] = make(map[*client]bool)
	}
	b.session[id][c] = true
	b.mu.Unlock()

	if s, ok := b.registry.Get(id); ok {
		if s.Status.Terminal() {
			b.sendTo(c, statusMessage(s))
		} else {
			b.sendTo(c, syncMessage(s, time.Now()))
		}
	}
	return c
}

// AddListClient subscribes a socket to the interaction list and pushes
// the current list immediately.
func (b *Broadcaster) AddListClient(conn *websocket.Conn) *client {
	c := newClient(conn)

	b.mu.Lock()
	b.list[c] = true
	b.mu.Unlock()

	b.sendTo(c, ListMessage{Type: MsgList, Interactions: b.lister()})
	return c
}

func (b *Broadcaster) RemoveClient(c *client) {
	b.mu.Lock()
	removed := false
	if b.list[c] {
		delete(b.list, c)
		removed = true
	}
	for id, subs := range b.session {
		if subs[c] {
			delete(subs, c)
			removed = true
			if len(subs) == 0 {
				delete(b.session, id)
			}
		}
	}
	b.mu.Unlock()
	if removed {
		c.close()
	}
}

// SessionFinalized pushes the outcome to the session's subscribers.
// Part of the orchestrator's Notifier contract.
func (b *Broadcaster) SessionFinalized(s *session.Session) {
	b.broadcastSession(s.ID, statusMessage(s))
}

// ListChanged pushes a fresh interaction list to list subscribers.
// Part of the orchestrator's Notifier contract.
func (b *Broadcaster) ListChanged() {
	b.mu.RLock()
	n := len(b.list)
	b.mu.RUnlock()
	if n == 0 {
		return
	}
	b.broadcastList(ListMessage{Type: MsgList, Interactions: b.lister()})
}

// syncLoop drives the countdown: each tick, every pending session with at
// least one subscriber gets a sync message with the authoritative
// remaining time.
func (b *Broadcaster) syncLoop() {
	for {
		select {
		case <-b.stop:
			return
		case <-b.ticker.C:
			b.mu.RLock()
			ids := make([]string, 0, len(b.session))
			for id := range b.session {
				ids = append(ids, id)
			}
			b.mu.RUnlock()

			now := time.Now()
			for _, id := range ids {
				s, ok := b.registry.Get(id)
				if !ok || s.Status.Terminal() {
					continue
				}
				b.broadcastSession(id, syncMessage(s, now))
			}
		}
	}
}

func (b *Broadcaster) broadcastSession(id string, msg interface{}) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("ws marshal error: %v", err)
		return
	}

	b.mu.RLock()
	clients := make([]*client, 0, len(b.session[id]))
	for c := range b.session[id] {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	b.deliver(clients, data)
}

func (b *Broadcaster) broadcastList(msg ListMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("ws marshal error: %v", err)
		return
	}

	b.mu.RLock()
	clients := make([]*client, 0, len(b.list))
	for c := range b.list {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	b.deliver(clients, data)
}

func (b *Broadcaster) deliver(clients []*client, data []byte) {
	for _, c := range clients {
		select {
		case c.send <- data:
		default:
			// Client can't keep up, disconnect it
			log.Printf("ws client too slow, disconnecting")
			b.RemoveClient(c)
		}
	}
}

func (b *Broadcaster) sendTo(c *client, msg interface{}) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// ClientCount reports total subscribers across sessions and the list.
func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := len(b.list)
	for _, subs := range b.session {
		n += len(subs)
	}
	return n
}
