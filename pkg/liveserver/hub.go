package liveserver

import (
	"context"
	"sync"
	"sync/atomic"
)

// maxClientDrops is how many consecutive frames a client may miss before the
// hub evicts it. Dashboards tolerate missed frames; sustained backpressure
// means the consumer is gone.
const maxClientDrops = 8

// Client is one dashboard connection. It receives the hub's frames through a
// buffered channel and may narrow what it gets with Subscribe.
type Client struct {
	id  string
	out chan Message

	mu     sync.Mutex
	topics map[string]struct{}
	closed bool

	drops int // consecutive delivery failures, owned by the hub loop
}

// NewClient builds a client with the given id. The delivery buffer absorbs
// short stalls in the write pump.
func NewClient(id string) *Client {
	return &Client{
		id:     id,
		out:    make(chan Message, 64),
		topics: make(map[string]struct{}),
	}
}

// Subscribe narrows the client to the given message types. A client with no
// subscriptions receives everything.
func (c *Client) Subscribe(topics ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range topics {
		c.topics[t] = struct{}{}
	}
}

// Unsubscribe removes topics. Removing the last one returns the client to
// receive-everything mode.
func (c *Client) Unsubscribe(topics ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range topics {
		delete(c.topics, t)
	}
}

func (c *Client) wants(msgType string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.topics) == 0 {
		return true
	}
	_, ok := c.topics[msgType]
	return ok
}

// deliver offers a frame without blocking. False means the buffer was full
// or the client is closed.
func (c *Client) deliver(msg Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.out <- msg:
		return true
	default:
		return false
	}
}

// Deliveries exposes the outbound frames for the connection's write pump.
func (c *Client) Deliveries() <-chan Message {
	return c.out
}

// Close makes the client drop all future frames and closes the delivery
// channel so its write pump exits. Safe to call more than once.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.out)
	}
}

// Hub fans broadcast frames out to every connected client. A single loop
// owns the client set, so membership changes and deliveries never race.
type Hub struct {
	join  chan *Client
	leave chan *Client
	feed  chan Message
	done  chan struct{}

	count   atomic.Int32
	dropped atomic.Int64

	logger Logger
}

// Logger is the minimal logging surface the hub needs.
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
}

// NewHub builds a hub. Run must be started for registration and broadcast
// to have any effect.
func NewHub(logger Logger) *Hub {
	return &Hub{
		join:   make(chan *Client),
		leave:  make(chan *Client),
		feed:   make(chan Message, 256),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Run owns the client set until ctx is cancelled, then closes every client
// and unblocks pending Register/Unregister callers.
func (h *Hub) Run(ctx context.Context) {
	clients := make(map[*Client]struct{})
	defer func() {
		for c := range clients {
			c.Close()
		}
		h.count.Store(0)
		close(h.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case c := <-h.join:
			clients[c] = struct{}{}
			h.count.Store(int32(len(clients)))
			if h.logger != nil {
				h.logger.Info("live client joined", "client_id", c.id, "clients", len(clients))
			}

		case c := <-h.leave:
			if _, ok := clients[c]; ok {
				delete(clients, c)
				c.Close()
				h.count.Store(int32(len(clients)))
			}
			if h.logger != nil {
				h.logger.Info("live client left", "client_id", c.id, "clients", len(clients))
			}

		case msg := <-h.feed:
			for c := range clients {
				if !c.wants(msg.Type) {
					continue
				}
				if c.deliver(msg) {
					c.drops = 0
					continue
				}
				c.drops++
				if c.drops >= maxClientDrops {
					delete(clients, c)
					c.Close()
					h.count.Store(int32(len(clients)))
					if h.logger != nil {
						h.logger.Warn("evicting stalled live client", "client_id", c.id)
					}
				}
			}
		}
	}
}

// Register adds a client. After the hub has stopped the client is closed
// immediately instead of blocking the caller.
func (h *Hub) Register(c *Client) {
	select {
	case h.join <- c:
	case <-h.done:
		c.Close()
	}
}

// Unregister removes a client. A no-op once the hub has stopped.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.leave <- c:
	case <-h.done:
		c.Close()
	}
}

// Broadcast queues a frame for fan-out. Never blocks: when the feed is
// saturated the frame is counted as dropped and the caller moves on.
func (h *Hub) Broadcast(msg Message) {
	select {
	case h.feed <- msg:
	default:
		h.dropped.Add(1)
		if h.logger != nil {
			h.logger.Warn("live feed saturated, frame dropped", "type", msg.Type)
		}
	}
}

// ClientCount reports how many clients are currently registered.
func (h *Hub) ClientCount() int {
	return int(h.count.Load())
}

// Dropped reports how many frames Broadcast has discarded since start.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}
