// Package feed provides the in-process WebSocket feed for the anotifyd HTTP
// API. The Broadcaster fans freshly observed filesystem events out to all
// currently-connected clients without ever blocking the daemon's event loop.
//
// Design notes
//
//   - Each WebSocket client has a dedicated buffered channel of JSON-encoded
//     event messages. A non-blocking send is used so that a slow or
//     disconnected client never applies back-pressure to the daemon.
//   - Named clients are tracked in a sync.Map keyed by client ID to allow
//     concurrent reads without a global lock on the hot broadcast path.
//   - Anonymous subscribers receive journal.Entry values directly via a
//     second sync.Map; they exist for in-process consumers and tests.
//   - Closing a subscription or unregistering a client signals the
//     associated pump goroutine to exit cleanly.
package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tripwire/anotify/internal/journal"
)

// EventData holds the structured event payload sent to clients as part of a
// Message envelope.
type EventData struct {
	ID        string `json:"id"`
	Rule      string `json:"rule"`
	Path      string `json:"path"`
	Type      string `json:"type"`
	MovedTo   string `json:"moved_to,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Message is the top-level JSON envelope pushed to WebSocket clients. Type
// is always "event" for filesystem events.
type Message struct {
	Type string    `json:"type"`
	Data EventData `json:"data"`
}

// Client represents a single connected WebSocket client. It is created by
// Broadcaster.Register and is valid until Broadcaster.Unregister is called.
type Client struct {
	id      string
	send    chan []byte
	Dropped atomic.Int64 // incremented when the send buffer is full
}

// ID returns the client's unique identifier.
func (c *Client) ID() string { return c.id }

// Send returns a receive-only channel on which JSON-encoded event frames are
// delivered. The channel is closed when the client is unregistered.
func (c *Client) Send() <-chan []byte { return c.send }

// Broadcaster fans filesystem events out to all currently-connected
// WebSocket clients (via Register/Unregister) and to all anonymous channel
// subscribers (via Subscribe/Unsubscribe). It is safe for concurrent use.
type Broadcaster struct {
	// Named WebSocket clients — keyed by string client ID.
	clients   sync.Map // map[string]*Client
	clientCnt atomic.Int64

	// Anonymous subscribers — keyed by the receive-only channel pointer.
	subs sync.Map // map[<-chan journal.Entry]chan journal.Entry

	bufSize int
	logger  *slog.Logger

	closed    atomic.Bool
	closeOnce sync.Once
}

// NewBroadcaster creates a Broadcaster. bufSize is the per-client and
// per-subscriber channel buffer depth; pass 0 to use the default of 64.
func NewBroadcaster(logger *slog.Logger, bufSize int) *Broadcaster {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Broadcaster{
		bufSize: bufSize,
		logger:  logger,
	}
}

// Register creates a new Client with the given id, stores it in the
// broadcaster, and returns a pointer to it. The caller must call
// Unregister(id) to release resources when the client disconnects.
//
// If the broadcaster is already closed, Register returns a Client whose Send
// channel is already closed.
func (b *Broadcaster) Register(id string) *Client {
	c := &Client{
		id:   id,
		send: make(chan []byte, b.bufSize),
	}
	if b.closed.Load() {
		close(c.send)
		return c
	}
	b.clients.Store(id, c)
	b.clientCnt.Add(1)
	return c
}

// Unregister removes the client with id from the broadcaster and closes its
// Send channel so the associated pump goroutine exits cleanly. Calling
// Unregister with an unknown id is a no-op.
func (b *Broadcaster) Unregister(id string) {
	if v, loaded := b.clients.LoadAndDelete(id); loaded {
		c := v.(*Client)
		close(c.send)
		b.clientCnt.Add(-1)
	}
}

// ClientCount returns the number of currently registered WebSocket clients.
func (b *Broadcaster) ClientCount() int {
	return int(b.clientCnt.Load())
}

// Subscribe registers an anonymous subscriber and returns a channel on which
// journal.Entry values will be delivered. The channel is buffered; when the
// buffer is full a subsequent Publish call drops the entry for that
// subscriber rather than blocking.
//
// The channel is closed automatically when ctx is cancelled or when Close is
// called. Call Unsubscribe to release resources before then.
func (b *Broadcaster) Subscribe(ctx context.Context) <-chan journal.Entry {
	ch := make(chan journal.Entry, b.bufSize)
	if b.closed.Load() {
		close(ch)
		return ch
	}
	b.subs.Store((<-chan journal.Entry)(ch), ch)

	if ctx != nil {
		go func() {
			<-ctx.Done()
			b.Unsubscribe(ch)
		}()
	}

	return ch
}

// Unsubscribe removes the subscription associated with ch and closes the
// channel so the consumer loop exits cleanly. It is safe to call after the
// broadcaster has been closed.
func (b *Broadcaster) Unsubscribe(ch <-chan journal.Entry) {
	if actual, loaded := b.subs.LoadAndDelete(ch); loaded {
		close(actual.(chan journal.Entry))
	}
}

// Publish delivers e to every anonymous subscriber and fans the JSON-encoded
// Message out to every registered WebSocket client. The non-blocking
// select/default pattern ensures that a slow consumer never stalls the
// daemon's event loop.
func (b *Broadcaster) Publish(e journal.Entry) {
	if b.closed.Load() {
		return
	}

	b.subs.Range(func(_, value any) bool {
		ch := value.(chan journal.Entry)
		select {
		case ch <- e:
		default:
			b.logger.Warn("feed: subscriber buffer full, dropping event",
				slog.String("event_id", e.ID),
				slog.String("path", e.Path),
			)
		}
		return true
	})

	raw, err := json.Marshal(Message{
		Type: "event",
		Data: EventData{
			ID:        e.ID,
			Rule:      e.Rule,
			Path:      e.Path,
			Type:      e.Type,
			MovedTo:   e.MovedTo,
			Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
		},
	})
	if err != nil {
		b.logger.Error("feed: marshal failed", slog.Any("error", err))
		return
	}

	b.clients.Range(func(_, v any) bool {
		c := v.(*Client)
		select {
		case c.send <- raw:
		default:
			c.Dropped.Add(1)
			b.logger.Warn("feed: client buffer full, dropping event",
				slog.String("client_id", c.id),
			)
		}
		return true
	})
}

// Close removes all subscriptions and registered clients and closes every
// channel. After Close returns, Publish is a no-op and Subscribe returns a
// closed channel.
func (b *Broadcaster) Close() {
	b.closeOnce.Do(func() {
		b.closed.Store(true)

		b.subs.Range(func(key, value any) bool {
			b.subs.Delete(key)
			close(value.(chan journal.Entry))
			return true
		})

		b.clients.Range(func(key, value any) bool {
			b.clients.Delete(key)
			close(value.(*Client).send)
			b.clientCnt.Add(-1)
			return true
		})
	})
}
