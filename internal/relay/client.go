// Package relay speaks the broadcast network's websocket protocol.
// Frames are JSON arrays: ["EVENT", <event>] to publish,
// ["REQ", <sub>, <filter>] to subscribe, ["CLOSE", <sub>] to stop,
// and inbound ["EVENT", <sub>, <event>] / ["OK", <id>, <bool>, <msg>].
// The engine never sees any of this; it consumes SignedEvent values.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/example/ride-protocol/internal/models"
	"github.com/example/ride-protocol/internal/observability"
)

// Filter selects which events a subscription yields.
type Filter struct {
	Kinds   []models.Kind `json:"kinds,omitempty"`
	Authors []string      `json:"authors,omitempty"`
	Since   int64         `json:"since,omitempty"`
}

// ErrClosed is returned from operations on a closed client.
var ErrClosed = errors.New("relay client closed")

const (
	writeTimeout = 5 * time.Second
	maxBackoff   = 30 * time.Second
	subBuffer    = 64
)

type subscription struct {
	filter Filter
	ch     chan models.SignedEvent
}

// Client is one relay connection. Writes are serialized under a
// mutex; a background read loop dispatches inbound events to
// subscriptions and reconnects with exponential backoff, replaying
// active subscriptions after each reconnect.
type Client struct {
	url    string
	logger *slog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	subs   map[string]*subscription
	closed bool
	done   chan struct{}
}

// Dial connects to a relay and starts the read loop.
func Dial(ctx context.Context, url string, logger *slog.Logger) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing relay %s: %w", url, err)
	}
	c := &Client{
		url:    url,
		logger: logger,
		conn:   conn,
		subs:   make(map[string]*subscription),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Publish sends one signed event to the relay. Delivery to other
// participants is best-effort by design; callers publish through a
// Pool to reach several relays.
func (c *Client) Publish(ctx context.Context, e *models.SignedEvent) error {
	return c.write(ctx, []any{"EVENT", e})
}

// Subscribe opens a filtered feed. The returned channel is never
// closed by reconnects; call Unsubscribe (or Close) to stop it. Slow
// consumers lose events rather than stalling the read loop — the
// protocol tolerates missed delivery.
func (c *Client) Subscribe(ctx context.Context, filter Filter) (string, <-chan models.SignedEvent, error) {
	id := uuid.NewString()
	sub := &subscription{filter: filter, ch: make(chan models.SignedEvent, subBuffer)}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", nil, ErrClosed
	}
	c.subs[id] = sub
	c.mu.Unlock()

	if err := c.write(ctx, []any{"REQ", id, filter}); err != nil {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
		return "", nil, err
	}
	return id, sub.ch, nil
}

// Unsubscribe stops a subscription and closes its channel.
func (c *Client) Unsubscribe(id string) {
	c.mu.Lock()
	sub, ok := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()
	if !ok {
		return
	}
	_ = c.write(context.Background(), []any{"CLOSE", id})
	close(sub.ch)
}

// Close shuts the connection down and closes all subscription
// channels.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	conn := c.conn
	subs := c.subs
	c.subs = map[string]*subscription{}
	c.mu.Unlock()

	for _, sub := range subs {
		close(sub.ch)
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (c *Client) write(ctx context.Context, frame []any) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.conn == nil {
		return fmt.Errorf("relay %s not connected", c.url)
	}
	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *Client) readLoop() {
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		_, payload, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			c.reconnect()
			continue
		}
		c.dispatch(payload)
	}
}

func (c *Client) dispatch(payload []byte) {
	var frame []json.RawMessage
	if err := json.Unmarshal(payload, &frame); err != nil || len(frame) == 0 {
		return
	}
	var kind string
	if json.Unmarshal(frame[0], &kind) != nil {
		return
	}
	switch kind {
	case "EVENT":
		if len(frame) < 3 {
			return
		}
		var subID string
		if json.Unmarshal(frame[1], &subID) != nil {
			return
		}
		var e models.SignedEvent
		if json.Unmarshal(frame[2], &e) != nil {
			return
		}
		c.mu.Lock()
		sub := c.subs[subID]
		c.mu.Unlock()
		if sub == nil {
			return
		}
		select {
		case sub.ch <- e:
		default:
			c.logger.Warn("relay subscription backlogged, dropping event", "relay", c.url, "event", e.ID)
		}
	case "OK":
		// Publish acknowledgement; nothing to correlate it to here.
	}
}

// reconnect redials with exponential backoff and replays active
// subscriptions.
func (c *Client) reconnect() {
	backoff := time.Second
	for {
		select {
		case <-c.done:
			return
		case <-time.After(backoff):
		}
		observability.RelayReconnects.Inc()

		conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
		if err != nil {
			c.logger.Warn("relay reconnect failed", "relay", c.url, "error", err, "backoff", backoff.String())
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = conn.Close()
			return
		}
		c.conn = conn
		subs := make(map[string]Filter, len(c.subs))
		for id, sub := range c.subs {
			subs[id] = sub.filter
		}
		c.mu.Unlock()

		c.logger.Info("relay reconnected", "relay", c.url)
		for id, filter := range subs {
			_ = c.write(context.Background(), []any{"REQ", id, filter})
		}
		return
	}
}
