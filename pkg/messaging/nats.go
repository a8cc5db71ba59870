package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Client wraps a NATS connection with JSON publishing and tracked
// subscriptions.
type Client struct {
	conn *nats.Conn
	subs map[string]*nats.Subscription
	mu   sync.Mutex
}

// ClientOptions holds NATS connection options.
type ClientOptions struct {
	Name           string
	ReconnectWait  time.Duration
	MaxReconnects  int
	ConnectTimeout time.Duration
}

// NewClient connects to NATS.
func NewClient(url string, opts ClientOptions) (*Client, error) {
	natsOpts := []nats.Option{
		nats.Name(opts.Name),
		nats.ReconnectWait(opts.ReconnectWait),
		nats.MaxReconnects(opts.MaxReconnects),
	}
	if opts.ConnectTimeout > 0 {
		natsOpts = append(natsOpts, nats.Timeout(opts.ConnectTimeout))
	}

	conn, err := nats.Connect(url, natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &Client{
		conn: conn,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish marshals data to JSON and publishes it on subject.
func (c *Client) Publish(ctx context.Context, subject string, data interface{}) error {
	if c.conn == nil {
		return fmt.Errorf("not connected")
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}
	return c.conn.Publish(subject, payload)
}

// Subscribe subscribes to a subject.
func (c *Client) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.subs[subject]; exists {
		return fmt.Errorf("already subscribed to %s", subject)
	}
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	c.subs[subject] = sub
	return nil
}

// QueueSubscribe subscribes to a subject with a queue group.
func (c *Client) QueueSubscribe(subject, queue string, handler func(msg *nats.Msg)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := subject + ":" + queue
	if _, exists := c.subs[key]; exists {
		return fmt.Errorf("already subscribed to %s with queue %s", subject, queue)
	}
	sub, err := c.conn.QueueSubscribe(subject, queue, handler)
	if err != nil {
		return fmt.Errorf("failed to queue subscribe: %w", err)
	}
	c.subs[key] = sub
	return nil
}

// Unsubscribe removes a subscription.
func (c *Client) Unsubscribe(subject string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	sub, exists := c.subs[subject]
	if !exists {
		return fmt.Errorf("not subscribed to %s", subject)
	}
	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("failed to unsubscribe: %w", err)
	}
	delete(c.subs, subject)
	return nil
}

// IsConnected returns the connection status.
func (c *Client) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

// Drain drains the connection.
func (c *Client) Drain() error {
	if c.conn == nil {
		return fmt.Errorf("not connected")
	}
	return c.conn.Drain()
}

// Close unsubscribes everything and closes the connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		sub.Unsubscribe()
		delete(c.subs, subject)
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
