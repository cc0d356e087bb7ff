// Package natsbroker wraps a NATS connection with the reconnect/error
// handlers and metrics hooks the teacher's pkg/nats/client.go wired up,
// generalized from the Odin price/trade subjects to the chat broker's
// envelope and dead-letter subjects (see Subjects below).
package natsbroker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"chatbroker/internal/metrics"
	"chatbroker/internal/types"
)

// Client is a thin, metrics-instrumented wrapper over a *nats.Conn.
type Client struct {
	conn      *nats.Conn
	metrics   *metrics.Metrics
	subs      map[string]*nats.Subscription
	subsMutex sync.RWMutex
	logger    *log.Logger
}

// Config mirrors the teacher's connection tuning knobs.
type Config struct {
	URL             string
	MaxReconnects   int
	ReconnectWait   time.Duration
	ReconnectJitter time.Duration
	MaxPingsOut     int
	PingInterval    time.Duration
}

// NewClient dials url and installs connect/disconnect/reconnect/error
// handlers that keep m's NATS gauges and counters current.
func NewClient(cfg Config, m *metrics.Metrics, logger *log.Logger) (*Client, error) {
	client := &Client{
		metrics: m,
		subs:    make(map[string]*nats.Subscription),
		logger:  logger,
	}

	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(cfg.ReconnectJitter, cfg.ReconnectJitter),
		nats.MaxPingsOutstanding(cfg.MaxPingsOut),
		nats.PingInterval(cfg.PingInterval),
		nats.ConnectHandler(client.connectHandler),
		nats.DisconnectErrHandler(client.disconnectHandler),
		nats.ReconnectHandler(client.reconnectHandler),
		nats.ErrorHandler(client.errorHandler),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	client.conn = conn
	client.metrics.SetNATSConnected(true)
	return client, nil
}

func (c *Client) connectHandler(conn *nats.Conn) {
	c.logger.Printf("connected to NATS at %s", conn.ConnectedUrl())
	c.metrics.SetNATSConnected(true)
}

func (c *Client) disconnectHandler(conn *nats.Conn, err error) {
	if err != nil {
		c.logger.Printf("disconnected from NATS: %v", err)
		c.metrics.RecordError("nats_disconnect")
	}
	c.metrics.SetNATSConnected(false)
}

func (c *Client) reconnectHandler(conn *nats.Conn) {
	c.logger.Printf("reconnected to NATS at %s", conn.ConnectedUrl())
	c.metrics.SetNATSConnected(true)
	c.metrics.IncrementNATSReconnects()
}

func (c *Client) errorHandler(conn *nats.Conn, sub *nats.Subscription, err error) {
	c.logger.Printf("NATS error: %v", err)
	c.metrics.RecordError("nats_error")
}

// Subscribe installs handler on subject, replacing any prior subscription
// on the same subject.
func (c *Client) Subscribe(subject string, handler func([]byte)) error {
	c.subsMutex.Lock()
	defer c.subsMutex.Unlock()

	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", subject, err)
	}

	c.subs[subject] = sub
	c.logger.Printf("subscribed to NATS subject: %s", subject)
	return nil
}

// Unsubscribe tears down the subscription on subject, if any.
func (c *Client) Unsubscribe(subject string) error {
	c.subsMutex.Lock()
	defer c.subsMutex.Unlock()

	sub, ok := c.subs[subject]
	if !ok {
		return fmt.Errorf("not subscribed to %s", subject)
	}
	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("unsubscribe from %s: %w", subject, err)
	}
	delete(c.subs, subject)
	return nil
}

// Publish sends data to subject.
func (c *Client) Publish(subject string, data []byte) error {
	if err := c.conn.Publish(subject, data); err != nil {
		c.metrics.RecordError("nats_publish")
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

// PublishJSON marshals obj and publishes it to subject.
func (c *Client) PublishJSON(subject string, obj interface{}) error {
	data, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return c.Publish(subject, data)
}

// IsConnected reports the current connection state.
func (c *Client) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

func (c *Client) Status() nats.Status {
	if c.conn == nil {
		return nats.DISCONNECTED
	}
	return c.conn.Status()
}

func (c *Client) Stats() nats.Statistics {
	if c.conn == nil {
		return nats.Statistics{}
	}
	return c.conn.Stats()
}

// Close unsubscribes everything and closes the underlying connection.
func (c *Client) Close() error {
	c.subsMutex.Lock()
	defer c.subsMutex.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Unsubscribe(); err != nil {
			c.logger.Printf("error unsubscribing from %s: %v", subject, err)
		}
	}
	if c.conn != nil {
		c.conn.Close()
		c.metrics.SetNATSConnected(false)
	}
	return nil
}

// WaitForConnection blocks until connected or ctx is done.
func (c *Client) WaitForConnection(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if c.IsConnected() {
				return nil
			}
		}
	}
}

// Subjects builds the broker's NATS subject names. Unlike the teacher's
// per-token-ID price/trade subjects, the broker keys everything off
// chatId: one subject per chat carries that chat's fanned-out envelopes
// to any other broker instance subscribed to it, so a horizontally
// scaled deployment doesn't need every instance to hold every
// connection for a chat.
type Subjects struct{}

// Chat is the subject an envelope for chatID is broadcast on, for
// cross-instance fan-out.
func (s Subjects) Chat(chatID string) string {
	return fmt.Sprintf("chatbroker.chat.%s.envelope", chatID)
}

// ChatWildcard matches every chat's envelope subject.
func (s Subjects) ChatWildcard() string {
	return "chatbroker.chat.*.envelope"
}

// DeadLetter is the subject dropped envelopes are published to for
// offline inspection or replay.
func (s Subjects) DeadLetter() string {
	return "chatbroker.deadletter"
}

// SubjectBuilder is the package-level Subjects instance, named to match
// the teacher's convention.
var SubjectBuilder = Subjects{}

// ParseEnvelope unmarshals a NATS message payload into an Envelope,
// mirroring the teacher's ParseMessage but for the broker's single
// envelope wire type rather than a tagged union of price/trade
// messages.
func ParseEnvelope(data []byte) (types.Envelope, error) {
	var env types.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return types.Envelope{}, fmt.Errorf("parse envelope: %w", err)
	}
	return env, nil
}
