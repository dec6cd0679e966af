// Package messaging provides a NATS client wrapper for pub/sub between the
// signaling server and the moderation service. It handles connection
// lifecycle, subscription bookkeeping, and convenience methods for the
// moderation and session-event channels.
package messaging

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subjects shared by the services.
const (
	// SubjectReport carries validated abuse reports from the signaling
	// server to the moderation service.
	SubjectReport = "moderation.report"

	// SubjectBan carries ban decisions from the moderation service back to
	// signaling servers so live connections can be cut.
	SubjectBan = "moderation.ban"

	// SubjectSessionEnded carries terminal session events for analytics
	// consumers.
	SubjectSessionEnded = "session.ended"
)

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "pairing",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup.
func (c *NATSClient) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()

	return nil
}

// PublishReport publishes a validated abuse report for the moderation
// service.
func (c *NATSClient) PublishReport(data []byte) error {
	return c.Publish(SubjectReport, data)
}

// SubscribeReports subscribes to abuse reports from signaling servers.
func (c *NATSClient) SubscribeReports(handler func(data []byte)) error {
	return c.Subscribe(SubjectReport, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// PublishBan publishes a ban decision for signaling servers to enforce.
func (c *NATSClient) PublishBan(data []byte) error {
	return c.Publish(SubjectBan, data)
}

// SubscribeBans subscribes to ban decisions from the moderation service.
func (c *NATSClient) SubscribeBans(handler func(data []byte)) error {
	return c.Subscribe(SubjectBan, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// PublishSessionEnded publishes a terminal session event.
func (c *NATSClient) PublishSessionEnded(data []byte) error {
	return c.Publish(SubjectSessionEnded, data)
}

// SubscribeSessionEnded subscribes to terminal session events.
func (c *NATSClient) SubscribeSessionEnded(handler func(data []byte)) error {
	return c.Subscribe(SubjectSessionEnded, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}
