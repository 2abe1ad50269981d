// Package realtime delivers ingestion progress to listeners outside the pipeline.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alqutdigital/docqa-agent/internal/ingest"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// StreamProgress is the JetStream stream holding progress events.
const StreamProgress = "DOCQA_PROGRESS"

// NATSConfig holds NATS connection configuration.
type NATSConfig struct {
	URL            string
	Name           string
	SubjectPrefix  string
	JetStream      bool // persist events in StreamProgress
	MaxReconnects  int
	ReconnectWait  time.Duration
	ConnectTimeout time.Duration
}

// DefaultNATSConfig returns a sensible default configuration.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:            "nats://localhost:4222",
		Name:           "docqa-agent",
		SubjectPrefix:  "docqa.progress",
		MaxReconnects:  -1, // Infinite reconnects
		ReconnectWait:  2 * time.Second,
		ConnectTimeout: 10 * time.Second,
	}
}

// ProgressEvent is the wire form of an ingestion progress update.
type ProgressEvent struct {
	ingest.Progress

	EventID   string    `json:"event_id"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// NewProgressEvent wraps p with an ID and timestamp.
func NewProgressEvent(p ingest.Progress) ProgressEvent {
	return ProgressEvent{
		EventID:   uuid.New().String(),
		Type:      "progress",
		Progress:  p,
		Timestamp: time.Now().UTC(),
	}
}

// Validate checks if the event has required fields.
func (e *ProgressEvent) Validate() error {
	if e.EventID == "" {
		return errors.New("event_id is required")
	}
	if e.SessionID == "" {
		return errors.New("session_id is required")
	}
	if e.Stage == "" {
		return errors.New("stage is required")
	}
	return nil
}

// NATSClient publishes progress events on "<prefix>.<session_id>" and optionally
// relays them back to a local handler.
type NATSClient struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	config NATSConfig
	logger *slog.Logger
	mu     sync.RWMutex
	subs   []*nats.Subscription

	published atomic.Int64
	failed    atomic.Int64
}

// NewNATSClient connects to NATS.
func NewNATSClient(cfg NATSConfig, logger *slog.Logger) (*NATSClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = DefaultNATSConfig().SubjectPrefix
	}

	client := &NATSClient{
		config: cfg,
		logger: logger.With("component", "nats"),
	}

	if err := client.connect(); err != nil {
		return nil, err
	}

	return client, nil
}

// connect establishes the NATS connection.
func (c *NATSClient) connect() error {
	opts := []nats.Option{
		nats.Name(c.config.Name),
		nats.MaxReconnects(c.config.MaxReconnects),
		nats.ReconnectWait(c.config.ReconnectWait),
		nats.Timeout(c.config.ConnectTimeout),
		nats.DisconnectErrHandler(func(conn *nats.Conn, err error) {
			if err != nil {
				c.logger.Warn("disconnected from NATS", "error", err)
			}
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			c.logger.Info("reconnected to NATS", "url", conn.ConnectedUrl())
		}),
		nats.ClosedHandler(func(conn *nats.Conn) {
			c.logger.Info("NATS connection closed")
		}),
		nats.ErrorHandler(func(conn *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			c.logger.Error("NATS error", "error", err, "subject", subject)
		}),
	}

	conn, err := nats.Connect(c.config.URL, opts...)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}

	var js nats.JetStreamContext
	if c.config.JetStream {
		js, err = conn.JetStream(nats.PublishAsyncMaxPending(256))
		if err != nil {
			conn.Close()
			return fmt.Errorf("failed to create JetStream context: %w", err)
		}
	}

	c.mu.Lock()
	c.conn = conn
	c.js = js
	c.mu.Unlock()

	c.logger.Info("connected to NATS", "url", c.config.URL, "jetstream", c.config.JetStream)
	return nil
}

// SetupStream creates or updates the progress stream. It is a no-op without JetStream.
func (c *NATSClient) SetupStream(ctx context.Context) error {
	c.mu.RLock()
	js := c.js
	c.mu.RUnlock()
	if js == nil {
		return nil
	}

	cfg := nats.StreamConfig{
		Name:        StreamProgress,
		Description: "Document ingestion progress",
		Subjects:    []string{c.config.SubjectPrefix + ".>"},
		Storage:     nats.MemoryStorage,
		Retention:   nats.LimitsPolicy,
		MaxAge:      time.Hour,
		MaxMsgs:     -1,
		MaxBytes:    -1,
		Replicas:    1,
		Discard:     nats.DiscardOld,
	}

	_, err := js.StreamInfo(cfg.Name, nats.Context(ctx))
	if err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			return fmt.Errorf("failed to get stream info for %s: %w", cfg.Name, err)
		}
		if _, err := js.AddStream(&cfg, nats.Context(ctx)); err != nil {
			return fmt.Errorf("failed to create stream %s: %w", cfg.Name, err)
		}
		c.logger.Info("created stream", "stream", cfg.Name)
		return nil
	}

	if _, err := js.UpdateStream(&cfg, nats.Context(ctx)); err != nil {
		c.logger.Warn("failed to update stream", "stream", cfg.Name, "error", err)
	}
	return nil
}

// Subject returns the subject progress for sessionID is published on.
func (c *NATSClient) Subject(sessionID string) string {
	return c.config.SubjectPrefix + "." + sessionID
}

// sessionFromSubject extracts the session ID from a progress subject.
func (c *NATSClient) sessionFromSubject(subject string) string {
	return strings.TrimPrefix(subject, c.config.SubjectPrefix+".")
}

// Publish publishes an event on the session's subject.
func (c *NATSClient) Publish(ctx context.Context, event ProgressEvent) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	c.mu.RLock()
	conn, js := c.conn, c.js
	c.mu.RUnlock()
	if conn == nil {
		return errors.New("NATS connection closed")
	}

	subject := c.Subject(event.SessionID)
	if js != nil {
		_, err = js.Publish(subject, data, nats.Context(ctx))
	} else {
		err = conn.Publish(subject, data)
	}
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}

	c.logger.Debug("published event", "subject", subject, "size", len(data))
	return nil
}

// Report implements ingest.ProgressSink. Failures are logged and counted, never
// returned to the pipeline.
func (c *NATSClient) Report(ctx context.Context, p ingest.Progress) {
	if err := c.Publish(ctx, NewProgressEvent(p)); err != nil {
		c.failed.Add(1)
		c.logger.Warn("failed to publish progress",
			"document_id", p.DocumentID,
			"stage", p.Stage,
			"error", err,
		)
		return
	}
	c.published.Add(1)
}

// SubscribeProgress delivers every progress event to handler. Core NATS is used
// even with JetStream enabled so that each server instance sees every event.
func (c *NATSClient) SubscribeProgress(handler func(sessionID string, event ProgressEvent)) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return errors.New("NATS connection closed")
	}

	subject := c.config.SubjectPrefix + ".*"
	sub, err := conn.Subscribe(subject, func(msg *nats.Msg) {
		var event ProgressEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			c.logger.Error("failed to unmarshal progress event", "error", err)
			return
		}
		handler(c.sessionFromSubject(msg.Subject), event)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()

	c.logger.Info("subscribed to subject", "subject", subject)
	return nil
}

// IsConnected returns true if connected to NATS.
func (c *NATSClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil && c.conn.IsConnected()
}

// Stats returns published and failed event counts.
func (c *NATSClient) Stats() (published, failed int64) {
	return c.published.Load(), c.failed.Load()
}

// Drain gracefully drains all subscriptions and closes the connection.
func (c *NATSClient) Drain() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			c.logger.Warn("failed to drain subscription", "subject", sub.Subject, "error", err)
		}
	}
	c.subs = nil

	if c.conn != nil {
		if err := c.conn.Drain(); err != nil {
			return fmt.Errorf("failed to drain connection: %w", err)
		}
	}

	c.logger.Info("drained all subscriptions")
	return nil
}

// Close closes the NATS connection.
func (c *NATSClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
		c.js = nil
	}

	c.logger.Info("closed NATS connection")
	return nil
}
