// internal/event/nats.go
// Package event provides NATS JetStream implementation for mock lifecycle
// event publishing. Downstream routing portals and audit consumers subscribe
// to learn when mocks are published or their responses refreshed.
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/commandcenter/servicevirt-go/internal/model"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// Publisher interface defines the event publishing operations used by the
// virtualization core. Publishing is always best-effort: a failed publish is
// logged by the caller and never fails the underlying operation.
type Publisher interface {
	// PublishMockPublished announces a newly published mock record.
	PublishMockPublished(ctx context.Context, record model.MockRecord) error

	// PublishMockRefreshed announces a refreshed response for a record.
	PublishMockRefreshed(ctx context.Context, recordID int64, statusCode int, elapsedMS int64) error

	// Close closes the publisher connection
	Close() error
}

// noop is a no-op implementation of Publisher for when NATS is not
// configured. It allows the service to function without event streaming.
type noop struct{}

// Close implements Publisher.
func (n *noop) Close() error { return nil }

// PublishMockPublished implements Publisher.
func (n *noop) PublishMockPublished(ctx context.Context, record model.MockRecord) error {
	return nil
}

// PublishMockRefreshed implements Publisher.
func (n *noop) PublishMockRefreshed(ctx context.Context, recordID int64, statusCode int, elapsedMS int64) error {
	return nil
}

// natsPub is the NATS JetStream implementation of Publisher.
type natsPub struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

// NewPublisherFromEnv creates a new publisher based on environment
// configuration. It reads SV_NATS_URL; when unset or the connection fails,
// it returns a no-op publisher so the core keeps working without events.
func NewPublisherFromEnv() Publisher {
	url := os.Getenv("SV_NATS_URL")
	if url == "" {
		return &noop{}
	}

	nc, err := nats.Connect(url)
	if err != nil {
		slog.Warn("NATS connect failed, using noop publisher", "error", err)
		return &noop{}
	}

	js, err := nc.JetStream()
	if err != nil {
		slog.Warn("NATS JetStream context creation failed, using noop publisher", "error", err)
		nc.Close()
		return &noop{}
	}

	if err := initStream(js); err != nil {
		slog.Warn("NATS stream initialization failed, using noop publisher", "error", err)
		nc.Close()
		return &noop{}
	}

	return &natsPub{nc: nc, js: js}
}

// initStream initializes the SV_MOCKS stream carrying all mock lifecycle
// events (published and refreshed).
func initStream(js nats.JetStreamContext) error {
	_, err := js.AddStream(&nats.StreamConfig{
		Name:      "SV_MOCKS",
		Subjects:  []string{"svirt.mocks.*"},
		Retention: nats.LimitsPolicy,
		MaxAge:    24 * time.Hour,
		Discard:   nats.DiscardOld,
		Storage:   nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("failed to create SV_MOCKS stream: %w", err)
	}

	return nil
}

// EventEnvelope represents the standard event envelope structure.
// All events published to NATS are wrapped in this envelope for consistency.
type EventEnvelope struct {
	Type          string      `json:"type"`
	Version       string      `json:"version"`
	OccurredAt    time.Time   `json:"occurredAt"`
	CorrelationID string      `json:"correlationId"`
	Payload       interface{} `json:"payload"`
}

// refreshedPayload is the payload for mock refreshed events.
type refreshedPayload struct {
	RecordID   int64 `json:"recordId"`
	StatusCode int   `json:"statusCode"`
	ElapsedMS  int64 `json:"elapsedMs"`
}

// Close closes the NATS connection.
func (p *natsPub) Close() error {
	if p.nc != nil {
		p.nc.Close()
	}
	return nil
}

// publish wraps a payload in the standard envelope and sends it.
func (p *natsPub) publish(subject, eventType string, payload interface{}) error {
	envelope := EventEnvelope{
		Type:          eventType,
		Version:       "1.0.0",
		OccurredAt:    time.Now().UTC(),
		CorrelationID: uuid.New().String(),
		Payload:       payload,
	}

	b, err := json.Marshal(envelope)
	if err != nil {
		return err
	}

	_, err = p.js.Publish(subject, b)
	return err
}

// PublishMockPublished publishes a mock published event to the SV_MOCKS
// stream. The full record (including the captured response) rides along so
// consumers need no read-back.
func (p *natsPub) PublishMockPublished(ctx context.Context, record model.MockRecord) error {
	return p.publish("svirt.mocks.published", "svirt.mocks.published", record)
}

// PublishMockRefreshed publishes a mock refreshed event with the capture
// outcome for the record.
func (p *natsPub) PublishMockRefreshed(ctx context.Context, recordID int64, statusCode int, elapsedMS int64) error {
	return p.publish("svirt.mocks.refreshed", "svirt.mocks.refreshed", refreshedPayload{
		RecordID:   recordID,
		StatusCode: statusCode,
		ElapsedMS:  elapsedMS,
	})
}
