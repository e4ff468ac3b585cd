// Package event publishes the engine's signals to the presentation layer:
// device snapshots, per-category "new items" flags and delivered reports.
// Transports are NATS JetStream and MQTT; without either a no-op publisher is used.
package event

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"time"

	"github.com/RegistryAccord/registryaccord-fieldsync-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-fieldsync-go/internal/model"
	"github.com/google/uuid"
)

// Event types, also used as subject and topic suffixes
const (
	TypeDeviceState     = "fieldsync.device.state"
	TypeNewItems        = "fieldsync.reports.new_items"
	TypeReportDelivered = "fieldsync.reports.delivered"
)

// envelopeVersion is the schema version of every payload
const envelopeVersion = "1.0.0"

// Publisher interface defines the signal publishing operations of the engine.
type Publisher interface {
	PublishDeviceState(ctx context.Context, snap model.DeviceSnapshot) error
	PublishNewItems(ctx context.Context, items model.NewItems) error
	PublishReportDelivered(ctx context.Context, d model.ReportDelivered) error

	// Close closes the publisher connection
	Close() error
}

// Envelope is the standard event envelope structure.
type Envelope struct {
	Type          string    `json:"type"`
	Version       string    `json:"version"`
	OccurredAt    time.Time `json:"occurredAt"`
	CorrelationID string    `json:"correlationId"`
	DeviceID      string    `json:"deviceId,omitempty"`
	Payload       any       `json:"payload"`
}

// NewEnvelope wraps payload with fresh metadata.
func NewEnvelope(eventType, deviceID string, payload any) Envelope {
	return Envelope{
		Type:          eventType,
		Version:       envelopeVersion,
		OccurredAt:    time.Now().UTC(),
		CorrelationID: uuid.NewString(),
		DeviceID:      deviceID,
		Payload:       payload,
	}
}

// Marshal encodes the envelope as JSON.
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Options selects and configures the transports.
type Options struct {
	NATSURL    string
	MQTTBroker string
	MQTTTopic  string
	ClientID   string // Device id, used as MQTT client id and envelope device id
}

// NewPublisher connects every configured transport. Transports that fail to connect
// are skipped with a warning, so a missing broker never stops the engine.
func NewPublisher(opts Options, m *metrics.Metrics, logger *slog.Logger) Publisher {
	if logger == nil {
		logger = slog.Default()
	}

	var pubs []Publisher
	if opts.NATSURL != "" {
		p, err := NewNATSPublisher(opts.NATSURL, opts.ClientID, m)
		if err != nil {
			logger.Warn("NATS unavailable, signals not streamed", "error", err)
		} else {
			pubs = append(pubs, p)
		}
	}
	if opts.MQTTBroker != "" {
		p, err := NewMQTTPublisher(MQTTOptions{
			Broker:   opts.MQTTBroker,
			Topic:    opts.MQTTTopic,
			ClientID: opts.ClientID,
		}, m, logger)
		if err != nil {
			logger.Warn("MQTT unavailable, signals not streamed", "error", err)
		} else {
			pubs = append(pubs, p)
		}
	}

	switch len(pubs) {
	case 0:
		return Noop()
	case 1:
		return pubs[0]
	default:
		return Fanout(pubs...)
	}
}

// noop is a no-op implementation of Publisher for when no transport is configured.
type noop struct{}

// Noop returns a Publisher that drops every signal.
func Noop() Publisher { return noop{} }

func (noop) PublishDeviceState(context.Context, model.DeviceSnapshot) error      { return nil }
func (noop) PublishNewItems(context.Context, model.NewItems) error               { return nil }
func (noop) PublishReportDelivered(context.Context, model.ReportDelivered) error { return nil }
func (noop) Close() error                                                        { return nil }

type fanout []Publisher

// Fanout publishes every signal to all pubs and joins their errors.
func Fanout(pubs ...Publisher) Publisher {
	return fanout(pubs)
}

func (f fanout) each(fn func(Publisher) error) error {
	var errs []error
	for _, p := range f {
		if err := fn(p); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

func (f fanout) PublishDeviceState(ctx context.Context, snap model.DeviceSnapshot) error {
	return f.each(func(p Publisher) error { return p.PublishDeviceState(ctx, snap) })
}

func (f fanout) PublishNewItems(ctx context.Context, items model.NewItems) error {
	return f.each(func(p Publisher) error { return p.PublishNewItems(ctx, items) })
}

func (f fanout) PublishReportDelivered(ctx context.Context, d model.ReportDelivered) error {
	return f.each(func(p Publisher) error { return p.PublishReportDelivered(ctx, d) })
}

func (f fanout) Close() error {
	return f.each(func(p Publisher) error { return p.Close() })
}
