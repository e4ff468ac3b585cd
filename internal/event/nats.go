// internal/event/nats.go
package event

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/RegistryAccord/registryaccord-fieldsync-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-fieldsync-go/internal/model"
	"github.com/nats-io/nats.go"
)

// dedupWindow suppresses repeated delivered signals for the same report
const dedupWindow = 2 * time.Minute

// NATSPublisher is the NATS JetStream implementation of Publisher.
type NATSPublisher struct {
	nc       *nats.Conn            // NATS connection
	js       nats.JetStreamContext // JetStream context for stream operations
	deviceID string
	metrics  *metrics.Metrics

	deliveredDedup map[string]time.Time // local uuid to last publish time
	mutex          sync.Mutex
}

// NewNATSPublisher connects to url and makes sure the streams exist.
func NewNATSPublisher(url, deviceID string, m *metrics.Metrics) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("fieldsyncd "+deviceID),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("NATS connect: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("NATS JetStream context: %w", err)
	}

	if err := initStreams(js); err != nil {
		nc.Close()
		return nil, err
	}

	return &NATSPublisher{
		nc:             nc,
		js:             js,
		deviceID:       deviceID,
		metrics:        m,
		deliveredDedup: make(map[string]time.Time),
	}, nil
}

// initStreams creates the FIELDSYNC_DEVICE and FIELDSYNC_REPORTS streams if they are missing.
func initStreams(js nats.JetStreamContext) error {
	streams := []*nats.StreamConfig{
		{
			Name:      "FIELDSYNC_DEVICE",
			Subjects:  []string{"fieldsync.device.>"},
			Retention: nats.LimitsPolicy,
			MaxAge:    24 * time.Hour,
			Discard:   nats.DiscardOld,
			Storage:   nats.FileStorage,
		},
		{
			Name:       "FIELDSYNC_REPORTS",
			Subjects:   []string{"fieldsync.reports.>"},
			Retention:  nats.LimitsPolicy,
			MaxAge:     7 * 24 * time.Hour,
			Discard:    nats.DiscardOld,
			Storage:    nats.FileStorage,
			Duplicates: dedupWindow,
		},
	}
	for _, cfg := range streams {
		if _, err := js.StreamInfo(cfg.Name); err == nil {
			continue
		}
		if _, err := js.AddStream(cfg); err != nil {
			return fmt.Errorf("failed to create %s stream: %w", cfg.Name, err)
		}
	}
	return nil
}

// Close drains and closes the NATS connection.
func (p *NATSPublisher) Close() error {
	if p.nc != nil {
		return p.nc.Drain()
	}
	return nil
}

// PublishDeviceState publishes a snapshot change.
func (p *NATSPublisher) PublishDeviceState(ctx context.Context, snap model.DeviceSnapshot) error {
	return p.publish(ctx, TypeDeviceState, "", snap)
}

// PublishNewItems publishes the outcome of a delta sync cycle.
func (p *NATSPublisher) PublishNewItems(ctx context.Context, items model.NewItems) error {
	return p.publish(ctx, TypeNewItems, "", items)
}

// PublishReportDelivered publishes a delivered report once per dedup window.
func (p *NATSPublisher) PublishReportDelivered(ctx context.Context, d model.ReportDelivered) error {
	if p.shouldDedup(d.LocalUUID) {
		return nil
	}
	if err := p.publish(ctx, TypeReportDelivered, d.LocalUUID, d); err != nil {
		return err
	}
	p.updateDedup(d.LocalUUID)
	return nil
}

func (p *NATSPublisher) publish(ctx context.Context, eventType, msgID string, payload any) (err error) {
	start := time.Now()
	defer func() { p.metrics.ObserveEvent(eventType, err, start) }()

	b, err := NewEnvelope(eventType, p.deviceID, payload).Marshal()
	if err != nil {
		return err
	}

	opts := []nats.PubOpt{nats.Context(ctx)}
	if msgID != "" {
		opts = append(opts, nats.MsgId(msgID))
	}
	_, err = p.js.Publish(eventType, b, opts...)
	return err
}

func (p *NATSPublisher) shouldDedup(key string) bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	last, ok := p.deliveredDedup[key]
	return ok && time.Since(last) < dedupWindow
}

func (p *NATSPublisher) updateDedup(key string) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	cutoff := time.Now().Add(-5 * time.Minute)
	for k, t := range p.deliveredDedup {
		if t.Before(cutoff) {
			delete(p.deliveredDedup, k)
		}
	}
	p.deliveredDedup[key] = time.Now()
}
