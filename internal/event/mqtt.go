package event

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/RegistryAccord/registryaccord-fieldsync-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-fieldsync-go/internal/model"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTOptions configures the MQTT transport.
type MQTTOptions struct {
	Broker         string
	Topic          string // Prefix; the event type's last segment is appended
	ClientID       string
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
}

// MQTTPublisher publishes signals on an MQTT broker, for hosts that already run a
// device telemetry bus.
type MQTTPublisher struct {
	client  mqtt.Client
	opts    MQTTOptions
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewMQTTPublisher connects to the broker.
func NewMQTTPublisher(o MQTTOptions, m *metrics.Metrics, logger *slog.Logger) (*MQTTPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if o.Topic == "" {
		o.Topic = "fieldsync"
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = 5 * time.Second
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(o.Broker)
	opts.SetClientID("fieldsyncd-" + o.ClientID)
	opts.SetCleanSession(true)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetConnectTimeout(o.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(time.Minute)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Info("mqtt client connected", "broker", o.Broker)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", "error", err)
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(o.ConnectTimeout) {
		return nil, fmt.Errorf("failed to connect to MQTT broker %s: timeout", o.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}

	return &MQTTPublisher{client: client, opts: o, metrics: m, logger: logger}, nil
}

// Topic maps an event type to its topic, e.g. fieldsync/<device>/state.
func (p *MQTTPublisher) Topic(eventType string) string {
	suffix := eventType[strings.LastIndex(eventType, ".")+1:]
	return fmt.Sprintf("%s/%s/%s", p.opts.Topic, p.opts.ClientID, suffix)
}

// PublishDeviceState is retained so a late subscriber sees the current state.
func (p *MQTTPublisher) PublishDeviceState(ctx context.Context, snap model.DeviceSnapshot) error {
	return p.publish(ctx, TypeDeviceState, 1, true, snap)
}

func (p *MQTTPublisher) PublishNewItems(ctx context.Context, items model.NewItems) error {
	return p.publish(ctx, TypeNewItems, 1, false, items)
}

func (p *MQTTPublisher) PublishReportDelivered(ctx context.Context, d model.ReportDelivered) error {
	return p.publish(ctx, TypeReportDelivered, 1, false, d)
}

func (p *MQTTPublisher) publish(ctx context.Context, eventType string, qos byte, retained bool, payload any) (err error) {
	start := time.Now()
	defer func() { p.metrics.ObserveEvent(eventType, err, start) }()

	b, err := NewEnvelope(eventType, p.opts.ClientID, payload).Marshal()
	if err != nil {
		return err
	}

	token := p.client.Publish(p.Topic(eventType), qos, retained, b)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(p.opts.PublishTimeout):
		return fmt.Errorf("mqtt publish %s: timeout", eventType)
	}
}

// Close disconnects from the broker, waiting briefly for in-flight messages.
func (p *MQTTPublisher) Close() error {
	p.client.Disconnect(250)
	return nil
}
