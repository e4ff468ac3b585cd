package event

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/RegistryAccord/registryaccord-fieldsync-go/internal/model"
)

type recorder struct {
	states    []model.DeviceSnapshot
	items     []model.NewItems
	delivered []model.ReportDelivered
	err       error
	closed    bool
}

func (r *recorder) PublishDeviceState(_ context.Context, s model.DeviceSnapshot) error {
	r.states = append(r.states, s)
	return r.err
}

func (r *recorder) PublishNewItems(_ context.Context, i model.NewItems) error {
	r.items = append(r.items, i)
	return r.err
}

func (r *recorder) PublishReportDelivered(_ context.Context, d model.ReportDelivered) error {
	r.delivered = append(r.delivered, d)
	return r.err
}

func (r *recorder) Close() error {
	r.closed = true
	return r.err
}

func TestEnvelopeMarshal(t *testing.T) {
	env := NewEnvelope(TypeNewItems, "dev-1", model.NewItems{Find: true})
	b, err := env.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got["type"] != TypeNewItems {
		t.Errorf("type = %v, want %v", got["type"], TypeNewItems)
	}
	if got["version"] != envelopeVersion {
		t.Errorf("version = %v, want %v", got["version"], envelopeVersion)
	}
	if got["deviceId"] != "dev-1" {
		t.Errorf("deviceId = %v, want dev-1", got["deviceId"])
	}
	if got["correlationId"] == "" {
		t.Errorf("correlationId is empty")
	}
	payload, _ := got["payload"].(map[string]any)
	if payload["find"] != true || payload["issue"] != false {
		t.Errorf("payload = %v", payload)
	}
}

func TestNewPublisherWithoutTransportIsNoop(t *testing.T) {
	p := NewPublisher(Options{}, nil, nil)
	if _, ok := p.(noop); !ok {
		t.Fatalf("NewPublisher() = %T, want noop", p)
	}
	if err := p.PublishNewItems(context.Background(), model.NewItems{}); err != nil {
		t.Errorf("PublishNewItems: %v", err)
	}
}

func TestFanoutReachesEveryPublisher(t *testing.T) {
	ok := &recorder{}
	failing := &recorder{err: errors.New("broker down")}
	p := Fanout(failing, ok)

	err := p.PublishReportDelivered(context.Background(), model.ReportDelivered{LocalUUID: "u1"})
	if err == nil {
		t.Fatalf("PublishReportDelivered error = nil, want joined error")
	}
	if len(ok.delivered) != 1 || len(failing.delivered) != 1 {
		t.Errorf("delivered = %d/%d, want 1/1", len(ok.delivered), len(failing.delivered))
	}

	_ = p.PublishDeviceState(context.Background(), model.DeviceSnapshot{DeviceID: "d"})
	if len(ok.states) != 1 {
		t.Errorf("states = %d, want 1", len(ok.states))
	}

	_ = p.Close()
	if !ok.closed || !failing.closed {
		t.Errorf("Close did not reach every publisher")
	}
}

func TestMQTTTopic(t *testing.T) {
	p := &MQTTPublisher{opts: MQTTOptions{Topic: "site/fieldsync", ClientID: "dev-9"}}
	cases := map[string]string{
		TypeDeviceState:     "site/fieldsync/dev-9/state",
		TypeNewItems:        "site/fieldsync/dev-9/new_items",
		TypeReportDelivered: "site/fieldsync/dev-9/delivered",
	}
	for eventType, want := range cases {
		if got := p.Topic(eventType); got != want {
			t.Errorf("Topic(%q) = %q, want %q", eventType, got, want)
		}
	}
}

func TestNATSDeliveredDedup(t *testing.T) {
	p := &NATSPublisher{deliveredDedup: make(map[string]time.Time)}
	if p.shouldDedup("u1") {
		t.Fatalf("shouldDedup before publish = true")
	}
	p.updateDedup("u1")
	if !p.shouldDedup("u1") {
		t.Errorf("shouldDedup within window = false")
	}

	p.deliveredDedup["u1"] = time.Now().Add(-10 * time.Minute)
	if p.shouldDedup("u1") {
		t.Errorf("shouldDedup after window = true")
	}
	p.updateDedup("u2")
	if _, ok := p.deliveredDedup["u1"]; ok {
		t.Errorf("stale entry not pruned")
	}
}
