package audit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"

	"github.com/kioskguard/kioskguard/internal/database/models"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestKafkaPublisher(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaPublisher{writer: w, topic: "kioskguard.audit"}

	entry := models.AuditLogEntry{
		ID:        "e1",
		EventType: CloningAttempt,
		Severity:  models.SeverityCritical,
		Message:   "second device",
		LicenseID: "lic-1",
		DeviceID:  "dev-1",
		EventData: `{"attempted":"abcd"}`,
		CreatedAt: fixedNow,
	}
	if err := p.Publish(context.Background(), entry); err != nil {
		t.Fatalf("Publish() error: %v", err)
	}

	if len(w.msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(w.msgs))
	}
	if string(w.msgs[0].Key) != "lic-1" {
		t.Errorf("key = %q, want lic-1", w.msgs[0].Key)
	}
	var got map[string]any
	if err := json.Unmarshal(w.msgs[0].Value, &got); err != nil {
		t.Fatalf("value is not JSON: %v", err)
	}
	if got["event_type"] != CloningAttempt {
		t.Errorf("event_type = %v", got["event_type"])
	}
	data, ok := got["event_data"].(map[string]any)
	if !ok || data["attempted"] != "abcd" {
		t.Errorf("event_data = %v, want embedded object", got["event_data"])
	}

	if err := p.Close(); err != nil || !w.closed {
		t.Errorf("Close() = %v, closed = %v", err, w.closed)
	}
}

func TestKafkaPublisherKeyFallsBackToDevice(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaPublisher{writer: w, topic: "t"}
	if err := p.Publish(context.Background(), models.AuditLogEntry{EventType: DeviceBlacklisted, DeviceID: "dev-9"}); err != nil {
		t.Fatalf("Publish() error: %v", err)
	}
	if string(w.msgs[0].Key) != "dev-9" {
		t.Errorf("key = %q, want dev-9", w.msgs[0].Key)
	}
}

func TestKafkaPublisherWriteError(t *testing.T) {
	p := &KafkaPublisher{writer: &fakeWriter{err: errors.New("no leader")}, topic: "t"}
	if err := p.Publish(context.Background(), models.AuditLogEntry{EventType: AdminAction}); err == nil {
		t.Error("expected error from writer")
	}
}

func TestNewKafkaPublisherValidation(t *testing.T) {
	if _, err := NewKafkaPublisher(nil, "t"); err == nil {
		t.Error("expected error without brokers")
	}
	if _, err := NewKafkaPublisher([]string{"localhost:9092"}, ""); err == nil {
		t.Error("expected error without topic")
	}
}
