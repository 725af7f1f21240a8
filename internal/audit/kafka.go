package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/kioskguard/kioskguard/internal/database/models"
)

// messageWriter is the subset of *kafka.Writer used by KafkaPublisher.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher streams audit entries to a Kafka topic, keyed by license
// id so a license's events stay ordered within one partition.
type KafkaPublisher struct {
	writer messageWriter
	topic  string
}

// streamEntry is the JSON shape published for each audit entry.
type streamEntry struct {
	ID         string          `json:"id"`
	EventType  string          `json:"event_type"`
	Severity   string          `json:"severity"`
	Message    string          `json:"message"`
	LicenseID  string          `json:"license_id,omitempty"`
	DeviceID   string          `json:"device_id,omitempty"`
	EventData  json.RawMessage `json:"event_data,omitempty"`
	IPAddress  string          `json:"ip_address,omitempty"`
	AdminEmail string          `json:"admin_email,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// NewKafkaPublisher creates a publisher writing to topic on brokers.
func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka publisher requires at least one broker")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka publisher requires a topic")
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			RequiredAcks: kafka.RequireAll,
			Balancer:     &kafka.Hash{},
		},
		topic: topic,
	}, nil
}

// Publish writes entry as one message.
func (p *KafkaPublisher) Publish(ctx context.Context, entry models.AuditLogEntry) error {
	var data json.RawMessage
	if entry.EventData != "" {
		data = json.RawMessage(entry.EventData)
	}
	payload, err := json.Marshal(streamEntry{
		ID:         entry.ID,
		EventType:  entry.EventType,
		Severity:   entry.Severity,
		Message:    entry.Message,
		LicenseID:  entry.LicenseID,
		DeviceID:   entry.DeviceID,
		EventData:  data,
		IPAddress:  entry.IPAddress,
		AdminEmail: entry.AdminEmail,
		CreatedAt:  entry.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("kafka: encoding audit entry: %w", err)
	}

	key := entry.LicenseID
	if key == "" {
		key = entry.DeviceID
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Time:  entry.CreatedAt,
	}); err != nil {
		return fmt.Errorf("kafka: writing to %s: %w", p.topic, err)
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
