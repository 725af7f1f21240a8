package alert

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

// fcmClient is the subset of *messaging.Client used by FCMNotifier.
type fcmClient interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// FCMNotifier publishes alerts to a Firebase Cloud Messaging topic that
// operator devices subscribe to.
type FCMNotifier struct {
	client fcmClient
	topic  string
}

// NewFCMNotifier initialises a Firebase app from the service-account JSON
// file at credentialsFile. If credentialsFile is empty, the SDK falls back
// to GOOGLE_APPLICATION_CREDENTIALS or the default service account.
func NewFCMNotifier(ctx context.Context, credentialsFile, topic string) (*FCMNotifier, error) {
	if topic == "" {
		return nil, fmt.Errorf("fcm notifier requires a topic")
	}

	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	app, err := firebase.NewApp(ctx, nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("initialising firebase app: %w", err)
	}

	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("obtaining messaging client: %w", err)
	}

	slog.Info("fcm notifier initialised", "topic", topic)
	return &FCMNotifier{client: client, topic: topic}, nil
}

// Notify sends a high-priority topic message.
func (f *FCMNotifier) Notify(ctx context.Context, a Alert) error {
	ttl := time.Hour
	msg := &messaging.Message{
		Topic: f.topic,
		Notification: &messaging.Notification{
			Title: a.Title,
			Body:  a.Body,
		},
		Data: map[string]string{
			"event_type": a.EventType,
			"severity":   a.Severity,
			"license_id": a.LicenseID,
			"device_id":  a.DeviceID,
			"time":       a.Time.UTC().Format(time.RFC3339),
		},
		Android: &messaging.AndroidConfig{
			Priority: "high",
			TTL:      &ttl,
		},
	}

	id, err := f.client.Send(ctx, msg)
	if err != nil {
		return fmt.Errorf("fcm: send failed: %w", err)
	}

	slog.Debug("fcm alert sent", "message_id", id, "event_type", a.EventType)
	return nil
}
