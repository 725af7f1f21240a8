// Package alert delivers operator notifications for security events and
// stalled kiosks.
package alert

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Alert is one operator notification.
type Alert struct {
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Severity  string    `json:"severity"`
	EventType string    `json:"event_type"`
	LicenseID string    `json:"license_id,omitempty"`
	DeviceID  string    `json:"device_id,omitempty"`
	Time      time.Time `json:"time"`
}

// Notifier delivers an alert over one channel.
type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// MultiNotifier fans an alert out to every configured channel.
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier creates a MultiNotifier. Nil notifiers are skipped.
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	m := &MultiNotifier{}
	for _, n := range notifiers {
		if n != nil {
			m.notifiers = append(m.notifiers, n)
		}
	}
	return m
}

// Len returns the number of channels.
func (m *MultiNotifier) Len() int {
	return len(m.notifiers)
}

// Notify delivers to every channel and joins the errors of those that
// failed.
func (m *MultiNotifier) Notify(ctx context.Context, a Alert) error {
	var errs []error
	for _, n := range m.notifiers {
		if err := n.Notify(ctx, a); err != nil {
			errs = append(errs, fmt.Errorf("%T: %w", n, err))
		}
	}
	return errors.Join(errs...)
}
