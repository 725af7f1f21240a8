package alert

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"os"
	"strings"
	"testing"
	"time"

	"firebase.google.com/go/v4/messaging"
)

func testAlert() Alert {
	return Alert{
		Title:     "Security event: cloning_attempt",
		Body:      "license presented by a second device",
		Severity:  "critical",
		EventType: "cloning_attempt",
		LicenseID: "lic-1",
		DeviceID:  "dev-1",
		Time:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

type recordingNotifier struct {
	got []Alert
	err error
}

func (r *recordingNotifier) Notify(_ context.Context, a Alert) error {
	r.got = append(r.got, a)
	return r.err
}

func TestMultiNotifier(t *testing.T) {
	ok := &recordingNotifier{}
	failing := &recordingNotifier{err: errors.New("boom")}
	m := NewMultiNotifier(ok, nil, failing)

	if m.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", m.Len())
	}

	err := m.Notify(context.Background(), testAlert())
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Errorf("Notify() error = %v, want it to contain boom", err)
	}
	if len(ok.got) != 1 || len(failing.got) != 1 {
		t.Errorf("deliveries = %d/%d, want 1/1", len(ok.got), len(failing.got))
	}
}

func TestWebhookNotifier(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("expected Content-Type application/json, got %s", r.Header.Get("Content-Type"))
		}
		var a Alert
		if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
			t.Fatalf("failed to decode request: %v", err)
		}
		if a.EventType != "cloning_attempt" {
			t.Errorf("event_type = %q, want cloning_attempt", a.EventType)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	if err := NewWebhookNotifier(srv.URL).Notify(context.Background(), testAlert()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestWebhookNotifier_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhookNotifier(srv.URL).Notify(context.Background(), testAlert())
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Errorf("expected status 502 error, got %v", err)
	}
}

type fakeFCM struct {
	msg *messaging.Message
}

func (f *fakeFCM) Send(_ context.Context, m *messaging.Message) (string, error) {
	f.msg = m
	return "msg-1", nil
}

func TestFCMNotifier(t *testing.T) {
	fake := &fakeFCM{}
	n := &FCMNotifier{client: fake, topic: "operators"}

	if err := n.Notify(context.Background(), testAlert()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fake.msg.Topic != "operators" {
		t.Errorf("topic = %q, want operators", fake.msg.Topic)
	}
	if fake.msg.Data["license_id"] != "lic-1" {
		t.Errorf("data license_id = %q, want lic-1", fake.msg.Data["license_id"])
	}
	if fake.msg.Android == nil || fake.msg.Android.Priority != "high" {
		t.Error("expected high android priority")
	}
}

// mockSMTPClient implements smtpClient for testing.
type mockSMTPClient struct {
	helloCalled bool
	tlsCalled   bool
	authCalled  bool
	mailFrom    string
	rcptTo      []string
	dataWritten []byte
	quitCalled  bool
	rcptErr     error
}

func (m *mockSMTPClient) Hello(_ string) error { m.helloCalled = true; return nil }
func (m *mockSMTPClient) Extension(ext string) (bool, string) {
	return ext == "STARTTLS", ""
}
func (m *mockSMTPClient) StartTLS(_ *tls.Config) error { m.tlsCalled = true; return nil }
func (m *mockSMTPClient) Auth(_ smtp.Auth) error       { m.authCalled = true; return nil }
func (m *mockSMTPClient) Mail(from string) error {
	m.mailFrom = from
	return nil
}
func (m *mockSMTPClient) Rcpt(to string) error {
	m.rcptTo = append(m.rcptTo, to)
	return m.rcptErr
}
func (m *mockSMTPClient) Data() (io.WriteCloser, error) { return &mockWriteCloser{mock: m}, nil }
func (m *mockSMTPClient) Quit() error                   { m.quitCalled = true; return nil }
func (m *mockSMTPClient) Close() error                  { return nil }

type mockWriteCloser struct {
	mock *mockSMTPClient
}

func (w *mockWriteCloser) Write(p []byte) (int, error) {
	w.mock.dataWritten = append(w.mock.dataWritten, p...)
	return len(p), nil
}

func (w *mockWriteCloser) Close() error { return nil }

func newTestEmailNotifier(t *testing.T, mock *mockSMTPClient) *EmailNotifier {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	n, err := NewEmailNotifier(SMTPConfig{
		Host:     "mail.example.com",
		Port:     "587",
		From:     "kioskguard@example.com",
		To:       []string{"ops@example.com", "security@example.com"},
		Username: "user",
		Password: "pass",
		TLS:      "starttls",
	}, logger)
	if err != nil {
		t.Fatalf("NewEmailNotifier() error: %v", err)
	}
	n.dialFunc = func(_ string, _ *tls.Config, _ string) (smtpClient, error) {
		return mock, nil
	}
	return n
}

func TestEmailNotifier(t *testing.T) {
	mock := &mockSMTPClient{}
	n := newTestEmailNotifier(t, mock)

	if err := n.Notify(context.Background(), testAlert()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !mock.helloCalled || !mock.tlsCalled || !mock.authCalled || !mock.quitCalled {
		t.Error("expected hello, starttls, auth and quit to be called")
	}
	if mock.mailFrom != "kioskguard@example.com" {
		t.Errorf("mail from = %q, want kioskguard@example.com", mock.mailFrom)
	}
	if len(mock.rcptTo) != 2 {
		t.Errorf("rcpt count = %d, want 2", len(mock.rcptTo))
	}

	body := string(mock.dataWritten)
	if !strings.Contains(body, "Subject: [kioskguard][critical] Security event: cloning_attempt") {
		t.Errorf("expected subject line, got:\n%s", body)
	}
	if !strings.Contains(body, "License: lic-1") {
		t.Errorf("expected license reference, got:\n%s", body)
	}
}

func TestEmailNotifier_RcptError(t *testing.T) {
	mock := &mockSMTPClient{rcptErr: errors.New("mailbox unavailable")}
	n := newTestEmailNotifier(t, mock)

	err := n.Notify(context.Background(), testAlert())
	if err == nil || !strings.Contains(err.Error(), "rcpt") {
		t.Errorf("expected rcpt error, got %v", err)
	}
}

func TestNewEmailNotifier_Invalid(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if _, err := NewEmailNotifier(SMTPConfig{Host: "mail"}, logger); err == nil {
		t.Error("expected error for incomplete config")
	}
}
