package config

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"
)

// Config holds all runtime configuration for the kioskguard server.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir     string
	HTTPPort    int
	TLSCert     string
	TLSKey      string
	LogLevel    string
	LogFormat   string // "text" or "json"
	DBDriver    string // "sqlite" or "postgres"
	DatabaseURL string // required when DBDriver is postgres
	JWTSecret   string // hex-encoded master secret for token keys

	TrialDays  int
	AnnualDays int
	GraceDays  int

	HeartbeatInterval   time.Duration
	MaxMissedHeartbeats int
	HeartbeatLateAfter  time.Duration
	DeviceTokenTTL      time.Duration
	MonitorInterval     time.Duration // 0 disables the heartbeat monitor

	DeviceRateLimit float64 // requests per second per client IP
	DeviceRateBurst int

	AlertWebhookURL string
	FCMCredentials  string // path to a service account JSON file
	FCMTopic        string
	SMTPHost        string
	SMTPPort        int
	SMTPFrom        string
	SMTPTo          string // comma-separated recipients
	SMTPUsername    string
	SMTPPassword    string

	KafkaBrokers    string // comma-separated host:port list
	KafkaAuditTopic string

	// IssueOperatorToken, when set, makes the binary print an operator
	// token for this email and exit.
	IssueOperatorToken string
}

// defaults
const (
	defaultDataDir             = "./data"
	defaultHTTPPort            = 8080
	defaultLogLevel            = "info"
	defaultLogFormat           = "text"
	defaultDBDriver            = "sqlite"
	defaultTrialDays           = 10
	defaultAnnualDays          = 365
	defaultGraceDays           = 7
	defaultHeartbeatInterval   = 5 * time.Minute
	defaultMaxMissedHeartbeats = 5
	defaultHeartbeatLateAfter  = 10 * time.Minute
	defaultDeviceTokenTTL      = 8760 * time.Hour
	defaultMonitorInterval     = time.Minute
	defaultDeviceRateLimit     = 1.0
	defaultDeviceRateBurst     = 20
	defaultSMTPPort            = 587
	defaultKafkaAuditTopic     = "kioskguard.audit"
)

// envPrefix is the prefix for all kioskguard environment variables.
const envPrefix = "KIOSKGUARD_"

// HKDF info strings; each derived key is bound to one purpose.
const (
	deviceTokenInfo   = "kioskguard device token v1"
	operatorTokenInfo = "kioskguard operator token v1"
)

// Load parses configuration from os.Args and the environment.
func Load() (*Config, error) {
	return LoadArgs(os.Args[1:])
}

// LoadArgs parses configuration from args and the environment.
func LoadArgs(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("kioskguard", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the SQLite database")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP server listen port")
	fs.StringVar(&cfg.TLSCert, "tls-cert", "", "path to TLS certificate file")
	fs.StringVar(&cfg.TLSKey, "tls-key", "", "path to TLS private key file")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.DBDriver, "db-driver", defaultDBDriver, "database driver (sqlite, postgres)")
	fs.StringVar(&cfg.DatabaseURL, "database-url", "", "PostgreSQL connection string")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", "", "hex-encoded 32-byte master secret for token signing (auto-generated if empty)")

	fs.IntVar(&cfg.TrialDays, "trial-days", defaultTrialDays, "validity of trial licenses in days")
	fs.IntVar(&cfg.AnnualDays, "annual-days", defaultAnnualDays, "validity of annual licenses in days")
	fs.IntVar(&cfg.GraceDays, "grace-days", defaultGraceDays, "days an expired license keeps working")

	fs.DurationVar(&cfg.HeartbeatInterval, "heartbeat-interval", defaultHeartbeatInterval, "interval kiosks are told to heartbeat at")
	fs.IntVar(&cfg.MaxMissedHeartbeats, "max-missed-heartbeats", defaultMaxMissedHeartbeats, "missed heartbeats before an operator alert")
	fs.DurationVar(&cfg.HeartbeatLateAfter, "heartbeat-late-after", defaultHeartbeatLateAfter, "silence after which a kiosk is reported late")
	fs.DurationVar(&cfg.DeviceTokenTTL, "device-token-ttl", defaultDeviceTokenTTL, "lifetime of device tokens")
	fs.DurationVar(&cfg.MonitorInterval, "monitor-interval", defaultMonitorInterval, "heartbeat monitor sweep interval (0 disables)")

	fs.Float64Var(&cfg.DeviceRateLimit, "device-rate-limit", defaultDeviceRateLimit, "device endpoint requests per second per IP")
	fs.IntVar(&cfg.DeviceRateBurst, "device-rate-burst", defaultDeviceRateBurst, "device endpoint burst per IP")

	fs.StringVar(&cfg.AlertWebhookURL, "alert-webhook-url", "", "URL receiving JSON operator alerts")
	fs.StringVar(&cfg.FCMCredentials, "fcm-credentials", "", "Firebase service account file for alert push")
	fs.StringVar(&cfg.FCMTopic, "fcm-topic", "", "FCM topic operator devices subscribe to")
	fs.StringVar(&cfg.SMTPHost, "smtp-host", "", "SMTP server for alert email")
	fs.IntVar(&cfg.SMTPPort, "smtp-port", defaultSMTPPort, "SMTP server port")
	fs.StringVar(&cfg.SMTPFrom, "smtp-from", "", "alert email sender")
	fs.StringVar(&cfg.SMTPTo, "smtp-to", "", "comma-separated alert email recipients")
	fs.StringVar(&cfg.SMTPUsername, "smtp-username", "", "SMTP username")
	fs.StringVar(&cfg.SMTPPassword, "smtp-password", "", "SMTP password")

	fs.StringVar(&cfg.KafkaBrokers, "kafka-brokers", "", "comma-separated Kafka brokers for the audit stream")
	fs.StringVar(&cfg.KafkaAuditTopic, "kafka-audit-topic", defaultKafkaAuditTopic, "Kafka topic for audit events")

	fs.StringVar(&cfg.IssueOperatorToken, "issue-operator-token", "", "print an operator token for this email and exit")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	if err := applyEnvOverrides(fs); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides sets every flag not given on the command line from
// its KIOSKGUARD_ environment variable, e.g. -smtp-host from
// KIOSKGUARD_SMTP_HOST.
func applyEnvOverrides(fs *flag.FlagSet) error {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	var err error
	fs.VisitAll(func(f *flag.Flag) {
		if err != nil || set[f.Name] {
			return
		}
		name := EnvName(f.Name)
		val, ok := os.LookupEnv(name)
		if !ok || val == "" {
			return
		}
		if e := fs.Set(f.Name, val); e != nil {
			err = fmt.Errorf("invalid %s: %w", name, e)
		}
	})
	return err
}

// EnvName returns the environment variable that overrides flag name.
func EnvName(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	// TLS cert and key must both be set or both be empty.
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return fmt.Errorf("tls-cert and tls-key must both be provided or both be omitted")
	}

	c.DBDriver = strings.ToLower(c.DBDriver)
	switch c.DBDriver {
	case "sqlite":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("database-url is required when db-driver is postgres")
		}
	default:
		return fmt.Errorf("db-driver must be one of sqlite, postgres; got %q", c.DBDriver)
	}

	if c.TrialDays < 1 || c.AnnualDays < 1 {
		return fmt.Errorf("trial-days and annual-days must be positive")
	}
	if c.GraceDays < 0 {
		return fmt.Errorf("grace-days must not be negative, got %d", c.GraceDays)
	}
	if c.HeartbeatInterval < time.Second {
		return fmt.Errorf("heartbeat-interval must be at least 1s, got %s", c.HeartbeatInterval)
	}
	if c.MaxMissedHeartbeats < 1 {
		return fmt.Errorf("max-missed-heartbeats must be positive, got %d", c.MaxMissedHeartbeats)
	}
	if c.HeartbeatLateAfter <= 0 || c.DeviceTokenTTL <= 0 {
		return fmt.Errorf("heartbeat-late-after and device-token-ttl must be positive")
	}
	if c.MonitorInterval < 0 {
		return fmt.Errorf("monitor-interval must not be negative, got %s", c.MonitorInterval)
	}
	if c.DeviceRateLimit <= 0 || c.DeviceRateBurst < 1 {
		return fmt.Errorf("device-rate-limit and device-rate-burst must be positive")
	}

	if c.SMTPHost != "" && (c.SMTPFrom == "" || len(c.SMTPRecipients()) == 0) {
		return fmt.Errorf("smtp-from and smtp-to are required when smtp-host is set")
	}
	if (c.FCMCredentials == "") != (c.FCMTopic == "") {
		return fmt.Errorf("fcm-credentials and fcm-topic must both be provided or both be omitted")
	}

	return nil
}

// TLSEnabled returns true if manual TLS certificates are configured.
func (c *Config) TLSEnabled() bool {
	return c.TLSCert != ""
}

// SMTPRecipients returns the alert email recipients.
func (c *Config) SMTPRecipients() []string {
	return splitList(c.SMTPTo)
}

// KafkaBrokerList returns the configured Kafka brokers.
func (c *Config) KafkaBrokerList() []string {
	return splitList(c.KafkaBrokers)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// JWTSecretBytes returns the decoded 32-byte master secret.
// If no secret is configured, it generates a random 32-byte key and stores
// the hex-encoded value back in the config for the process lifetime.
func (c *Config) JWTSecretBytes() ([]byte, error) {
	if c.JWTSecret == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating jwt secret: %w", err)
		}
		c.JWTSecret = hex.EncodeToString(key)
		slog.Warn("no jwt-secret configured, generated ephemeral key (tokens will not survive restart)")
		return key, nil
	}
	key, err := hex.DecodeString(c.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("decoding jwt secret: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("jwt secret must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// DeviceTokenKey derives the key that signs device tokens.
func (c *Config) DeviceTokenKey() ([]byte, error) {
	return c.deriveKey(deviceTokenInfo)
}

// OperatorTokenKey derives the key that signs operator bearer tokens.
func (c *Config) OperatorTokenKey() ([]byte, error) {
	return c.deriveKey(operatorTokenInfo)
}

func (c *Config) deriveKey(info string) ([]byte, error) {
	secret, err := c.JWTSecretBytes()
	if err != nil {
		return nil, err
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("deriving %s key: %w", info, err)
	}
	return key, nil
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
