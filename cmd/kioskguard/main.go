package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kioskguard/kioskguard/internal/alert"
	"github.com/kioskguard/kioskguard/internal/api"
	"github.com/kioskguard/kioskguard/internal/api/middleware"
	"github.com/kioskguard/kioskguard/internal/audit"
	"github.com/kioskguard/kioskguard/internal/binding"
	"github.com/kioskguard/kioskguard/internal/config"
	"github.com/kioskguard/kioskguard/internal/database"
	"github.com/kioskguard/kioskguard/internal/device"
	"github.com/kioskguard/kioskguard/internal/license"
	"github.com/kioskguard/kioskguard/internal/metrics"
)

// operatorTokenTTL is the lifetime of tokens printed by -issue-operator-token.
const operatorTokenTTL = 12 * time.Hour

func main() {
	startTime := time.Now()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if cfg.IssueOperatorToken != "" {
		if err := issueOperatorToken(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	if cfg.JWTSecret == "" {
		slog.Warn("no jwt secret configured, tokens will not survive a restart")
	}
	deviceKey, err := cfg.DeviceTokenKey()
	if err != nil {
		slog.Error("failed to derive device token key", "error", err)
		os.Exit(1)
	}
	operatorKey, err := cfg.OperatorTokenKey()
	if err != nil {
		slog.Error("failed to derive operator token key", "error", err)
		os.Exit(1)
	}

	slog.Info("starting kioskguard",
		"http_port", cfg.HTTPPort,
		"db_driver", cfg.DBDriver,
		"data_dir", cfg.DataDir,
	)

	db, err := openDatabase(cfg)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	notifier := buildNotifier(appCtx, cfg)

	trailOpts := []audit.Option{audit.WithNotifier(notifier)}
	if brokers := cfg.KafkaBrokerList(); len(brokers) > 0 {
		pub, err := audit.NewKafkaPublisher(brokers, cfg.KafkaAuditTopic)
		if err != nil {
			slog.Error("failed to create kafka publisher", "error", err)
			os.Exit(1)
		}
		defer pub.Close()
		trailOpts = append(trailOpts, audit.WithPublisher(pub))
		slog.Info("audit stream enabled", "brokers", brokers, "topic", cfg.KafkaAuditTopic)
	}
	trail := audit.NewTrail(database.NewAuditRepository(db), trailOpts...)

	clients := database.NewClientRepository(db)
	branches := database.NewBranchRepository(db)
	locations := database.NewLocationRepository(db)
	licenses := database.NewLicenseRepository(db)
	bindings := database.NewBindingRepository(db)

	policy := license.Policy{
		TrialDays:  cfg.TrialDays,
		AnnualDays: cfg.AnnualDays,
		GraceDays:  cfg.GraceDays,
	}
	manager := license.NewManager(licenses, clients, branches, trail, policy, nil)
	devices := device.NewRegistry(database.NewDeviceRepository(db), database.NewBlacklistRepository(db), trail, nil)
	engine := binding.NewEngine(binding.Deps{
		Bindings:  bindings,
		Licenses:  licenses,
		Clients:   clients,
		Branches:  branches,
		Locations: locations,
		Manager:   manager,
		Devices:   devices,
		Audit:     trail,
		Tokens:    binding.NewTokenSigner(deviceKey, cfg.DeviceTokenTTL),
		Config: binding.Config{
			HeartbeatInterval:   cfg.HeartbeatInterval,
			MaxMissedHeartbeats: cfg.MaxMissedHeartbeats,
			HeartbeatLateAfter:  cfg.HeartbeatLateAfter,
		},
	})

	if cfg.MonitorInterval > 0 {
		monitor := binding.NewMonitor(engine, notifier, cfg.MonitorInterval)
		go monitor.Run(appCtx)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.NewCollector(manager, bindings, engine, trail, startTime),
	)

	limiter := middleware.NewIPRateLimiter(middleware.DeviceRateLimitConfig(cfg.DeviceRateLimit, cfg.DeviceRateBurst))
	defer limiter.Stop()

	handler := api.NewServer(api.Deps{
		Engine:      engine,
		Licenses:    manager,
		Devices:     devices,
		Audit:       trail,
		Clients:     clients,
		Branches:    branches,
		Locations:   locations,
		OperatorKey: operatorKey,
		Limiter:     limiter,
		Metrics:     promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		Ping:        db.PingContext,
		TLSEnabled:  cfg.TLSEnabled(),
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if cfg.TLSEnabled() {
			slog.Info("https server listening", "addr", srv.Addr)
			err = srv.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey)
		} else {
			slog.Info("http server listening", "addr", srv.Addr)
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	// Graceful shutdown with timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")
	appCancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}
	// Let in-flight audit deliveries finish before the stores close.
	trail.Close()

	slog.Info("kioskguard stopped")
}

// openDatabase opens the configured store and runs migrations.
func openDatabase(cfg *config.Config) (*database.DB, error) {
	if cfg.DBDriver == database.DialectPostgres {
		return database.OpenPostgres(cfg.DatabaseURL)
	}
	return database.Open(cfg.DataDir)
}

// buildNotifier fans operator alerts out to every configured channel.
// Channels that fail to initialise are logged and skipped.
func buildNotifier(ctx context.Context, cfg *config.Config) alert.Notifier {
	var ns []alert.Notifier

	if cfg.AlertWebhookURL != "" {
		ns = append(ns, alert.NewWebhookNotifier(cfg.AlertWebhookURL))
		slog.Info("alert webhook enabled")
	}

	if cfg.FCMTopic != "" {
		fcm, err := alert.NewFCMNotifier(ctx, cfg.FCMCredentials, cfg.FCMTopic)
		if err != nil {
			slog.Error("fcm alerts disabled", "error", err)
		} else {
			ns = append(ns, fcm)
			slog.Info("fcm alerts enabled", "topic", cfg.FCMTopic)
		}
	}

	if cfg.SMTPHost != "" {
		tlsMode := "starttls"
		if cfg.SMTPPort == 465 {
			tlsMode = "tls"
		}
		email, err := alert.NewEmailNotifier(alert.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     strconv.Itoa(cfg.SMTPPort),
			From:     cfg.SMTPFrom,
			To:       cfg.SMTPRecipients(),
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			TLS:      tlsMode,
		}, slog.Default())
		if err != nil {
			slog.Error("email alerts disabled", "error", err)
		} else {
			ns = append(ns, email)
			slog.Info("email alerts enabled", "recipients", len(cfg.SMTPRecipients()))
		}
	}

	if len(ns) == 0 {
		slog.Warn("no alert channels configured, critical events are only logged")
	}
	return alert.NewMultiNotifier(ns...)
}

// issueOperatorToken prints a bearer token for the operator API. It needs
// the same jwt secret as the server it will be used against.
func issueOperatorToken(cfg *config.Config) error {
	if cfg.JWTSecret == "" {
		return errors.New("-issue-operator-token requires a configured jwt secret")
	}
	key, err := cfg.OperatorTokenKey()
	if err != nil {
		return err
	}
	token, expiresAt, err := middleware.GenerateOperatorToken(key, cfg.IssueOperatorToken, middleware.RoleAdmin, operatorTokenTTL)
	if err != nil {
		return fmt.Errorf("signing operator token: %w", err)
	}
	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "expires %s\n", expiresAt.UTC().Format(time.RFC3339))
	return nil
}
