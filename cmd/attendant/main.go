package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowpbx/attendant/internal/config"
	"github.com/flowpbx/attendant/internal/directory"
	"github.com/flowpbx/attendant/internal/email"
	"github.com/flowpbx/attendant/internal/ivr"
	"github.com/flowpbx/attendant/internal/metrics"
	"github.com/flowpbx/attendant/internal/storage"
	"github.com/flowpbx/attendant/internal/voicemail"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting attendant",
		"http_port", cfg.HTTPPort,
		"extensions_file", cfg.ExtensionsFile,
		"voicemail_dir", cfg.VoicemailDir,
		"message_log", cfg.MessageLogEnabled(),
	)

	// Load the extension directory. The table is immutable for the life of
	// the process; edits require a restart.
	dir, err := directory.LoadFile(cfg.ExtensionsFile)
	if err != nil {
		slog.Error("failed to load extension directory", "error", err)
		os.Exit(1)
	}
	slog.Info("extension directory loaded",
		"entries", len(dir.Entries()),
		"max_digits", dir.MaxDigits(),
	)

	// Optional SQLite message log.
	var messageLog storage.MessageRepository
	var messageCounter metrics.MessageCounter
	if cfg.MessageLogEnabled() {
		db, err := storage.Open(cfg.DataDir)
		if err != nil {
			slog.Error("failed to open message log database", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		repo := storage.NewMessageRepository(db)
		messageLog = repo
		messageCounter = repo
		slog.Info("voicemail message log enabled", "data_dir", cfg.DataDir)
	}

	// Metrics registry with the delivery counters and scrape-time collector.
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	reg.MustRegister(metrics.NewCollector(messageCounter, time.Now()))
	metricsHandler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	smtpCfg := email.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		From:     cfg.SMTPFrom,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		TLS:      cfg.SMTPTLS,
	}
	if !smtpCfg.Valid() {
		slog.Warn("smtp is not fully configured, voicemail emails will fail",
			"host", cfg.SMTPHost,
			"from", cfg.SMTPFrom,
		)
	}

	sender := email.NewSender(logger)
	deliverer := voicemail.NewDeliverer(cfg.VoicemailDir, smtpCfg, sender, messageLog, m, logger)

	handler := ivr.NewServer(dir, deliverer, m, metricsHandler, logger)
	defer handler.Stop()

	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:     handler,
		ReadTimeout: 10 * time.Second,
		// The recording callback downloads the audio and sends the email
		// inline, so the write timeout must cover the whole pipeline.
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
		os.Exit(1)
	}

	slog.Info("attendant stopped")
}
