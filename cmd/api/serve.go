package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"mailrelay/internal/admin"
	"mailrelay/internal/api"
	"mailrelay/internal/captcha"
	"mailrelay/internal/config"
	"mailrelay/internal/logger"
	"mailrelay/internal/mailer"
	"mailrelay/internal/ratelimit"
	"mailrelay/internal/redisstore"
	"mailrelay/internal/spamgate"
)

const (
	shutdownTimeout = 5 * time.Second

	loginAttemptsPerWindow = 5
	loginWindow            = time.Minute
)

func serve(ctx context.Context) error {
	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}

	log, flush, err := logger.New(logger.Options{
		Level:     cfg.LogLevel,
		Format:    cfg.LogFormat,
		SentryDSN: cfg.SentryDSN,
		Release:   cfg.Version,
		Output:    os.Stderr,
	}, logger.RequestID())
	if err != nil {
		return err
	}
	defer flush()

	deps, cleanup, err := buildDeps(ctx, cfg, log)
	if err != nil {
		log.Error("startup failed", "error", err)
		return err
	}
	defer cleanup()

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.New(cfg, log, deps).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("API server starting", "addr", cfg.ListenAddr, "version", cfg.Version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		log.Error("listen failed", "error", err)
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down API server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", "error", err)
		return err
	}
	log.Info("server exiting")
	return nil
}

// buildDeps wires the request pipeline. Without REDIS_URL rate limiting is
// per process and outcome counters are not kept.
func buildDeps(ctx context.Context, cfg *config.Config, log *slog.Logger) (api.Deps, func(), error) {
	cleanup := func() {}

	deps := api.Deps{
		Limiter: ratelimit.NewMemory(cfg.RateLimitPerWindow, cfg.RateLimitWindow),
	}
	var (
		stats        admin.StatsSource
		loginLimiter ratelimit.Limiter = ratelimit.NewMemory(loginAttemptsPerWindow, loginWindow)
	)

	if cfg.RedisURL != "" {
		store, err := redisstore.New(ctx, cfg.RedisURL)
		if err != nil {
			return api.Deps{}, cleanup, err
		}
		cleanup = func() { _ = store.Close() }

		deps.Limiter = store.Limiter("send", cfg.RateLimitPerWindow, cfg.RateLimitWindow)
		deps.Outcomes = store
		deps.Ready = store
		stats = store
		loginLimiter = store.Limiter("admin_login", loginAttemptsPerWindow, loginWindow)
	}

	verifier := captcha.New(cfg.CaptchaSecret, cfg.CaptchaVerifyURL, cfg.CaptchaTimeout)
	deps.Gate = spamgate.New(verifier, log)

	sender := mailer.NewSMTPSender(mailer.SMTPConfig{
		Host:        cfg.SMTPHost,
		Port:        cfg.SMTPPort,
		TLS:         cfg.SMTPTLS,
		ImplicitTLS: cfg.SMTPImplicitTLS,
		Username:    cfg.SMTPUser,
		Password:    cfg.SMTPPass,
		Timeout:     cfg.SMTPTimeout,
	})
	dispatcher, err := mailer.NewDispatcher(sender, cfg.MailFrom, cfg.MailTo)
	if err != nil {
		cleanup()
		return api.Deps{}, func() {}, err
	}
	deps.Mailer = dispatcher

	if cfg.AdminEnabled() {
		h, err := admin.NewHandler(cfg, stats, loginLimiter, log)
		if err != nil {
			cleanup()
			return api.Deps{}, func() {}, fmt.Errorf("admin: %w", err)
		}
		deps.Admin = h.Routes()
		log.Info("admin routes enabled", "redis", cfg.RedisURL != "")
	}

	return deps, cleanup, nil
}
