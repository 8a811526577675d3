package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/autofix/pkg/api"
	"github.com/Mindburn-Labs/autofix/pkg/approval"
	"github.com/Mindburn-Labs/autofix/pkg/archive"
	"github.com/Mindburn-Labs/autofix/pkg/auth"
	"github.com/Mindburn-Labs/autofix/pkg/config"
	"github.com/Mindburn-Labs/autofix/pkg/debugger"
	"github.com/Mindburn-Labs/autofix/pkg/diagnosis"
	"github.com/Mindburn-Labs/autofix/pkg/llm"
	"github.com/Mindburn-Labs/autofix/pkg/n8n"
	"github.com/Mindburn-Labs/autofix/pkg/notify"
	"github.com/Mindburn-Labs/autofix/pkg/observability"
	"github.com/Mindburn-Labs/autofix/pkg/patch"
	"github.com/Mindburn-Labs/autofix/pkg/tracker"
	"github.com/Mindburn-Labs/autofix/pkg/util/resiliency"
)

const shutdownGrace = 30 * time.Second

func runServer(stdout, stderr io.Writer) int {
	cfg, err := config.Load()
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%sconfiguration error:%s %v\n", ColorBold+ColorRed, ColorReset, err)
		return 2
	}

	logger := newLogger(stderr, cfg.Server.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		_, _ = fmt.Fprintf(stdout, "%sautofix listening on :%s%s\n", ColorBold+ColorBlue, cfg.Server.Port, ColorReset)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	code := 0
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error("http server failed", "error", err)
			code = 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	if err := a.Close(shutdownCtx); err != nil {
		logger.Error("drain", "error", err)
		code = 1
	}
	return code
}

func newLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// app is the composed server and everything it must release on exit.
type app struct {
	server    *api.Server
	handler   http.Handler
	telemetry *observability.Provider
	// closers run in reverse registration order; telemetry is first in.
	closers []func(context.Context) error
}

// Close drains background work, then releases storage and telemetry.
func (a *app) Close(ctx context.Context) error {
	return errors.Join(a.server.Shutdown(ctx), a.release(ctx))
}

func (a *app) release(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i](ctx))
	}
	a.closers = nil
	return errors.Join(errs...)
}

// addCloser registers a context-free close function.
func (a *app) addCloser(fn func() error) {
	a.closers = append(a.closers, func(context.Context) error { return fn() })
}

//nolint:gocognit,gocyclo
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{}
	ready := false
	defer func() {
		if !ready {
			cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
			defer cancel()
			if err := a.release(cleanupCtx); err != nil {
				logger.Warn("cleanup after failed startup", "error", err)
			}
		}
	}()

	// 1. Telemetry
	telemetry, err := observability.New(ctx, &observability.Config{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		Insecure:       true,
		SampleRate:     1.0,
		Enabled:        cfg.Telemetry.Enabled,
	})
	if err != nil {
		return nil, err
	}
	a.telemetry = telemetry
	a.closers = append(a.closers, telemetry.Shutdown)

	// 2. Storage
	led, closeLedger, err := openLedger(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.addCloser(closeLedger)

	once, closeOnce, err := openIdempotency(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.addCloser(closeOnce)

	// 3. Upstream clients
	workflows := n8n.NewClient(n8n.Config{
		BaseURL: cfg.N8N.BaseURL,
		APIKey:  cfg.N8N.APIKey,
		Timeout: cfg.N8N.Timeout,
		HTTP:    resiliency.NewClient("n8n", cfg.N8N.Timeout),
	})
	model := llm.NewAnthropicClient(llm.AnthropicConfig{
		APIKey:  cfg.Model.APIKey,
		BaseURL: cfg.Model.BaseURL,
		Timeout: cfg.Model.Timeout,
		HTTP:    resiliency.NewClient("anthropic", cfg.Model.Timeout),
	})
	telegram := notify.NewTelegram(notify.TelegramConfig{
		BotToken: cfg.Telegram.BotToken,
		ChatID:   cfg.Telegram.ChatID,
		HTTP:     resiliency.NewClient("telegram", 10*time.Second),
	})

	// 4. Fix pipeline
	policy, err := patch.NewOperationPolicy(cfg.PatchPolicy)
	if err != nil {
		return nil, fmt.Errorf("patch policy: %w", err)
	}
	machineCfg := approval.Config{
		Ledger:       led,
		Definitions:  workflows,
		Engine:       patch.NewEngine(policy, nil),
		Notifier:     telegram,
		Acknowledger: telegram,
		Once:         once,
		Lease:        cfg.Server.ApprovalLease,
	}
	if cfg.GitHub.Enabled() {
		machineCfg.Tracker = tracker.NewGitHub(tracker.GitHubConfig{
			Token: cfg.GitHub.Token,
			Owner: cfg.GitHub.Owner,
			Repo:  cfg.GitHub.Repo,
			HTTP:  resiliency.NewClient("github", 10*time.Second),
		})
	}
	store, err := archive.NewStore(ctx, cfg.Archive, cfg.Server.DataDir)
	if err != nil {
		return nil, fmt.Errorf("archive: %w", err)
	}
	if store != nil {
		machineCfg.Archive = archive.NewRevisions(store)
		if c, ok := store.(io.Closer); ok {
			a.addCloser(c.Close)
		}
	}
	machine, err := approval.NewMachine(machineCfg)
	if err != nil {
		return nil, err
	}

	dbg, err := debugger.New(debugger.Config{
		Runtime:   workflows,
		Model:     model,
		Builder:   diagnosis.Builder{Model: cfg.Model.Model, MaxTokens: cfg.Model.MaxTokens},
		Ledger:    led,
		Announcer: telegram,
		Once:      once,
	})
	if err != nil {
		return nil, err
	}

	// 5. HTTP surface
	serverCfg := api.ServerConfig{
		Failures:       dbg,
		Decisions:      machine,
		Records:        led,
		TelegramSecret: cfg.Telegram.WebhookSecret,
		AllowedChatID:  cfg.Telegram.ChatID,
		ProcessTimeout: cfg.Server.ProcessTimeout,
		Telemetry:      a.telemetry,
	}
	if cfg.Server.RateLimitRPS > 0 {
		serverCfg.Limiter = api.NewRateLimiter(ctx, cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst)
	}
	if v := auth.NewJWTValidator(cfg.Auth.JWTSecret); v != nil {
		serverCfg.ProtectTrigger = auth.NewMiddleware(v, auth.ScopeTrigger)
		serverCfg.ProtectRecords = auth.NewMiddleware(v, auth.ScopeRecordsRead)
	} else {
		logger.Warn("TRIGGER_JWT_SECRET not set, trigger webhook and records API are unauthenticated")
	}

	a.server = api.NewServer(serverCfg)
	a.handler = auth.RequestIDMiddleware(a.server)
	logger.Info("autofix ready",
		"ledger", cfg.Ledger.Backend,
		"archive", string(cfg.Archive.Backend),
		"tracker", cfg.GitHub.Enabled(),
		"shared_idempotency", cfg.Redis.Addr != "",
	)
	ready = true
	return a, nil
}

var version = "dev"

func runHealthCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("health", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	addr := cmd.String("addr", envOr("AUTOFIX_URL", "http://localhost:8080"), "Server base URL")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(strings.TrimRight(*addr, "/") + "/health")
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Health check failed: %v\n", err)
		return 1
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		_, _ = fmt.Fprintf(stderr, "Health check failed: status %d\n", resp.StatusCode)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, "OK")
	return 0
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
