// Command ledgerflow runs the decision pipeline as a service.
//
// It loads settings from an optional config file and the environment, opens
// the SQLite ledger store, seeds it on first run, and serves
//
//	/ws             websocket event stream (see package transport)
//	/stats          pipeline counters as JSON
//	/healthz        liveness
//	/debug/metrics  current OpenTelemetry metric snapshot
//
// With -mock every configured provider answers with scripted decisions, so
// the pipeline runs without API keys.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/config"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/ledger"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/provider"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/transport"
)

type flags struct {
	configPath string
	mock       bool
	seed       bool
}

func main() {
	var f flags
	flag.StringVar(&f.configPath, "config", "", "path to a YAML or JSON config file")
	flag.BoolVar(&f.mock, "mock", false, "use scripted providers instead of real APIs")
	flag.BoolVar(&f.seed, "seed", true, "seed an empty store with demo state")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, f); err != nil {
		slog.Error("ledgerflow failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, f flags) error {
	env, err := config.ParseEnv()
	if err != nil {
		return err
	}
	settings, err := config.Load(f.configPath, env)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	logger := newLogger(settings.LogLevel, settings.LogFormat)
	slog.SetDefault(logger)

	tel, err := setupTelemetry(ctx, settings.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()

	store, err := ledger.NewSQLiteStore(settings.Database)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = store.Close() }()

	if f.seed {
		if err := ledger.Seed(ctx, store); err != nil {
			return err
		}
	}

	providers, err := buildProviders(settings, f.mock)
	if err != nil {
		return err
	}
	if len(providers) == 0 {
		logger.Warn("no provider has an API key; every decision will use the safe default")
	}

	p, err := ledgerflow.New(settings, store, providers,
		ledgerflow.WithLogger(logger),
		ledgerflow.WithMetrics(tel.metrics),
		ledgerflow.WithSpans(tel.spans),
	)
	if err != nil {
		return err
	}
	p.Start()
	defer func() { _ = p.Close() }()

	ws := transport.NewServer(p.Bus(), transport.Config{Logger: logger})
	defer func() { _ = ws.Close() }()

	mux := http.NewServeMux()
	mux.Handle("/ws", ws)
	mux.Handle("/debug/metrics", tel)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{"status": "ok", "clients": ws.Clients()})
	})
	mux.HandleFunc("/stats", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, p.Stats())
	})

	srv := &http.Server{
		Addr:              settings.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", slog.String("addr", settings.Listen))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = ws.Close()
	return srv.Shutdown(shutdownCtx)
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// mockReplies cycle through one reply per decision family.
var mockReplies = []string{
	`{"action":"rebalance shard load","confidence":88,"impact":"medium","reasoning":"load spread above target","parameters":{"maxMovePercent":15}}`,
	`{"action":"optimize block time","confidence":82,"impact":"medium","reasoning":"consensus latency rising","parameters":{"direction":"decrease","percent":5}}`,
	`{"action":"reschedule validators","confidence":91,"impact":"high","reasoning":"performance skew"}`,
	`{"action":"increase monitoring","confidence":64,"impact":"low","reasoning":"signal is weak"}`,
}

func buildProviders(settings *config.Settings, mock bool) ([]provider.Provider, error) {
	if !mock {
		return provider.FromAllSettings(settings.Providers, &http.Client{Timeout: 30 * time.Second})
	}
	out := make([]provider.Provider, 0, len(settings.Providers))
	for _, ps := range settings.Providers {
		out = append(out, provider.Provider{
			Config:  provider.FromSettings(ps),
			Adapter: provider.NewMockAdapter("").WithResponses(mockReplies...),
		})
	}
	return out, nil
}
