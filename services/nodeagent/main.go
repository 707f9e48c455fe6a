// Package nodeagent runs the long-lived node process: it keeps the cached
// node state in sync with the registry and, in headless mode, joins the
// network at boot and leaves it on shutdown.
package nodeagent

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"gpunode/config"
	"gpunode/crypto"
	"gpunode/internal/passphrase"
	"gpunode/observability/logging"
	telemetry "gpunode/observability/otel"
)

const (
	shutdownTimeout = 10 * time.Second
	keyPollInterval = time.Second
)

// Main initialises and runs the node agent until SIGINT or SIGTERM.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "config.yaml", "path to nodeagent configuration (.yaml or .toml)")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, logCloser, err := logging.Setup("nodeagent", logging.Options{
		Level:      cfg.Log.Level,
		Dir:        cfg.Log.Dir,
		Filename:   cfg.Log.Filename,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	creds, err := config.LoadCredentials(cfg.Ethereum, passphrase.NewSource(cfg.Ethereum.KeystorePassEnv).Get)
	if err != nil {
		return fmt.Errorf("load credentials: %w", err)
	}
	key, err := waitForKey(ctx, logger, cfg, creds)
	if err != nil {
		return err
	}

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    "nodeagent",
		ServiceVersion: Version,
		NodeAddress:    key.Address().Hex(),
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		Headers:        telemetry.MergeHeaders(cfg.Telemetry.Headers, telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))),
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(flushCtx)
	}()

	app, err := Build(ctx, cfg, key, logger)
	if err != nil {
		return fmt.Errorf("build node: %w", err)
	}
	defer func() {
		if err := app.Close(); err != nil {
			logger.Warn("close node components", "error", err)
		}
	}()
	logger.Info("node agent started", "address", key.Address().Hex(), "headless", cfg.Node.Headless)
	app.LogStaking(ctx)

	return Run(ctx, app)
}

// waitForKey returns the signing key, blocking until it is published when no
// source has delivered it yet.
func waitForKey(ctx context.Context, logger *slog.Logger, cfg config.Config, creds *config.Credentials) (*crypto.PrivateKey, error) {
	if key, err := creds.Get(); err == nil {
		return key, nil
	}
	if cfg.Ethereum.PrivKeyFile == "" {
		return nil, config.ErrNoCredentials
	}
	logger.Info("waiting for signing key", "path", cfg.Ethereum.PrivKeyFile)
	go func() {
		if err := creds.WatchFile(ctx, cfg.Ethereum.PrivKeyFile, keyPollInterval, logger); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("watch privkey file", "error", err)
		}
	}()
	key, err := creds.Wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("wait for signing key: %w", err)
	}
	return key, nil
}

// Run drives a built app until ctx ends, then leaves the network (headless
// mode) within a bounded window that ignores the cancellation of ctx.
func Run(ctx context.Context, app *App) error {
	cfg := app.Config
	logger := app.Logger
	g, gctx := errgroup.WithContext(ctx)

	if cfg.Node.Headless {
		if err := app.Manager.TryStart(gctx, cfg.Node.GPUName, cfg.Node.GPUVram, app.Version); err != nil && gctx.Err() == nil {
			logger.Error("automatic join failed", "error", err)
		}
	}

	g.Go(func() error {
		return app.Manager.StartSync(gctx, cfg.Node.SyncInterval.Duration)
	})
	if cfg.Node.AccountInterval.Duration > 0 {
		g.Go(func() error {
			return app.Account.Run(gctx, cfg.Node.AccountInterval.Duration)
		})
	}

	if cfg.MetricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{
			Addr:              cfg.MetricsListen,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("metrics listening", "addr", cfg.MetricsListen)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	<-gctx.Done()
	app.Manager.StopSync()
	runErr := g.Wait()

	if cfg.Node.Headless {
		shielded, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := app.Manager.TryStop(shielded); err != nil {
			logger.Error("automatic leave failed", "error", err)
		}
	}
	logger.Info("node agent stopped")
	return runErr
}
