package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/HyphaGroup/tether/internal/audit"
	"github.com/HyphaGroup/tether/internal/backend"
	"github.com/HyphaGroup/tether/internal/config"
	"github.com/HyphaGroup/tether/internal/coordinator"
	"github.com/HyphaGroup/tether/internal/logger"
	"github.com/HyphaGroup/tether/internal/metrics"
	"github.com/HyphaGroup/tether/internal/registry"
	"github.com/HyphaGroup/tether/internal/session"
	"github.com/HyphaGroup/tether/internal/store"
)

// app holds what a command needs, opened from configuration
type app struct {
	cfg       *config.LoadedConfig
	client    *backend.Client
	store     *store.Store
	coord     *coordinator.Coordinator
	audit     *audit.Logger
	auditFile *os.File
	metrics   *http.Server
}

func loadConfig(configDir string) (*config.LoadedConfig, error) {
	cfg, err := config.LoadAll(configDir)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}
	return cfg, nil
}

// openApp loads configuration and connects to the backend. withCoordinator
// also opens the local store and starts the coordinator and metrics endpoint.
func openApp(configDir string, withCoordinator bool) (*app, error) {
	cfg, err := loadConfig(configDir)
	if err != nil {
		return nil, err
	}
	if err := logger.InitSlog(cfg.LoggerOptions()); err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}

	a := &app{cfg: cfg}
	if cfg.Logging.Audit {
		path := filepath.Join(cfg.HomeDir, "audit.log")
		if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, fmt.Errorf("opening audit log: %w", err)
		}
		a.auditFile = f
		a.audit = audit.New(f)
	}

	a.client, err = backend.NewClient(cfg.ClientOptions())
	if err != nil {
		a.close()
		return nil, err
	}
	if !withCoordinator {
		return a, nil
	}

	a.store, err = store.NewStore(cfg.StoreDir())
	if err != nil {
		a.close()
		return nil, fmt.Errorf("opening history: %w", err)
	}
	a.coord, err = coordinator.New(coordinator.Options{
		Backend:     a.client,
		Store:       a.store,
		Audit:       a.audit,
		ProjectID:   cfg.Backend.ProjectID,
		StopTimeout: cfg.StopTimeout(),
		OnNotice: func(n *session.ApplicationError) {
			fmt.Fprintf(os.Stderr, "\n[agent error] %s\n", n.Message)
		},
	})
	if err != nil {
		a.close()
		return nil, err
	}

	if cfg.Metrics.Address != "" {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", metrics.Handler())
		a.metrics = &http.Server{Addr: cfg.Metrics.Address, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := a.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Slog().Warn("metrics endpoint failed", "address", cfg.Metrics.Address, "error", err)
			}
		}()
	}
	return a, nil
}

// wakeups returns a channel signalled after registry changes. Bursts
// coalesce into one pending signal.
func (a *app) wakeups() (<-chan struct{}, func()) {
	wake := make(chan struct{}, 1)
	unsubscribe := a.coord.Subscribe(func(registry.Change) {
		select {
		case wake <- struct{}{}:
		default:
		}
	})
	return wake, unsubscribe
}

// close releases everything openApp opened. It is safe to call twice.
func (a *app) close() {
	if a.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = a.metrics.Shutdown(ctx)
		cancel()
		a.metrics = nil
	}
	if a.coord != nil {
		a.coord.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
		a.store = nil
	}
	if a.auditFile != nil {
		_ = a.auditFile.Close()
		a.auditFile = nil
	}
	_ = logger.CloseSlog()
}
