package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackzampolin/narrator/internal/batch"
	"github.com/jackzampolin/narrator/internal/config"
	"github.com/jackzampolin/narrator/internal/dispatch"
	"github.com/jackzampolin/narrator/internal/events"
	"github.com/jackzampolin/narrator/internal/providers"
	"github.com/jackzampolin/narrator/internal/state"
	"github.com/jackzampolin/narrator/internal/storage"
	"github.com/jackzampolin/narrator/internal/svcctx"
)

// ServicesConfig holds what OpenServices needs beyond the config file.
type ServicesConfig struct {
	ConfigManager *config.Manager
	Registry      *providers.Registry
	Metrics       *dispatch.Metrics // optional
	// FFmpegPath overrides the ffmpeg lookup.
	FFmpegPath string
	Logger     *slog.Logger
}

// OpenServices opens the state store, blob storage and event publisher
// named by the current config and builds the orchestrator on top. The
// returned close function releases them in reverse order.
func OpenServices(ctx context.Context, cfg ServicesConfig) (*svcctx.Services, func() error, error) {
	if cfg.ConfigManager == nil {
		return nil, nil, fmt.Errorf("config manager is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := cfg.ConfigManager.Get()

	if err := cfg.ConfigManager.Home().EnsureExists(); err != nil {
		return nil, nil, err
	}

	stateCfg := c.State
	stateCfg.Logger = logger.With("component", "state")
	store, err := state.Open(ctx, stateCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open state store: %w", err)
	}

	storageCfg := c.Storage
	storageCfg.Logger = logger.With("component", "storage")
	blobs, err := storage.New(ctx, storageCfg)
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("failed to open audio storage: %w", err)
	}

	eventsCfg := c.Events
	eventsCfg.Logger = logger.With("component", "events")
	publisher, err := events.New(ctx, eventsCfg)
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("failed to open event publisher: %w", err)
	}

	orch, err := batch.NewOrchestrator(batch.OrchestratorConfig{
		Store:      store,
		Storage:    blobs,
		Registry:   cfg.Registry,
		Publisher:  publisher,
		Metrics:    cfg.Metrics,
		FFmpegPath: cfg.FFmpegPath,
		Logger:     logger.With("component", "batch"),
	})
	if err != nil {
		publisher.Close()
		store.Close()
		return nil, nil, err
	}

	services := &svcctx.Services{
		Orchestrator: orch,
		Registry:     cfg.Registry,
		Store:        store,
		Storage:      blobs,
		ConfigMgr:    cfg.ConfigManager,
		Logger:       logger,
		Home:         cfg.ConfigManager.Home(),
	}

	closeFn := func() error {
		return errors.Join(publisher.Close(), store.Close())
	}
	logger.Info("services ready",
		"state", stateCfg.Backend,
		"storage", storageCfg.Backend,
		"events", eventsCfg.Backend,
		"providers", cfg.Registry.List())
	return services, closeFn, nil
}
