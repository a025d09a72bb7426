package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"loom/internal/backend"
	"loom/internal/config"
	"loom/internal/events"
	"loom/internal/logging"
	"loom/internal/reasoning"
	"loom/internal/session"
	"loom/internal/store"
)

// app bundles the shared infrastructure a command needs: config, store,
// broker, and the session coordinator, all rooted in one workspace.
type app struct {
	cfg    *config.Config
	ws     string
	st     *store.Store
	broker *events.Broker
	coord  *session.Coordinator
}

// openApp boots the workspace infrastructure. needProvider controls whether
// a reasoning provider is constructed; listing sessions must not demand an
// API key.
func openApp(needProvider bool) (*app, error) {
	ws := workspace
	if ws == "" {
		var err error
		ws, err = os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve workspace: %w", err)
		}
	}

	cfg, err := config.LoadWorkspace(ws)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if apiKey != "" {
		cfg.Reasoning.APIKey = apiKey
	}

	if err := logging.Initialize(ws); err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}

	back, err := backend.NewLocal(ws)
	if err != nil {
		return nil, fmt.Errorf("failed to open workspace backend: %w", err)
	}

	dbPath := cfg.Store.DatabasePath
	if !filepath.IsAbs(dbPath) {
		dbPath = filepath.Join(ws, dbPath)
	}
	st, err := store.NewStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	broker := events.NewBroker(st)
	broker.Start(context.Background())

	var provider reasoning.Provider
	if needProvider {
		provider, err = reasoning.NewAnthropic(cfg.Reasoning, cfg.GetReasoningTimeout())
		if err != nil {
			broker.Stop()
			st.Close()
			return nil, err
		}
	}

	return &app{
		cfg:    cfg,
		ws:     ws,
		st:     st,
		broker: broker,
		coord:  session.NewCoordinator(cfg, st, broker, back, provider),
	}, nil
}

func (a *app) close() {
	if err := a.broker.Stop(); err != nil {
		logger.Warn("broker shutdown", zap.Error(err))
	}
	if err := a.st.Close(); err != nil {
		logger.Warn("store shutdown", zap.Error(err))
	}
	logging.Close()
}
