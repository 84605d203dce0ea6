package ateliercode

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"pkt.systems/pslog"

	"github.com/jariahh/ateliercode-sub000/core"
	"github.com/jariahh/ateliercode-sub000/internal/agentcli"
	"github.com/jariahh/ateliercode-sub000/internal/appconfig"
	"github.com/jariahh/ateliercode-sub000/internal/chatdb"
	"github.com/jariahh/ateliercode-sub000/internal/metrics"
	"github.com/jariahh/ateliercode-sub000/internal/persist"
	"github.com/jariahh/ateliercode-sub000/internal/transcript"
	"github.com/jariahh/ateliercode-sub000/schema"
)

// LocalHost bundles the in-process host collaborators: agent processes,
// transcript history and watching, the message database and tab snapshots.
type LocalHost struct {
	Agents  *agentcli.Host
	History *core.CombinedHistory
	Events  *transcript.Watcher
	Tabs    *persist.Store
	DB      *chatdb.Store
}

// OpenLocalHost builds the host collaborators described by cfg.
func OpenLocalHost(cfg appconfig.Config, logger pslog.Logger, m *metrics.Metrics) (*LocalHost, error) {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	if err := os.MkdirAll(cfg.StateDir, 0o700); err != nil {
		return nil, fmt.Errorf("state dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o700); err != nil {
		return nil, fmt.Errorf("database dir: %w", err)
	}

	plugins := agentcli.Builtin()
	loaded, err := agentcli.LoadDir(cfg.Agents.PluginDir, logger)
	if err != nil {
		return nil, err
	}
	for agent, plugin := range loaded {
		plugins[agent] = plugin
	}

	db, err := chatdb.Open(chatdb.Config{
		Path:     cfg.Database.Path,
		PoolSize: cfg.Database.PoolSize,
		Logger:   logger.With("component", "chatdb"),
	})
	if err != nil {
		return nil, err
	}
	transcripts, err := transcript.NewStoreWithLogger(cfg.Agents.TranscriptRoot, logger.With("component", "transcript"))
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	watcher, err := transcript.NewWatcher(transcripts)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	history, err := core.NewCombinedHistory(transcripts, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	tabs, err := persist.NewStoreWithLogger(filepath.Join(cfg.StateDir, "tabs"), logger.With("component", "persist"))
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	var defaultAgent schema.AgentType
	if cfg.Agents.Default != "" {
		defaultAgent, err = schema.NormalizeAgentType(cfg.Agents.Default)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("agents.default: %w", err)
		}
	}
	agents, err := agentcli.NewHost(agentcli.Config{
		Plugins:      plugins,
		DefaultAgent: defaultAgent,
		Env:          cfg.Agents.EnvList(),
		OnExternalID: linkExternal(db),
		Logger:       logger.With("component", "agentcli"),
		Metrics:      m,
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("local host ready", "agents", agents.Agents(), "plugin_dir", cfg.Agents.PluginDir, "transcripts", cfg.Agents.TranscriptRoot)
	return &LocalHost{Agents: agents, History: history, Events: watcher, Tabs: tabs, DB: db}, nil
}

// linkExternal records detected external ids so messages saved under the
// host session are found again by external id.
func linkExternal(db *chatdb.Store) agentcli.ExternalIDFunc {
	return func(ctx context.Context, desc schema.SessionDescriptor) {
		if err := db.LinkExternal(ctx, desc.SessionID, desc.ExternalID); err != nil {
			pslog.Ctx(ctx).Warn("local host link external failed", "session", desc.SessionID, "external_session", desc.ExternalID, "err", err)
		}
	}
}

// Close stops agent processes and closes the database.
func (h *LocalHost) Close() error {
	if h == nil {
		return nil
	}
	var errs []error
	if h.Agents != nil {
		errs = append(errs, h.Agents.Close())
	}
	if h.DB != nil {
		errs = append(errs, h.DB.Close())
	}
	return errors.Join(errs...)
}
