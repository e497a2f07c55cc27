package thread

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/chirino/thread-sync/internal/config"
	"github.com/chirino/thread-sync/internal/execution"
	execmemory "github.com/chirino/thread-sync/internal/execution/memory"
	"github.com/chirino/thread-sync/internal/execution/remote"
	"github.com/chirino/thread-sync/internal/persistent"
	registrylocalstore "github.com/chirino/thread-sync/internal/registry/localstore"
	"github.com/chirino/thread-sync/internal/security"
	"github.com/chirino/thread-sync/internal/session"
	"github.com/chirino/thread-sync/internal/syncstate"

	// Import all local store plugins to trigger init() registration
	_ "github.com/chirino/thread-sync/internal/plugin/localstore/memory"
	_ "github.com/chirino/thread-sync/internal/plugin/localstore/mongo"
	_ "github.com/chirino/thread-sync/internal/plugin/localstore/postgres"
	_ "github.com/chirino/thread-sync/internal/plugin/localstore/redis"
	_ "github.com/chirino/thread-sync/internal/plugin/localstore/sqlite"
)

// env bundles the stores one command invocation talks to.
type env struct {
	cfg   *config.Config
	exec  execution.Store
	api   persistent.API
	state *syncstate.Store
	kv    registrylocalstore.Store
}

func openEnv(ctx context.Context, cfg *config.Config) (*env, error) {
	if err := cfg.ApplyEnvCompat(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	labels, err := security.ParseMetricsLabels(cfg.MetricsLabels)
	if err != nil {
		return nil, fmt.Errorf("invalid --metrics-labels: %w", err)
	}
	security.InitMetrics(labels)

	ctx = config.WithContext(ctx, cfg)
	loader, err := registrylocalstore.Select(cfg.LocalStoreType)
	if err != nil {
		return nil, err
	}
	kv, err := loader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}
	state, err := syncstate.New(kv, cfg.MappingCacheSize)
	if err != nil {
		_ = kv.Close()
		return nil, err
	}

	e := &env{cfg: cfg, state: state, kv: kv}
	if cfg.PersistenceConfigured() {
		client, err := persistent.NewClient(persistent.Options{
			BaseURL: cfg.PersistentURL,
			Token:   cfg.PersistentToken,
			Timeout: cfg.HTTPTimeout,
		})
		if err != nil {
			e.close()
			return nil, err
		}
		e.api = persistent.WithMetrics(client)
	}

	if cfg.ExecutionURL == "" {
		log.Warn("No execution store configured; using an in-process store that answers with echoes")
		e.exec = execmemory.New(execmemory.EchoResponder)
	} else {
		client, err := remote.New(remote.Options{
			BaseURL:     cfg.ExecutionURL,
			APIKey:      cfg.ExecutionAPIKey,
			AssistantID: cfg.AssistantID,
			Timeout:     cfg.HTTPTimeout,
			PollEvery:   cfg.ExecutionPollEvery,
		})
		if err != nil {
			e.close()
			return nil, err
		}
		e.exec = client
	}
	return e, nil
}

func (e *env) controller(opts session.Options) (*session.Controller, error) {
	opts.Exec = e.exec
	opts.API = e.api
	opts.State = e.state
	opts.AssistantID = e.cfg.AssistantID
	opts.Source = e.cfg.Source
	opts.FileDebounce = e.cfg.FileSyncDebounce
	opts.FileFlushTimeout = e.cfg.FileFlushTimeout
	opts.FallbackRecheck = e.cfg.FallbackRecheckDelay
	return session.New(opts)
}

func (e *env) close() {
	e.state.Close()
	if err := e.kv.Close(); err != nil {
		log.Warn("Failed to close local store", "err", err)
	}
}
