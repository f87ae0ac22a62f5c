package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/catalogops/enrich-cli/internal/gate"
	"github.com/catalogops/enrich-cli/internal/monitoring"
	"github.com/catalogops/enrich-cli/internal/policy"
	"github.com/catalogops/enrich-cli/internal/publish"
	"github.com/catalogops/enrich-cli/internal/stage"
	"github.com/catalogops/enrich-cli/internal/store"
	"github.com/catalogops/enrich-cli/internal/supervisor"
)

// pipelineEnv bundles the wired collaborators a command needs to run
// or inspect enrichment threads.
type pipelineEnv struct {
	store      store.Store
	supervisor *supervisor.Supervisor
	collector  *monitoring.Collector
	alerter    *monitoring.Alerter
}

func (e *pipelineEnv) Close() {
	if err := e.store.Close(); err != nil {
		zap.L().Warn("closing store", zap.Error(err))
	}
}

// initStore opens the configured thread store backend and applies
// migrations.
func initStore(ctx context.Context) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch cfg.Store.Driver {
	case "sqlite":
		st, err = store.NewSQLite(cfg.Store.DatabaseURL)
	case "postgres":
		st, err = store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	case "memory":
		st = store.NewMemory()
	default:
		return nil, eris.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "open %s store", cfg.Store.Driver)
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	return st, nil
}

// initPipeline wires the supervisor and its collaborators from config.
func initPipeline(ctx context.Context) (*pipelineEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	var dispatcher stage.Dispatcher
	if cfg.Publish.Endpoint != "" {
		dispatcher = publish.NewWebhookDispatcher(cfg.Publish)
	} else {
		dispatcher = publish.NewFileDispatcher("published.jsonl")
	}

	var notifier gate.Notifier = gate.NopNotifier{}
	if cfg.QA.WebhookURL != "" {
		notifier = gate.NewWebhookNotifier(cfg.QA.WebhookURL)
	}

	registry := stage.DefaultRegistry(stage.Options{
		Catalog:    stage.NewStoreCatalog(st),
		Dispatcher: dispatcher,
		Locales:    cfg.Locales,
		Overrides:  cfg.StageOverrides(),
	})

	sup, err := supervisor.New(st, registry, policy.NewEngine(cfg.Retry), gate.New(notifier), cfg.Supervisor)
	if err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "build supervisor")
	}

	return &pipelineEnv{
		store:      st,
		supervisor: sup,
		collector:  monitoring.NewCollector(st),
		alerter:    monitoring.NewAlerter(cfg.Monitoring),
	}, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
