// Package app wires the dispatcher together: config, logging, storage,
// the carrier registry, the dispatch engine, the periodic cron triggers
// and the ops API.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"smsdispatch/internal/api"
	"smsdispatch/internal/carrier"
	"smsdispatch/internal/config"
	"smsdispatch/internal/dispatch"
	"smsdispatch/internal/metrics"
	"smsdispatch/internal/storage"
	"smsdispatch/internal/transport"
	"smsdispatch/pkg/logx"
)

const (
	defaultProcessEvery = 30 * time.Second
	defaultRetryEvery   = time.Minute
)

type App struct {
	cfgPath string

	log    logx.Logger
	store  storage.Store
	engine *dispatch.Engine
	server *api.Server
	cron   *cron.Cron

	processEvery time.Duration
	retryEvery   time.Duration

	watchCancel context.CancelFunc
	watchDone   chan struct{}
}

func NewApp(cfgPath string) (*App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	appLog := log.With(logx.String("comp", "app"))

	busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	appLog.Info("storage ready", logx.String("path", cfg.Storage.Path))

	promReg := prometheus.NewRegistry()
	met := metrics.New(promReg)

	reg, err := buildRegistry(cfg, log.With(logx.String("comp", "carriers")))
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	backoff, err := cfg.Dispatch.BackoffSchedule()
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	engine := dispatch.NewEngine(dispatch.Config{
		BatchSize:         cfg.Dispatch.BatchSize,
		RetryBatchSize:    cfg.Dispatch.RetryBatchSize,
		Backoff:           backoff,
		DefaultMaxRetries: cfg.Dispatch.DefaultMaxRetries,
		RetriesEnabled:    cfg.Dispatch.RetriesOn(),
		MultiCarrier:      cfg.Dispatch.MultiCarrierOn(),
		ExcludeLastFailed: cfg.Dispatch.ExcludeLastFailed,
	}, reg, store, transport.NewHTTPClient(), met, log.With(logx.String("comp", "dispatch")))

	var server *api.Server
	if cfg.API.Enabled {
		server = api.NewServer(api.Config{Addr: cfg.API.Addr}, engine, store,
			promReg, log.With(logx.String("comp", "api")))
	}

	processEvery, err := config.ParseDurationOrDefault("dispatch.process_every", cfg.Dispatch.ProcessEvery, defaultProcessEvery)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	retryEvery, err := config.ParseDurationOrDefault("dispatch.retry_every", cfg.Dispatch.RetryEvery, defaultRetryEvery)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	return &App{
		cfgPath:      cfgPath,
		log:          appLog,
		store:        store,
		engine:       engine,
		server:       server,
		cron:         cron.New(),
		processEvery: processEvery,
		retryEvery:   retryEvery,
	}, nil
}

// Engine exposes the dispatch engine for operational use (manual queue
// runs, tests).
func (a *App) Engine() *dispatch.Engine { return a.engine }

func (a *App) Start(ctx context.Context) error {
	if _, err := a.cron.AddFunc(fmt.Sprintf("@every %s", a.processEvery), func() {
		if n, err := a.engine.ProcessQueue(ctx); err != nil {
			a.log.Error("queue pass failed", logx.Err(err))
		} else if n > 0 {
			a.log.Info("queue pass done", logx.Int("dispatched", n))
		}
	}); err != nil {
		return err
	}
	if _, err := a.cron.AddFunc(fmt.Sprintf("@every %s", a.retryEvery), func() {
		if n, err := a.engine.RetryFailed(ctx); err != nil {
			a.log.Error("retry pass failed", logx.Err(err))
		} else if n > 0 {
			a.log.Info("retry pass done", logx.Int("dispatched", n))
		}
	}); err != nil {
		return err
	}
	a.cron.Start()

	if a.server != nil {
		a.server.Start()
	}

	watchCtx, cancel := context.WithCancel(ctx)
	a.watchCancel = cancel
	a.watchDone = make(chan struct{})
	go func() {
		defer close(a.watchDone)
		err := config.Watch(watchCtx, a.cfgPath, a.log.With(logx.String("comp", "config")), a.applyConfig)
		if err != nil && watchCtx.Err() == nil {
			a.log.Warn("config watcher stopped", logx.Err(err))
		}
	}()

	a.log.Info("dispatcher started",
		logx.Duration("process_every", a.processEvery),
		logx.Duration("retry_every", a.retryEvery))
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.watchCancel != nil {
		a.watchCancel()
		select {
		case <-a.watchDone:
		case <-ctx.Done():
		}
	}

	cronDone := a.cron.Stop().Done()
	select {
	case <-cronDone:
	case <-ctx.Done():
		a.log.Warn("cron jobs still running at shutdown deadline")
	}

	if a.server != nil {
		a.server.Stop(ctx)
	}

	err := a.store.Close()
	a.log.Info("dispatcher stopped")
	a.log.Close()
	return err
}

// applyConfig handles hot reload. Only carrier settings and dispatch
// toggles take effect live; storage and API changes need a restart.
func (a *App) applyConfig(cfg *config.Config) {
	if len(cfg.Carriers) > 0 {
		for _, cc := range cfg.Carriers {
			converted, err := convertCarrier(cc)
			if err != nil {
				a.log.Warn("skipping carrier on reload", logx.String("carrier", cc.Name), logx.Err(err))
				continue
			}
			a.engine.Registry().Add(converted)
		}
	}
	a.engine.Apply(dispatch.Toggles{
		RetriesEnabled:    cfg.Dispatch.RetriesOn(),
		MultiCarrier:      cfg.Dispatch.MultiCarrierOn(),
		ExcludeLastFailed: cfg.Dispatch.ExcludeLastFailed,
	})
	a.log.Info("config reloaded", logx.Int("carriers", len(cfg.Carriers)))
}

// buildRegistry maps the config carrier list into the registry. An
// empty list falls back to the built-in table.
func buildRegistry(cfg *config.Config, log logx.Logger) (*carrier.Registry, error) {
	if len(cfg.Carriers) == 0 {
		return carrier.NewRegistry(log, carrier.Defaults()...), nil
	}
	configs := make([]carrier.Config, 0, len(cfg.Carriers))
	for _, cc := range cfg.Carriers {
		converted, err := convertCarrier(cc)
		if err != nil {
			return nil, err
		}
		configs = append(configs, converted)
	}
	return carrier.NewRegistry(log, configs...), nil
}

func convertCarrier(cc config.CarrierConfig) (carrier.Config, error) {
	timeout, err := config.ParseDurationField(fmt.Sprintf("carriers[%s].timeout", cc.Name), cc.Timeout)
	if err != nil {
		return carrier.Config{}, err
	}
	return carrier.Config{
		Name:         cc.Name,
		URL:          cc.URL,
		Account:      cc.Account,
		Secret:       cc.Secret,
		SenderID:     cc.SenderID,
		Priority:     cc.Priority,
		MaxPerMinute: cc.MaxPerMinute,
		MaxRetries:   cc.MaxRetries,
		Timeout:      timeout,
		Enabled:      cc.Enabled,
	}, nil
}
