package dispatch

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"smsdispatch/internal/carrier"
	"smsdispatch/internal/metrics"
	"smsdispatch/internal/ratelimit"
	"smsdispatch/internal/storage"
	"smsdispatch/internal/transport"
	"smsdispatch/pkg/logx"
)

// Error-rate thresholds for flagging carriers in Stats.
const (
	errRateHigh     = 0.2
	errRateCritical = 0.5
)

type Config struct {
	BatchSize      int // pending items per pass, default 50
	RetryBatchSize int // retry scan size per pass, default 100

	Backoff           []time.Duration
	DefaultMaxRetries int // when the carrier config has none, default 5

	RetriesEnabled bool
	MultiCarrier   bool // when off, every item goes to the default carrier
	// ExcludeLastFailed forwards to carrier.SelectorPolicy.
	ExcludeLastFailed bool
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.RetryBatchSize <= 0 {
		c.RetryBatchSize = 100
	}
	if len(c.Backoff) == 0 {
		c.Backoff = DefaultBackoff
	}
	if c.DefaultMaxRetries <= 0 {
		c.DefaultMaxRetries = 5
	}
	return c
}

// Engine owns the registry, the limiter pool, and the executor, and
// drives the queue's state machine. One engine per process; all state
// lives here rather than in package globals so tests get isolation.
type Engine struct {
	cfg   Config
	reg   *carrier.Registry
	exec  *Executor
	store storage.Store
	met   *metrics.Metrics
	log   logx.Logger

	mu      sync.RWMutex
	sel     *carrier.Selector
	toggles Toggles

	now func() time.Time
}

// Toggles are the engine settings that may change on config reload.
type Toggles struct {
	RetriesEnabled    bool
	MultiCarrier      bool
	ExcludeLastFailed bool
}

func NewEngine(cfg Config, reg *carrier.Registry, store storage.Store, client transport.Client, met *metrics.Metrics, log logx.Logger) *Engine {
	cfg = cfg.withDefaults()
	limiters := ratelimit.NewPool(log)
	return &Engine{
		cfg:   cfg,
		reg:   reg,
		sel:   carrier.NewSelector(reg, carrier.SelectorPolicy{ExcludeLastFailed: cfg.ExcludeLastFailed}, log),
		exec:  NewExecutor(limiters, client, store, met, log),
		store: store,
		met:   met,
		log:   log,
		toggles: Toggles{
			RetriesEnabled:    cfg.RetriesEnabled,
			MultiCarrier:      cfg.MultiCarrier,
			ExcludeLastFailed: cfg.ExcludeLastFailed,
		},
		now: time.Now,
	}
}

func (e *Engine) Registry() *carrier.Registry { return e.reg }

// Apply swaps the reloadable settings. Safe to call while queue passes
// are running; in-flight items finish under the old settings.
func (e *Engine) Apply(t Toggles) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t.ExcludeLastFailed != e.toggles.ExcludeLastFailed {
		e.sel = carrier.NewSelector(e.reg, carrier.SelectorPolicy{ExcludeLastFailed: t.ExcludeLastFailed}, e.log)
	}
	e.toggles = t
}

func (e *Engine) retriesOn() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.toggles.RetriesEnabled
}

func (e *Engine) multiCarrierOn() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.toggles.MultiCarrier
}

func (e *Engine) selector() *carrier.Selector {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sel
}

// ProcessQueue claims one batch of pending items and dispatches them.
// It returns the number of items it attempted.
func (e *Engine) ProcessQueue(ctx context.Context) (int, error) {
	items, err := e.store.ClaimPending(ctx, e.cfg.BatchSize, e.now())
	if err != nil {
		return 0, err
	}
	if len(items) == 0 {
		e.refreshDepth(ctx)
		return 0, nil
	}

	e.log.Info("processing queue", logx.Int("items", len(items)))
	n := e.dispatchBatch(ctx, items)
	e.met.ObserveBatch(n)
	e.refreshDepth(ctx)
	return n, nil
}

// RetryFailed claims retry-eligible items (backoff deadline passed) and
// re-dispatches them, rotating carriers by attempt count.
func (e *Engine) RetryFailed(ctx context.Context) (int, error) {
	if !e.retriesOn() {
		return 0, nil
	}
	items, err := e.store.ClaimRetryable(ctx, e.cfg.RetryBatchSize, e.now())
	if err != nil {
		return 0, err
	}
	if len(items) == 0 {
		return 0, nil
	}

	e.log.Info("retrying failed items", logx.Int("items", len(items)))
	n := e.dispatchBatch(ctx, items)
	e.refreshDepth(ctx)
	return n, nil
}

type assignment struct {
	item storage.QueueItem
	cfg  carrier.Config
}

// dispatchBatch groups claimed items by selected carrier and runs the
// groups concurrently. Items sharing a carrier stay sequential, so the
// shared limiter is the only throughput gate; an item claimed here is
// never in flight twice.
func (e *Engine) dispatchBatch(ctx context.Context, items []storage.QueueItem) int {
	groups := make(map[string][]assignment)
	dispatched := 0
	for _, item := range items {
		cfg, ok := e.pickCarrier(item)
		if !ok {
			e.release(ctx, item)
			continue
		}
		groups[cfg.Name] = append(groups[cfg.Name], assignment{item: item, cfg: cfg})
		dispatched++
	}

	g, gctx := errgroup.WithContext(ctx)
	for name := range groups {
		group := groups[name]
		g.Go(func() error {
			for _, a := range group {
				e.dispatchOne(gctx, a.item, a.cfg)
			}
			return nil
		})
	}
	// Workers never return errors; per-item failures are isolated.
	_ = g.Wait()
	return dispatched
}

// pickCarrier selects the carrier for an item's next attempt. On the
// first attempt the prefix-detected carrier wins when it is registered
// and enabled; after that the failover rotation decides. When every
// carrier is disabled the default carrier is the last resort, and
// items are released unsent if even that one is gone.
func (e *Engine) pickCarrier(item storage.QueueItem) (carrier.Config, bool) {
	if !e.multiCarrierOn() {
		cfg, err := e.reg.Get(carrier.DefaultName)
		return cfg, err == nil
	}

	if item.Attempts == 0 {
		if cfg, err := e.reg.Get(carrier.Detect(item.Number)); err == nil && cfg.Enabled {
			return cfg, true
		}
	}

	cfg, err := e.selector().Next(item.Attempts, item.Carrier)
	if err == nil {
		return cfg, true
	}

	// ErrNoEnabledCarriers: fall back to the default carrier without
	// consuming a retry.
	cfg, derr := e.reg.Get(carrier.DefaultName)
	if derr != nil {
		e.log.Error("carrier selection failed",
			logx.String("item", item.ID),
			logx.Err(err),
		)
		return carrier.Config{}, false
	}
	return cfg, true
}

// release returns a claimed item to its pre-claim state untouched.
func (e *Engine) release(ctx context.Context, item storage.QueueItem) {
	state := storage.StatePending
	if item.Attempts > 0 {
		state = storage.StateRetrying
	}
	if err := e.store.SetOutcome(ctx, item.ID, state, item.Carrier, item.Attempts, item.LastAttemptAt, item.NextRetryAt); err != nil {
		e.log.Error("item release failed", logx.String("item", item.ID), logx.Err(err))
	}
}

func (e *Engine) dispatchOne(ctx context.Context, item storage.QueueItem, cfg carrier.Config) {
	out := e.exec.Attempt(ctx, item, cfg)

	attempts := item.Attempts + 1
	now := e.now()

	var state storage.State
	var nextRetry time.Time
	switch {
	case out.Success():
		state = storage.StateDelivered
	case !out.Kind.Retryable():
		state = storage.StateFailed
	case !e.retriesOn() || attempts > e.maxRetries(cfg):
		state = storage.StateFailed
	default:
		state = storage.StateRetrying
		nextRetry = now.Add(backoffDelay(e.cfg.Backoff, item.Attempts))
	}

	if err := e.store.SetOutcome(ctx, item.ID, state, cfg.Name, attempts, now, nextRetry); err != nil {
		e.log.Error("item state not persisted",
			logx.String("item", item.ID),
			logx.String("state", string(state)),
			logx.Err(err),
		)
		return
	}

	if state == storage.StateFailed {
		e.log.Warn("item exhausted",
			logx.String("item", item.ID),
			logx.String("carrier", cfg.Name),
			logx.Int("attempts", attempts),
			logx.String("outcome", out.Kind.String()),
		)
	}
}

func (e *Engine) maxRetries(cfg carrier.Config) int {
	if cfg.MaxRetries > 0 {
		return cfg.MaxRetries
	}
	return e.cfg.DefaultMaxRetries
}

func (e *Engine) refreshDepth(ctx context.Context) {
	counts, err := e.store.CountByState(ctx)
	if err != nil {
		return
	}
	for state, n := range counts {
		e.met.SetQueueDepth(string(state), n)
	}
}

// CarrierStatus joins a carrier's config with its attempt aggregates
// and a coarse health flag derived from the error rate.
type CarrierStatus struct {
	Name     string               `json:"name"`
	Priority int                  `json:"priority"`
	Enabled  bool                 `json:"enabled"`
	Health   string               `json:"health"` // ok | degraded | critical
	Stats    storage.CarrierStats `json:"stats"`
}

// Stats reports every registered carrier, ordered as declared.
func (e *Engine) Stats(ctx context.Context) ([]CarrierStatus, error) {
	out := make([]CarrierStatus, 0)
	for _, cfg := range e.reg.List() {
		st, err := e.store.GetCarrierStats(ctx, cfg.Name)
		if err != nil {
			return nil, err
		}
		health := "ok"
		switch {
		case st.TotalSent > 0 && st.ErrorRate >= errRateCritical:
			health = "critical"
		case st.TotalSent > 0 && st.ErrorRate >= errRateHigh:
			health = "degraded"
		}
		out = append(out, CarrierStatus{
			Name:     cfg.Name,
			Priority: cfg.Priority,
			Enabled:  cfg.Enabled,
			Health:   health,
			Stats:    st,
		})
	}
	return out, nil
}
