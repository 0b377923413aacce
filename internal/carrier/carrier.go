package carrier

import (
	"errors"
	"sort"
	"sync"
	"time"

	"smsdispatch/pkg/logx"
)

var (
	ErrNotFound          = errors.New("carrier not found")
	ErrNoEnabledCarriers = errors.New("no enabled carriers")
)

// DefaultName is the carrier used when detection and selection have
// nothing better to offer.
const DefaultName = "principal"

// Config is the immutable profile of one SMS gateway. Only the Enabled
// flag changes after registration, and only through Registry.Enable.
type Config struct {
	Name         string        `json:"name"`
	URL          string        `json:"url"`
	Account      string        `json:"account"`
	Secret       string        `json:"secret"`
	SenderID     string        `json:"sender_id"`
	Priority     int           `json:"priority"`
	MaxPerMinute int           `json:"max_per_minute"`
	MaxRetries   int           `json:"max_retries"`
	Timeout      time.Duration `json:"timeout"`
	Enabled      bool          `json:"enabled"`
}

func (c Config) withDefaults() Config {
	if c.Priority <= 0 {
		c.Priority = 1
	}
	if c.MaxPerMinute <= 0 {
		c.MaxPerMinute = 100
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	return c
}

// Registry maps carrier names to configs. Reads are snapshot-consistent;
// selection never observes a half-applied enable flip.
type Registry struct {
	mu    sync.RWMutex
	byName map[string]Config
	order  []string // declaration order, breaks priority ties

	log logx.Logger
}

func NewRegistry(log logx.Logger, configs ...Config) *Registry {
	r := &Registry{
		byName: make(map[string]Config, len(configs)),
		log:    log,
	}
	for _, c := range configs {
		r.Add(c)
	}
	return r
}

// Defaults returns the built-in carrier table: one live gateway plus
// two backups that stay disabled until they get real credentials.
func Defaults() []Config {
	return []Config{
		{
			Name:       "principal",
			URL:        "http://sms.yx19999.com:20003/sendsmsV2",
			Account:    "cs_p8bh8b",
			Secret:     "iGcMIQxT",
			SenderID:   "teddy",
			Priority:   1,
			MaxRetries: 5,
			Enabled:    true,
		},
		{
			Name:     "backup1",
			URL:      "http://api-backup1.sms.com/send",
			Account:  "account_backup1",
			Secret:   "password_backup1",
			SenderID: "sender_backup1",
			Priority: 2,
			Enabled:  false,
		},
		{
			Name:     "backup2",
			URL:      "http://api-backup2.sms.com/send",
			Account:  "account_backup2",
			Secret:   "password_backup2",
			SenderID: "sender_backup2",
			Priority: 3,
			Enabled:  false,
		},
	}
}

// Get returns the named carrier config.
func (r *Registry) Get(name string) (Config, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byName[name]
	if !ok {
		return Config{}, ErrNotFound
	}
	return c, nil
}

// List returns all carriers in declaration order.
func (r *Registry) List() []Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Config, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name])
	}
	return out
}

// Enable flips the enabled flag. Unknown names report false instead of
// erroring; callers treat the toggle as best-effort.
func (r *Registry) Enable(name string, enabled bool) bool {
	r.mu.Lock()
	c, ok := r.byName[name]
	if ok {
		c.Enabled = enabled
		r.byName[name] = c
	}
	r.mu.Unlock()

	if ok && !r.log.IsZero() {
		r.log.Info("carrier toggled", logx.String("carrier", name), logx.Bool("enabled", enabled))
	}
	return ok
}

// Add inserts or overwrites a carrier by name.
func (r *Registry) Add(c Config) {
	c = c.withDefaults()

	r.mu.Lock()
	if _, exists := r.byName[c.Name]; !exists {
		r.order = append(r.order, c.Name)
	}
	r.byName[c.Name] = c
	r.mu.Unlock()

	if !r.log.IsZero() {
		r.log.Info("carrier registered",
			logx.String("carrier", c.Name),
			logx.Int("priority", c.Priority),
			logx.Bool("enabled", c.Enabled),
		)
	}
}

// enabledByPriority snapshots the enabled carriers sorted by priority
// ascending, declaration order breaking ties.
func (r *Registry) enabledByPriority() []Config {
	r.mu.RLock()
	out := make([]Config, 0, len(r.order))
	pos := make(map[string]int, len(r.order))
	for i, name := range r.order {
		pos[name] = i
		if c := r.byName[name]; c.Enabled {
			out = append(out, c)
		}
	}
	r.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return pos[out[i].Name] < pos[out[j].Name]
	})
	return out
}
