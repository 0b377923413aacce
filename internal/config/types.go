package config

import (
	"fmt"
	"time"
)

// Config is the dispatcher's process configuration. YAML (or JSON) on
// disk, strict decoding: unknown fields are errors.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging  LoggingConfig   `json:"logging"`
	Storage  StorageConfig   `json:"storage"`
	Dispatch DispatchConfig  `json:"dispatch"`
	API      APIConfig       `json:"api,omitempty"`
	Carriers []CarrierConfig `json:"carriers,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// DispatchConfig tunes the queue processor.
//
// Defaults (when fields are omitted/zero):
//   - batch_size: 50
//   - retry_batch_size: 100
//   - backoff: ["1s","5s","30s","5m","30m"]
//   - default_max_retries: 5
//   - process_every / retry_every: "30s" / "1m"
//
// retries_enabled and multi_carrier are pointers so "omitted" (default
// true) is distinguishable from an explicit false.
type DispatchConfig struct {
	BatchSize         int      `json:"batch_size,omitempty"`
	RetryBatchSize    int      `json:"retry_batch_size,omitempty"`
	Backoff           []string `json:"backoff,omitempty"`
	DefaultMaxRetries int      `json:"default_max_retries,omitempty"`

	RetriesEnabled    *bool `json:"retries_enabled,omitempty"`
	MultiCarrier      *bool `json:"multi_carrier,omitempty"`
	ExcludeLastFailed bool  `json:"exclude_last_failed,omitempty"`

	ProcessEvery string `json:"process_every,omitempty"`
	RetryEvery   string `json:"retry_every,omitempty"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:8080"
}

// CarrierConfig mirrors carrier.Config with string durations. When the
// carriers list is empty the built-in table applies.
type CarrierConfig struct {
	Name         string `json:"name"`
	URL          string `json:"url"`
	Account      string `json:"account"`
	Secret       string `json:"secret"`
	SenderID     string `json:"sender_id"`
	Priority     int    `json:"priority,omitempty"`
	MaxPerMinute int    `json:"max_per_minute,omitempty"`
	MaxRetries   int    `json:"max_retries,omitempty"`
	Timeout      string `json:"timeout,omitempty"`
	Enabled      bool   `json:"enabled"`
}

// BackoffSchedule parses the backoff list. Empty input yields nil so
// the engine falls back to its default schedule.
func (d DispatchConfig) BackoffSchedule() ([]time.Duration, error) {
	if len(d.Backoff) == 0 {
		return nil, nil
	}
	out := make([]time.Duration, 0, len(d.Backoff))
	for i, raw := range d.Backoff {
		dur, err := ParseDurationField(fmt.Sprintf("dispatch.backoff[%d]", i), raw)
		if err != nil {
			return nil, err
		}
		out = append(out, dur)
	}
	return out, nil
}

func (d DispatchConfig) RetriesOn() bool {
	return d.RetriesEnabled == nil || *d.RetriesEnabled
}

func (d DispatchConfig) MultiCarrierOn() bool {
	return d.MultiCarrier == nil || *d.MultiCarrier
}

func (c *Config) Validate() error {
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		return err
	}
	if _, err := c.Dispatch.BackoffSchedule(); err != nil {
		return err
	}
	if _, err := ParseDurationField("dispatch.process_every", c.Dispatch.ProcessEvery); err != nil {
		return err
	}
	if _, err := ParseDurationField("dispatch.retry_every", c.Dispatch.RetryEvery); err != nil {
		return err
	}
	seen := make(map[string]bool, len(c.Carriers))
	for i, cc := range c.Carriers {
		if cc.Name == "" {
			return fmt.Errorf("carriers[%d]: name is required", i)
		}
		if cc.URL == "" {
			return fmt.Errorf("carriers[%d] (%s): url is required", i, cc.Name)
		}
		if seen[cc.Name] {
			return fmt.Errorf("carriers[%d]: duplicate name %q", i, cc.Name)
		}
		seen[cc.Name] = true
		if _, err := ParseDurationField(fmt.Sprintf("carriers[%d].timeout", i), cc.Timeout); err != nil {
			return err
		}
	}
	return nil
}
