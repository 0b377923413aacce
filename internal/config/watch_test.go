package config

import (
	"context"
	"os"
	"testing"
	"time"

	"smsdispatch/pkg/logx"
)

func TestWatchDeliversValidReload(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
storage:
  path: ./q.db
carriers:
  - {name: principal, url: "http://p", enabled: true}
  - {name: backup1, url: "http://b", enabled: false}
`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloads := make(chan *Config, 4)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = Watch(ctx, path, logx.Nop(), func(cfg *Config) { reloads <- cfg })
	}()

	// Give the watcher time to register before the first write.
	time.Sleep(200 * time.Millisecond)

	// An invalid edit must be rejected, then the enable-flip applied.
	if err := os.WriteFile(path, []byte("storage: [broken"), 0o644); err != nil {
		t.Fatalf("write invalid: %v", err)
	}
	time.Sleep(500 * time.Millisecond)
	select {
	case cfg := <-reloads:
		t.Fatalf("invalid config delivered: %+v", cfg)
	default:
	}

	if err := os.WriteFile(path, []byte(`
storage:
  path: ./q.db
carriers:
  - {name: principal, url: "http://p", enabled: true}
  - {name: backup1, url: "http://b", enabled: true}
`), 0o644); err != nil {
		t.Fatalf("write valid: %v", err)
	}

	select {
	case cfg := <-reloads:
		if len(cfg.Carriers) != 2 || !cfg.Carriers[1].Enabled {
			t.Fatalf("reload content: %+v", cfg.Carriers)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("reload never delivered")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("watcher did not stop on cancel")
	}
}
