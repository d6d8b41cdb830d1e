package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"crypsync/internal/infra/storage"

	"github.com/alicebob/miniredis/v2"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestBootstrap_SQLite(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, fmt.Sprintf(`
storage:
  driver: sqlite
  path: %q
logging:
  dir: %q
notify:
  log: false
`, filepath.Join(dir, "crypsync.db"), filepath.Join(dir, "logs")))

	b := NewBootstrap(path)
	if err := b.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	defer b.Close(context.Background())

	if b.Prices == nil || b.Portfolio == nil || b.Alerts == nil {
		t.Fatal("services not wired")
	}
	if _, ok := b.Store.(*storage.SQLStore); !ok {
		t.Errorf("Store = %T, want *storage.SQLStore", b.Store)
	}
	if b.Redis != nil {
		t.Error("Redis client opened although nothing needs it")
	}
	if b.Hub == nil || b.Sink == nil {
		t.Error("notification sinks not wired")
	}
}

func TestBootstrap_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	dir := t.TempDir()
	path := writeConfig(t, fmt.Sprintf(`
storage:
  driver: redis
  redis:
    addr: %q
logging:
  dir: %q
notify:
  log: false
  redis:
    enabled: true
`, mr.Addr(), filepath.Join(dir, "logs")))

	b := NewBootstrap(path)
	if err := b.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if _, ok := b.Store.(*storage.RedisStore); !ok {
		t.Errorf("Store = %T, want *storage.RedisStore", b.Store)
	}
	if b.Redis == nil {
		t.Fatal("Redis client not opened")
	}
	if err := b.Close(context.Background()); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestBootstrap_MissingRequiredConfig(t *testing.T) {
	b := NewBootstrap(filepath.Join(t.TempDir(), "missing.yaml"))
	if err := b.Initialize(context.Background()); err == nil {
		b.Close(context.Background())
		t.Fatal("expected error for missing config file")
	}
}
