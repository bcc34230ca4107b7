package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFromPath_MissingOptionalFileUsesDefaults(t *testing.T) {
	cfg, err := LoadFromPath(filepath.Join(t.TempDir(), "absent.yaml"), false)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Queue.Name != "predict_queue" || cfg.Worker.Concurrency != 2 {
		t.Fatalf("unexpected defaults: %+v %+v", cfg.Queue, cfg.Worker)
	}
	if cfg.Reconciler.Schedule != "@every 30s" || cfg.Reconciler.QueuedGrace != 10*time.Minute {
		t.Fatalf("unexpected reconciler defaults: %+v", cfg.Reconciler)
	}
}

func TestLoadFromPath_MissingRequiredFile(t *testing.T) {
	if _, err := LoadFromPath(filepath.Join(t.TempDir(), "absent.yaml"), true); err == nil {
		t.Fatalf("expected error for missing required file")
	}
}

func TestLoadFromPath_YAMLThenEnvironment(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9000
worker:
  concurrency: 3
engine:
  url: http://engine:5000
  timeout: 5s
catalog:
  - id: rf
    name: Random Forest
    price: "10"
    model_type: random_forest
`)
	t.Setenv("WORKER_CONCURRENCY", "6")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")

	cfg, err := LoadFromPath(path, true)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Fatalf("port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Worker.Concurrency != 6 {
		t.Fatalf("env override not applied, concurrency = %d", cfg.Worker.Concurrency)
	}
	if cfg.Engine.Timeout != 5*time.Second || cfg.Engine.URL != "http://engine:5000" {
		t.Fatalf("engine = %+v", cfg.Engine)
	}
	if got := cfg.Kafka.BrokerList(); len(got) != 2 || got[1] != "k2:9092" {
		t.Fatalf("brokers = %v", got)
	}
	if len(cfg.Catalog) != 1 || cfg.Catalog[0].ID != "rf" {
		t.Fatalf("catalog = %+v", cfg.Catalog)
	}
}

func TestLoad_UsesConfigFileEnv(t *testing.T) {
	path := writeConfig(t, "queue:\n  name: custom\n")
	t.Setenv("CONFIG_FILE", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Queue.Name != "custom" {
		t.Fatalf("queue name = %q", cfg.Queue.Name)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Worker.Concurrency = 0
	cfg.Engine.Timeout = 0
	cfg.Catalog = []CatalogItem{
		{ID: "rf", Name: "Random Forest", Price: "10"},
		{ID: "rf", Name: "Again", Price: "-1"},
		{ID: "", Name: "Nameless", Price: "1"},
	}

	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"worker.concurrency", "engine.timeout", "duplicate id", "must be a positive decimal", "id and name are required"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q missing %q", err, want)
		}
	}

	if err := Default().Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoadFromPath_BadYAML(t *testing.T) {
	path := writeConfig(t, "server: [not a map")
	if _, err := LoadFromPath(path, true); err == nil {
		t.Fatalf("expected parse error")
	}
}
