package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Store.Driver != "mysql" {
		t.Fatalf("store.driver = %q, want mysql", cfg.Store.Driver)
	}
	if cfg.Media.MaxBytes != 500*1024 {
		t.Fatalf("media.max_bytes = %d, want %d", cfg.Media.MaxBytes, 500*1024)
	}
	if cfg.Media.MaxDimension != 1200 {
		t.Fatalf("media.max_dimension = %d, want 1200", cfg.Media.MaxDimension)
	}
	if cfg.Media.StartQuality != 85 || cfg.Media.QualityStep != 10 || cfg.Media.MinQuality != 30 {
		t.Fatalf("media quality = %d/%d/%d, want 85/10/30", cfg.Media.StartQuality, cfg.Media.QualityStep, cfg.Media.MinQuality)
	}
	if cfg.Gateway.MediaTimeout != 120*time.Second {
		t.Fatalf("gateway.media_timeout = %s, want 2m", cfg.Gateway.MediaTimeout)
	}
	if cfg.Dispatch.LeaseTTL != 6*time.Minute {
		t.Fatalf("dispatch.lease_ttl = %s, want 6m", cfg.Dispatch.LeaseTTL)
	}
	if cfg.Kafka.Topic != "dispatch.batches" {
		t.Fatalf("kafka.topic = %q, want dispatch.batches", cfg.Kafka.Topic)
	}
}

func TestLoadMergesFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := []byte("store:\n  driver: memory\ndispatch:\n  delay_min: 2\n  delay_max: 4\n")
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("DISPATCH_HTTP_ADDR", ":9999")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Store.Driver != "memory" {
		t.Fatalf("store.driver = %q, want memory", cfg.Store.Driver)
	}
	if cfg.Dispatch.DelayMin != 2 || cfg.Dispatch.DelayMax != 4 {
		t.Fatalf("delay = [%d,%d], want [2,4]", cfg.Dispatch.DelayMin, cfg.Dispatch.DelayMax)
	}
	if cfg.HTTP.Addr != ":9999" {
		t.Fatalf("http.addr = %q, want :9999", cfg.HTTP.Addr)
	}
}

func TestValidateRejectsInvertedDelay(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	cfg.Dispatch.DelayMin = 10
	cfg.Dispatch.DelayMax = 5
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() should reject delay_min > delay_max")
	}
}

func TestValidateRejectsShortLease(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	cfg.Dispatch.LeaseTTL = time.Minute
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() should reject a lease shorter than the media timeouts")
	}

	// fetch 30s + 2*120s media + 15s text leaves no room in 3m
	cfg.Media.FetchTimeout = 30 * time.Second
	cfg.Gateway.MediaTimeout = 120 * time.Second
	cfg.Gateway.TextTimeout = 15 * time.Second
	if got := cfg.StepBudget(); got != 285*time.Second {
		t.Fatalf("StepBudget() = %s, want 4m45s", got)
	}
	cfg.Dispatch.LeaseTTL = 3 * time.Minute
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() should reject a lease shorter than a full fallback chain")
	}
	cfg.Dispatch.LeaseTTL = 300 * time.Second
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() should require a margin above the fallback chain")
	}
	cfg.Dispatch.LeaseTTL = 315 * time.Second
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v for budget plus margin", err)
	}
}

func TestValidateTimezone(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	cfg.Dispatch.Timezone = "America/Sao_Paulo"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v for a valid zone", err)
	}
	cfg.Dispatch.Timezone = "Mars/Olympus_Mons"
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() should reject an unknown timezone")
	}
}
