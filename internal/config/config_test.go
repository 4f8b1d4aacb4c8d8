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
		t.Fatalf("Load with defaults should succeed: %v", err)
	}

	if cfg.App.Name != "fundingwatcher" {
		t.Fatalf("app.name = %q", cfg.App.Name)
	}
	if cfg.App.Production() {
		t.Fatal("default environment must not be production")
	}
	if cfg.Scheduler.Interval != time.Minute {
		t.Fatalf("scheduler.interval = %s", cfg.Scheduler.Interval)
	}
	if cfg.Ingestion.BucketSize != time.Second {
		t.Fatalf("ingestion.bucket_size = %s", cfg.Ingestion.BucketSize)
	}
	if cfg.Ingestion.GraceWindow != 1500*time.Millisecond {
		t.Fatalf("ingestion.grace_window = %s", cfg.Ingestion.GraceWindow)
	}
	if !cfg.Exchanges.Hyperliquid.Enabled || !cfg.Exchanges.Asterdex.Enabled {
		t.Fatal("both venues should be enabled by default")
	}
	if cfg.Detector.MinSpread != 0.0001 {
		t.Fatalf("detector.min_spread = %f", cfg.Detector.MinSpread)
	}
	if cfg.Scanner.ExtremeAPR != 0.30 {
		t.Fatalf("scanner.extreme_apr = %f", cfg.Scanner.ExtremeAPR)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
app:
  environment: production
scheduler:
  interval: 30s
ingestion:
  symbols:
    - BTC
    - ETH
detector:
  min_annualized_spread: 20
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if !cfg.App.Production() {
		t.Fatal("environment should be production")
	}
	if cfg.Scheduler.Interval != 30*time.Second {
		t.Fatalf("scheduler.interval = %s", cfg.Scheduler.Interval)
	}
	if len(cfg.Ingestion.Symbols) != 2 {
		t.Fatalf("symbols = %v", cfg.Ingestion.Symbols)
	}
	if cfg.Detector.MinAnnualizedSpread != 20 {
		t.Fatalf("detector.min_annualized_spread = %f", cfg.Detector.MinAnnualizedSpread)
	}
	// Untouched keys keep their defaults.
	if cfg.Ingestion.MaxBatch != 200 {
		t.Fatalf("ingestion.max_batch = %d", cfg.Ingestion.MaxBatch)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := func(t *testing.T) *Config {
		t.Helper()
		cfg, err := Load("")
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		return cfg
	}

	cases := map[string]func(*Config){
		"zero interval":          func(c *Config) { c.Scheduler.Interval = 0 },
		"zero bucket":            func(c *Config) { c.Ingestion.BucketSize = 0 },
		"grace below bucket":     func(c *Config) { c.Ingestion.GraceWindow = 500 * time.Millisecond },
		"zero max batch":         func(c *Config) { c.Ingestion.MaxBatch = 0 },
		"zero extreme apr":       func(c *Config) { c.Scanner.ExtremeAPR = 0 },
		"negative min spread":    func(c *Config) { c.Detector.MinSpread = -1 },
		"inverted urgency order": func(c *Config) { c.Detector.MediumUrgencyAPR = 200 },
		"zero reconnects":        func(c *Config) { c.Exchanges.WS.MaxReconnectAttempts = 0 },
		"telegram without token": func(c *Config) { c.Alerting.Telegram.Enabled = true },
	}
	for name, mutate := range cases {
		cfg := base(t)
		mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestResolveMaxPoints(t *testing.T) {
	cfg := &Config{Export: ExportConfig{MaxDataPoints: 500}}
	if got := cfg.ResolveMaxPoints(0); got != 500 {
		t.Fatalf("default = %d", got)
	}
	if got := cfg.ResolveMaxPoints(42); got != 42 {
		t.Fatalf("override = %d", got)
	}
}
