package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func lookupFrom(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefaults(t *testing.T) {
	cfg, err := FromLookup(lookupFrom(nil))
	if err != nil {
		t.Fatalf("FromLookup: %v", err)
	}
	if cfg.HTTPAddr != ":8080" || cfg.MinorUnits != 2 || cfg.TrialBalanceEpsilon != 0 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestOverrides(t *testing.T) {
	cfg, err := FromLookup(lookupFrom(map[string]string{
		"AGENTBANK_PG_DSN":                 "postgres://x",
		"AGENTBANK_KAFKA_BROKERS":          "k1:9092, k2:9092,,",
		"AGENTBANK_MINOR_UNITS":            "3",
		"AGENTBANK_TRIAL_BALANCE_INTERVAL": "1m",
		"AGENTBANK_OUTBOX_PER_SECOND":      "2.5",
	}))
	if err != nil {
		t.Fatalf("FromLookup: %v", err)
	}
	if cfg.PGDSN != "postgres://x" {
		t.Fatalf("dsn not applied: %q", cfg.PGDSN)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Fatalf("unexpected brokers: %v", cfg.KafkaBrokers)
	}
	if cfg.MinorUnits != 3 || cfg.TrialBalanceInterval != time.Minute || cfg.OutboxPerSecond != 2.5 {
		t.Fatalf("unexpected values: %+v", cfg)
	}
}

func TestInvalidValues(t *testing.T) {
	if _, err := FromLookup(lookupFrom(map[string]string{"AGENTBANK_OUTBOX_BATCH": "many"})); err == nil {
		t.Fatal("expected parse error")
	}
	_, err := FromLookup(lookupFrom(map[string]string{"AGENTBANK_MINOR_UNITS": "9"}))
	if err == nil || !strings.Contains(err.Error(), "MINOR_UNITS") {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestLoadReadsEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	if err := os.WriteFile(path, []byte("AGENTBANK_GRPC_ADDR=:7777\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("AGENTBANK_ENV_FILE", path)
	t.Setenv("AGENTBANK_GRPC_ADDR", "")
	os.Unsetenv("AGENTBANK_GRPC_ADDR")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.GRPCAddr != ":7777" {
		t.Fatalf("expected env file value, got %q", cfg.GRPCAddr)
	}
	os.Unsetenv("AGENTBANK_GRPC_ADDR")
}
