package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"qeuro/internal/config"
)

const (
	adminHex    = "0x00000000000000000000000000000000000000a1"
	treasuryHex = "0x00000000000000000000000000000000000000d4"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("QEURO_ADMIN_ADDRESS", adminHex)
	t.Setenv("QEURO_TREASURY_ADDRESS", treasuryHex)
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Fatalf("http_addr = %q, want :8080", cfg.HTTPAddr)
	}
	if cfg.RefreshInterval != time.Minute {
		t.Fatalf("refresh_interval = %v, want 1m", cfg.RefreshInterval)
	}
	if !strings.EqualFold(cfg.Admin().Hex(), adminHex) {
		t.Fatalf("admin = %s, want %s", cfg.Admin().Hex(), adminHex)
	}
}

func TestLoadRequiresAdmin(t *testing.T) {
	t.Setenv("QEURO_TREASURY_ADDRESS", treasuryHex)

	if _, err := config.Load(""); err == nil {
		t.Fatal("Load accepted empty admin_address")
	}
}

func TestEnvOverridesDefaults(t *testing.T) {
	setRequired(t)
	t.Setenv("QEURO_NATS_URL", "nats://broker:4222")
	t.Setenv("QEURO_REFRESH_INTERVAL", "15s")

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.NATSURL != "nats://broker:4222" {
		t.Fatalf("nats_url = %q", cfg.NATSURL)
	}
	if cfg.RefreshInterval != 15*time.Second {
		t.Fatalf("refresh_interval = %v, want 15s", cfg.RefreshInterval)
	}
}

func TestConfigFileOverridesDefaults(t *testing.T) {
	setRequired(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "qeurod.toml")
	body := "http_addr = \":9999\"\npersist_batch_size = 32\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":9999" {
		t.Fatalf("http_addr = %q, want :9999", cfg.HTTPAddr)
	}
	if cfg.PersistBatchSize != 32 {
		t.Fatalf("persist_batch_size = %d, want 32", cfg.PersistBatchSize)
	}
}

func TestValidateRejectsBadInterval(t *testing.T) {
	setRequired(t)
	t.Setenv("QEURO_REFRESH_INTERVAL", "0")

	if _, err := config.Load(""); err == nil {
		t.Fatal("Load accepted zero refresh_interval")
	}
}
