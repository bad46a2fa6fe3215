package config_test

import (
	"testing"
	"time"

	"github.com/evetrade/ledger-engine/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("expected port 8080, got %d", cfg.Server.Port)
	}
	if cfg.ESI.BackoffBase != 500*time.Millisecond {
		t.Errorf("expected 500ms backoff, got %s", cfg.ESI.BackoffBase)
	}
	if cfg.Messages.Exchange != "evetrade.sync" {
		t.Errorf("expected evetrade.sync, got %s", cfg.Messages.Exchange)
	}
	if cfg.Sync.LeaseTTL != 5*time.Minute {
		t.Errorf("expected 5m lease, got %s", cfg.Sync.LeaseTTL)
	}
	g := cfg.Gateway()
	if g.BaseURL != "https://esi.evetech.net" || g.RateBurst != 10 {
		t.Errorf("unexpected gateway config %+v", g)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("ESI_COMPAT_DATE", "2025-08-26")
	t.Setenv("SYNC_SCHEDULE", "@every 15m")
	t.Setenv("SYNC_BACKFILL_MAX_AGE", "720h")
	t.Setenv("EVE_CLIENT_ID", "client")

	cfg, err := config.Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Address() != ":9090" {
		t.Errorf("expected :9090, got %s", cfg.Server.Address())
	}
	if cfg.Gateway().CompatDate != "2025-08-26" {
		t.Errorf("expected compat date override, got %q", cfg.Gateway().CompatDate)
	}
	if cfg.Sync.Schedule != "@every 15m" || cfg.Sync.BackfillMaxAge != 720*time.Hour {
		t.Errorf("unexpected sync config %+v", cfg.Sync)
	}
	if cfg.Credentials().ClientID != "client" {
		t.Errorf("expected client id, got %q", cfg.Credentials().ClientID)
	}
}

func TestLoad_RejectsZeroRetries(t *testing.T) {
	t.Setenv("ESI_MAX_RETRIES", "0")
	if _, err := config.Load(); err == nil {
		t.Error("expected error for ESI_MAX_RETRIES=0")
	}
}
