package config

import (
	"testing"
	"time"

	"github.com/maxxit-ai/coordinator/internal/fee"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("expected default port 8080, got %q", cfg.Port)
	}
	if cfg.DBPath != "./data/coordinator.db" {
		t.Errorf("expected default db path, got %q", cfg.DBPath)
	}
	if cfg.MonitorInterval != 30*time.Second {
		t.Errorf("expected default monitor interval 30s, got %v", cfg.MonitorInterval)
	}
	if cfg.MasterEncryptionKeyPresent {
		t.Error("expected MasterEncryptionKeyPresent false with no env set")
	}
}

func TestLoad_DBPathPrefersExplicitOverLegacy(t *testing.T) {
	t.Setenv("DB_PATH", "/tmp/explicit.db")
	t.Setenv("DATABASE_PATH", "/tmp/legacy.db")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DBPath != "/tmp/explicit.db" {
		t.Errorf("expected DB_PATH to win, got %q", cfg.DBPath)
	}
}

func TestLoad_MonitorIntervalFromSeconds(t *testing.T) {
	t.Setenv("MONITOR_INTERVAL", "45")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.MonitorInterval != 45*time.Second {
		t.Errorf("expected 45s, got %v", cfg.MonitorInterval)
	}
}

func TestLoad_PerpATokenFeedsParsed(t *testing.T) {
	t.Setenv("PERPA_PRICE_FEEDS", "BTC:0xAaa, ETH:0xBbb ,")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.PerpATokenFeeds) != 2 {
		t.Fatalf("expected 2 token feeds, got %d", len(cfg.PerpATokenFeeds))
	}
	if cfg.PerpATokenFeeds[0].Symbol != "BTC" || cfg.PerpATokenFeeds[0].FeedAddress != "0xAaa" {
		t.Errorf("unexpected first feed: %+v", cfg.PerpATokenFeeds[0])
	}
	if cfg.PerpATokenFeeds[1].Symbol != "ETH" || cfg.PerpATokenFeeds[1].FeedAddress != "0xBbb" {
		t.Errorf("unexpected second feed: %+v", cfg.PerpATokenFeeds[1])
	}
}

func TestLoad_FeePolicyDefaultsToProfitShare(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p := cfg.Fees["PERP_A"]
	if p.Model != fee.ModelProfitShare {
		t.Errorf("expected default model PROFIT_SHARE, got %v", p.Model)
	}
	if p.ProfitShare != fee.DefaultCreatorProfitShare {
		t.Errorf("expected default profit share %v, got %v", fee.DefaultCreatorProfitShare, p.ProfitShare)
	}
}

func TestLoad_FeePolicyTiersParsed(t *testing.T) {
	t.Setenv("SPOT_FEE_MODEL", "TIERED")
	t.Setenv("SPOT_FEE_TIERS", "0:0.1, 1000:0.05")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p := cfg.Fees["SPOT"]
	if p.Model != fee.Model("TIERED") {
		t.Errorf("expected TIERED model, got %v", p.Model)
	}
	if len(p.Tiers) != 2 {
		t.Fatalf("expected 2 tiers, got %d", len(p.Tiers))
	}
	if p.Tiers[1].MinProfit != 1000 || p.Tiers[1].Rate != 0.05 {
		t.Errorf("unexpected second tier: %+v", p.Tiers[1])
	}
}

func TestConfig_Validate_RequiresChainAddresses(t *testing.T) {
	cfg := &Config{}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error with no chain config set")
	}

	cfg.RPCURL = "http://localhost:8545"
	cfg.ModuleAddress = "0xModule"
	cfg.CollateralAddress = "0xCollateral"
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected no error once required fields set, got %v", err)
	}
}
