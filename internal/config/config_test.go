package config

import (
	"os"
	"testing"
	"time"
)

func TestGetEnvHelpers(t *testing.T) {
	os.Setenv("TEST_STR", "value")
	os.Setenv("TEST_INT", "123")
	os.Setenv("TEST_FLOAT", "3.14")
	os.Setenv("TEST_BOOL_TRUE", "true")
	os.Setenv("TEST_BOOL_FALSE", "false")

	if v := getEnv("TEST_STR", ""); v != "value" {
		t.Fatalf("expected value, got %s", v)
	}
	if v := getEnvAsInt("TEST_INT", 0); v != 123 {
		t.Fatalf("expected 123, got %d", v)
	}
	if v := getEnvAsFloat("TEST_FLOAT", 0); v != 3.14 {
		t.Fatalf("expected 3.14, got %f", v)
	}
	if !getEnvAsBool("TEST_BOOL_TRUE", false) {
		t.Fatalf("expected true")
	}
	if getEnvAsBool("TEST_BOOL_FALSE", true) {
		t.Fatalf("expected false")
	}
}

func TestGetEnvAsTiers(t *testing.T) {
	t.Setenv("TEST_TIERS", "Basic:4.5, pro:9,broken,elite:x,:3")
	tiers := getEnvAsTiers("TEST_TIERS", nil)
	if len(tiers) != 2 {
		t.Fatalf("expected 2 parsed tiers, got %v", tiers)
	}
	if tiers["basic"] != 4.5 || tiers["pro"] != 9 {
		t.Fatalf("unexpected tiers: %v", tiers)
	}

	t.Setenv("TEST_TIERS", "garbage")
	def := map[string]float64{"basic": 1}
	if got := getEnvAsTiers("TEST_TIERS", def); got["basic"] != 1 {
		t.Fatalf("expected default tiers, got %v", got)
	}
}

func TestCommissionConfig_DirectSaleAmount(t *testing.T) {
	cfg := CommissionConfig{DirectSaleDefault: 3, DirectSaleTiers: map[string]float64{"pro": 8}}
	if v := cfg.DirectSaleAmount("PRO"); v != 8 {
		t.Fatalf("expected tier amount 8, got %v", v)
	}
	if v := cfg.DirectSaleAmount("unknown"); v != 3 {
		t.Fatalf("expected default amount 3, got %v", v)
	}
}

func TestLoadDefaults(t *testing.T) {
	// ensure no interfering env vars
	_ = os.Unsetenv("SERVER_PORT")
	_ = os.Unsetenv("COMMISSION_VIRAL_BONUS")
	cfg := Load()
	if cfg.Server.Port == "" {
		t.Fatalf("expected default server port set")
	}
	if cfg.Commission.ViralShareBonus != 2.0 {
		t.Fatalf("expected default viral bonus 2.0, got %v", cfg.Commission.ViralShareBonus)
	}
	if cfg.Redemption.ShareLinkTTL() != 24*time.Hour {
		t.Fatalf("expected 24h share link ttl, got %v", cfg.Redemption.ShareLinkTTL())
	}
	if cfg.Kafka.Topics.Redemptions == "" || cfg.Kafka.Topics.DeadLetter == "" {
		t.Fatalf("expected kafka topics set")
	}
}

func TestRateLimitConfig_ForRedemptions(t *testing.T) {
	base := RateLimitConfig{Enabled: true, Requests: 100, RedeemRequests: 10, WindowSeconds: 60, KeyPrefix: "rl"}
	redeem := base.ForRedemptions()
	if redeem.Requests != 10 || redeem.KeyPrefix != "rl:redeem" || redeem.WindowSeconds != 60 || !redeem.Enabled {
		t.Fatalf("unexpected redemption bucket: %+v", redeem)
	}
	if base.Requests != 100 || base.KeyPrefix != "rl" {
		t.Fatalf("base config must stay untouched: %+v", base)
	}

	fallback := RateLimitConfig{Requests: 50}.ForRedemptions()
	if fallback.Requests != 50 || fallback.KeyPrefix != "ratelimit:redeem" {
		t.Fatalf("unexpected fallback bucket: %+v", fallback)
	}
}
