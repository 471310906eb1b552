package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Payments.CoinsPerDollar != 20 {
		t.Fatalf("coins_per_dollar = %d, want 20", cfg.Payments.CoinsPerDollar)
	}
	if cfg.SignupBonus.Buyer != 50 || cfg.SignupBonus.Worker != 10 {
		t.Fatalf("signup bonus = %d/%d, want 50/10", cfg.SignupBonus.Buyer, cfg.SignupBonus.Worker)
	}
}

func TestGenerateDefaultRoundTrip(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault()))
	if err != nil {
		t.Fatalf("generated template does not parse: %v", err)
	}
	if cfg.Marketplace.Name != "quicktasker" {
		t.Fatalf("marketplace name = %q", cfg.Marketplace.Name)
	}
	if cfg.Limits.MinWithdrawalCoins != 200 {
		t.Fatalf("min_withdrawal_coins = %d, want 200", cfg.Limits.MinWithdrawalCoins)
	}
}

func TestLoadMissingFile(t *testing.T) {
	dir := t.TempDir()
	if _, err := Load(dir); err == nil {
		t.Fatal("expected error for missing config file")
	} else if !strings.Contains(err.Error(), "qt config init") {
		t.Fatalf("error should point at config init, got: %v", err)
	}
	cfg, err := LoadOptional(dir)
	if err != nil {
		t.Fatalf("LoadOptional: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("LoadOptional default invalid: %v", err)
	}
}

func TestLoadFromWorkspace(t *testing.T) {
	dir := t.TempDir()
	body := `marketplace:
  name: testing-market
limits:
  max_workers_per_task: 5
  min_payable_amount: 2
  min_withdrawal_coins: 100
  list_page_size: 10
payments:
  coins_per_dollar: 40
signup_bonus:
  buyer: 0
  worker: 0
bootstrap:
  admin_email: root@example.com
`
	if err := os.WriteFile(filepath.Join(dir, "quicktasker.yml"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Marketplace.Name != "testing-market" {
		t.Fatalf("name = %q", cfg.Marketplace.Name)
	}
	if cfg.Payments.CoinsPerDollar != 40 {
		t.Fatalf("coins_per_dollar = %d, want 40", cfg.Payments.CoinsPerDollar)
	}
	if cfg.Bootstrap.AdminEmail != "root@example.com" {
		t.Fatalf("admin_email = %q", cfg.Bootstrap.AdminEmail)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.Limits.MaxWorkersPerTask = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero max_workers_per_task")
	}
	cfg = Default()
	cfg.Payments.CoinsPerDollar = -1
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for negative coins_per_dollar")
	}
	cfg = Default()
	cfg.SignupBonus.Worker = -5
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for negative signup bonus")
	}
}
