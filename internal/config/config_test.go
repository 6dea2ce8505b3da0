package config

import (
	"testing"
	"time"
)

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")
	t.Setenv("MANAGER_PIN", "")

	cfg := Load()
	if cfg.AuthSecret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.AuthSecret)
	}
	if cfg.ManagerPIN != "" {
		t.Fatalf("expected empty MANAGER_PIN when unset, got %q", cfg.ManagerPIN)
	}
}

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "SALE_RETRY_LIMIT", "INVOICE_PREFIX", "AUTO_MIGRATE", "CATALOG_CACHE_TTL_SECONDS", "DATABASE_URL"} {
		t.Setenv(key, "")
	}

	cfg := Load()
	if cfg.Address() != ":8080" {
		t.Fatalf("expected :8080, got %q", cfg.Address())
	}
	if cfg.SaleRetryLimit != 3 {
		t.Fatalf("expected retry limit 3, got %d", cfg.SaleRetryLimit)
	}
	if cfg.InvoicePrefix != "INV" {
		t.Fatalf("expected INV prefix, got %q", cfg.InvoicePrefix)
	}
	if !cfg.AutoMigrate {
		t.Fatalf("expected auto migrate to default on")
	}
	if cfg.CatalogCacheTTL() != time.Minute {
		t.Fatalf("expected 60s cache ttl, got %v", cfg.CatalogCacheTTL())
	}
	if cfg.DatabaseURL != "" {
		t.Fatalf("expected empty database url, got %q", cfg.DatabaseURL)
	}
}

func TestLoadClampsRetryLimit(t *testing.T) {
	cases := map[string]int{"1": 1, "10": 10, "0": 3, "11": 3, "many": 3}
	for raw, want := range cases {
		t.Setenv("SALE_RETRY_LIMIT", raw)
		if got := Load().SaleRetryLimit; got != want {
			t.Fatalf("SALE_RETRY_LIMIT=%q: expected %d, got %d", raw, want, got)
		}
	}
}

func TestLoadReadsOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("INVOICE_PREFIX", "apt")
	t.Setenv("AUTO_MIGRATE", "false")
	t.Setenv("REDIS_DB", "2")

	cfg := Load()
	if cfg.Address() != ":9090" || cfg.InvoicePrefix != "APT" || cfg.AutoMigrate || cfg.RedisDB != 2 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}
