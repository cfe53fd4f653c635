package database

import (
	"testing"
	"time"
)

func TestConfig_Fields(t *testing.T) {
	cfg := Config{
		DSN:             "postgres://localhost/ferrum",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}

	if cfg.DSN != "postgres://localhost/ferrum" {
		t.Errorf("expected DSN to round-trip, got %s", cfg.DSN)
	}
	if cfg.MaxIdleConns > cfg.MaxOpenConns {
		t.Error("max idle must not exceed max open")
	}
}
