package utils

import (
	"testing"
	"time"
)

func TestPostgresPoolDefaults(t *testing.T) {
	pool := PostgresPoolConfig{}.withDefaults()
	if pool.MaxOpenConns != 25 || pool.MaxIdleConns != 25 {
		t.Fatalf("conns = %d/%d, want 25/25", pool.MaxOpenConns, pool.MaxIdleConns)
	}
	if pool.PingTimeout != 5*time.Second {
		t.Fatalf("ping timeout = %v", pool.PingTimeout)
	}

	custom := PostgresPoolConfig{MaxOpenConns: 4}.withDefaults()
	if custom.MaxOpenConns != 4 {
		t.Fatalf("max open conns = %d, want 4", custom.MaxOpenConns)
	}
}
