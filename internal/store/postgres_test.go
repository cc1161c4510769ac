package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/brandcall/voicecore/internal/store"
)

var (
	_ store.TokenStore    = (*store.Postgres)(nil)
	_ store.CounterStore  = (*store.Postgres)(nil)
	_ store.RefreshLocker = (*store.Postgres)(nil)
)

func TestNewPoolRejectsMalformedDSN(t *testing.T) {
	if _, err := store.NewPool(context.Background(), "://not-a-dsn", 4); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestPingWithoutPool(t *testing.T) {
	if err := store.Ping(context.Background(), nil, time.Second); err == nil {
		t.Fatalf("expected error for nil pool")
	}
}
