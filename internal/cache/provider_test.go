package cache

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryProviderRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryProvider()

	if _, err := m.Get(ctx, "missing"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected ErrCacheMiss, got %v", err)
	}
	if err := m.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := m.Get(ctx, "k")
	if err != nil || string(got) != "v" {
		t.Fatalf("get: %q %v", got, err)
	}
	if err := m.Del(ctx, "k"); err != nil {
		t.Fatalf("del: %v", err)
	}
	if _, err := m.Get(ctx, "k"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected miss after delete, got %v", err)
	}
}

func TestMemoryProviderSetNX(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryProvider()

	won, err := m.SetNX(ctx, "claim", []byte("a"), time.Minute)
	if err != nil || !won {
		t.Fatalf("first claim: won=%v err=%v", won, err)
	}
	won, err = m.SetNX(ctx, "claim", []byte("b"), time.Minute)
	if err != nil || won {
		t.Fatalf("second claim must lose: won=%v err=%v", won, err)
	}

	// An expired claim is up for grabs again.
	if _, err := m.SetNX(ctx, "short", []byte("a"), time.Millisecond); err != nil {
		t.Fatalf("claim: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	won, err = m.SetNX(ctx, "short", []byte("b"), time.Minute)
	if err != nil || !won {
		t.Fatalf("expired claim not reclaimable: won=%v err=%v", won, err)
	}
}

func TestNoopProvider(t *testing.T) {
	ctx := context.Background()
	var p Provider = NoopProvider{}

	if _, err := p.Get(ctx, "k"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("noop get must miss, got %v", err)
	}
	won, err := p.SetNX(ctx, "k", nil, time.Minute)
	if err != nil || !won {
		t.Fatalf("noop SetNX must report success: won=%v err=%v", won, err)
	}
}
