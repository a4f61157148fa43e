package autoheal

import (
	"sync"
	"testing"
	"time"
)

func TestTryAcquireRespectsWindow(t *testing.T) {
	reg := NewCooldownRegistry()
	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	window := 5 * time.Minute

	if !reg.TryAcquire("svc-a", window, base) {
		t.Fatal("first acquire must succeed")
	}
	if reg.TryAcquire("svc-a", window, base.Add(window-time.Second)) {
		t.Fatal("acquire inside window must fail")
	}
	if !reg.TryAcquire("svc-a", window, base.Add(window)) {
		t.Fatal("acquire after window must succeed")
	}
}

func TestTryAcquireIsPerTarget(t *testing.T) {
	reg := NewCooldownRegistry()
	now := time.Now().UTC()
	if !reg.TryAcquire("svc-a", time.Minute, now) {
		t.Fatal("svc-a acquire failed")
	}
	if !reg.TryAcquire("svc-b", time.Minute, now) {
		t.Fatal("svc-b must not be throttled by svc-a")
	}
}

func TestClearResetsWindow(t *testing.T) {
	reg := NewCooldownRegistry()
	now := time.Now().UTC()
	reg.TryAcquire("svc-a", time.Hour, now)
	reg.Clear("svc-a")
	if !reg.TryAcquire("svc-a", time.Hour, now.Add(time.Second)) {
		t.Fatal("acquire after clear must succeed")
	}
}

func TestConcurrentAcquireGrantsExactlyOne(t *testing.T) {
	reg := NewCooldownRegistry()
	now := time.Now().UTC()

	const workers = 32
	var wg sync.WaitGroup
	granted := make(chan struct{}, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if reg.TryAcquire("svc-a", time.Hour, now) {
				granted <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(granted)

	count := 0
	for range granted {
		count++
	}
	if count != 1 {
		t.Fatalf("grants = %d, want exactly 1", count)
	}
}
