package mcp

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type staticAutoRetry struct {
	enabled atomic.Bool
}

func (s *staticAutoRetry) AutoRetryEnabled(string) bool { return s.enabled.Load() }

func TestRetryLoopStopsWhenAutoRetryDisabled(t *testing.T) {
	r := NewRegistry(testLogger())
	r.AddServer(ServerConfig{Name: "broken", Transport: TransportStreamableHTTP, URL: "http://127.0.0.1:1"})

	cfg := &staticAutoRetry{}
	cfg.enabled.Store(true)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	r.StartAutoRetry(ctx, "broken", cfg)

	deadline := time.After(500 * time.Millisecond)
	for {
		if status, ok := r.ServerStatus("broken"); ok && status.Kind == StatusRetrying && status.Attempt >= 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("expected at least one retry attempt to be recorded")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cfg.enabled.Store(false)

	deadline = time.After(2 * time.Second)
	for {
		status, ok := r.ServerStatus("broken")
		if ok && status.Kind == StatusRetryStopped {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("expected retry loop to observe auto_retry=false and stop, last status: %#v", status)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestStartAutoRetryIsIdempotentWhileRunning(t *testing.T) {
	r := NewRegistry(testLogger())
	r.AddServer(ServerConfig{Name: "broken", Transport: TransportStreamableHTTP, URL: "http://127.0.0.1:1"})

	cfg := &staticAutoRetry{}
	cfg.enabled.Store(true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r.StartAutoRetry(ctx, "broken", cfg)
	r.StartAutoRetry(ctx, "broken", cfg) // second call must not spawn a second loop

	r.mu.Lock()
	n := len(r.cancelers)
	r.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected exactly one retry loop registered, got %d", n)
	}

	r.StopRetry("broken")
}
