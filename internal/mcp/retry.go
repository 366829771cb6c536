package mcp

import (
	"context"
	"time"
)

const (
	initialBackoff  = 1 * time.Second
	backoffMultiple = 2.0
	maxBackoff      = 60 * time.Second
)

// AutoRetryConfigProvider supplies the live auto_retry flag for a named
// server, re-read between attempts so toggling it off in config stops
// a running retry loop without a restart.
type AutoRetryConfigProvider interface {
	AutoRetryEnabled(serverName string) bool
}

// StartAutoRetry launches a background retry loop for name if none is
// already running. The loop dials with exponential backoff (1s, x2,
// capped at 60s) until Connect succeeds, re-checking auto_retry between
// attempts via cfg so flipping it off terminates the loop on its next
// wake. Safe to call repeatedly; a second call while a loop is already
// running for name is a no-op.
func (r *Registry) StartAutoRetry(ctx context.Context, name string, cfg AutoRetryConfigProvider) {
	r.mu.Lock()
	if _, running := r.cancelers[name]; running {
		r.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	r.cancelers[name] = cancel
	r.mu.Unlock()

	go r.retryLoop(loopCtx, name, cfg)
}

// StopRetry cancels name's running retry loop, if any.
func (r *Registry) StopRetry(name string) {
	r.mu.Lock()
	cancel, ok := r.cancelers[name]
	delete(r.cancelers, name)
	r.mu.Unlock()
	if ok {
		cancel()
	}
}

func (r *Registry) retryLoop(ctx context.Context, name string, cfg AutoRetryConfigProvider) {
	defer func() {
		r.mu.Lock()
		delete(r.cancelers, name)
		r.mu.Unlock()
	}()

	backoff := initialBackoff
	attempt := 0

	for {
		if ctx.Err() != nil {
			return
		}
		if !cfg.AutoRetryEnabled(name) {
			r.setStatus(name, Status{Kind: StatusRetryStopped})
			return
		}

		attempt++
		r.setStatus(name, Status{Kind: StatusRetrying, Attempt: attempt})

		err := r.Connect(ctx, name)
		if err == nil {
			return
		}
		r.log.Debug().Err(err).Str("server", name).Int("attempt", attempt).Msg("mcp retry failed")

		if !cfg.AutoRetryEnabled(name) {
			r.setStatus(name, Status{Kind: StatusRetryStopped, LastError: err.Error()})
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		backoff = time.Duration(float64(backoff) * backoffMultiple)
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}
