// Package ratelimit provides small gates the provider adapters call before
// hitting an upstream. The scraped sources are public pages, so requests are
// spaced out rather than retried.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MinInterval enforces a minimum time between calls. Concurrent callers
// wait until the interval has elapsed since the last call, or return early
// if the context is canceled.
type MinInterval struct {
	Interval time.Duration

	mu   sync.Mutex
	last time.Time
}

// Wait blocks until at least Interval has passed since the previous Wait
// returned. A zero Interval is a no-op.
func (m *MinInterval) Wait(ctx context.Context) error {
	if m.Interval <= 0 {
		return nil
	}
	m.mu.Lock()
	wait := time.Until(m.last.Add(m.Interval))
	m.mu.Unlock()
	if wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	m.mu.Lock()
	m.last = time.Now()
	m.mu.Unlock()
	return nil
}
