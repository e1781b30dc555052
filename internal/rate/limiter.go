// Package rate gates outbound provider calls so the client stays under the
// remote API's quota instead of relying on RateLimited errors alone.
package rate

import (
	"context"
	"fmt"
	"time"
)

// Limiter blocks callers until a request slot is available.
type Limiter interface {
	Wait(ctx context.Context) error
}

// TokenBucket releases a fixed number of request slots per second.
type TokenBucket struct {
	ticker *time.Ticker
	slots  chan struct{}
	done   chan struct{}
}

// NewTokenBucket returns a limiter allowing rps calls per second.
func NewTokenBucket(rps int) *TokenBucket {
	if rps <= 0 {
		rps = 1
	}
	tb := &TokenBucket{
		ticker: time.NewTicker(time.Second / time.Duration(rps)),
		slots:  make(chan struct{}, rps),
		done:   make(chan struct{}),
	}
	// the first caller proceeds without waiting a tick
	tb.slots <- struct{}{}
	go tb.refill()
	return tb
}

func (t *TokenBucket) refill() {
	for {
		select {
		case <-t.done:
			return
		case <-t.ticker.C:
			select {
			case t.slots <- struct{}{}:
			default:
			}
		}
	}
}

// Wait blocks until a slot frees up or the context is canceled.
func (t *TokenBucket) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("rate wait canceled: %w", ctx.Err())
	case <-t.slots:
		return nil
	}
}

// Stop releases the limiter's resources.
func (t *TokenBucket) Stop() {
	t.ticker.Stop()
	close(t.done)
}

// None never blocks. Used in tests and when limiting is disabled.
type None struct{}

func (None) Wait(context.Context) error { return nil }

var (
	_ Limiter = (*TokenBucket)(nil)
	_ Limiter = None{}
)
