package politeness

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// hostLimiters caps the per-host request rate with a token bucket. It sits in
// front of the delay gate and is disabled when no rate is configured.
type hostLimiters struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func newHostLimiters(rps float64, burst int) *hostLimiters {
	if rps <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &hostLimiters{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(rps),
		burst:    burst,
	}
}

// Wait blocks until a token is available for domain.
func (l *hostLimiters) Wait(ctx context.Context, domain string) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	limiter, exists := l.limiters[domain]
	if !exists {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[domain] = limiter
	}
	l.mu.Unlock()

	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return nil
}

func (l *hostLimiters) forget(domain string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	delete(l.limiters, domain)
	l.mu.Unlock()
}
