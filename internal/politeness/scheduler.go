// Package politeness gates dispatches per host: successive fetches to one host
// are spaced by the effective delay and the number in flight is bounded.
package politeness

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/fleet-crawler/internal/metrics"
)

// Config configures a Scheduler.
type Config struct {
	// DefaultDelay is the minimum spacing between dispatches to one host.
	DefaultDelay time.Duration
	// MaxConcurrency bounds in-flight requests per host. Defaults to 1.
	MaxConcurrency int
	// MaxRPS optionally caps the per-host request rate. Zero disables it.
	MaxRPS float64
	Burst  int
	Logger *zap.Logger
}

// HostPoliteness is a snapshot of one host's dispatch state.
type HostPoliteness struct {
	Domain         string        `json:"domain"`
	LastDispatchAt time.Time     `json:"last_dispatch_at"`
	EffectiveDelay time.Duration `json:"effective_delay"`
	InFlight       int           `json:"in_flight_count"`
}

type hostState struct {
	lastDispatch   time.Time
	effectiveDelay time.Duration
	inFlight       int
	// wake is closed and replaced whenever a slot frees up.
	wake chan struct{}
}

// Token is returned by Acquire and must be passed to Release once the fetch is done.
type Token struct {
	slot *slot
}

type slot struct {
	domain       string
	dispatchedAt time.Time
	once         sync.Once
}

// Domain returns the host the token was issued for.
func (t Token) Domain() string {
	if t.slot == nil {
		return ""
	}
	return t.slot.domain
}

// DispatchedAt returns when the slot was granted.
func (t Token) DispatchedAt() time.Time {
	if t.slot == nil {
		return time.Time{}
	}
	return t.slot.dispatchedAt
}

// Scheduler is process-local politeness state.
type Scheduler struct {
	cfg      Config
	limiters *hostLimiters
	logger   *zap.Logger
	now      func() time.Time

	mu    sync.Mutex
	hosts map[string]*hostState
}

// New constructs a Scheduler.
func New(cfg Config) *Scheduler {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
	}
	if cfg.DefaultDelay < 0 {
		cfg.DefaultDelay = 0
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cfg:      cfg,
		limiters: newHostLimiters(cfg.MaxRPS, cfg.Burst),
		logger:   logger,
		now:      time.Now,
		hosts:    make(map[string]*hostState),
	}
}

// EffectiveDelay returns max(default delay, robotsDelay).
func (s *Scheduler) EffectiveDelay(robotsDelay time.Duration) time.Duration {
	return max(s.cfg.DefaultDelay, robotsDelay)
}

// Acquire blocks until a request to domain may be dispatched. minDelay is the
// robots.txt crawl delay for the host, if any.
func (s *Scheduler) Acquire(ctx context.Context, domain string, minDelay time.Duration) (Token, error) {
	domain = strings.ToLower(domain)
	start := s.now()
	if err := s.limiters.Wait(ctx, domain); err != nil {
		return Token{}, fmt.Errorf("acquire %s: %w", domain, err)
	}
	delay := s.EffectiveDelay(minDelay)
	for {
		s.mu.Lock()
		h := s.host(domain)
		h.effectiveDelay = delay
		now := s.now()
		var wait time.Duration
		switch {
		case h.inFlight >= s.cfg.MaxConcurrency:
			wait = -1
		case !h.lastDispatch.IsZero() && now.Sub(h.lastDispatch) < delay:
			wait = delay - now.Sub(h.lastDispatch)
		}
		if wait == 0 {
			h.inFlight++
			h.lastDispatch = now
			s.mu.Unlock()
			if waited := now.Sub(start); waited > time.Millisecond {
				metrics.ObservePolitenessWait(domain, waited)
			}
			return Token{slot: &slot{domain: domain, dispatchedAt: now}}, nil
		}
		wake := h.wake
		s.mu.Unlock()

		if err := sleep(ctx, wait, wake); err != nil {
			return Token{}, fmt.Errorf("acquire %s: %w", domain, err)
		}
	}
}

// Release frees the slot held by token. Releasing a token twice is a no-op.
func (s *Scheduler) Release(token Token) {
	if token.slot == nil {
		return
	}
	token.slot.once.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		h, ok := s.hosts[token.slot.domain]
		if !ok {
			return
		}
		if h.inFlight > 0 {
			h.inFlight--
		}
		close(h.wake)
		h.wake = make(chan struct{})
	})
}

// Stats returns the politeness state of domain.
func (s *Scheduler) Stats(domain string) (HostPoliteness, bool) {
	domain = strings.ToLower(domain)
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hosts[domain]
	if !ok {
		return HostPoliteness{}, false
	}
	return HostPoliteness{
		Domain:         domain,
		LastDispatchAt: h.lastDispatch,
		EffectiveDelay: h.effectiveDelay,
		InFlight:       h.inFlight,
	}, true
}

// Hosts lists tracked hosts in sorted order.
func (s *Scheduler) Hosts() []string {
	s.mu.Lock()
	out := make([]string, 0, len(s.hosts))
	for domain := range s.hosts {
		out = append(out, domain)
	}
	s.mu.Unlock()
	sort.Strings(out)
	return out
}

// Prune forgets idle hosts whose last dispatch is older than idle and returns how many were dropped.
func (s *Scheduler) Prune(idle time.Duration) int {
	cutoff := s.now().Add(-idle)
	s.mu.Lock()
	defer s.mu.Unlock()
	dropped := 0
	for domain, h := range s.hosts {
		if h.inFlight == 0 && h.lastDispatch.Before(cutoff) {
			delete(s.hosts, domain)
			s.limiters.forget(domain)
			dropped++
		}
	}
	if dropped > 0 {
		s.logger.Debug("pruned idle hosts", zap.Int("count", dropped))
	}
	return dropped
}

// host must be called with s.mu held.
func (s *Scheduler) host(domain string) *hostState {
	h, ok := s.hosts[domain]
	if !ok {
		h = &hostState{wake: make(chan struct{})}
		s.hosts[domain] = h
	}
	return h
}

// sleep waits for d (or indefinitely when d < 0), a wake signal, or ctx.
func sleep(ctx context.Context, d time.Duration, wake <-chan struct{}) error {
	if d < 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
			return nil
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-wake:
		return nil
	case <-timer.C:
		return nil
	}
}
