package robots

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/fleet-crawler/internal/clock/system"
	"github.com/JakeFAU/fleet-crawler/internal/crawler"
	"github.com/JakeFAU/fleet-crawler/internal/metrics"
)

const (
	maxRobotsBytes = 1 << 20

	// DefaultTimeout bounds a single robots.txt fetch.
	DefaultTimeout = 10 * time.Second
	// DefaultTTL is how long a policy is served before it is refetched.
	DefaultTTL = time.Hour
)

// ErrUnavailable is reported when robots.txt could not be consulted.
var ErrUnavailable = errors.New("robots.txt unavailable")

// Config configures a Cache.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	TTL       time.Duration
	Engine    Engine
	Client    *http.Client
	Clock     crawler.Clock
	Logger    *zap.Logger
}

// Cache serves per-domain policies, refetching them after their TTL. Concurrent
// misses for one domain share a single fetch.
type Cache struct {
	cfg    Config
	client *http.Client
	clock  crawler.Clock
	logger *zap.Logger

	mu       sync.RWMutex
	policies map[string]*Policy
	flight   singleflight.Group
}

// New constructs a Cache.
func New(cfg Config) *Cache {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Engine == "" {
		cfg.Engine = EngineLongestMatch
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = system.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		cfg:      cfg,
		client:   client,
		clock:    clock,
		logger:   logger,
		policies: make(map[string]*Policy),
	}
}

// IsAllowed reports whether rawURL may be fetched and the crawl delay that applies to its host.
func (c *Cache) IsAllowed(ctx context.Context, rawURL string) (bool, time.Duration) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return true, 0
	}
	policy := c.GetPolicy(ctx, u.Host, u.Scheme)
	return policy.Allows(u.RequestURI()), policy.CrawlDelay
}

// GetPolicy returns the policy for domain. It never fails. scheme is the
// scheme of the URL being checked and is tried after https.
func (c *Cache) GetPolicy(ctx context.Context, domain, scheme string) *Policy {
	key := strings.ToLower(domain)
	if policy, ok := c.fresh(key); ok {
		metrics.ObserveRobotsCache(true)
		return policy
	}
	metrics.ObserveRobotsCache(false)

	ch := c.flight.DoChan(key, func() (any, error) {
		// Waiters share this fetch, so one caller's cancellation must not abort it.
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.Timeout)
		defer cancel()
		policy, err := c.fetch(fetchCtx, key, scheme)
		policy = c.failOpen(key, policy, err)
		c.store(key, policy)
		return policy, nil
	})
	select {
	case res := <-ch:
		policy, ok := res.Val.(*Policy)
		if !ok {
			return allowAll(key, SourceUnavailable, c.clock.Now(), c.cfg.TTL)
		}
		return policy
	case <-ctx.Done():
		return allowAll(key, SourceUnavailable, c.clock.Now(), 0)
	}
}

// failOpen is the single place where an unavailable robots.txt turns into
// "everything allowed". The allow-all policy is cached like a real one.
func (c *Cache) failOpen(domain string, policy *Policy, err error) *Policy {
	if err == nil && policy != nil {
		metrics.ObserveRobotsFetch("ok")
		return policy
	}
	metrics.ObserveRobotsFetch("unavailable")
	c.logger.Info("robots.txt unavailable; allowing all paths",
		zap.String("domain", domain),
		zap.Error(err),
	)
	return allowAll(domain, SourceUnavailable, c.clock.Now(), c.cfg.TTL)
}

func (c *Cache) fetch(ctx context.Context, domain, scheme string) (*Policy, error) {
	targets := []string{"https://" + domain + "/robots.txt"}
	if scheme == "http" {
		targets = append(targets, "http://"+domain+"/robots.txt")
	}
	var lastErr error
	for _, target := range targets {
		status, body, err := c.get(ctx, target)
		if err != nil {
			lastErr = err
			continue
		}
		if status < 200 || status >= 300 {
			return nil, fmt.Errorf("%w: %s returned %d", ErrUnavailable, target, status)
		}
		policy, err := Build(c.cfg.Engine, domain, body, c.cfg.UserAgent, c.clock.Now(), c.cfg.TTL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return policy, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

func (c *Cache) get(ctx context.Context, target string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("new robots request: %w", err)
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		if isTLSHandshakeTimeout(err) {
			metrics.ObserveRobotsTLSTimeout()
		}
		return 0, nil, fmt.Errorf("fetch robots: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("failed to close robots response body", zap.Error(cerr))
		}
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBytes))
	if err != nil {
		return 0, nil, fmt.Errorf("read robots body: %w", err)
	}
	return resp.StatusCode, body, nil
}

func (c *Cache) fresh(domain string) (*Policy, bool) {
	c.mu.RLock()
	policy, ok := c.policies[domain]
	c.mu.RUnlock()
	if !ok || policy.Expired(c.clock.Now()) {
		return nil, false
	}
	return policy, true
}

func (c *Cache) store(domain string, policy *Policy) {
	c.mu.Lock()
	c.policies[domain] = policy
	c.mu.Unlock()
}

// Lookup returns the cached policy for domain without fetching.
func (c *Cache) Lookup(domain string) (*Policy, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	policy, ok := c.policies[strings.ToLower(domain)]
	return policy, ok
}

// Purge drops the cached policy for domain, or every policy when domain is empty.
func (c *Cache) Purge(domain string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if domain == "" {
		c.policies = make(map[string]*Policy)
		return
	}
	delete(c.policies, strings.ToLower(domain))
}

// Domains lists the cached domains in sorted order.
func (c *Cache) Domains() []string {
	c.mu.RLock()
	out := make([]string, 0, len(c.policies))
	for domain := range c.policies {
		out = append(out, domain)
	}
	c.mu.RUnlock()
	sort.Strings(out)
	return out
}

// AllowAll is used when robots.txt handling is switched off.
type AllowAll struct{}

// IsAllowed always permits the fetch.
func (AllowAll) IsAllowed(context.Context, string) (bool, time.Duration) {
	return true, 0
}

func isTLSHandshakeTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return strings.Contains(err.Error(), "handshake")
	}
	return strings.Contains(err.Error(), "tls: handshake timeout")
}
