// Package robots fetches, parses and caches robots.txt policies per domain.
// Lookups never fail: an unreachable or non-2xx robots.txt yields a policy
// that allows everything.
package robots

import (
	"strings"
	"time"
)

// Source records where a policy came from.
type Source string

// Policy sources.
const (
	SourceFetched     Source = "fetched"
	SourceUnavailable Source = "unavailable"
	SourceDisabled    Source = "disabled"
)

// Rule is a single path directive from a relevant group.
type Rule struct {
	Pattern string `json:"pattern"`
	Allow   bool   `json:"allow"`
}

// matcher answers path checks for engines that keep their own representation.
type matcher interface {
	allowed(path string) bool
}

// Policy is an immutable snapshot of one domain's robots.txt as it applies to
// the configured user agent. Refreshes replace it wholesale.
type Policy struct {
	Domain     string        `json:"domain"`
	Rules      []Rule        `json:"rules"`
	CrawlDelay time.Duration `json:"crawl_delay"`
	Sitemaps   []string      `json:"sitemap_urls"`
	FetchedAt  time.Time     `json:"fetched_at"`
	TTL        time.Duration `json:"ttl"`
	Source     Source        `json:"source"`

	engine matcher
}

// DisallowRules returns the Disallow patterns in file order.
func (p *Policy) DisallowRules() []string {
	var out []string
	for _, r := range p.Rules {
		if !r.Allow {
			out = append(out, r.Pattern)
		}
	}
	return out
}

// Expired reports whether the policy must be refreshed at now.
func (p *Policy) Expired(now time.Time) bool {
	return p == nil || now.Sub(p.FetchedAt) >= p.TTL
}

// Allows reports whether path may be fetched. The longest matching pattern
// decides; on equal length Allow wins.
func (p *Policy) Allows(path string) bool {
	if p == nil {
		return true
	}
	if path == "" {
		path = "/"
	}
	if p.engine != nil {
		return p.engine.allowed(path)
	}
	best := -1
	allowed := true
	for _, rule := range p.Rules {
		n, ok := matchLength(rule.Pattern, path)
		if !ok {
			continue
		}
		if n > best || (n == best && rule.Allow) {
			best = n
			allowed = rule.Allow
		}
	}
	return allowed
}

// matchLength reports whether pattern matches path and how specific the match
// is. A single trailing '*' is a wildcard; everything else is a literal prefix.
// The wildcard does not count toward the length, so "/p*" and "/p" tie.
func matchLength(pattern, path string) (int, bool) {
	if pattern == "" {
		return 0, false
	}
	prefix := strings.TrimSuffix(pattern, "*")
	if !strings.HasPrefix(path, prefix) {
		return 0, false
	}
	return len(prefix), true
}

// allowAll returns an empty policy that permits every path.
func allowAll(domain string, source Source, now time.Time, ttl time.Duration) *Policy {
	return &Policy{
		Domain:    domain,
		FetchedAt: now,
		TTL:       ttl,
		Source:    source,
	}
}
