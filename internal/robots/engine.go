package robots

import (
	"fmt"
	"time"

	"github.com/temoto/robotstxt"
)

// Engine selects how paths are matched against a robots.txt body.
type Engine string

// Supported engines.
const (
	// EngineLongestMatch applies Disallow/Allow prefixes with a trailing '*'
	// wildcard; the longest match wins.
	EngineLongestMatch Engine = "longest-match"
	// EngineRFC9309 delegates matching to github.com/temoto/robotstxt.
	EngineRFC9309 Engine = "rfc9309"
)

// ParseEngine validates an engine name. An empty name selects EngineLongestMatch.
func ParseEngine(name string) (Engine, error) {
	switch Engine(name) {
	case "", EngineLongestMatch:
		return EngineLongestMatch, nil
	case EngineRFC9309:
		return EngineRFC9309, nil
	default:
		return "", fmt.Errorf("unknown robots engine %q", name)
	}
}

// Build turns a 2xx robots.txt body into a policy for agent.
func Build(engine Engine, domain string, body []byte, agent string, now time.Time, ttl time.Duration) (*Policy, error) {
	p := parse(body, agent)
	policy := &Policy{
		Domain:     domain,
		Rules:      p.rules,
		CrawlDelay: p.crawlDelay,
		Sitemaps:   p.sitemaps,
		FetchedAt:  now,
		TTL:        ttl,
		Source:     SourceFetched,
	}
	if engine != EngineRFC9309 {
		return policy, nil
	}

	data, err := robotstxt.FromBytes(body)
	if err != nil {
		return nil, fmt.Errorf("parse robots for %s: %w", domain, err)
	}
	group := data.FindGroup(productToken(agent))
	if group == nil {
		return policy, nil
	}
	policy.engine = groupMatcher{group: group}
	policy.CrawlDelay = group.CrawlDelay
	return policy, nil
}

type groupMatcher struct {
	group *robotstxt.Group
}

func (m groupMatcher) allowed(path string) bool {
	return m.group.Test(path)
}
