package robots

import (
	"bufio"
	"bytes"
	"strconv"
	"strings"
	"time"
)

// parsed holds the directives of every group relevant to one agent.
type parsed struct {
	rules      []Rule
	crawlDelay time.Duration
	sitemaps   []string
}

// parse scans a robots.txt body. A group is relevant when one of its
// User-agent tokens is "*" or equals the agent's product token. Consecutive
// User-agent lines share a group. Crawl-delay keeps the largest relevant value.
func parse(body []byte, agent string) parsed {
	token := productToken(agent)
	var (
		out         parsed
		relevant    bool
		inDirective bool
	)
	scanner := bufio.NewScanner(bytes.NewReader(bytes.TrimPrefix(body, []byte("\xef\xbb\xbf"))))
	scanner.Buffer(make([]byte, 0, 4096), maxRobotsBytes)
	for scanner.Scan() {
		key, value, ok := splitDirective(scanner.Text())
		if !ok {
			continue
		}
		switch key {
		case "user-agent":
			if inDirective {
				relevant = false
				inDirective = false
			}
			if value == "*" || strings.EqualFold(value, token) {
				relevant = true
			}
		case "disallow", "allow":
			inDirective = true
			if relevant && value != "" {
				out.rules = append(out.rules, Rule{Pattern: value, Allow: key == "allow"})
			}
		case "crawl-delay":
			inDirective = true
			if !relevant {
				continue
			}
			secs, err := strconv.ParseFloat(value, 64)
			if err != nil || secs < 0 {
				continue
			}
			if d := time.Duration(secs * float64(time.Second)); d > out.crawlDelay {
				out.crawlDelay = d
			}
		case "sitemap":
			if relevant && value != "" {
				out.sitemaps = append(out.sitemaps, value)
			}
		}
	}
	return out
}

func splitDirective(line string) (string, string, bool) {
	if i := strings.IndexByte(line, '#'); i >= 0 {
		line = line[:i]
	}
	key, value, ok := strings.Cut(line, ":")
	if !ok {
		return "", "", false
	}
	return strings.ToLower(strings.TrimSpace(key)), strings.TrimSpace(value), true
}

// productToken reduces a full User-Agent header to the token robots.txt groups name.
func productToken(agent string) string {
	agent = strings.TrimSpace(agent)
	if i := strings.IndexAny(agent, "/ "); i >= 0 {
		agent = agent[:i]
	}
	return strings.ToLower(agent)
}
