// Package extract discovers outbound links in fetched HTML documents.
package extract

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/fleet-crawler/internal/crawler"
)

// DefaultMaxLinks caps links returned per page.
const DefaultMaxLinks = 200

// lowValuePath matches boilerplate sections that rarely carry crawlable content.
var lowValuePath = regexp.MustCompile(`(?i)(contact|privacy|terms|faq|tag|archive|about|signin|login|register|` +
	`subscribe|feedback|cookies|sitemap|help|introduction|portal|events|community|search|changes|contribution)`)

// Config controls which links are returned.
type Config struct {
	MaxLinks     int  `mapstructure:"max_links"`
	SameHostOnly bool `mapstructure:"same_host_only"`
	SkipLowValue bool `mapstructure:"skip_low_value"`
}

// HTMLLinks extracts anchors from HTML fetch results with goquery.
type HTMLLinks struct {
	cfg Config
}

// NewHTMLLinks constructs an extractor.
func NewHTMLLinks(cfg Config) *HTMLLinks {
	if cfg.MaxLinks <= 0 {
		cfg.MaxLinks = DefaultMaxLinks
	}
	return &HTMLLinks{cfg: cfg}
}

// ExtractLinks returns unique absolute http(s) URLs found in a[href], resolved
// against <base href> when present. Non-HTML results yield no links.
func (e *HTMLLinks) ExtractLinks(res crawler.FetchResult) ([]string, error) {
	if !res.Success() || len(res.Content) == 0 || !isHTML(res.ContentType) {
		return nil, nil
	}
	pageURL := res.FinalURL
	if pageURL == "" {
		pageURL = res.URL
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("parse page url: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(res.Text()))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if resolved, err := base.Parse(strings.TrimSpace(href)); err == nil {
			base = resolved
		}
	}

	seen := make(map[string]struct{})
	links := make([]string, 0)
	doc.Find("a[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		href := strings.TrimSpace(s.AttrOr("href", ""))
		if href == "" || strings.HasPrefix(href, "#") {
			return true
		}
		if rel := strings.ToLower(s.AttrOr("rel", "")); strings.Contains(rel, "nofollow") {
			return true
		}
		target, err := base.Parse(href)
		if err != nil || !e.accept(base, target) {
			return true
		}
		target.Fragment = ""
		key := target.String()
		if _, dup := seen[key]; dup {
			return true
		}
		seen[key] = struct{}{}
		links = append(links, key)
		return len(links) < e.cfg.MaxLinks
	})
	return links, nil
}

func (e *HTMLLinks) accept(base, target *url.URL) bool {
	scheme := strings.ToLower(target.Scheme)
	if scheme != "http" && scheme != "https" {
		return false
	}
	if target.Host == "" {
		return false
	}
	if e.cfg.SameHostOnly && !strings.EqualFold(base.Hostname(), target.Hostname()) {
		return false
	}
	if e.cfg.SkipLowValue {
		path := strings.ToLower(target.Path)
		path = strings.NewReplacer("_", "-", ".", "-").Replace(path)
		if lowValuePath.MatchString(path) {
			return false
		}
	}
	return true
}

func isHTML(contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	return ct == "" || strings.HasPrefix(ct, "text/html") || strings.HasPrefix(ct, "application/xhtml")
}
