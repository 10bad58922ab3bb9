// Package collyfetcher implements crawler.Fetcher using gocolly. It honors the
// same bounds as the net/http engine. Colly transcodes bodies that declare a
// non UTF-8 charset, so results from this engine carry UTF-8 content.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/fleet-crawler/internal/crawler"
	"github.com/JakeFAU/fleet-crawler/internal/fetcher/httpfetch"
)

// Config controls collector behavior.
type Config = httpfetch.Config

// Fetcher implements crawler.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponseHeaders(colly.ResponseHeadersCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// fetchState is the per-fetch scratch space shared by the collector callbacks.
type fetchState struct {
	result  crawler.FetchResult
	aborted *crawler.FetchError
	skipped bool
	err     error
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	cfg = cfg.WithDefaults()
	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.IgnoreRobotsTxt(),
		colly.ParseHTTPErrorResponse(),
		colly.UserAgent(cfg.UserAgent),
		// One extra byte tells a truncated body apart from one that fits exactly.
		colly.MaxBodySize(int(cfg.MaxBodyBytes)+1),
	)
	c.WithTransport(cfg.Transport)
	c.SetRequestTimeout(cfg.Timeout)
	maxRedirects := cfg.MaxRedirects
	c.SetRedirectHandler(func(_ *http.Request, via []*http.Request) error {
		if len(via) > maxRedirects {
			return http.ErrUseLastResponse
		}
		return nil
	})

	return &Fetcher{
		cfg:           cfg,
		baseCollector: c,
	}
}

// Fetch executes a single HTTP GET using Colly.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, headers http.Header) crawler.FetchResult {
	start := f.cfg.Clock.Now()
	state := &fetchState{
		result: crawler.FetchResult{URL: rawURL, FinalURL: rawURL, Timestamp: start, DeclaredLength: -1},
	}
	collector := f.baseCollector.Clone()
	f.configureCollectorHooks(collector, headers, state)

	err := f.runCollector(ctx, collector, rawURL)
	res := f.finish(state, err)
	res.Duration = f.cfg.Clock.Now().Sub(start)
	return res
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, headers http.Header, state *fetchState) {
	hooks.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
		r.Headers.Set("Accept-Language", "en-US,en;q=0.5")
		copyHeaders(headers, r)
	})

	hooks.OnResponseHeaders(func(r *colly.Response) {
		state.capture(r)
		if declared := state.result.DeclaredLength; declared > f.cfg.MaxBodyBytes {
			state.aborted = crawler.NewFetchError(crawler.KindContentTooLarge,
				fmt.Errorf("declared length %d exceeds cap %d", declared, f.cfg.MaxBodyBytes))
			r.Request.Abort()
			return
		}
		if !crawler.IsFetchableContentType(state.result.ContentType) {
			state.skipped = true
			r.Request.Abort()
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		state.capture(r)
		body := r.Body
		if int64(len(body)) > f.cfg.MaxBodyBytes {
			body = body[:f.cfg.MaxBodyBytes]
			state.result.Truncated = true
		}
		state.result.Content = append([]byte(nil), body...)
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		state.err = err
	})
}

func (state *fetchState) capture(r *colly.Response) {
	state.result.StatusCode = r.StatusCode
	if r.Request != nil && r.Request.URL != nil {
		state.result.FinalURL = r.Request.URL.String()
	}
	if r.Headers != nil {
		state.result.Headers = r.Headers.Clone()
		state.result.ContentType = r.Headers.Get("Content-Type")
		if cl, err := strconv.ParseInt(r.Headers.Get("Content-Length"), 10, 64); err == nil {
			state.result.DeclaredLength = cl
		}
	}
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, rawURL string) error {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

func (f *Fetcher) finish(state *fetchState, err error) crawler.FetchResult {
	res := state.result
	switch {
	case state.aborted != nil:
		res.Err = state.aborted
		return res
	case state.skipped:
		// Headers were enough; the body is intentionally not downloaded.
	case err != nil && !errors.Is(err, colly.ErrAbortedAfterHeaders):
		res.Err = httpfetch.ClassifyError(err)
		if res.StatusCode != 0 && !isTimeout(res.Err) {
			res.Err = crawler.NewFetchError(crawler.KindRead, err)
		}
		f.cfg.Logger.Debug("colly fetch failed", zap.String("url", res.URL), zap.Error(err))
		return res
	}
	res.Encoding = encodingOf(res)
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		res.Err = crawler.StatusError(res.StatusCode)
	}
	return res
}

// encodingOf reports the encoding of the bytes held in res. Colly already
// converted bodies whose header declared another charset.
func encodingOf(res crawler.FetchResult) string {
	if declared := crawler.ResolveEncoding(res.ContentType, nil); declared != crawler.DefaultEncoding &&
		!strings.Contains(declared, "utf") {
		return crawler.DefaultEncoding
	}
	return crawler.ResolveEncoding(res.ContentType, res.Content)
}

func isTimeout(fe *crawler.FetchError) bool {
	return fe != nil && fe.Kind == crawler.KindTimeout
}

func copyHeaders(headers http.Header, r *colly.Request) {
	for key, values := range headers {
		r.Headers.Del(key)
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

var _ crawler.Fetcher = (*Fetcher)(nil)
