// Package httpfetch implements crawler.Fetcher on net/http with bounded
// redirects, a wall-clock timeout and a body size cap.
package httpfetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/fleet-crawler/internal/clock/system"
	"github.com/JakeFAU/fleet-crawler/internal/crawler"
)

// Defaults applied when Config leaves a field unset.
const (
	DefaultUserAgent    = "FleetCrawler/1.0 (+https://github.com/JakeFAU/fleet-crawler)"
	DefaultTimeout      = 30 * time.Second
	DefaultMaxRedirects = 5
	DefaultMaxBodyBytes = 10 << 20
	DefaultChunkSize    = 8192

	acceptHeader         = "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"
	acceptLanguageHeader = "en-US,en;q=0.5"
)

// Config controls fetch bounds.
type Config struct {
	UserAgent    string
	Timeout      time.Duration
	MaxRedirects int
	MaxBodyBytes int64
	ChunkSize    int
	Transport    http.RoundTripper
	Clock        crawler.Clock
	Logger       *zap.Logger
}

// WithDefaults fills unset fields.
func (c Config) WithDefaults() Config {
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxRedirects < 0 {
		c.MaxRedirects = 0
	} else if c.MaxRedirects == 0 {
		c.MaxRedirects = DefaultMaxRedirects
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.Transport == nil {
		c.Transport = NewTransport()
	}
	if c.Clock == nil {
		c.Clock = system.New()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Fetcher performs bounded GET requests.
type Fetcher struct {
	cfg    Config
	client *http.Client
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	cfg = cfg.WithDefaults()
	client := &http.Client{
		Transport: cfg.Transport,
		Timeout:   cfg.Timeout,
		CheckRedirect: func(_ *http.Request, via []*http.Request) error {
			if len(via) > cfg.MaxRedirects {
				return http.ErrUseLastResponse
			}
			return nil
		},
	}
	return &Fetcher{cfg: cfg, client: client}
}

// Fetch issues a GET for rawURL. It never returns an error; failures are
// recorded in the result.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, headers http.Header) (res crawler.FetchResult) {
	start := f.cfg.Clock.Now()
	res = crawler.FetchResult{URL: rawURL, FinalURL: rawURL, Timestamp: start, DeclaredLength: -1}
	defer func() {
		res.Duration = f.cfg.Clock.Now().Sub(start)
	}()

	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		res.Err = crawler.NewFetchError(crawler.KindConnection, fmt.Errorf("build request: %w", err))
		return res
	}
	ApplyDefaultHeaders(req.Header, f.cfg.UserAgent)
	for key, values := range headers {
		req.Header.Del(key)
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		res.Err = ClassifyError(err)
		return res
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			f.cfg.Logger.Debug("failed to close response body", zap.String("url", rawURL), zap.Error(cerr))
		}
	}()

	res.StatusCode = resp.StatusCode
	res.FinalURL = resp.Request.URL.String()
	res.Headers = resp.Header.Clone()
	res.ContentType = resp.Header.Get("Content-Type")
	res.DeclaredLength = resp.ContentLength

	if resp.ContentLength > f.cfg.MaxBodyBytes {
		res.Err = crawler.NewFetchError(crawler.KindContentTooLarge,
			fmt.Errorf("declared length %d exceeds cap %d", resp.ContentLength, f.cfg.MaxBodyBytes))
		return res
	}

	if crawler.IsFetchableContentType(res.ContentType) {
		body, truncated, err := ReadBounded(resp.Body, f.cfg.MaxBodyBytes, f.cfg.ChunkSize)
		res.Content = body
		res.Truncated = truncated
		if err != nil {
			res.Err = classifyReadError(err)
			return res
		}
		if truncated {
			f.cfg.Logger.Debug("body truncated at cap",
				zap.String("url", rawURL),
				zap.Int64("cap", f.cfg.MaxBodyBytes),
			)
		}
	}
	res.Encoding = crawler.ResolveEncoding(res.ContentType, res.Content)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		res.Err = crawler.StatusError(resp.StatusCode)
	}
	return res
}

// ApplyDefaultHeaders sets the crawler identity and accept headers.
func ApplyDefaultHeaders(h http.Header, userAgent string) {
	h.Set("User-Agent", userAgent)
	h.Set("Accept", acceptHeader)
	h.Set("Accept-Language", acceptLanguageHeader)
}

// ReadBounded reads r in chunkSize pieces, keeping at most limit bytes. The
// second return value reports whether data was left unread at the cap.
func ReadBounded(r io.Reader, limit int64, chunkSize int) ([]byte, bool, error) {
	var buf bytes.Buffer
	chunk := make([]byte, chunkSize)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			room := limit - int64(buf.Len())
			if int64(n) > room {
				buf.Write(chunk[:room])
				return buf.Bytes(), true, nil
			}
			buf.Write(chunk[:n])
		}
		if errors.Is(err, io.EOF) {
			return buf.Bytes(), false, nil
		}
		if err != nil {
			return buf.Bytes(), false, fmt.Errorf("read body: %w", err)
		}
	}
}

// ClassifyError maps a transport error to a FetchError.
func ClassifyError(err error) *crawler.FetchError {
	if isTimeout(err) {
		return crawler.NewFetchError(crawler.KindTimeout, err)
	}
	return crawler.NewFetchError(crawler.KindConnection, err)
}

func classifyReadError(err error) *crawler.FetchError {
	if isTimeout(err) {
		return crawler.NewFetchError(crawler.KindTimeout, err)
	}
	return crawler.NewFetchError(crawler.KindRead, err)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// NewTransport returns a pooled transport with bounded dial and handshake times.
func NewTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
	}
}
