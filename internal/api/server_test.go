package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/fleet-crawler/internal/crawler"
	"github.com/JakeFAU/fleet-crawler/internal/politeness"
	"github.com/JakeFAU/fleet-crawler/internal/robots"
	"github.com/JakeFAU/fleet-crawler/internal/storage"
	"github.com/JakeFAU/fleet-crawler/internal/storage/memory"
)

type testEnv struct {
	frontier *memory.Frontier
	claims   *memory.ClaimStore
	results  *memory.ResultStore
	robots   *fakeRobots
	sched    *politeness.Scheduler
	server   *Server
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	env := &testEnv{
		frontier: memory.NewFrontier(clock, 0),
		claims:   memory.NewClaimStore(storage.ClaimConfig{Clock: clock}),
		results:  memory.NewResultStore(),
		robots:   &fakeRobots{policies: map[string]*robots.Policy{}},
		sched:    politeness.New(politeness.Config{}),
	}
	env.server = NewServer(Deps{
		Frontier: env.frontier,
		Claims:   env.claims,
		Results:  env.results,
		Robots:   env.robots,
		Hosts:    env.sched,
	}, opts, zap.NewNop())
	return env
}

func (e *testEnv) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	rec := env.do(t, http.MethodGet, "/healthz", "")

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "ok")
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestServer_RequestIDIsPropagated(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))
}

func TestServer_Readyz(t *testing.T) {
	t.Parallel()

	healthy := NewServer(Deps{Checks: map[string]Check{
		"claims": func(context.Context) error { return nil },
	}}, Options{}, zap.NewNop())
	rec := httptest.NewRecorder()
	healthy.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	broken := NewServer(Deps{Checks: map[string]Check{
		"claims":   func(context.Context) error { return nil },
		"frontier": func(context.Context) error { return errors.New("connection refused") },
	}}, Options{}, zap.NewNop())
	rec = httptest.NewRecorder()
	broken.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "connection refused")
	require.NotContains(t, rec.Body.String(), `"claims"`)
}

func TestServer_SubmitSeeds(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	rec := env.do(t, http.MethodPost, "/v1/seeds",
		`{"urls":["HTTP://Example.com:80/a?b=2&a=1#frag","ftp://example.com/x"]}`)

	require.Equal(t, http.StatusAccepted, rec.Code)
	resp := decode[seedResponse](t, rec)
	require.Len(t, resp.Accepted, 1)
	require.Equal(t, "http://example.com/a?b=2&a=1", resp.Accepted[0].URL)
	require.Equal(t, crawler.FingerprintOf("http://example.com/a?b=2&a=1"), resp.Accepted[0].Fingerprint)
	require.Len(t, resp.Rejected, 1)
	require.Equal(t, "ftp://example.com/x", resp.Rejected[0].URL)
	require.Equal(t, 1, env.frontier.Len())

	tasks, err := env.frontier.DequeueBatch(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Zero(t, tasks[0].Depth)
}

func TestServer_SubmitSeeds_BadRequests(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{MaxSeeds: 2})
	cases := map[string]string{
		"invalid json": `{"urls":`,
		"empty":        `{"urls":[]}`,
		"too many":     `{"urls":["http://a.com","http://b.com","http://c.com"]}`,
		"all invalid":  `{"urls":["not a url"]}`,
	}
	for name, body := range cases {
		rec := env.do(t, http.MethodPost, "/v1/seeds", body)
		require.Equal(t, http.StatusBadRequest, rec.Code, name)
	}
	require.Zero(t, env.frontier.Len())
}

func TestServer_SubmitSeeds_StoreUnavailable(t *testing.T) {
	t.Parallel()

	server := NewServer(Deps{Frontier: downFrontier{}}, Options{}, zap.NewNop())
	req := httptest.NewRequest(http.MethodPost, "/v1/seeds", bytes.NewBufferString(`{"urls":["http://example.com"]}`))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_Normalize(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	rec := env.do(t, http.MethodPost, "/v1/normalize", `{"url":"https://Example.COM:443/path/?z=1&a=2"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[normalizeResponse](t, rec)
	require.Equal(t, "https://example.com/path/?z=1&a=2", resp.URL)
	require.Equal(t, "example.com", resp.Host)
	require.Len(t, string(resp.Fingerprint), 64)

	rec = env.do(t, http.MethodPost, "/v1/normalize", `{"url":"mailto:someone@example.com"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_GetClaim(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	canonical, fp, err := crawler.Normalize("https://example.com/page")
	require.NoError(t, err)
	outcome, err := env.claims.TryClaim(context.Background(), fp, canonical, "worker-1")
	require.NoError(t, err)
	require.Equal(t, crawler.ClaimAcquired, outcome)

	rec := env.do(t, http.MethodGet, "/v1/claims/"+string(fp), "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[crawler.ClaimRecord](t, rec)
	require.Equal(t, crawler.ClaimClaimed, got.State)
	require.Equal(t, "worker-1", got.OwnerID)

	rec = env.do(t, http.MethodGet, "/v1/claims?url=https://EXAMPLE.com/page", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/claims/"+strings.Repeat("a", 64), "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/claims/not-hex", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/claims", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_Results(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0).UTC()
	docs := []crawler.ResultDocument{
		{URL: "https://example.com/a", State: crawler.TaskDone, StatusCode: 200, Success: true, Timestamp: base},
		{URL: "https://example.com/b", State: crawler.TaskDeadLettered, StatusCode: 503,
			ErrorClass: crawler.ClassNetworkTransient, Timestamp: base.Add(time.Second)},
		{URL: "https://example.com/c", State: crawler.TaskDone, StatusCode: 200, Success: true, Timestamp: base.Add(2 * time.Second)},
	}
	for i := range docs {
		docs[i].Fingerprint = crawler.FingerprintOf(docs[i].URL)
		require.NoError(t, env.results.RecordResult(ctx, docs[i].Fingerprint, docs[i]))
	}

	rec := env.do(t, http.MethodGet, "/v1/results/"+string(docs[1].Fingerprint), "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[crawler.ResultDocument](t, rec)
	require.Equal(t, crawler.TaskDeadLettered, got.State)

	rec = env.do(t, http.MethodGet, "/v1/results/"+string(docs[1].Fingerprint)+"?view=record", "")
	require.Equal(t, http.StatusOK, rec.Code)
	record := decode[crawler.CrawlRecord](t, rec)
	require.True(t, record.Crawled)
	require.Equal(t, string(crawler.ClassNetworkTransient), record.Metadata.Error)

	rec = env.do(t, http.MethodGet, "/v1/results?state=done&limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[struct {
		Results []crawler.ResultDocument `json:"results"`
		Limit   int                      `json:"limit"`
	}](t, rec)
	require.Equal(t, 1, page.Limit)
	require.Len(t, page.Results, 1)
	require.Equal(t, "https://example.com/c", page.Results[0].URL)

	rec = env.do(t, http.MethodGet, "/v1/results?state=bogus", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.do(t, http.MethodGet, "/v1/results?limit=-1", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_ListResults_NotSupported(t *testing.T) {
	t.Parallel()

	server := NewServer(Deps{Results: plainResults{}}, Options{}, zap.NewNop())
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/results", nil))
	require.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestServer_Robots(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	env.robots.policies["example.com"] = &robots.Policy{
		Domain: "example.com",
		Rules:  []robots.Rule{{Pattern: "/private", Allow: false}, {Pattern: "/private/ok", Allow: true}},
		Source: robots.SourceFetched,
	}

	rec := env.do(t, http.MethodGet, "/v1/robots", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "example.com")

	rec = env.do(t, http.MethodGet, "/v1/robots/Example.com", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"disallows":["/private"]`)
	require.Equal(t, "https", env.robots.lastScheme)

	rec = env.do(t, http.MethodGet, "/v1/robots/example.com?scheme=gopher", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodDelete, "/v1/robots/example.com", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Empty(t, env.robots.Domains())
}

func TestServer_Hosts(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	token, err := env.sched.Acquire(context.Background(), "example.com", 0)
	require.NoError(t, err)

	rec := env.do(t, http.MethodGet, "/v1/hosts/example.com", "")
	require.Equal(t, http.StatusOK, rec.Code)
	st := decode[politeness.HostPoliteness](t, rec)
	require.Equal(t, "example.com", st.Domain)
	require.Equal(t, 1, st.InFlight)

	env.sched.Release(token)
	rec = env.do(t, http.MethodGet, "/v1/hosts", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"in_flight_count":0`)

	rec = env.do(t, http.MethodGet, "/v1/hosts/unknown.example", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{AuthEnabled: true, APIKey: "secret"})

	rec := env.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/robots", "")
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/robots", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/robots?api_key=secret", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_RecoversFromPanic(t *testing.T) {
	t.Parallel()

	server := NewServer(Deps{Results: panicResults{}}, Options{}, zap.NewNop())
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/results/"+strings.Repeat("b", 64), nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	_, _, err := rw.Hijack()
	require.EqualError(t, err, "hijacker not supported")

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	require.NoError(t, err)
	require.NotNil(t, buf)
	require.NoError(t, conn.Close())
	require.NoError(t, h.CloseClient())
}

func TestParseLimitOffset(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/v1/results?limit=9000&offset=3", nil)
	limit, offset, err := parseLimitOffset(req, 10, 100)
	require.NoError(t, err)
	require.Equal(t, 100, limit)
	require.Equal(t, 3, offset)

	req = httptest.NewRequest(http.MethodGet, "/v1/results?offset=x", nil)
	_, _, err = parseLimitOffset(req, 10, 100)
	require.Error(t, err)
}

// --- helpers/fakes ---

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

type fakeRobots struct {
	mu         sync.Mutex
	policies   map[string]*robots.Policy
	lastScheme string
}

func (f *fakeRobots) GetPolicy(_ context.Context, domain, scheme string) *robots.Policy {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastScheme = scheme
	if p, ok := f.policies[domain]; ok {
		return p
	}
	return &robots.Policy{Domain: domain, Source: robots.SourceUnavailable}
}

func (f *fakeRobots) Purge(domain string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.policies, domain)
}

func (f *fakeRobots) Domains() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.policies))
	for d := range f.policies {
		out = append(out, d)
	}
	return out
}

type downFrontier struct{}

func (downFrontier) Enqueue(context.Context, crawler.CrawlTask) error {
	return crawler.ErrStoreUnavailable
}

func (downFrontier) DequeueBatch(context.Context, int) ([]crawler.CrawlTask, error) {
	return nil, crawler.ErrStoreUnavailable
}

func (downFrontier) Requeue(context.Context, crawler.CrawlTask) error {
	return crawler.ErrStoreUnavailable
}

func (downFrontier) Ack(context.Context, crawler.CrawlTask) error {
	return crawler.ErrStoreUnavailable
}

type plainResults struct{}

func (plainResults) RecordResult(context.Context, crawler.Fingerprint, crawler.ResultDocument) error {
	return nil
}

func (plainResults) GetResult(context.Context, crawler.Fingerprint) (crawler.ResultDocument, error) {
	return crawler.ResultDocument{}, crawler.ErrNotFound
}

type panicResults struct{ plainResults }

func (panicResults) GetResult(context.Context, crawler.Fingerprint) (crawler.ResultDocument, error) {
	panic("boom")
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	rw := bufio.NewReadWriter(bufio.NewReader(server), bufio.NewWriter(server))
	return server, rw, nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client == nil {
		return nil
	}
	return h.client.Close()
}
