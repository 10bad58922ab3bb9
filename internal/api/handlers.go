package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/fleet-crawler/internal/crawler"
	"github.com/JakeFAU/fleet-crawler/internal/dispatcher"
	"github.com/JakeFAU/fleet-crawler/internal/politeness"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type seedRequest struct {
	URLs []string `json:"urls"`
}

type acceptedSeed struct {
	URL         string              `json:"url"`
	Fingerprint crawler.Fingerprint `json:"fingerprint"`
}

type rejectedSeed struct {
	URL   string `json:"url"`
	Error string `json:"error"`
}

type seedResponse struct {
	Accepted []acceptedSeed `json:"accepted"`
	Rejected []rejectedSeed `json:"rejected"`
}

type normalizeRequest struct {
	URL string `json:"url"`
}

type normalizeResponse struct {
	URL         string              `json:"url"`
	Fingerprint crawler.Fingerprint `json:"fingerprint"`
	Host        string              `json:"host"`
}

func (s *Server) submitSeeds(w http.ResponseWriter, r *http.Request) {
	var req seedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.URLs) == 0 {
		writeError(w, http.StatusBadRequest, "urls must not be empty")
		return
	}
	if len(req.URLs) > s.opts.MaxSeeds {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("at most %d urls per request", s.opts.MaxSeeds))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.opts.StoreTimeout)
	defer cancel()

	resp := seedResponse{Accepted: []acceptedSeed{}, Rejected: []rejectedSeed{}}
	for _, raw := range req.URLs {
		task, fp, err := dispatcher.Seed(ctx, s.deps.Frontier, raw)
		switch {
		case err == nil:
			resp.Accepted = append(resp.Accepted, acceptedSeed{URL: task.URL, Fingerprint: fp})
		case errors.Is(err, crawler.ErrInvalidURL):
			resp.Rejected = append(resp.Rejected, rejectedSeed{URL: raw, Error: err.Error()})
		default:
			s.storeError(w, err, "enqueue seed")
			return
		}
	}
	if len(resp.Accepted) == 0 {
		writeJSON(w, http.StatusBadRequest, resp)
		return
	}
	s.logger.Info("seeds accepted", zap.Int("accepted", len(resp.Accepted)), zap.Int("rejected", len(resp.Rejected)))
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) normalize(w http.ResponseWriter, r *http.Request) {
	var req normalizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	canonical, fp, err := crawler.Normalize(req.URL)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, normalizeResponse{URL: canonical, Fingerprint: fp, Host: crawler.Host(canonical)})
}

func (s *Server) getClaim(w http.ResponseWriter, r *http.Request) {
	fp, ok := parseFingerprint(chi.URLParam(r, "fingerprint"))
	if !ok {
		writeError(w, http.StatusBadRequest, "fingerprint must be 64 hex characters")
		return
	}
	s.writeClaim(w, r, fp)
}

func (s *Server) getClaimByURL(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("url")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "url query parameter is required")
		return
	}
	_, fp, err := crawler.Normalize(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeClaim(w, r, fp)
}

func (s *Server) writeClaim(w http.ResponseWriter, r *http.Request, fp crawler.Fingerprint) {
	ctx, cancel := context.WithTimeout(r.Context(), s.opts.StoreTimeout)
	defer cancel()
	rec, err := s.deps.Claims.Get(ctx, fp)
	if err != nil {
		s.storeError(w, err, "get claim")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) getResult(w http.ResponseWriter, r *http.Request) {
	fp, ok := parseFingerprint(chi.URLParam(r, "fingerprint"))
	if !ok {
		writeError(w, http.StatusBadRequest, "fingerprint must be 64 hex characters")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.opts.StoreTimeout)
	defer cancel()
	doc, err := s.deps.Results.GetResult(ctx, fp)
	if err != nil {
		s.storeError(w, err, "get result")
		return
	}
	if r.URL.Query().Get("view") == "record" {
		writeJSON(w, http.StatusOK, crawler.RecordFromDocument(doc))
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) listResults(w http.ResponseWriter, r *http.Request) {
	lister, ok := s.deps.Results.(crawler.ResultLister)
	if !ok {
		writeError(w, http.StatusNotImplemented, "result store does not support listing")
		return
	}
	state := crawler.TaskState(r.URL.Query().Get("state"))
	switch state {
	case "", crawler.TaskPending, crawler.TaskDone, crawler.TaskDeadLettered, crawler.TaskSkipped:
	default:
		writeError(w, http.StatusBadRequest, "unknown state")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultListLimit, maxListLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.opts.StoreTimeout)
	defer cancel()
	docs, err := lister.ListResults(ctx, state, limit, offset)
	if err != nil {
		s.storeError(w, err, "list results")
		return
	}
	if docs == nil {
		docs = []crawler.ResultDocument{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"results": docs,
		"limit":   limit,
		"offset":  offset,
	})
}

func (s *Server) listRobots(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Robots == nil {
		writeJSON(w, http.StatusOK, map[string]any{"domains": []string{}})
		return
	}
	domains := s.deps.Robots.Domains()
	if domains == nil {
		domains = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"domains": domains})
}

func (s *Server) getRobots(w http.ResponseWriter, r *http.Request) {
	if s.deps.Robots == nil {
		writeError(w, http.StatusNotFound, "robots.txt handling is disabled")
		return
	}
	domain := strings.ToLower(chi.URLParam(r, "domain"))
	scheme := r.URL.Query().Get("scheme")
	if scheme == "" {
		scheme = "https"
	}
	if scheme != "http" && scheme != "https" {
		writeError(w, http.StatusBadRequest, "scheme must be http or https")
		return
	}
	policy := s.deps.Robots.GetPolicy(r.Context(), domain, scheme)
	writeJSON(w, http.StatusOK, map[string]any{
		"policy":    policy,
		"disallows": policy.DisallowRules(),
	})
}

func (s *Server) purgeRobots(w http.ResponseWriter, r *http.Request) {
	if s.deps.Robots == nil {
		writeError(w, http.StatusNotFound, "robots.txt handling is disabled")
		return
	}
	domain := strings.ToLower(chi.URLParam(r, "domain"))
	s.deps.Robots.Purge(domain)
	s.logger.Info("robots policy purged", zap.String("domain", domain))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listHosts(w http.ResponseWriter, _ *http.Request) {
	hosts := []politeness.HostPoliteness{}
	if s.deps.Hosts != nil {
		for _, domain := range s.deps.Hosts.Hosts() {
			if st, ok := s.deps.Hosts.Stats(domain); ok {
				hosts = append(hosts, st)
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"hosts": hosts})
}

func (s *Server) getHost(w http.ResponseWriter, r *http.Request) {
	if s.deps.Hosts == nil {
		writeError(w, http.StatusNotFound, "host not tracked")
		return
	}
	st, ok := s.deps.Hosts.Stats(strings.ToLower(chi.URLParam(r, "domain")))
	if !ok {
		writeError(w, http.StatusNotFound, "host not tracked")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) storeError(w http.ResponseWriter, err error, op string) {
	switch {
	case errors.Is(err, crawler.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, crawler.ErrStoreUnavailable), errors.Is(err, context.DeadlineExceeded):
		s.logger.Warn(op+" failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
	default:
		s.logger.Error(op+" failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func parseFingerprint(raw string) (crawler.Fingerprint, bool) {
	raw = strings.ToLower(raw)
	if len(raw) != 64 {
		return "", false
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return "", false
	}
	return crawler.Fingerprint(raw), true
}

func parseLimitOffset(r *http.Request, defLimit, maxLimit int) (int, int, error) {
	limit := defLimit
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return 0, 0, fmt.Errorf("invalid limit")
		}
		if n > maxLimit {
			n = maxLimit
		}
		limit = n
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return 0, 0, fmt.Errorf("invalid offset")
		}
		offset = n
	}
	return limit, offset, nil
}
