package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/williamDalston/social-media-scraper-sub002/internal/cache"
	"github.com/williamDalston/social-media-scraper-sub002/internal/dashboard"
	"github.com/williamDalston/social-media-scraper-sub002/internal/metrics"
	"github.com/williamDalston/social-media-scraper-sub002/internal/scrape"
	"github.com/williamDalston/social-media-scraper-sub002/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

const (
	defaultRunsLimit = 20
	maxRunsLimit     = 100
)

// Scraper triggers scrape runs.
type Scraper interface {
	Run(ctx context.Context, req scrape.Request) (scrape.RunSummary, error)
}

// RunLister reads recorded run history.
type RunLister interface {
	ListRuns(limit int) ([]storage.RunRecord, error)
}

// Pinger reports whether the record store is reachable.
type Pinger interface {
	Ping() error
}

type Deps struct {
	Dashboard *dashboard.Service
	Scraper   Scraper
	Runs      RunLister
	// Cache is optional; stats report an empty L1-only cache when nil.
	Cache *cache.Facade
	// Store is optional; health skips the storage check when nil.
	Store Pinger
	// Metrics is optional; /metrics is not mounted when nil.
	Metrics *metrics.Collector
	Logger  *slog.Logger
}

// NewHandler returns the serving API: health, Prometheus metrics, the
// dashboard reads, the run trigger and cache statistics.
func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", handleHealth(deps))
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/summary", handleSummary(deps))
		r.Get("/history/{source}/{handle}", handleHistory(deps))
		r.Get("/grid", handleGrid(deps))
		r.Get("/runs", handleListRuns(deps))
		r.Get("/cache/stats", handleCacheStats(deps))
		r.Post("/scrape", handleScrape(deps))
	})

	return r
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Storage string `json:"storage"`
	Cache   string `json:"cache"`
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := HealthResponse{Status: "ok", Storage: "ok", Cache: cacheState(deps.Cache)}
		code := http.StatusOK
		if deps.Store != nil {
			if err := deps.Store.Ping(); err != nil {
				deps.Logger.Error("health check: storage unreachable", "error", err)
				resp.Status = "error"
				resp.Storage = "unreachable"
				code = http.StatusServiceUnavailable
			}
		}
		writeJSON(w, code, resp)
	}
}

func cacheState(f *cache.Facade) string {
	switch {
	case f == nil || !f.HasL2():
		return "l1_only"
	case f.Degraded():
		return "degraded"
	default:
		return "ok"
	}
}

func handleSummary(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sum, err := deps.Dashboard.GetSummary(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load summary: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, sum)
	}
}

func handleHistory(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		src := chi.URLParam(r, "source")
		handle := chi.URLParam(r, "handle")

		h, err := deps.Dashboard.GetHistory(r.Context(), src, handle)
		if errors.Is(err, dashboard.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "no tracked account %s/%s", src, handle)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load history: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, h)
	}
}

func handleGrid(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page := parseIntParam(r, "page", 1, 0)
		size := parseIntParam(r, "page_size", dashboard.DefaultPageSize, dashboard.MaxPageSize)

		grid, err := deps.Dashboard.GetGrid(r.Context(), page, size)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load grid: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, grid)
	}
}

func handleScrape(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req scrape.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		sum, err := deps.Scraper.Run(r.Context(), req)
		switch {
		case errors.Is(err, scrape.ErrRunInProgress):
			httpError(w, http.StatusConflict, "conflict", "%v", err)
			return
		case errors.Is(err, scrape.ErrUnknownMode), errors.Is(err, scrape.ErrNoAccounts):
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		case errors.Is(err, storage.ErrNotFound):
			httpError(w, http.StatusNotFound, "not_found", "%v", err)
			return
		case err != nil:
			httpError(w, http.StatusInternalServerError, "api_error", "scrape run failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, sum)
	}
}

func handleListRuns(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", defaultRunsLimit, maxRunsLimit)

		runs, err := deps.Runs.ListRuns(limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list runs: %v", err)
			return
		}
		if runs == nil {
			runs = []storage.RunRecord{}
		}
		writeJSON(w, http.StatusOK, runs)
	}
}

func handleCacheStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, cacheStats(deps.Cache))
	}
}

func cacheStats(f *cache.Facade) cache.Stats {
	if f == nil {
		return cache.Stats{Patterns: map[string]cache.PatternStats{}, Recommendations: []cache.Recommendation{}}
	}
	return f.Stats()
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
