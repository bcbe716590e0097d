package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/williamDalston/social-media-scraper-sub002/internal/cache"
	"github.com/williamDalston/social-media-scraper-sub002/internal/dashboard"
	"github.com/williamDalston/social-media-scraper-sub002/internal/metrics"
	"github.com/williamDalston/social-media-scraper-sub002/internal/scrape"
	"github.com/williamDalston/social-media-scraper-sub002/internal/storage"
)

type mockScraper struct {
	runFn func(ctx context.Context, req scrape.Request) (scrape.RunSummary, error)
	reqs  []scrape.Request
}

func (m *mockScraper) Run(ctx context.Context, req scrape.Request) (scrape.RunSummary, error) {
	m.reqs = append(m.reqs, req)
	if m.runFn != nil {
		return m.runFn(ctx, req)
	}
	mode, _ := scrape.ParseMode(string(req.Mode))
	return scrape.RunSummary{ID: "run-1", Mode: mode, Attempted: 2, Succeeded: 2}, nil
}

type failingPinger struct{}

func (failingPinger) Ping() error { return errors.New("disk on fire") }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testEnv struct {
	handler http.Handler
	store   *storage.Store
	scraper *mockScraper
	facade  *cache.Facade
}

func setupHandler(t *testing.T) *testEnv {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	seedStore(t, store)

	facade := cache.NewFacade(nil, cache.Options{Logger: quietLogger()})
	scraper := &mockScraper{}
	h := NewHandler(Deps{
		Dashboard: dashboard.NewService(store, facade, 5),
		Scraper:   scraper,
		Runs:      store,
		Cache:     facade,
		Store:     store,
		Metrics:   metrics.New(),
		Logger:    quietLogger(),
	})
	return &testEnv{handler: h, store: store, scraper: scraper, facade: facade}
}

func seedStore(t *testing.T, store *storage.Store) {
	t.Helper()
	for _, a := range []storage.TrackedAccount{
		{ID: "a1", Source: "twitter", Handle: "alice", IsPriority: true},
		{ID: "b1", Source: "youtube", Handle: "bob"},
	} {
		if err := store.CreateAccount(a); err != nil {
			t.Fatalf("CreateAccount: %v", err)
		}
	}
	now := time.Date(2026, 5, 2, 9, 0, 0, 0, time.UTC)
	for _, snap := range []storage.MetricSnapshot{
		{AccountID: "a1", Date: "2026-05-01", FollowerCount: 10, CollectedAt: now},
		{AccountID: "a1", Date: "2026-05-02", FollowerCount: 12, EngagementTotal: 3, PostCount: 1, CollectedAt: now},
		{AccountID: "b1", Date: "2026-05-02", FollowerCount: 30, CollectedAt: now},
	} {
		if err := store.UpsertSnapshot(snap); err != nil {
			t.Fatalf("UpsertSnapshot: %v", err)
		}
	}
}

func do(h http.Handler, method, url, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) (string, string) {
	t.Helper()
	var body struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decoding error body: %v", err)
	}
	return body.Error.Type, body.Error.Message
}

func TestHealth(t *testing.T) {
	env := setupHandler(t)

	rr := do(env.handler, http.MethodGet, "/health", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var resp HealthResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "ok" || resp.Storage != "ok" || resp.Cache != "l1_only" {
		t.Errorf("health = %+v", resp)
	}
}

func TestHealthStorageDown(t *testing.T) {
	h := NewHandler(Deps{Store: failingPinger{}, Logger: quietLogger()})

	rr := do(h, http.MethodGet, "/health", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rr.Code)
	}
	var resp HealthResponse
	json.NewDecoder(rr.Body).Decode(&resp)
	if resp.Storage != "unreachable" {
		t.Errorf("storage = %q, want unreachable", resp.Storage)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := setupHandler(t)

	// Generate a cache lookup so a cache series exists.
	do(env.handler, http.MethodGet, "/api/summary", "")

	rr := do(env.handler, http.MethodGet, "/metrics", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "go_goroutines") {
		t.Error("metrics output missing runtime collectors")
	}
}

func TestSummary(t *testing.T) {
	env := setupHandler(t)

	rr := do(env.handler, http.MethodGet, "/api/summary", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body = %s", rr.Code, rr.Body.String())
	}
	var sum storage.Summary
	if err := json.NewDecoder(rr.Body).Decode(&sum); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sum.Accounts != 2 || sum.FollowerCount != 42 || sum.LatestDate != "2026-05-02" {
		t.Errorf("summary = %+v", sum)
	}
	if len(sum.BySource) != 2 {
		t.Errorf("by_source = %+v, want 2 sources", sum.BySource)
	}
}

func TestHistory(t *testing.T) {
	env := setupHandler(t)

	rr := do(env.handler, http.MethodGet, "/api/history/twitter/alice", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body = %s", rr.Code, rr.Body.String())
	}
	var h dashboard.History
	if err := json.NewDecoder(rr.Body).Decode(&h); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if h.Account.ID != "a1" || len(h.Snapshots) != 2 {
		t.Errorf("history = %+v", h)
	}
}

func TestHistoryNotFound(t *testing.T) {
	env := setupHandler(t)

	rr := do(env.handler, http.MethodGet, "/api/history/twitter/nobody", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
	if typ, _ := decodeError(t, rr); typ != "not_found" {
		t.Errorf("error type = %q, want not_found", typ)
	}
}

func TestGrid(t *testing.T) {
	env := setupHandler(t)

	rr := do(env.handler, http.MethodGet, "/api/grid?page=1&page_size=1", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var grid dashboard.GridPage
	if err := json.NewDecoder(rr.Body).Decode(&grid); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if grid.Total != 2 || len(grid.Rows) != 1 || grid.Rows[0].Handle != "alice" {
		t.Errorf("grid = %+v", grid)
	}

	rr = do(env.handler, http.MethodGet, "/api/grid?page_size=99999", "")
	json.NewDecoder(rr.Body).Decode(&grid)
	if grid.PageSize != dashboard.MaxPageSize {
		t.Errorf("page_size = %d, want clamp to %d", grid.PageSize, dashboard.MaxPageSize)
	}
}

func TestScrapeTrigger(t *testing.T) {
	env := setupHandler(t)

	rr := do(env.handler, http.MethodPost, "/api/scrape", `{"mode":"priority"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body = %s", rr.Code, rr.Body.String())
	}
	var sum scrape.RunSummary
	if err := json.NewDecoder(rr.Body).Decode(&sum); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sum.Mode != scrape.ModePriority || sum.Succeeded != 2 {
		t.Errorf("summary = %+v", sum)
	}

	// An empty body means a due run.
	rr = do(env.handler, http.MethodPost, "/api/scrape", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("empty body status = %d, want 200", rr.Code)
	}
	if got := env.scraper.reqs[1].Mode; got != "" {
		t.Errorf("mode passed through = %q, want empty (due)", got)
	}
}

func TestScrapeErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantType string
	}{
		{"in progress", scrape.ErrRunInProgress, http.StatusConflict, "conflict"},
		{"bad mode", scrape.ErrUnknownMode, http.StatusBadRequest, "invalid_request_error"},
		{"no ids", scrape.ErrNoAccounts, http.StatusBadRequest, "invalid_request_error"},
		{"unknown account", storage.ErrNotFound, http.StatusNotFound, "not_found"},
		{"other", errors.New("database is locked"), http.StatusInternalServerError, "api_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupHandler(t)
			env.scraper.runFn = func(context.Context, scrape.Request) (scrape.RunSummary, error) {
				return scrape.RunSummary{}, tt.err
			}

			rr := do(env.handler, http.MethodPost, "/api/scrape", `{"mode":"due"}`)
			if rr.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", rr.Code, tt.wantCode)
			}
			if typ, _ := decodeError(t, rr); typ != tt.wantType {
				t.Errorf("error type = %q, want %q", typ, tt.wantType)
			}
		})
	}
}

func TestScrapeInvalidBody(t *testing.T) {
	env := setupHandler(t)

	rr := do(env.handler, http.MethodPost, "/api/scrape", `{"mode":`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
	if len(env.scraper.reqs) != 0 {
		t.Error("scraper should not run on a bad body")
	}
}

func TestListRuns(t *testing.T) {
	env := setupHandler(t)

	rr := do(env.handler, http.MethodGet, "/api/runs", "")
	if rr.Code != http.StatusOK || strings.TrimSpace(rr.Body.String()) != "[]" {
		t.Fatalf("empty runs = %d %q, want 200 []", rr.Code, rr.Body.String())
	}

	run := storage.RunRecord{
		ID: "r1", Mode: "due", StartedAt: time.Now().UTC(), DurationMs: 1500,
		Attempted: 2, Succeeded: 1, Failed: 1,
		Failures: []storage.RunFailure{{AccountID: "b1", Source: "youtube", Attempts: 4, Kind: "timeout", Error: "deadline"}},
	}
	if err := env.store.SaveRun(run); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}

	rr = do(env.handler, http.MethodGet, "/api/runs?limit=5", "")
	var runs []storage.RunRecord
	if err := json.NewDecoder(rr.Body).Decode(&runs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != "r1" || len(runs[0].Failures) != 1 {
		t.Errorf("runs = %+v", runs)
	}
}

func TestCacheStats(t *testing.T) {
	env := setupHandler(t)

	do(env.handler, http.MethodGet, "/api/summary", "")
	do(env.handler, http.MethodGet, "/api/summary", "")

	rr := do(env.handler, http.MethodGet, "/api/cache/stats", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var stats cache.Stats
	if err := json.NewDecoder(rr.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.L2Configured || stats.Degraded {
		t.Errorf("stats = %+v, want L1-only and healthy", stats)
	}
	s := stats.Patterns[cache.PatternSummary]
	if s.Hits != 1 || s.Misses != 1 {
		t.Errorf("summary pattern = %+v, want 1 hit and 1 miss", s)
	}
	if stats.Recommendations == nil {
		t.Error("recommendations should encode as an empty list")
	}
}

func TestCacheStatsWithoutCache(t *testing.T) {
	h := NewHandler(Deps{Logger: quietLogger()})

	rr := do(h, http.MethodGet, "/api/cache/stats", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"patterns":{}`) {
		t.Errorf("body = %s, want empty patterns", rr.Body.String())
	}
}
