package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/williamDalston/social-media-scraper-sub002/internal/storage"
)

var testAccount = storage.TrackedAccount{ID: "acc-1", Source: Twitter, Handle: "gopher"}

func TestErrorIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("fetching: %w", NewError(ErrNotFound, testAccount, nil))
	if !errors.Is(err, ErrNotFound) {
		t.Error("expected errors.Is to match ErrNotFound")
	}
	if errors.Is(err, ErrTimeout) {
		t.Error("did not expect match on ErrTimeout")
	}
	var srcErr *Error
	if !errors.As(err, &srcErr) {
		t.Fatal("expected errors.As to find *Error")
	}
	if srcErr.AccountID != "acc-1" || srcErr.Source != Twitter {
		t.Errorf("context = %s/%s, want twitter/acc-1", srcErr.Source, srcErr.AccountID)
	}
}

func TestKindName(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{NewError(ErrRateLimited, testAccount, nil), "rate_limited"},
		{NewError(ErrAuthRequired, testAccount, nil), "auth_required"},
		{context.DeadlineExceeded, "timeout"},
		{NewError(ErrMalformed, testAccount, errors.New("bad json")), "malformed"},
		{errors.New("boom"), "unknown"},
	}
	for _, tt := range tests {
		if got := KindName(tt.err); got != tt.want {
			t.Errorf("KindName(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register(YouTube, NewSimulated())
	r.Register(Twitter, NewSimulated())

	if _, ok := r.Get(Twitter); !ok {
		t.Error("expected twitter adapter")
	}
	if _, ok := r.Get(TikTok); ok {
		t.Error("did not expect tiktok adapter")
	}
	got := r.Sources()
	if len(got) != 2 || got[0] != Twitter || got[1] != YouTube {
		t.Errorf("Sources() = %v, want [twitter youtube]", got)
	}
}

func TestSimulatedDeterministicPerDay(t *testing.T) {
	day := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	sim := &Simulated{Now: func() time.Time { return day }}

	first, err := sim.Fetch(context.Background(), testAccount)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	second, err := sim.Fetch(context.Background(), testAccount)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	for _, field := range []string{FieldFollowerCount, FieldEngagementTotal, FieldPostCount} {
		if first[field] != second[field] {
			t.Errorf("%s differs between fetches: %v vs %v", field, first[field], second[field])
		}
		v, ok := first[field].(int64)
		if !ok || v < 0 {
			t.Errorf("%s = %v, want non-negative int64", field, first[field])
		}
	}
}

func TestSimulatedFailureInjection(t *testing.T) {
	sim := &Simulated{FailureRate: 1}
	_, err := sim.Fetch(context.Background(), testAccount)
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestSimulatedLatencyHonoursContext(t *testing.T) {
	sim := &Simulated{Latency: time.Second}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := sim.Fetch(ctx, testAccount)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestHTTPAdapterSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/twitter/gopher" {
			t.Errorf("path = %q, want /twitter/gopher", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"follower_count": 1200, "engagement_total": 45, "post_count": 12}`))
	}))
	defer srv.Close()

	raw, err := NewHTTPAdapter(srv.URL+"/", time.Second).Fetch(context.Background(), testAccount)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	n, ok := raw[FieldFollowerCount].(json.Number)
	if !ok {
		t.Fatalf("follower_count type = %T, want json.Number", raw[FieldFollowerCount])
	}
	if n.String() != "1200" {
		t.Errorf("follower_count = %s, want 1200", n)
	}
}

func TestHTTPAdapterStatusMapping(t *testing.T) {
	tests := []struct {
		status int
		body   string
		want   error
	}{
		{http.StatusNotFound, "", ErrNotFound},
		{http.StatusUnauthorized, "", ErrAuthRequired},
		{http.StatusForbidden, "", ErrAuthRequired},
		{http.StatusTooManyRequests, "", ErrRateLimited},
		{http.StatusGatewayTimeout, "", ErrTimeout},
		{http.StatusBadGateway, "", ErrUnavailable},
		{http.StatusOK, "not json", ErrMalformed},
		{http.StatusOK, "null", ErrMalformed},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d_%s", tt.status, tt.body), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewHTTPAdapter(srv.URL, time.Second).Fetch(context.Background(), testAccount)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestHTTPAdapterTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := NewHTTPAdapter(srv.URL, time.Second).Fetch(ctx, testAccount)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}
