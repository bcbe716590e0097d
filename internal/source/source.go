// Package source defines the contract for per-platform metric fetchers and
// the typed failures they report.
package source

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/williamDalston/social-media-scraper-sub002/internal/storage"
)

// Known platforms.
const (
	Twitter   = "twitter"
	Instagram = "instagram"
	Facebook  = "facebook"
	YouTube   = "youtube"
	TikTok    = "tiktok"
	LinkedIn  = "linkedin"
)

// Known returns the platforms every adapter kind is registered for.
func Known() []string {
	return []string{Twitter, Instagram, Facebook, YouTube, TikTok, LinkedIn}
}

// Metric field names every adapter reports under.
const (
	FieldFollowerCount   = "follower_count"
	FieldEngagementTotal = "engagement_total"
	FieldPostCount       = "post_count"
)

// RawResult is an unvalidated metric payload keyed by field name. Values are
// whatever the platform produced (numbers, json.Number, strings) and are only
// trusted after validation.
type RawResult map[string]any

// Adapter fetches raw metrics for one account on one platform.
type Adapter interface {
	Fetch(ctx context.Context, account storage.TrackedAccount) (RawResult, error)
}

// AdapterFunc lets an ordinary function satisfy Adapter.
type AdapterFunc func(ctx context.Context, account storage.TrackedAccount) (RawResult, error)

func (f AdapterFunc) Fetch(ctx context.Context, account storage.TrackedAccount) (RawResult, error) {
	return f(ctx, account)
}

// Sentinel failure kinds. Adapters return them wrapped in *Error.
var (
	ErrRateLimited  = errors.New("rate limited")
	ErrNotFound     = errors.New("account not found")
	ErrAuthRequired = errors.New("authentication required")
	ErrTimeout      = errors.New("request timed out")
	ErrMalformed    = errors.New("malformed response")
	ErrUnavailable  = errors.New("source unavailable")
)

// Error is a typed adapter failure carrying the account and source context.
type Error struct {
	Kind      error
	Source    string
	AccountID string
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Err != e.Kind {
		return fmt.Sprintf("%s %s: %v: %v", e.Source, e.AccountID, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Source, e.AccountID, e.Kind)
}

// Is matches the failure kind, so errors.Is(err, ErrNotFound) works.
func (e *Error) Is(target error) bool {
	return e.Kind == target
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps cause as a failure of the given kind for account.
func NewError(kind error, account storage.TrackedAccount, cause error) *Error {
	return &Error{Kind: kind, Source: account.Source, AccountID: account.ID, Err: cause}
}

// KindName returns a stable snake_case label for err's failure kind.
func KindName(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAuthRequired):
		return "auth_required"
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrMalformed):
		return "malformed"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	default:
		return "unknown"
	}
}

// Registry maps a platform name to its adapter.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register installs adapter for src, replacing any previous one.
func (r *Registry) Register(src string, adapter Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[src] = adapter
}

// Get returns the adapter for src.
func (r *Registry) Get(src string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[src]
	return a, ok
}

// Sources returns the registered platform names in sorted order.
func (r *Registry) Sources() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
