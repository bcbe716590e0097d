// Package cache is the two-tier read cache in front of the record store: a
// bounded in-process L1 shadowing a shared Redis L2, with tag-based
// invalidation, warming and hit-rate analytics.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrMiss is returned by reads that found nothing in either tier.
	ErrMiss = errors.New("cache miss")
	// ErrL2Unavailable reports that the distributed tier could not be reached.
	ErrL2Unavailable = errors.New("distributed cache unavailable")
)

// Entry is a value stored in L2 together with the tags it was written under.
type Entry struct {
	Value []byte
	Tags  []string
}

// L2 is the shared, cross-process tier. Implementations must be safe for
// concurrent use by unrelated processes.
type L2 interface {
	// Get returns ErrMiss when key is absent.
	Get(ctx context.Context, key string) (Entry, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration, tags []string) error
	Delete(ctx context.Context, keys ...string) error
	// InvalidateTag removes every key recorded under tag and returns them.
	InvalidateTag(ctx context.Context, tag string) ([]string, error)
	Ping(ctx context.Context) error
}

// Key patterns. The pattern of a key is everything before its first colon.
const (
	PatternSummary = "summary"
	PatternGrid    = "grid"
	PatternHistory = "history"
	PatternTop     = "top"
)

// Tags shared between writers and readers.
const (
	TagSummary = "summary"
	TagGrid    = "grid"
	TagTop     = "top"
)

func TagAccount(id string) string  { return "account:" + id }
func TagSource(name string) string { return "source:" + name }

func KeySummary() string { return PatternSummary }

func KeyGrid(page, pageSize int) string {
	return fmt.Sprintf("%s:%d:%d", PatternGrid, page, pageSize)
}

func KeyHistory(source, handle string) string {
	return fmt.Sprintf("%s:%s:%s", PatternHistory, source, handle)
}

func KeyTop(n int) string {
	return fmt.Sprintf("%s:%d", PatternTop, n)
}

// Pattern returns the key pattern used for TTLs and analytics.
func Pattern(key string) string {
	if i := strings.IndexByte(key, ':'); i >= 0 {
		return key[:i]
	}
	return key
}

// TTLPolicy maps key patterns to L2 lifetimes.
type TTLPolicy struct {
	ByPattern map[string]time.Duration
	Fallback  time.Duration
}

// DefaultTTLPolicy returns the stock lifetimes: history changes at most daily
// so it lives longest, summary and top-N are warmed after every run.
func DefaultTTLPolicy() TTLPolicy {
	return TTLPolicy{
		ByPattern: map[string]time.Duration{
			PatternSummary: 300 * time.Second,
			PatternGrid:    600 * time.Second,
			PatternHistory: 900 * time.Second,
			PatternTop:     300 * time.Second,
		},
		Fallback: 300 * time.Second,
	}
}

// For returns the TTL for key.
func (p TTLPolicy) For(key string) time.Duration {
	if d, ok := p.ByPattern[Pattern(key)]; ok && d > 0 {
		return d
	}
	if p.Fallback > 0 {
		return p.Fallback
	}
	return 300 * time.Second
}
