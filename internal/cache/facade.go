package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/williamDalston/social-media-scraper-sub002/internal/metrics"
)

const (
	DefaultOutageTTL     = 10 * time.Second
	DefaultProbeInterval = 5 * time.Second
)

// Options configures a Facade. Zero values take the defaults.
type Options struct {
	L1Capacity int
	L1TTL      time.Duration
	// OutageTTL caps the L1 lifetime of values written while L2 is down.
	OutageTTL time.Duration
	// ProbeInterval is how often a degraded facade lets one operation
	// through to L2 to see whether it is back.
	ProbeInterval time.Duration
	TTL           TTLPolicy
	Analytics     *Analytics
	Metrics       *metrics.Collector
	Logger        *slog.Logger
}

// Facade unifies L1 and L2. Reads try L1, then L2 (shadowing hits into L1).
// Writes go to L2 first and then L1. An unreachable L2 never surfaces as an
// error: the facade degrades to L1 only, caps lifetimes of anything written
// meanwhile, and drops those entries once L2 answers again.
type Facade struct {
	l1        *L1
	l2        L2
	opts      Options
	analytics *Analytics
	metrics   *metrics.Collector
	logger    *slog.Logger

	mu       sync.Mutex
	tagKeys  map[string]map[string]struct{}
	keyTags  map[string][]string
	suspect  map[string]struct{}
	pendKeys map[string]struct{}
	pendTags map[string]struct{}

	degraded  atomic.Bool
	nextProbe atomic.Int64
	// gen advances on every invalidation. Loads that straddle an
	// invalidation are not written back.
	gen atomic.Uint64

	sf singleflight.Group
}

// NewFacade builds a facade over l2, which may be nil for an L1-only cache.
func NewFacade(l2 L2, opts Options) *Facade {
	if opts.L1TTL <= 0 {
		opts.L1TTL = DefaultL1TTL
	}
	if opts.OutageTTL <= 0 {
		opts.OutageTTL = DefaultOutageTTL
	}
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = DefaultProbeInterval
	}
	if opts.TTL.ByPattern == nil {
		opts.TTL = DefaultTTLPolicy()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Analytics == nil {
		opts.Analytics = NewAnalytics()
	}
	return &Facade{
		l1:        NewL1(opts.L1Capacity, opts.L1TTL),
		l2:        l2,
		opts:      opts,
		analytics: opts.Analytics,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		tagKeys:   make(map[string]map[string]struct{}),
		keyTags:   make(map[string][]string),
		suspect:   make(map[string]struct{}),
		pendKeys:  make(map[string]struct{}),
		pendTags:  make(map[string]struct{}),
	}
}

// Analytics returns the analytics recorder fed by Get.
func (f *Facade) Analytics() *Analytics { return f.analytics }

// L1 exposes the local tier, mainly for tests and stats.
func (f *Facade) L1() *L1 { return f.l1 }

// HasL2 reports whether a distributed tier is configured.
func (f *Facade) HasL2() bool { return f.l2 != nil }

// Degraded reports whether L2 is currently considered unreachable.
func (f *Facade) Degraded() bool { return f.degraded.Load() }

// Get returns the cached value for key or ErrMiss. It never returns L2
// transport errors.
func (f *Facade) Get(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	pattern := Pattern(key)

	val, err := f.get(ctx, key, pattern)

	elapsed := time.Since(start)
	if err == nil {
		f.analytics.RecordHit(pattern)
	} else {
		f.analytics.RecordMiss(pattern)
	}
	f.analytics.RecordTiming(pattern, elapsed)
	f.metrics.CacheDuration(pattern, elapsed)
	return val, err
}

func (f *Facade) get(ctx context.Context, key, pattern string) ([]byte, error) {
	if val, ok := f.l1.Get(key); ok {
		f.metrics.CacheRequest("l1", pattern, "hit")
		return val, nil
	}
	f.metrics.CacheRequest("l1", pattern, "miss")

	if !f.l2Usable() {
		return nil, ErrMiss
	}

	gen := f.gen.Load()
	entry, err := f.l2.Get(ctx, key)
	switch {
	case errors.Is(err, ErrMiss):
		f.l2Succeeded(ctx)
		f.metrics.CacheRequest("l2", pattern, "miss")
		return nil, ErrMiss
	case err != nil:
		f.l2Failed(err, "get")
		f.metrics.CacheRequest("l2", pattern, "error")
		return nil, ErrMiss
	}
	f.l2Succeeded(ctx)
	f.metrics.CacheRequest("l2", pattern, "hit")

	if f.gen.Load() == gen {
		f.l1.Set(key, entry.Value, f.opts.L1TTL)
		f.index(key, entry.Tags)
		if f.gen.Load() != gen {
			// An invalidation raced the shadow write.
			f.l1.Delete(key)
			f.unindex(key)
		}
	}
	return entry.Value, nil
}

// Set stores value under key for ttl (zero means the TTL policy's value for
// the key's pattern) and records it under each tag.
func (f *Facade) Set(ctx context.Context, key string, value []byte, ttl time.Duration, tags []string) {
	if ttl <= 0 {
		ttl = f.opts.TTL.For(key)
	}
	l1TTL := min(ttl, f.opts.L1TTL)

	if f.l2 != nil {
		if f.l2Usable() {
			err := f.l2.Set(ctx, key, value, ttl, tags)
			if err == nil {
				f.l2Succeeded(ctx)
				f.l1.Set(key, value, l1TTL)
				f.index(key, tags)
				return
			}
			f.l2Failed(err, "set")
		}
		f.l1.Set(key, value, min(l1TTL, f.opts.OutageTTL))
		f.index(key, tags)
		f.mu.Lock()
		f.suspect[key] = struct{}{}
		f.mu.Unlock()
		return
	}

	f.l1.Set(key, value, l1TTL)
	f.index(key, tags)
}

// Invalidate removes key from both tiers. If L2 is down the deletion is
// replayed when it recovers.
func (f *Facade) Invalidate(ctx context.Context, key string) {
	f.gen.Add(1)
	f.l1.Delete(key)
	f.unindex(key)

	if f.l2 == nil {
		return
	}
	if f.l2Usable() {
		err := f.l2.Delete(ctx, key)
		if err == nil {
			f.l2Succeeded(ctx)
			return
		}
		f.l2Failed(err, "invalidate")
	}
	f.mu.Lock()
	f.pendKeys[key] = struct{}{}
	f.mu.Unlock()
}

// InvalidateByTag removes every key recorded under tag from both tiers.
func (f *Facade) InvalidateByTag(ctx context.Context, tag string) {
	f.gen.Add(1)
	for _, key := range f.takeTag(tag) {
		f.l1.Delete(key)
	}

	if f.l2 == nil {
		return
	}
	if f.l2Usable() {
		removed, err := f.l2.InvalidateTag(ctx, tag)
		if err == nil {
			f.l2Succeeded(ctx)
			for _, key := range removed {
				f.l1.Delete(key)
				f.unindex(key)
			}
			return
		}
		f.l2Failed(err, "invalidate_tag")
	}
	f.mu.Lock()
	f.pendTags[tag] = struct{}{}
	f.mu.Unlock()
}

// Loader recomputes a value on a cache miss.
type Loader func(ctx context.Context) ([]byte, error)

// TaggedLoader recomputes a value and reports the tags it depends on, for
// values whose tags are only known once loaded.
type TaggedLoader func(ctx context.Context) ([]byte, []string, error)

// GetOrLoad returns the cached value for key or, on a miss, runs load once
// across concurrent callers and caches its result under tags.
func (f *Facade) GetOrLoad(ctx context.Context, key string, ttl time.Duration, tags []string, load Loader) ([]byte, error) {
	return f.GetOrLoadTagged(ctx, key, ttl, func(ctx context.Context) ([]byte, []string, error) {
		data, err := load(ctx)
		return data, tags, err
	})
}

// GetOrLoadTagged is GetOrLoad with tags supplied by the loader.
func (f *Facade) GetOrLoadTagged(ctx context.Context, key string, ttl time.Duration, load TaggedLoader) ([]byte, error) {
	if val, err := f.Get(ctx, key); err == nil {
		return val, nil
	}

	v, err, _ := f.sf.Do(key, func() (any, error) {
		gen := f.gen.Load()
		data, tags, err := load(ctx)
		if err != nil {
			return nil, err
		}
		f.setIfCurrent(ctx, key, data, ttl, tags, gen)
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// Refresh recomputes key and stores the result. A result computed across an
// invalidation is discarded.
func (f *Facade) Refresh(ctx context.Context, key string, ttl time.Duration, tags []string, load Loader) error {
	_, err, _ := f.sf.Do("refresh:"+key, func() (any, error) {
		gen := f.gen.Load()
		data, err := load(ctx)
		if err != nil {
			return nil, err
		}
		if !f.setIfCurrent(ctx, key, data, ttl, tags, gen) {
			f.logger.Debug("discarding refresh computed across an invalidation", "key", key)
		}
		return nil, nil
	})
	return err
}

// setIfCurrent stores value unless an invalidation happened since gen was
// read. An invalidation landing while the write is under way undoes it.
func (f *Facade) setIfCurrent(ctx context.Context, key string, value []byte, ttl time.Duration, tags []string, gen uint64) bool {
	if f.gen.Load() != gen {
		return false
	}
	f.Set(ctx, key, value, ttl, tags)
	if f.gen.Load() != gen {
		f.Invalidate(ctx, key)
		return false
	}
	return true
}

// Close tears down the local tier and the tag index. It does not close the
// L2 client, which the caller owns.
func (f *Facade) Close() {
	f.gen.Add(1)
	f.l1.Purge()

	f.mu.Lock()
	defer f.mu.Unlock()
	clear(f.tagKeys)
	clear(f.keyTags)
	clear(f.suspect)
}

// Revalidate pings L2. On success a degraded facade recovers: entries
// written during the outage are dropped from L1 and pending invalidations
// are replayed.
func (f *Facade) Revalidate(ctx context.Context) error {
	if f.l2 == nil {
		return nil
	}
	if err := f.l2.Ping(ctx); err != nil {
		f.l2Failed(err, "ping")
		return fmt.Errorf("%w: %v", ErrL2Unavailable, err)
	}
	f.l2Succeeded(ctx)
	return nil
}

// Monitor revalidates on every tick while degraded, until ctx ends.
func (f *Facade) Monitor(ctx context.Context, interval time.Duration) {
	if f.l2 == nil {
		return
	}
	if interval <= 0 {
		interval = f.opts.ProbeInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if f.Degraded() {
				_ = f.Revalidate(ctx)
			}
		}
	}
}

// l2Usable reports whether an operation may go to L2. While degraded only
// one operation per probe interval is let through.
func (f *Facade) l2Usable() bool {
	if f.l2 == nil {
		return false
	}
	if !f.degraded.Load() {
		return true
	}
	now := time.Now().UnixNano()
	next := f.nextProbe.Load()
	if now < next {
		return false
	}
	return f.nextProbe.CompareAndSwap(next, now+int64(f.opts.ProbeInterval))
}

func (f *Facade) l2Failed(err error, op string) {
	f.nextProbe.Store(time.Now().Add(f.opts.ProbeInterval).UnixNano())
	if f.degraded.CompareAndSwap(false, true) {
		f.logger.Warn("distributed cache unreachable, serving from L1 only", "op", op, "error", err)
		f.metrics.CacheDegraded(true)
	}
}

func (f *Facade) l2Succeeded(ctx context.Context) {
	if !f.degraded.Load() {
		return
	}
	if f.degraded.CompareAndSwap(true, false) {
		f.logger.Info("distributed cache recovered")
		f.metrics.CacheDegraded(false)
		f.recoverFromOutage(ctx)
	}
}

func (f *Facade) recoverFromOutage(ctx context.Context) {
	f.mu.Lock()
	suspect := keysOf(f.suspect)
	pendKeys := keysOf(f.pendKeys)
	pendTags := keysOf(f.pendTags)
	clear(f.suspect)
	clear(f.pendKeys)
	clear(f.pendTags)
	f.mu.Unlock()

	for _, key := range suspect {
		f.l1.Delete(key)
		f.unindex(key)
	}

	if len(pendKeys) > 0 {
		if err := f.l2.Delete(ctx, pendKeys...); err != nil {
			f.requeue(pendKeys, pendTags)
			f.l2Failed(err, "replay")
			return
		}
	}
	for i, tag := range pendTags {
		removed, err := f.l2.InvalidateTag(ctx, tag)
		if err != nil {
			f.requeue(nil, pendTags[i:])
			f.l2Failed(err, "replay")
			return
		}
		for _, key := range removed {
			f.l1.Delete(key)
			f.unindex(key)
		}
	}
	if n := len(suspect) + len(pendKeys) + len(pendTags); n > 0 {
		f.logger.Info("cache revalidated after outage",
			"dropped", len(suspect), "replayed_keys", len(pendKeys), "replayed_tags", len(pendTags))
	}
}

func (f *Facade) requeue(keys, tags []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		f.pendKeys[k] = struct{}{}
	}
	for _, t := range tags {
		f.pendTags[t] = struct{}{}
	}
}

// index records key under tags in the local index used to invalidate L1.
func (f *Facade) index(key string, tags []string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.unindexLocked(key)
	if len(tags) == 0 {
		return
	}
	f.keyTags[key] = append([]string(nil), tags...)
	for _, tag := range tags {
		set, ok := f.tagKeys[tag]
		if !ok {
			set = make(map[string]struct{})
			f.tagKeys[tag] = set
		}
		set[key] = struct{}{}
	}

	// Keys that fell out of L1 by eviction or expiry linger in the index.
	if len(f.keyTags) > 4*max(f.l1.Len(), DefaultL1Capacity) {
		for k := range f.keyTags {
			if !f.l1.Contains(k) {
				f.unindexLocked(k)
			}
		}
	}
}

func (f *Facade) unindex(key string) {
	f.mu.Lock()
	f.unindexLocked(key)
	f.mu.Unlock()
}

func (f *Facade) unindexLocked(key string) {
	for _, tag := range f.keyTags[key] {
		if set, ok := f.tagKeys[tag]; ok {
			delete(set, key)
			if len(set) == 0 {
				delete(f.tagKeys, tag)
			}
		}
	}
	delete(f.keyTags, key)
}

// takeTag removes tag from the local index and returns its keys.
func (f *Facade) takeTag(tag string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	keys := keysOf(f.tagKeys[tag])
	for _, key := range keys {
		f.unindexLocked(key)
	}
	return keys
}

func keysOf(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// Stats is a point-in-time view of the cache for operators.
type Stats struct {
	L2Configured    bool                    `json:"l2_configured"`
	Degraded        bool                    `json:"degraded"`
	L1Entries       int                     `json:"l1_entries"`
	Patterns        map[string]PatternStats `json:"patterns"`
	Recommendations []Recommendation        `json:"recommendations"`
}

// Stats reports tier health and per-pattern analytics.
func (f *Facade) Stats() Stats {
	recs := f.analytics.Recommendations()
	if recs == nil {
		recs = []Recommendation{}
	}
	return Stats{
		L2Configured:    f.l2 != nil,
		Degraded:        f.Degraded(),
		L1Entries:       f.l1.Len(),
		Patterns:        f.analytics.Stats(),
		Recommendations: recs,
	}
}
