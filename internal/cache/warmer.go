package cache

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	warmConcurrency = 4
	warmTimeout     = 2 * time.Minute
)

// Provider recomputes one hot key the same way a cache miss would.
type Provider struct {
	Key  string
	TTL  time.Duration
	Tags []string
	Load Loader
}

// ProviderSource yields the providers to warm. It is called on every warm so
// key sets such as top-N can change between runs.
type ProviderSource func(ctx context.Context) ([]Provider, error)

// Warmer proactively populates hot keys through the facade.
type Warmer struct {
	facade  *Facade
	sources []ProviderSource
	logger  *slog.Logger

	running atomic.Bool
	pending atomic.Bool
	wg      sync.WaitGroup
}

func NewWarmer(facade *Facade, logger *slog.Logger, sources ...ProviderSource) *Warmer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Warmer{facade: facade, sources: sources, logger: logger}
}

// Warm starts a warm in the background and returns immediately. A request
// arriving while a warm is in progress is coalesced into one more pass that
// starts when the current one finishes.
func (w *Warmer) Warm(ctx context.Context) {
	w.pending.Store(true)
	if !w.running.CompareAndSwap(false, true) {
		return
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ctx := context.WithoutCancel(ctx)
		for {
			for w.pending.Swap(false) {
				w.pass(ctx)
			}
			w.running.Store(false)
			// A request may have landed between the last pass and the store.
			if !w.pending.Load() || !w.running.CompareAndSwap(false, true) {
				return
			}
		}
	}()
}

func (w *Warmer) pass(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, warmTimeout)
	defer cancel()
	if _, err := w.warm(ctx); err != nil {
		w.logger.Warn("cache warm incomplete", "error", err)
	}
}

// WarmNow warms synchronously and returns how many keys were populated.
func (w *Warmer) WarmNow(ctx context.Context) (int, error) {
	return w.warm(ctx)
}

// Wait blocks until background warms started by Warm have finished.
func (w *Warmer) Wait() {
	w.wg.Wait()
}

func (w *Warmer) warm(ctx context.Context) (int, error) {
	var providers []Provider
	var firstErr error
	for _, src := range w.sources {
		ps, err := src(ctx)
		if err != nil {
			w.logger.Warn("listing warm keys", "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		providers = append(providers, ps...)
	}

	start := time.Now()
	var warmed atomic.Int64
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(warmConcurrency)
	for _, p := range providers {
		g.Go(func() error {
			if err := w.facade.Refresh(gctx, p.Key, p.TTL, p.Tags, p.Load); err != nil {
				w.logger.Warn("warming key", "key", p.Key, "error", err)
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return nil
			}
			warmed.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	n := int(warmed.Load())
	w.logger.Debug("cache warmed", "keys", n, "of", len(providers), "duration", time.Since(start))
	return n, firstErr
}
