// Package dashboard serves the read views (summary, per-account history and
// the paged account grid) through the cache, falling back to the record
// store on a miss and repopulating the cache afterwards.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/williamDalston/social-media-scraper-sub002/internal/cache"
	"github.com/williamDalston/social-media-scraper-sub002/internal/storage"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
	DefaultTopN     = 10
	// historyDays bounds the history view to roughly a year of snapshots.
	historyDays = 366
)

// ErrNotFound is returned when a requested account does not exist.
var ErrNotFound = errors.New("account not found")

// Reader is the read side of the record store.
type Reader interface {
	Summary() (storage.Summary, error)
	FindAccount(source, handle string) (storage.TrackedAccount, error)
	GetHistory(accountID string, limit int) ([]storage.MetricSnapshot, error)
	Grid(limit, offset int) ([]storage.AccountMetrics, int, error)
	TopAccounts(n int) ([]storage.AccountMetrics, error)
}

// History is one account's snapshots, oldest first.
type History struct {
	Account   storage.TrackedAccount   `json:"account"`
	Snapshots []storage.MetricSnapshot `json:"snapshots"`
}

// GridPage is one page of the account grid.
type GridPage struct {
	Page     int                      `json:"page"`
	PageSize int                      `json:"page_size"`
	Total    int                      `json:"total"`
	Rows     []storage.AccountMetrics `json:"rows"`
}

// Service answers dashboard reads. A nil facade reads the store directly.
type Service struct {
	repo   Reader
	cache  *cache.Facade
	topN   int
	logger *slog.Logger
}

func NewService(repo Reader, facade *cache.Facade, topN int) *Service {
	if topN <= 0 {
		topN = DefaultTopN
	}
	return &Service{repo: repo, cache: facade, topN: topN, logger: slog.Default()}
}

// TopN is the size of the warmed top-accounts view.
func (s *Service) TopN() int { return s.topN }

// GetSummary returns the global summary over each account's latest snapshot.
func (s *Service) GetSummary(ctx context.Context) (storage.Summary, error) {
	return cached(ctx, s, cache.KeySummary(), func() (storage.Summary, []string, error) {
		sum, err := s.repo.Summary()
		if err != nil {
			return storage.Summary{}, nil, fmt.Errorf("computing summary: %w", err)
		}
		return sum, []string{cache.TagSummary}, nil
	})
}

// GetHistory returns the snapshot history of source/handle.
func (s *Service) GetHistory(ctx context.Context, source, handle string) (History, error) {
	return cached(ctx, s, cache.KeyHistory(source, handle), func() (History, []string, error) {
		return s.loadHistory(source, handle)
	})
}

func (s *Service) loadHistory(source, handle string) (History, []string, error) {
	acc, err := s.repo.FindAccount(source, handle)
	if errors.Is(err, storage.ErrNotFound) {
		return History{}, nil, fmt.Errorf("%s/%s: %w", source, handle, ErrNotFound)
	}
	if err != nil {
		return History{}, nil, fmt.Errorf("finding account: %w", err)
	}
	snaps, err := s.repo.GetHistory(acc.ID, historyDays)
	if err != nil {
		return History{}, nil, fmt.Errorf("loading history for %s: %w", acc.ID, err)
	}
	if snaps == nil {
		snaps = []storage.MetricSnapshot{}
	}
	h := History{Account: acc, Snapshots: snaps}
	return h, []string{cache.TagAccount(acc.ID), cache.TagSource(acc.Source)}, nil
}

// GetGrid returns one page of accounts with their latest metrics. Pages
// start at 1.
func (s *Service) GetGrid(ctx context.Context, page, pageSize int) (GridPage, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	return cached(ctx, s, cache.KeyGrid(page, pageSize), func() (GridPage, []string, error) {
		rows, total, err := s.repo.Grid(pageSize, (page-1)*pageSize)
		if err != nil {
			return GridPage{}, nil, fmt.Errorf("loading grid page %d: %w", page, err)
		}
		if rows == nil {
			rows = []storage.AccountMetrics{}
		}
		return GridPage{Page: page, PageSize: pageSize, Total: total, Rows: rows}, []string{cache.TagGrid}, nil
	})
}

// GetTop returns the n accounts with the most followers.
func (s *Service) GetTop(ctx context.Context, n int) ([]storage.AccountMetrics, error) {
	if n <= 0 {
		n = s.topN
	}
	return cached(ctx, s, cache.KeyTop(n), func() ([]storage.AccountMetrics, []string, error) {
		rows, err := s.repo.TopAccounts(n)
		if err != nil {
			return nil, nil, fmt.Errorf("loading top %d: %w", n, err)
		}
		if rows == nil {
			rows = []storage.AccountMetrics{}
		}
		return rows, []string{cache.TagTop}, nil
	})
}

// WarmProviders lists the hot keys: the summary, the top-N list and the
// history of each top-N account. Each recomputes exactly as a miss would.
func (s *Service) WarmProviders(ctx context.Context) ([]cache.Provider, error) {
	providers := []cache.Provider{
		{
			Key:  cache.KeySummary(),
			Tags: []string{cache.TagSummary},
			Load: func(ctx context.Context) ([]byte, error) {
				sum, err := s.repo.Summary()
				if err != nil {
					return nil, err
				}
				return json.Marshal(sum)
			},
		},
	}

	top, err := s.repo.TopAccounts(s.topN)
	if err != nil {
		return providers, fmt.Errorf("loading top %d: %w", s.topN, err)
	}
	if top == nil {
		top = []storage.AccountMetrics{}
	}
	topJSON, err := json.Marshal(top)
	if err != nil {
		return providers, err
	}
	providers = append(providers, cache.Provider{
		Key:  cache.KeyTop(s.topN),
		Tags: []string{cache.TagTop},
		Load: func(ctx context.Context) ([]byte, error) { return topJSON, nil },
	})

	for _, row := range top {
		providers = append(providers, cache.Provider{
			Key:  cache.KeyHistory(row.Source, row.Handle),
			Tags: []string{cache.TagAccount(row.AccountID), cache.TagSource(row.Source)},
			Load: func(ctx context.Context) ([]byte, error) {
				h, _, err := s.loadHistory(row.Source, row.Handle)
				if err != nil {
					return nil, err
				}
				return json.Marshal(h)
			},
		})
	}
	return providers, nil
}

// cached reads key through the facade, loading and caching on a miss.
func cached[T any](ctx context.Context, s *Service, key string, load func() (T, []string, error)) (T, error) {
	var zero T
	if s.cache == nil {
		v, _, err := load()
		return v, err
	}

	data, err := s.cache.GetOrLoadTagged(ctx, key, 0, func(ctx context.Context) ([]byte, []string, error) {
		v, tags, err := load()
		if err != nil {
			return nil, nil, err
		}
		data, err := json.Marshal(v)
		if err != nil {
			return nil, nil, fmt.Errorf("encoding %s: %w", key, err)
		}
		return data, tags, nil
	})
	if err != nil {
		return zero, err
	}

	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		// A bad entry is dropped and recomputed rather than served.
		s.logger.Warn("discarding undecodable cache entry", "key", key, "error", err)
		s.cache.Invalidate(ctx, key)
		fresh, _, err := load()
		return fresh, err
	}
	return v, nil
}
