package source

import (
	"context"
	"hash/fnv"
	"math/rand/v2"
	"time"

	"github.com/williamDalston/social-media-scraper-sub002/internal/storage"
)

// Simulated produces plausible, deterministic metrics without touching the
// network. It is selected by configuration in place of the real adapters.
//
// Values depend only on (source, handle, day), so re-scraping the same
// account on the same day yields the same snapshot.
type Simulated struct {
	// FailureRate is the probability in [0,1] of returning ErrRateLimited.
	FailureRate float64
	// Latency is slept before every fetch to mimic a network call.
	Latency time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

// NewSimulated returns a Simulated adapter with no injected failures.
func NewSimulated() *Simulated {
	return &Simulated{Now: time.Now}
}

func (s *Simulated) Fetch(ctx context.Context, account storage.TrackedAccount) (RawResult, error) {
	if s.Latency > 0 {
		select {
		case <-time.After(s.Latency):
		case <-ctx.Done():
			return nil, NewError(ErrTimeout, account, ctx.Err())
		}
	}
	if s.FailureRate > 0 && rand.Float64() < s.FailureRate {
		return nil, NewError(ErrRateLimited, account, nil)
	}

	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	day := now().UTC()
	base := seed(account.Source + "/" + account.Handle)
	// Age in days since the epoch drives slow, monotonic growth.
	age := day.Unix() / 86400

	followers := int64(base%5_000_000) + 1_000 + age%365*int64(base%97+1)
	posts := int64(base%4_000) + 10 + age%365
	engagement := followers / int64(base%40+10) * int64(seed(storage.DateOf(day)+account.Handle)%5+1)

	return RawResult{
		FieldFollowerCount:   followers,
		FieldEngagementTotal: engagement,
		FieldPostCount:       posts,
	}, nil
}

func seed(s string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return h.Sum64()
}
