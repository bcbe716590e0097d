// Package validate turns raw adapter payloads into metric snapshots, or
// rejects them.
package validate

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/williamDalston/social-media-scraper-sub002/internal/source"
	"github.com/williamDalston/social-media-scraper-sub002/internal/storage"
)

// DefaultFollowerCeiling is the largest follower count accepted as real.
const DefaultFollowerCeiling int64 = 10_000_000_000

// Rejection explains why a payload was not accepted.
type Rejection struct {
	Field  string
	Reason string
}

func (r *Rejection) Error() string {
	if r.Field == "" {
		return "rejected: " + r.Reason
	}
	return fmt.Sprintf("rejected %s: %s", r.Field, r.Reason)
}

// Validator checks shape and ranges of raw results.
type Validator struct {
	FollowerCeiling int64
}

func New(ceiling int64) *Validator {
	if ceiling <= 0 {
		ceiling = DefaultFollowerCeiling
	}
	return &Validator{FollowerCeiling: ceiling}
}

// Validate checks raw and builds the snapshot for accountID on date.
// follower_count is required. engagement_total and post_count default to
// zero when absent and a note is recorded. Any present field that is not a
// non-negative whole number is a rejection, as is a follower count above the
// ceiling.
func (v *Validator) Validate(accountID, date string, raw source.RawResult, collectedAt time.Time) (storage.MetricSnapshot, error) {
	if raw == nil {
		return storage.MetricSnapshot{}, &Rejection{Reason: "empty payload"}
	}

	snap := storage.MetricSnapshot{
		AccountID:   accountID,
		Date:        date,
		CollectedAt: collectedAt.UTC(),
		Notes:       []string{},
	}

	followers, ok, err := field(raw, source.FieldFollowerCount)
	if err != nil {
		return storage.MetricSnapshot{}, err
	}
	if !ok {
		return storage.MetricSnapshot{}, &Rejection{Field: source.FieldFollowerCount, Reason: "missing"}
	}
	ceiling := v.FollowerCeiling
	if ceiling <= 0 {
		ceiling = DefaultFollowerCeiling
	}
	if followers > ceiling {
		return storage.MetricSnapshot{}, &Rejection{
			Field:  source.FieldFollowerCount,
			Reason: fmt.Sprintf("%d exceeds plausible ceiling %d", followers, ceiling),
		}
	}
	snap.FollowerCount = followers

	for _, opt := range []struct {
		name string
		dst  *int64
	}{
		{source.FieldEngagementTotal, &snap.EngagementTotal},
		{source.FieldPostCount, &snap.PostCount},
	} {
		n, ok, err := field(raw, opt.name)
		if err != nil {
			return storage.MetricSnapshot{}, err
		}
		if !ok {
			snap.Notes = append(snap.Notes, opt.name+" missing, defaulted to 0")
			continue
		}
		*opt.dst = n
	}

	return snap, nil
}

// field reads name from raw. ok is false when the field is absent or null.
func field(raw source.RawResult, name string) (int64, bool, error) {
	v, present := raw[name]
	if !present || v == nil {
		return 0, false, nil
	}
	n, err := toInt64(v)
	if err != nil {
		return 0, true, &Rejection{Field: name, Reason: err.Error()}
	}
	if n < 0 {
		return 0, true, &Rejection{Field: name, Reason: fmt.Sprintf("negative value %d", n)}
	}
	return n, true, nil
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint32:
		return int64(n), nil
	case uint64:
		if n > math.MaxInt64 {
			return 0, fmt.Errorf("value %d out of range", n)
		}
		return int64(n), nil
	case float64:
		return fromFloat(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
		f, err := n.Float64()
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", n.String())
		}
		return fromFloat(f)
	default:
		return 0, fmt.Errorf("not numeric (%T)", v)
	}
}

func fromFloat(f float64) (int64, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("not a finite number")
	}
	if f != math.Trunc(f) {
		return 0, fmt.Errorf("fractional value %v", f)
	}
	if f >= math.MaxInt64 || f <= math.MinInt64 {
		return 0, fmt.Errorf("value %v out of range", f)
	}
	return int64(f), nil
}
