package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// DateLayout is the calendar-day format used for snapshot dates.
const DateLayout = "2006-01-02"

// DateOf returns the UTC calendar day of t in DateLayout.
func DateOf(t time.Time) string {
	return t.UTC().Format(DateLayout)
}

// TrackedAccount is one account on one source whose metrics are collected daily.
type TrackedAccount struct {
	ID            string     `json:"account_id"`
	Source        string     `json:"source"`
	Handle        string     `json:"handle"`
	IsPriority    bool       `json:"is_priority"`
	LastScrapedAt *time.Time `json:"last_scraped_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// MetricSnapshot is one day's metrics for one account. At most one exists
// per (AccountID, Date).
type MetricSnapshot struct {
	AccountID       string    `json:"account_id"`
	Date            string    `json:"date"`
	FollowerCount   int64     `json:"follower_count"`
	EngagementTotal int64     `json:"engagement_total"`
	PostCount       int64     `json:"post_count"`
	CollectedAt     time.Time `json:"collected_at"`
	Notes           []string  `json:"notes,omitempty"`
}

// AccountMetrics joins an account with its most recent snapshot.
// Date is empty when the account has never been scraped.
type AccountMetrics struct {
	AccountID       string `json:"account_id"`
	Source          string `json:"source"`
	Handle          string `json:"handle"`
	IsPriority      bool   `json:"is_priority"`
	Date            string `json:"date,omitempty"`
	FollowerCount   int64  `json:"follower_count"`
	EngagementTotal int64  `json:"engagement_total"`
	PostCount       int64  `json:"post_count"`
}

// SourceTotals aggregates the latest metrics of every account on one source.
type SourceTotals struct {
	Source          string `json:"source"`
	Accounts        int    `json:"accounts"`
	FollowerCount   int64  `json:"follower_count"`
	EngagementTotal int64  `json:"engagement_total"`
	PostCount       int64  `json:"post_count"`
}

// Summary is the global dashboard view over the latest snapshot of each account.
type Summary struct {
	Accounts        int            `json:"accounts"`
	ScrapedAccounts int            `json:"scraped_accounts"`
	FollowerCount   int64          `json:"follower_count"`
	EngagementTotal int64          `json:"engagement_total"`
	PostCount       int64          `json:"post_count"`
	LatestDate      string         `json:"latest_date,omitempty"`
	BySource        []SourceTotals `json:"by_source"`
}

// RunRecord is the persisted outcome of one orchestrator run.
type RunRecord struct {
	ID         string       `json:"id"`
	Mode       string       `json:"mode"`
	StartedAt  time.Time    `json:"started_at"`
	DurationMs int64        `json:"duration_ms"`
	Attempted  int          `json:"attempted"`
	Succeeded  int          `json:"succeeded"`
	Failed     int          `json:"failed"`
	Failures   []RunFailure `json:"failures,omitempty"`
}

// RunFailure records one account that did not produce a snapshot in a run.
type RunFailure struct {
	AccountID string `json:"account_id"`
	Source    string `json:"source"`
	Attempts  int    `json:"attempts"`
	Kind      string `json:"kind"`
	Error     string `json:"error"`
}
