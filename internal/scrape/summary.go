package scrape

import (
	"errors"
	"fmt"
	"time"

	"github.com/williamDalston/social-media-scraper-sub002/internal/storage"
)

// Mode selects which accounts a run covers.
type Mode string

const (
	// ModeDue covers accounts with no snapshot for today.
	ModeDue Mode = "due"
	// ModePriority covers due accounts flagged as priority.
	ModePriority Mode = "priority"
	// ModeAll covers every tracked account and overwrites today's snapshots.
	ModeAll Mode = "all"
	// ModeAccounts covers an explicit list of account IDs.
	ModeAccounts Mode = "accounts"
)

// ParseMode validates s. An empty string means ModeDue.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "":
		return ModeDue, nil
	case ModeDue, ModePriority, ModeAll, ModeAccounts:
		return Mode(s), nil
	}
	return "", fmt.Errorf("%w %q (want due, priority, all or accounts)", ErrUnknownMode, s)
}

var (
	// ErrRunInProgress is returned when a run is triggered while another is
	// still executing in the same process.
	ErrRunInProgress = errors.New("a scrape run is already in progress")
	// ErrNoAccounts is returned for an accounts-mode run without IDs.
	ErrNoAccounts = errors.New("no account ids given")
	// ErrUnknownMode is returned for a mode other than due, priority, all
	// or accounts.
	ErrUnknownMode = errors.New("unknown run mode")
)

// Request triggers a run.
type Request struct {
	Mode       Mode     `json:"mode"`
	AccountIDs []string `json:"account_ids,omitempty"`
}

// Failure is one account that produced no snapshot.
type Failure struct {
	AccountID string `json:"account_id"`
	Source    string `json:"source"`
	Handle    string `json:"handle"`
	Attempts  int    `json:"attempts"`
	Kind      string `json:"kind"`
	Error     string `json:"error"`
}

// Result is one account whose snapshot was committed.
type Result struct {
	AccountID string   `json:"account_id"`
	Source    string   `json:"source"`
	Handle    string   `json:"handle"`
	Attempts  int      `json:"attempts"`
	Notes     []string `json:"notes,omitempty"`
}

// RunSummary is the outcome of one run. Succeeded + Failed == Attempted.
// Skipped counts queued accounts never started because the run was
// cancelled.
type RunSummary struct {
	ID        string        `json:"id"`
	Mode      Mode          `json:"mode"`
	Date      string        `json:"date"`
	StartedAt time.Time     `json:"started_at"`
	Attempted int           `json:"attempted"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped,omitempty"`
	Duration  time.Duration `json:"duration_ns"`
	Failures  []Failure     `json:"failures,omitempty"`
	Results   []Result      `json:"results,omitempty"`
}

// Record converts the summary to its persisted form.
func (s RunSummary) Record() storage.RunRecord {
	rec := storage.RunRecord{
		ID:         s.ID,
		Mode:       string(s.Mode),
		StartedAt:  s.StartedAt,
		DurationMs: s.Duration.Milliseconds(),
		Attempted:  s.Attempted,
		Succeeded:  s.Succeeded,
		Failed:     s.Failed,
	}
	for _, f := range s.Failures {
		rec.Failures = append(rec.Failures, storage.RunFailure{
			AccountID: f.AccountID,
			Source:    f.Source,
			Attempts:  f.Attempts,
			Kind:      f.Kind,
			Error:     f.Error,
		})
	}
	return rec
}
