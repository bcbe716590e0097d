package storage

import (
	"errors"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustCreateAccount(t *testing.T, s *Store, a TrackedAccount) {
	t.Helper()
	if err := s.CreateAccount(a); err != nil {
		t.Fatalf("CreateAccount(%s): %v", a.ID, err)
	}
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

func TestMigrationsOrdered(t *testing.T) {
	s := openTestStore(t)

	versions, err := s.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(versions) < 2 {
		t.Fatalf("expected at least two applied migrations, got %v", versions)
	}
	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Errorf("migrations not in ascending order: %v", versions)
			break
		}
	}
}

func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	indexes := []string{"idx_snapshots_date", "idx_accounts_priority", "idx_scrape_runs_started", "idx_scrape_failures_run"}
	for _, idx := range indexes {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying sqlite_master for %q: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %q not found in sqlite_master", idx)
		}
	}
}

func TestCreateAndGetAccount(t *testing.T) {
	s := openTestStore(t)

	scraped := time.Date(2026, 10, 1, 8, 30, 0, 0, time.UTC)
	want := TrackedAccount{ID: "acc-1", Source: "twitter", Handle: "gov", IsPriority: true, LastScrapedAt: &scraped}
	mustCreateAccount(t, s, want)

	got, err := s.GetAccount("acc-1")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if got.Source != "twitter" || got.Handle != "gov" || !got.IsPriority {
		t.Errorf("GetAccount = %+v", got)
	}
	if got.LastScrapedAt == nil || !got.LastScrapedAt.Equal(scraped) {
		t.Errorf("LastScrapedAt = %v, want %v", got.LastScrapedAt, scraped)
	}

	byKey, err := s.FindAccount("twitter", "gov")
	if err != nil {
		t.Fatalf("FindAccount: %v", err)
	}
	if byKey.ID != "acc-1" {
		t.Errorf("FindAccount ID = %q, want acc-1", byKey.ID)
	}
}

func TestGetAccount_NotFound(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.GetAccount("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetAccount error = %v, want ErrNotFound", err)
	}
	if _, err := s.FindAccount("twitter", "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("FindAccount error = %v, want ErrNotFound", err)
	}
}

func TestCreateAccount_DuplicateHandleRejected(t *testing.T) {
	s := openTestStore(t)
	mustCreateAccount(t, s, TrackedAccount{ID: "a", Source: "youtube", Handle: "dup"})

	if err := s.CreateAccount(TrackedAccount{ID: "b", Source: "youtube", Handle: "dup"}); err == nil {
		t.Fatal("expected duplicate (source, handle) to be rejected")
	}
}

// TestUpsertSnapshot_SameDayOverwrites verifies that a second write for the
// same account and day updates the row instead of adding one.
func TestUpsertSnapshot_SameDayOverwrites(t *testing.T) {
	s := openTestStore(t)
	mustCreateAccount(t, s, TrackedAccount{ID: "acc-1", Source: "twitter", Handle: "gov"})

	first := MetricSnapshot{AccountID: "acc-1", Date: "2026-10-16", FollowerCount: 100, EngagementTotal: 5, PostCount: 1}
	if err := s.UpsertSnapshot(first); err != nil {
		t.Fatalf("first UpsertSnapshot: %v", err)
	}
	second := MetricSnapshot{AccountID: "acc-1", Date: "2026-10-16", FollowerCount: 150, EngagementTotal: 9, PostCount: 2,
		Notes: []string{"post_count missing, defaulted to 0"}}
	if err := s.UpsertSnapshot(second); err != nil {
		t.Fatalf("second UpsertSnapshot: %v", err)
	}

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM snapshots WHERE account_id = 'acc-1' AND date = '2026-10-16'`).Scan(&count); err != nil {
		t.Fatalf("counting snapshots: %v", err)
	}
	if count != 1 {
		t.Fatalf("snapshot rows = %d, want 1", count)
	}

	got, err := s.GetSnapshot("acc-1", "2026-10-16")
	if err != nil {
		t.Fatalf("GetSnapshot: %v", err)
	}
	if got.FollowerCount != 150 || got.EngagementTotal != 9 || got.PostCount != 2 {
		t.Errorf("GetSnapshot = %+v, want overwritten values", got)
	}
	if len(got.Notes) != 1 {
		t.Errorf("Notes = %v, want one note", got.Notes)
	}
}

func TestGetDueAccounts_OrderAndFilter(t *testing.T) {
	s := openTestStore(t)

	old := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	newer := time.Date(2026, 10, 10, 0, 0, 0, 0, time.UTC)
	mustCreateAccount(t, s, TrackedAccount{ID: "normal-never", Source: "twitter", Handle: "n1"})
	mustCreateAccount(t, s, TrackedAccount{ID: "prio-newer", Source: "twitter", Handle: "p1", IsPriority: true, LastScrapedAt: &newer})
	mustCreateAccount(t, s, TrackedAccount{ID: "prio-old", Source: "twitter", Handle: "p2", IsPriority: true, LastScrapedAt: &old})
	mustCreateAccount(t, s, TrackedAccount{ID: "prio-never", Source: "instagram", Handle: "p3", IsPriority: true})
	mustCreateAccount(t, s, TrackedAccount{ID: "done-today", Source: "instagram", Handle: "d1", IsPriority: true})

	if err := s.UpsertSnapshot(MetricSnapshot{AccountID: "done-today", Date: "2026-10-16"}); err != nil {
		t.Fatalf("UpsertSnapshot: %v", err)
	}

	due, err := s.GetDueAccounts("2026-10-16")
	if err != nil {
		t.Fatalf("GetDueAccounts: %v", err)
	}

	want := []string{"prio-never", "prio-old", "prio-newer", "normal-never"}
	if len(due) != len(want) {
		t.Fatalf("got %d due accounts, want %d: %+v", len(due), len(want), due)
	}
	for i, id := range want {
		if due[i].ID != id {
			t.Errorf("due[%d] = %q, want %q", i, due[i].ID, id)
		}
	}
}

func TestUpdateLastScraped(t *testing.T) {
	s := openTestStore(t)
	mustCreateAccount(t, s, TrackedAccount{ID: "acc-1", Source: "twitter", Handle: "gov"})

	at := time.Date(2026, 10, 16, 9, 0, 0, 123, time.UTC)
	if err := s.UpdateLastScraped("acc-1", at); err != nil {
		t.Fatalf("UpdateLastScraped: %v", err)
	}
	got, err := s.GetAccount("acc-1")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if got.LastScrapedAt == nil || !got.LastScrapedAt.Equal(at) {
		t.Errorf("LastScrapedAt = %v, want %v", got.LastScrapedAt, at)
	}

	if err := s.UpdateLastScraped("missing", at); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateLastScraped(missing) = %v, want ErrNotFound", err)
	}
}

func TestGetHistory_OldestFirstWithLimit(t *testing.T) {
	s := openTestStore(t)
	mustCreateAccount(t, s, TrackedAccount{ID: "acc-1", Source: "twitter", Handle: "gov"})

	for i, date := range []string{"2026-10-14", "2026-10-12", "2026-10-13", "2026-10-15"} {
		if err := s.UpsertSnapshot(MetricSnapshot{AccountID: "acc-1", Date: date, FollowerCount: int64(i)}); err != nil {
			t.Fatalf("UpsertSnapshot(%s): %v", date, err)
		}
	}

	all, err := s.GetHistory("acc-1", 0)
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(all) != 4 || all[0].Date != "2026-10-12" || all[3].Date != "2026-10-15" {
		t.Errorf("full history dates = %v", snapshotDates(all))
	}

	last2, err := s.GetHistory("acc-1", 2)
	if err != nil {
		t.Fatalf("GetHistory(limit 2): %v", err)
	}
	if len(last2) != 2 || last2[0].Date != "2026-10-14" || last2[1].Date != "2026-10-15" {
		t.Errorf("limited history dates = %v, want [2026-10-14 2026-10-15]", snapshotDates(last2))
	}
}

func snapshotDates(snaps []MetricSnapshot) []string {
	out := make([]string, len(snaps))
	for i, s := range snaps {
		out[i] = s.Date
	}
	return out
}

func seedMetrics(t *testing.T, s *Store) {
	t.Helper()
	mustCreateAccount(t, s, TrackedAccount{ID: "a", Source: "twitter", Handle: "alpha"})
	mustCreateAccount(t, s, TrackedAccount{ID: "b", Source: "twitter", Handle: "bravo"})
	mustCreateAccount(t, s, TrackedAccount{ID: "c", Source: "youtube", Handle: "charlie"})
	mustCreateAccount(t, s, TrackedAccount{ID: "d", Source: "youtube", Handle: "delta"})

	snaps := []MetricSnapshot{
		{AccountID: "a", Date: "2026-10-15", FollowerCount: 10, EngagementTotal: 1, PostCount: 1},
		{AccountID: "a", Date: "2026-10-16", FollowerCount: 20, EngagementTotal: 2, PostCount: 2},
		{AccountID: "b", Date: "2026-10-16", FollowerCount: 500, EngagementTotal: 50, PostCount: 5},
		{AccountID: "c", Date: "2026-10-14", FollowerCount: 300, EngagementTotal: 30, PostCount: 3},
	}
	for _, snap := range snaps {
		if err := s.UpsertSnapshot(snap); err != nil {
			t.Fatalf("UpsertSnapshot: %v", err)
		}
	}
}

func TestSummary_UsesLatestSnapshotPerAccount(t *testing.T) {
	s := openTestStore(t)
	seedMetrics(t, s)

	sum, err := s.Summary()
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.Accounts != 4 || sum.ScrapedAccounts != 3 {
		t.Errorf("Accounts=%d ScrapedAccounts=%d, want 4 and 3", sum.Accounts, sum.ScrapedAccounts)
	}
	if sum.FollowerCount != 820 {
		t.Errorf("FollowerCount = %d, want 820", sum.FollowerCount)
	}
	if sum.LatestDate != "2026-10-16" {
		t.Errorf("LatestDate = %q, want 2026-10-16", sum.LatestDate)
	}
	if len(sum.BySource) != 2 {
		t.Fatalf("BySource = %+v, want 2 entries", sum.BySource)
	}
	if sum.BySource[0].Source != "twitter" || sum.BySource[0].FollowerCount != 520 {
		t.Errorf("twitter totals = %+v", sum.BySource[0])
	}
	if sum.BySource[1].Accounts != 2 || sum.BySource[1].FollowerCount != 300 {
		t.Errorf("youtube totals = %+v", sum.BySource[1])
	}
}

func TestTopAccounts(t *testing.T) {
	s := openTestStore(t)
	seedMetrics(t, s)

	top, err := s.TopAccounts(2)
	if err != nil {
		t.Fatalf("TopAccounts: %v", err)
	}
	if len(top) != 2 || top[0].AccountID != "b" || top[1].AccountID != "c" {
		t.Errorf("TopAccounts = %+v, want b then c", top)
	}
}

func TestGrid_Paginates(t *testing.T) {
	s := openTestStore(t)
	seedMetrics(t, s)

	page, total, err := s.Grid(3, 0)
	if err != nil {
		t.Fatalf("Grid: %v", err)
	}
	if total != 4 {
		t.Errorf("total = %d, want 4", total)
	}
	if len(page) != 3 || page[0].Handle != "alpha" || page[0].FollowerCount != 20 {
		t.Errorf("first page = %+v", page)
	}

	rest, _, err := s.Grid(3, 3)
	if err != nil {
		t.Fatalf("Grid page 2: %v", err)
	}
	if len(rest) != 1 || rest[0].Handle != "delta" || rest[0].Date != "" {
		t.Errorf("second page = %+v, want unscraped delta", rest)
	}
}

func TestSaveAndListRuns(t *testing.T) {
	s := openTestStore(t)

	older := RunRecord{ID: "run-1", Mode: "due", StartedAt: time.Date(2026, 10, 15, 6, 0, 0, 0, time.UTC), Attempted: 1, Succeeded: 1}
	newer := RunRecord{
		ID: "run-2", Mode: "all", StartedAt: time.Date(2026, 10, 16, 6, 0, 0, 0, time.UTC),
		DurationMs: 1200, Attempted: 3, Succeeded: 2, Failed: 1,
		Failures: []RunFailure{{AccountID: "acc-9", Source: "tiktok", Attempts: 1, Kind: "not_found", Error: "account not found"}},
	}
	for _, r := range []RunRecord{older, newer} {
		if err := s.SaveRun(r); err != nil {
			t.Fatalf("SaveRun(%s): %v", r.ID, err)
		}
	}

	runs, err := s.ListRuns(10)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "run-2" {
		t.Fatalf("ListRuns = %+v, want run-2 first", runs)
	}
	if runs[0].Failed != 1 || len(runs[0].Failures) != 1 || runs[0].Failures[0].Kind != "not_found" {
		t.Errorf("run-2 = %+v", runs[0])
	}
	if len(runs[1].Failures) != 0 {
		t.Errorf("run-1 failures = %+v, want none", runs[1].Failures)
	}
}
