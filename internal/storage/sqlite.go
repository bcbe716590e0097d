package storage

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeLayout is fixed-width so that stored timestamps sort lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store wraps a SQLite database holding tracked accounts, daily snapshots and
// scrape run history.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "smtrack.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for tests and diagnostics.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping reports whether the database is reachable.
func (s *Store) Ping() error {
	return s.db.Ping()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// --- Accounts ---

const accountColumns = `id, source, handle, is_priority, last_scraped_at, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (TrackedAccount, error) {
	var a TrackedAccount
	var priority int
	var lastScraped sql.NullString
	var createdAt string
	if err := row.Scan(&a.ID, &a.Source, &a.Handle, &priority, &lastScraped, &createdAt); err != nil {
		return TrackedAccount{}, err
	}
	a.IsPriority = priority != 0
	if lastScraped.Valid && lastScraped.String != "" {
		t, err := parseTime(lastScraped.String)
		if err != nil {
			return TrackedAccount{}, fmt.Errorf("parsing last_scraped_at for %s: %w", a.ID, err)
		}
		a.LastScrapedAt = &t
	}
	t, err := parseTime(createdAt)
	if err != nil {
		return TrackedAccount{}, fmt.Errorf("parsing created_at for %s: %w", a.ID, err)
	}
	a.CreatedAt = t
	return a, nil
}

// CreateAccount inserts a tracked account. Source and handle must be unique together.
func (s *Store) CreateAccount(a TrackedAccount) error {
	createdAt := a.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	var lastScraped any
	if a.LastScrapedAt != nil {
		lastScraped = formatTime(*a.LastScrapedAt)
	}
	_, err := s.db.Exec(`
		INSERT INTO accounts (id, source, handle, is_priority, last_scraped_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.Source, a.Handle, boolToInt(a.IsPriority), lastScraped, formatTime(createdAt),
	)
	if err != nil {
		return fmt.Errorf("inserting account %s: %w", a.ID, err)
	}
	return nil
}

func (s *Store) GetAccount(id string) (TrackedAccount, error) {
	a, err := scanAccount(s.db.QueryRow(`SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return TrackedAccount{}, ErrNotFound
	}
	return a, err
}

// FindAccount looks an account up by its natural key.
func (s *Store) FindAccount(source, handle string) (TrackedAccount, error) {
	a, err := scanAccount(s.db.QueryRow(
		`SELECT `+accountColumns+` FROM accounts WHERE source = ? AND handle = ?`, source, handle,
	))
	if err == sql.ErrNoRows {
		return TrackedAccount{}, ErrNotFound
	}
	return a, err
}

// ListAccounts returns every tracked account, priority accounts first, then
// oldest-scraped first (never-scraped accounts lead their tier).
func (s *Store) ListAccounts() ([]TrackedAccount, error) {
	return s.queryAccounts(`SELECT ` + accountColumns + ` FROM accounts
		ORDER BY is_priority DESC, last_scraped_at IS NOT NULL, last_scraped_at ASC, id ASC`)
}

// GetDueAccounts returns accounts lacking a snapshot for date, in queue order.
func (s *Store) GetDueAccounts(date string) ([]TrackedAccount, error) {
	return s.queryAccounts(`SELECT `+accountColumns+` FROM accounts a
		WHERE NOT EXISTS (SELECT 1 FROM snapshots s WHERE s.account_id = a.id AND s.date = ?)
		ORDER BY is_priority DESC, last_scraped_at IS NOT NULL, last_scraped_at ASC, id ASC`, date)
}

func (s *Store) queryAccounts(query string, args ...any) ([]TrackedAccount, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []TrackedAccount
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, a)
	}
	return results, rows.Err()
}

// UpdateLastScraped sets last_scraped_at for an account.
func (s *Store) UpdateLastScraped(accountID string, at time.Time) error {
	res, err := s.db.Exec(`UPDATE accounts SET last_scraped_at = ? WHERE id = ?`, formatTime(at), accountID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Snapshots ---

// UpsertSnapshot inserts the snapshot or, when one already exists for the same
// (account_id, date), overwrites it. Concurrent writers resolve last-writer-wins.
func (s *Store) UpsertSnapshot(snap MetricSnapshot) error {
	notes := "[]"
	if len(snap.Notes) > 0 {
		b, err := json.Marshal(snap.Notes)
		if err != nil {
			return fmt.Errorf("marshalling notes: %w", err)
		}
		notes = string(b)
	}
	collectedAt := snap.CollectedAt
	if collectedAt.IsZero() {
		collectedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO snapshots (account_id, date, follower_count, engagement_total, post_count, collected_at, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, date) DO UPDATE SET
			follower_count = excluded.follower_count,
			engagement_total = excluded.engagement_total,
			post_count = excluded.post_count,
			collected_at = excluded.collected_at,
			notes = excluded.notes`,
		snap.AccountID, snap.Date, snap.FollowerCount, snap.EngagementTotal, snap.PostCount,
		formatTime(collectedAt), notes,
	)
	if err != nil {
		return fmt.Errorf("upserting snapshot %s/%s: %w", snap.AccountID, snap.Date, err)
	}
	return nil
}

const snapshotColumns = `account_id, date, follower_count, engagement_total, post_count, collected_at, notes`

func scanSnapshot(row rowScanner) (MetricSnapshot, error) {
	var snap MetricSnapshot
	var collectedAt, notes string
	if err := row.Scan(&snap.AccountID, &snap.Date, &snap.FollowerCount, &snap.EngagementTotal,
		&snap.PostCount, &collectedAt, &notes); err != nil {
		return MetricSnapshot{}, err
	}
	t, err := parseTime(collectedAt)
	if err != nil {
		return MetricSnapshot{}, fmt.Errorf("parsing collected_at: %w", err)
	}
	snap.CollectedAt = t
	if notes != "" && notes != "[]" {
		if err := json.Unmarshal([]byte(notes), &snap.Notes); err != nil {
			return MetricSnapshot{}, fmt.Errorf("parsing notes: %w", err)
		}
	}
	return snap, nil
}

func (s *Store) GetSnapshot(accountID, date string) (MetricSnapshot, error) {
	snap, err := scanSnapshot(s.db.QueryRow(
		`SELECT `+snapshotColumns+` FROM snapshots WHERE account_id = ? AND date = ?`, accountID, date,
	))
	if err == sql.ErrNoRows {
		return MetricSnapshot{}, ErrNotFound
	}
	return snap, err
}

// GetHistory returns up to limit snapshots for an account, oldest first.
// A limit <= 0 returns the full history.
func (s *Store) GetHistory(accountID string, limit int) ([]MetricSnapshot, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(`
		SELECT `+snapshotColumns+` FROM (
			SELECT `+snapshotColumns+` FROM snapshots WHERE account_id = ? ORDER BY date DESC LIMIT ?
		) ORDER BY date ASC`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []MetricSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, snap)
	}
	return results, rows.Err()
}

// latestMetricsQuery joins every account with its most recent snapshot, if any.
const latestMetricsQuery = `
	SELECT a.id, a.source, a.handle, a.is_priority,
		COALESCE(s.date, ''), COALESCE(s.follower_count, 0),
		COALESCE(s.engagement_total, 0), COALESCE(s.post_count, 0)
	FROM accounts a
	LEFT JOIN snapshots s ON s.account_id = a.id
		AND s.date = (SELECT MAX(date) FROM snapshots WHERE account_id = a.id)`

func (s *Store) queryMetrics(query string, args ...any) ([]AccountMetrics, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []AccountMetrics
	for rows.Next() {
		var m AccountMetrics
		var priority int
		if err := rows.Scan(&m.AccountID, &m.Source, &m.Handle, &priority, &m.Date,
			&m.FollowerCount, &m.EngagementTotal, &m.PostCount); err != nil {
			return nil, err
		}
		m.IsPriority = priority != 0
		results = append(results, m)
	}
	return results, rows.Err()
}

// TopAccounts returns the n accounts with the highest latest follower count.
func (s *Store) TopAccounts(n int) ([]AccountMetrics, error) {
	return s.queryMetrics(latestMetricsQuery+`
		WHERE s.date IS NOT NULL
		ORDER BY s.follower_count DESC, a.id ASC LIMIT ?`, n)
}

// Grid returns one page of accounts with their latest metrics, ordered by
// source then handle, and the total account count.
func (s *Store) Grid(limit, offset int) ([]AccountMetrics, int, error) {
	var total int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM accounts`).Scan(&total); err != nil {
		return nil, 0, err
	}
	items, err := s.queryMetrics(latestMetricsQuery+`
		ORDER BY a.source ASC, a.handle ASC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// Summary aggregates the latest snapshot of every account.
func (s *Store) Summary() (Summary, error) {
	all, err := s.queryMetrics(latestMetricsQuery + ` ORDER BY a.source ASC, a.id ASC`)
	if err != nil {
		return Summary{}, err
	}

	sum := Summary{Accounts: len(all), BySource: []SourceTotals{}}
	bySource := make(map[string]*SourceTotals)
	var order []string
	for _, m := range all {
		st, ok := bySource[m.Source]
		if !ok {
			st = &SourceTotals{Source: m.Source}
			bySource[m.Source] = st
			order = append(order, m.Source)
		}
		st.Accounts++
		if m.Date == "" {
			continue
		}
		sum.ScrapedAccounts++
		sum.FollowerCount += m.FollowerCount
		sum.EngagementTotal += m.EngagementTotal
		sum.PostCount += m.PostCount
		st.FollowerCount += m.FollowerCount
		st.EngagementTotal += m.EngagementTotal
		st.PostCount += m.PostCount
		if m.Date > sum.LatestDate {
			sum.LatestDate = m.Date
		}
	}
	for _, src := range order {
		sum.BySource = append(sum.BySource, *bySource[src])
	}
	return sum, nil
}

// --- Runs ---

// SaveRun records a completed run and its per-account failures atomically.
func (s *Store) SaveRun(run RunRecord) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning run transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO scrape_runs (id, mode, started_at, duration_ms, attempted, succeeded, failed)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Mode, formatTime(run.StartedAt), run.DurationMs, run.Attempted, run.Succeeded, run.Failed,
	); err != nil {
		return fmt.Errorf("inserting run %s: %w", run.ID, err)
	}
	for _, f := range run.Failures {
		if _, err := tx.Exec(`
			INSERT INTO scrape_failures (run_id, account_id, source, attempts, kind, error)
			VALUES (?, ?, ?, ?, ?, ?)`,
			run.ID, f.AccountID, f.Source, f.Attempts, f.Kind, f.Error,
		); err != nil {
			return fmt.Errorf("inserting failure for %s: %w", f.AccountID, err)
		}
	}
	return tx.Commit()
}

// ListRuns returns the most recent runs, newest first, including failures.
func (s *Store) ListRuns(limit int) ([]RunRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, mode, started_at, duration_ms, attempted, succeeded, failed
		FROM scrape_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}

	var runs []RunRecord
	for rows.Next() {
		var r RunRecord
		var startedAt string
		if err := rows.Scan(&r.ID, &r.Mode, &startedAt, &r.DurationMs, &r.Attempted, &r.Succeeded, &r.Failed); err != nil {
			rows.Close()
			return nil, err
		}
		if r.StartedAt, err = parseTime(startedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("parsing started_at for run %s: %w", r.ID, err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i := range runs {
		failures, err := s.runFailures(runs[i].ID)
		if err != nil {
			return nil, err
		}
		runs[i].Failures = failures
	}
	return runs, nil
}

func (s *Store) runFailures(runID string) ([]RunFailure, error) {
	rows, err := s.db.Query(`
		SELECT account_id, source, attempts, kind, error
		FROM scrape_failures WHERE run_id = ? ORDER BY account_id ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []RunFailure
	for rows.Next() {
		var f RunFailure
		if err := rows.Scan(&f.AccountID, &f.Source, &f.Attempts, &f.Kind, &f.Error); err != nil {
			return nil, err
		}
		results = append(results, f)
	}
	return results, rows.Err()
}
