package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/shipwright/internal/model"

	_ "modernc.org/sqlite"
)

const createArtifactsTable = `
CREATE TABLE IF NOT EXISTS artifacts (
    task_id    TEXT PRIMARY KEY,
    repo_name  TEXT NOT NULL,
    repo_url   TEXT NOT NULL,
    version    INTEGER NOT NULL,
    updated_at DATETIME NOT NULL
)`

const createRunsTable = `
CREATE TABLE IF NOT EXISTS runs (
    id          TEXT PRIMARY KEY,
    task_id     TEXT NOT NULL,
    round       INTEGER NOT NULL,
    state       TEXT NOT NULL,
    error_kind  TEXT NOT NULL DEFAULT '',
    error       TEXT NOT NULL DEFAULT '',
    repo_url    TEXT NOT NULL DEFAULT '',
    commit_sha  TEXT NOT NULL DEFAULT '',
    pages_url   TEXT NOT NULL DEFAULT '',
    notified    INTEGER NOT NULL DEFAULT 0,
    created_at  DATETIME NOT NULL,
    started_at  DATETIME,
    finished_at DATETIME
)`

const createRunsTaskIndex = `CREATE INDEX IF NOT EXISTS idx_runs_task_id ON runs (task_id, created_at)`

const createRunEventsTable = `
CREATE TABLE IF NOT EXISTS run_events (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id     TEXT NOT NULL,
    seq        INTEGER NOT NULL,
    state      TEXT NOT NULL,
    message    TEXT NOT NULL,
    created_at DATETIME NOT NULL
)`

const runColumns = `id, task_id, round, state, error_kind, error, repo_url,
	commit_sha, pages_url, notified, created_at, started_at, finished_at`

// Compile-time interface satisfaction checks.
var (
	_ ArtifactStore = (*SQLiteStore)(nil)
	_ RunStore      = (*SQLiteStore)(nil)
)

// SQLiteStore implements ArtifactStore and RunStore using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Every connection to ":memory:" is a separate database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	for name, stmt := range map[string]string{
		"artifacts table":  createArtifactsTable,
		"runs table":       createRunsTable,
		"run_events table": createRunEventsTable,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create %s: %w", name, err)
		}
	}
	if _, err := db.Exec(createRunsTaskIndex); err != nil {
		db.Close()
		return nil, fmt.Errorf("create runs index: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// dsn applies WAL mode and a busy timeout to every pooled connection, not
// just the first one. Transactions take the write lock up front so a
// read-then-update never fails on lock upgrade.
func dsn(dbPath string) string {
	if dbPath == ":memory:" {
		return dbPath
	}
	return "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetArtifact retrieves the artifact record for a task.
func (s *SQLiteStore) GetArtifact(ctx context.Context, taskID string) (*model.ArtifactRecord, error) {
	rec := &model.ArtifactRecord{}
	err := s.db.QueryRowContext(ctx,
		`SELECT repo_name, repo_url, version, updated_at FROM artifacts WHERE task_id = ?`, taskID,
	).Scan(&rec.RepoName, &rec.RepoURL, &rec.Version, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get artifact: %w", err)
	}
	return rec, nil
}

// PutArtifact upserts the artifact record for a task.
func (s *SQLiteStore) PutArtifact(ctx context.Context, taskID string, rec model.ArtifactRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO artifacts (task_id, repo_name, repo_url, version, updated_at)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT (task_id) DO UPDATE SET
			repo_name = excluded.repo_name,
			repo_url = excluded.repo_url,
			version = artifacts.version + 1,
			updated_at = excluded.updated_at`,
		taskID, rec.RepoName, rec.RepoURL, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("put artifact: %w", err)
	}
	return nil
}

// CompareAndSwapArtifact writes rec only when the stored version matches.
func (s *SQLiteStore) CompareAndSwapArtifact(ctx context.Context, taskID string, expectedVersion int64, rec model.ArtifactRecord) error {
	now := time.Now().UTC()

	var result sql.Result
	var err error
	if expectedVersion == 0 {
		result, err = s.db.ExecContext(ctx,
			`INSERT INTO artifacts (task_id, repo_name, repo_url, version, updated_at)
			VALUES (?, ?, ?, 1, ?) ON CONFLICT (task_id) DO NOTHING`,
			taskID, rec.RepoName, rec.RepoURL, now,
		)
	} else {
		result, err = s.db.ExecContext(ctx,
			`UPDATE artifacts SET repo_name = ?, repo_url = ?, version = version + 1, updated_at = ?
			WHERE task_id = ? AND version = ?`,
			rec.RepoName, rec.RepoURL, now, taskID, expectedVersion,
		)
	}
	if err != nil {
		return fmt.Errorf("compare and swap artifact: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrVersionConflict
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*model.Run, error) {
	r := &model.Run{}
	err := row.Scan(
		&r.ID, &r.TaskID, &r.Round, &r.State, &r.ErrorKind, &r.Error, &r.RepoURL,
		&r.CommitSHA, &r.PagesURL, &r.Notified, &r.CreatedAt, &r.StartedAt, &r.FinishedAt,
	)
	return r, err
}

// CreateRun inserts a new run record.
func (s *SQLiteStore) CreateRun(ctx context.Context, r *model.Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.TaskID, r.Round, r.State, r.ErrorKind, r.Error, r.RepoURL,
		r.CommitSHA, r.PagesURL, r.Notified, r.CreatedAt, r.StartedAt, r.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// LatestRunForTask returns the most recently created run for a task.
func (s *SQLiteStore) LatestRunForTask(ctx context.Context, taskID string) (*model.Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE task_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest run for task: %w", err)
	}
	return r, nil
}

// ListRuns returns a paginated list of runs ordered by created_at DESC,
// along with the total count of all runs.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*model.Run, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count runs: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate runs: %w", err)
	}

	return runs, total, nil
}

// UpdateRun writes every mutable field of a run. The state change must be a
// valid transition; re-writing the current state is allowed so outcome fields
// can be recorded mid-run. started_at is set on leaving received and
// finished_at on entering a terminal state, unless the caller supplied them.
func (s *SQLiteStore) UpdateRun(ctx context.Context, r *model.Run) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	var startedAt, finishedAt *time.Time
	err = tx.QueryRowContext(ctx,
		"SELECT state, started_at, finished_at FROM runs WHERE id = ?", r.ID,
	).Scan(&current, &startedAt, &finishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read run state: %w", err)
	}

	if current != r.State && !model.ValidTransition(current, r.State) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, current, r.State)
	}

	now := time.Now().UTC()
	if r.StartedAt != nil {
		startedAt = r.StartedAt
	} else if startedAt == nil && r.State != model.StateReceived {
		startedAt = &now
	}
	if r.FinishedAt != nil {
		finishedAt = r.FinishedAt
	} else if finishedAt == nil && model.Terminal(r.State) {
		finishedAt = &now
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE runs SET state = ?, error_kind = ?, error = ?, repo_url = ?, commit_sha = ?,
			pages_url = ?, notified = ?, started_at = ?, finished_at = ?
		WHERE id = ?`,
		r.State, r.ErrorKind, r.Error, r.RepoURL, r.CommitSHA,
		r.PagesURL, r.Notified, startedAt, finishedAt, r.ID,
	); err != nil {
		return fmt.Errorf("update run: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run update: %w", err)
	}
	r.StartedAt = startedAt
	r.FinishedAt = finishedAt
	return nil
}

// GetRunStats returns aggregate counts over all runs.
func (s *SQLiteStore) GetRunStats(ctx context.Context) (*RunStats, error) {
	stats := &RunStats{
		CountByState: make(map[string]int),
		CountByRound: make(map[int]int),
	}

	rows, err := s.db.QueryContext(ctx, "SELECT state, round, COUNT(*) FROM runs GROUP BY state, round")
	if err != nil {
		return nil, fmt.Errorf("query run stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var state string
		var round, count int
		if err := rows.Scan(&state, &round, &count); err != nil {
			return nil, fmt.Errorf("scan run stats: %w", err)
		}
		stats.Total += count
		stats.CountByState[state] += count
		stats.CountByRound[round] += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run stats: %w", err)
	}
	return stats, nil
}

// InsertRunEvent persists a single state transition of a run.
func (s *SQLiteStore) InsertRunEvent(ctx context.Context, runID string, seq int, state, message string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO run_events (run_id, seq, state, message, created_at) VALUES (?, ?, ?, ?, ?)",
		runID, seq, state, message, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert run event: %w", err)
	}
	return nil
}

// GetRunEvents returns all persisted events for a run ordered by seq.
func (s *SQLiteStore) GetRunEvents(ctx context.Context, runID string) ([]model.RunEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, run_id, seq, state, message, created_at FROM run_events WHERE run_id = ? ORDER BY seq",
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query run events: %w", err)
	}
	defer rows.Close()

	var events []model.RunEvent
	for rows.Next() {
		var e model.RunEvent
		if err := rows.Scan(&e.ID, &e.RunID, &e.Seq, &e.State, &e.Message, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan run event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run events: %w", err)
	}
	return events, nil
}
