// Package db persists run history in SQLite.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

// ErrRunNotFound is returned for unknown run ids.
var ErrRunNotFound = errors.New("run not found")

// Store provides persistence for runs, stage decisions and events.
type Store struct {
	db *sql.DB
}

// NewStore creates a history store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// RunRecord is a stored run.
type RunRecord struct {
	RunID      string
	CreatedAt  time.Time
	Request    string
	Status     string
	Reason     string
	Scope      string
	OutputDir  string
	Steps      int
	Caveats    []string
	FinishedAt time.Time
}

// StageRecord is one stored gate decision.
type StageRecord struct {
	RunID     string
	StepIndex int
	Stage     string
	Outcome   string
	Next      string
	Attempt   int
	Issues    int
	Critical  int
	Dropped   int
	Error     string
	Duration  time.Duration
}

// Event is a timeline entry for a run.
type Event struct {
	Type     string
	Message  string
	DataJSON string
}

// RunUpdate carries the final state of a run.
type RunUpdate struct {
	Status     string
	Reason     string
	Scope      string
	OutputDir  string
	Steps      int
	Caveats    []string
	FinishedAt time.Time
}

// CreateRun inserts the run record and a run_started event.
func (s *Store) CreateRun(ctx context.Context, runID, request string, createdAt time.Time) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin create run: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO runs(run_id, created_at, request, status) VALUES(?, ?, ?, ?)`,
		runID, createdAt.UTC().Format(timeLayout), request, "running"); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("insert run: %w", err)
	}
	if err := s.insertEvent(ctx, tx, runID, Event{Type: "run_started", Message: "run started"}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create run: %w", err)
	}
	return nil
}

// CommitStage inserts a stage decision and its events in one transaction.
func (s *Store) CommitStage(ctx context.Context, rec StageRecord, events ...Event) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin commit stage: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO stages(run_id, step_index, stage, outcome, next_stage, attempt, issues, critical, dropped, error, duration_ms)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.StepIndex, rec.Stage, rec.Outcome, rec.Next, rec.Attempt, rec.Issues, rec.Critical, rec.Dropped,
		nullableString(rec.Error), rec.Duration.Milliseconds()); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("insert stage: %w", err)
	}
	for _, ev := range events {
		if err := s.insertEvent(ctx, tx, rec.RunID, ev); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE runs SET steps=? WHERE run_id=?`, rec.StepIndex, rec.RunID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("update run steps: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit stage: %w", err)
	}
	return nil
}

// FinishRun records the terminal state of a run and a run_finished event.
func (s *Store) FinishRun(ctx context.Context, runID string, u RunUpdate) error {
	caveats, err := json.Marshal(u.Caveats)
	if err != nil {
		return fmt.Errorf("encode caveats: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin finish run: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE runs SET status=?, reason=?, scope=?, output_dir=?, steps=?, caveats=?, finished_at=? WHERE run_id=?`,
		u.Status, nullableString(u.Reason), nullableString(u.Scope), nullableString(u.OutputDir), u.Steps,
		string(caveats), u.FinishedAt.UTC().Format(timeLayout), runID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("update run: %w", err)
	}
	if err := s.insertEvent(ctx, tx, runID, Event{Type: "run_finished", Message: u.Status}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit finish run: %w", err)
	}
	return nil
}

const runColumns = `run_id, created_at, request, status, COALESCE(reason, ''), COALESCE(scope, ''),
	COALESCE(output_dir, ''), steps, COALESCE(caveats, ''), COALESCE(finished_at, '')`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (RunRecord, error) {
	var (
		rec                            RunRecord
		createdAt, caveats, finishedAt string
	)
	if err := row.Scan(&rec.RunID, &createdAt, &rec.Request, &rec.Status, &rec.Reason, &rec.Scope,
		&rec.OutputDir, &rec.Steps, &caveats, &finishedAt); err != nil {
		return RunRecord{}, err
	}
	rec.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	if finishedAt != "" {
		rec.FinishedAt, _ = time.Parse(timeLayout, finishedAt)
	}
	if caveats != "" {
		_ = json.Unmarshal([]byte(caveats), &rec.Caveats)
	}
	return rec, nil
}

// ListRuns returns runs newest first. A non-positive limit returns all runs.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY created_at DESC, run_id DESC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

// GetRun returns one run or ErrRunNotFound.
func (s *Store) GetRun(ctx context.Context, runID string) (RunRecord, error) {
	rec, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id=?`, runID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RunRecord{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return RunRecord{}, fmt.Errorf("read run: %w", err)
	}
	return rec, nil
}

// Stages returns the stage decisions of a run in execution order.
func (s *Store) Stages(ctx context.Context, runID string) ([]StageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT step_index, stage, outcome, next_stage, attempt, issues, critical, dropped,
		COALESCE(error, ''), duration_ms FROM stages WHERE run_id=? ORDER BY step_index`, runID)
	if err != nil {
		return nil, fmt.Errorf("list stages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []StageRecord
	for rows.Next() {
		rec := StageRecord{RunID: runID}
		var ms int64
		if err := rows.Scan(&rec.StepIndex, &rec.Stage, &rec.Outcome, &rec.Next, &rec.Attempt, &rec.Issues,
			&rec.Critical, &rec.Dropped, &rec.Error, &ms); err != nil {
			return nil, fmt.Errorf("scan stage: %w", err)
		}
		rec.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stages: %w", err)
	}
	return out, nil
}

// GetRunStatus returns the status for a run id, or empty if missing.
func (s *Store) GetRunStatus(ctx context.Context, runID string) (string, error) {
	row := s.db.QueryRowContext(ctx, `SELECT status FROM runs WHERE run_id=?`, runID)
	var status string
	if err := row.Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("read run status: %w", err)
	}
	return status, nil
}

func (s *Store) insertEvent(ctx context.Context, tx *sql.Tx, runID string, ev Event) error {
	seq, err := s.nextSeq(ctx, tx, runID)
	if err != nil {
		return err
	}
	ts := time.Now().UTC().Format(timeLayout)
	if _, err := tx.ExecContext(ctx, `INSERT INTO events(run_id, seq, ts, type, message, data_json) VALUES(?, ?, ?, ?, ?, ?)`,
		runID, seq, ts, ev.Type, ev.Message, nullableString(ev.DataJSON)); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (s *Store) nextSeq(ctx context.Context, tx *sql.Tx, runID string) (int, error) {
	var seq int
	row := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM events WHERE run_id=?`, runID)
	if err := row.Scan(&seq); err != nil {
		return 0, fmt.Errorf("read event seq: %w", err)
	}
	return seq + 1, nil
}

// Events returns the timeline of a run.
func (s *Store) Events(ctx context.Context, runID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT type, message, COALESCE(data_json, '') FROM events WHERE run_id=? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.Type, &ev.Message, &ev.DataJSON); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}
