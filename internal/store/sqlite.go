package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLite is the durable Store backed by a single database file. Writes
// are serialized behind a mutex: SQLite is single-writer and the busy
// timeout alone produces "database is locked" churn under concurrent
// runs.
type SQLite struct {
	pool    *sql.DB
	writeMu sync.Mutex
}

// OpenSQLite opens (creating if needed) the database at path and runs
// migrations. Use ":memory:" for an ephemeral database.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	pool, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection keeps the in-memory variant coherent and
	// sidesteps writer contention for file databases.
	pool.SetMaxOpenConns(1)

	if err := pool.PingContext(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLite{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the connection pool.
func (s *SQLite) Close() error { return s.pool.Close() }

func (s *SQLite) migrate(ctx context.Context) error {
	if _, err := s.pool.ExecContext(ctx, migrationSQL); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

const migrationSQL = `
CREATE TABLE IF NOT EXISTS runs (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    flow_name   TEXT NOT NULL,
    status      TEXT NOT NULL DEFAULT 'submitted',
    created_at  TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS steps (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id       INTEGER NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    node_name    TEXT NOT NULL,
    action       TEXT,
    step_index   INTEGER NOT NULL,
    shared_state TEXT NOT NULL,
    created_at   TIMESTAMP NOT NULL,
    UNIQUE (run_id, step_index)
);

CREATE TABLE IF NOT EXISTS a2a_tasks (
    task_id     TEXT PRIMARY KEY,
    run_id      INTEGER NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    created_at  TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS task_snapshots (
    task_id     TEXT PRIMARY KEY,
    snapshot    TEXT NOT NULL,
    updated_at  TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_steps_run_id ON steps(run_id);
CREATE INDEX IF NOT EXISTS idx_a2a_tasks_run_id ON a2a_tasks(run_id);
`

func (s *SQLite) CreateRun(ctx context.Context, flowName string) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.pool.ExecContext(ctx,
		`INSERT INTO runs (flow_name, status, created_at) VALUES (?, ?, ?)`,
		flowName, string(RunSubmitted), time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert run id: %w", err)
	}
	return id, nil
}

func (s *SQLite) GetRun(ctx context.Context, runID int64) (*Run, error) {
	run := &Run{}
	var status string
	err := s.pool.QueryRowContext(ctx,
		`SELECT id, flow_name, status, created_at FROM runs WHERE id = ?`, runID,
	).Scan(&run.ID, &run.FlowName, &status, &run.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %d: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	run.Status = RunStatus(status)
	return run, nil
}

func (s *SQLite) UpdateRunStatus(ctx context.Context, runID int64, status RunStatus) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.pool.ExecContext(ctx,
		`UPDATE runs SET status = ? WHERE id = ?`, string(status), runID)
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %d: %w", runID, ErrNotFound)
	}
	return nil
}

// DeleteRun removes the run, its steps, task mappings and snapshots in
// one transaction.
func (s *SQLite) DeleteRun(ctx context.Context, runID int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	tx, err := s.pool.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete run: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM task_snapshots WHERE task_id IN (SELECT task_id FROM a2a_tasks WHERE run_id = ?)`, runID); err != nil {
		return fmt.Errorf("delete snapshots: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM a2a_tasks WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("delete task mappings: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM steps WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("delete steps: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, runID); err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	return tx.Commit()
}

func (s *SQLite) ListRuns(ctx context.Context, limit, offset int, status string) ([]*Run, int, error) {
	where, args := "", []any{}
	if status != "" {
		where = " WHERE status = ?"
		args = append(args, status)
	}

	var total int
	if err := s.pool.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count runs: %w", err)
	}

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.QueryContext(ctx,
		`SELECT id, flow_name, status, created_at FROM runs`+where+` ORDER BY id DESC LIMIT ? OFFSET ?`,
		append(args, limit, offset)...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run := &Run{}
		var st string
		if err := rows.Scan(&run.ID, &run.FlowName, &st, &run.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan run: %w", err)
		}
		run.Status = RunStatus(st)
		runs = append(runs, run)
	}
	return runs, total, rows.Err()
}

func (s *SQLite) TerminalRunsBefore(ctx context.Context, cutoff time.Time) ([]int64, error) {
	rows, err := s.pool.QueryContext(ctx,
		`SELECT id FROM runs WHERE status IN (?, ?, ?, ?) AND created_at < ? ORDER BY id`,
		string(RunCompleted), string(RunCanceled), string(RunFailed), string(RunRejected), cutoff.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("list terminal runs: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan run id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLite) AddStep(ctx context.Context, runID int64, nodeName string, action *string, stepIndex int, sharedState []byte) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.pool.ExecContext(ctx,
		`INSERT INTO steps (run_id, node_name, action, step_index, shared_state, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		runID, nodeName, action, stepIndex, string(sharedState), time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert step %d for run %d: %w", stepIndex, runID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert step id: %w", err)
	}
	return id, nil
}

func (s *SQLite) StepsForRun(ctx context.Context, runID int64) ([]*Step, error) {
	rows, err := s.pool.QueryContext(ctx,
		`SELECT id, run_id, node_name, action, step_index, shared_state, created_at
		 FROM steps WHERE run_id = ? ORDER BY step_index ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	var steps []*Step
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

func (s *SQLite) LastStep(ctx context.Context, runID int64) (*Step, error) {
	row := s.pool.QueryRowContext(ctx,
		`SELECT id, run_id, node_name, action, step_index, shared_state, created_at
		 FROM steps WHERE run_id = ? ORDER BY step_index DESC LIMIT 1`, runID)
	step, err := scanStep(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %d has no steps: %w", runID, ErrNotFound)
	}
	return step, err
}

func (s *SQLite) StepByIndex(ctx context.Context, runID int64, stepIndex int) (*Step, error) {
	row := s.pool.QueryRowContext(ctx,
		`SELECT id, run_id, node_name, action, step_index, shared_state, created_at
		 FROM steps WHERE run_id = ? AND step_index = ?`, runID, stepIndex)
	step, err := scanStep(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %d step %d: %w", runID, stepIndex, ErrNotFound)
	}
	return step, err
}

// MapTask upserts the task→run mapping.
func (s *SQLite) MapTask(ctx context.Context, taskID string, runID int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.pool.ExecContext(ctx,
		`INSERT INTO a2a_tasks (task_id, run_id, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(task_id) DO UPDATE SET run_id = excluded.run_id`,
		taskID, runID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("map task %s: %w", taskID, err)
	}
	return nil
}

func (s *SQLite) RunIDForTask(ctx context.Context, taskID string) (int64, error) {
	var runID int64
	err := s.pool.QueryRowContext(ctx,
		`SELECT run_id FROM a2a_tasks WHERE task_id = ?`, taskID).Scan(&runID)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("get run for task: %w", err)
	}
	return runID, nil
}

func (s *SQLite) DeleteTask(ctx context.Context, taskID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	tx, err := s.pool.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete task: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_snapshots WHERE task_id = ?`, taskID); err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM a2a_tasks WHERE task_id = ?`, taskID); err != nil {
		return fmt.Errorf("delete task mapping: %w", err)
	}
	return tx.Commit()
}

func (s *SQLite) SaveTaskSnapshot(ctx context.Context, taskID string, snapshot []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.pool.ExecContext(ctx,
		`INSERT INTO task_snapshots (task_id, snapshot, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(task_id) DO UPDATE SET snapshot = excluded.snapshot, updated_at = excluded.updated_at`,
		taskID, string(snapshot), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save snapshot for task %s: %w", taskID, err)
	}
	return nil
}

func (s *SQLite) TaskSnapshot(ctx context.Context, taskID string) ([]byte, error) {
	var snapshot string
	err := s.pool.QueryRowContext(ctx,
		`SELECT snapshot FROM task_snapshots WHERE task_id = ?`, taskID).Scan(&snapshot)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %s snapshot: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	return []byte(snapshot), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStep(row rowScanner) (*Step, error) {
	step := &Step{}
	var action sql.NullString
	var state string
	if err := row.Scan(&step.ID, &step.RunID, &step.NodeName, &action, &step.StepIndex, &state, &step.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan step: %w", err)
	}
	if action.Valid {
		step.Action = &action.String
	}
	step.SharedState = []byte(state)
	return step, nil
}

var _ Store = (*SQLite)(nil)
