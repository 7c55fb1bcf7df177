// Package invocations persists task invocation records in SQLite so a
// workflow run's dependency graph can be rebuilt after the fact.
package invocations

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/dioptra/internal/plugin"
	"github.com/mattjoyce/dioptra/internal/task"
)

const (
	maxErrorBytes = 64 * 1024
	defaultLimit  = 50

	// Fixed-width so started_at sorts lexically.
	timeFormat = "2006-01-02T15:04:05.000000000Z07:00"
)

// ErrNotFound is returned for an invocation id that was never recorded.
var ErrNotFound = errors.New("invocation not found")

// Store implements task.Recorder on a database opened with storage.OpenSQLite.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Start inserts a running record. An empty id is replaced with a new uuid.
func (s *Store) Start(ctx context.Context, rec task.Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Ref.Name == "" {
		return fmt.Errorf("task name is empty")
	}
	if rec.Status == "" {
		rec.Status = task.StatusRunning
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now()
	}

	deps := rec.DependsOn
	if deps == nil {
		deps = []string{}
	}
	depsJSON, err := json.Marshal(deps)
	if err != nil {
		return fmt.Errorf("marshal depends_on: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO task_invocation(
  id, namespace, package, module, name, implementation, status, last_error, depends_on, started_at
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, rec.ID, rec.Ref.Path.Namespace, rec.Ref.Path.Package, rec.Ref.Path.Module, rec.Ref.Name,
		rec.Implementation, rec.Status, nullString(rec.Error), string(depsJSON), formatTime(rec.StartedAt))
	if err != nil {
		return fmt.Errorf("insert invocation: %w", err)
	}
	return nil
}

// Finish marks the invocation terminal.
func (s *Store) Finish(ctx context.Context, id string, status task.Status, errMsg string, at time.Time) error {
	if id == "" {
		return fmt.Errorf("invocation id is empty")
	}
	if status != task.StatusSucceeded && status != task.StatusFailed {
		return fmt.Errorf("invalid terminal status: %q", status)
	}
	if len(errMsg) > maxErrorBytes {
		errMsg = errMsg[:maxErrorBytes]
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE task_invocation
SET status = ?, last_error = ?, completed_at = ?
WHERE id = ?;
`, status, nullString(errMsg), formatTime(at), id)
	if err != nil {
		return fmt.Errorf("update invocation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update invocation: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

const selectColumns = `
SELECT id, namespace, package, module, name, implementation, status, last_error, depends_on, started_at, completed_at
FROM task_invocation`

// Get returns one invocation.
func (s *Store) Get(ctx context.Context, id string) (*task.Record, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?;`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get invocation: %w", err)
	}
	return rec, nil
}

// List returns the most recent invocations, newest first. A limit <= 0 uses
// the default of 50.
func (s *Store) List(ctx context.Context, limit int) ([]*task.Record, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	rows, err := s.db.QueryContext(ctx, selectColumns+` ORDER BY started_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, fmt.Errorf("list invocations: %w", err)
	}
	defer rows.Close()

	var out []*task.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan invocation: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list invocations: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (*task.Record, error) {
	var (
		rec          task.Record
		statusS      string
		lastError    sql.NullString
		depsJSON     string
		startedAtS   string
		completedAtS sql.NullString
	)
	err := sc.Scan(
		&rec.ID, &rec.Ref.Path.Namespace, &rec.Ref.Path.Package, &rec.Ref.Path.Module, &rec.Ref.Name,
		&rec.Implementation, &statusS, &lastError, &depsJSON, &startedAtS, &completedAtS,
	)
	if err != nil {
		return nil, err
	}

	rec.Status = task.Status(statusS)
	if lastError.Valid {
		rec.Error = lastError.String
	}
	if err := json.Unmarshal([]byte(depsJSON), &rec.DependsOn); err != nil {
		return nil, fmt.Errorf("decode depends_on of %s: %w", rec.ID, err)
	}
	if t, err := time.Parse(time.RFC3339Nano, startedAtS); err == nil {
		rec.StartedAt = t
	}
	if completedAtS.Valid {
		if t, err := time.Parse(time.RFC3339Nano, completedAtS.String); err == nil {
			rec.CompletedAt = t
		}
	}
	return &rec, nil
}

// Graph returns the invocations reachable from id through depends_on,
// including id itself, keyed by invocation id.
func (s *Store) Graph(ctx context.Context, id string) (map[string]*task.Record, error) {
	out := make(map[string]*task.Record)
	pending := []string{id}
	for len(pending) > 0 {
		next := pending[len(pending)-1]
		pending = pending[:len(pending)-1]
		if _, seen := out[next]; seen {
			continue
		}
		rec, err := s.Get(ctx, next)
		if err != nil {
			return nil, err
		}
		out[next] = rec
		pending = append(pending, rec.DependsOn...)
	}
	return out, nil
}

// ForTask lists invocations of one task, newest first.
func (s *Store) ForTask(ctx context.Context, path plugin.ModulePath, name string, limit int) ([]*task.Record, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	rows, err := s.db.QueryContext(ctx, selectColumns+`
WHERE namespace = ? AND package = ? AND module = ? AND name = ?
ORDER BY started_at DESC, rowid DESC LIMIT ?;`, path.Namespace, path.Package, path.Module, name, limit)
	if err != nil {
		return nil, fmt.Errorf("list invocations of %s.%s: %w", path, name, err)
	}
	defer rows.Close()

	var out []*task.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan invocation: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
