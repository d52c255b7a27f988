package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/onboard/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Processes ---

func (s *LibSQLStore) CreateProcess(ctx context.Context, rec *ProcessRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO processes (id, flow, status, context, last_error, created_at, updated_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Flow, string(rec.Status), rawOrEmptyObject(rec.Context), nullStr(rec.LastError),
		timeOrNow(rec.CreatedAt), timeOrNow(rec.UpdatedAt), nullTime(rec.CompletedAt),
	)
	return err
}

func (s *LibSQLStore) GetProcess(ctx context.Context, id string) (*ProcessRecord, error) {
	rec := &ProcessRecord{}
	var (
		status      string
		contextJSON string
		lastError   sql.NullString
		completedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, flow, status, context, last_error, created_at, updated_at, completed_at
		 FROM processes WHERE id = ?`, id,
	).Scan(&rec.ID, &rec.Flow, &status, &contextJSON, &lastError, &rec.CreatedAt, &rec.UpdatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("process", id)
	}
	if err != nil {
		return nil, err
	}
	rec.Status = schema.ProcessStatus(status)
	rec.Context = []byte(contextJSON)
	if lastError.Valid {
		rec.LastError = lastError.String
	}
	if completedAt.Valid {
		t := completedAt.Time
		rec.CompletedAt = &t
	}
	return rec, nil
}

func (s *LibSQLStore) UpdateProcess(ctx context.Context, id string, update ProcessUpdate) error {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC()}

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Context != nil {
		sets = append(sets, "context = ?")
		args = append(args, string(update.Context))
	}
	if update.LastError != nil {
		sets = append(sets, "last_error = ?")
		args = append(args, nullStr(*update.LastError))
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		`UPDATE processes SET `+joinSets(sets)+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "process", id)
}

func (s *LibSQLStore) ListProcesses(ctx context.Context, filter ProcessFilter) ([]*ProcessRecord, error) {
	query := `SELECT id, flow, status, context, last_error, created_at, updated_at, completed_at FROM processes`
	var args []any
	if filter.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ProcessRecord
	for rows.Next() {
		rec := &ProcessRecord{}
		var (
			status      string
			contextJSON string
			lastError   sql.NullString
			completedAt sql.NullTime
		)
		if err := rows.Scan(&rec.ID, &rec.Flow, &status, &contextJSON, &lastError,
			&rec.CreatedAt, &rec.UpdatedAt, &completedAt); err != nil {
			return nil, err
		}
		rec.Status = schema.ProcessStatus(status)
		rec.Context = []byte(contextJSON)
		if lastError.Valid {
			rec.LastError = lastError.String
		}
		if completedAt.Valid {
			t := completedAt.Time
			rec.CompletedAt = &t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) DeleteProcess(ctx context.Context, id string) error {
	// Events are not FK-bound; remove them in the same transaction.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM process_events WHERE process_id = ?`, id); err != nil {
		_ = tx.Rollback()
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM processes WHERE id = ?`, id)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := checkRowsAffected(res, "process", id); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// ListExpired returns the ids of processes that completed (or failed) before
// the cutoff, oldest first. Running processes are never eligible.
func (s *LibSQLStore) ListExpired(ctx context.Context, completedBefore time.Time, limit int) ([]string, error) {
	query := `SELECT id FROM processes
		 WHERE completed_at IS NOT NULL AND completed_at < ?
		 ORDER BY completed_at ASC`
	args := []any{completedBefore}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- Step States ---

func (s *LibSQLStore) UpsertStepState(ctx context.Context, state *StepState) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO step_states (process_id, step, outcome, fallback, error, step_values, started_at, completed_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(process_id, step) DO UPDATE SET
		   outcome=excluded.outcome, fallback=excluded.fallback, error=excluded.error,
		   step_values=excluded.step_values, started_at=excluded.started_at,
		   completed_at=excluded.completed_at, duration_ms=excluded.duration_ms`,
		state.ProcessID, state.Step, string(state.Outcome), boolInt(state.Fallback),
		nullStr(state.Error), nullRaw(state.Values),
		nullTime(state.StartedAt), nullTime(state.CompletedAt), state.DurationMs,
	)
	return err
}

func (s *LibSQLStore) ListStepStates(ctx context.Context, processID string) ([]*StepState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT process_id, step, outcome, fallback, error, step_values, started_at, completed_at, duration_ms
		 FROM step_states WHERE process_id = ? ORDER BY started_at ASC`, processID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*StepState
	for rows.Next() {
		st := &StepState{}
		var (
			outcome     string
			fallback    int
			errMsg      sql.NullString
			valuesJSON  sql.NullString
			startedAt   sql.NullTime
			completedAt sql.NullTime
		)
		if err := rows.Scan(&st.ProcessID, &st.Step, &outcome, &fallback, &errMsg,
			&valuesJSON, &startedAt, &completedAt, &st.DurationMs); err != nil {
			return nil, err
		}
		st.Outcome = schema.StepOutcome(outcome)
		st.Fallback = fallback != 0
		if errMsg.Valid {
			st.Error = errMsg.String
		}
		st.Values = rawOrNil(valuesJSON)
		if startedAt.Valid {
			t := startedAt.Time
			st.StartedAt = &t
		}
		if completedAt.Valid {
			t := completedAt.Time
			st.CompletedAt = &t
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// --- Events ---

func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO process_events (process_id, type, payload, created_at) VALUES (?, ?, ?, ?)`,
		event.ProcessID, event.Type, nullRaw(event.Payload), timeOrNow(event.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetEvents(ctx context.Context, processID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, process_id, type, payload, created_at
		 FROM process_events WHERE process_id = ? AND seq > ? ORDER BY seq ASC`, processID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		ev := &Event{}
		var payload sql.NullString
		if err := rows.Scan(&ev.Seq, &ev.ProcessID, &ev.Type, &payload, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.Payload = rawOrNil(payload)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.OnboardError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r []byte) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) []byte {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return []byte(ns.String)
}

func rawOrEmptyObject(r []byte) string {
	if len(r) == 0 {
		return "{}"
	}
	return string(r)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func joinSets(sets []string) string {
	out := sets[0]
	for _, s := range sets[1:] {
		out += ", " + s
	}
	return out
}
