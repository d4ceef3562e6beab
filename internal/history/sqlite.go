package history

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema
// 1 - Index on ticks.recorded_at
const currentSchemaVersion = 1

// SQLite stores history in a SQLite database in WAL mode.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite creates or opens the database at path, applying pragmas and
// migrations. It is safe to call on an existing database.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to history database: %w", err)
	}

	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}

	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version < 1 {
		if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_ticks_recorded_at ON ticks(recorded_at)`); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// SchemaVersion returns the applied schema version.
func (s *SQLite) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("get user_version: %w", err)
	}
	return v, nil
}

// RecordTick implements Store. The tick row and its events are written in one
// transaction.
func (s *SQLite) RecordTick(ctx context.Context, r *Record) error {
	if err := validate(r); err != nil {
		return err
	}
	timings, metadata, err := encodeColumns(r)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ticks (run_id, tick, recorded_at, effect, state_hash, snapshot, timings, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, int64(r.Tick), r.Timestamp.UTC().Format(time.RFC3339Nano), r.Effect,
		r.StateHash, []byte(r.Snapshot), timings, metadata)
	if err != nil {
		return fmt.Errorf("insert tick %d: %w", r.Tick, err)
	}
	for seq, ev := range r.Events {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO events (run_id, tick, seq, kind, grp, entity, system, detail)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			r.RunID, int64(r.Tick), seq, ev.Kind, ev.Group, ev.Entity, ev.System, ev.Detail)
		if err != nil {
			return fmt.Errorf("insert event %d of tick %d: %w", seq, r.Tick, err)
		}
	}
	return tx.Commit()
}

const selectTick = `
	SELECT tick, run_id, recorded_at, effect, state_hash, snapshot, timings, metadata
	FROM ticks`

func scanTick(row interface{ Scan(...any) error }) (*Record, error) {
	var (
		r        Record
		tick     int64
		at       string
		snapshot []byte
		timings  string
		metadata string
	)
	if err := row.Scan(&tick, &r.RunID, &at, &r.Effect, &r.StateHash, &snapshot, &timings, &metadata); err != nil {
		return nil, err
	}
	ts, err := time.Parse(time.RFC3339Nano, at)
	if err != nil {
		return nil, fmt.Errorf("parse recorded_at: %w", err)
	}
	r.Tick = uint64(tick)
	r.Timestamp = ts
	r.Snapshot = snapshot
	if err := decodeColumns(&r, []byte(timings), []byte(metadata)); err != nil {
		return nil, err
	}
	return &r, nil
}

// GetTick implements Store.
func (s *SQLite) GetTick(ctx context.Context, runID string, tick uint64) (*Record, error) {
	row := s.db.QueryRowContext(ctx, selectTick+` WHERE run_id = ? AND tick = ?`, runID, int64(tick))
	r, err := scanTick(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("tick %d of run %s: %w", tick, runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get tick %d: %w", tick, err)
	}
	if r.Events, err = s.GetEvents(ctx, runID, tick); err != nil {
		return nil, err
	}
	return r, nil
}

// GetSnapshot implements Store.
func (s *SQLite) GetSnapshot(ctx context.Context, runID string, tick uint64) ([]byte, error) {
	var snapshot []byte
	err := s.db.QueryRowContext(ctx, `SELECT snapshot FROM ticks WHERE run_id = ? AND tick = ?`,
		runID, int64(tick)).Scan(&snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("tick %d of run %s: %w", tick, runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot %d: %w", tick, err)
	}
	return snapshot, nil
}

// GetEvents implements Store. A recorded tick without events yields an empty
// slice; an unknown tick yields ErrNotFound.
func (s *SQLite) GetEvents(ctx context.Context, runID string, tick uint64) ([]Event, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM ticks WHERE run_id = ? AND tick = ?`,
		runID, int64(tick)).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("tick %d of run %s: %w", tick, runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get events %d: %w", tick, err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, grp, entity, system, detail FROM events
		WHERE run_id = ? AND tick = ? ORDER BY seq`, runID, int64(tick))
	if err != nil {
		return nil, fmt.Errorf("get events %d: %w", tick, err)
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.Kind, &ev.Group, &ev.Entity, &ev.System, &ev.Detail); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// GetTickRange implements Store.
func (s *SQLite) GetTickRange(ctx context.Context, runID string, from, to uint64) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, selectTick+`
		WHERE run_id = ? AND tick BETWEEN ? AND ? ORDER BY tick`, runID, int64(from), int64(to))
	if err != nil {
		return nil, fmt.Errorf("get tick range: %w", err)
	}
	var out []*Record
	for rows.Next() {
		r, err := scanTick(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan tick: %w", err)
		}
		out = append(out, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Events are fetched after the cursor is closed: the pool holds one connection.
	for _, r := range out {
		if r.Events, err = s.GetEvents(ctx, runID, r.Tick); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// GetEventRange implements Store.
func (s *SQLite) GetEventRange(ctx context.Context, runID string, from, to uint64) ([]TickEvents, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.tick, e.kind, e.grp, e.entity, e.system, e.detail
		FROM ticks t LEFT JOIN events e ON e.run_id = t.run_id AND e.tick = t.tick
		WHERE t.run_id = ? AND t.tick BETWEEN ? AND ?
		ORDER BY t.tick, e.seq`, runID, int64(from), int64(to))
	if err != nil {
		return nil, fmt.Errorf("get event range: %w", err)
	}
	defer rows.Close()

	var out []TickEvents
	for rows.Next() {
		var (
			tick                         int64
			kind, entity, system, detail sql.NullString
			grp                          sql.NullInt64
		)
		if err := rows.Scan(&tick, &kind, &grp, &entity, &system, &detail); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if n := len(out); n == 0 || out[n-1].Tick != uint64(tick) {
			out = append(out, TickEvents{Tick: uint64(tick), Events: []Event{}})
		}
		if kind.Valid {
			last := &out[len(out)-1]
			last.Events = append(last.Events, Event{
				Kind: kind.String, Group: int(grp.Int64), Entity: entity.String, System: system.String, Detail: detail.String,
			})
		}
	}
	return out, rows.Err()
}

// Ticks implements Store.
func (s *SQLite) Ticks(ctx context.Context, runID string) (Span, error) {
	var (
		first, last sql.NullInt64
		count       int
	)
	err := s.db.QueryRowContext(ctx, `SELECT MIN(tick), MAX(tick), COUNT(*) FROM ticks WHERE run_id = ?`,
		runID).Scan(&first, &last, &count)
	if err != nil {
		return Span{}, fmt.Errorf("count ticks: %w", err)
	}
	if count == 0 {
		return Span{}, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return Span{First: uint64(first.Int64), Last: uint64(last.Int64), Count: count}, nil
}

// Clear implements Store.
func (s *SQLite) Clear(ctx context.Context, runID string) error {
	where, args := "", []any{}
	if runID != "" {
		where, args = " WHERE run_id = ?", []any{runID}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM events`+where, args...); err != nil {
		return fmt.Errorf("clear events: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM ticks`+where, args...); err != nil {
		return fmt.Errorf("clear ticks: %w", err)
	}
	return tx.Commit()
}

// Runs implements Store.
func (s *SQLite) Runs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id FROM ticks GROUP BY run_id ORDER BY MAX(rowid) DESC`)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	var runs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		runs = append(runs, id)
	}
	return runs, rows.Err()
}

// Close implements Store.
func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func encodeColumns(r *Record) (timings, metadata string, err error) {
	t, err := json.Marshal(orEmpty(r.Timings))
	if err != nil {
		return "", "", fmt.Errorf("encode timings: %w", err)
	}
	m := r.Metadata
	if m == nil {
		m = map[string]string{}
	}
	md, err := json.Marshal(m)
	if err != nil {
		return "", "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(t), string(md), nil
}

func decodeColumns(r *Record, timings, metadata []byte) error {
	if err := json.Unmarshal(timings, &r.Timings); err != nil {
		return fmt.Errorf("decode timings: %w", err)
	}
	if err := json.Unmarshal(metadata, &r.Metadata); err != nil {
		return fmt.Errorf("decode metadata: %w", err)
	}
	if len(r.Metadata) == 0 {
		r.Metadata = nil
	}
	return nil
}

func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
