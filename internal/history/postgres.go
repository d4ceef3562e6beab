package history

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Postgres stores history in PostgreSQL through a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to dsn and applies pending migrations.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to history database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping history database: %w", err)
	}
	if err := runMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Postgres{pool: pool}, nil
}

func runMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	goose.SetLogger(goose.NopLogger())
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// RecordTick implements Store.
func (p *Postgres) RecordTick(ctx context.Context, r *Record) error {
	if err := validate(r); err != nil {
		return err
	}
	timings, metadata, err := encodeColumns(r)
	if err != nil {
		return err
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO ticks (run_id, tick, recorded_at, effect, state_hash, snapshot, timings, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.RunID, int64(r.Tick), r.Timestamp.UTC(), r.Effect, r.StateHash, []byte(r.Snapshot), timings, metadata)
	if err != nil {
		return fmt.Errorf("insert tick %d: %w", r.Tick, err)
	}

	batch := &pgx.Batch{}
	for seq, ev := range r.Events {
		batch.Queue(`
			INSERT INTO events (run_id, tick, seq, kind, grp, entity, system, detail)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			r.RunID, int64(r.Tick), seq, ev.Kind, ev.Group, ev.Entity, ev.System, ev.Detail)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert events of tick %d: %w", r.Tick, err)
		}
	}
	return tx.Commit(ctx)
}

const pgSelectTick = `
	SELECT tick, run_id, recorded_at, effect, state_hash, snapshot, timings::text, metadata::text
	FROM ticks`

func pgScanTick(row pgx.Row) (*Record, error) {
	var (
		r        Record
		tick     int64
		snapshot []byte
		timings  string
		metadata string
	)
	if err := row.Scan(&tick, &r.RunID, &r.Timestamp, &r.Effect, &r.StateHash, &snapshot, &timings, &metadata); err != nil {
		return nil, err
	}
	r.Tick = uint64(tick)
	r.Timestamp = r.Timestamp.UTC()
	r.Snapshot = snapshot
	if err := decodeColumns(&r, []byte(timings), []byte(metadata)); err != nil {
		return nil, err
	}
	return &r, nil
}

// GetTick implements Store.
func (p *Postgres) GetTick(ctx context.Context, runID string, tick uint64) (*Record, error) {
	r, err := pgScanTick(p.pool.QueryRow(ctx, pgSelectTick+` WHERE run_id = $1 AND tick = $2`, runID, int64(tick)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("tick %d of run %s: %w", tick, runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get tick %d: %w", tick, err)
	}
	if r.Events, err = p.GetEvents(ctx, runID, tick); err != nil {
		return nil, err
	}
	return r, nil
}

// GetSnapshot implements Store.
func (p *Postgres) GetSnapshot(ctx context.Context, runID string, tick uint64) ([]byte, error) {
	var snapshot []byte
	err := p.pool.QueryRow(ctx, `SELECT snapshot FROM ticks WHERE run_id = $1 AND tick = $2`,
		runID, int64(tick)).Scan(&snapshot)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("tick %d of run %s: %w", tick, runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot %d: %w", tick, err)
	}
	return snapshot, nil
}

// GetEvents implements Store.
func (p *Postgres) GetEvents(ctx context.Context, runID string, tick uint64) ([]Event, error) {
	var exists bool
	err := p.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM ticks WHERE run_id = $1 AND tick = $2)`,
		runID, int64(tick)).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("get events %d: %w", tick, err)
	}
	if !exists {
		return nil, fmt.Errorf("tick %d of run %s: %w", tick, runID, ErrNotFound)
	}

	rows, err := p.pool.Query(ctx, `
		SELECT kind, grp, entity, system, detail FROM events
		WHERE run_id = $1 AND tick = $2 ORDER BY seq`, runID, int64(tick))
	if err != nil {
		return nil, fmt.Errorf("get events %d: %w", tick, err)
	}
	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Event, error) {
		var ev Event
		err := row.Scan(&ev.Kind, &ev.Group, &ev.Entity, &ev.System, &ev.Detail)
		return ev, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan events: %w", err)
	}
	return orEmpty(events), nil
}

// GetTickRange implements Store.
func (p *Postgres) GetTickRange(ctx context.Context, runID string, from, to uint64) ([]*Record, error) {
	rows, err := p.pool.Query(ctx, pgSelectTick+`
		WHERE run_id = $1 AND tick BETWEEN $2 AND $3 ORDER BY tick`, runID, int64(from), int64(to))
	if err != nil {
		return nil, fmt.Errorf("get tick range: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Record, error) {
		return pgScanTick(row)
	})
	if err != nil {
		return nil, fmt.Errorf("scan tick: %w", err)
	}
	for _, r := range out {
		if r.Events, err = p.GetEvents(ctx, runID, r.Tick); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// GetEventRange implements Store.
func (p *Postgres) GetEventRange(ctx context.Context, runID string, from, to uint64) ([]TickEvents, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT t.tick, e.kind, e.grp, e.entity, e.system, e.detail
		FROM ticks t LEFT JOIN events e ON e.run_id = t.run_id AND e.tick = t.tick
		WHERE t.run_id = $1 AND t.tick BETWEEN $2 AND $3
		ORDER BY t.tick, e.seq`, runID, int64(from), int64(to))
	if err != nil {
		return nil, fmt.Errorf("get event range: %w", err)
	}
	defer rows.Close()

	var out []TickEvents
	for rows.Next() {
		var (
			tick                         int64
			kind, entity, system, detail *string
			grp                          *int32
		)
		if err := rows.Scan(&tick, &kind, &grp, &entity, &system, &detail); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if n := len(out); n == 0 || out[n-1].Tick != uint64(tick) {
			out = append(out, TickEvents{Tick: uint64(tick), Events: []Event{}})
		}
		if kind != nil {
			last := &out[len(out)-1]
			last.Events = append(last.Events, Event{
				Kind: *kind, Group: int(*grp), Entity: *entity, System: *system, Detail: *detail,
			})
		}
	}
	return out, rows.Err()
}

// Ticks implements Store.
func (p *Postgres) Ticks(ctx context.Context, runID string) (Span, error) {
	var (
		first, last *int64
		count       int64
	)
	err := p.pool.QueryRow(ctx, `SELECT MIN(tick), MAX(tick), COUNT(*) FROM ticks WHERE run_id = $1`,
		runID).Scan(&first, &last, &count)
	if err != nil {
		return Span{}, fmt.Errorf("count ticks: %w", err)
	}
	if count == 0 {
		return Span{}, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return Span{First: uint64(*first), Last: uint64(*last), Count: int(count)}, nil
}

// Clear implements Store. Events go with their ticks through the foreign key.
func (p *Postgres) Clear(ctx context.Context, runID string) error {
	var err error
	if runID == "" {
		_, err = p.pool.Exec(ctx, `DELETE FROM ticks`)
	} else {
		_, err = p.pool.Exec(ctx, `DELETE FROM ticks WHERE run_id = $1`, runID)
	}
	if err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	return nil
}

// Runs implements Store.
func (p *Postgres) Runs(ctx context.Context) ([]string, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT run_id FROM ticks GROUP BY run_id ORDER BY MAX(recorded_at) DESC, run_id`)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	runs, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// Close implements Store.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
