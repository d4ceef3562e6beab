package history

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func record(run string, tick uint64) *Record {
	return &Record{
		Tick:      tick,
		RunID:     run,
		Timestamp: base.Add(time.Duration(tick) * time.Second),
		Effect:    "full",
		StateHash: "hash-" + run,
		Snapshot:  json.RawMessage(`{"entities":[{"components":{"Credits":{"amount":100}},"id":"0:1000:0"}]}`),
		Events: []Event{
			{Kind: EventSpawn, Group: 0, Entity: "0:1000:0", System: "spawner"},
			{Kind: EventSkipped, Group: 1, System: "flaky", Detail: "temporary failure"},
		},
		Timings: []Timing{
			{System: "spawner", Group: 0, Attempts: 1, Status: "ok", Duration: 3 * time.Millisecond},
			{System: "flaky", Group: 1, Attempts: 3, Status: "skipped", Duration: time.Millisecond},
		},
		Metadata: map[string]string{"scenario": "economy"},
	}
}

func assertSameRecord(t *testing.T, want, got *Record) {
	t.Helper()
	assert.True(t, want.Timestamp.Equal(got.Timestamp), "timestamp %v != %v", want.Timestamp, got.Timestamp)
	w, g := *want, *got
	w.Timestamp, g.Timestamp = time.Time{}, time.Time{}
	assert.Equal(t, w, g)
}

// testStore runs the behavior every backend shares.
func testStore(t *testing.T, s Store) {
	ctx := context.Background()

	for tick := uint64(1); tick <= 4; tick++ {
		require.NoError(t, s.RecordTick(ctx, record("run-a", tick)))
	}
	quiet := record("run-b", 1)
	quiet.Events = []Event{}
	quiet.Metadata = nil
	require.NoError(t, s.RecordTick(ctx, quiet))

	t.Run("get tick", func(t *testing.T) {
		got, err := s.GetTick(ctx, "run-a", 2)
		require.NoError(t, err)
		assertSameRecord(t, record("run-a", 2), got)

		got, err = s.GetTick(ctx, "run-b", 1)
		require.NoError(t, err)
		assertSameRecord(t, quiet, got)
	})

	t.Run("snapshot is byte exact", func(t *testing.T) {
		snap, err := s.GetSnapshot(ctx, "run-a", 3)
		require.NoError(t, err)
		assert.Equal(t, string(record("run-a", 3).Snapshot), string(snap))
	})

	t.Run("events in order", func(t *testing.T) {
		events, err := s.GetEvents(ctx, "run-a", 1)
		require.NoError(t, err)
		assert.Equal(t, record("run-a", 1).Events, events)

		events, err = s.GetEvents(ctx, "run-b", 1)
		require.NoError(t, err)
		assert.Empty(t, events)
	})

	t.Run("range", func(t *testing.T) {
		got, err := s.GetTickRange(ctx, "run-a", 2, 3)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, uint64(2), got[0].Tick)
		assert.Equal(t, uint64(3), got[1].Tick)
		assertSameRecord(t, record("run-a", 3), got[1])

		got, err = s.GetTickRange(ctx, "run-a", 10, 20)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("event range", func(t *testing.T) {
		got, err := s.GetEventRange(ctx, "run-a", 3, 10)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, uint64(3), got[0].Tick)
		assert.Equal(t, uint64(4), got[1].Tick)
		assert.Equal(t, record("run-a", 4).Events, got[1].Events)

		got, err = s.GetEventRange(ctx, "run-b", 0, 5)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Empty(t, got[0].Events)
	})

	t.Run("ticks span", func(t *testing.T) {
		span, err := s.Ticks(ctx, "run-a")
		require.NoError(t, err)
		assert.Equal(t, Span{First: 1, Last: 4, Count: 4}, span)

		_, err = s.Ticks(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("not found", func(t *testing.T) {
		_, err := s.GetTick(ctx, "run-a", 99)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.GetSnapshot(ctx, "missing", 1)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.GetEvents(ctx, "missing", 1)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("duplicate tick rejected", func(t *testing.T) {
		assert.Error(t, s.RecordTick(ctx, record("run-a", 1)))
	})

	t.Run("invalid record rejected", func(t *testing.T) {
		assert.Error(t, s.RecordTick(ctx, &Record{Tick: 1}))
		assert.Error(t, s.RecordTick(ctx, nil))
	})

	t.Run("runs most recent first", func(t *testing.T) {
		runs, err := s.Runs(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"run-b", "run-a"}, runs)

		latest, err := Latest(ctx, s)
		require.NoError(t, err)
		assert.Equal(t, "run-b", latest)
	})

	t.Run("clear", func(t *testing.T) {
		require.NoError(t, s.Clear(ctx, "run-b"))
		runs, err := s.Runs(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"run-a"}, runs)
		_, err = s.GetTick(ctx, "run-b", 1)
		assert.ErrorIs(t, err, ErrNotFound)

		span, err := s.Ticks(ctx, "run-a")
		require.NoError(t, err)
		assert.Equal(t, 4, span.Count)

		require.NoError(t, s.Clear(ctx, ""))
		runs, err = s.Runs(ctx)
		require.NoError(t, err)
		assert.Empty(t, runs)
		_, err = s.GetEvents(ctx, "run-a", 1)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = Latest(ctx, s)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestMemory(t *testing.T) {
	s := NewMemory(16)
	defer s.Close()
	testStore(t, s)
}

func TestMemory_EvictsOldest(t *testing.T) {
	ctx := context.Background()
	s := NewMemory(2)
	for tick := uint64(1); tick <= 3; tick++ {
		require.NoError(t, s.RecordTick(ctx, record("run", tick)))
	}
	assert.Equal(t, 2, s.Len())

	_, err := s.GetTick(ctx, "run", 1)
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := s.GetTickRange(ctx, "run", 0, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(2), got[0].Tick)
}

func TestMemory_EvictionForgetsRuns(t *testing.T) {
	ctx := context.Background()
	s := NewMemory(2)
	require.NoError(t, s.RecordTick(ctx, record("old", 1)))
	require.NoError(t, s.RecordTick(ctx, record("new", 1)))
	require.NoError(t, s.RecordTick(ctx, record("new", 2)))

	runs, err := s.Runs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, runs)
	_, err = s.Ticks(ctx, "old")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.RecordTick(ctx, record("old", 2)))
	runs, err = s.Runs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"old", "new"}, runs)
	span, err := s.Ticks(ctx, "new")
	require.NoError(t, err)
	assert.Equal(t, Span{First: 2, Last: 2, Count: 1}, span)
}

func TestMemory_ClearKeepsRingOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemory(3)
	require.NoError(t, s.RecordTick(ctx, record("a", 1)))
	require.NoError(t, s.RecordTick(ctx, record("b", 1)))
	require.NoError(t, s.RecordTick(ctx, record("a", 2)))
	require.NoError(t, s.RecordTick(ctx, record("b", 2)))

	require.NoError(t, s.Clear(ctx, "a"))
	assert.Equal(t, 2, s.Len())

	// b:1 is now the oldest record and goes first.
	require.NoError(t, s.RecordTick(ctx, record("c", 1)))
	require.NoError(t, s.RecordTick(ctx, record("c", 2)))
	_, err := s.GetTick(ctx, "b", 1)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetTick(ctx, "b", 2)
	assert.NoError(t, err)

	require.NoError(t, s.Close())
	assert.Error(t, s.Clear(ctx, ""))
}

func TestMemory_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemory(4)
	r := record("run", 1)
	require.NoError(t, s.RecordTick(ctx, r))
	r.Events[0].Kind = "mutated"

	got, err := s.GetTick(ctx, "run", 1)
	require.NoError(t, err)
	assert.Equal(t, EventSpawn, got.Events[0].Kind)

	got.Metadata["scenario"] = "changed"
	again, err := s.GetTick(ctx, "run", 1)
	require.NoError(t, err)
	assert.Equal(t, "economy", again.Metadata["scenario"])
}

func TestMemory_Closed(t *testing.T) {
	s := NewMemory(1)
	require.NoError(t, s.Close())
	assert.Error(t, s.RecordTick(context.Background(), record("run", 1)))
}

func TestSQLite(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer s.Close()
	testStore(t, s)
}

func TestSQLite_ReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "history.db")

	s, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s.RecordTick(ctx, record("run", 1)))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(path)
	require.NoError(t, err)
	defer s.Close()

	v, err := s.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, currentSchemaVersion, v)

	got, err := s.GetTick(ctx, "run", 1)
	require.NoError(t, err)
	assertSameRecord(t, record("run", 1), got)
}

func TestSQLite_FailedRecordLeavesNothing(t *testing.T) {
	ctx := context.Background()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.RecordTick(ctx, record("run", 1)))
	require.Error(t, s.RecordTick(ctx, record("run", 1)))

	events, err := s.GetEvents(ctx, "run", 1)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestPostgres(t *testing.T) {
	dsn := os.Getenv("AGENTECS_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("AGENTECS_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	s, err := OpenPostgres(ctx, dsn)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.pool.Exec(ctx, `TRUNCATE events, ticks`)
	require.NoError(t, err)
	testStore(t, s)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, Options{})
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, s)

	s, err = Open(ctx, Options{Driver: DriverSQLite, Path: filepath.Join(t.TempDir(), "h.db")})
	require.NoError(t, err)
	assert.IsType(t, &SQLite{}, s)
	require.NoError(t, s.Close())

	_, err = Open(ctx, Options{Driver: DriverSQLite})
	assert.ErrorContains(t, err, "path")
	_, err = Open(ctx, Options{Driver: DriverPostgres})
	assert.ErrorContains(t, err, "dsn")
	_, err = Open(ctx, Options{Driver: "redis"})
	assert.ErrorContains(t, err, "unknown driver")
}
