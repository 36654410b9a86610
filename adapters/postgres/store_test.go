package postgres

import (
	"fmt"
	"log/slog"
	"testing"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/stretchr/testify/require"

	"github.com/UbiquitousAS/WorkshopEventSourcing/core/es"
)

func newTestStore(t *testing.T) *StreamStore {
	store, err := NewStreamStore(StreamStoreConfig{
		DSN: NewTestContainer(t),
		Log: slog.Default(),
	})
	require.NoError(t, err)
	require.NotNil(t, store)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestRecords(expected es.Version, n int) []es.Record {
	recs := make([]es.Record, 0, n)
	for i := range n {
		recs = append(recs, es.Record{
			ID:          gonanoid.Must(),
			Type:        "testEvent",
			ContentType: "application/json",
			Version:     expected + es.Version(i) + 1,
			OccurredAt:  time.Now(),
			Data:        fmt.Appendf(nil, `{"n":%d}`, i),
		})
	}
	return recs
}

func TestPostgres_UniqueConstraint(t *testing.T) {
	store := newTestStore(t)
	stream := "unique-" + gonanoid.Must()

	_, err := store.AppendConditional(t.Context(), stream, es.NoStream, newTestRecords(es.NoStream, 1))
	require.NoError(t, err)

	// a second row at the same (stream, version) must be rejected
	rec := newTestRecords(es.NoStream, 1)[0]
	_, err = store.db.ExecContext(t.Context(), `
		INSERT INTO events (id, stream, version, event_type, content_type, data, metadata, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.ID, stream, rec.Version.Int64(), rec.Type, rec.ContentType,
		rec.Data, rec.Metadata, rec.OccurredAt,
	)
	require.Error(t, err)
	require.True(t, isUniqueViolation(err))

	v, err := store.lastVersionOf(t.Context(), store.db, stream)
	require.NoError(t, err)
	require.Equal(t, es.Version(0), v)
}

func TestPostgres_LosingBatchRollsBackWhole(t *testing.T) {
	store := newTestStore(t)
	stream := "rollback-" + gonanoid.Must()

	_, err := store.AppendConditional(t.Context(), stream, es.NoStream, newTestRecords(es.NoStream, 2))
	require.NoError(t, err)

	// stale expectation: the version check fires before anything is written
	_, err = store.AppendConditional(t.Context(), stream, 0, newTestRecords(0, 3))
	require.ErrorIs(t, err, es.ErrConcurrencyConflict)

	var rows int
	err = store.db.QueryRowContext(t.Context(),
		"SELECT COUNT(*) FROM events WHERE stream = $1", stream,
	).Scan(&rows)
	require.NoError(t, err)
	require.Equal(t, 2, rows, "no rows of the losing batch may land")
}

func TestPostgres_Positions(t *testing.T) {
	store := newTestStore(t)

	streamA := "pos-a-" + gonanoid.Must()
	streamB := "pos-b-" + gonanoid.Must()

	resA, err := store.AppendConditional(t.Context(), streamA, es.NoStream, newTestRecords(es.NoStream, 3))
	require.NoError(t, err)
	resB, err := store.AppendConditional(t.Context(), streamB, es.NoStream, newTestRecords(es.NoStream, 2))
	require.NoError(t, err)

	require.NotZero(t, resA.Position.Commit)
	require.Greater(t, resB.Position.Commit, resA.Position.Commit, "positions are store-wide and increasing")
}

func TestPostgres_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	stream := "binary-" + gonanoid.Must()

	rec := es.Record{
		ID:          gonanoid.Must(),
		Type:        "blobStored",
		ContentType: "application/octet-stream",
		Version:     0,
		OccurredAt:  time.Now().UTC(),
		Data:        []byte{0x00, 0xff, 0x10, 0x01},
		Metadata:    []byte(`{"origin":"test"}`),
	}
	_, err := store.AppendConditional(t.Context(), stream, es.NoStream, []es.Record{rec})
	require.NoError(t, err)

	slice, err := store.ReadForward(t.Context(), stream, es.StreamStart, 10)
	require.NoError(t, err)
	require.Len(t, slice.Records, 1)

	got := slice.Records[0]
	require.Equal(t, rec.ID, got.ID)
	require.Equal(t, rec.Type, got.Type)
	require.Equal(t, rec.ContentType, got.ContentType)
	require.Equal(t, rec.Data, got.Data, "payload bytes survive the trip")
	require.Equal(t, rec.Metadata, got.Metadata)
	// timestamptz carries microsecond precision
	require.WithinDuration(t, rec.OccurredAt, got.OccurredAt, time.Millisecond)
}

func TestPostgres_ReusedDB(t *testing.T) {
	dsn := NewTestContainer(t)

	first, err := NewStreamStore(StreamStoreConfig{DSN: dsn})
	require.NoError(t, err)

	second, err := NewStreamStore(StreamStoreConfig{DB: first.db})
	require.NoError(t, err)

	// closing a store with a borrowed pool must not kill the connection
	require.NoError(t, second.Close())
	_, err = first.AppendConditional(t.Context(), "alive-"+gonanoid.Must(), es.NoStream, newTestRecords(es.NoStream, 1))
	require.NoError(t, err)

	require.NoError(t, first.Close())
}
