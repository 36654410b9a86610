package mongo

import (
	"fmt"
	"log/slog"
	"testing"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/UbiquitousAS/WorkshopEventSourcing/core/es"
)

func newTestStore(t *testing.T) *StreamStore {
	store, err := NewStreamStore(StreamStoreConfig{
		URI:      NewTestContainer(t),
		Log:      slog.Default(),
		Database: "workshop_es_test",
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

func TestMongo_DetectsStandalone(t *testing.T) {
	store := newTestStore(t)
	require.False(t, store.txns, "standalone servers get the plain ordered insert")

	_, err := store.AppendConditional(t.Context(), "plain-"+gonanoid.Must(), es.NoStream, newTestRecords(es.NoStream, 2))
	require.NoError(t, err)
}

func TestMongo_TransactionalBatch(t *testing.T) {
	store, err := NewStreamStore(StreamStoreConfig{
		URI:      NewTestReplicaSetContainer(t),
		Log:      slog.Default(),
		Database: "workshop_es_test",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.True(t, store.txns, "replica sets support transactions")

	t.Run("append and read", func(t *testing.T) {
		stream := "txn-" + gonanoid.Must()
		_, err := store.AppendConditional(t.Context(), stream, es.NoStream, newTestRecords(es.NoStream, 3))
		require.NoError(t, err)

		slice, err := store.ReadForward(t.Context(), stream, es.StreamStart, 10)
		require.NoError(t, err)
		require.Len(t, slice.Records, 3)
	})

	t.Run("failed batch leaves no prefix", func(t *testing.T) {
		other := "txn-" + gonanoid.Must()
		planted := newTestRecords(es.NoStream, 1)
		_, err := store.AppendConditional(t.Context(), other, es.NoStream, planted)
		require.NoError(t, err)

		// an id collision on the second record fails the insert mid-batch
		stream := "txn-" + gonanoid.Must()
		batch := newTestRecords(es.NoStream, 3)
		batch[1].ID = planted[0].ID

		_, err = store.AppendConditional(t.Context(), stream, es.NoStream, batch)
		require.Error(t, err)

		_, err = store.ReadForward(t.Context(), stream, es.StreamStart, 10)
		require.ErrorIs(t, err, es.ErrStreamNotFound, "no record of the failed batch may land")
	})
}

func TestMongo_UniqueIndex(t *testing.T) {
	store := newTestStore(t)
	stream := "unique-" + gonanoid.Must()

	_, err := store.AppendConditional(t.Context(), stream, es.NoStream, newTestRecords(es.NoStream, 1))
	require.NoError(t, err)

	// a second document at the same (stream, version) must be rejected
	dup := newEventDocument(stream, newTestRecords(es.NoStream, 1)[0], 99)
	_, err = store.events.InsertOne(t.Context(), dup)
	require.Error(t, err)
	require.True(t, mongo.IsDuplicateKeyError(err))

	tail, err := store.tailOf(t.Context(), stream)
	require.NoError(t, err)
	require.EqualValues(t, 0, tail.Version)
}

func TestMongo_Positions(t *testing.T) {
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

func TestMongo_RoundTrip(t *testing.T) {
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
	// BSON datetimes carry millisecond precision
	require.WithinDuration(t, rec.OccurredAt, got.OccurredAt, time.Millisecond)
}

func TestMongo_ReusedClient(t *testing.T) {
	uri := NewTestContainer(t)

	first, err := NewStreamStore(StreamStoreConfig{URI: uri, Database: "workshop_es_test"})
	require.NoError(t, err)

	second, err := NewStreamStore(StreamStoreConfig{Client: first.client, Database: "workshop_es_test"})
	require.NoError(t, err)

	// closing a store with a borrowed client must not kill the connection
	require.NoError(t, second.Close())
	_, err = first.AppendConditional(t.Context(), "alive-"+gonanoid.Must(), es.NoStream, newTestRecords(es.NoStream, 1))
	require.NoError(t, err)

	require.NoError(t, first.Close())
}
