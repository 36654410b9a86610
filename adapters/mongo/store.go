package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/UbiquitousAS/WorkshopEventSourcing/core/es"
)

const (
	defaultDatabase   = "workshop_es"
	defaultCollection = "events"

	positionCounterID = "position"
)

type StreamStoreConfig struct {
	Client     *mongo.Client // Client to reuse. If nil, URI is dialed and owned by the store.
	URI        string        // URI is used when Client is nil (default mongodb://localhost:27017)
	Log        *slog.Logger  // Log for diagnostics (optional)
	Database   string        // Database holding the event collections (default workshop_es)
	Collection string        // Collection holding the records (default events)
}

// StreamStore persists event streams as one document per record. A unique
// index on (stream, version) backs the conditional append: rival writers
// that pass the version check still collide on the first document they
// insert, and the duplicate key error turns into a conflict.
//
// On deployments with multi-document transactions (replica sets, mongos)
// the batch insert runs in one transaction, so a fault mid-batch never
// leaves part of the batch behind. Standalone servers have no
// transactions; there the ordered insert can leave a committed prefix
// when the connection drops mid-call, though racing writers still never
// interleave.
type StreamStore struct {
	client    *mongo.Client
	ownClient bool
	log       *slog.Logger
	events    *mongo.Collection
	counters  *mongo.Collection
	txns      bool
}

func NewStreamStore(cfg StreamStoreConfig) (*StreamStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client := cfg.Client
	ownClient := false
	if client == nil {
		uri := cfg.URI
		if uri == "" {
			uri = "mongodb://localhost:27017"
		}
		var err error
		client, err = mongo.Connect(options.Client().ApplyURI(uri))
		if err != nil {
			return nil, fmt.Errorf("failed to connect: %w", err)
		}
		ownClient = true
		if err := client.Ping(ctx, nil); err != nil {
			_ = client.Disconnect(ctx)
			return nil, fmt.Errorf("failed to ping: %w", err)
		}
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	databaseName := cfg.Database
	if databaseName == "" {
		databaseName = defaultDatabase
	}
	collectionName := cfg.Collection
	if collectionName == "" {
		collectionName = defaultCollection
	}

	log = log.With(
		slog.String("store", "mongo"),
		slog.String("database", databaseName),
		slog.String("collection", collectionName),
	)

	database := client.Database(databaseName)
	s := &StreamStore{
		client:    client,
		ownClient: ownClient,
		log:       log,
		events:    database.Collection(collectionName),
		counters:  database.Collection(collectionName + "_counters"),
	}

	log.Debug("ensuring indexes")
	if err := s.ensureIndexes(ctx); err != nil {
		if ownClient {
			_ = client.Disconnect(ctx)
		}
		return nil, err
	}

	s.txns = detectTransactionSupport(ctx, client)
	log.Debug("stream store ready", slog.Bool("transactions", s.txns))

	return s, nil
}

// detectTransactionSupport reports whether the deployment can run
// multi-document transactions. Replica set members and mongos can,
// standalone servers cannot.
func detectTransactionSupport(ctx context.Context, client *mongo.Client) bool {
	var hello struct {
		SetName string `bson:"setName"`
		Msg     string `bson:"msg"`
	}
	res := client.Database("admin").RunCommand(ctx, bson.D{{Key: "hello", Value: 1}})
	if err := res.Decode(&hello); err != nil {
		return false
	}
	return hello.SetName != "" || hello.Msg == "isdbgrid"
}

func (s *StreamStore) ensureIndexes(ctx context.Context) error {
	_, err := s.events.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "stream", Value: 1}, {Key: "version", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("idx_events_stream_version_unique"),
	})
	if err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}
	return nil
}

// Close disconnects the client when the store dialed it itself.
func (s *StreamStore) Close() error {
	if !s.ownClient {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := s.client.Disconnect(ctx)
	s.log.Debug("closed stream store")
	return err
}

func (s *StreamStore) ReadForward(ctx context.Context, stream string, start es.Version, count int) (es.Slice, error) {
	if err := ctx.Err(); err != nil {
		return es.Slice{}, err
	}
	if start < es.StreamStart {
		return es.Slice{}, fmt.Errorf("%w: start version %d is negative", es.ErrInvalidArgument, start)
	}
	if count <= 0 {
		return es.Slice{}, fmt.Errorf("%w: count %d is not positive", es.ErrInvalidArgument, count)
	}

	tail, err := s.tailOf(ctx, stream)
	if err != nil {
		return es.Slice{}, err
	}

	last := es.Version(tail.Version)
	if start > last {
		return es.Slice{
			NextVersion:   last + 1,
			LastVersion:   last,
			IsEndOfStream: true,
		}, nil
	}

	to := min(start+es.Version(count)-1, last)

	filter := bson.M{
		"stream":  stream,
		"version": bson.M{"$gte": start.Int64(), "$lte": to.Int64()},
	}
	cursor, err := s.events.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "version", Value: 1}}))
	if err != nil {
		return es.Slice{}, fmt.Errorf("failed to find events on stream %s: %w", stream, err)
	}
	page, err := decodeCursor(ctx, cursor)
	if err != nil {
		return es.Slice{}, fmt.Errorf("failed to decode events on stream %s: %w", stream, err)
	}

	return es.Slice{
		Records:       page,
		NextVersion:   to + 1,
		LastVersion:   last,
		IsEndOfStream: to >= last,
	}, nil
}

func (s *StreamStore) ReadBackward(ctx context.Context, stream string, start es.Version, count int) (es.Slice, error) {
	if err := ctx.Err(); err != nil {
		return es.Slice{}, err
	}
	if count <= 0 {
		return es.Slice{}, fmt.Errorf("%w: count %d is not positive", es.ErrInvalidArgument, count)
	}

	tail, err := s.tailOf(ctx, stream)
	if err != nil {
		return es.Slice{}, err
	}

	last := es.Version(tail.Version)
	from := last
	if start != es.StreamEnd {
		from = min(start, last)
	}
	if from < 0 {
		return es.Slice{
			NextVersion:   from,
			LastVersion:   last,
			IsEndOfStream: true,
		}, nil
	}

	var page []es.Record
	if from == last && count == 1 {
		page = []es.Record{tail.record()}
	} else {
		filter := bson.M{
			"stream":  stream,
			"version": bson.M{"$lte": from.Int64()},
		}
		cursor, err := s.events.Find(ctx, filter,
			options.Find().SetSort(bson.D{{Key: "version", Value: -1}}).SetLimit(int64(count)),
		)
		if err != nil {
			return es.Slice{}, fmt.Errorf("failed to find events on stream %s: %w", stream, err)
		}
		page, err = decodeCursor(ctx, cursor)
		if err != nil {
			return es.Slice{}, fmt.Errorf("failed to decode events on stream %s: %w", stream, err)
		}
	}

	return es.Slice{
		Records:       page,
		NextVersion:   from - es.Version(len(page)),
		LastVersion:   last,
		IsEndOfStream: from-es.Version(len(page)) < 0,
	}, nil
}

func (s *StreamStore) AppendConditional(ctx context.Context, stream string, expected es.Version, records []es.Record) (es.AppendResult, error) {
	if err := ctx.Err(); err != nil {
		return es.AppendResult{}, err
	}
	if err := es.ValidateBatch(expected, records); err != nil {
		return es.AppendResult{}, err
	}

	curVersion := es.NoStream
	tail, err := s.tailOf(ctx, stream)
	switch {
	case err == nil:
		curVersion = es.Version(tail.Version)
	case errors.Is(err, es.ErrStreamNotFound):
	default:
		return es.AppendResult{}, err
	}

	if curVersion != expected {
		return es.AppendResult{}, fmt.Errorf(
			"%w: expected version %d, got %d (stream=%s)",
			es.ErrConcurrencyConflict, expected, curVersion, stream,
		)
	}

	lastPos, err := s.nextPositions(ctx, len(records))
	if err != nil {
		return es.AppendResult{}, err
	}

	docs := make([]any, 0, len(records))
	for i, rec := range records {
		docs = append(docs, newEventDocument(stream, rec, lastPos-int64(len(records))+int64(i)+1))
	}

	// The insert is ordered, so rivals that passed the version check above
	// collide on their first document and nothing of the losing batch lands.
	// On deployments with transactions the insert also rolls back as a unit
	// when it fails mid-batch.
	if err := s.insertDocs(ctx, docs); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return es.AppendResult{}, fmt.Errorf(
				"%w: expected version %d but stream %s advanced concurrently: %v",
				es.ErrConcurrencyConflict, expected, stream, err,
			)
		}
		return es.AppendResult{}, fmt.Errorf("failed to insert events: %w", err)
	}

	s.log.Debug(
		"append",
		slog.String("stream", stream),
		slog.Int64("pos", lastPos),
		slog.Int("num_events", len(records)),
	)

	return es.AppendResult{
		NextExpectedVersion: records[len(records)-1].Version,
		Position:            es.Position{Prepare: uint64(lastPos), Commit: uint64(lastPos)},
	}, nil
}

// insertDocs writes the batch, inside a transaction when the deployment
// supports one.
func (s *StreamStore) insertDocs(ctx context.Context, docs []any) error {
	if !s.txns {
		_, err := s.events.InsertMany(ctx, docs)
		return err
	}

	sess, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(ctx context.Context) (any, error) {
		return s.events.InsertMany(ctx, docs)
	})
	return err
}

// nextPositions reserves n store-wide positions and returns the last one.
// Reserved positions of a losing append stay unused, so positions are
// increasing but not gapless.
func (s *StreamStore) nextPositions(ctx context.Context, n int) (int64, error) {
	res := s.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": positionCounterID},
		bson.M{"$inc": bson.M{"seq": int64(n)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	)
	var counter struct {
		Seq int64 `bson:"seq"`
	}
	if err := res.Decode(&counter); err != nil {
		return 0, fmt.Errorf("failed to reserve positions: %w", err)
	}
	return counter.Seq, nil
}

// tailOf resolves the newest record of a stream.
func (s *StreamStore) tailOf(ctx context.Context, stream string) (eventDocument, error) {
	var doc eventDocument
	err := s.events.FindOne(ctx,
		bson.M{"stream": stream},
		options.FindOne().SetSort(bson.D{{Key: "version", Value: -1}}),
	).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return eventDocument{}, es.ErrStreamNotFound
		}
		return eventDocument{}, fmt.Errorf("failed to read tail of stream %s: %w", stream, err)
	}
	return doc, nil
}

func decodeCursor(ctx context.Context, cursor *mongo.Cursor) ([]es.Record, error) {
	defer cursor.Close(ctx)

	var docs []eventDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}

	page := make([]es.Record, 0, len(docs))
	for _, doc := range docs {
		page = append(page, doc.record())
	}
	return page, nil
}

// eventDocument is the BSON layout of a record. The record id doubles as
// the document id, so replaying the same record twice cannot fork a stream.
type eventDocument struct {
	ID          string    `bson:"_id"`
	Stream      string    `bson:"stream"`
	Version     int64     `bson:"version"`
	Type        string    `bson:"event_type"`
	ContentType string    `bson:"content_type"`
	Data        []byte    `bson:"data"`
	Metadata    []byte    `bson:"metadata,omitempty"`
	OccurredAt  time.Time `bson:"occurred_at"`
	Position    int64     `bson:"position"`
}

func newEventDocument(stream string, rec es.Record, position int64) eventDocument {
	return eventDocument{
		ID:          rec.ID,
		Stream:      stream,
		Version:     rec.Version.Int64(),
		Type:        rec.Type,
		ContentType: rec.ContentType,
		Data:        rec.Data,
		Metadata:    rec.Metadata,
		OccurredAt:  rec.OccurredAt,
		Position:    position,
	}
}

func (d eventDocument) record() es.Record {
	return es.Record{
		ID:          d.ID,
		Type:        d.Type,
		ContentType: d.ContentType,
		Version:     es.Version(d.Version),
		OccurredAt:  d.OccurredAt,
		Data:        d.Data,
		Metadata:    d.Metadata,
	}
}

var _ es.StreamStore = (*StreamStore)(nil)
