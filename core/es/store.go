package es

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// AggregateStore loads and saves event-sourced aggregates on top of a
// StreamStore. It owns the aggregate persistence protocol: identity to
// stream mapping, paginated replay, change serialization with provenance
// metadata, and conflict reporting. Storage itself stays behind the
// StreamStore seam.
type AggregateStore struct {
	log     *slog.Logger
	streams StreamStore
	types   *TypeMapper

	serializer Serializer
	namer      StreamNamer
	pageSize   int
	metrics    StoreMetrics
	newID      IDGenerator
}

func NewAggregateStore(
	log *slog.Logger,
	streams StreamStore,
	types *TypeMapper,
	opts ...StoreOption,
) *AggregateStore {
	options := newStoreOptions(opts...)

	return &AggregateStore{
		log:        log.With(slog.String("store", fmt.Sprintf("%T", streams))),
		streams:    streams,
		types:      types,
		serializer: options.serializer,
		namer:      options.namer,
		pageSize:   options.pageSize,
		metrics:    options.metrics,
		newID:      options.idGenerator,
	}
}

// Load rehydrates agg by replaying its stream from the beginning in pages.
// A stream that was never written to leaves agg untouched at version
// NoStream; that is not an error. Load expects a fresh instance: an
// aggregate with pending changes or one that was already hydrated is
// rejected with ErrInvalidArgument.
func (s *AggregateStore) Load(ctx context.Context, agg Aggregate) error {
	aggType, aggID, err := identityOf(agg)
	if err != nil {
		return err
	}
	if len(agg.Changes()) != 0 {
		return fmt.Errorf(
			"%w: cannot load %s/%s over pending changes",
			ErrInvalidArgument, aggType, aggID,
		)
	}
	if agg.GetVersion() != NoStream {
		return fmt.Errorf(
			"%w: cannot load %s/%s: aggregate is already hydrated at version %d",
			ErrInvalidArgument, aggType, aggID, agg.GetVersion(),
		)
	}

	var (
		stream = s.namer(aggType, aggID)
		start  = StreamStart
		loaded = 0
	)
	defer s.metrics.LoadDuration(aggType).ObserveDuration()

	log := s.log.With(aggGroup(aggType, aggID, stream))
	log.Debug("loading")

	for {
		slice, err := s.streams.ReadForward(ctx, stream, start, s.pageSize)
		if err != nil {
			if errors.Is(err, ErrStreamNotFound) {
				break
			}
			return err
		}

		events := make([]any, 0, len(slice.Records))
		for _, rec := range slice.Records {
			event, err := s.decode(rec)
			if err != nil {
				return err
			}
			events = append(events, event)
		}
		if err := LoadFromHistory(agg, events...); err != nil {
			return err
		}

		if n := len(slice.Records); n > 0 {
			if last := slice.Records[n-1].Version; agg.GetVersion() != last {
				return fmt.Errorf(
					"stream %s is out of sync: aggregate at version %d, record at %d",
					stream, agg.GetVersion(), last,
				)
			}
			loaded += n
		}

		if slice.IsEndOfStream {
			break
		}
		start = slice.NextVersion
	}

	s.metrics.EventsLoaded(aggType, loaded)

	log.Debug(
		"loaded",
		agg.GetVersion().SlogAttr(),
		slog.Int("num_events", loaded),
	)

	return nil
}

// Save appends agg's pending changes in a single batch, conditional on the
// stream still being at agg's version. On success the aggregate's version
// is advanced and its changes are cleared. Saving an aggregate without
// pending changes is a no-op that never reaches the store.
//
// A version conflict is reported as *ConcurrencyError carrying the stream's
// actual version when a best-effort diagnostic read can determine it. There
// are no automatic retries. All other store errors pass through unchanged.
func (s *AggregateStore) Save(ctx context.Context, agg Aggregate, opts ...SaveOption) (AppendResult, error) {
	aggType, aggID, err := identityOf(agg)
	if err != nil {
		return AppendResult{}, err
	}

	var (
		stream  = s.namer(aggType, aggID)
		changes = agg.Changes()
		log     = s.log.With(aggGroup(aggType, aggID, stream))
	)

	if len(changes) == 0 {
		log.Warn("nothing to save")
		return AppendResult{}, nil
	}

	defer s.metrics.SaveDuration(aggType).ObserveDuration()

	options := newSaveOptions(opts...)

	var (
		expect  = agg.GetVersion()
		records = make([]Record, 0, len(changes))
		v       = expect
	)

	for _, event := range changes {
		v++

		rec, err := s.encode(event, options.metadata, aggType, aggID, v)
		if err != nil {
			return AppendResult{}, err
		}
		records = append(records, rec)
	}

	res, err := s.streams.AppendConditional(ctx, stream, expect, records)
	if err != nil {
		if errors.Is(err, ErrConcurrencyConflict) {
			s.metrics.ConcurrencyConflict(aggType)
			return AppendResult{}, s.describeConflict(ctx, stream, expect, err)
		}
		return AppendResult{}, err
	}

	agg.setVersion(res.NextExpectedVersion)
	agg.ClearChanges()
	s.metrics.EventsAppended(aggType, len(records))

	log.Debug(
		"saved",
		agg.GetVersion().SlogAttr(),
		slog.Int("num_events", len(records)),
		slog.Uint64("commit", res.Position.Commit),
	)

	return res, nil
}

// GetLastVersionOf returns the version of the newest record in the stream
// of the given aggregate, or NoStream when the stream does not exist.
func (s *AggregateStore) GetLastVersionOf(ctx context.Context, aggregateType, aggregateID string) (Version, error) {
	if aggregateType == "" {
		return NoStream, fmt.Errorf("%w: aggregate type is empty", ErrInvalidArgument)
	}
	if aggregateID == "" {
		return NoStream, fmt.Errorf("%w: aggregate id is empty", ErrInvalidArgument)
	}

	slice, err := s.streams.ReadBackward(ctx, s.namer(aggregateType, aggregateID), StreamEnd, 1)
	if err != nil {
		if errors.Is(err, ErrStreamNotFound) {
			return NoStream, nil
		}
		return NoStream, err
	}
	if len(slice.Records) == 0 {
		return NoStream, nil
	}
	return slice.Records[0].Version, nil
}

func (s *AggregateStore) decode(rec Record) (any, error) {
	event, err := s.types.New(rec.Type)
	if err != nil {
		return nil, err
	}
	if err := s.serializer.Deserialize(rec.Data, event); err != nil {
		return nil, fmt.Errorf("failed to deserialize %s record %s: %w", rec.Type, rec.ID, err)
	}
	return event, nil
}

func (s *AggregateStore) encode(event any, md Metadata, aggType, aggID string, v Version) (Record, error) {
	name, err := s.types.NameOf(event)
	if err != nil {
		return Record{}, err
	}
	data, err := s.serializer.Serialize(event)
	if err != nil {
		return Record{}, err
	}
	meta, err := s.serializer.Serialize(md.stamped(aggType, aggID, v, name))
	if err != nil {
		return Record{}, err
	}

	rec := Record{
		ID:          s.newID(),
		Type:        name,
		ContentType: s.serializer.ContentType(),
		Version:     v,
		OccurredAt:  time.Now(),
		Data:        data,
		Metadata:    meta,
	}
	if err := rec.Validate(); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// describeConflict enriches a failed conditional append with the stream's
// actual version via a single backward read. The read is best effort: when
// it fails, the conflict is still reported, just without the actual version.
func (s *AggregateStore) describeConflict(ctx context.Context, stream string, expected Version, cause error) error {
	cErr := &ConcurrencyError{
		Stream:   stream,
		Expected: expected,
		cause:    cause,
	}

	slice, err := s.streams.ReadBackward(ctx, stream, StreamEnd, 1)
	switch {
	case err == nil && len(slice.Records) > 0:
		cErr.Actual = slice.Records[0].Version
		cErr.ActualKnown = true
	case errors.Is(err, ErrStreamNotFound):
		cErr.Actual = NoStream
		cErr.ActualKnown = true
	case err != nil:
		s.log.Debug(
			"conflict diagnostics unavailable",
			slog.String("stream", stream),
			slog.Any("error", err),
		)
	}

	return cErr
}

func identityOf(agg Aggregate) (aggType string, aggID string, err error) {
	if agg == nil {
		return "", "", fmt.Errorf("%w: aggregate is nil", ErrInvalidArgument)
	}
	aggType = agg.GetAggType()
	if aggType == "" {
		return "", "", fmt.Errorf("%w: aggregate type is empty", ErrInvalidArgument)
	}
	aggID = agg.GetID()
	if aggID == "" {
		return aggType, "", fmt.Errorf("%w: aggregate id is empty", ErrInvalidArgument)
	}
	return aggType, aggID, nil
}

func aggGroup(aggType, aggID, stream string) slog.Attr {
	return slog.Group(
		"agg",
		slog.String("type", aggType),
		slog.String("id", aggID),
		slog.String("stream", stream),
	)
}
