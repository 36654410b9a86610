package es

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// InMemoryStreamStore is a simple, correct StreamStore for tests and
// development. Streams live in a map guarded by a mutex; positions come
// from a store-wide counter.
type InMemoryStreamStore struct {
	mu      sync.RWMutex
	log     *slog.Logger
	pos     atomic.Uint64
	streams map[string][]Record
}

func NewInMemoryStreamStore() *InMemoryStreamStore {
	return &InMemoryStreamStore{
		log:     slog.Default().With(slog.String("store", "memory")),
		streams: map[string][]Record{},
	}
}

func (s *InMemoryStreamStore) ReadForward(ctx context.Context, stream string, start Version, count int) (Slice, error) {
	if err := ctx.Err(); err != nil {
		return Slice{}, err
	}
	if start < StreamStart {
		return Slice{}, fmt.Errorf("%w: start version %d is negative", ErrInvalidArgument, start)
	}
	if count <= 0 {
		return Slice{}, fmt.Errorf("%w: count %d is not positive", ErrInvalidArgument, count)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	all, ok := s.streams[stream]
	if !ok {
		return Slice{}, ErrStreamNotFound
	}

	// record versions are contiguous from 0, so version == index
	from := min(int(start), len(all))
	to := min(from+count, len(all))

	page := make([]Record, to-from)
	copy(page, all[from:to])

	return Slice{
		Records:       page,
		NextVersion:   Version(to),
		LastVersion:   Version(len(all) - 1),
		IsEndOfStream: to >= len(all),
	}, nil
}

func (s *InMemoryStreamStore) ReadBackward(ctx context.Context, stream string, start Version, count int) (Slice, error) {
	if err := ctx.Err(); err != nil {
		return Slice{}, err
	}
	if count <= 0 {
		return Slice{}, fmt.Errorf("%w: count %d is not positive", ErrInvalidArgument, count)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	all, ok := s.streams[stream]
	if !ok {
		return Slice{}, ErrStreamNotFound
	}

	last := len(all) - 1
	from := last
	if start != StreamEnd {
		from = min(int(start), last)
	}

	page := make([]Record, 0, count)
	for i := from; i > from-count && i >= 0; i-- {
		page = append(page, all[i])
	}

	return Slice{
		Records:       page,
		NextVersion:   Version(from - len(page)),
		LastVersion:   Version(last),
		IsEndOfStream: from-len(page) < 0,
	}, nil
}

func (s *InMemoryStreamStore) AppendConditional(ctx context.Context, stream string, expected Version, records []Record) (AppendResult, error) {
	if err := ctx.Err(); err != nil {
		return AppendResult{}, err
	}
	if err := ValidateBatch(expected, records); err != nil {
		return AppendResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.streams[stream]
	curVersion := NoStream
	if len(cur) > 0 {
		curVersion = cur[len(cur)-1].Version
	}
	if curVersion != expected {
		return AppendResult{}, fmt.Errorf(
			"%w: expected version %d, got %d (stream=%s)",
			ErrConcurrencyConflict, expected, curVersion, stream,
		)
	}

	var lastPos uint64
	for range records {
		lastPos = s.pos.Add(1)
	}
	s.streams[stream] = append(cur, records...)

	s.log.Debug(
		"append",
		slog.String("stream", stream),
		slog.Uint64("pos", lastPos),
		slog.Int("num_events", len(records)),
	)

	return AppendResult{
		NextExpectedVersion: records[len(records)-1].Version,
		Position:            Position{Prepare: lastPos, Commit: lastPos},
	}, nil
}

var _ StreamStore = (*InMemoryStreamStore)(nil)
