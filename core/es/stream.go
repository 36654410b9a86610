package es

import (
	"context"
	"fmt"
)

// DefaultPageSize is the number of records the aggregate store requests per
// forward read while replaying a stream.
const DefaultPageSize = 4096

// StreamNamer maps an aggregate identity to its stream name. It must be
// pure: the same identity always yields the same name.
type StreamNamer func(aggregateType, aggregateID string) string

// DefaultStreamName joins aggregate type and id with a dash.
func DefaultStreamName(aggregateType, aggregateID string) string {
	return aggregateType + "-" + aggregateID
}

// ValidateBatch checks an append batch against the StreamStore contract:
// non-empty, every record well formed, versions contiguous from expected+1.
// Stores call it before touching their backend.
func ValidateBatch(expected Version, records []Record) error {
	if len(records) == 0 {
		return ErrNoEvents
	}
	for i, rec := range records {
		if err := rec.Validate(); err != nil {
			return fmt.Errorf("%w: record %d: %s", ErrInvalidArgument, i, err)
		}
		if want := expected + Version(i) + 1; rec.Version != want {
			return fmt.Errorf(
				"%w: record %d tagged version %d, want %d",
				ErrInvalidArgument, i, rec.Version, want,
			)
		}
	}
	return nil
}

// StreamStore is the persistence seam of this package: an append-only store
// of per-aggregate record streams with conditional appends.
//
// NewInMemoryStreamStore serves tests and development; the adapters/nats,
// adapters/mongo and adapters/postgres packages provide production backends.
type StreamStore interface {
	// ReadForward returns up to count records starting at version start,
	// oldest first. A stream that was never written to yields
	// ErrStreamNotFound.
	ReadForward(ctx context.Context, stream string, start Version, count int) (Slice, error)

	// ReadBackward returns up to count records walking from start towards
	// version 0, newest first. StreamEnd addresses the newest record.
	ReadBackward(ctx context.Context, stream string, start Version, count int) (Slice, error)

	// AppendConditional appends records if and only if the version of the
	// newest record in the stream equals expected, with NoStream meaning
	// the stream must not exist yet. A failed condition yields an error
	// matching ErrConcurrencyConflict; an empty batch yields ErrNoEvents.
	// Record versions must be contiguous from expected+1, stores reject
	// batches that are not.
	//
	// Racing appends to the same stream never interleave: the losing
	// batch commits nothing. Whether a batch interrupted by a backend
	// fault can leave a committed prefix is store-specific. The in-memory
	// and Postgres stores commit all or nothing unconditionally, the
	// Mongo store does so on deployments with transactions, and the NATS
	// store acknowledges records one publish at a time. Each adapter
	// documents its behavior.
	AppendConditional(ctx context.Context, stream string, expected Version, records []Record) (AppendResult, error)
}
