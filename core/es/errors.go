package es

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument reports a missing or malformed caller input. It is
	// surfaced before any store round-trip.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrStreamNotFound is returned by stream stores when the requested
	// stream has never been written to.
	ErrStreamNotFound = errors.New("stream not found")

	// ErrConcurrencyConflict is returned when a conditional append finds
	// the stream at a different version than expected.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrUnknownEventType is returned by the TypeMapper for names and
	// types that were never registered.
	ErrUnknownEventType = errors.New("unknown event type")

	// ErrNoEvents is returned by stream stores when asked to append an
	// empty batch.
	ErrNoEvents = errors.New("no events to append")
)

// ConcurrencyError reports a failed conditional append together with the
// version the stream actually was at, when the follow-up diagnostic read
// could determine it. It matches both errors.Is(err, ErrConcurrencyConflict)
// and errors.As(err, *ConcurrencyError).
type ConcurrencyError struct {
	Stream   string
	Expected Version

	// Actual is the version of the newest record in the stream at the time
	// of the conflict, or NoStream if the stream did not exist. Only valid
	// when ActualKnown is true.
	Actual Version

	// ActualKnown is false when the diagnostic read after the conflict
	// failed. The conflict itself is still authoritative.
	ActualKnown bool

	cause error
}

func (e *ConcurrencyError) Error() string {
	switch {
	case !e.ActualKnown:
		return fmt.Sprintf(
			"concurrency conflict on stream %s: expected version %d, actual version unknown",
			e.Stream, e.Expected,
		)
	case e.Actual == NoStream:
		return fmt.Sprintf(
			"concurrency conflict on stream %s: expected version %d, stream not found",
			e.Stream, e.Expected,
		)
	}
	return fmt.Sprintf(
		"concurrency conflict on stream %s: expected version %d, got %d",
		e.Stream, e.Expected, e.Actual,
	)
}

// Unwrap exposes the store's original conflict error.
func (e *ConcurrencyError) Unwrap() error { return e.cause }
