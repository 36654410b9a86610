package es

import "fmt"

// Aggregate is the core interface for event-sourced domain objects.
// It defines the contract an aggregate root must implement to be loaded
// and saved by the AggregateStore.
//
// An aggregate maintains:
//   - Identity: type and ID that uniquely identify the aggregate stream
//   - Version: the version of the last event folded into state, used for
//     optimistic concurrency control
//   - Pending changes: events raised but not yet persisted
//
// The typical lifecycle is:
//  1. Construct a new aggregate or load an existing one via AggregateStore
//  2. Execute domain logic that goes through RaiseAndApply to record events
//  3. Save via AggregateStore, which persists the pending changes and calls
//     ClearChanges()
//
// Embed AggregateRoot to satisfy the bookkeeping half of the contract; the
// unexported setter keeps version management inside this package.
type Aggregate interface {
	// GetAggType returns the aggregate type name used for stream identification.
	GetAggType() string
	// GetID returns the unique identifier of this aggregate instance.
	GetID() string
	// SetID sets the aggregate ID. Typically called once during construction.
	SetID(string)

	// GetVersion returns the version of the last event folded into state,
	// or NoStream for a fresh instance.
	GetVersion() Version
	setVersion(Version)

	// Raise records an event as a pending change without applying it.
	Raise(event any)
	// Apply updates the aggregate state from an event. Replay and mutation
	// share this single path.
	Apply(event any) error

	// Changes returns a copy of the events raised but not yet persisted.
	Changes() []any
	// ClearChanges removes all pending changes after a successful save.
	ClearChanges()
}

// AggregateRoot is the embeddable base that tracks identity, version and
// pending changes. Its zero value is a fresh aggregate at version NoStream.
type AggregateRoot struct {
	id      string
	folded  int64 // events folded into state so far
	changes []any
}

func (r *AggregateRoot) GetID() string   { return r.id }
func (r *AggregateRoot) SetID(id string) { r.id = id }

func (r *AggregateRoot) GetVersion() Version  { return Version(r.folded) - 1 }
func (r *AggregateRoot) setVersion(v Version) { r.folded = int64(v) + 1 }

// Raise records an event as a pending change.
// (Domain code typically calls Raise+Apply together via RaiseAndApply.)
func (r *AggregateRoot) Raise(event any) { r.changes = append(r.changes, event) }

func (r *AggregateRoot) Changes() []any {
	out := make([]any, len(r.changes))
	copy(out, r.changes)
	return out
}

func (r *AggregateRoot) ClearChanges() { r.changes = nil }

// === Helpers ===

type raiseApplier interface {
	Raise(event any)
	Apply(event any) error
}

// RaiseAndApply records each event as a pending change and applies it to
// mutate state. Events implementing Validate() error are validated first;
// nothing is raised if any of them fails.
func RaiseAndApply(a raiseApplier, events ...any) (err error) {
	if len(events) == 0 {
		return
	}

	// validate
	for _, e := range events {
		if ev, ok := e.(interface{ Validate() error }); ok {
			err = ev.Validate()
			if err != nil {
				return fmt.Errorf("invalid event %T: %w", ev, err)
			}
		}
	}

	for _, e := range events {
		a.Raise(e)
		err = a.Apply(e)
		if err != nil {
			return
		}
	}
	return
}

// LoadFromHistory folds previously persisted events into agg, advancing its
// version by one per event. Replay strictly precedes mutation: calling this
// on an aggregate with pending changes is a programming error and panics.
func LoadFromHistory(agg Aggregate, events ...any) error {
	if len(agg.Changes()) != 0 {
		panic("es: LoadFromHistory called on an aggregate with pending changes")
	}
	for _, e := range events {
		if err := agg.Apply(e); err != nil {
			return err
		}
		agg.setVersion(agg.GetVersion() + 1)
	}
	return nil
}
