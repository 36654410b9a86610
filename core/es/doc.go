// Package es persists event-sourced aggregates on an append-only stream
// store with optimistic concurrency.
//
// # Overview
//
// State is stored as a sequence of events, one stream per aggregate
// instance. Loading replays the stream into the aggregate; saving appends
// the aggregate's pending changes conditional on the stream version the
// aggregate was loaded at.
//
// # Core Components
//
// Aggregate: the domain object. Embed [AggregateRoot] for the identity,
// version and pending-change bookkeeping, and route every state transition
// through Apply so replay and mutation share one path:
//
//	type Account struct {
//	    es.AggregateRoot
//	    Balance int64
//	}
//
//	func (a *Account) Deposit(amount int64) error {
//	    return es.RaiseAndApply(a, &Deposited{Amount: amount})
//	}
//
// StreamStore: the persistence seam. [NewInMemoryStreamStore] serves tests;
// the adapters/nats, adapters/mongo and adapters/postgres packages provide
// production backends on NATS JetStream, MongoDB and PostgreSQL.
//
// AggregateStore: the application-facing API. [AggregateStore.Load]
// rehydrates an aggregate by paginated replay, [AggregateStore.Save]
// appends its pending changes in one conditional batch, and
// [AggregateStore.GetLastVersionOf] peeks at a stream's version without
// replaying it. [TypedStore] adds a type-safe facade via generics:
//
//	store := es.NewAggregateStore(log, streams, types)
//	accounts := es.NewTypedStore[*Account](log, store)
//
//	account, err := accounts.Load(ctx, "account-123")
//	account.Deposit(100)
//	result, err := accounts.Save(ctx, account)
//
// # Event Registration
//
// Event payloads must be registered with a [TypeMapper] before they can be
// stored or decoded:
//
//	types := es.NewTypeMapper()
//	es.RegisterEvent[Deposited](types)
//	es.RegisterEventAs[Withdrawn](types, "account-withdrawn")
//
// # Concurrency Control
//
// Versions are 0-based; a fresh aggregate is at [NoStream]. Save expects
// the stream to still be at the aggregate's version. When another writer
// got there first, Save returns a [*ConcurrencyError] that matches
// [ErrConcurrencyConflict] and carries the stream's actual version when a
// best-effort diagnostic read could determine it. The caller decides
// whether to reload and retry; the store never retries on its own.
package es
