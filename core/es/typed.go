package es

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
)

// TypedStore is a generic facade over AggregateStore for a single aggregate
// type. It constructs fresh instances per call so nothing partially
// hydrated ever escapes on error.
type TypedStore[T Aggregate] struct {
	store *AggregateStore
	log   *slog.Logger
}

func NewTypedStore[T Aggregate](log *slog.Logger, store *AggregateStore) *TypedStore[T] {
	return &TypedStore[T]{
		store: store,
		log:   log.With(slog.String("aggregate", fmt.Sprintf("%T", *new(T)))),
	}
}

func (t *TypedStore[T]) New() T { return t.NewWithID("") }

func (t *TypedStore[T]) NewWithID(id string) T {
	var a T
	rt := reflect.TypeOf((*T)(nil)).Elem()
	if rt.Kind() == reflect.Pointer {
		a = reflect.New(rt.Elem()).Interface().(T)
	} else {
		a = *new(T)
	}
	a.SetID(id)
	return a
}

// GetAggType returns the stream type name the aggregates of this store use.
func (t *TypedStore[T]) GetAggType() string {
	return t.New().GetAggType()
}

// Load returns the aggregate with the given id at its current state. An id
// that was never saved yields a fresh aggregate at version NoStream.
func (t *TypedStore[T]) Load(ctx context.Context, id string) (T, error) {
	var zero T
	if id == "" {
		return zero, fmt.Errorf("%w: aggregate id is empty", ErrInvalidArgument)
	}
	a := t.NewWithID(id)
	if err := t.store.Load(ctx, a); err != nil {
		return zero, err
	}
	return a, nil
}

func (t *TypedStore[T]) Save(ctx context.Context, agg T, opts ...SaveOption) (AppendResult, error) {
	return t.store.Save(ctx, agg, opts...)
}

func (t *TypedStore[T]) GetLastVersion(ctx context.Context, id string) (Version, error) {
	return t.store.GetLastVersionOf(ctx, t.GetAggType(), id)
}
