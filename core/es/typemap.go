package es

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/UbiquitousAS/WorkshopEventSourcing/internal/reflector"
)

// TypeMapper maps event type names to constructors and concrete event types
// back to their names, so records can be decoded on load and tagged on save.
// Registration is explicit; both lookups fail with ErrUnknownEventType for
// anything not registered.
type TypeMapper struct {
	mu    sync.RWMutex
	ctors map[string]func() any
	names map[reflect.Type]string
}

func NewTypeMapper() *TypeMapper {
	return &TypeMapper{
		ctors: map[string]func() any{},
		names: map[reflect.Type]string{},
	}
}

// Register binds name to the events produced by ctor. Registering the same
// name or the same concrete type twice is a configuration error and panics.
func (m *TypeMapper) Register(name string, ctor func() any) {
	t := baseTypeOf(ctor())
	if t == nil {
		panic(fmt.Sprintf("es: cannot register %q for a nil constructor result", name))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.ctors[name]; ok {
		panic(fmt.Sprintf("es: event type %q is already registered", name))
	}
	if prev, ok := m.names[t]; ok {
		panic(fmt.Sprintf("es: event type %s is already registered as %q", reflector.TypeInfoForType(t).FullName, prev))
	}
	m.ctors[name] = ctor
	m.names[t] = name
}

// New constructs a fresh, zero-valued event for the given type name. The
// result is always a pointer so it can be deserialized into.
func (m *TypeMapper) New(name string) (any, error) {
	m.mu.RLock()
	ctor, ok := m.ctors[name]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, name)
	}
	return ctor(), nil
}

// NameOf returns the registered name for the concrete type of event.
func (m *TypeMapper) NameOf(event any) (string, error) {
	t := baseTypeOf(event)
	if t == nil {
		return "", fmt.Errorf("%w: event is nil", ErrUnknownEventType)
	}
	m.mu.RLock()
	name, ok := m.names[t]
	m.mu.RUnlock()
	if !ok {
		// the full name tells same-named types from different packages apart
		return "", fmt.Errorf("%w: %s", ErrUnknownEventType, reflector.TypeInfoForType(t).FullName)
	}
	return name, nil
}

// RegisterEvent registers T under its default name: the bare type name, or
// the value of EventType() when T implements it.
func RegisterEvent[T any](m *TypeMapper) {
	RegisterEventAs[T](m, eventNameOf(any(new(T))))
}

// RegisterEventAs registers T under an explicit name.
func RegisterEventAs[T any](m *TypeMapper, name string) {
	m.Register(name, func() any { return new(T) })
}

func eventNameOf(ev any) string {
	if t, ok := ev.(interface{ EventType() string }); ok {
		return t.EventType()
	}
	return reflector.TypeInfoOf(ev).Name
}

func baseTypeOf(v any) reflect.Type {
	t := reflect.TypeOf(v)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t
}
