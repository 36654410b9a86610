package reflector

import (
	"reflect"
	"sync"
)

var (
	muCache sync.RWMutex
	cache   = make(map[reflect.Type]TypeInfo)
)

// TypeInfo describes a type used as an event payload. Name is the bare type
// name and is stable across module renames; FullName includes the package
// path, telling same-named types from different packages apart. Unnamed
// types have an empty Name and report their reflect string form as
// FullName.
type TypeInfo struct {
	Name     string
	FullName string
	Type     reflect.Type
}

func TypeInfoOf(x any) TypeInfo {
	return TypeInfoForType(reflect.TypeOf(x))
}

func TypeInfoFor[T any]() TypeInfo {
	return TypeInfoForType(reflect.TypeOf((*T)(nil)).Elem())
}

func TypeInfoForType(t reflect.Type) TypeInfo {
	// check cache
	muCache.RLock()
	ti, ok := cache[t]
	muCache.RUnlock()
	if ok {
		return ti
	}

	// lookup
	if t == nil {
		return TypeInfo{}
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	full := t.String()
	if pkg := t.PkgPath(); pkg != "" {
		full = pkg + "." + t.Name()
	}

	ti = TypeInfo{
		Name:     t.Name(),
		FullName: full,
		Type:     t,
	}

	muCache.Lock()
	cache[t] = ti
	muCache.Unlock()
	return ti
}
