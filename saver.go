package retain

import (
	"encoding/json"

	"github.com/goliatone/go-retain/internal/hydrate"
)

// Saver is the bidirectional transform between a domain value and the
// storable representation handed to the durable store.
//
// Save returning false means "nothing representable": the caller falls back
// to fresh initialization instead of restoring a degenerate value. Restore
// returning false means the representation could not be turned back into a
// value. CanStore is the saver-side storability predicate, consulted before a
// restored representation is passed to Restore.
type Saver[T, S any] interface {
	Save(value T) (S, bool)
	Restore(saved S) (T, bool)
	CanStore(saved S) bool
}

// SaverFuncs adapts plain functions to Saver. A nil CanStoreFunc accepts
// every representation.
type SaverFuncs[T, S any] struct {
	SaveFunc     func(T) (S, bool)
	RestoreFunc  func(S) (T, bool)
	CanStoreFunc func(S) bool
}

// Save implements Saver.
func (s SaverFuncs[T, S]) Save(value T) (S, bool) {
	if s.SaveFunc == nil {
		var zero S
		return zero, false
	}
	return s.SaveFunc(value)
}

// Restore implements Saver.
func (s SaverFuncs[T, S]) Restore(saved S) (T, bool) {
	if s.RestoreFunc == nil {
		var zero T
		return zero, false
	}
	return s.RestoreFunc(saved)
}

// CanStore implements Saver.
func (s SaverFuncs[T, S]) CanStore(saved S) bool {
	if s.CanStoreFunc == nil {
		return true
	}
	return s.CanStoreFunc(saved)
}

// CellPayload is the storable form of a Cell: the inner representation plus
// the cell's equality policy, so the policy survives the durable round-trip.
type CellPayload[S any] struct {
	Value  S          `json:"value"`
	Policy CellPolicy `json:"policy"`
}

type cellSaver[T, S any] struct {
	inner Saver[T, S]
}

// CellSaver lifts a saver for the contained value type into a saver for a
// mutable cell. When the inner saver reports "not representable" the wrapper
// does too, rather than synthesizing a boxed zero value.
func CellSaver[T, S any](inner Saver[T, S]) Saver[*Cell[T], CellPayload[S]] {
	return cellSaver[T, S]{inner: inner}
}

func (c cellSaver[T, S]) Save(cell *Cell[T]) (CellPayload[S], bool) {
	if cell == nil {
		return CellPayload[S]{}, false
	}
	saved, ok := c.inner.Save(cell.Get())
	if !ok {
		return CellPayload[S]{}, false
	}
	return CellPayload[S]{Value: saved, Policy: cell.Policy()}, true
}

func (c cellSaver[T, S]) Restore(payload CellPayload[S]) (*Cell[T], bool) {
	value, ok := c.inner.Restore(payload.Value)
	if !ok {
		return nil, false
	}
	return NewCell(value, payload.Policy), true
}

func (c cellSaver[T, S]) CanStore(payload CellPayload[S]) bool {
	return c.inner.CanStore(payload.Value)
}

type jsonSaver[T any] struct{}

// JSONSaver builds a saver whose storable representation is the value's JSON
// shape (maps, slices, and primitives). It survives stores that persist
// storables as JSON text: objects come back as map[string]any and are
// re-hydrated into T.
func JSONSaver[T any]() Saver[T, any] {
	return jsonSaver[T]{}
}

func (jsonSaver[T]) Save(value T) (any, bool) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, false
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, false
	}
	if out == nil {
		return nil, false
	}
	return out, true
}

func (jsonSaver[T]) Restore(saved any) (T, bool) {
	var zero T
	if payload, ok := saved.(map[string]any); ok {
		decoder := hydrate.NewDecoder[T]()
		value, err := decoder.Decode(hydrate.Context{}, payload)
		if err != nil {
			return zero, false
		}
		return value, true
	}
	data, err := json.Marshal(saved)
	if err != nil {
		return zero, false
	}
	var value T
	if err := json.Unmarshal(data, &value); err != nil {
		return zero, false
	}
	return value, true
}

func (jsonSaver[T]) CanStore(saved any) bool {
	if saved == nil {
		return false
	}
	_, err := json.Marshal(saved)
	return err == nil
}

// erasedSaver is the holder-facing view of a Saver with the storable type
// parameter erased.
type erasedSaver[T any] struct {
	save     func(T) (any, bool)
	restore  func(any) (T, bool)
	canStore func(any) bool
}

func eraseSaver[T, S any](saver Saver[T, S]) erasedSaver[T] {
	return erasedSaver[T]{
		save: func(value T) (any, bool) {
			saved, ok := saver.Save(value)
			if !ok {
				return nil, false
			}
			return saved, true
		},
		restore: func(raw any) (T, bool) {
			saved, ok := raw.(S)
			if !ok {
				var zero T
				return zero, false
			}
			return saver.Restore(saved)
		},
		canStore: func(raw any) bool {
			saved, ok := raw.(S)
			if !ok {
				return false
			}
			return saver.CanStore(saved)
		},
	}
}
