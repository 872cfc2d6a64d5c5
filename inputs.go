package retain

import (
	"reflect"

	"github.com/goliatone/go-retain/internal/structural"
)

// Equaler lets an input element define its own comparison. When an element
// implements it, Equal is consulted before any fallback comparison.
type Equaler interface {
	Equal(other any) bool
}

// inputsEqual compares two input sequences element-wise in order. Any length
// or element difference triggers discard-and-recompute on the next
// evaluation.
func inputsEqual(a, b []any) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !elementEqual(a[i], b[i]) {
			return false
		}
	}
	return true
}

// elementEqual applies the comparison the element type defines: an Equal
// method when present, == for comparable values, structural equality
// otherwise.
func elementEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if eq, ok := a.(Equaler); ok {
		return eq.Equal(b)
	}
	ra := reflect.ValueOf(a)
	rb := reflect.ValueOf(b)
	if ra.Type() != rb.Type() {
		return false
	}
	if ra.Comparable() {
		return a == b
	}
	return structural.Equal(a, b)
}

// sameIdentity reports whether a and b are the same collaborator instance.
// Reference kinds compare by pointer; comparable values compare by ==;
// anything else falls back to structural equality.
func sameIdentity(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ra := reflect.ValueOf(a)
	rb := reflect.ValueOf(b)
	if ra.Type() != rb.Type() {
		return false
	}
	switch ra.Kind() {
	case reflect.Pointer, reflect.Func, reflect.Map, reflect.Slice, reflect.Chan, reflect.UnsafePointer:
		return ra.Pointer() == rb.Pointer()
	}
	if ra.Comparable() {
		return a == b
	}
	return structural.Equal(a, b)
}
