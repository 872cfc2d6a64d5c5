package retain

import "github.com/goliatone/go-retain/internal/structural"

// CellPolicy selects the equality policy a Cell applies on Set.
type CellPolicy int

const (
	// PolicyNeverEqual treats every Set as a change.
	PolicyNeverEqual CellPolicy = iota
	// PolicyStructural compares old and new values structurally.
	PolicyStructural
	// PolicyReferential compares old and new values by identity.
	PolicyReferential
)

func (p CellPolicy) String() string {
	switch p {
	case PolicyNeverEqual:
		return "never-equal"
	case PolicyStructural:
		return "structural"
	case PolicyReferential:
		return "referential"
	default:
		return "unknown"
	}
}

// Cell is a mutable box around a value with a pluggable equality policy. The
// policy travels with the cell through save/restore rather than defaulting.
type Cell[T any] struct {
	value  T
	policy CellPolicy
}

// NewCell constructs a cell holding value under the given policy.
func NewCell[T any](value T, policy CellPolicy) *Cell[T] {
	return &Cell[T]{value: value, policy: policy}
}

// Get returns the current value.
func (c *Cell[T]) Get() T {
	return c.value
}

// Set stores value when the policy considers it different from the current
// value, reporting whether the cell changed.
func (c *Cell[T]) Set(value T) bool {
	switch c.policy {
	case PolicyStructural:
		if structural.Equal(c.value, value) {
			return false
		}
	case PolicyReferential:
		if sameIdentity(any(c.value), any(value)) {
			return false
		}
	}
	c.value = value
	return true
}

// Policy returns the cell's equality policy.
func (c *Cell[T]) Policy() CellPolicy {
	return c.policy
}
