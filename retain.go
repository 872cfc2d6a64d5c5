package retain

import "fmt"

// Evaluation is the explicit ambient context for one evaluation pass of a
// reactive tree: the registries, the retain decision, and the queue of
// post-evaluation side effects that keep holders in sync. Construct one per
// pass (or reuse one and Commit between passes); it is not safe for use from
// multiple trees.
type Evaluation struct {
	cfg     evalConfig
	effects []func() error
}

// NewEvaluation constructs an evaluation context from the supplied options.
func NewEvaluation(opts ...Option) *Evaluation {
	return &Evaluation{cfg: applyOptions(opts)}
}

func (e *Evaluation) schedule(effect func() error) {
	e.effects = append(e.effects, effect)
}

// Commit runs the side effects scheduled during this pass, in order. The
// first failing effect aborts the pass; remaining effects are dropped.
func (e *Evaluation) Commit() error {
	effects := e.effects
	e.effects = nil
	for _, effect := range effects {
		if err := effect(); err != nil {
			return err
		}
	}
	return nil
}

// Pending returns the number of scheduled, uncommitted side effects.
func (e *Evaluation) Pending() int {
	return len(e.effects)
}

// Slot is the engine-owned storage binding a tree node's retained slot to its
// holder. The engine keeps the slot alive across rebuilds of the same node
// and drives the lifecycle protocol on it: after commit exactly one
// Remembered, and at teardown exactly one of Forgotten or Abandoned.
type Slot[T any] struct {
	h *holder[T]
}

// Remembered commits the slot's holder into the live tree.
func (s *Slot[T]) Remembered() error {
	if s == nil || s.h == nil {
		return nil
	}
	return s.h.remembered()
}

// Forgotten tears the holder down after it was committed.
func (s *Slot[T]) Forgotten() error {
	if s == nil || s.h == nil {
		return nil
	}
	return s.h.forgotten()
}

// Abandoned tears the holder down when its construction was discarded before
// ever committing. It still performs the retain decision so
// partially-initialized values are not leaked.
func (s *Slot[T]) Abandoned() error {
	if s == nil || s.h == nil {
		return nil
	}
	return s.h.abandoned()
}

// Key returns the resolved identity of the slot, empty before first use.
func (s *Slot[T]) Key() string {
	if s == nil || s.h == nil {
		return ""
	}
	return s.h.key
}

// RestoredFromRetained reports whether the current value instance was
// consumed from the retained registry and has not been replaced since.
func (s *Slot[T]) RestoredFromRetained() bool {
	if s == nil || s.h == nil {
		return false
	}
	return s.h.restored
}

// Trace returns the slot's lifecycle trace when tracing was enabled on the
// evaluation that created the holder.
func (s *Slot[T]) Trace() (Trace, bool) {
	if s == nil || s.h == nil || s.h.trace == nil {
		return Trace{}, false
	}
	return *s.h.trace, true
}

// RetainOption configures a single retain call.
type RetainOption func(*retainConfig)

type retainConfig struct {
	key string
}

// WithKey pins an explicit key for the retained slot instead of the
// fingerprint-derived one.
func WithKey(key string) RetainOption {
	return func(cfg *retainConfig) {
		cfg.key = key
	}
}

func applyRetainOptions(opts []RetainOption) retainConfig {
	cfg := retainConfig{}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}

// Retain resolves the value for a node's retained slot without a durable
// bridge: a value consumed from the retained registry wins, otherwise init
// runs. When the current inputs differ from the holder's remembered inputs
// the initializer runs again and the old value is replaced on commit.
func Retain[T any](eval *Evaluation, slot *Slot[T], fingerprint uint64, inputs []any, init func() T, opts ...RetainOption) (T, error) {
	return retainValue(eval, slot, fingerprint, inputs, erasedSaver[T]{}, false, init, opts)
}

// RetainSaveable is Retain with a durable bridge: the value additionally
// registers a storable provider with the durable store, and resolution falls
// back to the store's restored representation when the retained registry has
// nothing for the key.
func RetainSaveable[T, S any](eval *Evaluation, slot *Slot[T], fingerprint uint64, inputs []any, saver Saver[T, S], init func() T, opts ...RetainOption) (T, error) {
	return retainValue(eval, slot, fingerprint, inputs, eraseSaver(saver), true, init, opts)
}

// RetainCell is the mutable-cell variant of RetainSaveable: the supplied
// saver covers the contained value and is lifted over the cell, preserving
// the cell's equality policy across the save/restore boundary.
func RetainCell[T, S any](eval *Evaluation, slot *Slot[*Cell[T]], fingerprint uint64, inputs []any, saver Saver[T, S], init func() *Cell[T], opts ...RetainOption) (*Cell[T], error) {
	return RetainSaveable(eval, slot, fingerprint, inputs, CellSaver(saver), init, opts...)
}

func retainValue[T any](eval *Evaluation, slot *Slot[T], fingerprint uint64, inputs []any, saver erasedSaver[T], hasSaver bool, init func() T, opts []RetainOption) (T, error) {
	var zero T
	if eval == nil {
		return zero, fmt.Errorf("retain: evaluation must not be nil")
	}
	if slot == nil {
		return zero, fmt.Errorf("retain: slot must not be nil")
	}
	if init == nil {
		return zero, fmt.Errorf("retain: init must not be nil")
	}

	cfg := applyRetainOptions(opts)
	key := resolveKey(cfg.key, fingerprint)
	inputs = append([]any(nil), inputs...)

	if h := slot.h; h != nil && (h.state == stateForgotten || h.state == stateAbandoned) {
		// A torn-down holder cannot be revived; rebuild from scratch.
		slot.h = nil
	}
	if h := slot.h; h != nil && !sameIdentity(h.checker, eval.cfg.checker) {
		// The retain-checker identity changed mid-lifetime. Holder identity
		// is only stable while the checker is, so the old holder is
		// finalized on commit and a fresh one takes the slot.
		old := h
		eval.schedule(func() error {
			switch old.state {
			case stateRemembered:
				return old.forgotten()
			case stateUnattached:
				return old.abandoned()
			default:
				return nil
			}
		})
		slot.h = nil
	}

	if slot.h == nil {
		h := newHolder(key, eval.cfg, saver, hasSaver, inputs, init)
		slot.h = h
		eval.schedule(func() error {
			return h.update(eval.cfg, key, h.value, h.inputs)
		})
		return h.value, nil
	}

	h := slot.h
	if !h.resolved {
		return zero, ErrHolderNotResolved
	}
	value := h.value
	if !inputsEqual(h.inputs, inputs) {
		// Inputs changed; the holder adopts the recomputed value on commit.
		value = init()
	}
	current := value
	eval.schedule(func() error {
		return h.update(eval.cfg, key, current, inputs)
	})
	return value, nil
}
