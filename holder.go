package retain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goliatone/go-retain/pkg/activity"
)

type lifecycleState int

const (
	stateUnattached lifecycleState = iota
	stateRemembered
	stateForgotten
	stateAbandoned
)

func (s lifecycleState) String() string {
	switch s {
	case stateUnattached:
		return "unattached"
	case stateRemembered:
		return "remembered"
	case stateForgotten:
		return "forgotten"
	case stateAbandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// valueKind is the closed variant the retain/forget algorithm switches over.
// It is derived from the live value, never cached across value changes.
type valueKind int

const (
	valuePlain valueKind = iota
	valueLifecycleAware
	valueNestedRegistry
)

// classifyValue resolves the variant. A nested registry wins over lifecycle
// hooks so finalization propagates instead of notifying twice.
func classifyValue(value any) valueKind {
	switch value.(type) {
	case Registry:
		return valueNestedRegistry
	case ValueLifecycle:
		return valueLifecycleAware
	default:
		return valuePlain
	}
}

// holder is the stateful bridge bound 1:1 to a tree node's retained slot. It
// owns the current value, the inputs used for invalidation, and at most one
// active registration in each registry.
type holder[T any] struct {
	key      string
	value    T
	inputs   []any
	restored bool
	resolved bool
	source   Source

	state lifecycleState

	retained Registry
	durable  DurableStore
	checker  CanRetainChecker

	entry        Entry
	durableEntry Entry

	saver    erasedSaver[T]
	hasSaver bool

	emitter *activity.Emitter
	trace   *Trace
}

// newHolder creates a holder and resolves its authoritative value:
// restored-from-retained beats restored-from-durable beats freshly computed.
func newHolder[T any](key string, cfg evalConfig, saver erasedSaver[T], hasSaver bool, inputs []any, init func() T) *holder[T] {
	h := &holder[T]{
		key:      key,
		retained: cfg.retained,
		durable:  cfg.durable,
		checker:  cfg.checker,
		saver:    saver,
		hasSaver: hasSaver,
		emitter:  cfg.emitter,
		source:   SourceFresh,
	}

	resolved := false
	if cfg.retained != nil {
		if raw, ok := cfg.retained.ConsumeValue(key); ok {
			if record, ok := raw.(*RetainedEntry); ok {
				if value, ok := record.Value.(T); ok {
					// The retained record carries its own remembered inputs;
					// they take precedence over the caller's current inputs.
					h.value = value
					h.inputs = record.Inputs
					h.restored = true
					h.source = SourceRetained
					resolved = true
				}
			}
			if !resolved {
				// The consume was destructive; a record that cannot be
				// claimed under this type must still be finalized.
				finalizeRetained(raw)
			}
		}
	}
	if !resolved && cfg.durable != nil && hasSaver {
		if raw, ok := cfg.durable.ConsumeRestored(key); ok && h.saver.canStore(raw) {
			if value, ok := h.saver.restore(raw); ok {
				h.value = value
				h.inputs = inputs
				h.source = SourceDurable
				resolved = true
			}
		}
	}
	if !resolved {
		h.value = init()
		h.inputs = inputs
	}
	h.resolved = true

	if cfg.tracing {
		h.trace = &Trace{Key: key, Source: h.source}
	}
	return h
}

// update brings the holder's bookkeeping in sync with the latest evaluation.
// Each axis (key, retained-registry identity, durable-store identity)
// independently triggers unregister-then-register.
func (h *holder[T]) update(cfg evalConfig, key string, value T, inputs []any) error {
	keyChanged := key != h.key
	retainedChanged := !sameIdentity(h.retained, cfg.retained)
	durableChanged := !sameIdentity(h.durable, cfg.durable)
	valueChanged := !sameIdentity(any(h.value), any(value))

	h.value = value
	h.inputs = inputs
	if valueChanged {
		// The restored special-case applies only to the original restored
		// instance, not a value produced afterward by invalidation.
		h.restored = false
	}
	h.emitter = cfg.emitter

	if keyChanged || retainedChanged {
		if h.entry != nil {
			h.entry.Unregister()
			h.entry = nil
		}
		h.retained = cfg.retained
		if h.state == stateRemembered && h.retained != nil {
			entry, err := h.retained.RegisterValue(key, h.retainedProvider)
			if err != nil {
				return err
			}
			h.entry = entry
		}
	}
	if keyChanged || durableChanged {
		if h.durableEntry != nil {
			h.durableEntry.Unregister()
			h.durableEntry = nil
		}
		h.durable = cfg.durable
		if h.state == stateRemembered && h.durable != nil && h.hasSaver {
			if err := h.registerDurable(key); err != nil {
				return err
			}
		}
	}

	h.key = key
	if h.trace != nil {
		h.trace.Key = key
	}
	return nil
}

// remembered commits the holder into the live tree: it registers with both
// registries and, unless the value was just restored from the retained
// registry, notifies a lifecycle-aware value that its active lifetime began.
func (h *holder[T]) remembered() error {
	if h.state != stateUnattached {
		return fmt.Errorf("%w: remembered after %s", ErrLifecycleOrder, h.state)
	}
	if !h.resolved {
		return ErrHolderNotResolved
	}
	h.state = stateRemembered

	if h.retained != nil {
		entry, err := h.retained.RegisterValue(h.key, h.retainedProvider)
		if err != nil {
			return err
		}
		h.entry = entry
	}
	if h.durable != nil && h.hasSaver {
		if err := h.registerDurable(h.key); err != nil {
			return err
		}
	}

	if !h.restored && classifyValue(any(h.value)) == valueLifecycleAware {
		any(h.value).(ValueLifecycle).ValueRemembered()
	}

	h.recordTransition("remembered", false)
	return h.emit(activity.BuildSlotRememberedEvent, false)
}

func (h *holder[T]) forgotten() error { return h.terminal(stateForgotten) }
func (h *holder[T]) abandoned() error { return h.terminal(stateAbandoned) }

// terminal performs the shared teardown action: drop the durable
// subscription, evaluate the retain decision, and either hand the value to
// the retained store or finalize it, propagating one level down when the
// value is itself a nested registry.
func (h *holder[T]) terminal(next lifecycleState) error {
	switch next {
	case stateForgotten:
		if h.state != stateRemembered {
			return fmt.Errorf("%w: forgotten after %s", ErrLifecycleOrder, h.state)
		}
	case stateAbandoned:
		if h.state != stateUnattached {
			return fmt.Errorf("%w: abandoned after %s", ErrLifecycleOrder, h.state)
		}
	}

	if h.durableEntry != nil {
		h.durableEntry.Unregister()
		h.durableEntry = nil
	}

	keep := h.retained != nil && h.checker != nil && h.checker.CanRetain(h.retained)
	kind := classifyValue(any(h.value))

	if keep {
		if kind == valueNestedRegistry {
			// Flush the child first so its pending values are captured
			// inside the representation the outer key saves.
			nested := any(h.value).(Registry)
			nested.SaveAll()
		}
		h.retained.SaveValue(h.key)
		if h.entry != nil {
			h.entry.Unregister()
			h.entry = nil
		}
	} else {
		if h.entry != nil {
			h.entry.Unregister()
			h.entry = nil
		}
		switch kind {
		case valueLifecycleAware:
			any(h.value).(ValueLifecycle).ValueForgotten()
		case valueNestedRegistry:
			nested := any(h.value).(Registry)
			nested.SaveAll()
			nested.ForgetUnclaimedValues()
		}
	}

	h.state = next
	if next == stateForgotten {
		h.recordTransition("forgotten", keep)
		return h.emitTerminal(activity.BuildSlotForgottenEvent, keep)
	}
	h.recordTransition("abandoned", keep)
	return h.emitTerminal(activity.BuildSlotAbandonedEvent, keep)
}

func (h *holder[T]) retainedProvider() any {
	return &RetainedEntry{Key: h.key, Value: any(h.value), Inputs: h.inputs}
}

func (h *holder[T]) durableProvider() any {
	saved, ok := h.saver.save(h.value)
	if !ok {
		return nil
	}
	return saved
}

// registerDurable validates the produced representation against the store
// before installing the provider. A rejected representation is a
// configuration error, not a runtime condition to recover from.
func (h *holder[T]) registerDurable(key string) error {
	if saved, ok := h.saver.save(h.value); ok {
		if !h.durable.CanBeSaved(saved) {
			return fmt.Errorf("%w: %T (%v) under key %q; supply a custom Saver whose representation the store supports",
				ErrValueNotStorable, saved, saved, key)
		}
	}
	entry, err := h.durable.RegisterProvider(key, h.durableProvider)
	if err != nil {
		return err
	}
	h.durableEntry = entry
	return nil
}

func (h *holder[T]) recordTransition(state string, keep bool) {
	if h.trace == nil {
		return
	}
	h.trace.Transitions = append(h.trace.Transitions, Transition{
		State:    state,
		Retained: keep,
		At:       time.Now(),
	})
}

func (h *holder[T]) eventInput(keep bool) activity.SlotEventInput {
	return activity.SlotEventInput{
		Key:      h.key,
		Source:   string(h.source),
		Retained: keep,
	}
}

func (h *holder[T]) emit(build func(activity.SlotEventInput) activity.Event, keep bool) error {
	if !h.emitter.Enabled() {
		return nil
	}
	return h.emitter.Emit(context.Background(), build(h.eventInput(keep)))
}

func (h *holder[T]) emitTerminal(build func(activity.SlotEventInput) activity.Event, keep bool) error {
	if !h.emitter.Enabled() {
		return nil
	}
	err := h.emitter.Emit(context.Background(), build(h.eventInput(keep)))
	if keep {
		err = errors.Join(err, h.emitter.Emit(context.Background(), activity.BuildSlotSavedEvent(h.eventInput(keep))))
	}
	return err
}
