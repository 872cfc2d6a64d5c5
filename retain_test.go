package retain

import (
	"errors"
	"testing"

	"github.com/goliatone/go-retain/pkg/activity"
)

type lifecycleProbe struct {
	remembered int
	forgotten  int
}

func (p *lifecycleProbe) ValueRemembered() { p.remembered++ }
func (p *lifecycleProbe) ValueForgotten()  { p.forgotten++ }

type counterBox struct {
	n int
}

func TestRetainFreshInit(t *testing.T) {
	registry := NewStateRegistry()
	eval := NewEvaluation(
		WithRetainedRegistry(registry),
		WithCanRetainChecker(RetainAlways),
	)

	slot := &Slot[int]{}
	value, err := Retain(eval, slot, 42, nil, func() int { return 7 })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if value != 7 {
		t.Fatalf("expected fresh init to produce 7, got %d", value)
	}
	if got := eval.Pending(); got != 1 {
		t.Fatalf("expected one scheduled effect, got %d", got)
	}
	if err := eval.Commit(); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if got := eval.Pending(); got != 0 {
		t.Fatalf("expected commit to drain effects, got %d pending", got)
	}
	if got := slot.Key(); got != "16" {
		t.Fatalf("expected fingerprint 42 to resolve to key %q, got %q", "16", got)
	}
	if err := slot.Remembered(); err != nil {
		t.Fatalf("remembered failed: %v", err)
	}
}

func TestRetainExplicitKeyWins(t *testing.T) {
	eval := NewEvaluation(WithRetainedRegistry(NewStateRegistry()))
	slot := &Slot[int]{}
	if _, err := Retain(eval, slot, 42, nil, func() int { return 0 }, WithKey("counter")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := slot.Key(); got != "counter" {
		t.Fatalf("expected explicit key to win, got %q", got)
	}
}

func TestRetainArgumentValidation(t *testing.T) {
	eval := NewEvaluation()
	slot := &Slot[int]{}
	if _, err := Retain[int](nil, slot, 0, nil, func() int { return 0 }); err == nil {
		t.Fatalf("expected error for nil evaluation")
	}
	if _, err := Retain[int](eval, nil, 0, nil, func() int { return 0 }); err == nil {
		t.Fatalf("expected error for nil slot")
	}
	if _, err := Retain[int](eval, slot, 0, nil, nil); err == nil {
		t.Fatalf("expected error for nil init")
	}
}

func TestRetainInputInvalidation(t *testing.T) {
	eval := NewEvaluation(WithRetainedRegistry(NewStateRegistry()))
	slot := &Slot[int]{}

	calls := 0
	init := func() int {
		calls++
		return calls * 10
	}

	value, err := Retain(eval, slot, 1, []any{"a", 1}, init, WithKey("k"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if value != 10 || calls != 1 {
		t.Fatalf("expected first evaluation to initialize once, got value=%d calls=%d", value, calls)
	}
	if err := eval.Commit(); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if err := slot.Remembered(); err != nil {
		t.Fatalf("remembered failed: %v", err)
	}

	value, err = Retain(eval, slot, 1, []any{"a", 1}, init, WithKey("k"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if value != 10 || calls != 1 {
		t.Fatalf("expected equal inputs to keep the value, got value=%d calls=%d", value, calls)
	}
	if err := eval.Commit(); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	value, err = Retain(eval, slot, 1, []any{"a", 2}, init, WithKey("k"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if value != 20 || calls != 2 {
		t.Fatalf("expected changed inputs to recompute, got value=%d calls=%d", value, calls)
	}
	if err := eval.Commit(); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
}

func TestRetainCounterSurvivesRebuild(t *testing.T) {
	registry := NewStateRegistry()
	eval := NewEvaluation(
		WithRetainedRegistry(registry),
		WithCanRetainChecker(RetainAlways),
	)

	calls := 0
	init := func() *counterBox {
		calls++
		return &counterBox{}
	}

	slot := &Slot[*counterBox]{}
	box, err := Retain(eval, slot, 0, nil, init, WithKey("counter"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := eval.Commit(); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if err := slot.Remembered(); err != nil {
		t.Fatalf("remembered failed: %v", err)
	}
	box.n = 5

	if err := slot.Forgotten(); err != nil {
		t.Fatalf("forgotten failed: %v", err)
	}
	if got := registry.Len(); got != 1 {
		t.Fatalf("expected teardown with retain=true to keep one value, got %d", got)
	}

	rebuilt := &Slot[*counterBox]{}
	box2, err := Retain(eval, rebuilt, 0, nil, init, WithKey("counter"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if box2 != box {
		t.Fatalf("expected rebuild to claim the retained instance")
	}
	if box2.n != 5 {
		t.Fatalf("expected retained state to survive, got %d", box2.n)
	}
	if calls != 1 {
		t.Fatalf("expected init to run once, got %d", calls)
	}
	if !rebuilt.RestoredFromRetained() {
		t.Fatalf("expected restoredFromRetained to be true after claim")
	}
	if err := eval.Commit(); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if err := rebuilt.Remembered(); err != nil {
		t.Fatalf("remembered failed: %v", err)
	}
}

func TestRetainRestoredInputsTakePrecedence(t *testing.T) {
	registry := NewStateRegistry()
	eval := NewEvaluation(
		WithRetainedRegistry(registry),
		WithCanRetainChecker(RetainAlways),
	)

	calls := 0
	init := func() int {
		calls++
		return calls
	}

	slot := &Slot[int]{}
	if _, err := Retain(eval, slot, 0, []any{"a"}, init, WithKey("k")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := eval.Commit(); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if err := slot.Remembered(); err != nil {
		t.Fatalf("remembered failed: %v", err)
	}
	if err := slot.Forgotten(); err != nil {
		t.Fatalf("forgotten failed: %v", err)
	}

	// The restored holder carries inputs ["a"]; a rebuild presenting the same
	// inputs must not recompute.
	rebuilt := &Slot[int]{}
	if _, err := Retain(eval, rebuilt, 0, []any{"a"}, init, WithKey("k")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := eval.Commit(); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	value, err := Retain(eval, rebuilt, 0, []any{"a"}, init, WithKey("k"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if value != 1 || calls != 1 {
		t.Fatalf("expected remembered inputs to suppress recompute, got value=%d calls=%d", value, calls)
	}
}

func TestRetainNeverFinalizesValue(t *testing.T) {
	registry := NewStateRegistry()
	eval := NewEvaluation(
		WithRetainedRegistry(registry),
		WithCanRetainChecker(RetainNever),
	)

	probe := &lifecycleProbe{}
	slot := &Slot[*lifecycleProbe]{}
	if _, err := Retain(eval, slot, 0, nil, func() *lifecycleProbe { return probe }, WithKey("p")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := eval.Commit(); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if err := slot.Remembered(); err != nil {
		t.Fatalf("remembered failed: %v", err)
	}
	if probe.remembered != 1 {
		t.Fatalf("expected ValueRemembered once, got %d", probe.remembered)
	}

	if err := slot.Forgotten(); err != nil {
		t.Fatalf("forgotten failed: %v", err)
	}
	if probe.forgotten != 1 {
		t.Fatalf("expected ValueForgotten exactly once, got %d", probe.forgotten)
	}
	if got := registry.Len(); got != 0 {
		t.Fatalf("expected nothing retained, got %d", got)
	}
}

func TestRetainRestoredValueSkipsValueRemembered(t *testing.T) {
	registry := NewStateRegistry()
	eval := NewEvaluation(
		WithRetainedRegistry(registry),
		WithCanRetainChecker(RetainAlways),
	)

	probe := &lifecycleProbe{}
	slot := &Slot[*lifecycleProbe]{}
	if _, err := Retain(eval, slot, 0, nil, func() *lifecycleProbe { return probe }, WithKey("p")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := eval.Commit(); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if err := slot.Remembered(); err != nil {
		t.Fatalf("remembered failed: %v", err)
	}
	if err := slot.Forgotten(); err != nil {
		t.Fatalf("forgotten failed: %v", err)
	}

	rebuilt := &Slot[*lifecycleProbe]{}
	if _, err := Retain(eval, rebuilt, 0, nil, func() *lifecycleProbe { return probe }, WithKey("p")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := eval.Commit(); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if err := rebuilt.Remembered(); err != nil {
		t.Fatalf("remembered failed: %v", err)
	}
	if probe.remembered != 1 {
		t.Fatalf("expected restored value not to be re-notified, got %d", probe.remembered)
	}
}

func TestLifecycleOrderViolations(t *testing.T) {
	newSlot := func(t *testing.T) (*Evaluation, *Slot[int]) {
		t.Helper()
		eval := NewEvaluation(WithRetainedRegistry(NewStateRegistry()))
		slot := &Slot[int]{}
		if _, err := Retain(eval, slot, 0, nil, func() int { return 1 }, WithKey("k")); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := eval.Commit(); err != nil {
			t.Fatalf("commit failed: %v", err)
		}
		return eval, slot
	}

	_, slot := newSlot(t)
	if err := slot.Forgotten(); !errors.Is(err, ErrLifecycleOrder) {
		t.Fatalf("expected forgotten before remembered to fail, got %v", err)
	}

	_, slot = newSlot(t)
	if err := slot.Remembered(); err != nil {
		t.Fatalf("remembered failed: %v", err)
	}
	if err := slot.Remembered(); !errors.Is(err, ErrLifecycleOrder) {
		t.Fatalf("expected second remembered to fail, got %v", err)
	}
	if err := slot.Abandoned(); !errors.Is(err, ErrLifecycleOrder) {
		t.Fatalf("expected abandoned after remembered to fail, got %v", err)
	}
	if err := slot.Forgotten(); err != nil {
		t.Fatalf("forgotten failed: %v", err)
	}
	if err := slot.Forgotten(); !errors.Is(err, ErrLifecycleOrder) {
		t.Fatalf("expected second forgotten to fail, got %v", err)
	}
}

func TestAbandonedStillFinalizes(t *testing.T) {
	registry := NewStateRegistry()
	eval := NewEvaluation(
		WithRetainedRegistry(registry),
		WithCanRetainChecker(RetainNever),
	)

	probe := &lifecycleProbe{}
	slot := &Slot[*lifecycleProbe]{}
	if _, err := Retain(eval, slot, 0, nil, func() *lifecycleProbe { return probe }, WithKey("p")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := eval.Commit(); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if err := slot.Abandoned(); err != nil {
		t.Fatalf("abandoned failed: %v", err)
	}
	if probe.forgotten != 1 {
		t.Fatalf("expected abandoned construction to finalize the value, got %d", probe.forgotten)
	}
	if probe.remembered != 0 {
		t.Fatalf("expected no ValueRemembered for abandoned slot, got %d", probe.remembered)
	}
}

func TestRetainSaveableDurableRoundTrip(t *testing.T) {
	type passResult struct {
		value    int
		slot     *Slot[int]
		snapshot map[string]any
	}

	runPass := func(t *testing.T, durable *MemoryDurableStore, init func() int) passResult {
		t.Helper()
		eval := NewEvaluation(
			WithRetainedRegistry(NewStateRegistry()),
			WithDurableStore(durable),
			WithCanRetainChecker(RetainAlways),
			WithTracing(true),
		)
		slot := &Slot[int]{}
		value, err := RetainSaveable(eval, slot, 0, nil, JSONSaver[int](), init, WithKey("n"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := eval.Commit(); err != nil {
			t.Fatalf("commit failed: %v", err)
		}
		if err := slot.Remembered(); err != nil {
			t.Fatalf("remembered failed: %v", err)
		}
		snapshot := durable.Snapshot()
		if err := slot.Forgotten(); err != nil {
			t.Fatalf("forgotten failed: %v", err)
		}
		return passResult{value: value, slot: slot, snapshot: snapshot}
	}

	first := runPass(t, NewMemoryDurableStore(), func() int { return 41 })
	if first.value != 41 {
		t.Fatalf("expected fresh init, got %d", first.value)
	}
	if _, ok := first.snapshot["n"]; !ok {
		t.Fatalf("expected snapshot to contain key %q", "n")
	}

	// Simulated restart: empty retained registry, durable store seeded with
	// the prior snapshot.
	second := runPass(t, NewMemoryDurableStoreFrom(first.snapshot), func() int {
		t.Fatalf("init must not run when the durable store restores the value")
		return -1
	})
	if second.value != 41 {
		t.Fatalf("expected durable restore to yield 41, got %d", second.value)
	}
	if second.slot.RestoredFromRetained() {
		t.Fatalf("durable restore must not set restoredFromRetained")
	}
	trace, ok := second.slot.Trace()
	if !ok {
		t.Fatalf("expected trace to be collected")
	}
	if trace.Source != SourceDurable {
		t.Fatalf("expected source %q, got %q", SourceDurable, trace.Source)
	}
}

func TestRetainSaveableAtMostOnceRestore(t *testing.T) {
	durable := NewMemoryDurableStoreFrom(map[string]any{"n": float64(9)})
	eval := NewEvaluation(
		WithRetainedRegistry(NewStateRegistry()),
		WithDurableStore(durable),
	)

	slotA := &Slot[int]{}
	a, err := RetainSaveable(eval, slotA, 0, nil, JSONSaver[int](), func() int { return -1 }, WithKey("n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a != 9 {
		t.Fatalf("expected first slot to restore 9, got %d", a)
	}

	slotB := &Slot[int]{}
	b, err := RetainSaveable(eval, slotB, 0, nil, JSONSaver[int](), func() int { return -1 }, WithKey("n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b != -1 {
		t.Fatalf("expected second slot to fall through to init, got %d", b)
	}
}

func TestNotRepresentableFallsThroughToFresh(t *testing.T) {
	saver := SaverFuncs[int, any]{
		SaveFunc: func(int) (any, bool) { return nil, false },
	}

	durable := NewMemoryDurableStore()
	eval := NewEvaluation(
		WithRetainedRegistry(NewStateRegistry()),
		WithDurableStore(durable),
		WithCanRetainChecker(RetainAlways),
	)
	slot := &Slot[int]{}
	if _, err := RetainSaveable(eval, slot, 0, nil, saver, func() int { return 3 }, WithKey("x")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := eval.Commit(); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if err := slot.Remembered(); err != nil {
		t.Fatalf("remembered failed: %v", err)
	}
	snapshot := durable.Snapshot()
	if _, ok := snapshot["x"]; ok {
		t.Fatalf("expected not-representable value to be absent from the snapshot")
	}

	restarted := NewEvaluation(
		WithRetainedRegistry(NewStateRegistry()),
		WithDurableStore(NewMemoryDurableStoreFrom(snapshot)),
	)
	fresh := &Slot[int]{}
	calls := 0
	value, err := RetainSaveable(restarted, fresh, 0, nil, saver, func() int { calls++; return 8 }, WithKey("x"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if value != 8 || calls != 1 {
		t.Fatalf("expected fresh init after restart, got value=%d calls=%d", value, calls)
	}
}

func TestRememberedRejectsUnstorableRepresentation(t *testing.T) {
	saver := SaverFuncs[int, any]{
		SaveFunc: func(v int) (any, bool) { return make(chan int), true },
	}

	eval := NewEvaluation(
		WithRetainedRegistry(NewStateRegistry()),
		WithDurableStore(NewMemoryDurableStore()),
	)
	slot := &Slot[int]{}
	if _, err := RetainSaveable(eval, slot, 0, nil, saver, func() int { return 1 }, WithKey("bad")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := eval.Commit(); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if err := slot.Remembered(); !errors.Is(err, ErrValueNotStorable) {
		t.Fatalf("expected ErrValueNotStorable, got %v", err)
	}
}

func TestNestedRegistryRetainPropagation(t *testing.T) {
	t.Run("retain true flushes child without finalizing", func(t *testing.T) {
		outer := NewStateRegistry()
		eval := NewEvaluation(
			WithRetainedRegistry(outer),
			WithCanRetainChecker(RetainAlways),
		)

		probe := &lifecycleProbe{}
		child := NewStateRegistry()
		if _, err := child.RegisterValue("inner", func() any { return probe }); err != nil {
			t.Fatalf("register child value: %v", err)
		}

		slot := &Slot[*StateRegistry]{}
		if _, err := Retain(eval, slot, 0, nil, func() *StateRegistry { return child }, WithKey("nested")); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := eval.Commit(); err != nil {
			t.Fatalf("commit failed: %v", err)
		}
		if err := slot.Remembered(); err != nil {
			t.Fatalf("remembered failed: %v", err)
		}
		if err := slot.Forgotten(); err != nil {
			t.Fatalf("forgotten failed: %v", err)
		}

		if got := child.Len(); got != 1 {
			t.Fatalf("expected child saveAll to capture one value, got %d", got)
		}
		if probe.forgotten != 0 {
			t.Fatalf("expected no child finalization when retaining, got %d", probe.forgotten)
		}
		if got := outer.Len(); got != 1 {
			t.Fatalf("expected outer key to be saved, got %d", got)
		}
	})

	t.Run("retain false finalizes unclaimed children once", func(t *testing.T) {
		outer := NewStateRegistry()
		eval := NewEvaluation(
			WithRetainedRegistry(outer),
			WithCanRetainChecker(RetainNever),
		)

		probe := &lifecycleProbe{}
		child := NewStateRegistry()
		if _, err := child.RegisterValue("inner", func() any { return probe }); err != nil {
			t.Fatalf("register child value: %v", err)
		}

		slot := &Slot[*StateRegistry]{}
		if _, err := Retain(eval, slot, 0, nil, func() *StateRegistry { return child }, WithKey("nested")); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := eval.Commit(); err != nil {
			t.Fatalf("commit failed: %v", err)
		}
		if err := slot.Remembered(); err != nil {
			t.Fatalf("remembered failed: %v", err)
		}
		if err := slot.Forgotten(); err != nil {
			t.Fatalf("forgotten failed: %v", err)
		}

		if probe.forgotten != 1 {
			t.Fatalf("expected child finalized exactly once, got %d", probe.forgotten)
		}
		if got := child.Len(); got != 0 {
			t.Fatalf("expected child registry drained, got %d", got)
		}
		if got := outer.Len(); got != 0 {
			t.Fatalf("expected nothing retained in outer registry, got %d", got)
		}
	})
}

func TestCheckerIdentityChangeReplacesHolder(t *testing.T) {
	registry := NewStateRegistry()

	calls := 0
	init := func() *lifecycleProbe {
		calls++
		return &lifecycleProbe{}
	}

	always := NewEvaluation(
		WithRetainedRegistry(registry),
		WithCanRetainChecker(RetainAlways),
	)
	slot := &Slot[*lifecycleProbe]{}
	first, err := Retain(always, slot, 0, nil, init, WithKey("k"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := always.Commit(); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if err := slot.Remembered(); err != nil {
		t.Fatalf("remembered failed: %v", err)
	}

	never := NewEvaluation(
		WithRetainedRegistry(registry),
		WithCanRetainChecker(RetainNever),
	)
	second, err := Retain(never, slot, 0, nil, init, WithKey("k"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second == first {
		t.Fatalf("expected a fresh holder when the checker identity changes")
	}
	if calls != 2 {
		t.Fatalf("expected init to run again, got %d calls", calls)
	}
	if err := never.Commit(); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if first.forgotten != 0 {
		// The old holder was torn down under its own checker (RetainAlways),
		// so the value moved into the registry instead of being finalized.
		t.Fatalf("expected the replaced value to be retained, got %d finalizations", first.forgotten)
	}
	if got := registry.Len(); got != 1 {
		t.Fatalf("expected old holder's value retained, got %d", got)
	}
}

func TestKeyChangeReRegisters(t *testing.T) {
	registry := NewStateRegistry()
	eval := NewEvaluation(
		WithRetainedRegistry(registry),
		WithCanRetainChecker(RetainAlways),
	)

	slot := &Slot[int]{}
	if _, err := Retain(eval, slot, 0, nil, func() int { return 1 }, WithKey("a")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := eval.Commit(); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if err := slot.Remembered(); err != nil {
		t.Fatalf("remembered failed: %v", err)
	}

	if _, err := Retain(eval, slot, 0, nil, func() int { return 1 }, WithKey("b")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := eval.Commit(); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if got := slot.Key(); got != "b" {
		t.Fatalf("expected key to move to %q, got %q", "b", got)
	}

	registry.SaveAll()
	if _, ok := registry.ConsumeValue("a"); ok {
		t.Fatalf("expected old key registration to be gone")
	}
	if _, ok := registry.ConsumeValue("b"); !ok {
		t.Fatalf("expected value registered under the new key")
	}
}

func TestRetainedRegistryChangeReRegisters(t *testing.T) {
	registryA := NewStateRegistry()
	evalA := NewEvaluation(
		WithRetainedRegistry(registryA),
		WithCanRetainChecker(RetainAlways),
	)

	slot := &Slot[int]{}
	if _, err := Retain(evalA, slot, 0, nil, func() int { return 1 }, WithKey("k")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := evalA.Commit(); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if err := slot.Remembered(); err != nil {
		t.Fatalf("remembered failed: %v", err)
	}

	registryB := NewStateRegistry()
	evalB := NewEvaluation(
		WithRetainedRegistry(registryB),
		WithCanRetainChecker(RetainAlways),
	)
	if _, err := Retain(evalB, slot, 0, nil, func() int { return 1 }, WithKey("k")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := evalB.Commit(); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	registryA.SaveAll()
	if _, ok := registryA.ConsumeValue("k"); ok {
		t.Fatalf("expected old registry registration to be gone")
	}
	registryB.SaveAll()
	if _, ok := registryB.ConsumeValue("k"); !ok {
		t.Fatalf("expected value registered with the new registry")
	}
}

func TestDurableStoreChangeReRegisters(t *testing.T) {
	durableA := NewMemoryDurableStore()
	evalA := NewEvaluation(
		WithRetainedRegistry(NewStateRegistry()),
		WithDurableStore(durableA),
	)

	slot := &Slot[int]{}
	if _, err := RetainSaveable(evalA, slot, 0, nil, JSONSaver[int](), func() int { return 4 }, WithKey("n")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := evalA.Commit(); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if err := slot.Remembered(); err != nil {
		t.Fatalf("remembered failed: %v", err)
	}

	durableB := NewMemoryDurableStore()
	evalB := NewEvaluation(
		WithRetainedRegistry(NewStateRegistry()),
		WithDurableStore(durableB),
	)
	if _, err := RetainSaveable(evalB, slot, 0, nil, JSONSaver[int](), func() int { return 4 }, WithKey("n")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := evalB.Commit(); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	if _, ok := durableA.Snapshot()["n"]; ok {
		t.Fatalf("expected old store provider to be gone")
	}
	if _, ok := durableB.Snapshot()["n"]; !ok {
		t.Fatalf("expected provider registered with the new store")
	}
}

func TestReRegistrationAxisPairs(t *testing.T) {
	t.Run("key and retained registry", func(t *testing.T) {
		registryA := NewStateRegistry()
		evalA := NewEvaluation(
			WithRetainedRegistry(registryA),
			WithCanRetainChecker(RetainAlways),
		)
		slot := &Slot[int]{}
		if _, err := Retain(evalA, slot, 0, nil, func() int { return 1 }, WithKey("a")); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := evalA.Commit(); err != nil {
			t.Fatalf("commit failed: %v", err)
		}
		if err := slot.Remembered(); err != nil {
			t.Fatalf("remembered failed: %v", err)
		}

		registryB := NewStateRegistry()
		evalB := NewEvaluation(
			WithRetainedRegistry(registryB),
			WithCanRetainChecker(RetainAlways),
		)
		if _, err := Retain(evalB, slot, 0, nil, func() int { return 1 }, WithKey("b")); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := evalB.Commit(); err != nil {
			t.Fatalf("commit failed: %v", err)
		}
		if got := slot.Key(); got != "b" {
			t.Fatalf("expected key to move to %q, got %q", "b", got)
		}

		registryA.SaveAll()
		if registryA.Len() != 0 {
			t.Fatalf("expected nothing left in the old registry, got %d", registryA.Len())
		}
		registryB.SaveAll()
		if _, ok := registryB.ConsumeValue("b"); !ok {
			t.Fatalf("expected value under the new key in the new registry")
		}
		if _, ok := registryB.ConsumeValue("a"); ok {
			t.Fatalf("expected no value under the old key")
		}
	})

	t.Run("key and durable store", func(t *testing.T) {
		durableA := NewMemoryDurableStore()
		evalA := NewEvaluation(
			WithRetainedRegistry(NewStateRegistry()),
			WithDurableStore(durableA),
		)
		slot := &Slot[int]{}
		if _, err := RetainSaveable(evalA, slot, 0, nil, JSONSaver[int](), func() int { return 4 }, WithKey("a")); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := evalA.Commit(); err != nil {
			t.Fatalf("commit failed: %v", err)
		}
		if err := slot.Remembered(); err != nil {
			t.Fatalf("remembered failed: %v", err)
		}

		durableB := NewMemoryDurableStore()
		evalB := NewEvaluation(
			WithRetainedRegistry(NewStateRegistry()),
			WithDurableStore(durableB),
		)
		if _, err := RetainSaveable(evalB, slot, 0, nil, JSONSaver[int](), func() int { return 4 }, WithKey("b")); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := evalB.Commit(); err != nil {
			t.Fatalf("commit failed: %v", err)
		}

		if got := durableA.Snapshot(); len(got) != 0 {
			t.Fatalf("expected the old store drained, got %v", got)
		}
		snapshot := durableB.Snapshot()
		if _, ok := snapshot["b"]; !ok {
			t.Fatalf("expected provider under the new key, got %v", snapshot)
		}
		if _, ok := snapshot["a"]; ok {
			t.Fatalf("expected no provider under the old key, got %v", snapshot)
		}
	})

	t.Run("retained registry and durable store", func(t *testing.T) {
		registryA := NewStateRegistry()
		durableA := NewMemoryDurableStore()
		evalA := NewEvaluation(
			WithRetainedRegistry(registryA),
			WithDurableStore(durableA),
			WithCanRetainChecker(RetainAlways),
		)
		slot := &Slot[int]{}
		if _, err := RetainSaveable(evalA, slot, 0, nil, JSONSaver[int](), func() int { return 4 }, WithKey("k")); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := evalA.Commit(); err != nil {
			t.Fatalf("commit failed: %v", err)
		}
		if err := slot.Remembered(); err != nil {
			t.Fatalf("remembered failed: %v", err)
		}

		registryB := NewStateRegistry()
		durableB := NewMemoryDurableStore()
		evalB := NewEvaluation(
			WithRetainedRegistry(registryB),
			WithDurableStore(durableB),
			WithCanRetainChecker(RetainAlways),
		)
		if _, err := RetainSaveable(evalB, slot, 0, nil, JSONSaver[int](), func() int { return 4 }, WithKey("k")); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := evalB.Commit(); err != nil {
			t.Fatalf("commit failed: %v", err)
		}

		registryA.SaveAll()
		if registryA.Len() != 0 {
			t.Fatalf("expected old registry drained, got %d", registryA.Len())
		}
		if got := durableA.Snapshot(); len(got) != 0 {
			t.Fatalf("expected old store drained, got %v", got)
		}
		registryB.SaveAll()
		if _, ok := registryB.ConsumeValue("k"); !ok {
			t.Fatalf("expected value registered with the new registry")
		}
		if _, ok := durableB.Snapshot()["k"]; !ok {
			t.Fatalf("expected provider registered with the new store")
		}
	})
}

func TestTypeMismatchedRetainedValueStillFinalized(t *testing.T) {
	registry := NewStateRegistry()
	probe := &lifecycleProbe{}
	entry, err := registry.RegisterValue("k", func() any {
		return &RetainedEntry{Key: "k", Value: probe}
	})
	if err != nil {
		t.Fatalf("seed registration: %v", err)
	}
	registry.SaveValue("k")
	entry.Unregister()

	eval := NewEvaluation(WithRetainedRegistry(registry))
	slot := &Slot[int]{}
	value, err := Retain(eval, slot, 0, nil, func() int { return 5 }, WithKey("k"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if value != 5 {
		t.Fatalf("expected fresh init on type mismatch, got %d", value)
	}
	if slot.RestoredFromRetained() {
		t.Fatalf("expected mismatched record not to count as restored")
	}
	if probe.forgotten != 1 {
		t.Fatalf("expected the unclaimable value to be finalized once, got %d", probe.forgotten)
	}
	if got := registry.Len(); got != 0 {
		t.Fatalf("expected the record consumed, got %d retained", got)
	}
}

func TestCommitAbortsOnRegistrationConflict(t *testing.T) {
	registry := NewStateRegistry()
	if _, err := registry.RegisterValue("b", func() any { return 0 }); err != nil {
		t.Fatalf("seed registration: %v", err)
	}

	eval := NewEvaluation(
		WithRetainedRegistry(registry),
		WithCanRetainChecker(RetainAlways),
	)
	slot := &Slot[int]{}
	if _, err := Retain(eval, slot, 0, nil, func() int { return 1 }, WithKey("a")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := eval.Commit(); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if err := slot.Remembered(); err != nil {
		t.Fatalf("remembered failed: %v", err)
	}

	if _, err := Retain(eval, slot, 0, nil, func() int { return 1 }, WithKey("b")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := eval.Commit(); !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("expected commit to surface the registration conflict, got %v", err)
	}
	if got := eval.Pending(); got != 0 {
		t.Fatalf("expected a failed commit to drop remaining effects, got %d", got)
	}
}

func TestTraceRecordsTransitions(t *testing.T) {
	eval := NewEvaluation(
		WithRetainedRegistry(NewStateRegistry()),
		WithCanRetainChecker(RetainAlways),
		WithTracing(true),
	)
	slot := &Slot[int]{}
	if _, err := Retain(eval, slot, 0, nil, func() int { return 1 }, WithKey("t")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := eval.Commit(); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if err := slot.Remembered(); err != nil {
		t.Fatalf("remembered failed: %v", err)
	}
	if err := slot.Forgotten(); err != nil {
		t.Fatalf("forgotten failed: %v", err)
	}

	trace, ok := slot.Trace()
	if !ok {
		t.Fatalf("expected trace to be collected")
	}
	if trace.Source != SourceFresh {
		t.Fatalf("expected source %q, got %q", SourceFresh, trace.Source)
	}
	if len(trace.Transitions) != 2 {
		t.Fatalf("expected two transitions, got %d", len(trace.Transitions))
	}
	if trace.Transitions[0].State != "remembered" || trace.Transitions[1].State != "forgotten" {
		t.Fatalf("unexpected transition order: %+v", trace.Transitions)
	}
	if !trace.Transitions[1].Retained {
		t.Fatalf("expected the forgotten transition to record the retain decision")
	}

	payload, err := trace.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON failed: %v", err)
	}
	decoded, err := TraceFromJSON(payload)
	if err != nil {
		t.Fatalf("TraceFromJSON failed: %v", err)
	}
	if decoded.Key != trace.Key || decoded.Source != trace.Source || len(decoded.Transitions) != len(trace.Transitions) {
		t.Fatalf("trace did not survive the JSON round trip: %+v", decoded)
	}
}

func TestActivityEventsEmitted(t *testing.T) {
	capture := &activity.CaptureHook{}
	eval := NewEvaluation(
		WithRetainedRegistry(NewStateRegistry()),
		WithCanRetainChecker(RetainAlways),
		WithActivityHooks(activity.Hooks{capture}),
	)
	slot := &Slot[int]{}
	if _, err := Retain(eval, slot, 0, nil, func() int { return 1 }, WithKey("evt")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := eval.Commit(); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if err := slot.Remembered(); err != nil {
		t.Fatalf("remembered failed: %v", err)
	}
	if err := slot.Forgotten(); err != nil {
		t.Fatalf("forgotten failed: %v", err)
	}

	verbs := capture.Verbs()
	want := []string{"retain.slot.remembered", "retain.slot.forgotten", "retain.slot.saved"}
	if len(verbs) != len(want) {
		t.Fatalf("expected verbs %v, got %v", want, verbs)
	}
	for i := range want {
		if verbs[i] != want[i] {
			t.Fatalf("expected verbs %v, got %v", want, verbs)
		}
	}
	for _, event := range capture.Events {
		if event.ObjectType != "retain.slot" || event.ObjectID != "evt" {
			t.Fatalf("unexpected event identity: %+v", event)
		}
		if event.Channel != "retain" {
			t.Fatalf("expected default channel, got %q", event.Channel)
		}
	}
	if retained, ok := capture.Events[1].Metadata["retained"].(bool); !ok || !retained {
		t.Fatalf("expected forgotten event to carry the retain decision, got %+v", capture.Events[1].Metadata)
	}
}

func TestRetainCellRoundTrip(t *testing.T) {
	registry := NewStateRegistry()
	durable := NewMemoryDurableStore()
	eval := NewEvaluation(
		WithRetainedRegistry(registry),
		WithDurableStore(durable),
		WithCanRetainChecker(RetainAlways),
	)

	slot := &Slot[*Cell[int]]{}
	cell, err := RetainCell(eval, slot, 0, nil, JSONSaver[int](), func() *Cell[int] {
		return NewCell(0, PolicyStructural)
	}, WithKey("counter"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := eval.Commit(); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if err := slot.Remembered(); err != nil {
		t.Fatalf("remembered failed: %v", err)
	}

	cell.Set(2)
	snapshot := durable.Snapshot()
	if err := slot.Forgotten(); err != nil {
		t.Fatalf("forgotten failed: %v", err)
	}

	// Restart: empty retained registry, snapshot-seeded durable store.
	restarted := NewEvaluation(
		WithRetainedRegistry(NewStateRegistry()),
		WithDurableStore(NewMemoryDurableStoreFrom(snapshot)),
		WithCanRetainChecker(RetainAlways),
	)
	rebuilt := &Slot[*Cell[int]]{}
	cell2, err := RetainCell(restarted, rebuilt, 0, nil, JSONSaver[int](), func() *Cell[int] {
		t.Fatalf("init must not run when the durable store restores the cell")
		return nil
	}, WithKey("counter"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := cell2.Get(); got != 2 {
		t.Fatalf("expected restored cell to hold 2, got %d", got)
	}
	if got := cell2.Policy(); got != PolicyStructural {
		t.Fatalf("expected equality policy to survive the round trip, got %v", got)
	}
}

func BenchmarkRetainRebuild(b *testing.B) {
	eval := NewEvaluation(
		WithRetainedRegistry(NewStateRegistry()),
		WithCanRetainChecker(RetainAlways),
	)
	slot := &Slot[int]{}
	inputs := []any{"a", 1}
	init := func() int { return 1 }

	if _, err := Retain(eval, slot, 7, inputs, init); err != nil {
		b.Fatal(err)
	}
	if err := eval.Commit(); err != nil {
		b.Fatal(err)
	}
	if err := slot.Remembered(); err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := Retain(eval, slot, 7, inputs, init); err != nil {
			b.Fatal(err)
		}
		if err := eval.Commit(); err != nil {
			b.Fatal(err)
		}
	}
}
