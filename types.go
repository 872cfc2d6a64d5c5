package retain

import (
	"time"

	"github.com/goliatone/go-retain/pkg/activity"
)

// Entry represents an active registration in a registry. Unregister removes
// the registration; it is safe to call on a registration that was already
// superseded.
type Entry interface {
	Unregister()
}

// Registry is the retained store: an in-memory, tree-lifetime-scoped keyed
// store that survives transient rebuilds of a subtree. A value stored under a
// key may itself be a nested Registry instance.
type Registry interface {
	// RegisterValue installs provider under key. It fails with
	// ErrAlreadyRegistered when the key already holds an active registration.
	RegisterValue(key string, provider func() any) (Entry, error)

	// ConsumeValue removes and returns the retained value stored under key.
	// A key yields a value at most once.
	ConsumeValue(key string) (any, bool)

	// SaveValue captures the registered provider's current output for key
	// into the concrete retained list.
	SaveValue(key string)

	// SaveAll flushes every registered provider's output into the concrete
	// retained list.
	SaveAll()

	// ForgetUnclaimedValues finalizes every retained value that was not
	// re-claimed this cycle.
	ForgetUnclaimedValues()
}

// DurableStore is the durable snapshot store: a keyed store whose contents
// survive a full process restart. Values pass through a Saver before being
// handed to it.
type DurableStore interface {
	// ConsumeRestored removes and returns the storable representation
	// restored under key. A key yields a value at most once.
	ConsumeRestored(key string) (any, bool)

	// RegisterProvider installs a storable provider under key. A nil provider
	// output means the value is not representable and must be skipped.
	RegisterProvider(key string, provider func() any) (Entry, error)

	// CanBeSaved reports whether the store supports the given storable
	// representation.
	CanBeSaved(value any) bool
}

// CanRetainChecker decides, at teardown, whether values owned by a subtree
// should be kept in the retained registry or finalized now. It is queried
// only on terminal lifecycle transitions.
type CanRetainChecker interface {
	CanRetain(registry Registry) bool
}

// CanRetainFunc adapts a plain function to CanRetainChecker.
type CanRetainFunc func(Registry) bool

// CanRetain implements CanRetainChecker.
func (f CanRetainFunc) CanRetain(registry Registry) bool {
	if f == nil {
		return false
	}
	return f(registry)
}

type staticChecker bool

func (c staticChecker) CanRetain(Registry) bool { return bool(c) }

var (
	// RetainAlways keeps values on every teardown.
	RetainAlways CanRetainChecker = staticChecker(true)
	// RetainNever finalizes values on every teardown.
	RetainNever CanRetainChecker = staticChecker(false)
)

// ValueLifecycle is implemented by retained values that want to observe their
// own lifetime. ValueRemembered fires once when the owning node commits into
// the live tree (unless the value was restored from the retained registry);
// ValueForgotten fires once when the value is permanently finalized.
type ValueLifecycle interface {
	ValueRemembered()
	ValueForgotten()
}

// RetainedEntry is the unit a holder registers with the retained registry.
// Inputs are the remembered invalidation inputs; on restore they take
// precedence over the caller's construction-time inputs.
type RetainedEntry struct {
	Key    string
	Value  any
	Inputs []any
}

// PolicyContext carries inputs needed when evaluating a retain-policy
// expression.
type PolicyContext struct {
	Key      string
	Now      *time.Time
	Args     map[string]any
	Metadata map[string]any
}

func (ctx PolicyContext) withDefaultNow() PolicyContext {
	if ctx.Now != nil {
		return ctx
	}
	now := time.Now()
	ctx.Now = &now
	return ctx
}

func (ctx PolicyContext) timestamp() time.Time {
	ctx = ctx.withDefaultNow()
	return *ctx.Now
}

func (ctx PolicyContext) withDefaultMaps() PolicyContext {
	if ctx.Args == nil {
		ctx.Args = map[string]any{}
	}
	if ctx.Metadata == nil {
		ctx.Metadata = map[string]any{}
	}
	return ctx
}

func (ctx PolicyContext) keyLabel() string {
	if ctx.Key == "" {
		return "unknown"
	}
	return ctx.Key
}

// PolicyEvaluator executes retain-policy expressions against a policy context.
type PolicyEvaluator interface {
	Evaluate(ctx PolicyContext, expr string) (any, error)
	Compile(expr string, opts ...CompileOption) (CompiledPolicy, error)
}

// CompiledPolicy represents a reusable policy expression program.
type CompiledPolicy interface {
	Evaluate(ctx PolicyContext) (any, error)
}

// CompileOption configures policy compile behaviour.
type CompileOption interface {
	applyCompileOption(*compileConfig)
}

type compileConfig struct{}

type compileOptionFunc func(*compileConfig)

func (f compileOptionFunc) applyCompileOption(cfg *compileConfig) {
	if f != nil {
		f(cfg)
	}
}

// Option configures an Evaluation.
type Option func(*evalConfig)

type evalConfig struct {
	retained Registry
	durable  DurableStore
	checker  CanRetainChecker
	emitter  *activity.Emitter
	tracing  bool
}

func applyOptions(opts []Option) evalConfig {
	cfg := evalConfig{}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}

// WithRetainedRegistry wires the retained store into the evaluation. A nil
// registry disables retention: values are computed fresh on every rebuild.
func WithRetainedRegistry(registry Registry) Option {
	return func(cfg *evalConfig) {
		cfg.retained = registry
	}
}

// WithDurableStore wires the durable snapshot store into the evaluation. A
// nil store disables the durable bridge.
func WithDurableStore(store DurableStore) Option {
	return func(cfg *evalConfig) {
		cfg.durable = store
	}
}

// WithCanRetainChecker configures the retain decision queried at teardown.
// Without a checker every teardown finalizes.
func WithCanRetainChecker(checker CanRetainChecker) Option {
	return func(cfg *evalConfig) {
		cfg.checker = checker
	}
}

// WithTracing enables per-slot lifecycle traces.
func WithTracing(enabled bool) Option {
	return func(cfg *evalConfig) {
		cfg.tracing = enabled
	}
}
