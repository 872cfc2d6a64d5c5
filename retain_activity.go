package retain

import "github.com/goliatone/go-retain/pkg/activity"

// WithActivityHooks attaches activity hooks to the evaluation. Slot lifecycle
// transitions are emitted on the "retain" channel. Nil hook entries are
// dropped.
func WithActivityHooks(hooks activity.Hooks) Option {
	emitter := activity.NewEmitter(hooks, activity.Config{Enabled: true})
	return func(cfg *evalConfig) {
		cfg.emitter = emitter
	}
}
