package retain

import "time"

// PolicyLogEvent describes a retain-policy evaluation attempt for logging.
type PolicyLogEvent struct {
	Engine   string
	Expr     string
	Key      string
	Retain   bool
	Duration time.Duration
	Err      error
}

// PolicyLogger records retain-policy decisions.
type PolicyLogger interface {
	LogPolicy(PolicyLogEvent)
}

// PolicyLoggerFunc adapts a function to PolicyLogger.
type PolicyLoggerFunc func(PolicyLogEvent)

// LogPolicy implements PolicyLogger.
func (f PolicyLoggerFunc) LogPolicy(event PolicyLogEvent) {
	if f != nil {
		f(event)
	}
}

type noopPolicyLogger struct{}

func (noopPolicyLogger) LogPolicy(PolicyLogEvent) {}
