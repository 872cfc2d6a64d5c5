package retain

import (
	"fmt"
	"time"
)

// RetainPolicy is an expression-driven CanRetainChecker: the retain decision
// at teardown is the result of evaluating a policy expression. Evaluation
// failures and non-boolean results resolve to false so a broken policy never
// leaks values into the retained registry silently; the failure is still
// reported through the configured logger.
type RetainPolicy struct {
	expr      string
	evaluator PolicyEvaluator
	cache     ProgramCache
	functions *FunctionRegistry
	logger    PolicyLogger
	args      map[string]any
	metadata  map[string]any
}

// PolicyOption configures a RetainPolicy.
type PolicyOption func(*RetainPolicy)

// WithPolicyEvaluator sets the evaluator executing the policy expression.
// Without one, an expr-lang evaluator is constructed on first use.
func WithPolicyEvaluator(evaluator PolicyEvaluator) PolicyOption {
	return func(p *RetainPolicy) {
		p.evaluator = evaluator
	}
}

// WithPolicyProgramCache wires a compiled-program cache into the default
// evaluator.
func WithPolicyProgramCache(cache ProgramCache) PolicyOption {
	return func(p *RetainPolicy) {
		p.cache = cache
	}
}

// WithPolicyFunctions exposes the registry's functions to policy expressions.
func WithPolicyFunctions(registry *FunctionRegistry) PolicyOption {
	return func(p *RetainPolicy) {
		if registry == nil {
			return
		}
		p.functions = registry.Clone()
	}
}

// WithPolicyFunction registers fn under name for policy expressions.
func WithPolicyFunction(name string, fn Function) PolicyOption {
	return func(p *RetainPolicy) {
		if p.functions == nil {
			p.functions = NewFunctionRegistry()
		}
		_ = p.functions.Register(name, fn)
	}
}

// WithPolicyLogger attaches a logger recording each policy decision.
func WithPolicyLogger(logger PolicyLogger) PolicyOption {
	return func(p *RetainPolicy) {
		if logger == nil {
			p.logger = noopPolicyLogger{}
			return
		}
		p.logger = logger
	}
}

// WithPolicyArgs supplies the args map visible to policy expressions.
func WithPolicyArgs(args map[string]any) PolicyOption {
	return func(p *RetainPolicy) {
		p.args = args
	}
}

// WithPolicyMetadata supplies the metadata map visible to policy expressions.
func WithPolicyMetadata(metadata map[string]any) PolicyOption {
	return func(p *RetainPolicy) {
		p.metadata = metadata
	}
}

// NewRetainPolicy constructs a policy around expression.
func NewRetainPolicy(expression string, opts ...PolicyOption) *RetainPolicy {
	p := &RetainPolicy{
		expr:   expression,
		logger: noopPolicyLogger{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// CanRetain implements CanRetainChecker. Errors resolve to false.
func (p *RetainPolicy) CanRetain(Registry) bool {
	retain, _ := p.Decide(PolicyContext{})
	return retain
}

// Decide evaluates the policy expression against ctx and coerces the result
// to a boolean. Any non-boolean result is an error.
func (p *RetainPolicy) Decide(ctx PolicyContext) (bool, error) {
	if p == nil {
		return false, fmt.Errorf("retain: policy is nil")
	}
	if p.expr == "" {
		return false, wrapPolicyError("policy", fmt.Errorf("expression must not be empty"))
	}
	evaluator, err := p.resolveEvaluator()
	if err != nil {
		return false, err
	}
	if ctx.Args == nil {
		ctx.Args = p.args
	}
	if ctx.Metadata == nil {
		ctx.Metadata = p.metadata
	}
	ctx = ctx.withDefaultNow().withDefaultMaps()

	engine := policyEngineName(evaluator)
	start := time.Now()
	value, evalErr := evaluator.Evaluate(ctx, p.expr)
	duration := time.Since(start)
	evalErr = wrapPolicyEvaluationError(engine, p.expr, ctx.keyLabel(), evalErr)

	retain := false
	if evalErr == nil {
		coerced, ok := value.(bool)
		if !ok {
			evalErr = wrapPolicyEvaluationError(engine, p.expr, ctx.keyLabel(),
				fmt.Errorf("policy must produce a boolean, got %T", value))
		}
		retain = coerced
	}

	p.policyLogger().LogPolicy(PolicyLogEvent{
		Engine:   engine,
		Expr:     p.expr,
		Key:      ctx.keyLabel(),
		Retain:   retain,
		Duration: duration,
		Err:      evalErr,
	})
	if evalErr != nil {
		return false, evalErr
	}
	return retain, nil
}

func (p *RetainPolicy) resolveEvaluator() (PolicyEvaluator, error) {
	if p.evaluator != nil {
		return p.evaluator, nil
	}
	var exprOpts []ExprEvaluatorOption
	if p.cache != nil {
		exprOpts = append(exprOpts, ExprWithProgramCache(p.cache))
	}
	if p.functions != nil {
		exprOpts = append(exprOpts, ExprWithFunctionRegistry(p.functions))
	}
	defaultEvaluator := NewExprEvaluator(exprOpts...)
	if defaultEvaluator == nil {
		return nil, ErrNoPolicyEvaluator
	}
	p.evaluator = defaultEvaluator
	return defaultEvaluator, nil
}

func (p *RetainPolicy) policyLogger() PolicyLogger {
	if p.logger == nil {
		return noopPolicyLogger{}
	}
	return p.logger
}

func policyEngineName(e PolicyEvaluator) string {
	if e == nil {
		return "unknown"
	}
	switch fmt.Sprintf("%T", e) {
	case "*retain.exprEvaluator":
		return "expr"
	case "*retain.celEvaluator":
		return "cel"
	case "*retain.jsEvaluator":
		return "js"
	default:
		return "custom"
	}
}
