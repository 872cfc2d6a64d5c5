package retain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrAlreadyRegistered indicates a registry slot already holds an active
	// registration for the requested key. This is a defect in the caller, not
	// a recoverable condition.
	ErrAlreadyRegistered = errors.New("retain: key already registered")

	// ErrHolderNotResolved indicates a holder's value was read before value
	// resolution completed.
	ErrHolderNotResolved = errors.New("retain: holder value read before resolution completed")

	// ErrLifecycleOrder indicates a lifecycle transition arrived out of order
	// (a terminal transition repeated, or Forgotten before Remembered).
	ErrLifecycleOrder = errors.New("retain: lifecycle transition out of order")

	// ErrValueNotStorable indicates the durable store rejected the storable
	// representation a Saver produced. This is a configuration error; supply
	// a custom Saver that emits a representation the store supports.
	ErrValueNotStorable = errors.New("retain: value cannot be stored durably")

	// ErrNoPolicyEvaluator indicates a retain policy had no evaluator
	// configured and the default could not be constructed.
	ErrNoPolicyEvaluator = errors.New("retain: policy evaluator not configured")
)

// PolicyError captures evaluator metadata alongside the originating error.
type PolicyError struct {
	Engine string
	Expr   string
	Key    string
	Err    error
}

func (e *PolicyError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("retain: %s policy %s key=%s: %v", e.Engine, describeExpression(e.Expr), e.Key, e.Err)
}

func (e *PolicyError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func describeExpression(expr string) string {
	if expr == "" {
		return "expr=<empty>"
	}
	return fmt.Sprintf("expr=%q", expr)
}

func wrapPolicyError(engine string, err error) error {
	if err == nil {
		return nil
	}

	var policyErr *PolicyError
	if errors.As(err, &policyErr) {
		return err
	}

	if strings.HasPrefix(err.Error(), "retain:") {
		return err
	}
	return fmt.Errorf("retain: %s policy: %w", engine, err)
}

func wrapPolicyEvaluationError(engine, expr, key string, err error) error {
	if err == nil {
		return nil
	}

	var policyErr *PolicyError
	if errors.As(err, &policyErr) {
		if policyErr.Engine == "" {
			policyErr.Engine = engine
		}
		if policyErr.Expr == "" {
			policyErr.Expr = expr
		}
		if policyErr.Key == "" {
			policyErr.Key = key
		}
		return policyErr
	}

	return &PolicyError{
		Engine: engine,
		Expr:   expr,
		Key:    key,
		Err:    err,
	}
}
