package engine

// These errors are user errors, not internal errors.  The engine never
// retries: an error raised during an agenda drain aborts the whole
// top-level command, and whatever state changes were already applied stay
// applied.  Atomicity, if wanted, belongs to the caller's transaction.

import "fmt"

// IllegalTransition occurs when a transition is attempted from a state
// that does not permit it (say, trigger on an instance that never
// started).
type IllegalTransition struct {
	InstID     string
	ItemName   string
	From       State
	Transition Transition
}

func (e *IllegalTransition) Error() string {
	return fmt.Sprintf("illegal transition %q from state %q (plan item %q, instance %s)",
		e.Transition, e.From, e.ItemName, e.InstID)
}

// UnknownCase occurs when a command names a case instance the engine does
// not know.
type UnknownCase struct {
	Id string
}

func (e *UnknownCase) Error() string {
	return `unknown case instance "` + e.Id + `"`
}

// UnknownPlanItemInstance occurs when a command names a plan item
// instance that does not exist in the case.
type UnknownPlanItemInstance struct {
	CaseID string
	InstID string
}

func (e *UnknownPlanItemInstance) Error() string {
	return `unknown plan item instance "` + e.InstID + `" in case ` + e.CaseID
}

// UnknownDefinition occurs when a case task (or a start command)
// references a case definition that was never registered.
type UnknownDefinition struct {
	Name string
}

func (e *UnknownDefinition) Error() string {
	return `unknown case definition "` + e.Name + `"`
}

// UnknownBehavior occurs when no behavior is registered for a plan item
// definition kind.
type UnknownBehavior struct {
	Kind string
}

func (e *UnknownBehavior) Error() string {
	return `no behavior for plan item kind "` + e.Kind + `"`
}

// DefNotCompiled occurs when a CaseDef is given to the engine before
// model.CaseDef.Compile succeeded.
type DefNotCompiled struct {
	Name string
}

func (e *DefNotCompiled) Error() string {
	return `case definition "` + e.Name + `" not compiled`
}

// ExpressionError wraps an evaluator failure so callers can tell "runtime
// data is missing" apart from "model is malformed".
type ExpressionError struct {
	Src string
	Err error
}

func (e *ExpressionError) Error() string {
	return `expression error in "` + e.Src + `": ` + e.Err.Error()
}

func (e *ExpressionError) Unwrap() error {
	return e.Err
}

// BadTimerExpression occurs when a timer expression parses as neither an
// RFC3339 instant, an ISO-8601 duration, nor a cron expression.
type BadTimerExpression struct {
	Expr string
}

func (e *BadTimerExpression) Error() string {
	return `bad timer expression "` + e.Expr + `"`
}

// LimitExceeded occurs when a single drain performs more operations than
// its Control allows, which almost always means a cyclic model.
type LimitExceeded struct {
	Limit int
}

func (e *LimitExceeded) Error() string {
	return fmt.Sprintf("agenda drain exceeded %d operations", e.Limit)
}
