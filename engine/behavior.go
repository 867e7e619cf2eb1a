package engine

import (
	"context"
	"sync"

	"github.com/caseworks/docket/expr"
)

// Behavior is the pluggable per-plan-item-kind logic.  A behavior
// interacts with the core solely through this contract; its domain action
// (mail, HTTP, whatever) is its own business.
//
// Guarantees to implementers: Execute is called exactly once per
// active-entry.  Trigger is only called while the instance is active (or
// async-active); otherwise the engine raises IllegalTransition without
// consulting the behavior.
type Behavior interface {
	// Execute runs when the instance enters active.  Returning a
	// non-nil Future leaves the instance async-active until the future
	// completes; returning (nil, nil) leaves it active, waiting for
	// Trigger; a behavior that is done immediately calls
	// rt.PlanComplete before returning.
	Execute(ctx context.Context, rt *Runtime, inst *PlanItemInstance) (*Future, error)

	// Trigger is the external completion signal (user action, worker
	// result, timer fired).  Result carries whatever variables the
	// external party delivered.
	Trigger(ctx context.Context, rt *Runtime, inst *PlanItemInstance, result expr.Bindings) error

	// OnStateTransition is invoked after complete/occur/terminate/
	// exit/dismiss/fault transitions so the behavior can clean up
	// external artifacts.  Must be idempotent.
	OnStateTransition(ctx context.Context, rt *Runtime, inst *PlanItemInstance, t Transition) error
}

// Armer is an optional behavior extension for event listeners: Arm runs
// when the instance becomes available, before any activation.
type Armer interface {
	Arm(ctx context.Context, rt *Runtime, inst *PlanItemInstance) error
}

// ParentEndAware is an optional behavior extension for plan item kinds
// that do not follow the default "terminate on parent end" rule.  The
// decision depends on why the parent ended, so the parent's end
// transition and the exit criterion's event type are passed along.
type ParentEndAware interface {
	OnParentEnd(ctx context.Context, rt *Runtime, inst *PlanItemInstance, parentEnd Transition, exitEventType string) error
}

// Future is a pending asynchronous behavior result.
//
// The goroutine that completes the future starts a brand-new agenda
// drain; the drain that created the future has long since returned.  The
// engine never blocks on a future.
type Future struct {
	mu     sync.Mutex
	done   bool
	result expr.Bindings
	err    error
	resume func(result expr.Bindings, err error)
}

// NewFuture makes an incomplete Future.
func NewFuture() *Future {
	return &Future{}
}

// Complete delivers the result.  The first call wins; later calls are
// ignored, which makes external cancellation racing against delivery
// safe.
func (f *Future) Complete(result expr.Bindings, err error) {
	f.mu.Lock()
	if f.done {
		f.mu.Unlock()
		return
	}
	f.done = true
	f.result = result
	f.err = err
	resume := f.resume
	f.mu.Unlock()

	if resume != nil {
		resume(result, err)
	}
}

// bind wires the future to its instance.  If the behavior completed the
// future before Execute even returned, the continuation goes onto the
// current drain's tail; otherwise completion later posts a continuation
// through the engine in a fresh drain.
func (f *Future) bind(rt *Runtime, inst *PlanItemInstance) {
	eng, caseID, instID := rt.eng, rt.ci.Id, inst.Id

	f.mu.Lock()
	if f.done {
		result, err := f.result, f.err
		f.mu.Unlock()
		rt.planFuture(instID, result, err)
		return
	}
	f.resume = func(result expr.Bindings, err error) {
		if rerr := eng.resumeAsync(context.Background(), caseID, instID, result, err); rerr != nil {
			eng.logf("future continuation for %s/%s failed: %v", caseID, instID, rerr)
		}
	}
	f.mu.Unlock()
}
