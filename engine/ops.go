package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/caseworks/docket/expr"
	"github.com/caseworks/docket/model"

	"github.com/google/uuid"
)

// instance resolves an instance id or reports UnknownPlanItemInstance.
func (rt *Runtime) instance(id string) (*PlanItemInstance, error) {
	inst := rt.ci.Items[id]
	if inst == nil {
		return nil, &UnknownPlanItemInstance{rt.ci.Id, id}
	}
	return inst, nil
}

// apply takes the transition if it is legal from the instance's current
// state.  For auto (agenda-internal) operations an illegal transition is
// skipped silently, since a queued operation can be outrun by a cascade
// that already ended its target; for externally-requested operations it
// is an error.
func (rt *Runtime) apply(inst *PlanItemInstance, t Transition, auto bool) (bool, error) {
	to, ok := nextState(inst.State, t)
	if !ok {
		if auto {
			return false, nil
		}
		return false, &IllegalTransition{inst.Id, inst.Name(), inst.State, t}
	}
	from := inst.State
	inst.State = to
	rt.record(OpRecord{Op: string(t), InstID: inst.Id, Item: inst.Name(), From: from, To: to})
	rt.eng.logf("case %s: %s %q %s -> %s", rt.ci.Id, t, inst.Name(), from, to)
	return true, nil
}

// fireEvent announces a lifecycle event so that dependent sentries get
// re-evaluated.  The evaluation happens in a queued operation, never
// inline; that indirection is what makes the cascade deterministic.
func (rt *Runtime) fireEvent(inst *PlanItemInstance, t Transition) {
	if inst.item == nil {
		// The plan model instance is not a plan item; nothing can
		// reference it from an on-part.
		return
	}
	rt.planEvaluateCriteria(criteriaEvent{
		SourceItemID: inst.ItemID,
		SourceInstID: inst.Id,
		Event:        t.StandardEvent(),
	})
}

// createOp makes a new plan item instance in a stage instance.
type createOp struct {
	itemID      string
	stageInstID string
	repetition  int
}

func (op *createOp) name() string { return "create " + op.itemID }

func (op *createOp) perform(ctx context.Context, rt *Runtime) error {
	item := rt.ci.Def.ItemById(op.itemID)
	if item == nil {
		return fmt.Errorf("create: unknown plan item %q in case %s", op.itemID, rt.ci.Id)
	}

	inst := &PlanItemInstance{
		Id:          uuid.NewString(),
		ItemID:      item.Id,
		State:       created,
		StageInstID: op.stageInstID,
		Repetition:  op.repetition,
		Locals:      expr.NewBindings(),
		item:        item,
		def:         item.Def(),
	}
	rt.ci.register(inst)

	// Bind the collection element and index for collection-driven
	// repetitions.
	if item.Repeats() {
		rep := item.Control.Repetition
		if rep.Collection != "" {
			idx := op.repetition - 1
			// The merged scope, so a collection bound in an enclosing
			// stage instance's locals is visible too.
			if coll, is := rt.ci.scopeFor(inst)[rep.Collection].([]interface{}); is && idx < len(coll) {
				if rep.ElementVar != "" {
					inst.Locals[rep.ElementVar] = coll[idx]
				}
				if rep.IndexVar != "" {
					inst.Locals[rep.IndexVar] = idx
				}
			}
		}
	}

	if _, err := rt.apply(inst, Create, false); err != nil {
		return err
	}

	// A manual-activation rule parks the instance in enabled, waiting
	// for user confirmation.
	if item.Control != nil && item.Control.ManualActivation != nil {
		applies, err := rt.ruleApplies(ctx, item.Control.ManualActivation, inst)
		if err != nil {
			return err
		}
		if applies {
			if _, err := rt.apply(inst, Enable, false); err != nil {
				return err
			}
		}
	}

	// Event listeners arm on availability: a timer starts counting, a
	// signal listener subscribes.
	if b, err := rt.eng.behaviorFor(inst.def.Kind); err == nil {
		if armer, is := b.(Armer); is && !inst.State.Terminal() {
			if err := armer.Arm(ctx, rt, inst); err != nil {
				return err
			}
		}
	}

	rt.fireEvent(inst, Create)

	if inst.State != Available {
		return nil
	}

	if len(item.EntryCriteria) == 0 {
		switch inst.def.Kind {
		case model.KindMilestone:
			// An unguarded milestone occurs as soon as it exists.
			rt.planOccur(inst.Id, true)
		case model.KindTimerEventListener, model.KindUserEventListener, model.KindSignalEventListener:
			// Listeners wait for their event.
		default:
			rt.planStart(inst.Id, false, true)
		}
		return nil
	}

	// If-part-only sentries might already hold.
	rt.planEvaluateCriteria(criteriaEvent{TargetInstID: inst.Id})
	return nil
}

// startOp moves an instance into active and runs its behavior.
type startOp struct {
	instID string
	manual bool
	auto   bool
}

func (op *startOp) name() string { return "start " + op.instID }

func (op *startOp) perform(ctx context.Context, rt *Runtime) error {
	inst, err := rt.instance(op.instID)
	if err != nil {
		return err
	}

	t := Start
	if op.manual {
		t = ManualStart
	}
	applied, err := rt.apply(inst, t, op.auto)
	if err != nil || !applied {
		return err
	}

	rt.fireEvent(inst, t)

	// Execute exactly once per active-entry.
	if inst.executed {
		return nil
	}
	inst.executed = true

	b, err := rt.eng.behaviorFor(inst.def.Kind)
	if err != nil {
		return err
	}
	fut, err := b.Execute(ctx, rt, inst)
	if err != nil {
		return err
	}
	if fut != nil {
		// The behavior's work is pending elsewhere.  The drain goes
		// on; completing the future posts a continuation in a new
		// drain.
		inst.State = AsyncActive
		inst.future = fut
		rt.record(OpRecord{Op: "async", InstID: inst.Id, Item: inst.Name(), From: Active, To: AsyncActive})
		fut.bind(rt, inst)
	}
	return nil
}

// completeOp finishes an active instance: repetition, aggregation,
// history, parent completion, sentry events.
type completeOp struct {
	instID string
	result expr.Bindings
	auto   bool
}

func (op *completeOp) name() string { return "complete " + op.instID }

func (op *completeOp) perform(ctx context.Context, rt *Runtime) error {
	inst, err := rt.instance(op.instID)
	if err != nil {
		return err
	}

	if _, ok := nextState(inst.State, Complete); !ok {
		if op.auto {
			return nil
		}
		return &IllegalTransition{inst.Id, inst.Name(), inst.State, Complete}
	}

	if op.result != nil {
		rt.ci.Variables.Overlay(op.result)
	}

	// A completing stage dismisses whatever never ran; completion is
	// only reachable when nothing underneath is still busy.
	if inst.def != nil && inst.def.Kind == model.KindStage {
		if err := rt.endChildren(ctx, inst, Complete, ""); err != nil {
			return err
		}
	}

	spawn, wait, err := rt.evalRepetition(ctx, inst)
	if err != nil {
		return err
	}
	if wait {
		from := inst.State
		inst.State = WaitingForRepetition
		rt.record(OpRecord{Op: "waitRepetition", InstID: inst.Id, Item: inst.Name(), From: from, To: WaitingForRepetition})
		return nil
	}

	if _, err := rt.apply(inst, Complete, false); err != nil {
		return err
	}
	inst.future = nil

	if err := rt.aggregate(ctx, inst); err != nil {
		return err
	}
	if spawn {
		rt.planCreate(inst.ItemID, inst.StageInstID, inst.Repetition+1)
	}

	b, err := rt.eng.behaviorFor(inst.def.Kind)
	if err != nil {
		return err
	}
	if err := b.OnStateTransition(ctx, rt, inst, Complete); err != nil {
		return err
	}

	rt.fireEvent(inst, Complete)
	rt.planStageCompletionCheck(inst.StageInstID)

	if inst.Id == rt.ci.PlanModelInstID {
		rt.ci.State = Completed
		rt.caseEnded = true
	}
	return nil
}

// occurOp collapses start+complete for milestones and event listeners.
type occurOp struct {
	instID string
	auto   bool
}

func (op *occurOp) name() string { return "occur " + op.instID }

func (op *occurOp) perform(ctx context.Context, rt *Runtime) error {
	inst, err := rt.instance(op.instID)
	if err != nil {
		return err
	}

	if _, ok := nextState(inst.State, Occur); !ok {
		if op.auto {
			return nil
		}
		return &IllegalTransition{inst.Id, inst.Name(), inst.State, Occur}
	}

	spawn, wait, err := rt.evalRepetition(ctx, inst)
	if err != nil {
		return err
	}
	if wait {
		from := inst.State
		inst.State = WaitingForRepetition
		rt.record(OpRecord{Op: "waitRepetition", InstID: inst.Id, Item: inst.Name(), From: from, To: WaitingForRepetition})
		return nil
	}

	if inst.def != nil && inst.def.Kind == model.KindMilestone {
		rt.ci.Milestones = append(rt.ci.Milestones, &MilestoneRecord{
			Id:         uuid.NewString(),
			InstID:     inst.Id,
			ItemID:     inst.ItemID,
			Name:       inst.Name(),
			Repetition: inst.Repetition,
			Time:       time.Now().UTC(),
		})
	}

	if _, err := rt.apply(inst, Occur, false); err != nil {
		return err
	}

	if err := rt.aggregate(ctx, inst); err != nil {
		return err
	}
	if spawn {
		rt.planCreate(inst.ItemID, inst.StageInstID, inst.Repetition+1)
	}

	b, err := rt.eng.behaviorFor(inst.def.Kind)
	if err != nil {
		return err
	}
	if err := b.OnStateTransition(ctx, rt, inst, Occur); err != nil {
		return err
	}

	rt.fireEvent(inst, Occur)
	rt.planStageCompletionCheck(inst.StageInstID)
	return nil
}

// exitOp ends an instance (and, for stages, everything underneath it).
type exitOp struct {
	instID        string
	transition    Transition // Exit, Terminate, or Dismiss
	exitType      string
	exitEventType string
	auto          bool
}

func (op *exitOp) name() string { return string(op.transition) + " " + op.instID }

func (op *exitOp) perform(ctx context.Context, rt *Runtime) error {
	inst, err := rt.instance(op.instID)
	if err != nil {
		return err
	}
	if inst.State.Terminal() {
		// Outrun by the cascade; ending twice is fine.
		return nil
	}

	if err := rt.endInstance(ctx, inst, op.transition, op.exitEventType); err != nil {
		return err
	}

	rt.planStageCompletionCheck(inst.StageInstID)

	if inst.Id == rt.ci.PlanModelInstID {
		rt.ci.State = Terminated
		rt.caseEnded = true
	}
	return nil
}

// endInstance applies the terminate/exit/dismiss family to an instance,
// cascading depth-first through stage children in child order so that no
// orphaned active child survives a teardown.  The recursion is inline
// (not queued): a teardown is forced, not sentry-gated.
func (rt *Runtime) endInstance(ctx context.Context, inst *PlanItemInstance, t Transition, exitEventType string) error {
	if inst.State.Terminal() {
		return nil
	}

	if inst.def != nil && (inst.def.Kind == model.KindStage || inst.def.Kind == model.KindPlanFragment) {
		if err := rt.endChildren(ctx, inst, t, exitEventType); err != nil {
			return err
		}
	}

	act := t
	switch inst.State {
	case Available, Enabled, Unavailable, WaitingForRepetition:
		if t == Exit {
			// Never activated: the option is dismissed, not exited.
			act = Dismiss
		}
	}

	if _, err := rt.apply(inst, act, false); err != nil {
		return err
	}
	inst.future = nil

	b, err := rt.eng.behaviorFor(inst.def.Kind)
	if err != nil {
		return err
	}
	// Cleanup of external artifacts (timers, subscriptions, tasks) is
	// the behavior's job and must be idempotent.
	if err := b.OnStateTransition(ctx, rt, inst, act); err != nil {
		return err
	}

	rt.fireEvent(inst, act)
	return nil
}

// endChildren ends every non-terminal child of a stage instance, in child
// order.  ParentEndAware behaviors get to decide how their instance ends,
// because the decision depends on why the parent ended.
//
// A completing parent completes each child for which Complete is legal
// (an operator closing a stage by hand means its open work is done, not
// undone); children that never activated get dismissed instead.
func (rt *Runtime) endChildren(ctx context.Context, stage *PlanItemInstance, parentEnd Transition, exitEventType string) error {
	for _, childID := range stage.ChildIds {
		child := rt.ci.Items[childID]
		if child == nil || child.State.Terminal() {
			continue
		}
		b, err := rt.eng.behaviorFor(child.def.Kind)
		if err != nil {
			return err
		}
		if pe, is := b.(ParentEndAware); is {
			if err := pe.OnParentEnd(ctx, rt, child, parentEnd, exitEventType); err != nil {
				return err
			}
			continue
		}
		childEnd := parentEnd
		if childEnd == Complete {
			if _, ok := nextState(child.State, Complete); ok {
				if err := (&completeOp{instID: child.Id, auto: false}).perform(ctx, rt); err != nil {
					return err
				}
				continue
			}
			childEnd = Exit
		}
		if err := rt.endInstance(ctx, child, childEnd, exitEventType); err != nil {
			return err
		}
	}
	return nil
}

// ForceComplete completes an instance through whatever completing
// transition its state allows, ending it otherwise.  Intended for
// ParentEndAware behaviors.
func (rt *Runtime) ForceComplete(ctx context.Context, inst *PlanItemInstance) error {
	if inst.State.Terminal() {
		return nil
	}
	if _, ok := nextState(inst.State, Complete); ok {
		return (&completeOp{instID: inst.Id, auto: false}).perform(ctx, rt)
	}
	if _, ok := nextState(inst.State, Occur); ok {
		return (&occurOp{instID: inst.Id, auto: false}).perform(ctx, rt)
	}
	return rt.endInstance(ctx, inst, Exit, "")
}

// ForceEnd terminates an instance and its descendants.  Intended for
// ParentEndAware behaviors.
func (rt *Runtime) ForceEnd(ctx context.Context, inst *PlanItemInstance, t Transition) error {
	return rt.endInstance(ctx, inst, t, "")
}

// initStageOp populates a freshly-activated stage instance with its child
// plan item instances.
type initStageOp struct {
	instID string
}

func (op *initStageOp) name() string { return "initStage " + op.instID }

func (op *initStageOp) perform(ctx context.Context, rt *Runtime) error {
	inst, err := rt.instance(op.instID)
	if err != nil {
		return err
	}
	if !inst.State.Busy() {
		return nil
	}

	var stageDef *model.PlanItemDef
	if inst.def != nil {
		stageDef = inst.def
	}
	if stageDef == nil || stageDef.Kind != model.KindStage {
		return fmt.Errorf("initStage: instance %s is not a stage", inst.Id)
	}

	for _, item := range model.EffectivePlanItems(stageDef) {
		rt.planCreate(item.Id, inst.Id, 1)
	}
	// An empty (or entirely optional) stage may already be done.
	rt.planStageCompletionCheck(inst.Id)
	return nil
}

// stageCompletionOp decides whether a stage instance can complete now.
type stageCompletionOp struct {
	instID string
}

func (op *stageCompletionOp) name() string { return "checkComplete " + op.instID }

func (op *stageCompletionOp) perform(ctx context.Context, rt *Runtime) error {
	inst, err := rt.instance(op.instID)
	if err != nil {
		return err
	}
	if !inst.State.Busy() {
		return nil
	}

	ok, err := rt.stageCompletable(ctx, inst)
	if err != nil {
		return err
	}
	if ok {
		rt.planComplete(inst.Id, nil, true)
	}
	return nil
}

// stageCompletable applies the stage completion rule: nothing busy, and
// nothing pending that counts.  With autoComplete only required pending
// children count; without it any pending child blocks completion.
// Completion-neutral children and instances parked waiting for repetition
// never block.
func (rt *Runtime) stageCompletable(ctx context.Context, stage *PlanItemInstance) (bool, error) {
	auto := stage.def != nil && stage.def.AutoComplete
	for _, childID := range stage.ChildIds {
		child := rt.ci.Items[childID]
		if child == nil || child.State.Terminal() {
			continue
		}
		if child.State == WaitingForRepetition {
			continue
		}
		if child.def != nil && child.def.Kind == model.KindCasePageTask {
			// Pages are presentation, not work.
			continue
		}
		if child.State.Busy() {
			return false, nil
		}

		item := child.item
		if item != nil && item.Control != nil && item.Control.CompletionNeutral != nil {
			neutral, err := rt.ruleApplies(ctx, item.Control.CompletionNeutral, child)
			if err != nil {
				return false, err
			}
			if neutral {
				continue
			}
		}

		// A child that is certain to start (no entry criteria and
		// already available) blocks completion even under
		// autoComplete; the agenda just hasn't reached it yet.
		if child.State == Available && item != nil && len(item.EntryCriteria) == 0 {
			switch child.def.Kind {
			case model.KindTimerEventListener, model.KindUserEventListener, model.KindSignalEventListener:
				// Listeners wait; they don't auto-start.
			default:
				return false, nil
			}
		}

		if auto {
			required := false
			if item != nil && item.Control != nil && item.Control.Required != nil {
				var err error
				required, err = rt.ruleApplies(ctx, item.Control.Required, child)
				if err != nil {
					return false, err
				}
			}
			if required {
				return false, nil
			}
			continue
		}
		return false, nil
	}
	return true, nil
}

// futureOp is the continuation posted when a pending asynchronous result
// arrives.  It resumes exactly where complete would normally run, without
// re-invoking Execute.
type futureOp struct {
	instID string
	result expr.Bindings
	err    error
}

func (op *futureOp) name() string { return "future " + op.instID }

func (op *futureOp) perform(ctx context.Context, rt *Runtime) error {
	inst, err := rt.instance(op.instID)
	if err != nil {
		return err
	}

	if op.err != nil {
		// Async behavior failure: mark the instance failed and
		// surface the original error unchanged.
		if _, aerr := rt.apply(inst, Fault, false); aerr != nil {
			return aerr
		}
		inst.future = nil
		if b, berr := rt.eng.behaviorFor(inst.def.Kind); berr == nil {
			if cerr := b.OnStateTransition(ctx, rt, inst, Fault); cerr != nil {
				return cerr
			}
		}
		rt.fireEvent(inst, Fault)
		return op.err
	}

	if _, ok := nextState(inst.State, Complete); !ok {
		return &IllegalTransition{inst.Id, inst.Name(), inst.State, Complete}
	}
	inst.future = nil
	return (&completeOp{instID: op.instID, result: op.result, auto: false}).perform(ctx, rt)
}

// ruleApplies evaluates an item control rule: present with no condition
// means it applies; otherwise the condition must read truthy against the
// instance's scope.
func (rt *Runtime) ruleApplies(ctx context.Context, rule *model.Rule, inst *PlanItemInstance) (bool, error) {
	if rule == nil {
		return false, nil
	}
	if rule.Condition == nil {
		return true, nil
	}
	v, err := rule.Condition.Eval(ctx, rt.ci.scopeFor(inst))
	if err != nil {
		return false, &ExpressionError{rule.Condition.Source, err}
	}
	return expr.Truthy(v), nil
}
