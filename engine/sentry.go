package engine

// Sentry evaluation.
//
// On-part firings are recorded eagerly, per candidate instance, at the
// moment the triggering event is observed; whether the whole criterion is
// satisfied is checked lazily, once per queued evaluate operation.  That
// split is what makes AND-semantics come out right when several on-parts
// fire within one cascade.
//
// The fired sets live on the plan item instance, so a repetition or a
// stage re-entry starts from a clean slate; no other reset applies.

import (
	"context"

	"github.com/caseworks/docket/expr"
	"github.com/caseworks/docket/model"
)

// criteriaEvent describes why criteria are being re-evaluated: a
// lifecycle event of a source plan item, a variable change, or the
// structural appearance of one target instance.
type criteriaEvent struct {
	// SourceItemID and Event identify a lifecycle event, matched
	// against sentry on-parts.
	SourceItemID string
	SourceInstID string
	Event        string

	// TargetInstID restricts evaluation to one just-created instance
	// (checking whether its if-part-only sentries already hold).
	TargetInstID string

	// VariableChange re-evaluates if-parts everywhere without marking
	// any on-part.
	VariableChange bool
}

type evaluateCriteriaOp struct {
	ev criteriaEvent
}

func (op *evaluateCriteriaOp) name() string {
	switch {
	case op.ev.TargetInstID != "":
		return "evaluateCriteria target " + op.ev.TargetInstID
	case op.ev.VariableChange:
		return "evaluateCriteria variables"
	default:
		return "evaluateCriteria " + op.ev.SourceItemID + "/" + op.ev.Event
	}
}

func (op *evaluateCriteriaOp) perform(ctx context.Context, rt *Runtime) error {
	var candidates []*PlanItemInstance
	if op.ev.TargetInstID != "" {
		inst, err := rt.instance(op.ev.TargetInstID)
		if err != nil {
			return err
		}
		candidates = []*PlanItemInstance{inst}
	} else {
		candidates = make([]*PlanItemInstance, 0, len(rt.ci.Order))
		for _, id := range rt.ci.Order {
			candidates = append(candidates, rt.ci.Items[id])
		}
	}

	for _, inst := range candidates {
		if inst == nil || inst.item == nil || inst.State.Terminal() {
			continue
		}
		if err := rt.evaluateEntry(ctx, inst, op.ev); err != nil {
			return err
		}
		if err := rt.evaluateExit(ctx, inst, op.ev); err != nil {
			return err
		}
	}
	return nil
}

// evaluateEntry marks and checks the entry criteria of one available
// instance; a satisfied criterion enqueues the activating transition.
func (rt *Runtime) evaluateEntry(ctx context.Context, inst *PlanItemInstance, ev criteriaEvent) error {
	if inst.State != Available {
		return nil
	}
	for _, c := range inst.item.EntryCriteria {
		satisfied, err := rt.criterionSatisfied(ctx, inst, c, ev)
		if err != nil {
			return err
		}
		if !satisfied {
			continue
		}

		rt.resetCriterion(inst, c)
		rt.recordSatisfaction(SatisfactionRecord{
			CriterionID: c.Id,
			SentryID:    c.Sentry().Id,
			InstID:      inst.Id,
			Item:        inst.Name(),
			Entry:       true,
		})
		rt.eng.logf("case %s: entry criterion %s satisfied for %q", rt.ci.Id, c.Id, inst.Name())

		manual := inst.item.Control != nil && inst.item.Control.ManualActivation != nil
		switch {
		case inst.def.Kind.EventListener():
			rt.planOccur(inst.Id, true)
		case manual:
			if _, err := rt.apply(inst, Enable, false); err != nil {
				return err
			}
			rt.fireEvent(inst, Enable)
		default:
			rt.planStart(inst.Id, false, true)
		}
		return nil
	}
	return nil
}

// evaluateExit marks and checks the exit criteria of one instance; a
// satisfied criterion enqueues the exit, honoring the criterion's exit
// type (which instances of a repeating item are affected) and exit event
// type (how the ending reads to ParentEndAware children).
func (rt *Runtime) evaluateExit(ctx context.Context, inst *PlanItemInstance, ev criteriaEvent) error {
	for _, c := range inst.item.ExitCriteria {
		satisfied, err := rt.criterionSatisfied(ctx, inst, c, ev)
		if err != nil {
			return err
		}
		if !satisfied {
			continue
		}

		if !exitApplies(c.ExitType, inst.State) {
			// The fired set stays: the criterion is latched, and the
			// exit lands once the instance reaches an applicable
			// state.
			continue
		}

		rt.resetCriterion(inst, c)

		rt.recordSatisfaction(SatisfactionRecord{
			CriterionID: c.Id,
			SentryID:    c.Sentry().Id,
			InstID:      inst.Id,
			Item:        inst.Name(),
			Entry:       false,
		})
		rt.eng.logf("case %s: exit criterion %s satisfied for %q", rt.ci.Id, c.Id, inst.Name())

		rt.planExit(inst.Id, Exit, c.ExitType, c.ExitEventType, true)
		return nil
	}
	return nil
}

// criterionSatisfied marks any on-parts matching the event and then
// decides satisfaction: every on-part observed since the last reset, and
// the if-part (if any) truthy.  A sentry with neither on-parts nor an
// if-part is malformed and never satisfied.
func (rt *Runtime) criterionSatisfied(ctx context.Context, inst *PlanItemInstance, c *model.Criterion, ev criteriaEvent) (bool, error) {
	sentry := c.Sentry()
	if sentry == nil || sentry.Empty() {
		return false, nil
	}

	fired := inst.firedSet(c.Id)

	if ev.Event != "" {
		for _, on := range sentry.OnParts {
			if on.Source() != nil && on.Source().Id == ev.SourceItemID && on.StandardEvent == ev.Event {
				fired[on.Key()] = true
			}
		}
	}

	for _, on := range sentry.OnParts {
		if !fired[on.Key()] {
			return false, nil
		}
	}

	if sentry.IfPart != nil {
		v, err := sentry.IfPart.Condition.Eval(ctx, rt.ci.scopeFor(inst))
		if err != nil {
			return false, &ExpressionError{sentry.IfPart.Condition.Source, err}
		}
		if !expr.Truthy(v) {
			return false, nil
		}
	}
	return true, nil
}

// resetCriterion clears the fired on-part set after a criterion triggers.
func (rt *Runtime) resetCriterion(inst *PlanItemInstance, c *model.Criterion) {
	if inst.fired != nil {
		delete(inst.fired, c.Id)
	}
}

// exitApplies filters exit targets by the criterion's exit type.
func exitApplies(exitType string, s State) bool {
	switch exitType {
	case model.ExitTypeActive:
		return s.Busy()
	case model.ExitTypeActiveAndEnabled:
		return s.Busy() || s == Enabled
	default:
		return !s.Terminal()
	}
}
