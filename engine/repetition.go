package engine

import (
	"context"

	"github.com/caseworks/docket/expr"
)

// evalRepetition decides, at completion time, what a repeating instance's
// completion does: spawn the next repetition, park the completer waiting
// for room, or nothing.
//
// The rule's condition (or the implicit "more items in the bound
// collection") is evaluated against the current scope.  MaxInstanceCount
// caps the repetition counter; a spawn blocked only by concurrently-live
// siblings parks the completer in waitingForRepetition instead.
func (rt *Runtime) evalRepetition(ctx context.Context, inst *PlanItemInstance) (spawn, wait bool, err error) {
	item := inst.item
	if item == nil || !item.Repeats() {
		return false, false, nil
	}
	rep := item.Control.Repetition
	scope := rt.ci.scopeFor(inst)

	again := true
	conditioned := false

	if rep.Condition != nil {
		conditioned = true
		v, err := rep.Condition.Eval(ctx, scope)
		if err != nil {
			return false, false, &ExpressionError{rep.Condition.Source, err}
		}
		again = expr.Truthy(v)
	}

	if rep.Collection != "" {
		coll, is := scope[rep.Collection].([]interface{})
		more := is && inst.Repetition < len(coll)
		if conditioned {
			again = again && more
		} else {
			again = more
		}
	} else if !conditioned {
		// A repetition rule with neither condition nor collection
		// would repeat forever; treat it as done.
		again = false
	}

	if !again {
		return false, false, nil
	}

	max := rep.MaxInstanceCount
	if 0 < max && max <= inst.Repetition {
		// The counter cap is reached: complete, no spawn.
		return false, false, nil
	}

	if 0 < max {
		live := 0
		for _, sib := range rt.ci.InstancesOf(inst.ItemID) {
			if sib.Id == inst.Id || sib.State.Terminal() {
				continue
			}
			switch sib.State {
			case Available, Enabled, Active, AsyncActive:
				live++
			}
		}
		if max <= live {
			return false, true, nil
		}
	}

	return true, false, nil
}

// aggregate merges a completing repetition's selected output variables
// into case-level collection variables.  Append, never overwrite: each
// repetition is one contribution.
func (rt *Runtime) aggregate(ctx context.Context, inst *PlanItemInstance) error {
	item := inst.item
	if item == nil || !item.Repeats() {
		return nil
	}
	rep := item.Control.Repetition
	if len(rep.Aggregations) == 0 {
		return nil
	}

	scope := rt.ci.scopeFor(inst)
	for _, agg := range rep.Aggregations {
		val, have := scope[agg.Source]
		if !have {
			continue
		}
		coll, _ := rt.ci.Variables[agg.Target].([]interface{})
		rt.ci.Variables[agg.Target] = append(coll, val)
	}
	return nil
}
