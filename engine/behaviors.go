/* Copyright 2026 Caseworks

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package engine

import (
	"context"
	"time"

	"github.com/caseworks/docket/expr"
	"github.com/caseworks/docket/model"
)

// The built-in behaviors.  RegisterBehavior can replace any of them.

func defaultBehaviors() map[model.DefKind]Behavior {
	return map[model.DefKind]Behavior{
		model.KindStage:               stageBehavior{},
		model.KindHumanTask:           humanTaskBehavior{},
		model.KindServiceTask:         serviceTaskBehavior{},
		model.KindCaseTask:            caseTaskBehavior{},
		model.KindProcessTask:         processTaskBehavior{},
		model.KindCasePageTask:        casePageBehavior{},
		model.KindMilestone:           milestoneBehavior{},
		model.KindTimerEventListener:  timerBehavior{},
		model.KindUserEventListener:   userEventBehavior{},
		model.KindSignalEventListener: signalBehavior{},
	}
}

// baseBehavior provides the do-nothing defaults.
type baseBehavior struct{}

func (baseBehavior) Execute(ctx context.Context, rt *Runtime, inst *PlanItemInstance) (*Future, error) {
	return nil, nil
}

func (baseBehavior) Trigger(ctx context.Context, rt *Runtime, inst *PlanItemInstance, result expr.Bindings) error {
	rt.PlanComplete(inst, result)
	return nil
}

func (baseBehavior) OnStateTransition(ctx context.Context, rt *Runtime, inst *PlanItemInstance, t Transition) error {
	return nil
}

func correlate(rt *Runtime, inst *PlanItemInstance) Correlation {
	return Correlation{
		ScopeType:  ScopeTypeCase,
		ScopeID:    rt.Case().Id,
		SubScopeID: inst.Id,
	}
}

// stageBehavior defers to the stage initialization machinery.  A stage
// never has a direct external completion; it completes when its children
// allow it to.
type stageBehavior struct {
	baseBehavior
}

func (stageBehavior) Execute(ctx context.Context, rt *Runtime, inst *PlanItemInstance) (*Future, error) {
	rt.planInitStage(inst.Id)
	return nil, nil
}

func (stageBehavior) Trigger(ctx context.Context, rt *Runtime, inst *PlanItemInstance, result expr.Bindings) error {
	rt.planComplete(inst.Id, result, false)
	return nil
}

// humanTaskBehavior publishes a task to the task service and waits for
// Trigger.  Non-blocking tasks complete immediately, leaving the task
// entry behind for whoever cares.
type humanTaskBehavior struct {
	baseBehavior
}

func (humanTaskBehavior) Execute(ctx context.Context, rt *Runtime, inst *PlanItemInstance) (*Future, error) {
	d := inst.Def()
	err := rt.Engine().Tasks.CreateTask(ctx, correlate(rt, inst), inst.Name(), d.Assignee, d.FormKey, rt.ScopeFor(inst))
	if err != nil {
		return nil, err
	}
	if !d.IsBlocking() {
		rt.PlanComplete(inst, nil)
	}
	return nil, nil
}

func (humanTaskBehavior) OnStateTransition(ctx context.Context, rt *Runtime, inst *PlanItemInstance, t Transition) error {
	switch t {
	case Complete, Terminate, Exit, Fault:
		return rt.Engine().Tasks.DeleteTask(ctx, correlate(rt, inst))
	}
	return nil
}

// serviceTaskBehavior evaluates its expression against the instance
// scope and completes in the same step.
type serviceTaskBehavior struct {
	baseBehavior
}

func (serviceTaskBehavior) Execute(ctx context.Context, rt *Runtime, inst *PlanItemInstance) (*Future, error) {
	d := inst.Def()
	var result expr.Bindings
	if d.Expression != nil {
		v, err := d.Expression.Eval(ctx, rt.ScopeFor(inst))
		if err != nil {
			return nil, &ExpressionError{Src: d.Expression.Source, Err: err}
		}
		if d.ResultVar != "" {
			result = expr.Bindings{d.ResultVar: v}
		}
	}
	rt.PlanComplete(inst, result)
	return nil, nil
}

// caseTaskBehavior starts a child case.  The child runs under its own
// lock, so starting it here cannot contend with the drain we are on.
// When the child ends later, the engine routes the outcome back through
// a fresh drain; when it ends before Execute returns (a fully automatic
// child), the outcome is applied right here.
type caseTaskBehavior struct {
	baseBehavior
}

func (caseTaskBehavior) Execute(ctx context.Context, rt *Runtime, inst *PlanItemInstance) (*Future, error) {
	d := inst.Def()
	eng := rt.Engine()

	child, end, err := eng.startChildCase(ctx, d.CaseRef, rt.Case().Id, inst.Id, rt.ScopeFor(inst))
	if err != nil {
		return nil, err
	}
	inst.ReferenceID, inst.ReferenceType = child.Id, "case"

	if end != nil {
		// The child already ran to its end.
		switch end.state {
		case Completed:
			rt.PlanComplete(inst, childResult(d, end.output))
		default:
			rt.planExit(inst.Id, Exit, "", "", true)
		}
		return nil, nil
	}

	if !d.IsBlocking() {
		rt.PlanComplete(inst, nil)
	}
	return nil, nil
}

func (caseTaskBehavior) Trigger(ctx context.Context, rt *Runtime, inst *PlanItemInstance, result expr.Bindings) error {
	rt.PlanComplete(inst, childResult(inst.Def(), result))
	return nil
}

func (caseTaskBehavior) OnStateTransition(ctx context.Context, rt *Runtime, inst *PlanItemInstance, t Transition) error {
	switch t {
	case Terminate, Exit:
		if inst.ReferenceID != "" {
			return rt.Engine().terminateChildCase(ctx, inst.ReferenceID)
		}
	}
	return nil
}

// childResult wraps a child case's variables under the parent's result
// variable.  Without a result variable the child's output is dropped.
func childResult(d *model.PlanItemDef, output expr.Bindings) expr.Bindings {
	if d.ResultVar == "" || output == nil {
		return nil
	}
	return expr.Bindings{d.ResultVar: map[string]interface{}(output)}
}

// processTaskBehavior runs an external process.  With a worker topic the
// work goes onto the job board and an external worker triggers the
// completion; with a process ref the process service owns the future.
type processTaskBehavior struct {
	baseBehavior
}

func (processTaskBehavior) Execute(ctx context.Context, rt *Runtime, inst *PlanItemInstance) (*Future, error) {
	d := inst.Def()
	eng := rt.Engine()
	if d.Topic != "" {
		if err := eng.Jobs.CreateExternalWorkerJob(ctx, correlate(rt, inst), d.Topic, rt.ScopeFor(inst)); err != nil {
			return nil, err
		}
		if !d.IsBlocking() {
			rt.PlanComplete(inst, nil)
		}
		return nil, nil
	}
	fut, err := eng.Procs.Start(ctx, correlate(rt, inst), d.ProcessRef, rt.ScopeFor(inst))
	if err != nil {
		return nil, err
	}
	if !d.IsBlocking() {
		rt.PlanComplete(inst, nil)
		return nil, nil
	}
	return fut, nil
}

func (processTaskBehavior) Trigger(ctx context.Context, rt *Runtime, inst *PlanItemInstance, result expr.Bindings) error {
	d := inst.Def()
	if d.ResultVar != "" && result != nil {
		if v, have := result[d.ResultVar]; have {
			result = expr.Bindings{d.ResultVar: v}
		}
	}
	rt.PlanComplete(inst, result)
	return nil
}

// casePageBehavior is a presentation surface, not work.  When its
// enclosing stage ends for a good reason the page "completes" so views
// bound to it read as done rather than torn down.
type casePageBehavior struct {
	baseBehavior
}

func (casePageBehavior) OnParentEnd(ctx context.Context, rt *Runtime, inst *PlanItemInstance, parentEnd Transition, exitEventType string) error {
	happy := parentEnd == Complete ||
		exitEventType == model.ExitEventTypeComplete ||
		exitEventType == model.ExitEventTypeForceComplete
	if happy {
		return rt.ForceComplete(ctx, inst)
	}
	return rt.ForceEnd(ctx, inst, Exit)
}

type milestoneBehavior struct {
	baseBehavior
}

// timerBehavior arms a timer job when the listener becomes available.
// The job service calls Engine.FireTimer at the due time.
type timerBehavior struct {
	baseBehavior
}

func (timerBehavior) Arm(ctx context.Context, rt *Runtime, inst *PlanItemInstance) error {
	due, err := NextDue(inst.Def().TimerExpr, time.Now())
	if err != nil {
		return err
	}
	return rt.Engine().Jobs.ScheduleTimerJob(ctx, correlate(rt, inst), due)
}

func (timerBehavior) OnStateTransition(ctx context.Context, rt *Runtime, inst *PlanItemInstance, t Transition) error {
	switch t {
	case Occur, Terminate, Exit, Dismiss:
		return rt.Engine().Jobs.CancelTimerJob(ctx, correlate(rt, inst))
	}
	return nil
}

type userEventBehavior struct {
	baseBehavior
}

// signalBehavior subscribes to a named external event.
type signalBehavior struct {
	baseBehavior
}

func (signalBehavior) Arm(ctx context.Context, rt *Runtime, inst *PlanItemInstance) error {
	return rt.Engine().Subs.Create(ctx, correlate(rt, inst), inst.Def().EventName)
}

func (signalBehavior) OnStateTransition(ctx context.Context, rt *Runtime, inst *PlanItemInstance, t Transition) error {
	switch t {
	case Occur, Terminate, Exit, Dismiss:
		return rt.Engine().Subs.Delete(ctx, correlate(rt, inst))
	}
	return nil
}
