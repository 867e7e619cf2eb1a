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

// Package engine executes compiled case models: it owns the plan item
// instance lifecycles, sentry evaluation, and the per-case agenda that
// serializes everything.
package engine

import (
	"context"
	"log"
	"sort"
	"sync"

	"github.com/caseworks/docket/expr"
	"github.com/caseworks/docket/model"

	"github.com/google/uuid"
)

// Engine hosts case definitions and their running instances.
//
// An Engine is safe for concurrent use.  Commands on different cases run
// in parallel; commands on the same case serialize on that case's lock.
type Engine struct {
	// Logf, when set, receives the engine's chatter.  See Tracing.
	Logf func(format string, args ...interface{})

	// Tracing turns on agenda-level logging via the standard logger
	// when Logf is nil.
	Tracing bool

	// Control bounds each drain.  Nil means DefaultControl.
	Control *Control

	// The external services.  NewEngine installs no-op defaults, so a
	// bare engine runs fine; swap these before starting cases.
	Tasks TaskService
	Jobs  JobService
	Subs  EventSubscriptionService
	Procs ProcessService

	mu        sync.Mutex
	defs      map[string]*model.CaseDef
	behaviors map[model.DefKind]Behavior
	cases     map[string]*CaseInstance

	// squelch holds child case ids whose end is being handled inline by
	// the parent drain that initiated it, so the usual parent
	// notification must stay quiet.
	squelch map[string]bool
}

// NewEngine makes an Engine with the built-in behaviors and no-op
// external services.
func NewEngine() *Engine {
	return &Engine{
		Tasks:     noopTasks{},
		Jobs:      noopJobs{},
		Subs:      noopSubs{},
		Procs:     noopProcs{},
		defs:      make(map[string]*model.CaseDef, 8),
		behaviors: defaultBehaviors(),
		cases:     make(map[string]*CaseInstance, 8),
		squelch:   make(map[string]bool, 2),
	}
}

func (eng *Engine) logf(format string, args ...interface{}) {
	if eng.Logf != nil {
		eng.Logf(format, args...)
		return
	}
	if eng.Tracing {
		log.Printf(format, args...)
	}
}

// RegisterDef adds a compiled case definition under its name, replacing
// any previous version.
func (eng *Engine) RegisterDef(def *model.CaseDef) error {
	if !def.Compiled() {
		return &DefNotCompiled{Name: def.Name}
	}
	eng.mu.Lock()
	eng.defs[def.Name] = def
	eng.mu.Unlock()
	return nil
}

// Definition looks up a registered case definition.
func (eng *Engine) Definition(name string) (*model.CaseDef, error) {
	eng.mu.Lock()
	def, have := eng.defs[name]
	eng.mu.Unlock()
	if !have {
		return nil, &UnknownDefinition{Name: name}
	}
	return def, nil
}

// DefinitionNames lists the registered definitions, sorted.
func (eng *Engine) DefinitionNames() []string {
	eng.mu.Lock()
	names := make([]string, 0, len(eng.defs))
	for name := range eng.defs {
		names = append(names, name)
	}
	eng.mu.Unlock()
	sort.Strings(names)
	return names
}

// RegisterBehavior installs (or replaces) the behavior for a plan item
// kind.
func (eng *Engine) RegisterBehavior(kind model.DefKind, b Behavior) {
	eng.mu.Lock()
	eng.behaviors[kind] = b
	eng.mu.Unlock()
}

func (eng *Engine) behaviorFor(kind model.DefKind) (Behavior, error) {
	eng.mu.Lock()
	b, have := eng.behaviors[kind]
	eng.mu.Unlock()
	if !have {
		return nil, &UnknownBehavior{Kind: string(kind)}
	}
	return b, nil
}

// CaseByID looks up a live case instance.
func (eng *Engine) CaseByID(id string) (*CaseInstance, error) {
	eng.mu.Lock()
	ci, have := eng.cases[id]
	eng.mu.Unlock()
	if !have {
		return nil, &UnknownCase{Id: id}
	}
	return ci, nil
}

// CaseIDs lists the live case instance ids, sorted.
func (eng *Engine) CaseIDs() []string {
	eng.mu.Lock()
	ids := make([]string, 0, len(eng.cases))
	for id := range eng.cases {
		ids = append(ids, id)
	}
	eng.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// AdoptCase installs a restored case instance (see the storage package)
// so commands can reach it again.
func (eng *Engine) AdoptCase(ci *CaseInstance) {
	eng.mu.Lock()
	eng.cases[ci.Id] = ci
	eng.mu.Unlock()
}

// run executes one command against a case: take the case lock, seed the
// agenda, drain it.  If the drain ended the case, the parent (if any) is
// notified after the lock is released, which keeps lock order strictly
// parent before child.
func (eng *Engine) run(ctx context.Context, ci *CaseInstance, seed func(rt *Runtime) error) (*Drained, error) {
	ci.Lock()
	rt := newRuntime(eng, ci)
	var d *Drained
	err := seed(rt)
	if err == nil {
		d, err = rt.drain(ctx)
	}
	ended := rt.caseEnded
	ci.Unlock()

	if ended {
		eng.caseEnded(ctx, ci)
	}
	return d, err
}

// StartCase creates and runs a new instance of a registered definition.
// The returned journal covers everything through the first quiescence.
func (eng *Engine) StartCase(ctx context.Context, defName string, params expr.Bindings) (*CaseInstance, *Drained, error) {
	def, err := eng.Definition(defName)
	if err != nil {
		return nil, nil, err
	}

	ci := newCaseInstance(def, params)
	eng.mu.Lock()
	eng.cases[ci.Id] = ci
	eng.mu.Unlock()

	d, err := eng.run(ctx, ci, seedRoot)
	return ci, d, err
}

// seedRoot makes the plan model instance and queues its population.  The
// root stage is born active; it has no criteria and no behavior hooks of
// its own.
func seedRoot(rt *Runtime) error {
	ci := rt.ci
	root := &PlanItemInstance{
		Id:       uuid.NewString(),
		State:    Active,
		Locals:   expr.NewBindings(),
		def:      ci.Def.PlanModel,
		executed: true,
	}
	ci.register(root)
	ci.PlanModelInstID = root.Id
	rt.record(OpRecord{Op: "start", InstID: root.Id, Item: ci.Def.PlanModel.Id, From: created, To: Active})
	rt.planInitStage(root.Id)
	return nil
}

// Trigger delivers an external completion signal to an active instance:
// a user finishing a human task, a worker returning a job result, a
// stage being completed by hand.
func (eng *Engine) Trigger(ctx context.Context, caseID, instID string, result expr.Bindings) (*Drained, error) {
	ci, err := eng.CaseByID(caseID)
	if err != nil {
		return nil, err
	}
	return eng.run(ctx, ci, func(rt *Runtime) error {
		inst, err := rt.instance(instID)
		if err != nil {
			return err
		}
		if !inst.State.Busy() {
			return &IllegalTransition{inst.Id, inst.Name(), inst.State, Complete}
		}
		b, err := eng.behaviorFor(inst.def.Kind)
		if err != nil {
			return err
		}
		return b.Trigger(ctx, rt, inst, result)
	})
}

// Occur fires an event listener or milestone instance directly.
func (eng *Engine) Occur(ctx context.Context, caseID, instID string) (*Drained, error) {
	ci, err := eng.CaseByID(caseID)
	if err != nil {
		return nil, err
	}
	return eng.run(ctx, ci, func(rt *Runtime) error {
		rt.planOccur(instID, false)
		return nil
	})
}

// ManualStart activates an enabled instance.
func (eng *Engine) ManualStart(ctx context.Context, caseID, instID string) (*Drained, error) {
	ci, err := eng.CaseByID(caseID)
	if err != nil {
		return nil, err
	}
	return eng.run(ctx, ci, func(rt *Runtime) error {
		rt.planStart(instID, true, false)
		return nil
	})
}

// Disable declines an enabled instance.
func (eng *Engine) Disable(ctx context.Context, caseID, instID string) (*Drained, error) {
	return eng.userTransition(ctx, caseID, instID, Disable)
}

// Reenable reverses a Disable.
func (eng *Engine) Reenable(ctx context.Context, caseID, instID string) (*Drained, error) {
	return eng.userTransition(ctx, caseID, instID, Reenable)
}

// Suspend pauses an active instance; Resume puts it back.
func (eng *Engine) Suspend(ctx context.Context, caseID, instID string) (*Drained, error) {
	return eng.userTransition(ctx, caseID, instID, SuspendT)
}

func (eng *Engine) Resume(ctx context.Context, caseID, instID string) (*Drained, error) {
	return eng.userTransition(ctx, caseID, instID, Resume)
}

func (eng *Engine) userTransition(ctx context.Context, caseID, instID string, t Transition) (*Drained, error) {
	ci, err := eng.CaseByID(caseID)
	if err != nil {
		return nil, err
	}
	return eng.run(ctx, ci, func(rt *Runtime) error {
		inst, err := rt.instance(instID)
		if err != nil {
			return err
		}
		if _, err := rt.apply(inst, t, false); err != nil {
			return err
		}
		rt.fireEvent(inst, t)
		return nil
	})
}

// CompleteStage completes a stage instance by hand, for stages whose
// remaining children are all discretionary.
func (eng *Engine) CompleteStage(ctx context.Context, caseID, instID string) (*Drained, error) {
	ci, err := eng.CaseByID(caseID)
	if err != nil {
		return nil, err
	}
	return eng.run(ctx, ci, func(rt *Runtime) error {
		inst, err := rt.instance(instID)
		if err != nil {
			return err
		}
		if inst.def == nil || inst.def.Kind != model.KindStage {
			return &IllegalTransition{inst.Id, inst.Name(), inst.State, Complete}
		}
		rt.planComplete(instID, nil, false)
		return nil
	})
}

// TerminateCase tears down a whole case instance.
func (eng *Engine) TerminateCase(ctx context.Context, caseID string) (*Drained, error) {
	ci, err := eng.CaseByID(caseID)
	if err != nil {
		return nil, err
	}
	return eng.run(ctx, ci, func(rt *Runtime) error {
		rt.planExit(ci.PlanModelInstID, Terminate, "", "", false)
		return nil
	})
}

// SetVariables overlays case variables and re-evaluates if-parts, since
// an if-part-only sentry can become satisfied by a variable write alone.
func (eng *Engine) SetVariables(ctx context.Context, caseID string, vars expr.Bindings) (*Drained, error) {
	ci, err := eng.CaseByID(caseID)
	if err != nil {
		return nil, err
	}
	return eng.run(ctx, ci, func(rt *Runtime) error {
		rt.ci.Variables.Overlay(vars)
		rt.planEvaluateCriteria(criteriaEvent{VariableChange: true})
		return nil
	})
}

// FireTimer is the job service's callback when a scheduled timer job
// comes due.  A fire that races a cancellation is dropped quietly.
func (eng *Engine) FireTimer(ctx context.Context, c Correlation) (*Drained, error) {
	ci, err := eng.CaseByID(c.ScopeID)
	if err != nil {
		return nil, err
	}
	return eng.run(ctx, ci, func(rt *Runtime) error {
		rt.planOccur(c.SubScopeID, true)
		return nil
	})
}

// resumeAsync is the future continuation entry point: a fresh drain that
// picks up where the async behavior left its instance.
func (eng *Engine) resumeAsync(ctx context.Context, caseID, instID string, result expr.Bindings, ferr error) error {
	ci, err := eng.CaseByID(caseID)
	if err != nil {
		return err
	}
	_, err = eng.run(ctx, ci, func(rt *Runtime) error {
		rt.planFuture(instID, result, ferr)
		return nil
	})
	return err
}

// childOutcome reports how a child case ended, for the case task that
// started it.
type childOutcome struct {
	state  State
	output expr.Bindings
}

// startChildCase creates and runs a child case on behalf of a case task.
// The caller is inside the parent's drain, so the child's usual
// end-notification is squelched; if the child ran to its end right here,
// the outcome comes back inline instead.
func (eng *Engine) startChildCase(ctx context.Context, defName, parentCaseID, parentInstID string, params expr.Bindings) (*CaseInstance, *childOutcome, error) {
	def, err := eng.Definition(defName)
	if err != nil {
		return nil, nil, err
	}

	ci := newCaseInstance(def, params)
	ci.ParentCaseID = parentCaseID
	ci.ParentItemInstID = parentInstID

	eng.mu.Lock()
	eng.cases[ci.Id] = ci
	eng.squelch[ci.Id] = true
	eng.mu.Unlock()

	_, err = eng.run(ctx, ci, seedRoot)

	eng.mu.Lock()
	delete(eng.squelch, ci.Id)
	eng.mu.Unlock()

	if err != nil {
		return ci, nil, err
	}
	if ci.State == Completed || ci.State == Terminated {
		return ci, &childOutcome{state: ci.State, output: ci.Variables.Copy()}, nil
	}
	return ci, nil, nil
}

// terminateChildCase tears down a child case from within the parent's
// drain (the case task is exiting, so no outcome notification is
// wanted).
func (eng *Engine) terminateChildCase(ctx context.Context, childID string) error {
	eng.mu.Lock()
	eng.squelch[childID] = true
	eng.mu.Unlock()
	defer func() {
		eng.mu.Lock()
		delete(eng.squelch, childID)
		eng.mu.Unlock()
	}()

	_, err := eng.TerminateCase(ctx, childID)
	switch err.(type) {
	case nil, *UnknownCase:
		return nil
	}
	if _, is := err.(*IllegalTransition); is {
		// Already ended.
		return nil
	}
	return err
}

// caseEnded runs after a drain ends a case, with no locks held.  A child
// case routes its outcome to the parent's case task; a squelched child is
// the parent drain's own business.
func (eng *Engine) caseEnded(ctx context.Context, ci *CaseInstance) {
	if ci.ParentCaseID == "" {
		return
	}
	eng.mu.Lock()
	quiet := eng.squelch[ci.Id]
	eng.mu.Unlock()
	if quiet {
		return
	}

	ci.Lock()
	state := ci.State
	output := ci.Variables.Copy()
	ci.Unlock()

	if err := eng.notifyParent(ctx, ci.ParentCaseID, ci.ParentItemInstID, state, output); err != nil {
		eng.logf("case %s: parent notification failed: %v", ci.Id, err)
	}
}

func (eng *Engine) notifyParent(ctx context.Context, caseID, instID string, childState State, output expr.Bindings) error {
	ci, err := eng.CaseByID(caseID)
	if err != nil {
		return err
	}
	_, err = eng.run(ctx, ci, func(rt *Runtime) error {
		inst, err := rt.instance(instID)
		if err != nil {
			return err
		}
		if childState == Completed {
			rt.planComplete(instID, childResult(inst.Def(), output), true)
		} else {
			rt.planExit(instID, Exit, "", "", true)
		}
		return nil
	})
	return err
}
