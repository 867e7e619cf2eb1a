package engine

import (
	"context"

	"github.com/caseworks/docket/expr"
)

var (
	// DefaultControl will be used for a drain when the engine's
	// Control is nil.
	DefaultControl = &Control{
		Limit: 10000,
	}
)

// Control influences how a drain operates.
type Control struct {
	// Limit is the maximum number of operations one drain can
	// perform.  Hitting it almost always means a cyclic model.
	Limit int
}

// OpRecord is one journal entry: an operation the agenda performed.
type OpRecord struct {
	Op     string `json:"op"`
	InstID string `json:"instanceId,omitempty"`
	Item   string `json:"item,omitempty"`
	From   State  `json:"from,omitempty"`
	To     State  `json:"to,omitempty"`
}

// SatisfactionRecord is one journal entry: a criterion that became
// satisfied, in firing order.
type SatisfactionRecord struct {
	CriterionID string `json:"criterionId"`
	SentryID    string `json:"sentryId"`
	InstID      string `json:"instanceId"`
	Item        string `json:"item"`
	Entry       bool   `json:"entry"`
}

// Drained reports what one top-level command did: every operation
// performed and every criterion satisfaction, in order.
type Drained struct {
	Ops           []OpRecord           `json:"ops,omitempty"`
	Satisfactions []SatisfactionRecord `json:"satisfactions,omitempty"`
}

func newDrained() *Drained {
	return &Drained{
		Ops:           make([]OpRecord, 0, 16),
		Satisfactions: make([]SatisfactionRecord, 0, 4),
	}
}

// operation is a pending unit of work on the agenda.
type operation interface {
	perform(ctx context.Context, rt *Runtime) error
	name() string
}

// Runtime binds an engine to one case instance for the duration of one
// top-level command.  It owns the agenda: the FIFO queue of pending
// operations.
//
// Re-entrant enqueues during draining are expected and correct; that is
// how cascading sentry satisfaction happens.  New operations always go to
// the tail, never ahead, so a single state change fans out breadth-first.
type Runtime struct {
	eng     *Engine
	ci      *CaseInstance
	ctl     *Control
	queue   []operation
	drained *Drained

	// caseEnded is set when the plan model instance reaches a
	// terminal state during this drain.
	caseEnded bool
}

func newRuntime(eng *Engine, ci *CaseInstance) *Runtime {
	ctl := eng.Control
	if ctl == nil {
		ctl = DefaultControl
	}
	return &Runtime{
		eng:     eng,
		ci:      ci,
		ctl:     ctl,
		queue:   make([]operation, 0, 16),
		drained: newDrained(),
	}
}

// Case gives the case instance this runtime is draining.
func (rt *Runtime) Case() *CaseInstance {
	return rt.ci
}

// Engine gives the engine.
func (rt *Runtime) Engine() *Engine {
	return rt.eng
}

// Variables gives the case-level variable scope.
func (rt *Runtime) Variables() expr.Bindings {
	return rt.ci.Variables
}

// ScopeFor gives the merged read view of the variable scope for an
// instance.
func (rt *Runtime) ScopeFor(inst *PlanItemInstance) expr.Bindings {
	return rt.ci.scopeFor(inst)
}

func (rt *Runtime) push(op operation) {
	rt.queue = append(rt.queue, op)
	rt.eng.logf("agenda %s push %s", rt.ci.Id, op.name())
}

func (rt *Runtime) record(rec OpRecord) {
	rt.drained.Ops = append(rt.drained.Ops, rec)
}

func (rt *Runtime) recordSatisfaction(rec SatisfactionRecord) {
	rt.drained.Satisfactions = append(rt.drained.Satisfactions, rec)
}

// drain performs queued operations in strict FIFO order until the queue
// is empty or an operation fails.  A failure aborts the drain; operations
// already performed stay applied.
func (rt *Runtime) drain(ctx context.Context) (*Drained, error) {
	for i := 0; ; i++ {
		if len(rt.queue) == 0 {
			return rt.drained, nil
		}
		if rt.ctl.Limit <= i {
			return rt.drained, &LimitExceeded{rt.ctl.Limit}
		}

		op := rt.queue[0]
		rt.queue = rt.queue[1:]

		rt.eng.logf("agenda %s perform %s", rt.ci.Id, op.name())
		if err := op.perform(ctx, rt); err != nil {
			return rt.drained, err
		}
	}
}

// Enqueue helpers.  Behaviors use the exported ones to hand work back to
// the agenda instead of mutating state inline.

func (rt *Runtime) planCreate(itemID, stageInstID string, repetition int) {
	rt.push(&createOp{itemID: itemID, stageInstID: stageInstID, repetition: repetition})
}

func (rt *Runtime) planStart(instID string, manual, auto bool) {
	rt.push(&startOp{instID: instID, manual: manual, auto: auto})
}

// PlanComplete asks the agenda to complete the instance.  Non-blocking
// behaviors call this from Execute to self-complete within the same
// drain.
func (rt *Runtime) PlanComplete(inst *PlanItemInstance, result expr.Bindings) {
	rt.push(&completeOp{instID: inst.Id, result: result, auto: true})
}

func (rt *Runtime) planComplete(instID string, result expr.Bindings, auto bool) {
	rt.push(&completeOp{instID: instID, result: result, auto: auto})
}

// PlanOccur asks the agenda to make the event-listener-like instance
// occur.
func (rt *Runtime) PlanOccur(inst *PlanItemInstance) {
	rt.push(&occurOp{instID: inst.Id, auto: true})
}

func (rt *Runtime) planOccur(instID string, auto bool) {
	rt.push(&occurOp{instID: instID, auto: auto})
}

func (rt *Runtime) planExit(instID string, t Transition, exitType, exitEventType string, auto bool) {
	rt.push(&exitOp{instID: instID, transition: t, exitType: exitType, exitEventType: exitEventType, auto: auto})
}

func (rt *Runtime) planInitStage(instID string) {
	rt.push(&initStageOp{instID: instID})
}

func (rt *Runtime) planStageCompletionCheck(instID string) {
	if instID == "" {
		return
	}
	rt.push(&stageCompletionOp{instID: instID})
}

func (rt *Runtime) planEvaluateCriteria(ev criteriaEvent) {
	rt.push(&evaluateCriteriaOp{ev: ev})
}

func (rt *Runtime) planFuture(instID string, result expr.Bindings, err error) {
	rt.push(&futureOp{instID: instID, result: result, err: err})
}
