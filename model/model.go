// Package model gives the static, immutable description of a case: stages,
// plan items, plan item definitions, sentries, and item controls.
//
// A CaseDef gives the structure of a case.  This data does not include any
// runtime state (such as plan item instances or case variables); that lives
// in the engine package.
//
// A CaseDef should be Compiled before use.
package model

import (
	"context"
	"strconv"

	"github.com/caseworks/docket/expr"
)

// DefKind discriminates plan item definitions.
//
// Behaviors are dispatched on this kind via a flat table; see the engine
// package.
type DefKind string

const (
	KindStage               DefKind = "stage"
	KindPlanFragment        DefKind = "planFragment"
	KindHumanTask           DefKind = "humanTask"
	KindServiceTask         DefKind = "serviceTask"
	KindCaseTask            DefKind = "caseTask"
	KindProcessTask         DefKind = "processTask"
	KindCasePageTask        DefKind = "casePageTask"
	KindMilestone           DefKind = "milestone"
	KindTimerEventListener  DefKind = "timerEventListener"
	KindUserEventListener   DefKind = "userEventListener"
	KindSignalEventListener DefKind = "signalEventListener"
)

// EventListener reports whether this kind is an event-listener-like
// definition: one whose "occurrence" is both start and completion in a
// single step.
func (k DefKind) EventListener() bool {
	switch k {
	case KindMilestone, KindTimerEventListener, KindUserEventListener, KindSignalEventListener:
		return true
	}
	return false
}

// Standard plan item lifecycle events that a sentry on-part can reference.
const (
	EventCreate    = "create"
	EventStart     = "start"
	EventComplete  = "complete"
	EventOccur     = "occur"
	EventTerminate = "terminate"
	EventExit      = "exit"
	EventEnable    = "enable"
	EventDisable   = "disable"
	EventFault     = "fault"
)

var standardEvents = map[string]bool{
	EventCreate:    true,
	EventStart:     true,
	EventComplete:  true,
	EventOccur:     true,
	EventTerminate: true,
	EventExit:      true,
	EventEnable:    true,
	EventDisable:   true,
	EventFault:     true,
}

// Exit types control which plan item instances an exit criterion affects
// when the owning plan item repeats.
const (
	ExitTypeDefault          = ""
	ExitTypeActive           = "activeInstances"
	ExitTypeActiveAndEnabled = "activeAndEnabledInstances"
)

// Exit event types tag an exit criterion with the reason the exit should
// read as, which matters for ParentEndAware behaviors (see the engine
// package).
const (
	ExitEventTypeDefault       = ""
	ExitEventTypeComplete      = "complete"
	ExitEventTypeForceComplete = "forceComplete"
)

// CaseDef is the compiled description of a case.
//
// The PlanModel is the root stage.
type CaseDef struct {
	// Name is the generic name for this case.  Something like
	// "insurance-claim".  Cf. Id.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Version is the version of this case definition.  Something like
	// "1.2".
	Version string `json:"version,omitempty" yaml:"version,omitempty"`

	// Id should be a globally unique identifier for this definition.
	//
	// This package does not read or write this value.
	Id string `json:"id,omitempty" yaml:"id,omitempty"`

	// Doc is general documentation about how this case works.
	Doc string `json:"doc,omitempty" yaml:"doc,omitempty"`

	// PlanModel is the root stage.
	PlanModel *PlanItemDef `json:"planModel" yaml:"planModel"`

	compiled bool
	defs     map[string]*PlanItemDef
	items    map[string]*PlanItem
	sentries map[string]*Sentry
}

// PlanItemDef is a plan item definition: a tagged variant over Kind.
//
// Only the fields relevant to the Kind should be populated.  A deep
// inheritance chain buys nothing here; a flat struct keeps the YAML
// representation honest and the dispatch table simple.
type PlanItemDef struct {
	Id   string  `json:"id" yaml:"id"`
	Name string  `json:"name,omitempty" yaml:"name,omitempty"`
	Kind DefKind `json:"kind" yaml:"kind"`

	// Doc is documentation (Markdown) for this definition.
	Doc string `json:"doc,omitempty" yaml:"doc,omitempty"`

	// Stage / plan fragment structure.

	// PlanItems is the ordered list of plan items in this stage or
	// fragment.
	PlanItems []*PlanItem `json:"planItems,omitempty" yaml:"planItems,omitempty"`

	// Defs holds nested plan item definitions in this stage's scope.
	Defs []*PlanItemDef `json:"definitions,omitempty" yaml:"definitions,omitempty"`

	// Sentries holds the sentries declared in this stage's scope.
	Sentries []*Sentry `json:"sentries,omitempty" yaml:"sentries,omitempty"`

	// AutoComplete lets a stage complete as soon as no child is active
	// and every required child has finished, even if optional children
	// are still available.
	AutoComplete bool `json:"autoComplete,omitempty" yaml:"autoComplete,omitempty"`

	// Task-ish fields.

	// Blocking defaults to true.  A non-blocking task self-completes
	// within the agenda drain that activated it.
	Blocking *bool `json:"blocking,omitempty" yaml:"blocking,omitempty"`

	// Expression is evaluated when a service task executes.
	Expression *expr.Source `json:"expression,omitempty" yaml:"expression,omitempty"`

	// ResultVar names the case variable that receives a service task's
	// expression result.
	ResultVar string `json:"resultVar,omitempty" yaml:"resultVar,omitempty"`

	// Assignee and FormKey describe human and case-page tasks.  Their
	// interpretation belongs to the external task service.
	Assignee string `json:"assignee,omitempty" yaml:"assignee,omitempty"`
	FormKey  string `json:"formKey,omitempty" yaml:"formKey,omitempty"`

	// CaseRef names the case definition that a case task starts.
	CaseRef string `json:"caseRef,omitempty" yaml:"caseRef,omitempty"`

	// ProcessRef names the external process that a process task starts.
	ProcessRef string `json:"processRef,omitempty" yaml:"processRef,omitempty"`

	// Topic names the external-worker topic for a process task that is
	// handled by external workers rather than a process engine.
	Topic string `json:"topic,omitempty" yaml:"topic,omitempty"`

	// Event listener fields.

	// TimerExpr is the timer expression for a timer event listener.
	// Parsed as RFC3339, then as an ISO-8601 duration, then as a cron
	// expression; first success wins.
	TimerExpr string `json:"timerExpr,omitempty" yaml:"timerExpr,omitempty"`

	// EventName is the external event a signal event listener waits on.
	EventName string `json:"eventName,omitempty" yaml:"eventName,omitempty"`
}

// IsBlocking reports the effective blocking mode (default true).
func (d *PlanItemDef) IsBlocking() bool {
	return d.Blocking == nil || *d.Blocking
}

// Container reports whether this definition holds plan items.
func (d *PlanItemDef) Container() bool {
	return d.Kind == KindStage || d.Kind == KindPlanFragment
}

// PlanItem binds a named position in the plan to a definition.
type PlanItem struct {
	Id   string `json:"id" yaml:"id"`
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// DefRef names a PlanItemDef in this stage's scope or an ancestor's.
	DefRef string `json:"definitionRef" yaml:"definitionRef"`

	EntryCriteria []*Criterion `json:"entryCriteria,omitempty" yaml:"entryCriteria,omitempty"`
	ExitCriteria  []*Criterion `json:"exitCriteria,omitempty" yaml:"exitCriteria,omitempty"`

	Control *ItemControl `json:"control,omitempty" yaml:"control,omitempty"`

	def   *PlanItemDef
	stage *PlanItemDef
}

// Def gives the resolved definition.  Only valid after CaseDef.Compile.
func (p *PlanItem) Def() *PlanItemDef {
	return p.def
}

// Stage gives the stage definition that owns this plan item (after plan
// fragment lifting).  Only valid after CaseDef.Compile.
func (p *PlanItem) Stage() *PlanItemDef {
	return p.stage
}

// Repeats reports whether this plan item carries a repetition rule.
func (p *PlanItem) Repeats() bool {
	return p.Control != nil && p.Control.Repetition != nil
}

// Criterion references a Sentry and, for exit criteria, carries the exit
// type and exit event type.
type Criterion struct {
	Id        string `json:"id,omitempty" yaml:"id,omitempty"`
	SentryRef string `json:"sentryRef" yaml:"sentryRef"`

	ExitType      string `json:"exitType,omitempty" yaml:"exitType,omitempty"`
	ExitEventType string `json:"exitEventType,omitempty" yaml:"exitEventType,omitempty"`

	sentry *Sentry
}

// Sentry gives the resolved sentry.  Only valid after CaseDef.Compile.
func (c *Criterion) Sentry() *Sentry {
	return c.sentry
}

// Sentry is a boolean gate: all on-parts must have fired since the last
// reset, and the optional if-part must evaluate to true.
//
// A sentry with zero on-parts and no if-part is malformed; the engine
// treats such a sentry as never satisfied rather than crashing.
type Sentry struct {
	Id      string    `json:"id" yaml:"id"`
	OnParts []*OnPart `json:"onParts,omitempty" yaml:"onParts,omitempty"`
	IfPart  *IfPart   `json:"ifPart,omitempty" yaml:"ifPart,omitempty"`
}

// Empty reports that the sentry has neither on-parts nor an if-part.
func (s *Sentry) Empty() bool {
	return len(s.OnParts) == 0 && s.IfPart == nil
}

// OnPart is one clause of a sentry: a source plan item plus a standard
// lifecycle event that must have fired.
type OnPart struct {
	Id            string `json:"id,omitempty" yaml:"id,omitempty"`
	SourceRef     string `json:"sourceRef" yaml:"sourceRef"`
	StandardEvent string `json:"standardEvent" yaml:"standardEvent"`

	source *PlanItem
}

// Source gives the resolved source plan item.  Only valid after
// CaseDef.Compile.
func (o *OnPart) Source() *PlanItem {
	return o.source
}

// Key identifies this on-part within its sentry.
func (o *OnPart) Key() string {
	if o.Id != "" {
		return o.Id
	}
	return o.SourceRef + "/" + o.StandardEvent
}

// IfPart is an optional boolean condition on a sentry.
type IfPart struct {
	Condition *expr.Source `json:"condition" yaml:"condition"`
}

// ItemControl gives the manual-activation, required, repetition,
// reactivation, and completion-neutral rules for a plan item.
type ItemControl struct {
	ManualActivation  *Rule           `json:"manualActivation,omitempty" yaml:"manualActivation,omitempty"`
	Required          *Rule           `json:"required,omitempty" yaml:"required,omitempty"`
	Repetition        *RepetitionRule `json:"repetition,omitempty" yaml:"repetition,omitempty"`
	Reactivation      *Rule           `json:"reactivation,omitempty" yaml:"reactivation,omitempty"`
	CompletionNeutral *Rule           `json:"completionNeutral,omitempty" yaml:"completionNeutral,omitempty"`
}

// Rule is a possibly-conditional flag.  A Rule with no condition always
// applies.
type Rule struct {
	Condition *expr.Source `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// RepetitionRule governs whether a completed repeating plan item spawns a
// new sibling instance.
type RepetitionRule struct {
	// Condition, when given, must evaluate truthy for a new repetition
	// to spawn.  With a Collection and no Condition, the implicit
	// condition is "more items remain in the collection".
	Condition *expr.Source `json:"condition,omitempty" yaml:"condition,omitempty"`

	// Collection names a case variable holding a slice that drives the
	// repetitions.
	Collection string `json:"collection,omitempty" yaml:"collection,omitempty"`

	// ElementVar and IndexVar name the item-local variables that
	// receive the current collection element and index.
	ElementVar string `json:"elementVar,omitempty" yaml:"elementVar,omitempty"`
	IndexVar   string `json:"indexVar,omitempty" yaml:"indexVar,omitempty"`

	// MaxInstanceCount caps the number of repetitions.  Zero means
	// unlimited.
	MaxInstanceCount int `json:"maxInstanceCount,omitempty" yaml:"maxInstanceCount,omitempty"`

	// Aggregations merge output variables of each completed repetition
	// into case-level collection variables.
	Aggregations []*VariableAggregation `json:"aggregations,omitempty" yaml:"aggregations,omitempty"`
}

// VariableAggregation appends the Source variable of each completing
// repetition onto the case-level Target collection variable.
//
// Last-writer-wins is deliberately not what happens here: each repetition
// is expected to produce one contribution.
type VariableAggregation struct {
	Source string `json:"source" yaml:"source"`
	Target string `json:"target" yaml:"target"`
}

// Compiled reports whether Compile succeeded on this CaseDef.
func (def *CaseDef) Compiled() bool {
	return def.compiled
}

// DefById looks up a plan item definition anywhere in the case.
func (def *CaseDef) DefById(id string) *PlanItemDef {
	return def.defs[id]
}

// ItemById looks up a plan item anywhere in the case.
func (def *CaseDef) ItemById(id string) *PlanItem {
	return def.items[id]
}

// SentryById looks up a sentry anywhere in the case.
func (def *CaseDef) SentryById(id string) *Sentry {
	return def.sentries[id]
}

// Items gives all plan items in the case, keyed by id.
func (def *CaseDef) Items() map[string]*PlanItem {
	return def.items
}

// EffectivePlanItems gives a stage's plan items with plan fragments
// lifted: a fragment carries no lifecycle of its own, so its items act as
// if directly owned by the enclosing stage, in fragment position.
func EffectivePlanItems(stage *PlanItemDef) []*PlanItem {
	acc := make([]*PlanItem, 0, len(stage.PlanItems))
	for _, item := range stage.PlanItems {
		if d := item.Def(); d != nil && d.Kind == KindPlanFragment {
			acc = append(acc, EffectivePlanItems(d)...)
			continue
		}
		acc = append(acc, item)
	}
	return acc
}

// Compile resolves all references, compiles all expressions, and indexes
// the case.  Must be called (successfully) before the definition is given
// to an engine.
//
// References resolve in the owning stage's scope first and then in
// ancestors' scopes.
func (def *CaseDef) Compile(ctx context.Context, evaluators map[string]expr.Evaluator) error {
	if def.PlanModel == nil {
		return &BadModel{def, "no plan model"}
	}
	if def.PlanModel.Kind == "" {
		def.PlanModel.Kind = KindStage
	}
	if def.PlanModel.Kind != KindStage {
		return &BadModel{def, "plan model is not a stage"}
	}

	def.defs = make(map[string]*PlanItemDef, 16)
	def.items = make(map[string]*PlanItem, 16)
	def.sentries = make(map[string]*Sentry, 8)

	if err := def.index(def.PlanModel); err != nil {
		return err
	}
	if err := def.resolve(def.PlanModel, nil); err != nil {
		return err
	}
	if err := def.compileExpressions(ctx, evaluators); err != nil {
		return err
	}

	def.compiled = true
	return nil
}

// index registers every definition, plan item, and sentry by id.
func (def *CaseDef) index(d *PlanItemDef) error {
	if d.Id == "" {
		return &BadModel{def, "definition with no id"}
	}
	if _, have := def.defs[d.Id]; have {
		return &DuplicateId{def, "definition", d.Id}
	}
	def.defs[d.Id] = d

	for _, s := range d.Sentries {
		if s.Id == "" {
			return &BadModel{def, "sentry with no id in stage " + d.Id}
		}
		if _, have := def.sentries[s.Id]; have {
			return &DuplicateId{def, "sentry", s.Id}
		}
		def.sentries[s.Id] = s
	}

	for _, item := range d.PlanItems {
		if item.Id == "" {
			return &BadModel{def, "plan item with no id in stage " + d.Id}
		}
		if _, have := def.items[item.Id]; have {
			return &DuplicateId{def, "plan item", item.Id}
		}
		def.items[item.Id] = item
	}

	for _, nested := range d.Defs {
		if err := def.index(nested); err != nil {
			return err
		}
	}
	return nil
}

// resolve walks the tree resolving DefRefs, SentryRefs, and on-part
// SourceRefs.  The scope argument is the stack of enclosing container
// definitions, innermost last.
func (def *CaseDef) resolve(d *PlanItemDef, scope []*PlanItemDef) error {
	scope = append(scope, d)

	for _, item := range d.PlanItems {
		target := lookupDef(item.DefRef, scope)
		if target == nil {
			return &UnresolvedDefinition{def, item.Id, item.DefRef}
		}
		item.def = target
		item.stage = owningStage(scope)

		// Criterion ids key runtime bookkeeping, so missing ones
		// get stable generated ids.
		for i, c := range item.EntryCriteria {
			if c.Id == "" {
				c.Id = item.Id + "-entry-" + strconv.Itoa(i)
			}
		}
		for i, c := range item.ExitCriteria {
			if c.Id == "" {
				c.Id = item.Id + "-exit-" + strconv.Itoa(i)
			}
		}
		for _, c := range append(append([]*Criterion{}, item.EntryCriteria...), item.ExitCriteria...) {
			s := lookupSentry(c.SentryRef, scope)
			if s == nil {
				return &UnresolvedSentry{def, item.Id, c.SentryRef}
			}
			c.sentry = s
		}

		// A plan-fragment item's own children are resolved via the
		// fragment definition below (fragments are containers too).
	}

	for _, s := range d.Sentries {
		for _, on := range s.OnParts {
			if !standardEvents[on.StandardEvent] {
				return &BadModel{def, "sentry " + s.Id + " has unknown standard event " + on.StandardEvent}
			}
			src, have := def.items[on.SourceRef]
			if !have {
				return &UnresolvedSource{def, s.Id, on.SourceRef}
			}
			on.source = src
		}
	}

	for _, nested := range d.Defs {
		if nested.Container() {
			if err := def.resolve(nested, scope); err != nil {
				return err
			}
		}
	}
	return nil
}

// compileExpressions compiles every expression source in the case.
func (def *CaseDef) compileExpressions(ctx context.Context, evaluators map[string]expr.Evaluator) error {
	compile := func(s *expr.Source) error {
		if s == nil {
			return nil
		}
		return s.Compile(ctx, evaluators)
	}
	compileRule := func(r *Rule) error {
		if r == nil {
			return nil
		}
		return compile(r.Condition)
	}

	for _, d := range def.defs {
		if err := compile(d.Expression); err != nil {
			return err
		}
		for _, s := range d.Sentries {
			if s.IfPart != nil {
				if s.IfPart.Condition == nil {
					return &BadModel{def, "sentry " + s.Id + " has an if-part with no condition"}
				}
				if err := compile(s.IfPart.Condition); err != nil {
					return err
				}
			}
		}
	}

	for _, item := range def.items {
		ctl := item.Control
		if ctl == nil {
			continue
		}
		for _, r := range []*Rule{ctl.ManualActivation, ctl.Required, ctl.Reactivation, ctl.CompletionNeutral} {
			if err := compileRule(r); err != nil {
				return err
			}
		}
		if ctl.Repetition != nil {
			if err := compile(ctl.Repetition.Condition); err != nil {
				return err
			}
		}
	}
	return nil
}

// lookupDef searches the scope stack innermost-first for a definition.
func lookupDef(ref string, scope []*PlanItemDef) *PlanItemDef {
	for i := len(scope) - 1; 0 <= i; i-- {
		for _, d := range scope[i].Defs {
			if d.Id == ref {
				return d
			}
		}
	}
	return nil
}

// lookupSentry searches the scope stack innermost-first for a sentry.
func lookupSentry(ref string, scope []*PlanItemDef) *Sentry {
	for i := len(scope) - 1; 0 <= i; i-- {
		for _, s := range scope[i].Sentries {
			if s.Id == ref {
				return s
			}
		}
	}
	return nil
}

// owningStage gives the innermost stage in the scope stack, skipping plan
// fragments (which do not bear lifecycles).
func owningStage(scope []*PlanItemDef) *PlanItemDef {
	for i := len(scope) - 1; 0 <= i; i-- {
		if scope[i].Kind == KindStage {
			return scope[i]
		}
	}
	return nil
}
