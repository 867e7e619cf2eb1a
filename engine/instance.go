package engine

import (
	"sync"
	"time"

	"github.com/caseworks/docket/expr"
	"github.com/caseworks/docket/model"

	"github.com/google/uuid"
)

// CaseInstance is the root of one case's runtime state: the plan item
// instance arena, the case-level variable scope, and the milestone
// history.
//
// All state mutations for one case instance happen on the goroutine that
// is draining its agenda; the embedded mutex serializes top-level
// commands, not individual operations.
type CaseInstance struct {
	sync.Mutex `json:"-" yaml:"-"`

	Id    string         `json:"id"`
	Def   *model.CaseDef `json:"-" yaml:"-"`
	State State          `json:"state"`

	// Variables is the case-level variable scope, shared by every plan
	// item instance in the case and mutated directly (no copy on
	// write).
	Variables expr.Bindings `json:"variables,omitempty"`

	// Items is the instance arena; relationships among instances are
	// id references, with the single exclusive parent->child edge kept
	// as ChildIds on stage instances.
	Items map[string]*PlanItemInstance `json:"items"`

	// Order holds instance ids in creation order.  Iterate this, not
	// Items, when order matters (and it almost always does).
	Order []string `json:"order"`

	// PlanModelInstID is the id of the root stage instance.
	PlanModelInstID string `json:"planModelInstanceId"`

	// Milestones is the append-only history of milestone occurrences.
	Milestones []*MilestoneRecord `json:"milestones,omitempty"`

	// ParentCaseID and ParentItemInstID link a child case back to the
	// case task that started it.
	ParentCaseID     string `json:"parentCaseId,omitempty"`
	ParentItemInstID string `json:"parentItemInstanceId,omitempty"`
}

// PlanItemInstance is the mutable runtime counterpart of one plan item
// occurrence.
type PlanItemInstance struct {
	Id string `json:"id"`

	// ItemID references the model.PlanItem; empty for the plan model
	// (root stage) instance.
	ItemID string `json:"itemId,omitempty"`

	State State `json:"state"`

	// StageInstID is the owning stage instance; empty for the root.
	StageInstID string `json:"stageInstanceId,omitempty"`

	// ChildIds is the ordered list of child instances (stage kinds
	// only).
	ChildIds []string `json:"childIds,omitempty"`

	// Repetition is the 1-based repetition counter.
	Repetition int `json:"repetition"`

	// ReferenceID and ReferenceType link to external runtime artifacts
	// (timer job, event subscription, child case, external process).
	ReferenceID   string `json:"referenceId,omitempty"`
	ReferenceType string `json:"referenceType,omitempty"`

	// Locals holds item-scoped variables (repetition element and index
	// variables).  Reads fall through to the case scope.
	Locals expr.Bindings `json:"locals,omitempty"`

	item *model.PlanItem
	def  *model.PlanItemDef

	// fired tracks on-parts observed since the last reset, per
	// criterion.  This bookkeeping is per instance, so reset is scoped
	// to stage (re)entry: a fresh child instance starts with empty
	// sets.
	fired map[string]map[string]bool

	executed bool
	future   *Future
}

// Item gives the model plan item; nil for the plan model instance.
func (p *PlanItemInstance) Item() *model.PlanItem {
	return p.item
}

// Def gives the plan item definition.
func (p *PlanItemInstance) Def() *model.PlanItemDef {
	return p.def
}

// Name gives a human-oriented name for logs and errors.
func (p *PlanItemInstance) Name() string {
	if p.item != nil {
		if p.item.Name != "" {
			return p.item.Name
		}
		return p.item.Id
	}
	if p.def != nil {
		return p.def.Id
	}
	return p.Id
}

func (p *PlanItemInstance) firedSet(criterionID string) map[string]bool {
	if p.fired == nil {
		p.fired = make(map[string]map[string]bool, 4)
	}
	set, have := p.fired[criterionID]
	if !have {
		set = make(map[string]bool, 4)
		p.fired[criterionID] = set
	}
	return set
}

// MilestoneRecord is an append-only record of a milestone occurrence.
// Never mutated after creation.
type MilestoneRecord struct {
	Id         string    `json:"id"`
	InstID     string    `json:"instanceId"`
	ItemID     string    `json:"itemId"`
	Name       string    `json:"name"`
	Repetition int       `json:"repetition"`
	Time       time.Time `json:"time"`
}

// newCaseInstance builds an empty case instance for a compiled
// definition.
func newCaseInstance(def *model.CaseDef, params expr.Bindings) *CaseInstance {
	vars := expr.NewBindings()
	if params != nil {
		vars.Overlay(params)
	}
	return &CaseInstance{
		Id:        uuid.NewString(),
		Def:       def,
		State:     Active,
		Variables: vars,
		Items:     make(map[string]*PlanItemInstance, 16),
		Order:     make([]string, 0, 16),
	}
}

// register adds an instance to the arena and to its parent's children.
func (ci *CaseInstance) register(inst *PlanItemInstance) {
	ci.Items[inst.Id] = inst
	ci.Order = append(ci.Order, inst.Id)
	if inst.StageInstID != "" {
		if parent, have := ci.Items[inst.StageInstID]; have {
			parent.ChildIds = append(parent.ChildIds, inst.Id)
		}
	}
}

// ItemInstance looks up an instance by id.
func (ci *CaseInstance) ItemInstance(id string) *PlanItemInstance {
	return ci.Items[id]
}

// InstancesOf gives the instances of a given plan item, in creation
// order.
func (ci *CaseInstance) InstancesOf(itemID string) []*PlanItemInstance {
	acc := make([]*PlanItemInstance, 0, 4)
	for _, id := range ci.Order {
		if inst := ci.Items[id]; inst != nil && inst.ItemID == itemID {
			acc = append(acc, inst)
		}
	}
	return acc
}

// InstanceByItem gives the first live instance of a plan item, which is
// handy for driving a case from tests and command protocols where the
// instance id isn't known.
func (ci *CaseInstance) InstanceByItem(itemID string) *PlanItemInstance {
	var last *PlanItemInstance
	for _, id := range ci.Order {
		inst := ci.Items[id]
		if inst == nil || inst.ItemID != itemID {
			continue
		}
		last = inst
		if !inst.State.Terminal() {
			return inst
		}
	}
	return last
}

// scopeFor builds the merged variable view for expression evaluation:
// case variables, overlaid by each enclosing stage instance's locals, and
// finally by the instance's own locals.
//
// Writes never go through this view; they go to ci.Variables (or to
// Locals for the engine's own repetition bookkeeping).
func (ci *CaseInstance) scopeFor(inst *PlanItemInstance) expr.Bindings {
	bs := ci.Variables.Copy()
	if inst == nil {
		return bs
	}

	chain := make([]*PlanItemInstance, 0, 4)
	for at := inst; at != nil; {
		chain = append(chain, at)
		if at.StageInstID == "" {
			break
		}
		at = ci.Items[at.StageInstID]
	}
	for i := len(chain) - 1; 0 <= i; i-- {
		if chain[i].Locals != nil {
			bs.Overlay(chain[i].Locals)
		}
	}
	return bs
}
