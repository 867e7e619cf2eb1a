package engine

import (
	"github.com/caseworks/docket/expr"
	"github.com/caseworks/docket/model"
)

// CaseSnapshot is the serializable form of a case instance.  It carries
// everything needed to resume the case against its (separately stored)
// definition.
type CaseSnapshot struct {
	Id         string `json:"id"`
	DefName    string `json:"defName"`
	DefVersion string `json:"defVersion,omitempty"`
	State      State  `json:"state"`

	Variables expr.Bindings `json:"variables,omitempty"`

	Items           []*ItemSnapshot    `json:"items"`
	PlanModelInstID string             `json:"planModelInstanceId"`
	Milestones      []*MilestoneRecord `json:"milestones,omitempty"`

	ParentCaseID     string `json:"parentCaseId,omitempty"`
	ParentItemInstID string `json:"parentItemInstanceId,omitempty"`
}

// ItemSnapshot is the serializable form of one plan item instance.
// Items appear in creation order, which Restore preserves.
type ItemSnapshot struct {
	Id            string        `json:"id"`
	ItemID        string        `json:"itemId,omitempty"`
	State         State         `json:"state"`
	StageInstID   string        `json:"stageInstanceId,omitempty"`
	Repetition    int           `json:"repetition"`
	ReferenceID   string        `json:"referenceId,omitempty"`
	ReferenceType string        `json:"referenceType,omitempty"`
	Locals        expr.Bindings `json:"locals,omitempty"`

	// Fired records on-parts observed per criterion, so partially
	// satisfied sentries survive a restart.
	Fired map[string][]string `json:"fired,omitempty"`
}

// SnapshotCase captures a case instance.  The caller must hold the
// case's lock (or otherwise know the case is quiescent).
func SnapshotCase(ci *CaseInstance) *CaseSnapshot {
	snap := &CaseSnapshot{
		Id:               ci.Id,
		DefName:          ci.Def.Name,
		DefVersion:       ci.Def.Version,
		State:            ci.State,
		Variables:        ci.Variables.Copy(),
		Items:            make([]*ItemSnapshot, 0, len(ci.Order)),
		PlanModelInstID:  ci.PlanModelInstID,
		Milestones:       append([]*MilestoneRecord{}, ci.Milestones...),
		ParentCaseID:     ci.ParentCaseID,
		ParentItemInstID: ci.ParentItemInstID,
	}
	for _, id := range ci.Order {
		inst := ci.Items[id]
		if inst == nil {
			continue
		}
		is := &ItemSnapshot{
			Id:            inst.Id,
			ItemID:        inst.ItemID,
			State:         inst.State,
			StageInstID:   inst.StageInstID,
			Repetition:    inst.Repetition,
			ReferenceID:   inst.ReferenceID,
			ReferenceType: inst.ReferenceType,
			Locals:        inst.Locals.Copy(),
		}
		if len(inst.fired) != 0 {
			is.Fired = make(map[string][]string, len(inst.fired))
			for criterion, set := range inst.fired {
				keys := make([]string, 0, len(set))
				for k := range set {
					keys = append(keys, k)
				}
				is.Fired[criterion] = keys
			}
		}
		snap.Items = append(snap.Items, is)
	}
	return snap
}

// RestoreCase rebuilds a live case instance from a snapshot and its
// compiled definition.  Pending timers, subscriptions, and futures are
// external; the caller reconstructs those from the instances' reference
// fields.
func RestoreCase(def *model.CaseDef, snap *CaseSnapshot) (*CaseInstance, error) {
	if !def.Compiled() {
		return nil, &DefNotCompiled{Name: def.Name}
	}

	ci := &CaseInstance{
		Id:               snap.Id,
		Def:              def,
		State:            snap.State,
		Variables:        snap.Variables.Copy(),
		Items:            make(map[string]*PlanItemInstance, len(snap.Items)),
		Order:            make([]string, 0, len(snap.Items)),
		PlanModelInstID:  snap.PlanModelInstID,
		Milestones:       append([]*MilestoneRecord{}, snap.Milestones...),
		ParentCaseID:     snap.ParentCaseID,
		ParentItemInstID: snap.ParentItemInstID,
	}

	for _, is := range snap.Items {
		inst := &PlanItemInstance{
			Id:            is.Id,
			ItemID:        is.ItemID,
			State:         is.State,
			StageInstID:   is.StageInstID,
			Repetition:    is.Repetition,
			ReferenceID:   is.ReferenceID,
			ReferenceType: is.ReferenceType,
			Locals:        is.Locals.Copy(),
		}

		if is.ItemID == "" {
			inst.def = def.PlanModel
		} else {
			item := def.ItemById(is.ItemID)
			if item == nil {
				return nil, &UnknownPlanItemInstance{CaseID: snap.Id, InstID: is.Id}
			}
			inst.item = item
			inst.def = item.Def()
		}

		// An instance past availability already ran Execute.
		switch is.State {
		case created, Available, Enabled, Unavailable, Disabled:
		default:
			inst.executed = true
		}

		for criterion, keys := range is.Fired {
			set := inst.firedSet(criterion)
			for _, k := range keys {
				set[k] = true
			}
		}

		ci.register(inst)
	}
	return ci, nil
}
