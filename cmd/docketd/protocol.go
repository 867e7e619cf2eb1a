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

package main

import (
	"context"
	"fmt"

	"github.com/caseworks/docket/engine"
	"github.com/caseworks/docket/expr"
)

// SOp is a service operation: one request over the wire.
//
// Only one operation field should have a value.
type SOp struct {
	StartCase    *StartCaseOp    `json:"startCase,omitempty" yaml:",omitempty"`
	CaseCmd      *CaseCmdOp      `json:"caseCmd,omitempty" yaml:",omitempty"`
	SetVariables *SetVariablesOp `json:"setVariables,omitempty" yaml:",omitempty"`
	GetCase      *GetCaseOp      `json:"getCase,omitempty" yaml:",omitempty"`
	ListCases    *ListCasesOp    `json:"listCases,omitempty" yaml:",omitempty"`
	ListDefs     *ListDefsOp     `json:"listDefs,omitempty" yaml:",omitempty"`
	ClaimJob     *ClaimJobOp     `json:"claimJob,omitempty" yaml:",omitempty"`

	// Error holds an error (if any) that results from processing the
	// operation, and Err its string form for the wire.
	Error error  `json:"-" yaml:"-"`
	Err   string `json:"err,omitempty" yaml:",omitempty"`
}

func erred(err error) (error, string) {
	if err == nil {
		return nil, ""
	}
	return err, err.Error()
}

func (o *SOp) Do(ctx context.Context, s *Service) error {
	s.op(ctx, map[string]interface{}{
		"do": o,
	})

	var err error
	switch {
	case o.StartCase != nil:
		err = o.StartCase.Do(ctx, s)
	case o.CaseCmd != nil:
		err = o.CaseCmd.Do(ctx, s)
	case o.SetVariables != nil:
		err = o.SetVariables.Do(ctx, s)
	case o.GetCase != nil:
		err = o.GetCase.Do(ctx, s)
	case o.ListCases != nil:
		err = o.ListCases.Do(ctx, s)
	case o.ListDefs != nil:
		err = o.ListDefs.Do(ctx, s)
	case o.ClaimJob != nil:
		err = o.ClaimJob.Do(ctx, s)
	default:
		err = fmt.Errorf("empty operation")
	}

	if err != nil && o.Error == nil {
		o.Error, o.Err = erred(err)
	}

	s.op(ctx, map[string]interface{}{
		"did": o,
	})

	return o.Error
}

// StartCaseOp starts a new case instance of a registered definition.
type StartCaseOp struct {
	Def    string        `json:"def"`
	Params expr.Bindings `json:"params,omitempty" yaml:",omitempty"`

	// Out:
	CaseID  string               `json:"caseId,omitempty" yaml:",omitempty"`
	Journal *engine.Drained      `json:"journal,omitempty" yaml:",omitempty"`
	Case    *engine.CaseSnapshot `json:"case,omitempty" yaml:",omitempty"`
}

func (o *StartCaseOp) Do(ctx context.Context, s *Service) error {
	ci, d, err := s.eng.StartCase(ctx, o.Def, o.Params)
	if err != nil {
		return err
	}
	o.CaseID = ci.Id
	o.Journal = d
	o.Case = snapshot(ci)
	return s.save(ctx, ci.Id)
}

// CaseCmdOp runs one named command against a plan item instance (or a
// whole case, for "terminate").
//
// Item may name the plan item instead of Inst naming the instance; the
// first live instance of that item is the target.
type CaseCmdOp struct {
	CaseID string        `json:"caseId"`
	Cmd    string        `json:"cmd"`
	Inst   string        `json:"inst,omitempty" yaml:",omitempty"`
	Item   string        `json:"item,omitempty" yaml:",omitempty"`
	Result expr.Bindings `json:"result,omitempty" yaml:",omitempty"`

	// Out:
	Journal *engine.Drained `json:"journal,omitempty" yaml:",omitempty"`
}

func (o *CaseCmdOp) Do(ctx context.Context, s *Service) error {
	instID := o.Inst
	if instID == "" && o.Item != "" {
		ci, err := s.eng.CaseByID(o.CaseID)
		if err != nil {
			return err
		}
		ci.Lock()
		if inst := ci.InstanceByItem(o.Item); inst != nil {
			instID = inst.Id
		}
		ci.Unlock()
		if instID == "" {
			return fmt.Errorf("no instance of item %q", o.Item)
		}
	}

	var d *engine.Drained
	var err error
	switch o.Cmd {
	case "trigger", "complete":
		d, err = s.eng.Trigger(ctx, o.CaseID, instID, o.Result)
	case "occur":
		d, err = s.eng.Occur(ctx, o.CaseID, instID)
	case "start":
		d, err = s.eng.ManualStart(ctx, o.CaseID, instID)
	case "disable":
		d, err = s.eng.Disable(ctx, o.CaseID, instID)
	case "reenable":
		d, err = s.eng.Reenable(ctx, o.CaseID, instID)
	case "suspend":
		d, err = s.eng.Suspend(ctx, o.CaseID, instID)
	case "resume":
		d, err = s.eng.Resume(ctx, o.CaseID, instID)
	case "completeStage":
		d, err = s.eng.CompleteStage(ctx, o.CaseID, instID)
	case "terminate":
		d, err = s.eng.TerminateCase(ctx, o.CaseID)
	default:
		return fmt.Errorf("unknown command %q", o.Cmd)
	}
	if err != nil {
		return err
	}
	o.Journal = d
	return s.save(ctx, o.CaseID)
}

// SetVariablesOp overlays case variables.
type SetVariablesOp struct {
	CaseID string        `json:"caseId"`
	Vars   expr.Bindings `json:"vars"`

	// Out:
	Journal *engine.Drained `json:"journal,omitempty" yaml:",omitempty"`
}

func (o *SetVariablesOp) Do(ctx context.Context, s *Service) error {
	d, err := s.eng.SetVariables(ctx, o.CaseID, o.Vars)
	if err != nil {
		return err
	}
	o.Journal = d
	return s.save(ctx, o.CaseID)
}

// GetCaseOp gets a snapshot of a case.
type GetCaseOp struct {
	CaseID string `json:"caseId"`

	// Out:
	Case *engine.CaseSnapshot `json:"case,omitempty" yaml:",omitempty"`
}

func (o *GetCaseOp) Do(ctx context.Context, s *Service) error {
	ci, err := s.eng.CaseByID(o.CaseID)
	if err != nil {
		return err
	}
	o.Case = snapshot(ci)
	return nil
}

// ListCasesOp lists live case ids.
type ListCasesOp struct {
	// Out:
	Ids []string `json:"ids"`
}

func (o *ListCasesOp) Do(ctx context.Context, s *Service) error {
	o.Ids = s.eng.CaseIDs()
	return nil
}

// ListDefsOp lists registered definition names.
type ListDefsOp struct {
	// Out:
	Names []string `json:"names"`
}

func (o *ListDefsOp) Do(ctx context.Context, s *Service) error {
	o.Names = s.eng.DefinitionNames()
	return nil
}

// ClaimJobOp takes a pending external worker job from a topic.  The
// worker later reports via a "trigger" CaseCmdOp using the job's
// correlation.
type ClaimJobOp struct {
	Topic string `json:"topic"`

	// Out:
	Job interface{} `json:"job,omitempty" yaml:",omitempty"`
}

func (o *ClaimJobOp) Do(ctx context.Context, s *Service) error {
	job, err := s.jobs.ClaimJob(o.Topic)
	if err != nil {
		return err
	}
	o.Job = job
	return nil
}

func snapshot(ci *engine.CaseInstance) *engine.CaseSnapshot {
	ci.Lock()
	snap := engine.SnapshotCase(ci)
	ci.Unlock()
	return snap
}
