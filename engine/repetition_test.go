package engine

import (
	"context"
	"testing"

	"github.com/caseworks/docket/expr"
)

func activeOf(t *testing.T, ci *CaseInstance, itemID string) *PlanItemInstance {
	t.Helper()
	for _, inst := range ci.InstancesOf(itemID) {
		if inst.State.Busy() {
			return inst
		}
	}
	t.Fatalf("no busy instance of %q", itemID)
	return nil
}

func TestRepetitionCap(t *testing.T) {
	ctx := context.Background()
	eng := testEngine(t, `
name: capped
planModel:
  id: capped-plan
  kind: stage
  definitions:
    - id: jobDef
      kind: humanTask
  planItems:
    - id: job
      definitionRef: jobDef
      control:
        repetition:
          condition:
            source: |
              return true;
          maxInstanceCount: 1
`)

	ci, _, err := eng.StartCase(ctx, "capped", nil)
	if err != nil {
		t.Fatal(err)
	}
	job := instOf(t, ci, "job")
	if _, err := eng.Trigger(ctx, ci.Id, job.Id, nil); err != nil {
		t.Fatal(err)
	}

	if n := len(ci.InstancesOf("job")); n != 1 {
		t.Fatalf("wanted 1 instance; got %d", n)
	}
	wantState(t, ci, "job", Completed)
	if ci.State != Completed {
		t.Fatalf("case state %s", ci.State)
	}
}

func TestRepetitionCondition(t *testing.T) {
	ctx := context.Background()
	eng := testEngine(t, `
name: conditional
planModel:
  id: conditional-plan
  kind: stage
  definitions:
    - id: jobDef
      kind: humanTask
  planItems:
    - id: job
      definitionRef: jobDef
      control:
        repetition:
          condition:
            source: |
              return more;
`)

	ci, _, err := eng.StartCase(ctx, "conditional", expr.NewBindings().Extend("more", true))
	if err != nil {
		t.Fatal(err)
	}

	first := activeOf(t, ci, "job")
	if _, err := eng.Trigger(ctx, ci.Id, first.Id, nil); err != nil {
		t.Fatal(err)
	}
	if n := len(ci.InstancesOf("job")); n != 2 {
		t.Fatalf("wanted a second repetition; got %d instances", n)
	}

	second := activeOf(t, ci, "job")
	if second.Id == first.Id {
		t.Fatal("first instance still busy")
	}
	if second.Repetition != 2 {
		t.Fatalf("repetition %d", second.Repetition)
	}

	if _, err := eng.SetVariables(ctx, ci.Id, expr.NewBindings().Extend("more", false)); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.Trigger(ctx, ci.Id, second.Id, nil); err != nil {
		t.Fatal(err)
	}

	if n := len(ci.InstancesOf("job")); n != 2 {
		t.Fatalf("spawned after the condition went false; %d instances", n)
	}
	if ci.State != Completed {
		t.Fatalf("case state %s", ci.State)
	}
}

var collectionCase = `
name: batch
planModel:
  id: batch-plan
  kind: stage
  definitions:
    - id: processDef
      kind: serviceTask
      expression:
        source: |
          return claim;
      resultVar: processed
  planItems:
    - id: process
      definitionRef: processDef
      control:
        repetition:
          collection: claims
          elementVar: claim
          aggregations:
            - source: processed
              target: allProcessed
`

func TestRepetitionCollection(t *testing.T) {
	ctx := context.Background()
	eng := testEngine(t, collectionCase)

	params := expr.NewBindings().Extend("claims", []interface{}{"x", "y"})
	ci, _, err := eng.StartCase(ctx, "batch", params)
	if err != nil {
		t.Fatal(err)
	}

	// Service tasks run immediately, so the whole batch drains during
	// the start command.
	insts := ci.InstancesOf("process")
	if len(insts) != 2 {
		t.Fatalf("wanted 2 repetitions; got %d", len(insts))
	}
	for _, inst := range insts {
		if inst.State != Completed {
			t.Fatalf("repetition %d in state %s", inst.Repetition, inst.State)
		}
	}
	if ci.State != Completed {
		t.Fatalf("case state %s", ci.State)
	}

	all, _ := ci.Variables["allProcessed"].([]interface{})
	if len(all) != 2 || all[0] != "x" || all[1] != "y" {
		t.Fatalf("got %#v", ci.Variables["allProcessed"])
	}
}

var nestedBatchCase = `
name: batches
planModel:
  id: batches-plan
  kind: stage
  definitions:
    - id: batchStageDef
      kind: stage
      planItems:
        - id: process
          definitionRef: processDef
          control:
            repetition:
              collection: batch
              elementVar: claim
              aggregations:
                - source: processed
                  target: allProcessed
      definitions:
        - id: processDef
          kind: serviceTask
          resultVar: processed
          expression:
            source: |
              return claim;
  planItems:
    - id: batchStage
      definitionRef: batchStageDef
      control:
        repetition:
          collection: batches
          elementVar: batch
`

// The inner item's collection lives in the enclosing stage instance's
// locals, not in the case scope.
func TestRepetitionCollectionInStageScope(t *testing.T) {
	ctx := context.Background()
	eng := testEngine(t, nestedBatchCase)

	params := expr.NewBindings().Extend("batches",
		[]interface{}{[]interface{}{"x", "y"}})
	ci, _, err := eng.StartCase(ctx, "batches", params)
	if err != nil {
		t.Fatal(err)
	}
	if ci.State != Completed {
		t.Fatalf("case state %s", ci.State)
	}
	if n := len(ci.InstancesOf("process")); n != 2 {
		t.Fatalf("wanted 2 repetitions; got %d", n)
	}

	all, _ := ci.Variables["allProcessed"].([]interface{})
	if len(all) != 2 || all[0] != "x" || all[1] != "y" {
		t.Fatalf("got %#v", ci.Variables["allProcessed"])
	}
}

func TestRepetitionWaits(t *testing.T) {
	ctx := context.Background()
	eng := testEngine(t, `
name: throttled
planModel:
  id: throttled-plan
  kind: stage
  definitions:
    - id: jobDef
      kind: humanTask
  planItems:
    - id: job
      definitionRef: jobDef
      control:
        repetition:
          condition:
            source: |
              return true;
          maxInstanceCount: 2
`)

	ci, _, err := eng.StartCase(ctx, "throttled", nil)
	if err != nil {
		t.Fatal(err)
	}
	job := instOf(t, ci, "job")

	// Fill the window with live siblings so the completer has to park.
	for i, id := range []string{"sib-1", "sib-2"} {
		ci.register(&PlanItemInstance{
			Id:          id,
			ItemID:      job.ItemID,
			State:       Available,
			StageInstID: job.StageInstID,
			Repetition:  i + 2,
			Locals:      expr.NewBindings(),
			item:        job.item,
			def:         job.def,
		})
	}

	if _, err := eng.Trigger(ctx, ci.Id, job.Id, nil); err != nil {
		t.Fatal(err)
	}
	if job.State != WaitingForRepetition {
		t.Fatalf("completer in state %s", job.State)
	}
}
