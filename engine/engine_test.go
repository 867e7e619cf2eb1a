package engine

import (
	"context"
	"testing"

	"github.com/caseworks/docket/expr"
	"github.com/caseworks/docket/model"

	_ "github.com/caseworks/docket/expr/goja"
)

func compileDef(t *testing.T, yaml string) *model.CaseDef {
	t.Helper()
	def, err := model.ParseYAML([]byte(yaml))
	if err != nil {
		t.Fatal(err)
	}
	if err := def.Compile(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	return def
}

func testEngine(t *testing.T, yamls ...string) *Engine {
	t.Helper()
	eng := NewEngine()
	for _, yaml := range yamls {
		if err := eng.RegisterDef(compileDef(t, yaml)); err != nil {
			t.Fatal(err)
		}
	}
	return eng
}

func instOf(t *testing.T, ci *CaseInstance, itemID string) *PlanItemInstance {
	t.Helper()
	inst := ci.InstanceByItem(itemID)
	if inst == nil {
		t.Fatalf("no instance of %q", itemID)
	}
	return inst
}

func wantState(t *testing.T, ci *CaseInstance, itemID string, want State) {
	t.Helper()
	if got := instOf(t, ci, itemID).State; got != want {
		t.Fatalf("%s: wanted %s; got %s", itemID, want, got)
	}
}

var claimCase = `
name: claim
planModel:
  id: claim-plan
  kind: stage
  definitions:
    - id: reviewDef
      kind: humanTask
      name: Review claim
    - id: approvedDef
      kind: milestone
  planItems:
    - id: review
      definitionRef: reviewDef
    - id: approved
      definitionRef: approvedDef
      entryCriteria:
        - sentryRef: afterReview
  sentries:
    - id: afterReview
      onParts:
        - sourceRef: review
          standardEvent: complete
`

func TestStartCase(t *testing.T) {
	ctx := context.Background()
	eng := testEngine(t, claimCase)

	ci, d, err := eng.StartCase(ctx, "claim", expr.NewBindings().Extend("amount", 100))
	if err != nil {
		t.Fatal(err)
	}
	if d == nil || len(d.Ops) == 0 {
		t.Fatal("empty journal")
	}
	if ci.State != Active {
		t.Fatalf("case state %s", ci.State)
	}
	wantState(t, ci, "review", Active)
	wantState(t, ci, "approved", Available)
	if ci.Variables["amount"] != 100 {
		t.Fatalf("got %#v", ci.Variables)
	}
}

func TestStartCaseUnknownDefinition(t *testing.T) {
	eng := testEngine(t)
	if _, _, err := eng.StartCase(context.Background(), "nope", nil); err == nil {
		t.Fatal("should have complained")
	} else if _, is := err.(*UnknownDefinition); !is {
		t.Fatalf("wanted UnknownDefinition; got %v", err)
	}
}

func TestCompleteThroughMilestone(t *testing.T) {
	ctx := context.Background()
	eng := testEngine(t, claimCase)

	ci, _, err := eng.StartCase(ctx, "claim", nil)
	if err != nil {
		t.Fatal(err)
	}

	review := instOf(t, ci, "review")
	if _, err := eng.Trigger(ctx, ci.Id, review.Id, expr.NewBindings().Extend("approvedBy", "homer")); err != nil {
		t.Fatal(err)
	}

	wantState(t, ci, "review", Completed)
	wantState(t, ci, "approved", Completed)
	if ci.State != Completed {
		t.Fatalf("case state %s", ci.State)
	}
	if ci.Variables["approvedBy"] != "homer" {
		t.Fatalf("got %#v", ci.Variables)
	}
	if len(ci.Milestones) != 1 || ci.Milestones[0].Name != "approved" {
		t.Fatalf("got %#v", ci.Milestones)
	}
}

func TestTriggerGuard(t *testing.T) {
	ctx := context.Background()
	eng := testEngine(t, claimCase)

	ci, _, err := eng.StartCase(ctx, "claim", nil)
	if err != nil {
		t.Fatal(err)
	}

	// The milestone hasn't started; it can't be triggered.
	approved := instOf(t, ci, "approved")
	if _, err := eng.Trigger(ctx, ci.Id, approved.Id, nil); err == nil {
		t.Fatal("should have complained")
	} else if _, is := err.(*IllegalTransition); !is {
		t.Fatalf("wanted IllegalTransition; got %v", err)
	}
}

func TestTerminateCase(t *testing.T) {
	ctx := context.Background()
	eng := testEngine(t, claimCase)

	ci, _, err := eng.StartCase(ctx, "claim", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := eng.TerminateCase(ctx, ci.Id); err != nil {
		t.Fatal(err)
	}
	if ci.State != Terminated {
		t.Fatalf("case state %s", ci.State)
	}
	wantState(t, ci, "review", Terminated)
	wantState(t, ci, "approved", Terminated)
}

var childCase = `
name: payout
planModel:
  id: payout-plan
  kind: stage
  definitions:
    - id: paymentDef
      kind: serviceTask
      resultVar: paid
      expression:
        source: |
          return amount;
  planItems:
    - id: payment
      definitionRef: paymentDef
`

var parentCase = `
name: settlement
planModel:
  id: settlement-plan
  kind: stage
  definitions:
    - id: payoutDef
      kind: caseTask
      caseRef: payout
      resultVar: payout
  planItems:
    - id: payout
      definitionRef: payoutDef
`

func TestCaseTaskSynchronousChild(t *testing.T) {
	ctx := context.Background()
	eng := testEngine(t, childCase, parentCase)

	ci, _, err := eng.StartCase(ctx, "settlement", expr.NewBindings().Extend("amount", 250))
	if err != nil {
		t.Fatal(err)
	}

	// The child is fully automatic, so the whole settlement runs to
	// completion within the one command.
	if ci.State != Completed {
		t.Fatalf("case state %s", ci.State)
	}
	wantState(t, ci, "payout", Completed)

	out, is := ci.Variables["payout"].(map[string]interface{})
	if !is {
		t.Fatalf("got %#v", ci.Variables["payout"])
	}
	if n, is := out["paid"].(int64); !is || n != 250 {
		t.Fatalf("got %#v", out)
	}
}

var slowChildCase = `
name: inquiry
planModel:
  id: inquiry-plan
  kind: stage
  definitions:
    - id: askDef
      kind: humanTask
  planItems:
    - id: ask
      definitionRef: askDef
`

var waitingParentCase = `
name: audit
planModel:
  id: audit-plan
  kind: stage
  definitions:
    - id: inquiryDef
      kind: caseTask
      caseRef: inquiry
      resultVar: findings
  planItems:
    - id: inquiry
      definitionRef: inquiryDef
`

func TestCaseTaskWaitsForChild(t *testing.T) {
	ctx := context.Background()
	eng := testEngine(t, slowChildCase, waitingParentCase)

	parent, _, err := eng.StartCase(ctx, "audit", nil)
	if err != nil {
		t.Fatal(err)
	}

	inquiry := instOf(t, parent, "inquiry")
	if inquiry.State != Active {
		t.Fatalf("inquiry state %s", inquiry.State)
	}
	if inquiry.ReferenceType != "case" || inquiry.ReferenceID == "" {
		t.Fatalf("no child reference: %#v", inquiry)
	}

	child, err := eng.CaseByID(inquiry.ReferenceID)
	if err != nil {
		t.Fatal(err)
	}
	ask := instOf(t, child, "ask")
	if _, err := eng.Trigger(ctx, child.Id, ask.Id, expr.NewBindings().Extend("answer", 42)); err != nil {
		t.Fatal(err)
	}

	// The child's end flows back to the parent in a fresh drain.
	if child.State != Completed {
		t.Fatalf("child state %s", child.State)
	}
	if inquiry.State != Completed {
		t.Fatalf("inquiry state %s", inquiry.State)
	}
	if parent.State != Completed {
		t.Fatalf("parent state %s", parent.State)
	}
	out, is := parent.Variables["findings"].(map[string]interface{})
	if !is || out["answer"] != 42 {
		t.Fatalf("got %#v", parent.Variables["findings"])
	}
}

func TestCaseTaskTerminatesChildOnExit(t *testing.T) {
	ctx := context.Background()
	eng := testEngine(t, slowChildCase, waitingParentCase)

	parent, _, err := eng.StartCase(ctx, "audit", nil)
	if err != nil {
		t.Fatal(err)
	}
	inquiry := instOf(t, parent, "inquiry")
	child, err := eng.CaseByID(inquiry.ReferenceID)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := eng.TerminateCase(ctx, parent.Id); err != nil {
		t.Fatal(err)
	}
	if parent.State != Terminated {
		t.Fatalf("parent state %s", parent.State)
	}
	if child.State != Terminated {
		t.Fatalf("child state %s", child.State)
	}
}
