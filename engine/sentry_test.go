package engine

import (
	"context"
	"testing"

	"github.com/caseworks/docket/expr"
)

var andCase = `
name: and
planModel:
  id: and-plan
  kind: stage
  definitions:
    - id: taskDef
      kind: humanTask
  planItems:
    - id: a
      definitionRef: taskDef
    - id: b
      definitionRef: taskDef
    - id: c
      definitionRef: taskDef
      entryCriteria:
        - sentryRef: both
  sentries:
    - id: both
      onParts:
        - sourceRef: a
          standardEvent: complete
        - sourceRef: b
          standardEvent: complete
`

func TestSentryAndSemantics(t *testing.T) {
	orders := [][]string{
		{"a", "b"},
		{"b", "a"},
	}
	for _, order := range orders {
		ctx := context.Background()
		eng := testEngine(t, andCase)

		ci, _, err := eng.StartCase(ctx, "and", nil)
		if err != nil {
			t.Fatal(err)
		}

		wantState(t, ci, "c", Available)

		first := instOf(t, ci, order[0])
		if _, err := eng.Trigger(ctx, ci.Id, first.Id, nil); err != nil {
			t.Fatal(err)
		}
		// One on-part fired; not enough.
		wantState(t, ci, "c", Available)

		second := instOf(t, ci, order[1])
		d, err := eng.Trigger(ctx, ci.Id, second.Id, nil)
		if err != nil {
			t.Fatal(err)
		}
		wantState(t, ci, "c", Active)

		if len(d.Satisfactions) != 1 || d.Satisfactions[0].SentryID != "both" {
			t.Fatalf("order %v: got %#v", order, d.Satisfactions)
		}
	}
}

var tripleCase = `
name: triple
planModel:
  id: triple-plan
  kind: stage
  definitions:
    - id: taskDef
      kind: humanTask
  planItems:
    - id: a
      definitionRef: taskDef
    - id: b
      definitionRef: taskDef
    - id: c
      definitionRef: taskDef
    - id: d
      definitionRef: taskDef
      entryCriteria:
        - sentryRef: all
  sentries:
    - id: all
      onParts:
        - sourceRef: a
          standardEvent: complete
        - sourceRef: b
          standardEvent: complete
        - sourceRef: c
          standardEvent: complete
`

func TestSentryThreeOnPartOrders(t *testing.T) {
	orders := [][]string{
		{"a", "b", "c"},
		{"a", "c", "b"},
		{"b", "a", "c"},
		{"b", "c", "a"},
		{"c", "a", "b"},
		{"c", "b", "a"},
	}
	for _, order := range orders {
		ctx := context.Background()
		eng := testEngine(t, tripleCase)

		ci, _, err := eng.StartCase(ctx, "triple", nil)
		if err != nil {
			t.Fatal(err)
		}

		var d *Drained
		for _, itemID := range order[:2] {
			inst := instOf(t, ci, itemID)
			if _, err := eng.Trigger(ctx, ci.Id, inst.Id, nil); err != nil {
				t.Fatal(err)
			}
			wantState(t, ci, "d", Available)
		}
		last := instOf(t, ci, order[2])
		if d, err = eng.Trigger(ctx, ci.Id, last.Id, nil); err != nil {
			t.Fatal(err)
		}
		wantState(t, ci, "d", Active)

		if len(d.Satisfactions) != 1 || d.Satisfactions[0].SentryID != "all" {
			t.Fatalf("order %v: got %#v", order, d.Satisfactions)
		}
	}
}

var ifOnlyCase = `
name: ifonly
planModel:
  id: ifonly-plan
  kind: stage
  definitions:
    - id: taskDef
      kind: humanTask
  planItems:
    - id: guarded
      definitionRef: taskDef
      entryCriteria:
        - sentryRef: whenReady
  sentries:
    - id: whenReady
      ifPart:
        condition:
          source: |
            return ready === true;
`

func TestIfPartOnlySentry(t *testing.T) {
	ctx := context.Background()
	eng := testEngine(t, ifOnlyCase)

	ci, _, err := eng.StartCase(ctx, "ifonly", expr.NewBindings().Extend("ready", false))
	if err != nil {
		t.Fatal(err)
	}
	wantState(t, ci, "guarded", Available)

	// An unrelated change doesn't start it.
	if _, err := eng.SetVariables(ctx, ci.Id, expr.NewBindings().Extend("note", "soon")); err != nil {
		t.Fatal(err)
	}
	wantState(t, ci, "guarded", Available)

	if _, err := eng.SetVariables(ctx, ci.Id, expr.NewBindings().Extend("ready", true)); err != nil {
		t.Fatal(err)
	}
	wantState(t, ci, "guarded", Active)
}

var emptySentryCase = `
name: empty
planModel:
  id: empty-plan
  kind: stage
  definitions:
    - id: taskDef
      kind: humanTask
  planItems:
    - id: a
      definitionRef: taskDef
    - id: stuck
      definitionRef: taskDef
      entryCriteria:
        - sentryRef: never
  sentries:
    - id: never
`

func TestEmptySentryNeverSatisfied(t *testing.T) {
	ctx := context.Background()
	eng := testEngine(t, emptySentryCase)

	ci, _, err := eng.StartCase(ctx, "empty", nil)
	if err != nil {
		t.Fatal(err)
	}
	wantState(t, ci, "stuck", Available)

	a := instOf(t, ci, "a")
	if _, err := eng.Trigger(ctx, ci.Id, a.Id, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.SetVariables(ctx, ci.Id, expr.NewBindings().Extend("x", 1)); err != nil {
		t.Fatal(err)
	}
	wantState(t, ci, "stuck", Available)
}

var exitCase = `
name: exit
planModel:
  id: exit-plan
  kind: stage
  definitions:
    - id: taskDef
      kind: humanTask
    - id: cancelDef
      kind: userEventListener
  planItems:
    - id: work
      definitionRef: taskDef
      exitCriteria:
        - sentryRef: onCancel
          exitType: activeInstances
    - id: cancel
      definitionRef: cancelDef
  sentries:
    - id: onCancel
      onParts:
        - sourceRef: cancel
          standardEvent: occur
`

func TestExitCriterion(t *testing.T) {
	ctx := context.Background()
	eng := testEngine(t, exitCase)

	ci, _, err := eng.StartCase(ctx, "exit", nil)
	if err != nil {
		t.Fatal(err)
	}
	wantState(t, ci, "work", Active)
	wantState(t, ci, "cancel", Available)

	cancel := instOf(t, ci, "cancel")
	d, err := eng.Occur(ctx, ci.Id, cancel.Id)
	if err != nil {
		t.Fatal(err)
	}

	wantState(t, ci, "work", Terminated)
	if ci.State != Completed {
		t.Fatalf("case state %s", ci.State)
	}

	found := false
	for _, s := range d.Satisfactions {
		if s.SentryID == "onCancel" && !s.Entry {
			found = true
		}
	}
	if !found {
		t.Fatalf("no exit satisfaction in %#v", d.Satisfactions)
	}
}

var filteredExitCase = `
name: exit2
planModel:
  id: exit2-plan
  kind: stage
  definitions:
    - id: taskDef
      kind: humanTask
    - id: cancelDef
      kind: userEventListener
  planItems:
    - id: work
      definitionRef: taskDef
      control:
        manualActivation: {}
      exitCriteria:
        - sentryRef: onCancel
          exitType: activeInstances
    - id: cancel
      definitionRef: cancelDef
  sentries:
    - id: onCancel
      onParts:
        - sourceRef: cancel
          standardEvent: occur
`

func TestExitTypeFiltersUnstarted(t *testing.T) {
	// With exitType activeInstances, an exit criterion firing while
	// the target is only available leaves it alone.
	ctx := context.Background()
	eng := testEngine(t, filteredExitCase)

	ci, _, err := eng.StartCase(ctx, "exit2", nil)
	if err != nil {
		t.Fatal(err)
	}
	wantState(t, ci, "work", Enabled)

	cancel := instOf(t, ci, "cancel")
	if _, err := eng.Occur(ctx, ci.Id, cancel.Id); err != nil {
		t.Fatal(err)
	}
	// Enabled is not active, so the exit didn't apply.
	wantState(t, ci, "work", Enabled)
}

// An exit criterion that fires while its target is out of range stays
// latched: the exit lands as soon as the target reaches an applicable
// state, without the source events firing again.
func TestExitLatchesUntilApplicable(t *testing.T) {
	ctx := context.Background()
	eng := testEngine(t, filteredExitCase)

	ci, _, err := eng.StartCase(ctx, "exit2", nil)
	if err != nil {
		t.Fatal(err)
	}

	cancel := instOf(t, ci, "cancel")
	if _, err := eng.Occur(ctx, ci.Id, cancel.Id); err != nil {
		t.Fatal(err)
	}
	wantState(t, ci, "work", Enabled)

	// Starting work makes the latched exit applicable.
	if _, err := eng.ManualStart(ctx, ci.Id, instOf(t, ci, "work").Id); err != nil {
		t.Fatal(err)
	}
	wantState(t, ci, "work", Terminated)
	if ci.State != Completed {
		t.Fatalf("case state %s", ci.State)
	}
}
