package model

import (
	"context"
	"testing"

	_ "github.com/caseworks/docket/expr/goja"
)

var claimYAML = `
name: claim
version: "1.0"
doc: |
  A little insurance claim case for tests.
planModel:
  id: claim-plan
  kind: stage
  definitions:
    - id: reviewDef
      kind: humanTask
      name: Review claim
    - id: approvedDef
      kind: milestone
    - id: assessStageDef
      kind: stage
      planItems:
        - id: assess
          definitionRef: assessDef
      definitions:
        - id: assessDef
          kind: humanTask
  planItems:
    - id: review
      definitionRef: reviewDef
    - id: assessment
      definitionRef: assessStageDef
      entryCriteria:
        - sentryRef: afterReview
    - id: approved
      definitionRef: approvedDef
      entryCriteria:
        - sentryRef: whenDone
  sentries:
    - id: afterReview
      onParts:
        - sourceRef: review
          standardEvent: complete
    - id: whenDone
      onParts:
        - sourceRef: assessment
          standardEvent: complete
      ifPart:
        condition:
          source: |
            return ok;
`

func testDef(t *testing.T, yaml string) *CaseDef {
	t.Helper()
	def, err := ParseYAML([]byte(yaml))
	if err != nil {
		t.Fatal(err)
	}
	if err := def.Compile(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	return def
}

func TestCompile(t *testing.T) {
	def := testDef(t, claimYAML)

	if !def.Compiled() {
		t.Fatal("not compiled")
	}

	item := def.ItemById("assessment")
	if item == nil {
		t.Fatal("no assessment item")
	}
	if d := item.Def(); d == nil || d.Id != "assessStageDef" {
		t.Fatalf("wrong definition %#v", d)
	}
	if s := item.Stage(); s == nil || s.Id != "claim-plan" {
		t.Fatalf("wrong owning stage %#v", s)
	}

	// Nested items resolve within their stage's scope.
	inner := def.ItemById("assess")
	if inner == nil {
		t.Fatal("no assess item")
	}
	if d := inner.Def(); d == nil || d.Id != "assessDef" {
		t.Fatalf("wrong inner definition %#v", d)
	}

	// Criterion ids get generated when missing.
	c := item.EntryCriteria[0]
	if c.Id == "" {
		t.Fatal("no generated criterion id")
	}
	if c.Sentry() == nil || c.Sentry().Id != "afterReview" {
		t.Fatalf("wrong sentry %#v", c.Sentry())
	}

	// If-part conditions get compiled.
	whenDone := def.SentryById("whenDone")
	if whenDone == nil {
		t.Fatal("no whenDone sentry")
	}
	if !whenDone.IfPart.Condition.Compiled() {
		t.Fatal("if-part not compiled")
	}
}

func TestCompileUnresolvedDefinition(t *testing.T) {
	def, err := ParseYAML([]byte(`
name: broken
planModel:
  id: p
  kind: stage
  planItems:
    - id: a
      definitionRef: nope
`))
	if err != nil {
		t.Fatal(err)
	}
	err = def.Compile(context.Background(), nil)
	if _, is := err.(*UnresolvedDefinition); !is {
		t.Fatalf("wanted UnresolvedDefinition; got %v", err)
	}
}

func TestCompileUnresolvedSentry(t *testing.T) {
	def, err := ParseYAML([]byte(`
name: broken
planModel:
  id: p
  kind: stage
  definitions:
    - id: aDef
      kind: humanTask
  planItems:
    - id: a
      definitionRef: aDef
      entryCriteria:
        - sentryRef: nope
`))
	if err != nil {
		t.Fatal(err)
	}
	err = def.Compile(context.Background(), nil)
	if _, is := err.(*UnresolvedSentry); !is {
		t.Fatalf("wanted UnresolvedSentry; got %v", err)
	}
}

func TestCompileUnresolvedSource(t *testing.T) {
	def, err := ParseYAML([]byte(`
name: broken
planModel:
  id: p
  kind: stage
  definitions:
    - id: aDef
      kind: humanTask
  planItems:
    - id: a
      definitionRef: aDef
      entryCriteria:
        - sentryRef: s
  sentries:
    - id: s
      onParts:
        - sourceRef: nope
          standardEvent: complete
`))
	if err != nil {
		t.Fatal(err)
	}
	err = def.Compile(context.Background(), nil)
	if _, is := err.(*UnresolvedSource); !is {
		t.Fatalf("wanted UnresolvedSource; got %v", err)
	}
}

func TestCompileBadStandardEvent(t *testing.T) {
	def, err := ParseYAML([]byte(`
name: broken
planModel:
  id: p
  kind: stage
  definitions:
    - id: aDef
      kind: humanTask
  planItems:
    - id: a
      definitionRef: aDef
    - id: b
      definitionRef: aDef
      entryCriteria:
        - sentryRef: s
  sentries:
    - id: s
      onParts:
        - sourceRef: a
          standardEvent: explode
`))
	if err != nil {
		t.Fatal(err)
	}
	err = def.Compile(context.Background(), nil)
	if _, is := err.(*BadModel); !is {
		t.Fatalf("wanted BadModel; got %v", err)
	}
}

func TestCompileDuplicateId(t *testing.T) {
	def, err := ParseYAML([]byte(`
name: broken
planModel:
  id: p
  kind: stage
  definitions:
    - id: aDef
      kind: humanTask
  planItems:
    - id: a
      definitionRef: aDef
    - id: a
      definitionRef: aDef
`))
	if err != nil {
		t.Fatal(err)
	}
	err = def.Compile(context.Background(), nil)
	if _, is := err.(*DuplicateId); !is {
		t.Fatalf("wanted DuplicateId; got %v", err)
	}
}

func TestEffectivePlanItemsLiftsFragments(t *testing.T) {
	def := testDef(t, `
name: fragmented
planModel:
  id: p
  kind: stage
  definitions:
    - id: fragDef
      kind: planFragment
      planItems:
        - id: inner
          definitionRef: taskDef
    - id: taskDef
      kind: humanTask
  planItems:
    - id: direct
      definitionRef: taskDef
    - id: frag
      definitionRef: fragDef
`)

	items := EffectivePlanItems(def.PlanModel)
	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.Id)
	}
	if len(ids) != 2 || ids[0] != "direct" || ids[1] != "inner" {
		t.Fatalf("got %v", ids)
	}
}

func TestBlockingDefault(t *testing.T) {
	def := testDef(t, claimYAML)
	d := def.DefById("reviewDef")
	if d == nil {
		t.Fatal("no reviewDef")
	}
	if !d.IsBlocking() {
		t.Fatal("blocking should default to true")
	}
}
