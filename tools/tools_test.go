package tools

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/caseworks/docket/model"

	_ "github.com/caseworks/docket/expr/goja"
)

var claimYAML = `
name: claim
doc: |
  # Claims

  Process *insurance* claims.
planModel:
  id: claim-plan
  kind: stage
  definitions:
    - id: intakeDef
      kind: stage
      definitions:
        - id: taskDef
          kind: humanTask
      planItems:
        - id: gather
          definitionRef: taskDef
          name: Gather documents
    - id: reviewDef
      kind: humanTask
      doc: Look at the *documents*.
    - id: approvedDef
      kind: milestone
    - id: dueDef
      kind: timerEventListener
      timerExpr: PT1H
  planItems:
    - id: intake
      definitionRef: intakeDef
    - id: review
      definitionRef: reviewDef
      name: Review claim
      entryCriteria:
        - sentryRef: afterIntake
    - id: approved
      definitionRef: approvedDef
      entryCriteria:
        - sentryRef: whenDone
    - id: due
      definitionRef: dueDef
      exitCriteria:
        - sentryRef: afterIntake
  sentries:
    - id: afterIntake
      onParts:
        - sourceRef: intake
          standardEvent: complete
    - id: whenDone
      ifPart:
        condition:
          source: |
            return done === true;
`

func testDef(t *testing.T) *model.CaseDef {
	t.Helper()
	def, err := model.ParseYAML([]byte(claimYAML))
	if err != nil {
		t.Fatal(err)
	}
	if err := def.Compile(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	return def
}

func TestDot(t *testing.T) {
	def := testDef(t)

	var buf bytes.Buffer
	if err := Dot(def, &buf); err != nil {
		t.Fatal(err)
	}
	s := buf.String()

	for _, want := range []string{
		"digraph G {",
		`subgraph "cluster_intake"`,
		`"gather" [label="Gather documents"`,
		`"intake" -> "review" [label="complete",color="black"]`,
		`"intake" -> "due" [label="complete",color="red"]`,
		`shape=diamond`, // the if-part-only criterion on approved
		"}",
	} {
		if !strings.Contains(s, want) {
			t.Fatalf("missing %q in:\n%s", want, s)
		}
	}
}

func TestRenderDefHTML(t *testing.T) {
	def := testDef(t)

	var buf bytes.Buffer
	if err := RenderDefHTML(def, &buf); err != nil {
		t.Fatal(err)
	}
	s := buf.String()

	for _, want := range []string{
		"Claims</h1>",
		"<em>insurance</em>",
		`id="review"`,
		"<em>documents</em>",
		`<a href="#intake">`,
		"return done === true;",
		`<span class="itemKind">humanTask</span>`,
	} {
		if !strings.Contains(s, want) {
			t.Fatalf("missing %q in:\n%s", want, s)
		}
	}
}

func TestRenderDefPage(t *testing.T) {
	def := testDef(t)

	var buf bytes.Buffer
	if err := RenderDefPage(def, &buf, nil); err != nil {
		t.Fatal(err)
	}
	s := buf.String()

	for _, want := range []string{
		"<!DOCTYPE html>",
		"<title>claim</title>",
		"/static/def-html.css",
		"var thisDef = ",
		"<h1>claim</h1>",
	} {
		if !strings.Contains(s, want) {
			t.Fatalf("missing %q in:\n%s", want, s)
		}
	}
}
