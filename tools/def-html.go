package tools

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/caseworks/docket/model"

	md "github.com/russross/blackfriday/v2"
)

// RenderDefHTML writes an HTML fragment describing a case definition:
// its doc (as Markdown), its plan items, and their criteria.
func RenderDefHTML(def *model.CaseDef, out io.Writer) error {
	f := func(format string, args ...interface{}) {
		fmt.Fprintf(out, format+"\n", args...)
	}

	if def.Doc != "" {
		f(`<div class="defDoc doc">%s</div>`, md.Run([]byte(def.Doc)))
	}

	f(`<div class="items"><table>`)

	var fn func(d *model.PlanItemDef)
	fn = func(d *model.PlanItemDef) {
		for _, item := range model.EffectivePlanItems(d) {
			target := item.Def()
			f(`<tr class="item"><td><span id="%s" class="itemName">%s</span></td><td>`, item.Id, label(item))
			if target != nil {
				f(`<div>kind: <span class="itemKind">%s</span></div>`, target.Kind)
				if target.Doc != "" {
					f(`<div class="itemDoc doc">%s</div>`, md.Run([]byte(target.Doc)))
				}
				if target.Expression != nil {
					f(`<div class="code"><pre>%s</pre></div>`, target.Expression.Source)
				}
			}
			criteria(f, "entry", item.EntryCriteria)
			criteria(f, "exit", item.ExitCriteria)
			f(`</td></tr>`)
			if target != nil && target.Kind == model.KindStage {
				fn(target)
			}
		}
	}
	fn(def.PlanModel)

	f(`</table></div>`)

	return nil
}

func criteria(f func(string, ...interface{}), class string, cs []*model.Criterion) {
	for _, c := range cs {
		sentry := c.Sentry()
		if sentry == nil {
			continue
		}
		f(`<div class="criterion %s">`, class)
		f(`<table>`)
		for _, on := range sentry.OnParts {
			f(`<tr><td>on</td><td><a href="#%s"><code>%s</code></a> %s</td></tr>`,
				on.SourceRef, on.SourceRef, on.StandardEvent)
		}
		if sentry.IfPart != nil && sentry.IfPart.Condition != nil {
			f(`<tr><td>if</td><td><div class="code"><pre>%s</pre></div></td></tr>`,
				sentry.IfPart.Condition.Source)
		}
		f(`</table>`)
		f(`</div>`)
	}
}

// RenderDefPage writes a complete HTML page for a case definition.
func RenderDefPage(def *model.CaseDef, out io.Writer, cssFiles []string) error {

	if cssFiles == nil {
		cssFiles = []string{"/static/def-html.css"}
	}

	js, err := json.Marshal(def)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, `<!DOCTYPE html>
<meta charset="utf-8">
<html>
  <head>
  <title>%s</title>
`, def.Name)

	for _, cssFile := range cssFiles {
		fmt.Fprintf(out, "  <link href=\"%s\" rel=\"stylesheet\">\n", cssFile)
	}

	fmt.Fprintf(out, `
  <script>
  var thisDef = %s;
  </script>
  </head>
  <body>
  <h1>%s</h1>
`, js, def.Name)

	if err := RenderDefHTML(def, out); err != nil {
		return err
	}

	fmt.Fprintf(out, `
  </body>
</html>
`)

	return nil
}
