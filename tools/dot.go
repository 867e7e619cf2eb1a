package tools

// dot -Tpng g.dot > g.png

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/caseworks/docket/model"
)

// Dot makes a Graphviz dot file for a case definition: stages as
// clusters, plan items as nodes, and sentry on-parts as edges.  A
// really ugly dot file.
func Dot(def *model.CaseDef, w io.Writer) error {

	fmt.Fprintf(w, "digraph G {\n")
	fmt.Fprintf(w, `  graph [compound=true,rankdir=TB,nodesep=0.3,ranksep=0.6]
  node [shape="record" style="rounded,filled"]
  edge [fontsize = "12"]
`)

	// anchors records which plan item ids got a node, so sentry edges
	// only point at things that exist.
	anchors := make(map[string]bool, 32)

	var render func(d *model.PlanItemDef, indent string) error
	render = func(d *model.PlanItemDef, indent string) error {
		for _, item := range model.EffectivePlanItems(d) {
			target := item.Def()
			if target == nil {
				return fmt.Errorf("unresolved plan item %q", item.Id)
			}
			if target.Kind == model.KindStage {
				fmt.Fprintf(w, "%ssubgraph \"cluster_%s\" {\n", indent, item.Id)
				fmt.Fprintf(w, "%s  label=\"%s\"\n", indent, label(item))
				fmt.Fprintf(w, "%s  style=\"rounded\"\n", indent)
				// An invisible anchor so edges can reach the cluster.
				fmt.Fprintf(w, "%s  \"%s\" [shape=point,style=invis]\n", indent, item.Id)
				anchors[item.Id] = true
				if err := render(target, indent+"  "); err != nil {
					return err
				}
				fmt.Fprintf(w, "%s}\n", indent)
				continue
			}
			fmt.Fprintf(w, "%s\"%s\" [label=\"%s\",fillcolor=\"%s\",shape=\"%s\"]\n",
				indent, item.Id, label(item), fill(target.Kind), shape(target.Kind))
			anchors[item.Id] = true
		}
		return nil
	}

	if err := render(def.PlanModel, "  "); err != nil {
		return err
	}

	// Sentry edges: on-part source to guarded item.
	edges := func(item *model.PlanItem, criteria []*model.Criterion, color string) {
		for _, c := range criteria {
			sentry := c.Sentry()
			if sentry == nil {
				continue
			}
			for _, on := range sentry.OnParts {
				if !anchors[on.SourceRef] {
					continue
				}
				fmt.Fprintf(w, "  \"%s\" -> \"%s\" [label=\"%s\",color=\"%s\"]\n",
					on.SourceRef, item.Id, on.StandardEvent, color)
			}
			if sentry.IfPart != nil && len(sentry.OnParts) == 0 {
				fmt.Fprintf(w, "  \"%s_if\" [label=\"if\",shape=diamond,fillcolor=\"#eeeeee\"]\n", c.Id)
				fmt.Fprintf(w, "  \"%s_if\" -> \"%s\" [color=\"%s\"]\n", c.Id, item.Id, color)
			}
		}
	}

	items := def.Items()
	ids := make([]string, 0, len(items))
	for id := range items {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		item := items[id]
		edges(item, item.EntryCriteria, "black")
		edges(item, item.ExitCriteria, "red")
	}

	fmt.Fprintf(w, "}\n")

	return nil
}

func label(item *model.PlanItem) string {
	s := item.Name
	if s == "" {
		s = item.Id
	}
	return strings.ReplaceAll(s, `"`, `\"`)
}

func fill(kind model.DefKind) string {
	switch kind {
	case model.KindHumanTask, model.KindCasePageTask:
		return "#2d93ad"
	case model.KindCaseTask, model.KindProcessTask, model.KindServiceTask:
		return "#2d93ad"
	case model.KindMilestone:
		return "#52aa5e"
	case model.KindTimerEventListener, model.KindUserEventListener, model.KindSignalEventListener:
		return "#99ddc8"
	}
	return "#dddddd"
}

func shape(kind model.DefKind) string {
	switch kind {
	case model.KindMilestone:
		return "ellipse"
	case model.KindTimerEventListener, model.KindUserEventListener, model.KindSignalEventListener:
		return "diamond"
	}
	return "record"
}
