package xsm

import (
	"fmt"
	"sort"
	"strings"

	"github.com/xstatenet/core/pkg/xsmdef"
)

// Visualizer renders a Definition's document-order transition table as
// Graphviz DOT, optionally highlighting one interpreter's active
// configuration.
type Visualizer struct {
	def *xsmdef.Definition
}

func NewVisualizer(def *xsmdef.Definition) *Visualizer {
	return &Visualizer{def: def}
}

func sortedStateIDs(def *xsmdef.Definition) []string {
	ids := make([]string, 0, len(def.States))
	for id := range def.States {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ToGraphviz renders every state and declared transition as DOT.
// active, when non-nil, marks the given state ids (typically a
// Snapshot.ActiveStates) as the currently entered configuration.
func (v *Visualizer) ToGraphviz(active []string) string {
	activeSet := make(map[string]bool, len(active))
	for _, id := range active {
		activeSet[id] = true
	}

	var sb strings.Builder
	sb.WriteString("digraph StateMachine {\n")
	sb.WriteString("  rankdir=LR;\n")
	sb.WriteString("  node [shape=box];\n\n")
	sb.WriteString(fmt.Sprintf("  __start [shape=point];\n  __start -> %q;\n\n", v.def.RootState))

	for _, id := range sortedStateIDs(v.def) {
		node := v.def.States[id]
		shape := "box"
		switch node.Kind {
		case xsmdef.KindFinal:
			shape = "doublecircle"
		case xsmdef.KindHistoryShallow, xsmdef.KindHistoryDeep:
			shape = "circle"
		}
		style := ""
		if activeSet[id] {
			style = ", style=filled, fillcolor=lightgrey"
		}
		label := fmt.Sprintf("%s\\n(%s)", id, node.Kind)
		sb.WriteString(fmt.Sprintf("  %q [shape=%s, label=%q%s];\n", id, shape, label, style))

		for _, t := range node.Transitions {
			label := t.Event
			if label == "" {
				label = "always"
			}
			if len(t.Guards) > 0 {
				label += fmt.Sprintf(" %v", t.Guards)
			}
			if len(t.Targets) == 0 {
				sb.WriteString(fmt.Sprintf("  %q -> %q [label=%q, style=dashed];\n", id, id, label+" (internal)"))
				continue
			}
			for _, target := range t.Targets {
				sb.WriteString(fmt.Sprintf("  %q -> %q [label=%q];\n", id, target, label))
			}
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

// TransitionTable returns one line per declared transition, with
// states sorted by id and each state's transitions in document order
// (its selection priority). Useful for diffing a definition's
// transitions across revisions without rendering a diagram.
func (v *Visualizer) TransitionTable() []string {
	var lines []string
	for _, id := range sortedStateIDs(v.def) {
		for _, t := range v.def.States[id].Transitions {
			event := t.Event
			if event == "" {
				event = "<always>"
			}
			lines = append(lines, fmt.Sprintf("%s --%s--> %v", id, event, t.Targets))
		}
	}
	return lines
}
