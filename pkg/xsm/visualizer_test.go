package xsm

import (
	"strings"
	"testing"

	"github.com/xstatenet/core/pkg/xsmdef"
)

func trafficLightDefinition(t *testing.T) *xsmdef.Definition {
	t.Helper()
	b := xsmdef.NewBuilder("traffic-light").Root("root")
	b.State("root", xsmdef.KindCompound).Initial("root.red").
		Child("root.red").Child("root.green").Child("root.yellow")
	b.State("root.red", xsmdef.KindAtomic).
		On("TIMER", xsmdef.Transition{Targets: []string{"root.green"}})
	b.State("root.green", xsmdef.KindAtomic).
		On("TIMER", xsmdef.Transition{Targets: []string{"root.yellow"}})
	b.State("root.yellow", xsmdef.KindAtomic).
		On("TIMER", xsmdef.Transition{Targets: []string{"root.red"}})
	def := b.Build()
	resolver := NewResolver()
	if err := def.Validate(resolver); err != nil {
		t.Fatalf("definition failed to validate: %v", err)
	}
	return def
}

func TestVisualizer_ToGraphvizRendersStatesAndTransitions(t *testing.T) {
	def := trafficLightDefinition(t)
	dot := NewVisualizer(def).ToGraphviz([]string{"root.red"})

	if !strings.HasPrefix(dot, "digraph StateMachine {") {
		t.Fatalf("expected a digraph header, got: %s", dot)
	}
	if !strings.Contains(dot, `"root.red" -> "root.green" [label="TIMER"];`) {
		t.Errorf("expected the red->green transition, got:\n%s", dot)
	}
	if !strings.Contains(dot, "fillcolor=lightgrey") {
		t.Errorf("expected the active state to be highlighted, got:\n%s", dot)
	}
}

func TestVisualizer_ToGraphvizWithNoActiveStatesOmitsHighlight(t *testing.T) {
	def := trafficLightDefinition(t)
	dot := NewVisualizer(def).ToGraphviz(nil)

	if strings.Contains(dot, "fillcolor") {
		t.Errorf("expected no highlighting without an active configuration, got:\n%s", dot)
	}
}

func TestVisualizer_TransitionTableIsDocumentOrdered(t *testing.T) {
	def := trafficLightDefinition(t)
	table := NewVisualizer(def).TransitionTable()

	want := []string{
		"root.green --TIMER--> [root.yellow]",
		"root.red --TIMER--> [root.green]",
		"root.yellow --TIMER--> [root.red]",
	}
	if len(table) != len(want) {
		t.Fatalf("TransitionTable() = %v, want %v", table, want)
	}
	for i := range want {
		if table[i] != want[i] {
			t.Errorf("TransitionTable()[%d] = %q, want %q", i, table[i], want[i])
		}
	}
}
