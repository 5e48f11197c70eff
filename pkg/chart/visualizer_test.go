package chart

import (
	"strings"
	"testing"
)

func TestVisualizerToMermaidIncludesStatesAndEdges(t *testing.T) {
	g, _, err := BuildGraph(trafficLightDoc(), trafficLightRegistry())
	if err != nil {
		t.Fatalf("BuildGraph: %v", err)
	}
	out := NewVisualizer(g).ToMermaid()
	if !strings.HasPrefix(out, "```mermaid\nstateDiagram-v2\n") {
		t.Fatalf("unexpected mermaid header: %q", out)
	}
	for _, want := range []string{"green", "yellow", "red", "TIMER"} {
		if !strings.Contains(out, want) {
			t.Fatalf("mermaid output missing %q:\n%s", want, out)
		}
	}
}

func TestVisualizerToASCIIListsStatesAndTransitions(t *testing.T) {
	g, _, err := BuildGraph(trafficLightDoc(), trafficLightRegistry())
	if err != nil {
		t.Fatalf("BuildGraph: %v", err)
	}
	out := NewVisualizer(g).ToASCII()
	if !strings.Contains(out, "Machine: #trafficLight") {
		t.Fatalf("ASCII output missing machine header: %q", out)
	}
	if !strings.Contains(out, "TIMER -> yellow") {
		t.Fatalf("ASCII output missing green's TIMER transition: %q", out)
	}
}

func TestVisualizerToGraphvizProducesValidDigraph(t *testing.T) {
	g, _, err := BuildGraph(trafficLightDoc(), trafficLightRegistry())
	if err != nil {
		t.Fatalf("BuildGraph: %v", err)
	}
	out := NewVisualizer(g).ToGraphviz()
	if !strings.HasPrefix(out, "digraph Machine {") || !strings.HasSuffix(out, "}\n") {
		t.Fatalf("unexpected graphviz shape: %q", out)
	}
	if !strings.Contains(out, `"#trafficLight.green" -> "#trafficLight.yellow"`) {
		t.Fatalf("graphviz output missing green->yellow edge: %q", out)
	}
}

func TestVisualizerToJSONIncludesNodesAndEdges(t *testing.T) {
	g, _, err := BuildGraph(trafficLightDoc(), trafficLightRegistry())
	if err != nil {
		t.Fatalf("BuildGraph: %v", err)
	}
	out := NewVisualizer(g).ToJSON()
	if !strings.Contains(out, `"machine":"#trafficLight"`) {
		t.Fatalf("JSON output missing machine field: %q", out)
	}
	if !strings.Contains(out, `"event":"TIMER"`) {
		t.Fatalf("JSON output missing a TIMER edge: %q", out)
	}
}

func TestVisualizerGetStatsCountsNodesAndTransitions(t *testing.T) {
	g, _, err := BuildGraph(trafficLightDoc(), trafficLightRegistry())
	if err != nil {
		t.Fatalf("BuildGraph: %v", err)
	}
	stats := NewVisualizer(g).GetStats()
	if stats["machineId"] != "#trafficLight" {
		t.Fatalf("machineId = %v", stats["machineId"])
	}
	if stats["transitionCount"] != 3 {
		t.Fatalf("transitionCount = %v, want 3", stats["transitionCount"])
	}
	if stats["finalCount"] != 0 {
		t.Fatalf("finalCount = %v, want 0", stats["finalCount"])
	}
}

func TestVisualizerValidateFlagsDeadEndStates(t *testing.T) {
	doc := map[string]interface{}{
		"id":      "v",
		"initial": "a",
		"states": map[string]interface{}{
			"a": map[string]interface{}{"on": map[string]interface{}{"GO": "b"}},
			"b": map[string]interface{}{}, // dead end: no transitions, no invoke
		},
	}
	g, _, err := BuildGraph(doc, NewRegistry())
	if err != nil {
		t.Fatalf("BuildGraph: %v", err)
	}
	issues := NewVisualizer(g).Validate()

	var sawDeadEnd bool
	for _, issue := range issues {
		if strings.Contains(issue, "#v.b") && strings.Contains(issue, "no outgoing transitions") {
			sawDeadEnd = true
		}
	}
	if !sawDeadEnd {
		t.Fatalf("expected a dead-end warning for #v.b, got %v", issues)
	}
}
