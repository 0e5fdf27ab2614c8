// File: internal/stack/print_graph.go
// Brief: Graph printing for plan debugging.

package stack

import (
	"fmt"
	"io"
	"strings"
)

func PrintGraphDOT(w io.Writer, g *Graph) error {
	fmt.Fprintf(w, "digraph %q {\n", g.StackName())
	fmt.Fprintln(w, "  rankdir=LR;")
	fmt.Fprintln(w, "  node [shape=box,fontname=\"SF Pro Text\"];")

	for _, kind := range []UnitKind{KindService, KindProject} {
		fmt.Fprintf(w, "  subgraph \"cluster_%ss\" {\n", kind)
		fmt.Fprintf(w, "    label=\"%ss\";\n", kind)
		for _, fqn := range g.Order() {
			n, _ := g.Node(fqn)
			if n.Kind() != kind {
				continue
			}
			fmt.Fprintf(w, "    \"%s\" [label=\"%s\\n%s\"];\n", fqn, n.Unit.Name, n.Chart.String())
		}
		fmt.Fprintln(w, "  }")
	}
	for _, e := range g.Edges() {
		style := "solid"
		if e.Tag == EdgeArtifact {
			style = "dashed"
		}
		fmt.Fprintf(w, "  \"%s\" -> \"%s\" [style=%s,label=%q];\n", e.From, e.To, style, strings.ToLower(string(e.Tag)))
	}
	fmt.Fprintln(w, "}")
	return nil
}

func PrintGraphMermaid(w io.Writer, g *Graph) error {
	fmt.Fprintln(w, "graph TD")
	for _, fqn := range g.Order() {
		n, _ := g.Node(fqn)
		fmt.Fprintf(w, "  %s[\"%s\\n%s\"]\n", safeID(fqn), n.Unit.Name, n.Kind())
	}
	for _, e := range g.Edges() {
		arrow := "-->"
		if e.Tag == EdgeArtifact {
			arrow = "-.->"
		}
		fmt.Fprintf(w, "  %s %s %s\n", safeID(e.From), arrow, safeID(e.To))
	}
	return nil
}

func safeID(s string) string {
	out := strings.Builder{}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
			out.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			out.WriteRune(r)
		case r >= '0' && r <= '9':
			out.WriteRune(r)
		default:
			out.WriteRune('_')
		}
	}
	return out.String()
}
