package stack

import (
	"errors"
	"reflect"
	"testing"
)

func testService(name string) *UnitDefinition {
	return &UnitDefinition{Name: name, Kind: KindService, Deploy: DeploySpec{Repository: "bitnami", Chart: name, Version: "1.0.0"}}
}

func testProject(name string) *UnitDefinition {
	return &UnitDefinition{
		Name:   name,
		Kind:   KindProject,
		Build:  &BuildBlock{Tag: "latest", Registry: "local"},
		Deploy: DeploySpec{CustomChart: "charts/" + name},
	}
}

func TestBuildGraph_InfersDeployEdgeFromReference(t *testing.T) {
	pg := testService("postgres_1")
	app := testProject("flaskapp_1")
	app.Inputs = map[string]any{
		"db_host": "self.service.postgres_1.output.host",
		"debug":   "true",
		"note":    "self.service.postgres_1.host",
	}
	g, sites, err := BuildGraph(&Stack{Name: "demo", Services: []*UnitDefinition{pg}, Projects: []*UnitDefinition{app}})
	if err != nil {
		t.Fatalf("build graph: %v", err)
	}
	edges := g.Edges()
	want := []Edge{{From: "demo.service.postgres_1", To: "demo.project.flaskapp_1", Tag: EdgeDeploy}}
	if !reflect.DeepEqual(edges, want) {
		t.Fatalf("edges = %+v, want %+v", edges, want)
	}
	if len(sites) != 1 {
		t.Fatalf("expected one reference site, got %+v", sites)
	}
	if got := sites[0].Path.String(); got != "inputs.db_host" {
		t.Fatalf("site path = %q", got)
	}
	if sites[0].Target != "demo.service.postgres_1" || sites[0].Ref.Field != "host" {
		t.Fatalf("unexpected site %+v", sites[0])
	}
}

func TestBuildGraph_ExplicitDepsAndUpgrade(t *testing.T) {
	a := testService("a")
	b := testService("b")
	b.Deps = Deps{Any: []string{"a"}}
	c := testProject("c")
	c.Deps = Deps{Services: []string{"a", "b"}}
	c.Values = map[string]any{"hosts": []any{"self.service.b.output.host"}}

	g, sites, err := BuildGraph(&Stack{Name: "s", Services: []*UnitDefinition{a, b}, Projects: []*UnitDefinition{c}})
	if err != nil {
		t.Fatalf("build graph: %v", err)
	}
	want := []Edge{
		{From: "s.service.a", To: "s.service.b", Tag: EdgeArtifact},
		{From: "s.service.a", To: "s.project.c", Tag: EdgeArtifact},
		{From: "s.service.b", To: "s.project.c", Tag: EdgeDeploy},
	}
	if got := g.Edges(); !reflect.DeepEqual(got, want) {
		t.Fatalf("edges = %+v, want %+v", got, want)
	}
	if len(sites) != 1 || sites[0].Path.String() != "values.hosts[0]" {
		t.Fatalf("unexpected sites %+v", sites)
	}
	if got := g.DependentsOf("s.service.a"); !reflect.DeepEqual(got, []string{"s.service.b", "s.project.c"}) {
		t.Fatalf("dependents of a = %v", got)
	}
	if got := g.DeployDescendants("s.service.a"); len(got) != 0 {
		t.Fatalf("a has no deploy descendants, got %v", got)
	}
	if got := g.DeployDescendants("s.service.b"); !reflect.DeepEqual(got, []string{"s.project.c"}) {
		t.Fatalf("deploy descendants of b = %v", got)
	}
	waves := g.Waves()
	if !reflect.DeepEqual(waves, [][]string{{"s.service.a"}, {"s.service.b"}, {"s.project.c"}}) {
		t.Fatalf("waves = %v", waves)
	}
}

func TestBuildGraph_CycleNamesBothUnits(t *testing.T) {
	cases := map[string]func() (*UnitDefinition, *UnitDefinition){
		"explicit": func() (*UnitDefinition, *UnitDefinition) {
			a, b := testService("a"), testService("b")
			a.Deps = Deps{Services: []string{"b"}}
			b.Deps = Deps{Services: []string{"a"}}
			return a, b
		},
		"references": func() (*UnitDefinition, *UnitDefinition) {
			a, b := testService("a"), testService("b")
			a.Inputs = map[string]any{"x": "self.service.b.output.x"}
			b.Values = map[string]any{"nested": map[string]any{"y": "self.service.a.output.y"}}
			return a, b
		},
	}
	for name, mk := range cases {
		t.Run(name, func(t *testing.T) {
			a, b := mk()
			_, _, err := BuildGraph(&Stack{Name: "s", Services: []*UnitDefinition{a, b}})
			var cycle *DependencyCycleError
			if !errors.As(err, &cycle) {
				t.Fatalf("expected DependencyCycleError, got %v", err)
			}
			if !cycle.Contains("s.service.a") || !cycle.Contains("s.service.b") {
				t.Fatalf("cycle %v does not name both units", cycle.Path)
			}
			if cycle.Path[0] != cycle.Path[len(cycle.Path)-1] {
				t.Fatalf("cycle path should repeat its first node: %v", cycle.Path)
			}
		})
	}
}

func TestBuildGraph_SelfReferenceIsCycle(t *testing.T) {
	a := testService("a")
	a.Inputs = map[string]any{"x": "self.service.a.output.x"}
	_, _, err := BuildGraph(&Stack{Name: "s", Services: []*UnitDefinition{a}})
	var cycle *DependencyCycleError
	if !errors.As(err, &cycle) {
		t.Fatalf("expected DependencyCycleError, got %v", err)
	}
}

func TestBuildGraph_NameErrors(t *testing.T) {
	t.Run("ambiguous unqualified dep", func(t *testing.T) {
		consumer := testService("consumer")
		consumer.Deps = Deps{Any: []string{"api"}}
		_, _, err := BuildGraph(&Stack{Name: "s", Services: []*UnitDefinition{testService("api"), consumer}, Projects: []*UnitDefinition{testProject("api")}})
		var dup *DuplicateNameError
		if !errors.As(err, &dup) || dup.Name != "api" || dup.Dependent == "" {
			t.Fatalf("expected ambiguity error, got %v", err)
		}
	})
	t.Run("qualified dep is not ambiguous", func(t *testing.T) {
		consumer := testService("consumer")
		consumer.Deps = Deps{Projects: []string{"api"}}
		g, _, err := BuildGraph(&Stack{Name: "s", Services: []*UnitDefinition{testService("api"), consumer}, Projects: []*UnitDefinition{testProject("api")}})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if in := g.Incoming("s.service.consumer"); len(in) != 1 || in[0].From != "s.project.api" {
			t.Fatalf("unexpected incoming %+v", in)
		}
	})
	t.Run("duplicate within kind", func(t *testing.T) {
		_, _, err := BuildGraph(&Stack{Name: "s", Services: []*UnitDefinition{testService("a"), testService("a")}})
		var dup *DuplicateNameError
		if !errors.As(err, &dup) {
			t.Fatalf("expected DuplicateNameError, got %v", err)
		}
	})
	t.Run("unknown dep", func(t *testing.T) {
		a := testService("a")
		a.Deps = Deps{Any: []string{"missing"}}
		_, _, err := BuildGraph(&Stack{Name: "s", Services: []*UnitDefinition{a}})
		var unk *UnknownUnitError
		if !errors.As(err, &unk) || unk.Ref != "missing" {
			t.Fatalf("expected UnknownUnitError, got %v", err)
		}
	})
	t.Run("unknown reference target", func(t *testing.T) {
		a := testService("a")
		a.Inputs = map[string]any{"x": "self.project.ghost.output.url"}
		_, _, err := BuildGraph(&Stack{Name: "s", Services: []*UnitDefinition{a}})
		var unk *UnknownUnitError
		if !errors.As(err, &unk) {
			t.Fatalf("expected UnknownUnitError, got %v", err)
		}
	})
}

func TestBuildGraph_BuildSpecExclusivity(t *testing.T) {
	cases := []struct {
		name  string
		build *BuildBlock
		ok    bool
	}{
		{name: "docker", build: &BuildBlock{Tag: "v1", Registry: "ghcr.io/acme"}, ok: true},
		{name: "script", build: &BuildBlock{Script: "build.sh"}, ok: true},
		{name: "both", build: &BuildBlock{Tag: "v1", Registry: "ghcr.io/acme", Script: "build.sh"}},
		{name: "neither", build: &BuildBlock{}},
		{name: "missing", build: nil},
		{name: "registry without tag", build: &BuildBlock{Registry: "ghcr.io/acme"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := testProject("p")
			p.Build = tc.build
			_, _, err := BuildGraph(&Stack{Name: "s", Projects: []*UnitDefinition{p}})
			if tc.ok {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var schema *SchemaError
			if !errors.As(err, &schema) {
				t.Fatalf("expected SchemaError, got %v", err)
			}
		})
	}
}

func TestBuildGraph_ServiceWithBuildRejected(t *testing.T) {
	s := testService("a")
	s.Build = &BuildBlock{Tag: "x"}
	_, _, err := BuildGraph(&Stack{Name: "s", Services: []*UnitDefinition{s}})
	var schema *SchemaError
	if !errors.As(err, &schema) {
		t.Fatalf("expected SchemaError, got %v", err)
	}
}

func TestBuildGraph_EscapedReferenceIsLiteral(t *testing.T) {
	a := testService("a")
	b := testService("b")
	b.Inputs = map[string]any{"doc": `\self.service.a.output.host`}
	g, sites, err := BuildGraph(&Stack{Name: "s", Services: []*UnitDefinition{a, b}})
	if err != nil {
		t.Fatalf("build graph: %v", err)
	}
	if len(g.Edges()) != 0 || len(sites) != 0 {
		t.Fatalf("escaped reference must not create edges: %+v %+v", g.Edges(), sites)
	}
	cfg, err := NewResolver(g, sites).Resolve("s.service.b")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.Inputs["doc"] != "self.service.a.output.host" {
		t.Fatalf("escaped literal not unescaped: %v", cfg.Inputs["doc"])
	}
}

func TestParseReference(t *testing.T) {
	cases := map[string]bool{
		"self.service.postgres_1.output.host": true,
		"self.project.api.output.url":         true,
		"self.service.postgres_1.output":      false,
		"self.service.a.output.host.extra":    false,
		"self.widget.a.output.host":           false,
		"other.service.a.output.host":         false,
		"self.service.a.outputs.host":         false,
		"self.service..output.host":           false,
		" self.service.a.output.host":         false,
		"":                                    false,
	}
	for in, want := range cases {
		if _, ok := ParseReference(in); ok != want {
			t.Fatalf("ParseReference(%q) = %v, want %v", in, ok, want)
		}
	}
}

func TestGraph_Lookup(t *testing.T) {
	g, _, err := BuildGraph(&Stack{Name: "s", Services: []*UnitDefinition{testService("db"), testService("api")}, Projects: []*UnitDefinition{testProject("api")}})
	if err != nil {
		t.Fatalf("build graph: %v", err)
	}
	if got, err := g.Lookup("db"); err != nil || got != "s.service.db" {
		t.Fatalf("Lookup(db) = %q, %v", got, err)
	}
	if got, err := g.Lookup("s.project.api"); err != nil || got != "s.project.api" {
		t.Fatalf("Lookup(fqn) = %q, %v", got, err)
	}
	if _, err := g.Lookup("api"); err == nil {
		t.Fatalf("expected ambiguity for api")
	}
	if _, err := g.Lookup("nope"); err == nil {
		t.Fatalf("expected unknown unit")
	}
}
