package stack

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, path string, contents string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
}

const sampleManifest = `apiVersion: stackctl.dev/v1
kind: Stack
name: flask_demo
version: v1.0.0
watcher:
  paths: ["flaskapp"]
  patch: false
  intervalMs: 1500
services:
  zeta_cache:
    deploy:
      repository: bitnami
      chart: redis
      version: 17.0.0
  postgres_1:
    namespace: data
    deploy:
      repository: bitnami
      chart: postgresql
      version: 12.1.0
      timeout: 90s
      outputs:
        host: "{{ .Release }}-postgresql.{{ .Namespace }}.svc"
    values:
      auth:
        database: app
projects:
  flaskapp_1:
    deps: [zeta_cache]
    build:
      tag: latest
      registry: local
      dockerfile: Dockerfile.dev
    deploy:
      customChart: charts/flaskapp
    init:
      - echo {{ .Inputs.db_host }}
    inputs:
      db_host: self.service.postgres_1.output.host
  worker:
    deps:
      services: [postgres_1]
      projects: [flaskapp_1]
    build:
      script: scripts/worker.sh
    deploy:
      customChart: charts/worker
`

func TestLoadFile_PreservesOrderAndFields(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, StackFileName), sampleManifest)

	s, err := LoadFile(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.Name != "flask_demo" || s.Root != dir {
		t.Fatalf("unexpected stack header %+v", s)
	}
	var names []string
	for _, u := range s.Units() {
		names = append(names, string(u.Kind)+"/"+u.Name)
	}
	want := []string{"service/zeta_cache", "service/postgres_1", "project/flaskapp_1", "project/worker"}
	if !reflect.DeepEqual(names, want) {
		t.Fatalf("order = %v, want %v", names, want)
	}
	pg := s.Services[1]
	if pg.Deploy.Timeout != 90*time.Second || pg.Namespace != "data" {
		t.Fatalf("unexpected postgres deploy %+v", pg.Deploy)
	}
	if pg.Deploy.Outputs["host"] == "" {
		t.Fatalf("outputs template not decoded")
	}
	flask := s.Projects[0]
	if !reflect.DeepEqual(flask.Deps.Any, []string{"zeta_cache"}) {
		t.Fatalf("flat deps = %+v", flask.Deps)
	}
	worker := s.Projects[1]
	if !reflect.DeepEqual(worker.Deps.Services, []string{"postgres_1"}) || !reflect.DeepEqual(worker.Deps.Projects, []string{"flaskapp_1"}) {
		t.Fatalf("qualified deps = %+v", worker.Deps)
	}
	if s.Watcher.PatchEnabled() || s.Watcher.Interval() != 1500*time.Millisecond {
		t.Fatalf("watcher = %+v", s.Watcher)
	}

	g, sites, err := BuildGraph(s)
	if err != nil {
		t.Fatalf("build graph: %v", err)
	}
	if len(sites) != 1 || g.Len() != 4 {
		t.Fatalf("unexpected graph: %d units, sites %+v", g.Len(), sites)
	}
	if ns, _ := s.UnitNamespace(flask); ns != "flask-demo" {
		t.Fatalf("namespace fallback = %q", ns)
	}
}

func TestParse_Errors(t *testing.T) {
	cases := map[string]string{
		"unknown field":     "name: s\nservices:\n  a:\n    deploy: {chart: x}\n    bogus: 1\n",
		"wrong kind":        "kind: Release\nname: s\n",
		"wrong apiVersion":  "apiVersion: v2\nname: s\n",
		"missing name":      "services: {}\n",
		"empty document":    "",
		"services not map":  "name: s\nservices: [a, b]\n",
		"bad deps":          "name: s\nservices:\n  a:\n    deploy: {chart: x}\n    deps: 3\n",
		"bad deps key":      "name: s\nservices:\n  a:\n    deploy: {chart: x}\n    deps: {things: [b]}\n",
		"duplicate unit":    "name: s\nservices:\n  a:\n    deploy: {chart: x}\n  a:\n    deploy: {chart: y}\n",
		"negative interval": "name: s\nwatcher:\n  intervalMs: -1\n",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse([]byte(raw), t.TempDir()); err == nil {
				t.Fatalf("expected error for %q", raw)
			}
		})
	}
}

func TestParse_SchemaErrorsAreTyped(t *testing.T) {
	_, err := Parse([]byte("name: s\nservices:\n  a:\n    deploy: {chart: x}\n    deps: {things: [b]}\n"), ".")
	var schema *SchemaError
	if !errors.As(err, &schema) || schema.Unit != "a" || !strings.HasPrefix(schema.Field, "deps") {
		t.Fatalf("expected SchemaError for deps, got %v", err)
	}
}

func TestParse_NullUnitBody(t *testing.T) {
	s, err := Parse([]byte("name: s\nservices:\n  a:\n"), ".")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(s.Services) != 1 || s.Services[0].Name != "a" {
		t.Fatalf("unexpected services %+v", s.Services)
	}
	if _, _, err := BuildGraph(s); err == nil {
		t.Fatalf("a service without a chart must fail graph construction")
	}
}
