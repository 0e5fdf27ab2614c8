package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/example/stackctl/internal/stack"
)

const demoManifest = `apiVersion: stackctl.dev/v1
kind: Stack
name: demo
release: demo-r1
services:
  postgres_1:
    deploy:
      repository: bitnami
      chart: postgresql
      version: 12.1.0
      outputs:
        host: "{{ .Release }}-postgresql.{{ .Namespace }}.svc"
projects:
  flask_app:
    build:
      tag: latest
      registry: local
    deploy:
      customChart: charts/flask
    init:
      - echo init {{ .Name }} in {{ .Namespace }}
    inputs:
      db_host: self.service.postgres_1.output.host
`

func writeDemoStack(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "stack.yaml"), []byte(demoManifest), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("{}\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("STACKCTL_CONFIG", cfgPath)
	t.Setenv("NO_COLOR", "1")
	t.Setenv("SHELL", "/bin/sh")
	return dir
}

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	root := newRootCommand()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), errOut.String(), err
}

func TestGraphCommandPrintsDOT(t *testing.T) {
	dir := writeDemoStack(t)
	out, _, err := execute(t, "graph", "-f", dir)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	for _, want := range []string{"digraph", "demo.service.postgres_1", "demo.project.flask_app"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in graph output:\n%s", want, out)
		}
	}
}

func TestGraphCommandRejectsUnknownFormat(t *testing.T) {
	dir := writeDemoStack(t)
	if _, _, err := execute(t, "graph", "-f", dir, "--format", "svg"); err == nil {
		t.Fatalf("expected error for unknown format")
	}
}

func TestPlanCommandJSON(t *testing.T) {
	dir := writeDemoStack(t)
	out, _, err := execute(t, "plan", "-f", dir, "-o", "json")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	var p stack.Plan
	if err := json.Unmarshal([]byte(out), &p); err != nil {
		t.Fatalf("decode plan: %v\n%s", err, out)
	}
	if p.Stack != "demo" || len(p.Waves) != 2 {
		t.Fatalf("unexpected plan: %+v", p)
	}
	if p.Waves[0][0] != "demo.service.postgres_1" || p.Waves[1][0] != "demo.project.flask_app" {
		t.Fatalf("unexpected waves: %v", p.Waves)
	}
}

func TestUpDryRunPrintsCommandsAndKeepsBuildstate(t *testing.T) {
	dir := writeDemoStack(t)
	out, _, err := execute(t, "up", "-f", dir, "--dry-run")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	for _, want := range []string{
		"+ helm upgrade --install demo-r1-postgres-1",
		"docker buildx build",
		"--load",
		"+ helm upgrade --install demo-r1-flask-app",
		"echo init flask_app in demo",
		"Succeeded",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in dry-run output:\n%s", want, out)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, ".stackctl")); !os.IsNotExist(err) {
		t.Fatalf("dry run must not write buildstate (stat err %v)", err)
	}
}

func TestStateShowEmpty(t *testing.T) {
	dir := writeDemoStack(t)
	out, _, err := execute(t, "state", "show", "-f", dir, "-o", "json")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(out, `"stack": "demo"`) {
		t.Fatalf("unexpected state output:\n%s", out)
	}
}

func TestEnvAndConfigFillUnsetFlags(t *testing.T) {
	dir := writeDemoStack(t)
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("parallel: 3\nplatforms:\n  - linux/amd64\n  - linux/arm64\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("STACKCTL_CONFIG", cfgPath)
	t.Setenv("STACKCTL_LOG_LEVEL", "debug")

	root := newRootCommand()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"graph", "-f", dir})
	if err := root.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("execute: %v", err)
	}
	flags := root.PersistentFlags()
	if got := flags.Lookup("parallel").Value.String(); got != "3" {
		t.Fatalf("parallel from config = %q", got)
	}
	if got := flags.Lookup("log-level").Value.String(); got != "debug" {
		t.Fatalf("log-level from env = %q", got)
	}
	if got := flags.Lookup("platforms").Value.String(); got != "[linux/amd64,linux/arm64]" {
		t.Fatalf("platforms from config = %q", got)
	}
}

func TestInvalidFlagsFailValidation(t *testing.T) {
	dir := writeDemoStack(t)
	if _, _, err := execute(t, "plan", "-f", dir, "--parallel", "0"); err == nil {
		t.Fatalf("expected --parallel 0 to be rejected")
	}
	if _, _, err := execute(t, "up", "-f", dir, "--dry-run", "-o", "xml"); err == nil {
		t.Fatalf("expected unknown output format to be rejected")
	}
}

func TestFinishRunStatusError(t *testing.T) {
	report := &stack.RunReport{Stack: "demo", Status: stack.RunPartialFailure}
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	err := finishRun(root, report, nil, "json")
	var notOK *errRunNotSucceeded
	if !errors.As(err, &notOK) || notOK.status != stack.RunPartialFailure {
		t.Fatalf("expected errRunNotSucceeded, got %v", err)
	}
	if !strings.Contains(out.String(), `"status": "PartialFailure"`) {
		t.Fatalf("report not printed before the error:\n%s", out.String())
	}
}

func TestVersionCommandJSON(t *testing.T) {
	writeDemoStack(t)
	out, _, err := execute(t, "version", "--json")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(out, `"version": "dev"`) {
		t.Fatalf("unexpected version output:\n%s", out)
	}
}
