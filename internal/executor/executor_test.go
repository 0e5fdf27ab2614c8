package executor

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/example/stackctl/internal/stack"
)

type recordingRunner struct {
	mu     sync.Mutex
	cmds   []Command
	stdout map[string]string
	fail   map[string]error
}

func (r *recordingRunner) Run(_ context.Context, c Command) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cmds = append(r.cmds, c)
	key := strings.Join(c.Args, " ")
	for sub, err := range r.fail {
		if strings.Contains(key, sub) {
			return nil, err
		}
	}
	for sub, out := range r.stdout {
		if strings.Contains(key, sub) {
			return []byte(out), nil
		}
	}
	return nil, nil
}

func projectRequest(root string, spec stack.BuildSpec) stack.UnitRequest {
	return stack.UnitRequest{
		FQN:       "demo.project.flask_app",
		Name:      "flask_app",
		Kind:      stack.KindProject,
		Stack:     "demo",
		Root:      root,
		Unit:      &stack.UnitDefinition{Name: "flask_app", Kind: stack.KindProject},
		Build:     spec,
		Namespace: "demo",
		Release:   "demo-a1b2c3",
	}
}

func TestDockerBuilder_PushAndLoad(t *testing.T) {
	cases := []struct {
		name  string
		spec  stack.DockerBuild
		force bool
		want  []string
	}{
		{
			name: "push to registry",
			spec: stack.DockerBuild{Tag: "v1", Registry: "ghcr.io/acme", Dockerfile: "Dockerfile", Context: "app", Platforms: []string{"linux/amd64", "linux/arm64"}},
			want: []string{"buildx", "build", "-t", "ghcr.io/acme/flask-app:v1", ".", "-f", "Dockerfile", "--platform", "linux/amd64,linux/arm64", "--push"},
		},
		{
			name: "local registry loads",
			spec: stack.DockerBuild{Tag: "latest", Registry: "local", Dockerfile: "Dockerfile.dev", Context: "app"},
			want: []string{"buildx", "build", "-t", "flask-app:latest", ".", "-f", "Dockerfile.dev", "--load"},
		},
		{
			name:  "registry-local flag overrides",
			spec:  stack.DockerBuild{Tag: "v1", Registry: "ghcr.io/acme", Dockerfile: "Dockerfile", Context: "app"},
			force: true,
			want:  []string{"buildx", "build", "-t", "ghcr.io/acme/flask-app:v1", ".", "-f", "Dockerfile", "--load"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := &recordingRunner{}
			b := &Builder{Docker: &DockerBuilder{Runner: r, ForceLocal: tc.force}}
			if err := b.Build(context.Background(), projectRequest("/src", tc.spec)); err != nil {
				t.Fatalf("build: %v", err)
			}
			if len(r.cmds) != 1 {
				t.Fatalf("expected one command, got %+v", r.cmds)
			}
			c := r.cmds[0]
			if c.Name != "docker" || c.Dir != "/src/app" {
				t.Fatalf("unexpected command %s in %s", c, c.Dir)
			}
			if !reflect.DeepEqual(c.Args, tc.want) {
				t.Fatalf("args = %v, want %v", c.Args, tc.want)
			}
		})
	}
}

func TestImageLabel_Invalid(t *testing.T) {
	if _, err := ImageLabel("api", stack.DockerBuild{Tag: "bad tag!", Registry: "ghcr.io/acme"}); err == nil {
		t.Fatalf("expected invalid reference error")
	}
}

func TestScriptBuilder_JoinsLines(t *testing.T) {
	root := t.TempDir()
	script := "#!/bin/sh\n# build the thing\nnpm ci\n\nnpm run build\n"
	if err := os.WriteFile(filepath.Join(root, "build.sh"), []byte(script), 0o644); err != nil {
		t.Fatal(err)
	}
	r := &recordingRunner{}
	b := &Builder{Script: &ScriptBuilder{Shell: []string{"bash", "-e"}, Runner: r}}
	if err := b.Build(context.Background(), projectRequest(root, stack.ScriptBuild{Path: "build.sh"})); err != nil {
		t.Fatalf("build: %v", err)
	}
	c := r.cmds[0]
	want := []string{"-e", "-c", "npm ci && npm run build"}
	if c.Name != "bash" || !reflect.DeepEqual(c.Args, want) || c.Dir != root {
		t.Fatalf("unexpected command %+v", c)
	}
}

func TestScriptBuilder_MissingScript(t *testing.T) {
	b := &Builder{Script: &ScriptBuilder{Shell: []string{"sh"}, Runner: &recordingRunner{}}}
	if err := b.Build(context.Background(), projectRequest(t.TempDir(), stack.ScriptBuild{Path: "nope.sh"})); err == nil {
		t.Fatalf("expected error for missing script")
	}
}

func TestShellInit_RendersSteps(t *testing.T) {
	r := &recordingRunner{}
	req := projectRequest("/src", nil)
	req.Unit.Init = []string{"echo {{ .Inputs.greeting | upper }}", "touch {{ .Namespace }}.ready", "  "}
	req.Config = stack.ResolvedConfig{Inputs: map[string]any{"greeting": "hi"}}
	s := &ShellInit{Shell: []string{"/bin/bash"}, Runner: r}
	if err := s.Init(context.Background(), req); err != nil {
		t.Fatalf("init: %v", err)
	}
	c := r.cmds[0]
	if got := c.Args[len(c.Args)-1]; got != "echo HI;touch demo.ready" {
		t.Fatalf("script = %q", got)
	}
	if c.Dir != "/src" {
		t.Fatalf("dir = %q", c.Dir)
	}
	found := false
	for _, e := range c.Env {
		if e == "STACKCTL_UNIT=demo.project.flask_app" {
			found = true
		}
	}
	if !found {
		t.Fatalf("unit env missing: %v", c.Env)
	}

	req.Unit.Init = []string{"echo {{ .Inputs.missing }}"}
	if err := s.Init(context.Background(), req); err == nil {
		t.Fatalf("expected missing key error")
	}
}

func TestShellInit_NoStepsRunsNothing(t *testing.T) {
	r := &recordingRunner{}
	if err := (&ShellInit{Runner: r}).Init(context.Background(), projectRequest("/src", nil)); err != nil {
		t.Fatalf("init: %v", err)
	}
	if len(r.cmds) != 0 {
		t.Fatalf("unexpected commands %+v", r.cmds)
	}
}

func TestTerraformDeployer_Sequence(t *testing.T) {
	r := &recordingRunner{stdout: map[string]string{
		"output -json": `{"bucket":{"sensitive":false,"type":"string","value":"assets-demo"},"port":{"sensitive":false,"type":"number","value":5432}}`,
	}}
	req := projectRequest("/src", nil)
	req.Unit.Deploy.IaC = &stack.IaCBlock{Dir: "infra", Vars: map[string]string{"region": "eu-west-1", "ns": "{{ .Namespace }}"}}
	out, err := (&TerraformDeployer{Runner: r}).Deploy(context.Background(), req)
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	var got []string
	for _, c := range r.cmds {
		got = append(got, strings.Join(c.Args, " "))
	}
	want := []string{
		"-chdir=/src/infra init -upgrade -input=false",
		"-chdir=/src/infra plan -input=false -out=tfplan -var ns=demo -var region=eu-west-1",
		"-chdir=/src/infra apply -input=false tfplan",
		"-chdir=/src/infra output -json",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("commands = %v, want %v", got, want)
	}
	if out["bucket"] != "assets-demo" || out["port"] != float64(5432) {
		t.Fatalf("outputs = %v", out)
	}
}

func TestTerraformDeployer_PlanOnlyAndNoIaC(t *testing.T) {
	r := &recordingRunner{}
	req := projectRequest("/src", nil)
	if out, err := (&TerraformDeployer{Runner: r}).Deploy(context.Background(), req); err != nil || len(out) != 0 || len(r.cmds) != 0 {
		t.Fatalf("unit without iac should be a no-op: %v %v %v", out, err, r.cmds)
	}
	req.Unit.Deploy.IaC = &stack.IaCBlock{Dir: "infra"}
	if _, err := (&TerraformDeployer{Runner: r, PlanOnly: true}).Deploy(context.Background(), req); err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(r.cmds) != 2 {
		t.Fatalf("plan-only should stop after plan: %+v", r.cmds)
	}
}

func TestCompositeDeployer_MergesOutputs(t *testing.T) {
	helm := stack.DeployFunc(func(context.Context, stack.UnitRequest) (stack.UnitOutput, error) {
		return stack.UnitOutput{"host": "db.demo.svc"}, nil
	})
	tf := stack.DeployFunc(func(context.Context, stack.UnitRequest) (stack.UnitOutput, error) {
		return stack.UnitOutput{"bucket": "b"}, nil
	})
	req := projectRequest("/src", nil)
	req.Unit.Deploy.IaC = &stack.IaCBlock{Dir: "infra"}
	out, err := (&CompositeDeployer{Helm: helm, IaC: tf}).Deploy(context.Background(), req)
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if out["host"] != "db.demo.svc" || out["bucket"] != "b" {
		t.Fatalf("outputs = %v", out)
	}

	clash := stack.DeployFunc(func(context.Context, stack.UnitRequest) (stack.UnitOutput, error) {
		return stack.UnitOutput{"host": "other"}, nil
	})
	if _, err := (&CompositeDeployer{Helm: helm, IaC: clash}).Deploy(context.Background(), req); err == nil {
		t.Fatalf("expected conflict error")
	}
}

func TestCompositeDeployer_FailureCancelsSibling(t *testing.T) {
	boom := errors.New("boom")
	helm := stack.DeployFunc(func(ctx context.Context, _ stack.UnitRequest) (stack.UnitOutput, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	tf := stack.DeployFunc(func(context.Context, stack.UnitRequest) (stack.UnitOutput, error) {
		return nil, boom
	})
	req := projectRequest("/src", nil)
	req.Unit.Deploy.IaC = &stack.IaCBlock{Dir: "infra"}
	_, err := (&CompositeDeployer{Helm: helm, IaC: tf}).Deploy(context.Background(), req)
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
}

func TestDryRunDeployer_RendersOutputs(t *testing.T) {
	var buf bytes.Buffer
	req := projectRequest("/src", nil)
	req.Chart = stack.ChartSource{Path: "charts/flask"}
	req.Unit.Deploy.Outputs = map[string]string{"url": "http://{{ .Release }}.{{ .Namespace }}.svc:8080"}
	out, err := (&DryRunDeployer{Out: &buf}).Deploy(context.Background(), req)
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if out["url"] != "http://demo-a1b2c3-flask-app.demo.svc:8080" {
		t.Fatalf("url = %v", out["url"])
	}
	if !strings.Contains(buf.String(), "helm upgrade --install demo-a1b2c3-flask-app /src/charts/flask --namespace demo") {
		t.Fatalf("unexpected dry-run output %q", buf.String())
	}
}

func TestHelmReleaseName(t *testing.T) {
	req := stack.UnitRequest{Name: "postgres_1", Release: "demo-x"}
	if got := HelmReleaseName(req); got != "demo-x-postgres-1" {
		t.Fatalf("release = %q", got)
	}
	req.Name = strings.Repeat("a", 60)
	if got := HelmReleaseName(req); len(got) > maxHelmReleaseName {
		t.Fatalf("release name too long: %q", got)
	}
}

func TestChartValues_InjectsImage(t *testing.T) {
	req := projectRequest("/src", stack.DockerBuild{Tag: "v2", Registry: "ghcr.io/acme"})
	req.Config.Values = map[string]any{"replicas": 2}
	vals, err := chartValues(req)
	if err != nil {
		t.Fatalf("chart values: %v", err)
	}
	img, ok := vals["image"].(map[string]interface{})
	if !ok || img["repository"] != "ghcr.io/acme/flask-app" || img["tag"] != "v2" {
		t.Fatalf("image values = %v", vals["image"])
	}
	req.Config.Values = map[string]any{"image": "custom"}
	if vals, _ := chartValues(req); vals["image"] != "custom" {
		t.Fatalf("explicit image values must win")
	}
}

func TestChartValues_CarriesResolvedInputs(t *testing.T) {
	req := projectRequest("/src", stack.DockerBuild{Tag: "v2", Registry: "ghcr.io/acme"})
	req.Config.Values = map[string]any{"replicas": 2, "db": map[string]interface{}{"name": "app"}}
	req.Config.Inputs = map[string]any{
		"db_host":   "10.0.0.5",
		"db.port":   "5432",
		"note":      "a,b=c",
		"image.tag": "pinned",
		"debug":     true,
	}
	vals, err := chartValues(req)
	if err != nil {
		t.Fatalf("chart values: %v", err)
	}
	if vals["db_host"] != "10.0.0.5" || vals["note"] != "a,b=c" || vals["debug"] != true || vals["replicas"] != 2 {
		t.Fatalf("flat inputs missing: %v", vals)
	}
	db, ok := vals["db"].(map[string]interface{})
	if !ok || db["port"] != "5432" || db["name"] != "app" {
		t.Fatalf("dotted input not nested under db: %v", vals["db"])
	}
	if _, leaked := req.Config.Values["db"].(map[string]interface{})["port"]; leaked {
		t.Fatalf("chart values must not write through to the resolved config")
	}
	img, ok := vals["image"].(map[string]interface{})
	if !ok || img["tag"] != "pinned" || img["repository"] != nil {
		t.Fatalf("an input under image must suppress image defaulting: %v", vals["image"])
	}

	req.Config.Inputs = map[string]any{"bad=key": "x"}
	if _, err := chartValues(req); err == nil {
		t.Fatalf("expected error for input name that is not a values path")
	}
}

func TestExecRunner_StderrTail(t *testing.T) {
	_, err := ExecRunner{}.Run(context.Background(), Command{Name: "sh", Args: []string{"-c", "echo out; echo oops >&2; exit 3"}})
	if err == nil || !strings.Contains(err.Error(), "oops") {
		t.Fatalf("expected stderr in error, got %v", err)
	}
	out, err := ExecRunner{}.Run(context.Background(), Command{Name: "sh", Args: []string{"-c", "echo hello"}})
	if err != nil || strings.TrimSpace(string(out)) != "hello" {
		t.Fatalf("run: %q %v", out, err)
	}
}

func TestParseShell(t *testing.T) {
	args, err := ParseShell(`bash -o "pipefail"`)
	if err != nil || !reflect.DeepEqual(args, []string{"bash", "-o", "pipefail"}) {
		t.Fatalf("ParseShell = %v, %v", args, err)
	}
	t.Setenv("SHELL", "")
	if args, _ := ParseShell(""); !reflect.DeepEqual(args, []string{"/bin/sh"}) {
		t.Fatalf("fallback = %v", args)
	}
}

func TestDryRunner_PrintsCommands(t *testing.T) {
	var buf bytes.Buffer
	r := &DryRunner{Out: &buf}
	if _, err := r.Run(context.Background(), Command{Name: "docker", Args: []string{"buildx", "build", "-t", "a:b", "."}, Dir: "/src/app"}); err != nil {
		t.Fatal(err)
	}
	if got := buf.String(); got != "+ (cd /src/app && docker buildx build -t a:b .)\n" {
		t.Fatalf("dry-run line = %q", got)
	}
}
