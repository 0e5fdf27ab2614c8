// File: internal/stack/types.go
// Brief: Stack and unit configuration types.

package stack

import (
	"fmt"
	"strings"
	"time"
)

// UnitKind distinguishes services (deploy only) from projects (built, then deployed).
type UnitKind string

const (
	KindService UnitKind = "service"
	KindProject UnitKind = "project"
)

func (k UnitKind) valid() bool { return k == KindService || k == KindProject }

// Phase is one of the ordered steps applied to a unit.
type Phase string

const (
	PhaseInit   Phase = "init"
	PhaseBuild  Phase = "build"
	PhaseDeploy Phase = "deploy"
)

// AllPhases lists phases in execution order.
var AllPhases = []Phase{PhaseInit, PhaseBuild, PhaseDeploy}

func (p Phase) rank() int {
	switch p {
	case PhaseInit:
		return 0
	case PhaseBuild:
		return 1
	case PhaseDeploy:
		return 2
	}
	return 3
}

func ParsePhase(s string) (Phase, error) {
	switch Phase(strings.ToLower(strings.TrimSpace(s))) {
	case PhaseInit:
		return PhaseInit, nil
	case PhaseBuild:
		return PhaseBuild, nil
	case PhaseDeploy:
		return PhaseDeploy, nil
	}
	return "", fmt.Errorf("unknown phase %q (expected init, build, or deploy)", s)
}

const (
	defaultSource        = "stack-artifacts"
	defaultDockerfile    = "Dockerfile"
	defaultWatchInterval = 3000
	localRegistry        = "local"
)

type WatcherConfig struct {
	Paths      []string `yaml:"paths,omitempty" json:"paths,omitempty"`
	Patch      *bool    `yaml:"patch,omitempty" json:"patch,omitempty"`
	IntervalMs int      `yaml:"intervalMs,omitempty" json:"intervalMs,omitempty"`
}

// PatchEnabled reports whether a redeploy should re-run Deploy for affected units.
func (w WatcherConfig) PatchEnabled() bool {
	if w.Patch == nil {
		return true
	}
	return *w.Patch
}

func (w WatcherConfig) Interval() time.Duration {
	if w.IntervalMs <= 0 {
		return defaultWatchInterval * time.Millisecond
	}
	return time.Duration(w.IntervalMs) * time.Millisecond
}

func (w WatcherConfig) WatchPaths() []string {
	if len(w.Paths) == 0 {
		return []string{"./"}
	}
	return append([]string(nil), w.Paths...)
}

// Stack is a named collection of units plus deployment and watch configuration.
type Stack struct {
	Name        string        `yaml:"name" json:"name"`
	Version     string        `yaml:"version,omitempty" json:"version,omitempty"`
	Namespace   string        `yaml:"namespace,omitempty" json:"namespace,omitempty"`
	ReleaseName string        `yaml:"release,omitempty" json:"release,omitempty"`
	Watcher     WatcherConfig `yaml:"watcher,omitempty" json:"watcher,omitempty"`

	// Services and Projects keep manifest declaration order.
	Services []*UnitDefinition `yaml:"-" json:"services,omitempty"`
	Projects []*UnitDefinition `yaml:"-" json:"projects,omitempty"`

	// Root is the directory relative paths in the manifest resolve against.
	Root string `yaml:"-" json:"-"`
}

// Units returns services followed by projects, in declaration order.
func (s *Stack) Units() []*UnitDefinition {
	out := make([]*UnitDefinition, 0, len(s.Services)+len(s.Projects))
	out = append(out, s.Services...)
	out = append(out, s.Projects...)
	return out
}

// FQN returns the graph identity of a unit in this stack.
func (s *Stack) FQN(kind UnitKind, name string) string {
	return FQN(s.Name, kind, name)
}

func FQN(stackName string, kind UnitKind, name string) string {
	return stackName + "." + string(kind) + "." + name
}

// Deps lists explicit dependencies. Any holds unqualified names resolved against both kinds.
type Deps struct {
	Services []string `yaml:"services,omitempty" json:"services,omitempty"`
	Projects []string `yaml:"projects,omitempty" json:"projects,omitempty"`
	Any      []string `yaml:"-" json:"any,omitempty"`
}

func (d Deps) Empty() bool {
	return len(d.Services) == 0 && len(d.Projects) == 0 && len(d.Any) == 0
}

// BuildBlock is the build section as authored. BuildSpec() validates it into the tagged union.
type BuildBlock struct {
	Tag        string   `yaml:"tag,omitempty" json:"tag,omitempty"`
	Registry   string   `yaml:"registry,omitempty" json:"registry,omitempty"`
	Dockerfile string   `yaml:"dockerfile,omitempty" json:"dockerfile,omitempty"`
	Context    string   `yaml:"context,omitempty" json:"context,omitempty"`
	Platforms  []string `yaml:"platforms,omitempty" json:"platforms,omitempty"`
	Script     string   `yaml:"script,omitempty" json:"script,omitempty"`
}

// BuildSpec is either DockerBuild or ScriptBuild.
type BuildSpec interface {
	buildSpec()
	Describe() string
}

type DockerBuild struct {
	Tag        string   `json:"tag"`
	Registry   string   `json:"registry,omitempty"`
	Dockerfile string   `json:"dockerfile"`
	Context    string   `json:"context"`
	Platforms  []string `json:"platforms,omitempty"`
}

func (DockerBuild) buildSpec() {}

// LocalOnly reports whether the image is loaded into the local daemon instead of pushed.
func (b DockerBuild) LocalOnly() bool {
	return b.Registry == localRegistry
}

func (b DockerBuild) Describe() string {
	if b.LocalOnly() || b.Registry == "" {
		return fmt.Sprintf("docker %s (local)", b.Tag)
	}
	return fmt.Sprintf("docker %s -> %s", b.Tag, b.Registry)
}

type ScriptBuild struct {
	Path string `json:"path"`
}

func (ScriptBuild) buildSpec() {}

func (b ScriptBuild) Describe() string { return "script " + b.Path }

// BuildSpec converts the authored block. Exactly one of {tag, registry} or script must be set.
func (u *UnitDefinition) BuildSpec() (BuildSpec, error) {
	if u.Kind == KindService {
		if u.Build != nil {
			return nil, &SchemaError{Unit: u.Name, Field: "build", Reason: "services have no build phase"}
		}
		return nil, nil
	}
	b := u.Build
	if b == nil {
		return nil, &SchemaError{Unit: u.Name, Field: "build", Reason: "projects require a build section with either {tag, registry} or script"}
	}
	docker := strings.TrimSpace(b.Tag) != "" || strings.TrimSpace(b.Registry) != ""
	script := strings.TrimSpace(b.Script) != ""
	switch {
	case docker && script:
		return nil, &SchemaError{Unit: u.Name, Field: "build", Reason: "{tag, registry} and script are mutually exclusive"}
	case script:
		return ScriptBuild{Path: strings.TrimSpace(b.Script)}, nil
	case docker:
		if strings.TrimSpace(b.Tag) == "" {
			return nil, &SchemaError{Unit: u.Name, Field: "build.tag", Reason: "tag is required when registry is set"}
		}
		dockerfile := strings.TrimSpace(b.Dockerfile)
		if dockerfile == "" {
			dockerfile = defaultDockerfile
		}
		context := strings.TrimSpace(b.Context)
		if context == "" {
			context = u.Name
		}
		return DockerBuild{
			Tag:        strings.TrimSpace(b.Tag),
			Registry:   strings.TrimSpace(b.Registry),
			Dockerfile: dockerfile,
			Context:    context,
			Platforms:  append([]string(nil), b.Platforms...),
		}, nil
	default:
		return nil, &SchemaError{Unit: u.Name, Field: "build", Reason: "one of {tag, registry} or script is required"}
	}
}

type IaCBlock struct {
	Dir  string            `yaml:"dir" json:"dir"`
	Vars map[string]string `yaml:"vars,omitempty" json:"vars,omitempty"`
}

// DeploySpec is the deploy section as authored.
type DeploySpec struct {
	Repository  string            `yaml:"repository,omitempty" json:"repository,omitempty"`
	Chart       string            `yaml:"chart,omitempty" json:"chart,omitempty"`
	Version     string            `yaml:"version,omitempty" json:"version,omitempty"`
	CustomChart string            `yaml:"customChart,omitempty" json:"customChart,omitempty"`
	Timeout     time.Duration     `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Outputs     map[string]string `yaml:"outputs,omitempty" json:"outputs,omitempty"`
	IaC         *IaCBlock         `yaml:"iac,omitempty" json:"iac,omitempty"`
}

// ChartSource is either a repository chart or a local custom chart.
type ChartSource struct {
	Repository string `json:"repository,omitempty"`
	Chart      string `json:"chart,omitempty"`
	Version    string `json:"version,omitempty"`
	Path       string `json:"path,omitempty"`
}

func (c ChartSource) Custom() bool { return c.Path != "" }

func (c ChartSource) String() string {
	if c.Custom() {
		return c.Path
	}
	ref := c.Chart
	if c.Repository != "" {
		ref = c.Repository + "/" + c.Chart
	}
	if c.Version != "" {
		ref += "@" + c.Version
	}
	return ref
}

func (d DeploySpec) Source(unit string) (ChartSource, error) {
	repoChart := strings.TrimSpace(d.Chart) != "" || strings.TrimSpace(d.Repository) != ""
	custom := strings.TrimSpace(d.CustomChart) != ""
	switch {
	case repoChart && custom:
		return ChartSource{}, &SchemaError{Unit: unit, Field: "deploy", Reason: "{repository, chart, version} and customChart are mutually exclusive"}
	case custom:
		return ChartSource{Path: strings.TrimSpace(d.CustomChart)}, nil
	case repoChart:
		if strings.TrimSpace(d.Chart) == "" {
			return ChartSource{}, &SchemaError{Unit: unit, Field: "deploy.chart", Reason: "chart is required"}
		}
		return ChartSource{
			Repository: strings.TrimSpace(d.Repository),
			Chart:      strings.TrimSpace(d.Chart),
			Version:    strings.TrimSpace(d.Version),
		}, nil
	default:
		return ChartSource{}, &SchemaError{Unit: unit, Field: "deploy", Reason: "one of {repository, chart, version} or customChart is required"}
	}
}

// UnitDefinition is a service or project as consumed from the manifest.
type UnitDefinition struct {
	Name      string         `yaml:"-" json:"name"`
	Kind      UnitKind       `yaml:"-" json:"kind"`
	Source    string         `yaml:"source,omitempty" json:"source,omitempty"`
	Namespace string         `yaml:"namespace,omitempty" json:"namespace,omitempty"`
	Inputs    map[string]any `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	Values    map[string]any `yaml:"values,omitempty" json:"values,omitempty"`
	Deps      Deps           `yaml:"-" json:"deps,omitempty"`
	Build     *BuildBlock    `yaml:"build,omitempty" json:"build,omitempty"`
	Deploy    DeploySpec     `yaml:"deploy,omitempty" json:"deploy,omitempty"`
	Init      []string       `yaml:"init,omitempty" json:"init,omitempty"`
	Files     []string       `yaml:"files,omitempty" json:"files,omitempty"`
}

func (u *UnitDefinition) SourceName() string {
	if strings.TrimSpace(u.Source) == "" {
		return defaultSource
	}
	return u.Source
}

// DisplayName is the unit name in a form usable for Kubernetes resource names.
func (u *UnitDefinition) DisplayName() string {
	return strings.ReplaceAll(u.Name, "_", "-")
}

// ResolvedConfig is the configuration handed to an executor.
type ResolvedConfig struct {
	Inputs map[string]any `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Values map[string]any `json:"values,omitempty" yaml:"values,omitempty"`
}

// UnitOutput holds post-deploy output fields for a unit.
type UnitOutput map[string]any
