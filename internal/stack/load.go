// File: internal/stack/load.go
// Brief: stack.yaml loading with declaration order preserved.

package stack

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"
)

const (
	StackFileName   = "stack.yaml"
	stackAPIVersion = "stackctl.dev/v1"
)

type stackFile struct {
	APIVersion string        `yaml:"apiVersion,omitempty"`
	Kind       string        `yaml:"kind,omitempty"`
	Name       string        `yaml:"name"`
	Version    string        `yaml:"version,omitempty"`
	Namespace  string        `yaml:"namespace,omitempty"`
	Release    string        `yaml:"release,omitempty"`
	Watcher    WatcherConfig `yaml:"watcher,omitempty"`
	Services   yaml.Node     `yaml:"services,omitempty"`
	Projects   yaml.Node     `yaml:"projects,omitempty"`
}

type unitFile struct {
	UnitDefinition `yaml:",inline"`
	DepsNode       yaml.Node `yaml:"deps,omitempty"`
}

// LoadFile reads a stack manifest. A directory argument means <dir>/stack.yaml.
// Relative paths inside the manifest resolve against its directory.
func LoadFile(path string) (*Stack, error) {
	path, err := homedir.Expand(strings.TrimSpace(path))
	if err != nil {
		return nil, err
	}
	if path == "" {
		path = StackFileName
	}
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		path = filepath.Join(path, StackFileName)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	s, err := Parse(raw, filepath.Dir(abs))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return s, nil
}

// Parse decodes a manifest. Unknown fields are rejected.
func Parse(raw []byte, root string) (*Stack, error) {
	var sf stackFile
	if err := decodeStrict(raw, &sf); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if sf.Kind != "" && sf.Kind != "Stack" {
		return nil, &SchemaError{Field: "kind", Reason: fmt.Sprintf("kind must be Stack (got %q)", sf.Kind)}
	}
	if sf.APIVersion != "" && sf.APIVersion != stackAPIVersion {
		return nil, &SchemaError{Field: "apiVersion", Reason: fmt.Sprintf("apiVersion must be %s (got %q)", stackAPIVersion, sf.APIVersion)}
	}
	if strings.TrimSpace(sf.Name) == "" {
		return nil, &SchemaError{Field: "name", Reason: "stack name is required"}
	}
	if sf.Watcher.IntervalMs < 0 {
		return nil, &SchemaError{Field: "watcher.intervalMs", Reason: "must not be negative"}
	}
	s := &Stack{
		Name:        strings.TrimSpace(sf.Name),
		Version:     sf.Version,
		Namespace:   strings.TrimSpace(sf.Namespace),
		ReleaseName: strings.TrimSpace(sf.Release),
		Watcher:     sf.Watcher,
		Root:        root,
	}
	var err error
	if s.Services, err = decodeUnits(&sf.Services, KindService); err != nil {
		return nil, err
	}
	if s.Projects, err = decodeUnits(&sf.Projects, KindProject); err != nil {
		return nil, err
	}
	for _, u := range s.Units() {
		if err := expandPaths(u); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func decodeStrict(raw []byte, out any) error {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return err
	}
	return nil
}

// decodeUnits walks the mapping node pair by pair so that declaration order survives.
func decodeUnits(node *yaml.Node, kind UnitKind) ([]*UnitDefinition, error) {
	field := string(kind) + "s"
	if node.Kind == 0 || (node.Kind == yaml.ScalarNode && node.Tag == "!!null") {
		return nil, nil
	}
	if node.Kind != yaml.MappingNode {
		return nil, &SchemaError{Field: field, Reason: fmt.Sprintf("line %d: expected a mapping of unit name to definition", node.Line)}
	}
	seen := map[string]struct{}{}
	var out []*UnitDefinition
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i], node.Content[i+1]
		if key.Kind != yaml.ScalarNode || strings.TrimSpace(key.Value) == "" {
			return nil, &SchemaError{Field: field, Reason: fmt.Sprintf("line %d: unit name must be a non-empty string", key.Line)}
		}
		name := strings.TrimSpace(key.Value)
		if _, ok := seen[name]; ok {
			return nil, &DuplicateNameError{Name: name, Kinds: []UnitKind{kind, kind}}
		}
		seen[name] = struct{}{}

		var uf unitFile
		if !(val.Kind == yaml.ScalarNode && val.Tag == "!!null") {
			if val.Kind != yaml.MappingNode {
				return nil, &SchemaError{Unit: name, Field: field, Reason: fmt.Sprintf("line %d: expected a mapping", val.Line)}
			}
			raw, err := yaml.Marshal(val)
			if err != nil {
				return nil, err
			}
			if err := decodeStrict(raw, &uf); err != nil {
				return nil, &SchemaError{Unit: name, Field: field, Reason: fmt.Sprintf("line %d: %v", val.Line, err)}
			}
		}
		u := uf.UnitDefinition
		u.Name = name
		u.Kind = kind
		deps, err := decodeDeps(name, &uf.DepsNode)
		if err != nil {
			return nil, err
		}
		u.Deps = deps
		out = append(out, &u)
	}
	return out, nil
}

// decodeDeps accepts a flat list of unqualified names or {services, projects}.
func decodeDeps(unit string, node *yaml.Node) (Deps, error) {
	var d Deps
	switch node.Kind {
	case 0:
		return d, nil
	case yaml.ScalarNode:
		if node.Tag == "!!null" {
			return d, nil
		}
	case yaml.SequenceNode:
		if err := node.Decode(&d.Any); err != nil {
			return d, &SchemaError{Unit: unit, Field: "deps", Reason: err.Error()}
		}
		return d, nil
	case yaml.MappingNode:
		for i := 0; i+1 < len(node.Content); i += 2 {
			switch k := node.Content[i].Value; k {
			case "services":
				if err := node.Content[i+1].Decode(&d.Services); err != nil {
					return d, &SchemaError{Unit: unit, Field: "deps.services", Reason: err.Error()}
				}
			case "projects":
				if err := node.Content[i+1].Decode(&d.Projects); err != nil {
					return d, &SchemaError{Unit: unit, Field: "deps.projects", Reason: err.Error()}
				}
			default:
				return d, &SchemaError{Unit: unit, Field: "deps", Reason: fmt.Sprintf("unknown key %q (expected services or projects)", k)}
			}
		}
		return d, nil
	}
	return d, &SchemaError{Unit: unit, Field: "deps", Reason: fmt.Sprintf("line %d: expected a list or {services, projects}", node.Line)}
}

func expandPaths(u *UnitDefinition) error {
	expand := func(field string, p *string) error {
		if *p == "" {
			return nil
		}
		v, err := homedir.Expand(*p)
		if err != nil {
			return &SchemaError{Unit: u.Name, Field: field, Reason: err.Error()}
		}
		*p = v
		return nil
	}
	if u.Build != nil {
		if err := expand("build.script", &u.Build.Script); err != nil {
			return err
		}
		if err := expand("build.context", &u.Build.Context); err != nil {
			return err
		}
	}
	if err := expand("deploy.customChart", &u.Deploy.CustomChart); err != nil {
		return err
	}
	if u.Deploy.IaC != nil {
		if err := expand("deploy.iac.dir", &u.Deploy.IaC.Dir); err != nil {
			return err
		}
	}
	return nil
}

// ResolvePath makes p absolute against the stack root.
func (s *Stack) ResolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	root := s.Root
	if root == "" {
		root = "."
	}
	return filepath.Join(root, p)
}
