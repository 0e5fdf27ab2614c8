// File: internal/executor/build.go
// Brief: Docker and buildx image builder.

package executor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/distribution/reference"
	"github.com/go-logr/logr"
	"github.com/pkg/errors"

	"github.com/example/stackctl/internal/stack"
)

// Builder dispatches a project's build to the docker or script builder.
type Builder struct {
	Docker *DockerBuilder
	Script *ScriptBuilder
	Limit  time.Duration
}

func (b *Builder) Timeout() time.Duration { return b.Limit }

func (b *Builder) Build(ctx context.Context, req stack.UnitRequest) error {
	switch spec := req.Build.(type) {
	case stack.DockerBuild:
		if b.Docker == nil {
			return errors.Errorf("%s: docker builds are not configured", req.FQN)
		}
		return b.Docker.build(ctx, req, spec)
	case stack.ScriptBuild:
		if b.Script == nil {
			return errors.Errorf("%s: script builds are not configured", req.FQN)
		}
		return b.Script.build(ctx, req, spec)
	case nil:
		return nil
	default:
		return errors.Errorf("%s: unsupported build %T", req.FQN, spec)
	}
}

// DockerBuilder runs docker buildx. Images are pushed unless the registry is "local"
// (or ForceLocal is set), in which case they are loaded into the local daemon.
type DockerBuilder struct {
	Runner     Runner
	Log        logr.Logger
	Binary     string
	BuildxName string
	Platforms  []string
	ForceLocal bool
}

// ImageLabel returns the reference a project's image is tagged with.
func ImageLabel(name string, spec stack.DockerBuild) (string, error) {
	repo := strings.ToLower(strings.ReplaceAll(name, "_", "-"))
	label := repo + ":" + spec.Tag
	if !spec.LocalOnly() && spec.Registry != "" {
		label = strings.TrimSuffix(spec.Registry, "/") + "/" + label
	}
	if _, err := reference.ParseNormalizedNamed(label); err != nil {
		return "", errors.Wrapf(err, "invalid image reference %q", label)
	}
	return label, nil
}

func (d *DockerBuilder) build(ctx context.Context, req stack.UnitRequest, spec stack.DockerBuild) error {
	label, err := ImageLabel(req.Name, spec)
	if err != nil {
		return err
	}
	args := []string{"buildx"}
	if d.BuildxName != "" {
		args = append(args, "--builder", d.BuildxName)
	}
	args = append(args, "build", "-t", label, ".", "-f", spec.Dockerfile)

	local := d.ForceLocal || spec.LocalOnly() || spec.Registry == ""
	if local {
		args = append(args, "--load")
	} else {
		platforms := spec.Platforms
		if len(d.Platforms) > 0 {
			platforms = d.Platforms
		}
		if len(platforms) > 0 {
			args = append(args, "--platform", strings.Join(platforms, ","))
		}
		args = append(args, "--push")
	}
	bin := d.Binary
	if bin == "" {
		bin = "docker"
	}
	cmd := Command{Name: bin, Args: args, Dir: resolve(req.Root, spec.Context)}
	if _, err := runnerOrDefault(d.Runner, d.Log).Run(ctx, cmd); err != nil {
		return errors.Wrapf(err, "build image %s", label)
	}
	if d.Log.GetSink() != nil {
		d.Log.Info("image built", "unit", req.FQN, "image", label, "pushed", !local)
	}
	return nil
}

// ScriptBuilder runs a build script's lines joined with "&&" in the user's shell.
type ScriptBuilder struct {
	Shell  []string
	Runner Runner
	Log    logr.Logger
}

func (s *ScriptBuilder) build(ctx context.Context, req stack.UnitRequest, spec stack.ScriptBuild) error {
	path := resolve(req.Root, spec.Path)
	raw, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "read build script for %s", req.FQN)
	}
	script := joinScript(string(raw))
	if script == "" {
		return nil
	}
	shell := s.Shell
	if len(shell) == 0 {
		if shell, err = ParseShell(""); err != nil {
			return err
		}
	}
	cmd := shellCommand(shell, script, resolve(req.Root, ""), unitEnv(req))
	if _, err := runnerOrDefault(s.Runner, s.Log).Run(ctx, cmd); err != nil {
		return errors.Wrapf(err, "build script %s", spec.Path)
	}
	return nil
}

// joinScript drops blank lines, comments and the shebang so the remaining lines chain with &&.
func joinScript(raw string) string {
	var lines []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, " && ")
}

func resolve(root, p string) string {
	if p == "" {
		p = "."
	}
	if filepath.IsAbs(p) || root == "" {
		return p
	}
	return filepath.Join(root, p)
}
