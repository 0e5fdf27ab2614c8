// File: internal/executor/init.go
// Brief: Shell init step executor.

package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"

	"github.com/example/stackctl/internal/stack"
)

// ShellInit runs a unit's init steps as one script in the user's shell. Steps are
// templates over the unit's inputs and are joined with ";".
type ShellInit struct {
	Shell   []string
	Runner  Runner
	Log     logr.Logger
	Limit   time.Duration
	WorkDir string
}

func (s *ShellInit) Timeout() time.Duration { return s.Limit }

func (s *ShellInit) Init(ctx context.Context, req stack.UnitRequest) error {
	if req.Unit == nil || len(req.Unit.Init) == 0 {
		return nil
	}
	data := dataFor(req, req.Release)
	steps := make([]string, 0, len(req.Unit.Init))
	for i, step := range req.Unit.Init {
		rendered, err := render(fmt.Sprintf("%s.init[%d]", req.Name, i), step, data)
		if err != nil {
			return err
		}
		if strings.TrimSpace(rendered) != "" {
			steps = append(steps, rendered)
		}
	}
	if len(steps) == 0 {
		return nil
	}
	shell := s.Shell
	if len(shell) == 0 {
		var err error
		if shell, err = ParseShell(""); err != nil {
			return err
		}
	}
	dir := s.WorkDir
	if dir == "" {
		dir = req.Root
	}
	cmd := shellCommand(shell, strings.Join(steps, ";"), dir, unitEnv(req))
	if _, err := runnerOrDefault(s.Runner, s.Log).Run(ctx, cmd); err != nil {
		return errors.Wrapf(err, "init %s", req.FQN)
	}
	return nil
}

func unitEnv(req stack.UnitRequest) []string {
	env := []string{
		"STACKCTL_STACK=" + req.Stack,
		"STACKCTL_UNIT=" + req.FQN,
		"STACKCTL_NAMESPACE=" + req.Namespace,
	}
	if req.Release != "" {
		env = append(env, "STACKCTL_RELEASE="+req.Release)
	}
	return env
}
