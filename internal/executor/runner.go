// File: internal/executor/runner.go
// Brief: External command execution shared by the phase executors.

// Package executor implements the stack phase executors: shell init steps,
// docker and script builds, Helm releases and Terraform workspaces.
package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/go-logr/logr"
	"github.com/mattn/go-shellwords"
	"github.com/pkg/errors"
)

// Command is one external process invocation.
type Command struct {
	Name string
	Args []string
	Dir  string
	Env  []string
}

func (c Command) String() string {
	parts := make([]string, 0, len(c.Args)+1)
	for _, p := range append([]string{c.Name}, c.Args...) {
		if p == "" || strings.ContainsAny(p, " \t\n\"'$&;|") {
			p = fmt.Sprintf("%q", p)
		}
		parts = append(parts, p)
	}
	return strings.Join(parts, " ")
}

// Runner executes commands and returns their stdout.
type Runner interface {
	Run(ctx context.Context, cmd Command) ([]byte, error)
}

const stderrTailLines = 20

// ExecRunner runs commands with os/exec. Stdout is returned; stderr is kept for error reports
// and streamed to Stderr when set.
type ExecRunner struct {
	Log    logr.Logger
	Stderr io.Writer
}

func (r ExecRunner) Run(ctx context.Context, c Command) ([]byte, error) {
	if c.Name == "" {
		return nil, errors.New("empty command")
	}
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if r.Stderr != nil {
		cmd.Stderr = io.MultiWriter(&stderr, r.Stderr)
	}
	if r.Log.GetSink() != nil {
		r.Log.V(1).Info("exec", "cmd", c.String(), "dir", c.Dir)
	}
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return stdout.Bytes(), errors.Wrapf(ctxErr, "%s", c)
		}
		if tail := tailLines(stderr.String(), stderrTailLines); tail != "" {
			return stdout.Bytes(), errors.Wrapf(err, "%s\n%s", c, tail)
		}
		return stdout.Bytes(), errors.Wrapf(err, "%s", c)
	}
	return stdout.Bytes(), nil
}

// DryRunner prints commands instead of running them.
type DryRunner struct {
	Out io.Writer

	mu sync.Mutex
}

func (r *DryRunner) Run(_ context.Context, c Command) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Out != nil {
		if c.Dir != "" {
			fmt.Fprintf(r.Out, "+ (cd %s && %s)\n", c.Dir, c)
		} else {
			fmt.Fprintf(r.Out, "+ %s\n", c)
		}
	}
	return nil, nil
}

func tailLines(s string, n int) string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return ""
	}
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

// ParseShell splits a --shell value such as "bash -eu" into argv. An empty value falls back to
// $SHELL, then /bin/sh.
func ParseShell(raw string) ([]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		raw = strings.TrimSpace(os.Getenv("SHELL"))
	}
	if raw == "" {
		raw = "/bin/sh"
	}
	args, err := shellwords.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse --shell: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("--shell must contain at least one argument")
	}
	return args, nil
}

func shellCommand(shell []string, script, dir string, env []string) Command {
	args := append(append([]string(nil), shell[1:]...), "-c", script)
	return Command{Name: shell[0], Args: args, Dir: dir, Env: env}
}

func runnerOrDefault(r Runner, log logr.Logger) Runner {
	if r != nil {
		return r
	}
	return ExecRunner{Log: log}
}
