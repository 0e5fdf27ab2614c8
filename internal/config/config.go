// File: internal/config/config.go
// Brief: Global stackctl options and flag binding.

// Package config defines the flag plumbing shared by stackctl commands,
// translating Cobra/Viper flag values into a typed struct the engine and
// executors consume.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/containerd/platforms"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/example/stackctl/internal/logging"
	"github.com/example/stackctl/internal/stack"
)

const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Options holds the global CLI configuration.
type Options struct {
	File              string
	Root              string
	LogLevel          string
	StateBackend      string
	Parallel          int
	MaxParallelBuilds int
	DryRun            bool
	RegistryLocal     bool
	Platforms         []string
	Shell             string
	BuildxBuilder     string
	Release           string
	KubeConfigPath    string
	Context           string
	Terraform         string
}

// NewOptions returns Options with defaults applied.
func NewOptions() *Options {
	return &Options{
		File:         stack.StackFileName,
		LogLevel:     "info",
		StateBackend: BackendFile,
		Parallel:     1,
		Terraform:    "terraform",
	}
}

// AddFlags binds the global flags to the persistent flag set of cmd.
func (o *Options) AddFlags(cmd *cobra.Command) {
	o.BindFlags(cmd.PersistentFlags())
}

// BindFlags attaches the flags to fs and returns their names for viper binding.
func (o *Options) BindFlags(fs *pflag.FlagSet) []string {
	var names []string
	fs.StringVarP(&o.File, "file", "f", o.File, "Path to the stack manifest (a directory means <dir>/stack.yaml)")
	names = append(names, "file")
	fs.StringVar(&o.Root, "root", o.Root, "Directory relative manifest paths and buildstate resolve against (defaults to the manifest's directory)")
	names = append(names, "root")
	fs.StringVar(&o.LogLevel, "log-level", o.LogLevel, "Log level: "+strings.Join(logging.Levels, ", "))
	names = append(names, "log-level")
	fs.StringVar(&o.StateBackend, "state-backend", o.StateBackend, "Buildstate backend: file or sqlite")
	names = append(names, "state-backend")
	fs.IntVar(&o.Parallel, "parallel", o.Parallel, "Maximum number of phases executing at once")
	names = append(names, "parallel")
	fs.IntVar(&o.MaxParallelBuilds, "max-parallel-builds", o.MaxParallelBuilds, "Maximum concurrent builds (0 means bounded by --parallel only)")
	names = append(names, "max-parallel-builds")
	fs.BoolVar(&o.DryRun, "dry-run", o.DryRun, "Print the commands each phase would run without executing them")
	names = append(names, "dry-run")
	fs.BoolVar(&o.RegistryLocal, "registry-local", o.RegistryLocal, "Load images into the local docker daemon instead of pushing")
	names = append(names, "registry-local")
	fs.StringSliceVar(&o.Platforms, "platforms", o.Platforms, "Comma-separated platforms for pushed images (e.g. linux/amd64,linux/arm64)")
	names = append(names, "platforms")
	fs.StringVar(&o.Shell, "shell", o.Shell, "Shell used for init steps and build scripts (defaults to $SHELL)")
	names = append(names, "shell")
	fs.StringVar(&o.BuildxBuilder, "buildx-builder", o.BuildxBuilder, "docker buildx builder instance to use")
	names = append(names, "buildx-builder")
	fs.StringVar(&o.Release, "release", o.Release, "Release name (overrides the manifest and the recorded release)")
	names = append(names, "release")
	fs.StringVar(&o.KubeConfigPath, "kubeconfig", o.KubeConfigPath, "Path to the kubeconfig file to use for Helm")
	names = append(names, "kubeconfig")
	fs.StringVar(&o.Context, "context", o.Context, "Name of the kubeconfig context to use")
	names = append(names, "context")
	fs.StringVar(&o.Terraform, "terraform", o.Terraform, "terraform binary used for deploy.iac workspaces")
	names = append(names, "terraform")
	return names
}

// Validate normalizes paths and checks option coherence.
func (o *Options) Validate() error {
	var err error
	if o.File, err = expand(o.File); err != nil {
		return fmt.Errorf("invalid --file: %w", err)
	}
	if o.File == "" {
		o.File = stack.StackFileName
	}
	if o.Root, err = expand(o.Root); err != nil {
		return fmt.Errorf("invalid --root: %w", err)
	}
	if o.KubeConfigPath, err = expand(o.KubeConfigPath); err != nil {
		return fmt.Errorf("invalid --kubeconfig: %w", err)
	}
	if _, err := logging.ParseLevel(o.LogLevel); err != nil {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(o.StateBackend)) {
	case BackendFile, "":
		o.StateBackend = BackendFile
	case BackendSQLite:
		o.StateBackend = BackendSQLite
	default:
		return fmt.Errorf("--state-backend must be file or sqlite (got %q)", o.StateBackend)
	}
	if o.Parallel < 1 {
		return fmt.Errorf("--parallel must be at least 1")
	}
	if o.MaxParallelBuilds < 0 {
		return fmt.Errorf("--max-parallel-builds cannot be negative")
	}
	list := o.Platforms[:0]
	for _, p := range o.Platforms {
		if p = strings.TrimSpace(p); p == "" {
			continue
		}
		if err := validatePlatform(p); err != nil {
			return err
		}
		list = append(list, p)
	}
	o.Platforms = list
	if o.Release = strings.TrimSpace(o.Release); o.Release != "" {
		if err := stack.ValidateReleaseName(o.Release); err != nil {
			return fmt.Errorf("invalid --release: %w", err)
		}
	}
	return nil
}

// StackRoot returns --root, or the directory holding the manifest.
func (o *Options) StackRoot() (string, error) {
	if o.Root != "" {
		return filepath.Abs(o.Root)
	}
	path := o.File
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return filepath.Abs(path)
	}
	return filepath.Abs(filepath.Dir(path))
}

func validatePlatform(raw string) error {
	if !strings.Contains(raw, "/") {
		return fmt.Errorf("invalid platform %q (expected os/arch like linux/amd64)", raw)
	}
	if _, err := platforms.Parse(raw); err != nil {
		return fmt.Errorf("invalid platform %q: %w", raw, err)
	}
	return nil
}

func expand(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", nil
	}
	return homedir.Expand(p)
}
