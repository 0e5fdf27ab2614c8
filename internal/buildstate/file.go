// File: internal/buildstate/file.go
// Brief: YAML file store with atomic replace.

package buildstate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const defaultStateDir = ".stackctl/buildstate"

// FileStore keeps one YAML document per stack under <root>/.stackctl/buildstate.
type FileStore struct {
	dir string
	now func() time.Time
}

type FileOption func(*FileStore)

// WithDir overrides the state directory.
func WithDir(dir string) FileOption {
	return func(s *FileStore) { s.dir = dir }
}

// WithNow is useful for tests.
func WithNow(now func() time.Time) FileOption {
	return func(s *FileStore) { s.now = now }
}

func NewFileStore(root string, opts ...FileOption) *FileStore {
	root = strings.TrimSpace(root)
	if root == "" {
		root = "."
	}
	s := &FileStore{dir: filepath.Join(root, defaultStateDir), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ Store = (*FileStore)(nil)

func (s *FileStore) Path(stack string) string {
	return filepath.Join(s.dir, stateFileName(stack))
}

func stateFileName(stack string) string {
	name := strings.NewReplacer("/", "_", "\\", "_", " ", "_").Replace(strings.TrimSpace(stack))
	if name == "" {
		name = "default"
	}
	return name + ".yaml"
}

func (s *FileStore) Load(ctx context.Context, stack string) (*State, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := s.Path(stack)
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return NewState(stack), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read buildstate %s: %w", path, err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return NewState(stack), nil
	}
	var p Persisted
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode buildstate %s: %w", path, err)
	}
	if p.APIVersion != "" && p.APIVersion != APIVersion {
		return nil, fmt.Errorf("buildstate %s: unsupported apiVersion %q", path, p.APIVersion)
	}
	if p.Stack == "" {
		p.Stack = stack
	}
	return FromPersisted(p), nil
}

func (s *FileStore) Save(ctx context.Context, stack string, st *State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if st == nil {
		return fmt.Errorf("buildstate is required")
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create buildstate dir: %w", err)
	}
	p := st.Persisted()
	p.Stack = stack
	p.UpdatedAt = s.now().UTC()
	raw, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode buildstate: %w", err)
	}

	path := s.Path(stack)
	tmp, err := os.CreateTemp(s.dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp buildstate: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write buildstate: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync buildstate: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close buildstate: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("replace buildstate: %w", err)
	}
	return nil
}

func (s *FileStore) Reset(ctx context.Context, stack string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(s.Path(stack)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("reset buildstate: %w", err)
	}
	return nil
}

func (s *FileStore) Close() error { return nil }
