package buildstate

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func fixedNow() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

func sampleState() *State {
	st := NewState("demo")
	st.SetRun("run-1", "demo-abc12345", fixedNow())
	st.Update("demo.service.postgres_1", func(r *Record) {
		r.Mark(PhaseInit, "sha256:init", fixedNow())
		r.Mark(PhaseDeploy, "sha256:deploy", fixedNow())
		r.Outputs = map[string]any{"host": "10.0.0.5", "port": "5432"}
		r.Snapshot = map[string]any{"inputs": map[string]any{"user": "app"}}
	})
	st.Update("demo.project.flaskapp_1", func(r *Record) {
		r.Mark(PhaseBuild, "sha256:build", fixedNow())
	})
	return st
}

func assertRoundTrip(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	empty, err := store.Load(ctx, "demo")
	if err != nil {
		t.Fatalf("load absent: %v", err)
	}
	if empty.Len() != 0 || empty.Stack() != "demo" {
		t.Fatalf("expected empty state for demo, got len=%d stack=%q", empty.Len(), empty.Stack())
	}

	if err := store.Save(ctx, "demo", sampleState()); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := store.Load(ctx, "demo")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.ReleaseName() != "demo-abc12345" || got.LastRunID() != "run-1" {
		t.Fatalf("unexpected run metadata: release=%q run=%q", got.ReleaseName(), got.LastRunID())
	}
	pg, ok := got.Get("demo.service.postgres_1")
	if !ok {
		t.Fatalf("missing postgres record")
	}
	if !pg.Completed(PhaseDeploy, "sha256:deploy") || !pg.Completed(PhaseInit, "sha256:init") {
		t.Fatalf("expected init+deploy completed, got %+v", pg)
	}
	if pg.Completed(PhaseDeploy, "sha256:other") {
		t.Fatalf("different hash must not count as completed")
	}
	if pg.Outputs["host"] != "10.0.0.5" {
		t.Fatalf("outputs not persisted: %+v", pg.Outputs)
	}
	app, _ := got.Get("demo.project.flaskapp_1")
	if !app.Built || app.Deployed {
		t.Fatalf("unexpected flask record: %+v", app)
	}

	if err := store.Reset(ctx, "demo"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	again, err := store.Load(ctx, "demo")
	if err != nil {
		t.Fatalf("load after reset: %v", err)
	}
	if again.Len() != 0 {
		t.Fatalf("expected empty state after reset, got %d units", again.Len())
	}
}

func TestFileStore_RoundTrip(t *testing.T) {
	root := t.TempDir()
	assertRoundTrip(t, NewFileStore(root, WithNow(fixedNow)))
}

func TestFileStore_SaveLeavesNoTempFiles(t *testing.T) {
	root := t.TempDir()
	s := NewFileStore(root, WithNow(fixedNow))
	if err := s.Save(context.Background(), "demo", sampleState()); err != nil {
		t.Fatalf("save: %v", err)
	}
	entries, err := os.ReadDir(filepath.Dir(s.Path("demo")))
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "demo.yaml" {
		var names []string
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Fatalf("expected only demo.yaml, got %v", names)
	}
	raw, err := os.ReadFile(s.Path("demo"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(raw), "apiVersion: "+APIVersion) {
		t.Fatalf("missing apiVersion in:\n%s", raw)
	}
}

func TestFileStore_RejectsUnknownAPIVersion(t *testing.T) {
	root := t.TempDir()
	s := NewFileStore(root)
	if err := os.MkdirAll(filepath.Dir(s.Path("demo")), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(s.Path("demo"), []byte("apiVersion: other/v9\nstack: demo\nunits: {}\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := s.Load(context.Background(), "demo"); err == nil {
		t.Fatalf("expected apiVersion error")
	}
}

func TestSQLiteStore_RoundTrip(t *testing.T) {
	s, err := OpenSQLiteStore(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	assertRoundTrip(t, s)
}

func TestSQLiteStore_SaveReplacesUnits(t *testing.T) {
	s, err := OpenSQLiteStore(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	ctx := context.Background()
	if err := s.Save(ctx, "demo", sampleState()); err != nil {
		t.Fatalf("save: %v", err)
	}
	next := NewState("demo")
	next.Update("demo.service.redis", func(r *Record) { r.Mark(PhaseDeploy, "sha256:r", fixedNow()) })
	if err := s.Save(ctx, "demo", next); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.Load(ctx, "demo")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	units := got.Units()
	if len(units) != 1 || units[0] != "demo.service.redis" {
		t.Fatalf("expected only redis after replace, got %v", units)
	}
}

func TestState_ConcurrentUpdates(t *testing.T) {
	st := NewState("demo")
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			unit := "demo.service.u" + string(rune('a'+i%8))
			st.Update(unit, func(r *Record) { r.Mark(PhaseInit, "h", fixedNow()) })
			_, _ = st.Get(unit)
			_ = st.Persisted()
		}(i)
	}
	wg.Wait()
	if st.Len() != 8 {
		t.Fatalf("expected 8 units, got %d", st.Len())
	}
}

func TestState_GetReturnsCopy(t *testing.T) {
	st := sampleState()
	rec, _ := st.Get("demo.service.postgres_1")
	rec.Outputs["host"] = "mutated"
	again, _ := st.Get("demo.service.postgres_1")
	if again.Outputs["host"] != "10.0.0.5" {
		t.Fatalf("Get must return a copy, got %v", again.Outputs["host"])
	}
}

func TestConfigHash_StableAcrossKeyOrder(t *testing.T) {
	a, err := ConfigHash(map[string]any{"a": 1, "b": map[string]any{"x": "y", "z": []any{1, 2}}})
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	b, err := ConfigHash(map[string]any{"b": map[string]any{"z": []any{1, 2}, "x": "y"}, "a": 1})
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if a != b {
		t.Fatalf("expected equal hashes, got %s vs %s", a, b)
	}
	if !strings.HasPrefix(a, "sha256:") {
		t.Fatalf("expected sha256 digest, got %s", a)
	}
	c, _ := ConfigHash(map[string]any{"a": 2})
	if c == a {
		t.Fatalf("different config must hash differently")
	}
}

func TestDiffSnapshots(t *testing.T) {
	same, err := DiffSnapshots(map[string]any{"a": "1"}, map[string]any{"a": "1"})
	if err != nil || same != "" {
		t.Fatalf("expected empty diff, got %q err=%v", same, err)
	}
	diff, err := DiffSnapshots(map[string]any{"a": "1"}, map[string]any{"a": "2"})
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	if !strings.Contains(diff, "-a: \"1\"") || !strings.Contains(diff, "+a: \"2\"") {
		t.Fatalf("unexpected diff:\n%s", diff)
	}
}

func TestReadOnlyDiscardsSaves(t *testing.T) {
	ctx := context.Background()
	inner := NewFileStore(t.TempDir())
	if err := inner.Save(ctx, "demo", sampleState()); err != nil {
		t.Fatalf("seed: %v", err)
	}
	ro := ReadOnly(inner)
	st, err := ro.Load(ctx, "demo")
	if err != nil || st.Len() != 2 {
		t.Fatalf("read-only load = %v, %v", st, err)
	}
	if err := ro.Save(ctx, "demo", NewState("demo")); err != nil {
		t.Fatalf("save should be a no-op: %v", err)
	}
	if err := ro.Reset(ctx, "demo"); err == nil {
		t.Fatalf("reset must fail on a read-only store")
	}
	again, err := inner.Load(ctx, "demo")
	if err != nil || again.Len() != 2 {
		t.Fatalf("underlying state changed: %v, %v", again, err)
	}
}
