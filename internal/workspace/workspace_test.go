package workspace

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/boxlite-ai/claudebox/internal/errors"
)

func newTestMeta(id string) *Metadata {
	return &Metadata{
		ID:       id,
		Template: "default",
		State:    StateUninitialized,
		Created:  time.Now().UTC(),
	}
}

func TestManager_CreateOpenRoundTrip(t *testing.T) {
	m, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	ws, err := m.Create("proj-a", newTestMeta("proj-a"), false)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Tree directory exists.
	if _, err := os.Stat(ws.TreeDir()); err != nil {
		t.Errorf("workspace tree was not created: %v", err)
	}

	opened, err := m.Open("proj-a")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	meta, err := opened.LoadMetadata()
	if err != nil {
		t.Fatalf("LoadMetadata failed: %v", err)
	}
	if meta.ID != "proj-a" || meta.Template != "default" || meta.State != StateUninitialized {
		t.Errorf("metadata round trip mismatch: %+v", meta)
	}
}

func TestManager_CreateExistingFails(t *testing.T) {
	m, _ := NewManager(t.TempDir())

	if _, err := m.Create("dup", newTestMeta("dup"), false); err != nil {
		t.Fatalf("first Create failed: %v", err)
	}
	if _, err := m.Create("dup", newTestMeta("dup"), false); err == nil {
		t.Error("second Create without force should fail")
	}
	if _, err := m.Create("dup", newTestMeta("dup"), true); err != nil {
		t.Errorf("Create with force should reuse existing workspace: %v", err)
	}
}

func TestManager_OpenMissingReturnsNotFound(t *testing.T) {
	m, _ := NewManager(t.TempDir())

	_, err := m.Open("ghost")
	if !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("Open on missing session = %v, want ErrNotFound", err)
	}
}

func TestManager_RemoveIsIdempotent(t *testing.T) {
	m, _ := NewManager(t.TempDir())
	if _, err := m.Create("gone", newTestMeta("gone"), false); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := m.Remove("gone"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if err := m.Remove("gone"); err != nil {
		t.Errorf("second Remove should be a no-op, got: %v", err)
	}
	if m.Exists("gone") {
		t.Error("session should not exist after Remove")
	}
}

func TestManager_ListSkipsCorruptEntries(t *testing.T) {
	m, _ := NewManager(t.TempDir())

	if _, err := m.Create("good-1", newTestMeta("good-1"), false); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := m.Create("good-2", newTestMeta("good-2"), false); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Corrupt one entry and add a directory with no metadata at all.
	corruptDir := m.SessionDir("bad")
	if err := os.MkdirAll(corruptDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(corruptDir, MetaFileName), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(m.SessionDir("empty"), 0o755); err != nil {
		t.Fatal(err)
	}

	sessions, err := m.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(sessions) != 2 {
		t.Errorf("List returned %d sessions, want 2 (corrupt entries skipped)", len(sessions))
	}
}

func TestManager_ListEmptyRoot(t *testing.T) {
	m, _ := NewManager(t.TempDir())
	sessions, err := m.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(sessions) != 0 {
		t.Errorf("List on empty root = %d sessions", len(sessions))
	}
}

func TestWorkspace_LoadMetadata_CorruptState(t *testing.T) {
	m, _ := NewManager(t.TempDir())
	ws, err := m.Create("proj", newTestMeta("proj"), false)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := os.WriteFile(ws.MetaPath(), []byte(`{"template": "x"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ws.LoadMetadata(); !errors.Is(err, errors.ErrCorruptState) {
		t.Errorf("metadata without ID should be ErrCorruptState, got: %v", err)
	}

	if err := os.WriteFile(ws.MetaPath(), []byte(`{"id": "other"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ws.LoadMetadata(); !errors.Is(err, errors.ErrCorruptState) {
		t.Errorf("metadata with mismatched ID should be ErrCorruptState, got: %v", err)
	}
}

func TestWorkspace_FilesSurviveReopen(t *testing.T) {
	root := t.TempDir()
	m, _ := NewManager(root)

	ws, err := m.Create("durable", newTestMeta("durable"), false)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	content := []byte("remember me\n")
	if err := os.WriteFile(filepath.Join(ws.TreeDir(), "notes.txt"), content, 0o644); err != nil {
		t.Fatal(err)
	}

	// Fresh manager simulates a new process.
	m2, _ := NewManager(root)
	ws2, err := m2.Open("durable")
	if err != nil {
		t.Fatalf("Open after restart failed: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(ws2.TreeDir(), "notes.txt"))
	if err != nil {
		t.Fatalf("workspace file missing after reopen: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("file content = %q, want %q", got, content)
	}
}

func TestWorkspace_Usage(t *testing.T) {
	m, _ := NewManager(t.TempDir())
	ws, err := m.Create("usage", newTestMeta("usage"), false)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := os.WriteFile(filepath.Join(ws.TreeDir(), "a.txt"), []byte("12345"), 0o644); err != nil {
		t.Fatal(err)
	}
	sub := filepath.Join(ws.TreeDir(), "sub")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(sub, "b.txt"), []byte("678"), 0o644); err != nil {
		t.Fatal(err)
	}

	bytes, files, err := ws.Usage()
	if err != nil {
		t.Fatalf("Usage failed: %v", err)
	}
	if bytes != 8 || files != 2 {
		t.Errorf("Usage = (%d bytes, %d files), want (8, 2)", bytes, files)
	}
}

func TestValidateIdentity(t *testing.T) {
	m, _ := NewManager(t.TempDir())

	for _, bad := range []string{"", "..", "a/b", "/abs"} {
		if _, err := m.Create(bad, newTestMeta(bad), false); err == nil {
			t.Errorf("Create(%q) should reject invalid identity", bad)
		}
	}
}

func TestState_Valid(t *testing.T) {
	for _, s := range []State{StateUninitialized, StateProvisioning, StateAttached, StateSuspended, StateDestroying, StateDestroyed} {
		if !s.Valid() {
			t.Errorf("%s should be valid", s)
		}
	}
	if State("running").Valid() {
		t.Error("unknown state should not be valid")
	}
}

func TestMetadata_Touch(t *testing.T) {
	meta := newTestMeta("t")
	before := meta.LastActive
	meta.Touch()
	if !meta.LastActive.After(before) {
		t.Error("Touch should advance LastActive")
	}
}
