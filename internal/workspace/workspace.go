// Package workspace implements the durable on-disk representation of a
// session: a per-identity directory holding the workspace file tree and a
// JSON metadata record. Workspaces survive process restarts and are deleted
// only by an explicit cleanup with workspace removal requested.
//
// Layout under the workspace root:
//
//	{root}/sessions/{id}/workspace/     agent-visible file tree
//	{root}/sessions/{id}/session.json   metadata record
//	{root}/sessions/{id}/session.lease  lease record (owned by the lease package)
//	{root}/sessions/{id}/history.jsonl  action trace log (owned by the executor)
package workspace

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/boxlite-ai/claudebox/internal/errors"
)

// SessionsDir is the directory under the root that contains all sessions.
const SessionsDir = "sessions"

// MetaFileName is the metadata record file within a session directory.
const MetaFileName = "session.json"

// TreeDirName is the agent-visible file tree within a session directory.
const TreeDirName = "workspace"

// Manager creates, opens, lists, and removes session workspaces under a
// single root directory. It is safe for concurrent use.
type Manager struct {
	root string
	mu   sync.RWMutex
}

// NewManager creates a Manager rooted at the given directory, creating the
// sessions directory if needed.
func NewManager(root string) (*Manager, error) {
	if root == "" {
		return nil, fmt.Errorf("workspace root must not be empty")
	}
	if err := os.MkdirAll(filepath.Join(root, SessionsDir), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}
	return &Manager{root: root}, nil
}

// Root returns the workspace root directory.
func (m *Manager) Root() string { return m.root }

// SessionDir returns the directory for a session identity.
func (m *Manager) SessionDir(id string) string {
	return filepath.Join(m.root, SessionsDir, id)
}

// TreeDir returns the agent-visible workspace tree for a session identity.
func (m *Manager) TreeDir(id string) string {
	return filepath.Join(m.SessionDir(id), TreeDirName)
}

// Exists reports whether a session workspace (with metadata) exists.
func (m *Manager) Exists(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, err := os.Stat(filepath.Join(m.SessionDir(id), MetaFileName))
	return err == nil
}

// Create creates a new session workspace. With force set, an existing
// workspace for the same identity is reused rather than rejected.
func (m *Manager) Create(id string, meta *Metadata, force bool) (*Workspace, error) {
	if err := validateIdentity(id); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	dir := m.SessionDir(id)
	metaPath := filepath.Join(dir, MetaFileName)
	if _, err := os.Stat(metaPath); err == nil && !force {
		return nil, fmt.Errorf("workspace for session %q already exists", id)
	}

	if err := os.MkdirAll(filepath.Join(dir, TreeDirName), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace tree: %w", err)
	}

	ws := &Workspace{id: id, dir: dir}
	if err := ws.SaveMetadata(meta); err != nil {
		return nil, err
	}
	return ws, nil
}

// Open opens an existing session workspace.
// Returns ErrNotFound if no metadata record exists for the identity.
func (m *Manager) Open(id string) (*Workspace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	dir := m.SessionDir(id)
	if _, err := os.Stat(filepath.Join(dir, MetaFileName)); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("session %q: %w", id, errors.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to stat session metadata: %w", err)
	}
	return &Workspace{id: id, dir: dir}, nil
}

// Remove deletes a session directory and everything under it.
// Removing a nonexistent session is a no-op.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.RemoveAll(m.SessionDir(id)); err != nil {
		return fmt.Errorf("failed to remove session directory: %w", err)
	}
	return nil
}

// List returns metadata for all sessions under the root. Entries whose
// metadata cannot be read or parsed are skipped rather than failing the
// whole listing.
func (m *Manager) List() ([]*Metadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries, err := os.ReadDir(filepath.Join(m.root, SessionsDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read sessions directory: %w", err)
	}

	var sessions []*Metadata
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		ws := &Workspace{id: entry.Name(), dir: m.SessionDir(entry.Name())}
		meta, err := ws.LoadMetadata()
		if err != nil {
			// Corrupt or partial entry: skip, never fail the listing.
			continue
		}
		sessions = append(sessions, meta)
	}
	return sessions, nil
}

// Workspace is an opened session workspace.
type Workspace struct {
	id  string
	dir string
	mu  sync.Mutex
}

// ID returns the session identity this workspace belongs to.
func (w *Workspace) ID() string { return w.id }

// Dir returns the session directory.
func (w *Workspace) Dir() string { return w.dir }

// TreeDir returns the agent-visible workspace file tree.
func (w *Workspace) TreeDir() string { return filepath.Join(w.dir, TreeDirName) }

// MetaPath returns the path of the metadata record.
func (w *Workspace) MetaPath() string { return filepath.Join(w.dir, MetaFileName) }

// SaveMetadata persists the metadata record atomically.
func (w *Workspace) SaveMetadata(meta *Metadata) error {
	if meta.ID == "" {
		meta.ID = w.id
	}
	if meta.ID != w.id {
		return fmt.Errorf("metadata ID %q does not match workspace %q", meta.ID, w.id)
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session metadata: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return atomicWriteFile(w.MetaPath(), data, 0o644)
}

// LoadMetadata reads and validates the metadata record.
// Returns ErrNotFound if absent, ErrCorruptState if unparseable or
// inconsistent.
func (w *Workspace) LoadMetadata() (*Metadata, error) {
	data, err := os.ReadFile(w.MetaPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("session %q: %w", w.id, errors.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read session metadata: %w", err)
	}

	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrCorruptState, err)
	}
	if meta.ID == "" {
		return nil, fmt.Errorf("%w: missing session ID", errors.ErrCorruptState)
	}
	if meta.ID != w.id {
		return nil, fmt.Errorf("%w: session ID mismatch (file: %s, dir: %s)", errors.ErrCorruptState, meta.ID, w.id)
	}
	return &meta, nil
}

// Usage walks the workspace tree and returns its total byte size and file
// count. Used to keep the metadata's accounting fields current.
func (w *Workspace) Usage() (bytes int64, files int, err error) {
	err = filepath.WalkDir(w.TreeDir(), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil // file vanished mid-walk
		}
		bytes += info.Size()
		files++
		return nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("failed to walk workspace tree: %w", err)
	}
	return bytes, files, nil
}

// validateIdentity rejects identities that would escape the sessions
// directory or collide with metadata files.
func validateIdentity(id string) error {
	if id == "" {
		return fmt.Errorf("session identity must not be empty")
	}
	if id != filepath.Base(id) || id == "." || id == ".." {
		return fmt.Errorf("session identity %q must be a single path element", id)
	}
	return nil
}

// atomicWriteFile writes data to a file atomically by writing to a temporary
// file in the same directory, syncing, then renaming over the target. The
// target is never observable in a partially-written state.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)

	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}
