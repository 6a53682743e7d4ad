package workspace

import (
	"encoding/json"
	"time"
)

// State is a session's lifecycle state, persisted in the metadata record so
// an interrupted lifecycle transition can be resolved deterministically by
// the next process that opens the session.
type State string

const (
	// StateUninitialized is a workspace created but never provisioned.
	StateUninitialized State = "uninitialized"
	// StateProvisioning is recorded before the sandbox is requested from the
	// runtime. A session found in this state after a crash is destroyable
	// and then retryable.
	StateProvisioning State = "provisioning"
	// StateAttached is the only state in which tasks may run.
	StateAttached State = "attached"
	// StateSuspended means the sandbox was released but the workspace (and
	// possibly a snapshot) persists for reconnection.
	StateSuspended State = "suspended"
	// StateDestroying is recorded before teardown begins. A session found in
	// this state after a crash is resumed to completion, never resurrected.
	StateDestroying State = "destroying"
	// StateDestroyed is terminal.
	StateDestroyed State = "destroyed"
)

// Valid reports whether s is a known lifecycle state.
func (s State) Valid() bool {
	switch s {
	case StateUninitialized, StateProvisioning, StateAttached,
		StateSuspended, StateDestroying, StateDestroyed:
		return true
	}
	return false
}

// Metadata is the persisted record for one session.
type Metadata struct {
	ID         string    `json:"id"`
	Template   string    `json:"template"`
	Skills     []string  `json:"skills,omitempty"`
	State      State     `json:"state"`
	Persistent bool      `json:"persistent"`
	Created    time.Time `json:"created"`
	LastActive time.Time `json:"last_active"`

	// Policy is the resolved policy snapshot, immutable after the first
	// provision. Stored raw so the workspace layer stays decoupled from
	// policy internals.
	Policy json.RawMessage `json:"policy,omitempty"`

	// SandboxID is the runtime handle of the currently or last provisioned
	// sandbox, used to finish interrupted teardowns.
	SandboxID string `json:"sandbox_id,omitempty"`

	// SnapshotRef is the runtime snapshot recorded at the last suspend, when
	// the runtime supports snapshots.
	SnapshotRef string `json:"snapshot_ref,omitempty"`

	// Workspace accounting, refreshed on suspend.
	SizeBytes int64 `json:"size_bytes"`
	FileCount int   `json:"file_count"`
}

// Touch bumps the last-active timestamp.
func (m *Metadata) Touch() {
	m.LastActive = time.Now().UTC()
}
