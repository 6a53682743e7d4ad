// Package sandbox adapts the external isolation primitive behind a narrow
// Runtime interface and wraps its boxes in lifecycle-safe handles. The
// package guarantees that every resource acquired while provisioning is
// released on any failure path, and that Destroy is idempotent.
package sandbox

import (
	"context"
	"io"
	"sync"

	"github.com/boxlite-ai/claudebox/internal/errors"
	"github.com/boxlite-ai/claudebox/internal/policy"
)

// GuestWorkspaceDir is where the session workspace appears inside a sandbox.
const GuestWorkspaceDir = "/config/workspace"

// GuestMetaDir holds sandbox-internal bookkeeping, kept out of the workspace
// so the agent never sees it.
const GuestMetaDir = "/config/.claudebox"

// Runtime is the boundary to the isolation primitive. Implementations must
// distinguish "primitive unavailable" (ErrRuntimeUnavailable, retryable)
// from "operation rejected by the primitive's own enforcement"
// (ErrRuntimeRejected, not retryable).
type Runtime interface {
	// Name identifies the runtime in logs and metadata.
	Name() string
	// Create boots a new box from the spec.
	Create(ctx context.Context, spec Spec) (Box, error)
	// Resume boots a box from a snapshot taken by this runtime. Runtimes
	// without snapshot support return ErrSnapshotUnsupported.
	Resume(ctx context.Context, snapshotRef string, spec Spec) (Box, error)
	// DestroyByID releases a box known only by its identifier, used to
	// finish teardowns interrupted by a crash. Unknown IDs are a no-op:
	// the box already being gone is the desired end state.
	DestroyByID(ctx context.Context, boxID string) error
}

// Box is one isolated environment owned by a Runtime.
type Box interface {
	ID() string
	// Exec starts a command inside the box.
	Exec(ctx context.Context, cmd []string, opts ExecOptions) (Execution, error)
	// Snapshot captures the box state for later Resume. Runtimes without
	// snapshot support return ErrSnapshotUnsupported.
	Snapshot(ctx context.Context) (string, error)
	// Destroy releases the box and everything it holds. Idempotent.
	Destroy(ctx context.Context) error
	// Alive reports whether the box still exists at the runtime.
	Alive(ctx context.Context) bool
}

// Execution is one running command inside a box.
type Execution interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Stderr() io.Reader
	// Wait blocks until the command exits and returns its exit code.
	Wait(ctx context.Context) (int, error)
	// Kill terminates the command without waiting.
	Kill() error
}

// ExecOptions adjust a single Exec call.
type ExecOptions struct {
	// Env is appended to the box's base environment. Values are opaque;
	// they are never logged.
	Env map[string]string
	// WorkDir overrides the default working directory (the workspace).
	WorkDir string
}

// Spec is everything a runtime needs to boot a box for a session.
type Spec struct {
	SessionID string
	Image     string
	// WorkspaceDir is the host path of the session workspace, mounted at
	// GuestWorkspaceDir inside the box.
	WorkspaceDir string
	Resources    policy.Resources
	FSScope      policy.FSScope
	Network      policy.Network
	// Env is the base environment for every exec in the box.
	Env map[string]string
}

// SpecFromPolicy builds the runtime spec for a resolved policy.
func SpecFromPolicy(sessionID, workspaceDir string, p *policy.Policy) Spec {
	env := make(map[string]string, len(p.Env))
	for k, v := range p.Env {
		env[k] = v
	}
	return Spec{
		SessionID:    sessionID,
		Image:        p.Image,
		WorkspaceDir: workspaceDir,
		Resources:    p.Resources,
		FSScope:      p.FSScope,
		Network:      p.Network,
		Env:          env,
	}
}

// Sandbox is the lifecycle-safe handle around a provisioned box. All methods
// are safe for concurrent use; operations after Destroy fail with
// ErrSandboxDestroyed.
type Sandbox struct {
	box     Box
	runtime Runtime

	mu        sync.Mutex
	destroyed bool
}

// ID returns the runtime's box identifier.
func (s *Sandbox) ID() string { return s.box.ID() }

// Runtime returns the runtime that owns the sandbox.
func (s *Sandbox) Runtime() Runtime { return s.runtime }

// Exec starts a command inside the sandbox.
func (s *Sandbox) Exec(ctx context.Context, cmd []string, opts ExecOptions) (Execution, error) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return nil, errors.NewSandboxError("exec", s.box.ID(), errors.ErrSandboxDestroyed)
	}
	s.mu.Unlock()

	return s.box.Exec(ctx, cmd, opts)
}

// Suspend snapshots the box and destroys it, returning the snapshot
// reference. When the runtime has no snapshot support the box is destroyed
// anyway and ErrSnapshotUnsupported is returned; the caller falls back to
// reprovisioning from the persisted workspace.
func (s *Sandbox) Suspend(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return "", errors.NewSandboxError("suspend", s.box.ID(), errors.ErrSandboxDestroyed)
	}
	s.mu.Unlock()

	ref, snapErr := s.box.Snapshot(ctx)
	if destroyErr := s.Destroy(ctx); destroyErr != nil {
		return "", destroyErr
	}
	if snapErr != nil {
		return "", snapErr
	}
	return ref, nil
}

// Destroy releases the box. Safe to call repeatedly; only the first call
// reaches the runtime.
func (s *Sandbox) Destroy(ctx context.Context) error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return nil
	}
	s.destroyed = true
	s.mu.Unlock()

	return s.box.Destroy(ctx)
}

// Alive reports whether the underlying box still exists at the runtime.
func (s *Sandbox) Alive(ctx context.Context) bool {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()
	return s.box.Alive(ctx)
}
