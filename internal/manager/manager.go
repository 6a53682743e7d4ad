// Package manager maps logical session identities to isolated sandboxes and
// owns the full lifecycle: creation, reconnection, concurrent-access safety,
// crash recovery, and teardown. It guarantees at most one attached sandbox
// per identity host-wide, persists the lifecycle state machine in session
// metadata, and resolves interrupted transitions deterministically the next
// time the session is touched.
package manager

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/boxlite-ai/claudebox/internal/agent"
	"github.com/boxlite-ai/claudebox/internal/config"
	"github.com/boxlite-ai/claudebox/internal/errors"
	"github.com/boxlite-ai/claudebox/internal/executor"
	"github.com/boxlite-ai/claudebox/internal/lease"
	"github.com/boxlite-ai/claudebox/internal/logging"
	"github.com/boxlite-ai/claudebox/internal/policy"
	"github.com/boxlite-ai/claudebox/internal/sandbox"
	"github.com/boxlite-ai/claudebox/internal/workspace"
)

// Manager orchestrates sessions against one workspace root and one runtime.
// Safe for concurrent use.
type Manager struct {
	cfg    *config.Config
	store  *workspace.Manager
	engine *policy.Engine
	driver *sandbox.Driver
	agent  agent.Agent
	reward executor.RewardFn
	logger *logging.Logger

	// identityMu serializes lifecycle operations per identity within this
	// process; the lease file extends the same exclusion across processes.
	mu         sync.Mutex
	identityMu map[string]*sync.Mutex
}

// Option adjusts a Manager at construction time.
type Option func(*Manager)

// WithAgent replaces the default CLI agent.
func WithAgent(a agent.Agent) Option {
	return func(m *Manager) { m.agent = a }
}

// WithEngine replaces the default policy engine.
func WithEngine(e *policy.Engine) Option {
	return func(m *Manager) { m.engine = e }
}

// WithReward sets a reward function applied to every task result.
func WithReward(fn executor.RewardFn) Option {
	return func(m *Manager) { m.reward = fn }
}

// New creates a Manager. The logger may be nil.
func New(cfg *config.Config, runtime sandbox.Runtime, logger *logging.Logger, opts ...Option) (*Manager, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}

	store, err := workspace.NewManager(cfg.Workspace.ResolveRoot())
	if err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:        cfg,
		store:      store,
		engine:     policy.NewEngine(cfg.Limits),
		driver:     sandbox.NewDriver(runtime, cfg.Provision, logger),
		logger:     logger.WithComponent("manager"),
		identityMu: make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.agent == nil {
		m.agent = agent.NewCLIAgent(agent.AuthEnv("", ""), logger)
	}
	return m, nil
}

// Store exposes the workspace store, for listing and inspection.
func (m *Manager) Store() *workspace.Manager { return m.store }

// Engine exposes the policy engine, for template registration and listing.
func (m *Manager) Engine() *policy.Engine { return m.engine }

// StartOptions configure a Start call.
type StartOptions struct {
	// Identity is the caller-chosen session name. Empty means an ephemeral
	// session: a generated identity whose workspace is removed on close.
	Identity  string
	Template  string
	Skills    []string
	Overrides *policy.Overrides
}

// Start creates or reopens a session and attaches a sandbox to it. Fails
// with ErrAlreadyRunning when a live lease for the identity is held
// elsewhere. The returned Session is bound to this process and must be
// closed by the caller.
func (m *Manager) Start(ctx context.Context, opts StartOptions) (*Session, error) {
	identity := opts.Identity
	persistent := identity != ""
	if identity == "" {
		identity = ephemeralIdentity()
	}
	if opts.Template == "" {
		opts.Template = "default"
	}

	unlock := m.lockIdentity(identity)
	defer unlock()

	logger := m.logger.WithSession(identity)

	ws, meta, err := m.loadOrCreate(identity, opts, persistent)
	if err != nil {
		return nil, errors.NewSessionError("start", identity, err)
	}

	l, err := lease.Acquire(ws.Dir(), identity, m.cfg.Lease.TTL(), logger)
	if err != nil {
		if errors.Is(err, lease.ErrHeld) {
			return nil, errors.NewSessionError("start", identity,
				fmt.Errorf("%w: %v", errors.ErrAlreadyRunning, err))
		}
		return nil, errors.NewSessionError("start", identity, err)
	}

	sess, err := m.attach(ctx, ws, meta, l, opts.Overrides, logger)
	if err != nil {
		l.Release()
		return nil, errors.NewSessionError("start", identity, err)
	}
	sess.persistent = persistent
	return sess, nil
}

// Reconnect reopens an existing session. Fails with ErrNotFound when no
// workspace exists for the identity. The persisted policy snapshot is
// reused; a session's policy never changes after its first provision.
func (m *Manager) Reconnect(ctx context.Context, identity string) (*Session, error) {
	if !m.store.Exists(identity) {
		return nil, errors.NewSessionError("reconnect", identity, errors.ErrNotFound)
	}
	return m.Start(ctx, StartOptions{Identity: identity})
}

// loadOrCreate opens the workspace for an identity, creating it on first
// use, and resolves any lifecycle state left behind by a crash.
func (m *Manager) loadOrCreate(identity string, opts StartOptions, persistent bool) (*workspace.Workspace, *workspace.Metadata, error) {
	if !m.store.Exists(identity) {
		meta := &workspace.Metadata{
			ID:         identity,
			Template:   opts.Template,
			Skills:     opts.Skills,
			State:      workspace.StateUninitialized,
			Persistent: persistent,
		}
		meta.Touch()
		meta.Created = meta.LastActive
		ws, err := m.store.Create(identity, meta, false)
		if err != nil {
			return nil, nil, err
		}
		return ws, meta, nil
	}

	ws, err := m.store.Open(identity)
	if err != nil {
		return nil, nil, err
	}
	meta, err := ws.LoadMetadata()
	if err != nil {
		if errors.Is(err, errors.ErrCorruptState) {
			// Corrupt metadata is never silently resurrected: rebuild the
			// record from scratch against the surviving file tree.
			m.logger.Error("session metadata corrupt, rebuilding", "session_id", identity, "error", err)
			meta = &workspace.Metadata{
				ID:         identity,
				Template:   opts.Template,
				State:      workspace.StateUninitialized,
				Persistent: persistent,
			}
			meta.Touch()
			meta.Created = meta.LastActive
			if err := ws.SaveMetadata(meta); err != nil {
				return nil, nil, err
			}
			return ws, meta, nil
		}
		return nil, nil, err
	}

	if err := m.resolveInterrupted(ws, meta); err != nil {
		return nil, nil, err
	}
	return ws, meta, nil
}

// resolveInterrupted applies the crash-recovery rules to a session found in
// a transitional state: an interrupted provision is torn down so the start
// can retry cleanly, and an interrupted teardown is driven to completion.
func (m *Manager) resolveInterrupted(ws *workspace.Workspace, meta *workspace.Metadata) error {
	switch meta.State {
	case workspace.StateProvisioning, workspace.StateAttached, workspace.StateDestroying:
	default:
		return nil
	}

	// A live lease means the state is not interrupted, someone owns it.
	if _, held := lease.Inspect(ws.Dir()); held {
		return nil
	}

	m.logger.Warn("resolving interrupted lifecycle state",
		"session_id", meta.ID,
		"state", string(meta.State),
	)

	if meta.SandboxID != "" {
		if err := m.driver.Runtime().DestroyByID(context.Background(), meta.SandboxID); err != nil {
			return fmt.Errorf("failed to destroy leftover sandbox %s: %w", meta.SandboxID, err)
		}
	}

	switch meta.State {
	case workspace.StateProvisioning, workspace.StateAttached:
		// Provision or attach never completed cleanly; the workspace is
		// intact, so the session drops back to suspended and retries.
		meta.State = workspace.StateSuspended
	case workspace.StateDestroying:
		// Teardown resumes to completion, never resurrects.
		meta.State = workspace.StateDestroyed
	}
	meta.SandboxID = ""
	return ws.SaveMetadata(meta)
}

// attach resolves policy, provisions the sandbox, and transitions the
// session to attached with lease renewal running.
func (m *Manager) attach(ctx context.Context, ws *workspace.Workspace, meta *workspace.Metadata, l *lease.Lease, overrides *policy.Overrides, logger *logging.Logger) (*Session, error) {
	pol, err := m.sessionPolicy(meta, overrides)
	if err != nil {
		return nil, err
	}

	if err := m.stageSkills(ws, pol.Skills); err != nil {
		return nil, err
	}

	meta.State = workspace.StateProvisioning
	meta.Touch()
	if err := ws.SaveMetadata(meta); err != nil {
		return nil, err
	}

	sb, err := m.provision(ctx, ws, meta, pol)
	if err != nil {
		// Roll the record back so the next start retries from a clean
		// suspended state instead of tripping crash recovery.
		meta.State = workspace.StateSuspended
		meta.SandboxID = ""
		if saveErr := ws.SaveMetadata(meta); saveErr != nil {
			logger.Error("failed to roll back state after provision failure", "error", saveErr)
		}
		return nil, err
	}

	if setup, ok := m.agent.(interface {
		EnsureUser(context.Context, *sandbox.Sandbox) error
	}); ok {
		if err := setup.EnsureUser(ctx, sb); err != nil {
			sb.Destroy(ctx)
			meta.State = workspace.StateSuspended
			meta.SandboxID = ""
			if saveErr := ws.SaveMetadata(meta); saveErr != nil {
				logger.Error("failed to roll back state after user setup failure", "error", saveErr)
			}
			return nil, err
		}
	}

	meta.State = workspace.StateAttached
	meta.SandboxID = sb.ID()
	meta.SnapshotRef = ""
	meta.Touch()
	if err := ws.SaveMetadata(meta); err != nil {
		sb.Destroy(ctx)
		return nil, err
	}

	sess := &Session{
		manager: m,
		ws:      ws,
		meta:    meta,
		lease:   l,
		sandbox: sb,
		logger:  logger.WithSandbox(sb.ID()),
		exec: executor.New(m.agent, logger).
			WithReward(m.reward).
			WithHistory(executor.NewHistory(filepath.Join(ws.Dir(), executor.HistoryFileName))),
	}
	sess.taskCtx, sess.taskCancel = context.WithCancel(context.Background())
	sess.startRenewal()

	logger.Info("session attached",
		"sandbox_id", sb.ID(),
		"template", meta.Template,
		"persistent", meta.Persistent,
	)
	return sess, nil
}

// sessionPolicy returns the session's policy: the persisted snapshot when
// one exists (policy is immutable after first provision, later overrides
// are ignored), otherwise a fresh resolution that is snapshotted into the
// metadata.
func (m *Manager) sessionPolicy(meta *workspace.Metadata, overrides *policy.Overrides) (*policy.Policy, error) {
	if len(meta.Policy) > 0 {
		var pol policy.Policy
		if err := json.Unmarshal(meta.Policy, &pol); err != nil {
			return nil, fmt.Errorf("%w: policy snapshot unreadable: %v", errors.ErrCorruptState, err)
		}
		return &pol, nil
	}

	pol, err := m.engine.Resolve(meta.Template, meta.Skills, overrides)
	if err != nil {
		return nil, err
	}
	snapshot, err := json.Marshal(pol)
	if err != nil {
		return nil, err
	}
	meta.Policy = snapshot
	return pol, nil
}

// provision boots the sandbox, preferring snapshot resume when the session
// recorded one, with transparent fallback to a fresh boot against the
// persisted workspace.
func (m *Manager) provision(ctx context.Context, ws *workspace.Workspace, meta *workspace.Metadata, pol *policy.Policy) (*sandbox.Sandbox, error) {
	spec := sandbox.SpecFromPolicy(meta.ID, ws.TreeDir(), pol)

	if meta.SnapshotRef != "" {
		sb, err := m.driver.Resume(ctx, meta.SnapshotRef, spec)
		if err == nil {
			return sb, nil
		}
		if !errors.Is(err, errors.ErrSnapshotUnsupported) && !errors.Is(err, errors.ErrRuntimeRejected) {
			return nil, err
		}
		m.logger.Warn("snapshot resume unavailable, reprovisioning from workspace",
			"session_id", meta.ID,
			"snapshot_ref", meta.SnapshotRef,
			"error", err,
		)
	}
	return m.driver.Provision(ctx, spec)
}

// stageSkills copies each skill's blob into the workspace tree. Blobs are
// opaque; a skill without one contributes environment only.
func (m *Manager) stageSkills(ws *workspace.Workspace, skills []string) error {
	for _, name := range skills {
		skill, err := m.engine.Skill(name)
		if err != nil {
			return err
		}
		if skill.BlobPath == "" {
			continue
		}
		dst := filepath.Join(ws.TreeDir(), filepath.Base(skill.BlobPath))
		if err := copyFile(skill.BlobPath, dst); err != nil {
			return fmt.Errorf("failed to stage skill %q: %w", name, err)
		}
	}
	return nil
}

// Cleanup tears a session down: sandbox destroyed, lease released, and the
// workspace removed when requested. It never errors for state that is
// already in the desired end: a missing identity or an already-destroyed
// session is a successful cleanup.
func (m *Manager) Cleanup(ctx context.Context, identity string, removeWorkspace bool) error {
	unlock := m.lockIdentity(identity)
	defer unlock()

	logger := m.logger.WithSession(identity)

	if !m.store.Exists(identity) {
		if removeWorkspace {
			// Sweep any partial directory without metadata.
			return m.store.Remove(identity)
		}
		return nil
	}

	ws, err := m.store.Open(identity)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return nil
		}
		return errors.NewSessionError("cleanup", identity, err)
	}

	l, err := lease.Acquire(ws.Dir(), identity, m.cfg.Lease.TTL(), logger)
	if errors.Is(err, lease.ErrHeld) {
		// Optionally wait out the live holder instead of failing fast.
		if wait := m.cfg.Lease.CleanupWait(); wait > 0 {
			l, err = m.acquireWithWait(ctx, ws.Dir(), identity, wait, logger)
		}
	}
	if err != nil {
		if errors.Is(err, lease.ErrHeld) {
			return errors.NewSessionError("cleanup", identity,
				fmt.Errorf("%w: %v", errors.ErrAlreadyRunning, err))
		}
		return errors.NewSessionError("cleanup", identity, err)
	}
	defer l.Release()

	meta, err := ws.LoadMetadata()
	if err != nil {
		// Unreadable metadata makes the session destroyable, never
		// resurrected with partial data.
		logger.Error("cleanup of session with corrupt metadata", "error", err)
		meta = &workspace.Metadata{ID: identity, State: workspace.StateDestroying}
	}

	meta.State = workspace.StateDestroying
	meta.Touch()
	if err := ws.SaveMetadata(meta); err != nil {
		return errors.NewSessionError("cleanup", identity, err)
	}

	if meta.SandboxID != "" {
		if err := m.driver.Runtime().DestroyByID(ctx, meta.SandboxID); err != nil {
			return errors.NewSessionError("cleanup", identity, err)
		}
	}

	meta.State = workspace.StateDestroyed
	meta.SandboxID = ""
	meta.SnapshotRef = ""
	if err := ws.SaveMetadata(meta); err != nil {
		return errors.NewSessionError("cleanup", identity, err)
	}

	if removeWorkspace {
		l.Release()
		if err := m.store.Remove(identity); err != nil {
			return errors.NewSessionError("cleanup", identity, err)
		}
	}

	logger.Info("session cleaned up", "workspace_removed", removeWorkspace)
	return nil
}

// acquireWithWait retries lease acquisition until the holder releases or
// the bound elapses. The last ErrHeld is returned when time runs out.
func (m *Manager) acquireWithWait(ctx context.Context, dir, identity string, bound time.Duration, logger *logging.Logger) (*lease.Lease, error) {
	waitCtx, cancel := context.WithTimeout(ctx, bound)
	defer cancel()

	for {
		if err := lease.Wait(waitCtx, dir); err != nil {
			return nil, fmt.Errorf("%w: holder did not release within %s", lease.ErrHeld, bound)
		}
		l, err := lease.Acquire(dir, identity, m.cfg.Lease.TTL(), logger)
		if err == nil || !errors.Is(err, lease.ErrHeld) {
			return l, err
		}
		// Another waiter slipped in between release and our acquire.
	}
}

// List returns metadata for every session under the workspace root.
func (m *Manager) List() ([]*workspace.Metadata, error) {
	return m.store.List()
}

func (m *Manager) lockIdentity(identity string) func() {
	m.mu.Lock()
	mu, ok := m.identityMu[identity]
	if !ok {
		mu = &sync.Mutex{}
		m.identityMu[identity] = mu
	}
	m.mu.Unlock()

	mu.Lock()
	return mu.Unlock
}

func ephemeralIdentity() string {
	u := uuid.New()
	return "ephemeral-" + hex.EncodeToString(u[:4])
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
