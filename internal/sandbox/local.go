package sandbox

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/google/uuid"

	"github.com/boxlite-ai/claudebox/internal/errors"
)

// LocalRuntime runs "boxes" as plain host subprocesses rooted in the session
// workspace. It provides no real isolation and exists for development and
// for environments where the micro-VM runtime is not installed; the policy's
// filesystem and network rules are not enforced here, only its environment
// and working directory.
type LocalRuntime struct {
	mu    sync.Mutex
	boxes map[string]*localBox
}

// NewLocalRuntime creates a LocalRuntime.
func NewLocalRuntime() *LocalRuntime {
	return &LocalRuntime{boxes: make(map[string]*localBox)}
}

// Name implements Runtime.
func (r *LocalRuntime) Name() string { return "local" }

// Create implements Runtime.
func (r *LocalRuntime) Create(ctx context.Context, spec Spec) (Box, error) {
	if spec.WorkspaceDir == "" {
		return nil, errors.NewSandboxError("create", "", fmt.Errorf("workspace directory required"))
	}
	if _, err := os.Stat(spec.WorkspaceDir); err != nil {
		return nil, errors.NewSandboxError("create", "", fmt.Errorf("workspace directory: %w", err))
	}

	box := &localBox{
		id:    "local-" + uuid.NewString()[:8],
		spec:  spec,
		procs: make(map[*localExecution]struct{}),
	}

	r.mu.Lock()
	r.boxes[box.id] = box
	r.mu.Unlock()
	return box, nil
}

// Resume implements Runtime. Local subprocesses cannot be snapshotted.
func (r *LocalRuntime) Resume(ctx context.Context, snapshotRef string, spec Spec) (Box, error) {
	return nil, errors.ErrSnapshotUnsupported
}

// DestroyByID implements Runtime.
func (r *LocalRuntime) DestroyByID(ctx context.Context, boxID string) error {
	r.mu.Lock()
	box, ok := r.boxes[boxID]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return box.Destroy(ctx)
}

type localBox struct {
	id   string
	spec Spec

	mu        sync.Mutex
	destroyed bool
	procs     map[*localExecution]struct{}
}

func (b *localBox) ID() string { return b.id }

func (b *localBox) Exec(ctx context.Context, cmd []string, opts ExecOptions) (Execution, error) {
	if len(cmd) == 0 {
		return nil, errors.NewSandboxError("exec", b.id, fmt.Errorf("empty command"))
	}

	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return nil, errors.NewSandboxError("exec", b.id, errors.ErrSandboxDestroyed)
	}
	b.mu.Unlock()

	c := exec.CommandContext(ctx, cmd[0], cmd[1:]...)
	c.Dir = b.spec.WorkspaceDir
	if opts.WorkDir != "" {
		c.Dir = opts.WorkDir
	}

	c.Env = os.Environ()
	for k, v := range b.spec.Env {
		c.Env = append(c.Env, k+"="+v)
	}
	for k, v := range opts.Env {
		c.Env = append(c.Env, k+"="+v)
	}

	stdin, err := c.StdinPipe()
	if err != nil {
		return nil, errors.NewSandboxError("exec", b.id, err)
	}
	stdout, err := c.StdoutPipe()
	if err != nil {
		return nil, errors.NewSandboxError("exec", b.id, err)
	}
	stderr, err := c.StderrPipe()
	if err != nil {
		return nil, errors.NewSandboxError("exec", b.id, err)
	}

	if err := c.Start(); err != nil {
		return nil, errors.NewSandboxError("exec", b.id, fmt.Errorf("%w: %v", errors.ErrRuntimeUnavailable, err))
	}

	e := &localExecution{cmd: c, stdin: stdin, stdout: stdout, stderr: stderr}

	b.mu.Lock()
	b.procs[e] = struct{}{}
	b.mu.Unlock()
	return e, nil
}

func (b *localBox) Snapshot(ctx context.Context) (string, error) {
	return "", errors.ErrSnapshotUnsupported
}

// Destroy kills every process started in the box. Idempotent.
func (b *localBox) Destroy(ctx context.Context) error {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return nil
	}
	b.destroyed = true
	procs := make([]*localExecution, 0, len(b.procs))
	for p := range b.procs {
		procs = append(procs, p)
	}
	b.procs = nil
	b.mu.Unlock()

	for _, p := range procs {
		p.Kill()
	}
	return nil
}

func (b *localBox) Alive(ctx context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.destroyed
}

type localExecution struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader

	waitOnce sync.Once
	waitErr  error
}

func (e *localExecution) Stdin() io.WriteCloser { return e.stdin }
func (e *localExecution) Stdout() io.Reader     { return e.stdout }
func (e *localExecution) Stderr() io.Reader     { return e.stderr }

func (e *localExecution) Wait(ctx context.Context) (int, error) {
	done := make(chan struct{})
	go func() {
		e.waitOnce.Do(func() { e.waitErr = e.cmd.Wait() })
		close(done)
	}()

	select {
	case <-ctx.Done():
		e.Kill()
		<-done
		return -1, ctx.Err()
	case <-done:
	}

	if e.waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(e.waitErr, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return -1, e.waitErr
	}
	return 0, nil
}

func (e *localExecution) Kill() error {
	if e.cmd.Process == nil {
		return nil
	}
	return e.cmd.Process.Kill()
}
