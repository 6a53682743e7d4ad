package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/boxlite-ai/claudebox/internal/errors"
)

// FakeRuntime is a deterministic in-memory runtime. It backs the "fake"
// runtime kind so the whole orchestration path can run without any isolation
// primitive installed, and it is the runtime used by tests: failure
// injection for provision retries, scripted exec output, and optional
// snapshot support.
type FakeRuntime struct {
	mu sync.Mutex

	// Script produces the stdout and exit code for an exec'd command. When
	// nil every command succeeds with empty output.
	Script func(cmd []string, opts ExecOptions) (stdout string, exitCode int)

	// Snapshots enables Snapshot/Resume support.
	Snapshots bool

	// failCreates makes the next n Create calls fail as runtime-unavailable.
	failCreates int
	rejectNext  bool

	nextID    int
	boxes     map[string]*FakeBox
	snapshots map[string]Spec

	CreateCalls  int
	ResumeCalls  int
	DestroyCalls int
}

// NewFakeRuntime creates a FakeRuntime with snapshot support enabled.
func NewFakeRuntime() *FakeRuntime {
	return &FakeRuntime{
		Snapshots: true,
		boxes:     make(map[string]*FakeBox),
		snapshots: make(map[string]Spec),
	}
}

// Name implements Runtime.
func (r *FakeRuntime) Name() string { return "fake" }

// FailCreates makes the next n Create or Resume calls fail with
// ErrRuntimeUnavailable.
func (r *FakeRuntime) FailCreates(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failCreates = n
}

// RejectNext makes the next Create call fail with ErrRuntimeRejected.
func (r *FakeRuntime) RejectNext() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejectNext = true
}

// Create implements Runtime.
func (r *FakeRuntime) Create(ctx context.Context, spec Spec) (Box, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.CreateCalls++
	if r.rejectNext {
		r.rejectNext = false
		return nil, fmt.Errorf("%w: spec refused", errors.ErrRuntimeRejected)
	}
	if r.failCreates > 0 {
		r.failCreates--
		return nil, fmt.Errorf("%w: injected failure", errors.ErrRuntimeUnavailable)
	}

	return r.newBoxLocked(spec), nil
}

// Resume implements Runtime.
func (r *FakeRuntime) Resume(ctx context.Context, snapshotRef string, spec Spec) (Box, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.ResumeCalls++
	if !r.Snapshots {
		return nil, errors.ErrSnapshotUnsupported
	}
	if _, ok := r.snapshots[snapshotRef]; !ok {
		return nil, fmt.Errorf("%w: unknown snapshot %q", errors.ErrRuntimeRejected, snapshotRef)
	}
	if r.failCreates > 0 {
		r.failCreates--
		return nil, fmt.Errorf("%w: injected failure", errors.ErrRuntimeUnavailable)
	}

	return r.newBoxLocked(spec), nil
}

// DestroyByID implements Runtime.
func (r *FakeRuntime) DestroyByID(ctx context.Context, boxID string) error {
	r.mu.Lock()
	box, ok := r.boxes[boxID]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return box.Destroy(ctx)
}

func (r *FakeRuntime) newBoxLocked(spec Spec) *FakeBox {
	r.nextID++
	box := &FakeBox{
		id:      fmt.Sprintf("fake-%04d", r.nextID),
		spec:    spec,
		runtime: r,
	}
	r.boxes[box.id] = box
	return box
}

// Box returns a created box by ID, for test assertions.
func (r *FakeRuntime) Box(id string) (*FakeBox, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	box, ok := r.boxes[id]
	return box, ok
}

// LiveBoxes counts boxes that have not been destroyed.
func (r *FakeRuntime) LiveBoxes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, b := range r.boxes {
		if !b.isDestroyed() {
			n++
		}
	}
	return n
}

// FakeBox is one in-memory box created by a FakeRuntime. It records every
// exec'd command for assertions.
type FakeBox struct {
	id      string
	spec    Spec
	runtime *FakeRuntime

	mu        sync.Mutex
	destroyed bool
	execs     [][]string
}

func (b *FakeBox) ID() string { return b.id }

// Spec returns the spec the box was booted with, for test assertions.
func (b *FakeBox) Spec() Spec { return b.spec }

// Execs returns every command exec'd in the box, for test assertions.
func (b *FakeBox) Execs() [][]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([][]string, len(b.execs))
	copy(out, b.execs)
	return out
}

func (b *FakeBox) isDestroyed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.destroyed
}

func (b *FakeBox) Exec(ctx context.Context, cmd []string, opts ExecOptions) (Execution, error) {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return nil, errors.NewSandboxError("exec", b.id, errors.ErrSandboxDestroyed)
	}
	b.execs = append(b.execs, append([]string(nil), cmd...))
	b.mu.Unlock()

	stdout := ""
	exitCode := 0
	if b.runtime.Script != nil {
		stdout, exitCode = b.runtime.Script(cmd, opts)
	}
	return &fakeExecution{stdout: strings.NewReader(stdout), exitCode: exitCode}, nil
}

func (b *FakeBox) Snapshot(ctx context.Context) (string, error) {
	if !b.runtime.Snapshots {
		return "", errors.ErrSnapshotUnsupported
	}
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return "", errors.NewSandboxError("snapshot", b.id, errors.ErrSandboxDestroyed)
	}
	b.mu.Unlock()

	ref := "snap-" + b.id
	b.runtime.mu.Lock()
	b.runtime.snapshots[ref] = b.spec
	b.runtime.mu.Unlock()
	return ref, nil
}

func (b *FakeBox) Destroy(ctx context.Context) error {
	b.mu.Lock()
	already := b.destroyed
	b.destroyed = true
	b.mu.Unlock()

	if !already {
		b.runtime.mu.Lock()
		b.runtime.DestroyCalls++
		b.runtime.mu.Unlock()
	}
	return nil
}

func (b *FakeBox) Alive(ctx context.Context) bool {
	return !b.isDestroyed()
}

type fakeExecution struct {
	stdout   io.Reader
	exitCode int
	stdin    bytes.Buffer
}

func (e *fakeExecution) Stdin() io.WriteCloser { return nopWriteCloser{&e.stdin} }
func (e *fakeExecution) Stdout() io.Reader     { return e.stdout }
func (e *fakeExecution) Stderr() io.Reader     { return strings.NewReader("") }

func (e *fakeExecution) Wait(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	default:
	}
	return e.exitCode, nil
}

func (e *fakeExecution) Kill() error { return nil }

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
