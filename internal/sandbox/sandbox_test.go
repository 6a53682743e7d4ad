package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/boxlite-ai/claudebox/internal/config"
	"github.com/boxlite-ai/claudebox/internal/errors"
	"github.com/boxlite-ai/claudebox/internal/policy"
)

func testSpec(sessionID string) Spec {
	return Spec{
		SessionID:    sessionID,
		Image:        config.DefaultImage,
		WorkspaceDir: "/tmp/unused",
		Resources:    policy.Resources{CPUs: 2, MemoryMiB: 1024, DiskGB: 4},
		Env:          map[string]string{"A": "1"},
	}
}

func testDriver(rt Runtime) *Driver {
	return NewDriver(rt, config.Provision{MaxRetries: 3, BackoffMs: 1}, nil)
}

func TestDriver_Provision(t *testing.T) {
	rt := NewFakeRuntime()
	d := testDriver(rt)

	sb, err := d.Provision(context.Background(), testSpec("s1"))
	if err != nil {
		t.Fatalf("Provision failed: %v", err)
	}
	if sb.ID() == "" {
		t.Error("sandbox should have an ID")
	}
	if rt.CreateCalls != 1 {
		t.Errorf("CreateCalls = %d", rt.CreateCalls)
	}
	if !sb.Alive(context.Background()) {
		t.Error("fresh sandbox should be alive")
	}
}

func TestDriver_ProvisionRetriesTransientFailures(t *testing.T) {
	rt := NewFakeRuntime()
	rt.FailCreates(2)
	d := testDriver(rt)

	sb, err := d.Provision(context.Background(), testSpec("s1"))
	if err != nil {
		t.Fatalf("Provision should succeed after transient failures: %v", err)
	}
	defer sb.Destroy(context.Background())

	if rt.CreateCalls != 3 {
		t.Errorf("CreateCalls = %d, want 3 (2 failures + 1 success)", rt.CreateCalls)
	}
}

func TestDriver_ProvisionExhaustsRetryBudget(t *testing.T) {
	rt := NewFakeRuntime()
	rt.FailCreates(100)
	d := testDriver(rt)

	_, err := d.Provision(context.Background(), testSpec("s1"))
	if !errors.Is(err, errors.ErrProvisionFailure) {
		t.Errorf("Provision = %v, want ErrProvisionFailure", err)
	}
	// MaxRetries=3 means 4 total attempts.
	if rt.CreateCalls != 4 {
		t.Errorf("CreateCalls = %d, want 4", rt.CreateCalls)
	}
}

func TestDriver_ProvisionDoesNotRetryRejection(t *testing.T) {
	rt := NewFakeRuntime()
	rt.RejectNext()
	d := testDriver(rt)

	_, err := d.Provision(context.Background(), testSpec("s1"))
	if !errors.Is(err, errors.ErrRuntimeRejected) {
		t.Errorf("Provision = %v, want ErrRuntimeRejected", err)
	}
	if rt.CreateCalls != 1 {
		t.Errorf("CreateCalls = %d, rejections must not be retried", rt.CreateCalls)
	}
}

func TestDriver_ProvisionRespectsContext(t *testing.T) {
	rt := NewFakeRuntime()
	rt.FailCreates(100)
	d := NewDriver(rt, config.Provision{MaxRetries: 100, BackoffMs: 50}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// First attempt runs, then the backoff wait observes the cancellation.
	if _, err := d.Provision(ctx, testSpec("s1")); !errors.Is(err, context.Canceled) {
		t.Errorf("Provision = %v, want context.Canceled", err)
	}
}

func TestSandbox_DestroyIdempotent(t *testing.T) {
	rt := NewFakeRuntime()
	d := testDriver(rt)

	sb, err := d.Provision(context.Background(), testSpec("s1"))
	if err != nil {
		t.Fatalf("Provision failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := sb.Destroy(context.Background()); err != nil {
			t.Fatalf("Destroy #%d failed: %v", i+1, err)
		}
	}
	if rt.DestroyCalls != 1 {
		t.Errorf("DestroyCalls = %d, want 1", rt.DestroyCalls)
	}
	if rt.LiveBoxes() != 0 {
		t.Errorf("LiveBoxes = %d after destroy", rt.LiveBoxes())
	}
}

func TestSandbox_ExecAfterDestroyFails(t *testing.T) {
	rt := NewFakeRuntime()
	d := testDriver(rt)

	sb, err := d.Provision(context.Background(), testSpec("s1"))
	if err != nil {
		t.Fatalf("Provision failed: %v", err)
	}
	if err := sb.Destroy(context.Background()); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}

	if _, err := sb.Exec(context.Background(), []string{"true"}, ExecOptions{}); !errors.Is(err, errors.ErrSandboxDestroyed) {
		t.Errorf("Exec after destroy = %v, want ErrSandboxDestroyed", err)
	}
}

func TestSandbox_SuspendReturnsSnapshotAndDestroys(t *testing.T) {
	rt := NewFakeRuntime()
	d := testDriver(rt)

	sb, err := d.Provision(context.Background(), testSpec("s1"))
	if err != nil {
		t.Fatalf("Provision failed: %v", err)
	}

	ref, err := sb.Suspend(context.Background())
	if err != nil {
		t.Fatalf("Suspend failed: %v", err)
	}
	if ref == "" {
		t.Error("Suspend should return a snapshot ref")
	}
	if rt.LiveBoxes() != 0 {
		t.Error("box should be destroyed after suspend")
	}

	// The snapshot resumes into a fresh box.
	resumed, err := d.Resume(context.Background(), ref, testSpec("s1"))
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	defer resumed.Destroy(context.Background())
	if resumed.ID() == sb.ID() {
		t.Error("resumed sandbox should be a new box")
	}
}

func TestSandbox_SuspendWithoutSnapshotSupport(t *testing.T) {
	rt := NewFakeRuntime()
	rt.Snapshots = false
	d := testDriver(rt)

	sb, err := d.Provision(context.Background(), testSpec("s1"))
	if err != nil {
		t.Fatalf("Provision failed: %v", err)
	}

	if _, err := sb.Suspend(context.Background()); !errors.Is(err, errors.ErrSnapshotUnsupported) {
		t.Errorf("Suspend = %v, want ErrSnapshotUnsupported", err)
	}
	// The box is still released; the workspace on disk is the fallback.
	if rt.LiveBoxes() != 0 {
		t.Error("box should be destroyed even when snapshots are unsupported")
	}
}

func TestFakeRuntime_ScriptedExec(t *testing.T) {
	rt := NewFakeRuntime()
	rt.Script = func(cmd []string, opts ExecOptions) (string, int) {
		if cmd[0] == "fail" {
			return "", 7
		}
		return "ok\n", 0
	}
	d := testDriver(rt)

	sb, err := d.Provision(context.Background(), testSpec("s1"))
	if err != nil {
		t.Fatalf("Provision failed: %v", err)
	}
	defer sb.Destroy(context.Background())

	exec, err := sb.Exec(context.Background(), []string{"fail"}, ExecOptions{})
	if err != nil {
		t.Fatalf("Exec failed: %v", err)
	}
	code, err := exec.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if code != 7 {
		t.Errorf("exit code = %d, want 7", code)
	}

	box, ok := rt.Box(sb.ID())
	if !ok {
		t.Fatal("box not found")
	}
	if got := box.Execs(); len(got) != 1 || got[0][0] != "fail" {
		t.Errorf("recorded execs = %v", got)
	}
}

func TestSpecFromPolicy(t *testing.T) {
	p := &policy.Policy{
		Template:  "default",
		Image:     "example.com/img:1",
		Resources: policy.Resources{CPUs: 2, MemoryMiB: 512, DiskGB: 1},
		Env:       map[string]string{"K": "v"},
	}

	spec := SpecFromPolicy("sess", "/work", p)
	if spec.SessionID != "sess" || spec.Image != "example.com/img:1" || spec.WorkspaceDir != "/work" {
		t.Errorf("spec = %+v", spec)
	}

	// The spec's env is a copy, not an alias.
	spec.Env["K"] = "mutated"
	if p.Env["K"] != "v" {
		t.Error("SpecFromPolicy should copy the env map")
	}
}

func TestLocalRuntime_ExecRunsInWorkspace(t *testing.T) {
	rt := NewLocalRuntime()
	dir := t.TempDir()

	spec := testSpec("local")
	spec.WorkspaceDir = dir

	box, err := rt.Create(context.Background(), spec)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer box.Destroy(context.Background())

	exec, err := box.Exec(context.Background(), []string{"sh", "-c", "echo hi > out.txt"}, ExecOptions{})
	if err != nil {
		t.Fatalf("Exec failed: %v", err)
	}
	if code, err := exec.Wait(context.Background()); err != nil || code != 0 {
		t.Fatalf("Wait = (%d, %v)", code, err)
	}
	if _, err := os.Stat(filepath.Join(dir, "out.txt")); err != nil {
		t.Errorf("command should run in the workspace directory: %v", err)
	}

	if _, err := rt.Resume(context.Background(), "snap", spec); !errors.Is(err, errors.ErrSnapshotUnsupported) {
		t.Errorf("local Resume = %v, want ErrSnapshotUnsupported", err)
	}
}
