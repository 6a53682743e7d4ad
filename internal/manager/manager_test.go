package manager

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/boxlite-ai/claudebox/internal/agent"
	"github.com/boxlite-ai/claudebox/internal/config"
	"github.com/boxlite-ai/claudebox/internal/errors"
	"github.com/boxlite-ai/claudebox/internal/executor"
	"github.com/boxlite-ai/claudebox/internal/lease"
	"github.com/boxlite-ai/claudebox/internal/policy"
	"github.com/boxlite-ai/claudebox/internal/sandbox"
	"github.com/boxlite-ai/claudebox/internal/workspace"
)

// stubAgent runs a caller-provided function per invocation.
type stubAgent struct {
	fn func(ctx context.Context, req agent.Request) (*agent.Invocation, error)
}

func (s *stubAgent) Invoke(ctx context.Context, sb *sandbox.Sandbox, req agent.Request) (*agent.Invocation, error) {
	if s.fn != nil {
		return s.fn(ctx, req)
	}
	return &agent.Invocation{Response: "ok"}, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Workspace.Root = t.TempDir()
	cfg.Provision.BackoffMs = 1
	return cfg
}

func testManager(t *testing.T, a agent.Agent) (*Manager, *sandbox.FakeRuntime) {
	t.Helper()
	rt := sandbox.NewFakeRuntime()
	if a == nil {
		a = &stubAgent{}
	}
	m, err := New(testConfig(t), rt, nil, WithAgent(a))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return m, rt
}

func TestStart_NewSession(t *testing.T) {
	m, rt := testManager(t, nil)

	sess, err := m.Start(context.Background(), StartOptions{Identity: "proj-a"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer sess.Close(context.Background())

	if sess.ID() != "proj-a" || !sess.Persistent() {
		t.Errorf("session = id %q persistent %v", sess.ID(), sess.Persistent())
	}
	if rt.CreateCalls != 1 {
		t.Errorf("CreateCalls = %d", rt.CreateCalls)
	}

	meta := mustMeta(t, m, "proj-a")
	if meta.State != workspace.StateAttached {
		t.Errorf("state = %s, want attached", meta.State)
	}
	if meta.SandboxID != sess.SandboxID() {
		t.Errorf("metadata sandbox ID = %q, want %q", meta.SandboxID, sess.SandboxID())
	}
	if len(meta.Policy) == 0 {
		t.Error("policy snapshot should be persisted at first provision")
	}
}

func TestStart_SecondStartFailsAlreadyRunning(t *testing.T) {
	m, _ := testManager(t, nil)

	sess, err := m.Start(context.Background(), StartOptions{Identity: "busy"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer sess.Close(context.Background())

	if _, err := m.Start(context.Background(), StartOptions{Identity: "busy"}); !errors.Is(err, errors.ErrAlreadyRunning) {
		t.Errorf("second Start = %v, want ErrAlreadyRunning", err)
	}

	// After release the identity is startable again.
	if err := sess.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	sess2, err := m.Start(context.Background(), StartOptions{Identity: "busy"})
	if err != nil {
		t.Fatalf("Start after Close failed: %v", err)
	}
	sess2.Close(context.Background())
}

func TestStart_ConcurrentExactlyOneWins(t *testing.T) {
	m, _ := testManager(t, nil)

	const racers = 8
	var wins, contended atomic.Int32
	var winner atomic.Pointer[Session]
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			sess, err := m.Start(context.Background(), StartOptions{Identity: "contested"})
			switch {
			case err == nil:
				wins.Add(1)
				winner.Store(sess)
			case errors.Is(err, errors.ErrAlreadyRunning):
				contended.Add(1)
			default:
				t.Errorf("unexpected Start error: %v", err)
			}
		}()
	}

	close(start)
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("winners = %d, want exactly 1", wins.Load())
	}
	if contended.Load() != racers-1 {
		t.Errorf("contended = %d, want %d", contended.Load(), racers-1)
	}
	if sess := winner.Load(); sess != nil {
		sess.Close(context.Background())
	}
}

func TestStart_UnknownTemplateFailsClosed(t *testing.T) {
	m, rt := testManager(t, nil)

	_, err := m.Start(context.Background(), StartOptions{Identity: "p", Template: "nope"})
	if !errors.Is(err, errors.ErrUnknownTemplate) {
		t.Fatalf("Start = %v, want ErrUnknownTemplate", err)
	}
	if rt.CreateCalls != 0 {
		t.Errorf("no sandbox may be provisioned on a policy failure, CreateCalls = %d", rt.CreateCalls)
	}

	// The failed start must not leave the identity locked.
	dir := m.Store().SessionDir("p")
	if _, err := os.Stat(filepath.Join(dir, lease.FileName)); !os.IsNotExist(err) {
		t.Error("lease should be released after a failed start")
	}
}

func TestStart_InvalidOverridesRejected(t *testing.T) {
	m, rt := testManager(t, nil)

	_, err := m.Start(context.Background(), StartOptions{
		Identity:  "p",
		Overrides: &policy.Overrides{ExtraReadWrite: []string{"/etc/shadow"}},
	})
	if !errors.Is(err, errors.ErrInvalidPolicy) {
		t.Fatalf("Start = %v, want ErrInvalidPolicy", err)
	}
	if rt.CreateCalls != 0 {
		t.Error("no sandbox may be provisioned on a policy failure")
	}
}

func TestWorkspaceSurvivesCloseAndReconnect(t *testing.T) {
	m, _ := testManager(t, nil)

	sess, err := m.Start(context.Background(), StartOptions{Identity: "durable"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	content := []byte("remember me\n")
	if err := os.WriteFile(filepath.Join(sess.WorkspaceDir(), "notes.txt"), content, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := sess.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	sess2, err := m.Reconnect(context.Background(), "durable")
	if err != nil {
		t.Fatalf("Reconnect failed: %v", err)
	}
	defer sess2.Close(context.Background())

	got, err := os.ReadFile(filepath.Join(sess2.WorkspaceDir(), "notes.txt"))
	if err != nil {
		t.Fatalf("workspace file lost across close/reconnect: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("content = %q, want %q", got, content)
	}
}

func TestWorkspaceSurvivesCleanupWithoutRemoval(t *testing.T) {
	m, _ := testManager(t, nil)

	sess, err := m.Start(context.Background(), StartOptions{Identity: "kept"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	content := []byte("still here\n")
	if err := os.WriteFile(filepath.Join(sess.WorkspaceDir(), "notes.txt"), content, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := sess.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Destroy the sandbox but keep the file tree.
	if err := m.Cleanup(context.Background(), "kept", false); err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if meta := mustMeta(t, m, "kept"); meta.State != workspace.StateDestroyed {
		t.Fatalf("state after cleanup = %s, want destroyed", meta.State)
	}

	sess2, err := m.Reconnect(context.Background(), "kept")
	if err != nil {
		t.Fatalf("Reconnect after cleanup failed: %v", err)
	}
	defer sess2.Close(context.Background())

	got, err := os.ReadFile(filepath.Join(sess2.WorkspaceDir(), "notes.txt"))
	if err != nil {
		t.Fatalf("workspace file lost across cleanup/reconnect: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("content = %q, want %q", got, content)
	}
}

func TestReconnect_MissingSessionIsNotFound(t *testing.T) {
	m, _ := testManager(t, nil)
	if _, err := m.Reconnect(context.Background(), "ghost"); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("Reconnect = %v, want ErrNotFound", err)
	}
}

func TestSuspend_RecordsSnapshotAndResumeUsesIt(t *testing.T) {
	m, rt := testManager(t, nil)

	sess, err := m.Start(context.Background(), StartOptions{Identity: "snappy"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := sess.Suspend(context.Background()); err != nil {
		t.Fatalf("Suspend failed: %v", err)
	}

	meta := mustMeta(t, m, "snappy")
	if meta.State != workspace.StateSuspended {
		t.Errorf("state = %s, want suspended", meta.State)
	}
	if meta.SnapshotRef == "" {
		t.Error("snapshot ref should be recorded")
	}

	sess2, err := m.Reconnect(context.Background(), "snappy")
	if err != nil {
		t.Fatalf("Reconnect failed: %v", err)
	}
	defer sess2.Close(context.Background())
	if rt.ResumeCalls != 1 {
		t.Errorf("ResumeCalls = %d, want 1", rt.ResumeCalls)
	}
}

func TestSuspend_FallsBackWithoutSnapshotSupport(t *testing.T) {
	m, rt := testManager(t, nil)
	rt.Snapshots = false

	sess, err := m.Start(context.Background(), StartOptions{Identity: "nosnap"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := sess.Suspend(context.Background()); err != nil {
		t.Fatalf("Suspend without snapshot support should not error: %v", err)
	}

	meta := mustMeta(t, m, "nosnap")
	if meta.SnapshotRef != "" {
		t.Error("no snapshot ref should be recorded")
	}

	// Reconnect reprovisions from the persisted workspace.
	sess2, err := m.Reconnect(context.Background(), "nosnap")
	if err != nil {
		t.Fatalf("Reconnect failed: %v", err)
	}
	defer sess2.Close(context.Background())
	if rt.CreateCalls != 2 {
		t.Errorf("CreateCalls = %d, want 2 (fresh boot per attach)", rt.CreateCalls)
	}
}

func TestCode_TimeoutLeavesSessionUsable(t *testing.T) {
	var calls atomic.Int32
	a := &stubAgent{fn: func(ctx context.Context, req agent.Request) (*agent.Invocation, error) {
		if calls.Add(1) == 1 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return &agent.Invocation{Response: "second try worked"}, nil
	}}
	m, _ := testManager(t, a)

	sess, err := m.Start(context.Background(), StartOptions{Identity: "slow"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer sess.Close(context.Background())

	result, err := sess.Code(context.Background(), "hang", &CodeOptions{Timeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("Code failed: %v", err)
	}
	if result.Status != executor.StatusTimedOut {
		t.Errorf("Status = %s, want timed-out", result.Status)
	}

	meta := mustMeta(t, m, "slow")
	if meta.State != workspace.StateAttached {
		t.Errorf("state after timeout = %s, want attached", meta.State)
	}

	// The same session accepts the next task.
	result2, err := sess.Code(context.Background(), "retry", nil)
	if err != nil {
		t.Fatalf("Code after timeout failed: %v", err)
	}
	if result2.Status != executor.StatusSucceeded || result2.Response != "second try worked" {
		t.Errorf("result = %+v", result2)
	}
}

func TestCode_AfterCloseFails(t *testing.T) {
	m, _ := testManager(t, nil)

	sess, err := m.Start(context.Background(), StartOptions{Identity: "done"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := sess.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if _, err := sess.Code(context.Background(), "p", nil); !errors.Is(err, errors.ErrSessionClosed) {
		t.Errorf("Code after Close = %v, want ErrSessionClosed", err)
	}
	if err := sess.Close(context.Background()); err != nil {
		t.Errorf("double Close should be a no-op: %v", err)
	}
}

func TestCode_WritesHistory(t *testing.T) {
	m, _ := testManager(t, nil)

	sess, err := m.Start(context.Background(), StartOptions{Identity: "traced"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer sess.Close(context.Background())

	if _, err := sess.Code(context.Background(), "do something", nil); err != nil {
		t.Fatalf("Code failed: %v", err)
	}

	h := executor.NewHistory(filepath.Join(m.Store().SessionDir("traced"), executor.HistoryFileName))
	records, err := h.Read()
	if err != nil {
		t.Fatalf("history read failed: %v", err)
	}
	if len(records) != 1 || records[0].Prompt != "do something" {
		t.Errorf("history = %+v", records)
	}
}

func TestEphemeralSession(t *testing.T) {
	m, _ := testManager(t, nil)

	sess, err := m.Start(context.Background(), StartOptions{})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	id := sess.ID()
	if !strings.HasPrefix(id, "ephemeral-") || len(id) != len("ephemeral-")+8 {
		t.Errorf("ephemeral identity = %q", id)
	}
	if sess.Persistent() {
		t.Error("ephemeral session must not be persistent")
	}

	if err := sess.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if m.Store().Exists(id) {
		t.Error("ephemeral workspace should be removed on close")
	}
}

func TestCleanup_Idempotent(t *testing.T) {
	m, rt := testManager(t, nil)

	sess, err := m.Start(context.Background(), StartOptions{Identity: "gone"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := sess.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := m.Cleanup(context.Background(), "gone", true); err != nil {
			t.Fatalf("Cleanup #%d failed: %v", i+1, err)
		}
	}
	if m.Store().Exists("gone") {
		t.Error("workspace should be removed")
	}
	if rt.LiveBoxes() != 0 {
		t.Errorf("LiveBoxes = %d", rt.LiveBoxes())
	}

	// Cleanup of a never-created identity is also a no-op.
	if err := m.Cleanup(context.Background(), "never-existed", true); err != nil {
		t.Errorf("Cleanup on missing identity = %v, want nil", err)
	}
}

func TestCleanup_RefusesLiveSession(t *testing.T) {
	m, _ := testManager(t, nil)

	sess, err := m.Start(context.Background(), StartOptions{Identity: "live"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer sess.Close(context.Background())

	if err := m.Cleanup(context.Background(), "live", false); !errors.Is(err, errors.ErrAlreadyRunning) {
		t.Errorf("Cleanup on attached session = %v, want ErrAlreadyRunning", err)
	}
}

func TestCrashRecovery_InterruptedProvisioning(t *testing.T) {
	m, rt := testManager(t, nil)

	// Simulate a crash mid-provision: metadata says provisioning, a
	// leftover box exists, and no lease is held.
	box, err := rt.Create(context.Background(), sandbox.Spec{SessionID: "crashed"})
	if err != nil {
		t.Fatal(err)
	}
	meta := &workspace.Metadata{
		ID:        "crashed",
		Template:  "default",
		State:     workspace.StateProvisioning,
		SandboxID: box.ID(),
	}
	meta.Touch()
	if _, err := m.Store().Create("crashed", meta, false); err != nil {
		t.Fatal(err)
	}

	sess, err := m.Start(context.Background(), StartOptions{Identity: "crashed"})
	if err != nil {
		t.Fatalf("Start after crash failed: %v", err)
	}
	defer sess.Close(context.Background())

	// The leftover box was destroyed and a fresh one attached.
	if box.Alive(context.Background()) {
		t.Error("leftover box from the interrupted provision should be destroyed")
	}
	if sess.SandboxID() == box.ID() {
		t.Error("session must not reuse the half-provisioned box")
	}
}

func TestCrashRecovery_InterruptedDestroying(t *testing.T) {
	m, rt := testManager(t, nil)

	box, err := rt.Create(context.Background(), sandbox.Spec{SessionID: "half-dead"})
	if err != nil {
		t.Fatal(err)
	}
	meta := &workspace.Metadata{
		ID:        "half-dead",
		Template:  "default",
		State:     workspace.StateDestroying,
		SandboxID: box.ID(),
	}
	meta.Touch()
	if _, err := m.Store().Create("half-dead", meta, false); err != nil {
		t.Fatal(err)
	}

	// Cleanup resumes the interrupted teardown without error.
	if err := m.Cleanup(context.Background(), "half-dead", false); err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if box.Alive(context.Background()) {
		t.Error("teardown should be driven to completion")
	}
	if got := mustMeta(t, m, "half-dead").State; got != workspace.StateDestroyed {
		t.Errorf("state = %s, want destroyed", got)
	}
}

func TestPolicyImmutableAcrossReconnect(t *testing.T) {
	m, _ := testManager(t, nil)

	four := 4
	sess, err := m.Start(context.Background(), StartOptions{
		Identity:  "pinned",
		Overrides: &policy.Overrides{CPUs: &four},
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	sess.Close(context.Background())

	// A reconnect with different overrides keeps the original policy.
	eight := 8
	sess2, err := m.Start(context.Background(), StartOptions{
		Identity:  "pinned",
		Overrides: &policy.Overrides{CPUs: &eight},
	})
	if err != nil {
		t.Fatalf("reconnect Start failed: %v", err)
	}
	defer sess2.Close(context.Background())

	var pol policy.Policy
	meta := mustMeta(t, m, "pinned")
	if err := json.Unmarshal(meta.Policy, &pol); err != nil {
		t.Fatal(err)
	}
	if pol.Resources.CPUs != 4 {
		t.Errorf("CPUs = %d, want the original 4", pol.Resources.CPUs)
	}
}

func TestProvisionFailure_RetriedThenSurfaced(t *testing.T) {
	m, rt := testManager(t, nil)
	rt.FailCreates(100)

	_, err := m.Start(context.Background(), StartOptions{Identity: "unlucky"})
	if !errors.Is(err, errors.ErrProvisionFailure) {
		t.Fatalf("Start = %v, want ErrProvisionFailure", err)
	}

	// The session is retryable once the runtime recovers.
	rt.FailCreates(0)
	sess, err := m.Start(context.Background(), StartOptions{Identity: "unlucky"})
	if err != nil {
		t.Fatalf("Start after runtime recovery failed: %v", err)
	}
	sess.Close(context.Background())
}

func TestSweep_ReapsIdleSessions(t *testing.T) {
	m, _ := testManager(t, nil)

	sess, err := m.Start(context.Background(), StartOptions{Identity: "stale"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	sess.Close(context.Background())

	fresh, err := m.Start(context.Background(), StartOptions{Identity: "fresh"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer fresh.Close(context.Background())

	// Backdate the idle session past the TTL.
	ws, err := m.Store().Open("stale")
	if err != nil {
		t.Fatal(err)
	}
	meta, err := ws.LoadMetadata()
	if err != nil {
		t.Fatal(err)
	}
	meta.LastActive = time.Now().Add(-30 * 24 * time.Hour)
	if err := ws.SaveMetadata(meta); err != nil {
		t.Fatal(err)
	}

	reaped, err := m.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if reaped != 1 {
		t.Errorf("reaped = %d, want 1 (live session skipped)", reaped)
	}
	if got := mustMeta(t, m, "stale").State; got != workspace.StateDestroyed {
		t.Errorf("stale session state = %s, want destroyed", got)
	}
	if got := mustMeta(t, m, "fresh").State; got != workspace.StateAttached {
		t.Errorf("fresh session state = %s, want attached", got)
	}
}

func mustMeta(t *testing.T, m *Manager, id string) *workspace.Metadata {
	t.Helper()
	ws, err := m.Store().Open(id)
	if err != nil {
		t.Fatalf("Open(%q) failed: %v", id, err)
	}
	meta, err := ws.LoadMetadata()
	if err != nil {
		t.Fatalf("LoadMetadata(%q) failed: %v", id, err)
	}
	return meta
}

// blockingAgent parks until its context is cancelled or it is told to
// proceed, recording whether the sandbox was still alive when cancellation
// arrived.
type blockingAgent struct {
	started        chan struct{}
	proceed        chan struct{}
	aliveOnCancel  atomic.Bool
	observedCancel atomic.Bool
}

func (b *blockingAgent) Invoke(ctx context.Context, sb *sandbox.Sandbox, req agent.Request) (*agent.Invocation, error) {
	close(b.started)
	select {
	case <-ctx.Done():
		b.observedCancel.Store(true)
		b.aliveOnCancel.Store(sb.Alive(context.Background()))
		return nil, ctx.Err()
	case <-b.proceed:
		return &agent.Invocation{Response: "ok"}, nil
	}
}

func TestClose_WaitsForInFlightCode(t *testing.T) {
	ag := &blockingAgent{started: make(chan struct{}), proceed: make(chan struct{})}
	m, _ := testManager(t, ag)

	sess, err := m.Start(context.Background(), StartOptions{Identity: "inflight"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	codeErr := make(chan error, 1)
	go func() {
		_, err := sess.Code(context.Background(), "long task", nil)
		codeErr <- err
	}()
	<-ag.started

	// Close must cancel the running task, wait for it to return, and only
	// then tear the sandbox down.
	if err := sess.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	err = <-codeErr
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Code = %v, want context.Canceled", err)
	}
	if !ag.observedCancel.Load() {
		t.Fatal("task never observed cancellation")
	}
	if !ag.aliveOnCancel.Load() {
		t.Error("sandbox was destroyed before the running task observed cancellation")
	}
}

func TestCleanup_WaitsForHolderWhenConfigured(t *testing.T) {
	cfg := testConfig(t)
	cfg.Lease.CleanupWaitSeconds = 10
	rt := sandbox.NewFakeRuntime()
	m, err := New(cfg, rt, nil, WithAgent(&stubAgent{}))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	sess, err := m.Start(context.Background(), StartOptions{Identity: "held"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	released := make(chan struct{})
	go func() {
		time.Sleep(50 * time.Millisecond)
		sess.Close(context.Background())
		close(released)
	}()

	// Cleanup blocks on the live lease until the holder releases it.
	if err := m.Cleanup(context.Background(), "held", true); err != nil {
		t.Fatalf("Cleanup with wait failed: %v", err)
	}
	<-released

	if m.Store().Exists("held") {
		t.Error("workspace should be removed after cleanup")
	}
}
