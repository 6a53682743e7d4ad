package executor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/boxlite-ai/claudebox/internal/agent"
	"github.com/boxlite-ai/claudebox/internal/config"
	"github.com/boxlite-ai/claudebox/internal/errors"
	"github.com/boxlite-ai/claudebox/internal/sandbox"
)

// stubAgent lets tests control the invocation outcome directly.
type stubAgent struct {
	inv   *agent.Invocation
	err   error
	delay time.Duration
}

func (s *stubAgent) Invoke(ctx context.Context, sb *sandbox.Sandbox, req agent.Request) (*agent.Invocation, error) {
	if s.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.delay):
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.inv, nil
}

func testSandbox(t *testing.T) (*sandbox.Sandbox, *sandbox.FakeRuntime) {
	t.Helper()
	rt := sandbox.NewFakeRuntime()
	d := sandbox.NewDriver(rt, config.Provision{MaxRetries: 0, BackoffMs: 1}, nil)
	sb, err := d.Provision(context.Background(), sandbox.Spec{SessionID: "s1"})
	if err != nil {
		t.Fatalf("Provision failed: %v", err)
	}
	t.Cleanup(func() { sb.Destroy(context.Background()) })
	return sb, rt
}

func TestRun_Succeeded(t *testing.T) {
	sb, _ := testSandbox(t)
	a := &stubAgent{inv: &agent.Invocation{
		Response: "all done",
		Actions:  []agent.Action{{Type: "text", Text: "all done"}},
		CostUSD:  0.01,
		Turns:    2,
	}}

	result, err := New(a, nil).Run(context.Background(), sb, agent.Request{Prompt: "p"}, time.Minute)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Status != StatusSucceeded {
		t.Errorf("Status = %s", result.Status)
	}
	if result.Response != "all done" || len(result.Trace) != 1 {
		t.Errorf("result = %+v", result)
	}
	if result.Usage.CostUSD != 0.01 || result.Usage.Turns != 2 {
		t.Errorf("Usage = %+v", result.Usage)
	}
	if result.Duration <= 0 {
		t.Error("Duration should be measured")
	}
}

func TestRun_AgentErrorIsFailedStatus(t *testing.T) {
	sb, _ := testSandbox(t)
	a := &stubAgent{inv: &agent.Invocation{Response: "broke", IsError: true}}

	result, err := New(a, nil).Run(context.Background(), sb, agent.Request{Prompt: "p"}, time.Minute)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Status != StatusFailed {
		t.Errorf("Status = %s", result.Status)
	}
}

func TestRun_TimeoutLeavesSandboxAttached(t *testing.T) {
	sb, rt := testSandbox(t)
	a := &stubAgent{delay: 10 * time.Second}

	start := time.Now()
	result, err := New(a, nil).Run(context.Background(), sb, agent.Request{Prompt: "p"}, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Status != StatusTimedOut {
		t.Errorf("Status = %s, want timed-out", result.Status)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("deadline not enforced externally, took %v", elapsed)
	}

	// The sandbox must survive the timeout for inspection and retry.
	if !sb.Alive(context.Background()) {
		t.Error("sandbox should stay attached after a timeout")
	}
	if rt.DestroyCalls != 0 {
		t.Errorf("DestroyCalls = %d, want 0", rt.DestroyCalls)
	}
}

func TestRun_CallerCancellationIsNotATimeout(t *testing.T) {
	sb, _ := testSandbox(t)
	a := &stubAgent{delay: 10 * time.Second}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := New(a, nil).Run(ctx, sb, agent.Request{Prompt: "p"}, time.Minute)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Run = %v, want context.Canceled", err)
	}
}

func TestRun_RuntimeRejectionIsPolicyDenied(t *testing.T) {
	sb, _ := testSandbox(t)
	a := &stubAgent{err: errors.NewSandboxError("exec", "b1", errors.ErrRuntimeRejected)}

	result, err := New(a, nil).Run(context.Background(), sb, agent.Request{Prompt: "p"}, time.Minute)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Status != StatusPolicyDenied {
		t.Errorf("Status = %s, want policy-denied", result.Status)
	}
}

func TestRun_RewardApplied(t *testing.T) {
	sb, _ := testSandbox(t)
	a := &stubAgent{inv: &agent.Invocation{Response: "ok"}}

	exec := New(a, nil).WithReward(func(r *Result) float64 {
		if r.Status == StatusSucceeded {
			return 1.0
		}
		return 0
	})

	result, err := exec.Run(context.Background(), sb, agent.Request{Prompt: "p"}, time.Minute)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !result.HasReward || result.Reward != 1.0 {
		t.Errorf("reward = (%v, %v)", result.Reward, result.HasReward)
	}
}

func TestRun_HistoryAppended(t *testing.T) {
	sb, _ := testSandbox(t)
	a := &stubAgent{inv: &agent.Invocation{
		Response: "ok",
		Actions:  []agent.Action{{Type: "tool_use", Name: "Write"}},
	}}

	h := NewHistory(filepath.Join(t.TempDir(), HistoryFileName))
	exec := New(a, nil).WithHistory(h)

	for _, prompt := range []string{"first", "second"} {
		if _, err := exec.Run(context.Background(), sb, agent.Request{Prompt: prompt}, time.Minute); err != nil {
			t.Fatalf("Run failed: %v", err)
		}
	}

	records, err := h.Read()
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}
	if records[0].Prompt != "first" || records[1].Prompt != "second" {
		t.Errorf("prompts = %q, %q", records[0].Prompt, records[1].Prompt)
	}
	if records[0].Status != StatusSucceeded || len(records[0].Trace) != 1 {
		t.Errorf("record = %+v", records[0])
	}
}

func TestHistory_ReadMissingFile(t *testing.T) {
	h := NewHistory(filepath.Join(t.TempDir(), "absent.jsonl"))
	records, err := h.Read()
	if err != nil || records != nil {
		t.Errorf("Read on missing log = (%v, %v)", records, err)
	}
}
