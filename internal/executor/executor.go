// Package executor runs agent invocations against an attached sandbox under
// a hard wall-clock deadline. The deadline is enforced at this layer,
// independent of the agent's own cooperation: when it expires the invocation
// is cancelled, the sandbox is left attached for inspection or retry, and
// the result reports the timeout as a distinct status.
package executor

import (
	"context"
	"time"

	"github.com/boxlite-ai/claudebox/internal/agent"
	"github.com/boxlite-ai/claudebox/internal/errors"
	"github.com/boxlite-ai/claudebox/internal/logging"
	"github.com/boxlite-ai/claudebox/internal/sandbox"
)

// Status classifies one task outcome.
type Status string

const (
	StatusSucceeded    Status = "succeeded"
	StatusFailed       Status = "failed"
	StatusTimedOut     Status = "timed-out"
	StatusPolicyDenied Status = "policy-denied"
)

// Usage is the resource consumption observed for one task, as reported by
// the agent.
type Usage struct {
	CostUSD       float64       `json:"cost_usd"`
	Turns         int           `json:"turns"`
	AgentDuration time.Duration `json:"agent_duration_ns"`
}

// Result is the outcome of one task. Immutable once produced; owned by the
// caller.
type Result struct {
	Status   Status         `json:"status"`
	Response string         `json:"response"`
	Trace    []agent.Action `json:"trace,omitempty"`
	Usage    Usage          `json:"usage"`
	Duration time.Duration  `json:"duration_ns"`

	// Reward is set by the configured RewardFn, if any.
	Reward    float64 `json:"reward,omitempty"`
	HasReward bool    `json:"has_reward,omitempty"`
}

// RewardFn scores a completed task for trajectory export.
type RewardFn func(*Result) float64

// Executor runs tasks through an Agent.
type Executor struct {
	agent    agent.Agent
	rewardFn RewardFn
	history  *History
	logger   *logging.Logger
}

// New creates an Executor. The logger may be nil.
func New(a agent.Agent, logger *logging.Logger) *Executor {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Executor{agent: a, logger: logger.WithComponent("executor")}
}

// WithReward sets the reward function applied to every completed result.
func (e *Executor) WithReward(fn RewardFn) *Executor {
	e.rewardFn = fn
	return e
}

// WithHistory appends every completed task to the given trace log.
func (e *Executor) WithHistory(h *History) *Executor {
	e.history = h
	return e
}

// Run executes one task with a hard deadline. The error return is reserved
// for orchestration failures (sandbox gone, trace log unwritable); agent
// failures and timeouts are reported through the result status so upstream
// retry logic can tell them apart.
func (e *Executor) Run(ctx context.Context, sb *sandbox.Sandbox, req agent.Request, timeout time.Duration) (*Result, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()

	type outcome struct {
		inv *agent.Invocation
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		inv, err := e.agent.Invoke(runCtx, sb, req)
		done <- outcome{inv, err}
	}()

	var result *Result
	select {
	case <-runCtx.Done():
		// The cancelled context tears the agent process down; the sandbox
		// itself stays attached.
		<-done
		result = &Result{
			Status:   StatusTimedOut,
			Response: "task exceeded deadline of " + timeout.String(),
			Duration: time.Since(start),
		}
		if ctx.Err() != nil {
			// The caller's own context ended, not the task deadline.
			return nil, ctx.Err()
		}
		e.logger.Warn("task timed out", "timeout", timeout.String())
	case out := <-done:
		if out.err != nil {
			if errors.Is(out.err, errors.ErrRuntimeRejected) {
				result = &Result{
					Status:   StatusPolicyDenied,
					Response: out.err.Error(),
					Duration: time.Since(start),
				}
				break
			}
			return nil, out.err
		}
		result = e.resultFrom(out.inv, time.Since(start))
	}

	if e.rewardFn != nil {
		result.Reward = e.rewardFn(result)
		result.HasReward = true
	}

	if e.history != nil {
		if err := e.history.Append(req.Prompt, result); err != nil {
			e.logger.Error("failed to append task history", "error", err)
		}
	}

	e.logger.Info("task finished",
		"status", string(result.Status),
		"duration", result.Duration.String(),
		"turns", result.Usage.Turns,
	)
	return result, nil
}

func (e *Executor) resultFrom(inv *agent.Invocation, elapsed time.Duration) *Result {
	status := StatusSucceeded
	if inv.IsError || inv.ExitCode != 0 {
		status = StatusFailed
	}
	return &Result{
		Status:   status,
		Response: inv.Response,
		Trace:    inv.Actions,
		Usage: Usage{
			CostUSD:       inv.CostUSD,
			Turns:         inv.Turns,
			AgentDuration: inv.Duration,
		},
		Duration: elapsed,
	}
}
