package manager

import (
	"context"
	"sync"
	"time"

	"github.com/boxlite-ai/claudebox/internal/agent"
	"github.com/boxlite-ai/claudebox/internal/errors"
	"github.com/boxlite-ai/claudebox/internal/executor"
	"github.com/boxlite-ai/claudebox/internal/lease"
	"github.com/boxlite-ai/claudebox/internal/logging"
	"github.com/boxlite-ai/claudebox/internal/sandbox"
	"github.com/boxlite-ai/claudebox/internal/workspace"
)

// Session is an attached session bound to the current process. All methods
// are safe for concurrent use; after Suspend or Close every task operation
// fails with ErrSessionClosed.
type Session struct {
	manager    *Manager
	ws         *workspace.Workspace
	meta       *workspace.Metadata
	lease      *lease.Lease
	sandbox    *sandbox.Sandbox
	exec       *executor.Executor
	logger     *logging.Logger
	persistent bool

	mu     sync.Mutex
	closed bool
	stream *agent.Stream

	// tasks tracks in-flight Code/Stream calls; release cancels taskCtx and
	// waits for them before tearing the sandbox down.
	tasks      sync.WaitGroup
	taskCtx    context.Context
	taskCancel context.CancelFunc

	renewStop chan struct{}
	renewDone chan struct{}
}

// ID returns the session identity.
func (s *Session) ID() string { return s.meta.ID }

// SandboxID returns the runtime identifier of the attached sandbox.
func (s *Session) SandboxID() string { return s.sandbox.ID() }

// Persistent reports whether the workspace outlives Close.
func (s *Session) Persistent() bool { return s.persistent }

// WorkspaceDir returns the host path of the agent-visible file tree.
func (s *Session) WorkspaceDir() string { return s.ws.TreeDir() }

// CodeOptions adjust a single Code call.
type CodeOptions struct {
	// Timeout overrides the session's task deadline.
	Timeout         time.Duration
	MaxTurns        int
	AllowedTools    []string
	DisallowedTools []string
}

// Code runs one prompt against the attached sandbox and returns the task
// result. The deadline is enforced here regardless of agent cooperation; on
// expiry the sandbox stays attached and the result status reports the
// timeout.
func (s *Session) Code(ctx context.Context, prompt string, opts *CodeOptions) (*executor.Result, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.NewSessionError("code", s.meta.ID, errors.ErrSessionClosed)
	}
	s.tasks.Add(1)
	s.mu.Unlock()
	defer s.tasks.Done()

	if opts == nil {
		opts = &CodeOptions{}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = s.taskTimeout()
	}
	maxTurns := opts.MaxTurns
	if maxTurns <= 0 {
		maxTurns = s.manager.cfg.Task.MaxTurns
	}

	req := agent.Request{
		Prompt:          prompt,
		MaxTurns:        maxTurns,
		AllowedTools:    opts.AllowedTools,
		DisallowedTools: opts.DisallowedTools,
	}

	// Joining with taskCtx lets release cancel the run; the executor waits
	// for the agent to observe cancellation before returning.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.taskCtx, cancel)
	defer stop()

	result, err := s.exec.Run(runCtx, s.sandbox, req, timeout)
	if err != nil {
		return nil, errors.NewSessionError("code", s.meta.ID, err)
	}

	s.touch()
	return result, nil
}

// Stream sends one prompt on a persistent multi-turn agent process,
// starting it on first use. Later calls continue the same conversation.
func (s *Session) Stream(ctx context.Context, prompt string) (*agent.Invocation, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.NewSessionError("stream", s.meta.ID, errors.ErrSessionClosed)
	}
	s.tasks.Add(1)
	stream := s.stream
	s.mu.Unlock()
	defer s.tasks.Done()

	if stream == nil {
		cli, ok := s.manager.agent.(*agent.CLIAgent)
		if !ok {
			return nil, errors.NewSessionError("stream", s.meta.ID,
				errors.New("configured agent does not support streaming"))
		}
		opened, err := cli.OpenStream(ctx, s.sandbox)
		if err != nil {
			return nil, errors.NewSessionError("stream", s.meta.ID, err)
		}
		s.mu.Lock()
		switch {
		case s.closed:
			// Release won the race; it will not see this stream, so close
			// it here.
			s.mu.Unlock()
			opened.Close()
			return nil, errors.NewSessionError("stream", s.meta.ID, errors.ErrSessionClosed)
		case s.stream == nil:
			s.stream = opened
		default:
			opened.Close()
		}
		stream = s.stream
		s.mu.Unlock()
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.taskCtx, cancel)
	defer stop()

	inv, err := stream.Send(runCtx, prompt)
	if err != nil {
		return nil, errors.NewSessionError("stream", s.meta.ID, err)
	}
	s.touch()
	return inv, nil
}

// Suspend releases the sandbox while keeping the workspace (and a snapshot,
// when the runtime supports one) for later reconnection. The session handle
// is closed.
func (s *Session) Suspend(ctx context.Context) error {
	return s.release(ctx, true)
}

// Close ends the session. Persistent sessions are suspended; ephemeral ones
// are destroyed and their workspace removed. Idempotent.
func (s *Session) Close(ctx context.Context) error {
	if s.persistent {
		return s.release(ctx, true)
	}
	if err := s.release(ctx, false); err != nil {
		return err
	}
	return s.manager.Cleanup(ctx, s.meta.ID, true)
}

// release performs the common transition out of attached: in-flight tasks
// cancelled and drained, stream closed, renewal stopped synchronously, the
// sandbox torn down, metadata advanced, lease freed. With suspend set the
// sandbox is snapshotted first and the session lands in suspended; otherwise
// the caller finishes teardown via Cleanup.
func (s *Session) release(ctx context.Context, suspend bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	stream := s.stream
	s.stream = nil
	s.mu.Unlock()

	// In-flight tasks must observe cancellation and return before the
	// sandbox goes away; closing the stream unblocks a Send waiting on
	// agent output. The lease stays renewed until they drain.
	s.taskCancel()
	if stream != nil {
		stream.Close()
	}
	s.tasks.Wait()

	// Renewal must be fully stopped before the lease changes hands.
	s.stopRenewal()

	var firstErr error
	if suspend {
		ref, err := s.sandbox.Suspend(ctx)
		switch {
		case err == nil:
			s.meta.SnapshotRef = ref
		case errors.Is(err, errors.ErrSnapshotUnsupported):
			// The workspace on disk is the source of truth; reconnect
			// reprovisions from it.
			s.meta.SnapshotRef = ""
		default:
			firstErr = err
			if destroyErr := s.sandbox.Destroy(ctx); destroyErr != nil {
				s.logger.Error("failed to destroy sandbox after suspend failure", "error", destroyErr)
			}
		}

		s.meta.State = workspace.StateSuspended
		s.meta.SandboxID = ""
		if bytes, files, err := s.ws.Usage(); err == nil {
			s.meta.SizeBytes = bytes
			s.meta.FileCount = files
		}
		s.meta.Touch()
		if err := s.ws.SaveMetadata(s.meta); err != nil && firstErr == nil {
			firstErr = err
		}
	} else {
		if err := s.sandbox.Destroy(ctx); err != nil {
			firstErr = err
		}
	}

	if err := s.lease.Release(); err != nil && firstErr == nil {
		firstErr = err
	}

	if firstErr != nil {
		return errors.NewSessionError("close", s.meta.ID, firstErr)
	}
	s.logger.Info("session released", "suspended", suspend)
	return nil
}

// startRenewal keeps the lease fresh while the session is attached.
func (s *Session) startRenewal() {
	s.renewStop = make(chan struct{})
	s.renewDone = make(chan struct{})

	interval := s.manager.cfg.Lease.RenewInterval()
	go func() {
		defer close(s.renewDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.renewStop:
				return
			case <-ticker.C:
				if err := s.lease.Renew(); err != nil {
					// The lease was lost; the session is no longer
					// exclusive and must not keep running silently.
					s.logger.Error("lease renewal failed", "error", err)
					return
				}
			}
		}
	}()
}

// stopRenewal cancels the renewal goroutine and waits for it to exit.
func (s *Session) stopRenewal() {
	if s.renewStop == nil {
		return
	}
	select {
	case <-s.renewStop:
	default:
		close(s.renewStop)
	}
	<-s.renewDone
}

func (s *Session) taskTimeout() time.Duration {
	if len(s.meta.Policy) > 0 {
		if pol, err := s.manager.sessionPolicy(s.meta, nil); err == nil && pol.Resources.TaskTimeout > 0 {
			return pol.Resources.TaskTimeout
		}
	}
	return s.manager.cfg.Task.DefaultTimeout()
}

func (s *Session) touch() {
	s.meta.Touch()
	if err := s.ws.SaveMetadata(s.meta); err != nil {
		s.logger.Warn("failed to record session activity", "error", err)
	}
}
