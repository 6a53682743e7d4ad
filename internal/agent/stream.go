package agent

import (
	"bufio"
	"context"
	"fmt"
	"sync"

	"github.com/boxlite-ai/claudebox/internal/errors"
	"github.com/boxlite-ai/claudebox/internal/sandbox"
)

// Stream is a persistent CLI process reused across turns, preserving the
// agent's conversation context between prompts. Concurrent Send calls are
// serialized; Close may be called at any time, including while a Send is
// blocked on agent output, and unblocks it by killing the process.
type Stream struct {
	agent   *CLIAgent
	exec    sandbox.Execution
	scanner *bufio.Scanner

	// sendMu serializes Send calls; mu guards the fields below and is never
	// held across blocking reads, so Close cannot deadlock against Send.
	sendMu sync.Mutex

	mu        sync.Mutex
	sessionID string
	closed    bool
}

// OpenStream starts the CLI in multi-turn stream mode.
func (a *CLIAgent) OpenStream(ctx context.Context, sb *sandbox.Sandbox) (*Stream, error) {
	args := []string{
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--dangerously-skip-permissions",
		"--verbose",
	}

	exec, err := sb.Exec(ctx, a.buildCommand(args), sandbox.ExecOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrAgentFailed, err)
	}

	scanner := bufio.NewScanner(exec.Stdout())
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	return &Stream{
		agent:     a,
		exec:      exec,
		scanner:   scanner,
		sessionID: "default",
	}, nil
}

// Send delivers one prompt on the stream and collects messages until the
// agent reports a result. The agent's own session ID is tracked so the next
// turn continues the same conversation.
func (s *Stream) Send(ctx context.Context, prompt string) (*Invocation, error) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.mu.Lock()
	closed := s.closed
	sessionID := s.sessionID
	s.mu.Unlock()
	if closed {
		return nil, errors.ErrSessionClosed
	}

	if err := writeUserMessage(s.exec.Stdin(), prompt, sessionID); err != nil {
		return nil, fmt.Errorf("%w: failed to send prompt: %v", errors.ErrAgentFailed, err)
	}

	inv := &Invocation{AgentSessionID: sessionID}
	for s.scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		msg, ok := parseLine(s.scanner.Bytes())
		if !ok {
			continue
		}
		if msg.SessionID != "" {
			s.mu.Lock()
			s.sessionID = msg.SessionID
			s.mu.Unlock()
		}
		s.agent.record(inv, msg)
		if msg.Type == "result" {
			return inv, nil
		}
	}

	s.mu.Lock()
	closed = s.closed
	s.mu.Unlock()
	if closed {
		return nil, errors.ErrSessionClosed
	}
	if err := s.scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: stream read failed: %v", errors.ErrAgentFailed, err)
	}
	return nil, fmt.Errorf("%w: stream ended without a result", errors.ErrAgentFailed)
}

// SessionID returns the agent's current conversation identifier.
func (s *Stream) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Close ends the stream and kills the CLI process. Idempotent.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.exec.Stdin().Close()
	return s.exec.Kill()
}
