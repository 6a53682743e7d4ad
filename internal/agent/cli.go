package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/boxlite-ai/claudebox/internal/errors"
	"github.com/boxlite-ai/claudebox/internal/logging"
	"github.com/boxlite-ai/claudebox/internal/sandbox"
)

// agentUser is the non-root account the CLI runs under inside the sandbox.
// The CLI refuses --dangerously-skip-permissions as root, so every
// invocation goes through su.
const agentUser = "claude"

// userSetupScript creates the non-root account and opens up the workspace.
// Idempotent; safe to run on every attach.
const userSetupScript = "id -u claude >/dev/null 2>&1 || useradd -m -s /bin/bash claude; " +
	"mkdir -p /home/claude; " +
	"chown -R claude:claude /home/claude; " +
	"chmod -R 777 " + sandbox.GuestWorkspaceDir

// CLIAgent drives the Claude Code CLI over the sandbox's exec streams using
// the stream-json NDJSON protocol: the prompt goes in as a one-line JSON
// user message, responses come back line by line.
type CLIAgent struct {
	// Env is the base environment for every invocation: credentials and
	// skill variables. Values are opaque and never logged.
	Env    map[string]string
	logger *logging.Logger
}

// NewCLIAgent creates a CLIAgent. The logger may be nil.
func NewCLIAgent(env map[string]string, logger *logging.Logger) *CLIAgent {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &CLIAgent{Env: env, logger: logger.WithComponent("agent")}
}

// EnsureUser prepares the non-root account inside a freshly attached
// sandbox. A nonzero exit is logged but not fatal: the runtime image may
// ship with the account already in place.
func (a *CLIAgent) EnsureUser(ctx context.Context, sb *sandbox.Sandbox) error {
	exec, err := sb.Exec(ctx, []string{"sh", "-c", userSetupScript}, sandbox.ExecOptions{})
	if err != nil {
		return fmt.Errorf("failed to run user setup: %w", err)
	}
	go io.Copy(io.Discard, exec.Stdout())
	go io.Copy(io.Discard, exec.Stderr())

	code, err := exec.Wait(ctx)
	if err != nil {
		return fmt.Errorf("user setup did not complete: %w", err)
	}
	if code != 0 {
		a.logger.Warn("non-root user setup exited nonzero", "exit_code", code)
	}
	return nil
}

// Invoke implements Agent: one prompt, one result, over a fresh CLI
// process. Cancelling the context kills the process.
func (a *CLIAgent) Invoke(ctx context.Context, sb *sandbox.Sandbox, req Request) (*Invocation, error) {
	args := []string{
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--dangerously-skip-permissions",
		"--verbose",
	}
	if req.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(req.MaxTurns))
	}
	for _, tool := range req.AllowedTools {
		args = append(args, "--allowedTools", tool)
	}
	for _, tool := range req.DisallowedTools {
		args = append(args, "--disallowedTools", tool)
	}

	exec, err := sb.Exec(ctx, a.buildCommand(args), sandbox.ExecOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrAgentFailed, err)
	}
	defer exec.Kill()

	stderrCh := drainStderr(exec.Stderr())

	if err := writeUserMessage(exec.Stdin(), req.Prompt, "default"); err != nil {
		return nil, fmt.Errorf("%w: failed to send prompt: %v", errors.ErrAgentFailed, err)
	}

	inv := &Invocation{AgentSessionID: "default"}
	scanner := bufio.NewScanner(exec.Stdout())
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		msg, ok := parseLine(scanner.Bytes())
		if !ok {
			continue
		}
		a.record(inv, msg)
		if msg.Type == "result" {
			break
		}
	}

	exec.Stdin().Close()
	exitCode, waitErr := exec.Wait(ctx)
	if waitErr != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrAgentFailed, waitErr)
	}
	inv.ExitCode = exitCode

	if exitCode != 0 && !inv.IsError {
		inv.IsError = true
		if inv.Response == "" {
			select {
			case stderr := <-stderrCh:
				inv.Response = strings.TrimSpace(stderr)
			default:
			}
			if inv.Response == "" {
				inv.Response = fmt.Sprintf("agent exited with code %d", exitCode)
			}
		}
	}
	return inv, nil
}

// record folds one stream message into the invocation.
func (a *CLIAgent) record(inv *Invocation, msg *streamMessage) {
	now := time.Now().UTC()

	switch msg.Type {
	case "assistant":
		for _, block := range msg.Message.Content {
			switch block.Type {
			case "text":
				a.logger.Debug("agent text", "bytes", len(block.Text))
				inv.Actions = append(inv.Actions, Action{Type: "text", Text: block.Text, Time: now})
			case "tool_use":
				a.logger.Debug("agent tool use", "tool", block.Name)
				inv.Actions = append(inv.Actions, Action{Type: "tool_use", Name: block.Name, Time: now})
			}
		}
	case "user":
		for _, block := range msg.Message.Content {
			if block.Type == "tool_result" && block.IsError {
				inv.Actions = append(inv.Actions, Action{Type: "tool_error", Time: now})
			}
		}
	case "result":
		inv.Response = msg.Result
		inv.IsError = msg.IsError
		inv.CostUSD = msg.TotalCostUSD
		inv.Turns = msg.NumTurns
		inv.Duration = time.Duration(msg.DurationMS) * time.Millisecond
		if msg.SessionID != "" {
			inv.AgentSessionID = msg.SessionID
		}
	}
}

// buildCommand wraps the CLI invocation in su so it runs as the non-root
// account, with the base environment inlined into the command string (su
// resets the environment).
func (a *CLIAgent) buildCommand(args []string) []string {
	var parts []string

	keys := make([]string, 0, len(a.Env))
	for k := range a.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, k+"="+shellQuote(a.Env[k]))
	}

	parts = append(parts, "claude")
	for _, arg := range args {
		parts = append(parts, shellQuote(arg))
	}
	return []string{"su", "-c", strings.Join(parts, " "), agentUser}
}

// streamMessage is the subset of the CLI's NDJSON output the orchestrator
// reads. Unknown fields are ignored.
type streamMessage struct {
	Type    string `json:"type"`
	Message struct {
		Content []contentBlock `json:"content"`
	} `json:"message"`
	Result       string  `json:"result"`
	IsError      bool    `json:"is_error"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	DurationMS   int64   `json:"duration_ms"`
	NumTurns     int     `json:"num_turns"`
	SessionID    string  `json:"session_id"`
}

type contentBlock struct {
	Type    string `json:"type"`
	Name    string `json:"name"`
	Text    string `json:"text"`
	IsError bool   `json:"is_error"`
}

func parseLine(line []byte) (*streamMessage, bool) {
	trimmed := strings.TrimSpace(string(line))
	if trimmed == "" {
		return nil, false
	}
	var msg streamMessage
	if err := json.Unmarshal([]byte(trimmed), &msg); err != nil {
		// Non-JSON noise on stdout is skipped, matching the CLI's own
		// tolerance for interleaved output.
		return nil, false
	}
	return &msg, true
}

// writeUserMessage sends one prompt as a single NDJSON line.
func writeUserMessage(w io.Writer, prompt, sessionID string) error {
	msg := map[string]any{
		"type": "user",
		"message": map[string]any{
			"role":    "user",
			"content": prompt,
		},
		"session_id":         sessionID,
		"parent_tool_use_id": nil,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

// drainStderr consumes stderr in the background and delivers the collected
// text once the stream closes.
func drainStderr(r io.Reader) <-chan string {
	ch := make(chan string, 1)
	go func() {
		var b strings.Builder
		io.Copy(&b, r)
		ch <- b.String()
	}()
	return ch
}

// shellQuote single-quotes a value for inclusion in an sh -c string.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
