// Package agent is the boundary to the coding agent running inside a
// sandbox. The orchestrator treats the agent as an opaque, long-running,
// cancellable collaborator: it sends a prompt, receives a structured result,
// and never interprets the agent's reasoning.
//
// Authentication material is plumbed through as opaque environment values
// and is never inspected or logged.
package agent

import (
	"context"
	"os"
	"time"

	"github.com/boxlite-ai/claudebox/internal/sandbox"
)

// Environment variables carrying agent credentials. The OAuth token is
// preferred; the API key is the fallback.
const (
	EnvOAuthToken = "CLAUDE_CODE_OAUTH_TOKEN"
	EnvAPIKey     = "ANTHROPIC_API_KEY"
)

// Agent runs one prompt against a sandbox and reports what happened.
type Agent interface {
	Invoke(ctx context.Context, sb *sandbox.Sandbox, req Request) (*Invocation, error)
}

// Request is one prompt plus the per-invocation agent settings.
type Request struct {
	Prompt string
	// MaxTurns bounds the agent's internal loop; zero means no bound.
	MaxTurns        int
	AllowedTools    []string
	DisallowedTools []string
}

// Action is one observable step the agent took, recorded for the trace.
type Action struct {
	Type string    `json:"type"` // "text", "tool_use", "tool_error"
	Name string    `json:"name,omitempty"`
	Text string    `json:"text,omitempty"`
	Time time.Time `json:"time"`
}

// Invocation is the outcome of one agent run. Immutable once produced.
type Invocation struct {
	Response string
	Actions  []Action
	IsError  bool
	ExitCode int

	// Usage as reported by the agent itself.
	CostUSD  float64
	Turns    int
	Duration time.Duration

	// AgentSessionID is the agent's own conversation identifier, used to
	// preserve context across turns on a stream.
	AgentSessionID string
}

// AuthEnv collects the agent credentials from the host environment,
// preferring the OAuth token over the API key. Values are opaque; callers
// must never log them. Explicit non-empty arguments win over the
// environment.
func AuthEnv(oauthToken, apiKey string) map[string]string {
	if oauthToken == "" {
		oauthToken = os.Getenv(EnvOAuthToken)
	}
	if apiKey == "" {
		apiKey = os.Getenv(EnvAPIKey)
	}

	env := make(map[string]string, 1)
	switch {
	case oauthToken != "":
		env[EnvOAuthToken] = oauthToken
	case apiKey != "":
		env[EnvAPIKey] = apiKey
	}
	return env
}
