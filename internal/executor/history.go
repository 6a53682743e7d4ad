package executor

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/boxlite-ai/claudebox/internal/agent"
)

// HistoryFileName is the per-session action trace log.
const HistoryFileName = "history.jsonl"

// HistoryRecord is one line of the trace log: a completed task with
// everything needed for downstream reward or trajectory export.
type HistoryRecord struct {
	Time     time.Time      `json:"time"`
	Prompt   string         `json:"prompt"`
	Status   Status         `json:"status"`
	Response string         `json:"response"`
	Trace    []agent.Action `json:"trace,omitempty"`
	Usage    Usage          `json:"usage"`
	Reward   float64        `json:"reward,omitempty"`
}

// History appends task records to a JSONL file. Safe for concurrent use.
type History struct {
	path string
	mu   sync.Mutex
}

// NewHistory creates a History writing to the given path.
func NewHistory(path string) *History {
	return &History{path: path}
}

// Path returns the trace log location.
func (h *History) Path() string { return h.path }

// Append writes one completed task as a single JSON line.
func (h *History) Append(prompt string, result *Result) error {
	rec := HistoryRecord{
		Time:     time.Now().UTC(),
		Prompt:   prompt,
		Status:   result.Status,
		Response: result.Response,
		Trace:    result.Trace,
		Usage:    result.Usage,
		Reward:   result.Reward,
	}
	data, err := json.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("failed to marshal history record: %w", err)
	}
	data = append(data, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()

	f, err := os.OpenFile(h.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open history log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("failed to append history record: %w", err)
	}
	return nil
}

// Read loads every record in the trace log. A missing log is an empty
// history, not an error; unparseable lines are skipped.
func (h *History) Read() ([]HistoryRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	f, err := os.Open(h.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open history log: %w", err)
	}
	defer f.Close()

	var records []HistoryRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var rec HistoryRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read history log: %w", err)
	}
	return records, nil
}
