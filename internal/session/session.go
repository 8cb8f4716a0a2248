// Package session persists conversation sessions as a metadata
// sidecar file plus an append-only JSONL transcript, the filesystem
// layout spec'd in §6. Writes to the two files are not atomic with
// respect to each other; reads tolerate a malformed trailing
// transcript line (a partially-flushed final record) by discarding it.
package session

import (
	"encoding/json"
	"time"

	"github.com/localfirst/assistantgw/internal/providers"
)

// Session is the metadata sidecar content.
type Session struct {
	ID       string    `json:"id"`
	Label    string    `json:"label,omitempty"`
	Model    string    `json:"model,omitempty"`
	Provider string    `json:"provider,omitempty"`
	Created  time.Time `json:"created"`
	Updated  time.Time `json:"updated"`

	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
}

// TranscriptEventType discriminates one line of the transcript file.
type TranscriptEventType string

const (
	TranscriptMessage TranscriptEventType = "message"
	TranscriptRun     TranscriptEventType = "run"
)

// TranscriptEvent is one JSONL line. Exactly the fields relevant to
// Type are populated.
type TranscriptEvent struct {
	Type TranscriptEventType `json:"type"`
	At   time.Time           `json:"at"`

	Message *providers.Message `json:"message,omitempty"`

	RunID  string `json:"runId,omitempty"`
	Status string `json:"status,omitempty"` // "completed" | "failed"
	Err    string `json:"err,omitempty"`
}

func marshalLine(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}
