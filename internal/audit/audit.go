// Package audit provides an append-only audit log and the secret
// redaction boundary tool output passes through before being written
// anywhere durable or echoed back to a client. The redaction regex set
// itself is intentionally minimal: the spec treats the complete
// pattern set as out of scope, only requiring the boundary to exist
// and to be idempotent.
package audit

import (
	"encoding/json"
	"os"
	"regexp"
	"sync"
	"time"
)

// Entry is one append-only audit record.
type Entry struct {
	At        time.Time `json:"at"`
	Kind      string    `json:"kind"`
	Detail    string    `json:"detail"`
	RunID     string    `json:"runId,omitempty"`
	SessionID string    `json:"sessionId,omitempty"`
	ToolName  string    `json:"toolName,omitempty"`
}

// Log is a best-effort append-only JSONL writer; a write failure is
// returned to the caller, which logs or ignores it, and never aborts
// the operation being audited.
type Log struct {
	mu   sync.Mutex
	path string
}

func NewLog(path string) *Log {
	return &Log{path: path}
}

func (l *Log) Append(e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	e.At = time.Now()
	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

// Redactor strips secret-shaped substrings from text before it is
// persisted or displayed. filter(filter(x)) == filter(x) for any x:
// every pattern below replaces a match with a fixed placeholder that
// does not itself match any pattern.
type Redactor struct {
	patterns []*regexp.Regexp
}

var defaultPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-ant-[A-Za-z0-9_-]{20,}`),
	regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`),
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._-]{10,}`),
	regexp.MustCompile(`(?i)(api[_-]?key|token|secret|password)\s*[:=]\s*["']?[^\s"']{6,}`),
}

func NewRedactor() *Redactor {
	return &Redactor{patterns: defaultPatterns}
}

const redactedPlaceholder = "[REDACTED]"

func (r *Redactor) Filter(s string) string {
	for _, p := range r.patterns {
		s = p.ReplaceAllString(s, redactedPlaceholder)
	}
	return s
}
