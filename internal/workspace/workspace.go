// Package workspace reads the per-agent markdown files that describe
// an agent's persona, tool policy, and schedule, alongside the
// on-disk workspace directory tools operate against.
package workspace

import (
	"os"
	"path/filepath"
	"strings"
)

// Workspace resolves paths and reads the four workspace markdown
// documents: AGENTS.md (agent roster/persona), SOUL.md (system
// prompt), TOOLS.md (tool policy notes), SCHEDULER.md (human-readable
// schedule notes, not parsed, just surfaced to the model).
type Workspace struct {
	Root string
}

func New(root string) *Workspace {
	return &Workspace{Root: root}
}

// Path returns rel joined onto the workspace root, rejecting any
// attempt to escape it via "..".
func (w *Workspace) Path(rel string) (string, error) {
	if !filepath.IsLocal(rel) {
		return "", os.ErrPermission
	}
	return filepath.Join(w.Root, rel), nil
}

func (w *Workspace) readOptional(name string) (string, error) {
	path := filepath.Join(w.Root, name)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return string(data), nil
}

func (w *Workspace) Agents() (string, error)   { return w.readOptional("AGENTS.md") }
func (w *Workspace) Soul() (string, error)     { return w.readOptional("SOUL.md") }
func (w *Workspace) Tools() (string, error)    { return w.readOptional("TOOLS.md") }
func (w *Workspace) Scheduler() (string, error) { return w.readOptional("SCHEDULER.md") }

// AgentDef is one parsed "## <id>" section of AGENTS.md: the
// provider/model reference bound under it and the surrounding prose
// describing the agent.
type AgentDef struct {
	ID          string
	ModelRef    string // as written after "Model:", e.g. "anthropic/claude-sonnet-4-20250514"
	Description string
}

// ParseAgents scans AGENTS.md for second-level headings ("## <id>")
// and, under each, the first "Model: <provider>/<model>" line; any
// other non-blank line in that section is folded into Description.
// Tolerant of arbitrary surrounding prose and headings of other
// levels, per spec §6.
func ParseAgents(md string) []AgentDef {
	var defs []AgentDef
	var cur *AgentDef
	var desc []string

	flush := func() {
		if cur != nil {
			cur.Description = strings.TrimSpace(strings.Join(desc, " "))
			defs = append(defs, *cur)
		}
	}

	for _, line := range strings.Split(md, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "## ") {
			flush()
			id := strings.TrimSpace(strings.TrimPrefix(trimmed, "## "))
			cur = &AgentDef{ID: id}
			desc = nil
			continue
		}
		if cur == nil {
			continue
		}
		if rest, ok := strings.CutPrefix(trimmed, "Model:"); ok && cur.ModelRef == "" {
			cur.ModelRef = strings.TrimSpace(rest)
			continue
		}
		if trimmed != "" {
			desc = append(desc, trimmed)
		}
	}
	flush()
	return defs
}

// Ensure creates the workspace directory and its session subdirectory
// if they do not already exist.
func (w *Workspace) Ensure() error {
	if err := os.MkdirAll(w.Root, 0o755); err != nil {
		return err
	}
	return os.MkdirAll(filepath.Join(w.Root, "sessions"), 0o755)
}
