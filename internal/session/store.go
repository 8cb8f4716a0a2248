package session

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/localfirst/assistantgw/internal/providers"
)

// Store manages session metadata and transcripts.
type Store interface {
	Create(label string) (*Session, error)
	Get(id string) (*Session, bool)
	List() []*Session
	SetLabel(id, label string) error
	Touch(id string, usage providers.Usage, model, provider string) error

	AppendMessage(id string, msg providers.Message) error
	AppendRunEvent(id, runID, status, errMsg string) error
	History(id string) ([]providers.Message, error)

	Delete(id string) error
}

// FileStore is the on-disk Store: one <id>.meta.json sidecar plus one
// <id>.jsonl transcript per session, under root/sessions.
type FileStore struct {
	mu   sync.Mutex
	root string

	cache map[string]*Session
}

func NewFileStore(root string) (*FileStore, error) {
	dir := filepath.Join(root, "sessions")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	fs := &FileStore{root: dir, cache: map[string]*Session{}}
	fs.loadAll()
	return fs, nil
}

func (fs *FileStore) metaPath(id string) string {
	return filepath.Join(fs.root, id+".meta.json")
}

func (fs *FileStore) transcriptPath(id string) string {
	return filepath.Join(fs.root, id+".jsonl")
}

// loadAll populates the in-memory cache from disk, silently skipping
// directories, non-sidecar files, and anything that fails to parse —
// the same tolerance the teacher's sessions.Manager.loadAll applies.
func (fs *FileStore) loadAll() {
	entries, err := os.ReadDir(fs.root)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(fs.root, e.Name()))
		if err != nil {
			continue
		}
		var s Session
		if err := json.Unmarshal(data, &s); err != nil {
			continue
		}
		fs.cache[s.ID] = &s
	}
}

func (fs *FileStore) Create(label string) (*Session, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	now := time.Now()
	s := &Session{
		ID:      uuid.NewString(),
		Label:   label,
		Created: now,
		Updated: now,
	}
	if err := fs.save(s); err != nil {
		return nil, err
	}
	fs.cache[s.ID] = s
	return s, nil
}

func (fs *FileStore) Get(id string) (*Session, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	s, ok := fs.cache[id]
	return s, ok
}

func (fs *FileStore) List() []*Session {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	out := make([]*Session, 0, len(fs.cache))
	for _, s := range fs.cache {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created.After(out[j].Created) })
	return out
}

func (fs *FileStore) SetLabel(id, label string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	s, ok := fs.cache[id]
	if !ok {
		return fmt.Errorf("session %s not found", id)
	}
	s.Label = label
	s.Updated = time.Now()
	return fs.save(s)
}

func (fs *FileStore) Touch(id string, usage providers.Usage, model, provider string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	s, ok := fs.cache[id]
	if !ok {
		return fmt.Errorf("session %s not found", id)
	}
	s.InputTokens += usage.InputTokens
	s.OutputTokens += usage.OutputTokens
	if model != "" {
		s.Model = model
	}
	if provider != "" {
		s.Provider = provider
	}
	s.Updated = time.Now()
	return fs.save(s)
}

func (fs *FileStore) Delete(id string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	delete(fs.cache, id)
	_ = os.Remove(fs.metaPath(id))
	_ = os.Remove(fs.transcriptPath(id))
	return nil
}

// save writes the sidecar atomically: temp file, fsync, rename — the
// same pattern as the teacher's sessions.Manager.Save.
func (fs *FileStore) save(s *Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(fs.root, s.ID+".meta.*.tmp")
	if err != nil {
		return err
	}
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmp.Name())
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), fs.metaPath(s.ID)); err != nil {
		return err
	}
	cleanup = false
	return nil
}

func (fs *FileStore) AppendMessage(id string, msg providers.Message) error {
	return fs.appendTranscript(id, TranscriptEvent{Type: TranscriptMessage, At: time.Now(), Message: &msg})
}

func (fs *FileStore) AppendRunEvent(id, runID, status, errMsg string) error {
	return fs.appendTranscript(id, TranscriptEvent{Type: TranscriptRun, At: time.Now(), RunID: runID, Status: status, Err: errMsg})
}

func (fs *FileStore) appendTranscript(id string, ev TranscriptEvent) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	line, err := marshalLine(ev)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(fs.transcriptPath(id), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(line); err != nil {
		return err
	}
	return f.Sync()
}

// History replays the transcript into a Message slice, discarding a
// malformed trailing line (the product of a process that died mid
// write) rather than failing the whole read.
func (fs *FileStore) History(id string) ([]providers.Message, error) {
	data, err := os.ReadFile(fs.transcriptPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var msgs []providers.Message
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var ev TranscriptEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			// Malformed line (typically a partial trailing write):
			// skipped silently wherever it occurs.
			continue
		}
		if ev.Type == TranscriptMessage && ev.Message != nil {
			msgs = append(msgs, *ev.Message)
		}
	}
	return msgs, nil
}
