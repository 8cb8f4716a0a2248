// Package memory answers the memory.search RPC with a plain
// substring scan over session transcripts. The real embeddings
// indexer is an explicit out-of-scope external collaborator; this
// keeps the RPC contract honest without pretending to implement it.
package memory

import (
	"strings"

	"github.com/localfirst/assistantgw/internal/providers"
	"github.com/localfirst/assistantgw/internal/session"
)

// Hit is one matching message.
type Hit struct {
	SessionID string `json:"sessionId"`
	Text      string `json:"text"`
}

type Searcher struct {
	store session.Store
}

func NewSearcher(store session.Store) *Searcher {
	return &Searcher{store: store}
}

// Search scans every session's transcript for msg text containing
// query (case-insensitive), returning at most limit hits.
func (s *Searcher) Search(query string, limit int) ([]Hit, error) {
	if limit <= 0 {
		limit = 20
	}
	needle := strings.ToLower(query)

	var hits []Hit
	for _, sess := range s.store.List() {
		history, err := s.store.History(sess.ID)
		if err != nil {
			continue
		}
		for _, msg := range history {
			if containsText(msg, needle) {
				hits = append(hits, Hit{SessionID: sess.ID, Text: flatten(msg)})
				if len(hits) >= limit {
					return hits, nil
				}
			}
		}
	}
	return hits, nil
}

func containsText(msg providers.Message, needle string) bool {
	return strings.Contains(strings.ToLower(flatten(msg)), needle)
}

func flatten(msg providers.Message) string {
	var b strings.Builder
	for _, blk := range msg.Content {
		if blk.Type == providers.BlockText {
			b.WriteString(blk.Text)
		}
	}
	return b.String()
}
