package providers

import "context"

// Echo is a dependency-free Provider used in tests: it replays the
// last user message as a single text delta and never calls a tool.
// It exists so the agent turn runner can be tested without a live
// network call, the same role the teacher's unit tests give a fake
// provider.
type Echo struct{}

func (Echo) Name() string         { return "echo" }
func (Echo) DefaultModel() string { return "echo-1" }

func (Echo) Stream(req ChatRequest) (EventStream, error) {
	var lastText string
	for _, m := range req.Messages {
		if m.Role != RoleUser {
			continue
		}
		for _, b := range m.Content {
			if b.Type == BlockText {
				lastText = b.Text
			}
		}
	}

	s, _ := newChanStream(context.Background())
	go func() {
		defer s.close()
		s.emit(ChatEvent{Type: EventDelta, TextDelta: lastText})
		s.emit(ChatEvent{Type: EventFinal, Usage: &Usage{InputTokens: int64(len(lastText)), OutputTokens: int64(len(lastText))}})
	}()
	return s, nil
}
