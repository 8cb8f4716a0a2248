package agent

import "github.com/localfirst/assistantgw/internal/providers"

// historyToMessages converts session transcript messages into the
// provider-facing history for a new turn. Only user and assistant
// messages are kept. A tool_result block is kept when the tool_use it
// answers appears anywhere in history and dropped otherwise; tool_result
// blocks from earlier turns are not filtered out, so with the full
// transcript passed in, earlier tool output reaches the provider again.
// See DESIGN.md Open Question decision #3.
func historyToMessages(history []providers.Message) []providers.Message {
	toolUseIDs := map[string]bool{}
	for _, m := range history {
		for _, b := range m.Content {
			if b.Type == providers.BlockToolUse {
				toolUseIDs[b.ToolUseID] = true
			}
		}
	}

	out := make([]providers.Message, 0, len(history))
	for _, m := range history {
		if m.Role != providers.RoleUser && m.Role != providers.RoleAssistant {
			continue
		}
		var kept []providers.Block
		for _, b := range m.Content {
			if b.Type == providers.BlockToolResult && !toolUseIDs[b.ToolResultForID] {
				continue
			}
			kept = append(kept, b)
		}
		if len(kept) == 0 {
			continue
		}
		out = append(out, providers.Message{Role: m.Role, Content: kept})
	}
	return out
}

func textMessage(role providers.Role, text string) providers.Message {
	return providers.Message{Role: role, Content: []providers.Block{{Type: providers.BlockText, Text: text}}}
}
