package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// Anthropic adapts anthropic-sdk-go's message stream to the ChatEvent
// contract: content-block deltas become EventDelta/EventToolCall,
// a malformed accumulated tool_use JSON fragment falls back to "{}"
// rather than failing the turn.
type Anthropic struct {
	client anthropic.Client
	model  string
}

func NewAnthropic(apiKey, model string) *Anthropic {
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}
	return &Anthropic{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

func (a *Anthropic) Name() string         { return "anthropic" }
func (a *Anthropic) DefaultModel() string { return a.model }

func (a *Anthropic) Stream(req ChatRequest) (EventStream, error) {
	model := req.Model
	if model == "" {
		model = a.model
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: 8192,
		System:    []anthropic.TextBlockParam{{Text: req.System}},
		Messages:  toAnthropicMessages(req.Messages),
		Tools:     toAnthropicTools(req.Tools),
	}

	s, cctx := newChanStream(context.Background())
	go func() {
		defer s.close()

		stream := a.client.Messages.NewStreaming(cctx, params)

		var toolBuf bytes.Buffer
		var toolID, toolName string
		inTool := false
		var usage Usage

		for stream.Next() {
			event := stream.Current()
			switch v := event.AsAny().(type) {
			case anthropic.ContentBlockStartEvent:
				if tu := v.ContentBlock.OfToolUse; tu != nil {
					inTool = true
					toolID = tu.ID
					toolName = tu.Name
					toolBuf.Reset()
				}
			case anthropic.ContentBlockDeltaEvent:
				if d := v.Delta.OfText; d != nil {
					s.emit(ChatEvent{Type: EventDelta, TextDelta: d.Text})
				}
				if d := v.Delta.OfInputJSON; d != nil {
					toolBuf.WriteString(d.PartialJSON)
				}
			case anthropic.ContentBlockStopEvent:
				if inTool {
					raw := toolBuf.Bytes()
					if !json.Valid(raw) {
						raw = []byte("{}")
					}
					s.emit(ChatEvent{Type: EventToolCall, ToolCallID: toolID, ToolName: toolName, Input: raw})
					inTool = false
				}
			case anthropic.MessageDeltaEvent:
				usage.OutputTokens = int64(v.Usage.OutputTokens)
			}
		}
		if err := stream.Err(); err != nil {
			s.emit(ChatEvent{Type: EventError, Err: fmt.Errorf("anthropic stream: %w", err)})
			return
		}
		s.emit(ChatEvent{Type: EventFinal, Usage: &usage})
	}()
	return s, nil
}

func toAnthropicMessages(msgs []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		var blocks []anthropic.ContentBlockParamUnion
		for _, b := range m.Content {
			switch b.Type {
			case BlockText:
				blocks = append(blocks, anthropic.NewTextBlock(b.Text))
			case BlockToolUse:
				var input any
				_ = json.Unmarshal(b.ToolInput, &input)
				blocks = append(blocks, anthropic.NewToolUseBlock(b.ToolUseID, input, b.ToolName))
			case BlockToolResult:
				blocks = append(blocks, anthropic.NewToolResultBlock(b.ToolResultForID, b.Content, b.IsError))
			}
		}
		if m.Role == RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	return out
}

func toAnthropicTools(tools []ToolDefinition) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		var schema any
		_ = json.Unmarshal(t.Parameters, &schema)
		out = append(out, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
				InputSchema: anthropic.ToolInputSchemaParam{ExtraFields: toMap(schema)},
			},
		})
	}
	return out
}

func toMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	if m == nil {
		return map[string]any{}
	}
	return m
}
