package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAI adapts go-openai's ChatCompletionStream to the ChatEvent
// contract. Tool calls arrive split across many deltas keyed by
// index; fragments are accumulated per index and flushed once the
// stream reports that tool call's finish.
type OpenAI struct {
	client *openai.Client
	model  string
}

func NewOpenAI(apiKey, model string) *OpenAI {
	if model == "" {
		model = openai.GPT4o
	}
	return &OpenAI{client: openai.NewClient(apiKey), model: model}
}

func (o *OpenAI) Name() string         { return "openai" }
func (o *OpenAI) DefaultModel() string { return o.model }

type pendingCall struct {
	id, name string
	buf      bytes.Buffer
}

func (o *OpenAI) Stream(req ChatRequest) (EventStream, error) {
	model := req.Model
	if model == "" {
		model = o.model
	}

	s, cctx := newChanStream(context.Background())
	go func() {
		defer s.close()

		stream, err := o.client.CreateChatCompletionStream(cctx, openai.ChatCompletionRequest{
			Model:    model,
			Messages: toOpenAIMessages(req.System, req.Messages),
			Tools:    toOpenAITools(req.Tools),
		})
		if err != nil {
			s.emit(ChatEvent{Type: EventError, Err: fmt.Errorf("openai stream start: %w", err)})
			return
		}
		defer stream.Close()

		pending := map[int]*pendingCall{}
		var usage Usage

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				s.emit(ChatEvent{Type: EventError, Err: fmt.Errorf("openai stream recv: %w", err)})
				return
			}
			if resp.Usage != nil {
				usage.InputTokens = int64(resp.Usage.PromptTokens)
				usage.OutputTokens = int64(resp.Usage.CompletionTokens)
			}
			if len(resp.Choices) == 0 {
				continue
			}
			delta := resp.Choices[0].Delta
			if delta.Content != "" {
				s.emit(ChatEvent{Type: EventDelta, TextDelta: delta.Content})
			}
			for _, tc := range delta.ToolCalls {
				idx := 0
				if tc.Index != nil {
					idx = *tc.Index
				}
				pc, ok := pending[idx]
				if !ok {
					pc = &pendingCall{}
					pending[idx] = pc
				}
				if tc.ID != "" {
					pc.id = tc.ID
				}
				if tc.Function.Name != "" {
					pc.name = tc.Function.Name
				}
				pc.buf.WriteString(tc.Function.Arguments)
			}
			if resp.Choices[0].FinishReason == openai.FinishReasonToolCalls {
				for _, pc := range pending {
					raw := pc.buf.Bytes()
					if !json.Valid(raw) {
						raw = []byte("{}")
					}
					s.emit(ChatEvent{Type: EventToolCall, ToolCallID: pc.id, ToolName: pc.name, Input: raw})
				}
				pending = map[int]*pendingCall{}
			}
		}
		s.emit(ChatEvent{Type: EventFinal, Usage: &usage})
	}()
	return s, nil
}

func toOpenAIMessages(system string, msgs []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	for _, m := range msgs {
		role := openai.ChatMessageRoleUser
		if m.Role == RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		var text string
		var toolCalls []openai.ToolCall
		for _, b := range m.Content {
			switch b.Type {
			case BlockText:
				text += b.Text
			case BlockToolUse:
				toolCalls = append(toolCalls, openai.ToolCall{
					ID:   b.ToolUseID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      b.ToolName,
						Arguments: string(b.ToolInput),
					},
				})
			case BlockToolResult:
				out = append(out, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    b.Content,
					ToolCallID: b.ToolResultForID,
				})
			}
		}
		if text != "" || len(toolCalls) > 0 {
			out = append(out, openai.ChatCompletionMessage{Role: role, Content: text, ToolCalls: toolCalls})
		}
	}
	return out
}

func toOpenAITools(tools []ToolDefinition) []openai.Tool {
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		var schema any
		_ = json.Unmarshal(t.Parameters, &schema)
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  schema,
			},
		})
	}
	return out
}
