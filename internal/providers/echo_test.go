package providers

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEchoRepliesWithLastUserText(t *testing.T) {
	p := Echo{}
	stream, err := p.Stream(ChatRequest{
		Messages: []Message{
			{Role: RoleUser, Content: []Block{{Type: BlockText, Text: "hello"}}},
		},
	})
	require.NoError(t, err)

	var texts []string
	var gotFinal bool
	for {
		ev, ok := stream.Next()
		if !ok {
			break
		}
		switch ev.Type {
		case EventDelta:
			texts = append(texts, ev.TextDelta)
		case EventFinal:
			gotFinal = true
		}
	}
	require.True(t, gotFinal)
	require.Equal(t, []string{"hello"}, texts)
}
