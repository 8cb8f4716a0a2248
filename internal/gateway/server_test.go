package gateway

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCheckOriginAllowsLoopbackAndEmptyOrigin(t *testing.T) {
	s := NewServer("127.0.0.1", 0, "tok", nil, nil, NewBus())

	noOrigin := &http.Request{Header: http.Header{}}
	require.True(t, s.checkOrigin(noOrigin))

	loopback := &http.Request{Header: http.Header{"Origin": {"http://127.0.0.1:5173"}}}
	require.True(t, s.checkOrigin(loopback))

	localhost := &http.Request{Header: http.Header{"Origin": {"http://localhost:3000"}}}
	require.True(t, s.checkOrigin(localhost))

	remote := &http.Request{Header: http.Header{"Origin": {"http://evil.example.com"}}}
	require.False(t, s.checkOrigin(remote))
}

func TestCheckOriginHonorsExplicitAllowList(t *testing.T) {
	s := NewServer("127.0.0.1", 0, "tok", []string{"https://app.example.com"}, nil, NewBus())
	allowed := &http.Request{Header: http.Header{"Origin": {"https://app.example.com"}}}
	require.True(t, s.checkOrigin(allowed))
}
