package chatclient

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/assisthub/chatstream/pkg/persistence/convstore"
)

func TestChannelTargetShared(t *testing.T) {
	got, err := ChannelTarget("https://chat.example.com", convstore.ModeShared, 0, "sess-1")
	require.NoError(t, err)
	require.Equal(t, "wss://chat.example.com/ws/global/sess-1", got)
}

func TestChannelTargetSharedPlainHTTP(t *testing.T) {
	got, err := ChannelTarget("http://localhost:8080", convstore.ModeShared, 0, "sess-1")
	require.NoError(t, err)
	require.Equal(t, "ws://localhost:8080/ws/global/sess-1", got)
}

func TestChannelTargetDedicated(t *testing.T) {
	got, err := ChannelTarget("https://chat.example.com", convstore.ModeDedicated, 42, "sess-1")
	require.NoError(t, err)
	require.Equal(t, "wss://chat.example.com/ws/dedicated/business/42/sess-1-b42", got)
}

func TestChannelTargetKeepsBasePath(t *testing.T) {
	got, err := ChannelTarget("https://example.com/chat/", convstore.ModeShared, 0, "sess-1")
	require.NoError(t, err)
	require.Equal(t, "wss://example.com/chat/ws/global/sess-1", got)
}

func TestChannelTargetValidation(t *testing.T) {
	_, err := ChannelTarget("https://chat.example.com", convstore.ModeDedicated, 0, "sess-1")
	require.Error(t, err)

	_, err = ChannelTarget("https://chat.example.com", convstore.ModeShared, 0, "  ")
	require.Error(t, err)

	_, err = ChannelTarget("ftp://chat.example.com", convstore.ModeShared, 0, "sess-1")
	require.Error(t, err)

	_, err = ChannelTarget("not a url at all://", convstore.ModeShared, 0, "sess-1")
	require.Error(t, err)
}

func TestDedicatedSessionIDTruncation(t *testing.T) {
	require.Equal(t, "sess-1-b7", DedicatedSessionID("sess-1", 7))

	long := strings.Repeat("x", 60)
	got := DedicatedSessionID(long, 7)
	require.Len(t, got, maxChannelSessionIDLen)
	require.Equal(t, strings.Repeat("x", maxChannelSessionIDLen), got)

	// Derivation is deterministic: same inputs, same identifier.
	require.Equal(t, DedicatedSessionID(long, 7), DedicatedSessionID(long, 7))
}

func TestFallbackEndpoints(t *testing.T) {
	got, err := FallbackEndpoint("https://chat.example.com", convstore.ModeShared, 0)
	require.NoError(t, err)
	require.Equal(t, "https://chat.example.com/api/chat/global", got)

	got, err = FallbackEndpoint("https://chat.example.com", convstore.ModeDedicated, 42)
	require.NoError(t, err)
	require.Equal(t, "https://chat.example.com/api/chat/business/42", got)

	_, err = FallbackEndpoint("https://chat.example.com", convstore.ModeDedicated, 0)
	require.Error(t, err)
}
