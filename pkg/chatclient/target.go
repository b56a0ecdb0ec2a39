package chatclient

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/pkg/errors"

	"github.com/assisthub/chatstream/pkg/persistence/convstore"
)

// maxChannelSessionIDLen is a backend field limit on the session identifier.
const maxChannelSessionIDLen = 50

// DedicatedSessionID derives the dedicated-mode channel session identifier
// deterministically from the base session id and the business id, truncated to
// the backend field limit.
func DedicatedSessionID(base string, businessID int64) string {
	id := fmt.Sprintf("%s-b%d", strings.TrimSpace(base), businessID)
	if len(id) > maxChannelSessionIDLen {
		id = id[:maxChannelSessionIDLen]
	}
	return id
}

// ChannelTarget computes the websocket address for a conversation. The scheme
// follows the transport security of the configured base URL: https becomes
// wss, http becomes ws.
func ChannelTarget(baseURL string, mode convstore.Mode, businessID int64, channelSessionID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", errors.Wrap(err, "channel target: parse base url")
	}
	if u.Host == "" {
		return "", errors.Errorf("channel target: base url %q has no host", baseURL)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", errors.Errorf("channel target: unsupported scheme %q", u.Scheme)
	}

	sid := strings.TrimSpace(channelSessionID)
	if sid == "" {
		return "", errors.New("channel target: channel session id is empty")
	}

	base := strings.TrimRight(u.Path, "/")
	switch mode {
	case convstore.ModeDedicated:
		if businessID <= 0 {
			return "", errors.New("channel target: dedicated mode requires a business id")
		}
		u.Path = fmt.Sprintf("%s/ws/dedicated/business/%d/%s", base, businessID, DedicatedSessionID(sid, businessID))
	case convstore.ModeShared:
		u.Path = fmt.Sprintf("%s/ws/global/%s", base, sid)
	default:
		return "", errors.Errorf("channel target: unknown mode %q", mode)
	}
	return u.String(), nil
}

// FallbackEndpoint computes the synchronous HTTP endpoint used when the live
// channel is unavailable.
func FallbackEndpoint(baseURL string, mode convstore.Mode, businessID int64) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", errors.Wrap(err, "fallback endpoint: parse base url")
	}
	if u.Host == "" {
		return "", errors.Errorf("fallback endpoint: base url %q has no host", baseURL)
	}
	base := strings.TrimRight(u.Path, "/")
	switch mode {
	case convstore.ModeDedicated:
		if businessID <= 0 {
			return "", errors.New("fallback endpoint: dedicated mode requires a business id")
		}
		u.Path = fmt.Sprintf("%s/api/chat/business/%d", base, businessID)
	case convstore.ModeShared:
		u.Path = base + "/api/chat/global"
	default:
		return "", errors.Errorf("fallback endpoint: unknown mode %q", mode)
	}
	return u.String(), nil
}
