package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// channelWriter is the live-channel surface the sender needs.
type channelWriter interface {
	WriteJSON(v any) error
	IsOpen() bool
}

// sendEnvelope is the live-channel outbound message format.
type sendEnvelope struct {
	Message string         `json:"message"`
	Context map[string]any `json:"context"`
	Stream  bool           `json:"stream"`
}

// fallbackRequest is the synchronous request body used when the channel is
// unavailable.
type fallbackRequest struct {
	Message   string         `json:"message"`
	SessionID string         `json:"session_id"`
	Context   map[string]any `json:"context"`
}

// FallbackResponse is the synchronous reply when the fallback path was used.
type FallbackResponse struct {
	Message          string            `json:"message"`
	SuggestedActions []SuggestedAction `json:"suggested_actions,omitempty"`
}

// OutboundSender transmits composed messages: through the live channel when it
// is open, otherwise through a synchronous fallback request to the
// mode-appropriate endpoint.
type OutboundSender struct {
	channel     channelWriter
	httpClient  *http.Client
	fallbackURL string
	sessionID   string
}

func NewOutboundSender(channel channelWriter, httpClient *http.Client, fallbackURL, sessionID string) (*OutboundSender, error) {
	if fallbackURL == "" {
		return nil, errors.New("outbound sender: fallback url is empty")
	}
	if sessionID == "" {
		return nil, errors.New("outbound sender: session id is empty")
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &OutboundSender{
		channel:     channel,
		httpClient:  httpClient,
		fallbackURL: fallbackURL,
		sessionID:   sessionID,
	}, nil
}

// Send transmits one message. The returned response is non-nil only when the
// fallback path answered synchronously; channel sends stream their reply as
// frames. A 413-class fallback rejection surfaces as ErrPayloadTooLarge,
// distinct from generic send failures.
func (s *OutboundSender) Send(ctx context.Context, text string, msgContext map[string]any) (*FallbackResponse, error) {
	if s == nil {
		return nil, errors.New("outbound sender: nil sender")
	}
	if msgContext == nil {
		msgContext = map[string]any{}
	}

	if s.channel != nil && s.channel.IsOpen() {
		err := s.channel.WriteJSON(sendEnvelope{Message: text, Context: msgContext, Stream: true})
		if err == nil {
			return nil, nil
		}
		log.Warn().Err(err).Str("component", "chatclient").Msg("channel send failed, falling back to http")
	}

	return s.sendFallback(ctx, text, msgContext)
}

func (s *OutboundSender) sendFallback(ctx context.Context, text string, msgContext map[string]any) (*FallbackResponse, error) {
	body, err := json.Marshal(fallbackRequest{
		Message:   text,
		SessionID: s.sessionID,
		Context:   msgContext,
	})
	if err != nil {
		return nil, errors.Wrap(err, "outbound sender: encode fallback request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.fallbackURL, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "outbound sender: build fallback request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "outbound sender: fallback request failed")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusRequestEntityTooLarge {
		return nil, ErrPayloadTooLarge
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errors.Errorf("outbound sender: fallback request returned status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "outbound sender: read fallback response")
	}
	out := &FallbackResponse{}
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, errors.Wrap(err, "outbound sender: decode fallback response")
	}
	return out, nil
}
