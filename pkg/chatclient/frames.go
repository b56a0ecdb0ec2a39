package chatclient

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// Frame types the router understands. Anything else falls through the
// unrecognized path.
const (
	FrameConnected        = "connected"
	FrameTypingStart      = "typing_start"
	FrameCharacter        = "character"
	FrameWord             = "word"
	FrameTypingComplete   = "typing_complete"
	FrameMessage          = "message"
	FrameTypingEnd        = "typing_end"
	FrameSuggestedActions = "suggested_actions"
	FrameError            = "error"
)

// SuggestedAction is a clickable follow-up offered by the backend. The wire
// form is either an object with id/title or a plain string.
type SuggestedAction struct {
	ID    string `json:"id,omitempty"`
	Title string `json:"title,omitempty"`
}

func (a *SuggestedAction) UnmarshalJSON(data []byte) error {
	var plain string
	if err := json.Unmarshal(data, &plain); err == nil {
		a.ID = ""
		a.Title = plain
		return nil
	}
	type alias SuggestedAction
	var obj alias
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*a = SuggestedAction(obj)
	return nil
}

// Frame is one inbound event from the live channel, tagged with a type.
type Frame struct {
	Type             string            `json:"type"`
	Character        string            `json:"character,omitempty"`
	Word             string            `json:"word,omitempty"`
	Message          string            `json:"message,omitempty"`
	MessageID        string            `json:"message_id,omitempty"`
	SuggestedActions []SuggestedAction `json:"suggested_actions,omitempty"`
}

// DecodeFrame parses one frame envelope. Parse failures are non-fatal to the
// stream; callers drop the frame.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, errors.Wrap(err, "decode frame")
	}
	f.Type = strings.TrimSpace(f.Type)
	return f, nil
}
