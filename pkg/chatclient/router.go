package chatclient

import (
	"github.com/rs/zerolog/log"
)

// FrameRouter interprets each inbound frame's declared type and dispatches to
// the playback scheduler, the finalize path, or a direct render call. It holds
// no state of its own; the engine supplies the hooks.
type FrameRouter struct {
	// EnsureStream returns the live stream state for the current reply,
	// creating it (and its sink) if needed.
	EnsureStream func() *PlaybackScheduler
	// Finalize commits an authoritative reply, guarded by deduplication.
	Finalize func(messageID, text string, actions []SuggestedAction)
	// FlushStream drains queued tokens into an immediate finalize when the
	// buffer is non-empty, then clears the stream state.
	FlushStream func()
	// UI renders notices and suggested actions.
	UI UI
}

// HandleRaw decodes one frame envelope and dispatches it. Malformed frames are
// dropped silently per the error-handling policy.
func (r *FrameRouter) HandleRaw(data []byte) {
	if r == nil || len(data) == 0 {
		return
	}
	f, err := DecodeFrame(data)
	if err != nil {
		log.Debug().Err(err).Str("component", "chatclient").Msg("dropping malformed frame")
		return
	}
	r.Handle(f)
}

// Handle dispatches one decoded frame.
func (r *FrameRouter) Handle(f Frame) {
	if r == nil {
		return
	}
	switch f.Type {
	case FrameConnected:
		// Transport confirmed; nothing to render.
		log.Debug().Str("component", "chatclient").Msg("transport confirmed")

	case FrameTypingStart:
		r.EnsureStream()

	case FrameCharacter:
		if f.Character == "" {
			return
		}
		r.EnsureStream().Enqueue(Token{Text: f.Character})

	case FrameWord:
		// Empty words are valid on the wire; the scheduler drops them.
		r.EnsureStream().Enqueue(Token{Text: f.Word, Word: true})

	case FrameTypingComplete:
		r.Finalize(f.MessageID, f.Message, f.SuggestedActions)

	case FrameMessage:
		r.Finalize(f.MessageID, f.Message, f.SuggestedActions)

	case FrameTypingEnd:
		r.FlushStream()

	case FrameSuggestedActions:
		if r.UI != nil && len(f.SuggestedActions) > 0 {
			r.UI.ShowSuggestedActions(f.SuggestedActions)
		}

	case FrameError:
		if r.UI != nil && f.Message != "" {
			r.UI.ShowNotice(NoticeSystemError, f.Message)
		}

	default:
		// Unrecognized frames that still carry a message field are treated as
		// message frames; everything else is ignored.
		if f.Message != "" {
			r.Finalize(f.MessageID, f.Message, f.SuggestedActions)
			return
		}
		log.Debug().Str("component", "chatclient").Str("type", f.Type).Msg("ignoring unrecognized frame")
	}
}
