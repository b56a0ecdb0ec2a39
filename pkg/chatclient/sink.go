package chatclient

// Sink is the rendering contract for one assistant reply. The engine drives
// it during incremental playback and finalization; whatever presentation layer
// is in use implements it.
type Sink interface {
	// AppendText renders additional committed text at the end of the reply.
	AppendText(text string)
	// ReplaceText replaces the whole reply with authoritative text.
	ReplaceText(text string)
	// MarkTyping toggles the "assistant is typing" presentation.
	MarkTyping(typing bool)
	// Detach releases the sink; no further calls follow.
	Detach()
}

// NoticeKind distinguishes the user-visible notices the engine can raise.
type NoticeKind string

const (
	// NoticeSystemError renders a backend-declared error frame. It is never
	// finalized as assistant content.
	NoticeSystemError NoticeKind = "system_error"
	// NoticeMessageTooLarge is the distinct payload-too-large condition.
	NoticeMessageTooLarge NoticeKind = "message_too_large"
	// NoticeSendFailed is the generic failed-to-send condition.
	NoticeSendFailed NoticeKind = "send_failed"
)

// UI is the minimal surface the engine needs from the host application.
type UI interface {
	// NewAssistantSink opens a fresh reply bubble and returns its sink.
	NewAssistantSink() Sink
	// ShowNotice renders a system notice distinct from assistant content.
	ShowNotice(kind NoticeKind, text string)
	// ShowSuggestedActions renders clickable follow-ups.
	ShowSuggestedActions(actions []SuggestedAction)
}
