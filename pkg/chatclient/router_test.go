package chatclient

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type finalizeCall struct {
	MessageID string
	Text      string
	Actions   []SuggestedAction
}

type routerHarness struct {
	ui        *memoryUI
	scheduler *PlaybackScheduler
	finalized []finalizeCall
	flushed   int
	router    *FrameRouter
}

func newRouterHarness() *routerHarness {
	h := &routerHarness{ui: &memoryUI{}}
	h.router = &FrameRouter{
		EnsureStream: func() *PlaybackScheduler {
			if h.scheduler == nil {
				h.scheduler = NewPlaybackScheduler(h.ui.NewAssistantSink())
			}
			return h.scheduler
		},
		Finalize: func(messageID, text string, actions []SuggestedAction) {
			h.finalized = append(h.finalized, finalizeCall{messageID, text, actions})
		},
		FlushStream: func() { h.flushed++ },
		UI:          h.ui,
	}
	return h
}

func TestRouterCharacterFramesFeedStream(t *testing.T) {
	h := newRouterHarness()

	h.router.HandleRaw([]byte(`{"type":"typing_start"}`))
	require.NotNil(t, h.scheduler)

	h.router.HandleRaw([]byte(`{"type":"character","character":"h"}`))
	h.router.HandleRaw([]byte(`{"type":"character","character":"i"}`))
	h.router.HandleRaw([]byte(`{"type":"character","character":""}`))

	require.Equal(t, "hi", h.scheduler.DrainToText())
	require.Empty(t, h.finalized)
}

func TestRouterWordFramesFeedStream(t *testing.T) {
	h := newRouterHarness()

	h.router.HandleRaw([]byte(`{"type":"word","word":"table"}`))
	h.router.HandleRaw([]byte(`{"type":"word","word":"booked"}`))

	require.Equal(t, "table booked", h.scheduler.DrainToText())
}

func TestRouterFinalizingFrames(t *testing.T) {
	h := newRouterHarness()

	h.router.HandleRaw([]byte(`{"type":"typing_complete","message":"done","message_id":"m1"}`))
	h.router.HandleRaw([]byte(`{"type":"message","message":"done again","message_id":"m2"}`))

	require.Len(t, h.finalized, 2)
	require.Equal(t, finalizeCall{"m1", "done", nil}, h.finalized[0])
	require.Equal(t, finalizeCall{"m2", "done again", nil}, h.finalized[1])
}

func TestRouterTypingEndFlushes(t *testing.T) {
	h := newRouterHarness()

	h.router.HandleRaw([]byte(`{"type":"typing_end"}`))
	require.Equal(t, 1, h.flushed)
}

func TestRouterSuggestedActions(t *testing.T) {
	h := newRouterHarness()

	h.router.HandleRaw([]byte(`{"type":"suggested_actions","suggested_actions":[{"id":"a1","title":"Book a table"},"See the menu"]}`))

	require.Len(t, h.ui.actions, 1)
	require.Equal(t, []SuggestedAction{
		{ID: "a1", Title: "Book a table"},
		{Title: "See the menu"},
	}, h.ui.actions[0])
}

func TestRouterErrorFrameRaisesNotice(t *testing.T) {
	h := newRouterHarness()

	h.router.HandleRaw([]byte(`{"type":"error","message":"backend unavailable"}`))

	require.Equal(t, 1, h.ui.noticeCount())
	require.Equal(t, recordedNotice{NoticeSystemError, "backend unavailable"}, h.ui.lastNotice())
	require.Empty(t, h.finalized)
}

func TestRouterUnrecognizedFrameWithMessageFinalizes(t *testing.T) {
	h := newRouterHarness()

	h.router.HandleRaw([]byte(`{"type":"assistant_reply","message":"hello there"}`))

	require.Len(t, h.finalized, 1)
	require.Equal(t, "hello there", h.finalized[0].Text)
}

func TestRouterIgnoresJunk(t *testing.T) {
	h := newRouterHarness()

	h.router.HandleRaw([]byte(`not json at all`))
	h.router.HandleRaw([]byte(`{"type":"heartbeat"}`))
	h.router.HandleRaw(nil)

	require.Nil(t, h.scheduler)
	require.Empty(t, h.finalized)
	require.Zero(t, h.flushed)
	require.Zero(t, h.ui.noticeCount())
}
