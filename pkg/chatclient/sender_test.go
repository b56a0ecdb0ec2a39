package chatclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type stubChannel struct {
	open     bool
	writeErr error
	wrote    []any
}

func (c *stubChannel) WriteJSON(v any) error {
	if c.writeErr != nil {
		return c.writeErr
	}
	c.wrote = append(c.wrote, v)
	return nil
}

func (c *stubChannel) IsOpen() bool { return c.open }

func TestSenderUsesChannelWhenOpen(t *testing.T) {
	var posts int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&posts, 1)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	ch := &stubChannel{open: true}
	s, err := NewOutboundSender(ch, srv.Client(), srv.URL+"/api/chat/global", "sess-1")
	require.NoError(t, err)

	resp, err := s.Send(context.Background(), "hello", map[string]any{"page": "menu"})
	require.NoError(t, err)
	require.Nil(t, resp)
	require.Len(t, ch.wrote, 1)
	require.Equal(t, sendEnvelope{Message: "hello", Context: map[string]any{"page": "menu"}, Stream: true}, ch.wrote[0])
	require.Zero(t, atomic.LoadInt64(&posts))
}

func TestSenderFallsBackWhenChannelClosed(t *testing.T) {
	var posts int64
	var gotBody fallbackRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&posts, 1)
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_, _ = w.Write([]byte(`{"message":"we are open until ten","suggested_actions":["Book a table"]}`))
	}))
	defer srv.Close()

	ch := &stubChannel{open: false}
	s, err := NewOutboundSender(ch, srv.Client(), srv.URL+"/api/chat/global", "sess-1")
	require.NoError(t, err)

	resp, err := s.Send(context.Background(), "when do you close?", nil)
	require.NoError(t, err)
	require.NotNil(t, resp)
	require.Equal(t, "we are open until ten", resp.Message)
	require.Equal(t, []SuggestedAction{{Title: "Book a table"}}, resp.SuggestedActions)

	require.EqualValues(t, 1, atomic.LoadInt64(&posts))
	require.Empty(t, ch.wrote)
	require.Equal(t, "when do you close?", gotBody.Message)
	require.Equal(t, "sess-1", gotBody.SessionID)
}

func TestSenderFallsBackOnChannelWriteError(t *testing.T) {
	var posts int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&posts, 1)
		_, _ = w.Write([]byte(`{"message":"ok"}`))
	}))
	defer srv.Close()

	ch := &stubChannel{open: true, writeErr: errors.New("broken pipe")}
	s, err := NewOutboundSender(ch, srv.Client(), srv.URL+"/api/chat/global", "sess-1")
	require.NoError(t, err)

	resp, err := s.Send(context.Background(), "hello", nil)
	require.NoError(t, err)
	require.NotNil(t, resp)
	require.EqualValues(t, 1, atomic.LoadInt64(&posts))
}

func TestSenderPayloadTooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusRequestEntityTooLarge)
	}))
	defer srv.Close()

	s, err := NewOutboundSender(&stubChannel{}, srv.Client(), srv.URL+"/api/chat/global", "sess-1")
	require.NoError(t, err)

	_, err = s.Send(context.Background(), "a very large message", nil)
	require.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestSenderRejectsNonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	s, err := NewOutboundSender(&stubChannel{}, srv.Client(), srv.URL+"/api/chat/global", "sess-1")
	require.NoError(t, err)

	_, err = s.Send(context.Background(), "hello", nil)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrPayloadTooLarge)
}

func TestSenderValidation(t *testing.T) {
	_, err := NewOutboundSender(&stubChannel{}, nil, "", "sess-1")
	require.Error(t, err)

	_, err = NewOutboundSender(&stubChannel{}, nil, "http://backend/api/chat/global", "")
	require.Error(t, err)
}
