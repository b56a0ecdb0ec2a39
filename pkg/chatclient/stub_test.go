package chatclient

import (
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/gorilla/websocket"
)

// memorySink records everything the engine renders into one reply bubble.
type memorySink struct {
	mu       sync.Mutex
	buf      strings.Builder
	typing   bool
	detached bool
	replaced []string
}

func (s *memorySink) AppendText(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf.WriteString(text)
}

func (s *memorySink) ReplaceText(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf.Reset()
	s.buf.WriteString(text)
	s.replaced = append(s.replaced, text)
}

func (s *memorySink) MarkTyping(typing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.typing = typing
}

func (s *memorySink) Detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detached = true
}

func (s *memorySink) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func (s *memorySink) Detached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detached
}

func (s *memorySink) Typing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.typing
}

type recordedNotice struct {
	Kind NoticeKind
	Text string
}

// memoryUI collects sinks, notices, and suggested actions for assertions.
type memoryUI struct {
	mu      sync.Mutex
	sinks   []*memorySink
	notices []recordedNotice
	actions [][]SuggestedAction
}

func (u *memoryUI) NewAssistantSink() Sink {
	u.mu.Lock()
	defer u.mu.Unlock()
	s := &memorySink{}
	u.sinks = append(u.sinks, s)
	return s
}

func (u *memoryUI) ShowNotice(kind NoticeKind, text string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.notices = append(u.notices, recordedNotice{Kind: kind, Text: text})
}

func (u *memoryUI) ShowSuggestedActions(actions []SuggestedAction) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.actions = append(u.actions, actions)
}

func (u *memoryUI) lastSink() *memorySink {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.sinks) == 0 {
		return nil
	}
	return u.sinks[len(u.sinks)-1]
}

func (u *memoryUI) sinkCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.sinks)
}

func (u *memoryUI) noticeCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.notices)
}

func (u *memoryUI) lastNotice() recordedNotice {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.notices) == 0 {
		return recordedNotice{}
	}
	return u.notices[len(u.notices)-1]
}

var _ UI = &memoryUI{}

// stubConn is an in-memory channel connection. Frames pushed into the inbound
// queue come out of ReadMessage in order; Close unblocks pending reads.
type stubConn struct {
	inbound chan []byte

	mu     sync.Mutex
	closed bool
	wrote  []any
}

func newStubConn() *stubConn {
	return &stubConn{inbound: make(chan []byte, 64)}
}

func (c *stubConn) ReadMessage() (int, []byte, error) {
	data, ok := <-c.inbound
	if !ok {
		return 0, nil, errors.New("stub conn: closed")
	}
	return websocket.TextMessage, data, nil
}

func (c *stubConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("stub conn: write on closed conn")
	}
	c.wrote = append(c.wrote, v)
	return nil
}

func (c *stubConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.inbound)
	}
	return nil
}

func (c *stubConn) push(frame string) {
	c.inbound <- []byte(frame)
}

func (c *stubConn) written() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]any, len(c.wrote))
	copy(out, c.wrote)
	return out
}
