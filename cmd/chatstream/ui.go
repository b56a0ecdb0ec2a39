package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/assisthub/chatstream/pkg/chatclient"
)

// terminalUI renders assistant replies, notices, and suggested actions to a
// line-oriented terminal. One sink is live at a time; streamed deltas print as
// they commit and Finalize prints whatever suffix is still missing.
type terminalUI struct {
	mu  sync.Mutex
	out io.Writer
}

func newTerminalUI(out io.Writer) *terminalUI {
	return &terminalUI{out: out}
}

func (u *terminalUI) NewAssistantSink() chatclient.Sink {
	return &terminalSink{ui: u}
}

func (u *terminalUI) ShowNotice(kind chatclient.NoticeKind, text string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	fmt.Fprintf(u.out, "\n[%s] %s\n", kind, text)
}

func (u *terminalUI) ShowSuggestedActions(actions []chatclient.SuggestedAction) {
	u.mu.Lock()
	defer u.mu.Unlock()
	fmt.Fprintln(u.out, "suggestions:")
	for i, a := range actions {
		fmt.Fprintf(u.out, "  %d. %s\n", i+1, a.Title)
	}
}

func (u *terminalUI) print(s string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	fmt.Fprint(u.out, s)
}

type terminalSink struct {
	ui *terminalUI

	mu       sync.Mutex
	rendered strings.Builder
	opened   bool
	detached bool
}

func (s *terminalSink) AppendText(text string) {
	s.mu.Lock()
	if s.detached {
		s.mu.Unlock()
		return
	}
	prefix := ""
	if !s.opened {
		s.opened = true
		prefix = "assistant> "
	}
	s.rendered.WriteString(text)
	s.mu.Unlock()
	s.ui.print(prefix + text)
}

func (s *terminalSink) ReplaceText(text string) {
	s.mu.Lock()
	if s.detached {
		s.mu.Unlock()
		return
	}
	prefix := ""
	if !s.opened {
		s.opened = true
		prefix = "assistant> "
	}
	// A terminal cannot rewrite history; print the missing suffix when the
	// authoritative text extends what already streamed, otherwise reprint.
	already := s.rendered.String()
	var delta string
	if strings.HasPrefix(text, already) {
		delta = text[len(already):]
	} else {
		delta = "\nassistant> " + text
		prefix = ""
	}
	s.rendered.Reset()
	s.rendered.WriteString(text)
	s.mu.Unlock()
	s.ui.print(prefix + delta)
}

func (s *terminalSink) MarkTyping(typing bool) {}

func (s *terminalSink) Detach() {
	s.mu.Lock()
	if s.detached {
		s.mu.Unlock()
		return
	}
	s.detached = true
	opened := s.opened
	s.mu.Unlock()
	if opened {
		s.ui.print("\n")
	}
}
