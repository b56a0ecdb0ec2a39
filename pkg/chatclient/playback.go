package chatclient

import (
	"math/rand"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/jonboulle/clockwork"
)

// Token is one unit of streamed text queued for playback: a single character
// or, in word-mode playback, a whole word.
type Token struct {
	Text string
	Word bool
}

// Playback delay ranges. Each delay is base plus random jitter so the typing
// feels natural rather than metronomic.
const (
	delayNewlineBase   = 230 * time.Millisecond
	delayNewlineJitter = 100 * time.Millisecond

	delaySentenceBase   = 240 * time.Millisecond
	delaySentenceJitter = 160 * time.Millisecond

	delayClauseBase   = 140 * time.Millisecond
	delayClauseJitter = 120 * time.Millisecond

	delaySpaceBase   = 20 * time.Millisecond
	delaySpaceJitter = 40 * time.Millisecond

	delayCharBase   = 34 * time.Millisecond
	delayCharJitter = 26 * time.Millisecond

	delayWordBase   = 100 * time.Millisecond
	delayWordJitter = 50 * time.Millisecond
)

// PlaybackScheduler drains a FIFO token queue into a Sink one timer tick per
// token, simulating typing. The loop stops when the queue empties and resumes
// on the next Enqueue. Finalize ends playback with authoritative text; the
// server text always wins over the locally accumulated buffer.
type PlaybackScheduler struct {
	mu        sync.Mutex
	clock     clockwork.Clock
	rng       *rand.Rand
	sink      Sink
	queue     []Token
	committed strings.Builder
	lastRune  rune
	timer     clockwork.Timer
	playing   bool
	finalized bool
}

type PlaybackOption func(*PlaybackScheduler)

func WithPlaybackClock(c clockwork.Clock) PlaybackOption {
	return func(s *PlaybackScheduler) { s.clock = c }
}

func WithPlaybackRand(r *rand.Rand) PlaybackOption {
	return func(s *PlaybackScheduler) { s.rng = r }
}

func NewPlaybackScheduler(sink Sink, opts ...PlaybackOption) *PlaybackScheduler {
	s := &PlaybackScheduler{
		clock: clockwork.NewRealClock(),
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
		sink:  sink,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enqueue appends one token and starts the playback loop if it is idle.
// Tokens arriving after finalization are dropped.
func (s *PlaybackScheduler) Enqueue(tok Token) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalized {
		return
	}
	s.queue = append(s.queue, tok)
	if !s.playing {
		s.playing = true
		s.timer = s.clock.AfterFunc(0, s.tick)
	}
}

// tick pops one token, commits it, renders the delta, and schedules the next
// tick after a content-aware delay.
func (s *PlaybackScheduler) tick() {
	s.mu.Lock()
	if s.finalized || !s.playing {
		s.mu.Unlock()
		return
	}
	if len(s.queue) == 0 {
		s.playing = false
		s.timer = nil
		s.mu.Unlock()
		return
	}
	tok := s.queue[0]
	s.queue = s.queue[1:]
	delta := s.commitLocked(tok)
	sink := s.sink
	if len(s.queue) > 0 {
		s.timer = s.clock.AfterFunc(s.delayLocked(tok), s.tick)
	} else {
		s.playing = false
		s.timer = nil
	}
	s.mu.Unlock()

	if sink != nil && delta != "" {
		sink.AppendText(delta)
	}
}

// commitLocked normalizes the token, decides whether a separating space is
// needed, and appends the result to the committed buffer.
func (s *PlaybackScheduler) commitLocked(tok Token) string {
	text := normalizeToken(tok)
	if text == "" {
		return ""
	}
	var b strings.Builder
	first, _ := utf8.DecodeRuneInString(text)
	if tok.Word && s.committed.Len() > 0 && !unicode.IsSpace(s.lastRune) && !unicode.IsSpace(first) && !isPurePunctuation(text) {
		b.WriteByte(' ')
	}
	b.WriteString(text)
	delta := b.String()
	s.committed.WriteString(delta)
	s.lastRune, _ = utf8.DecodeLastRuneInString(delta)
	return delta
}

func (s *PlaybackScheduler) delayLocked(tok Token) time.Duration {
	jitter := func(base, spread time.Duration) time.Duration {
		if spread <= 0 {
			return base
		}
		return base + time.Duration(s.rng.Int63n(int64(spread)))
	}
	if tok.Word {
		return jitter(delayWordBase, delayWordJitter)
	}
	text := normalizeToken(tok)
	last, _ := utf8.DecodeLastRuneInString(text)
	switch {
	case text == "\n" || last == '\n':
		return jitter(delayNewlineBase, delayNewlineJitter)
	case last == '.' || last == '!' || last == '?':
		return jitter(delaySentenceBase, delaySentenceJitter)
	case last == ',' || last == ';' || last == ':':
		return jitter(delayClauseBase, delayClauseJitter)
	case last == ' ':
		return jitter(delaySpaceBase, delaySpaceJitter)
	default:
		return jitter(delayCharBase, delayCharJitter)
	}
}

// Finalize cancels the loop, discards queued tokens, and replaces the sink
// content with the authoritative text. Returns false when the stream was
// already finalized with nothing queued since, so callers can keep finalize
// idempotent.
func (s *PlaybackScheduler) Finalize(authoritative string) bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	if s.finalized && len(s.queue) == 0 {
		s.mu.Unlock()
		return false
	}
	s.stopTimerLocked()
	s.queue = nil
	s.playing = false
	s.finalized = true
	s.committed.Reset()
	s.committed.WriteString(authoritative)
	s.lastRune, _ = utf8.DecodeLastRuneInString(authoritative)
	sink := s.sink
	s.mu.Unlock()

	if sink != nil {
		sink.ReplaceText(authoritative)
		sink.MarkTyping(false)
		sink.Detach()
	}
	return true
}

// Cancel tears the stream down without committing anything: pending timer
// cleared, queue discarded, sink detached. Used on conversation switch and on
// a new outbound user message.
func (s *PlaybackScheduler) Cancel() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.finalized {
		s.mu.Unlock()
		return
	}
	s.stopTimerLocked()
	s.queue = nil
	s.playing = false
	s.finalized = true
	sink := s.sink
	s.mu.Unlock()

	if sink != nil {
		sink.MarkTyping(false)
		sink.Detach()
	}
}

// DrainToText commits all queued tokens immediately (no per-token rendering)
// and returns the full accumulated buffer. Used by the typing_end flush.
func (s *PlaybackScheduler) DrainToText() string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopTimerLocked()
	for len(s.queue) > 0 {
		tok := s.queue[0]
		s.queue = s.queue[1:]
		s.commitLocked(tok)
	}
	s.playing = false
	return s.committed.String()
}

// Committed returns the locally accumulated buffer.
func (s *PlaybackScheduler) Committed() string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committed.String()
}

// IsPlaying reports whether the tick loop is currently scheduled.
func (s *PlaybackScheduler) IsPlaying() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}

func (s *PlaybackScheduler) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// normalizeToken maps escaped newlines to real ones and gives heading/bullet
// markers a trailing space so the rendered text stays readable.
func normalizeToken(tok Token) string {
	switch tok.Text {
	case "\n", "\\n":
		return "\n"
	}
	if tok.Word && isBlockMarker(tok.Text) {
		return tok.Text + " "
	}
	return tok.Text
}

func isBlockMarker(s string) bool {
	switch s {
	case "-", "*", "•":
		return true
	}
	if s == "" || len(s) > 6 {
		return false
	}
	for _, r := range s {
		if r != '#' {
			return false
		}
	}
	return true
}

func isPurePunctuation(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsPunct(r) && !unicode.IsSymbol(r) {
			return false
		}
	}
	return true
}
