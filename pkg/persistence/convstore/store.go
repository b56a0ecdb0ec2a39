package convstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
)

// Mode selects which assistant context a conversation talks to.
type Mode string

const (
	// ModeShared is the general-purpose assistant shared across tenants.
	ModeShared Mode = "shared"
	// ModeDedicated scopes the conversation to a single business.
	ModeDedicated Mode = "dedicated"
)

// Role tags who authored a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Conversation is the persisted record for one thread.
// ID is immutable; Title may be rewritten once by auto-derivation and
// thereafter only through Rename.
type Conversation struct {
	ID                 uuid.UUID `json:"id"`
	Title              string    `json:"title"`
	Mode               Mode      `json:"mode"`
	BusinessID         int64     `json:"business_id,omitempty"`
	ChannelSessionID   string    `json:"channel_session_id"`
	LastMessagePreview string    `json:"last_message_preview"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Turn is one message in a conversation's history.
type Turn struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	keyConversations = "chat:conversations"
	keyActive        = "chat:active_conversation"
	historyKeyPrefix = "chat:history:"

	// MaxHistory caps per-conversation history as a sliding window,
	// oldest entries dropped first.
	MaxHistory = 200

	previewMaxLen = 100

	sharedDefaultTitle = "New conversation"
)

// DefaultTitle returns the placeholder title a freshly created conversation gets.
func DefaultTitle(mode Mode, businessID int64) string {
	if mode == ModeDedicated && businessID > 0 {
		return fmt.Sprintf("Business %d", businessID)
	}
	return sharedDefaultTitle
}

// NewConversation builds a record with fresh identifiers and a default title.
func NewConversation(mode Mode, businessID int64) Conversation {
	return Conversation{
		ID:               uuid.New(),
		Title:            DefaultTitle(mode, businessID),
		Mode:             mode,
		BusinessID:       businessID,
		ChannelSessionID: uuid.NewString(),
		UpdatedAt:        time.Now(),
	}
}

// Store persists the ordered conversation list, per-conversation history,
// and the active-conversation pointer through a KV backend.
type Store struct {
	mu         sync.Mutex
	kv         KV
	clock      clockwork.Clock
	maxHistory int
}

type StoreOption func(*Store)

func WithClock(c clockwork.Clock) StoreOption {
	return func(s *Store) { s.clock = c }
}

func WithMaxHistory(n int) StoreOption {
	return func(s *Store) { s.maxHistory = n }
}

func NewStore(kv KV, opts ...StoreOption) (*Store, error) {
	if kv == nil {
		return nil, errors.New("conversation store: kv is nil")
	}
	s := &Store{
		kv:         kv,
		clock:      clockwork.NewRealClock(),
		maxHistory: MaxHistory,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.maxHistory <= 0 {
		s.maxHistory = MaxHistory
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.kv == nil {
		return nil
	}
	return s.kv.Close()
}

// List returns all conversations, most recently created/touched first.
func (s *Store) List(ctx context.Context) ([]Conversation, error) {
	if s == nil {
		return nil, errors.New("conversation store: nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadConversationsLocked(ctx)
}

// Get returns the conversation record for id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (Conversation, bool, error) {
	if s == nil {
		return Conversation{}, false, errors.New("conversation store: nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	convs, err := s.loadConversationsLocked(ctx)
	if err != nil {
		return Conversation{}, false, err
	}
	for _, c := range convs {
		if c.ID == id {
			return c, true, nil
		}
	}
	return Conversation{}, false, nil
}

// Put upserts a conversation record. New records are prepended so the list
// stays ordered newest-first.
func (s *Store) Put(ctx context.Context, conv Conversation) error {
	if s == nil {
		return errors.New("conversation store: nil store")
	}
	if conv.ID == uuid.Nil {
		return errors.New("conversation store: conversation id is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	convs, err := s.loadConversationsLocked(ctx)
	if err != nil {
		return err
	}
	replaced := false
	for i := range convs {
		if convs[i].ID == conv.ID {
			convs[i] = conv
			replaced = true
			break
		}
	}
	if !replaced {
		convs = append([]Conversation{conv}, convs...)
	}
	return s.saveConversationsLocked(ctx, convs)
}

// Rename sets an explicit title. Explicit renames always win over derivation.
func (s *Store) Rename(ctx context.Context, id uuid.UUID, title string) error {
	if s == nil {
		return errors.New("conversation store: nil store")
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return errors.New("conversation store: title is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	convs, err := s.loadConversationsLocked(ctx)
	if err != nil {
		return err
	}
	for i := range convs {
		if convs[i].ID == id {
			convs[i].Title = title
			convs[i].UpdatedAt = s.clock.Now()
			return s.saveConversationsLocked(ctx, convs)
		}
	}
	return errors.Errorf("conversation store: conversation %s not found", id)
}

// Delete removes the record and cascades deletion of its cached history.
// If the conversation was active, the active pointer is cleared; the caller
// decides what to activate next.
func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	if s == nil {
		return errors.New("conversation store: nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	convs, err := s.loadConversationsLocked(ctx)
	if err != nil {
		return err
	}
	out := convs[:0]
	for _, c := range convs {
		if c.ID == id {
			continue
		}
		out = append(out, c)
	}
	if err := s.saveConversationsLocked(ctx, out); err != nil {
		return err
	}
	if err := s.kv.Remove(ctx, historyKey(id)); err != nil {
		return err
	}
	active, ok, err := s.activeIDLocked(ctx)
	if err != nil {
		return err
	}
	if ok && active == id {
		return s.kv.Remove(ctx, keyActive)
	}
	return nil
}

// AppendTurn appends one turn to the conversation's history, capping it at the
// sliding-window limit, and updates the record's preview and timestamp.
// The first user turn of a conversation whose title is still the default
// placeholder also derives a human-readable title.
func (s *Store) AppendTurn(ctx context.Context, id uuid.UUID, role Role, text string) (Turn, error) {
	if s == nil {
		return Turn{}, errors.New("conversation store: nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	convs, err := s.loadConversationsLocked(ctx)
	if err != nil {
		return Turn{}, err
	}
	idx := -1
	for i := range convs {
		if convs[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return Turn{}, errors.Errorf("conversation store: conversation %s not found", id)
	}

	turn := Turn{Role: role, Text: text, Timestamp: s.clock.Now()}
	history, err := s.loadHistoryLocked(ctx, id)
	if err != nil {
		return Turn{}, err
	}
	history = append(history, turn)
	if len(history) > s.maxHistory {
		drop := len(history) - s.maxHistory
		history = append([]Turn(nil), history[drop:]...)
	}
	if err := s.saveHistoryLocked(ctx, id, history); err != nil {
		return Turn{}, err
	}

	conv := convs[idx]
	conv.LastMessagePreview = previewFor(text)
	conv.UpdatedAt = turn.Timestamp
	if role == RoleUser && conv.Title == DefaultTitle(conv.Mode, conv.BusinessID) {
		if derived := DeriveTitle(text); derived != "" {
			conv.Title = derived
		}
	}
	convs[idx] = conv
	if err := s.saveConversationsLocked(ctx, convs); err != nil {
		return Turn{}, err
	}
	return turn, nil
}

// History returns the cached turns for a conversation, oldest first.
func (s *Store) History(ctx context.Context, id uuid.UUID) ([]Turn, error) {
	if s == nil {
		return nil, errors.New("conversation store: nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadHistoryLocked(ctx, id)
}

// ActiveID returns the active-conversation pointer, if set.
func (s *Store) ActiveID(ctx context.Context) (uuid.UUID, bool, error) {
	if s == nil {
		return uuid.Nil, false, errors.New("conversation store: nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeIDLocked(ctx)
}

// SetActiveID updates the active-conversation pointer.
func (s *Store) SetActiveID(ctx context.Context, id uuid.UUID) error {
	if s == nil {
		return errors.New("conversation store: nil store")
	}
	if id == uuid.Nil {
		return errors.New("conversation store: conversation id is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kv.Set(ctx, keyActive, []byte(id.String()))
}

func (s *Store) activeIDLocked(ctx context.Context) (uuid.UUID, bool, error) {
	raw, ok, err := s.kv.Get(ctx, keyActive)
	if err != nil || !ok {
		return uuid.Nil, false, err
	}
	id, err := uuid.Parse(strings.TrimSpace(string(raw)))
	if err != nil {
		// A corrupt pointer is treated as unset.
		return uuid.Nil, false, nil
	}
	return id, true, nil
}

func (s *Store) loadConversationsLocked(ctx context.Context) ([]Conversation, error) {
	raw, ok, err := s.kv.Get(ctx, keyConversations)
	if err != nil {
		return nil, err
	}
	if !ok || len(raw) == 0 {
		return []Conversation{}, nil
	}
	var convs []Conversation
	if err := json.Unmarshal(raw, &convs); err != nil {
		return nil, errors.Wrap(err, "conversation store: decode conversation list")
	}
	return convs, nil
}

func (s *Store) saveConversationsLocked(ctx context.Context, convs []Conversation) error {
	b, err := json.Marshal(convs)
	if err != nil {
		return errors.Wrap(err, "conversation store: encode conversation list")
	}
	return s.kv.Set(ctx, keyConversations, b)
}

func (s *Store) loadHistoryLocked(ctx context.Context, id uuid.UUID) ([]Turn, error) {
	raw, ok, err := s.kv.Get(ctx, historyKey(id))
	if err != nil {
		return nil, err
	}
	if !ok || len(raw) == 0 {
		return []Turn{}, nil
	}
	var turns []Turn
	if err := json.Unmarshal(raw, &turns); err != nil {
		return nil, errors.Wrap(err, "conversation store: decode history")
	}
	return turns, nil
}

func (s *Store) saveHistoryLocked(ctx context.Context, id uuid.UUID, turns []Turn) error {
	b, err := json.Marshal(turns)
	if err != nil {
		return errors.Wrap(err, "conversation store: encode history")
	}
	return s.kv.Set(ctx, historyKey(id), b)
}

func historyKey(id uuid.UUID) string {
	return historyKeyPrefix + id.String()
}

func previewFor(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= previewMaxLen {
		return text
	}
	return strings.TrimSpace(string(runes[:previewMaxLen-3])) + "..."
}
