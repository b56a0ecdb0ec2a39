package convstore

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(NewInMemoryKV())
	require.NoError(t, err)
	return s
}

func TestStorePutPrependsNewConversations(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	first := NewConversation(ModeShared, 0)
	second := NewConversation(ModeDedicated, 42)
	require.NoError(t, s.Put(ctx, first))
	require.NoError(t, s.Put(ctx, second))

	convs, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, convs, 2)
	require.Equal(t, second.ID, convs[0].ID)
	require.Equal(t, first.ID, convs[1].ID)
	require.Equal(t, "Business 42", convs[0].Title)
	require.Equal(t, "New conversation", convs[1].Title)
}

func TestStoreAppendTurnCapsHistory(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	conv := NewConversation(ModeShared, 0)
	require.NoError(t, s.Put(ctx, conv))

	for i := 0; i < MaxHistory+1; i++ {
		_, err := s.AppendTurn(ctx, conv.ID, RoleUser, fmt.Sprintf("message %d", i))
		require.NoError(t, err)
	}

	history, err := s.History(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, history, MaxHistory)
	// Oldest dropped first.
	require.Equal(t, "message 1", history[0].Text)
	require.Equal(t, fmt.Sprintf("message %d", MaxHistory), history[len(history)-1].Text)
}

func TestStoreAppendTurnDerivesTitleOnce(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	conv := NewConversation(ModeShared, 0)
	require.NoError(t, s.Put(ctx, conv))

	_, err := s.AppendTurn(ctx, conv.ID, RoleUser, "I'd like to book a table for four people tonight please")
	require.NoError(t, err)

	got, ok, err := s.Get(ctx, conv.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "I'd like to book a table for four", got.Title)

	// A second user turn does not rewrite the derived title.
	_, err = s.AppendTurn(ctx, conv.ID, RoleUser, "actually make it five people")
	require.NoError(t, err)
	got, _, err = s.Get(ctx, conv.ID)
	require.NoError(t, err)
	require.Equal(t, "I'd like to book a table for four", got.Title)
}

func TestStoreAssistantTurnDoesNotDeriveTitle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	conv := NewConversation(ModeShared, 0)
	require.NoError(t, s.Put(ctx, conv))

	_, err := s.AppendTurn(ctx, conv.ID, RoleAssistant, "Hello! How can I help you today?")
	require.NoError(t, err)
	got, _, err := s.Get(ctx, conv.ID)
	require.NoError(t, err)
	require.Equal(t, "New conversation", got.Title)
}

func TestStoreAppendTurnUpdatesPreview(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	conv := NewConversation(ModeDedicated, 7)
	require.NoError(t, s.Put(ctx, conv))

	_, err := s.AppendTurn(ctx, conv.ID, RoleUser, "table   for\ntwo")
	require.NoError(t, err)
	got, _, err := s.Get(ctx, conv.ID)
	require.NoError(t, err)
	require.Equal(t, "table for two", got.LastMessagePreview)
	require.False(t, got.UpdatedAt.IsZero())
}

func TestStoreDeleteCascadesHistoryAndActivePointer(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	conv := NewConversation(ModeShared, 0)
	require.NoError(t, s.Put(ctx, conv))
	_, err := s.AppendTurn(ctx, conv.ID, RoleUser, "hello")
	require.NoError(t, err)
	require.NoError(t, s.SetActiveID(ctx, conv.ID))

	require.NoError(t, s.Delete(ctx, conv.ID))

	convs, err := s.List(ctx)
	require.NoError(t, err)
	require.Empty(t, convs)
	history, err := s.History(ctx, conv.ID)
	require.NoError(t, err)
	require.Empty(t, history)
	_, ok, err := s.ActiveID(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStoreRename(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	conv := NewConversation(ModeShared, 0)
	require.NoError(t, s.Put(ctx, conv))

	require.NoError(t, s.Rename(ctx, conv.ID, "Dinner plans"))
	got, _, err := s.Get(ctx, conv.ID)
	require.NoError(t, err)
	require.Equal(t, "Dinner plans", got.Title)

	require.Error(t, s.Rename(ctx, uuid.New(), "nope"))
}

func TestStoreSurvivesReopenWithSQLiteKV(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "chat.db")
	dsn, err := SQLiteKVDSNForFile(path)
	require.NoError(t, err)

	kv, err := NewSQLiteKV(dsn)
	require.NoError(t, err)
	s, err := NewStore(kv)
	require.NoError(t, err)
	conv := NewConversation(ModeDedicated, 9)
	require.NoError(t, s.Put(ctx, conv))
	_, err = s.AppendTurn(ctx, conv.ID, RoleUser, "do you deliver?")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	kv, err = NewSQLiteKV(dsn)
	require.NoError(t, err)
	s, err = NewStore(kv)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	convs, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	require.Equal(t, conv.ID, convs[0].ID)
	history, err := s.History(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, "do you deliver?", history[0].Text)
}
