package repository

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"campus_connect/internal/messaging/domain"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreCRUD(t *testing.T) {
	ctx := context.Background()
	mClock := quartz.NewMock(t)
	store := NewMemoryStore(mClock)

	raw, err := store.Insert(ctx, domain.TableConversations, domain.Conversation{
		ItemID: "item-42", ItemTitle: "Desk lamp", BuyerID: "buyer-1", SellerID: "seller-2",
	})
	require.NoError(t, err)

	var conv domain.Conversation
	require.NoError(t, json.Unmarshal(raw, &conv))
	assert.NotEmpty(t, conv.ID, "id generated")
	assert.Equal(t, mClock.Now().UTC(), conv.CreatedAt.UTC())
	assert.Equal(t, mClock.Now().UTC(), conv.UpdatedAt.UTC())

	for i, content := range []string{"first", "second", "third"} {
		mClock.Set(mClock.Now().Add(time.Second))
		_, err := store.Insert(ctx, domain.TableMessages, domain.Message{
			ConversationID: conv.ID, SenderID: "buyer-1", ReceiverID: "seller-2", Content: content,
			CreatedAt: mClock.Now().Add(time.Duration(-i) * time.Millisecond),
		})
		require.NoError(t, err)
	}

	rows, err := store.Query(ctx, domain.TableMessages, Eq("conversation_id", conv.ID), &Order{Column: "created_at"})
	require.NoError(t, err)
	msgs, err := DecodeRows[domain.Message](rows)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, []string{"first", "second", "third"}, []string{msgs[0].Content, msgs[1].Content, msgs[2].Content})

	updated, err := store.Update(ctx, domain.TableMessages, msgs[1].ID, map[string]any{"is_read": true, "id": "hijack"})
	require.NoError(t, err)
	var m domain.Message
	require.NoError(t, json.Unmarshal(updated, &m))
	assert.True(t, m.IsRead)
	assert.Equal(t, msgs[1].ID, m.ID, "primary key is not patchable")

	_, err = store.Update(ctx, domain.TableMessages, "missing", map[string]any{"is_read": true})
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Delete(ctx, domain.TableMessages, msgs[0].ID))
	assert.ErrorIs(t, store.Delete(ctx, domain.TableMessages, msgs[0].ID), ErrNotFound)

	_, err = store.Insert(ctx, domain.TableMessages, map[string]any{"id": msgs[1].ID})
	assert.Error(t, err, "duplicate id")

	_, err = store.Query(ctx, "clubs", Filter{}, nil)
	assert.ErrorIs(t, err, ErrUnknownTable)
}

func TestMemoryStoreUpdateUserStatus(t *testing.T) {
	ctx := context.Background()
	mClock := quartz.NewMock(t)
	store := NewMemoryStore(mClock)

	conv := "c1"
	raw, err := store.CallProcedure(ctx, domain.ProcUpdateUserStatus, domain.PresenceRequest{
		UserID: "u1", Status: domain.StatusOnline, IsTyping: true, TypingConversationID: &conv,
	}.Args())
	require.NoError(t, err)

	var st domain.UserStatus
	require.NoError(t, json.Unmarshal(raw, &st))
	assert.Equal(t, domain.StatusOnline, st.Status)
	in, typing := st.TypingIn()
	assert.True(t, typing)
	assert.Equal(t, "c1", in)

	// upsert keeps a single row per user
	_, err = store.CallProcedure(ctx, domain.ProcUpdateUserStatus, domain.PresenceRequest{
		UserID: "u1", Status: domain.StatusAway, TypingConversationID: &conv,
	}.Args())
	require.NoError(t, err)
	rows, err := store.Query(ctx, domain.TableUserStatus, Filter{}, nil)
	require.NoError(t, err)
	statuses, err := DecodeRows[domain.UserStatus](rows)
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, domain.StatusAway, statuses[0].Status)
	assert.Nil(t, statuses[0].TypingInConversation, "typing conversation dropped when not typing")

	_, err = store.CallProcedure(ctx, domain.ProcUpdateUserStatus, map[string]any{"p_user_id": "u1", "p_status": "busy"})
	assert.Error(t, err)
	_, err = store.CallProcedure(ctx, "drop_everything", nil)
	assert.ErrorIs(t, err, ErrUnknownProcedure)
}

func TestMemoryStoreExpireStalePresence(t *testing.T) {
	ctx := context.Background()
	mClock := quartz.NewMock(t)
	store := NewMemoryStore(mClock)

	for _, id := range []string{"stale", "offline"} {
		_, err := store.CallProcedure(ctx, domain.ProcUpdateUserStatus, domain.PresenceRequest{UserID: id, Status: domain.StatusOnline}.Args())
		require.NoError(t, err)
	}
	_, err := store.CallProcedure(ctx, domain.ProcUpdateUserStatus, domain.PresenceRequest{UserID: "offline", Status: domain.StatusOffline}.Args())
	require.NoError(t, err)

	mClock.Set(mClock.Now().Add(80 * time.Second))
	_, err = store.CallProcedure(ctx, domain.ProcUpdateUserStatus, domain.PresenceRequest{UserID: "fresh", Status: domain.StatusAway}.Args())
	require.NoError(t, err)

	mClock.Set(mClock.Now().Add(20 * time.Second))
	raw, err := store.CallProcedure(ctx, domain.ProcExpireStalePresence, map[string]any{"p_ttl_seconds": 90})
	require.NoError(t, err)

	var expired []domain.UserStatus
	require.NoError(t, json.Unmarshal(raw, &expired))
	require.Len(t, expired, 1)
	assert.Equal(t, "stale", expired[0].UserID)
	assert.Equal(t, domain.StatusOffline, expired[0].Status)

	rows, err := store.Query(ctx, domain.TableUserStatus, Eq("status", "away"), nil)
	require.NoError(t, err)
	assert.Len(t, rows, 1, "fresh row untouched")

	_, err = store.CallProcedure(ctx, domain.ProcExpireStalePresence, map[string]any{})
	assert.Error(t, err)
}
