package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"campus_connect/internal/messaging/domain"
	"campus_connect/internal/messaging/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func messageChange(event domain.EventType, id, conversationID string) repository.ChangePayload {
	raw, _ := json.Marshal(domain.Message{
		ID:             id,
		ConversationID: conversationID,
		SenderID:       "buyer-1",
		ReceiverID:     "seller-2",
		Content:        "hi",
	})
	return repository.ChangePayload{EventType: event, Table: domain.TableMessages, New: raw}
}

func conversationChange(id, buyerID, sellerID string) repository.ChangePayload {
	raw, _ := json.Marshal(domain.Conversation{ID: id, ItemID: "item-42", BuyerID: buyerID, SellerID: sellerID})
	return repository.ChangePayload{EventType: domain.EventUpdate, Table: domain.TableConversations, New: raw}
}

type idRecorder struct {
	mu  sync.Mutex
	ids []string
}

func (r *idRecorder) add(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
}

func (r *idRecorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

func TestSubscribeMessagesDeliversInOrder(t *testing.T) {
	defer goleak.VerifyNone(t, leakOptions...)
	ctx := context.Background()
	feed := repository.NewMemoryFeed()
	defer feed.Close()

	var rec idRecorder
	sub, err := NewSubscriptionManager(feed).SubscribeMessages(ctx, "c1", func(m domain.Message) {
		rec.add(m.ID)
	})
	require.NoError(t, err)
	defer sub.Dispose()

	const n = 30
	want := make([]string, 0, n+1)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("m%d", i)
		want = append(want, id)
		require.NoError(t, feed.Publish(ctx, messageChange(domain.EventInsert, id, "c1")))
		require.NoError(t, feed.Publish(ctx, messageChange(domain.EventInsert, fmt.Sprintf("x%d", i), "c2")))
	}
	// 只收 INSERT
	require.NoError(t, feed.Publish(ctx, messageChange(domain.EventUpdate, "m0", "c1")))
	require.NoError(t, feed.Publish(ctx, messageChange(domain.EventInsert, "end", "c1")))
	want = append(want, "end")

	assert.Eventually(t, func() bool { return len(rec.get()) == n+1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, want, rec.get())
}

func TestSubscriptionDispose(t *testing.T) {
	feed := new(MockFeed)
	unsubscribed := 0
	feed.On("Subscribe", mock.Anything, mock.MatchedBy(func(topic repository.Topic) bool {
		return topic.Table == domain.TableMessages && len(topic.Events) == 1
	}), mock.Anything).Return(func() { unsubscribed++ }, nil)

	var rec idRecorder
	sub, err := NewSubscriptionManager(feed).SubscribeMessages(context.Background(), "c1", func(m domain.Message) {
		rec.add(m.ID)
	})
	require.NoError(t, err)

	feed.Deliver(0, messageChange(domain.EventInsert, "m1", "c1"))
	assert.Equal(t, []string{"m1"}, rec.get())
	assert.False(t, sub.Disposed())

	sub.Dispose()
	sub.Dispose()
	assert.Equal(t, 1, unsubscribed)
	assert.True(t, sub.Disposed())

	// 已 dispose 的訂閱不再回呼
	feed.Deliver(0, messageChange(domain.EventInsert, "m2", "c1"))
	assert.Equal(t, []string{"m1"}, rec.get())
	feed.AssertNumberOfCalls(t, "Subscribe", 1)
}

func TestSubscribeConversationsFiltersParticipants(t *testing.T) {
	feed := new(MockFeed)
	feed.On("Subscribe", mock.Anything, mock.Anything, mock.Anything).Return(func() {}, nil)

	var rec idRecorder
	sub, err := NewSubscriptionManager(feed).SubscribeConversations(context.Background(), "buyer-1", func(c domain.ConversationChange) {
		rec.add(c.New.ID)
	})
	require.NoError(t, err)
	defer sub.Dispose()

	feed.Deliver(0, conversationChange("c1", "buyer-1", "seller-2"))
	feed.Deliver(0, conversationChange("c2", "buyer-9", "seller-2"))
	feed.Deliver(0, conversationChange("c3", "buyer-9", "buyer-1"))
	assert.Equal(t, []string{"c1", "c3"}, rec.get())
}

func TestSubscribeDropsUndecodablePayload(t *testing.T) {
	feed := new(MockFeed)
	feed.On("Subscribe", mock.Anything, mock.Anything, mock.Anything).Return(func() {}, nil)

	var rec idRecorder
	sub, err := NewSubscriptionManager(feed).SubscribeUserStatus(context.Background(), "buyer-1", func(c domain.UserStatusChange) {
		rec.add(c.New.UserID)
	})
	require.NoError(t, err)
	defer sub.Dispose()

	feed.Deliver(0, repository.ChangePayload{EventType: domain.EventUpdate, Table: domain.TableUserStatus, New: json.RawMessage(`{"user_id":42}`)})
	feed.Deliver(0, repository.ChangePayload{EventType: domain.EventUpdate, Table: domain.TableUserStatus, New: json.RawMessage(`{}`)})
	feed.Deliver(0, repository.ChangePayload{EventType: domain.EventUpdate, Table: domain.TableUserStatus, New: json.RawMessage(`{"user_id":"seller-2","status":"online"}`)})
	assert.Equal(t, []string{"seller-2"}, rec.get())
}

func TestSubscribeFeedError(t *testing.T) {
	feed := new(MockFeed)
	feed.On("Subscribe", mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("feed down"))

	sub, err := NewSubscriptionManager(feed).SubscribeMessages(context.Background(), "c1", func(domain.Message) {})
	assert.Error(t, err)
	assert.Nil(t, sub)
}
