package app

import (
	"context"
	"sync"

	"campus_connect/internal/messaging/domain"
	"campus_connect/internal/messaging/repository"
	"campus_connect/pkg/logger"

	"go.uber.org/zap"
)

// Subscription handle of one open change feed subscription
type Subscription struct {
	name string

	mu          sync.Mutex
	disposed    bool
	unsubscribe func()
}

// Dispose stops the subscription. Safe to call more than once; once it returns
// the handler is never invoked again. Must not be called from inside the
// subscription's own handler.
func (s *Subscription) Dispose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return
	}
	s.disposed = true
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	logger.Log.Debug("subscription disposed", zap.String("name", s.name))
}

// Disposed reports whether Dispose has run
func (s *Subscription) Disposed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disposed
}

// deliver runs f unless the subscription is already disposed. Dispose waits for
// a running delivery to finish.
func (s *Subscription) deliver(f func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return
	}
	f()
}

// SubscriptionManager opens typed subscriptions on the change feed
type SubscriptionManager struct {
	feed repository.Feed
}

// NewSubscriptionManager create SubscriptionManager
func NewSubscriptionManager(feed repository.Feed) *SubscriptionManager {
	return &SubscriptionManager{feed: feed}
}

// SubscribeMessages new messages of one conversation, in commit order
func (m *SubscriptionManager) SubscribeMessages(ctx context.Context, conversationID string, onInsert func(domain.Message)) (*Subscription, error) {
	topic := repository.Topic{
		Table:  domain.TableMessages,
		Filter: repository.Eq("conversation_id", conversationID),
		Events: []domain.EventType{domain.EventInsert},
	}
	return m.subscribe(ctx, "messages:"+conversationID, topic, func(c domain.Change) {
		mc, ok := c.(domain.MessageChange)
		if !ok || mc.New.ConversationID != conversationID {
			return
		}
		onInsert(mc.New)
	})
}

// SubscribeConversations every change of a conversation userID is buyer or seller of
func (m *SubscriptionManager) SubscribeConversations(ctx context.Context, userID string, onChange func(domain.ConversationChange)) (*Subscription, error) {
	topic := repository.Topic{
		Table: domain.TableConversations,
		Filter: repository.AnyOf(
			repository.Condition{Column: "buyer_id", Op: repository.OpEq, Value: userID},
			repository.Condition{Column: "seller_id", Op: repository.OpEq, Value: userID},
		),
	}
	return m.subscribe(ctx, "conversations:"+userID, topic, func(c domain.Change) {
		cc, ok := c.(domain.ConversationChange)
		if !ok {
			return
		}
		// feed 端的 filter 只是盡力而為，這裡再確認一次
		if !cc.New.HasParticipant(userID) && (cc.Old == nil || !cc.Old.HasParticipant(userID)) {
			return
		}
		onChange(cc)
	})
}

// SubscribeUserStatus every user_status change, unfiltered. userID only names
// the subscription.
func (m *SubscriptionManager) SubscribeUserStatus(ctx context.Context, userID string, onChange func(domain.UserStatusChange)) (*Subscription, error) {
	topic := repository.Topic{Table: domain.TableUserStatus}
	return m.subscribe(ctx, "user_status:"+userID, topic, func(c domain.Change) {
		sc, ok := c.(domain.UserStatusChange)
		if !ok {
			return
		}
		onChange(sc)
	})
}

func (m *SubscriptionManager) subscribe(ctx context.Context, name string, topic repository.Topic, handle func(domain.Change)) (*Subscription, error) {
	s := &Subscription{name: name}
	// 先持有鎖，確保 unsubscribe 設定完成前不會有事件進來
	s.mu.Lock()
	defer s.mu.Unlock()

	unsubscribe, err := m.feed.Subscribe(ctx, topic, func(p repository.ChangePayload) {
		c, err := domain.DecodeChange(p.Table, p.EventType, p.Old, p.New)
		if err != nil {
			logger.Log.Warn("drop undecodable change", zap.String("subscription", name), zap.Error(err))
			return
		}
		s.deliver(func() { handle(c) })
	})
	if err != nil {
		return nil, err
	}
	s.unsubscribe = unsubscribe
	logger.Log.Debug("subscription opened", zap.String("name", name))
	return s, nil
}
