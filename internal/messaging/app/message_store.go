package app

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"campus_connect/internal/messaging/domain"
	"campus_connect/internal/messaging/repository"
	"campus_connect/pkg/logger"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MessageStore client side state of one user: the open conversation and its
// messages, the conversation list, who is online and who is typing. Every
// mutation goes through the store lock; listeners get a fresh Snapshot after
// each change.
type MessageStore struct {
	store  repository.Store
	clock  quartz.Clock
	userID string

	mu            sync.Mutex
	current       *domain.Conversation
	selectGen     uint64
	messages      []domain.Message
	seen          map[string]struct{}
	conversations []domain.Conversation
	online        map[string]struct{}
	typing        map[string]string // userID -> conversationID
	listeners     map[int]func(domain.Snapshot)
	nextListener  int

	notifyMu sync.Mutex
}

// NewMessageStore create MessageStore for userID
func NewMessageStore(store repository.Store, clock quartz.Clock, userID string) *MessageStore {
	return &MessageStore{
		store:     store,
		clock:     clock,
		userID:    userID,
		seen:      map[string]struct{}{},
		online:    map[string]struct{}{},
		typing:    map[string]string{},
		listeners: map[int]func(domain.Snapshot){},
	}
}

// OnChange registers a listener called with the new Snapshot after every
// change. Listeners must not block.
func (s *MessageStore) OnChange(listener func(domain.Snapshot)) (remove func()) {
	s.mu.Lock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = listener
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// SelectConversation opens conv and loads its history
func (s *MessageStore) SelectConversation(ctx context.Context, conv domain.Conversation) error {
	gen := s.Open(conv)
	return s.LoadHistory(ctx, conv.ID, gen)
}

// Open makes conv the current conversation with an empty message list.
// Returns the selection generation LoadHistory needs.
func (s *MessageStore) Open(conv domain.Conversation) uint64 {
	s.mu.Lock()
	c := conv
	c.Messages = nil
	s.current = &c
	s.messages = nil
	s.seen = map[string]struct{}{}
	s.selectGen++
	gen := s.selectGen
	s.mu.Unlock()

	s.notify()
	return gen
}

// LoadHistory fetches the messages of conversationID oldest first and merges
// them ahead of anything the subscription delivered meanwhile. The result is
// discarded if another conversation was opened since gen. A failed fetch is
// logged and leaves the list as it is.
func (s *MessageStore) LoadHistory(ctx context.Context, conversationID string, gen uint64) error {
	rows, err := s.store.Query(ctx, domain.TableMessages,
		repository.Eq("conversation_id", conversationID),
		&repository.Order{Column: "created_at"},
	)
	if err != nil {
		logger.Log.Warn("load history failed", zap.String("conversationID", conversationID), zap.Error(err))
		return nil
	}
	history, err := repository.DecodeRows[domain.Message](rows)
	if err != nil {
		logger.Log.Warn("decode history failed", zap.String("conversationID", conversationID), zap.Error(err))
		return nil
	}

	s.mu.Lock()
	if gen != s.selectGen {
		s.mu.Unlock()
		logger.Log.Debug("discard stale history", zap.String("conversationID", conversationID))
		return nil
	}
	live := s.messages
	merged := make([]domain.Message, 0, len(history)+len(live))
	seen := make(map[string]struct{}, len(history)+len(live))
	for _, m := range history {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		merged = append(merged, m)
	}
	// 查詢期間由訂閱收到的訊息接在歷史之後
	for _, m := range live {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		merged = append(merged, m)
	}
	s.messages = merged
	s.seen = seen
	s.mu.Unlock()

	s.notify()
	return nil
}

// AppendIncomingMessage appends m to the open conversation. Messages of other
// conversations and ids already present are ignored; reports whether m was
// appended.
func (s *MessageStore) AppendIncomingMessage(m domain.Message) bool {
	s.mu.Lock()
	if s.current == nil || s.current.ID != m.ConversationID {
		s.mu.Unlock()
		return false
	}
	if _, dup := s.seen[m.ID]; dup {
		s.mu.Unlock()
		return false
	}
	s.seen[m.ID] = struct{}{}
	s.messages = append(s.messages, m)
	s.mu.Unlock()

	s.notify()
	return true
}

// MarkAsRead flags a message addressed to the local user as read on the backend
func (s *MessageStore) MarkAsRead(ctx context.Context, messageID string) error {
	m, err := s.FindMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if m.ReceiverID != s.userID {
		return fmt.Errorf("mark message %s read: %w", messageID, domain.ErrNotReceiver)
	}
	if !m.IsRead {
		if _, err := s.store.Update(ctx, domain.TableMessages, messageID, map[string]any{"is_read": true}); err != nil {
			return fmt.Errorf("mark message %s read: %w", messageID, err)
		}
	}

	s.mu.Lock()
	changed := false
	for i := range s.messages {
		if s.messages[i].ID == messageID && !s.messages[i].IsRead {
			s.messages[i].IsRead = true
			changed = true
		}
	}
	s.mu.Unlock()
	if changed {
		s.notify()
	}
	return nil
}

// SendMessage writes a new message from senderID to receiverID. On failure the
// local state is untouched. The conversation summary update is best effort.
func (s *MessageStore) SendMessage(ctx context.Context, conversationID, senderID, receiverID, content string) (domain.Message, error) {
	if strings.TrimSpace(content) == "" {
		return domain.Message{}, domain.ErrEmptyMessage
	}
	now := s.clock.Now().UTC()
	msg := domain.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		ReceiverID:     receiverID,
		Content:        content,
		CreatedAt:      now,
	}

	raw, err := s.store.Insert(ctx, domain.TableMessages, msg)
	if err != nil {
		return domain.Message{}, fmt.Errorf("send message: %w", err)
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return domain.Message{}, fmt.Errorf("decode sent message: %w", err)
	}

	if _, err := s.store.Update(ctx, domain.TableConversations, conversationID, map[string]any{
		"last_message":      content,
		"last_message_time": msg.CreatedAt,
		"updated_at":        now,
	}); err != nil {
		logger.Log.Warn("update conversation summary failed", zap.String("conversationID", conversationID), zap.Error(err))
	}

	// 自己的訊息也會經由訂閱回來，以 id 去重
	s.AppendIncomingMessage(msg)
	return msg, nil
}

// ListConversations every conversation userID takes part in, most recently
// updated first. The result replaces the local list.
func (s *MessageStore) ListConversations(ctx context.Context, userID string) ([]domain.Conversation, error) {
	rows, err := s.store.Query(ctx, domain.TableConversations,
		repository.AnyOf(
			repository.Condition{Column: "buyer_id", Op: repository.OpEq, Value: userID},
			repository.Condition{Column: "seller_id", Op: repository.OpEq, Value: userID},
		),
		&repository.Order{Column: "updated_at", Desc: true},
	)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	convs, err := repository.DecodeRows[domain.Conversation](rows)
	if err != nil {
		return nil, fmt.Errorf("decode conversations: %w", err)
	}

	s.mu.Lock()
	s.conversations = convs
	s.mu.Unlock()
	s.notify()
	return cloneConversations(convs), nil
}

// FindConversation loads one conversation by id
func (s *MessageStore) FindConversation(ctx context.Context, conversationID string) (domain.Conversation, error) {
	rows, err := s.store.Query(ctx, domain.TableConversations, repository.Eq("id", conversationID), nil)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("find conversation: %w", err)
	}
	convs, err := repository.DecodeRows[domain.Conversation](rows)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("decode conversation: %w", err)
	}
	if len(convs) == 0 {
		return domain.Conversation{}, fmt.Errorf("%w: conversation %s", repository.ErrNotFound, conversationID)
	}
	return convs[0], nil
}

// FindMessage loads one message by id
func (s *MessageStore) FindMessage(ctx context.Context, messageID string) (domain.Message, error) {
	rows, err := s.store.Query(ctx, domain.TableMessages, repository.Eq("id", messageID), nil)
	if err != nil {
		return domain.Message{}, fmt.Errorf("find message: %w", err)
	}
	msgs, err := repository.DecodeRows[domain.Message](rows)
	if err != nil {
		return domain.Message{}, fmt.Errorf("decode message: %w", err)
	}
	if len(msgs) == 0 {
		return domain.Message{}, fmt.Errorf("%w: message %s", repository.ErrNotFound, messageID)
	}
	return msgs[0], nil
}

// StartConversation returns the conversation of (itemID, buyerID, sellerID),
// creating it when the buyer makes first contact
func (s *MessageStore) StartConversation(ctx context.Context, itemID, itemTitle, buyerID, sellerID string) (domain.Conversation, error) {
	if buyerID == sellerID {
		return domain.Conversation{}, fmt.Errorf("buyer and seller are the same user")
	}
	rows, err := s.store.Query(ctx, domain.TableConversations, repository.AllOf(
		repository.Condition{Column: "item_id", Op: repository.OpEq, Value: itemID},
		repository.Condition{Column: "buyer_id", Op: repository.OpEq, Value: buyerID},
		repository.Condition{Column: "seller_id", Op: repository.OpEq, Value: sellerID},
	), &repository.Order{Column: "created_at"})
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("find conversation: %w", err)
	}
	existing, err := repository.DecodeRows[domain.Conversation](rows)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("decode conversation: %w", err)
	}
	if len(existing) > 0 {
		s.upsertConversation(existing[0])
		return existing[0], nil
	}

	now := s.clock.Now().UTC()
	conv := domain.Conversation{
		ID:        uuid.NewString(),
		ItemID:    itemID,
		ItemTitle: itemTitle,
		BuyerID:   buyerID,
		SellerID:  sellerID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	raw, err := s.store.Insert(ctx, domain.TableConversations, conv)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	if err := json.Unmarshal(raw, &conv); err != nil {
		return domain.Conversation{}, fmt.Errorf("decode conversation: %w", err)
	}
	s.upsertConversation(conv)
	return conv, nil
}

// ApplyConversationChange refreshes a conversation summary from the feed
func (s *MessageStore) ApplyConversationChange(c domain.ConversationChange) {
	if c.EventType == domain.EventDelete {
		if c.Old == nil {
			return
		}
		s.mu.Lock()
		for i := range s.conversations {
			if s.conversations[i].ID == c.Old.ID {
				s.conversations = append(s.conversations[:i], s.conversations[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
		s.notify()
		return
	}
	s.upsertConversation(c.New)
}

func (s *MessageStore) upsertConversation(conv domain.Conversation) {
	conv.Messages = nil

	s.mu.Lock()
	found := false
	for i := range s.conversations {
		if s.conversations[i].ID == conv.ID {
			s.conversations[i] = conv
			found = true
			break
		}
	}
	if !found {
		s.conversations = append([]domain.Conversation{conv}, s.conversations...)
	}
	sort.SliceStable(s.conversations, func(i, j int) bool {
		return s.conversations[i].UpdatedAt.After(s.conversations[j].UpdatedAt)
	})
	if s.current != nil && s.current.ID == conv.ID {
		c := conv
		s.current = &c
	}
	s.mu.Unlock()
	s.notify()
}

// SeedOnlineUsers adds a snapshot of online users
func (s *MessageStore) SeedOnlineUsers(userIDs []string) {
	s.mu.Lock()
	for _, id := range userIDs {
		s.online[id] = struct{}{}
	}
	s.mu.Unlock()
	s.notify()
}

// ApplyUserStatus folds one user_status row into the online set and the
// typing list; the latest row per user wins
func (s *MessageStore) ApplyUserStatus(st domain.UserStatus) {
	s.mu.Lock()
	if st.Status == domain.StatusOnline {
		s.online[st.UserID] = struct{}{}
	} else {
		delete(s.online, st.UserID)
	}
	if conv, ok := st.TypingIn(); ok && st.Status != domain.StatusOffline {
		s.typing[st.UserID] = conv
	} else {
		delete(s.typing, st.UserID)
	}
	s.mu.Unlock()
	s.notify()
}

// OnlineUsers sorted ids of online users
func (s *MessageStore) OnlineUsers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.onlineLocked()
}

// IsOnline reports whether userID is online
func (s *MessageStore) IsOnline(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.online[userID]
	return ok
}

// TypingUsers other users typing in the open conversation
func (s *MessageStore) TypingUsers() []domain.TypingEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.typingLocked()
}

// Messages copy of the open conversation's messages
func (s *MessageStore) Messages() []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Message(nil), s.messages...)
}

// Current the open conversation
func (s *MessageStore) Current() (domain.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return domain.Conversation{}, false
	}
	return *s.current, true
}

// Snapshot everything the UI renders
func (s *MessageStore) Snapshot() domain.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *MessageStore) snapshotLocked() domain.Snapshot {
	snap := domain.Snapshot{
		Messages:      append([]domain.Message{}, s.messages...),
		Conversations: cloneConversations(s.conversations),
		OnlineUsers:   s.onlineLocked(),
		Typing:        s.typingLocked(),
	}
	if s.current != nil {
		c := *s.current
		snap.Conversation = &c
	}
	return snap
}

func (s *MessageStore) onlineLocked() []string {
	ids := make([]string, 0, len(s.online))
	for id := range s.online {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *MessageStore) typingLocked() []domain.TypingEntry {
	entries := []domain.TypingEntry{}
	if s.current == nil {
		return entries
	}
	for user, conv := range s.typing {
		if conv != s.current.ID || user == s.userID {
			continue
		}
		entries = append(entries, domain.TypingEntry{UserID: user, ConversationID: conv})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].UserID < entries[j].UserID })
	return entries
}

// notify hands listeners a snapshot taken after the change. notifyMu keeps
// snapshots in order so the last one delivered is always the latest state.
func (s *MessageStore) notify() {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if len(s.listeners) == 0 {
		s.mu.Unlock()
		return
	}
	snap := s.snapshotLocked()
	listeners := make([]func(domain.Snapshot), 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.mu.Unlock()

	for _, l := range listeners {
		l(snap)
	}
}

func cloneConversations(in []domain.Conversation) []domain.Conversation {
	out := make([]domain.Conversation, len(in))
	copy(out, in)
	return out
}
