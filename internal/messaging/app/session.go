package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"campus_connect/internal/messaging/domain"
	"campus_connect/internal/messaging/repository"
	"campus_connect/pkg/logger"

	"github.com/coder/quartz"
	"go.uber.org/zap"
)

// ErrNotMounted the session is not mounted
var ErrNotMounted = errors.New("session is not mounted")

// SessionConfig timings of one session
type SessionConfig struct {
	Debounce   time.Duration
	Heartbeat  time.Duration
	TypingIdle time.Duration
}

// Session one mounted messaging view of one user: it owns the subscriptions,
// the presence and typing controllers and the message store, and tears them
// all down on unmount
type Session struct {
	userID   string
	subs     *SubscriptionManager
	presence *PresenceController
	typing   *TypingController
	store    *MessageStore

	mu              sync.Mutex
	ctx             context.Context
	cancel          context.CancelFunc
	mounted         bool
	conversationSub *Subscription
	statusSub       *Subscription
	messageSub      *Subscription
	msgGen          uint64
	reads           sync.WaitGroup
}

// NewSession create Session for userID
func NewSession(userID string, backend repository.Backend, clock quartz.Clock, cfg SessionConfig) *Session {
	presence := NewPresenceController(backend, clock, userID, cfg.Debounce, cfg.Heartbeat)
	return &Session{
		userID:   userID,
		subs:     NewSubscriptionManager(backend),
		presence: presence,
		typing:   NewTypingController(presence, clock, cfg.TypingIdle),
		store:    NewMessageStore(backend, clock, userID),
	}
}

// UserID owner of the session
func (s *Session) UserID() string { return s.userID }

// Store the session's state
func (s *Session) Store() *MessageStore { return s.store }

// Typing the session's typing controller
func (s *Session) Typing() *TypingController { return s.typing }

// Presence the session's presence controller
func (s *Session) Presence() *PresenceController { return s.presence }

// Mount subscribes to conversation and status changes, goes online and seeds
// the online set
func (s *Session) Mount(ctx context.Context) error {
	s.mu.Lock()
	if s.mounted {
		s.mu.Unlock()
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.mounted = true
	sessCtx := s.ctx
	s.mu.Unlock()

	convSub, err := s.subs.SubscribeConversations(sessCtx, s.userID, s.store.ApplyConversationChange)
	if err != nil {
		s.abortMount()
		return fmt.Errorf("subscribe conversations: %w", err)
	}
	statusSub, err := s.subs.SubscribeUserStatus(sessCtx, s.userID, func(c domain.UserStatusChange) {
		s.store.ApplyUserStatus(c.New)
	})
	if err != nil {
		convSub.Dispose()
		s.abortMount()
		return fmt.Errorf("subscribe user status: %w", err)
	}

	s.mu.Lock()
	if !s.mounted {
		s.mu.Unlock()
		convSub.Dispose()
		statusSub.Dispose()
		return ErrNotMounted
	}
	s.conversationSub = convSub
	s.statusSub = statusSub
	s.mu.Unlock()

	s.store.SeedOnlineUsers(s.presence.Mount(ctx))
	logger.Log.Info("session mounted", zap.String("userID", s.userID))
	return nil
}

func (s *Session) abortMount() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mounted = false
	s.cancel()
}

// SelectConversation switches the open conversation. The previous message
// subscription is disposed, the new one opens before the history is fetched
// so nothing committed in between is missed.
func (s *Session) SelectConversation(ctx context.Context, conversationID string) (domain.Conversation, error) {
	conv, err := s.store.FindConversation(ctx, conversationID)
	if err != nil {
		return domain.Conversation{}, err
	}
	if !conv.HasParticipant(s.userID) {
		return domain.Conversation{}, domain.ErrNotParticipant
	}

	s.mu.Lock()
	if !s.mounted {
		s.mu.Unlock()
		return domain.Conversation{}, ErrNotMounted
	}
	old := s.messageSub
	s.messageSub = nil
	s.msgGen++
	gen := s.msgGen
	sessCtx := s.ctx
	s.mu.Unlock()

	// Dispose 會等正在執行的 handler，因此不可持有 s.mu
	if old != nil {
		old.Dispose()
	}
	if prev, ok := s.store.Current(); ok && prev.ID != conv.ID {
		s.typing.StopIfTypingIn(prev.ID)
	}

	loadGen := s.store.Open(conv)
	sub, err := s.subs.SubscribeMessages(sessCtx, conv.ID, func(m domain.Message) {
		s.onMessage(gen, m)
	})
	if err != nil {
		logger.Log.Error("subscribe messages failed", zap.String("conversationID", conv.ID), zap.Error(err))
	} else {
		s.mu.Lock()
		if s.mounted && s.msgGen == gen {
			s.messageSub = sub
			sub = nil
		}
		s.mu.Unlock()
		if sub != nil {
			// 期間已切換到別的對話或已 unmount
			sub.Dispose()
		}
	}

	if err := s.store.LoadHistory(ctx, conv.ID, loadGen); err != nil {
		return conv, err
	}
	return conv, nil
}

// InputChanged the message box of the open conversation changed
func (s *Session) InputChanged(hasText bool) error {
	conv, ok := s.store.Current()
	if !ok {
		return domain.ErrNoConversation
	}
	s.typing.OnLocalInputChange(conv.ID, hasText)
	return nil
}

// Send sends content to the other participant of the open conversation
func (s *Session) Send(ctx context.Context, content string) (domain.Message, error) {
	conv, ok := s.store.Current()
	if !ok {
		return domain.Message{}, domain.ErrNoConversation
	}
	receiver, err := conv.Counterpart(s.userID)
	if err != nil {
		return domain.Message{}, err
	}
	s.typing.StopIfTypingIn(conv.ID)
	return s.store.SendMessage(ctx, conv.ID, s.userID, receiver, content)
}

// StartConversation opens the conversation with sellerID about itemID,
// creating it if needed, and sends the first message when one is given
func (s *Session) StartConversation(ctx context.Context, itemID, itemTitle, sellerID, firstMessage string) (domain.Conversation, error) {
	conv, err := s.store.StartConversation(ctx, itemID, itemTitle, s.userID, sellerID)
	if err != nil {
		return domain.Conversation{}, err
	}
	if _, err := s.SelectConversation(ctx, conv.ID); err != nil {
		return conv, err
	}
	if firstMessage == "" {
		return conv, nil
	}
	if _, err := s.Send(ctx, firstMessage); err != nil {
		return conv, err
	}
	return conv, nil
}

// ListConversations refreshes the conversation list
func (s *Session) ListConversations(ctx context.Context) ([]domain.Conversation, error) {
	return s.store.ListConversations(ctx, s.userID)
}

// MarkRead marks one message read on request of the client. Messages not
// addressed to the session user fail with domain.ErrNotReceiver.
func (s *Session) MarkRead(ctx context.Context, messageID string) error {
	return s.store.MarkAsRead(ctx, messageID)
}

// SetStatus requests an explicit status such as away, debounced like every
// other presence request
func (s *Session) SetStatus(status domain.PresenceStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", domain.ErrInvalidStatus, status)
	}
	if status != domain.StatusOnline {
		// away / offline 不會同時在打字
		if state, conv := s.typing.State(); state == TypingActive {
			s.typing.StopTyping(conv)
		}
	}
	s.presence.SetStatus(status)
	return nil
}

// BrowserOnline the browser regained connectivity
func (s *Session) BrowserOnline() { s.presence.BrowserOnline() }

// BrowserOffline the browser lost connectivity
func (s *Session) BrowserOffline() { s.presence.BrowserOffline() }

// Unload the page is going away; write offline now. The session stays
// mounted in case the page survives.
func (s *Session) Unload(ctx context.Context) {
	if state, conv := s.typing.State(); state == TypingActive {
		s.typing.StopTyping(conv)
	}
	s.presence.Unload(ctx)
}

// Unmount disposes every subscription, stops typing, writes offline and waits
// for outstanding read receipts
func (s *Session) Unmount() {
	s.mu.Lock()
	if !s.mounted {
		s.mu.Unlock()
		return
	}
	s.mounted = false
	s.msgGen++
	subs := []*Subscription{s.messageSub, s.conversationSub, s.statusSub}
	s.messageSub, s.conversationSub, s.statusSub = nil, nil, nil
	ctx, cancel := s.ctx, s.cancel
	s.mu.Unlock()

	for _, sub := range subs {
		if sub != nil {
			sub.Dispose()
		}
	}
	s.typing.Close()
	s.presence.Unload(ctx)
	s.presence.Close()
	s.reads.Wait()
	cancel()
	logger.Log.Info("session unmounted", zap.String("userID", s.userID))
}

// Snapshot what the UI renders right now
func (s *Session) Snapshot() domain.Snapshot {
	return s.store.Snapshot()
}

// OnChange registers a state listener
func (s *Session) OnChange(listener func(domain.Snapshot)) (remove func()) {
	return s.store.OnChange(listener)
}

// onMessage a new message arrived on the subscription opened for gen
func (s *Session) onMessage(gen uint64, m domain.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.mounted || s.msgGen != gen {
		return
	}
	if !s.store.AppendIncomingMessage(m) {
		return
	}
	if m.ReceiverID != s.userID || m.IsRead {
		return
	}
	s.reads.Add(1)
	go func(ctx context.Context, id string) {
		defer s.reads.Done()
		if err := s.store.MarkAsRead(ctx, id); err != nil {
			logger.Log.Warn("mark as read failed", zap.String("messageID", id), zap.Error(err))
		}
	}(s.ctx, m.ID)
}
