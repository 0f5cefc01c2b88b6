package domain

import (
	"errors"
	"time"
)

// PresenceStatus 使用者在線狀態
type PresenceStatus string

const (
	// StatusOnline user has a live session
	StatusOnline PresenceStatus = "online"
	// StatusOffline user left or expired
	StatusOffline PresenceStatus = "offline"
	// StatusAway user idle
	StatusAway PresenceStatus = "away"
)

// ErrInvalidStatus status is not online, offline or away
var ErrInvalidStatus = errors.New("invalid presence status")

// Valid reports whether s is one of the known statuses
func (s PresenceStatus) Valid() bool {
	switch s {
	case StatusOnline, StatusOffline, StatusAway:
		return true
	}
	return false
}

// UserStatus one row per user, overwritten for the lifetime of a session.
// A user types in at most one conversation at a time.
type UserStatus struct {
	UserID               string         `json:"user_id"`
	Status               PresenceStatus `json:"status"`
	LastSeen             time.Time      `json:"last_seen"`
	IsTyping             bool           `json:"is_typing"`
	TypingInConversation *string        `json:"typing_in_conversation"`
}

// TypingIn returns the conversation the user is typing in, if any
func (s UserStatus) TypingIn() (string, bool) {
	if !s.IsTyping || s.TypingInConversation == nil || *s.TypingInConversation == "" {
		return "", false
	}
	return *s.TypingInConversation, true
}

// TypingEntry user X is typing in conversation Y
type TypingEntry struct {
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id"`
}

// PresenceRequest the arguments of update_user_status
type PresenceRequest struct {
	UserID               string         `json:"p_user_id"`
	Status               PresenceStatus `json:"p_status"`
	IsTyping             bool           `json:"p_is_typing"`
	TypingConversationID *string        `json:"p_typing_conversation_id"`
}

// Args flattens the request into procedure arguments
func (r PresenceRequest) Args() map[string]any {
	var typingIn any
	if r.TypingConversationID != nil {
		typingIn = *r.TypingConversationID
	}
	return map[string]any{
		"p_user_id":                r.UserID,
		"p_status":                 string(r.Status),
		"p_is_typing":              r.IsTyping,
		"p_typing_conversation_id": typingIn,
	}
}
