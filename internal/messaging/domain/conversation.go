package domain

import (
	"errors"
	"time"
)

// Table names shared by every backend adapter
const (
	TableConversations = "conversations"
	TableMessages      = "messages"
	TableUserStatus    = "user_status"
	TableProfiles      = "profiles"
)

// Procedure names
const (
	ProcUpdateUserStatus    = "update_user_status"
	ProcExpireStalePresence = "expire_stale_presence"
)

var (
	// ErrEmptyMessage message content is blank
	ErrEmptyMessage = errors.New("message content is empty")
	// ErrNoConversation no conversation is selected
	ErrNoConversation = errors.New("no conversation selected")
	// ErrNotParticipant user is neither buyer nor seller
	ErrNotParticipant = errors.New("user is not part of the conversation")
	// ErrNotReceiver only the receiver of a message may mark it read
	ErrNotReceiver = errors.New("user is not the receiver of the message")
)

// Conversation a buyer/seller pair discussing one marketplace item.
// One row per (item, buyer, seller) is assumed but not enforced.
type Conversation struct {
	ID              string     `json:"id"`
	ItemID          string     `json:"item_id"`
	ItemTitle       string     `json:"item_title"`
	BuyerID         string     `json:"buyer_id"`
	SellerID        string     `json:"seller_id"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	LastMessage     *string    `json:"last_message"`
	LastMessageTime *time.Time `json:"last_message_time"`
	UnreadCount     int        `json:"unread_count"`

	// Messages in insertion order, only filled for the open conversation
	Messages []Message `json:"messages,omitempty"`
}

// HasParticipant reports whether userID is the buyer or the seller
func (c *Conversation) HasParticipant(userID string) bool {
	return c.BuyerID == userID || c.SellerID == userID
}

// Counterpart returns the other participant for userID
func (c *Conversation) Counterpart(userID string) (string, error) {
	switch userID {
	case c.BuyerID:
		return c.SellerID, nil
	case c.SellerID:
		return c.BuyerID, nil
	}
	return "", ErrNotParticipant
}

// Message belongs to exactly one conversation. Only IsRead ever changes.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	ReceiverID     string    `json:"receiver_id"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
	IsRead         bool      `json:"is_read"`
}
