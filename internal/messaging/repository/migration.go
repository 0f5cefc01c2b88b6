package repository

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// ConversationModel conversations table
type ConversationModel struct {
	ID              string `gorm:"primaryKey;type:text"`
	ItemID          string `gorm:"type:text;not null;index:idx_conversation_triple"`
	ItemTitle       string `gorm:"type:text"`
	BuyerID         string `gorm:"type:text;not null;index:idx_conversation_triple;index"`
	SellerID        string `gorm:"type:text;not null;index:idx_conversation_triple;index"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
	LastMessage     *string `gorm:"type:text"`
	LastMessageTime *time.Time
	UnreadCount     int `gorm:"not null;default:0"`
}

// TableName gorm table name
func (ConversationModel) TableName() string { return "conversations" }

// MessageModel messages table
type MessageModel struct {
	ID             string    `gorm:"primaryKey;type:text"`
	ConversationID string    `gorm:"type:text;not null;index:idx_messages_conversation_created"`
	SenderID       string    `gorm:"type:text;not null"`
	ReceiverID     string    `gorm:"type:text;not null"`
	Content        string    `gorm:"type:text;not null"`
	CreatedAt      time.Time `gorm:"index:idx_messages_conversation_created"`
	IsRead         bool      `gorm:"not null;default:false"`
}

// TableName gorm table name
func (MessageModel) TableName() string { return "messages" }

// UserStatusModel user_status table, one row per user
type UserStatusModel struct {
	UserID               string    `gorm:"primaryKey;type:text"`
	Status               string    `gorm:"type:text;not null;default:offline;check:status IN ('online','offline','away')"`
	LastSeen             time.Time `gorm:"not null;index"`
	IsTyping             bool      `gorm:"not null;default:false"`
	TypingInConversation *string   `gorm:"type:text"`
}

// TableName gorm table name
func (UserStatusModel) TableName() string { return "user_status" }

// ProfileModel profiles table, the account the auth repository signs in against
type ProfileModel struct {
	ID           string `gorm:"primaryKey;type:text"`
	Email        string `gorm:"type:text;uniqueIndex;not null"`
	FullName     string `gorm:"type:text"`
	Role         string `gorm:"type:text;not null;default:student"`
	PasswordHash string `gorm:"type:text;not null"`
	CreatedAt    time.Time
}

// TableName gorm table name
func (ProfileModel) TableName() string { return "profiles" }

// 以具名參數呼叫，參數名稱需與 domain.PresenceRequest.Args 一致
const updateUserStatusSQL = `
CREATE OR REPLACE FUNCTION update_user_status(
	p_user_id text,
	p_status text,
	p_is_typing boolean DEFAULT false,
	p_typing_conversation_id text DEFAULT NULL
) RETURNS user_status LANGUAGE sql AS $$
	INSERT INTO user_status (user_id, status, last_seen, is_typing, typing_in_conversation)
	VALUES (p_user_id, p_status, now(), p_is_typing, CASE WHEN p_is_typing THEN p_typing_conversation_id END)
	ON CONFLICT (user_id) DO UPDATE SET
		status = EXCLUDED.status,
		last_seen = EXCLUDED.last_seen,
		is_typing = EXCLUDED.is_typing,
		typing_in_conversation = EXCLUDED.typing_in_conversation
	RETURNING *;
$$;`

const expireStalePresenceSQL = `
CREATE OR REPLACE FUNCTION expire_stale_presence(p_ttl_seconds integer)
RETURNS SETOF user_status LANGUAGE sql AS $$
	UPDATE user_status SET status = 'offline', is_typing = false, typing_in_conversation = NULL
	WHERE status <> 'offline' AND last_seen < now() - make_interval(secs => p_ttl_seconds)
	RETURNING *;
$$;`

// Migrate creates the tables and the presence procedures
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&ProfileModel{}, &ConversationModel{}, &MessageModel{}, &UserStatusModel{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	for _, stmt := range []string{updateUserStatusSQL, expireStalePresenceSQL} {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("create procedure: %w", err)
		}
	}
	return nil
}
