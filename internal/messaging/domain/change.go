package domain

import (
	"encoding/json"
	"fmt"
)

// EventType change feed event kind
type EventType string

const (
	// EventInsert row created
	EventInsert EventType = "INSERT"
	// EventUpdate row changed
	EventUpdate EventType = "UPDATE"
	// EventDelete row removed
	EventDelete EventType = "DELETE"
)

// Change is a decoded change feed event. The set of implementations is closed:
// MessageChange, ConversationChange and UserStatusChange.
type Change interface {
	Table() string
	Type() EventType
	isChange()
}

// MessageChange event on the messages table
type MessageChange struct {
	EventType EventType
	New       Message
	Old       *Message
}

// ConversationChange event on the conversations table
type ConversationChange struct {
	EventType EventType
	New       Conversation
	Old       *Conversation
}

// UserStatusChange event on the user_status table
type UserStatusChange struct {
	EventType EventType
	New       UserStatus
	Old       *UserStatus
}

func (MessageChange) Table() string      { return TableMessages }
func (ConversationChange) Table() string { return TableConversations }
func (UserStatusChange) Table() string   { return TableUserStatus }

func (c MessageChange) Type() EventType      { return c.EventType }
func (c ConversationChange) Type() EventType { return c.EventType }
func (c UserStatusChange) Type() EventType   { return c.EventType }

func (MessageChange) isChange()      {}
func (ConversationChange) isChange() {}
func (UserStatusChange) isChange()   {}

// DecodeChange turns a raw feed payload into its typed variant
func DecodeChange(table string, eventType EventType, oldRow, newRow json.RawMessage) (Change, error) {
	switch table {
	case TableMessages:
		c := MessageChange{EventType: eventType}
		old, err := decodeRows(newRow, &c.New, oldRow)
		if err != nil {
			return nil, err
		}
		if old != nil {
			c.Old = new(Message)
			if err := json.Unmarshal(old, c.Old); err != nil {
				return nil, fmt.Errorf("decode old message: %w", err)
			}
		}
		return c, nil
	case TableConversations:
		c := ConversationChange{EventType: eventType}
		old, err := decodeRows(newRow, &c.New, oldRow)
		if err != nil {
			return nil, err
		}
		if old != nil {
			c.Old = new(Conversation)
			if err := json.Unmarshal(old, c.Old); err != nil {
				return nil, fmt.Errorf("decode old conversation: %w", err)
			}
		}
		return c, nil
	case TableUserStatus:
		c := UserStatusChange{EventType: eventType}
		old, err := decodeRows(newRow, &c.New, oldRow)
		if err != nil {
			return nil, err
		}
		if old != nil {
			c.Old = new(UserStatus)
			if err := json.Unmarshal(old, c.Old); err != nil {
				return nil, fmt.Errorf("decode old user status: %w", err)
			}
		}
		return c, nil
	}
	return nil, fmt.Errorf("unknown table %q", table)
}

// decodeRows fills dst from newRow and hands back oldRow when it carries data
func decodeRows(newRow json.RawMessage, dst any, oldRow json.RawMessage) (json.RawMessage, error) {
	if isEmptyRow(newRow) && isEmptyRow(oldRow) {
		return nil, fmt.Errorf("payload has neither new nor old row")
	}
	if !isEmptyRow(newRow) {
		if err := json.Unmarshal(newRow, dst); err != nil {
			return nil, fmt.Errorf("decode new row: %w", err)
		}
	}
	if isEmptyRow(oldRow) {
		return nil, nil
	}
	return oldRow, nil
}

func isEmptyRow(row json.RawMessage) bool {
	s := string(row)
	return s == "" || s == "null" || s == "{}"
}
