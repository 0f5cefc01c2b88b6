package domain

// Action websocket request/response action
type Action string

const (
	// ListConversations websocket action list_conversations
	ListConversations Action = "list_conversations"
	// StartConversation websocket action start_conversation
	StartConversation Action = "start_conversation"
	// SelectConversation websocket action select_conversation
	SelectConversation Action = "select_conversation"
	// SendMessage websocket action send_message
	SendMessage Action = "send_message"
	// InputChange websocket action input_change
	InputChange Action = "input_change"
	// MarkRead websocket action mark_read
	MarkRead Action = "mark_read"

	// BrowserOnline websocket action browser_online
	BrowserOnline Action = "browser_online"
	// BrowserOffline websocket action browser_offline
	BrowserOffline Action = "browser_offline"
	// Unload websocket action unload, sent from the page unload handler
	Unload Action = "unload"
	// SetStatus websocket action set_status (online, away, offline)
	SetStatus Action = "set_status"

	// PushState server push of the current Snapshot
	PushState Action = "state"
	// PushError server push of an unsolicited error
	PushError Action = "error"
)

// WSRequest websocket Request
type WSRequest struct {
	Action         string `json:"action"`
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	Content        string `json:"content"`
	HasText        bool   `json:"has_text"`
	ItemID         string `json:"item_id"`
	ItemTitle      string `json:"item_title"`
	SellerID       string `json:"seller_id"`
	Status         string `json:"status"`
}

// WSResponse websocket Response
type WSResponse struct {
	Action  string                 `json:"action"`
	Success bool                   `json:"success"`
	Payload map[string]interface{} `json:"payload,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

// Snapshot what the messaging UI renders
type Snapshot struct {
	Conversation  *Conversation  `json:"conversation"`
	Messages      []Message      `json:"messages"`
	Conversations []Conversation `json:"conversations"`
	OnlineUsers   []string       `json:"online_users"`
	Typing        []TypingEntry  `json:"typing"`
}
