package repository

import (
	"fmt"
	"time"

	"campus_connect/internal/messaging/domain"
)

// statusUpdate parsed update_user_status arguments
type statusUpdate struct {
	userID   string
	status   domain.PresenceStatus
	isTyping bool
	typingIn *string
}

func parseStatusArgs(args map[string]any) (statusUpdate, error) {
	var u statusUpdate
	userID, _ := args["p_user_id"].(string)
	if userID == "" {
		return u, fmt.Errorf("%s: p_user_id is required", domain.ProcUpdateUserStatus)
	}
	u.userID = userID

	switch s := args["p_status"].(type) {
	case string:
		u.status = domain.PresenceStatus(s)
	case domain.PresenceStatus:
		u.status = s
	}
	if !u.status.Valid() {
		return u, fmt.Errorf("%s: invalid status %v", domain.ProcUpdateUserStatus, args["p_status"])
	}

	u.isTyping, _ = args["p_is_typing"].(bool)
	switch c := args["p_typing_conversation_id"].(type) {
	case string:
		if c != "" {
			u.typingIn = &c
		}
	case *string:
		if c != nil && *c != "" {
			u.typingIn = c
		}
	}
	// 不在打字時不保留對話 id
	if !u.isTyping {
		u.typingIn = nil
	}
	return u, nil
}

// row is the user_status row the update produces at now
func (u statusUpdate) row(now time.Time) map[string]any {
	var typingIn any
	if u.typingIn != nil {
		typingIn = *u.typingIn
	}
	return map[string]any{
		"user_id":                u.userID,
		"status":                 string(u.status),
		"last_seen":              now.UTC().Format(time.RFC3339Nano),
		"is_typing":              u.isTyping,
		"typing_in_conversation": typingIn,
	}
}

func parseTTLArgs(args map[string]any) (time.Duration, error) {
	var secs float64
	switch v := args["p_ttl_seconds"].(type) {
	case int:
		secs = float64(v)
	case int64:
		secs = float64(v)
	case float64:
		secs = v
	default:
		return 0, fmt.Errorf("%s: p_ttl_seconds is required", domain.ProcExpireStalePresence)
	}
	if secs <= 0 {
		return 0, fmt.Errorf("%s: p_ttl_seconds must be positive", domain.ProcExpireStalePresence)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// isStale reports whether a user_status row should be flipped offline at cutoff
func isStale(row map[string]any, cutoff time.Time) bool {
	if s, _ := row["status"].(string); s == string(domain.StatusOffline) {
		return false
	}
	seen, _ := row["last_seen"].(string)
	t, err := time.Parse(time.RFC3339Nano, seen)
	if err != nil {
		return true
	}
	return t.Before(cutoff)
}

func offlinePatch() map[string]any {
	return map[string]any{
		"status":                 string(domain.StatusOffline),
		"is_typing":              false,
		"typing_in_conversation": nil,
	}
}
