package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"campus_connect/internal/messaging/domain"

	"github.com/google/uuid"
)

var (
	// ErrNotFound no row matched the id
	ErrNotFound = errors.New("row not found")
	// ErrUnknownTable table is not part of the schema
	ErrUnknownTable = errors.New("unknown table")
	// ErrUnknownProcedure procedure is not registered
	ErrUnknownProcedure = errors.New("unknown procedure")
)

// Store definition the request/response half of the data backend
type Store interface {
	// Query returns rows matching filter, sorted by order when given
	Query(ctx context.Context, table string, filter Filter, order *Order) ([]json.RawMessage, error)
	// Insert writes row and returns it as stored
	Insert(ctx context.Context, table string, row any) (json.RawMessage, error)
	// Update applies patch to the row with the given primary key
	Update(ctx context.Context, table, id string, patch map[string]any) (json.RawMessage, error)
	Delete(ctx context.Context, table, id string) error
	// CallProcedure runs a server side procedure with named arguments
	CallProcedure(ctx context.Context, name string, args map[string]any) (json.RawMessage, error)
}

// Feed definition the change feed primitive
type Feed interface {
	// Subscribe delivers every payload matching topic to handler, in publish order,
	// until the returned unsubscribe func is called.
	Subscribe(ctx context.Context, topic Topic, handler func(ChangePayload)) (unsubscribe func(), err error)
	Publish(ctx context.Context, payload ChangePayload) error
	Close() error
}

// Backend a store whose writes show up on a feed
type Backend interface {
	Store
	Feed
}

// ChangePayload one change feed event
type ChangePayload struct {
	EventType domain.EventType `json:"eventType"`
	Table     string           `json:"table"`
	Old       json.RawMessage  `json:"old,omitempty"`
	New       json.RawMessage  `json:"new,omitempty"`
	CommitAt  time.Time        `json:"commit_timestamp"`
}

// Row returns the row the payload is about, new for inserts/updates, old for deletes
func (p ChangePayload) Row() json.RawMessage {
	if p.EventType == domain.EventDelete || len(p.New) == 0 {
		return p.Old
	}
	return p.New
}

// Topic what a subscription listens to
type Topic struct {
	Table  string
	Filter Filter
	// Events empty means every event type
	Events []domain.EventType
}

// Matches is the best effort filter every feed adapter applies before delivery
func (t Topic) Matches(p ChangePayload) bool {
	if p.Table != t.Table {
		return false
	}
	if len(t.Events) > 0 {
		found := false
		for _, e := range t.Events {
			if e == p.EventType {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if t.Filter.IsEmpty() {
		return true
	}
	row, err := decodeRow(p.Row())
	if err != nil {
		return false
	}
	return t.Filter.Match(row)
}

// channelName is the transport level name of a table's feed
func channelName(table string) string {
	return "realtime:" + table
}

var primaryKeys = map[string]string{
	domain.TableConversations: "id",
	domain.TableMessages:      "id",
	domain.TableUserStatus:    "user_id",
	domain.TableProfiles:      "id",
}

// PrimaryKey returns the key column of table
func PrimaryKey(table string) (string, error) {
	pk, ok := primaryKeys[table]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	return pk, nil
}

// procedureTables maps each procedure to the table its result rows belong to
var procedureTables = map[string]string{
	domain.ProcUpdateUserStatus:    domain.TableUserStatus,
	domain.ProcExpireStalePresence: domain.TableUserStatus,
}

func toRawRow(row any) (json.RawMessage, error) {
	switch r := row.(type) {
	case json.RawMessage:
		return r, nil
	case []byte:
		return r, nil
	}
	b, err := json.Marshal(row)
	if err != nil {
		return nil, fmt.Errorf("marshal row: %w", err)
	}
	return b, nil
}

func decodeRow(raw json.RawMessage) (map[string]any, error) {
	var row map[string]any
	if err := json.Unmarshal(raw, &row); err != nil {
		return nil, err
	}
	return row, nil
}

// DecodeRows unmarshals every raw row into T
func DecodeRows[T any](rows []json.RawMessage) ([]T, error) {
	out := make([]T, 0, len(rows))
	for _, raw := range rows {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode row: %w", err)
		}
		out = append(out, v)
	}
	return out, nil
}

const zeroTime = "0001-01-01T00:00:00Z"

// prepareInsertRow fills the generated columns every adapter agrees on:
// a uuid id and created_at (plus updated_at when the row carries it) stamped now.
func prepareInsertRow(table, pk string, row map[string]any, now time.Time) error {
	if id, _ := row[pk].(string); id == "" {
		if pk != "id" {
			return fmt.Errorf("%s: %s is required", table, pk)
		}
		row[pk] = uuid.NewString()
	}
	stamp := now.UTC().Format(time.RFC3339Nano)
	if v, _ := row["created_at"].(string); v == "" || v == zeroTime {
		row["created_at"] = stamp
	}
	if v, has := row["updated_at"]; has {
		if s, _ := v.(string); s == "" || s == zeroTime {
			row["updated_at"] = stamp
		}
	}
	return nil
}
