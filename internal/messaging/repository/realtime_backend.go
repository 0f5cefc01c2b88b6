package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"campus_connect/internal/messaging/domain"
	"campus_connect/pkg/logger"

	"github.com/coder/quartz"
	"go.uber.org/zap"
)

// realtimeBackend publishes a change payload after every successful write.
// A publish failure is logged only, the write already happened.
// Writes to one table hold that table's lock through the publish, so the feed
// sees them in commit order.
type realtimeBackend struct {
	store   Store
	feed    Feed
	clock   quartz.Clock
	timeout time.Duration

	mu     sync.Mutex
	tables map[string]*sync.Mutex
}

// NewRealtimeBackend composes store and feed. timeout bounds each call, 0 disables it.
func NewRealtimeBackend(store Store, feed Feed, clock quartz.Clock, timeout time.Duration) Backend {
	return &realtimeBackend{store: store, feed: feed, clock: clock, timeout: timeout, tables: map[string]*sync.Mutex{}}
}

// lockTable 同一張表的寫入與發佈依序進行
func (b *realtimeBackend) lockTable(table string) func() {
	b.mu.Lock()
	l, ok := b.tables[table]
	if !ok {
		l = &sync.Mutex{}
		b.tables[table] = l
	}
	b.mu.Unlock()

	l.Lock()
	return l.Unlock
}

func (b *realtimeBackend) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, b.timeout)
}

func (b *realtimeBackend) Query(ctx context.Context, table string, filter Filter, order *Order) ([]json.RawMessage, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	return b.store.Query(ctx, table, filter, order)
}

func (b *realtimeBackend) Insert(ctx context.Context, table string, row any) (json.RawMessage, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	defer b.lockTable(table)()
	out, err := b.store.Insert(ctx, table, row)
	if err != nil {
		return nil, err
	}
	b.publish(ctx, ChangePayload{EventType: domain.EventInsert, Table: table, New: out})
	return out, nil
}

func (b *realtimeBackend) Update(ctx context.Context, table, id string, patch map[string]any) (json.RawMessage, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	defer b.lockTable(table)()
	out, err := b.store.Update(ctx, table, id, patch)
	if err != nil {
		return nil, err
	}
	b.publish(ctx, ChangePayload{EventType: domain.EventUpdate, Table: table, New: out})
	return out, nil
}

func (b *realtimeBackend) Delete(ctx context.Context, table, id string) error {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	pk, err := PrimaryKey(table)
	if err != nil {
		return err
	}
	defer b.lockTable(table)()
	if err := b.store.Delete(ctx, table, id); err != nil {
		return err
	}
	old, _ := json.Marshal(map[string]string{pk: id})
	b.publish(ctx, ChangePayload{EventType: domain.EventDelete, Table: table, Old: old})
	return nil
}

func (b *realtimeBackend) CallProcedure(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	table, ok := procedureTables[name]
	if !ok {
		return b.store.CallProcedure(ctx, name, args)
	}
	defer b.lockTable(table)()
	out, err := b.store.CallProcedure(ctx, name, args)
	if err != nil {
		return nil, err
	}

	rows, err := splitResult(out)
	if err != nil {
		logger.Log.Warn("procedure result not publishable", zap.String("procedure", name), zap.Error(err))
		return out, nil
	}
	for _, row := range rows {
		b.publish(ctx, ChangePayload{EventType: domain.EventUpdate, Table: table, New: row})
	}
	return out, nil
}

func (b *realtimeBackend) Subscribe(ctx context.Context, topic Topic, handler func(ChangePayload)) (func(), error) {
	return b.feed.Subscribe(ctx, topic, handler)
}

func (b *realtimeBackend) Publish(ctx context.Context, payload ChangePayload) error {
	return b.feed.Publish(ctx, payload)
}

func (b *realtimeBackend) Close() error {
	return b.feed.Close()
}

func (b *realtimeBackend) publish(ctx context.Context, p ChangePayload) {
	p.CommitAt = b.clock.Now().UTC()
	// 寫入已成功，不因呼叫端取消而漏發
	if err := b.feed.Publish(context.WithoutCancel(ctx), p); err != nil {
		logger.Log.Warn("publish change failed",
			zap.String("table", p.Table),
			zap.String("event", string(p.EventType)),
			zap.Error(err),
		)
	}
}

// splitResult turns a procedure result into rows: an object is one row, an array many
func splitResult(out json.RawMessage) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	switch trimmed[0] {
	case '{':
		return []json.RawMessage{trimmed}, nil
	case '[':
		var rows []json.RawMessage
		if err := json.Unmarshal(trimmed, &rows); err != nil {
			return nil, err
		}
		return rows, nil
	}
	return nil, fmt.Errorf("unexpected result %q", trimmed)
}
