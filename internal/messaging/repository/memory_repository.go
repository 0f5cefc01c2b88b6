package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"campus_connect/internal/messaging/domain"

	"github.com/coder/quartz"
)

// memoryStore Store kept in process. Rows keep insertion order per table.
type memoryStore struct {
	mu     sync.Mutex
	clock  quartz.Clock
	tables map[string][]map[string]any
}

// NewMemoryStore create an in-process Store, used by local mode and tests
func NewMemoryStore(clock quartz.Clock) Store {
	tables := make(map[string][]map[string]any, len(primaryKeys))
	for t := range primaryKeys {
		tables[t] = nil
	}
	return &memoryStore{clock: clock, tables: tables}
}

func (m *memoryStore) Query(ctx context.Context, table string, filter Filter, order *Order) ([]json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := filter.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	rows, ok := m.tables[table]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	matched := make([]map[string]any, 0, len(rows))
	for _, r := range rows {
		if filter.Match(r) {
			matched = append(matched, r)
		}
	}
	sortRows(matched, order)
	return marshalRows(matched)
}

func (m *memoryStore) Insert(ctx context.Context, table string, row any) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pk, err := PrimaryKey(table)
	if err != nil {
		return nil, err
	}
	raw, err := toRawRow(row)
	if err != nil {
		return nil, err
	}
	r, err := decodeRow(raw)
	if err != nil {
		return nil, fmt.Errorf("decode row: %w", err)
	}

	if err := prepareInsertRow(table, pk, r, m.clock.Now()); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.indexOf(table, pk, r[pk]) >= 0 {
		return nil, fmt.Errorf("%s: duplicate %s %v", table, pk, r[pk])
	}
	m.tables[table] = append(m.tables[table], r)
	return json.Marshal(r)
}

func (m *memoryStore) Update(ctx context.Context, table, id string, patch map[string]any) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pk, err := PrimaryKey(table)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.indexOf(table, pk, id)
	if i < 0 {
		return nil, fmt.Errorf("%w: %s %s", ErrNotFound, table, id)
	}
	row := m.tables[table][i]
	for k, v := range patch {
		if k == pk {
			continue
		}
		row[k] = normalize(v)
	}
	return json.Marshal(row)
}

func (m *memoryStore) Delete(ctx context.Context, table, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	pk, err := PrimaryKey(table)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.indexOf(table, pk, id)
	if i < 0 {
		return fmt.Errorf("%w: %s %s", ErrNotFound, table, id)
	}
	rows := m.tables[table]
	m.tables[table] = append(rows[:i:i], rows[i+1:]...)
	return nil
}

func (m *memoryStore) CallProcedure(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch name {
	case domain.ProcUpdateUserStatus:
		u, err := parseStatusArgs(args)
		if err != nil {
			return nil, err
		}
		row := u.row(m.clock.Now())

		m.mu.Lock()
		defer m.mu.Unlock()
		if i := m.indexOf(domain.TableUserStatus, "user_id", u.userID); i >= 0 {
			m.tables[domain.TableUserStatus][i] = row
		} else {
			m.tables[domain.TableUserStatus] = append(m.tables[domain.TableUserStatus], row)
		}
		return json.Marshal(row)

	case domain.ProcExpireStalePresence:
		ttl, err := parseTTLArgs(args)
		if err != nil {
			return nil, err
		}
		cutoff := m.clock.Now().Add(-ttl)

		m.mu.Lock()
		defer m.mu.Unlock()
		expired := make([]map[string]any, 0)
		for _, row := range m.tables[domain.TableUserStatus] {
			if !isStale(row, cutoff) {
				continue
			}
			for k, v := range offlinePatch() {
				row[k] = v
			}
			expired = append(expired, row)
		}
		return json.Marshal(expired)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownProcedure, name)
}

// indexOf mu must be held
func (m *memoryStore) indexOf(table, pk string, id any) int {
	for i, r := range m.tables[table] {
		if r[pk] == id {
			return i
		}
	}
	return -1
}

func marshalRows(rows []map[string]any) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(rows))
	for _, r := range rows {
		b, err := json.Marshal(r)
		if err != nil {
			return nil, fmt.Errorf("marshal row: %w", err)
		}
		out = append(out, b)
	}
	return out, nil
}
