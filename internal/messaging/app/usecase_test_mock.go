package app

import (
	"context"
	"encoding/json"
	"sync"

	"campus_connect/internal/messaging/domain"
	"campus_connect/internal/messaging/repository"

	"github.com/stretchr/testify/mock"
)

// MockStore mock repository.Store
type MockStore struct {
	mock.Mock
}

// Query mock query rows
func (m *MockStore) Query(ctx context.Context, table string, filter repository.Filter, order *repository.Order) ([]json.RawMessage, error) {
	args := m.Called(ctx, table, filter, order)
	if args.Get(0) != nil {
		return args.Get(0).([]json.RawMessage), args.Error(1)
	}
	return nil, args.Error(1)
}

// Insert mock insert row
func (m *MockStore) Insert(ctx context.Context, table string, row any) (json.RawMessage, error) {
	args := m.Called(ctx, table, row)
	if args.Get(0) != nil {
		return args.Get(0).(json.RawMessage), args.Error(1)
	}
	return nil, args.Error(1)
}

// Update mock update row
func (m *MockStore) Update(ctx context.Context, table, id string, patch map[string]any) (json.RawMessage, error) {
	args := m.Called(ctx, table, id, patch)
	if args.Get(0) != nil {
		return args.Get(0).(json.RawMessage), args.Error(1)
	}
	return nil, args.Error(1)
}

// Delete mock delete row
func (m *MockStore) Delete(ctx context.Context, table, id string) error {
	args := m.Called(ctx, table, id)
	return args.Error(0)
}

// CallProcedure mock call procedure
func (m *MockStore) CallProcedure(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	called := m.Called(ctx, name, args)
	if called.Get(0) != nil {
		return called.Get(0).(json.RawMessage), called.Error(1)
	}
	return nil, called.Error(1)
}

// MockFeed mock repository.Feed, keeps the handlers it was given so a test
// can deliver payloads by hand
type MockFeed struct {
	mock.Mock

	mu       sync.Mutex
	handlers []func(repository.ChangePayload)
}

// Subscribe mock subscribe
func (m *MockFeed) Subscribe(ctx context.Context, topic repository.Topic, handler func(repository.ChangePayload)) (func(), error) {
	m.mu.Lock()
	m.handlers = append(m.handlers, handler)
	m.mu.Unlock()

	args := m.Called(ctx, topic, handler)
	if args.Get(0) != nil {
		return args.Get(0).(func()), args.Error(1)
	}
	return nil, args.Error(1)
}

// Publish mock publish
func (m *MockFeed) Publish(ctx context.Context, payload repository.ChangePayload) error {
	args := m.Called(ctx, payload)
	return args.Error(0)
}

// Close mock close
func (m *MockFeed) Close() error {
	args := m.Called()
	return args.Error(0)
}

// Deliver hands p to the i-th handler passed to Subscribe
func (m *MockFeed) Deliver(i int, p repository.ChangePayload) {
	m.mu.Lock()
	h := m.handlers[i]
	m.mu.Unlock()
	h(p)
}

// presenceCall one SetPresence call
type presenceCall struct {
	Status   domain.PresenceStatus
	IsTyping bool
	TypingIn string
}

// fakePresence records SetPresence calls
type fakePresence struct {
	mu    sync.Mutex
	calls []presenceCall
}

func (f *fakePresence) SetPresence(status domain.PresenceStatus, isTyping bool, typingConversationID *string) {
	c := presenceCall{Status: status, IsTyping: isTyping}
	if typingConversationID != nil {
		c.TypingIn = *typingConversationID
	}
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()
}

func (f *fakePresence) Calls() []presenceCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]presenceCall(nil), f.calls...)
}

func (f *fakePresence) Last() (presenceCall, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return presenceCall{}, false
	}
	return f.calls[len(f.calls)-1], true
}
