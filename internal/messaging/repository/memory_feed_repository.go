package repository

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ErrFeedClosed publish or subscribe on a closed feed
var ErrFeedClosed = errors.New("feed closed")

// memoryFeed Feed kept in process. Each subscriber drains its own ordered queue
// on a dedicated goroutine, so a slow handler never blocks the publisher.
type memoryFeed struct {
	mu     sync.Mutex
	subs   map[string]*memorySubscriber
	closed bool
}

type memorySubscriber struct {
	topic   Topic
	handler func(ChangePayload)

	mu     sync.Mutex
	queue  []ChangePayload
	notify chan struct{}
	done   chan struct{}
	once   sync.Once
}

// NewMemoryFeed create an in-process Feed
func NewMemoryFeed() Feed {
	return &memoryFeed{subs: make(map[string]*memorySubscriber)}
}

func (f *memoryFeed) Subscribe(ctx context.Context, topic Topic, handler func(ChangePayload)) (func(), error) {
	if err := topic.Filter.Validate(); err != nil {
		return nil, err
	}

	s := &memorySubscriber{
		topic:   topic,
		handler: handler,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	id := uuid.NewString()

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, ErrFeedClosed
	}
	f.subs[id] = s
	f.mu.Unlock()

	unsubscribe := func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
		s.stop()
	}

	go s.run(ctx)
	return unsubscribe, nil
}

func (f *memoryFeed) Publish(ctx context.Context, payload ChangePayload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// 持鎖入列，保證每個訂閱者看到相同的發佈順序
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrFeedClosed
	}
	for _, s := range f.subs {
		if s.topic.Matches(payload) {
			s.enqueue(payload)
		}
	}
	return nil
}

func (f *memoryFeed) Close() error {
	f.mu.Lock()
	subs := f.subs
	f.subs = make(map[string]*memorySubscriber)
	f.closed = true
	f.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
	return nil
}

func (s *memorySubscriber) enqueue(p ChangePayload) {
	s.mu.Lock()
	s.queue = append(s.queue, p)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *memorySubscriber) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *memorySubscriber) run(ctx context.Context) {
	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			s.stop()
			return
		case <-s.notify:
		}

		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			p := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			select {
			case <-s.done:
				return
			default:
			}
			s.handler(p)
		}
	}
}
