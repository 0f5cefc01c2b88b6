package app

import (
	"sync"
	"time"

	"campus_connect/internal/messaging/domain"

	"github.com/coder/quartz"
)

// DefaultTypingIdle inactivity delay before typing stops on its own
const DefaultTypingIdle = time.Second

// TypingState local typing state machine
type TypingState int

const (
	// TypingIdle not typing
	TypingIdle TypingState = iota
	// TypingActive typing in one conversation
	TypingActive
)

func (s TypingState) String() string {
	if s == TypingActive {
		return "typing"
	}
	return "idle"
}

// presenceSetter the part of PresenceController typing needs
type presenceSetter interface {
	SetPresence(status domain.PresenceStatus, isTyping bool, typingConversationID *string)
}

// TypingController turns local input changes into typing presence requests
type TypingController struct {
	presence presenceSetter
	clock    quartz.Clock
	idle     time.Duration

	mu             sync.Mutex
	state          TypingState
	conversationID string
	timer          *quartz.Timer
	seq            uint64
	closed         bool
	pending        sync.WaitGroup
}

// NewTypingController create TypingController
func NewTypingController(presence presenceSetter, clock quartz.Clock, idle time.Duration) *TypingController {
	if idle <= 0 {
		idle = DefaultTypingIdle
	}
	return &TypingController{presence: presence, clock: clock, idle: idle}
}

// StartTyping marks the user as typing in conversationID right away
func (t *TypingController) StartTyping(conversationID string) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.seq++
	t.cancelTimerLocked()
	t.state = TypingActive
	t.conversationID = conversationID
	t.mu.Unlock()

	conv := conversationID
	t.presence.SetPresence(domain.StatusOnline, true, &conv)
}

// StopTyping clears the typing flag right away
func (t *TypingController) StopTyping(conversationID string) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.seq++
	t.cancelTimerLocked()
	t.state = TypingIdle
	t.conversationID = ""
	t.mu.Unlock()

	t.presence.SetPresence(domain.StatusOnline, false, nil)
}

// OnLocalInputChange text present starts typing, an empty box stops it after
// the idle delay unless typing resumes first
func (t *TypingController) OnLocalInputChange(conversationID string, hasText bool) {
	if hasText {
		t.StartTyping(conversationID)
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.state == TypingIdle {
		return
	}
	t.seq++
	t.cancelTimerLocked()
	seq := t.seq
	t.pending.Add(1)
	t.timer = t.clock.AfterFunc(t.idle, func() {
		defer t.pending.Done()
		t.expire(seq)
	}, "typing", "idle")
}

// State current state and the conversation being typed in
func (t *TypingController) State() (TypingState, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state, t.conversationID
}

// StopIfTypingIn stops typing when the user is typing in conversationID
func (t *TypingController) StopIfTypingIn(conversationID string) {
	state, conv := t.State()
	if state == TypingActive && conv == conversationID {
		t.StopTyping(conversationID)
	}
}

// Close stops typing if active and drops the idle timer
func (t *TypingController) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	wasTyping := t.state == TypingActive
	t.seq++
	t.cancelTimerLocked()
	t.state = TypingIdle
	t.conversationID = ""
	t.closed = true
	t.mu.Unlock()

	if wasTyping {
		t.presence.SetPresence(domain.StatusOnline, false, nil)
	}
	t.pending.Wait()
}

func (t *TypingController) cancelTimerLocked() {
	if t.timer == nil {
		return
	}
	if t.timer.Stop() {
		t.pending.Done()
	}
	t.timer = nil
}

func (t *TypingController) expire(seq uint64) {
	t.mu.Lock()
	if t.closed || seq != t.seq {
		t.mu.Unlock()
		return
	}
	t.timer = nil
	t.seq++
	t.state = TypingIdle
	t.conversationID = ""
	t.mu.Unlock()

	t.presence.SetPresence(domain.StatusOnline, false, nil)
}
