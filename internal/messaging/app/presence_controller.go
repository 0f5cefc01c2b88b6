package app

import (
	"context"
	"sort"
	"sync"
	"time"

	"campus_connect/internal/messaging/domain"
	"campus_connect/internal/messaging/repository"
	"campus_connect/pkg/logger"

	"github.com/coder/quartz"
	"go.uber.org/zap"
)

const (
	// DefaultPresenceDebounce window in which presence requests coalesce
	DefaultPresenceDebounce = 100 * time.Millisecond
	// DefaultHeartbeat how often a mounted session re-requests its status
	DefaultHeartbeat = 30 * time.Second
)

// PresenceController writes the local user's presence row. Requests are
// coalesced through a single-slot timer: only the last request of a window
// reaches the backend.
type PresenceController struct {
	store     repository.Store
	clock     quartz.Clock
	userID    string
	debounce  time.Duration
	heartbeat time.Duration

	mu       sync.Mutex
	timer    *quartz.Timer
	seq      uint64
	current  domain.PresenceRequest
	closed   bool
	unloaded bool // 離線已立即寫入，重複的 Unload 不再寫
	stopHB   context.CancelFunc
	hb       quartz.Waiter
	pending  sync.WaitGroup

	// writeMu 保證寫入順序與請求順序一致
	writeMu     sync.Mutex
	lastWritten uint64
}

// NewPresenceController create PresenceController. Zero durations fall back
// to the defaults.
func NewPresenceController(store repository.Store, clock quartz.Clock, userID string, debounce, heartbeat time.Duration) *PresenceController {
	if debounce <= 0 {
		debounce = DefaultPresenceDebounce
	}
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	return &PresenceController{
		store:     store,
		clock:     clock,
		userID:    userID,
		debounce:  debounce,
		heartbeat: heartbeat,
		current:   domain.PresenceRequest{UserID: userID, Status: domain.StatusOffline},
	}
}

// SetPresence requests a presence write. A request replaces any request still
// waiting in the debounce window.
func (p *PresenceController) SetPresence(status domain.PresenceStatus, isTyping bool, typingConversationID *string) {
	req := domain.PresenceRequest{UserID: p.userID, Status: status, IsTyping: isTyping}
	if isTyping && typingConversationID != nil {
		conv := *typingConversationID
		req.TypingConversationID = &conv
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.current = req
	p.unloaded = false
	p.seq++
	p.cancelTimerLocked()

	seq := p.seq
	p.pending.Add(1)
	p.timer = p.clock.AfterFunc(p.debounce, func() {
		defer p.pending.Done()
		p.fire(seq)
	}, "presence", "debounce")
}

// SetStatus requests status, keeping the typing flag only while online
func (p *PresenceController) SetStatus(status domain.PresenceStatus) {
	cur := p.Current()
	if status != domain.StatusOnline {
		p.SetPresence(status, false, nil)
		return
	}
	p.SetPresence(status, cur.IsTyping, cur.TypingConversationID)
}

// Current the last requested state
func (p *PresenceController) Current() domain.PresenceRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Mount requests online, starts the heartbeat and returns the users online
// right now
func (p *PresenceController) Mount(ctx context.Context) []string {
	p.SetPresence(domain.StatusOnline, false, nil)

	p.mu.Lock()
	if !p.closed && p.stopHB == nil {
		hbCtx, cancel := context.WithCancel(context.Background())
		p.stopHB = cancel
		p.hb = p.clock.TickerFunc(hbCtx, p.heartbeat, func() error {
			p.beat()
			return nil
		}, "presence", "heartbeat")
	}
	p.mu.Unlock()

	return p.ListOnlineUsers(ctx)
}

// BrowserOnline the browser regained connectivity
func (p *PresenceController) BrowserOnline() {
	p.SetPresence(domain.StatusOnline, false, nil)
}

// BrowserOffline the browser lost connectivity
func (p *PresenceController) BrowserOffline() {
	p.SetPresence(domain.StatusOffline, false, nil)
}

// Unload writes offline right away, dropping any pending request
func (p *PresenceController) Unload(ctx context.Context) {
	req := domain.PresenceRequest{UserID: p.userID, Status: domain.StatusOffline}

	p.mu.Lock()
	if p.closed || p.unloaded {
		p.mu.Unlock()
		return
	}
	p.current = req
	p.unloaded = true
	p.seq++
	p.cancelTimerLocked()
	seq := p.seq
	p.mu.Unlock()

	p.write(ctx, seq, req)
}

// Close cancels the pending request and the heartbeat, then waits for any
// write already in flight
func (p *PresenceController) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.seq++
	p.cancelTimerLocked()
	stop, hb := p.stopHB, p.hb
	p.mu.Unlock()

	if stop != nil {
		stop()
		_ = hb.Wait()
	}
	p.pending.Wait()
}

// ListOnlineUsers users whose status is online, sorted
func (p *PresenceController) ListOnlineUsers(ctx context.Context) []string {
	return ListOnlineUsers(ctx, p.store)
}

// ListOnlineUsers users whose status is online, sorted. A failed query is
// logged and reads as nobody online.
func ListOnlineUsers(ctx context.Context, store repository.Store) []string {
	rows, err := store.Query(ctx, domain.TableUserStatus, repository.Eq("status", string(domain.StatusOnline)), nil)
	if err != nil {
		logger.Log.Warn("list online users failed", zap.Error(err))
		return []string{}
	}
	statuses, err := repository.DecodeRows[domain.UserStatus](rows)
	if err != nil {
		logger.Log.Warn("decode online users failed", zap.Error(err))
		return []string{}
	}
	ids := make([]string, 0, len(statuses))
	for _, s := range statuses {
		ids = append(ids, s.UserID)
	}
	sort.Strings(ids)
	return ids
}

// cancelTimerLocked must hold p.mu
func (p *PresenceController) cancelTimerLocked() {
	if p.timer == nil {
		return
	}
	if p.timer.Stop() {
		// 計時器尚未觸發，callback 不會再執行
		p.pending.Done()
	}
	p.timer = nil
}

func (p *PresenceController) fire(seq uint64) {
	p.mu.Lock()
	if p.closed || seq != p.seq {
		p.mu.Unlock()
		return
	}
	req := p.current
	p.timer = nil
	p.mu.Unlock()

	p.write(context.Background(), seq, req)
}

// beat re-requests the current status so last_seen stays fresh
func (p *PresenceController) beat() {
	p.mu.Lock()
	req := p.current
	skip := p.closed || p.timer != nil || req.Status == domain.StatusOffline
	p.mu.Unlock()
	if skip {
		return
	}
	p.SetPresence(req.Status, req.IsTyping, req.TypingConversationID)
}

func (p *PresenceController) write(ctx context.Context, seq uint64, req domain.PresenceRequest) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if seq <= p.lastWritten {
		return
	}
	p.lastWritten = seq

	if _, err := p.store.CallProcedure(ctx, domain.ProcUpdateUserStatus, req.Args()); err != nil {
		logger.Log.Warn("update user status failed",
			zap.String("userID", req.UserID),
			zap.String("status", string(req.Status)),
			zap.Error(err),
		)
		return
	}
	logger.Log.Debug("user status written", zap.String("userID", req.UserID), zap.String("status", string(req.Status)), zap.Bool("typing", req.IsTyping))
}
