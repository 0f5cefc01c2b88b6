package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"campus_connect/internal/messaging/domain"
	"campus_connect/internal/messaging/repository"
	"campus_connect/pkg/logger"

	"github.com/coder/quartz"
	"go.uber.org/zap"
)

const (
	// DefaultPresenceTTL a status row older than this is considered gone
	DefaultPresenceTTL = 90 * time.Second
	// DefaultReapInterval how often stale rows are expired
	DefaultReapInterval = 30 * time.Second
)

// PresenceReaper flips presence rows whose last_seen is older than the TTL to
// offline. This is what finally marks a user offline when the browser never
// managed to say so.
type PresenceReaper struct {
	store    repository.Store
	clock    quartz.Clock
	interval time.Duration
	ttl      time.Duration
}

// NewPresenceReaper create PresenceReaper
func NewPresenceReaper(store repository.Store, clock quartz.Clock, interval, ttl time.Duration) *PresenceReaper {
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	if ttl <= 0 {
		ttl = DefaultPresenceTTL
	}
	return &PresenceReaper{store: store, clock: clock, interval: interval, ttl: ttl}
}

// Run reaps every interval until ctx is done
func (r *PresenceReaper) Run(ctx context.Context) error {
	logger.Log.Info("presence reaper start", zap.Duration("interval", r.interval), zap.Duration("ttl", r.ttl))
	w := r.clock.TickerFunc(ctx, r.interval, func() error {
		if _, err := r.Reap(ctx); err != nil && ctx.Err() == nil {
			logger.Log.Warn("reap stale presence failed", zap.Error(err))
		}
		return nil
	}, "reaper")
	err := w.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Reap expires stale rows once and returns the users marked offline
func (r *PresenceReaper) Reap(ctx context.Context) ([]string, error) {
	raw, err := r.store.CallProcedure(ctx, domain.ProcExpireStalePresence, map[string]any{
		"p_ttl_seconds": int(r.ttl / time.Second),
	})
	if err != nil {
		return nil, fmt.Errorf("expire stale presence: %w", err)
	}
	var rows []domain.UserStatus
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("decode expired presence: %w", err)
	}
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.UserID)
	}
	if len(ids) > 0 {
		logger.Log.Info("presence expired", zap.Strings("users", ids))
	}
	return ids, nil
}
