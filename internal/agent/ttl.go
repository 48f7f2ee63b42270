package agent

import (
	"context"
	"log/slog"
	"time"
)

// storedSessionRetention is how long a session survives in the store without
// updates before the sweeper deletes it.
const storedSessionRetention = 7 * 24 * time.Hour

// SessionCleaner deletes stale persisted sessions. store.Repository satisfies it.
type SessionCleaner interface {
	CleanupExpiredSessions(ctx context.Context, ttl time.Duration) (int64, error)
}

// EvictCallback is called for every session the sweeper evicts from memory.
type EvictCallback func(key SessionKey)

// SweeperConfig controls RunSweeper.
type SweeperConfig struct {
	Interval  time.Duration
	IdleTTL   time.Duration
	Retention time.Duration
}

// RunSweeper periodically evicts idle sessions from memory and deletes stale
// ones from the store. It blocks until ctx is done and always returns nil, so
// it can run inside an errgroup.
func RunSweeper(ctx context.Context, svc *Service, cleaner SessionCleaner, cfg SweeperConfig, onEvict EvictCallback) error {
	if cfg.Retention <= 0 {
		cfg.Retention = storedSessionRetention
	}
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()
	slog.Info("Session sweeper started", "interval", cfg.Interval, "idle_ttl", cfg.IdleTTL, "retention", cfg.Retention)

	for {
		select {
		case <-ticker.C:
			sweep(ctx, svc, cleaner, cfg, onEvict)
		case <-ctx.Done():
			slog.Info("Session sweeper shutting down", "reason", ctx.Err())
			return nil
		}
	}
}

func sweep(ctx context.Context, svc *Service, cleaner SessionCleaner, cfg SweeperConfig, onEvict EvictCallback) {
	evicted := svc.EvictIdle(cfg.IdleTTL)
	for _, key := range evicted {
		if onEvict != nil {
			onEvict(key)
		}
	}
	if len(evicted) > 0 {
		slog.Info("Session sweeper evicted idle sessions", "count", len(evicted), "remaining", svc.SessionCount())
	}

	if cleaner == nil {
		return
	}
	deleted, err := cleaner.CleanupExpiredSessions(ctx, cfg.Retention)
	if err != nil {
		slog.Error("Session sweeper failed to delete stale sessions", "error", err)
		return
	}
	if deleted > 0 {
		slog.Info("Session sweeper deleted stale sessions", "count", deleted)
	}
}
