package bridge

import (
	"context"
	"time"
)

const reaperInterval = 5 * time.Minute

// StartIdleReaper sweeps for sessions whose last activity is older than
// idleTTL and disconnects their backend, freeing the agent process while
// leaving the SessionRuntime (and its history) in place. It never reaps a
// session that still has an attached consumer, and never removes the
// Runtime itself; that is reserved for an explicit closeSession.
func (b *Bridge) StartIdleReaper(ctx context.Context, idleTTL time.Duration) {
	ticker := time.NewTicker(reaperInterval)
	go func() {
		defer ticker.Stop()
		b.logger.Info("idle reaper started", "interval", reaperInterval, "ttl", idleTTL)
		for {
			select {
			case <-ticker.C:
				b.sweepIdleSessions(idleTTL)
			case <-ctx.Done():
				b.logger.Info("idle reaper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func (b *Bridge) sweepIdleSessions(idleTTL time.Duration) {
	b.mu.RLock()
	ids := make([]string, 0, len(b.runtimes))
	for id := range b.runtimes {
		ids = append(ids, id)
	}
	b.mu.RUnlock()

	disconnected := 0
	for _, id := range ids {
		rt, ok := b.lookup(id)
		if !ok {
			continue
		}
		if time.Since(rt.lastActivity()) < idleTTL {
			continue
		}
		if rt.activeConsumers() > 0 {
			continue
		}
		b.logger.Info("idle reaper disconnecting backend", "session_id", id)
		b.DisconnectBackend(id, "idle timeout")
		disconnected++
	}
	if disconnected > 0 {
		b.logger.Info("idle reaper sweep completed", "disconnected", disconnected)
	}

	if b.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	expired, err := b.store.ListExpired(ctx, idleTTL)
	if err != nil {
		b.logger.Error("idle reaper failed to list expired snapshots", "error", err)
		return
	}
	for _, sessionID := range expired {
		if _, live := b.lookup(sessionID); live {
			continue
		}
		if err := b.store.DeleteSnapshot(ctx, sessionID); err != nil {
			b.logger.Warn("idle reaper failed to delete expired snapshot", "session_id", sessionID, "error", err)
		}
	}
}
