package runtime

import (
	"context"
	"time"

	"github.com/opencane/edge-runtime/internal/metrics"
	"github.com/opencane/edge-runtime/internal/protocol"
)

// heartbeatSweep evicts sessions that have gone silent past the
// configured timeout (heartbeat_seconds * HeartbeatTimeoutMultiplier),
// the same ticker+select background-loop shape as the asset store's
// cache pruner.
func (r *Runtime) heartbeatSweep(ctx context.Context) {
	ticker := time.NewTicker(r.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evictStaleSessions(ctx)
		}
	}
}

func (r *Runtime) evictStaleSessions(ctx context.Context) {
	stale := r.sessions.EvictStale(r.opts.HeartbeatTimeout, time.Now())
	for _, sess := range stale {
		metrics.HeartbeatTimeoutTotal.Inc()
		sess.CancelTurn()
		if err := r.opts.Store.CloseSession(ctx, sess.SessionID, "heartbeat_timeout"); err != nil {
			r.recordStoreFailure("close_session", err)
		}
		if err := r.opts.Adapter.Send(ctx, protocol.Envelope{
			Direction: protocol.DirectionCommand,
			Type:      protocol.TypeClose,
			DeviceID:  sess.DeviceID,
			SessionID: sess.SessionID,
			Seq:       sess.NextOutboundSeq(),
			TsMs:      time.Now().UnixMilli(),
			Payload:   protocol.Payload{"reason": "heartbeat_timeout"},
		}); err != nil {
			r.log.Warn().Err(err).Str("session_id", sess.SessionID).Msg("failed to notify device of heartbeat-timeout close")
		}
		r.log.Info().Str("device_id", sess.DeviceID).Str("session_id", sess.SessionID).Msg("session evicted on heartbeat timeout")
		r.closeInbox(sess.SessionID)
	}
}

// closeInbox shuts down a session's worker goroutine once the table
// entry is already gone, e.g. after heartbeat-timeout eviction. The
// worker's own deferred cleanup is a no-op in that case since the table
// entry was already removed by EvictStale.
func (r *Runtime) closeInbox(sessionID string) {
	r.inboxMu.Lock()
	defer r.inboxMu.Unlock()
	if ch, ok := r.inboxes[sessionID]; ok {
		close(ch)
		delete(r.inboxes, sessionID)
	}
}
