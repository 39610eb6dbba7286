package merge

import (
	"context"
	"log/slog"
	"time"

	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/db"
)

// lockHeartbeat refreshes the merge lock on an interval so a live merge
// never expires during a long provider invocation or validation run. The
// refresh carries the epoch fence: a zero-row update means another runner
// took the merge over, and the only safe move is to stop before the next
// mutation. The heartbeat signals that by cancelling the merge context
// with the fence error as cause.
type lockHeartbeat struct {
	global   *db.GlobalDB
	lock     *db.MergeLock
	ttl      time.Duration
	interval time.Duration
	logger   *slog.Logger
	cancel   context.CancelCauseFunc

	stopCh chan struct{}
	doneCh chan struct{}
}

func newLockHeartbeat(global *db.GlobalDB, lock *db.MergeLock, ttl, interval time.Duration, logger *slog.Logger, cancel context.CancelCauseFunc) *lockHeartbeat {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &lockHeartbeat{
		global:   global,
		lock:     lock,
		ttl:      ttl,
		interval: interval,
		logger:   logger,
		cancel:   cancel,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the refresh loop in a goroutine.
func (h *lockHeartbeat) Start(ctx context.Context) {
	go h.run(ctx)
}

// Stop ends the refresh loop and waits for it to exit.
func (h *lockHeartbeat) Stop() {
	select {
	case <-h.stopCh:
	default:
		close(h.stopCh)
	}
	<-h.doneCh
}

func (h *lockHeartbeat) run(ctx context.Context) {
	defer close(h.doneCh)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopCh:
			return
		case <-ticker.C:
			if err := h.global.RefreshMergeLock(h.lock, h.ttl); err != nil {
				h.logger.Error("merge lock lost",
					"session", h.lock.SessionID, "epoch", h.lock.LockEpoch, "error", err)
				h.cancel(err)
				return
			}
			h.logger.Debug("merge lock refreshed",
				"session", h.lock.SessionID, "epoch", h.lock.LockEpoch)
		}
	}
}
