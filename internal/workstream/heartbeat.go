package workstream

import (
	"context"
	"log/slog"
	"time"

	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/db"
	steroidserrors "github.com/UnlikeOtherAI/steroids-cli-sub003/internal/errors"
)

// leaseHeartbeat extends the workstream lease on an interval so a live
// runner never expires mid-task. The refresh re-runs the full three-column
// fence; a zero-row update means another runner claimed the workstream,
// and the only safe move is to stop before the next mutation. The
// heartbeat signals that by cancelling the run context with the fence
// error as cause. Each tick also refreshes the runner row so the wakeup
// controller's stale sweep leaves a live runner alone.
type leaseHeartbeat struct {
	global   *db.GlobalDB
	w        *db.Workstream
	runnerID string
	ttl      time.Duration
	interval time.Duration
	logger   *slog.Logger
	cancel   context.CancelCauseFunc

	stopCh chan struct{}
	doneCh chan struct{}
}

func newLeaseHeartbeat(global *db.GlobalDB, w *db.Workstream, runnerID string, ttl, interval time.Duration, logger *slog.Logger, cancel context.CancelCauseFunc) *leaseHeartbeat {
	if interval <= 0 {
		interval = ttl / 3
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &leaseHeartbeat{
		global:   global,
		w:        w,
		runnerID: runnerID,
		ttl:      ttl,
		interval: interval,
		logger:   logger,
		cancel:   cancel,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the refresh loop in a goroutine.
func (h *leaseHeartbeat) Start(ctx context.Context) {
	go h.run(ctx)
}

// Stop ends the refresh loop and waits for it to exit.
func (h *leaseHeartbeat) Stop() {
	select {
	case <-h.stopCh:
	default:
		close(h.stopCh)
	}
	<-h.doneCh
}

func (h *leaseHeartbeat) run(ctx context.Context) {
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
			if err := h.global.RefreshLease(h.w, h.ttl); err != nil {
				if serr := steroidserrors.AsSteroidsError(err); serr != nil && serr.Code == steroidserrors.CodeLeaseFenceFailed {
					h.logger.Error("workstream lease lost",
						"workstream", h.w.ID, "runner", h.runnerID, "error", err)
					h.cancel(err)
					return
				}
				// Transient store error: keep ticking, the lease has slack.
				h.logger.Warn("lease refresh failed",
					"workstream", h.w.ID, "error", err)
				continue
			}
			if err := h.global.HeartbeatRunner(h.runnerID); err != nil {
				h.logger.Warn("runner heartbeat failed",
					"runner", h.runnerID, "error", err)
			}
			h.logger.Debug("workstream lease refreshed",
				"workstream", h.w.ID, "generation", h.w.ClaimGeneration)
		}
	}
}
