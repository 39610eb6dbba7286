package workstream

import (
	"context"
	"fmt"
	"time"

	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/config"
	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/db"
	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/logging"
)

// maxRecoveryAttempts bounds how many times a crashed workstream is
// relaunched before it is parked as failed for operator attention.
const maxRecoveryAttempts = 3

// Recovered reports what the recovery sweep did with one expired lease.
type Recovered struct {
	WorkstreamID string `json:"workstream_id"`
	SessionID    string `json:"session_id"`
	RunnerID     string `json:"runner_id,omitempty"`
	PID          int    `json:"pid,omitempty"`
	Attempts     int    `json:"attempts"`
	Failed       bool   `json:"failed"`
	Notes        string `json:"notes"`
}

// Recover reclaims workstreams whose lease expired: the previous runner
// crashed or lost its machine. Each reclaim takes the lease over under the
// fence, bumps the recovery counter, stamps the row reconciled, and either
// relaunches a child or parks the workstream failed once the attempt
// budget is spent. A fence failure on the claim means another sweep got
// there first; that workstream is skipped silently.
func (la *Launcher) Recover(ctx context.Context, now time.Time) ([]Recovered, error) {
	expired, err := la.global.ExpiredLeaseWorkstreams(now)
	if err != nil {
		return nil, err
	}

	var recovered []Recovered
	for i := range expired {
		w := &expired[i]
		if !w.LeaseExpired(now) {
			continue
		}
		rec, err := la.recoverOne(ctx, w)
		if err != nil {
			la.logger.Error("recover workstream", "workstream", w.ID, "error", err)
			continue
		}
		if rec != nil {
			recovered = append(recovered, *rec)
		}
	}
	return recovered, nil
}

func (la *Launcher) recoverOne(ctx context.Context, w *db.Workstream) (*Recovered, error) {
	session, err := la.global.GetSession(w.SessionID)
	if err != nil {
		return nil, err
	}
	if session == nil || db.SessionTerminal(session.Status) {
		// The session is gone or finished; a dangling running workstream
		// is bookkeeping debris, not work to resume.
		notes := "session is terminal; parking workstream"
		if err := la.global.ClaimLease(w, "recovery-sweep", la.cfg.LeaseDuration()); err != nil {
			return nil, nil // lost the race, another sweep owns it
		}
		la.failReclaimed(w, notes)
		return &Recovered{
			WorkstreamID: w.ID,
			SessionID:    w.SessionID,
			Attempts:     w.RecoveryAttempts,
			Failed:       true,
			Notes:        notes,
		}, nil
	}

	runnerID := "runner-" + shortID(la.newID())
	if err := la.global.ClaimLease(w, runnerID, la.cfg.LeaseDuration()); err != nil {
		return nil, nil // lost the race
	}
	attempts, err := la.global.IncrementRecoveryAttempts(w)
	if err != nil {
		return nil, err
	}

	if attempts > maxRecoveryAttempts {
		notes := fmt.Sprintf("lease expired; recovery attempts exhausted (%d)", attempts)
		la.failReclaimed(w, notes)
		return &Recovered{
			WorkstreamID: w.ID,
			SessionID:    w.SessionID,
			Attempts:     attempts,
			Failed:       true,
			Notes:        notes,
		}, nil
	}

	notes := fmt.Sprintf("lease expired; relaunching (attempt %d of %d)", attempts, maxRecoveryAttempts)
	if err := la.global.MarkWorkstreamReconciled(w.ID, notes); err != nil {
		la.logger.Warn("mark reconciled", "workstream", w.ID, "error", err)
	}

	var logPath string
	if la.cfg.Parallel.DaemonLogs {
		globalHome, err := config.GlobalHome()
		if err != nil {
			return nil, err
		}
		logPath = logging.WorkstreamLogPath(globalHome, w.ID)
	}
	pid, err := la.spawn(ctx, SpawnRequest{
		ProjectPath:  session.ProjectPath,
		SessionID:    w.SessionID,
		WorkstreamID: w.ID,
		RunnerID:     runnerID,
		LogPath:      logPath,
	})
	if err != nil {
		la.failReclaimed(w, fmt.Sprintf("relaunch failed: %v", err))
		return nil, err
	}

	la.logger.Info("workstream relaunched after lease expiry",
		"workstream", w.ID, "runner", runnerID, "pid", pid, "attempt", attempts)
	return &Recovered{
		WorkstreamID: w.ID,
		SessionID:    w.SessionID,
		RunnerID:     runnerID,
		PID:          pid,
		Attempts:     attempts,
		Notes:        notes,
	}, nil
}

// failReclaimed parks a reclaimed workstream as failed with a reconcile
// note. The caller holds the lease, so the fences pass.
func (la *Launcher) failReclaimed(w *db.Workstream, notes string) {
	if err := la.global.SetWorkstreamStatus(w, db.WorkstreamFailed); err != nil {
		la.logger.Warn("mark reclaimed workstream failed", "workstream", w.ID, "error", err)
		return
	}
	if err := la.global.ReleaseLease(w); err != nil {
		la.logger.Warn("release reclaimed lease", "workstream", w.ID, "error", err)
	}
	if err := la.global.MarkWorkstreamReconciled(w.ID, notes); err != nil {
		la.logger.Warn("mark reconciled", "workstream", w.ID, "error", err)
	}
}
