package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	steroidserrors "github.com/UnlikeOtherAI/steroids-cli-sub003/internal/errors"
)

// Workstream statuses.
const (
	WorkstreamRunning   = "running"
	WorkstreamCompleted = "completed"
	WorkstreamFailed    = "failed"
)

// DefaultLeaseTTL is how far in the future a lease claim or heartbeat
// pushes the expiry.
const DefaultLeaseTTL = 120 * time.Second

// Workstream is one concurrent lane of a parallel session: an ordered set
// of sections executing on its own branch in its own clone.
//
// Status and ClaimGeneration double as the optimistic fence for every
// mutation: the caller passes the values it last read, and a mutation that
// changes zero rows means ownership was lost in between.
type Workstream struct {
	ID               string
	SessionID        string
	Branch           string
	SectionIDs       []string
	WorkspacePath    string
	Status           string
	RunnerID         string
	ClaimGeneration  int64
	LeaseExpiresAt   *time.Time
	SealedBaseSHA    string
	SealedHeadSHA    string
	SealedCommits    []string
	CompletionOrder  *int
	ConflictAttempts int
	RecoveryAttempts int
	CompletedAt      *time.Time
	ReconciledAt     *time.Time
	ReconcileNotes   string
}

// LeaseExpired reports whether the lease has lapsed as of now. A workstream
// with no expiry set has never been claimed and is always claimable.
func (w *Workstream) LeaseExpired(now time.Time) bool {
	return w.LeaseExpiresAt == nil || w.LeaseExpiresAt.Before(now)
}

const workstreamColumns = `id, session_id, branch, section_ids, workspace_path, status,
	runner_id, claim_generation, lease_expires_at,
	sealed_base_sha, sealed_head_sha, sealed_commits,
	completion_order, conflict_attempts, recovery_attempts,
	completed_at, reconciled_at, reconcile_notes`

// CreateWorkstream inserts a workstream row. A new workstream starts at
// claim generation 0 (unclaimed); the scheduler claims it immediately after.
func (g *GlobalDB) CreateWorkstream(w *Workstream) error {
	if w.Status == "" {
		w.Status = WorkstreamRunning
	}
	sectionIDs, err := json.Marshal(w.SectionIDs)
	if err != nil {
		return fmt.Errorf("marshal section ids: %w", err)
	}
	_, err = g.Exec(`
		INSERT INTO workstreams (id, session_id, branch, section_ids, workspace_path, status, claim_generation)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, w.ID, w.SessionID, w.Branch, string(sectionIDs), nullIfEmpty(w.WorkspacePath), w.Status, w.ClaimGeneration)
	if err != nil {
		return fmt.Errorf("create workstream: %w", err)
	}
	return nil
}

// GetWorkstream retrieves a workstream by id. Returns (nil, nil) when absent.
func (g *GlobalDB) GetWorkstream(id string) (*Workstream, error) {
	row := g.QueryRow("SELECT "+workstreamColumns+" FROM workstreams WHERE id = ?", id)
	w, err := scanWorkstream(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get workstream %s: %w", id, err)
	}
	return w, nil
}

// ListWorkstreams returns a session's workstreams in completion order.
// Unsealed workstreams (no completion order yet) sort last, by id.
func (g *GlobalDB) ListWorkstreams(sessionID string) ([]Workstream, error) {
	rows, err := g.Query(`
		SELECT `+workstreamColumns+`
		FROM workstreams
		WHERE session_id = ?
		ORDER BY completion_order IS NULL, completion_order, id
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list workstreams: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var workstreams []Workstream
	for rows.Next() {
		w, err := scanWorkstream(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workstream: %w", err)
		}
		workstreams = append(workstreams, *w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workstreams: %w", err)
	}
	return workstreams, nil
}

// ClaimLease transfers ownership of a workstream to runnerID, bumping the
// claim generation. The fence is the (status, claim generation) pair the
// caller last read; if another runner claimed in between the update changes
// zero rows and the claim fails. On success w reflects the new lease.
//
// Callers taking over an expired lease must check LeaseExpired first; this
// method does not inspect expiry, it only enforces the fence.
func (g *GlobalDB) ClaimLease(w *Workstream, runnerID string, ttl time.Duration) error {
	expires := time.Now().Add(ttl)
	res, err := g.Exec(`
		UPDATE workstreams
		SET runner_id = ?, claim_generation = ?, lease_expires_at = ?
		WHERE id = ? AND status = ? AND claim_generation = ?
	`, runnerID, w.ClaimGeneration+1, formatTime(expires),
		w.ID, w.Status, w.ClaimGeneration)
	if err != nil {
		return fmt.Errorf("claim lease: %w", err)
	}
	if n, err := rowsChanged(res); err != nil {
		return err
	} else if n != 1 {
		return steroidserrors.ErrLeaseFenceFailed(w.ID)
	}
	w.RunnerID = runnerID
	w.ClaimGeneration++
	w.LeaseExpiresAt = &expires
	return nil
}

// RefreshLease advances the lease expiry without changing ownership. The
// heartbeat re-runs the full fence including runner id, so a runner whose
// lease was taken over cannot silently extend it.
func (g *GlobalDB) RefreshLease(w *Workstream, ttl time.Duration) error {
	expires := time.Now().Add(ttl)
	res, err := g.Exec(`
		UPDATE workstreams
		SET lease_expires_at = ?
		WHERE id = ? AND status = ? AND claim_generation = ? AND runner_id = ?
	`, formatTime(expires), w.ID, w.Status, w.ClaimGeneration, w.RunnerID)
	if err != nil {
		return fmt.Errorf("refresh lease: %w", err)
	}
	if n, err := rowsChanged(res); err != nil {
		return err
	} else if n != 1 {
		return steroidserrors.ErrLeaseFenceFailed(w.ID)
	}
	w.LeaseExpiresAt = &expires
	return nil
}

// ReleaseLease clears the lease on clean shutdown so the workstream is
// immediately claimable. The generation is not bumped; the next claim does
// that.
func (g *GlobalDB) ReleaseLease(w *Workstream) error {
	res, err := g.Exec(`
		UPDATE workstreams
		SET runner_id = NULL, lease_expires_at = NULL
		WHERE id = ? AND status = ? AND claim_generation = ? AND runner_id = ?
	`, w.ID, w.Status, w.ClaimGeneration, w.RunnerID)
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	if n, err := rowsChanged(res); err != nil {
		return err
	} else if n != 1 {
		return steroidserrors.ErrLeaseFenceFailed(w.ID)
	}
	w.RunnerID = ""
	w.LeaseExpiresAt = nil
	return nil
}

// VerifyLease re-reads the workstream and reports whether the caller still
// owns it. Used before irreversible side effects (pushes, deletes) that the
// fence on a later UPDATE would catch too late.
func (g *GlobalDB) VerifyLease(w *Workstream) error {
	current, err := g.GetWorkstream(w.ID)
	if err != nil {
		return err
	}
	if current == nil ||
		current.ClaimGeneration != w.ClaimGeneration ||
		current.RunnerID != w.RunnerID ||
		current.Status != w.Status {
		return steroidserrors.ErrLeaseFenceFailed(w.ID)
	}
	return nil
}

// SetWorkstreamStatus moves a workstream to a new status under the lease
// fence. Terminal statuses stamp completed_at.
func (g *GlobalDB) SetWorkstreamStatus(w *Workstream, status string) error {
	var completedAt *string
	if status == WorkstreamCompleted || status == WorkstreamFailed {
		s := formatTime(time.Now())
		completedAt = &s
	}
	res, err := g.Exec(`
		UPDATE workstreams
		SET status = ?, completed_at = COALESCE(?, completed_at)
		WHERE id = ? AND status = ? AND claim_generation = ?
	`, status, completedAt, w.ID, w.Status, w.ClaimGeneration)
	if err != nil {
		return fmt.Errorf("set workstream status: %w", err)
	}
	if n, err := rowsChanged(res); err != nil {
		return err
	} else if n != 1 {
		return steroidserrors.ErrLeaseFenceFailed(w.ID)
	}
	w.Status = status
	if completedAt != nil && w.CompletedAt == nil {
		t := parseTimestamp(*completedAt)
		w.CompletedAt = &t
	}
	return nil
}

// WorkstreamSeal carries the immutable commit identity captured for one
// workstream when it is handed to the merge engine.
type WorkstreamSeal struct {
	Workstream      *Workstream
	BaseSHA         string
	HeadSHA         string
	Commits         []string
	CompletionOrder int
}

// SealWorkstreams persists the sealed base/head SHAs, commit lists and
// completion order for a batch of workstreams in a single transaction, each
// update gated by that workstream's lease fence. Any fence miss rolls the
// whole batch back, so a merge never proceeds with a partially sealed
// session. On success the Workstream structs reflect the sealed state.
func (g *GlobalDB) SealWorkstreams(seals []WorkstreamSeal) error {
	now := time.Now()
	nowStr := formatTime(now)

	err := g.RunInTx(context.Background(), func(tx *TxOps) error {
		for i := range seals {
			s := &seals[i]
			w := s.Workstream
			commits, err := json.Marshal(s.Commits)
			if err != nil {
				return fmt.Errorf("marshal sealed commits: %w", err)
			}
			res, err := tx.Exec(`
				UPDATE workstreams
				SET sealed_base_sha = ?, sealed_head_sha = ?, sealed_commits = ?,
				    completion_order = ?, completed_at = COALESCE(completed_at, ?)
				WHERE id = ? AND status = ? AND claim_generation = ?
			`, s.BaseSHA, s.HeadSHA, string(commits), s.CompletionOrder, nowStr,
				w.ID, w.Status, w.ClaimGeneration)
			if err != nil {
				return fmt.Errorf("seal workstream %s: %w", w.ID, err)
			}
			if n, err := rowsChanged(res); err != nil {
				return err
			} else if n != 1 {
				return steroidserrors.ErrLeaseFenceFailed(w.ID)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for i := range seals {
		s := &seals[i]
		w := s.Workstream
		w.SealedBaseSHA = s.BaseSHA
		w.SealedHeadSHA = s.HeadSHA
		w.SealedCommits = s.Commits
		order := s.CompletionOrder
		w.CompletionOrder = &order
		if w.CompletedAt == nil {
			t := parseTimestamp(nowStr)
			w.CompletedAt = &t
		}
	}
	return nil
}

// IncrementConflictAttempts bumps the conflict-resolution counter under the
// lease fence and returns the new count.
func (g *GlobalDB) IncrementConflictAttempts(w *Workstream) (int, error) {
	res, err := g.Exec(`
		UPDATE workstreams
		SET conflict_attempts = conflict_attempts + 1
		WHERE id = ? AND status = ? AND claim_generation = ?
	`, w.ID, w.Status, w.ClaimGeneration)
	if err != nil {
		return 0, fmt.Errorf("increment conflict attempts: %w", err)
	}
	if n, err := rowsChanged(res); err != nil {
		return 0, err
	} else if n != 1 {
		return 0, steroidserrors.ErrLeaseFenceFailed(w.ID)
	}
	w.ConflictAttempts++
	return w.ConflictAttempts, nil
}

// IncrementRecoveryAttempts bumps the crash-recovery counter under the
// lease fence and returns the new count.
func (g *GlobalDB) IncrementRecoveryAttempts(w *Workstream) (int, error) {
	res, err := g.Exec(`
		UPDATE workstreams
		SET recovery_attempts = recovery_attempts + 1
		WHERE id = ? AND status = ? AND claim_generation = ?
	`, w.ID, w.Status, w.ClaimGeneration)
	if err != nil {
		return 0, fmt.Errorf("increment recovery attempts: %w", err)
	}
	if n, err := rowsChanged(res); err != nil {
		return 0, err
	} else if n != 1 {
		return 0, steroidserrors.ErrLeaseFenceFailed(w.ID)
	}
	w.RecoveryAttempts++
	return w.RecoveryAttempts, nil
}

// MarkWorkstreamReconciled records that a recovery pass inspected this
// workstream and what it found. This is an administrative stamp, written by
// the reconciler after it has taken over the lease, so it keys on id alone.
func (g *GlobalDB) MarkWorkstreamReconciled(id, notes string) error {
	res, err := g.Exec(`
		UPDATE workstreams
		SET reconciled_at = ?, reconcile_notes = ?
		WHERE id = ?
	`, formatTime(time.Now()), nullIfEmpty(notes), id)
	if err != nil {
		return fmt.Errorf("mark workstream reconciled: %w", err)
	}
	if n, err := rowsChanged(res); err != nil {
		return err
	} else if n == 0 {
		return fmt.Errorf("mark workstream reconciled: workstream %s not found", id)
	}
	return nil
}

// ExpiredLeaseWorkstreams returns running workstreams whose lease expired
// before now. These are takeover candidates for recovery.
func (g *GlobalDB) ExpiredLeaseWorkstreams(now time.Time) ([]Workstream, error) {
	rows, err := g.Query(`
		SELECT `+workstreamColumns+`
		FROM workstreams
		WHERE status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at < ?
		ORDER BY lease_expires_at, id
	`, WorkstreamRunning, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("expired lease workstreams: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var workstreams []Workstream
	for rows.Next() {
		w, err := scanWorkstream(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workstream: %w", err)
		}
		workstreams = append(workstreams, *w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workstreams: %w", err)
	}
	return workstreams, nil
}

func scanWorkstream(row rowScanner) (*Workstream, error) {
	var w Workstream
	var sectionIDs string
	var workspacePath, runnerID sql.NullString
	var leaseExpiresAt sql.NullString
	var sealedBase, sealedHead, sealedCommits sql.NullString
	var completionOrder sql.NullInt64
	var completedAt, reconciledAt, reconcileNotes sql.NullString

	err := row.Scan(&w.ID, &w.SessionID, &w.Branch, &sectionIDs, &workspacePath, &w.Status,
		&runnerID, &w.ClaimGeneration, &leaseExpiresAt,
		&sealedBase, &sealedHead, &sealedCommits,
		&completionOrder, &w.ConflictAttempts, &w.RecoveryAttempts,
		&completedAt, &reconciledAt, &reconcileNotes)
	if err != nil {
		return nil, err
	}

	if sectionIDs != "" {
		if err := json.Unmarshal([]byte(sectionIDs), &w.SectionIDs); err != nil {
			return nil, fmt.Errorf("unmarshal section ids: %w", err)
		}
	}
	w.WorkspacePath = workspacePath.String
	w.RunnerID = runnerID.String
	if leaseExpiresAt.Valid {
		t := parseTimestamp(leaseExpiresAt.String)
		w.LeaseExpiresAt = &t
	}
	w.SealedBaseSHA = sealedBase.String
	w.SealedHeadSHA = sealedHead.String
	if sealedCommits.Valid && sealedCommits.String != "" {
		if err := json.Unmarshal([]byte(sealedCommits.String), &w.SealedCommits); err != nil {
			return nil, fmt.Errorf("unmarshal sealed commits: %w", err)
		}
	}
	if completionOrder.Valid {
		order := int(completionOrder.Int64)
		w.CompletionOrder = &order
	}
	if completedAt.Valid {
		t := parseTimestamp(completedAt.String)
		w.CompletedAt = &t
	}
	if reconciledAt.Valid {
		t := parseTimestamp(reconciledAt.String)
		w.ReconciledAt = &t
	}
	w.ReconcileNotes = reconcileNotes.String
	return &w, nil
}
