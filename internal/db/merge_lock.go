package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	steroidserrors "github.com/UnlikeOtherAI/steroids-cli-sub003/internal/errors"
)

// MergeLock is the session-scoped mutual exclusion for mainline mutation.
// The epoch is monotonic per session: every ownership change bumps it, and
// the holder passes it as a fence to all merge-state mutations.
type MergeLock struct {
	SessionID   string
	RunnerID    string
	LockEpoch   int64
	AcquiredAt  time.Time
	ExpiresAt   time.Time
	HeartbeatAt time.Time
}

// Expired reports whether the lock has lapsed as of now.
func (l *MergeLock) Expired(now time.Time) bool {
	return l.ExpiresAt.Before(now)
}

// AcquireMergeLock obtains the merge lock for a session. Three conditional
// statements cover the cases in order, each atomic on its own:
//
//  1. the caller already holds it: refresh expiry, keep the epoch
//  2. an expired lock exists: take over, bumping the epoch
//  3. no lock exists: insert at epoch 1
//
// If all three miss, another runner holds a live lock and the acquisition
// fails with MERGE_LOCK_HELD naming the holder.
func (g *GlobalDB) AcquireMergeLock(sessionID, runnerID string, ttl time.Duration) (*MergeLock, error) {
	now := time.Now()
	nowStr := formatTime(now)
	expiresStr := formatTime(now.Add(ttl))

	res, err := g.Exec(`
		UPDATE merge_locks SET expires_at = ?, heartbeat_at = ?
		WHERE session_id = ? AND runner_id = ?
	`, expiresStr, nowStr, sessionID, runnerID)
	if err != nil {
		return nil, fmt.Errorf("refresh own merge lock: %w", err)
	}
	if n, err := rowsChanged(res); err != nil {
		return nil, err
	} else if n == 1 {
		return g.mustGetMergeLock(sessionID)
	}

	res, err = g.Exec(`
		UPDATE merge_locks
		SET runner_id = ?, lock_epoch = lock_epoch + 1,
		    acquired_at = ?, expires_at = ?, heartbeat_at = ?
		WHERE session_id = ? AND expires_at < ?
	`, runnerID, nowStr, expiresStr, nowStr, sessionID, nowStr)
	if err != nil {
		return nil, fmt.Errorf("take over expired merge lock: %w", err)
	}
	if n, err := rowsChanged(res); err != nil {
		return nil, err
	} else if n == 1 {
		return g.mustGetMergeLock(sessionID)
	}

	res, err = g.Exec(`
		INSERT INTO merge_locks (session_id, runner_id, lock_epoch, acquired_at, expires_at, heartbeat_at)
		VALUES (?, ?, 1, ?, ?, ?)
		ON CONFLICT (session_id) DO NOTHING
	`, sessionID, runnerID, nowStr, expiresStr, nowStr)
	if err != nil {
		return nil, fmt.Errorf("insert merge lock: %w", err)
	}
	if n, err := rowsChanged(res); err != nil {
		return nil, err
	} else if n == 1 {
		return g.mustGetMergeLock(sessionID)
	}

	holder, err := g.GetMergeLock(sessionID)
	if err != nil {
		return nil, err
	}
	holderID := "unknown"
	if holder != nil {
		holderID = holder.RunnerID
	}
	return nil, steroidserrors.ErrMergeLockHeld(sessionID, holderID)
}

// RefreshMergeLock heartbeats the lock under the epoch fence. A zero-change
// update means the epoch moved under us: another runner took the merge over
// and this one must stop.
func (g *GlobalDB) RefreshMergeLock(lock *MergeLock, ttl time.Duration) error {
	now := time.Now()
	expires := now.Add(ttl)
	res, err := g.Exec(`
		UPDATE merge_locks SET expires_at = ?, heartbeat_at = ?
		WHERE session_id = ? AND runner_id = ? AND lock_epoch = ?
	`, formatTime(expires), formatTime(now), lock.SessionID, lock.RunnerID, lock.LockEpoch)
	if err != nil {
		return fmt.Errorf("refresh merge lock: %w", err)
	}
	if n, err := rowsChanged(res); err != nil {
		return err
	} else if n != 1 {
		return steroidserrors.ErrMergeLockFenceLost(lock.SessionID)
	}
	lock.ExpiresAt = expires
	lock.HeartbeatAt = now
	return nil
}

// ReleaseMergeLock deletes the lock under the epoch fence. Releasing a lock
// that was already taken over is a no-op: the new holder owns the row.
func (g *GlobalDB) ReleaseMergeLock(lock *MergeLock) error {
	_, err := g.Exec(`
		DELETE FROM merge_locks
		WHERE session_id = ? AND runner_id = ? AND lock_epoch = ?
	`, lock.SessionID, lock.RunnerID, lock.LockEpoch)
	if err != nil {
		return fmt.Errorf("release merge lock: %w", err)
	}
	return nil
}

// GetMergeLock retrieves the lock row for a session. Returns (nil, nil)
// when no lock exists.
func (g *GlobalDB) GetMergeLock(sessionID string) (*MergeLock, error) {
	row := g.QueryRow(`
		SELECT session_id, runner_id, lock_epoch, acquired_at, expires_at, heartbeat_at
		FROM merge_locks WHERE session_id = ?
	`, sessionID)
	l, err := scanMergeLock(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get merge lock %s: %w", sessionID, err)
	}
	return l, nil
}

func (g *GlobalDB) mustGetMergeLock(sessionID string) (*MergeLock, error) {
	l, err := g.GetMergeLock(sessionID)
	if err != nil {
		return nil, err
	}
	if l == nil {
		return nil, steroidserrors.New(steroidserrors.CodeMergeLockNotFound,
			fmt.Sprintf("merge lock for session %s vanished after acquisition", sessionID))
	}
	return l, nil
}

func scanMergeLock(row rowScanner) (*MergeLock, error) {
	var l MergeLock
	var acquiredAt, expiresAt, heartbeatAt string
	if err := row.Scan(&l.SessionID, &l.RunnerID, &l.LockEpoch, &acquiredAt, &expiresAt, &heartbeatAt); err != nil {
		return nil, err
	}
	l.AcquiredAt = parseTimestamp(acquiredAt)
	l.ExpiresAt = parseTimestamp(expiresAt)
	l.HeartbeatAt = parseTimestamp(heartbeatAt)
	return &l, nil
}
