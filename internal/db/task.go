package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	steroidserrors "github.com/UnlikeOtherAI/steroids-cli-sub003/internal/errors"
	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/task"
)

// Task represents a unit of work stored in the project database.
type Task struct {
	ID             string
	Title          string
	Description    string
	Status         task.Status
	SectionID      string // empty for sectionless tasks
	SpecPath       string
	RejectionCount int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TransitionMeta carries the audit fields recorded with a status change.
type TransitionMeta struct {
	Actor     string // human or model identifier
	Notes     string
	CommitSHA string
}

// CreateTask inserts a task and its initial audit entry in one transaction.
// The caller supplies the id; Status defaults to pending.
func (p *ProjectDB) CreateTask(t *Task) error {
	if t.ID == "" {
		return fmt.Errorf("create task: id is required")
	}
	if t.Status == "" {
		t.Status = task.StatusPending
	}
	if !task.IsValidStatus(t.Status) {
		return fmt.Errorf("create task: invalid status %q", t.Status)
	}
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	return p.RunInTx(context.Background(), func(tx *TxOps) error {
		_, err := tx.Exec(`
			INSERT INTO tasks (id, title, description, status, section_id, spec_path, rejection_count, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, t.ID, t.Title, t.Description, string(t.Status), nullIfEmpty(t.SectionID), nullIfEmpty(t.SpecPath),
			t.RejectionCount, formatTime(t.CreatedAt), formatTime(t.UpdatedAt))
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}

		_, err = tx.Exec(`
			INSERT INTO audit_log (task_id, from_status, to_status, actor, notes, commit_sha, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, t.ID, "", string(t.Status), "system", "task created", nil, formatTime(now))
		if err != nil {
			return fmt.Errorf("insert creation audit: %w", err)
		}
		return nil
	})
}

// GetTask retrieves a task by id. Returns (nil, nil) when absent.
func (p *ProjectDB) GetTask(id string) (*Task, error) {
	row := p.QueryRow(`
		SELECT id, title, description, status, section_id, spec_path, rejection_count, created_at, updated_at
		FROM tasks WHERE id = ?
	`, id)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	Status    task.Status // empty matches all
	SectionID string      // empty matches all
}

// ListTasks returns tasks matching the filter, ordered by section position
// (sectionless tasks last) then creation time.
func (p *ProjectDB) ListTasks(f TaskFilter) ([]Task, error) {
	query := `
		SELECT t.id, t.title, t.description, t.status, t.section_id, t.spec_path, t.rejection_count, t.created_at, t.updated_at
		FROM tasks t
		LEFT JOIN sections s ON t.section_id = s.id
		WHERE 1=1
	`
	var args []any
	if f.Status != "" {
		query += " AND t.status = ?"
		args = append(args, string(f.Status))
	}
	if f.SectionID != "" {
		query += " AND t.section_id = ?"
		args = append(args, f.SectionID)
	}
	query += `
		ORDER BY CASE WHEN t.section_id IS NULL THEN 1 ELSE 0 END,
			s.position ASC, t.created_at ASC, t.id ASC
	`

	rows, err := p.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, nil
}

// CountOpenTasks returns the number of tasks that still need work: any
// status except completed, skipped, and failed. The wakeup controller uses
// this to decide whether a project deserves a runner.
func (p *ProjectDB) CountOpenTasks() (int, error) {
	var n int
	row := p.QueryRow(`
		SELECT COUNT(*) FROM tasks WHERE status NOT IN (?, ?, ?)
	`, string(task.StatusCompleted), string(task.StatusSkipped), string(task.StatusFailed))
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count open tasks: %w", err)
	}
	return n, nil
}

// DeleteTask removes a task together with its audit trail and disputes in
// one transaction.
func (p *ProjectDB) DeleteTask(id string) error {
	return p.RunInTx(context.Background(), func(tx *TxOps) error {
		res, err := tx.Exec("DELETE FROM tasks WHERE id = ?", id)
		if err != nil {
			return fmt.Errorf("delete task: %w", err)
		}
		n, err := rowsChanged(res)
		if err != nil {
			return err
		}
		if n == 0 {
			return steroidserrors.ErrTaskNotFound(id)
		}
		if _, err := tx.Exec("DELETE FROM audit_log WHERE task_id = ?", id); err != nil {
			return fmt.Errorf("delete audit trail: %w", err)
		}
		if _, err := tx.Exec("DELETE FROM disputes WHERE task_id = ?", id); err != nil {
			return fmt.Errorf("delete disputes: %w", err)
		}
		return nil
	})
}

// PruneTasks deletes terminal tasks (completed, skipped, failed) last
// touched before the cutoff, together with their audit trails, disputes,
// and invocation rows. Returns how many tasks were removed.
func (p *ProjectDB) PruneTasks(olderThan time.Time) (int64, error) {
	var pruned int64
	err := p.RunInTx(context.Background(), func(tx *TxOps) error {
		match := `SELECT id FROM tasks WHERE status IN (?, ?, ?) AND updated_at < ?`
		args := []any{
			string(task.StatusCompleted), string(task.StatusSkipped),
			string(task.StatusFailed), formatTime(olderThan),
		}
		if _, err := tx.Exec("DELETE FROM audit_log WHERE task_id IN ("+match+")", args...); err != nil {
			return fmt.Errorf("prune audit trails: %w", err)
		}
		if _, err := tx.Exec("DELETE FROM disputes WHERE task_id IN ("+match+")", args...); err != nil {
			return fmt.Errorf("prune disputes: %w", err)
		}
		if _, err := tx.Exec("DELETE FROM invocations WHERE task_id IN ("+match+")", args...); err != nil {
			return fmt.Errorf("prune task invocations: %w", err)
		}
		res, err := tx.Exec(
			"DELETE FROM tasks WHERE status IN (?, ?, ?) AND updated_at < ?", args...)
		if err != nil {
			return fmt.Errorf("prune tasks: %w", err)
		}
		pruned, err = rowsChanged(res)
		return err
	})
	return pruned, err
}

// Vacuum reclaims file space after pruning. Runs outside a transaction
// because sqlite forbids VACUUM inside one.
func (p *ProjectDB) Vacuum() error {
	if _, err := p.Exec("VACUUM"); err != nil {
		return fmt.Errorf("vacuum: %w", err)
	}
	return nil
}

// TransitionTask moves a task through the lifecycle state machine. The
// status change and its audit entry commit in the same transaction; a
// reject transition (review -> in_progress) additionally increments the
// rejection counter. Illegal transitions fail without mutating anything.
func (p *ProjectDB) TransitionTask(id string, to task.Status, meta TransitionMeta) (*Task, error) {
	if !task.IsValidStatus(to) {
		return nil, fmt.Errorf("transition task: invalid status %q", to)
	}

	var updated *Task
	err := p.RunInTx(context.Background(), func(tx *TxOps) error {
		row := tx.QueryRow(`
			SELECT id, title, description, status, section_id, spec_path, rejection_count, created_at, updated_at
			FROM tasks WHERE id = ?
		`, id)
		t, err := scanTask(row)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return steroidserrors.ErrTaskNotFound(id)
			}
			return fmt.Errorf("load task %s: %w", id, err)
		}

		if !task.CanTransition(t.Status, to) {
			return steroidserrors.Newf(steroidserrors.CodeInvalidTransition,
				"cannot transition task %s from %s to %s", id, t.Status, to)
		}

		now := time.Now()
		isReject := task.IsRejection(t.Status, to)
		if isReject {
			res, err := tx.Exec(`
				UPDATE tasks SET status = ?, rejection_count = rejection_count + 1, updated_at = ?
				WHERE id = ? AND status = ?
			`, string(to), formatTime(now), id, string(t.Status))
			if err != nil {
				return fmt.Errorf("reject task: %w", err)
			}
			if n, err := rowsChanged(res); err != nil {
				return err
			} else if n != 1 {
				return steroidserrors.Newf(steroidserrors.CodeInvalidTransition,
					"task %s changed status concurrently", id)
			}
			t.RejectionCount++
		} else {
			res, err := tx.Exec(`
				UPDATE tasks SET status = ?, updated_at = ? WHERE id = ? AND status = ?
			`, string(to), formatTime(now), id, string(t.Status))
			if err != nil {
				return fmt.Errorf("update task status: %w", err)
			}
			if n, err := rowsChanged(res); err != nil {
				return err
			} else if n != 1 {
				return steroidserrors.Newf(steroidserrors.CodeInvalidTransition,
					"task %s changed status concurrently", id)
			}
		}

		_, err = tx.Exec(`
			INSERT INTO audit_log (task_id, from_status, to_status, actor, notes, commit_sha, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, id, string(t.Status), string(to), meta.Actor, nullIfEmpty(meta.Notes),
			nullIfEmpty(meta.CommitSHA), formatTime(now))
		if err != nil {
			return fmt.Errorf("insert audit entry: %w", err)
		}

		t.Status = to
		t.UpdatedAt = now
		updated = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// --- Audit trail ---

// AuditEntry is an immutable record of a status transition.
type AuditEntry struct {
	ID         int64
	TaskID     string
	FromStatus task.Status
	ToStatus   task.Status
	Actor      string
	Notes      string
	CommitSHA  string
	CreatedAt  time.Time
}

// AuditTrail returns the full audit history of a task, oldest first.
func (p *ProjectDB) AuditTrail(taskID string) ([]AuditEntry, error) {
	rows, err := p.Query(`
		SELECT id, task_id, from_status, to_status, actor, notes, commit_sha, created_at
		FROM audit_log WHERE task_id = ? ORDER BY id ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("audit trail: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []AuditEntry
	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return entries, nil
}

// RejectionEntry is a derived projection of an audit entry whose transition
// was review -> in_progress.
type RejectionEntry struct {
	Ordinal   int // 1-based
	CommitSHA string
	Notes     string
	Actor     string
	CreatedAt time.Time
}

// RejectionHistory derives the ordered rejection list from the audit trail.
func (p *ProjectDB) RejectionHistory(taskID string) ([]RejectionEntry, error) {
	rows, err := p.Query(`
		SELECT actor, notes, commit_sha, created_at
		FROM audit_log
		WHERE task_id = ? AND from_status = ? AND to_status = ?
		ORDER BY id ASC
	`, taskID, string(task.StatusReview), string(task.StatusInProgress))
	if err != nil {
		return nil, fmt.Errorf("rejection history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []RejectionEntry
	for rows.Next() {
		var e RejectionEntry
		var notes, commitSHA sql.NullString
		var createdAt string
		if err := rows.Scan(&e.Actor, &notes, &commitSHA, &createdAt); err != nil {
			return nil, fmt.Errorf("scan rejection: %w", err)
		}
		e.Ordinal = len(entries) + 1
		e.Notes = notes.String
		e.CommitSHA = commitSHA.String
		e.CreatedAt = parseTimestamp(createdAt)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rejections: %w", err)
	}
	return entries, nil
}

// LatestCoordinatorNote returns the guidance recorded by the most recent
// coordinator pass, or "" when no coordinator has touched the task.
func (p *ProjectDB) LatestCoordinatorNote(taskID string) (string, error) {
	var notes sql.NullString
	row := p.QueryRow(`
		SELECT notes FROM audit_log
		WHERE task_id = ? AND actor = 'coordinator'
		ORDER BY id DESC LIMIT 1
	`, taskID)
	if err := row.Scan(&notes); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("latest coordinator note: %w", err)
	}
	return notes.String, nil
}

// LatestReviewCommit returns the commit recorded with the most recent
// transition into review, or "" when none carries a commit.
func (p *ProjectDB) LatestReviewCommit(taskID string) (string, error) {
	var sha sql.NullString
	row := p.QueryRow(`
		SELECT commit_sha FROM audit_log
		WHERE task_id = ? AND to_status = ? AND commit_sha IS NOT NULL
		ORDER BY id DESC LIMIT 1
	`, taskID, string(task.StatusReview))
	if err := row.Scan(&sha); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("latest review commit: %w", err)
	}
	return sha.String, nil
}

// --- Next-task selection ---

// nextTaskTiers is the scheduling precedence: resume reviews first, then
// in-flight work, then fresh tasks.
var nextTaskTiers = []task.Status{task.StatusReview, task.StatusInProgress, task.StatusPending}

// NextTask returns the highest-precedence eligible task, or (nil, nil) as
// the idle signal. A task is eligible when it has no section, or its
// section is not skipped and every section it depends on has only
// completed tasks. sectionID, when non-empty, restricts selection to one
// section.
func (p *ProjectDB) NextTask(sectionID string) (*Task, error) {
	depsMet := make(map[string]bool)

	for _, tier := range nextTaskTiers {
		query := `
			SELECT t.id, t.title, t.description, t.status, t.section_id, t.spec_path, t.rejection_count, t.created_at, t.updated_at
			FROM tasks t
			LEFT JOIN sections s ON t.section_id = s.id
			WHERE t.status = ? AND (t.section_id IS NULL OR s.skipped = 0)
		`
		args := []any{string(tier)}
		if sectionID != "" {
			query += " AND t.section_id = ?"
			args = append(args, sectionID)
		}
		query += `
			ORDER BY CASE WHEN t.section_id IS NULL THEN 1 ELSE 0 END,
				s.position ASC, t.created_at ASC, t.id ASC
		`

		rows, err := p.Query(query, args...)
		if err != nil {
			return nil, fmt.Errorf("next task query: %w", err)
		}

		var candidates []Task
		for rows.Next() {
			t, err := scanTask(rows)
			if err != nil {
				_ = rows.Close()
				return nil, fmt.Errorf("scan candidate: %w", err)
			}
			candidates = append(candidates, *t)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("iterate candidates: %w", err)
		}
		_ = rows.Close()

		for i := range candidates {
			t := &candidates[i]
			if t.SectionID == "" {
				return t, nil
			}
			met, ok := depsMet[t.SectionID]
			if !ok {
				met, err = p.DependenciesMet(t.SectionID)
				if err != nil {
					return nil, err
				}
				depsMet[t.SectionID] = met
			}
			if met {
				return t, nil
			}
		}
	}

	return nil, nil
}

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var status string
	var description, sectionID, specPath sql.NullString
	var createdAt, updatedAt string
	if err := row.Scan(&t.ID, &t.Title, &description, &status, &sectionID, &specPath,
		&t.RejectionCount, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	t.Description = description.String
	t.Status = task.Status(status)
	t.SectionID = sectionID.String
	t.SpecPath = specPath.String
	t.CreatedAt = parseTimestamp(createdAt)
	t.UpdatedAt = parseTimestamp(updatedAt)
	return &t, nil
}

func scanAuditEntry(row rowScanner) (*AuditEntry, error) {
	var e AuditEntry
	var from, to string
	var notes, commitSHA sql.NullString
	var createdAt string
	if err := row.Scan(&e.ID, &e.TaskID, &from, &to, &e.Actor, &notes, &commitSHA, &createdAt); err != nil {
		return nil, err
	}
	e.FromStatus = task.Status(from)
	e.ToStatus = task.Status(to)
	e.Notes = notes.String
	e.CommitSHA = commitSHA.String
	e.CreatedAt = parseTimestamp(createdAt)
	return &e, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
