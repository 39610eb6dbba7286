package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	steroidserrors "github.com/UnlikeOtherAI/steroids-cli-sub003/internal/errors"
	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/task"
)

// Section represents a named, ordered bucket of tasks.
type Section struct {
	ID        string
	Name      string
	Position  int
	Priority  int // 0 highest - 100 lowest
	Skipped   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DefaultSectionPriority is used when a section is created without an
// explicit priority.
const DefaultSectionPriority = 50

// SaveSection creates or updates a section.
func (p *ProjectDB) SaveSection(s *Section) error {
	now := formatTime(time.Now())
	createdAt := now
	if !s.CreatedAt.IsZero() {
		createdAt = formatTime(s.CreatedAt)
	}
	skipped := 0
	if s.Skipped {
		skipped = 1
	}

	_, err := p.Exec(`
		INSERT INTO sections (id, name, position, priority, skipped, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			position = excluded.position,
			priority = excluded.priority,
			skipped = excluded.skipped,
			updated_at = excluded.updated_at
	`, s.ID, s.Name, s.Position, s.Priority, skipped, createdAt, now)
	if err != nil {
		return fmt.Errorf("save section: %w", err)
	}
	return nil
}

// GetSection retrieves a section by id. Returns (nil, nil) when absent.
func (p *ProjectDB) GetSection(id string) (*Section, error) {
	row := p.QueryRow(`
		SELECT id, name, position, priority, skipped, created_at, updated_at
		FROM sections WHERE id = ?
	`, id)
	s, err := scanSection(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get section %s: %w", id, err)
	}
	return s, nil
}

// ListSections returns all sections ordered by position, then id.
func (p *ProjectDB) ListSections() ([]Section, error) {
	rows, err := p.Query(`
		SELECT id, name, position, priority, skipped, created_at, updated_at
		FROM sections ORDER BY position ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list sections: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sections []Section
	for rows.Next() {
		s, err := scanSection(rows)
		if err != nil {
			return nil, fmt.Errorf("scan section: %w", err)
		}
		sections = append(sections, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sections: %w", err)
	}
	return sections, nil
}

// ResolveSection finds a section by exact id, exact name, or unambiguous id
// prefix. An ambiguous prefix fails with a diagnostic listing every match.
func (p *ProjectDB) ResolveSection(ref string) (*Section, error) {
	s, err := p.GetSection(ref)
	if err != nil {
		return nil, err
	}
	if s != nil {
		return s, nil
	}

	sections, err := p.ListSections()
	if err != nil {
		return nil, err
	}

	var matches []Section
	for _, sec := range sections {
		if sec.Name == ref {
			// An exact name match beats prefix matching.
			m := sec
			return &m, nil
		}
		if strings.HasPrefix(sec.ID, ref) {
			matches = append(matches, sec)
		}
	}

	switch len(matches) {
	case 0:
		return nil, steroidserrors.ErrSectionNotFound(ref)
	case 1:
		return &matches[0], nil
	default:
		ids := make([]string, len(matches))
		for i, m := range matches {
			ids[i] = fmt.Sprintf("%s (%s)", m.ID, m.Name)
		}
		return nil, steroidserrors.ErrSectionAmbiguous(ref, ids)
	}
}

// SetSectionSkipped toggles the skipped flag.
func (p *ProjectDB) SetSectionSkipped(id string, skipped bool) error {
	v := 0
	if skipped {
		v = 1
	}
	res, err := p.Exec("UPDATE sections SET skipped = ?, updated_at = ? WHERE id = ?",
		v, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("set section skipped: %w", err)
	}
	if n, err := rowsChanged(res); err != nil {
		return err
	} else if n == 0 {
		return steroidserrors.ErrSectionNotFound(id)
	}
	return nil
}

// DeleteSection removes a section. Tasks that referenced it become
// sectionless; dependency edges cascade away.
func (p *ProjectDB) DeleteSection(id string) error {
	res, err := p.Exec("DELETE FROM sections WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete section: %w", err)
	}
	if n, err := rowsChanged(res); err != nil {
		return err
	} else if n == 0 {
		return steroidserrors.ErrSectionNotFound(id)
	}
	return nil
}

// --- Dependencies ---

// AddSectionDependency inserts the edge sectionID -> dependsOn. The insert
// is rejected when the edge would close a cycle, discovered by a DFS from
// dependsOn back to sectionID over the existing edges.
func (p *ProjectDB) AddSectionDependency(sectionID, dependsOn string) error {
	if sectionID == dependsOn {
		return steroidserrors.ErrCyclicDependency(sectionID, dependsOn)
	}

	for _, id := range []string{sectionID, dependsOn} {
		s, err := p.GetSection(id)
		if err != nil {
			return err
		}
		if s == nil {
			return steroidserrors.ErrSectionNotFound(id)
		}
	}

	edges, err := p.sectionEdges()
	if err != nil {
		return err
	}

	// Walk from dependsOn; reaching sectionID means the new edge closes a
	// cycle.
	if reaches(edges, dependsOn, sectionID) {
		return steroidserrors.ErrCyclicDependency(sectionID, dependsOn)
	}

	_, err = p.Exec(`
		INSERT INTO section_dependencies (section_id, depends_on)
		VALUES (?, ?)
		ON CONFLICT(section_id, depends_on) DO NOTHING
	`, sectionID, dependsOn)
	if err != nil {
		return fmt.Errorf("add section dependency: %w", err)
	}
	return nil
}

// RemoveSectionDependency deletes the edge sectionID -> dependsOn.
func (p *ProjectDB) RemoveSectionDependency(sectionID, dependsOn string) error {
	_, err := p.Exec("DELETE FROM section_dependencies WHERE section_id = ? AND depends_on = ?",
		sectionID, dependsOn)
	if err != nil {
		return fmt.Errorf("remove section dependency: %w", err)
	}
	return nil
}

// SectionDependencies returns the ids a section depends on.
func (p *ProjectDB) SectionDependencies(sectionID string) ([]string, error) {
	rows, err := p.Query("SELECT depends_on FROM section_dependencies WHERE section_id = ? ORDER BY depends_on",
		sectionID)
	if err != nil {
		return nil, fmt.Errorf("section dependencies: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var deps []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scan dependency: %w", err)
		}
		deps = append(deps, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dependencies: %w", err)
	}
	return deps, nil
}

// AllSectionDependencies returns the full edge map section -> depends-on
// list, keyed by section id. Sections with no outgoing edges are absent.
func (p *ProjectDB) AllSectionDependencies() (map[string][]string, error) {
	return p.sectionEdges()
}

func (p *ProjectDB) sectionEdges() (map[string][]string, error) {
	rows, err := p.Query("SELECT section_id, depends_on FROM section_dependencies")
	if err != nil {
		return nil, fmt.Errorf("load dependency edges: %w", err)
	}
	defer func() { _ = rows.Close() }()

	edges := make(map[string][]string)
	for rows.Next() {
		var from, to string
		if err := rows.Scan(&from, &to); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		edges[from] = append(edges[from], to)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate edges: %w", err)
	}
	return edges, nil
}

// reaches reports whether target is reachable from start over edges.
func reaches(edges map[string][]string, start, target string) bool {
	seen := make(map[string]bool)
	stack := []string{start}
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if node == target {
			return true
		}
		if seen[node] {
			continue
		}
		seen[node] = true
		stack = append(stack, edges[node]...)
	}
	return false
}

// SectionWork summarizes one section's task load for the workstream
// scheduler.
type SectionWork struct {
	// Open counts tasks a runner would pick up: pending, in_progress,
	// review.
	Open int
	// Blocking counts tasks that keep dependent sections waiting: anything
	// not completed. Matches the DependenciesMet predicate.
	Blocking int
}

// SectionWorkCounts returns per-section task counts keyed by section id.
// Sections with no tasks are absent.
func (p *ProjectDB) SectionWorkCounts() (map[string]SectionWork, error) {
	rows, err := p.Query(`
		SELECT section_id,
			SUM(CASE WHEN status IN (?, ?, ?) THEN 1 ELSE 0 END),
			SUM(CASE WHEN status != ? THEN 1 ELSE 0 END)
		FROM tasks
		WHERE section_id IS NOT NULL
		GROUP BY section_id
	`, string(task.StatusPending), string(task.StatusInProgress), string(task.StatusReview),
		string(task.StatusCompleted))
	if err != nil {
		return nil, fmt.Errorf("section work counts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[string]SectionWork)
	for rows.Next() {
		var id string
		var w SectionWork
		if err := rows.Scan(&id, &w.Open, &w.Blocking); err != nil {
			return nil, fmt.Errorf("scan work counts: %w", err)
		}
		counts[id] = w
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate work counts: %w", err)
	}
	return counts, nil
}

// DependenciesMet reports whether every section this section depends on has
// zero tasks whose status is not completed.
func (p *ProjectDB) DependenciesMet(sectionID string) (bool, error) {
	deps, err := p.SectionDependencies(sectionID)
	if err != nil {
		return false, err
	}
	if len(deps) == 0 {
		return true, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(deps)), ",")
	args := make([]any, 0, len(deps)+1)
	for _, d := range deps {
		args = append(args, d)
	}
	args = append(args, string(task.StatusCompleted))

	var open int
	row := p.QueryRow(fmt.Sprintf(`
		SELECT COUNT(*) FROM tasks
		WHERE section_id IN (%s) AND status != ?
	`, placeholders), args...)
	if err := row.Scan(&open); err != nil {
		return false, fmt.Errorf("count blocking tasks: %w", err)
	}
	return open == 0, nil
}

func scanSection(row rowScanner) (*Section, error) {
	var s Section
	var skipped int
	var createdAt, updatedAt string
	if err := row.Scan(&s.ID, &s.Name, &s.Position, &s.Priority, &skipped, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	s.Skipped = skipped != 0
	s.CreatedAt = parseTimestamp(createdAt)
	s.UpdatedAt = parseTimestamp(updatedAt)
	return &s, nil
}
