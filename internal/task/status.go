// Package task defines the task domain model for steroids.
package task

// Status represents the current state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusReview     Status = "review"
	StatusCompleted  Status = "completed"
	StatusDisputed   Status = "disputed"
	StatusFailed     Status = "failed"
	StatusSkipped    Status = "skipped"
	StatusPartial    Status = "partial"
)

// ValidStatuses returns all valid status values.
func ValidStatuses() []Status {
	return []Status{
		StatusPending, StatusInProgress, StatusReview, StatusCompleted,
		StatusDisputed, StatusFailed, StatusSkipped, StatusPartial,
	}
}

// IsValidStatus returns true if s is a valid status value.
func IsValidStatus(s Status) bool {
	switch s {
	case StatusPending, StatusInProgress, StatusReview, StatusCompleted,
		StatusDisputed, StatusFailed, StatusSkipped, StatusPartial:
		return true
	default:
		return false
	}
}

// IsTerminal returns true if the status ends scheduling for the task.
func IsTerminal(s Status) bool {
	switch s {
	case StatusCompleted, StatusDisputed, StatusFailed, StatusSkipped, StatusPartial:
		return true
	default:
		return false
	}
}

// transitions lists the legal status moves. review -> in_progress is the
// reject edge and is the only transition that increments the rejection
// counter.
var transitions = map[Status][]Status{
	StatusPending:    {StatusInProgress, StatusSkipped},
	StatusInProgress: {StatusReview, StatusFailed, StatusSkipped, StatusPartial, StatusInProgress},
	StatusReview:     {StatusCompleted, StatusInProgress, StatusDisputed, StatusReview, StatusFailed, StatusSkipped},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to Status) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// IsRejection reports whether a transition is the reject edge.
func IsRejection(from, to Status) bool {
	return from == StatusReview && to == StatusInProgress
}

// DisputeType classifies who or what raised a dispute.
type DisputeType string

const (
	DisputeMajor    DisputeType = "major"
	DisputeMinor    DisputeType = "minor"
	DisputeCoder    DisputeType = "coder"
	DisputeReviewer DisputeType = "reviewer"
	DisputeSystem   DisputeType = "system"
)

// IsValidDisputeType returns true if t is a valid dispute type.
func IsValidDisputeType(t DisputeType) bool {
	switch t {
	case DisputeMajor, DisputeMinor, DisputeCoder, DisputeReviewer, DisputeSystem:
		return true
	default:
		return false
	}
}

// DisputeStatus is the lifecycle state of a dispute.
type DisputeStatus string

const (
	DisputeOpen     DisputeStatus = "open"
	DisputeResolved DisputeStatus = "resolved"
)

// Blocking reports whether an open dispute of this type freezes the task.
// Minor disputes are advisory and never mutate task status.
func (t DisputeType) Blocking() bool {
	return t != DisputeMinor
}
