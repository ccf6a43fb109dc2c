// Package taskdomain defines the task entity, its state machine, and the
// persistence port the rest of the core depends on (spec §3, §4.3, §4.1).
package taskdomain

import (
	"context"
	"time"
)

// Status is a task's lifecycle state (spec §4.3).
type Status string

const (
	StatusPending   Status = "pending"
	StatusBlocked   Status = "blocked"
	StatusReady     Status = "ready"
	StatusRunning   Status = "running"
	StatusComplete  Status = "complete"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// IsTerminal reports whether s is a final state a task cannot leave.
//
// A Failed task is only terminal once its retry budget is exhausted; the
// caller must check RetryCount/MaxRetries separately (spec §3 invariant).
func (s Status) IsTerminal() bool {
	switch s {
	case StatusComplete, StatusCanceled:
		return true
	default:
		return false
	}
}

// Priority orders scheduling within a wave/readiness query.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank gives a numeric ordering, higher first, for ORDER BY clauses
// and in-memory sorts.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 0
	default:
		return 1
	}
}

// SourceType records who/what submitted a task.
type SourceType string

const (
	SourceHuman   SourceType = "human"
	SourceSystem  SourceType = "system"
	SourceSubtask SourceType = "subtask"
)

// Artifact is a reference to a produced output (spec §3).
type Artifact struct {
	URI      string `json:"uri"`
	Type     string `json:"type"`
	Checksum string `json:"checksum,omitempty"`
}

// Task is the unit of work scheduled and executed by the core.
type Task struct {
	ID             string
	ParentID       string
	GoalID         string
	Title          string
	Description    string
	Status         Status
	Priority       Priority
	AgentType      string
	Artifacts      []Artifact
	RetryCount     int
	MaxRetries     int
	WorktreePath   string
	Context        map[string]any
	SourceType     SourceType
	IdempotencyKey string
	Version        int64

	DependsOn []string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Transition records one status change for audit/debugging.
type Transition struct {
	TaskID     string
	FromStatus Status
	ToStatus   Status
	Reason     string
	CreatedAt  time.Time
}

// Store is the task persistence port (C1, spec §4.1).
//
// Implementations must: perform dependency writes atomically with Create;
// populate DependsOn on Get; return a xerrors NotFound on a missing row for
// Get/Update/Delete; and reject an Update whose Version does not match the
// stored row with xerrors OptimisticLockConflict.
type Store interface {
	Create(ctx context.Context, t *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	// Update persists t, rejecting the write if the stored row's version
	// does not equal expectedVersion (optimistic concurrency, spec §4.1).
	Update(ctx context.Context, t *Task, expectedVersion int64) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, filter Filter) ([]*Task, error)

	// GetByIdempotencyKey returns the task created with this key, if any.
	GetByIdempotencyKey(ctx context.Context, key string) (*Task, error)

	// Dependents returns tasks that directly depend on id.
	Dependents(ctx context.Context, id string) ([]*Task, error)
	// Dependencies returns the tasks id depends on.
	Dependencies(ctx context.Context, id string) ([]*Task, error)

	// Ready returns tasks in StatusReady ordered by priority desc, then
	// submission time asc (spec §4.1 "ready-task retrieval").
	Ready(ctx context.Context, limit int) ([]*Task, error)

	// DescendantCount counts all tasks transitively rooted at id, via the
	// parent_id chain (spec §3 "descendant counts via recursive traversal").
	DescendantCount(ctx context.Context, rootID string) (int, error)
	// AncestorDepth returns how many parent hops separate id from its root.
	AncestorDepth(ctx context.Context, id string) (int, error)
	// DirectChildCount returns the number of tasks whose parent_id is id.
	DirectChildCount(ctx context.Context, id string) (int, error)

	// CountByStatus returns per-status counts across all tasks.
	CountByStatus(ctx context.Context) (map[Status]int, error)
}

// Filter narrows List queries. Zero values are unconstrained.
type Filter struct {
	GoalID   string
	Statuses []Status
	Limit    int
	Offset   int
}
