// Package worktreedomain defines the worktree entity (spec §3, §4.7).
package worktreedomain

import (
	"context"
	"time"
)

// Status is a worktree's lifecycle state.
type Status string

const (
	StatusCreating  Status = "creating"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusMerging   Status = "merging"
	StatusMerged    Status = "merged"
	StatusFailed    Status = "failed"
	StatusRemoved   Status = "removed"
)

// IsTerminal reports whether s can no longer transition (merged, removed or
// failed are all absorbing from the worktree lifecycle's point of view).
func (s Status) IsTerminal() bool {
	switch s {
	case StatusMerged, StatusRemoved, StatusFailed:
		return true
	default:
		return false
	}
}

// Worktree is an isolated git checkout dedicated to one task (spec §3).
type Worktree struct {
	ID          string
	TaskID      string
	Path        string
	Branch      string
	BaseRef     string
	Status      Status
	MergeCommit string
	ErrorMsg    string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// Store is the worktree persistence port (C1).
//
// At most one non-terminal worktree may exist per task id at any time
// (spec §3 invariant, tested in spec §8 "Worktree uniqueness").
type Store interface {
	Create(ctx context.Context, w *Worktree) error
	Get(ctx context.Context, id string) (*Worktree, error)
	GetByTaskID(ctx context.Context, taskID string) (*Worktree, error)
	Update(ctx context.Context, w *Worktree) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*Worktree, error)

	// ActiveForTask returns the non-terminal worktree for taskID, if any.
	ActiveForTask(ctx context.Context, taskID string) (*Worktree, error)
}
