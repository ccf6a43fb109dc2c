// Package goaldomain defines the goal entity (spec §3, §4.3 "Goals are
// passive"). Goals group, prioritize, and constrain tasks but never
// decompose automatically.
package goaldomain

import (
	"context"
	"time"

	"github.com/odgrim/abathur-swarm-sub004/internal/domain/taskdomain"
)

// Status is a goal's lifecycle state.
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusComplete  Status = "complete"
	StatusFailed    Status = "failed"
	StatusArchived  Status = "archived"
)

// ConstraintKind classifies a goal constraint.
type ConstraintKind string

const (
	ConstraintInvariant  ConstraintKind = "invariant"
	ConstraintBoundary   ConstraintKind = "boundary"
	ConstraintPreference ConstraintKind = "preference"
)

// Constraint is a named rule a goal's tasks must respect.
type Constraint struct {
	Kind        ConstraintKind
	Name        string
	Description string
}

// Goal groups, prioritizes, and constrains a set of tasks.
type Goal struct {
	ID                   string
	Name                 string
	Description          string
	Status               Status
	Priority             taskdomain.Priority
	ParentID             string
	Constraints          []Constraint
	ApplicabilityDomains []string
	EvaluationCriteria   []string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Store is the goal persistence port (C1).
//
// Create must reject a ParentID that would introduce a cycle in the
// parent_id chain (spec §3 invariant).
type Store interface {
	Create(ctx context.Context, g *Goal) error
	Get(ctx context.Context, id string) (*Goal, error)
	Update(ctx context.Context, g *Goal) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, filter Filter) ([]*Goal, error)

	// MatchByDomain returns active goals whose applicability domains
	// intersect with any of the given domain strings, used by
	// GoalContextService (spec §4.5 step 5).
	MatchByDomain(ctx context.Context, domains []string) ([]*Goal, error)
	// Ancestors walks the parent_id chain from id to the root.
	Ancestors(ctx context.Context, id string) ([]*Goal, error)
}

// Filter narrows List queries.
type Filter struct {
	Statuses []Status
	ParentID string
}
