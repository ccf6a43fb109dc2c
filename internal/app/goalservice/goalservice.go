// Package goalservice implements the goal half of C7 (spec §4.3 "Goals").
// Goals group, prioritize, and constrain tasks but never decompose
// automatically; their own state transitions are explicit and idempotent.
package goalservice

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/odgrim/abathur-swarm-sub004/internal/domain/goaldomain"
	"github.com/odgrim/abathur-swarm-sub004/internal/domain/taskdomain"
	"github.com/odgrim/abathur-swarm-sub004/internal/logging"
	"github.com/odgrim/abathur-swarm-sub004/internal/xerrors"
)

// Service implements the goal half of C7.
type Service struct {
	store  goaldomain.Store
	logger logging.Logger
}

// New builds a goal Service.
func New(store goaldomain.Store, logger logging.Logger) *Service {
	return &Service{store: store, logger: logging.OrNop(logger)}
}

// CreateRequest describes a new goal (spec §3).
type CreateRequest struct {
	Name                 string
	Description          string
	Priority             taskdomain.Priority
	ParentID             string
	Constraints          []goaldomain.Constraint
	ApplicabilityDomains []string
	EvaluationCriteria   []string
}

// Create persists a new goal. The store rejects a ParentID that would
// introduce a cycle (spec §3 invariant).
func (s *Service) Create(ctx context.Context, req CreateRequest) (*goaldomain.Goal, error) {
	if req.Name == "" {
		return nil, xerrors.ValidationFailed("goal name must be non-empty")
	}
	now := time.Now()
	g := &goaldomain.Goal{
		ID:                   uuid.NewString(),
		Name:                 req.Name,
		Description:          req.Description,
		Status:               goaldomain.StatusActive,
		ParentID:             req.ParentID,
		Constraints:          req.Constraints,
		ApplicabilityDomains: req.ApplicabilityDomains,
		EvaluationCriteria:   req.EvaluationCriteria,
		Priority:             req.Priority,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if g.Priority == "" {
		g.Priority = taskdomain.PriorityNormal
	}
	if err := s.store.Create(ctx, g); err != nil {
		return nil, err
	}
	return g, nil
}

// Get returns a goal by id.
func (s *Service) Get(ctx context.Context, id string) (*goaldomain.Goal, error) {
	return s.store.Get(ctx, id)
}

// Pause transitions active -> paused. A no-op (returns current state) if
// already paused (spec §4.3 "explicit and idempotent").
func (s *Service) Pause(ctx context.Context, id string) (*goaldomain.Goal, error) {
	g, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if g.Status == goaldomain.StatusPaused {
		return g, nil
	}
	if g.Status != goaldomain.StatusActive {
		return nil, xerrors.InvalidStateTransition(string(g.Status), string(goaldomain.StatusPaused))
	}
	return s.transition(ctx, g, goaldomain.StatusPaused)
}

// Resume transitions paused -> active. A no-op if already active.
func (s *Service) Resume(ctx context.Context, id string) (*goaldomain.Goal, error) {
	g, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if g.Status == goaldomain.StatusActive {
		return g, nil
	}
	if g.Status != goaldomain.StatusPaused {
		return nil, xerrors.InvalidStateTransition(string(g.Status), string(goaldomain.StatusActive))
	}
	return s.transition(ctx, g, goaldomain.StatusActive)
}

// Complete transitions active -> complete. A no-op if already complete.
func (s *Service) Complete(ctx context.Context, id string) (*goaldomain.Goal, error) {
	return s.terminalTransition(ctx, id, goaldomain.StatusComplete)
}

// Fail transitions active -> failed. A no-op if already failed.
func (s *Service) Fail(ctx context.Context, id string) (*goaldomain.Goal, error) {
	return s.terminalTransition(ctx, id, goaldomain.StatusFailed)
}

// Archive transitions active -> archived. A no-op if already archived.
func (s *Service) Archive(ctx context.Context, id string) (*goaldomain.Goal, error) {
	return s.terminalTransition(ctx, id, goaldomain.StatusArchived)
}

func (s *Service) terminalTransition(ctx context.Context, id string, to goaldomain.Status) (*goaldomain.Goal, error) {
	g, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if g.Status == to {
		return g, nil
	}
	if g.Status != goaldomain.StatusActive {
		return nil, xerrors.InvalidStateTransition(string(g.Status), string(to))
	}
	return s.transition(ctx, g, to)
}

func (s *Service) transition(ctx context.Context, g *goaldomain.Goal, to goaldomain.Status) (*goaldomain.Goal, error) {
	g.Status = to
	g.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, g); err != nil {
		return nil, err
	}
	s.logger.Info("goal %q -> %s", g.ID, to)
	return g, nil
}

// List returns goals matching filter.
func (s *Service) List(ctx context.Context, filter goaldomain.Filter) ([]*goaldomain.Goal, error) {
	return s.store.List(ctx, filter)
}

// Delete removes a goal.
func (s *Service) Delete(ctx context.Context, id string) error {
	return s.store.Delete(ctx, id)
}
