// Package taskservice implements the task half of C7 (spec §4.3): the task
// state machine, submission with idempotency, claim/complete/fail/retry/
// cancel, and dependency-graph readiness propagation.
package taskservice

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/odgrim/abathur-swarm-sub004/internal/domain/goaldomain"
	"github.com/odgrim/abathur-swarm-sub004/internal/domain/taskdomain"
	"github.com/odgrim/abathur-swarm-sub004/internal/logging"
	"github.com/odgrim/abathur-swarm-sub004/internal/xerrors"
)

// SpawnLimitPolicy bounds how deep and how wide a task hierarchy may grow
// (spec §4.3 "Spawn limits"). Zero values disable the corresponding check.
type SpawnLimitPolicy struct {
	MaxParentDepth    int
	MaxDirectChildren int
	MaxDescendants    int
	// AllowEscalation reports whether a human/specialist escalation is
	// permitted when a limit is hit, echoed back on SpawnLimitResult.
	AllowEscalation bool
}

// SpawnLimitKind names which limit a submission tripped.
type SpawnLimitKind string

const (
	SpawnLimitNone           SpawnLimitKind = ""
	SpawnLimitDepth          SpawnLimitKind = "depth"
	SpawnLimitDirectChildren SpawnLimitKind = "direct_children"
	SpawnLimitDescendants    SpawnLimitKind = "descendants"
)

// SpawnLimitResult is returned instead of a task when submission would
// exceed the configured SpawnLimitPolicy (spec §4.3 "returns a structured
// result indicating which limit was hit").
type SpawnLimitResult struct {
	LimitHit          SpawnLimitKind
	EscalationAllowed bool
}

// SubmitRequest describes a new task to submit (spec §3, §4.3).
type SubmitRequest struct {
	ParentID       string
	GoalID         string
	Title          string
	Description    string
	Priority       taskdomain.Priority
	AgentType      string
	DependsOn      []string
	Context        map[string]any
	SourceType     taskdomain.SourceType
	IdempotencyKey string
	MaxRetries     int
}

// Service implements the task half of C7.
type Service struct {
	store       taskdomain.Store
	goals       goaldomain.Store
	spawnLimits SpawnLimitPolicy
	logger      logging.Logger
}

// New builds a task Service.
func New(store taskdomain.Store, goals goaldomain.Store, spawnLimits SpawnLimitPolicy, logger logging.Logger) *Service {
	return &Service{store: store, goals: goals, spawnLimits: spawnLimits, logger: logging.OrNop(logger)}
}

// Submit validates and persists a new task (spec §4.3 "Submission"),
// performing in order: idempotency check, field validation, goal and parent
// existence checks, spawn-limit check, dependency existence checks, entity
// construction, persistence, and initial readiness evaluation. Returns a non-nil SpawnLimitResult (and nil task/error) when
// a configured spawn limit would be exceeded.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*taskdomain.Task, *SpawnLimitResult, error) {
	if req.IdempotencyKey != "" {
		existing, err := s.store.GetByIdempotencyKey(ctx, req.IdempotencyKey)
		if err != nil {
			return nil, nil, err
		}
		if existing != nil {
			return existing, nil, nil
		}
	}

	if len(req.Title) == 0 || len(req.Title) > 200 {
		return nil, nil, xerrors.ValidationFailed("title must be non-empty and at most 200 characters")
	}
	if req.Description == "" {
		return nil, nil, xerrors.ValidationFailed("description must be non-empty")
	}
	if req.Priority == "" {
		req.Priority = taskdomain.PriorityNormal
	}
	if req.SourceType == "" {
		req.SourceType = taskdomain.SourceHuman
	}

	if req.GoalID != "" {
		if s.goals == nil {
			return nil, nil, xerrors.ValidationFailed("goal_id given but no goal store configured")
		}
		if _, err := s.goals.Get(ctx, req.GoalID); err != nil {
			return nil, nil, err
		}
	}

	if req.ParentID != "" {
		if _, err := s.store.Get(ctx, req.ParentID); err != nil {
			return nil, nil, err
		}
		if limit := s.checkSpawnLimits(ctx, req.ParentID); limit != SpawnLimitNone {
			return nil, &SpawnLimitResult{LimitHit: limit, EscalationAllowed: s.spawnLimits.AllowEscalation}, nil
		}
	}

	deps := make([]*taskdomain.Task, 0, len(req.DependsOn))
	for _, depID := range req.DependsOn {
		d, err := s.store.Get(ctx, depID)
		if err != nil {
			return nil, nil, err
		}
		deps = append(deps, d)
	}

	now := time.Now()
	t := &taskdomain.Task{
		ID:             uuid.NewString(),
		ParentID:       req.ParentID,
		GoalID:         req.GoalID,
		Title:          req.Title,
		Description:    req.Description,
		Priority:       req.Priority,
		AgentType:      req.AgentType,
		Context:        req.Context,
		SourceType:     req.SourceType,
		IdempotencyKey: req.IdempotencyKey,
		MaxRetries:     req.MaxRetries,
		DependsOn:      req.DependsOn,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	t.Status = computeReadiness(taskdomain.StatusPending, deps)

	if err := s.store.Create(ctx, t); err != nil {
		return nil, nil, err
	}
	s.logger.Info("task %q submitted as %q (status=%s)", t.ID, t.Title, t.Status)
	return t, nil, nil
}

// checkSpawnLimits reports which limit (if any) would be exceeded by
// adding one more subtask under parentID.
func (s *Service) checkSpawnLimits(ctx context.Context, parentID string) SpawnLimitKind {
	if s.spawnLimits.MaxParentDepth > 0 {
		depth, err := s.store.AncestorDepth(ctx, parentID)
		if err == nil && depth+1 >= s.spawnLimits.MaxParentDepth {
			return SpawnLimitDepth
		}
	}
	if s.spawnLimits.MaxDirectChildren > 0 {
		children, err := s.store.DirectChildCount(ctx, parentID)
		if err == nil && children >= s.spawnLimits.MaxDirectChildren {
			return SpawnLimitDirectChildren
		}
	}
	if s.spawnLimits.MaxDescendants > 0 {
		root, err := s.rootOf(ctx, parentID)
		if err == nil {
			count, err := s.store.DescendantCount(ctx, root)
			if err == nil && count >= s.spawnLimits.MaxDescendants {
				return SpawnLimitDescendants
			}
		}
	}
	return SpawnLimitNone
}

// rootOf walks the parent_id chain from id up to its root ancestor.
func (s *Service) rootOf(ctx context.Context, id string) (string, error) {
	current := id
	for range make([]struct{}, 10_000) {
		t, err := s.store.Get(ctx, current)
		if err != nil {
			return "", err
		}
		if t.ParentID == "" {
			return current, nil
		}
		current = t.ParentID
	}
	return current, nil
}

// Claim atomically transitions ready -> running, tagged with agentType
// (spec §4.3 "Claim"). Rejects any other source state. A race between two
// concurrent claimants resolves to exactly one success and one
// InvalidStateTransition (spec §8 "No concurrent claim").
func (s *Service) Claim(ctx context.Context, id, agentType string) (*taskdomain.Task, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status != taskdomain.StatusReady {
		return nil, xerrors.InvalidStateTransition(string(t.Status), string(taskdomain.StatusRunning))
	}

	now := time.Now()
	t.Status = taskdomain.StatusRunning
	t.AgentType = agentType
	t.StartedAt = &now
	t.UpdatedAt = now

	if err := s.store.Update(ctx, t, t.Version); err != nil {
		if xerrors.Is(err, xerrors.KindOptimisticLockConflict) {
			current, getErr := s.store.Get(ctx, id)
			if getErr != nil {
				return nil, getErr
			}
			return nil, xerrors.InvalidStateTransition(string(current.Status), string(taskdomain.StatusRunning))
		}
		return nil, err
	}
	return t, nil
}

// Complete transitions running -> complete, then re-evaluates readiness of
// every direct dependent (spec §4.3 "Complete").
func (s *Service) Complete(ctx context.Context, id string) (*taskdomain.Task, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status != taskdomain.StatusRunning {
		return nil, xerrors.InvalidStateTransition(string(t.Status), string(taskdomain.StatusComplete))
	}

	now := time.Now()
	t.Status = taskdomain.StatusComplete
	t.CompletedAt = &now
	t.UpdatedAt = now
	if err := s.updateChecked(ctx, t); err != nil {
		return nil, err
	}

	if err := s.propagateReadiness(ctx, id); err != nil {
		s.logger.Warn("readiness propagation after completing %q failed: %v", id, err)
	}
	return t, nil
}

// Fail increments retry_count, transitions running -> failed, and marks
// still-pending dependents blocked (spec §4.3 "Fail").
func (s *Service) Fail(ctx context.Context, id, reason string) (*taskdomain.Task, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status != taskdomain.StatusRunning {
		return nil, xerrors.InvalidStateTransition(string(t.Status), string(taskdomain.StatusFailed))
	}

	now := time.Now()
	t.RetryCount++
	t.Status = taskdomain.StatusFailed
	t.UpdatedAt = now
	_ = reason
	if err := s.updateChecked(ctx, t); err != nil {
		return nil, err
	}

	if err := s.blockPendingDependents(ctx, id); err != nil {
		s.logger.Warn("blocking dependents of failed task %q failed: %v", id, err)
	}
	return t, nil
}

// Retry requires failed with retry budget remaining; transitions to ready
// (or blocked if deps are no longer met) and propagates readiness to
// dependents (spec §4.3 "Retry").
func (s *Service) Retry(ctx context.Context, id string) (*taskdomain.Task, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status != taskdomain.StatusFailed {
		return nil, xerrors.InvalidStateTransition(string(t.Status), string(taskdomain.StatusReady))
	}
	if t.RetryCount >= t.MaxRetries {
		return nil, xerrors.InvalidStateTransition(string(t.Status), string(taskdomain.StatusReady))
	}

	deps, err := s.store.Dependencies(ctx, id)
	if err != nil {
		return nil, err
	}

	t.Status = retryReadiness(deps)
	t.UpdatedAt = time.Now()
	if err := s.updateChecked(ctx, t); err != nil {
		return nil, err
	}

	if err := s.propagateReadiness(ctx, id); err != nil {
		s.logger.Warn("readiness propagation after retrying %q failed: %v", id, err)
	}
	return t, nil
}

// Cancel forces any non-terminal state to canceled and propagates blocked
// to dependents (spec §4.3 "Cancel").
func (s *Service) Cancel(ctx context.Context, id string) (*taskdomain.Task, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status.IsTerminal() {
		return nil, xerrors.InvalidStateTransition(string(t.Status), string(taskdomain.StatusCanceled))
	}

	now := time.Now()
	t.Status = taskdomain.StatusCanceled
	t.CompletedAt = &now
	t.UpdatedAt = now
	if err := s.updateChecked(ctx, t); err != nil {
		return nil, err
	}

	if err := s.blockPendingDependents(ctx, id); err != nil {
		s.logger.Warn("blocking dependents of canceled task %q failed: %v", id, err)
	}
	return t, nil
}

// AttachArtifact appends an artifact reference to t, used by the
// orchestrator after a successful completion to record the worktree
// output (spec §4.5 step 7 "attach an artifact ref referencing the
// worktree commit").
func (s *Service) AttachArtifact(ctx context.Context, id string, artifact taskdomain.Artifact) (*taskdomain.Task, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	t.Artifacts = append(t.Artifacts, artifact)
	t.UpdatedAt = time.Now()
	if err := s.updateChecked(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// Get returns a task by id.
func (s *Service) Get(ctx context.Context, id string) (*taskdomain.Task, error) {
	return s.store.Get(ctx, id)
}

// List returns tasks matching filter.
func (s *Service) List(ctx context.Context, filter taskdomain.Filter) ([]*taskdomain.Task, error) {
	return s.store.List(ctx, filter)
}

// Ready returns up to limit ready tasks, priority-ordered (spec §4.1).
func (s *Service) Ready(ctx context.Context, limit int) ([]*taskdomain.Task, error) {
	return s.store.Ready(ctx, limit)
}

// UpdateAllReadiness recomputes readiness for every non-terminal task
// (spec §4.5 control loop step "update_task_readiness()"; also used for
// startup reconciliation's promote/demote passes). Returns the number of
// tasks whose status changed.
func (s *Service) UpdateAllReadiness(ctx context.Context) (int, error) {
	tasks, err := s.store.List(ctx, taskdomain.Filter{Statuses: []taskdomain.Status{
		taskdomain.StatusPending, taskdomain.StatusBlocked, taskdomain.StatusReady,
	}})
	if err != nil {
		return 0, err
	}

	changed := 0
	for _, t := range tasks {
		deps, err := s.store.Dependencies(ctx, t.ID)
		if err != nil {
			return changed, err
		}
		next := computeReadiness(t.Status, deps)
		if next == t.Status {
			continue
		}
		t.Status = next
		t.UpdatedAt = time.Now()
		if err := s.updateChecked(ctx, t); err != nil {
			return changed, err
		}
		changed++
	}
	return changed, nil
}

// ReconcileRunning handles startup reconciliation for tasks found `running`
// at boot: the supervising process is gone, so they fail (spec §4.5
// "Startup reconciliation"). Returns the number of tasks demoted.
func (s *Service) ReconcileRunning(ctx context.Context) (int, error) {
	running, err := s.store.List(ctx, taskdomain.Filter{Statuses: []taskdomain.Status{taskdomain.StatusRunning}})
	if err != nil {
		return 0, err
	}
	for _, t := range running {
		if _, err := s.Fail(ctx, t.ID, "orchestrator restarted while task was running"); err != nil {
			return 0, err
		}
	}
	return len(running), nil
}

func (s *Service) propagateReadiness(ctx context.Context, completedTaskID string) error {
	dependents, err := s.store.Dependents(ctx, completedTaskID)
	if err != nil {
		return err
	}
	for _, dep := range dependents {
		if dep.Status.IsTerminal() {
			continue
		}
		deps, err := s.store.Dependencies(ctx, dep.ID)
		if err != nil {
			return err
		}
		next := computeReadiness(dep.Status, deps)
		if next == dep.Status {
			continue
		}
		dep.Status = next
		dep.UpdatedAt = time.Now()
		if err := s.updateChecked(ctx, dep); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) blockPendingDependents(ctx context.Context, failedTaskID string) error {
	dependents, err := s.store.Dependents(ctx, failedTaskID)
	if err != nil {
		return err
	}
	for _, dep := range dependents {
		if dep.Status != taskdomain.StatusPending && dep.Status != taskdomain.StatusBlocked {
			continue
		}
		if dep.Status == taskdomain.StatusBlocked {
			continue
		}
		dep.Status = taskdomain.StatusBlocked
		dep.UpdatedAt = time.Now()
		if err := s.updateChecked(ctx, dep); err != nil {
			return err
		}
	}
	return nil
}

// updateChecked persists t, retrying once on an optimistic-lock conflict by
// reloading and re-applying the intended status (the version bump itself is
// the only thing that can race for these single-field transitions).
func (s *Service) updateChecked(ctx context.Context, t *taskdomain.Task) error {
	expected := t.Version
	err := s.store.Update(ctx, t, expected)
	if err == nil {
		return nil
	}
	if xerrors.GetKind(err) != xerrors.KindOptimisticLockConflict {
		return fmt.Errorf("update task %q: %w", t.ID, err)
	}

	fresh, getErr := s.store.Get(ctx, t.ID)
	if getErr != nil {
		return fmt.Errorf("update task %q: %w", t.ID, err)
	}
	t.Version = fresh.Version
	if err := s.store.Update(ctx, t, t.Version); err != nil {
		return fmt.Errorf("update task %q: %w", t.ID, err)
	}
	return nil
}
