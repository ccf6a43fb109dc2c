// Package worktreeservice implements C3: create/complete/merge/remove git
// worktrees keyed by task id, backed by the worktreedomain store and the
// git CLI wrapper (spec §4.7).
package worktreeservice

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/odgrim/abathur-swarm-sub004/internal/domain/worktreedomain"
	infragit "github.com/odgrim/abathur-swarm-sub004/internal/infra/git"
	"github.com/odgrim/abathur-swarm-sub004/internal/logging"
	"github.com/odgrim/abathur-swarm-sub004/internal/xerrors"
)

// Service implements C3.
type Service struct {
	store       worktreedomain.Store
	git         *infragit.Manager
	autoCleanup bool
	logger      logging.Logger
}

// New builds a worktree service. autoCleanup controls whether a merged
// worktree is immediately removed (spec §4.7 "auto-cleanup if configured").
func New(store worktreedomain.Store, git *infragit.Manager, autoCleanup bool, logger logging.Logger) *Service {
	return &Service{store: store, git: git, autoCleanup: autoCleanup, logger: logging.OrNop(logger)}
}

// Create allocates a worktree for taskID off baseRef. Rejects if an
// active (non-terminal) worktree already exists for this task (spec §3
// invariant "Worktree uniqueness").
func (s *Service) Create(ctx context.Context, taskID, baseRef string) (*worktreedomain.Worktree, error) {
	existing, err := s.store.ActiveForTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, xerrors.ValidationFailed(fmt.Sprintf("task %q already has an active worktree", taskID))
	}

	row := &worktreedomain.Worktree{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		Status:    worktreedomain.StatusCreating,
		BaseRef:   baseRef,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := s.store.Create(ctx, row); err != nil {
		return nil, err
	}

	alloc, err := s.git.Allocate(ctx, taskID, baseRef)
	if err != nil {
		row.Status = worktreedomain.StatusFailed
		row.ErrorMsg = err.Error()
		row.UpdatedAt = time.Now()
		_ = s.store.Update(ctx, row)
		return row, err
	}

	row.Path = alloc.Path
	row.Branch = alloc.Branch
	row.BaseRef = alloc.BaseRef
	row.Status = worktreedomain.StatusActive
	row.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, row); err != nil {
		return nil, err
	}
	s.logger.Info("worktree %q created for task %q at %s", row.ID, taskID, row.Path)
	return row, nil
}

// Complete transitions a worktree active -> completed (spec §4.7).
func (s *Service) Complete(ctx context.Context, id string) (*worktreedomain.Worktree, error) {
	w, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.Status != worktreedomain.StatusActive {
		return nil, xerrors.InvalidStateTransition(string(w.Status), string(worktreedomain.StatusCompleted))
	}
	if err := s.git.CommitAll(ctx, w.Path, fmt.Sprintf("checkpoint for task %s", w.TaskID)); err != nil {
		s.logger.Warn("auto-commit in worktree %q failed: %v", w.ID, err)
	}
	w.Status = worktreedomain.StatusCompleted
	w.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}

// Merge integrates a completed worktree's branch into its base ref (spec
// §4.7). completed -> merging -> merged|failed.
func (s *Service) Merge(ctx context.Context, id string) (*worktreedomain.Worktree, error) {
	w, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.Status != worktreedomain.StatusCompleted {
		return nil, xerrors.InvalidStateTransition(string(w.Status), string(worktreedomain.StatusMerging))
	}

	w.Status = worktreedomain.StatusMerging
	w.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, w); err != nil {
		return nil, err
	}

	result, mergeErr := s.git.Merge(ctx, w, infragit.MergeStrategyAuto)
	now := time.Now()
	if mergeErr != nil || result == nil || !result.Success {
		w.Status = worktreedomain.StatusFailed
		if mergeErr != nil {
			w.ErrorMsg = mergeErr.Error()
		}
		w.UpdatedAt = now
		_ = s.store.Update(ctx, w)
		if mergeErr != nil {
			return w, mergeErr
		}
		return w, xerrors.ExecutionFailed("merge produced conflicts", nil)
	}

	w.MergeCommit = result.CommitHash
	w.Status = worktreedomain.StatusMerged
	w.CompletedAt = &now
	w.UpdatedAt = now
	if err := s.store.Update(ctx, w); err != nil {
		return nil, err
	}

	if s.autoCleanup {
		return s.Remove(ctx, w.ID)
	}
	return w, nil
}

// Remove tears down the worktree directory (and branch, if merged),
// setting status to removed (spec §4.7 cleanup).
func (s *Service) Remove(ctx context.Context, id string) (*worktreedomain.Worktree, error) {
	w, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	deleteBranch := w.Status == worktreedomain.StatusMerged
	if err := s.git.Remove(ctx, w, deleteBranch); err != nil {
		s.logger.Warn("worktree %q cleanup error: %v", w.ID, err)
	}
	w.Status = worktreedomain.StatusRemoved
	w.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}

// Fail marks a worktree failed (called by the orchestrator when its owning
// task fails, spec §4.5 step 8).
func (s *Service) Fail(ctx context.Context, id, reason string) error {
	w, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if w.Status.IsTerminal() {
		return nil
	}
	w.Status = worktreedomain.StatusFailed
	w.ErrorMsg = reason
	w.UpdatedAt = time.Now()
	return s.store.Update(ctx, w)
}

// Reconcile compares `git worktree list` against the store and demotes
// rows whose path no longer exists on disk (spec §4.7 "filesystem
// reconciliation pass").
func (s *Service) Reconcile(ctx context.Context) (int, error) {
	live, err := s.git.ListPaths(ctx)
	if err != nil {
		return 0, err
	}
	livePaths := make(map[string]struct{}, len(live))
	for _, p := range live {
		livePaths[p] = struct{}{}
	}

	rows, err := s.store.List(ctx)
	if err != nil {
		return 0, err
	}
	demoted := 0
	for _, w := range rows {
		if w.Status.IsTerminal() || w.Path == "" {
			continue
		}
		if _, ok := livePaths[w.Path]; ok {
			continue
		}
		w.Status = worktreedomain.StatusFailed
		w.ErrorMsg = "worktree path missing on disk during reconciliation"
		w.UpdatedAt = time.Now()
		if err := s.store.Update(ctx, w); err != nil {
			return demoted, err
		}
		demoted++
	}
	return demoted, nil
}

// Mergeable checks whether a worktree would merge cleanly (spec §4.8
// verifier "mergeability" check).
func (s *Service) Mergeable(ctx context.Context, id string) (bool, []string, error) {
	w, err := s.store.Get(ctx, id)
	if err != nil {
		return false, nil, err
	}
	return s.git.Mergeable(ctx, w)
}

// AheadCount reports how many commits the worktree's branch is ahead of
// its base ref (spec §4.8 verifier "has commits" check).
func (s *Service) AheadCount(ctx context.Context, id string) (int, error) {
	w, err := s.store.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	return s.git.AheadCount(ctx, w.BaseRef, w.Branch)
}
