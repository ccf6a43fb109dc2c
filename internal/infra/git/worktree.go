// Package git shells out to the git CLI to allocate, merge, and tear down
// task worktrees (spec §4.7, §6). Grounded on the teacher's workspace
// manager, generalized from its three workspace modes down to the spec's
// single worktree-per-task model.
package git

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/odgrim/abathur-swarm-sub004/internal/domain/worktreedomain"
	"github.com/odgrim/abathur-swarm-sub004/internal/logging"
	"github.com/odgrim/abathur-swarm-sub004/internal/xerrors"
)

// MergeStrategy controls how Manager.Merge integrates a completed task
// branch back into its base ref (spec §4.7).
type MergeStrategy string

const (
	MergeStrategyAuto   MergeStrategy = "auto"
	MergeStrategySquash MergeStrategy = "squash"
	MergeStrategyRebase MergeStrategy = "rebase"
)

// MergeResult reports the outcome of a merge attempt.
type MergeResult struct {
	Success      bool
	CommitHash   string
	FilesChanged []string
	DiffSummary  string
	Conflicts    []string
}

// Manager allocates and reclaims worktrees under a configured base path,
// one per task, named and branched deterministically by task ID (spec
// §4.7, §6).
type Manager struct {
	repoDir     string
	worktreeDir string
	logger      logging.Logger
	mu          sync.Mutex
}

// NewManager builds a worktree manager rooted at repoDir, with worktrees
// placed under basePath (spec §4.7 "base_path").
func NewManager(repoDir, basePath string, logger logging.Logger) *Manager {
	repoDir = strings.TrimSpace(repoDir)
	if basePath == "" {
		basePath = filepath.Join(repoDir, ".abathur", "worktrees")
	}
	return &Manager{
		repoDir:     repoDir,
		worktreeDir: basePath,
		logger:      logging.OrNop(logger),
	}
}

// branchName derives "agent/<task_id>" deterministically (spec §4.5, §8
// "Worktree lifecycle" scenario).
func branchName(taskID string) string {
	sanitized := strings.TrimSpace(taskID)
	sanitized = strings.NewReplacer(" ", "-", "/", "-", "\\", "-").Replace(sanitized)
	if sanitized == "" {
		sanitized = "task"
	}
	return fmt.Sprintf("agent/%s", sanitized)
}

// Allocate creates a new worktree for taskID branched off baseRef (or the
// repo's current branch if baseRef is empty). At most one active worktree
// may exist per task (enforced by the caller via worktreedomain.Store's
// ActiveForTask, spec §3 invariant).
func (m *Manager) Allocate(ctx context.Context, taskID, baseRef string) (*worktreedomain.Worktree, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return nil, xerrors.ValidationFailed("taskID is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if baseRef == "" {
		resolved, err := m.currentBranch(ctx)
		if err != nil {
			return nil, err
		}
		baseRef = resolved
	}

	if err := os.MkdirAll(m.worktreeDir, 0o755); err != nil {
		return nil, xerrors.ExecutionFailed("create worktree dir", err)
	}

	branch := branchName(taskID)
	path := filepath.Join(m.worktreeDir, taskID)
	if err := m.git(ctx, "worktree", "add", path, "-b", branch, baseRef); err != nil {
		return nil, err
	}

	return &worktreedomain.Worktree{
		ID:      uuid.NewString(),
		TaskID:  taskID,
		Path:    path,
		Branch:  branch,
		BaseRef: baseRef,
		Status:  worktreedomain.StatusActive,
	}, nil
}

// Merge integrates w's branch back into its base ref (spec §4.7).
func (m *Manager) Merge(ctx context.Context, w *worktreedomain.Worktree, strategy MergeStrategy) (*MergeResult, error) {
	if w == nil {
		return nil, xerrors.ValidationFailed("worktree is required")
	}
	if strategy == "" {
		strategy = MergeStrategyAuto
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.git(ctx, "checkout", w.BaseRef); err != nil {
		return nil, err
	}

	result := &MergeResult{}

	switch strategy {
	case MergeStrategySquash:
		if err := m.git(ctx, "merge", "--squash", w.Branch); err != nil {
			result.Conflicts = m.mergeConflicts(ctx)
			return result, err
		}
		if err := m.git(ctx, "commit", "-m", fmt.Sprintf("Merge task %s", w.TaskID)); err != nil {
			return nil, err
		}
	case MergeStrategyRebase:
		if err := m.git(ctx, "checkout", w.Branch); err != nil {
			return nil, err
		}
		if err := m.git(ctx, "rebase", w.BaseRef); err != nil {
			return nil, err
		}
		if err := m.git(ctx, "checkout", w.BaseRef); err != nil {
			return nil, err
		}
		if err := m.git(ctx, "merge", w.Branch); err != nil {
			result.Conflicts = m.mergeConflicts(ctx)
			return result, err
		}
	default:
		if err := m.git(ctx, "merge", "--no-edit", "--no-ff", w.Branch); err != nil {
			result.Conflicts = m.mergeConflicts(ctx)
			return result, err
		}
	}

	result.Success = true
	result.CommitHash = strings.TrimSpace(m.gitOutputOrEmpty(ctx, "rev-parse", "HEAD"))
	result.FilesChanged = splitLines(m.gitOutputOrEmpty(ctx, "diff", "--name-only", "HEAD~1..HEAD"))
	result.DiffSummary = strings.TrimSpace(m.gitOutputOrEmpty(ctx, "diff", "--stat", "HEAD~1..HEAD"))
	return result, nil
}

// Mergeable reports whether w's branch can merge cleanly into its base ref
// without touching the working tree, using `git merge-tree` (spec §4.10
// verifier check "would merge cleanly").
func (m *Manager) Mergeable(ctx context.Context, w *worktreedomain.Worktree) (bool, []string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out, err := m.gitOutput(ctx, "merge-tree", w.BaseRef, w.Branch)
	if err != nil {
		return false, nil, err
	}
	if strings.Contains(out, "<<<<<<<") {
		return false, splitLines(m.gitOutputOrEmpty(ctx, "diff", "--name-only", "--diff-filter=U")), nil
	}
	return true, nil, nil
}

// Remove tears down w's worktree directory and, if deleteBranch, its
// branch too (spec §4.7 cleanup).
func (m *Manager) Remove(ctx context.Context, w *worktreedomain.Worktree, deleteBranch bool) error {
	if w == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if w.Path != "" {
		_ = m.git(ctx, "worktree", "remove", "--force", w.Path)
	}
	if deleteBranch && w.Branch != "" {
		_ = m.git(ctx, "branch", "-d", w.Branch)
	}
	return nil
}

// ListPaths returns the working-tree paths `git worktree list` currently
// reports, for the filesystem-reconciliation pass (spec §4.7): any DB row
// whose path is absent here should be demoted.
func (m *Manager) ListPaths(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out, err := m.gitOutput(ctx, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, line := range strings.Split(out, "\n") {
		if p, ok := strings.CutPrefix(line, "worktree "); ok {
			paths = append(paths, strings.TrimSpace(p))
		}
	}
	return paths, nil
}

// AheadCount reports how many commits branch is ahead of baseRef (spec
// §4.8 verifier "has commits" check).
func (m *Manager) AheadCount(ctx context.Context, baseRef, branch string) (int, error) {
	m.mu.Lock()
	out, err := m.gitOutput(ctx, "rev-list", "--count", baseRef+".."+branch)
	m.mu.Unlock()
	if err != nil {
		return 0, err
	}
	var n int
	if _, scanErr := fmt.Sscanf(strings.TrimSpace(out), "%d", &n); scanErr != nil {
		return 0, xerrors.SerializationError("parse rev-list count", scanErr)
	}
	return n, nil
}

// CommitAll stages and commits any uncommitted work in the worktree at
// path (spec §4.7 "auto-commit safety net").
func (m *Manager) CommitAll(ctx context.Context, path, message string) error {
	cmd := exec.CommandContext(ctx, "git", "add", "-A")
	cmd.Dir = path
	if err := cmd.Run(); err != nil {
		return xerrors.ExecutionFailed("git add -A", err)
	}

	statusCmd := exec.CommandContext(ctx, "git", "status", "--porcelain")
	statusCmd.Dir = path
	out, err := statusCmd.Output()
	if err != nil {
		return xerrors.ExecutionFailed("git status --porcelain", err)
	}
	if strings.TrimSpace(string(out)) == "" {
		return nil
	}

	commitCmd := exec.CommandContext(ctx, "git", "commit", "-m", message)
	commitCmd.Dir = path
	var stderr bytes.Buffer
	commitCmd.Stderr = &stderr
	if err := commitCmd.Run(); err != nil {
		return xerrors.ExecutionFailed("git commit: "+stderr.String(), err)
	}
	return nil
}

func (m *Manager) currentBranch(ctx context.Context) (string, error) {
	out, err := m.gitOutput(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	branch := strings.TrimSpace(out)
	if branch == "" {
		return "", xerrors.ExecutionFailed("unable to resolve current branch", nil)
	}
	return branch, nil
}

func (m *Manager) git(ctx context.Context, args ...string) error {
	_, err := m.gitOutput(ctx, args...)
	return err
}

func (m *Manager) gitOutput(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = m.repoDir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return "", xerrors.ExecutionFailed(
			fmt.Sprintf("git %s: %s", strings.Join(args, " "), stderr.String()), err)
	}
	return string(out), nil
}

func (m *Manager) gitOutputOrEmpty(ctx context.Context, args ...string) string {
	out, err := m.gitOutput(ctx, args...)
	if err != nil {
		return ""
	}
	return out
}

func (m *Manager) mergeConflicts(ctx context.Context) []string {
	out, err := m.gitOutput(ctx, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil
	}
	return splitLines(out)
}

func splitLines(raw string) []string {
	lines := strings.Split(strings.TrimSpace(raw), "\n")
	var out []string
	for _, line := range lines {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
