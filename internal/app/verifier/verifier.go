// Package verifier implements C10: post-completion checks on a finished
// task's worktree (spec §4.8). A Result never mutates task state by itself;
// the orchestrator decides what to do with it (retry, escalate, proceed to
// merge).
package verifier

import (
	"context"
	"os/exec"
	"strings"

	"github.com/odgrim/abathur-swarm-sub004/internal/app/worktreeservice"
	"github.com/odgrim/abathur-swarm-sub004/internal/domain/taskdomain"
	"github.com/odgrim/abathur-swarm-sub004/internal/logging"
)

// CheckName identifies one verification check.
type CheckName string

const (
	CheckDependenciesComplete CheckName = "dependencies_complete"
	CheckHasCommits           CheckName = "has_commits"
	CheckTests                CheckName = "tests"
	CheckLint                 CheckName = "lint"
	CheckFormat               CheckName = "format"
	CheckMergeable            CheckName = "mergeable"
)

// CheckResult is one check's outcome.
type CheckResult struct {
	Name    CheckName
	Passed  bool
	Detail  string
	Skipped bool
}

// Result aggregates every check run for one task.
type Result struct {
	TaskID string
	Checks []CheckResult
}

// Passed reports whether every non-skipped check passed.
func (r Result) Passed() bool {
	for _, c := range r.Checks {
		if !c.Skipped && !c.Passed {
			return false
		}
	}
	return true
}

// ToolchainCommand is one shell-out check (tests/lint/format), parsed for a
// pass/fail summary by its exit code (spec §4.8 "optional toolchain
// invocations").
type ToolchainCommand struct {
	Name CheckName
	Dir  string
	Argv []string
}

// Config bounds which checks run for a given task.
type Config struct {
	SkipCommitsCheckForReadOnly bool
	Toolchain                   []ToolchainCommand
}

// Verifier runs the configured check bundle against a completed task.
type Verifier struct {
	tasks     taskdomain.Store
	worktrees *worktreeservice.Service
	config    Config
	logger    logging.Logger
}

// New builds a Verifier.
func New(tasks taskdomain.Store, worktrees *worktreeservice.Service, config Config, logger logging.Logger) *Verifier {
	return &Verifier{tasks: tasks, worktrees: worktrees, config: config, logger: logging.OrNop(logger)}
}

// Verify runs every configured check against t (spec §4.8).
func (v *Verifier) Verify(ctx context.Context, t *taskdomain.Task, worktreeID string, readOnly bool) (*Result, error) {
	res := &Result{TaskID: t.ID}

	depsOK, detail, err := v.checkDependenciesComplete(ctx, t)
	if err != nil {
		return nil, err
	}
	res.Checks = append(res.Checks, CheckResult{Name: CheckDependenciesComplete, Passed: depsOK, Detail: detail})

	if worktreeID != "" {
		commits := v.checkHasCommits(ctx, worktreeID, readOnly)
		res.Checks = append(res.Checks, commits)

		mergeable := v.checkMergeable(ctx, worktreeID)
		res.Checks = append(res.Checks, mergeable)
	}

	for _, cmd := range v.config.Toolchain {
		res.Checks = append(res.Checks, v.runToolchainCheck(ctx, cmd))
	}

	return res, nil
}

func (v *Verifier) checkDependenciesComplete(ctx context.Context, t *taskdomain.Task) (bool, string, error) {
	deps, err := v.tasks.Dependencies(ctx, t.ID)
	if err != nil {
		return false, "", err
	}
	for _, d := range deps {
		if d.Status != taskdomain.StatusComplete {
			return false, "dependency " + d.ID + " is " + string(d.Status), nil
		}
	}
	return true, "", nil
}

func (v *Verifier) checkHasCommits(ctx context.Context, worktreeID string, readOnly bool) CheckResult {
	if readOnly && v.config.SkipCommitsCheckForReadOnly {
		return CheckResult{Name: CheckHasCommits, Skipped: true, Detail: "read-only agent"}
	}
	ahead, err := v.worktrees.AheadCount(ctx, worktreeID)
	if err != nil {
		return CheckResult{Name: CheckHasCommits, Passed: false, Detail: err.Error()}
	}
	return CheckResult{Name: CheckHasCommits, Passed: ahead > 0}
}

func (v *Verifier) checkMergeable(ctx context.Context, worktreeID string) CheckResult {
	ok, conflicts, err := v.worktrees.Mergeable(ctx, worktreeID)
	if err != nil {
		return CheckResult{Name: CheckMergeable, Passed: false, Detail: err.Error()}
	}
	if !ok {
		return CheckResult{Name: CheckMergeable, Passed: false, Detail: strings.Join(conflicts, "; ")}
	}
	return CheckResult{Name: CheckMergeable, Passed: true}
}

func (v *Verifier) runToolchainCheck(ctx context.Context, cmd ToolchainCommand) CheckResult {
	if len(cmd.Argv) == 0 {
		return CheckResult{Name: cmd.Name, Skipped: true, Detail: "no command configured"}
	}
	c := exec.CommandContext(ctx, cmd.Argv[0], cmd.Argv[1:]...)
	c.Dir = cmd.Dir
	out, err := c.CombinedOutput()
	if err != nil {
		v.logger.Warn("verifier check %s failed: %v", cmd.Name, err)
		return CheckResult{Name: cmd.Name, Passed: false, Detail: strings.TrimSpace(string(out))}
	}
	return CheckResult{Name: cmd.Name, Passed: true, Detail: strings.TrimSpace(string(out))}
}
