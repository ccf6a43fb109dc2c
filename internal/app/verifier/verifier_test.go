package verifier

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odgrim/abathur-swarm-sub004/internal/app/worktreeservice"
	"github.com/odgrim/abathur-swarm-sub004/internal/domain/taskdomain"
	"github.com/odgrim/abathur-swarm-sub004/internal/domain/worktreedomain"
	infragit "github.com/odgrim/abathur-swarm-sub004/internal/infra/git"
)

type fakeTaskStore struct {
	taskdomain.Store
	tasks map[string]*taskdomain.Task
	deps  map[string][]*taskdomain.Task
}

func (f *fakeTaskStore) Dependencies(_ context.Context, id string) ([]*taskdomain.Task, error) {
	return f.deps[id], nil
}

type fakeWorktreeStore struct {
	rows map[string]*worktreedomain.Worktree
}

func (f *fakeWorktreeStore) Create(_ context.Context, w *worktreedomain.Worktree) error {
	cp := *w
	f.rows[w.ID] = &cp
	return nil
}
func (f *fakeWorktreeStore) Get(_ context.Context, id string) (*worktreedomain.Worktree, error) {
	cp := *f.rows[id]
	return &cp, nil
}
func (f *fakeWorktreeStore) GetByTaskID(context.Context, string) (*worktreedomain.Worktree, error) {
	return nil, nil
}
func (f *fakeWorktreeStore) Update(_ context.Context, w *worktreedomain.Worktree) error {
	cp := *w
	f.rows[w.ID] = &cp
	return nil
}
func (f *fakeWorktreeStore) Delete(_ context.Context, id string) error {
	delete(f.rows, id)
	return nil
}
func (f *fakeWorktreeStore) List(_ context.Context) ([]*worktreedomain.Worktree, error) {
	var out []*worktreedomain.Worktree
	for _, w := range f.rows {
		cp := *w
		out = append(out, &cp)
	}
	return out, nil
}
func (f *fakeWorktreeStore) ActiveForTask(_ context.Context, taskID string) (*worktreedomain.Worktree, error) {
	for _, w := range f.rows {
		if w.TaskID == taskID && !w.Status.IsTerminal() {
			cp := *w
			return &cp, nil
		}
	}
	return nil, nil
}

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
}

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoErrorf(t, err, "git %v: %s", args, out)
}

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGit(t, dir, "init", "-b", "main")
	runGit(t, dir, "config", "user.email", "test@example.com")
	runGit(t, dir, "config", "user.name", "test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644))
	runGit(t, dir, "add", "-A")
	runGit(t, dir, "commit", "-m", "initial")
	return dir
}

func TestVerifyFailsWhenDependencyIncomplete(t *testing.T) {
	ctx := context.Background()
	dep := &taskdomain.Task{ID: "dep1", Status: taskdomain.StatusRunning}
	tasks := &fakeTaskStore{deps: map[string][]*taskdomain.Task{"t1": {dep}}}
	v := New(tasks, nil, Config{}, nil)

	res, err := v.Verify(ctx, &taskdomain.Task{ID: "t1"}, "", false)
	require.NoError(t, err)
	require.False(t, res.Passed())
}

func TestVerifyPassesWithCommitsAndMergeable(t *testing.T) {
	requireGit(t)
	ctx := context.Background()
	repo := initRepo(t)

	wtStore := &fakeWorktreeStore{rows: make(map[string]*worktreedomain.Worktree)}
	git := infragit.NewManager(repo, filepath.Join(repo, ".abathur", "worktrees"), nil)
	wtSvc := worktreeservice.New(wtStore, git, false, nil)

	w, err := wtSvc.Create(ctx, "t1", "main")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(w.Path, "change.txt"), []byte("x\n"), 0o644))
	_, err = wtSvc.Complete(ctx, w.ID)
	require.NoError(t, err)

	tasks := &fakeTaskStore{deps: map[string][]*taskdomain.Task{"t1": nil}}
	v := New(tasks, wtSvc, Config{}, nil)

	res, err := v.Verify(ctx, &taskdomain.Task{ID: "t1"}, w.ID, false)
	require.NoError(t, err)
	require.True(t, res.Passed())
}

func TestVerifySkipsCommitsCheckForReadOnly(t *testing.T) {
	requireGit(t)
	ctx := context.Background()
	repo := initRepo(t)

	wtStore := &fakeWorktreeStore{rows: make(map[string]*worktreedomain.Worktree)}
	git := infragit.NewManager(repo, filepath.Join(repo, ".abathur", "worktrees"), nil)
	wtSvc := worktreeservice.New(wtStore, git, false, nil)

	w, err := wtSvc.Create(ctx, "t1", "main")
	require.NoError(t, err)
	_, err = wtSvc.Complete(ctx, w.ID)
	require.NoError(t, err)

	tasks := &fakeTaskStore{deps: map[string][]*taskdomain.Task{"t1": nil}}
	v := New(tasks, wtSvc, Config{SkipCommitsCheckForReadOnly: true}, nil)

	res, err := v.Verify(ctx, &taskdomain.Task{ID: "t1"}, w.ID, true)
	require.NoError(t, err)
	for _, c := range res.Checks {
		if c.Name == CheckHasCommits {
			require.True(t, c.Skipped)
		}
	}
}

func TestRunToolchainCheckReportsFailure(t *testing.T) {
	ctx := context.Background()
	tasks := &fakeTaskStore{deps: map[string][]*taskdomain.Task{"t1": nil}}
	v := New(tasks, nil, Config{
		Toolchain: []ToolchainCommand{{Name: CheckLint, Argv: []string{"false"}}},
	}, nil)

	res, err := v.Verify(ctx, &taskdomain.Task{ID: "t1"}, "", false)
	require.NoError(t, err)
	require.False(t, res.Passed())
}
