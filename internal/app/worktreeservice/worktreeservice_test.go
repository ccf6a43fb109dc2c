package worktreeservice

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odgrim/abathur-swarm-sub004/internal/domain/worktreedomain"
	infragit "github.com/odgrim/abathur-swarm-sub004/internal/infra/git"
)

type fakeWorktreeStore struct {
	rows map[string]*worktreedomain.Worktree
}

func newFakeWorktreeStore() *fakeWorktreeStore {
	return &fakeWorktreeStore{rows: make(map[string]*worktreedomain.Worktree)}
}

func (f *fakeWorktreeStore) Create(_ context.Context, w *worktreedomain.Worktree) error {
	cp := *w
	f.rows[w.ID] = &cp
	return nil
}

func (f *fakeWorktreeStore) Get(_ context.Context, id string) (*worktreedomain.Worktree, error) {
	w := f.rows[id]
	cp := *w
	return &cp, nil
}

func (f *fakeWorktreeStore) GetByTaskID(_ context.Context, taskID string) (*worktreedomain.Worktree, error) {
	for _, w := range f.rows {
		if w.TaskID == taskID {
			cp := *w
			return &cp, nil
		}
	}
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

// requireGit skips the test if the git binary isn't on PATH, since this
// package drives it directly rather than through a fake.
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

// TestWorktreeLifecycle exercises create -> complete -> merge -> auto-cleanup
// against a real temporary git repository (spec §8 "Worktree lifecycle").
func TestWorktreeLifecycle(t *testing.T) {
	requireGit(t)
	ctx := context.Background()
	repo := initRepo(t)

	store := newFakeWorktreeStore()
	git := infragit.NewManager(repo, filepath.Join(repo, ".abathur", "worktrees"), nil)
	svc := New(store, git, true, nil)

	w, err := svc.Create(ctx, "task-1", "main")
	require.NoError(t, err)
	require.Equal(t, worktreedomain.StatusActive, w.Status)
	require.DirExists(t, w.Path)

	require.NoError(t, os.WriteFile(filepath.Join(w.Path, "change.txt"), []byte("work\n"), 0o644))

	completed, err := svc.Complete(ctx, w.ID)
	require.NoError(t, err)
	require.Equal(t, worktreedomain.StatusCompleted, completed.Status)

	ahead, err := svc.AheadCount(ctx, w.ID)
	require.NoError(t, err)
	require.Greater(t, ahead, 0)

	merged, err := svc.Merge(ctx, w.ID)
	require.NoError(t, err)
	// autoCleanup is enabled, so Merge returns the post-removal row.
	require.Equal(t, worktreedomain.StatusRemoved, merged.Status)
	require.NoDirExists(t, w.Path)
}

// TestCreateRejectsDuplicateActiveWorktree verifies spec §3's worktree
// uniqueness invariant.
func TestCreateRejectsDuplicateActiveWorktree(t *testing.T) {
	requireGit(t)
	ctx := context.Background()
	repo := initRepo(t)

	store := newFakeWorktreeStore()
	git := infragit.NewManager(repo, filepath.Join(repo, ".abathur", "worktrees"), nil)
	svc := New(store, git, false, nil)

	_, err := svc.Create(ctx, "task-1", "main")
	require.NoError(t, err)

	_, err = svc.Create(ctx, "task-1", "main")
	require.Error(t, err)
}

// TestFailIsNoOpOnTerminalWorktree verifies Fail does not override an
// already-terminal status.
func TestFailIsNoOpOnTerminalWorktree(t *testing.T) {
	ctx := context.Background()
	store := newFakeWorktreeStore()
	store.rows["w1"] = &worktreedomain.Worktree{ID: "w1", TaskID: "t1", Status: worktreedomain.StatusMerged}
	svc := New(store, infragit.NewManager(t.TempDir(), "", nil), false, nil)

	require.NoError(t, svc.Fail(ctx, "w1", "late failure"))
	require.Equal(t, worktreedomain.StatusMerged, store.rows["w1"].Status)
}
