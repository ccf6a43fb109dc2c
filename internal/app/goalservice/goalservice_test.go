package goalservice

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odgrim/abathur-swarm-sub004/internal/domain/goaldomain"
	"github.com/odgrim/abathur-swarm-sub004/internal/xerrors"
)

type fakeGoalStore struct {
	goals map[string]*goaldomain.Goal
}

func newFakeGoalStore() *fakeGoalStore {
	return &fakeGoalStore{goals: make(map[string]*goaldomain.Goal)}
}

func (f *fakeGoalStore) Create(_ context.Context, g *goaldomain.Goal) error {
	cp := *g
	f.goals[g.ID] = &cp
	return nil
}

func (f *fakeGoalStore) Get(_ context.Context, id string) (*goaldomain.Goal, error) {
	g, ok := f.goals[id]
	if !ok {
		return nil, xerrors.NotFound("goal", id)
	}
	cp := *g
	return &cp, nil
}

func (f *fakeGoalStore) Update(_ context.Context, g *goaldomain.Goal) error {
	if _, ok := f.goals[g.ID]; !ok {
		return xerrors.NotFound("goal", g.ID)
	}
	cp := *g
	f.goals[g.ID] = &cp
	return nil
}

func (f *fakeGoalStore) Delete(_ context.Context, id string) error {
	delete(f.goals, id)
	return nil
}

func (f *fakeGoalStore) List(_ context.Context, _ goaldomain.Filter) ([]*goaldomain.Goal, error) {
	var out []*goaldomain.Goal
	for _, g := range f.goals {
		cp := *g
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeGoalStore) MatchByDomain(_ context.Context, _ []string) ([]*goaldomain.Goal, error) {
	return nil, nil
}

func (f *fakeGoalStore) Ancestors(_ context.Context, _ string) ([]*goaldomain.Goal, error) {
	return nil, nil
}

func newTestGoal(t *testing.T) (*Service, *goaldomain.Goal) {
	t.Helper()
	store := newFakeGoalStore()
	svc := New(store, nil)
	g, err := svc.Create(context.Background(), CreateRequest{Name: "ship feature"})
	require.NoError(t, err)
	return svc, g
}

func TestCreateRejectsEmptyName(t *testing.T) {
	svc := New(newFakeGoalStore(), nil)
	_, err := svc.Create(context.Background(), CreateRequest{})
	require.Error(t, err)
	require.Equal(t, xerrors.KindValidationFailed, xerrors.GetKind(err))
}

func TestPauseResumeIdempotent(t *testing.T) {
	ctx := context.Background()
	svc, g := newTestGoal(t)

	paused, err := svc.Pause(ctx, g.ID)
	require.NoError(t, err)
	require.Equal(t, goaldomain.StatusPaused, paused.Status)

	pausedAgain, err := svc.Pause(ctx, g.ID)
	require.NoError(t, err)
	require.Equal(t, goaldomain.StatusPaused, pausedAgain.Status)

	resumed, err := svc.Resume(ctx, g.ID)
	require.NoError(t, err)
	require.Equal(t, goaldomain.StatusActive, resumed.Status)

	resumedAgain, err := svc.Resume(ctx, g.ID)
	require.NoError(t, err)
	require.Equal(t, goaldomain.StatusActive, resumedAgain.Status)
}

func TestTerminalTransitionsIdempotent(t *testing.T) {
	ctx := context.Background()

	svc, g := newTestGoal(t)
	completed, err := svc.Complete(ctx, g.ID)
	require.NoError(t, err)
	require.Equal(t, goaldomain.StatusComplete, completed.Status)
	again, err := svc.Complete(ctx, g.ID)
	require.NoError(t, err)
	require.Equal(t, goaldomain.StatusComplete, again.Status)

	svc2, g2 := newTestGoal(t)
	failed, err := svc2.Fail(ctx, g2.ID)
	require.NoError(t, err)
	require.Equal(t, goaldomain.StatusFailed, failed.Status)

	svc3, g3 := newTestGoal(t)
	archived, err := svc3.Archive(ctx, g3.ID)
	require.NoError(t, err)
	require.Equal(t, goaldomain.StatusArchived, archived.Status)
	archivedAgain, err := svc3.Archive(ctx, g3.ID)
	require.NoError(t, err)
	require.Equal(t, goaldomain.StatusArchived, archivedAgain.Status)
}

func TestCreateDefaultsPriority(t *testing.T) {
	svc := New(newFakeGoalStore(), nil)
	g, err := svc.Create(context.Background(), CreateRequest{Name: "n"})
	require.NoError(t, err)
	require.NotEmpty(t, g.Priority)
}
