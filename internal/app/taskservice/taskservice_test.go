package taskservice

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odgrim/abathur-swarm-sub004/internal/domain/taskdomain"
	"github.com/odgrim/abathur-swarm-sub004/internal/xerrors"
)

// fakeStore is an in-memory taskdomain.Store good enough to exercise the
// service's control flow without a real database.
type fakeStore struct {
	tasks map[string]*taskdomain.Task
}

func newFakeStore() *fakeStore {
	return &fakeStore{tasks: make(map[string]*taskdomain.Task)}
}

func (f *fakeStore) Create(_ context.Context, t *taskdomain.Task) error {
	cp := *t
	f.tasks[t.ID] = &cp
	return nil
}

func (f *fakeStore) Get(_ context.Context, id string) (*taskdomain.Task, error) {
	t, ok := f.tasks[id]
	if !ok {
		return nil, xerrors.NotFound("task", id)
	}
	cp := *t
	return &cp, nil
}

func (f *fakeStore) Update(_ context.Context, t *taskdomain.Task, expectedVersion int64) error {
	existing, ok := f.tasks[t.ID]
	if !ok {
		return xerrors.NotFound("task", t.ID)
	}
	if existing.Version != expectedVersion {
		return xerrors.OptimisticLockConflict(t.ID, expectedVersion)
	}
	cp := *t
	cp.Version = expectedVersion + 1
	f.tasks[t.ID] = &cp
	t.Version = cp.Version
	return nil
}

func (f *fakeStore) Delete(_ context.Context, id string) error {
	delete(f.tasks, id)
	return nil
}

func (f *fakeStore) List(_ context.Context, filter taskdomain.Filter) ([]*taskdomain.Task, error) {
	var out []*taskdomain.Task
	for _, t := range f.tasks {
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, t.Status) {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func containsStatus(statuses []taskdomain.Status, s taskdomain.Status) bool {
	for _, want := range statuses {
		if want == s {
			return true
		}
	}
	return false
}

func (f *fakeStore) GetByIdempotencyKey(_ context.Context, key string) (*taskdomain.Task, error) {
	for _, t := range f.tasks {
		if t.IdempotencyKey == key {
			cp := *t
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) Dependents(_ context.Context, id string) ([]*taskdomain.Task, error) {
	var out []*taskdomain.Task
	for _, t := range f.tasks {
		for _, dep := range t.DependsOn {
			if dep == id {
				cp := *t
				out = append(out, &cp)
				break
			}
		}
	}
	return out, nil
}

func (f *fakeStore) Dependencies(_ context.Context, id string) ([]*taskdomain.Task, error) {
	t, ok := f.tasks[id]
	if !ok {
		return nil, xerrors.NotFound("task", id)
	}
	var out []*taskdomain.Task
	for _, depID := range t.DependsOn {
		if dep, ok := f.tasks[depID]; ok {
			cp := *dep
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStore) Ready(_ context.Context, limit int) ([]*taskdomain.Task, error) {
	var out []*taskdomain.Task
	for _, t := range f.tasks {
		if t.Status == taskdomain.StatusReady {
			cp := *t
			out = append(out, &cp)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) DescendantCount(_ context.Context, rootID string) (int, error) {
	count := 0
	var walk func(string)
	walk = func(parent string) {
		for _, t := range f.tasks {
			if t.ParentID == parent {
				count++
				walk(t.ID)
			}
		}
	}
	walk(rootID)
	return count, nil
}

func (f *fakeStore) AncestorDepth(_ context.Context, id string) (int, error) {
	depth := 0
	current := id
	for {
		t, ok := f.tasks[current]
		if !ok || t.ParentID == "" {
			return depth, nil
		}
		depth++
		current = t.ParentID
	}
}

func (f *fakeStore) DirectChildCount(_ context.Context, id string) (int, error) {
	count := 0
	for _, t := range f.tasks {
		if t.ParentID == id {
			count++
		}
	}
	return count, nil
}

func (f *fakeStore) CountByStatus(_ context.Context) (map[taskdomain.Status]int, error) {
	out := make(map[taskdomain.Status]int)
	for _, t := range f.tasks {
		out[t.Status]++
	}
	return out, nil
}

func newTestService() (*Service, *fakeStore) {
	store := newFakeStore()
	return New(store, nil, SpawnLimitPolicy{}, nil), store
}

// TestDiamondDAG verifies spec §8 scenario 1: A, B(dep A), C(dep A), D(dep B,C).
func TestDiamondDAG(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService()

	a, _, err := svc.Submit(ctx, SubmitRequest{Title: "A", Description: "root"})
	require.NoError(t, err)
	require.Equal(t, taskdomain.StatusReady, a.Status)

	b, _, err := svc.Submit(ctx, SubmitRequest{Title: "B", Description: "needs A", DependsOn: []string{a.ID}})
	require.NoError(t, err)
	require.Equal(t, taskdomain.StatusPending, b.Status)

	c, _, err := svc.Submit(ctx, SubmitRequest{Title: "C", Description: "needs A", DependsOn: []string{a.ID}})
	require.NoError(t, err)
	require.Equal(t, taskdomain.StatusPending, c.Status)

	d, _, err := svc.Submit(ctx, SubmitRequest{Title: "D", Description: "needs B and C", DependsOn: []string{b.ID, c.ID}})
	require.NoError(t, err)
	require.Equal(t, taskdomain.StatusPending, d.Status)

	claimedA, err := svc.Claim(ctx, a.ID, "worker")
	require.NoError(t, err)
	require.Equal(t, taskdomain.StatusRunning, claimedA.Status)

	_, err = svc.Complete(ctx, a.ID)
	require.NoError(t, err)

	b, err = svc.Get(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, taskdomain.StatusReady, b.Status)

	c, err = svc.Get(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, taskdomain.StatusReady, c.Status)

	d, err = svc.Get(ctx, d.ID)
	require.NoError(t, err)
	require.Equal(t, taskdomain.StatusPending, d.Status)

	_, err = svc.Claim(ctx, b.ID, "worker")
	require.NoError(t, err)
	_, err = svc.Complete(ctx, b.ID)
	require.NoError(t, err)

	d, err = svc.Get(ctx, d.ID)
	require.NoError(t, err)
	require.Equal(t, taskdomain.StatusPending, d.Status)

	_, err = svc.Claim(ctx, c.ID, "worker")
	require.NoError(t, err)
	_, err = svc.Complete(ctx, c.ID)
	require.NoError(t, err)

	d, err = svc.Get(ctx, d.ID)
	require.NoError(t, err)
	require.Equal(t, taskdomain.StatusReady, d.Status)
}

// TestUpstreamFailurePropagation verifies spec §8 scenario 2.
func TestUpstreamFailurePropagation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService()

	a, _, err := svc.Submit(ctx, SubmitRequest{Title: "A", Description: "root", MaxRetries: 0})
	require.NoError(t, err)

	b, _, err := svc.Submit(ctx, SubmitRequest{Title: "B", Description: "needs A", DependsOn: []string{a.ID}})
	require.NoError(t, err)
	require.Equal(t, taskdomain.StatusPending, b.Status)

	_, err = svc.Claim(ctx, a.ID, "worker")
	require.NoError(t, err)
	_, err = svc.Fail(ctx, a.ID, "boom")
	require.NoError(t, err)

	b, err = svc.Get(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, taskdomain.StatusBlocked, b.Status)

	_, err = svc.Retry(ctx, a.ID)
	require.Error(t, err)
	require.Equal(t, xerrors.KindInvalidStateTransition, xerrors.GetKind(err))

	canceled, err := svc.Cancel(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, taskdomain.StatusCanceled, canceled.Status)
}

// TestIdempotentSubmission verifies spec §8 scenario 3.
func TestIdempotentSubmission(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService()

	first, _, err := svc.Submit(ctx, SubmitRequest{Title: "X", Description: "d", IdempotencyKey: "k1"})
	require.NoError(t, err)

	second, _, err := svc.Submit(ctx, SubmitRequest{Title: "Y", Description: "d2", IdempotencyKey: "k1"})
	require.NoError(t, err)

	require.Equal(t, first.ID, second.ID)
	require.Equal(t, "X", second.Title)
}

// TestNoConcurrentClaim verifies spec §8 "No concurrent claim".
func TestNoConcurrentClaim(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService()

	a, _, err := svc.Submit(ctx, SubmitRequest{Title: "A", Description: "d"})
	require.NoError(t, err)

	_, err1 := svc.Claim(ctx, a.ID, "worker-1")
	_, err2 := svc.Claim(ctx, a.ID, "worker-2")

	require.NoError(t, err1)
	require.Error(t, err2)
	require.Equal(t, xerrors.KindInvalidStateTransition, xerrors.GetKind(err2))
}

// TestSpawnLimitDirectChildren verifies a spawn limit returns a structured
// result instead of an error.
func TestSpawnLimitDirectChildren(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	svc := New(store, nil, SpawnLimitPolicy{MaxDirectChildren: 1, AllowEscalation: true}, nil)

	parent, _, err := svc.Submit(ctx, SubmitRequest{Title: "parent", Description: "d"})
	require.NoError(t, err)

	_, limit, err := svc.Submit(ctx, SubmitRequest{Title: "child1", Description: "d", ParentID: parent.ID})
	require.NoError(t, err)
	require.Nil(t, limit)

	child2, limit, err := svc.Submit(ctx, SubmitRequest{Title: "child2", Description: "d", ParentID: parent.ID})
	require.NoError(t, err)
	require.Nil(t, child2)
	require.NotNil(t, limit)
	require.Equal(t, SpawnLimitDirectChildren, limit.LimitHit)
	require.True(t, limit.EscalationAllowed)
}
