package swarmorchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/odgrim/abathur-swarm-sub004/internal/app/events"
	"github.com/odgrim/abathur-swarm-sub004/internal/app/taskservice"
	"github.com/odgrim/abathur-swarm-sub004/internal/domain/goaldomain"
	"github.com/odgrim/abathur-swarm-sub004/internal/domain/substrate"
	"github.com/odgrim/abathur-swarm-sub004/internal/domain/taskdomain"
	"github.com/odgrim/abathur-swarm-sub004/internal/infra/llm"
	"github.com/odgrim/abathur-swarm-sub004/internal/xerrors"
)

// fakeTaskStore is a minimal in-memory taskdomain.Store, good enough to
// drive the control loop end to end without a real database.
type fakeTaskStore struct {
	mu    sync.Mutex
	tasks map[string]*taskdomain.Task
	deps  map[string][]string // task_id -> depends_on_id
}

func newFakeTaskStore() *fakeTaskStore {
	return &fakeTaskStore{tasks: make(map[string]*taskdomain.Task), deps: make(map[string][]string)}
}

func (f *fakeTaskStore) Create(_ context.Context, t *taskdomain.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *t
	f.tasks[t.ID] = &cp
	f.deps[t.ID] = append([]string(nil), t.DependsOn...)
	return nil
}

func (f *fakeTaskStore) Get(_ context.Context, id string) (*taskdomain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return nil, xerrors.NotFound("task", id)
	}
	cp := *t
	cp.DependsOn = append([]string(nil), f.deps[id]...)
	return &cp, nil
}

func (f *fakeTaskStore) Update(_ context.Context, t *taskdomain.Task, expectedVersion int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
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

func (f *fakeTaskStore) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tasks, id)
	delete(f.deps, id)
	return nil
}

func (f *fakeTaskStore) List(_ context.Context, filter taskdomain.Filter) ([]*taskdomain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*taskdomain.Task
	for _, t := range f.tasks {
		if len(filter.Statuses) > 0 && !statusIn(filter.Statuses, t.Status) {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func statusIn(statuses []taskdomain.Status, s taskdomain.Status) bool {
	for _, want := range statuses {
		if want == s {
			return true
		}
	}
	return false
}

func (f *fakeTaskStore) GetByIdempotencyKey(_ context.Context, key string) (*taskdomain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.tasks {
		if t.IdempotencyKey == key {
			cp := *t
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeTaskStore) Dependents(_ context.Context, id string) ([]*taskdomain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*taskdomain.Task
	for tid, deps := range f.deps {
		for _, d := range deps {
			if d == id {
				cp := *f.tasks[tid]
				out = append(out, &cp)
			}
		}
	}
	return out, nil
}

func (f *fakeTaskStore) Dependencies(_ context.Context, id string) ([]*taskdomain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*taskdomain.Task
	for _, d := range f.deps[id] {
		if t, ok := f.tasks[d]; ok {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeTaskStore) Ready(_ context.Context, limit int) ([]*taskdomain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
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

func (f *fakeTaskStore) DescendantCount(_ context.Context, rootID string) (int, error) { return 0, nil }
func (f *fakeTaskStore) AncestorDepth(_ context.Context, id string) (int, error)        { return 0, nil }
func (f *fakeTaskStore) DirectChildCount(_ context.Context, id string) (int, error)     { return 0, nil }

func (f *fakeTaskStore) CountByStatus(_ context.Context) (map[taskdomain.Status]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := make(map[taskdomain.Status]int)
	for _, t := range f.tasks {
		counts[t.Status]++
	}
	return counts, nil
}

var _ taskdomain.Store = (*fakeTaskStore)(nil)

// fakeGoalStore satisfies goaldomain.Store with no goals registered; the
// orchestrator tolerates an empty goal store fine (spec §4.3 "Goals are
// passive").
type fakeGoalStore struct{}

func (fakeGoalStore) Create(context.Context, *goaldomain.Goal) error { return nil }
func (fakeGoalStore) Get(_ context.Context, id string) (*goaldomain.Goal, error) {
	return nil, xerrors.NotFound("goal", id)
}
func (fakeGoalStore) Update(context.Context, *goaldomain.Goal) error { return nil }
func (fakeGoalStore) Delete(context.Context, string) error           { return nil }
func (fakeGoalStore) List(context.Context, goaldomain.Filter) ([]*goaldomain.Goal, error) {
	return nil, nil
}
func (fakeGoalStore) MatchByDomain(context.Context, []string) ([]*goaldomain.Goal, error) {
	return nil, nil
}
func (fakeGoalStore) Ancestors(context.Context, string) ([]*goaldomain.Goal, error) { return nil, nil }

var _ goaldomain.Store = (*fakeGoalStore)(nil)

func newTask(title, agentType string, dependsOn ...string) *taskdomain.Task {
	return &taskdomain.Task{
		ID:          uuid.NewString(),
		Title:       title,
		Description: "do " + title,
		Status:      taskdomain.StatusPending,
		Priority:    taskdomain.PriorityNormal,
		AgentType:   agentType,
		MaxRetries:  1,
		DependsOn:   dependsOn,
		SourceType:  taskdomain.SourceHuman,
	}
}

func TestOrchestratorSpawnsReadyTaskAndCompletesIt(t *testing.T) {
	ctx := context.Background()
	store := newFakeTaskStore()
	tasks := taskservice.New(store, fakeGoalStore{}, taskservice.SpawnLimitPolicy{}, nil)

	task := newTask("build the thing", "worker")
	created, limitResult, err := tasks.Submit(ctx, taskservice.SubmitRequest{
		Title:       task.Title,
		Description: task.Description,
		AgentType:   task.AgentType,
		MaxRetries:  1,
		SourceType:  taskdomain.SourceHuman,
	})
	require.NoError(t, err)
	require.Nil(t, limitResult)
	require.Equal(t, taskdomain.StatusReady, created.Status)

	mock := llm.NewMockSubstrate()
	orch := New(DefaultConfig(), Deps{
		Tasks:      tasks,
		Substrates: constSubstrate{mock},
	})
	orch.cfg.UseWorktrees = false
	orch.cfg.PollInterval = 10 * time.Millisecond

	runCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- orch.Run(runCtx) }()

	require.Eventually(t, func() bool {
		got, err := tasks.Get(ctx, created.ID)
		return err == nil && got.Status == taskdomain.StatusComplete
	}, time.Second, 10*time.Millisecond)

	orch.Stop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("orchestrator did not stop in time")
	}
}

func TestOrchestratorFailsTaskOnSubstrateFailureAndPublishesEvent(t *testing.T) {
	ctx := context.Background()
	store := newFakeTaskStore()
	tasks := taskservice.New(store, fakeGoalStore{}, taskservice.SpawnLimitPolicy{}, nil)

	created, _, err := tasks.Submit(ctx, taskservice.SubmitRequest{
		Title:       "will fail",
		Description: "please fail this task",
		MaxRetries:  0,
		SourceType:  taskdomain.SourceHuman,
	})
	require.NoError(t, err)
	require.Equal(t, taskdomain.StatusReady, created.Status)

	var mu sync.Mutex
	var seen []events.Kind
	pub := events.PublisherFunc(func(e events.Event) {
		mu.Lock()
		seen = append(seen, e.Kind)
		mu.Unlock()
	})

	mock := llm.NewMockSubstrate()
	orch := New(DefaultConfig(), Deps{
		Tasks:      tasks,
		Substrates: constSubstrate{mock},
		Publisher:  pub,
	})
	orch.cfg.UseWorktrees = false
	orch.cfg.PollInterval = 10 * time.Millisecond

	runCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- orch.Run(runCtx) }()

	require.Eventually(t, func() bool {
		got, err := tasks.Get(ctx, created.ID)
		return err == nil && got.Status == taskdomain.StatusFailed
	}, time.Second, 10*time.Millisecond)

	orch.Stop()
	<-done

	mu.Lock()
	defer mu.Unlock()
	var gotTaskFailed bool
	for _, k := range seen {
		if k == events.KindTaskFailed {
			gotTaskFailed = true
		}
	}
	require.True(t, gotTaskFailed, "expected a task_failed event, got %v", seen)
}

// constSubstrate adapts a single *llm.MockSubstrate to SubstrateFactory,
// ignoring the requested provider name (tests only ever use the mock).
type constSubstrate struct{ sub *llm.MockSubstrate }

func (c constSubstrate) Get(string) (substrate.Substrate, error) { return c.sub, nil }
