package dagexecutor

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odgrim/abathur-swarm-sub004/internal/app/events"
	"github.com/odgrim/abathur-swarm-sub004/internal/domain/taskdomain"
	"github.com/odgrim/abathur-swarm-sub004/internal/xerrors"
)

func task(id string, deps ...string) *taskdomain.Task {
	return &taskdomain.Task{ID: id, Title: id, DependsOn: deps, Status: taskdomain.StatusReady}
}

// eventRecorder is a thread-safe events.Publisher that keeps every event it
// receives, for asserting on ordering after a Run completes.
type eventRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *eventRecorder) Publish(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) kinds() []events.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Kind, len(r.events))
	for i, e := range r.events {
		out[i] = e.Kind
	}
	return out
}

// TestComputeWavesDiamond verifies spec §8 scenario 6's wave assignment for
// a diamond-shaped DAG.
func TestComputeWavesDiamond(t *testing.T) {
	a, b, c, d := task("a"), task("b", "a"), task("c", "a"), task("d", "b", "c")
	waves, err := ComputeWaves([]*taskdomain.Task{d, c, b, a})
	require.NoError(t, err)
	require.Equal(t, [][]string{{"a"}, {"b", "c"}, {"d"}}, waves)
}

// TestComputeWavesCycle verifies that an unschedulable set returns a
// DependencyCycle error naming the stuck ids.
func TestComputeWavesCycle(t *testing.T) {
	a := task("a", "b")
	b := task("b", "a")
	_, err := ComputeWaves([]*taskdomain.Task{a, b})
	require.Error(t, err)
	require.Equal(t, xerrors.KindDependencyCycle, xerrors.GetKind(err))
}

// TestRunAllSucceed verifies a clean multi-wave run reports StatusCompleted
// with a full success rate and the expected event sequence.
func TestRunAllSucceed(t *testing.T) {
	a, b, c, d := task("a"), task("b", "a"), task("c", "a"), task("d", "b", "c")
	rec := &eventRecorder{}
	exec := New(2, false, func(_ context.Context, _ *taskdomain.Task) error { return nil }, rec, nil)

	res, err := exec.Run(context.Background(), []*taskdomain.Task{a, b, c, d})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, res.Status)
	require.Equal(t, 1.0, res.SuccessRate)
	require.Len(t, res.Completed, 4)
	require.Empty(t, res.Failed)
	require.False(t, res.Aborted)

	kinds := rec.kinds()
	require.Equal(t, events.KindStarted, kinds[0])
	require.Equal(t, events.KindCompleted, kinds[len(kinds)-1])
}

// TestRunFailFastAbortsRemainingWaves verifies that a failure in an early
// wave stops subsequent waves from dispatching when failFast is set.
func TestRunFailFastAbortsRemainingWaves(t *testing.T) {
	a, b := task("a"), task("b", "a")
	dispatched := make(map[string]bool)
	var mu sync.Mutex
	exec := New(1, true, func(_ context.Context, tsk *taskdomain.Task) error {
		mu.Lock()
		dispatched[tsk.ID] = true
		mu.Unlock()
		if tsk.ID == "a" {
			return errors.New("boom")
		}
		return nil
	}, nil, nil)

	res, err := exec.Run(context.Background(), []*taskdomain.Task{a, b})
	require.NoError(t, err)
	require.True(t, res.Aborted)
	require.Equal(t, StatusFailed, res.Status)
	require.False(t, dispatched["b"])
}

// TestRunPartialSuccess verifies a mixed wave produces partial_success.
func TestRunPartialSuccess(t *testing.T) {
	a, b := task("a"), task("b")
	exec := New(2, false, func(_ context.Context, tsk *taskdomain.Task) error {
		if tsk.ID == "b" {
			return errors.New("boom")
		}
		return nil
	}, nil, nil)

	res, err := exec.Run(context.Background(), []*taskdomain.Task{a, b})
	require.NoError(t, err)
	require.Equal(t, StatusPartialSuccess, res.Status)
	require.Equal(t, 0.5, res.SuccessRate)
	require.Equal(t, "boom", res.Failed["b"])
}
