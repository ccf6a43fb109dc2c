// Package dagexecutor implements C8: wave-based parallel execution of a task
// DAG with a per-wave concurrency cap and an optional fail-fast abort (spec
// §4.4). Waves are Kahn topological levels computed once up front; the task
// store remains the source of truth, the emitted events only feed
// dashboards.
package dagexecutor

import (
	"context"
	"sort"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/odgrim/abathur-swarm-sub004/internal/app/events"
	"github.com/odgrim/abathur-swarm-sub004/internal/domain/taskdomain"
	"github.com/odgrim/abathur-swarm-sub004/internal/logging"
	"github.com/odgrim/abathur-swarm-sub004/internal/xerrors"
)

// FinalStatus summarizes an executor run.
type FinalStatus string

const (
	StatusCompleted      FinalStatus = "completed"
	StatusPartialSuccess FinalStatus = "partial_success"
	StatusFailed         FinalStatus = "failed"
)

// Dispatcher runs a single claimed task to completion or failure, returning
// the error (if any) that should mark it failed. Implementations wrap a
// substrate invocation plus the task-service Complete/Fail calls (spec §4.4
// step 3).
type Dispatcher func(ctx context.Context, t *taskdomain.Task) error

// Result is the outcome of one Run.
type Result struct {
	Waves       [][]string
	Completed   []string
	Failed      map[string]string
	// Skipped holds task ids belonging to waves never reached because the
	// run aborted (fail-fast or context cancellation) in an earlier wave.
	// These count against the final status the same way failures do (spec
	// §4.4: "PartialSuccess (some completed and some failed/skipped)").
	Skipped     []string
	SuccessRate float64
	Status      FinalStatus
	Aborted     bool
}

// Executor computes and runs waves over a fixed task set (spec §4.4).
type Executor struct {
	maxConcurrency int
	failFast       bool
	dispatch       Dispatcher
	pub            events.Publisher
	logger         logging.Logger
}

// New builds an Executor. maxConcurrency <= 0 is treated as 1.
func New(maxConcurrency int, failFast bool, dispatch Dispatcher, pub events.Publisher, logger logging.Logger) *Executor {
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	return &Executor{
		maxConcurrency: maxConcurrency,
		failFast:       failFast,
		dispatch:       dispatch,
		pub:            events.OrNop(pub),
		logger:         logging.OrNop(logger),
	}
}

// ComputeWaves derives Kahn topological levels from tasks' DependsOn edges,
// restricted to the ids present in tasks (spec §4.4 step 1/2). Returns
// xerrors DependencyCycle if any task remains unscheduled.
func ComputeWaves(tasks []*taskdomain.Task) ([][]string, error) {
	byID := make(map[string]*taskdomain.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	indegree := make(map[string]int, len(tasks))
	dependents := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		deg := 0
		for _, dep := range t.DependsOn {
			if _, ok := byID[dep]; !ok {
				continue
			}
			deg++
			dependents[dep] = append(dependents[dep], t.ID)
		}
		indegree[t.ID] = deg
	}

	var waves [][]string
	remaining := len(tasks)
	frontier := make([]string, 0)
	for id, deg := range indegree {
		if deg == 0 {
			frontier = append(frontier, id)
		}
	}
	sort.Strings(frontier)

	for len(frontier) > 0 {
		wave := append([]string(nil), frontier...)
		waves = append(waves, wave)
		remaining -= len(wave)

		next := make([]string, 0)
		for _, id := range wave {
			for _, dep := range dependents[id] {
				indegree[dep]--
				if indegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		sort.Strings(next)
		frontier = next
	}

	if remaining != 0 {
		stuck := make([]string, 0, remaining)
		for id, deg := range indegree {
			if deg > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return nil, xerrors.DependencyCycle(stuck)
	}
	return waves, nil
}

// Run validates acyclicity, computes waves, and executes them strictly in
// order, dispatching tasks within a wave under a semaphore of size
// maxConcurrency (spec §4.4 steps 1-6).
func (e *Executor) Run(ctx context.Context, tasks []*taskdomain.Task) (*Result, error) {
	waves, err := ComputeWaves(tasks)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*taskdomain.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	res := &Result{Waves: waves, Failed: make(map[string]string)}
	e.pub.Publish(events.Event{Kind: events.KindStarted})

	lastWave := -1
	for i, wave := range waves {
		lastWave = i
		waveNum := i + 1
		e.pub.Publish(events.Event{Kind: events.KindWaveStarted, Wave: waveNum, WaveSize: len(wave)})
		start := time.Now()

		succeeded, failed := e.runWave(ctx, wave, byID, res)

		e.pub.Publish(events.Event{
			Kind: events.KindWaveCompleted, Wave: waveNum,
			WaveSucceeded: succeeded, WaveFailed: failed,
			Duration: time.Since(start),
		})

		if e.failFast && failed > 0 {
			res.Aborted = true
			break
		}
		if ctx.Err() != nil {
			res.Aborted = true
			break
		}
	}

	if res.Aborted {
		for _, wave := range waves[lastWave+1:] {
			res.Skipped = append(res.Skipped, wave...)
		}
	}

	if len(tasks) > 0 {
		res.SuccessRate = float64(len(res.Completed)) / float64(len(tasks))
	}
	switch {
	case len(res.Failed) == 0 && len(res.Skipped) == 0 && len(tasks) > 0:
		res.Status = StatusCompleted
	case len(res.Completed) > 0:
		res.Status = StatusPartialSuccess
	default:
		res.Status = StatusFailed
	}

	e.pub.Publish(events.Event{Kind: events.KindCompleted, Stats: map[string]int{
		"completed": len(res.Completed), "failed": len(res.Failed), "skipped": len(res.Skipped),
	}})
	return res, nil
}

func (e *Executor) runWave(ctx context.Context, wave []string, byID map[string]*taskdomain.Task, res *Result) (succeeded, failed int) {
	sem := semaphore.NewWeighted(int64(e.maxConcurrency))
	type outcome struct {
		id  string
		err error
	}
	outcomes := make(chan outcome, len(wave))

	for _, id := range wave {
		t := byID[id]
		if err := sem.Acquire(ctx, 1); err != nil {
			outcomes <- outcome{id: id, err: err}
			continue
		}
		go func(t *taskdomain.Task) {
			defer sem.Release(1)
			e.pub.Publish(events.Event{Kind: events.KindTaskStarted, TaskID: t.ID})
			start := time.Now()
			err := e.dispatch(ctx, t)
			if err != nil {
				e.pub.Publish(events.Event{Kind: events.KindTaskFailed, TaskID: t.ID, Error: err.Error(),
					Duration: time.Since(start)})
			} else {
				e.pub.Publish(events.Event{Kind: events.KindTaskCompleted, TaskID: t.ID,
					Duration: time.Since(start)})
			}
			outcomes <- outcome{id: t.ID, err: err}
		}(t)
	}

	for range wave {
		o := <-outcomes
		if o.err != nil {
			res.Failed[o.id] = o.err.Error()
			failed++
		} else {
			res.Completed = append(res.Completed, o.id)
			succeeded++
		}
	}
	return succeeded, failed
}
