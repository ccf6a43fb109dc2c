package taskservice

import "github.com/odgrim/abathur-swarm-sub004/internal/domain/taskdomain"

// computeReadiness derives the status a task should have given its
// dependencies' current statuses and its own current status (spec §4.3).
//
// `blocked` is absorbing relative to a failed/canceled dependency: once
// blocked, a task is promoted back to `ready` only when every dependency
// reaches `complete` — an intermediate state (some deps complete, none
// failed) does not un-block it to `pending` (spec §4.3 "blocked is an
// absorbing state").
func computeReadiness(current taskdomain.Status, deps []*taskdomain.Task) taskdomain.Status {
	if len(deps) == 0 {
		return taskdomain.StatusReady
	}

	allComplete := true
	anyFailedOrCanceled := false
	for _, d := range deps {
		if d.Status == taskdomain.StatusFailed || d.Status == taskdomain.StatusCanceled {
			anyFailedOrCanceled = true
		}
		if d.Status != taskdomain.StatusComplete {
			allComplete = false
		}
	}

	if allComplete {
		return taskdomain.StatusReady
	}
	if current == taskdomain.StatusBlocked {
		return taskdomain.StatusBlocked
	}
	if anyFailedOrCanceled {
		return taskdomain.StatusBlocked
	}
	return taskdomain.StatusPending
}

// retryReadiness computes the post-retry status: ready if every dependency
// is complete (or there are none), blocked otherwise (spec §4.3 "Retry ...
// transitions to ready (or blocked if deps are no longer met)").
func retryReadiness(deps []*taskdomain.Task) taskdomain.Status {
	for _, d := range deps {
		if d.Status != taskdomain.StatusComplete {
			return taskdomain.StatusBlocked
		}
	}
	return taskdomain.StatusReady
}
