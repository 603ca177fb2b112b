package scheduler

import (
	"time"

	"github.com/marcushq/marcus/helper"
	"github.com/marcushq/marcus/marcus/state"
	"github.com/marcushq/marcus/marcus/store"
	"github.com/marcushq/marcus/marcus/structs"
)

const (
	// retryFraction of the shortest blocker ETA is the base suggestion:
	// polling much earlier than a blocker can finish is wasted traffic.
	retryFraction = 0.6

	retryFloor   = 30 * time.Second
	retryCeiling = 15 * time.Minute
)

// RetryPlanner suggests how long an agent should wait before asking for
// work again after receiving nothing.
type RetryPlanner struct {
	state *state.StateStore
	store store.StateDB

	now func() time.Time
}

// NewRetryPlanner constructs a planner over the task state and the lease
// store.
func NewRetryPlanner(taskState *state.StateStore, db store.StateDB) *RetryPlanner {
	return &RetryPlanner{
		state: taskState,
		store: db,
		now:   time.Now,
	}
}

// Plan returns the suggested wait. With no in-progress work there is
// nothing to finish soon, so the suggestion is the ceiling. Otherwise it is
// retryFraction of the shortest ETA among in-progress tasks, halved when
// that blocker would unlock two or more tasks, bounded to
// [retryFloor, retryCeiling].
func (p *RetryPlanner) Plan(projectID string) time.Duration {
	blockers, err := p.state.TasksByStatus(projectID, structs.TaskStatusInProgress)
	if err != nil || len(blockers) == 0 {
		return retryCeiling
	}

	now := p.now().UTC()
	var shortest *structs.Task
	var shortestETA time.Duration
	for _, blocker := range blockers {
		eta := p.blockerETA(projectID, blocker, now)
		if shortest == nil || eta < shortestETA {
			shortest = blocker
			shortestETA = eta
		}
	}

	suggestion := time.Duration(retryFraction * float64(shortestETA))
	if graph := p.state.Graph(projectID); graph != nil {
		if len(graph.UnlockedBy(shortest.ID)) >= 2 {
			suggestion /= 2
		}
	}
	return helper.Bound(suggestion, retryFloor, retryCeiling)
}

// blockerETA estimates when an in-progress blocker finishes: the remaining
// lease time when a live lease exists, floored by half the task's estimate
// so a lease about to lapse never promises an instant unlock. A missing
// estimate counts as one hour.
func (p *RetryPlanner) blockerETA(projectID string, task *structs.Task, now time.Time) time.Duration {
	estimated := time.Duration(task.EstimatedHours * float64(time.Hour))
	if estimated <= 0 {
		estimated = time.Hour
	}
	eta := estimated / 2

	if lease, err := p.store.GetLease(projectID, task.ID); err == nil {
		if remaining := lease.ExpiresAt.Sub(now); remaining > eta {
			eta = remaining
		}
	}
	return eta
}
