// Package scheduler selects the next task for a requesting agent. Selection
// runs a stack of iterators over the project's ready set (feasibility, then
// ranking, then deterministic max-score) and claims the winner through the
// state database, falling to the next candidate on claim conflicts.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/marcushq/marcus/kanban"
	"github.com/marcushq/marcus/marcus/state"
	"github.com/marcushq/marcus/marcus/store"
	"github.com/marcushq/marcus/marcus/structs"
)

const (
	// maxScheduleAttempts caps how many claim conflicts a single request
	// rides out before giving up. Conflicts are rare; a run of them means
	// the ready set is being drained faster than we can claim.
	maxScheduleAttempts = 5

	// MirrorRetryAfter is how long an agent should wait before retrying
	// when the board could not mirror an assignment.
	MirrorRetryAfter = 30 * time.Second
)

// TaskScheduler selects and claims tasks for agents.
type TaskScheduler struct {
	logger hclog.Logger
	state  *state.StateStore
	store  store.StateDB
	stack  *TaskStack

	// now is pluggable for tests.
	now func() time.Time
}

// NewTaskScheduler constructs a scheduler over the given state and store.
func NewTaskScheduler(logger hclog.Logger, taskState *state.StateStore, db store.StateDB) *TaskScheduler {
	logger = logger.Named("scheduler")
	return &TaskScheduler{
		logger: logger,
		state:  taskState,
		store:  db,
		stack:  NewTaskStack(NewContext(taskState, logger)),
		now:    time.Now,
	}
}

// Schedule picks the best eligible task for the agent, claims it, and
// mirrors the assignment to the board. A nil task with a nil error means
// nothing is eligible right now. A board mirror failure rolls the claim
// back and returns an error carrying the KANBAN_UNAVAILABLE code; the agent
// should retry after MirrorRetryAfter.
func (s *TaskScheduler) Schedule(ctx context.Context, board kanban.Provider, projectID string, agent *structs.Agent) (*structs.Task, *structs.Lease, error) {
	defer metrics.MeasureSince([]string{"marcus", "scheduler", "schedule"}, time.Now())

	// An agent at capacity gets a no-task answer up front; selecting and
	// claiming would only conflict in the store.
	if _, atCapacity := s.CapacityWait(agent); atCapacity {
		return nil, nil, nil
	}

	s.stack.SetAgent(agent)

	for attempt := 0; attempt < maxScheduleAttempts; attempt++ {
		ranked := s.stack.Select(projectID)
		if ranked == nil {
			return nil, nil, nil
		}
		task := ranked.Task

		lease, err := s.store.TryClaim(projectID, task.ID, agent.ID,
			agent.Capacity, task.LeaseDuration(), s.now().UTC())
		if errors.Is(err, structs.ErrLeaseConflict) {
			// Someone beat us to this task. Mark it taken locally so the
			// next pass selects a different candidate.
			metrics.IncrCounter([]string{"marcus", "scheduler", "claim_conflict"}, 1)
			s.logger.Debug("claim conflict, reselecting",
				"task_id", task.ID, "agent_id", agent.ID, "attempt", attempt)
			if err := s.markTaken(projectID, task.ID); err != nil {
				return nil, nil, err
			}
			continue
		}
		if err != nil {
			return nil, nil, err
		}

		if err := s.mirror(ctx, board, lease, task, agent); err != nil {
			return nil, nil, err
		}

		s.logger.Info("task assigned", "task_id", task.ID, "agent_id", agent.ID,
			"score", ranked.Score, "lease_expires", lease.ExpiresAt)
		return task, lease, nil
	}

	s.logger.Warn("giving up after repeated claim conflicts",
		"project_id", projectID, "agent_id", agent.ID, "attempts", maxScheduleAttempts)
	return nil, nil, structs.NewCodedError(structs.ErrCodeTaskLeaseConflict,
		"could not claim a task after %d attempts", maxScheduleAttempts)
}

// CapacityWait reports whether the agent already holds capacity live
// leases across all projects, and if so how long until the soonest of them
// expires. That wait is the retry hint for a no-task answer.
func (s *TaskScheduler) CapacityWait(agent *structs.Agent) (time.Duration, bool) {
	projects, err := s.store.ListProjects()
	if err != nil {
		return 0, false
	}

	now := s.now().UTC()
	live := 0
	var soonest time.Time
	for _, project := range projects {
		leases, err := s.store.ListLeases(project.ID)
		if err != nil {
			continue
		}
		for _, lease := range leases {
			if lease.AgentID != agent.ID || lease.Expired(now) {
				continue
			}
			live++
			if soonest.IsZero() || lease.ExpiresAt.Before(soonest) {
				soonest = lease.ExpiresAt
			}
		}
	}
	if agent.Capacity <= 0 || live < agent.Capacity {
		return 0, false
	}
	wait := soonest.Sub(now)
	if wait < 0 {
		wait = 0
	}
	return wait, true
}

// mirror pushes the assignment to the board and the local state, rolling
// the claim back if the board will not take it.
func (s *TaskScheduler) mirror(ctx context.Context, board kanban.Provider, lease *structs.Lease, task *structs.Task, agent *structs.Agent) error {
	projectID := lease.ProjectID

	err := board.AssignTask(ctx, projectID, task.ID, agent.ID)
	if err == nil {
		err = board.UpdateStatus(ctx, projectID, task.ID, structs.TaskStatusInProgress)
	}
	if err != nil {
		if rerr := s.store.Release(projectID, task.ID, structs.ReleaseReasonExpired); rerr != nil {
			s.logger.Error("claim rollback failed", "task_id", task.ID, "error", rerr)
		}
		return structs.NewCodedError(structs.ErrCodeKanbanUnavailable,
			"board rejected assignment of %q: %v", task.ID, err)
	}

	now := s.now().UTC()
	updated := task.Copy()
	updated.Status = structs.TaskStatusInProgress
	updated.Assignee = agent.ID
	updated.StartedAt = &now
	updated.UpdatedAt = now
	if err := s.state.UpsertTask(lease.Generation, updated); err != nil {
		return fmt.Errorf("state update failed: %w", err)
	}
	*task = *updated
	return nil
}

// markTaken flips a task to assigned in local state only, so selection
// skips it. The true assignee arrives with the next board sync.
func (s *TaskScheduler) markTaken(projectID, taskID string) error {
	task, err := s.state.TaskByID(projectID, taskID)
	if err != nil {
		return err
	}
	task.Status = structs.TaskStatusInProgress
	task.Assignee = "(unknown)"
	index, err := s.state.LatestIndex()
	if err != nil {
		return err
	}
	return s.state.UpsertTask(index+1, task)
}
