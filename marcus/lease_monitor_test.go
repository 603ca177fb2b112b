package marcus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/marcushq/marcus/ci"
	"github.com/marcushq/marcus/marcus/store"
	"github.com/marcushq/marcus/marcus/structs"
)

func TestLeaseMonitor_ReclaimsExpired(t *testing.T) {
	ci.Parallel(t)
	srv := testServer(t)
	taskID, task := assignOne(t, srv, "s1", "a1")

	// Jump past the lease expiry and run one pass.
	srv.leaseMonitor.now = func() time.Time {
		return time.Now().Add(task.LeaseDuration() + time.Minute)
	}
	srv.leaseMonitor.reap()

	_, err := srv.store.GetLease("p1", taskID)
	must.True(t, errors.Is(err, store.ErrNotFound))

	project, err := srv.store.GetProject("p1")
	must.NoError(t, err)
	board, err := srv.boardFor(project)
	must.NoError(t, err)
	mirrored, err := board.GetTask(context.Background(), "p1", taskID)
	must.NoError(t, err)
	must.Eq(t, structs.TaskStatusTodo, mirrored.Status)
	must.Eq(t, "", mirrored.Assignee)

	local, err := srv.state.TaskByID("p1", taskID)
	must.NoError(t, err)
	must.Eq(t, structs.TaskStatusTodo, local.Status)
	must.Eq(t, "", local.Assignee)

	events := srv.events.Recent("p1", 5)
	must.Eq(t, structs.EventTaskReclaimed, events[0].Type)
	must.Eq(t, "lease expired", events[0].Details)
}

func TestLeaseMonitor_ReclaimsSilentAgent(t *testing.T) {
	ci.Parallel(t)
	srv := testServer(t)
	taskID, task := assignOne(t, srv, "s1", "a1")

	// The lease is live, but the agent has not called a tool for far
	// longer than twice the average lease duration.
	agent, err := srv.store.GetAgent("a1")
	must.NoError(t, err)
	agent.LastSeenAt = time.Now().Add(-2*task.LeaseDuration() - time.Hour)
	must.NoError(t, srv.store.PutAgent(agent))

	srv.leaseMonitor.reap()

	_, err = srv.store.GetLease("p1", taskID)
	must.True(t, errors.Is(err, store.ErrNotFound))

	events := srv.events.Recent("p1", 5)
	must.Eq(t, structs.EventTaskReclaimed, events[0].Type)
	must.Eq(t, "agent silent", events[0].Details)
}

func TestLeaseMonitor_LeavesLiveLeasesAlone(t *testing.T) {
	ci.Parallel(t)
	srv := testServer(t)
	taskID, _ := assignOne(t, srv, "s1", "a1")

	srv.leaseMonitor.reap()

	lease, err := srv.store.GetLease("p1", taskID)
	must.NoError(t, err)
	must.Eq(t, "a1", lease.AgentID)
}

func TestLeaseMonitor_ReclaimsUnknownHolder(t *testing.T) {
	ci.Parallel(t)
	srv := testServer(t)
	board := addMemoryProject(t, srv, "s1", "p1")

	taskID := seedTask(t, board, "p1", &structs.TaskSpec{
		Name: "Implement login", Phase: structs.PhaseImplement,
		Priority: structs.PriorityMedium, EstimatedHours: 2,
	})
	project, err := srv.store.GetProject("p1")
	must.NoError(t, err)
	must.NoError(t, srv.syncProject(context.Background(), project))

	// A lease whose holder was never registered can never be renewed.
	_, err = srv.store.TryClaim("p1", taskID, "ghost", 1, 4*time.Hour, time.Now())
	must.NoError(t, err)

	srv.leaseMonitor.reap()

	_, err = srv.store.GetLease("p1", taskID)
	must.True(t, errors.Is(err, store.ErrNotFound))
}
