package kanban

import (
	"context"
	"testing"

	"github.com/marcushq/marcus/ci"
	"github.com/marcushq/marcus/helper/testlog"
	"github.com/marcushq/marcus/marcus/structs"
	"github.com/shoenig/test/must"
)

func TestReliable_RetriesTransientFailure(t *testing.T) {
	ci.Parallel(t)
	ctx := context.Background()

	inner := NewMemoryProvider()
	provider := NewReliable(inner, testlog.HCLogger(t))

	id, err := provider.CreateTask(ctx, "p1", &structs.TaskSpec{Name: "x"})
	must.NoError(t, err)

	// A single 503 is absorbed by the retry policy.
	inner.FailNext("update_status", 503)
	must.NoError(t, provider.UpdateStatus(ctx, "p1", id, structs.TaskStatusInProgress))

	task, err := provider.GetTask(ctx, "p1", id)
	must.NoError(t, err)
	must.Eq(t, structs.TaskStatusInProgress, task.Status)
}

func TestReliable_NoRetryOnConflict(t *testing.T) {
	ci.Parallel(t)
	ctx := context.Background()

	inner := NewMemoryProvider()
	provider := NewReliable(inner, testlog.HCLogger(t))

	id, err := provider.CreateTask(ctx, "p1", &structs.TaskSpec{Name: "x"})
	must.NoError(t, err)
	must.NoError(t, provider.AssignTask(ctx, "p1", id, "agent-1"))

	// The conflict surfaces on the first attempt; had it been retried the
	// injected failure would have been consumed and the second attempt
	// would succeed, masking the conflict.
	inner.FailNext("assign_task", 409)
	err = provider.AssignTask(ctx, "p1", id, "agent-2")
	must.Error(t, err)
	must.True(t, IsConflict(err))
}

func TestReliable_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	ci.Parallel(t)
	ctx := context.Background()

	inner := NewMemoryProvider()
	provider := NewReliable(inner, testlog.HCLogger(t))

	id, err := provider.CreateTask(ctx, "p1", &structs.TaskSpec{Name: "x"})
	must.NoError(t, err)

	// Conflicts are not retried, so each call is one breaker failure.
	must.NoError(t, provider.AssignTask(ctx, "p1", id, "owner"))
	for i := 0; i < breakerConsecutiveFailures; i++ {
		err = provider.AssignTask(ctx, "p1", id, "loser")
		must.Error(t, err)
	}

	// The circuit is now open: calls fail fast as unavailable.
	err = provider.UnassignTask(ctx, "p1", id)
	must.Error(t, err)
	must.True(t, IsUnavailable(err))
}

func TestReliable_ListCacheInvalidatedOnWrite(t *testing.T) {
	ci.Parallel(t)
	ctx := context.Background()

	inner := NewMemoryProvider()
	provider := NewReliable(inner, testlog.HCLogger(t))

	_, err := provider.CreateTask(ctx, "p1", &structs.TaskSpec{Name: "a"})
	must.NoError(t, err)

	tasks, err := provider.ListTasks(ctx, "p1")
	must.NoError(t, err)
	must.Len(t, 1, tasks)

	// CreateTask invalidates the cached list, so the new task is visible
	// immediately.
	_, err = provider.CreateTask(ctx, "p1", &structs.TaskSpec{Name: "b"})
	must.NoError(t, err)
	tasks, err = provider.ListTasks(ctx, "p1")
	must.NoError(t, err)
	must.Len(t, 2, tasks)
}
