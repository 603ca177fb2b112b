package kanban

import (
	"context"
	"errors"
	"testing"

	"github.com/marcushq/marcus/ci"
	"github.com/marcushq/marcus/marcus/structs"
	"github.com/shoenig/test/must"
)

func TestMemoryProvider_CreateAndList(t *testing.T) {
	ci.Parallel(t)
	ctx := context.Background()
	provider := NewMemoryProvider()

	id1, err := provider.CreateTask(ctx, "p1", &structs.TaskSpec{
		Name:  "Design schema",
		Phase: structs.PhaseDesign,
	})
	must.NoError(t, err)
	id2, err := provider.CreateTask(ctx, "p1", &structs.TaskSpec{
		Name:      "Implement schema",
		Phase:     structs.PhaseImplement,
		DependsOn: []string{id1},
	})
	must.NoError(t, err)

	tasks, err := provider.ListTasks(ctx, "p1")
	must.NoError(t, err)
	must.Len(t, 2, tasks)
	must.Eq(t, id1, tasks[0].ID)
	must.Eq(t, structs.TaskStatusTodo, tasks[0].Status)
	must.Eq(t, []string{id1}, tasks[1].Dependencies)

	// Other projects see an empty board.
	other, err := provider.ListTasks(ctx, "p2")
	must.NoError(t, err)
	must.Len(t, 0, other)

	_ = id2
}

func TestMemoryProvider_AssignConflict(t *testing.T) {
	ci.Parallel(t)
	ctx := context.Background()
	provider := NewMemoryProvider()

	id, err := provider.CreateTask(ctx, "p1", &structs.TaskSpec{Name: "x"})
	must.NoError(t, err)

	must.NoError(t, provider.AssignTask(ctx, "p1", id, "agent-1"))

	// Same agent re-assigning is idempotent.
	must.NoError(t, provider.AssignTask(ctx, "p1", id, "agent-1"))

	// A different agent conflicts.
	err = provider.AssignTask(ctx, "p1", id, "agent-2")
	must.Error(t, err)
	must.True(t, IsConflict(err))
	must.False(t, IsRetryable(err))

	must.NoError(t, provider.UnassignTask(ctx, "p1", id))
	must.NoError(t, provider.AssignTask(ctx, "p1", id, "agent-2"))
}

func TestMemoryProvider_UpdateStatus(t *testing.T) {
	ci.Parallel(t)
	ctx := context.Background()
	provider := NewMemoryProvider()

	id, err := provider.CreateTask(ctx, "p1", &structs.TaskSpec{Name: "x"})
	must.NoError(t, err)

	must.NoError(t, provider.UpdateStatus(ctx, "p1", id, structs.TaskStatusDone))
	// Idempotent.
	must.NoError(t, provider.UpdateStatus(ctx, "p1", id, structs.TaskStatusDone))

	task, err := provider.GetTask(ctx, "p1", id)
	must.NoError(t, err)
	must.Eq(t, structs.TaskStatusDone, task.Status)
	must.NotNil(t, task.CompletedAt)

	err = provider.UpdateStatus(ctx, "p1", id, "bogus")
	must.Error(t, err)
	must.False(t, IsRetryable(err))
}

func TestMemoryProvider_NotFound(t *testing.T) {
	ci.Parallel(t)
	ctx := context.Background()
	provider := NewMemoryProvider()

	_, err := provider.GetTask(ctx, "p1", "missing")
	must.Error(t, err)
	must.False(t, IsRetryable(err))

	var ie *IntegrationError
	must.True(t, errors.As(err, &ie))
	must.Eq(t, 404, ie.StatusCode)
}
