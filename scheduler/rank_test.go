package scheduler

import (
	"testing"
	"time"

	"github.com/marcushq/marcus/ci"
	"github.com/marcushq/marcus/helper/testlog"
	"github.com/marcushq/marcus/marcus/state"
	"github.com/marcushq/marcus/marcus/structs"
	"github.com/shoenig/test/must"
)

func testContext(t *testing.T) (Context, *state.StateStore) {
	logger := testlog.HCLogger(t)
	taskState, err := state.NewStateStore(logger)
	must.NoError(t, err)
	return NewContext(taskState, logger), taskState
}

func mkTask(id, name, phase, status string, deps ...string) *structs.Task {
	return &structs.Task{
		ID:           id,
		ProjectID:    "p1",
		Name:         name,
		Phase:        phase,
		Status:       status,
		Priority:     structs.PriorityMedium,
		Dependencies: deps,
	}
}

func TestScoreIterator_PriorityDominates(t *testing.T) {
	ci.Parallel(t)
	ctx, taskState := testContext(t)

	low := mkTask("t1", "one", structs.PhaseImplement, structs.TaskStatusTodo)
	low.Priority = structs.PriorityLow
	urgent := mkTask("t2", "two", structs.PhaseImplement, structs.TaskStatusTodo)
	urgent.Priority = structs.PriorityUrgent
	urgent.EstimatedHours = 8
	must.NoError(t, taskState.RebuildProject(1, "p1", []*structs.Task{low, urgent}))

	stack := NewTaskStack(ctx)
	stack.SetAgent(&structs.Agent{ID: "a1", Capacity: 1})

	ranked := stack.Select("p1")
	must.NotNil(t, ranked)
	// 4*100-8 for urgent beats 1*100 for low despite the estimate.
	must.Eq(t, "t2", ranked.Task.ID)
}

func TestScoreIterator_SkillOverlap(t *testing.T) {
	ci.Parallel(t)
	ctx, taskState := testContext(t)

	goTask := mkTask("t1", "one", structs.PhaseImplement, structs.TaskStatusTodo)
	goTask.RequiredSkills = []string{"go", "sql"}
	jsTask := mkTask("t2", "two", structs.PhaseImplement, structs.TaskStatusTodo)
	jsTask.RequiredSkills = []string{"javascript"}
	must.NoError(t, taskState.RebuildProject(1, "p1", []*structs.Task{goTask, jsTask}))

	stack := NewTaskStack(ctx)
	stack.SetAgent(&structs.Agent{ID: "a1", Skills: []string{"go", "sql"}, Capacity: 1})

	ranked := stack.Select("p1")
	must.NotNil(t, ranked)
	// Full overlap (+50) beats zero overlap at equal priority.
	must.Eq(t, "t1", ranked.Task.ID)
}

func TestScoreIterator_UnblockingWeighted(t *testing.T) {
	ci.Parallel(t)
	ctx, taskState := testContext(t)

	hub := mkTask("t1", "one", structs.PhaseImplement, structs.TaskStatusTodo)
	leaf := mkTask("t2", "two", structs.PhaseImplement, structs.TaskStatusTodo)
	d1 := mkTask("t3", "three", structs.PhaseImplement, structs.TaskStatusTodo, "t1")
	d2 := mkTask("t4", "four", structs.PhaseImplement, structs.TaskStatusTodo, "t1")
	must.NoError(t, taskState.RebuildProject(1, "p1", []*structs.Task{hub, leaf, d1, d2}))

	stack := NewTaskStack(ctx)
	stack.SetAgent(&structs.Agent{ID: "a1", Capacity: 1})

	ranked := stack.Select("p1")
	must.NotNil(t, ranked)
	// Two dependents (+20) beat none.
	must.Eq(t, "t1", ranked.Task.ID)
}

func TestMaxScore_DeterministicTieBreak(t *testing.T) {
	ci.Parallel(t)
	ctx, taskState := testContext(t)

	earlier := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	later := earlier.Add(time.Hour)

	a := mkTask("t-b", "one", structs.PhaseImplement, structs.TaskStatusTodo)
	a.CreatedAt = later
	b := mkTask("t-a", "two", structs.PhaseImplement, structs.TaskStatusTodo)
	b.CreatedAt = later
	c := mkTask("t-c", "three", structs.PhaseImplement, structs.TaskStatusTodo)
	c.CreatedAt = earlier
	must.NoError(t, taskState.RebuildProject(1, "p1", []*structs.Task{a, b, c}))

	stack := NewTaskStack(ctx)
	stack.SetAgent(&structs.Agent{ID: "a1", Capacity: 1})

	// Equal scores: oldest first, then lowest ID.
	ranked := stack.Select("p1")
	must.NotNil(t, ranked)
	must.Eq(t, "t-c", ranked.Task.ID)
}

func TestPhaseSafety_TestHeldDuringImplement(t *testing.T) {
	ci.Parallel(t)
	ctx, taskState := testContext(t)

	design := mkTask("t0", "Design handlers", structs.PhaseDesign, structs.TaskStatusDone)
	impl := mkTask("t1", "Wire handlers", structs.PhaseImplement, structs.TaskStatusInProgress)
	impl.Assignee = "other"
	// Explicit deps on the design task only, so t2 is dependency-ready
	// even though the implement work is still open.
	test := mkTask("t2", "Verify handlers", structs.PhaseTest, structs.TaskStatusTodo, "t0")
	for _, task := range []*structs.Task{design, impl, test} {
		task.Labels = []string{"feature:handlers"}
	}
	free := mkTask("t3", "Standalone chore", structs.PhaseImplement, structs.TaskStatusTodo)
	must.NoError(t, taskState.RebuildProject(1, "p1", []*structs.Task{design, impl, test, free}))

	stack := NewTaskStack(ctx)
	stack.SetAgent(&structs.Agent{ID: "a1", Capacity: 1})

	// The phase filter holds t2 back while t1 is open; the clusterless
	// chore wins instead.
	ranked := stack.Select("p1")
	must.NotNil(t, ranked)
	must.Eq(t, "t3", ranked.Task.ID)
}
