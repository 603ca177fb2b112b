package state

import (
	"testing"

	"github.com/marcushq/marcus/ci"
	"github.com/marcushq/marcus/helper/testlog"
	"github.com/marcushq/marcus/marcus/structs"
	"github.com/shoenig/test/must"
)

func testStateStore(t *testing.T) *StateStore {
	s, err := NewStateStore(testlog.HCLogger(t))
	must.NoError(t, err)
	return s
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

func TestStateStore_RebuildAndQuery(t *testing.T) {
	ci.Parallel(t)
	s := testStateStore(t)

	tasks := []*structs.Task{
		mkTask("t1", "Design auth", structs.PhaseDesign, structs.TaskStatusDone),
		mkTask("t2", "Implement auth", structs.PhaseImplement, structs.TaskStatusTodo, "t1"),
		mkTask("t3", "Test auth", structs.PhaseTest, structs.TaskStatusTodo, "t2"),
	}
	must.NoError(t, s.RebuildProject(1, "p1", tasks))

	got, err := s.TaskByID("p1", "t2")
	must.NoError(t, err)
	must.Eq(t, "Implement auth", got.Name)

	_, err = s.TaskByID("p1", "missing")
	must.ErrorIs(t, err, ErrTaskNotFound)

	todo, err := s.TasksByStatus("p1", structs.TaskStatusTodo)
	must.NoError(t, err)
	must.Len(t, 2, todo)

	// Only t2 is ready: t1 is done, t3 waits on t2.
	ready, err := s.ReadyTasks("p1")
	must.NoError(t, err)
	must.Len(t, 1, ready)
	must.Eq(t, "t2", ready[0].ID)

	index, err := s.LatestIndex()
	must.NoError(t, err)
	must.Eq(t, uint64(1), index)
}

func TestStateStore_UpsertUnlocksDependents(t *testing.T) {
	ci.Parallel(t)
	s := testStateStore(t)

	tasks := []*structs.Task{
		mkTask("t1", "Implement auth", structs.PhaseImplement, structs.TaskStatusInProgress),
		mkTask("t2", "Test auth", structs.PhaseTest, structs.TaskStatusTodo, "t1"),
	}
	tasks[0].Assignee = "agent-1"
	must.NoError(t, s.RebuildProject(1, "p1", tasks))

	ready, err := s.ReadyTasks("p1")
	must.NoError(t, err)
	must.Len(t, 0, ready)

	// Completing t1 moves t2 into the ready set without a rebuild.
	done := tasks[0].Copy()
	done.Status = structs.TaskStatusDone
	done.Assignee = ""
	must.NoError(t, s.UpsertTask(2, done))

	ready, err = s.ReadyTasks("p1")
	must.NoError(t, err)
	must.Len(t, 1, ready)
	must.Eq(t, "t2", ready[0].ID)
}

func TestStateStore_AssignedTaskLeavesReadySet(t *testing.T) {
	ci.Parallel(t)
	s := testStateStore(t)

	tasks := []*structs.Task{
		mkTask("t1", "Implement auth", structs.PhaseImplement, structs.TaskStatusTodo),
	}
	must.NoError(t, s.RebuildProject(1, "p1", tasks))

	assigned := tasks[0].Copy()
	assigned.Status = structs.TaskStatusInProgress
	assigned.Assignee = "agent-1"
	must.NoError(t, s.UpsertTask(2, assigned))

	ready, err := s.ReadyTasks("p1")
	must.NoError(t, err)
	must.Len(t, 0, ready)

	mine, err := s.TasksByAssignee("p1", "agent-1")
	must.NoError(t, err)
	must.Len(t, 1, mine)
}

func TestStateStore_NeedsRebuild(t *testing.T) {
	ci.Parallel(t)
	s := testStateStore(t)

	tasks := []*structs.Task{
		mkTask("t1", "Implement auth", structs.PhaseImplement, structs.TaskStatusTodo),
	}
	must.True(t, s.NeedsRebuild("p1", tasks))
	must.NoError(t, s.RebuildProject(1, "p1", tasks))
	must.False(t, s.NeedsRebuild("p1", tasks))

	// Status movement is not drift.
	moved := []*structs.Task{tasks[0].Copy()}
	moved[0].Status = structs.TaskStatusDone
	must.False(t, s.NeedsRebuild("p1", moved))

	// A new task is.
	grown := append(moved, mkTask("t2", "Test auth", structs.PhaseTest, structs.TaskStatusTodo, "t1"))
	must.True(t, s.NeedsRebuild("p1", grown))
}

func TestStateStore_IncompleteInCluster(t *testing.T) {
	ci.Parallel(t)
	s := testStateStore(t)

	design := mkTask("t1", "Design auth", structs.PhaseDesign, structs.TaskStatusDone)
	impl := mkTask("t2", "Implement auth", structs.PhaseImplement, structs.TaskStatusInProgress)
	test := mkTask("t3", "Test auth", structs.PhaseTest, structs.TaskStatusTodo)
	for _, task := range []*structs.Task{design, impl, test} {
		task.Labels = []string{"feature:auth"}
	}
	other := mkTask("t4", "Implement billing", structs.PhaseImplement, structs.TaskStatusTodo)
	other.Labels = []string{"feature:billing"}

	must.NoError(t, s.RebuildProject(1, "p1", []*structs.Task{design, impl, test, other}))

	// One unfinished pre-test task (t2) holds back the test phase.
	count, err := s.IncompleteInCluster("p1", "feature:auth", structs.PhaseTest)
	must.NoError(t, err)
	must.Eq(t, 1, count)

	countNone, err := s.IncompleteInCluster("p1", "", structs.PhaseTest)
	must.NoError(t, err)
	must.Eq(t, 0, countNone)
}

func TestStateStore_DropProject(t *testing.T) {
	ci.Parallel(t)
	s := testStateStore(t)

	must.NoError(t, s.RebuildProject(1, "p1", []*structs.Task{
		mkTask("t1", "Implement auth", structs.PhaseImplement, structs.TaskStatusTodo),
	}))
	must.NoError(t, s.DropProject("p1"))

	all, err := s.Tasks("p1")
	must.NoError(t, err)
	must.Len(t, 0, all)
	must.Nil(t, s.Graph("p1"))
}
