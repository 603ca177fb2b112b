package state

import (
	"testing"

	"github.com/marcushq/marcus/ci"
	"github.com/marcushq/marcus/helper/testlog"
	"github.com/marcushq/marcus/marcus/structs"
	"github.com/shoenig/test/must"
)

func TestGraph_InferFromNameStem(t *testing.T) {
	ci.Parallel(t)

	tasks := []*structs.Task{
		mkTask("t1", "Design auth", structs.PhaseDesign, structs.TaskStatusTodo),
		mkTask("t2", "Implement auth", structs.PhaseImplement, structs.TaskStatusTodo),
		mkTask("t3", "Test auth", structs.PhaseTest, structs.TaskStatusTodo),
		mkTask("t4", "Implement billing", structs.PhaseImplement, structs.TaskStatusTodo),
	}
	g := BuildGraph(testlog.HCLogger(t), tasks)

	must.SliceEmpty(t, g.Dependencies("t1"))
	must.Eq(t, []string{"t1"}, g.Dependencies("t2"))
	// Test work waits on every earlier phase of the same stem.
	must.Eq(t, []string{"t1", "t2"}, g.Dependencies("t3"))
	// Different stem, no cluster: independent.
	must.SliceEmpty(t, g.Dependencies("t4"))

	must.Eq(t, []string{"t1", "t4"}, g.Ready())
	must.Eq(t, 0, g.Depth("t1"))
	must.Eq(t, 1, g.Depth("t2"))
	must.Eq(t, 2, g.Depth("t3"))
}

func TestGraph_InferFromCluster(t *testing.T) {
	ci.Parallel(t)

	design := mkTask("t1", "API sketch", structs.PhaseDesign, structs.TaskStatusTodo)
	impl := mkTask("t2", "Wire handlers", structs.PhaseImplement, structs.TaskStatusTodo)
	for _, task := range []*structs.Task{design, impl} {
		task.Labels = []string{"feature:payments"}
	}
	g := BuildGraph(testlog.HCLogger(t), []*structs.Task{design, impl})

	must.Eq(t, []string{"t1"}, g.Dependencies("t2"))
	must.Eq(t, []string{"t2"}, g.Dependents("t1"))
}

func TestGraph_ExplicitDepsWin(t *testing.T) {
	ci.Parallel(t)

	tasks := []*structs.Task{
		mkTask("t1", "Design auth", structs.PhaseDesign, structs.TaskStatusTodo),
		mkTask("t2", "Implement auth", structs.PhaseImplement, structs.TaskStatusTodo),
		// Explicit edges suppress inference entirely.
		mkTask("t3", "Test auth", structs.PhaseTest, structs.TaskStatusTodo, "t2"),
	}
	g := BuildGraph(testlog.HCLogger(t), tasks)
	must.Eq(t, []string{"t2"}, g.Dependencies("t3"))
}

func TestGraph_UnknownDepDropped(t *testing.T) {
	ci.Parallel(t)

	tasks := []*structs.Task{
		mkTask("t1", "Implement auth", structs.PhaseImplement, structs.TaskStatusTodo, "ghost"),
	}
	g := BuildGraph(testlog.HCLogger(t), tasks)
	must.SliceEmpty(t, g.Dependencies("t1"))
	must.Eq(t, []string{"t1"}, g.Ready())
}

func TestGraph_CycleBrokenAtLowestPriority(t *testing.T) {
	ci.Parallel(t)

	a := mkTask("a", "alpha", structs.PhaseImplement, structs.TaskStatusTodo, "b")
	b := mkTask("b", "beta", structs.PhaseImplement, structs.TaskStatusTodo, "a")
	a.Priority = structs.PriorityHigh
	b.Priority = structs.PriorityLow

	g := BuildGraph(testlog.HCLogger(t), []*structs.Task{a, b})

	// The low-priority task loses its outgoing edge, so the high-priority
	// constraint (a waits on b) survives.
	must.Eq(t, []string{"b"}, g.Dependencies("a"))
	must.SliceEmpty(t, g.Dependencies("b"))
	must.Eq(t, []string{"b"}, g.Ready())
}

func TestGraph_UnlockedBy(t *testing.T) {
	ci.Parallel(t)

	tasks := []*structs.Task{
		mkTask("t1", "one", structs.PhaseImplement, structs.TaskStatusInProgress),
		mkTask("t2", "two", structs.PhaseImplement, structs.TaskStatusDone),
		mkTask("t3", "three", structs.PhaseImplement, structs.TaskStatusTodo, "t1", "t2"),
		mkTask("t4", "four", structs.PhaseImplement, structs.TaskStatusTodo, "t1"),
		mkTask("t5", "five", structs.PhaseImplement, structs.TaskStatusTodo, "t1", "t6"),
		mkTask("t6", "six", structs.PhaseImplement, structs.TaskStatusTodo),
	}
	g := BuildGraph(testlog.HCLogger(t), tasks)

	// t3 and t4 only wait on t1; t5 also waits on unfinished t6.
	must.Eq(t, []string{"t3", "t4"}, g.UnlockedBy("t1"))
}

func TestShapeHash_StatusInsensitive(t *testing.T) {
	ci.Parallel(t)

	a := mkTask("t1", "one", structs.PhaseImplement, structs.TaskStatusTodo)
	h1, err := ShapeHash([]*structs.Task{a})
	must.NoError(t, err)

	b := a.Copy()
	b.Status = structs.TaskStatusDone
	b.Assignee = "agent-1"
	h2, err := ShapeHash([]*structs.Task{b})
	must.NoError(t, err)
	must.Eq(t, h1, h2)

	c := a.Copy()
	c.Dependencies = []string{"t9"}
	h3, err := ShapeHash([]*structs.Task{c})
	must.NoError(t, err)
	must.NotEq(t, h1, h3)
}
