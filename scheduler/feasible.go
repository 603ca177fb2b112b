package scheduler

import (
	"github.com/marcushq/marcus/marcus/structs"
)

// FeasibleIterator is used to iteratively yield tasks that pass feasibility
// checks for the requesting agent.
type FeasibleIterator interface {
	// Next yields a feasible task or nil if the iterator is exhausted.
	Next() *structs.Task

	// Reset rewinds the iterator to the first candidate.
	Reset()
}

// StaticIterator yields a fixed slice of tasks. It is the source of every
// stack; the candidate set is the project's ready set at selection time.
type StaticIterator struct {
	ctx    Context
	tasks  []*structs.Task
	offset int
}

// NewStaticIterator constructs a StaticIterator over the given tasks.
func NewStaticIterator(ctx Context, tasks []*structs.Task) *StaticIterator {
	return &StaticIterator{
		ctx:   ctx,
		tasks: tasks,
	}
}

func (iter *StaticIterator) Next() *structs.Task {
	if iter.offset >= len(iter.tasks) {
		return nil
	}
	task := iter.tasks[iter.offset]
	iter.offset++
	return task
}

func (iter *StaticIterator) Reset() {
	iter.offset = 0
}

// SetTasks replaces the candidate set and rewinds.
func (iter *StaticIterator) SetTasks(tasks []*structs.Task) {
	iter.tasks = tasks
	iter.offset = 0
}

// PhaseSafetyIterator filters out tasks whose feature cluster still has
// unfinished work in an earlier phase. A test task is infeasible while its
// cluster's implement work is open, regardless of what the dependency edges
// say; inference can miss edges but the phase ordering always holds.
type PhaseSafetyIterator struct {
	ctx    Context
	source FeasibleIterator

	projectID string
}

// NewPhaseSafetyIterator constructs a PhaseSafetyIterator over the source.
func NewPhaseSafetyIterator(ctx Context, source FeasibleIterator) *PhaseSafetyIterator {
	return &PhaseSafetyIterator{
		ctx:    ctx,
		source: source,
	}
}

// SetProject scopes the cluster lookups.
func (iter *PhaseSafetyIterator) SetProject(projectID string) {
	iter.projectID = projectID
}

func (iter *PhaseSafetyIterator) Next() *structs.Task {
	for {
		task := iter.source.Next()
		if task == nil {
			return nil
		}

		cluster := task.FeatureCluster()
		if cluster == "" {
			return task
		}
		open, err := iter.ctx.State().IncompleteInCluster(iter.projectID, cluster, task.Phase)
		if err != nil {
			iter.ctx.Logger().Error("phase safety check failed", "task_id", task.ID, "error", err)
			continue
		}
		if open > 0 {
			iter.ctx.Logger().Trace("task held back by phase safety",
				"task_id", task.ID, "cluster", cluster, "open", open)
			continue
		}
		return task
	}
}

func (iter *PhaseSafetyIterator) Reset() {
	iter.source.Reset()
}
