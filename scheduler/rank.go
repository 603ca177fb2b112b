package scheduler

import (
	"fmt"

	"github.com/hashicorp/go-set/v3"

	"github.com/marcushq/marcus/marcus/structs"
)

// Scoring weights. Priority dominates, then how well the task matches the
// agent's skills, then how much downstream work it unblocks, then how deep
// its chain runs; long tasks lose ties so short work keeps agents cycling.
const (
	weightPriority   = 100.0
	weightSkills     = 50.0
	weightDependents = 10.0
	weightDepth      = 5.0
	weightHours      = -1.0
)

// RankedTask is used to provide a score along with a task when iterating.
type RankedTask struct {
	Task  *structs.Task
	Score float64
}

func (r *RankedTask) GoString() string {
	return fmt.Sprintf("<Task: %s Score: %0.3f>", r.Task.ID, r.Score)
}

// RankIterator is used to iteratively yield tasks along with ranking
// metadata.
type RankIterator interface {
	Next() *RankedTask
	Reset()
}

// FeasibleRankIterator is used to consume from a FeasibleIterator and
// return an unranked task with base ranking.
type FeasibleRankIterator struct {
	ctx    Context
	source FeasibleIterator
}

// NewFeasibleRankIterator is used to return a new FeasibleRankIterator
// from a FeasibleIterator source.
func NewFeasibleRankIterator(ctx Context, source FeasibleIterator) *FeasibleRankIterator {
	return &FeasibleRankIterator{
		ctx:    ctx,
		source: source,
	}
}

func (iter *FeasibleRankIterator) Next() *RankedTask {
	task := iter.source.Next()
	if task == nil {
		return nil
	}
	return &RankedTask{Task: task}
}

func (iter *FeasibleRankIterator) Reset() {
	iter.source.Reset()
}

// ScoreIterator applies the selection score for a particular agent.
type ScoreIterator struct {
	ctx    Context
	source RankIterator

	projectID string
	skills    *set.Set[string]
}

// NewScoreIterator constructs a ScoreIterator over the source. The agent is
// filled in later via SetAgent.
func NewScoreIterator(ctx Context, source RankIterator) *ScoreIterator {
	return &ScoreIterator{
		ctx:    ctx,
		source: source,
		skills: set.New[string](0),
	}
}

// SetAgent sets the agent whose skills drive the overlap term.
func (iter *ScoreIterator) SetAgent(agent *structs.Agent) {
	iter.skills = set.From(agent.Skills)
}

// SetProject scopes the graph lookups.
func (iter *ScoreIterator) SetProject(projectID string) {
	iter.projectID = projectID
}

func (iter *ScoreIterator) Next() *RankedTask {
	ranked := iter.source.Next()
	if ranked == nil {
		return nil
	}
	task := ranked.Task

	score := weightPriority * float64(structs.PriorityRank(task.Priority))
	if len(task.RequiredSkills) > 0 {
		overlap := 0
		for _, skill := range task.RequiredSkills {
			if iter.skills.Contains(skill) {
				overlap++
			}
		}
		score += weightSkills * float64(overlap) / float64(len(task.RequiredSkills))
	}
	if graph := iter.ctx.State().Graph(iter.projectID); graph != nil {
		score += weightDependents * float64(len(graph.Dependents(task.ID)))
		score += weightDepth * float64(graph.Depth(task.ID))
	}
	score += weightHours * task.EstimatedHours

	ranked.Score = score
	return ranked
}

func (iter *ScoreIterator) Reset() {
	iter.source.Reset()
}

// MaxScoreIterator drains its source and yields the single best candidate.
// Ties break deterministically on earlier creation, then lower task ID, so
// two servers looking at the same board pick the same task.
type MaxScoreIterator struct {
	ctx    Context
	source RankIterator
	done   bool
}

// NewMaxScoreIterator constructs a MaxScoreIterator over the source.
func NewMaxScoreIterator(ctx Context, source RankIterator) *MaxScoreIterator {
	return &MaxScoreIterator{
		ctx:    ctx,
		source: source,
	}
}

func (iter *MaxScoreIterator) Next() *RankedTask {
	if iter.done {
		return nil
	}
	iter.done = true

	var best *RankedTask
	for ranked := iter.source.Next(); ranked != nil; ranked = iter.source.Next() {
		if best == nil || betterRanked(ranked, best) {
			best = ranked
		}
	}
	return best
}

func betterRanked(a, b *RankedTask) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if !a.Task.CreatedAt.Equal(b.Task.CreatedAt) {
		return a.Task.CreatedAt.Before(b.Task.CreatedAt)
	}
	return a.Task.ID < b.Task.ID
}

func (iter *MaxScoreIterator) Reset() {
	iter.source.Reset()
	iter.done = false
}
