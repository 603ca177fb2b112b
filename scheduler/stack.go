package scheduler

import (
	"github.com/marcushq/marcus/marcus/structs"
)

// Stack is a chained collection of iterators. Half of the stack does
// feasibility checking, the other half ranking and selection.
type Stack interface {
	// SetAgent is used to set the requesting agent for selection. This
	// must be called before Select.
	SetAgent(agent *structs.Agent)

	// Select picks the best task for the agent out of the project's ready
	// set, or nil when nothing is eligible.
	Select(projectID string) *RankedTask
}

// TaskStack holds pointers to each of the iterators chained together to do
// selection.
type TaskStack struct {
	Context     Context
	Source      *StaticIterator
	PhaseSafety *PhaseSafetyIterator
	RankSource  *FeasibleRankIterator
	Score       *ScoreIterator
	MaxScore    *MaxScoreIterator
}

// NewTaskStack constructs the selection stack.
func NewTaskStack(ctx Context) *TaskStack {
	s := &TaskStack{Context: ctx}

	// The source iterates the ready set, filled in per Select.
	s.Source = NewStaticIterator(ctx, nil)

	// Hold back tasks whose cluster has open earlier-phase work.
	s.PhaseSafety = NewPhaseSafetyIterator(ctx, s.Source)

	// Upgrade from feasible to rank iterator.
	s.RankSource = NewFeasibleRankIterator(ctx, s.PhaseSafety)

	// Apply the agent-specific score.
	s.Score = NewScoreIterator(ctx, s.RankSource)

	// Deterministically keep the best candidate.
	s.MaxScore = NewMaxScoreIterator(ctx, s.Score)
	return s
}

func (s *TaskStack) SetAgent(agent *structs.Agent) {
	s.Score.SetAgent(agent)
}

func (s *TaskStack) Select(projectID string) *RankedTask {
	ready, err := s.Context.State().ReadyTasks(projectID)
	if err != nil {
		s.Context.Logger().Error("ready set fetch failed", "project_id", projectID, "error", err)
		return nil
	}

	s.Source.SetTasks(ready)
	s.PhaseSafety.SetProject(projectID)
	s.Score.SetProject(projectID)
	s.MaxScore.Reset()
	return s.MaxScore.Next()
}
