package structs

import (
	"testing"
	"time"

	"github.com/marcushq/marcus/ci"
	"github.com/shoenig/test/must"
)

func TestTask_LeaseDuration(t *testing.T) {
	ci.Parallel(t)

	cases := []struct {
		name     string
		estimate float64
		exp      time.Duration
	}{
		{"zero estimate floors at 30m", 0, 30 * time.Minute},
		{"tiny estimate floors at 30m", 0.1, 30 * time.Minute},
		{"normal estimate doubles", 3, 6 * time.Hour},
		{"huge estimate capped at 24h", 40, 24 * time.Hour},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			task := &Task{EstimatedHours: tc.estimate}
			must.Eq(t, tc.exp, task.LeaseDuration())
		})
	}
}

func TestTask_Copy(t *testing.T) {
	ci.Parallel(t)

	started := time.Now()
	task := &Task{
		ID:             "t1",
		ProjectID:      "p1",
		Name:           "Implement auth",
		Status:         TaskStatusInProgress,
		Phase:          PhaseImplement,
		Priority:       PriorityHigh,
		RequiredSkills: []string{"go", "sql"},
		Dependencies:   []string{"t0"},
		Labels:         []string{"feature:auth"},
		StartedAt:      &started,
	}

	cp := task.Copy()
	must.Eq(t, task, cp)

	// Mutating the copy must not leak into the original.
	cp.Dependencies[0] = "other"
	cp.RequiredSkills = append(cp.RequiredSkills, "js")
	*cp.StartedAt = started.Add(time.Hour)
	must.Eq(t, "t0", task.Dependencies[0])
	must.Len(t, 2, task.RequiredSkills)
	must.Eq(t, started, *task.StartedAt)
}

func TestTask_Validate(t *testing.T) {
	ci.Parallel(t)

	good := &Task{ID: "t1", ProjectID: "p1", Name: "x", Status: TaskStatusTodo}
	must.NoError(t, good.Validate())

	selfDep := &Task{ID: "t1", ProjectID: "p1", Name: "x", Status: TaskStatusTodo, Dependencies: []string{"t1"}}
	err := selfDep.Validate()
	must.Error(t, err)
	must.True(t, IsCode(err, ErrCodeValidation))

	badStatus := &Task{ID: "t1", ProjectID: "p1", Name: "x", Status: "archived"}
	must.Error(t, badStatus.Validate())
}

func TestTask_FeatureCluster(t *testing.T) {
	ci.Parallel(t)

	parented := &Task{ID: "t1", ParentID: "epic9", Labels: []string{"feature:auth"}}
	must.Eq(t, "parent:epic9", parented.FeatureCluster())

	labeled := &Task{ID: "t2", Labels: []string{"no-orm", "feature:auth"}}
	must.Eq(t, "feature:auth", labeled.FeatureCluster())

	loner := &Task{ID: "t3"}
	must.Eq(t, "", loner.FeatureCluster())
}

func TestInferPhase(t *testing.T) {
	ci.Parallel(t)

	cases := []struct {
		name   string
		labels []string
		exp    string
	}{
		{"Design auth flow", nil, PhaseDesign},
		{"Write tests for login", nil, PhaseTest},
		{"Document API endpoints", nil, PhaseDocs},
		{"Build login handler", nil, PhaseImplement},
		{"anything", []string{"phase:docs"}, PhaseDocs},
		{"Design something", []string{"phase:test"}, PhaseTest},
		{"anything", []string{"phase:bogus"}, PhaseImplement},
	}
	for _, tc := range cases {
		must.Eq(t, tc.exp, InferPhase(tc.name, tc.labels), must.Sprintf("name=%q labels=%v", tc.name, tc.labels))
	}
}

func TestAgent_Validate(t *testing.T) {
	ci.Parallel(t)

	a := &Agent{ID: "agent-1"}
	must.NoError(t, a.Validate())
	must.Eq(t, DefaultAgentCapacity, a.Capacity)

	bad := &Agent{ID: "agent-2", Capacity: -1}
	must.Error(t, bad.Validate())

	anon := &Agent{}
	must.Error(t, anon.Validate())
}

func TestLease_Expired(t *testing.T) {
	ci.Parallel(t)

	now := time.Now()
	lease := &Lease{GrantedAt: now, ExpiresAt: now.Add(time.Hour)}
	must.False(t, lease.Expired(now))
	must.False(t, lease.Expired(now.Add(time.Hour)))
	must.True(t, lease.Expired(now.Add(time.Hour+time.Second)))
	must.Eq(t, time.Duration(0), lease.Remaining(now.Add(2*time.Hour)))
	must.Eq(t, 30*time.Minute, lease.Remaining(now.Add(30*time.Minute)))
}

func TestPriorityRank(t *testing.T) {
	ci.Parallel(t)

	must.Eq(t, 4, PriorityRank(PriorityUrgent))
	must.Eq(t, 3, PriorityRank(PriorityHigh))
	must.Eq(t, 2, PriorityRank(PriorityMedium))
	must.Eq(t, 1, PriorityRank(PriorityLow))
	must.Eq(t, 2, PriorityRank("p0"))
}

func TestCodedError(t *testing.T) {
	ci.Parallel(t)

	err := NewAgentNotRegistered("a1")
	must.Eq(t, ErrCodeAgentNotRegistered, CodeForErr(err))
	must.StrContains(t, err.Error(), "register_agent")

	must.Eq(t, ErrCodeInternal, CodeForErr(nilWrap()))
}

func nilWrap() error {
	return &wrapped{}
}

type wrapped struct{}

func (w *wrapped) Error() string { return "boom" }

func TestArtifactDir(t *testing.T) {
	ci.Parallel(t)

	must.Eq(t, "docs/api", ArtifactDir(ArtifactTypeAPI))
	must.Eq(t, "docs/design", ArtifactDir(ArtifactTypeDesign))
	must.Eq(t, "docs/misc", ArtifactDir("mystery"))
}
