package kanban

import (
	"testing"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/marcushq/marcus/ci"
	"github.com/marcushq/marcus/marcus/structs"
	"github.com/shoenig/test/must"
)

func testGitHubProvider(t *testing.T) *GitHubProvider {
	p, err := NewGitHubProvider(hclog.NewNullLogger(), map[string]string{"token": "t"})
	must.NoError(t, err)
	return p.(*GitHubProvider)
}

func TestGitHub_IssueToTask(t *testing.T) {
	ci.Parallel(t)
	g := testGitHubProvider(t)

	now := time.Now().UTC()
	issue := githubIssue{
		Number:    42,
		Title:     "Implement login",
		Body:      "Build the login handler.",
		State:     "open",
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, name := range []string{
		"phase:implement", "priority:high", "skill:go", "skill:sql",
		"estimate:2.5", "depends:40", "feature:auth", "status:blocked",
	} {
		issue.Labels = append(issue.Labels, struct {
			Name string `json:"name"`
		}{Name: name})
	}

	task := g.issueToTask("acme/app", issue)
	must.Eq(t, "42", task.ID)
	must.Eq(t, "acme/app", task.ProjectID)
	must.Eq(t, structs.PhaseImplement, task.Phase)
	must.Eq(t, structs.PriorityHigh, task.Priority)
	must.Eq(t, []string{"go", "sql"}, task.RequiredSkills)
	must.Eq(t, 2.5, task.EstimatedHours)
	must.Eq(t, []string{"40"}, task.Dependencies)
	must.Eq(t, []string{"feature:auth"}, task.Labels)
	must.Eq(t, structs.TaskStatusBlocked, task.Status)
}

func TestGitHub_IssueToTask_ClosedWinsOverStatusLabel(t *testing.T) {
	ci.Parallel(t)
	g := testGitHubProvider(t)

	closed := time.Now().UTC()
	issue := githubIssue{
		Number:   7,
		Title:    "Write tests",
		State:    "closed",
		ClosedAt: &closed,
	}
	issue.Labels = append(issue.Labels, struct {
		Name string `json:"name"`
	}{Name: "status:in_progress"})

	task := g.issueToTask("acme/app", issue)
	must.Eq(t, structs.TaskStatusDone, task.Status)
	must.NotNil(t, task.CompletedAt)
	// The phase falls back to name inference.
	must.Eq(t, structs.PhaseTest, task.Phase)
}

func TestGitHub_PRPattern(t *testing.T) {
	ci.Parallel(t)

	body := "Fixed in https://github.com/acme/app/pull/12 and https://github.com/acme/app/pull/13."
	refs := githubPRPattern.FindAllString(body, -1)
	must.Eq(t, []string{
		"https://github.com/acme/app/pull/12",
		"https://github.com/acme/app/pull/13",
	}, refs)
}
