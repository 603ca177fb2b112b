package kanban

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	cleanhttp "github.com/hashicorp/go-cleanhttp"
	hclog "github.com/hashicorp/go-hclog"
	"github.com/marcushq/marcus/marcus/structs"
)

func init() {
	Register("github", NewGitHubProvider)
}

const (
	githubAPIBase        = "https://api.github.com"
	githubPageSize       = 100
	githubRequestTimeout = 30 * time.Second
)

// GitHubProvider maps Marcus tasks onto GitHub issues in a single
// repository. The project ID is "owner/repo". Canonical status is carried
// by issue state plus a "status:" label; structured fields ride on labels
// Marcus writes at creation time (phase:, priority:, skill:, estimate:,
// depends:).
type GitHubProvider struct {
	apiBase string
	token   string
	client  *http.Client
	logger  hclog.Logger
}

// NewGitHubProvider builds the adapter. Required config key: "token".
// Optional: "api_url" for GitHub Enterprise.
func NewGitHubProvider(logger hclog.Logger, config map[string]string) (Provider, error) {
	token := config["token"]
	if token == "" {
		return nil, fmt.Errorf("github provider requires config key %q", "token")
	}
	apiBase := config["api_url"]
	if apiBase == "" {
		apiBase = githubAPIBase
	}
	client := cleanhttp.DefaultPooledClient()
	client.Timeout = githubRequestTimeout
	return &GitHubProvider{
		apiBase: strings.TrimSuffix(apiBase, "/"),
		token:   token,
		client:  client,
		logger:  logger.Named("github"),
	}, nil
}

func (g *GitHubProvider) Name() string { return "github" }

type githubIssue struct {
	Number    int        `json:"number"`
	Title     string     `json:"title"`
	Body      string     `json:"body"`
	State     string     `json:"state"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	ClosedAt  *time.Time `json:"closed_at"`
	Labels    []struct {
		Name string `json:"name"`
	} `json:"labels"`
	Assignees []struct {
		Login string `json:"login"`
	} `json:"assignees"`
	PullRequest *struct{} `json:"pull_request"`
}

func (g *GitHubProvider) do(ctx context.Context, op, method, path string, body, out interface{}) (*http.Response, error) {
	var reqBody io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, NewIntegrationError("github", op, 0, err)
		}
		reqBody = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.apiBase+path, reqBody)
	if err != nil {
		return nil, NewIntegrationError("github", op, 0, err)
	}
	req.Header.Set("Authorization", "Bearer "+g.token)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, NewIntegrationError("github", op, 0, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, NewIntegrationError("github", op, resp.StatusCode,
			fmt.Errorf("%s %s: %s", method, path, strings.TrimSpace(string(payload))))
	}
	if out != nil {
		defer resp.Body.Close()
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return nil, NewIntegrationError("github", op, 0, fmt.Errorf("malformed response: %w", err))
		}
	} else {
		resp.Body.Close()
	}
	return resp, nil
}

func (g *GitHubProvider) ListTasks(ctx context.Context, projectID string) ([]*structs.Task, error) {
	var tasks []*structs.Task
	for page := 1; ; page++ {
		path := fmt.Sprintf("/repos/%s/issues?state=all&per_page=%d&page=%d", projectID, githubPageSize, page)
		var issues []githubIssue
		resp, err := g.do(ctx, "list_tasks", http.MethodGet, path, nil, &issues)
		if err != nil {
			return nil, err
		}
		for _, issue := range issues {
			if issue.PullRequest != nil {
				continue
			}
			tasks = append(tasks, g.issueToTask(projectID, issue))
		}
		if len(issues) < githubPageSize || !strings.Contains(resp.Header.Get("Link"), `rel="next"`) {
			break
		}
	}
	return tasks, nil
}

func (g *GitHubProvider) GetTask(ctx context.Context, projectID, taskID string) (*structs.Task, error) {
	var issue githubIssue
	if _, err := g.do(ctx, "get_task", http.MethodGet, "/repos/"+projectID+"/issues/"+taskID, nil, &issue); err != nil {
		return nil, err
	}
	return g.issueToTask(projectID, issue), nil
}

func (g *GitHubProvider) CreateTask(ctx context.Context, projectID string, spec *structs.TaskSpec) (string, error) {
	labels := append([]string(nil), spec.Labels...)
	if spec.Phase != "" {
		labels = append(labels, "phase:"+spec.Phase)
	}
	if spec.Priority != "" {
		labels = append(labels, "priority:"+spec.Priority)
	}
	for _, skill := range spec.RequiredSkills {
		labels = append(labels, "skill:"+skill)
	}
	if spec.EstimatedHours > 0 {
		labels = append(labels, fmt.Sprintf("estimate:%g", spec.EstimatedHours))
	}
	for _, dep := range spec.DependsOn {
		labels = append(labels, "depends:"+dep)
	}
	payload := map[string]interface{}{
		"title":  spec.Name,
		"body":   spec.Description,
		"labels": labels,
	}
	var issue githubIssue
	if _, err := g.do(ctx, "create_task", http.MethodPost, "/repos/"+projectID+"/issues", payload, &issue); err != nil {
		return "", err
	}
	return strconv.Itoa(issue.Number), nil
}

func (g *GitHubProvider) UpdateStatus(ctx context.Context, projectID, taskID, status string) error {
	state := "open"
	if status == structs.TaskStatusDone {
		state = "closed"
	}
	payload := map[string]interface{}{"state": state}
	if _, err := g.do(ctx, "update_status", http.MethodPatch, "/repos/"+projectID+"/issues/"+taskID, payload, nil); err != nil {
		return err
	}
	// The open/closed axis cannot express blocked vs in-progress; a status
	// label carries the difference.
	return g.setStatusLabel(ctx, projectID, taskID, status)
}

func (g *GitHubProvider) setStatusLabel(ctx context.Context, projectID, taskID, status string) error {
	var issue githubIssue
	if _, err := g.do(ctx, "update_status", http.MethodGet, "/repos/"+projectID+"/issues/"+taskID, nil, &issue); err != nil {
		return err
	}
	labels := []string{"status:" + status}
	for _, l := range issue.Labels {
		if !strings.HasPrefix(l.Name, "status:") {
			labels = append(labels, l.Name)
		}
	}
	payload := map[string]interface{}{"labels": labels}
	_, err := g.do(ctx, "update_status", http.MethodPatch, "/repos/"+projectID+"/issues/"+taskID, payload, nil)
	return err
}

func (g *GitHubProvider) AssignTask(ctx context.Context, projectID, taskID, agentID string) error {
	// Read-then-write: reject locally when the card already carries a
	// different assignee so the scheduler re-picks without a remote 422.
	var issue githubIssue
	if _, err := g.do(ctx, "assign_task", http.MethodGet, "/repos/"+projectID+"/issues/"+taskID, nil, &issue); err != nil {
		return err
	}
	if len(issue.Assignees) > 0 && issue.Assignees[0].Login != agentID {
		return NewIntegrationError("github", "assign_task", 409,
			fmt.Errorf("issue %s already assigned to %s", taskID, issue.Assignees[0].Login))
	}
	payload := map[string]interface{}{"assignees": []string{agentID}}
	_, err := g.do(ctx, "assign_task", http.MethodPost, "/repos/"+projectID+"/issues/"+taskID+"/assignees", payload, nil)
	return err
}

func (g *GitHubProvider) UnassignTask(ctx context.Context, projectID, taskID string) error {
	var issue githubIssue
	if _, err := g.do(ctx, "unassign_task", http.MethodGet, "/repos/"+projectID+"/issues/"+taskID, nil, &issue); err != nil {
		return err
	}
	if len(issue.Assignees) == 0 {
		return nil
	}
	logins := make([]string, len(issue.Assignees))
	for i, a := range issue.Assignees {
		logins[i] = a.Login
	}
	payload := map[string]interface{}{"assignees": logins}
	_, err := g.do(ctx, "unassign_task", http.MethodDelete, "/repos/"+projectID+"/issues/"+taskID+"/assignees", payload, nil)
	return err
}

func (g *GitHubProvider) AddComment(ctx context.Context, projectID, taskID, text string) error {
	payload := map[string]interface{}{"body": text}
	_, err := g.do(ctx, "add_comment", http.MethodPost, "/repos/"+projectID+"/issues/"+taskID+"/comments", payload, nil)
	return err
}

var githubPRPattern = regexp.MustCompile(`https://github\.com/[\w.-]+/[\w.-]+/pull/\d+`)

// CodeReferences implements the CodeReferencer capability by scanning issue
// comments for merged-PR URLs, newest first.
func (g *GitHubProvider) CodeReferences(ctx context.Context, projectID, taskID string) ([]string, error) {
	var comments []struct {
		Body      string    `json:"body"`
		CreatedAt time.Time `json:"created_at"`
	}
	path := fmt.Sprintf("/repos/%s/issues/%s/comments?per_page=%d", projectID, taskID, githubPageSize)
	if _, err := g.do(ctx, "code_references", http.MethodGet, path, nil, &comments); err != nil {
		return nil, err
	}
	var refs []string
	for i := len(comments) - 1; i >= 0; i-- {
		refs = append(refs, githubPRPattern.FindAllString(comments[i].Body, -1)...)
	}
	return refs, nil
}

func (g *GitHubProvider) issueToTask(projectID string, issue githubIssue) *structs.Task {
	task := &structs.Task{
		ID:          strconv.Itoa(issue.Number),
		ProjectID:   projectID,
		Name:        issue.Title,
		Description: issue.Body,
		Status:      structs.TaskStatusTodo,
		Priority:    structs.PriorityMedium,
		CreatedAt:   issue.CreatedAt,
		UpdatedAt:   issue.UpdatedAt,
	}
	if issue.State == "closed" {
		task.Status = structs.TaskStatusDone
		task.CompletedAt = issue.ClosedAt
	}
	if len(issue.Assignees) > 0 {
		task.Assignee = issue.Assignees[0].Login
	}

	var labels []string
	for _, l := range issue.Labels {
		name := l.Name
		switch {
		case strings.HasPrefix(name, "status:"):
			status := strings.TrimPrefix(name, "status:")
			if task.Status != structs.TaskStatusDone && structs.ValidTaskStatus(status) {
				task.Status = status
			}
		case strings.HasPrefix(name, "phase:"):
			task.Phase = strings.TrimPrefix(name, "phase:")
		case strings.HasPrefix(name, "priority:"):
			task.Priority = strings.TrimPrefix(name, "priority:")
		case strings.HasPrefix(name, "skill:"):
			task.RequiredSkills = append(task.RequiredSkills, strings.TrimPrefix(name, "skill:"))
		case strings.HasPrefix(name, "estimate:"):
			if hours, err := strconv.ParseFloat(strings.TrimPrefix(name, "estimate:"), 64); err == nil {
				task.EstimatedHours = hours
			}
		case strings.HasPrefix(name, "depends:"):
			task.Dependencies = append(task.Dependencies, strings.TrimPrefix(name, "depends:"))
		default:
			labels = append(labels, name)
		}
	}
	task.Labels = labels
	if task.Phase == "" {
		task.Phase = structs.InferPhase(task.Name, task.Labels)
	}
	return task
}
