package kanban

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	cleanhttp "github.com/hashicorp/go-cleanhttp"
	hclog "github.com/hashicorp/go-hclog"
	multierror "github.com/hashicorp/go-multierror"
	"github.com/marcushq/marcus/marcus/structs"
)

func init() {
	Register("planka", NewPlankaProvider)
}

const (
	plankaPageSize = 100

	// plankaRequestTimeout bounds every call to the board.
	plankaRequestTimeout = 30 * time.Second
)

// plankaLists maps Planka list names to canonical statuses. Boards created
// by Marcus use exactly these four lists; on foreign boards the match is
// case-insensitive on the list name.
var plankaLists = map[string]string{
	"to do":       structs.TaskStatusTodo,
	"backlog":     structs.TaskStatusTodo,
	"in progress": structs.TaskStatusInProgress,
	"blocked":     structs.TaskStatusBlocked,
	"done":        structs.TaskStatusDone,
}

// PlankaProvider talks to a Planka board over its REST API. The project ID
// is the Planka board ID; cards carry dependencies, phase and skills as
// structured text in the card description footer.
type PlankaProvider struct {
	base   *url.URL
	token  string
	client *http.Client
	logger hclog.Logger
}

// NewPlankaProvider builds the adapter from registry config. Required keys:
// "url" and "token". Missing keys are a configuration error surfaced on
// first use, never retried.
func NewPlankaProvider(logger hclog.Logger, config map[string]string) (Provider, error) {
	var mErr *multierror.Error
	rawURL := config["url"]
	if rawURL == "" {
		mErr = multierror.Append(mErr, fmt.Errorf("planka provider requires config key %q", "url"))
	}
	token := config["token"]
	if token == "" {
		mErr = multierror.Append(mErr, fmt.Errorf("planka provider requires config key %q", "token"))
	}
	if err := mErr.ErrorOrNil(); err != nil {
		return nil, err
	}
	base, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("planka url %q invalid: %w", rawURL, err)
	}
	client := cleanhttp.DefaultPooledClient()
	client.Timeout = plankaRequestTimeout
	return &PlankaProvider{
		base:   base,
		token:  token,
		client: client,
		logger: logger.Named("planka"),
	}, nil
}

func (p *PlankaProvider) Name() string { return "planka" }

// plankaCard is the subset of the Planka card schema Marcus reads.
type plankaCard struct {
	ID          string    `json:"id"`
	ListID      string    `json:"listId"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Labels      []string  `json:"labels"`
	AssigneeID  string    `json:"assigneeId"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type plankaList struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type plankaCardPage struct {
	Items []plankaCard `json:"items"`
	Total int          `json:"total"`
}

// do issues one request and decodes the response into out. Non-2xx statuses
// become integration errors carrying the remote status.
func (p *PlankaProvider) do(ctx context.Context, op, method, path string, body, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return NewIntegrationError("planka", op, 0, err)
		}
		reqBody = bytes.NewReader(buf)
	}

	u := *p.base
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return NewIntegrationError("planka", op, 0, err)
	}
	req.Header.Set("Authorization", "Bearer "+p.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return NewIntegrationError("planka", op, 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return NewIntegrationError("planka", op, resp.StatusCode,
			fmt.Errorf("%s %s: %s", method, path, strings.TrimSpace(string(payload))))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return NewIntegrationError("planka", op, 0, fmt.Errorf("malformed response: %w", err))
	}
	return nil
}

// lists fetches the board's lists and returns both directions of the
// column/status mapping.
func (p *PlankaProvider) listMaps(ctx context.Context, boardID string) (map[string]string, map[string]string, error) {
	var lists []plankaList
	if err := p.do(ctx, "list_lists", http.MethodGet, "/api/boards/"+boardID+"/lists", nil, &lists); err != nil {
		return nil, nil, err
	}
	byListID := make(map[string]string)
	byStatus := make(map[string]string)
	for _, l := range lists {
		status, ok := plankaLists[strings.ToLower(l.Name)]
		if !ok {
			continue
		}
		byListID[l.ID] = status
		if _, have := byStatus[status]; !have {
			byStatus[status] = l.ID
		}
	}
	return byListID, byStatus, nil
}

func (p *PlankaProvider) ListTasks(ctx context.Context, projectID string) ([]*structs.Task, error) {
	byListID, _, err := p.listMaps(ctx, projectID)
	if err != nil {
		return nil, err
	}

	// Cards are paged; iterate to completion.
	var tasks []*structs.Task
	for page := 0; ; page++ {
		var cards plankaCardPage
		path := fmt.Sprintf("/api/boards/%s/cards?limit=%d&offset=%d", projectID, plankaPageSize, page*plankaPageSize)
		if err := p.do(ctx, "list_tasks", http.MethodGet, path, nil, &cards); err != nil {
			return nil, err
		}
		for _, card := range cards.Items {
			tasks = append(tasks, p.cardToTask(projectID, card, byListID))
		}
		if len(cards.Items) < plankaPageSize {
			break
		}
	}
	return tasks, nil
}

func (p *PlankaProvider) GetTask(ctx context.Context, projectID, taskID string) (*structs.Task, error) {
	byListID, _, err := p.listMaps(ctx, projectID)
	if err != nil {
		return nil, err
	}
	var card plankaCard
	if err := p.do(ctx, "get_task", http.MethodGet, "/api/cards/"+taskID, nil, &card); err != nil {
		return nil, err
	}
	return p.cardToTask(projectID, card, byListID), nil
}

func (p *PlankaProvider) CreateTask(ctx context.Context, projectID string, spec *structs.TaskSpec) (string, error) {
	_, byStatus, err := p.listMaps(ctx, projectID)
	if err != nil {
		return "", err
	}
	listID, ok := byStatus[structs.TaskStatusTodo]
	if !ok {
		return "", NewIntegrationError("planka", "create_task", 0,
			fmt.Errorf("board %s has no To Do list", projectID))
	}
	payload := map[string]interface{}{
		"listId":      listID,
		"name":        spec.Name,
		"description": encodeCardFooter(spec),
		"labels":      spec.Labels,
	}
	var created plankaCard
	if err := p.do(ctx, "create_task", http.MethodPost, "/api/boards/"+projectID+"/cards", payload, &created); err != nil {
		return "", err
	}
	return created.ID, nil
}

func (p *PlankaProvider) UpdateStatus(ctx context.Context, projectID, taskID, status string) error {
	_, byStatus, err := p.listMaps(ctx, projectID)
	if err != nil {
		return err
	}
	listID, ok := byStatus[status]
	if !ok {
		return NewIntegrationError("planka", "update_status", 400,
			fmt.Errorf("board %s has no list for status %q", projectID, status))
	}
	payload := map[string]interface{}{"listId": listID}
	return p.do(ctx, "update_status", http.MethodPatch, "/api/cards/"+taskID, payload, nil)
}

func (p *PlankaProvider) AssignTask(ctx context.Context, _, taskID, agentID string) error {
	payload := map[string]interface{}{"assigneeId": agentID, "ifUnassigned": true}
	return p.do(ctx, "assign_task", http.MethodPatch, "/api/cards/"+taskID+"/assignee", payload, nil)
}

func (p *PlankaProvider) UnassignTask(ctx context.Context, _, taskID string) error {
	payload := map[string]interface{}{"assigneeId": nil}
	return p.do(ctx, "unassign_task", http.MethodPatch, "/api/cards/"+taskID+"/assignee", payload, nil)
}

func (p *PlankaProvider) AddComment(ctx context.Context, _, taskID, text string) error {
	payload := map[string]interface{}{"text": text}
	return p.do(ctx, "add_comment", http.MethodPost, "/api/cards/"+taskID+"/comments", payload, nil)
}

// CreateProject implements the ProjectCreator capability: a new board with
// the four canonical lists.
func (p *PlankaProvider) CreateProject(ctx context.Context, name string, _ map[string]string) (string, error) {
	var board struct {
		ID string `json:"id"`
	}
	if err := p.do(ctx, "create_project", http.MethodPost, "/api/boards", map[string]interface{}{"name": name}, &board); err != nil {
		return "", err
	}
	for _, listName := range []string{"To Do", "In Progress", "Blocked", "Done"} {
		payload := map[string]interface{}{"name": listName}
		if err := p.do(ctx, "create_project", http.MethodPost, "/api/boards/"+board.ID+"/lists", payload, nil); err != nil {
			return "", err
		}
	}
	return board.ID, nil
}

// cardToTask translates a Planka card into a canonical task. Structured
// fields Marcus wrote at creation time are recovered from the description
// footer; everything else is inferred.
func (p *PlankaProvider) cardToTask(projectID string, card plankaCard, byListID map[string]string) *structs.Task {
	status, ok := byListID[card.ListID]
	if !ok {
		status = structs.TaskStatusTodo
	}
	desc, footer := decodeCardFooter(card.Description)
	task := &structs.Task{
		ID:             card.ID,
		ProjectID:      projectID,
		Name:           card.Name,
		Description:    desc,
		Status:         status,
		Phase:          structs.InferPhase(card.Name, card.Labels),
		Priority:       structs.PriorityMedium,
		Labels:         append([]string(nil), card.Labels...),
		Assignee:       card.AssigneeID,
		CreatedAt:      card.CreatedAt,
		UpdatedAt:      card.UpdatedAt,
		Dependencies:   footer.DependsOn,
		RequiredSkills: footer.Skills,
		EstimatedHours: footer.EstimatedHours,
	}
	if footer.Phase != "" {
		task.Phase = footer.Phase
	}
	if footer.Priority != "" {
		task.Priority = footer.Priority
	}
	return task
}

// cardFooter is the machine-readable block appended to card descriptions so
// structured fields survive the round trip through a board that has no
// custom fields.
type cardFooter struct {
	Phase          string   `json:"phase,omitempty"`
	Priority       string   `json:"priority,omitempty"`
	Skills         []string `json:"skills,omitempty"`
	DependsOn      []string `json:"depends_on,omitempty"`
	EstimatedHours float64  `json:"estimated_hours,omitempty"`
}

const cardFooterMarker = "\n\n<!-- marcus:"

func encodeCardFooter(spec *structs.TaskSpec) string {
	footer := cardFooter{
		Phase:          spec.Phase,
		Priority:       spec.Priority,
		Skills:         spec.RequiredSkills,
		DependsOn:      spec.DependsOn,
		EstimatedHours: spec.EstimatedHours,
	}
	encoded, err := json.Marshal(footer)
	if err != nil {
		return spec.Description
	}
	return spec.Description + cardFooterMarker + string(encoded) + " -->"
}

func decodeCardFooter(description string) (string, cardFooter) {
	var footer cardFooter
	idx := strings.LastIndex(description, cardFooterMarker)
	if idx < 0 {
		return description, footer
	}
	raw := description[idx+len(cardFooterMarker):]
	raw = strings.TrimSuffix(strings.TrimSpace(raw), "-->")
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &footer); err != nil {
		return description, cardFooter{}
	}
	return description[:idx], footer
}
