package kanban

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/marcushq/marcus/helper/uuid"
	"github.com/marcushq/marcus/marcus/structs"
)

func init() {
	Register("memory", func(logger hclog.Logger, config map[string]string) (Provider, error) {
		return NewMemoryProvider(), nil
	})
}

// MemoryProvider is an in-process board used by dev mode and tests. It
// enforces the same conflict semantics a remote board would: assigning an
// already-assigned card is a 409.
type MemoryProvider struct {
	mu       sync.Mutex
	projects map[string]map[string]*structs.Task
	comments map[string][]string
	refs     map[string][]string

	// failures maps op name to an HTTP-ish status injected on the next
	// call, letting tests exercise retry and breaker paths.
	failures map[string]int

	nextID int
}

// NewMemoryProvider returns an empty in-memory board.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		projects: make(map[string]map[string]*structs.Task),
		comments: make(map[string][]string),
		refs:     make(map[string][]string),
		failures: make(map[string]int),
	}
}

func (m *MemoryProvider) Name() string { return "memory" }

// FailNext injects one failure with the given status for the named op.
func (m *MemoryProvider) FailNext(op string, status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = status
}

func (m *MemoryProvider) failure(op string) error {
	if status, ok := m.failures[op]; ok {
		delete(m.failures, op)
		return NewIntegrationError("memory", op, status, fmt.Errorf("injected failure"))
	}
	return nil
}

func (m *MemoryProvider) board(projectID string) map[string]*structs.Task {
	board, ok := m.projects[projectID]
	if !ok {
		board = make(map[string]*structs.Task)
		m.projects[projectID] = board
	}
	return board
}

func (m *MemoryProvider) ListTasks(_ context.Context, projectID string) ([]*structs.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("list_tasks"); err != nil {
		return nil, err
	}
	board := m.board(projectID)
	tasks := make([]*structs.Task, 0, len(board))
	for _, task := range board {
		tasks = append(tasks, task.Copy())
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks, nil
}

func (m *MemoryProvider) GetTask(_ context.Context, projectID, taskID string) (*structs.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("get_task"); err != nil {
		return nil, err
	}
	task, ok := m.board(projectID)[taskID]
	if !ok {
		return nil, NewIntegrationError("memory", "get_task", 404, fmt.Errorf("task %q not found", taskID))
	}
	return task.Copy(), nil
}

func (m *MemoryProvider) CreateTask(_ context.Context, projectID string, spec *structs.TaskSpec) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("create_task"); err != nil {
		return "", err
	}
	m.nextID++
	id := fmt.Sprintf("task-%04d", m.nextID)
	now := time.Now().UTC()
	m.board(projectID)[id] = &structs.Task{
		ID:             id,
		ProjectID:      projectID,
		Name:           spec.Name,
		Description:    spec.Description,
		Status:         structs.TaskStatusTodo,
		Phase:          spec.Phase,
		Priority:       spec.Priority,
		RequiredSkills: append([]string(nil), spec.RequiredSkills...),
		EstimatedHours: spec.EstimatedHours,
		Labels:         append([]string(nil), spec.Labels...),
		Dependencies:   append([]string(nil), spec.DependsOn...),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	return id, nil
}

func (m *MemoryProvider) UpdateStatus(_ context.Context, projectID, taskID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("update_status"); err != nil {
		return err
	}
	if !structs.ValidTaskStatus(status) {
		return NewIntegrationError("memory", "update_status", 400, fmt.Errorf("unknown status %q", status))
	}
	task, ok := m.board(projectID)[taskID]
	if !ok {
		return NewIntegrationError("memory", "update_status", 404, fmt.Errorf("task %q not found", taskID))
	}
	task.Status = status
	task.UpdatedAt = time.Now().UTC()
	if status == structs.TaskStatusDone && task.CompletedAt == nil {
		now := time.Now().UTC()
		task.CompletedAt = &now
	}
	return nil
}

func (m *MemoryProvider) AssignTask(_ context.Context, projectID, taskID, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("assign_task"); err != nil {
		return err
	}
	task, ok := m.board(projectID)[taskID]
	if !ok {
		return NewIntegrationError("memory", "assign_task", 404, fmt.Errorf("task %q not found", taskID))
	}
	if task.Assignee != "" && task.Assignee != agentID {
		return NewIntegrationError("memory", "assign_task", 409,
			fmt.Errorf("task %q already assigned to %q", taskID, task.Assignee))
	}
	task.Assignee = agentID
	task.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryProvider) UnassignTask(_ context.Context, projectID, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("unassign_task"); err != nil {
		return err
	}
	task, ok := m.board(projectID)[taskID]
	if !ok {
		// Unassign is idempotent, a vanished card is fine.
		return nil
	}
	task.Assignee = ""
	task.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryProvider) AddComment(_ context.Context, projectID, taskID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("add_comment"); err != nil {
		return err
	}
	key := projectID + "/" + taskID
	m.comments[key] = append(m.comments[key], text)
	return nil
}

// Comments returns the comments posted to a card, oldest first.
func (m *MemoryProvider) Comments(projectID, taskID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.comments[projectID+"/"+taskID]...)
}

// CreateProject implements the ProjectCreator capability.
func (m *MemoryProvider) CreateProject(_ context.Context, name string, _ map[string]string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("create_project"); err != nil {
		return "", err
	}
	handle := "board-" + uuid.Short()
	m.projects[handle] = make(map[string]*structs.Task)
	return handle, nil
}

// SetCodeReferences seeds code references for a task, for tests.
func (m *MemoryProvider) SetCodeReferences(projectID, taskID string, refs []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refs[projectID+"/"+taskID] = append([]string(nil), refs...)
}

// CodeReferences implements the CodeReferencer capability.
func (m *MemoryProvider) CodeReferences(_ context.Context, projectID, taskID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.refs[projectID+"/"+taskID]...), nil
}
