package marcus

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	metrics "github.com/hashicorp/go-metrics"

	"github.com/marcushq/marcus/helper/uuid"
	"github.com/marcushq/marcus/marcus/store"
	"github.com/marcushq/marcus/marcus/structs"
)

// ContextEndpoint serves the decision log, artifact registry and task
// context tools.
type ContextEndpoint struct {
	srv *Server
}

type LogDecisionRequest struct {
	SessionID string
	AgentID   string
	TaskID    string

	What   string
	Why    string
	Impact string

	// AffectsTasks names tasks whose future assignees should see this
	// decision even when they do not depend on TaskID.
	AffectsTasks []string
}

type LogDecisionResponse struct {
	DecisionID string
}

// LogDecision records an architectural decision against a task. The
// decision shows up in the preamble of dependent tasks and of any task
// named in AffectsTasks.
func (c *ContextEndpoint) LogDecision(ctx context.Context, args *LogDecisionRequest) (*LogDecisionResponse, error) {
	if args.What == "" {
		return nil, structs.NewValidationError("what is required")
	}
	agent, err := c.srv.store.GetAgent(args.AgentID)
	if err != nil {
		return nil, structs.NewAgentNotRegistered(args.AgentID)
	}
	c.srv.touchAgent(agent.ID)

	project, err := c.srv.activeProject(args.SessionID)
	if err != nil {
		return nil, err
	}
	if _, err := c.srv.state.TaskByID(project.ID, args.TaskID); err != nil {
		return nil, structs.NewTaskNotFound(args.TaskID)
	}
	if err := c.requireHolder(project.ID, agent.ID, args.TaskID); err != nil {
		return nil, err
	}

	decision := &structs.Decision{
		ID:           uuid.Generate(),
		ProjectID:    project.ID,
		TaskID:       args.TaskID,
		AgentID:      agent.ID,
		Timestamp:    c.srv.now().UTC(),
		What:         args.What,
		Why:          args.Why,
		Impact:       args.Impact,
		AffectsTasks: append([]string(nil), args.AffectsTasks...),
	}
	if err := c.srv.store.AppendDecision(decision); err != nil {
		return nil, err
	}

	// Mirror onto the board so humans browsing it see the decision too.
	// Best effort: the store copy is authoritative.
	if board, berr := c.srv.boardFor(project); berr == nil {
		comment := fmt.Sprintf("DECISION: %s", decision.What)
		if decision.Why != "" {
			comment += fmt.Sprintf("\nWhy: %s", decision.Why)
		}
		if decision.Impact != "" {
			comment += fmt.Sprintf("\nImpact: %s", decision.Impact)
		}
		if err := board.AddComment(ctx, project.ID, args.TaskID, comment); err != nil {
			c.srv.logger.Warn("decision comment failed", "task_id", args.TaskID, "error", err)
		}
	}

	c.srv.events.Publish(&structs.Event{
		Type:      structs.EventDecisionLogged,
		ProjectID: project.ID,
		TaskID:    args.TaskID,
		AgentID:   agent.ID,
		Details:   decision.What,
	})
	metrics.IncrCounter([]string{"marcus", "context", "decisions_logged"}, 1)
	return &LogDecisionResponse{DecisionID: decision.ID}, nil
}

type LogArtifactRequest struct {
	SessionID string
	AgentID   string
	TaskID    string

	Filename    string
	Type        string
	Description string

	// Location overrides the canonical directory for the artifact type.
	Location string

	// Content, when supplied, is written to the project workspace at the
	// artifact's path, hashed and measured.
	Content []byte
}

type LogArtifactResponse struct {
	ArtifactID   string
	RelativePath string
}

// LogArtifact records an artifact produced while working a task. Content is
// written under the project workspace; the path is derived from the
// artifact type unless a location is given, so consumers of the preamble
// always find specs and API contracts in predictable places. Re-logging a
// filename with identical content is a no-op; changed content lands at a
// versioned path next to the original.
func (c *ContextEndpoint) LogArtifact(ctx context.Context, args *LogArtifactRequest) (*LogArtifactResponse, error) {
	if args.Filename == "" {
		return nil, structs.NewValidationError("filename is required")
	}
	if !structs.ValidArtifactType(args.Type) {
		return nil, structs.NewValidationError("unknown artifact type %q", args.Type)
	}
	agent, err := c.srv.store.GetAgent(args.AgentID)
	if err != nil {
		return nil, structs.NewAgentNotRegistered(args.AgentID)
	}
	c.srv.touchAgent(agent.ID)

	project, err := c.srv.activeProject(args.SessionID)
	if err != nil {
		return nil, err
	}
	if _, err := c.srv.state.TaskByID(project.ID, args.TaskID); err != nil {
		return nil, structs.NewTaskNotFound(args.TaskID)
	}
	if err := c.requireHolder(project.ID, agent.ID, args.TaskID); err != nil {
		return nil, err
	}

	relPath := args.Location
	if relPath == "" {
		relPath = path.Join(structs.ArtifactDir(args.Type), args.Filename)
	}
	if path.IsAbs(relPath) || strings.Contains(relPath, "..") {
		return nil, structs.NewValidationError("location must stay inside the workspace")
	}

	sum := ""
	if len(args.Content) > 0 {
		sum = structs.HashContent(args.Content)
	}

	if existing, eerr := c.srv.store.ArtifactByFilename(project.ID, args.TaskID, args.Filename); eerr == nil {
		if sum == "" || existing.SHA256 == sum {
			return &LogArtifactResponse{
				ArtifactID:   existing.ID,
				RelativePath: existing.RelativePath,
			}, nil
		}
		relPath = versionedPath(relPath, c.artifactVersions(project.ID, args.TaskID, args.Filename)+1)
	}

	if len(args.Content) > 0 {
		if err := c.srv.writeWorkspaceFile(project.ID, relPath, args.Content); err != nil {
			return nil, err
		}
	}

	artifact := &structs.Artifact{
		ID:           uuid.Generate(),
		ProjectID:    project.ID,
		TaskID:       args.TaskID,
		AgentID:      agent.ID,
		Timestamp:    c.srv.now().UTC(),
		Filename:     args.Filename,
		Type:         args.Type,
		RelativePath: relPath,
		Description:  args.Description,
		SizeBytes:    int64(len(args.Content)),
		SHA256:       sum,
	}
	if err := c.srv.store.PutArtifact(artifact); err != nil {
		return nil, err
	}

	metrics.IncrCounter([]string{"marcus", "context", "artifacts_logged"}, 1)
	c.srv.logger.Debug("artifact logged", "task_id", args.TaskID,
		"type", args.Type, "path", relPath)
	return &LogArtifactResponse{ArtifactID: artifact.ID, RelativePath: relPath}, nil
}

// requireHolder verifies the agent holds the task's lease. Context writes
// are reserved for the assignee so one session cannot rewrite the record of
// another's work.
func (c *ContextEndpoint) requireHolder(projectID, agentID, taskID string) error {
	lease, err := c.srv.store.GetLease(projectID, taskID)
	if errors.Is(err, store.ErrNotFound) {
		return structs.NewNotTaskOwner(agentID, taskID)
	}
	if err != nil {
		return err
	}
	if lease.AgentID != agentID {
		return structs.NewNotTaskOwner(agentID, taskID)
	}
	return nil
}

// artifactVersions counts how many versions of a filename a task has
// logged.
func (c *ContextEndpoint) artifactVersions(projectID, taskID, filename string) int {
	artifacts, err := c.srv.store.ArtifactsByTask(projectID, taskID)
	if err != nil {
		return 1
	}
	n := 0
	for _, artifact := range artifacts {
		if artifact.Filename == filename {
			n++
		}
	}
	return n
}

// versionedPath turns docs/api/auth.yaml into docs/api/auth.v2.yaml.
func versionedPath(p string, version int) string {
	ext := path.Ext(p)
	return strings.TrimSuffix(p, ext) + fmt.Sprintf(".v%d", version) + ext
}

type GetTaskContextRequest struct {
	SessionID string
	TaskID    string
}

type GetTaskContextResponse struct {
	Task *structs.Task

	// Preamble is the same rendered context an assignee receives.
	Preamble string

	Dependencies []string
	Dependents   []string
	Decisions    []*structs.Decision
	Artifacts    []*structs.Artifact
}

// GetTaskContext returns the assembled context for any task, held or not.
// Useful for agents inspecting upstream work and for humans debugging why
// a preamble says what it says.
func (c *ContextEndpoint) GetTaskContext(ctx context.Context, args *GetTaskContextRequest) (*GetTaskContextResponse, error) {
	project, err := c.srv.activeProject(args.SessionID)
	if err != nil {
		return nil, err
	}
	task, err := c.srv.state.TaskByID(project.ID, args.TaskID)
	if err != nil {
		return nil, structs.NewTaskNotFound(args.TaskID)
	}

	board, err := c.srv.boardFor(project)
	if err != nil {
		return nil, err
	}
	preamble, err := c.srv.contextSvc.BuildPreamble(ctx, board, project.ID, args.TaskID)
	if err != nil {
		return nil, err
	}

	decisions, err := c.srv.store.DecisionsByTask(project.ID, args.TaskID)
	if err != nil {
		return nil, err
	}
	artifacts, err := c.srv.store.ArtifactsByTask(project.ID, args.TaskID)
	if err != nil {
		return nil, err
	}

	resp := &GetTaskContextResponse{
		Task:      task,
		Preamble:  preamble,
		Decisions: decisions,
		Artifacts: artifacts,
	}
	if graph := c.srv.state.Graph(project.ID); graph != nil {
		resp.Dependencies = graph.Dependencies(args.TaskID)
		resp.Dependents = graph.Dependents(args.TaskID)
	}
	return resp, nil
}
