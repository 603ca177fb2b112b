package marcus

import (
	"context"
	"errors"
	"fmt"
	"time"

	metrics "github.com/hashicorp/go-metrics"

	"github.com/marcushq/marcus/helper/uuid"
	"github.com/marcushq/marcus/marcus/store"
	"github.com/marcushq/marcus/marcus/structs"
)

// AgentEndpoint serves the agent lifecycle tools: registration, task
// requests, progress, blockers and releases.
type AgentEndpoint struct {
	srv *Server
}

type RegisterAgentRequest struct {
	AgentID  string
	Name     string
	Role     string
	Skills   []string
	Capacity int
}

type RegisterAgentResponse struct {
	Agent *structs.Agent

	// Instructions tell the agent how to work with the server.
	Instructions string
}

// Register creates or replaces an agent profile. Re-registering is the
// supported way for an agent to update its skills.
func (a *AgentEndpoint) Register(args *RegisterAgentRequest) (*RegisterAgentResponse, error) {
	agent := &structs.Agent{
		ID:           args.AgentID,
		Name:         args.Name,
		Role:         args.Role,
		Skills:       args.Skills,
		Capacity:     args.Capacity,
		RegisteredAt: a.srv.now().UTC(),
		LastSeenAt:   a.srv.now().UTC(),
	}
	if agent.ID == "" {
		agent.ID = "agent-" + uuid.Short()
	}
	if err := agent.Validate(); err != nil {
		return nil, structs.NewValidationError("invalid agent: %v", err)
	}
	if err := a.srv.store.PutAgent(agent); err != nil {
		return nil, err
	}

	a.srv.logger.Info("agent registered", "agent_id", agent.ID, "role", agent.Role,
		"skills", agent.Skills)
	return &RegisterAgentResponse{
		Agent: agent,
		Instructions: "Call request_next_task to receive work. Report progress with " +
			"report_task_progress; it renews your lease. Record every architectural " +
			"choice with log_decision and every produced document with log_artifact.",
	}, nil
}

type RequestTaskRequest struct {
	SessionID string
	AgentID   string
}

type RequestTaskResponse struct {
	// Task and Lease are set when work was assigned.
	Task  *structs.Task
	Lease *structs.Lease

	// Preamble carries upstream decisions and artifacts for the task.
	Preamble string

	// RetryAfter is set instead when nothing is eligible.
	RetryAfter time.Duration
}

// RequestNextTask syncs the board, schedules the best eligible task for the
// agent and claims it. When nothing is eligible the response carries a
// suggested retry delay instead.
func (a *AgentEndpoint) RequestNextTask(ctx context.Context, args *RequestTaskRequest) (*RequestTaskResponse, error) {
	defer metrics.MeasureSince([]string{"marcus", "agent", "request_next_task"}, time.Now())

	agent, err := a.srv.store.GetAgent(args.AgentID)
	if err != nil {
		return nil, structs.NewAgentNotRegistered(args.AgentID)
	}
	a.srv.touchAgent(agent.ID)

	project, err := a.srv.activeProject(args.SessionID)
	if err != nil {
		return nil, err
	}

	// At capacity there is nothing to schedule; tell the agent when its
	// soonest lease frees up.
	if wait, atCapacity := a.srv.sched.CapacityWait(agent); atCapacity {
		return &RequestTaskResponse{RetryAfter: wait}, nil
	}

	if err := a.srv.syncProject(ctx, project); err != nil {
		return nil, err
	}
	board, err := a.srv.boardFor(project)
	if err != nil {
		return nil, err
	}

	task, lease, err := a.srv.sched.Schedule(ctx, board, project.ID, agent)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return &RequestTaskResponse{
			RetryAfter: a.srv.retryPlanner.Plan(project.ID),
		}, nil
	}

	preamble, err := a.srv.contextSvc.BuildPreamble(ctx, board, project.ID, task.ID)
	if err != nil {
		a.srv.logger.Error("preamble assembly failed", "task_id", task.ID, "error", err)
		preamble = ""
	}

	a.srv.events.Publish(&structs.Event{
		Type:      structs.EventTaskAssigned,
		ProjectID: project.ID,
		TaskID:    task.ID,
		AgentID:   agent.ID,
	})
	return &RequestTaskResponse{
		Task:     task,
		Lease:    lease,
		Preamble: preamble,
	}, nil
}

type ReportProgressRequest struct {
	SessionID string
	AgentID   string
	TaskID    string

	// Status is in_progress or done.
	Status string

	// Progress is a 0-100 completion estimate.
	Progress int

	Message string
}

type ReportProgressResponse struct {
	Lease *structs.Lease

	// Completed is true when the report closed the task.
	Completed bool
}

// ReportProgress records progress on a held task. Every report renews the
// lease; a done report completes the task, releases the lease, and moves
// the board card.
func (a *AgentEndpoint) ReportProgress(ctx context.Context, args *ReportProgressRequest) (*ReportProgressResponse, error) {
	// Completion is idempotent. The first done report releases the lease,
	// so a repeat must succeed without resolving ownership.
	if args.Status == structs.TaskStatusDone && a.alreadyDone(args.SessionID, args.TaskID) {
		a.srv.touchAgent(args.AgentID)
		return &ReportProgressResponse{Completed: true}, nil
	}

	agent, project, board, task, err := a.resolveOwned(ctx, args.SessionID, args.AgentID, args.TaskID)
	if err != nil {
		return nil, err
	}

	if args.Message != "" {
		comment := fmt.Sprintf("[%s, %d%%] %s", agent.ID, args.Progress, args.Message)
		if err := board.AddComment(ctx, project.ID, task.ID, comment); err != nil {
			a.srv.logger.Warn("progress comment failed", "task_id", task.ID, "error", err)
		}
	}

	if args.Status == structs.TaskStatusDone {
		return a.completeTask(ctx, project, board, task, agent.ID)
	}

	// A progress report on a blocked task means the blocker cleared.
	if task.Status == structs.TaskStatusBlocked {
		if err := board.UpdateStatus(ctx, project.ID, task.ID, structs.TaskStatusInProgress); err != nil {
			a.srv.logger.Warn("board unblock failed", "task_id", task.ID, "error", err)
		}
		task.Status = structs.TaskStatusInProgress
		task.UpdatedAt = a.srv.now().UTC()
		if index, ierr := a.srv.state.LatestIndex(); ierr == nil {
			if uerr := a.srv.state.UpsertTask(index+1, task); uerr != nil {
				a.srv.logger.Error("unblock state update failed", "task_id", task.ID, "error", uerr)
			}
		}
	}

	// Any progress report proves the agent is alive; extend the lease by
	// the task's full duration from now.
	lease, err := a.srv.store.Renew(project.ID, task.ID, agent.ID,
		a.srv.now().UTC().Add(task.LeaseDuration()))
	if err != nil {
		return nil, err
	}
	return &ReportProgressResponse{Lease: lease}, nil
}

// completeTask closes out a task: board first, then the lease, then local
// state. A board failure leaves the lease alone so the agent can retry the
// report.
func (a *AgentEndpoint) completeTask(ctx context.Context, project *structs.Project, board boardAPI, task *structs.Task, agentID string) (*ReportProgressResponse, error) {
	if err := board.UpdateStatus(ctx, project.ID, task.ID, structs.TaskStatusDone); err != nil {
		return nil, structs.NewCodedError(structs.ErrCodeKanbanUnavailable,
			"board completion failed: %v", err)
	}
	if err := a.srv.store.Release(project.ID, task.ID, structs.ReleaseReasonCompleted); err != nil {
		return nil, err
	}

	now := a.srv.now().UTC()
	task.Status = structs.TaskStatusDone
	task.CompletedAt = &now
	task.UpdatedAt = now
	index, err := a.srv.state.LatestIndex()
	if err == nil {
		if uerr := a.srv.state.UpsertTask(index+1, task); uerr != nil {
			a.srv.logger.Error("completion state update failed", "task_id", task.ID, "error", uerr)
		}
	}

	a.srv.events.Publish(&structs.Event{
		Type:      structs.EventTaskCompleted,
		ProjectID: project.ID,
		TaskID:    task.ID,
		AgentID:   agentID,
	})
	metrics.IncrCounter([]string{"marcus", "agent", "tasks_completed"}, 1)
	return &ReportProgressResponse{Completed: true}, nil
}

type ReportBlockerRequest struct {
	SessionID   string
	AgentID     string
	TaskID      string
	Description string
}

type ReportBlockerResponse struct {
	// Guidance suggests next steps to the blocked agent.
	Guidance string
}

// ReportBlocker marks a held task blocked. The lease stays with the agent:
// a blocker is a pause, not an abandonment. Agents that cannot continue at
// all should release_task instead.
func (a *AgentEndpoint) ReportBlocker(ctx context.Context, args *ReportBlockerRequest) (*ReportBlockerResponse, error) {
	if args.Description == "" {
		return nil, structs.NewValidationError("blocker description is required")
	}
	agent, project, board, task, err := a.resolveOwned(ctx, args.SessionID, args.AgentID, args.TaskID)
	if err != nil {
		return nil, err
	}

	if err := board.UpdateStatus(ctx, project.ID, task.ID, structs.TaskStatusBlocked); err != nil {
		return nil, structs.NewCodedError(structs.ErrCodeKanbanUnavailable,
			"board update failed: %v", err)
	}
	comment := fmt.Sprintf("BLOCKER reported by %s: %s", agent.ID, args.Description)
	if err := board.AddComment(ctx, project.ID, task.ID, comment); err != nil {
		a.srv.logger.Warn("blocker comment failed", "task_id", task.ID, "error", err)
	}

	task.Status = structs.TaskStatusBlocked
	task.UpdatedAt = a.srv.now().UTC()
	if index, ierr := a.srv.state.LatestIndex(); ierr == nil {
		if uerr := a.srv.state.UpsertTask(index+1, task); uerr != nil {
			a.srv.logger.Error("blocker state update failed", "task_id", task.ID, "error", uerr)
		}
	}

	a.srv.events.Publish(&structs.Event{
		Type:      structs.EventTaskBlocked,
		ProjectID: project.ID,
		TaskID:    task.ID,
		AgentID:   agent.ID,
		Details:   args.Description,
	})
	return &ReportBlockerResponse{
		Guidance: "The task is marked blocked and you still hold its lease. Record what " +
			"you learned with log_decision. If you cannot continue, release_task to put " +
			"it back in the queue.",
	}, nil
}

type ReleaseTaskRequest struct {
	SessionID string
	AgentID   string
	TaskID    string
	Reason    string
}

type ReleaseTaskResponse struct {
	Released bool
}

// ReleaseTask returns a held task to the queue.
func (a *AgentEndpoint) ReleaseTask(ctx context.Context, args *ReleaseTaskRequest) (*ReleaseTaskResponse, error) {
	agent, project, board, task, err := a.resolveOwned(ctx, args.SessionID, args.AgentID, args.TaskID)
	if err != nil {
		return nil, err
	}

	if err := a.srv.store.Release(project.ID, task.ID, structs.ReleaseReasonCancelled); err != nil {
		return nil, err
	}
	if err := board.UnassignTask(ctx, project.ID, task.ID); err != nil {
		a.srv.logger.Warn("board unassign failed", "task_id", task.ID, "error", err)
	} else if err := board.UpdateStatus(ctx, project.ID, task.ID, structs.TaskStatusTodo); err != nil {
		a.srv.logger.Warn("board status reset failed", "task_id", task.ID, "error", err)
	}

	task.Status = structs.TaskStatusTodo
	task.Assignee = ""
	task.StartedAt = nil
	task.UpdatedAt = a.srv.now().UTC()
	if index, ierr := a.srv.state.LatestIndex(); ierr == nil {
		if uerr := a.srv.state.UpsertTask(index+1, task); uerr != nil {
			a.srv.logger.Error("release state update failed", "task_id", task.ID, "error", uerr)
		}
	}

	a.srv.events.Publish(&structs.Event{
		Type:      structs.EventTaskReleased,
		ProjectID: project.ID,
		TaskID:    task.ID,
		AgentID:   agent.ID,
		Details:   args.Reason,
	})
	a.srv.logger.Info("task released", "task_id", task.ID, "agent_id", agent.ID,
		"reason", args.Reason)
	return &ReleaseTaskResponse{Released: true}, nil
}

type DeregisterAgentRequest struct {
	AgentID string
}

type DeregisterAgentResponse struct {
	ReleasedTasks []string
}

// Deregister removes an agent, releasing every lease it holds first.
func (a *AgentEndpoint) Deregister(ctx context.Context, args *DeregisterAgentRequest) (*DeregisterAgentResponse, error) {
	if _, err := a.srv.store.GetAgent(args.AgentID); err != nil {
		return nil, structs.NewAgentNotRegistered(args.AgentID)
	}

	resp := &DeregisterAgentResponse{}
	projects, err := a.srv.store.ListProjects()
	if err != nil {
		return nil, err
	}
	for _, project := range projects {
		leases, err := a.srv.store.ListLeases(project.ID)
		if err != nil {
			continue
		}
		for _, lease := range leases {
			if lease.AgentID != args.AgentID {
				continue
			}
			if _, rerr := a.releaseLease(ctx, project, lease); rerr != nil {
				a.srv.logger.Warn("release during deregister failed",
					"task_id", lease.TaskID, "error", rerr)
				continue
			}
			resp.ReleasedTasks = append(resp.ReleasedTasks, lease.TaskID)
		}
	}

	if err := a.srv.store.DeleteAgent(args.AgentID); err != nil {
		return nil, err
	}
	a.srv.logger.Info("agent deregistered", "agent_id", args.AgentID,
		"released", len(resp.ReleasedTasks))
	return resp, nil
}

// releaseLease is the deregister path's release: it does not require a
// session, only the lease itself.
func (a *AgentEndpoint) releaseLease(ctx context.Context, project *structs.Project, lease *structs.Lease) (bool, error) {
	if err := a.srv.store.Release(project.ID, lease.TaskID, structs.ReleaseReasonCancelled); err != nil {
		return false, err
	}
	if board, err := a.srv.boardFor(project); err == nil {
		if err := board.UnassignTask(ctx, project.ID, lease.TaskID); err == nil {
			if err := board.UpdateStatus(ctx, project.ID, lease.TaskID, structs.TaskStatusTodo); err != nil {
				a.srv.logger.Warn("board status reset failed", "task_id", lease.TaskID, "error", err)
			}
		}
	}
	if task, err := a.srv.state.TaskByID(project.ID, lease.TaskID); err == nil {
		task.Status = structs.TaskStatusTodo
		task.Assignee = ""
		task.StartedAt = nil
		if index, ierr := a.srv.state.LatestIndex(); ierr == nil {
			if uerr := a.srv.state.UpsertTask(index+1, task); uerr != nil {
				a.srv.logger.Error("state reset failed", "task_id", lease.TaskID, "error", uerr)
			}
		}
	}
	a.srv.events.Publish(&structs.Event{
		Type:      structs.EventTaskReleased,
		ProjectID: project.ID,
		TaskID:    lease.TaskID,
		AgentID:   lease.AgentID,
		Details:   "agent deregistered",
	})
	return true, nil
}

// alreadyDone reports whether the session's active project records the
// task as completed.
func (a *AgentEndpoint) alreadyDone(sessionID, taskID string) bool {
	project, err := a.srv.activeProject(sessionID)
	if err != nil {
		return false
	}
	task, err := a.srv.state.TaskByID(project.ID, taskID)
	return err == nil && task.Status == structs.TaskStatusDone
}

// boardAPI is the subset of the provider the agent endpoint touches.
type boardAPI interface {
	UpdateStatus(ctx context.Context, projectID, taskID, status string) error
	UnassignTask(ctx context.Context, projectID, taskID string) error
	AddComment(ctx context.Context, projectID, taskID, text string) error
}

// resolveOwned resolves the session's project and verifies the agent holds
// the task's lease.
func (a *AgentEndpoint) resolveOwned(ctx context.Context, sessionID, agentID, taskID string) (*structs.Agent, *structs.Project, boardAPI, *structs.Task, error) {
	agent, err := a.srv.store.GetAgent(agentID)
	if err != nil {
		return nil, nil, nil, nil, structs.NewAgentNotRegistered(agentID)
	}
	a.srv.touchAgent(agent.ID)

	project, err := a.srv.activeProject(sessionID)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	board, err := a.srv.boardFor(project)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	lease, err := a.srv.store.GetLease(project.ID, taskID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, nil, nil, structs.NewTaskNotFound(taskID)
	}
	if err != nil {
		return nil, nil, nil, nil, err
	}
	if lease.AgentID != agent.ID {
		return nil, nil, nil, nil, structs.NewNotTaskOwner(agent.ID, taskID)
	}

	task, err := a.srv.state.TaskByID(project.ID, taskID)
	if err != nil {
		return nil, nil, nil, nil, structs.NewTaskNotFound(taskID)
	}
	return agent, project, board, task, nil
}
