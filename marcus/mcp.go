package marcus

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	metrics "github.com/hashicorp/go-metrics"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/marcushq/marcus/marcus/structs"
)

// serverInstructions is sent to every agent during MCP initialization.
const serverInstructions = `You are a worker agent coordinated by Marcus.

## Startup
1. register_agent with your name, role and skills
2. get_current_project — if none is active, list_projects / switch_project
   or create_project from a description
3. request_next_task — receive a task, a lease, and a context preamble

## While working
- Read the preamble first: it carries the decisions and artifacts your
  task depends on.
- report_task_progress every few minutes; every report renews your lease.
  A silent agent loses its lease and the task goes back to the queue.
- log_decision for every architectural choice others must honor.
- log_artifact for every spec, API contract or design document you write.
- report_blocker when stuck but still working it; release_task to give
  the task up.

## Finishing
- report_task_progress with status='done' completes the task.
- request_next_task again; when nothing is eligible the response tells
  you how long to wait before retrying.`

// MCPServer builds the MCP tool surface over the server. Every tool
// returns a JSON payload with an "ok" field; business errors carry a wire
// code and a hint instead of unwinding into the transport.
func (s *Server) MCPServer() *server.MCPServer {
	m := server.NewMCPServer("marcus", s.config.BuildVersion,
		server.WithInstructions(serverInstructions),
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)
	s.registerAgentTools(m)
	s.registerProjectTools(m)
	s.registerContextTools(m)
	s.registerStatusTools(m)
	return m
}

// ServeStdio runs the MCP server over stdin/stdout until the client
// disconnects.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.MCPServer())
}

func (s *Server) registerAgentTools(m *server.MCPServer) {
	m.AddTool(mcp.NewTool("register_agent",
		mcp.WithDescription("Register this agent with the coordinator. Re-register to update skills."),
		mcp.WithString("agent_id", mcp.Description("Stable agent ID; generated when omitted")),
		mcp.WithString("name", mcp.Required(), mcp.Description("Human-readable agent name")),
		mcp.WithString("role", mcp.Required(), mcp.Description("Agent role, e.g. backend, frontend, qa")),
		mcp.WithArray("skills", mcp.Description("Skill tags used for task matching"),
			mcp.Items(map[string]any{"type": "string"})),
		mcp.WithNumber("capacity", mcp.Description("Max concurrent tasks, default 1")),
	), s.handle("register_agent", func(ctx context.Context, req mcp.CallToolRequest) (any, error) {
		name, err := req.RequireString("name")
		if err != nil {
			return nil, structs.NewValidationError("%v", err)
		}
		role, err := req.RequireString("role")
		if err != nil {
			return nil, structs.NewValidationError("%v", err)
		}
		return s.agentEndpoint.Register(&RegisterAgentRequest{
			AgentID:  req.GetString("agent_id", ""),
			Name:     name,
			Role:     role,
			Skills:   req.GetStringSlice("skills", nil),
			Capacity: req.GetInt("capacity", 0),
		})
	}))

	m.AddTool(mcp.NewTool("request_next_task",
		mcp.WithDescription("Request the best eligible task from the active project. Returns the task, a lease, and a context preamble, or a retry delay when nothing is eligible."),
		mcp.WithString("agent_id", mcp.Required()),
	), s.handle("request_next_task", func(ctx context.Context, req mcp.CallToolRequest) (any, error) {
		agentID, err := req.RequireString("agent_id")
		if err != nil {
			return nil, structs.NewValidationError("%v", err)
		}
		return s.agentEndpoint.RequestNextTask(ctx, &RequestTaskRequest{
			SessionID: sessionFromContext(ctx),
			AgentID:   agentID,
		})
	}))

	m.AddTool(mcp.NewTool("report_task_progress",
		mcp.WithDescription("Report progress on a held task. Renews the lease; status='done' completes the task."),
		mcp.WithString("agent_id", mcp.Required()),
		mcp.WithString("task_id", mcp.Required()),
		mcp.WithString("status", mcp.Description("in_progress or done, default in_progress")),
		mcp.WithNumber("progress", mcp.Description("0-100 completion estimate")),
		mcp.WithString("message", mcp.Description("Progress note, mirrored to the board")),
	), s.handle("report_task_progress", func(ctx context.Context, req mcp.CallToolRequest) (any, error) {
		agentID, taskID, err := requireAgentTask(req)
		if err != nil {
			return nil, err
		}
		return s.agentEndpoint.ReportProgress(ctx, &ReportProgressRequest{
			SessionID: sessionFromContext(ctx),
			AgentID:   agentID,
			TaskID:    taskID,
			Status:    req.GetString("status", structs.TaskStatusInProgress),
			Progress:  req.GetInt("progress", 0),
			Message:   req.GetString("message", ""),
		})
	}))

	m.AddTool(mcp.NewTool("report_blocker",
		mcp.WithDescription("Mark a held task blocked. The lease stays with you; release_task to give the task up instead."),
		mcp.WithString("agent_id", mcp.Required()),
		mcp.WithString("task_id", mcp.Required()),
		mcp.WithString("description", mcp.Required(), mcp.Description("What is blocking and what was tried")),
	), s.handle("report_blocker", func(ctx context.Context, req mcp.CallToolRequest) (any, error) {
		agentID, taskID, err := requireAgentTask(req)
		if err != nil {
			return nil, err
		}
		description, err := req.RequireString("description")
		if err != nil {
			return nil, structs.NewValidationError("%v", err)
		}
		return s.agentEndpoint.ReportBlocker(ctx, &ReportBlockerRequest{
			SessionID:   sessionFromContext(ctx),
			AgentID:     agentID,
			TaskID:      taskID,
			Description: description,
		})
	}))

	m.AddTool(mcp.NewTool("release_task",
		mcp.WithDescription("Return a held task to the queue."),
		mcp.WithString("agent_id", mcp.Required()),
		mcp.WithString("task_id", mcp.Required()),
		mcp.WithString("reason"),
	), s.handle("release_task", func(ctx context.Context, req mcp.CallToolRequest) (any, error) {
		agentID, taskID, err := requireAgentTask(req)
		if err != nil {
			return nil, err
		}
		return s.agentEndpoint.ReleaseTask(ctx, &ReleaseTaskRequest{
			SessionID: sessionFromContext(ctx),
			AgentID:   agentID,
			TaskID:    taskID,
			Reason:    req.GetString("reason", ""),
		})
	}))

	m.AddTool(mcp.NewTool("deregister_agent",
		mcp.WithDescription("Remove this agent, releasing every task it holds."),
		mcp.WithString("agent_id", mcp.Required()),
	), s.handle("deregister_agent", func(ctx context.Context, req mcp.CallToolRequest) (any, error) {
		agentID, err := req.RequireString("agent_id")
		if err != nil {
			return nil, structs.NewValidationError("%v", err)
		}
		return s.agentEndpoint.Deregister(ctx, &DeregisterAgentRequest{AgentID: agentID})
	}))
}

func (s *Server) registerProjectTools(m *server.MCPServer) {
	m.AddTool(mcp.NewTool("add_project",
		mcp.WithDescription("Register an existing board as a project and make it active."),
		mcp.WithString("project_id", mcp.Required(), mcp.Description("Provider-side board handle, e.g. 'owner/repo'")),
		mcp.WithString("name"),
		mcp.WithString("provider", mcp.Required(), mcp.Description("Board provider: memory, planka, github, ...")),
		mcp.WithObject("config", mcp.Description("Provider configuration, e.g. tokens and URLs")),
	), s.handle("add_project", func(ctx context.Context, req mcp.CallToolRequest) (any, error) {
		projectID, err := req.RequireString("project_id")
		if err != nil {
			return nil, structs.NewValidationError("%v", err)
		}
		return s.projectEndpoint.Add(ctx, &AddProjectRequest{
			SessionID: sessionFromContext(ctx),
			ProjectID: projectID,
			Name:      req.GetString("name", ""),
			Provider:  req.GetString("provider", ""),
			Config:    stringMapArg(req, "config"),
		})
	}))

	m.AddTool(mcp.NewTool("list_projects",
		mcp.WithDescription("List registered projects and which one is active."),
	), s.handle("list_projects", func(ctx context.Context, req mcp.CallToolRequest) (any, error) {
		return s.projectEndpoint.List(sessionFromContext(ctx))
	}))

	m.AddTool(mcp.NewTool("switch_project",
		mcp.WithDescription("Make a registered project the active one for this session."),
		mcp.WithString("project_id", mcp.Required()),
	), s.handle("switch_project", func(ctx context.Context, req mcp.CallToolRequest) (any, error) {
		projectID, err := req.RequireString("project_id")
		if err != nil {
			return nil, structs.NewValidationError("%v", err)
		}
		return s.projectEndpoint.Switch(ctx, &SwitchProjectRequest{
			SessionID: sessionFromContext(ctx),
			ProjectID: projectID,
		})
	}))

	m.AddTool(mcp.NewTool("get_current_project",
		mcp.WithDescription("Return the session's active project."),
	), s.handle("get_current_project", func(ctx context.Context, req mcp.CallToolRequest) (any, error) {
		return s.projectEndpoint.Current(sessionFromContext(ctx))
	}))

	m.AddTool(mcp.NewTool("create_project",
		mcp.WithDescription("Create a project from a natural-language description, or append a feature's tasks to an existing one. The response's action field says what happened: project_created, tasks_added, confirm_reuse or select_project."),
		mcp.WithString("name", mcp.Description("Required when creating a new board")),
		mcp.WithString("description", mcp.Required(), mcp.Description("What to build, in prose")),
		mcp.WithString("provider", mcp.Description("Board provider, default memory")),
		mcp.WithString("complexity", mcp.Description("prototype, standard or enterprise; default standard")),
		mcp.WithString("mode", mcp.Description("auto, add_feature or new_project; default auto")),
		mcp.WithString("existing_project_id", mcp.Description("Append target for add_feature")),
		mcp.WithObject("config", mcp.Description("Provider configuration")),
	), s.handle("create_project", func(ctx context.Context, req mcp.CallToolRequest) (any, error) {
		return s.projectEndpoint.Create(ctx, &CreateProjectRequest{
			SessionID:         sessionFromContext(ctx),
			Name:              req.GetString("name", ""),
			Description:       req.GetString("description", ""),
			Provider:          req.GetString("provider", ""),
			Config:            stringMapArg(req, "config"),
			Complexity:        req.GetString("complexity", ""),
			Mode:              req.GetString("mode", ""),
			ExistingProjectID: req.GetString("existing_project_id", ""),
		})
	}))

	m.AddTool(mcp.NewTool("find_or_create_project",
		mcp.WithDescription("Resolve a project by name. An exact match becomes active (found_existing); near-matches are listed (found_similar); otherwise the response guides creation (guide_creation) or reports not_found."),
		mcp.WithString("project_name", mcp.Required()),
		mcp.WithBoolean("create_if_missing", mcp.Description("Return creation guidance when nothing matches")),
	), s.handle("find_or_create_project", func(ctx context.Context, req mcp.CallToolRequest) (any, error) {
		name, err := req.RequireString("project_name")
		if err != nil {
			return nil, structs.NewValidationError("%v", err)
		}
		return s.projectEndpoint.FindOrCreate(ctx, &FindOrCreateProjectRequest{
			SessionID:       sessionFromContext(ctx),
			Name:            name,
			CreateIfMissing: req.GetBool("create_if_missing", false),
		})
	}))
}

func (s *Server) registerContextTools(m *server.MCPServer) {
	m.AddTool(mcp.NewTool("log_decision",
		mcp.WithDescription("Record an architectural decision. It appears in the preamble of dependent tasks and of any task listed in affects_tasks."),
		mcp.WithString("agent_id", mcp.Required()),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task the decision was made on")),
		mcp.WithString("what", mcp.Required(), mcp.Description("The decision itself")),
		mcp.WithString("why"),
		mcp.WithString("impact"),
		mcp.WithArray("affects_tasks", mcp.Description("Task IDs whose assignees must see this"),
			mcp.Items(map[string]any{"type": "string"})),
	), s.handle("log_decision", func(ctx context.Context, req mcp.CallToolRequest) (any, error) {
		agentID, taskID, err := requireAgentTask(req)
		if err != nil {
			return nil, err
		}
		return s.contextEndpoint.LogDecision(ctx, &LogDecisionRequest{
			SessionID:    sessionFromContext(ctx),
			AgentID:      agentID,
			TaskID:       taskID,
			What:         req.GetString("what", ""),
			Why:          req.GetString("why", ""),
			Impact:       req.GetString("impact", ""),
			AffectsTasks: req.GetStringSlice("affects_tasks", nil),
		})
	}))

	m.AddTool(mcp.NewTool("log_artifact",
		mcp.WithDescription("Record a produced artifact (spec, API contract, design doc). The returned path is where consumers will look for it."),
		mcp.WithString("agent_id", mcp.Required()),
		mcp.WithString("task_id", mcp.Required()),
		mcp.WithString("filename", mcp.Required()),
		mcp.WithString("type", mcp.Required(), mcp.Description("api, design, architecture, specification, reference or other")),
		mcp.WithString("description"),
		mcp.WithString("location", mcp.Description("Override for the canonical directory")),
		mcp.WithString("content", mcp.Description("Artifact content; hashed and measured, not stored")),
	), s.handle("log_artifact", func(ctx context.Context, req mcp.CallToolRequest) (any, error) {
		agentID, taskID, err := requireAgentTask(req)
		if err != nil {
			return nil, err
		}
		return s.contextEndpoint.LogArtifact(ctx, &LogArtifactRequest{
			SessionID:   sessionFromContext(ctx),
			AgentID:     agentID,
			TaskID:      taskID,
			Filename:    req.GetString("filename", ""),
			Type:        req.GetString("type", ""),
			Description: req.GetString("description", ""),
			Location:    req.GetString("location", ""),
			Content:     []byte(req.GetString("content", "")),
		})
	}))

	m.AddTool(mcp.NewTool("get_task_context",
		mcp.WithDescription("Return the assembled context for any task: preamble, dependencies, decisions and artifacts."),
		mcp.WithString("task_id", mcp.Required()),
	), s.handle("get_task_context", func(ctx context.Context, req mcp.CallToolRequest) (any, error) {
		taskID, err := req.RequireString("task_id")
		if err != nil {
			return nil, structs.NewValidationError("%v", err)
		}
		return s.contextEndpoint.GetTaskContext(ctx, &GetTaskContextRequest{
			SessionID: sessionFromContext(ctx),
			TaskID:    taskID,
		})
	}))
}

func (s *Server) registerStatusTools(m *server.MCPServer) {
	m.AddTool(mcp.NewTool("ping",
		mcp.WithDescription("Liveness probe; echoes the argument back."),
		mcp.WithString("echo"),
	), s.handle("ping", func(ctx context.Context, req mcp.CallToolRequest) (any, error) {
		return s.statusEndpoint.Ping(&PingRequest{Echo: req.GetString("echo", "")}), nil
	}))

	m.AddTool(mcp.NewTool("get_project_status",
		mcp.WithDescription("Return the active project's task counts, live leases and recent events."),
		mcp.WithNumber("event_limit", mcp.Description("Recent event count, default 20")),
	), s.handle("get_project_status", func(ctx context.Context, req mcp.CallToolRequest) (any, error) {
		return s.statusEndpoint.GetProjectStatus(ctx, &ProjectStatusRequest{
			SessionID:  sessionFromContext(ctx),
			EventLimit: req.GetInt("event_limit", 0),
		})
	}))
}

// handle wraps a tool handler with metrics and the ok/error envelope.
func (s *Server) handle(name string, fn func(context.Context, mcp.CallToolRequest) (any, error)) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		defer metrics.MeasureSince([]string{"marcus", "tool", name}, time.Now())

		result, err := fn(ctx, req)
		if err != nil {
			s.logger.Warn("tool call failed", "tool", name,
				"code", structs.CodeForErr(err), "error", err)
			metrics.IncrCounterWithLabels([]string{"marcus", "tool", "errors"}, 1,
				[]metrics.Label{{Name: "tool", Value: name}})
			return errEnvelope(err), nil
		}
		return okEnvelope(result)
	}
}

// sessionFromContext resolves the MCP session ID, which scopes the active
// project.
func sessionFromContext(ctx context.Context) string {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		return session.SessionID()
	}
	return ""
}

func requireAgentTask(req mcp.CallToolRequest) (agentID, taskID string, err error) {
	agentID, err = req.RequireString("agent_id")
	if err != nil {
		return "", "", structs.NewValidationError("%v", err)
	}
	taskID, err = req.RequireString("task_id")
	if err != nil {
		return "", "", structs.NewValidationError("%v", err)
	}
	return agentID, taskID, nil
}

// stringMapArg flattens an object argument into the string map provider
// configs take.
func stringMapArg(req mcp.CallToolRequest, key string) map[string]string {
	raw, ok := req.GetArguments()[key].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

type envelope struct {
	OK     bool   `json:"ok"`
	Result any    `json:"result,omitempty"`
	Code   string `json:"code,omitempty"`
	Error  string `json:"error,omitempty"`
	Hint   string `json:"hint,omitempty"`
}

func okEnvelope(result any) (*mcp.CallToolResult, error) {
	out, err := json.Marshal(&envelope{OK: true, Result: result})
	if err != nil {
		return errEnvelope(structs.NewCodedError(structs.ErrCodeInternal,
			"response encoding failed: %v", err)), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}

func errEnvelope(err error) *mcp.CallToolResult {
	env := &envelope{OK: false, Code: structs.CodeForErr(err), Error: err.Error()}
	var coded *structs.CodedError
	if errors.As(err, &coded) {
		env.Error = coded.Message
		env.Hint = coded.Hint
	}
	out, _ := json.Marshal(env)
	result := mcp.NewToolResultText(string(out))
	result.IsError = true
	return result
}
