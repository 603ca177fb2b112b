package marcus

import (
	"context"
	"fmt"
	"strings"

	"github.com/marcushq/marcus/kanban"
	"github.com/marcushq/marcus/marcus/structs"
)

// ProjectEndpoint serves the project registry tools.
type ProjectEndpoint struct {
	srv *Server
}

type AddProjectRequest struct {
	SessionID string

	// ProjectID is the provider-side handle (board ID, "owner/repo").
	ProjectID string
	Name      string
	Provider  string
	Config    map[string]string
}

type AddProjectResponse struct {
	Project *structs.Project
}

// Add registers an existing board as a project and makes it the session's
// active project.
func (p *ProjectEndpoint) Add(ctx context.Context, args *AddProjectRequest) (*AddProjectResponse, error) {
	if args.ProjectID == "" {
		return nil, structs.NewValidationError("project_id is required")
	}
	if args.Provider == "" {
		return nil, structs.NewValidationError("provider is required (known: %v)", kanban.Known())
	}

	project := &structs.Project{
		ID:             args.ProjectID,
		Name:           args.Name,
		Provider:       args.Provider,
		ProviderConfig: args.Config,
		CreatedAt:      p.srv.now().UTC(),
		LastUsedAt:     p.srv.now().UTC(),
	}
	if project.Name == "" {
		project.Name = project.ID
	}

	// Fail fast on a misconfigured provider before persisting anything.
	if _, err := kanban.New(project.Provider, p.srv.logger, project.ProviderConfig); err != nil {
		return nil, structs.NewValidationError("provider setup failed: %v", err)
	}

	if err := p.srv.store.PutProject(project); err != nil {
		return nil, err
	}
	if err := p.activate(ctx, args.SessionID, project); err != nil {
		return nil, err
	}
	p.srv.logger.Info("project added", "project_id", project.ID, "provider", project.Provider)
	return &AddProjectResponse{Project: project}, nil
}

type ListProjectsResponse struct {
	Projects []*structs.Project

	// ActiveProjectID is the session's current project, empty when none.
	ActiveProjectID string
}

// List returns every registered project.
func (p *ProjectEndpoint) List(sessionID string) (*ListProjectsResponse, error) {
	projects, err := p.srv.store.ListProjects()
	if err != nil {
		return nil, err
	}
	active, _ := p.srv.store.GetActiveProject(sessionOrDefault(sessionID))
	return &ListProjectsResponse{Projects: projects, ActiveProjectID: active}, nil
}

type SwitchProjectRequest struct {
	SessionID string
	ProjectID string
}

type SwitchProjectResponse struct {
	Project *structs.Project
}

// Switch makes the named project the session's active project and refreshes
// its task graph.
func (p *ProjectEndpoint) Switch(ctx context.Context, args *SwitchProjectRequest) (*SwitchProjectResponse, error) {
	project, err := p.srv.store.GetProject(args.ProjectID)
	if err != nil {
		return nil, structs.NewCodedError(structs.ErrCodeTaskNotFound,
			"project %q is not registered", args.ProjectID).
			WithHint("Call list_projects to see registered projects, or add_project to register one.")
	}
	if err := p.activate(ctx, args.SessionID, project); err != nil {
		return nil, err
	}
	return &SwitchProjectResponse{Project: project}, nil
}

type CurrentProjectResponse struct {
	Project *structs.Project
}

// Current returns the session's active project.
func (p *ProjectEndpoint) Current(sessionID string) (*CurrentProjectResponse, error) {
	project, err := p.srv.activeProject(sessionID)
	if err != nil {
		return nil, err
	}
	return &CurrentProjectResponse{Project: project}, nil
}

// Actions reported by the project creation and lookup tools.
const (
	ActionProjectCreated = "project_created"
	ActionTasksAdded     = "tasks_added"
	ActionConfirmReuse   = "confirm_reuse"
	ActionSelectProject  = "select_project"

	ActionFoundExisting = "found_existing"
	ActionFoundSimilar  = "found_similar"
	ActionGuideCreation = "guide_creation"
	ActionNotFound      = "not_found"
)

// Creation modes.
const (
	CreateModeAuto       = "auto"
	CreateModeAddFeature = "add_feature"
	CreateModeNewProject = "new_project"
)

type CreateProjectRequest struct {
	SessionID   string
	Name        string
	Description string

	// Provider defaults to memory, which needs no external board.
	Provider string
	Config   map[string]string

	// Complexity selects how much ceremony each feature gets (prototype,
	// standard, enterprise). Defaults to standard.
	Complexity string

	// Mode picks between creating a board and appending to one: auto,
	// add_feature or new_project. Auto appends when ExistingProjectID is
	// set, asks for confirmation when the name collides, and creates
	// otherwise.
	Mode string

	// ExistingProjectID names the append target for add_feature.
	ExistingProjectID string
}

type CreateProjectResponse struct {
	// Action is project_created, tasks_added, confirm_reuse or
	// select_project.
	Action string

	Project *structs.Project
	Build   *BuildResult

	TasksCreated int

	// Guidance tells the agent how to resolve confirm_reuse and
	// select_project answers.
	Guidance string
}

// Create analyzes a description and either creates a board populated with
// phased tasks or, in append mode, adds the new feature's tasks to an
// existing project.
func (p *ProjectEndpoint) Create(ctx context.Context, args *CreateProjectRequest) (*CreateProjectResponse, error) {
	if args.Description == "" {
		return nil, structs.NewValidationError("description is required")
	}
	mode := args.Mode
	if mode == "" {
		mode = CreateModeAuto
	}
	switch mode {
	case CreateModeAuto, CreateModeAddFeature, CreateModeNewProject:
	default:
		return nil, structs.NewValidationError(
			"unknown mode %q (known: auto, add_feature, new_project)", args.Mode)
	}

	target := args.ExistingProjectID
	if mode == CreateModeAddFeature && target == "" {
		active, err := p.srv.activeProject(args.SessionID)
		if err != nil {
			return &CreateProjectResponse{
				Action: ActionSelectProject,
				Guidance: "add_feature needs a target project and this session has none active. " +
					"Call list_projects and pass existing_project_id.",
			}, nil
		}
		target = active.ID
	}
	if target != "" && mode != CreateModeNewProject {
		return p.appendFeature(ctx, args, target)
	}

	if args.Name == "" {
		return nil, structs.NewValidationError("name is required")
	}
	if mode == CreateModeAuto {
		if existing := p.projectByName(args.Name); existing != nil {
			return &CreateProjectResponse{
				Action:  ActionConfirmReuse,
				Project: existing,
				Guidance: fmt.Sprintf("A project named %q already exists. Re-run with "+
					"mode=add_feature to extend it, or mode=new_project to start fresh.", args.Name),
			}, nil
		}
	}

	providerName := args.Provider
	if providerName == "" {
		providerName = "memory"
	}

	inner, err := kanban.New(providerName, p.srv.logger, args.Config)
	if err != nil {
		return nil, structs.NewValidationError("provider setup failed: %v", err)
	}

	projectID := args.Config["project_id"]
	if projectID == "" {
		creator, ok := inner.(kanban.ProjectCreator)
		if !ok {
			return nil, structs.NewValidationError(
				"provider %q cannot create boards; pass config.project_id", providerName)
		}
		projectID, err = creator.CreateProject(ctx, args.Name, args.Config)
		if err != nil {
			return nil, structs.NewCodedError(structs.ErrCodeKanbanUnavailable,
				"board creation failed: %v", err)
		}
	}

	project := &structs.Project{
		ID:             projectID,
		Name:           args.Name,
		Provider:       providerName,
		ProviderConfig: args.Config,
		CreatedAt:      p.srv.now().UTC(),
		LastUsedAt:     p.srv.now().UTC(),
	}
	if err := p.srv.store.PutProject(project); err != nil {
		return nil, err
	}

	board, err := p.srv.boardFor(project)
	if err != nil {
		return nil, err
	}
	build, err := p.srv.builder.Build(ctx, board, project.ID, args.Description, args.Complexity)
	if err != nil {
		return nil, err
	}
	if err := p.activate(ctx, args.SessionID, project); err != nil {
		return nil, err
	}

	p.srv.logger.Info("project created", "project_id", project.ID,
		"provider", providerName, "tasks", len(build.TaskIDs))
	return &CreateProjectResponse{
		Action:       ActionProjectCreated,
		Project:      project,
		Build:        build,
		TasksCreated: len(build.TaskIDs),
	}, nil
}

// appendFeature runs the analysis against an existing project's board.
func (p *ProjectEndpoint) appendFeature(ctx context.Context, args *CreateProjectRequest, projectID string) (*CreateProjectResponse, error) {
	project, err := p.srv.store.GetProject(projectID)
	if err != nil {
		return nil, structs.NewCodedError(structs.ErrCodeTaskNotFound,
			"project %q is not registered", projectID).
			WithHint("Call list_projects to see registered projects.")
	}

	board, err := p.srv.boardFor(project)
	if err != nil {
		return nil, err
	}
	build, err := p.srv.builder.Build(ctx, board, project.ID, args.Description, args.Complexity)
	if err != nil {
		return nil, err
	}
	if err := p.activate(ctx, args.SessionID, project); err != nil {
		return nil, err
	}

	p.srv.logger.Info("feature appended", "project_id", project.ID,
		"tasks", len(build.TaskIDs))
	return &CreateProjectResponse{
		Action:       ActionTasksAdded,
		Project:      project,
		Build:        build,
		TasksCreated: len(build.TaskIDs),
	}, nil
}

type FindOrCreateProjectRequest struct {
	SessionID string
	Name      string

	// CreateIfMissing asks for creation guidance instead of a plain
	// not_found when nothing matches.
	CreateIfMissing bool
}

type FindOrCreateProjectResponse struct {
	// Action is found_existing, found_similar, guide_creation or
	// not_found.
	Action string

	// Project is set on an exact match, which also becomes active.
	Project *structs.Project

	// Candidates are near-matches when Action is found_similar.
	Candidates []*structs.Project

	Guidance string
}

// FindOrCreate resolves a project by name. An exact match becomes the
// session's active project; near-matches are returned for the agent to
// choose from; a miss either points at create_project or reports
// not_found.
func (p *ProjectEndpoint) FindOrCreate(ctx context.Context, args *FindOrCreateProjectRequest) (*FindOrCreateProjectResponse, error) {
	if args.Name == "" {
		return nil, structs.NewValidationError("name is required")
	}
	projects, err := p.srv.store.ListProjects()
	if err != nil {
		return nil, err
	}

	for _, project := range projects {
		if project.Name == args.Name {
			if err := p.activate(ctx, args.SessionID, project); err != nil {
				return nil, err
			}
			return &FindOrCreateProjectResponse{
				Action:  ActionFoundExisting,
				Project: project,
			}, nil
		}
	}

	want := normalizeName(args.Name)
	var candidates []*structs.Project
	for _, project := range projects {
		have := normalizeName(project.Name)
		if have == "" || want == "" {
			continue
		}
		if strings.Contains(have, want) || strings.Contains(want, have) {
			candidates = append(candidates, project)
		}
	}
	if len(candidates) > 0 {
		return &FindOrCreateProjectResponse{
			Action:     ActionFoundSimilar,
			Candidates: candidates,
			Guidance:   "No exact match. Call switch_project with one of the candidate IDs, or create_project to start a new one.",
		}, nil
	}

	if args.CreateIfMissing {
		return &FindOrCreateProjectResponse{
			Action:   ActionGuideCreation,
			Guidance: fmt.Sprintf("No project named %q. Call create_project with this name and a description of what to build.", args.Name),
		}, nil
	}
	return &FindOrCreateProjectResponse{
		Action:   ActionNotFound,
		Guidance: "No project matches. Call list_projects to browse, or create_project to start one.",
	}, nil
}

// projectByName returns the registered project with this exact name, or
// nil.
func (p *ProjectEndpoint) projectByName(name string) *structs.Project {
	projects, err := p.srv.store.ListProjects()
	if err != nil {
		return nil
	}
	for _, project := range projects {
		if project.Name == name {
			return project
		}
	}
	return nil
}

// normalizeName lowers a project name and strips everything but letters
// and digits, so "Todo App" and "todo-app" compare equal.
func normalizeName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// activate points the session at the project and refreshes its graph.
func (p *ProjectEndpoint) activate(ctx context.Context, sessionID string, project *structs.Project) error {
	if err := p.srv.store.SetActiveProject(sessionOrDefault(sessionID), project.ID); err != nil {
		return err
	}
	project.LastUsedAt = p.srv.now().UTC()
	if err := p.srv.store.PutProject(project); err != nil {
		return err
	}
	p.srv.contextSvc.Invalidate()
	if err := p.srv.syncProject(ctx, project); err != nil {
		return fmt.Errorf("project activated but sync failed: %w", err)
	}
	return nil
}

// defaultSessionID stands in when the transport supplies no session, e.g.
// a single-agent stdio connection.
const defaultSessionID = "default"
