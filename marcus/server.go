// Package marcus implements the coordination server: it owns the durable
// state, the per-project task graphs, the scheduler, and the MCP tool
// surface that worker agents call to register and pull work.
package marcus

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/marcushq/marcus/ai"
	"github.com/marcushq/marcus/kanban"
	"github.com/marcushq/marcus/marcus/state"
	"github.com/marcushq/marcus/marcus/store"
	"github.com/marcushq/marcus/marcus/structs"
	"github.com/marcushq/marcus/scheduler"
)

// Server coordinates agents, projects and boards. There is one per process;
// all state hangs off it, never off globals.
type Server struct {
	config *Config
	logger hclog.Logger

	store store.StateDB
	state *state.StateStore

	sched        *scheduler.TaskScheduler
	retryPlanner *scheduler.RetryPlanner
	parser       ai.PRDParser
	contextSvc   *ContextService
	leaseMonitor *LeaseMonitor
	builder      *ProjectBuilder
	events       *EventBuffer

	agentEndpoint   *AgentEndpoint
	projectEndpoint *ProjectEndpoint
	contextEndpoint *ContextEndpoint
	statusEndpoint  *StatusEndpoint

	// boards caches one reliable provider per project.
	boardMu sync.Mutex
	boards  map[string]kanban.Provider

	// projectLocks serialize board sync and build per project.
	lockMu       sync.Mutex
	projectLocks map[string]*sync.Mutex

	shutdownCh   chan struct{}
	shutdownOnce sync.Once

	startedAt time.Time
	now       func() time.Time
}

// NewServer constructs and starts a server from its config.
func NewServer(config *Config) (*Server, error) {
	logger := config.Logger.Named("marcus")

	var db store.StateDB
	if config.DevMode {
		db = store.NewMemStateDB()
	} else {
		var err error
		db, err = store.NewBoltStateDB(logger, config.DataDir)
		if err != nil {
			return nil, fmt.Errorf("state database setup failed: %w", err)
		}
	}

	taskState, err := state.NewStateStore(logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	if config.WorkspaceDir == "" {
		config.WorkspaceDir = filepath.Join(config.DataDir, "workspace")
	}

	parser := config.Parser
	if parser == nil {
		parser = ai.NewLLMParser(logger,
			ai.NewAnthropicClient(logger, config.AnthropicAPIKey, config.AnthropicModel))
	}

	s := &Server{
		config:       config,
		logger:       logger,
		store:        db,
		state:        taskState,
		sched:        scheduler.NewTaskScheduler(logger, taskState, db),
		retryPlanner: scheduler.NewRetryPlanner(taskState, db),
		parser:       parser,
		events:       NewEventBuffer(),
		boards:       make(map[string]kanban.Provider),
		projectLocks: make(map[string]*sync.Mutex),
		shutdownCh:   make(chan struct{}),
		startedAt:    time.Now().UTC(),
		now:          time.Now,
	}
	s.contextSvc = NewContextService(logger, db, taskState)
	s.builder = NewProjectBuilder(logger, s.parser)

	s.agentEndpoint = &AgentEndpoint{srv: s}
	s.projectEndpoint = &ProjectEndpoint{srv: s}
	s.contextEndpoint = &ContextEndpoint{srv: s}
	s.statusEndpoint = &StatusEndpoint{srv: s}

	interval := config.LeaseMonitorInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	s.leaseMonitor = NewLeaseMonitor(logger, s, interval)
	go s.leaseMonitor.Run(s.shutdownCh)

	s.logger.Info("server started", "dev_mode", config.DevMode,
		"providers", kanban.Known())
	return s, nil
}

// Shutdown stops background work and closes the state database.
func (s *Server) Shutdown() error {
	var err error
	s.shutdownOnce.Do(func() {
		close(s.shutdownCh)
		err = s.store.Close()
		s.logger.Info("server shut down")
	})
	return err
}

// projectLock returns the mutex serializing sync/build for a project.
func (s *Server) projectLock(projectID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	mu, ok := s.projectLocks[projectID]
	if !ok {
		mu = new(sync.Mutex)
		s.projectLocks[projectID] = mu
	}
	return mu
}

// boardFor returns the project's provider, wrapped with retry, breaker and
// caching. Providers are cached per project.
func (s *Server) boardFor(project *structs.Project) (kanban.Provider, error) {
	s.boardMu.Lock()
	defer s.boardMu.Unlock()

	if board, ok := s.boards[project.ID]; ok {
		return board, nil
	}
	inner, err := kanban.New(project.Provider, s.logger, project.ProviderConfig)
	if err != nil {
		return nil, err
	}
	board := kanban.NewReliable(inner, s.logger)
	s.boards[project.ID] = board
	return board, nil
}

// dropBoard evicts a project's cached provider.
func (s *Server) dropBoard(projectID string) {
	s.boardMu.Lock()
	defer s.boardMu.Unlock()
	delete(s.boards, projectID)
}

// sessionOrDefault normalizes the transport session ID. Stdio transports
// have a single implicit session.
func sessionOrDefault(sessionID string) string {
	if sessionID == "" {
		return defaultSessionID
	}
	return sessionID
}

// activeProject resolves the session's active project, or the
// NO_ACTIVE_PROJECT error with recovery hints.
func (s *Server) activeProject(sessionID string) (*structs.Project, error) {
	projectID, err := s.store.GetActiveProject(sessionOrDefault(sessionID))
	if err != nil {
		return nil, structs.ErrNoActiveProject
	}
	project, err := s.store.GetProject(projectID)
	if err != nil {
		return nil, structs.ErrNoActiveProject
	}
	return project, nil
}

// syncProject refreshes the local task state from the board. The graph is
// rebuilt when the board's shape drifted; otherwise tasks are upserted in
// place so status movement lands incrementally.
func (s *Server) syncProject(ctx context.Context, project *structs.Project) error {
	mu := s.projectLock(project.ID)
	mu.Lock()
	defer mu.Unlock()

	board, err := s.boardFor(project)
	if err != nil {
		return err
	}
	tasks, err := board.ListTasks(ctx, project.ID)
	if err != nil {
		return structs.NewCodedError(structs.ErrCodeKanbanUnavailable,
			"board list failed: %v", err)
	}

	index, err := s.state.LatestIndex()
	if err != nil {
		return err
	}
	index++

	if s.state.NeedsRebuild(project.ID, tasks) {
		if err := s.state.RebuildProject(index, project.ID, tasks); err != nil {
			return err
		}
		s.events.Publish(&structs.Event{
			Type:      structs.EventGraphRebuilt,
			ProjectID: project.ID,
			Details:   fmt.Sprintf("%d tasks", len(tasks)),
		})
		return nil
	}

	for _, task := range tasks {
		task.ProjectID = project.ID
		if err := s.state.UpsertTask(index, task); err != nil {
			return err
		}
	}
	return nil
}

// writeWorkspaceFile stores artifact content under the project's workspace
// directory, creating parent directories as needed.
func (s *Server) writeWorkspaceFile(projectID, relPath string, content []byte) error {
	full := filepath.Join(s.config.WorkspaceDir, projectID, filepath.FromSlash(relPath))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("workspace directory: %w", err)
	}
	if err := os.WriteFile(full, content, 0o644); err != nil {
		return fmt.Errorf("workspace write: %w", err)
	}
	return nil
}

// touchAgent records agent liveness on every tool call that names one.
func (s *Server) touchAgent(agentID string) {
	agent, err := s.store.GetAgent(agentID)
	if err != nil {
		return
	}
	agent.LastSeenAt = s.now().UTC()
	if err := s.store.PutAgent(agent); err != nil {
		s.logger.Error("agent liveness update failed", "agent_id", agentID, "error", err)
	}
}
