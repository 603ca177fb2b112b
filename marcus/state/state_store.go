// Package state keeps the in-memory working copy of every project's task
// graph. The kanban board is the source of truth for task content; this
// store holds an indexed snapshot of it plus the derived dependency
// topology (reverse adjacency, depth, ready set) the scheduler runs
// against. It is rebuilt from the board on project switch and whenever the
// board's shape drifts.
package state

import (
	"fmt"
	"sync"

	hclog "github.com/hashicorp/go-hclog"
	memdb "github.com/hashicorp/go-memdb"

	"github.com/marcushq/marcus/marcus/structs"
)

// ErrTaskNotFound is returned by point lookups that match nothing.
var ErrTaskNotFound = fmt.Errorf("task not found")

// StateStore provides indexed access to project task graphs.
type StateStore struct {
	logger hclog.Logger
	db     *memdb.MemDB

	// mu guards the derived per-project graphs and shape hashes. The memdb
	// handles its own transaction isolation.
	mu     sync.RWMutex
	graphs map[string]*Graph
	hashes map[string]uint64
}

// NewStateStore constructs an empty task state store.
func NewStateStore(logger hclog.Logger) (*StateStore, error) {
	db, err := memdb.NewMemDB(stateStoreSchema())
	if err != nil {
		return nil, fmt.Errorf("state store setup failed: %w", err)
	}
	return &StateStore{
		logger: logger.Named("state_store"),
		db:     db,
		graphs: make(map[string]*Graph),
		hashes: make(map[string]uint64),
	}, nil
}

// NeedsRebuild reports whether the board's topology-relevant shape differs
// from what the project's graph was built from.
func (s *StateStore) NeedsRebuild(projectID string, tasks []*structs.Task) bool {
	hash, err := ShapeHash(tasks)
	if err != nil {
		// Hash failure is treated as drift; a rebuild is always safe.
		return true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	prev, ok := s.hashes[projectID]
	return !ok || prev != hash
}

// RebuildProject replaces the project's tasks with the given board snapshot
// and rebuilds its dependency graph.
func (s *StateStore) RebuildProject(index uint64, projectID string, tasks []*structs.Task) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	if _, err := txn.DeleteAll(TableTasks, "project", projectID); err != nil {
		return fmt.Errorf("task purge failed: %w", err)
	}
	for _, task := range tasks {
		task := task.Copy()
		task.ProjectID = projectID
		if err := txn.Insert(TableTasks, task); err != nil {
			return fmt.Errorf("task insert failed: %w", err)
		}
	}
	if err := txn.Insert(tableIndex, &IndexEntry{TableTasks, index}); err != nil {
		return fmt.Errorf("index update failed: %w", err)
	}
	txn.Commit()

	graph := BuildGraph(s.logger.With("project_id", projectID), tasks)
	hash, err := ShapeHash(tasks)
	if err != nil {
		return fmt.Errorf("shape hash failed: %w", err)
	}

	s.mu.Lock()
	s.graphs[projectID] = graph
	s.hashes[projectID] = hash
	s.mu.Unlock()

	s.logger.Debug("task graph rebuilt", "project_id", projectID,
		"tasks", len(tasks), "ready", len(graph.ready))
	return nil
}

// DropProject removes a project's tasks and graph.
func (s *StateStore) DropProject(projectID string) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	if _, err := txn.DeleteAll(TableTasks, "project", projectID); err != nil {
		return fmt.Errorf("task purge failed: %w", err)
	}
	txn.Commit()

	s.mu.Lock()
	delete(s.graphs, projectID)
	delete(s.hashes, projectID)
	s.mu.Unlock()
	return nil
}

// UpsertTask applies a single task's new state. Status and assignee changes
// are folded into the graph incrementally; topology changes (new deps, new
// tasks) still require RebuildProject and are the caller's job to detect via
// NeedsRebuild.
func (s *StateStore) UpsertTask(index uint64, task *structs.Task) error {
	task = task.Copy()

	txn := s.db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert(TableTasks, task); err != nil {
		return fmt.Errorf("task insert failed: %w", err)
	}
	if err := txn.Insert(tableIndex, &IndexEntry{TableTasks, index}); err != nil {
		return fmt.Errorf("index update failed: %w", err)
	}
	txn.Commit()

	byID, err := s.tasksByID(task.ProjectID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if graph, ok := s.graphs[task.ProjectID]; ok {
		graph.Update(task, byID)
	}
	return nil
}

// TaskByID returns a copy of the task, or ErrTaskNotFound.
func (s *StateStore) TaskByID(projectID, taskID string) (*structs.Task, error) {
	txn := s.db.Txn(false)
	raw, err := txn.First(TableTasks, "id", projectID, taskID)
	if err != nil {
		return nil, fmt.Errorf("task lookup failed: %w", err)
	}
	if raw == nil {
		return nil, ErrTaskNotFound
	}
	return raw.(*structs.Task).Copy(), nil
}

func (s *StateStore) tasksByID(projectID string) (map[string]*structs.Task, error) {
	tasks, err := s.Tasks(projectID)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*structs.Task, len(tasks))
	for _, task := range tasks {
		byID[task.ID] = task
	}
	return byID, nil
}

func (s *StateStore) collect(iter memdb.ResultIterator) []*structs.Task {
	var out []*structs.Task
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		out = append(out, raw.(*structs.Task).Copy())
	}
	return out
}

// Tasks returns all of a project's tasks ordered by ID.
func (s *StateStore) Tasks(projectID string) ([]*structs.Task, error) {
	txn := s.db.Txn(false)
	iter, err := txn.Get(TableTasks, "project", projectID)
	if err != nil {
		return nil, fmt.Errorf("task iteration failed: %w", err)
	}
	return s.collect(iter), nil
}

// TasksByStatus returns the project's tasks in the given status.
func (s *StateStore) TasksByStatus(projectID, status string) ([]*structs.Task, error) {
	txn := s.db.Txn(false)
	iter, err := txn.Get(TableTasks, "status", projectID, status)
	if err != nil {
		return nil, fmt.Errorf("task iteration failed: %w", err)
	}
	return s.collect(iter), nil
}

// TasksByAssignee returns the project's tasks assigned to the agent.
func (s *StateStore) TasksByAssignee(projectID, agentID string) ([]*structs.Task, error) {
	txn := s.db.Txn(false)
	iter, err := txn.Get(TableTasks, "assignee", projectID, agentID)
	if err != nil {
		return nil, fmt.Errorf("task iteration failed: %w", err)
	}
	return s.collect(iter), nil
}

// ReadyTasks returns the project's ready set: unassigned TODO tasks whose
// dependencies are all done, ordered by ID.
func (s *StateStore) ReadyTasks(projectID string) ([]*structs.Task, error) {
	s.mu.RLock()
	graph, ok := s.graphs[projectID]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	var out []*structs.Task
	for _, id := range graph.Ready() {
		task, err := s.TaskByID(projectID, id)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, nil
}

// Graph returns the project's dependency graph, or nil before any rebuild.
func (s *StateStore) Graph(projectID string) *Graph {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.graphs[projectID]
}

// IncompleteInCluster counts the project's unfinished tasks in the feature
// cluster whose phase strictly precedes maxPhase. The scheduler uses this to
// hold back later-phase work while earlier phases are open.
func (s *StateStore) IncompleteInCluster(projectID, cluster, maxPhase string) (int, error) {
	if cluster == "" {
		return 0, nil
	}
	tasks, err := s.Tasks(projectID)
	if err != nil {
		return 0, err
	}
	maxRank := structs.PhaseRank(maxPhase)
	count := 0
	for _, task := range tasks {
		if task.FeatureCluster() != cluster || task.Status == structs.TaskStatusDone {
			continue
		}
		if structs.PhaseRank(task.Phase) < maxRank {
			count++
		}
	}
	return count, nil
}

// LatestIndex returns the write index last applied to the tasks table.
func (s *StateStore) LatestIndex() (uint64, error) {
	txn := s.db.Txn(false)
	raw, err := txn.First(tableIndex, "id", TableTasks)
	if err != nil {
		return 0, fmt.Errorf("index lookup failed: %w", err)
	}
	if raw == nil {
		return 0, nil
	}
	return raw.(*IndexEntry).Value, nil
}
