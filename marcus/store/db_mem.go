package store

import (
	"sort"
	"sync"
	"time"

	"github.com/marcushq/marcus/marcus/structs"
)

// MemStateDB implements StateDB entirely in memory. Used by dev mode and
// tests; nothing survives process exit.
type MemStateDB struct {
	mu sync.RWMutex

	// leases maps projectID -> taskID -> lease.
	leases     map[string]map[string]*structs.Lease
	generation map[string]uint64

	agents   map[string]*structs.Agent
	projects map[string]*structs.Project
	sessions map[string]string

	decisions map[string][]*structs.Decision
	artifacts map[string][]*structs.Artifact
}

// NewMemStateDB returns an empty in-memory state store.
func NewMemStateDB() *MemStateDB {
	return &MemStateDB{
		leases:     make(map[string]map[string]*structs.Lease),
		generation: make(map[string]uint64),
		agents:     make(map[string]*structs.Agent),
		projects:   make(map[string]*structs.Project),
		sessions:   make(map[string]string),
		decisions:  make(map[string][]*structs.Decision),
		artifacts:  make(map[string][]*structs.Artifact),
	}
}

func (m *MemStateDB) Name() string { return "memory" }

// liveLeaseCount counts the agent's unexpired leases across all projects.
func (m *MemStateDB) liveLeaseCount(agentID string, now time.Time) int {
	count := 0
	for _, project := range m.leases {
		for _, lease := range project {
			if lease.AgentID == agentID && !lease.Expired(now) {
				count++
			}
		}
	}
	return count
}

func (m *MemStateDB) TryClaim(projectID, taskID, agentID string, capacity int, duration time.Duration, now time.Time) (*structs.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	project, ok := m.leases[projectID]
	if !ok {
		project = make(map[string]*structs.Lease)
		m.leases[projectID] = project
	}

	if existing, ok := project[taskID]; ok && !existing.Expired(now) {
		return nil, structs.ErrLeaseConflict
	}
	if m.liveLeaseCount(agentID, now) >= capacity {
		return nil, structs.NewCodedError(structs.ErrCodeTaskLeaseConflict,
			"agent %q is at capacity (%d)", agentID, capacity)
	}

	m.generation[projectID]++
	lease := &structs.Lease{
		ProjectID:  projectID,
		TaskID:     taskID,
		AgentID:    agentID,
		GrantedAt:  now,
		ExpiresAt:  now.Add(duration),
		Generation: m.generation[projectID],
	}
	project[taskID] = lease
	return lease.Copy(), nil
}

func (m *MemStateDB) Release(projectID, taskID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.leases[projectID], taskID)
	return nil
}

func (m *MemStateDB) Renew(projectID, taskID, agentID string, newExpiry time.Time) (*structs.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lease, ok := m.leases[projectID][taskID]
	if !ok {
		return nil, ErrNotFound
	}
	if lease.AgentID != agentID {
		return nil, structs.NewNotTaskOwner(agentID, taskID)
	}
	lease.ExpiresAt = newExpiry
	lease.RenewedCount++
	return lease.Copy(), nil
}

func (m *MemStateDB) GetLease(projectID, taskID string) (*structs.Lease, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	lease, ok := m.leases[projectID][taskID]
	if !ok {
		return nil, ErrNotFound
	}
	return lease.Copy(), nil
}

func (m *MemStateDB) ListLeases(projectID string) ([]*structs.Lease, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	leases := make([]*structs.Lease, 0, len(m.leases[projectID]))
	for _, lease := range m.leases[projectID] {
		leases = append(leases, lease.Copy())
	}
	sort.Slice(leases, func(i, j int) bool { return leases[i].Generation < leases[j].Generation })
	return leases, nil
}

func (m *MemStateDB) ListExpired(now time.Time) ([]*structs.Lease, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var expired []*structs.Lease
	for _, project := range m.leases {
		for _, lease := range project {
			if lease.Expired(now) {
				expired = append(expired, lease.Copy())
			}
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ExpiresAt.Before(expired[j].ExpiresAt) })
	return expired, nil
}

func (m *MemStateDB) PutAgent(agent *structs.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents[agent.ID] = agent.Copy()
	return nil
}

func (m *MemStateDB) GetAgent(agentID string) (*structs.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	agent, ok := m.agents[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	return agent.Copy(), nil
}

func (m *MemStateDB) ListAgents() ([]*structs.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	agents := make([]*structs.Agent, 0, len(m.agents))
	for _, agent := range m.agents {
		agents = append(agents, agent.Copy())
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	return agents, nil
}

func (m *MemStateDB) DeleteAgent(agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.agents, agentID)
	return nil
}

func (m *MemStateDB) PutProject(project *structs.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.projects[project.ID] = project.Copy()
	return nil
}

func (m *MemStateDB) GetProject(projectID string) (*structs.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	project, ok := m.projects[projectID]
	if !ok {
		return nil, ErrNotFound
	}
	return project.Copy(), nil
}

func (m *MemStateDB) ListProjects() ([]*structs.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	projects := make([]*structs.Project, 0, len(m.projects))
	for _, project := range m.projects {
		projects = append(projects, project.Copy())
	}
	sort.Slice(projects, func(i, j int) bool { return projects[i].ID < projects[j].ID })
	return projects, nil
}

func (m *MemStateDB) DeleteProject(projectID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.projects, projectID)
	delete(m.leases, projectID)
	delete(m.generation, projectID)
	delete(m.decisions, projectID)
	delete(m.artifacts, projectID)
	for session, active := range m.sessions {
		if active == projectID {
			delete(m.sessions, session)
		}
	}
	return nil
}

func (m *MemStateDB) SetActiveProject(sessionID, projectID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sessionID] = projectID
	return nil
}

func (m *MemStateDB) GetActiveProject(sessionID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	projectID, ok := m.sessions[sessionID]
	if !ok {
		return "", ErrNotFound
	}
	return projectID, nil
}

func (m *MemStateDB) AppendDecision(decision *structs.Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions[decision.ProjectID] = append(m.decisions[decision.ProjectID], decision.Copy())
	return nil
}

func (m *MemStateDB) DecisionsByTask(projectID, taskID string) ([]*structs.Decision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*structs.Decision
	for _, decision := range m.decisions[projectID] {
		if decision.TaskID == taskID {
			out = append(out, decision.Copy())
		}
	}
	return out, nil
}

func (m *MemStateDB) Decisions(projectID string) ([]*structs.Decision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*structs.Decision, 0, len(m.decisions[projectID]))
	for _, decision := range m.decisions[projectID] {
		out = append(out, decision.Copy())
	}
	return out, nil
}

func (m *MemStateDB) PutArtifact(artifact *structs.Artifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.artifacts[artifact.ProjectID] = append(m.artifacts[artifact.ProjectID], artifact.Copy())
	return nil
}

func (m *MemStateDB) ArtifactsByTask(projectID, taskID string) ([]*structs.Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*structs.Artifact
	for _, artifact := range m.artifacts[projectID] {
		if artifact.TaskID == taskID {
			out = append(out, artifact.Copy())
		}
	}
	return out, nil
}

func (m *MemStateDB) ArtifactByFilename(projectID, taskID, filename string) (*structs.Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	// Newest version wins when a filename was re-logged.
	for i := len(m.artifacts[projectID]) - 1; i >= 0; i-- {
		artifact := m.artifacts[projectID][i]
		if artifact.TaskID == taskID && artifact.Filename == filename {
			return artifact.Copy(), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemStateDB) Generation(projectID string) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.generation[projectID], nil
}

func (m *MemStateDB) Close() error { return nil }
