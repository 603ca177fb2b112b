// Package store persists the server state that must survive a restart:
// leases, agents, the project registry with per-session active pointers,
// the append-only decision log and artifact metadata. Two implementations
// exist: a bbolt-backed store for real deployments and a pure in-memory
// store for dev mode and tests. Both enforce the claim invariants; callers
// never reason about the backend.
package store

import (
	"errors"
	"time"

	"github.com/marcushq/marcus/marcus/structs"
)

// ErrNotFound is returned by point lookups that match nothing.
var ErrNotFound = errors.New("not found")

// StateDB implementations store and load Marcus server state.
type StateDB interface {
	// Name of implementation.
	Name() string

	// TryClaim atomically grants a lease on (projectID, taskID) to the
	// agent. It fails with structs.ErrLeaseConflict when a live lease
	// exists for the task, or when the agent already holds capacity live
	// leases. Expired leases count as absent and are overwritten. Claims,
	// releases and renewals are serialized per project; cross-project
	// calls proceed concurrently.
	TryClaim(projectID, taskID, agentID string, capacity int, duration time.Duration, now time.Time) (*structs.Lease, error)

	// Release removes the lease on (projectID, taskID). Idempotent:
	// releasing a missing lease is a success. The reason is recorded for
	// the event log only.
	Release(projectID, taskID, reason string) error

	// Renew extends the lease to newExpiry. Only the holding agent may
	// renew; anyone else gets structs.ErrCodeNotTaskOwner.
	Renew(projectID, taskID, agentID string, newExpiry time.Time) (*structs.Lease, error)

	// GetLease returns the live lease for the task, or ErrNotFound. An
	// expired lease that has not been reaped yet is still returned;
	// callers check Expired themselves.
	GetLease(projectID, taskID string) (*structs.Lease, error)

	// ListLeases returns all leases for a project, ordered by generation.
	ListLeases(projectID string) ([]*structs.Lease, error)

	// ListExpired returns leases across all projects whose expiry is
	// before now.
	ListExpired(now time.Time) ([]*structs.Lease, error)

	// PutAgent stores an agent profile, overwriting any previous one.
	PutAgent(agent *structs.Agent) error

	// GetAgent returns an agent or ErrNotFound.
	GetAgent(agentID string) (*structs.Agent, error)

	// ListAgents returns all registered agents.
	ListAgents() ([]*structs.Agent, error)

	// DeleteAgent removes an agent profile. Its leases are untouched;
	// callers release them first.
	DeleteAgent(agentID string) error

	// PutProject stores a project registry row.
	PutProject(project *structs.Project) error

	// GetProject returns a project or ErrNotFound.
	GetProject(projectID string) (*structs.Project, error)

	// ListProjects returns all registered projects.
	ListProjects() ([]*structs.Project, error)

	// DeleteProject removes a project row and its per-project state.
	DeleteProject(projectID string) error

	// SetActiveProject records the session's active project.
	SetActiveProject(sessionID, projectID string) error

	// GetActiveProject returns the session's active project ID, or
	// ErrNotFound when the session has none.
	GetActiveProject(sessionID string) (string, error)

	// AppendDecision appends to the project's decision log. Decisions are
	// immutable once written.
	AppendDecision(decision *structs.Decision) error

	// DecisionsByTask returns the decisions recorded against a task,
	// oldest first.
	DecisionsByTask(projectID, taskID string) ([]*structs.Decision, error)

	// Decisions returns the project's whole decision log, oldest first.
	Decisions(projectID string) ([]*structs.Decision, error)

	// PutArtifact stores artifact metadata.
	PutArtifact(artifact *structs.Artifact) error

	// ArtifactsByTask returns a task's artifact metadata, oldest first.
	ArtifactsByTask(projectID, taskID string) ([]*structs.Artifact, error)

	// ArtifactByFilename returns the artifact for (taskID, filename), or
	// ErrNotFound.
	ArtifactByFilename(projectID, taskID, filename string) (*structs.Artifact, error)

	// Generation returns the project's current claim generation counter.
	Generation(projectID string) (uint64, error)

	// Close the database. Unsafe for further use after calling regardless
	// of return value.
	Close() error
}
