// Package structs holds the domain types shared by the Marcus server, the
// scheduler, the kanban adapters and the durable stores. Types here are
// plain data: dependencies between tasks are expressed as id-lists, never
// pointers, so a Task can be copied and persisted without chasing a graph.
package structs

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/marcushq/marcus/helper"
)

const (
	TaskStatusTodo       = "todo"
	TaskStatusInProgress = "in_progress"
	TaskStatusBlocked    = "blocked"
	TaskStatusDone       = "done"
)

const (
	PhaseDesign    = "design"
	PhaseImplement = "implement"
	PhaseTest      = "test"
	PhaseDocs      = "docs"
)

const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

const (
	// ComplexityAtomic through ComplexityDistributed describe how much
	// coordination a single feature needs, as inferred by the PRD parser.
	ComplexityAtomic      = "atomic"
	ComplexitySimple      = "simple"
	ComplexityCoordinated = "coordinated"
	ComplexityDistributed = "distributed"
)

const (
	// ModePrototype through ModeEnterprise select how many tasks each
	// feature expands into when a project is built.
	ModePrototype  = "prototype"
	ModeStandard   = "standard"
	ModeEnterprise = "enterprise"
)

const (
	ArtifactTypeAPI           = "api"
	ArtifactTypeDesign        = "design"
	ArtifactTypeArchitecture  = "architecture"
	ArtifactTypeSpecification = "specification"
	ArtifactTypeReference     = "reference"
	ArtifactTypeOther         = "other"
)

const (
	ReleaseReasonCompleted = "completed"
	ReleaseReasonCancelled = "cancelled"
	ReleaseReasonExpired   = "expired"
)

const (
	// LeaseFloor is the minimum lease duration regardless of estimate.
	LeaseFloor = 30 * time.Minute

	// LeaseCeiling caps lease durations so a bad estimate cannot park a
	// task for days.
	LeaseCeiling = 24 * time.Hour

	// DefaultAgentCapacity is the number of concurrent leases an agent may
	// hold when it does not declare one.
	DefaultAgentCapacity = 1
)

// phaseOrder gives the canonical ordering used for dependency inference.
// Lower phases happen first within a feature cluster.
var phaseOrder = map[string]int{
	PhaseDesign:    0,
	PhaseImplement: 1,
	PhaseTest:      2,
	PhaseDocs:      3,
}

// PhaseRank returns the ordering rank of a phase, or -1 for unknown phases.
func PhaseRank(phase string) int {
	rank, ok := phaseOrder[phase]
	if !ok {
		return -1
	}
	return rank
}

// PriorityRank maps a priority to its scheduler weight. Unknown priorities
// rank as medium so a provider inventing vocabulary does not zero a task.
func PriorityRank(priority string) int {
	switch priority {
	case PriorityUrgent:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	default:
		return 2
	}
}

// ValidTaskStatus reports whether s is one of the four canonical statuses.
func ValidTaskStatus(s string) bool {
	switch s {
	case TaskStatusTodo, TaskStatusInProgress, TaskStatusBlocked, TaskStatusDone:
		return true
	}
	return false
}

// ValidArtifactType reports whether t is a known artifact type.
func ValidArtifactType(t string) bool {
	switch t {
	case ArtifactTypeAPI, ArtifactTypeDesign, ArtifactTypeArchitecture,
		ArtifactTypeSpecification, ArtifactTypeReference, ArtifactTypeOther:
		return true
	}
	return false
}

// ArtifactDir maps an artifact type to its canonical directory inside the
// project workspace.
func ArtifactDir(artifactType string) string {
	switch artifactType {
	case ArtifactTypeAPI:
		return "docs/api"
	case ArtifactTypeDesign:
		return "docs/design"
	case ArtifactTypeArchitecture:
		return "docs/architecture"
	case ArtifactTypeSpecification:
		return "docs/specifications"
	case ArtifactTypeReference:
		return "docs/references"
	default:
		return "docs/misc"
	}
}

// Task is a unit of work on a kanban board. The board-assigned ID is stable
// for the life of the task; everything else may drift and is reconciled from
// the provider.
type Task struct {
	ID          string
	ProjectID   string
	Name        string
	Description string

	Status   string
	Phase    string
	Priority string

	RequiredSkills []string
	EstimatedHours float64
	Labels         []string

	// Dependencies is the ordered list of task IDs that must be done
	// before this task may start. The closure must form a DAG.
	Dependencies []string

	// ParentID and SubtaskIndex are set for decomposed subtasks.
	ParentID     string
	SubtaskIndex int

	// Assignee is the agent ID holding the lease while the task is
	// in progress.
	Assignee string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Copy returns a deep copy of the task.
func (t *Task) Copy() *Task {
	if t == nil {
		return nil
	}
	nt := new(Task)
	*nt = *t
	nt.RequiredSkills = helper.CopySlice(t.RequiredSkills)
	nt.Labels = helper.CopySlice(t.Labels)
	nt.Dependencies = helper.CopySlice(t.Dependencies)
	if t.StartedAt != nil {
		started := *t.StartedAt
		nt.StartedAt = &started
	}
	if t.CompletedAt != nil {
		completed := *t.CompletedAt
		nt.CompletedAt = &completed
	}
	return nt
}

// Validate checks the fields a task must carry before it may enter the
// graph.
func (t *Task) Validate() error {
	switch {
	case t.ID == "":
		return NewValidationError("task ID is required")
	case t.ProjectID == "":
		return NewValidationError("task project ID is required")
	case t.Name == "":
		return NewValidationError("task %s has no name", t.ID)
	case !ValidTaskStatus(t.Status):
		return NewValidationError("task %s has unknown status %q", t.ID, t.Status)
	case t.EstimatedHours < 0:
		return NewValidationError("task %s has negative estimate", t.ID)
	}
	for _, dep := range t.Dependencies {
		if dep == t.ID {
			return NewValidationError("task %s depends on itself", t.ID)
		}
	}
	return nil
}

// LeaseDuration derives how long an assignment of this task lives before the
// lease monitor reclaims it: twice the estimate, never under 30 minutes and
// never over 24 hours.
func (t *Task) LeaseDuration() time.Duration {
	d := time.Duration(t.EstimatedHours * 2 * float64(time.Hour))
	return helper.Bound(d, LeaseFloor, LeaseCeiling)
}

// Terminal reports whether the task has reached its final status.
func (t *Task) Terminal() bool {
	return t.Status == TaskStatusDone
}

// HasLabel reports whether the task carries the given label.
func (t *Task) HasLabel(label string) bool {
	for _, l := range t.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// FeatureCluster returns the key grouping this task with its siblings for
// phase-safety checks: the parent when the task was decomposed, otherwise
// the first "feature:" label, otherwise empty (no cluster).
func (t *Task) FeatureCluster() string {
	if t.ParentID != "" {
		return "parent:" + t.ParentID
	}
	for _, l := range t.Labels {
		if rest, ok := strings.CutPrefix(l, "feature:"); ok {
			return "feature:" + rest
		}
	}
	return ""
}

// InferPhase guesses a task's phase from its labels first and its name
// second. Tasks created directly on the board frequently carry neither, in
// which case the phase defaults to implement; the phase-safety filter is
// only as good as this inference.
func InferPhase(name string, labels []string) string {
	for _, l := range labels {
		if rest, ok := strings.CutPrefix(l, "phase:"); ok {
			if _, known := phaseOrder[rest]; known {
				return rest
			}
		}
	}
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "design"), strings.Contains(lower, "architect"):
		return PhaseDesign
	case strings.Contains(lower, "test"), strings.Contains(lower, "verify"), strings.Contains(lower, "qa"):
		return PhaseTest
	case strings.Contains(lower, "document"), strings.Contains(lower, "docs"), strings.Contains(lower, "readme"):
		return PhaseDocs
	default:
		return PhaseImplement
	}
}

// TaskSpec is the provider-agnostic description of a task to create, as
// produced by the PRD parser or handed to a kanban provider. Dependencies
// reference sibling spec names because board IDs do not exist yet.
type TaskSpec struct {
	Name           string
	Description    string
	Phase          string
	Priority       string
	RequiredSkills []string
	EstimatedHours float64
	Labels         []string
	DependsOn      []string

	// Feature names the cluster this spec belongs to; specs from the same
	// feature share phase ordering.
	Feature string

	Complexity string
}

// Agent is a registered worker. Agents live in memory and are persisted
// periodically; they are only removed on explicit deregistration.
type Agent struct {
	ID     string
	Name   string
	Role   string
	Skills []string

	// Capacity is the maximum number of concurrent leases. Minimum 1.
	Capacity int

	RegisteredAt time.Time
	LastSeenAt   time.Time
}

// Copy returns a deep copy of the agent.
func (a *Agent) Copy() *Agent {
	if a == nil {
		return nil
	}
	na := new(Agent)
	*na = *a
	na.Skills = helper.CopySlice(a.Skills)
	return na
}

// Validate checks agent registration arguments and applies the capacity
// default.
func (a *Agent) Validate() error {
	if a.ID == "" {
		return NewValidationError("agent ID is required")
	}
	if a.Capacity == 0 {
		a.Capacity = DefaultAgentCapacity
	}
	if a.Capacity < 1 {
		return NewValidationError("agent %s capacity must be at least 1", a.ID)
	}
	return nil
}

// Lease is a time-bounded assignment of a task to an agent. Leases are owned
// by the assignment store and released on completion, cancellation or
// expiry.
type Lease struct {
	ProjectID string
	TaskID    string
	AgentID   string

	GrantedAt    time.Time
	ExpiresAt    time.Time
	RenewedCount int

	// Generation is a monotonic counter bumped on every claim within a
	// project, used to order assignment history.
	Generation uint64
}

// Expired reports whether the lease has lapsed at the given time.
func (l *Lease) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// Remaining returns how long the lease has left, floored at zero.
func (l *Lease) Remaining(now time.Time) time.Duration {
	left := l.ExpiresAt.Sub(now)
	if left < 0 {
		return 0
	}
	return left
}

// Copy returns a copy of the lease.
func (l *Lease) Copy() *Lease {
	if l == nil {
		return nil
	}
	nl := new(Lease)
	*nl = *l
	return nl
}

// Decision records a choice an agent made while holding a task. Decisions
// are append-only and immutable once written.
type Decision struct {
	ID        string
	ProjectID string
	TaskID    string
	AgentID   string
	Timestamp time.Time

	What   string
	Why    string
	Impact string

	// AffectsTasks lists task IDs whose agents should see this decision in
	// their preamble.
	AffectsTasks []string
}

// Copy returns a deep copy of the decision.
func (d *Decision) Copy() *Decision {
	if d == nil {
		return nil
	}
	nd := new(Decision)
	*nd = *d
	nd.AffectsTasks = helper.CopySlice(d.AffectsTasks)
	return nd
}

// Artifact is the metadata row for a file an agent produced. The content
// itself lives in the project workspace at a type-derived location.
type Artifact struct {
	ID        string
	ProjectID string
	TaskID    string
	AgentID   string
	Timestamp time.Time

	Filename     string
	Type         string
	RelativePath string
	SizeBytes    int64
	SHA256       string
	Description  string
}

// Copy returns a copy of the artifact metadata.
func (a *Artifact) Copy() *Artifact {
	if a == nil {
		return nil
	}
	na := new(Artifact)
	*na = *a
	return na
}

// HashContent returns the hex sha256 of artifact content.
func HashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Project is one row in the project registry. Provider config is opaque to
// the registry and interpreted by the provider adapter it names.
type Project struct {
	ID             string
	Name           string
	Provider       string
	ProviderConfig map[string]string

	CreatedAt  time.Time
	LastUsedAt time.Time
}

// Copy returns a deep copy of the project.
func (p *Project) Copy() *Project {
	if p == nil {
		return nil
	}
	np := new(Project)
	*np = *p
	np.ProviderConfig = helper.CopyMap(p.ProviderConfig)
	return np
}

// Event is one entry in the server's in-memory event log.
type Event struct {
	Type      string
	ProjectID string
	TaskID    string
	AgentID   string
	Timestamp time.Time
	Details   string
}

const (
	EventTaskAssigned   = "TaskAssigned"
	EventTaskReclaimed  = "TaskReclaimed"
	EventTaskCompleted  = "TaskCompleted"
	EventTaskReleased   = "TaskReleased"
	EventTaskBlocked    = "TaskBlocked"
	EventDecisionLogged = "DecisionLogged"
	EventGraphRebuilt   = "GraphRebuilt"
)
