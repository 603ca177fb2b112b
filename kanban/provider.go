// Package kanban abstracts task CRUD over heterogeneous external boards.
// Adapters translate provider-specific status vocabularies and column
// layouts so the rest of the system only ever sees the four canonical
// statuses. All operations return typed integration errors when the remote
// is unreachable, malformed, or rejects the request.
package kanban

import (
	"context"
	"fmt"
	"sort"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/marcushq/marcus/marcus/structs"
)

// Provider is the contract every board adapter implements. List operations
// iterate remote pagination to completion before returning.
type Provider interface {
	// Name returns the adapter name, e.g. "planka".
	Name() string

	// ListTasks returns every task on the board for the project.
	ListTasks(ctx context.Context, projectID string) ([]*structs.Task, error)

	// GetTask returns a single task by board ID.
	GetTask(ctx context.Context, projectID, taskID string) (*structs.Task, error)

	// CreateTask creates a task from the spec and returns its board ID.
	CreateTask(ctx context.Context, projectID string, spec *structs.TaskSpec) (string, error)

	// UpdateStatus moves the task to the column mapped to the canonical
	// status. Idempotent: repeating a transition is a success.
	UpdateStatus(ctx context.Context, projectID, taskID, status string) error

	// AssignTask records the agent on the card. A conflict response means
	// another actor claimed the card; callers must not retry it.
	AssignTask(ctx context.Context, projectID, taskID, agentID string) error

	// UnassignTask clears the card's assignee. Idempotent.
	UnassignTask(ctx context.Context, projectID, taskID string) error

	// AddComment posts a comment on the card, used to publish decisions
	// for auditability.
	AddComment(ctx context.Context, projectID, taskID, text string) error
}

// ProjectCreator is the optional capability for providers that can create a
// board, returning its provider-side project handle.
type ProjectCreator interface {
	CreateProject(ctx context.Context, name string, options map[string]string) (string, error)
}

// CodeReferencer is the optional capability for providers that expose code
// references (merged PR URLs and the like) attached to past tasks.
type CodeReferencer interface {
	CodeReferences(ctx context.Context, projectID, taskID string) ([]string, error)
}

// Factory instantiates a provider adapter from its registry config.
type Factory func(logger hclog.Logger, config map[string]string) (Provider, error)

var builtinProviders = map[string]Factory{}

// Register adds a provider factory under a name. Called from adapter init
// functions.
func Register(name string, factory Factory) {
	builtinProviders[name] = factory
}

// New builds the named provider. Unknown names are a configuration error:
// not retried, surfaced with the misconfigured field.
func New(name string, logger hclog.Logger, config map[string]string) (Provider, error) {
	factory, ok := builtinProviders[name]
	if !ok {
		return nil, fmt.Errorf("unknown kanban provider %q (known: %v)", name, Known())
	}
	return factory(logger, config)
}

// Known returns the registered provider names, sorted.
func Known() []string {
	names := make([]string, 0, len(builtinProviders))
	for name := range builtinProviders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
