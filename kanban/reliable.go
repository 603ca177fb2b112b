package kanban

import (
	"context"
	"fmt"
	"time"

	"github.com/avast/retry-go"
	hclog "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
	"github.com/marcushq/marcus/helper"
	"github.com/marcushq/marcus/marcus/structs"
	gocache "github.com/patrickmn/go-cache"
	"github.com/sony/gobreaker"
)

const (
	// retryAttempts bounds outbound retries; the first attempt counts.
	retryAttempts = 4

	// retryBaseDelay is the initial backoff, doubling up to retryMaxDelay.
	retryBaseDelay = 500 * time.Millisecond
	retryMaxDelay  = 8 * time.Second

	// retryJitterFraction scatters each delay by +/-25% so synchronized
	// agents do not hammer a recovering board in lockstep.
	retryJitterFraction = 0.25

	// breakerConsecutiveFailures opens the circuit; breakerOpenDuration is
	// how long it stays open before a probe is allowed.
	breakerConsecutiveFailures = 5
	breakerOpenDuration        = 60 * time.Second

	// listCacheTTL is how long a ListTasks result may serve drift checks
	// before the board is consulted again.
	listCacheTTL = 5 * time.Second
)

// Reliable decorates a Provider with the outbound-call policy: exponential
// backoff with jitter on retryable failures, a circuit breaker per provider,
// and a short TTL cache in front of ListTasks. It implements Provider so
// callers cannot accidentally reach the raw adapter.
type Reliable struct {
	inner   Provider
	logger  hclog.Logger
	breaker *gobreaker.CircuitBreaker
	lists   *gocache.Cache
}

// NewReliable wraps the given provider.
func NewReliable(inner Provider, logger hclog.Logger) *Reliable {
	r := &Reliable{
		inner:  inner,
		logger: logger.Named("kanban").With("provider", inner.Name()),
		lists:  gocache.New(listCacheTTL, 2*listCacheTTL),
	}
	r.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    inner.Name(),
		Timeout: breakerOpenDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn("circuit state change", "from", from.String(), "to", to.String())
		},
	})
	return r
}

func (r *Reliable) Name() string { return r.inner.Name() }

// Inner returns the wrapped provider. Tests use it to reach provider
// specific helpers such as failure injection.
func (r *Reliable) Inner() Provider { return r.inner }

// call runs op through the breaker and the retry policy. Non-retryable
// failures (4xx, validation, auth) pass through after the first attempt but
// still count against the breaker.
func (r *Reliable) call(ctx context.Context, op string, fn func() error) error {
	defer metrics.MeasureSince([]string{"marcus", "kanban", op}, time.Now())

	_, err := r.breaker.Execute(func() (interface{}, error) {
		return nil, retry.Do(fn,
			retry.Context(ctx),
			retry.Attempts(retryAttempts),
			retry.LastErrorOnly(true),
			retry.RetryIf(IsRetryable),
			retry.DelayType(func(n uint, _ error, _ *retry.Config) time.Duration {
				d := retryBaseDelay << n
				if d > retryMaxDelay {
					d = retryMaxDelay
				}
				return helper.Jitter(d, retryJitterFraction)
			}),
			retry.OnRetry(func(n uint, err error) {
				r.logger.Debug("retrying kanban call", "op", op, "attempt", n+1, "error", err)
			}),
		)
	})
	if IsUnavailable(err) {
		metrics.IncrCounter([]string{"marcus", "kanban", "unavailable"}, 1)
		return fmt.Errorf("%s: %w", op, ErrUnavailable)
	}
	return err
}

func (r *Reliable) ListTasks(ctx context.Context, projectID string) ([]*structs.Task, error) {
	if cached, ok := r.lists.Get(projectID); ok {
		return cached.([]*structs.Task), nil
	}
	var tasks []*structs.Task
	err := r.call(ctx, "list_tasks", func() error {
		var err error
		tasks, err = r.inner.ListTasks(ctx, projectID)
		return err
	})
	if err != nil {
		return nil, err
	}
	r.lists.Set(projectID, tasks, gocache.DefaultExpiration)
	return tasks, nil
}

// InvalidateProject drops the cached task list, forcing the next ListTasks
// to hit the board. Called after any write Marcus itself issued.
func (r *Reliable) InvalidateProject(projectID string) {
	r.lists.Delete(projectID)
}

func (r *Reliable) GetTask(ctx context.Context, projectID, taskID string) (*structs.Task, error) {
	var task *structs.Task
	err := r.call(ctx, "get_task", func() error {
		var err error
		task, err = r.inner.GetTask(ctx, projectID, taskID)
		return err
	})
	return task, err
}

func (r *Reliable) CreateTask(ctx context.Context, projectID string, spec *structs.TaskSpec) (string, error) {
	var id string
	err := r.call(ctx, "create_task", func() error {
		var err error
		id, err = r.inner.CreateTask(ctx, projectID, spec)
		return err
	})
	if err == nil {
		r.InvalidateProject(projectID)
	}
	return id, err
}

func (r *Reliable) UpdateStatus(ctx context.Context, projectID, taskID, status string) error {
	err := r.call(ctx, "update_status", func() error {
		return r.inner.UpdateStatus(ctx, projectID, taskID, status)
	})
	if err == nil {
		r.InvalidateProject(projectID)
	}
	return err
}

// AssignTask is never retried on a conflict: a 4xx here means another actor
// claimed the card and the scheduler must re-pick. Transport-level failures
// still go through the normal retry policy.
func (r *Reliable) AssignTask(ctx context.Context, projectID, taskID, agentID string) error {
	err := r.call(ctx, "assign_task", func() error {
		return r.inner.AssignTask(ctx, projectID, taskID, agentID)
	})
	if err == nil {
		r.InvalidateProject(projectID)
	}
	return err
}

func (r *Reliable) UnassignTask(ctx context.Context, projectID, taskID string) error {
	err := r.call(ctx, "unassign_task", func() error {
		return r.inner.UnassignTask(ctx, projectID, taskID)
	})
	if err == nil {
		r.InvalidateProject(projectID)
	}
	return err
}

func (r *Reliable) AddComment(ctx context.Context, projectID, taskID, text string) error {
	return r.call(ctx, "add_comment", func() error {
		return r.inner.AddComment(ctx, projectID, taskID, text)
	})
}

// CreateProject passes through when the wrapped provider supports it.
func (r *Reliable) CreateProject(ctx context.Context, name string, options map[string]string) (string, error) {
	creator, ok := r.inner.(ProjectCreator)
	if !ok {
		return "", NewIntegrationError(r.inner.Name(), "create_project", 0,
			fmt.Errorf("provider %q cannot create projects", r.inner.Name()))
	}
	var handle string
	err := r.call(ctx, "create_project", func() error {
		var err error
		handle, err = creator.CreateProject(ctx, name, options)
		return err
	})
	return handle, err
}

// CodeReferences passes through when the wrapped provider supports it;
// otherwise it returns no references rather than an error, since references
// only enrich preambles.
func (r *Reliable) CodeReferences(ctx context.Context, projectID, taskID string) ([]string, error) {
	referencer, ok := r.inner.(CodeReferencer)
	if !ok {
		return nil, nil
	}
	var refs []string
	err := r.call(ctx, "code_references", func() error {
		var err error
		refs, err = referencer.CodeReferences(ctx, projectID, taskID)
		return err
	})
	return refs, err
}
