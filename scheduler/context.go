package scheduler

import (
	hclog "github.com/hashicorp/go-hclog"

	"github.com/marcushq/marcus/marcus/state"
)

// Context is shared by the iterators in a selection stack.
type Context interface {
	// State returns the task state the stack selects from.
	State() *state.StateStore

	// Logger returns the scheduler logger.
	Logger() hclog.Logger
}

// schedContext is the default Context implementation.
type schedContext struct {
	state  *state.StateStore
	logger hclog.Logger
}

// NewContext builds a Context around the given task state.
func NewContext(state *state.StateStore, logger hclog.Logger) Context {
	return &schedContext{
		state:  state,
		logger: logger,
	}
}

func (c *schedContext) State() *state.StateStore { return c.state }
func (c *schedContext) Logger() hclog.Logger     { return c.logger }
