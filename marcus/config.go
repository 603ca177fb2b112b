package marcus

import (
	"time"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/marcushq/marcus/ai"
)

// Config is used to parameterize the server.
type Config struct {
	// Logger is the root logger; subsystems derive named loggers from it.
	Logger hclog.Logger

	// DataDir holds the durable state database. Ignored in DevMode.
	DataDir string

	// WorkspaceDir is where artifact content is written, one subdirectory
	// per project. Defaults to a workspace directory under DataDir.
	WorkspaceDir string

	// DevMode keeps all state in memory and registers a memory kanban
	// provider, so the server runs with no external dependencies.
	DevMode bool

	// AnthropicAPIKey enables model-backed PRD analysis. Empty falls back
	// to the SDK's environment lookup, and analysis degrades to the
	// deterministic parser if no credentials work.
	AnthropicAPIKey string

	// AnthropicModel overrides the default analysis model.
	AnthropicModel string

	// Parser overrides the PRD parser. Nil wires the model-backed parser.
	Parser ai.PRDParser

	// LeaseMonitorInterval is how often expired leases are reaped.
	LeaseMonitorInterval time.Duration

	// BuildVersion is reported by ping.
	BuildVersion string
}

// DefaultConfig returns the baseline server configuration.
func DefaultConfig() *Config {
	return &Config{
		Logger:               hclog.Default(),
		DataDir:              "./marcus-data",
		LeaseMonitorInterval: 30 * time.Second,
	}
}
