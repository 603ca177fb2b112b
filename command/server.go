package command

import (
	"fmt"
	"os"
	"strings"
	"time"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/marcushq/marcus/marcus"
	"github.com/marcushq/marcus/version"
)

// ServerCommand runs the coordination server on stdio until the MCP client
// disconnects.
type ServerCommand struct {
	Meta
}

func (c *ServerCommand) Help() string {
	helpText := `
Usage: marcus server [options]

  Starts the Marcus coordination server speaking MCP over stdin/stdout.
  Worker agents connect as MCP clients, register themselves, and pull
  dependency-ordered tasks.

  Diagnostics go to stderr; stdout belongs to the protocol.

Server Options:

  -data-dir=<path>
    Directory holding the durable state database. Defaults to
    ./marcus-data. Ignored with -dev.

  -dev
    Run in development mode: all state is kept in memory and lost on
    exit.

  -log-level=<level>
    Log verbosity: trace, debug, info, warn or error. Defaults to info.

  -lease-monitor-interval=<duration>
    How often expired leases are reaped. Defaults to 30s.

  -anthropic-model=<model>
    Override the model used for project description analysis. The API
    key is read from the environment.
`
	return strings.TrimSpace(helpText)
}

func (c *ServerCommand) Synopsis() string {
	return "Run the Marcus coordination server over stdio"
}

func (c *ServerCommand) Name() string { return "server" }

func (c *ServerCommand) Run(args []string) int {
	var dataDir, logLevel, model string
	var dev bool
	var monitorInterval time.Duration

	flags := c.Meta.FlagSet(c.Name())
	flags.StringVar(&dataDir, "data-dir", "./marcus-data", "")
	flags.BoolVar(&dev, "dev", false, "")
	flags.StringVar(&logLevel, "log-level", "info", "")
	flags.DurationVar(&monitorInterval, "lease-monitor-interval", 30*time.Second, "")
	flags.StringVar(&model, "anthropic-model", "", "")
	if err := flags.Parse(args); err != nil {
		c.Ui.Error(fmt.Sprintf("Error parsing flags: %s", err))
		return 1
	}
	if args := flags.Args(); len(args) > 0 {
		c.Ui.Error(fmt.Sprintf("Unexpected arguments: %v", args))
		return 1
	}

	level := hclog.LevelFromString(logLevel)
	if level == hclog.NoLevel {
		c.Ui.Error(fmt.Sprintf("Unknown log level %q", logLevel))
		return 1
	}

	// Stdout carries the protocol; everything else goes to stderr.
	logger := hclog.New(&hclog.LoggerOptions{
		Name:   "marcus",
		Level:  level,
		Output: os.Stderr,
	})

	config := marcus.DefaultConfig()
	config.Logger = logger
	config.DataDir = dataDir
	config.DevMode = dev
	config.LeaseMonitorInterval = monitorInterval
	config.AnthropicModel = model
	config.BuildVersion = version.GetHumanVersion()

	srv, err := marcus.NewServer(config)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error starting server: %s", err))
		return 1
	}
	defer srv.Shutdown()

	if err := srv.ServeStdio(); err != nil {
		c.Ui.Error(fmt.Sprintf("Server error: %s", err))
		return 1
	}
	return 0
}
