package main

import (
	"fmt"
	"os"

	"github.com/hashicorp/cli"

	"github.com/marcushq/marcus/command"
	"github.com/marcushq/marcus/version"
)

func main() {
	os.Exit(Run(os.Args[1:]))
}

func Run(args []string) int {
	metaPtr := &command.Meta{
		Ui: &cli.BasicUi{
			Reader:      os.Stdin,
			Writer:      os.Stdout,
			ErrorWriter: os.Stderr,
		},
	}

	c := cli.NewCLI("marcus", version.GetHumanVersion())
	c.Args = args
	c.Commands = command.Commands(metaPtr)

	exitCode, err := c.Run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error executing CLI: %s\n", err)
		return 1
	}
	return exitCode
}
