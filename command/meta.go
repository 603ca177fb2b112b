package command

import (
	"flag"

	"github.com/hashicorp/cli"
)

// Meta contains the options and functionality shared by every marcus
// command.
type Meta struct {
	Ui cli.Ui
}

// FlagSet returns a FlagSet that reports errors through the Ui instead of
// the default stderr handling.
func (m *Meta) FlagSet(n string) *flag.FlagSet {
	f := flag.NewFlagSet(n, flag.ContinueOnError)
	f.Usage = func() {}
	return f
}
