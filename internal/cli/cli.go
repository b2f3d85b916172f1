// Package cli implements memctl, the maintenance command line for the fact
// memory.
package cli

import (
	"context"
	"io"
	"os"

	"github.com/urfave/cli/v3"
)

type Error struct {
	Code    int
	Message string
}

func Run(ctx context.Context, argv []string) *Error {
	if err := newCommand(os.Stdout).Run(ctx, argv); err != nil {
		return &Error{
			Code:    1,
			Message: err.Error(),
		}
	}
	return nil
}

func newCommand(w io.Writer) *cli.Command {
	return &cli.Command{
		Name:   "memctl",
		Usage:  "Inspect and maintain long-term fact memory",
		Writer: w,
		Commands: []*cli.Command{
			rememberCommand(),
			recallCommand(),
			listCommand(),
			historyCommand(),
			forgetCommand(),
			pruneCommand(),
			statsCommand(),
		},
	}
}
