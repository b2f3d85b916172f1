package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"
)

func forgetCommand() *cli.Command {
	var (
		opts options
		hard bool
	)

	flags := []cli.Flag{
		&cli.BoolFlag{
			Name:        "hard",
			Usage:       "Erase the fact and its vector instead of retiring it",
			Destination: &hard,
		},
	}
	flags = append(flags, globalFlags(&opts)...)

	return &cli.Command{
		Name:      "forget",
		Usage:     "Remove a fact from retrieval",
		ArgsUsage: "<fact-id>",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			id := c.Args().First()
			if id == "" {
				return goerr.New("fact id is required")
			}

			ctx, a, err := opts.open(ctx)
			if err != nil {
				return err
			}
			defer closeApp(ctx, a)

			if err := a.Engine.Forget(ctx, id, hard); err != nil {
				return goerr.Wrap(err, "failed to forget fact")
			}
			fmt.Fprintf(c.Root().Writer, "Forgot %s\n", id)
			return nil
		},
	}
}

func pruneCommand() *cli.Command {
	var opts options

	return &cli.Command{
		Name:  "prune",
		Usage: "Delete facts whose decay window has passed",
		Flags: globalFlags(&opts),
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx, a, err := opts.open(ctx)
			if err != nil {
				return err
			}
			defer closeApp(ctx, a)

			ids, err := a.Engine.Prune(ctx, time.Now())
			if err != nil {
				return goerr.Wrap(err, "failed to prune facts")
			}
			for _, id := range ids {
				fmt.Fprintln(c.Root().Writer, id)
			}
			fmt.Fprintf(c.Root().Writer, "Pruned %d facts\n", len(ids))
			return nil
		},
	}
}
