package cli

import (
	"context"
	"fmt"

	"github.com/easeaico/hybrid-memory/internal/memory"
	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"
)

func statsCommand() *cli.Command {
	var opts options

	return &cli.Command{
		Name:  "stats",
		Usage: "Show fact and vector counts",
		Flags: globalFlags(&opts),
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx, a, err := opts.open(ctx)
			if err != nil {
				return err
			}
			defer closeApp(ctx, a)

			live, err := a.Facts.Count(ctx, false)
			if err != nil {
				return goerr.Wrap(err, "failed to count facts")
			}
			total, err := a.Facts.Count(ctx, true)
			if err != nil {
				return goerr.Wrap(err, "failed to count facts")
			}
			vectors, err := a.Index.Count(ctx)
			if err != nil {
				return goerr.Wrap(err, "failed to count vectors")
			}

			w := c.Root().Writer
			fmt.Fprintf(w, "live\t%d\n", live)
			fmt.Fprintf(w, "superseded\t%d\n", total-live)
			fmt.Fprintf(w, "vectors\t%d\n", vectors)

			for _, category := range memory.Categories {
				entries, err := a.Facts.Query(ctx, memory.Filter{Category: category})
				if err != nil {
					return goerr.Wrap(err, "failed to count category", goerr.V("category", category))
				}
				if len(entries) > 0 {
					fmt.Fprintf(w, "%s\t%d\n", category, len(entries))
				}
			}
			return nil
		},
	}
}
