package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/easeaico/hybrid-memory/internal/memory"
	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"
)

func listCommand() *cli.Command {
	var (
		opts     options
		category string
		source   string
		entity   string
		all      bool
		limit    int64
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "category",
			Usage:       "Only list this category",
			Destination: &category,
		},
		&cli.StringFlag{
			Name:        "source",
			Usage:       "Only list this source",
			Destination: &source,
		},
		&cli.StringFlag{
			Name:        "entity",
			Usage:       "Only list facts about this entity",
			Destination: &entity,
		},
		&cli.BoolFlag{
			Name:        "all",
			Aliases:     []string{"a"},
			Usage:       "Include superseded and forgotten facts",
			Destination: &all,
		},
		&cli.IntFlag{
			Name:        "limit",
			Usage:       "Maximum number of facts to list",
			Value:       100,
			Destination: &limit,
		},
	}
	flags = append(flags, globalFlags(&opts)...)

	return &cli.Command{
		Name:  "list",
		Usage: "List stored facts, newest first",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx, a, err := opts.open(ctx)
			if err != nil {
				return err
			}
			defer closeApp(ctx, a)

			entries, err := a.Facts.Query(ctx, memory.Filter{
				Category:          memory.Category(category),
				Source:            memory.Source(source),
				Entity:            entity,
				IncludeSuperseded: all,
				Limit:             int(limit),
			})
			if err != nil {
				return goerr.Wrap(err, "failed to list facts")
			}

			for _, e := range entries {
				printEntry(c.Root().Writer, e)
			}
			return nil
		},
	}
}

func historyCommand() *cli.Command {
	var opts options

	return &cli.Command{
		Name:      "history",
		Usage:     "Show the supersession chain of a fact, oldest first",
		ArgsUsage: "<fact-id>",
		Flags:     globalFlags(&opts),
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

			chain, err := a.Facts.History(ctx, id)
			if err != nil {
				return goerr.Wrap(err, "failed to read history")
			}
			for _, e := range chain {
				printEntry(c.Root().Writer, e)
			}
			return nil
		},
	}
}

func printEntry(w io.Writer, e *memory.Entry) {
	status := "live"
	switch {
	case e.SupersededBy != nil:
		status = fmt.Sprintf("superseded by %s", *e.SupersededBy)
	case e.SupersededAt != nil:
		status = "forgotten"
	}
	fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
		e.ID, e.CreatedAt.Format(time.DateTime), e.Category, e.DecayClass, status, e.Text)
}
