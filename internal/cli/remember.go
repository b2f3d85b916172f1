package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/easeaico/hybrid-memory/internal/memory"
	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"
)

func rememberCommand() *cli.Command {
	var (
		opts       options
		category   string
		importance float64
		entity     string
		key        string
		value      string
		noJudge    bool
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "category",
			Usage:       "Category of the fact (preference, decision, fact, entity, technical, other)",
			Destination: &category,
		},
		&cli.FloatFlag{
			Name:        "importance",
			Usage:       "Importance between 0 and 1",
			Value:       0.5,
			Destination: &importance,
		},
		&cli.StringFlag{
			Name:        "entity",
			Usage:       "Subject of the fact",
			Destination: &entity,
		},
		&cli.StringFlag{
			Name:        "key",
			Usage:       "Attribute name",
			Destination: &key,
		},
		&cli.StringFlag{
			Name:        "value",
			Usage:       "Attribute value",
			Destination: &value,
		},
		&cli.BoolFlag{
			Name:        "no-judge",
			Usage:       "Add without asking the model about similar memories",
			Destination: &noJudge,
		},
	}
	flags = append(flags, globalFlags(&opts)...)

	return &cli.Command{
		Name:      "remember",
		Usage:     "Store a fact, reconciling it with similar memories",
		ArgsUsage: "<text>",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			text := strings.TrimSpace(strings.Join(c.Args().Slice(), " "))
			if text == "" {
				return goerr.New("no text provided")
			}

			ctx, a, err := opts.open(ctx)
			if err != nil {
				return err
			}
			defer closeApp(ctx, a)

			client, err := a.NewLLM(ctx)
			if err != nil {
				return err
			}

			vector, err := client.Embed(ctx, text)
			if err != nil {
				return goerr.Wrap(err, "failed to embed text")
			}

			var judge memory.Judge = client
			if noJudge {
				judge = nil
			}

			out, err := a.Engine.Observe(ctx, memory.Draft{
				Text:       text,
				Category:   memory.Category(category),
				Importance: importance,
				Entity:     optional(entity),
				Key:        optional(key),
				Value:      optional(value),
				Source:     memory.SourceManual,
			}, vector, judge)
			if err != nil {
				return goerr.Wrap(err, "failed to remember")
			}

			id := "-"
			if out.Entry != nil {
				id = out.Entry.ID
			}
			fmt.Fprintf(c.Root().Writer, "%s\t%s\t%s\n", out.Decision.Action, id, out.Decision.Reason)
			return nil
		},
	}
}

func recallCommand() *cli.Command {
	var (
		opts  options
		limit int64
	)

	flags := []cli.Flag{
		&cli.IntFlag{
			Name:        "limit",
			Aliases:     []string{"n"},
			Usage:       "Maximum number of memories to return",
			Value:       5,
			Destination: &limit,
		},
	}
	flags = append(flags, globalFlags(&opts)...)

	return &cli.Command{
		Name:      "recall",
		Usage:     "Search memories similar to a query",
		ArgsUsage: "<query>",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			query := strings.TrimSpace(strings.Join(c.Args().Slice(), " "))
			if query == "" {
				return goerr.New("no query provided")
			}

			ctx, a, err := opts.open(ctx)
			if err != nil {
				return err
			}
			defer closeApp(ctx, a)

			client, err := a.NewLLM(ctx)
			if err != nil {
				return err
			}

			vector, err := client.Embed(ctx, query)
			if err != nil {
				return goerr.Wrap(err, "failed to embed query")
			}

			hits, err := a.Engine.Recall(ctx, vector, int(limit))
			if err != nil {
				return goerr.Wrap(err, "failed to recall")
			}
			for _, h := range hits {
				fmt.Fprintf(c.Root().Writer, "%s\t%.3f\t%s\t%s\n", h.Entry.ID, h.Score, h.Entry.Category, h.Entry.Text)
			}
			return nil
		},
	}
}

func optional(s string) *string {
	if s = strings.TrimSpace(s); s == "" {
		return nil
	}
	return &s
}
