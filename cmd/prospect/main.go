// Package main provides a command line client for the prospecting job API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/crm-prospector/internal/logging"
	"github.com/urfave/cli/v3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Keep client logs off stdout, which carries command output
	logging.InitGlobalLogger(logging.ParseLogLevel(os.Getenv("LOG_LEVEL")), logging.FormatText).SetOutput(os.Stderr)

	if err := newApp().Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	requestFlags := []cli.Flag{
		&cli.StringFlag{
			Name:     "prompt",
			Aliases:  []string{"p"},
			Usage:    "free-text description of the leads to find",
			Required: true,
		},
		&cli.IntFlag{
			Name:  "size",
			Usage: "number of leads (5-200, default 25)",
		},
		&cli.StringSliceFlag{
			Name:  "provider",
			Usage: "lead provider to query, repeatable",
		},
		&cli.StringSliceFlag{
			Name:  "filter",
			Usage: "provider filter as key=value, repeatable",
		},
	}

	return &cli.Command{
		Name:  "prospect",
		Usage: "Create and follow AI prospecting jobs",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Usage:   "API base URL",
				Value:   "http://localhost:8080",
				Sources: cli.EnvVars("PROSPECT_SERVER"),
			},
			&cli.StringFlag{
				Name:    "tenant",
				Usage:   "tenant id sent as X-Tenant-ID",
				Sources: cli.EnvVars("PROSPECT_TENANT"),
			},
			&cli.StringFlag{
				Name:    "user",
				Usage:   "user id sent as X-User-ID",
				Sources: cli.EnvVars("PROSPECT_USER"),
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "print raw JSON instead of tables",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "create",
				Usage:  "Queue a prospecting job and print it",
				Flags:  requestFlags,
				Action: createAction,
			},
			{
				Name:      "status",
				Usage:     "Show a job's current status",
				ArgsUsage: "<job-id>",
				Action:    statusAction,
			},
			{
				Name:      "events",
				Usage:     "List a job's events",
				ArgsUsage: "<job-id>",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "since",
						Usage: "only events after this RFC3339 timestamp",
					},
					&cli.BoolFlag{
						Name:    "follow",
						Aliases: []string{"f"},
						Usage:   "keep polling until the job finishes",
					},
				},
				Action: eventsAction,
			},
			{
				Name:      "items",
				Usage:     "Page through the leads of an import",
				ArgsUsage: "<import-id>",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "limit",
						Usage: "page size (1-200)",
						Value: 50,
					},
					&cli.IntFlag{
						Name:  "offset",
						Usage: "items to skip",
					},
				},
				Action: itemsAction,
			},
			{
				Name:   "run",
				Usage:  "Create a job, follow it to the end and print the first page of leads",
				Flags:  requestFlags,
				Action: runAction,
			},
		},
	}
}
