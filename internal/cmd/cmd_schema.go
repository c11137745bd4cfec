// Copyright 2019 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Bowery/prompt"
	"github.com/gwatts/dynsync/dynsync"
	"github.com/gwatts/flagvals"
	cli "github.com/jawher/mow.cli"
)

func RegisterSchemaCommand(app *cli.Cli) {
	app.Command("schema", "Create table schemas at a destination account", func(cmd *cli.Cmd) {
		cmd.Spec = "[--force] SRC DST [TABLENAME...]"
		action := &schemaCopier{
			srcEndpoint: cmd.StringArg("SRC", "",
				"Source AWS profile, optionally with a region as profile@region"),
			dstEndpoint: cmd.StringArg("DST", "",
				"Destination AWS profile, optionally with a region as profile@region"),
			tableNames: cmd.StringsArg("TABLENAME", nil,
				"Tables to create; defaults to every table at the source"),
			force: cmd.Bool(cli.BoolOpt{
				Name:   "force",
				Value:  false,
				Desc:   "Set to true to disable the confirmation prompt",
				EnvVar: "NO_SCHEMA_PROMPT",
			}),

			maxRetries: flagvals.GTEInt(awsMaxRetries, 0),
		}

		cmd.Var(cli.VarOpt{
			Name:   "max-retries",
			Value:  action.maxRetries,
			Desc:   "Maximum number of retry attempts to make with AWS services before failing",
			EnvVar: "AWS_MAX_RETRIES",
		})

		cmd.Action = action.run
	})
}

type schemaCopier struct {
	// options
	srcEndpoint *string
	dstEndpoint *string
	tableNames  *[]string
	force       *bool
	maxRetries  *flagvals.RangeInt
}

func (sc *schemaCopier) run() {
	srcDyn := initAWS(*sc.srcEndpoint, sc.maxRetries)
	dstDyn := initAWS(*sc.dstEndpoint, sc.maxRetries)

	if !*sc.force {
		target := "all tables"
		if len(*sc.tableNames) > 0 {
			target = strings.Join(*sc.tableNames, ", ")
		}
		fmt.Printf("Create schemas at %q for %s from %q\n\n",
			*sc.dstEndpoint, target, *sc.srcEndpoint)
		ok, err := prompt.Ask("Are you sure you wish to create tables at the destination account")
		if err != nil {
			fail("Could not prompt for confirmation (use --force to override): %v", err)
		}
		if !ok {
			fail("User rejected schema copy")
		}
	}

	copier := &dynsync.SchemaCopier{
		Source: srcDyn,
		Dest:   dstDyn,
		Tables: *sc.tableNames,
	}

	results, err := copier.Run()
	if err != nil {
		fail("Schema copy failed: %v", err)
	}

	fmt.Printf("\n%-40s %-10s %10s\n", "TABLE", "STATUS", "ELAPSED")
	for _, r := range results {
		fmt.Printf("%-40s %-10s %10s\n",
			r.Table, r.Status, r.Elapsed.Round(time.Millisecond))
		if r.Err != nil {
			fmt.Printf("    error: %v\n", r.Err)
		}
	}
	fmt.Println()

	if failed := dynsync.CountFailed(results); failed > 0 {
		fail("%d of %d tables failed to create", failed, len(results))
	}
	fmt.Fprintf(os.Stderr, "Created %d tables\n", len(results))
}
