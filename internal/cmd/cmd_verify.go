// Copyright 2019 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package cmd

import (
	"fmt"
	"os"

	"github.com/gwatts/dynsync/dynsync"
	"github.com/gwatts/flagvals"
	cli "github.com/jawher/mow.cli"
)

func RegisterVerifyCommand(app *cli.Cli) {
	app.Command("verify", "Compare table contents between two accounts", func(cmd *cli.Cmd) {
		cmd.Spec = "[-cx] [--missing-out] SRC DST [TABLENAME...]"
		action := &verifier{
			srcEndpoint: cmd.StringArg("SRC", "",
				"Source AWS profile, optionally with a region as profile@region"),
			dstEndpoint: cmd.StringArg("DST", "",
				"Destination AWS profile, optionally with a region as profile@region"),
			tableNames: cmd.StringsArg("TABLENAME", nil,
				"Tables to verify; defaults to every table at the source"),
			consistentRead: cmd.Bool(cli.BoolOpt{
				Name:   "c consistent-read",
				Value:  false,
				Desc:   "Enable consistent reads (at 2x capacity use)",
				EnvVar: "USE_CONSISTENT",
			}),
			exclude: cmd.Strings(cli.StringsOpt{
				Name:   "x exclude",
				Value:  nil,
				Desc:   "Table name to exclude from verification; may be repeated",
				EnvVar: "EXCLUDE_TABLES",
			}),
			missingOut: cmd.String(cli.StringOpt{
				Name:   "missing-out",
				Value:  "",
				Desc:   "Filename to write items missing from the destination to, one JSON object per line",
				EnvVar: "MISSING_OUT",
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

type verifier struct {
	// options
	srcEndpoint    *string
	dstEndpoint    *string
	tableNames     *[]string
	consistentRead *bool
	exclude        *[]string
	missingOut     *string
	maxRetries     *flagvals.RangeInt
}

func (v *verifier) run() {
	srcDyn := initAWS(*v.srcEndpoint, v.maxRetries)
	dstDyn := initAWS(*v.dstEndpoint, v.maxRetries)

	tables, err := dynsync.ResolveTables(srcDyn, *v.tableNames, *v.exclude)
	if err != nil {
		fail("Failed to resolve table list: %v", err)
	}
	if len(tables) == 0 {
		fail("No tables to verify")
	}

	var enc *dynsync.ItemEncoder
	if *v.missingOut != "" {
		f, err := os.Create(*v.missingOut)
		if err != nil {
			fail("Failed to open file for write: %v", err)
		}
		defer f.Close()
		enc = dynsync.NewItemEncoder(f)
	}

	fmt.Printf("%-40s %-12s %10s %10s %8s %8s\n",
		"TABLE", "STATUS", "SOURCE", "DEST", "MISSING", "EXTRA")

	outOfSync := 0
	for _, name := range tables {
		vf := &dynsync.Verifier{
			Source:         srcDyn,
			Dest:           dstDyn,
			TableName:      name,
			ConsistentRead: *v.consistentRead,
		}
		result, err := vf.Run()
		if err != nil {
			outOfSync++
			fmt.Printf("%-40s %-12s\n", name, "error")
			fmt.Printf("    error: %v\n", err)
			continue
		}

		status := "in-sync"
		if !result.InSync() {
			status = "out-of-sync"
			outOfSync++
		}
		fmt.Printf("%-40s %-12s %10d %10d %8d %8d\n",
			name, status, result.SourceCount, result.DestCount,
			len(result.Missing), len(result.Extra))

		if enc != nil {
			for _, item := range result.Missing {
				if err := enc.WriteItem(item); err != nil {
					fail("Failed to write missing item: %v", err)
				}
			}
		}
	}

	if outOfSync > 0 {
		fail("%d of %d tables out of sync", outOfSync, len(tables))
	}
}
