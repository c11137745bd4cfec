// Copyright 2019 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package cmd

import (
	"os"
	"text/template"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/gwatts/dynsync/dynsync"
	"github.com/gwatts/flagvals"
	cli "github.com/jawher/mow.cli"
)

func RegisterTablesCommand(app *cli.Cli) {
	app.Command("tables", "List the tables at an account", func(cmd *cli.Cmd) {
		cmd.Spec = "SRC"
		action := &tableLister{
			endpoint: cmd.StringArg("SRC", "",
				"AWS profile, optionally with a region as profile@region"),

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

var tablesTmpl = template.Must(template.New("tables").Parse(`
{{range .}}{{.Name}}{{if .Excluded}} (excluded from sync){{end}}
Status ..............: {{ .Status }}
Billing .............: {{ .Billing }}
Item Count ..........: {{ .Items }}
Size ................: {{ .Size }}

{{end}}`))

type tableInfo struct {
	Name     string
	Excluded bool
	Status   string
	Billing  string
	Items    int64
	Size     string
}

type tableLister struct {
	// options
	endpoint   *string
	maxRetries *flagvals.RangeInt
}

func (t *tableLister) run() {
	dyn := initAWS(*t.endpoint, t.maxRetries)

	names, err := dynsync.ListAllTables(dyn)
	if err != nil {
		fail("Failed to list tables: %v", err)
	}

	excluded := make(map[string]bool)
	for _, name := range dynsync.DefaultExcludedTables {
		excluded[name] = true
	}

	infos := make([]tableInfo, 0, len(names))
	for _, name := range names {
		resp, err := dyn.DescribeTable(&dynamodb.DescribeTableInput{
			TableName: aws.String(name),
		})
		if err != nil {
			fail("Failed to describe table %q: %v", name, err)
		}
		desc := resp.Table

		billing := dynamodb.BillingModeProvisioned
		if desc.BillingModeSummary != nil &&
			aws.StringValue(desc.BillingModeSummary.BillingMode) == dynamodb.BillingModePayPerRequest {
			billing = dynamodb.BillingModePayPerRequest
		}

		infos = append(infos, tableInfo{
			Name:     name,
			Excluded: excluded[name],
			Status:   aws.StringValue(desc.TableStatus),
			Billing:  billing,
			Items:    aws.Int64Value(desc.ItemCount),
			Size:     fmtBytes(aws.Int64Value(desc.TableSizeBytes)),
		})
	}

	tablesTmpl.Execute(os.Stdout, infos)
}
