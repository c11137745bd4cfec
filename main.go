// Copyright 2019 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

/*
Command dynsync replicates DynamoDB tables from one AWS account to another.

For each table it scans the source and destination in lockstep, writing
only the pages that differ; once the two scans diverge it falls back to
copying every remaining source page.  Writes are batched, rate limited to
a configurable capacity, and unprocessed items are resubmitted with
exponential backoff.  Tables are synced concurrently and a failure in one
table never interrupts the others.

Subcommands:

	sync     sync table contents from a source account to a destination
	schema   create table schemas at a destination account
	verify   compare table contents between two accounts
	tables   list the tables at an account

Source and destination accounts are given as profile or profile@region
arguments, resolved against the shared AWS configuration files.  A .env
file in the working directory is loaded at startup if present, so
per-deployment settings can be kept alongside the data being moved.
*/
package main

import (
	"os"

	"github.com/gwatts/dynsync/internal/cmd"
	cli "github.com/jawher/mow.cli"
	"github.com/joho/godotenv"
)

var version = "dev"

func main() {
	godotenv.Load() // optional; absence of a .env file is fine

	app := cli.App("dynsync", "Sync DynamoDB tables between AWS accounts")
	app.Version("v version", "dynsync "+version)

	cmd.RegisterSyncCommand(app)
	cmd.RegisterSchemaCommand(app)
	cmd.RegisterVerifyCommand(app)
	cmd.RegisterTablesCommand(app)

	app.Run(os.Args)
}
