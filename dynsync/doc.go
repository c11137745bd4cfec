// Copyright 2019 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

/*
Package dynsync copies the contents of DynamoDB tables from one AWS
account or region to another.

Each table is synchronized by scanning the source and destination in
lockstep, writing any items missing from the destination in batches of up
to 25, and falling back to an unconditional copy of the remaining source
pages as soon as the two scans stop paginating identically.  Items that
DynamoDB reports as unprocessed are resubmitted with exponential backoff
until the service accepts them.

A Migrator runs one Syncer per table and collects a TableResult for each,
so the outcome of every table is available to the caller even when some
tables fail.  Progress is delivered through an EventSink, which callers
may ignore, log, or use to drive a progress display.

The package also provides a SchemaCopier to recreate source table schemas
at the destination, and a Verifier to compare the contents of a table
across the two deployments after a sync.
*/
package dynsync
