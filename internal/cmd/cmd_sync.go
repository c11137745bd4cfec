// Copyright 2019 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package cmd

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/Bowery/prompt"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/cheggaaa/pb"
	"github.com/gwatts/dynsync/dynsync"
	"github.com/gwatts/flagvals"
	cli "github.com/jawher/mow.cli"
	"github.com/rs/zerolog"
)

func RegisterSyncCommand(app *cli.Cli) {
	app.Command("sync", "Sync tables from a source account to a destination account", func(cmd *cli.Cmd) {
		cmd.Spec = "[--force] [-cprwx] SRC DST [TABLENAME...]"
		action := &syncer{
			srcEndpoint: cmd.StringArg("SRC", "",
				"Source AWS profile, optionally with a region as profile@region"),
			dstEndpoint: cmd.StringArg("DST", "",
				"Destination AWS profile, optionally with a region as profile@region"),
			tableNames: cmd.StringsArg("TABLENAME", nil,
				"Tables to sync; defaults to every table at the source"),
			force: cmd.Bool(cli.BoolOpt{
				Name:   "force",
				Value:  false,
				Desc:   "Set to true to disable the confirmation prompt",
				EnvVar: "NO_SYNC_PROMPT",
			}),
			consistentRead: cmd.Bool(cli.BoolOpt{
				Name:   "c consistent-read",
				Value:  false,
				Desc:   "Enable consistent reads (at 2x capacity use)",
				EnvVar: "USE_CONSISTENT",
			}),
			exclude: cmd.Strings(cli.StringsOpt{
				Name:   "x exclude",
				Value:  nil,
				Desc:   "Table name to exclude from the sync; may be repeated",
				EnvVar: "EXCLUDE_TABLES",
			}),

			maxRetries:      flagvals.GTEInt(awsMaxRetries, 0),
			maxWriteRetries: flagvals.GTEInt(0, 0),
			parallel:        flagvals.BetweenInt(4, 1, maxParallel),
			readCapacity:    flagvals.GTEInt(5, 0),
			writeCapacity:   flagvals.GTEInt(5, 0),
		}

		cmd.Var(cli.VarOpt{
			Name:   "p parallel",
			Value:  action.parallel,
			Desc:   "Number of tables to sync concurrently",
			EnvVar: "MAX_PARALLEL",
		})
		cmd.Var(cli.VarOpt{
			Name:   "r read-capacity",
			Value:  action.readCapacity,
			Desc:   "Average read capacity to use per table scan (set to 0 for unlimited)",
			EnvVar: "READ_CAPACITY",
		})
		cmd.Var(cli.VarOpt{
			Name:   "w write-capacity",
			Value:  action.writeCapacity,
			Desc:   "Average write capacity to use per table (set to 0 for unlimited)",
			EnvVar: "WRITE_CAPACITY",
		})
		cmd.Var(cli.VarOpt{
			Name:   "max-write-retries",
			Value:  action.maxWriteRetries,
			Desc:   "Maximum resubmission attempts for unprocessed batch items (set to 0 to retry indefinitely)",
			EnvVar: "MAX_WRITE_RETRIES",
		})
		cmd.Var(cli.VarOpt{
			Name:   "max-retries",
			Value:  action.maxRetries,
			Desc:   "Maximum number of retry attempts to make with AWS services before failing",
			EnvVar: "AWS_MAX_RETRIES",
		})

		cmd.Action = actionRunner(cmd, action)
	})
}

type syncer struct {
	m          *dynsync.Migrator
	abortChan  chan struct{}
	tables     []string
	tableBytes int64
	itemCount  int64
	results    []dynsync.TableResult
	startTime  time.Time

	srcDyn *dynamodb.DynamoDB
	dstDyn *dynamodb.DynamoDB

	// options
	srcEndpoint     *string
	dstEndpoint     *string
	tableNames      *[]string
	force           *bool
	consistentRead  *bool
	exclude         *[]string
	parallel        *flagvals.RangeInt
	readCapacity    *flagvals.RangeInt
	writeCapacity   *flagvals.RangeInt
	maxWriteRetries *flagvals.RangeInt
	maxRetries      *flagvals.RangeInt
}

func (s *syncer) init() error {
	s.srcDyn = initAWS(*s.srcEndpoint, s.maxRetries)
	s.dstDyn = initAWS(*s.dstEndpoint, s.maxRetries)

	s.m = &dynsync.Migrator{
		Source:          s.srcDyn,
		Dest:            s.dstDyn,
		Tables:          *s.tableNames,
		Exclude:         *s.exclude,
		MaxParallel:     int(s.parallel.Value),
		ConsistentRead:  *s.consistentRead,
		ReadCapacity:    float64(s.readCapacity.Value),
		WriteCapacity:   float64(s.writeCapacity.Value),
		MaxWriteRetries: int(s.maxWriteRetries.Value),
	}

	tables, err := s.m.TableNames()
	if err != nil {
		return err
	}
	if len(tables) == 0 {
		return errors.New("no tables to sync")
	}
	s.tables = tables

	for _, name := range tables {
		resp, err := s.srcDyn.DescribeTable(&dynamodb.DescribeTableInput{
			TableName: aws.String(name),
		})
		if err != nil {
			return fmt.Errorf("Failed to describe table %q: %v", name, err)
		}
		s.tableBytes += aws.Int64Value(resp.Table.TableSizeBytes)
		s.itemCount += aws.Int64Value(resp.Table.ItemCount)
	}

	if !*s.force {
		fmt.Printf("Sync %d tables (%s) from %q to %q:\n\n  %s\n\n",
			len(tables), fmtBytes(s.tableBytes), *s.srcEndpoint, *s.dstEndpoint,
			strings.Join(tables, "\n  "))
		ok, err := prompt.Ask("Are you sure you wish to write to the destination account")
		if err != nil {
			return fmt.Errorf("Could not prompt for confirmation (use --force to override): %v", err)
		}
		if !ok {
			return errors.New("User rejected sync")
		}
	}

	return nil
}

func (s *syncer) start(termWriter io.Writer, logger zerolog.Logger) (done chan error, err error) {
	status := fmt.Sprintf("Beginning sync: tables=%d source=%q dest=%q "+
		"readCapacity=%d writeCapacity=%d parallel=%d itemCount=%d totalSize=%s",
		len(s.tables), *s.srcEndpoint, *s.dstEndpoint,
		s.readCapacity.Value, s.writeCapacity.Value, s.parallel.Value,
		s.itemCount, fmtBytes(s.tableBytes))

	fmt.Fprintln(termWriter, status)
	logger.Info().
		Int("tables", len(s.tables)).
		Str("source", *s.srcEndpoint).
		Str("dest", *s.dstEndpoint).
		Int64("item_count", s.itemCount).
		Int64("total_bytes", s.tableBytes).
		Msg("beginning sync")

	s.m.Events = logSink(logger)

	done = make(chan error, 1)
	s.abortChan = make(chan struct{}, 1)
	s.startTime = time.Now()

	go func() {
		rerr := make(chan error)
		go func() {
			results, err := s.m.Run()
			s.results = results
			rerr <- err
		}()

		select {
		case <-s.abortChan:
			logger.Info().Msg("aborting sync")
			s.m.Stop()
			<-rerr
			s.logResults(logger)
			logger.Info().Msg("sync abort completed")
			done <- errors.New("Aborted")

		case err := <-rerr:
			s.logResults(logger)
			if err != nil {
				logger.Error().Err(err).Msg("sync failed")
				done <- err
			} else if failed := dynsync.CountFailed(s.results); failed > 0 {
				logger.Error().Int("failed", failed).Msg("sync finished with failures")
				done <- fmt.Errorf("%d of %d tables failed to sync", failed, len(s.results))
			} else {
				logger.Info().Msg("sync completed OK")
				done <- nil
			}
		}
	}()

	return done, nil
}

func (s *syncer) logResults(logger zerolog.Logger) {
	for _, r := range s.results {
		ev := logger.Info()
		if r.Err != nil {
			ev = logger.Error().Err(r.Err)
		}
		ev.Str("table", r.Table).
			Str("status", string(r.Status)).
			Int64("items_read", r.ItemsRead).
			Int64("items_written", r.ItemsWritten).
			Dur("elapsed", r.Elapsed).
			Msg("table result")
	}
}

func (s *syncer) logProgress(logger zerolog.Logger) {
	stats := s.m.Stats()
	logger.Info().
		Int("tables_complete", stats.TablesComplete).
		Int("tables_total", stats.TablesTotal).
		Int64("items_read", stats.ItemsRead).
		Int64("items_written", stats.ItemsWritten).
		Float64("capacity_used", stats.CapacityUsed).
		Msg("sync in progress")
}

func (s *syncer) newProgressBar() *pb.ProgressBar {
	bar := pb.New64(s.tableBytes)
	bar.ShowSpeed = true
	bar.SetUnits(pb.U_BYTES)
	return bar
}

func (s *syncer) updateProgress(bar *pb.ProgressBar) {
	bar.Set64(s.m.Stats().BytesRead)
}

func (s *syncer) abort() {
	s.abortChan <- struct{}{}
}

func (s *syncer) printFinalStats(w io.Writer) {
	s.printResults(w)

	finalStats := s.m.Stats()
	deltaSeconds := float64(time.Since(s.startTime) / time.Second)

	fmt.Fprintf(w, "Avg items/sec: %.2f\n", float64(finalStats.ItemsRead)/deltaSeconds)
	fmt.Fprintf(w, "Avg capacity/sec: %.2f\n", finalStats.CapacityUsed/deltaSeconds)
	fmt.Fprintln(w, "Total items read: ", finalStats.ItemsRead)
	fmt.Fprintln(w, "Total items written: ", finalStats.ItemsWritten)
}

func (s *syncer) printResults(w io.Writer) {
	if len(s.results) == 0 {
		return
	}
	fmt.Fprintf(w, "\n%-40s %-10s %12s %12s %10s\n",
		"TABLE", "STATUS", "ITEMS READ", "WRITTEN", "ELAPSED")
	for _, r := range s.results {
		fmt.Fprintf(w, "%-40s %-10s %12d %12d %10s\n",
			r.Table, r.Status, r.ItemsRead, r.ItemsWritten,
			r.Elapsed.Round(time.Millisecond))
		if r.Err != nil {
			fmt.Fprintf(w, "    error: %v\n", r.Err)
		}
	}
	fmt.Fprintln(w)
}
