// Copyright 2016 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package cmd

import (
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cheggaaa/pb"
	cli "github.com/jawher/mow.cli"
	"github.com/rs/zerolog"
)

type action interface {
	init() error
	newProgressBar() (bar *pb.ProgressBar)
	updateProgress(bar *pb.ProgressBar)
	start(termWriter io.Writer, logger zerolog.Logger) (doneChan chan error, err error)
	abort()
	printFinalStats(w io.Writer)
}

type progressLogger interface {
	logProgress(logger zerolog.Logger)
}

// actionRunner handles running an action which may take a while to complete
// providing progress bars and signal handling.
func actionRunner(cmd *cli.Cmd, action action) func() {
	cmd.Spec = "[--silent] [--no-progress] [--log] " + cmd.Spec
	silent := cmd.Bool(cli.BoolOpt{
		Name:   "silent",
		Value:  false,
		Desc:   "Set to true to disable all non-error and non-log output",
		EnvVar: "SILENT",
	})
	noProgress := cmd.Bool(cli.BoolOpt{
		Name:   "no-progress",
		Value:  false,
		Desc:   "Set to true to disable the progress bar",
		EnvVar: "NO_PROGRESS",
	})
	logTarget := cmd.String(cli.StringOpt{
		Name:   "log",
		Value:  "",
		Desc:   "Set to a filename or --log=- for stdout; defaults to no log output",
		EnvVar: "LOG_TARGET",
	})

	return func() {
		var termWriter io.Writer = os.Stderr
		var logger zerolog.Logger
		var progressTicker <-chan time.Time
		var logTicker <-chan time.Time

		logging := *logTarget != ""

		switch target := *logTarget; target {
		case "-":
			logger = newLogger(os.Stdout)
		case "":
			logger = zerolog.Nop()
		default:
			f, err := os.OpenFile(target, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0666)
			if err != nil {
				fail("could not open logfile for write: %s", err)
			}
			defer f.Close()
			logger = newLogger(f)
		}

		if logging {
			if _, ok := action.(progressLogger); ok {
				logTicker = time.Tick(logFrequency)
			}
		}

		if *silent {
			termWriter = ioutil.Discard
		}

		if err := action.init(); err != nil {
			fail("Initialization failed: %v", err)
		}

		done, err := action.start(termWriter, logger)
		if err != nil {
			fail("Startup failed: %v", err)
		}

		var bar *pb.ProgressBar
		if !*silent && !*noProgress {
			bar = action.newProgressBar()
			if bar != nil {
				bar.Output = os.Stderr
				bar.ShowSpeed = true
				bar.ManualUpdate = true
				bar.SetMaxWidth(78)
				bar.Start()
				bar.Update()
				progressTicker = time.Tick(statsFrequency)
			}
		}

		sigchan := make(chan os.Signal, 1)
		signal.Notify(sigchan, syscall.SIGTERM, syscall.SIGKILL, syscall.SIGINT)

		var runErr error

	LOOP:
		for {
			select {
			case <-progressTicker:
				action.updateProgress(bar)
				bar.Update()

			case <-logTicker:
				action.(progressLogger).logProgress(logger)

			case <-sigchan:
				if bar != nil {
					bar.Finish()
					bar = nil
				}
				fmt.Fprintf(termWriter, "\nAborting..")
				action.abort()
				<-done
				fmt.Fprintf(termWriter, "Aborted.\n")
				break LOOP

			case runErr = <-done:
				if bar != nil {
					bar.Finish()
					bar = nil
				}
				break LOOP
			}
		}

		if !*silent {
			action.printFinalStats(termWriter)
		}
		if runErr != nil {
			fail("Processing failed: %v", runErr)
		}
	}
}
