// Copyright 2019 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package cmd

import (
	"io"

	"github.com/gwatts/dynsync/dynsync"
	"github.com/rs/zerolog"
)

// newLogger returns a logger emitting timestamped JSON lines to w.
func newLogger(w io.Writer) zerolog.Logger {
	return zerolog.New(w).With().Timestamp().Logger()
}

// logSink bridges the sync event stream to a structured logger.  Events
// carrying an error are logged at error level, all others at info.
func logSink(logger zerolog.Logger) dynsync.EventSink {
	return dynsync.EventFunc(func(e dynsync.Event) {
		ev := logger.Info()
		if e.Err != nil {
			ev = logger.Error().Err(e.Err)
		}
		ev = ev.Str("event", string(e.Kind)).Str("table", e.Table)
		if e.Page > 0 {
			ev = ev.Int("page", e.Page)
		}
		if e.Batch > 0 {
			ev = ev.Int("batch", e.Batch).Int("batches", e.Batches)
		}
		if e.Items > 0 {
			ev = ev.Int("items", e.Items)
		}
		if e.Attempt > 0 {
			ev = ev.Int("attempt", e.Attempt)
		}
		ev.Msg(eventMessage(e.Kind))
	})
}

func eventMessage(kind dynsync.EventKind) string {
	switch kind {
	case dynsync.TableStart:
		return "table sync started"
	case dynsync.TableComplete:
		return "table sync complete"
	case dynsync.TableMissing:
		return "table missing at destination"
	case dynsync.TableEmpty:
		return "no items to write"
	case dynsync.PageAligned:
		return "page already in sync"
	case dynsync.PageDiff:
		return "page differs"
	case dynsync.TailCopy:
		return "copying tail page"
	case dynsync.BatchWritten:
		return "batch written"
	case dynsync.BatchRetry:
		return "resubmitting unprocessed items"
	case dynsync.BatchFailed:
		return "batch write failed"
	case dynsync.TableCreated:
		return "table created"
	case dynsync.CreateFailed:
		return "table create failed"
	}
	return string(kind)
}
