// Copyright 2019 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package dynsync

// EventKind identifies the stage of a sync that an Event reports.
type EventKind string

const (
	// TableStart is emitted when a table sync begins.
	TableStart EventKind = "table-start"

	// TableComplete is emitted when the source table has been fully drained.
	TableComplete EventKind = "table-complete"

	// TableMissing is emitted when the table does not exist at the
	// destination.  No data is written for the table.
	TableMissing EventKind = "table-missing"

	// TableEmpty is emitted when a write is requested with no items.
	TableEmpty EventKind = "table-empty"

	// PageAligned is emitted for a lockstep page that is identical at the
	// source and destination.
	PageAligned EventKind = "page-aligned"

	// PageDiff is emitted for a lockstep page that differs between the
	// source and destination; Items carries the number of missing items.
	PageDiff EventKind = "page-diff"

	// TailCopy is emitted for each source page copied unconditionally after
	// the lockstep scans diverge.
	TailCopy EventKind = "tail-copy"

	// BatchWritten is emitted when a batch is accepted in full.
	BatchWritten EventKind = "batch-written"

	// BatchRetry is emitted before each resubmission of unprocessed items.
	BatchRetry EventKind = "batch-retry"

	// BatchFailed is emitted when a batch write fails with a request-level
	// error and is skipped.
	BatchFailed EventKind = "batch-failed"

	// TableCreated is emitted when a table schema is created at the
	// destination.
	TableCreated EventKind = "table-created"

	// CreateFailed is emitted when creating a table schema fails.
	CreateFailed EventKind = "create-failed"
)

// Event describes a single step of progress during a sync.  Page and batch
// numbers are 1-based; fields that do not apply to the event kind are left
// as zero values.
type Event struct {
	Kind    EventKind
	Table   string
	Page    int   // page number within the table scan
	Batch   int   // batch number within the current write
	Batches int   // total number of batches in the current write
	Items   int   // number of items covered by the event
	Attempt int   // resubmission attempt number for BatchRetry
	Err     error // set for TableMissing, BatchFailed and CreateFailed
}

// An EventSink receives progress events from a sync.  Implementations must
// be safe for use by concurrent goroutines; syncs for separate tables
// deliver events concurrently.
type EventSink interface {
	Event(e Event)
}

// EventFunc adapts a plain function to the EventSink interface.
type EventFunc func(e Event)

// Event implements EventSink.
func (f EventFunc) Event(e Event) { f(e) }

// MultiSink fans each event out to every sink in order.
type MultiSink []EventSink

// Event implements EventSink.
func (m MultiSink) Event(e Event) {
	for _, s := range m {
		s.Event(e)
	}
}

// emit delivers e to sink, tolerating a nil sink.
func emit(sink EventSink, e Event) {
	if sink != nil {
		sink.Event(e)
	}
}
