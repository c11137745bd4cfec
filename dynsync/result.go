// Copyright 2019 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package dynsync

import "time"

// TableStatus represents the final state of a single table operation.
type TableStatus string

const (
	// StatusCompleted represents a fully synchronized table.
	StatusCompleted TableStatus = "completed"

	// StatusMissing represents a table that does not exist at the
	// destination.
	StatusMissing TableStatus = "missing"

	// StatusFailed represents a table whose sync was abandoned due to an
	// error.
	StatusFailed TableStatus = "failed"

	// StatusAborted represents a table whose sync was stopped before
	// completion.
	StatusAborted TableStatus = "aborted"
)

// TableResult reports the outcome of a single table operation.
type TableResult struct {
	Table         string
	Status        TableStatus
	ItemsRead     int64 // items read from the source table
	ItemsWritten  int64 // items accepted by the destination table
	BatchesFailed int64 // batches skipped due to request-level errors
	Elapsed       time.Duration
	Err           error // nil unless Status is StatusMissing or StatusFailed
}

// Failed reports whether the operation left the table incompletely
// synchronized.
func (r TableResult) Failed() bool {
	return r.Status != StatusCompleted
}

// CountFailed returns the number of results that did not complete.
func CountFailed(results []TableResult) (failed int) {
	for _, r := range results {
		if r.Failed() {
			failed++
		}
	}
	return failed
}
