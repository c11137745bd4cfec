// Copyright 2019 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package dynsync

import (
	"errors"
	"reflect"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/dynamodb"
)

type fakeDynWriter struct {
	batchWrite func(input *dynamodb.BatchWriteItemInput) (*dynamodb.BatchWriteItemOutput, error)
}

func (d *fakeDynWriter) BatchWriteItem(input *dynamodb.BatchWriteItemInput) (*dynamodb.BatchWriteItemOutput, error) {
	return d.batchWrite(input)
}

// Test that an oversized item list is split into separate requests of no
// more than 25 items, preserving order.
func TestWriteSplitsBatches(t *testing.T) {
	var calls []int
	var values []string
	dyn := &fakeDynWriter{
		batchWrite: func(input *dynamodb.BatchWriteItemInput) (*dynamodb.BatchWriteItemOutput, error) {
			reqs := input.RequestItems["test-table"]
			calls = append(calls, len(reqs))
			for _, r := range reqs {
				values = append(values, aws.StringValue(r.PutRequest.Item["v"].N))
			}
			return &dynamodb.BatchWriteItemOutput{}, nil
		},
	}
	bw := &BatchWriter{Dyn: dyn, TableName: "test-table"}

	var items []map[string]*dynamodb.AttributeValue
	for i := 0; i < 30; i++ {
		items = append(items, makeIntItem("v", i))
	}
	if err := bw.WriteItems(1, items); err != nil {
		t.Fatal("Unexpected error from WriteItems", err)
	}

	if !reflect.DeepEqual(calls, []int{25, 5}) {
		t.Error("Incorrect batch split", calls)
	}
	for i, v := range values {
		if v != strconv.Itoa(i) {
			t.Fatalf("expected item %d got %s", i, v)
		}
	}
	if stats := bw.Stats(); stats.ItemsWritten != 30 || stats.BatchesWritten != 2 {
		t.Error("Incorrect stats", stats)
	}
}

// Test that an empty item list writes nothing and reports the table empty.
func TestWriteEmpty(t *testing.T) {
	called := false
	dyn := &fakeDynWriter{
		batchWrite: func(input *dynamodb.BatchWriteItemInput) (*dynamodb.BatchWriteItemOutput, error) {
			called = true
			return &dynamodb.BatchWriteItemOutput{}, nil
		},
	}
	sink := new(captureSink)
	bw := &BatchWriter{Dyn: dyn, TableName: "test-table", Events: sink}

	if err := bw.WriteItems(1, nil); err != nil {
		t.Fatal("Unexpected error from WriteItems", err)
	}
	if called {
		t.Error("BatchWriteItem called for empty input")
	}
	if kinds := sink.kinds(); !reflect.DeepEqual(kinds, []EventKind{TableEmpty}) {
		t.Error("Incorrect events", kinds)
	}
}

// Test that only the unprocessed remainder of a batch is resubmitted.
func TestWriteResubmitsUnprocessed(t *testing.T) {
	var calls [][]string
	dyn := &fakeDynWriter{
		batchWrite: func(input *dynamodb.BatchWriteItemInput) (*dynamodb.BatchWriteItemOutput, error) {
			reqs := input.RequestItems["test-table"]
			var vals []string
			for _, r := range reqs {
				vals = append(vals, aws.StringValue(r.PutRequest.Item["v"].N))
			}
			calls = append(calls, vals)
			if len(calls) == 1 {
				return &dynamodb.BatchWriteItemOutput{
					UnprocessedItems: map[string][]*dynamodb.WriteRequest{
						"test-table": reqs[3:],
					},
				}, nil
			}
			return &dynamodb.BatchWriteItemOutput{}, nil
		},
	}
	sink := new(captureSink)
	bw := &BatchWriter{Dyn: dyn, TableName: "test-table", RetryBaseDelay: time.Millisecond, Events: sink}

	done := make(chan error)
	go func() { done <- bw.WriteItems(1, intPage(0, 1, 2, 3, 4)) }()

	select {
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for WriteItems to complete")
	case err := <-done:
		if err != nil {
			t.Fatal("Unexpected error from WriteItems", err)
		}
	}

	expected := [][]string{{"0", "1", "2", "3", "4"}, {"3", "4"}}
	if !reflect.DeepEqual(calls, expected) {
		t.Error("Incorrect resubmission", calls)
	}
	if stats := bw.Stats(); stats.ItemsWritten != 5 || stats.Retries != 1 {
		t.Error("Incorrect stats", stats)
	}
	retries := sink.byKind(BatchRetry)
	if len(retries) != 1 || retries[0].Items != 2 || retries[0].Attempt != 1 {
		t.Error("Incorrect retry event", retries)
	}
}

// Test that a batch failing N times before succeeding converges after
// exactly N+1 requests.
func TestWriteRetryConvergence(t *testing.T) {
	const failures = 3
	var calls int32
	dyn := &fakeDynWriter{
		batchWrite: func(input *dynamodb.BatchWriteItemInput) (*dynamodb.BatchWriteItemOutput, error) {
			if atomic.AddInt32(&calls, 1) <= failures {
				return &dynamodb.BatchWriteItemOutput{
					UnprocessedItems: map[string][]*dynamodb.WriteRequest{
						"test-table": input.RequestItems["test-table"],
					},
				}, nil
			}
			return &dynamodb.BatchWriteItemOutput{}, nil
		},
	}
	bw := &BatchWriter{Dyn: dyn, TableName: "test-table", RetryBaseDelay: time.Millisecond}

	done := make(chan error)
	go func() { done <- bw.WriteItems(1, intPage(1, 2, 3)) }()

	select {
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for WriteItems to complete")
	case err := <-done:
		if err != nil {
			t.Fatal("Unexpected error from WriteItems", err)
		}
	}

	if calls != failures+1 {
		t.Error("Incorrect number of write attempts", calls)
	}
	if stats := bw.Stats(); stats.ItemsWritten != 3 || stats.Retries != failures {
		t.Error("Incorrect stats", stats)
	}
}

// Test that a request-level error skips the batch without aborting the
// write or affecting later batches.
func TestWriteRequestErrorSkipsBatch(t *testing.T) {
	testErr := errors.New("request failed")
	var calls int
	dyn := &fakeDynWriter{
		batchWrite: func(input *dynamodb.BatchWriteItemInput) (*dynamodb.BatchWriteItemOutput, error) {
			calls++
			if calls == 1 {
				return nil, testErr
			}
			return &dynamodb.BatchWriteItemOutput{}, nil
		},
	}
	sink := new(captureSink)
	bw := &BatchWriter{Dyn: dyn, TableName: "test-table", Events: sink}

	var items []map[string]*dynamodb.AttributeValue
	for i := 0; i < 30; i++ {
		items = append(items, makeIntItem("v", i))
	}
	if err := bw.WriteItems(1, items); err != nil {
		t.Fatal("Unexpected error from WriteItems", err)
	}

	if calls != 2 {
		t.Error("Expected both batches to be submitted", calls)
	}
	stats := bw.Stats()
	if stats.BatchesFailed != 1 || stats.BatchesWritten != 1 || stats.ItemsWritten != 5 {
		t.Error("Incorrect stats", stats)
	}
	failed := sink.byKind(BatchFailed)
	if len(failed) != 1 || failed[0].Batch != 1 || failed[0].Err != testErr {
		t.Error("Incorrect failure event", failed)
	}
}

// Test that MaxRetries bounds resubmission attempts.
func TestWriteRetriesExhausted(t *testing.T) {
	var calls int32
	dyn := &fakeDynWriter{
		batchWrite: func(input *dynamodb.BatchWriteItemInput) (*dynamodb.BatchWriteItemOutput, error) {
			atomic.AddInt32(&calls, 1)
			return &dynamodb.BatchWriteItemOutput{
				UnprocessedItems: map[string][]*dynamodb.WriteRequest{
					"test-table": input.RequestItems["test-table"],
				},
			}, nil
		},
	}
	bw := &BatchWriter{Dyn: dyn, TableName: "test-table", MaxRetries: 2, RetryBaseDelay: time.Millisecond}

	done := make(chan error)
	go func() { done <- bw.WriteItems(1, intPage(1)) }()

	select {
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for WriteItems to complete")
	case err := <-done:
		if !errors.Is(err, ErrRetriesExhausted) {
			t.Error("Incorrect error from WriteItems", err)
		}
	}

	// initial attempt plus MaxRetries resubmissions
	if calls != 3 {
		t.Error("Incorrect number of write attempts", calls)
	}
}

// Test that Stop interrupts a retry backoff wait.
func TestWriteStop(t *testing.T) {
	firstCall := make(chan struct{})
	var once sync.Once
	dyn := &fakeDynWriter{
		batchWrite: func(input *dynamodb.BatchWriteItemInput) (*dynamodb.BatchWriteItemOutput, error) {
			once.Do(func() { close(firstCall) })
			return &dynamodb.BatchWriteItemOutput{
				UnprocessedItems: map[string][]*dynamodb.WriteRequest{
					"test-table": input.RequestItems["test-table"],
				},
			}, nil
		},
	}
	bw := &BatchWriter{Dyn: dyn, TableName: "test-table", RetryBaseDelay: time.Minute}

	done := make(chan error)
	go func() { done <- bw.WriteItems(1, intPage(1)) }()

	<-firstCall
	bw.Stop()

	select {
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for WriteItems to stop")
	case err := <-done:
		if err != ErrStopped {
			t.Error("Incorrect error from WriteItems", err)
		}
	}
}

// Test that consumed capacity from the response is aggregated.
func TestWriteCapacityStats(t *testing.T) {
	dyn := &fakeDynWriter{
		batchWrite: func(input *dynamodb.BatchWriteItemInput) (*dynamodb.BatchWriteItemOutput, error) {
			return &dynamodb.BatchWriteItemOutput{
				ConsumedCapacity: []*dynamodb.ConsumedCapacity{
					{CapacityUnits: aws.Float64(2.5)},
					{CapacityUnits: aws.Float64(1)},
				},
			}, nil
		},
	}
	bw := &BatchWriter{Dyn: dyn, TableName: "test-table"}

	if err := bw.WriteItems(1, intPage(1)); err != nil {
		t.Fatal("Unexpected error from WriteItems", err)
	}
	if stats := bw.Stats(); stats.CapacityUsed != 3.5 {
		t.Error("Incorrect capacity", stats.CapacityUsed)
	}
}
