// Copyright 2019 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package dynsync

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/cenkalti/backoff/v4"
)

var (
	// retryBaseDelay bounds the first resubmission delay for unprocessed
	// items; subsequent delays double, up to retryMaxDelay.
	retryBaseDelay = 500 * time.Millisecond
	retryMaxDelay  = time.Minute
)

// ErrRetriesExhausted is wrapped into the error returned by WriteItems when
// a batch still has unprocessed items after MaxRetries resubmissions.
var ErrRetriesExhausted = errors.New("unprocessed item retries exhausted")

// ErrStopped is returned by Run and WriteItems when a stop request arrives
// before the operation completes.
var ErrStopped = errors.New("stopped before completion")

// DynBatchWriter defines the portion of the DynamoDB service the
// BatchWriter requires.
type DynBatchWriter interface {
	BatchWriteItem(input *dynamodb.BatchWriteItemInput) (*dynamodb.BatchWriteItemOutput, error)
}

// BatchWriterStats is returned by BatchWriter.Stats to report progress of
// an ongoing or completed write.
type BatchWriterStats struct {
	ItemsWritten   int64
	BytesWritten   int64
	BatchesWritten int64
	BatchesFailed  int64
	Retries        int64
	CapacityUsed   float64
}

// BatchWriter writes items to a single DynamoDB table in batches of up to
// 25 items, resubmitting any items the service returns as unprocessed.
//
// Resubmissions are spaced by exponential backoff with full jitter and by
// default continue until DynamoDB accepts every item.  Setting MaxRetries
// bounds the resubmissions for each batch; exceeding the bound abandons
// the write with an error wrapping ErrRetriesExhausted.
type BatchWriter struct {
	Dyn            DynBatchWriter
	TableName      string
	WriteCapacity  float64       // Maximum write capacity to consume.  Set to 0 for unlimited.
	MaxRetries     int           // Resubmission limit per batch.  Set to 0 to retry indefinitely.
	RetryBaseDelay time.Duration // Base delay between resubmissions.  Defaults to 500ms.
	RetryMaxDelay  time.Duration // Upper bound on the delay between resubmissions.  Defaults to 1m.
	Events         EventSink

	initOnce       sync.Once
	stopOnce       sync.Once
	rateLimit      *rateLimitWaiter
	lastCapacity   int64
	itemsWritten   int64
	bytesWritten   int64
	batchesWritten int64
	batchesFailed  int64
	retries        int64
	capacityUsed   int64 // multiplied by 10
	stopNotify     chan struct{}
}

func (bw *BatchWriter) init() {
	bw.initOnce.Do(func() {
		bw.stopNotify = make(chan struct{})
		bw.lastCapacity = 1
		if bw.WriteCapacity > 0 {
			bw.rateLimit = newRateLimitWaiter(bw.WriteCapacity, bw.stopNotify)
		}
	})
}

// WriteItems writes items to the table in submission order, splitting them
// into batches of up to 25.  page identifies the source scan page the
// items came from and is echoed in progress events.
//
// A batch that fails with a request-level error is reported and skipped;
// later batches are still submitted.  Unprocessed items returned by the
// service are resubmitted until accepted, bounded by MaxRetries.
// An empty item list writes nothing.
func (bw *BatchWriter) WriteItems(page int, items []map[string]*dynamodb.AttributeValue) error {
	bw.init()

	if len(items) == 0 {
		emit(bw.Events, Event{Kind: TableEmpty, Table: bw.TableName, Page: page})
		return nil
	}

	batches := batchItems(items)
	for i, batch := range batches {
		if bw.isStopped() {
			return ErrStopped
		}
		if err := bw.writeBatch(page, i+1, len(batches), batch); err != nil {
			return err
		}
	}
	return nil
}

// Stop requests a clean shutdown of any in-progress or future WriteItems
// call.  It does not block; the current request completes before
// WriteItems returns ErrStopped.
func (bw *BatchWriter) Stop() {
	bw.init()
	bw.stopOnce.Do(func() { close(bw.stopNotify) })
}

// Stats returns current aggregate statistics for the writer.
// It is safe to call from concurrent goroutines.
func (bw *BatchWriter) Stats() BatchWriterStats {
	return BatchWriterStats{
		ItemsWritten:   atomic.LoadInt64(&bw.itemsWritten),
		BytesWritten:   atomic.LoadInt64(&bw.bytesWritten),
		BatchesWritten: atomic.LoadInt64(&bw.batchesWritten),
		BatchesFailed:  atomic.LoadInt64(&bw.batchesFailed),
		Retries:        atomic.LoadInt64(&bw.retries),
		CapacityUsed:   float64(atomic.LoadInt64(&bw.capacityUsed)) / 10,
	}
}

func (bw *BatchWriter) isStopped() bool {
	select {
	case <-bw.stopNotify:
		return true
	default:
		return false
	}
}

// Interruptible backoff sleep.
// Returns true if Stop() was called while waiting.
func (bw *BatchWriter) sleep(d time.Duration) bool {
	select {
	case <-time.After(d):
		return false
	case <-bw.stopNotify:
		return true
	}
}

func (bw *BatchWriter) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryBaseDelay
	if bw.RetryBaseDelay > 0 {
		b.InitialInterval = bw.RetryBaseDelay
	}
	b.MaxInterval = retryMaxDelay
	if bw.RetryMaxDelay > 0 {
		b.MaxInterval = bw.RetryMaxDelay
	}
	b.Multiplier = 2
	b.RandomizationFactor = 1 // full jitter
	b.MaxElapsedTime = 0      // never give up; MaxRetries bounds attempts instead
	b.Reset()
	return b
}

// writeBatch submits a single batch of up to 25 items, resubmitting any
// unprocessed remainder until the service accepts it all.
func (bw *BatchWriter) writeBatch(page, batchNum, batches int, items []map[string]*dynamodb.AttributeValue) error {
	reqs := make([]*dynamodb.WriteRequest, 0, len(items))
	var batchBytes int64
	for _, item := range items {
		reqs = append(reqs, &dynamodb.WriteRequest{
			PutRequest: &dynamodb.PutRequest{Item: item},
		})
		batchBytes += int64(calcItemSize(item))
	}

	pending := map[string][]*dynamodb.WriteRequest{bw.TableName: reqs}
	boff := bw.newBackOff()

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			if bw.MaxRetries > 0 && attempt > bw.MaxRetries {
				return fmt.Errorf("table %s batch %d/%d: %w after %d attempts with %d items unprocessed",
					bw.TableName, batchNum, batches, ErrRetriesExhausted, attempt, countRequests(pending))
			}
			atomic.AddInt64(&bw.retries, 1)
			emit(bw.Events, Event{
				Kind:    BatchRetry,
				Table:   bw.TableName,
				Page:    page,
				Batch:   batchNum,
				Batches: batches,
				Items:   countRequests(pending),
				Attempt: attempt,
			})
			if bw.sleep(boff.NextBackOff()) {
				return ErrStopped
			}
		}

		if bw.rateLimit != nil {
			if stopped := bw.rateLimit.waitForRateLimit(bw.lastCapacity); stopped {
				return ErrStopped
			}
		}

		resp, err := bw.Dyn.BatchWriteItem(&dynamodb.BatchWriteItemInput{
			RequestItems:           pending,
			ReturnConsumedCapacity: aws.String("TOTAL"),
		})
		if err != nil {
			// A request-level failure skips the batch; only unprocessed
			// items are retried.
			atomic.AddInt64(&bw.batchesFailed, 1)
			emit(bw.Events, Event{
				Kind:    BatchFailed,
				Table:   bw.TableName,
				Page:    page,
				Batch:   batchNum,
				Batches: batches,
				Items:   countRequests(pending),
				Err:     err,
			})
			return nil
		}

		var units float64
		for _, cc := range resp.ConsumedCapacity {
			if cc.CapacityUnits != nil {
				units += *cc.CapacityUnits
			}
		}
		atomic.AddInt64(&bw.capacityUsed, int64(units*10))
		if units > 0 {
			bw.lastCapacity = int64(math.Ceil(units))
		}

		remaining := countRequests(resp.UnprocessedItems)
		atomic.AddInt64(&bw.itemsWritten, int64(countRequests(pending)-remaining))

		if remaining == 0 {
			atomic.AddInt64(&bw.bytesWritten, batchBytes)
			atomic.AddInt64(&bw.batchesWritten, 1)
			emit(bw.Events, Event{
				Kind:    BatchWritten,
				Table:   bw.TableName,
				Page:    page,
				Batch:   batchNum,
				Batches: batches,
				Items:   len(items),
			})
			return nil
		}
		pending = resp.UnprocessedItems
	}
}
