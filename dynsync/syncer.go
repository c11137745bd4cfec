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

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/dynamodb"
)

var (
	limitCalcSize = 50 // number of item sizes to collect when calculating an average
	initialLimit  = 20 // initial number of items to request when size is unknown
)

// ErrTableMissing is wrapped into the error returned by Syncer.Run when the
// table does not exist at the destination.  Tables must be created before a
// sync; see SchemaCopier.
var ErrTableMissing = errors.New("table not found at destination")

// DynScanner defines the portion of the dynamodb service that Syncer
// requires.
type DynScanner interface {
	Scan(input *dynamodb.ScanInput) (*dynamodb.ScanOutput, error)
}

// SyncerStats is returned by Syncer.Stats to report progress of a running
// or completed table sync.  Read statistics cover the source table only.
type SyncerStats struct {
	PagesRead    int64
	ItemsRead    int64
	BytesRead    int64
	CapacityUsed float64
}

// scanPage holds the result of a single scan call.
type scanPage struct {
	items  []map[string]*dynamodb.AttributeValue
	cursor map[string]*dynamodb.AttributeValue
}

// Syncer copies the contents of one table from a source DynamoDB
// deployment to the same table name at a destination deployment.
//
// The source and destination are scanned in lockstep and each aligned page
// pair is diffed, with missing items sent to the Writer.  As soon as the
// two scans stop returning equal pagination cursors, the remaining source
// pages are copied unconditionally.
type Syncer struct {
	Source         DynScanner
	Dest           DynScanner
	Writer         *BatchWriter // Receives missing items; must target the same table.
	TableName      string
	ConsistentRead bool    // Setting to true will use double the read capacity.
	ReadCapacity   float64 // Average source read capacity to use.  Set to 0 for unlimited.
	Events         EventSink

	initOnce     sync.Once
	stopOnce     sync.Once
	rateLimit    *rateLimitWaiter
	limitCalc    *limitCalc
	lastCapacity int64
	pagesRead    int64
	itemsRead    int64
	bytesRead    int64
	capacityUsed int64 // multiplied by 10
	stopNotify   chan struct{}
}

func (s *Syncer) init() {
	s.initOnce.Do(func() {
		s.stopNotify = make(chan struct{})
	})
}

// Run executes the sync and returns once the source table has been fully
// drained, the sync fails, or a stop is requested.  The returned error
// wraps ErrTableMissing if the destination table does not exist, and
// equals ErrStopped if the sync was stopped before completion.
func (s *Syncer) Run() error {
	s.init()
	s.lastCapacity = 1
	s.limitCalc = newLimitCalc(limitCalcSize)
	if s.ReadCapacity > 0 {
		s.rateLimit = newRateLimitWaiter(s.ReadCapacity, s.stopNotify)
	}
	if s.isStopped() {
		return ErrStopped
	}

	emit(s.Events, Event{Kind: TableStart, Table: s.TableName})
	if err := s.sync(); err != nil {
		return err
	}
	emit(s.Events, Event{Kind: TableComplete, Table: s.TableName,
		Items: int(atomic.LoadInt64(&s.itemsRead))})
	return nil
}

// Stop requests a clean shutdown of the sync.  The current scan and any
// in-flight batch write are interrupted or completed before Run returns.
// It does not block.
func (s *Syncer) Stop() {
	s.init()
	s.stopOnce.Do(func() { close(s.stopNotify) })
	if s.Writer != nil {
		s.Writer.Stop()
	}
}

// Stats returns current aggregate statistics about an ongoing or completed
// sync.  It is safe to call from concurrent goroutines.
func (s *Syncer) Stats() SyncerStats {
	return SyncerStats{
		PagesRead:    atomic.LoadInt64(&s.pagesRead),
		ItemsRead:    atomic.LoadInt64(&s.itemsRead),
		BytesRead:    atomic.LoadInt64(&s.bytesRead),
		CapacityUsed: float64(atomic.LoadInt64(&s.capacityUsed)) / 10,
	}
}

func (s *Syncer) isStopped() bool {
	select {
	case <-s.stopNotify:
		return true
	default:
		return false
	}
}

func (s *Syncer) sync() error {
	src, err := s.scanSource(nil, false)
	if err != nil {
		return fmt.Errorf("source scan failed: %w", err)
	}

	dst, err := s.scanDest(nil)
	if err != nil {
		if isTableMissing(err) {
			emit(s.Events, Event{Kind: TableMissing, Table: s.TableName, Err: err})
			return fmt.Errorf("table %s: %w", s.TableName, ErrTableMissing)
		}
		return fmt.Errorf("destination scan failed: %w", err)
	}

	// Lockstep: compare aligned page pairs while both scans return the
	// same pagination cursor.  No client page limit is set here; both
	// sides must keep their server-native page boundaries for the cursors
	// to remain comparable.
	page := 1
	for {
		if pagesEqual(src.items, dst.items) {
			emit(s.Events, Event{Kind: PageAligned, Table: s.TableName, Page: page,
				Items: len(src.items)})
		} else {
			diff := missingItems(src.items, dst.items)
			emit(s.Events, Event{Kind: PageDiff, Table: s.TableName, Page: page,
				Items: len(diff)})
			if len(diff) > 0 {
				if err := s.Writer.WriteItems(page, diff); err != nil {
					return err
				}
			}
		}

		if src.cursor == nil {
			// source fully drained
			return nil
		}
		if dst.cursor == nil || !cursorsEqual(src.cursor, dst.cursor) {
			break
		}
		if s.isStopped() {
			return ErrStopped
		}

		page++
		if src, err = s.scanSource(src.cursor, false); err != nil {
			return fmt.Errorf("source scan failed: %w", err)
		}
		if dst, err = s.scanDest(dst.cursor); err != nil {
			return fmt.Errorf("destination scan failed: %w", err)
		}
	}

	// Tail-copy: the destination no longer paginates identically to the
	// source, so every remaining source page is written unconditionally.
	for cursor := src.cursor; cursor != nil; cursor = src.cursor {
		if s.isStopped() {
			return ErrStopped
		}
		page++
		if src, err = s.scanSource(cursor, true); err != nil {
			return fmt.Errorf("source scan failed: %w", err)
		}
		emit(s.Events, Event{Kind: TailCopy, Table: s.TableName, Page: page,
			Items: len(src.items)})
		if err := s.Writer.WriteItems(page, src.items); err != nil {
			return err
		}
	}
	return nil
}

// scanSource fetches one page from the source table, tracking item sizes
// and consumed capacity.  During tail-copy a page limit approximating the
// configured read capacity is applied.
func (s *Syncer) scanSource(cursor map[string]*dynamodb.AttributeValue, tail bool) (scanPage, error) {
	params := &dynamodb.ScanInput{
		TableName:              aws.String(s.TableName),
		ConsistentRead:         aws.Bool(s.ConsistentRead),
		ExclusiveStartKey:      cursor,
		ReturnConsumedCapacity: aws.String("TOTAL"),
	}
	if tail && s.rateLimit != nil {
		limit := int64(initialLimit) // slow start
		if newLimit := s.calcLimit(); newLimit > 0 {
			limit = int64(newLimit)
		}
		params.Limit = aws.Int64(limit)
	}

	if s.rateLimit != nil {
		if stopped := s.rateLimit.waitForRateLimit(s.lastCapacity); stopped {
			return scanPage{}, ErrStopped
		}
	}

	resp, err := s.Source.Scan(params)
	if err != nil {
		return scanPage{}, err
	}

	var respSize int64
	for _, item := range resp.Items {
		size := calcItemSize(item)
		respSize += int64(size)
		s.limitCalc.addSize(size)
	}
	atomic.AddInt64(&s.pagesRead, 1)
	atomic.AddInt64(&s.itemsRead, int64(len(resp.Items)))
	atomic.AddInt64(&s.bytesRead, respSize)
	if resp.ConsumedCapacity != nil && resp.ConsumedCapacity.CapacityUnits != nil {
		units := *resp.ConsumedCapacity.CapacityUnits
		atomic.AddInt64(&s.capacityUsed, int64(units*10))
		s.lastCapacity = int64(math.Ceil(units))
	}

	return scanPage{items: resp.Items, cursor: resp.LastEvaluatedKey}, nil
}

// scanDest fetches one page from the destination table.  Destination reads
// are not rate limited; they stop as soon as the lockstep stage ends.
func (s *Syncer) scanDest(cursor map[string]*dynamodb.AttributeValue) (scanPage, error) {
	params := &dynamodb.ScanInput{
		TableName:         aws.String(s.TableName),
		ConsistentRead:    aws.Bool(s.ConsistentRead),
		ExclusiveStartKey: cursor,
	}
	resp, err := s.Dest.Scan(params)
	if err != nil {
		return scanPage{}, err
	}
	return scanPage{items: resp.Items, cursor: resp.LastEvaluatedKey}, nil
}

// adjust the tail fetch limit to approximate the desired read capacity and
// make effective use of 4k blocks for small items
func (s *Syncer) calcLimit() (newLimit int) {
	// find the median item size based on recent history
	medianSize := s.limitCalc.median()
	if medianSize <= 0 {
		return -1 // not enough data
	}

	itemsPer4k := float64(4096) / float64(medianSize)
	newLimit = int(itemsPer4k * s.ReadCapacity)
	if !s.ConsistentRead {
		newLimit *= 2
	}

	if newLimit < 1 {
		newLimit = 1
	}

	return newLimit
}

// isTableMissing reports whether err is DynamoDB's resource-not-found
// condition.
func isTableMissing(err error) bool {
	if aerr, ok := err.(awserr.Error); ok {
		return aerr.Code() == dynamodb.ErrCodeResourceNotFoundException
	}
	return false
}
