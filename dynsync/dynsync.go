// Copyright 2019 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package dynsync

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/dynamodb"
)

// DefaultExcludedTables lists table names that are never migrated, even
// when explicitly requested.  They hold high churn operational data that
// is meaningless outside the deployment that produced it.
var DefaultExcludedTables = []string{
	"Performance",
	"PerformanceMetrics",
	"ProductionPipelineErrors",
}

// DynTableLister defines the table listing portion of the dynamodb
// service.
type DynTableLister interface {
	ListTables(input *dynamodb.ListTablesInput) (*dynamodb.ListTablesOutput, error)
}

// DynSource defines the portion of the dynamodb service Migrator requires
// of the source deployment.
type DynSource interface {
	DynScanner
	DynTableLister
}

// DynTarget defines the portion of the dynamodb service Migrator requires
// of the destination deployment.
type DynTarget interface {
	DynScanner
	DynBatchWriter
}

// MigratorStats is returned by Migrator.Stats to report aggregate progress
// across all tables.
type MigratorStats struct {
	TablesTotal    int
	TablesComplete int // tables that finished without error
	ItemsRead      int64
	BytesRead      int64
	ItemsWritten   int64
	BytesWritten   int64
	CapacityUsed   float64 // read and write units combined
}

type tableTask struct {
	syncer *Syncer
	writer *BatchWriter
}

// Migrator syncs a set of tables from a source DynamoDB deployment to a
// destination deployment, each table handled by its own Syncer.
//
// Tables are processed concurrently up to MaxParallel at a time.  A
// failure in one table never interrupts the others; every table produces
// a TableResult and the caller decides how to treat partial failure.
type Migrator struct {
	Source DynSource
	Dest   DynTarget

	// Tables lists the tables to sync.  If empty, the source deployment's
	// full table list is used instead.
	Tables []string

	// Exclude lists table names to skip, in addition to
	// DefaultExcludedTables.  Exclusions apply to explicitly configured
	// Tables as well as to listed ones.
	Exclude []string

	MaxParallel     int     // Number of tables to sync concurrently.  0 syncs all at once.
	ConsistentRead  bool    // Passed through to each Syncer.
	ReadCapacity    float64 // Per-table source read capacity.  0 for unlimited.
	WriteCapacity   float64 // Per-table destination write capacity.  0 for unlimited.
	MaxWriteRetries int     // Attempt bound for unprocessed items.  0 retries indefinitely.
	Events          EventSink

	initOnce   sync.Once
	stopOnce   sync.Once
	mu         sync.Mutex
	active     map[string]*tableTask
	doneStats  MigratorStats // accumulated from finished tables
	tableNames []string      // memoized by TableNames
	stopNotify chan struct{}
}

func (m *Migrator) init() {
	m.initOnce.Do(func() {
		m.active = make(map[string]*tableTask)
		m.stopNotify = make(chan struct{})
	})
}

// TableNames resolves the set of tables the migrator will process, in the
// order Run will report them.  The result is memoized so that Run
// operates on the same resolution.
func (m *Migrator) TableNames() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tableNames != nil {
		return m.tableNames, nil
	}

	names, err := ResolveTables(m.Source, m.Tables, m.Exclude)
	if err != nil {
		return nil, err
	}
	m.tableNames = names
	return names, nil
}

// ResolveTables resolves an explicit table list to the set of tables a
// sync would process.  If tables is empty, the deployment's full table
// list is used instead.  Names in exclude and DefaultExcludedTables are
// removed from either set.
func ResolveTables(dyn DynTableLister, tables, exclude []string) ([]string, error) {
	names := tables
	if len(names) == 0 {
		var err error
		if names, err = ListAllTables(dyn); err != nil {
			return nil, err
		}
	}

	excluded := make(map[string]bool)
	for _, name := range DefaultExcludedTables {
		excluded[name] = true
	}
	for _, name := range exclude {
		excluded[name] = true
	}

	filtered := make([]string, 0, len(names))
	for _, name := range names {
		if !excluded[name] {
			filtered = append(filtered, name)
		}
	}
	return filtered, nil
}

// ListAllTables drains the paginated table list of a deployment.  No
// exclusions are applied.
func ListAllTables(dyn DynTableLister) ([]string, error) {
	var names []string
	params := &dynamodb.ListTablesInput{}
	for {
		resp, err := dyn.ListTables(params)
		if err != nil {
			return nil, fmt.Errorf("table list failed: %w", err)
		}
		names = append(names, aws.StringValueSlice(resp.TableNames)...)
		if resp.LastEvaluatedTableName == nil {
			return names, nil
		}
		params.ExclusiveStartTableName = resp.LastEvaluatedTableName
	}
}

// Run syncs every table reported by TableNames and returns one TableResult
// per table, in the same order.  An error is returned only if the table
// list itself cannot be resolved; per-table failures are recorded in the
// results and do not interrupt the remaining tables.
func (m *Migrator) Run() ([]TableResult, error) {
	tables, err := m.TableNames()
	if err != nil {
		return nil, err
	}
	m.init()

	m.mu.Lock()
	m.doneStats.TablesTotal = len(tables)
	m.mu.Unlock()

	workers := m.MaxParallel
	if workers <= 0 || workers > len(tables) {
		workers = len(tables)
	}

	type job struct {
		index int
		name  string
	}
	jobs := make(chan job)
	results := make([]TableResult, len(tables))

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for j := range jobs {
				results[j.index] = m.syncTable(j.name)
			}
		}()
	}

	for i, name := range tables {
		jobs <- job{index: i, name: name}
	}
	close(jobs)
	wg.Wait()

	return results, nil
}

// Stop requests a clean shutdown of all running table syncs.  Tables not
// yet started are reported with StatusAborted.  It does not block; Run
// returns once in-flight scans and batch writes have drained.
func (m *Migrator) Stop() {
	m.init()
	m.stopOnce.Do(func() {
		close(m.stopNotify)
		m.mu.Lock()
		for _, t := range m.active {
			t.syncer.Stop()
		}
		m.mu.Unlock()
	})
}

// Stats returns aggregate statistics across all tables, including those
// still in flight.  It is safe to call from concurrent goroutines.
func (m *Migrator) Stats() MigratorStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := m.doneStats
	for _, t := range m.active {
		ss := t.syncer.Stats()
		ws := t.writer.Stats()
		stats.ItemsRead += ss.ItemsRead
		stats.BytesRead += ss.BytesRead
		stats.ItemsWritten += ws.ItemsWritten
		stats.BytesWritten += ws.BytesWritten
		stats.CapacityUsed += ss.CapacityUsed + ws.CapacityUsed
	}
	return stats
}

func (m *Migrator) isStopped() bool {
	select {
	case <-m.stopNotify:
		return true
	default:
		return false
	}
}

func (m *Migrator) syncTable(name string) TableResult {
	writer := &BatchWriter{
		Dyn:           m.Dest,
		TableName:     name,
		WriteCapacity: m.WriteCapacity,
		MaxRetries:    m.MaxWriteRetries,
		Events:        m.Events,
	}
	syncer := &Syncer{
		Source:         m.Source,
		Dest:           m.Dest,
		Writer:         writer,
		TableName:      name,
		ConsistentRead: m.ConsistentRead,
		ReadCapacity:   m.ReadCapacity,
		Events:         m.Events,
	}

	m.mu.Lock()
	m.active[name] = &tableTask{syncer: syncer, writer: writer}
	m.mu.Unlock()

	if m.isStopped() {
		// stop raced with startup; make sure this syncer exits immediately
		syncer.Stop()
	}

	started := time.Now()
	err := syncer.Run()
	elapsed := time.Since(started)

	sstats := syncer.Stats()
	wstats := writer.Stats()

	result := TableResult{
		Table:         name,
		Status:        StatusCompleted,
		ItemsRead:     sstats.ItemsRead,
		ItemsWritten:  wstats.ItemsWritten,
		BatchesFailed: wstats.BatchesFailed,
		Elapsed:       elapsed,
	}
	switch {
	case err == nil:
	case errors.Is(err, ErrTableMissing):
		result.Status = StatusMissing
		result.Err = err
	case errors.Is(err, ErrStopped):
		result.Status = StatusAborted
	default:
		result.Status = StatusFailed
		result.Err = err
	}

	m.mu.Lock()
	delete(m.active, name)
	if result.Status == StatusCompleted {
		m.doneStats.TablesComplete++
	}
	m.doneStats.ItemsRead += sstats.ItemsRead
	m.doneStats.BytesRead += sstats.BytesRead
	m.doneStats.ItemsWritten += wstats.ItemsWritten
	m.doneStats.BytesWritten += wstats.BytesWritten
	m.doneStats.CapacityUsed += sstats.CapacityUsed + wstats.CapacityUsed
	m.mu.Unlock()

	return result
}
