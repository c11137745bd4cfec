// Copyright 2019 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package dynsync

import (
	"errors"
	"reflect"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/dynamodb"
)

// fakeSourceDyn serves single page tables and a scripted table listing.
type fakeSourceDyn struct {
	m         sync.Mutex
	tables    map[string][]map[string]*dynamodb.AttributeValue
	listPages [][]string
	listCalls int
}

func (d *fakeSourceDyn) ListTables(input *dynamodb.ListTablesInput) (*dynamodb.ListTablesOutput, error) {
	d.m.Lock()
	defer d.m.Unlock()
	page := d.listPages[d.listCalls]
	out := &dynamodb.ListTablesOutput{TableNames: aws.StringSlice(page)}
	if d.listCalls < len(d.listPages)-1 {
		out.LastEvaluatedTableName = aws.String(page[len(page)-1])
	}
	d.listCalls++
	return out, nil
}

func (d *fakeSourceDyn) Scan(input *dynamodb.ScanInput) (*dynamodb.ScanOutput, error) {
	d.m.Lock()
	defer d.m.Unlock()
	return &dynamodb.ScanOutput{Items: d.tables[aws.StringValue(input.TableName)]}, nil
}

// fakeDestDyn serves single page tables and records batch writes.
type fakeDestDyn struct {
	m       sync.Mutex
	tables  map[string][]map[string]*dynamodb.AttributeValue
	missing map[string]bool // tables absent from the destination
	failing map[string]bool // tables whose scans fail hard
	written map[string][]string
}

func (d *fakeDestDyn) Scan(input *dynamodb.ScanInput) (*dynamodb.ScanOutput, error) {
	d.m.Lock()
	defer d.m.Unlock()
	name := aws.StringValue(input.TableName)
	if d.missing[name] {
		return nil, awserr.New(dynamodb.ErrCodeResourceNotFoundException, "requested resource not found", nil)
	}
	if d.failing[name] {
		return nil, errors.New("scan failed hard")
	}
	return &dynamodb.ScanOutput{Items: d.tables[name]}, nil
}

func (d *fakeDestDyn) BatchWriteItem(input *dynamodb.BatchWriteItemInput) (*dynamodb.BatchWriteItemOutput, error) {
	d.m.Lock()
	defer d.m.Unlock()
	if d.written == nil {
		d.written = make(map[string][]string)
	}
	for table, reqs := range input.RequestItems {
		for _, r := range reqs {
			d.written[table] = append(d.written[table], aws.StringValue(r.PutRequest.Item["v"].N))
		}
	}
	return &dynamodb.BatchWriteItemOutput{}, nil
}

func (d *fakeDestDyn) writtenValues(table string) []string {
	d.m.Lock()
	defer d.m.Unlock()
	return append([]string(nil), d.written[table]...)
}

// Test that table listing paginates and filters the exclusion lists.
func TestMigratorTableNames(t *testing.T) {
	source := &fakeSourceDyn{listPages: [][]string{
		{"books", "Performance", "users"},
		{"orders", "PerformanceMetrics", "ProductionPipelineErrors"},
	}}
	m := &Migrator{Source: source, Dest: &fakeDestDyn{}, Exclude: []string{"orders"}}

	names, err := m.TableNames()
	if err != nil {
		t.Fatal("Unexpected error from TableNames", err)
	}
	if expected := []string{"books", "users"}; !reflect.DeepEqual(names, expected) {
		t.Error("Incorrect table names", names)
	}
	if source.listCalls != 2 {
		t.Error("Expected table listing to paginate", source.listCalls)
	}
}

// Exclusions apply even when tables are requested explicitly.
func TestMigratorExplicitTablesExcluded(t *testing.T) {
	m := &Migrator{
		Source: &fakeSourceDyn{},
		Dest:   &fakeDestDyn{},
		Tables: []string{"books", "Performance", "users"},
	}
	names, err := m.TableNames()
	if err != nil {
		t.Fatal("Unexpected error from TableNames", err)
	}
	if expected := []string{"books", "users"}; !reflect.DeepEqual(names, expected) {
		t.Error("Incorrect table names", names)
	}
}

// Test a mixed run: one table needing data, one in sync, one missing from
// the destination.  Results must come back in request order.
func TestMigratorRun(t *testing.T) {
	source := &fakeSourceDyn{tables: map[string][]map[string]*dynamodb.AttributeValue{
		"books":   intPage(1, 2, 3),
		"users":   intPage(10),
		"archive": intPage(5),
	}}
	dest := &fakeDestDyn{
		tables:  map[string][]map[string]*dynamodb.AttributeValue{"users": intPage(10)},
		missing: map[string]bool{"archive": true},
	}
	m := &Migrator{
		Source:      source,
		Dest:        dest,
		Tables:      []string{"books", "users", "archive"},
		MaxParallel: 2,
	}

	results, err := m.Run()
	if err != nil {
		t.Fatal("Unexpected error from Run", err)
	}
	if len(results) != 3 {
		t.Fatal("Incorrect result count", results)
	}

	if r := results[0]; r.Table != "books" || r.Status != StatusCompleted || r.ItemsRead != 3 || r.ItemsWritten != 3 {
		t.Error("Incorrect books result", r)
	}
	if r := results[1]; r.Table != "users" || r.Status != StatusCompleted || r.ItemsWritten != 0 {
		t.Error("Incorrect users result", r)
	}
	if r := results[2]; r.Table != "archive" || r.Status != StatusMissing || !errors.Is(r.Err, ErrTableMissing) {
		t.Error("Incorrect archive result", r)
	}

	if vals := dest.writtenValues("books"); !reflect.DeepEqual(vals, []string{"1", "2", "3"}) {
		t.Error("Incorrect items written", vals)
	}
	if n := CountFailed(results); n != 1 {
		t.Error("Incorrect failed count", n)
	}

	stats := m.Stats()
	if stats.TablesTotal != 3 || stats.TablesComplete != 2 {
		t.Error("Incorrect stats", stats)
	}
	if stats.ItemsRead != 5 || stats.ItemsWritten != 3 {
		t.Error("Incorrect item stats", stats)
	}
}

// Test that a hard scan failure in one table leaves the others untouched.
func TestMigratorScanFailure(t *testing.T) {
	source := &fakeSourceDyn{tables: map[string][]map[string]*dynamodb.AttributeValue{
		"books": intPage(1),
		"users": intPage(2),
	}}
	dest := &fakeDestDyn{
		tables:  map[string][]map[string]*dynamodb.AttributeValue{"users": intPage(2)},
		failing: map[string]bool{"books": true},
	}
	m := &Migrator{Source: source, Dest: dest, Tables: []string{"books", "users"}}

	results, err := m.Run()
	if err != nil {
		t.Fatal("Unexpected error from Run", err)
	}
	if r := results[0]; r.Status != StatusFailed || r.Err == nil {
		t.Error("Incorrect failed result", r)
	}
	if r := results[1]; r.Status != StatusCompleted {
		t.Error("Failure in one table affected another", r)
	}
}

// Test that a stop before Run aborts every table while still producing a
// result for each.
func TestMigratorStop(t *testing.T) {
	source := &fakeSourceDyn{tables: map[string][]map[string]*dynamodb.AttributeValue{
		"books": intPage(1),
		"users": intPage(2),
	}}
	m := &Migrator{Source: source, Dest: &fakeDestDyn{}, Tables: []string{"books", "users"}}
	m.Stop()

	results, err := m.Run()
	if err != nil {
		t.Fatal("Unexpected error from Run", err)
	}
	if len(results) != 2 {
		t.Fatal("Every table should report a result", results)
	}
	for _, r := range results {
		if r.Status != StatusAborted {
			t.Error("Expected aborted status", r)
		}
		if r.Err != nil {
			t.Error("Aborted result should not carry an error", r)
		}
	}
}
