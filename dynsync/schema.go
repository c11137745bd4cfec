// Copyright 2019 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package dynsync

import (
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/dynamodb"
)

// DynTableDescriber defines the table description portion of the dynamodb
// service.
type DynTableDescriber interface {
	DescribeTable(input *dynamodb.DescribeTableInput) (*dynamodb.DescribeTableOutput, error)
}

// DynTableCreator defines the table creation portion of the dynamodb
// service.
type DynTableCreator interface {
	CreateTable(input *dynamodb.CreateTableInput) (*dynamodb.CreateTableOutput, error)
}

// SchemaSource defines the portion of the dynamodb service SchemaCopier
// requires of the source deployment.
type SchemaSource interface {
	DynTableLister
	DynTableDescriber
}

// SchemaCopier creates tables at a destination DynamoDB deployment using
// schemas described from a source deployment.  It copies key schemas,
// attribute definitions, secondary indexes, billing mode or provisioned
// throughput, and stream settings; item data is left to Migrator.
//
// Creation is attempted exactly once per table.  A table that already
// exists at the destination fails with a ResourceInUseException and is
// reported in that table's result without interrupting the rest.
type SchemaCopier struct {
	Source SchemaSource
	Dest   DynTableCreator

	// Tables lists the tables to create.  If empty, the source
	// deployment's full table list is used.
	Tables []string

	Events EventSink
}

// Run copies the schema for each table and returns one TableResult per
// table, continuing past individual failures.  Schema results never carry
// item counts.
func (sc *SchemaCopier) Run() ([]TableResult, error) {
	tables := sc.Tables
	if len(tables) == 0 {
		var err error
		if tables, err = ListAllTables(sc.Source); err != nil {
			return nil, err
		}
	}

	results := make([]TableResult, 0, len(tables))
	for _, name := range tables {
		started := time.Now()
		err := sc.copyTable(name)
		result := TableResult{
			Table:   name,
			Status:  StatusCompleted,
			Elapsed: time.Since(started),
		}
		if err != nil {
			result.Status = StatusFailed
			result.Err = err
		}
		results = append(results, result)
	}
	return results, nil
}

func (sc *SchemaCopier) copyTable(name string) error {
	resp, err := sc.Source.DescribeTable(&dynamodb.DescribeTableInput{
		TableName: aws.String(name),
	})
	if err != nil {
		emit(sc.Events, Event{Kind: CreateFailed, Table: name, Err: err})
		return fmt.Errorf("table %s describe failed: %w", name, err)
	}

	if _, err := sc.Dest.CreateTable(buildCreateInput(resp.Table)); err != nil {
		emit(sc.Events, Event{Kind: CreateFailed, Table: name, Err: err})
		return fmt.Errorf("table %s create failed: %w", name, err)
	}

	emit(sc.Events, Event{Kind: TableCreated, Table: name})
	return nil
}

// buildCreateInput converts a table description into the input CreateTable
// expects.  Only defining fields survive the conversion; descriptions
// carry status, size and date fields that CreateTable rejects.
func buildCreateInput(desc *dynamodb.TableDescription) *dynamodb.CreateTableInput {
	input := &dynamodb.CreateTableInput{
		TableName:            desc.TableName,
		KeySchema:            desc.KeySchema,
		AttributeDefinitions: desc.AttributeDefinitions,
	}

	onDemand := desc.BillingModeSummary != nil &&
		aws.StringValue(desc.BillingModeSummary.BillingMode) == dynamodb.BillingModePayPerRequest
	if onDemand {
		input.BillingMode = aws.String(dynamodb.BillingModePayPerRequest)
	} else {
		input.ProvisionedThroughput = copyThroughput(desc.ProvisionedThroughput)
	}

	for _, gsi := range desc.GlobalSecondaryIndexes {
		index := &dynamodb.GlobalSecondaryIndex{
			IndexName:  gsi.IndexName,
			KeySchema:  gsi.KeySchema,
			Projection: gsi.Projection,
		}
		if !onDemand {
			index.ProvisionedThroughput = copyThroughput(gsi.ProvisionedThroughput)
		}
		input.GlobalSecondaryIndexes = append(input.GlobalSecondaryIndexes, index)
	}

	for _, lsi := range desc.LocalSecondaryIndexes {
		input.LocalSecondaryIndexes = append(input.LocalSecondaryIndexes, &dynamodb.LocalSecondaryIndex{
			IndexName:  lsi.IndexName,
			KeySchema:  lsi.KeySchema,
			Projection: lsi.Projection,
		})
	}

	if desc.StreamSpecification != nil {
		input.StreamSpecification = desc.StreamSpecification
	}

	return input
}

// copyThroughput converts a throughput description to the value
// CreateTable expects.  Server maintained counters such as
// NumberOfDecreasesToday have no create-time equivalent and are dropped.
func copyThroughput(p *dynamodb.ProvisionedThroughputDescription) *dynamodb.ProvisionedThroughput {
	if p == nil {
		return nil
	}
	return &dynamodb.ProvisionedThroughput{
		ReadCapacityUnits:  p.ReadCapacityUnits,
		WriteCapacityUnits: p.WriteCapacityUnits,
	}
}
