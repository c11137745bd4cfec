// Copyright 2019 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package dynsync

import (
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"golang.org/x/sync/errgroup"
)

// VerifyResult reports the outcome of comparing one table across two
// deployments.
type VerifyResult struct {
	Table       string
	SourceCount int
	DestCount   int

	// Missing holds items present at the source but absent at the
	// destination; Extra holds the reverse.  Comparison treats both
	// sides as sets, so duplicate copies of an item never register as
	// a difference.
	Missing []map[string]*dynamodb.AttributeValue
	Extra   []map[string]*dynamodb.AttributeValue
}

// InSync reports whether the two tables hold identical contents.
func (r *VerifyResult) InSync() bool {
	return len(r.Missing) == 0 && len(r.Extra) == 0
}

// Verifier compares the full contents of one table between a source and a
// destination deployment.  Both sides are drained into memory and diffed
// by whole item value, so it is intended for spot checks after a
// migration rather than for continuous use on very large tables.
type Verifier struct {
	Source         DynScanner
	Dest           DynScanner
	TableName      string
	ConsistentRead bool
}

// Run drains both tables concurrently and returns the content diff.
func (v *Verifier) Run() (*VerifyResult, error) {
	var srcItems, dstItems []map[string]*dynamodb.AttributeValue

	g := new(errgroup.Group)
	g.Go(func() error {
		items, err := v.drainTable(v.Source)
		if err != nil {
			return fmt.Errorf("source scan failed: %w", err)
		}
		srcItems = items
		return nil
	})
	g.Go(func() error {
		items, err := v.drainTable(v.Dest)
		if err != nil {
			return fmt.Errorf("destination scan failed: %w", err)
		}
		dstItems = items
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &VerifyResult{
		Table:       v.TableName,
		SourceCount: len(srcItems),
		DestCount:   len(dstItems),
		Missing:     missingItems(srcItems, dstItems),
		Extra:       missingItems(dstItems, srcItems),
	}, nil
}

func (v *Verifier) drainTable(dyn DynScanner) ([]map[string]*dynamodb.AttributeValue, error) {
	var items []map[string]*dynamodb.AttributeValue
	params := &dynamodb.ScanInput{
		TableName:      aws.String(v.TableName),
		ConsistentRead: aws.Bool(v.ConsistentRead),
	}
	for {
		resp, err := dyn.Scan(params)
		if err != nil {
			return nil, err
		}
		items = append(items, resp.Items...)
		if resp.LastEvaluatedKey == nil {
			return items, nil
		}
		params.ExclusiveStartKey = resp.LastEvaluatedKey
	}
}
