// Copyright 2019 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package dynsync

import (
	"reflect"
	"strconv"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/dynamodb"
)

var batchTests = []struct {
	name     string
	count    int
	expected []int // batch sizes
}{
	{"empty", 0, nil},
	{"single", 1, []int{1}},
	{"exact", 25, []int{25}},
	{"split", 26, []int{25, 1}},
	{"thirty", 30, []int{25, 5}},
	{"multiple", 75, []int{25, 25, 25}},
}

func TestBatchItems(t *testing.T) {
	for _, test := range batchTests {
		batches := batchItems(intPage(make([]int, test.count)...))
		var sizes []int
		for _, b := range batches {
			sizes = append(sizes, len(b))
		}
		if !reflect.DeepEqual(sizes, test.expected) {
			t.Errorf("test=%s expected=%v actual=%v", test.name, test.expected, sizes)
		}
	}
}

// Items must stay in submission order across batch boundaries.
func TestBatchItemsOrder(t *testing.T) {
	var items []map[string]*dynamodb.AttributeValue
	for i := 0; i < 30; i++ {
		items = append(items, makeIntItem("v", i))
	}

	n := 0
	for _, batch := range batchItems(items) {
		for _, item := range batch {
			if v := aws.StringValue(item["v"].N); v != strconv.Itoa(n) {
				t.Fatalf("expected item %d got %s", n, v)
			}
			n++
		}
	}
	if n != 30 {
		t.Error("Incorrect total item count", n)
	}
}

func TestCountRequests(t *testing.T) {
	reqs := map[string][]*dynamodb.WriteRequest{
		"table-a": make([]*dynamodb.WriteRequest, 3),
		"table-b": make([]*dynamodb.WriteRequest, 2),
	}
	if n := countRequests(reqs); n != 5 {
		t.Error("Incorrect request count", n)
	}
	if n := countRequests(nil); n != 0 {
		t.Error("Incorrect count for nil map", n)
	}
}

func TestCalcItemSize(t *testing.T) {
	item := map[string]*dynamodb.AttributeValue{
		"name":  {S: aws.String("abcde")}, // 4 + 5
		"count": {N: aws.String("100")},   // 5 + 3
	}
	if size := calcItemSize(item); size != 17 {
		t.Error("Incorrect item size", size)
	}
}

func TestLimitCalcInsufficientData(t *testing.T) {
	lc := newLimitCalc(5)
	lc.addSize(100)
	if m := lc.median(); m != -1 {
		t.Error("Expected -1 for insufficient data", m)
	}
}

func TestLimitCalcMedian(t *testing.T) {
	lc := newLimitCalc(5)
	for _, size := range []int{50, 10, 30, 20, 40} {
		lc.addSize(size)
	}
	if m := lc.median(); m != 30 {
		t.Error("Incorrect median", m)
	}
}
