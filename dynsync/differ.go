// Copyright 2019 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package dynsync

import (
	"reflect"

	"github.com/aws/aws-sdk-go/service/dynamodb"
)

// itemsEqual reports whether two items are structurally identical,
// including nested list and map values.
func itemsEqual(a, b map[string]*dynamodb.AttributeValue) bool {
	return reflect.DeepEqual(a, b)
}

// pagesEqual reports whether two scan pages hold the same items in the
// same order.
func pagesEqual(a, b []map[string]*dynamodb.AttributeValue) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !itemsEqual(a[i], b[i]) {
			return false
		}
	}
	return true
}

// cursorsEqual reports whether two pagination cursors are equal.  A nil
// cursor only equals another nil cursor.
func cursorsEqual(a, b map[string]*dynamodb.AttributeValue) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return reflect.DeepEqual(a, b)
}

// missingItems returns the items in src that have no structurally equal
// counterpart in dst, preserving source order.  Duplicate source items are
// not deduplicated; each occurrence is returned.  The comparison is by
// whole item value, so an item whose key exists at the destination but
// whose attributes differ still counts as missing.
func missingItems(src, dst []map[string]*dynamodb.AttributeValue) (missing []map[string]*dynamodb.AttributeValue) {
	for _, item := range src {
		found := false
		for _, other := range dst {
			if itemsEqual(item, other) {
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, item)
		}
	}
	return missing
}
