// Copyright 2019 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package dynsync

import (
	"reflect"
	"sync"
	"testing"
)

// captureSink records every event it receives for later inspection.
type captureSink struct {
	m      sync.Mutex
	events []Event
}

func (c *captureSink) Event(e Event) {
	c.m.Lock()
	defer c.m.Unlock()
	c.events = append(c.events, e)
}

func (c *captureSink) kinds() (kinds []EventKind) {
	c.m.Lock()
	defer c.m.Unlock()
	for _, e := range c.events {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

func (c *captureSink) byKind(kind EventKind) (matched []Event) {
	c.m.Lock()
	defer c.m.Unlock()
	for _, e := range c.events {
		if e.Kind == kind {
			matched = append(matched, e)
		}
	}
	return matched
}

func TestEventFunc(t *testing.T) {
	var got Event
	sink := EventFunc(func(e Event) { got = e })
	sink.Event(Event{Kind: TableStart, Table: "t1"})
	if got.Kind != TableStart || got.Table != "t1" {
		t.Error("Event not delivered", got)
	}
}

func TestMultiSink(t *testing.T) {
	var order []string
	first := EventFunc(func(e Event) { order = append(order, "first") })
	second := EventFunc(func(e Event) { order = append(order, "second") })

	MultiSink{first, second}.Event(Event{Kind: TableStart})

	if !reflect.DeepEqual(order, []string{"first", "second"}) {
		t.Error("Incorrect fanout order", order)
	}
}

func TestEmitNilSink(t *testing.T) {
	emit(nil, Event{Kind: TableStart}) // must not panic
}
