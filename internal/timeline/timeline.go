package timeline

import (
	"fmt"
	"sort"
)

// Event is one record on the timeline. Unit is the track position at the
// time the event was recorded, never a stable id.
type Event struct {
	Clock int32
	Unit  int
	Kind  Kind
	Value int32
}

// End is the exclusive clock at which a tail event stops sounding. State
// events occupy a single tick.
func (e Event) End() int32 {
	if e.Kind.IsTail() {
		return e.Clock + e.Value
	}
	return e.Clock + 1
}

func (e Event) String() string {
	return fmt.Sprintf("{%s u%d %d %d}", e.Kind, e.Unit, e.Clock, e.Value)
}

// events are ordered by clock, then kind, then unit. At most one event exists
// per (clock, kind, unit) so the order is total.
func (e Event) less(o Event) bool {
	if e.Clock != o.Clock {
		return e.Clock < o.Clock
	}
	if e.Kind != o.Kind {
		return e.Kind < o.Kind
	}
	return e.Unit < o.Unit
}

// Timeline is the mutation API the action engine needs from a document.
type Timeline interface {
	// Scan calls fn for each event in timeline order until fn returns false.
	// fn must not mutate the timeline.
	Scan(fn func(e Event) bool)
	Add(e Event)
	Delete(kind Kind, unit int, start, end int32)

	MeasNum() int32
	SetMeasNum(n int32)
	ClockPerMeas() int32
}

// Master holds the document-wide timing settings.
type Master struct {
	BeatClock int32
	BeatNum   int32
	MeasNum   int32
}

var DefaultMaster = Master{
	BeatClock: 480,
	BeatNum:   4,
	MeasNum:   1,
}

// EventList is an in-memory Timeline backed by a sorted slice.
type EventList struct {
	events []Event
	master Master
}

func NewEventList(m Master) *EventList {
	if m.BeatClock <= 0 || m.BeatNum <= 0 {
		m.BeatClock, m.BeatNum = DefaultMaster.BeatClock, DefaultMaster.BeatNum
	}
	return &EventList{master: m}
}

func (l *EventList) Master() Master {
	return l.master
}

func (l *EventList) MeasNum() int32 {
	return l.master.MeasNum
}

func (l *EventList) SetMeasNum(n int32) {
	l.master.MeasNum = n
}

func (l *EventList) ClockPerMeas() int32 {
	return l.master.BeatClock * l.master.BeatNum
}

func (l *EventList) Len() int {
	return len(l.events)
}

// Events returns a copy of every event in timeline order.
func (l *EventList) Events() []Event {
	return append([]Event{}, l.events...)
}

func (l *EventList) Scan(fn func(e Event) bool) {
	for _, e := range l.events {
		if !fn(e) {
			return
		}
	}
}

func (l *EventList) insert(e Event) {
	i := sort.Search(len(l.events), func(i int) bool {
		return !l.events[i].less(e)
	})
	l.events = append(l.events, Event{})
	copy(l.events[i+1:], l.events[i:])
	l.events[i] = e
}

// filter keeps the events for which keep returns true. keep may rewrite the
// value of the event it is given.
func (l *EventList) filter(keep func(e *Event) bool) {
	kept := l.events[:0]
	for _, e := range l.events {
		if keep(&e) {
			kept = append(kept, e)
		}
	}
	l.events = kept
}

// Add records e. A state event replaces one of the same kind and unit at the
// same clock. A tail event removes same-track tails starting inside its span
// and cuts short one that runs into it, so tails on a track never overlap.
func (l *EventList) Add(e Event) {
	if e.Kind.IsTail() {
		end := e.Clock + e.Value
		l.filter(func(o *Event) bool {
			if o.Kind != e.Kind || o.Unit != e.Unit {
				return true
			}
			if o.Clock >= e.Clock && o.Clock < end {
				return false
			}
			if o.Clock < e.Clock && o.Clock+o.Value > e.Clock {
				o.Value = e.Clock - o.Clock
			}
			return true
		})
	} else {
		l.filter(func(o *Event) bool {
			return o.Kind != e.Kind || o.Unit != e.Unit || o.Clock != e.Clock
		})
	}
	l.insert(e)
}

// Delete removes the events of kind on unit whose clock is in [start, end).
// A tail that starts before start and runs into the range is cut at start;
// if it also ran past end, the part after end is kept as a new event.
func (l *EventList) Delete(kind Kind, unit int, start, end int32) {
	if end <= start {
		return
	}
	var rest []Event
	l.filter(func(o *Event) bool {
		if o.Kind != kind || o.Unit != unit {
			return true
		}
		if o.Clock >= start && o.Clock < end {
			return false
		}
		if kind.IsTail() && o.Clock < start && o.Clock+o.Value > start {
			oldEnd := o.Clock + o.Value
			o.Value = start - o.Clock
			if oldEnd > end {
				rest = append(rest, Event{Clock: end, Unit: unit, Kind: kind, Value: oldEnd - end})
			}
		}
		return true
	})
	for _, e := range rest {
		l.insert(e)
	}
}

// RemoveUnit drops every event on unit no and shifts higher units down by one.
func (l *EventList) RemoveUnit(no int) {
	l.filter(func(o *Event) bool {
		if o.Unit == no {
			return false
		}
		if o.Unit > no {
			o.Unit--
		}
		return true
	})
}
