package action

import (
	"errors"
	"fmt"

	"github.com/ilnaes/ptseq/internal/timeline"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("ptseq.action")

var ErrOverlappingBatch = errors.New("action: primitives in batch overlap")

// Apply performs batch on tl in order and returns the batch that undoes it.
//
// The undo batch is built before anything is mutated, walking batch from the
// back, so that applying it in its own order peels the edits off last first.
// This is only exact when the primitives of a batch address disjoint ranges
// (see Validate). Primitives naming a unit id missing from m are skipped.
//
// widthChanged reports that an ADD grew the document's measure count.
func Apply(batch []Primitive, tl timeline.Timeline, m timeline.UnitMap) (undo []Primitive, widthChanged bool) {
	undo = make([]Primitive, 0, len(batch))
	for i := len(batch) - 1; i >= 0; i-- {
		a := batch[i]
		no, ok := m.IdToNo(a.Unit)
		if !ok {
			continue
		}
		undo = appendUndo(undo, a, no, tl)
	}

	for _, a := range batch {
		no, ok := m.IdToNo(a.Unit)
		if !ok {
			log.Debugf("skipping %s: unknown unit id", a)
			continue
		}
		if perform(a, no, tl) {
			widthChanged = true
		}
	}
	return undo, widthChanged
}

func appendUndo(undo []Primitive, a Primitive, no int, tl timeline.Timeline) []Primitive {
	switch a.Type {
	case Add:
		span := a.Span()
		return append(undo, NewDelete(a.Kind, a.Unit, span.Start, span.End))

	case Delete:
		start, end := a.Start, a.EndOrValue
		if end <= start {
			return undo
		}
		tl.Scan(func(e timeline.Event) bool {
			if e.Clock >= end {
				return false
			}
			if e.Kind != a.Kind || e.Unit != no {
				return true
			}
			if e.Clock < start {
				// the forward delete cuts this tail short at start, so undo
				// removes the stub before putting the whole event back
				if a.Kind.IsTail() && e.Clock+e.Value >= start {
					undo = append(undo,
						NewDelete(a.Kind, a.Unit, e.Clock, start),
						NewAdd(a.Kind, a.Unit, e.Clock, e.Value))
				}
				return true
			}
			undo = append(undo, NewAdd(a.Kind, a.Unit, e.Clock, e.Value))
			return true
		})
	}
	return undo
}

// perform applies a single primitive to unit position no.
func perform(a Primitive, no int, tl timeline.Timeline) (widthChanged bool) {
	switch a.Type {
	case Add:
		tl.Add(timeline.Event{Clock: a.Start, Unit: no, Kind: a.Kind, Value: a.EndOrValue})

		// possibly extend the last measure; the end clock is inclusive here
		endClock := a.Start
		if a.Kind.IsTail() {
			endClock += a.EndOrValue - 1
		}
		clockPerMeas := tl.ClockPerMeas()
		if clockPerMeas <= 0 || endClock < 0 {
			return false
		}
		endMeas := endClock / clockPerMeas
		if endMeas >= tl.MeasNum() {
			tl.SetMeasNum(endMeas + 1)
			return true
		}
	case Delete:
		tl.Delete(a.Kind, no, a.Start, a.EndOrValue)
	}
	return false
}

// Validate checks that no two primitives of batch target overlapping ranges
// of the same kind and unit. The one overlap allowed is an ADD that lies
// inside the range of an earlier DELETE, which is how a paste clears its
// destination before filling it.
func Validate(batch []Primitive) error {
	for j := range batch {
		b := batch[j]
		if b.Type != Add && b.Type != Delete {
			return fmt.Errorf("action: unknown type in %s", b)
		}
		bs := b.Span()
		for i := 0; i < j; i++ {
			a := batch[i]
			if a.Kind != b.Kind || a.Unit != b.Unit {
				continue
			}
			as := a.Span()
			if as.Start >= bs.End || bs.Start >= as.End {
				continue
			}
			if a.Type == Delete && b.Type == Add && bs.Start >= as.Start && bs.End <= as.End {
				continue
			}
			return fmt.Errorf("%w: %s and %s", ErrOverlappingBatch, a, b)
		}
	}
	return nil
}
