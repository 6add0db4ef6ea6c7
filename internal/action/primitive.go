package action

import (
	"fmt"

	"github.com/ilnaes/ptseq/internal/timeline"
)

type Type uint8

const (
	Add Type = iota
	Delete
)

func (t Type) String() string {
	switch t {
	case Add:
		return "ADD"
	case Delete:
		return "DELETE"
	default:
		return fmt.Sprintf("TYPE(%d)", uint8(t))
	}
}

// Primitive is a single ADD or DELETE. Unit is always a stable unit id.
// EndOrValue is the event value for an ADD and the exclusive end clock for a
// DELETE.
type Primitive struct {
	Type       Type          `json:"type" bson:"type"`
	Kind       timeline.Kind `json:"kind" bson:"kind"`
	Unit       int32         `json:"unit" bson:"unit"`
	Start      int32         `json:"start" bson:"start"`
	EndOrValue int32         `json:"end_or_value" bson:"end_or_value"`
}

func NewAdd(kind timeline.Kind, unit, start, value int32) Primitive {
	return Primitive{Type: Add, Kind: kind, Unit: unit, Start: start, EndOrValue: value}
}

func NewDelete(kind timeline.Kind, unit, start, end int32) Primitive {
	return Primitive{Type: Delete, Kind: kind, Unit: unit, Start: start, EndOrValue: end}
}

// Span is the clock range the primitive addresses.
func (p Primitive) Span() timeline.Interval {
	if p.Type == Delete {
		return timeline.Interval{Start: p.Start, End: p.EndOrValue}
	}
	if p.Kind.IsTail() {
		return timeline.Interval{Start: p.Start, End: p.Start + p.EndOrValue}
	}
	return timeline.Interval{Start: p.Start, End: p.Start + 1}
}

func (p Primitive) String() string {
	return fmt.Sprintf("ACTION(%s %s %d %d %d)", p.Type, p.Kind, p.Unit, p.Start, p.EndOrValue)
}
