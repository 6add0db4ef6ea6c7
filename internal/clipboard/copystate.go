package clipboard

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ilnaes/ptseq/internal/action"
	"github.com/ilnaes/ptseq/internal/timeline"
)

var ErrMalformed = errors.New("clipboard: malformed copy state")

// Item is one copied event, relative to the copied selection.
type Item struct {
	Clock int32
	Unit  uint8
	Kind  timeline.Kind
	Value int32
}

// CopyState is a snapshot of a rectangular selection. Units holds the unit
// offsets that were selected, relative to the lowest selected unit, whether
// or not any item landed on them.
type CopyState struct {
	Items      []Item
	Units      []int
	CopyLength int32
}

// NewCopyState copies the events of the given kinds on units whose clock is
// in r. Tails are clipped so they don't extend past r.End.
func NewCopyState(units []int, r timeline.Interval, tl timeline.Timeline, kinds KindSet) CopyState {
	cs := CopyState{CopyLength: r.Length(), Units: []int{}}
	units = sortedUnits(units)
	if len(units) == 0 {
		return cs
	}
	first := units[0]
	selected := make(map[int]bool, len(units))
	for _, u := range units {
		selected[u] = true
		cs.Units = append(cs.Units, u-first)
	}

	tl.Scan(func(e timeline.Event) bool {
		if e.Clock >= r.End {
			return false
		}
		if e.Clock < r.Start || !selected[e.Unit] || !kinds.Has(e.Kind) {
			return true
		}
		v := e.Value
		if e.Kind.IsTail() && v > r.End-e.Clock {
			v = r.End - e.Clock
		}
		cs.Items = append(cs.Items, Item{
			Clock: e.Clock - r.Start,
			Unit:  uint8(e.Unit - first),
			Kind:  e.Kind,
			Value: v,
		})
		return true
	})
	return cs
}

// MakePaste builds the batch that pastes cs at startClock with its lowest
// unit landing on the lowest of units. The destination is cleared for every
// kind first. Units that don't exist in m are skipped.
func (cs CopyState) MakePaste(units []int, kinds KindSet, startClock int32, m timeline.UnitMap) []action.Primitive {
	units = sortedUnits(units)
	if len(units) == 0 {
		return nil
	}
	first := units[0]
	dest := make(map[int]bool, len(units))
	for _, u := range units {
		dest[u] = true
	}
	inRange := func(no int) bool {
		return dest[no] && no >= 0 && no < m.NumUnits()
	}

	var actions []action.Primitive
	endClock := startClock + cs.CopyLength
	for _, offset := range cs.Units {
		no := offset + first
		if !inRange(no) {
			continue
		}
		id := m.NoToId(no)
		for _, kind := range kinds.Sorted() {
			actions = append(actions, action.NewDelete(kind, id, startClock, endClock))
		}
	}

	for _, item := range cs.Items {
		no := int(item.Unit) + first
		if !inRange(no) || !kinds.Has(item.Kind) {
			continue
		}
		actions = append(actions, action.NewAdd(item.Kind, m.NoToId(no), startClock+item.Clock, item.Value))
	}
	return actions
}

// MakeClear deletes every event of the given kinds on units inside r.
func MakeClear(units []int, r timeline.Interval, kinds KindSet, m timeline.UnitMap) []action.Primitive {
	var actions []action.Primitive
	for _, no := range sortedUnits(units) {
		if no < 0 || no >= m.NumUnits() {
			continue
		}
		id := m.NoToId(no)
		for _, kind := range kinds.Sorted() {
			actions = append(actions, action.NewDelete(kind, id, r.Start, r.End))
		}
	}
	return actions
}

type wireItem struct {
	Clock int32
	Kind  uint8
	Unit  uint8
	Value int32
}

func (cs CopyState) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	w := func(v interface{}) error {
		return binary.Write(&buf, binary.BigEndian, v)
	}

	if err := w(uint64(len(cs.Items))); err != nil {
		return nil, err
	}
	for _, it := range cs.Items {
		if err := w(wireItem{Clock: it.Clock, Kind: uint8(it.Kind), Unit: it.Unit, Value: it.Value}); err != nil {
			return nil, err
		}
	}
	if err := w(uint64(len(cs.Units))); err != nil {
		return nil, err
	}
	for _, u := range cs.Units {
		if err := w(int32(u)); err != nil {
			return nil, err
		}
	}
	if err := w(cs.CopyLength); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (cs *CopyState) UnmarshalBinary(data []byte) error {
	r := bytes.NewReader(data)
	read := func(v interface{}) error {
		if err := binary.Read(r, binary.BigEndian, v); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return nil
	}

	var n uint64
	if err := read(&n); err != nil {
		return err
	}
	if n > uint64(r.Len())/uint64(binary.Size(wireItem{})) {
		return fmt.Errorf("%w: %d items", ErrMalformed, n)
	}
	items := make([]Item, n)
	for i := range items {
		var it wireItem
		if err := read(&it); err != nil {
			return err
		}
		if !timeline.Kind(it.Kind).Valid() {
			return fmt.Errorf("%w: kind %d", ErrMalformed, it.Kind)
		}
		items[i] = Item{Clock: it.Clock, Unit: it.Unit, Kind: timeline.Kind(it.Kind), Value: it.Value}
	}

	if err := read(&n); err != nil {
		return err
	}
	if n > uint64(r.Len())/4 {
		return fmt.Errorf("%w: %d units", ErrMalformed, n)
	}
	units := make([]int, n)
	for i := range units {
		var u int32
		if err := read(&u); err != nil {
			return err
		}
		units[i] = int(u)
	}

	var length int32
	if err := read(&length); err != nil {
		return err
	}
	if r.Len() != 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrMalformed, r.Len())
	}

	*cs = CopyState{Items: items, Units: units, CopyLength: length}
	return nil
}
