package timeline

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

var ErrMalformed = errors.New("timeline: malformed snapshot")

var snapshotMagic = [4]byte{'P', 'T', 'S', 'Q'}

const snapshotVersion = 1

type snapshotHeader struct {
	Magic   [4]byte
	Version uint8
	Master  Master
	Units   uint32
	Events  uint32
}

type snapshotEvent struct {
	Clock int32
	Unit  int32
	Kind  uint8
	Value int32
}

// EncodeSnapshot serializes a document: its master settings, unit ids and
// events. The relay hands these bytes to newcomers without looking inside.
func EncodeSnapshot(l *EventList, m *NoIdMap) ([]byte, error) {
	var buf bytes.Buffer
	h := snapshotHeader{
		Magic:   snapshotMagic,
		Version: snapshotVersion,
		Master:  l.master,
		Units:   uint32(len(m.ids)),
		Events:  uint32(len(l.events)),
	}
	if err := binary.Write(&buf, binary.BigEndian, h); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, m.ids); err != nil {
		return nil, err
	}
	for _, e := range l.events {
		se := snapshotEvent{Clock: e.Clock, Unit: int32(e.Unit), Kind: uint8(e.Kind), Value: e.Value}
		if err := binary.Write(&buf, binary.BigEndian, se); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func DecodeSnapshot(data []byte) (*EventList, *NoIdMap, error) {
	r := bytes.NewReader(data)

	var h snapshotHeader
	if err := binary.Read(r, binary.BigEndian, &h); err != nil {
		return nil, nil, fmt.Errorf("%w: header: %v", ErrMalformed, err)
	}
	if h.Magic != snapshotMagic || h.Version != snapshotVersion {
		return nil, nil, fmt.Errorf("%w: bad magic or version", ErrMalformed)
	}
	// counts are checked against what is left so a corrupt header can't
	// trigger a huge allocation
	if int64(h.Units)*4 > int64(r.Len()) {
		return nil, nil, fmt.Errorf("%w: unit count %d", ErrMalformed, h.Units)
	}
	ids := make([]int32, h.Units)
	if err := binary.Read(r, binary.BigEndian, ids); err != nil {
		return nil, nil, fmt.Errorf("%w: units: %v", ErrMalformed, err)
	}
	if int64(h.Events)*int64(binary.Size(snapshotEvent{})) > int64(r.Len()) {
		return nil, nil, fmt.Errorf("%w: event count %d", ErrMalformed, h.Events)
	}

	l := NewEventList(h.Master)
	l.events = make([]Event, 0, h.Events)
	for i := uint32(0); i < h.Events; i++ {
		var se snapshotEvent
		if err := binary.Read(r, binary.BigEndian, &se); err != nil {
			return nil, nil, fmt.Errorf("%w: event %d: %v", ErrMalformed, i, err)
		}
		if !Kind(se.Kind).Valid() || se.Unit < 0 || int(se.Unit) >= len(ids) {
			return nil, nil, fmt.Errorf("%w: event %d out of range", ErrMalformed, i)
		}
		l.insert(Event{Clock: se.Clock, Unit: int(se.Unit), Kind: Kind(se.Kind), Value: se.Value})
	}
	return l, NewNoIdMap(ids...), nil
}
