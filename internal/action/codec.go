package action

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/ilnaes/ptseq/internal/timeline"
)

var ErrMalformed = errors.New("action: malformed primitive")

// PrimitiveSize is the encoded size of one primitive: type, kind, unit id,
// start clock, end clock or value.
const PrimitiveSize = 1 + 1 + 4 + 4 + 4

type wirePrimitive struct {
	Type       uint8
	Kind       uint8
	Unit       int32
	Start      int32
	EndOrValue int32
}

func (p Primitive) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if err := p.write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (p *Primitive) UnmarshalBinary(data []byte) error {
	if len(data) != PrimitiveSize {
		return fmt.Errorf("%w: %d bytes", ErrMalformed, len(data))
	}
	return p.read(bytes.NewReader(data))
}

func (p Primitive) write(w io.Writer) error {
	return binary.Write(w, binary.BigEndian, wirePrimitive{
		Type:       uint8(p.Type),
		Kind:       uint8(p.Kind),
		Unit:       p.Unit,
		Start:      p.Start,
		EndOrValue: p.EndOrValue,
	})
}

func (p *Primitive) read(r io.Reader) error {
	var w wirePrimitive
	if err := binary.Read(r, binary.BigEndian, &w); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if Type(w.Type) > Delete || !timeline.Kind(w.Kind).Valid() {
		return fmt.Errorf("%w: type %d kind %d", ErrMalformed, w.Type, w.Kind)
	}
	*p = Primitive{
		Type:       Type(w.Type),
		Kind:       timeline.Kind(w.Kind),
		Unit:       w.Unit,
		Start:      w.Start,
		EndOrValue: w.EndOrValue,
	}
	return nil
}

// EncodeBatch writes a count-prefixed batch.
func EncodeBatch(batch []Primitive) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(4 + len(batch)*PrimitiveSize)
	if err := binary.Write(&buf, binary.BigEndian, uint32(len(batch))); err != nil {
		return nil, err
	}
	for _, p := range batch {
		if err := p.write(&buf); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func DecodeBatch(data []byte) ([]Primitive, error) {
	r := bytes.NewReader(data)
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, fmt.Errorf("%w: count: %v", ErrMalformed, err)
	}
	if int64(n)*PrimitiveSize != int64(r.Len()) {
		return nil, fmt.Errorf("%w: %d primitives in %d bytes", ErrMalformed, n, r.Len())
	}
	batch := make([]Primitive, n)
	for i := range batch {
		if err := batch[i].read(r); err != nil {
			return nil, err
		}
	}
	return batch, nil
}
