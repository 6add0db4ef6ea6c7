package common

import (
	"encoding/binary"
	"fmt"

	"github.com/ilnaes/ptseq/internal/action"
)

const serverActionHeader = 16

// MarshalBinary encodes seq and origin as big endian int64s followed by the
// batch.
func (a ServerAction) MarshalBinary() ([]byte, error) {
	batch, err := action.EncodeBatch(a.Actions)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, serverActionHeader, serverActionHeader+len(batch))
	binary.BigEndian.PutUint64(buf[0:], uint64(a.Seq))
	binary.BigEndian.PutUint64(buf[8:], uint64(a.Origin))
	return append(buf, batch...), nil
}

func (a *ServerAction) UnmarshalBinary(data []byte) error {
	if len(data) < serverActionHeader {
		return fmt.Errorf("%w: server action of %d bytes", action.ErrMalformed, len(data))
	}
	batch, err := action.DecodeBatch(data[serverActionHeader:])
	if err != nil {
		return err
	}
	*a = ServerAction{
		Seq:     int64(binary.BigEndian.Uint64(data[0:])),
		Origin:  int64(binary.BigEndian.Uint64(data[8:])),
		Actions: batch,
	}
	return nil
}
