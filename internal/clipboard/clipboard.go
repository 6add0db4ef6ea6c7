package clipboard

import (
	"context"
	"fmt"
	"sync"

	"github.com/ilnaes/ptseq/internal/action"
	"github.com/ilnaes/ptseq/internal/timeline"
	"github.com/tliron/commonlog"
)

// Format tags the copy state blob in a Transport.
const Format = "application/ptcollab-clipboard"

var log = commonlog.GetLogger("ptseq.clipboard")

// Transport stores opaque blobs keyed by a format tag.
type Transport interface {
	Put(ctx context.Context, format string, data []byte) error
	Get(ctx context.Context, format string) (data []byte, ok bool, err error)
}

type PasteResult struct {
	Actions []action.Primitive
	Length  int32
}

// Clipboard translates selections into batches using the kinds it is
// configured to copy, and keeps the copied state in a Transport.
type Clipboard struct {
	transport Transport
	kinds     KindSet

	mu sync.Mutex // protects kinds
}

func New(t Transport, kinds KindSet) *Clipboard {
	if kinds == nil {
		kinds = DefaultCopyKinds()
	}
	return &Clipboard{transport: t, kinds: kinds.clone()}
}

func (c *Clipboard) Kinds() KindSet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.kinds.clone()
}

func (c *Clipboard) KindCopied(kind timeline.Kind) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.kinds.Has(kind)
}

// SetKindCopied turns copying of kind on or off. ON, VELOCITY and KEY make up
// a note and are always toggled together.
func (c *Clipboard) SetKindCopied(kind timeline.Kind, on bool) {
	kinds := []timeline.Kind{kind}
	if kind == timeline.KindOn || kind == timeline.KindVelocity || kind == timeline.KindKey {
		kinds = []timeline.Kind{timeline.KindOn, timeline.KindVelocity, timeline.KindKey}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range kinds {
		if on {
			c.kinds[k] = struct{}{}
		} else {
			delete(c.kinds, k)
		}
	}
}

func (c *Clipboard) Copy(ctx context.Context, units []int, r timeline.Interval, tl timeline.Timeline) error {
	cs := NewCopyState(units, r, tl, c.Kinds())
	data, err := cs.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encode copy state: %w", err)
	}
	if err := c.transport.Put(ctx, Format, data); err != nil {
		return fmt.Errorf("clipboard put: %w", err)
	}
	log.Debugf("copied %d items over %d units", len(cs.Items), len(cs.Units))
	return nil
}

// Paste reads the last copy state and builds the batch pasting it at
// startClock. An empty clipboard yields an empty result.
func (c *Clipboard) Paste(ctx context.Context, units []int, startClock int32, m timeline.UnitMap) (PasteResult, error) {
	data, ok, err := c.transport.Get(ctx, Format)
	if err != nil {
		return PasteResult{}, fmt.Errorf("clipboard get: %w", err)
	}
	if !ok {
		return PasteResult{}, nil
	}
	var cs CopyState
	if err := cs.UnmarshalBinary(data); err != nil {
		return PasteResult{}, err
	}
	return PasteResult{
		Actions: cs.MakePaste(units, c.Kinds(), startClock, m),
		Length:  cs.CopyLength,
	}, nil
}

func (c *Clipboard) Clear(units []int, r timeline.Interval, m timeline.UnitMap) []action.Primitive {
	return MakeClear(units, r, c.Kinds(), m)
}

// MemoryTransport keeps blobs in process.
type MemoryTransport struct {
	blobs map[string][]byte
	mu    sync.Mutex
}

func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{blobs: make(map[string][]byte)}
}

func (t *MemoryTransport) Put(_ context.Context, format string, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.blobs[format] = append([]byte{}, data...)
	return nil
}

func (t *MemoryTransport) Get(_ context.Context, format string) ([]byte, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	data, ok := t.blobs[format]
	if !ok {
		return nil, false, nil
	}
	return append([]byte{}, data...), true, nil
}
