package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"github.com/ilnaes/ptseq/internal/action"
	"github.com/ilnaes/ptseq/internal/clipboard"
	"github.com/ilnaes/ptseq/internal/common"
	"github.com/ilnaes/ptseq/internal/timeline"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("ptseq.replica")

var ErrNotConnected = errors.New("client: not connected")

const (
	writeWait = 10 * time.Second
	helloWait = 10 * time.Second
)

type Options struct {
	Dialer *websocket.Dialer
	// MaxElapsed bounds how long Dial keeps retrying; zero retries until ctx
	// is done.
	MaxElapsed time.Duration
	UndoLimit  int
}

// AppliedFunc observes every batch applied to the replica. origin is the
// replica's own uid for local edits, undos and redos.
type AppliedFunc func(origin int64, batch []action.Primitive, widthChanged bool)

// Replica is one client's copy of the document. Local edits are applied
// immediately and then sent; batches from the relay are applied in the order
// they arrive. mu serializes the two.
type Replica struct {
	conn *websocket.Conn
	uid  int64
	name string

	tl      *timeline.EventList
	units   *timeline.NoIdMap
	undo    *UndoStack
	redo    *UndoStack
	peers   map[int64]string
	cursors map[int64]common.PresencePing
	nextSeq int64
	applied AppliedFunc

	mu  sync.Mutex
	wmu sync.Mutex // protects conn writes
}

// Dial connects to the relay at url, retrying with exponential backoff,
// joins as name and loads the baseline from the Hello. History follows on
// the connection and is applied by Run.
func Dial(ctx context.Context, url, name string, opts Options) (*Replica, error) {
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	var conn *websocket.Conn
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = opts.MaxElapsed
	err := backoff.Retry(func() error {
		c, _, err := dialer.DialContext(ctx, url, nil)
		if err != nil {
			log.Warningf("dial %s: %v", url, err)
			return err
		}
		conn = c
		return nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	r, err := handshake(conn, name, opts)
	if err != nil {
		conn.Close()
		return nil, err
	}
	log.Infof("joined %s as %d (%s) with %d peers", url, r.uid, name, len(r.peers))
	return r, nil
}

func handshake(conn *websocket.Conn, name string, opts Options) (*Replica, error) {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(common.JoinMessage(name)); err != nil {
		return nil, fmt.Errorf("join: %w", err)
	}
	conn.SetReadDeadline(time.Now().Add(helloWait))
	var hello common.Message
	if err := conn.ReadJSON(&hello); err != nil {
		return nil, fmt.Errorf("hello: %w", err)
	}
	conn.SetReadDeadline(time.Time{})
	switch hello.Type {
	case common.Hello:
	case common.Error:
		return nil, fmt.Errorf("relay refused: %s", hello.Err)
	default:
		return nil, fmt.Errorf("expected hello, got %s", hello.Type)
	}

	tl := timeline.NewEventList(timeline.DefaultMaster)
	units := timeline.NewNoIdMap()
	if len(hello.Baseline) > 0 {
		var err error
		if tl, units, err = timeline.DecodeSnapshot(hello.Baseline); err != nil {
			return nil, fmt.Errorf("baseline: %w", err)
		}
	}

	r := &Replica{
		conn:    conn,
		uid:     hello.Uid,
		name:    name,
		tl:      tl,
		units:   units,
		undo:    NewUndoStack(opts.UndoLimit),
		redo:    NewUndoStack(opts.UndoLimit),
		peers:   make(map[int64]string),
		cursors: make(map[int64]common.PresencePing),
	}
	for _, s := range hello.Sessions {
		r.peers[s.Uid] = s.Name
	}
	return r, nil
}

// Run applies what the relay sends until the connection ends or ctx is
// done. A closed connection ends the session; it is not retried.
func (r *Replica) Run(ctx context.Context) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			r.conn.Close()
		case <-stop:
		}
	}()

	for {
		var m common.Message
		if err := r.conn.ReadJSON(&m); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("relay connection: %w", err)
		}
		if err := r.handle(m); err != nil {
			r.conn.Close()
			return err
		}
	}
}

func (r *Replica) handle(m common.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch m.Type {
	case common.Action:
		// gaps are the seqs of our own batches, which the relay doesn't echo
		if m.Seq < r.nextSeq {
			log.Warningf("ignoring seq %d, already past %d", m.Seq, r.nextSeq-1)
			return nil
		}
		r.nextSeq = m.Seq + 1
		_, widthChanged := action.Apply(m.Actions, r.tl, r.units)
		if r.applied != nil {
			r.applied(m.Uid, m.Actions, widthChanged)
		}
	case common.SessionJoined:
		r.peers[m.Uid] = m.Name
		log.Infof("%s joined", m.Name)
	case common.SessionLeft:
		log.Infof("%s left", r.peers[m.Uid])
		delete(r.peers, m.Uid)
		delete(r.cursors, m.Uid)
	case common.Presence:
		if m.Presence != nil {
			r.cursors[m.Uid] = *m.Presence
		}
	case common.Error:
		return fmt.Errorf("relay error: %s", m.Err)
	default:
		log.Debugf("ignoring %s", m.Type)
	}
	return nil
}

func (r *Replica) send(m common.Message) error {
	r.wmu.Lock()
	defer r.wmu.Unlock()
	if r.conn == nil {
		return ErrNotConnected
	}
	r.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return r.conn.WriteJSON(m)
}

// apply runs batch locally and forwards it. Called with mu held so the relay
// receives local batches in the order they were applied.
func (r *Replica) apply(batch []action.Primitive) ([]action.Primitive, error) {
	undo, widthChanged := action.Apply(batch, r.tl, r.units)
	if r.applied != nil {
		r.applied(r.uid, batch, widthChanged)
	}
	if err := r.send(common.ActionMessage(batch)); err != nil {
		return undo, fmt.Errorf("send batch: %w", err)
	}
	return undo, nil
}

// Edit applies a locally originated batch and records its undo. Batches
// whose primitives overlap are refused since their undo would be wrong.
func (r *Replica) Edit(batch []action.Primitive) error {
	if len(batch) == 0 {
		return nil
	}
	if err := action.Validate(batch); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	undo, err := r.apply(batch)
	r.undo.Push(Entry{Forward: append([]action.Primitive(nil), batch...), Undo: undo})
	r.redo.Clear()
	return err
}

// Undo reverts the latest local edit and keeps it for Redo.
func (r *Replica) Undo() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.undo.Pop()
	if err != nil {
		return err
	}
	_, err = r.apply(e.Undo)
	r.redo.Push(e)
	return err
}

// Redo applies the last undone edit again. Its undo is recomputed against
// the restored document.
func (r *Replica) Redo() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.redo.Pop()
	if err != nil {
		return err
	}
	undo, err := r.apply(e.Forward)
	r.undo.Push(Entry{Forward: e.Forward, Undo: undo})
	return err
}

func (r *Replica) Copy(ctx context.Context, cb *clipboard.Clipboard, units []int, span timeline.Interval) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cb.Copy(ctx, units, span, r.tl)
}

// Paste pastes the clipboard at startClock on units and returns how long the
// pasted region is.
func (r *Replica) Paste(ctx context.Context, cb *clipboard.Clipboard, units []int, startClock int32) (int32, error) {
	r.mu.Lock()
	res, err := cb.Paste(ctx, units, startClock, r.units)
	r.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return res.Length, r.Edit(res.Actions)
}

func (r *Replica) Clear(cb *clipboard.Clipboard, units []int, span timeline.Interval) error {
	r.mu.Lock()
	batch := cb.Clear(units, span, r.units)
	r.mu.Unlock()
	return r.Edit(batch)
}

// SendPresence shares the local cursor. It may be dropped or delayed.
func (r *Replica) SendPresence(p common.PresencePing) error {
	return r.send(common.PresenceMessage(p))
}

// OnApplied registers fn to observe applied batches. fn runs with the
// replica locked and must not call back into it.
func (r *Replica) OnApplied(fn AppliedFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applied = fn
}

func (r *Replica) Uid() int64 {
	return r.uid
}

func (r *Replica) Events() []timeline.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tl.Events()
}

func (r *Replica) MeasNum() int32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tl.MeasNum()
}

func (r *Replica) NumUnits() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.units.NumUnits()
}

// EndClock is the clock at the end of the last measure.
func (r *Replica) EndClock() int32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tl.MeasNum() * r.tl.ClockPerMeas()
}

// UnitId returns the stable id of the unit at position no.
func (r *Replica) UnitId(no int) (int32, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if no < 0 || no >= r.units.NumUnits() {
		return 0, false
	}
	return r.units.NoToId(no), true
}

func (r *Replica) Peers() map[int64]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := make(map[int64]string, len(r.peers))
	for k, v := range r.peers {
		res[k] = v
	}
	return res
}

func (r *Replica) Cursor(uid int64) (common.PresencePing, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.cursors[uid]
	return p, ok
}

func (r *Replica) UndoLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.undo.Len()
}

func (r *Replica) Close() error {
	r.wmu.Lock()
	defer r.wmu.Unlock()
	return r.conn.Close()
}
