package client

import (
	"context"
	"errors"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/ilnaes/ptseq/internal/action"
	"github.com/ilnaes/ptseq/internal/clipboard"
	"github.com/ilnaes/ptseq/internal/common"
	"github.com/ilnaes/ptseq/internal/server"
	"github.com/ilnaes/ptseq/internal/timeline"
)

const (
	unitA int32 = 10
	unitB int32 = 11
)

func startRelay(t *testing.T) string {
	t.Helper()
	baseline, err := timeline.EncodeSnapshot(timeline.NewEventList(timeline.DefaultMaster), timeline.NewNoIdMap(unitA, unitB))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s, err := server.NewServer(ctx, baseline, nil, server.Config{})
	if err != nil {
		t.Fatal(err)
	}
	go s.Run(ctx)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		cancel()
		ts.Close()
	})
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func dial(t *testing.T, url, name string) *Replica {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	r, err := Dial(ctx, url, name, Options{MaxElapsed: time.Second})
	if err != nil {
		cancel()
		t.Fatal(err)
	}
	go r.Run(ctx)
	t.Cleanup(func() {
		cancel()
		r.Close()
	})
	return r
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func hasEvents(r *Replica, n int) func() bool {
	return func() bool { return len(r.Events()) == n }
}

func on(unit int32, start, length int32) action.Primitive {
	return action.NewAdd(timeline.KindOn, unit, start, length)
}

func TestReplicasConverge(t *testing.T) {
	url := startRelay(t)
	a := dial(t, url, "a")
	b := dial(t, url, "b")
	waitFor(t, "a to see b", func() bool { return len(a.Peers()) == 1 })

	if err := a.Edit([]action.Primitive{on(unitA, 0, 100)}); err != nil {
		t.Fatal(err)
	}
	if err := b.Edit([]action.Primitive{on(unitB, 480, 100)}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "a to converge", hasEvents(a, 2))
	waitFor(t, "b to converge", hasEvents(b, 2))

	if !reflect.DeepEqual(a.Events(), b.Events()) {
		t.Errorf("diverged:\n a %v\n b %v", a.Events(), b.Events())
	}
	want := []timeline.Event{
		{Clock: 0, Unit: 0, Kind: timeline.KindOn, Value: 100},
		{Clock: 480, Unit: 1, Kind: timeline.KindOn, Value: 100},
	}
	if got := a.Events(); !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestUndoRedoPropagates(t *testing.T) {
	url := startRelay(t)
	a := dial(t, url, "a")
	b := dial(t, url, "b")

	if err := a.Edit([]action.Primitive{on(unitA, 0, 100)}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "b to get the edit", hasEvents(b, 1))

	if err := a.Undo(); err != nil {
		t.Fatal(err)
	}
	if len(a.Events()) != 0 {
		t.Errorf("undo left %v", a.Events())
	}
	waitFor(t, "b to get the undo", hasEvents(b, 0))

	if err := a.Redo(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "b to get the redo", hasEvents(b, 1))
	if err := a.Redo(); !errors.Is(err, ErrEmptyStack) {
		t.Errorf("second redo: %v", err)
	}
}

func TestEditClearsRedo(t *testing.T) {
	url := startRelay(t)
	a := dial(t, url, "a")

	a.Edit([]action.Primitive{on(unitA, 0, 100)})
	a.Undo()
	a.Edit([]action.Primitive{on(unitA, 200, 100)})
	if err := a.Redo(); !errors.Is(err, ErrEmptyStack) {
		t.Errorf("redo after a new edit: %v", err)
	}
	if a.UndoLen() != 1 {
		t.Errorf("undo depth = %d", a.UndoLen())
	}
}

func TestLateReplicaCatchesUp(t *testing.T) {
	url := startRelay(t)
	a := dial(t, url, "a")
	var seen []int64
	for i := int32(0); i < 3; i++ {
		if err := a.Edit([]action.Primitive{on(unitA, i*480, 100)}); err != nil {
			t.Fatal(err)
		}
	}

	late := dial(t, url, "late")
	seenc := make(chan int64, 8)
	late.OnApplied(func(origin int64, _ []action.Primitive, _ bool) { seenc <- origin })
	waitFor(t, "late replica to replay history", hasEvents(late, 3))
	if !reflect.DeepEqual(late.Events(), a.Events()) {
		t.Errorf("late replica has %v, want %v", late.Events(), a.Events())
	}

	a.Edit([]action.Primitive{on(unitA, 3*480, 100)})
	waitFor(t, "live edit", hasEvents(late, 4))
	for len(seenc) > 0 {
		seen = append(seen, <-seenc)
	}
	for _, origin := range seen {
		if origin != a.Uid() {
			t.Errorf("applied batch from %d, want %d", origin, a.Uid())
		}
	}
}

func TestEditRejectsOverlap(t *testing.T) {
	url := startRelay(t)
	a := dial(t, url, "a")

	err := a.Edit([]action.Primitive{on(unitA, 0, 100), on(unitA, 50, 100)})
	if !errors.Is(err, action.ErrOverlappingBatch) {
		t.Errorf("err = %v", err)
	}
	if len(a.Events()) != 0 || a.UndoLen() != 0 {
		t.Errorf("rejected batch was applied")
	}
}

func TestWidthGrowsWithEdit(t *testing.T) {
	url := startRelay(t)
	a := dial(t, url, "a")
	b := dial(t, url, "b")

	grown := make(chan bool, 1)
	b.OnApplied(func(_ int64, _ []action.Primitive, widthChanged bool) {
		if widthChanged {
			grown <- true
		}
	})
	clockPerMeas := timeline.DefaultMaster.BeatClock * timeline.DefaultMaster.BeatNum
	a.Edit([]action.Primitive{on(unitA, 2*clockPerMeas, 10)})
	if a.MeasNum() != 3 {
		t.Errorf("measures = %d, want 3", a.MeasNum())
	}
	select {
	case <-grown:
	case <-time.After(2 * time.Second):
		t.Fatal("b never saw the width change")
	}
	if b.MeasNum() != 3 {
		t.Errorf("b measures = %d", b.MeasNum())
	}
}

func TestCopyPasteAcrossReplicas(t *testing.T) {
	url := startRelay(t)
	a := dial(t, url, "a")
	b := dial(t, url, "b")
	cb := clipboard.New(clipboard.NewMemoryTransport(), nil)

	a.Edit([]action.Primitive{on(unitA, 0, 100)})
	if err := a.Copy(context.Background(), cb, []int{0}, timeline.Interval{Start: 0, End: 480}); err != nil {
		t.Fatal(err)
	}
	length, err := a.Paste(context.Background(), cb, []int{1}, 480)
	if err != nil {
		t.Fatal(err)
	}
	if length != 480 {
		t.Errorf("pasted length = %d", length)
	}
	waitFor(t, "b to get the paste", hasEvents(b, 2))
	if got := b.Events()[1]; got != (timeline.Event{Clock: 480, Unit: 1, Kind: timeline.KindOn, Value: 100}) {
		t.Errorf("pasted event = %v", got)
	}

	if err := a.Clear(cb, []int{0, 1}, timeline.Interval{Start: 0, End: 960}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "b to get the clear", hasEvents(b, 0))
}

func TestPresenceReachesPeer(t *testing.T) {
	url := startRelay(t)
	a := dial(t, url, "a")
	b := dial(t, url, "b")
	waitFor(t, "a to see b", func() bool { return len(a.Peers()) == 1 })

	p := common.PresencePing{Clock: 960, Unit: unitA, Kind: timeline.KindOn}
	if err := a.SendPresence(p); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "cursor", func() bool {
		got, ok := b.Cursor(a.Uid())
		return ok && got == p
	})
}

func eventsEqual(r *Replica, want []timeline.Event) func() bool {
	return func() bool { return reflect.DeepEqual(r.Events(), want) }
}

func TestRedoAfterSplitDelete(t *testing.T) {
	url := startRelay(t)
	a := dial(t, url, "a")
	b := dial(t, url, "b")

	whole := []timeline.Event{{Clock: 100, Unit: 0, Kind: timeline.KindOn, Value: 50}}
	split := []timeline.Event{
		{Clock: 100, Unit: 0, Kind: timeline.KindOn, Value: 20},
		{Clock: 140, Unit: 0, Kind: timeline.KindOn, Value: 10},
	}

	if err := a.Edit([]action.Primitive{on(unitA, 100, 50)}); err != nil {
		t.Fatal(err)
	}
	if err := a.Edit([]action.Primitive{action.NewDelete(timeline.KindOn, unitA, 120, 140)}); err != nil {
		t.Fatal(err)
	}
	if got := a.Events(); !reflect.DeepEqual(got, split) {
		t.Fatalf("after delete got %v, want %v", got, split)
	}

	if err := a.Undo(); err != nil {
		t.Fatal(err)
	}
	if got := a.Events(); !reflect.DeepEqual(got, whole) {
		t.Errorf("after undo got %v, want %v", got, whole)
	}

	if err := a.Redo(); err != nil {
		t.Fatal(err)
	}
	if got := a.Events(); !reflect.DeepEqual(got, split) {
		t.Errorf("after redo got %v, want %v", got, split)
	}
	waitFor(t, "b to get the redo", eventsEqual(b, split))

	if err := a.Undo(); err != nil {
		t.Fatal(err)
	}
	if got := a.Events(); !reflect.DeepEqual(got, whole) {
		t.Errorf("after second undo got %v, want %v", got, whole)
	}
	waitFor(t, "b to get the second undo", eventsEqual(b, whole))
}

func TestHandleToleratesSeqGaps(t *testing.T) {
	r := &Replica{
		tl:      timeline.NewEventList(timeline.DefaultMaster),
		units:   timeline.NewNoIdMap(unitA),
		peers:   make(map[int64]string),
		cursors: make(map[int64]common.PresencePing),
	}
	msgs := []common.Message{
		// seqs 0-2 were this replica's own batches
		{Type: common.Action, Uid: 1, Seq: 3, Actions: []action.Primitive{on(unitA, 0, 10)}},
		{Type: common.Action, Uid: 1, Seq: 1, Actions: []action.Primitive{on(unitA, 480, 10)}},
		{Type: common.Action, Uid: 1, Seq: 4, Actions: []action.Primitive{on(unitA, 960, 10)}},
	}
	for _, m := range msgs {
		if err := r.handle(m); err != nil {
			t.Fatal(err)
		}
	}

	want := []timeline.Event{
		{Clock: 0, Unit: 0, Kind: timeline.KindOn, Value: 10},
		{Clock: 960, Unit: 0, Kind: timeline.KindOn, Value: 10},
	}
	if got := r.Events(); !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if r.nextSeq != 5 {
		t.Errorf("nextSeq = %d", r.nextSeq)
	}
}
