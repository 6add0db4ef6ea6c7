package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ilnaes/ptseq/internal/action"
	"github.com/ilnaes/ptseq/internal/common"
	"github.com/ilnaes/ptseq/internal/history"
	"github.com/ilnaes/ptseq/internal/timeline"
)

var baseline = []byte("baseline document")

type relay struct {
	s   *Server
	ts  *httptest.Server
	url string
}

func startRelay(t *testing.T, store history.Store, cfg Config) *relay {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	s, err := NewServer(ctx, baseline, store, cfg)
	if err != nil {
		t.Fatal(err)
	}
	go s.Run(ctx)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		cancel()
		ts.Close()
	})
	return &relay{s: s, ts: ts, url: "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"}
}

// join connects, sends Join and consumes the Hello.
func (r *relay) join(t *testing.T, name string) (*websocket.Conn, common.Message) {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(r.url, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := conn.WriteJSON(common.JoinMessage(name)); err != nil {
		t.Fatal(err)
	}
	hello := read(t, conn)
	if hello.Type != common.Hello {
		t.Fatalf("%s: got %s, want Hello", name, hello.Type)
	}
	return conn, hello
}

func read(t *testing.T, conn *websocket.Conn) common.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var m common.Message
	if err := conn.ReadJSON(&m); err != nil {
		t.Fatalf("read: %v", err)
	}
	return m
}

func expect(t *testing.T, conn *websocket.Conn, typ common.MsgType) common.Message {
	t.Helper()
	m := read(t, conn)
	if m.Type != typ {
		t.Fatalf("got %s (%+v), want %s", m.Type, m, typ)
	}
	return m
}

func send(t *testing.T, conn *websocket.Conn, batch ...action.Primitive) {
	t.Helper()
	if err := conn.WriteJSON(common.ActionMessage(batch)); err != nil {
		t.Fatal(err)
	}
}

func add(start int32) action.Primitive {
	return action.NewAdd(timeline.KindOn, 1, start, 10)
}

func TestHello(t *testing.T) {
	r := startRelay(t, nil, Config{})
	a, helloA := r.join(t, "alice")
	_, helloB := r.join(t, "bob")

	if !reflect.DeepEqual(helloA.Baseline, baseline) {
		t.Errorf("baseline = %q", helloA.Baseline)
	}
	if len(helloA.Sessions) != 0 {
		t.Errorf("first session saw peers %v", helloA.Sessions)
	}
	want := []common.Session{{Uid: helloA.Uid, Name: "alice"}}
	if !reflect.DeepEqual(helloB.Sessions, want) {
		t.Errorf("sessions = %v, want %v", helloB.Sessions, want)
	}
	if helloA.Uid == helloB.Uid {
		t.Errorf("both sessions got uid %d", helloA.Uid)
	}

	joined := expect(t, a, common.SessionJoined)
	if joined.Uid != helloB.Uid || joined.Name != "bob" {
		t.Errorf("joined = %+v", joined)
	}
}

func TestOrderingNoEcho(t *testing.T) {
	r := startRelay(t, nil, Config{})
	a, _ := r.join(t, "a")
	b, _ := r.join(t, "b")
	c, _ := r.join(t, "c")
	expect(t, a, common.SessionJoined)
	expect(t, a, common.SessionJoined)
	expect(t, b, common.SessionJoined)

	x := add(0)
	y := add(100)
	send(t, a, x)
	send(t, c, y)

	first := expect(t, b, common.Action)
	second := expect(t, b, common.Action)
	if first.Seq >= second.Seq {
		t.Errorf("b saw seq %d before %d", first.Seq, second.Seq)
	}
	seqs := map[action.Primitive]int64{
		first.Actions[0]:  first.Seq,
		second.Actions[0]: second.Seq,
	}
	if len(seqs) != 2 {
		t.Fatalf("b got %v and %v", first.Actions, second.Actions)
	}

	gotX := expect(t, c, common.Action)
	if gotX.Actions[0] != x || gotX.Seq != seqs[x] {
		t.Errorf("c got %+v, want x at seq %d", gotX, seqs[x])
	}
	gotY := expect(t, a, common.Action)
	if gotY.Actions[0] != y || gotY.Seq != seqs[y] {
		t.Errorf("a got %+v, want y at seq %d", gotY, seqs[y])
	}

	// a marker from b must be the very next thing a and c see, so neither
	// had its own batch echoed back
	z := add(200)
	send(t, b, z)
	for name, conn := range map[string]*websocket.Conn{"a": a, "c": c} {
		m := expect(t, conn, common.Action)
		if m.Actions[0] != z || m.Seq != 2 {
			t.Errorf("%s got %+v, want z at seq 2", name, m)
		}
	}
	w := add(300)
	send(t, a, w)
	if m := expect(t, b, common.Action); m.Actions[0] != w {
		t.Errorf("b got %+v, want w", m)
	}
}

func TestLateJoinCatchUp(t *testing.T) {
	r := startRelay(t, nil, Config{})
	a, helloA := r.join(t, "a")
	b, _ := r.join(t, "b")
	expect(t, a, common.SessionJoined)

	for i := 0; i < 5; i++ {
		send(t, a, add(int32(i*100)))
	}
	for i := 0; i < 5; i++ {
		expect(t, b, common.Action)
	}

	d, hello := r.join(t, "d")
	if !reflect.DeepEqual(hello.Baseline, baseline) {
		t.Errorf("baseline = %q", hello.Baseline)
	}
	send(t, a, add(1000))

	for i := 0; i < 5; i++ {
		m := expect(t, d, common.Action)
		if m.Seq != int64(i) || m.Uid != helloA.Uid || m.Actions[0] != add(int32(i*100)) {
			t.Errorf("replay %d = %+v", i, m)
		}
	}
	if m := expect(t, d, common.Action); m.Seq != 5 || m.Actions[0] != add(1000) {
		t.Errorf("live action = %+v", m)
	}
}

func TestDisconnectBroadcastsLeft(t *testing.T) {
	r := startRelay(t, nil, Config{})
	a, _ := r.join(t, "a")
	b, helloB := r.join(t, "b")
	expect(t, a, common.SessionJoined)

	b.Close()
	left := expect(t, a, common.SessionLeft)
	if left.Uid != helloB.Uid {
		t.Errorf("left uid = %d, want %d", left.Uid, helloB.Uid)
	}

	_, helloC := r.join(t, "c")
	if len(helloC.Sessions) != 1 || helloC.Sessions[0].Name != "a" {
		t.Errorf("sessions after leave = %v", helloC.Sessions)
	}
}

func TestMalformedClosesOnlyThatSession(t *testing.T) {
	r := startRelay(t, nil, Config{})
	a, _ := r.join(t, "a")
	bad, helloBad := r.join(t, "bad")
	expect(t, a, common.SessionJoined)

	if err := bad.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	left := expect(t, a, common.SessionLeft)
	if left.Uid != helloBad.Uid {
		t.Errorf("left uid = %d", left.Uid)
	}

	send(t, a, add(0))
	c, _ := r.join(t, "c")
	if m := expect(t, c, common.Action); m.Seq != 0 {
		t.Errorf("history after malformed frame: %+v", m)
	}
}

func TestJoinRequired(t *testing.T) {
	r := startRelay(t, nil, Config{})
	conn, _, err := websocket.DefaultDialer.Dial(r.url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	send(t, conn, add(0))

	m := expect(t, conn, common.Error)
	if m.Err == "" {
		t.Errorf("error without text")
	}
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Errorf("connection still open")
	}
}

func TestBadPrimitiveRejected(t *testing.T) {
	r := startRelay(t, nil, Config{})
	a, _ := r.join(t, "a")
	bad, _ := r.join(t, "bad")
	expect(t, a, common.SessionJoined)

	frame, _ := json.Marshal(map[string]interface{}{
		"type":    "Action",
		"actions": []map[string]int{{"type": 7, "kind": 1, "unit": 1, "start": 0, "end_or_value": 1}},
	})
	bad.WriteMessage(websocket.TextMessage, frame)
	expect(t, a, common.SessionLeft)
}

func TestPresenceDelayed(t *testing.T) {
	r := startRelay(t, nil, Config{Delay: 20 * time.Millisecond})
	a, helloA := r.join(t, "a")
	b, _ := r.join(t, "b")
	expect(t, a, common.SessionJoined)

	start := time.Now()
	a.WriteJSON(common.PresenceMessage(common.PresencePing{Clock: 480, Unit: 1, Kind: timeline.KindOn}))
	m := expect(t, b, common.Presence)
	if m.Uid != helloA.Uid || m.Presence == nil || m.Presence.Clock != 480 {
		t.Errorf("presence = %+v", m)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Errorf("presence arrived before the configured delay")
	}
}

func TestPresenceDropped(t *testing.T) {
	r := startRelay(t, nil, Config{DropRate: 1})
	a, _ := r.join(t, "a")
	b, _ := r.join(t, "b")
	expect(t, a, common.SessionJoined)

	a.WriteJSON(common.PresenceMessage(common.PresencePing{Clock: 1}))
	send(t, a, add(0))
	if m := expect(t, b, common.Action); m.Seq != 0 {
		t.Errorf("got %+v", m)
	}
}

func TestResumeFromStore(t *testing.T) {
	store := history.NewMemoryStore()
	for i := 0; i < 2; i++ {
		store.Append(context.Background(), common.ServerAction{Seq: int64(i), Origin: 9, Actions: []action.Primitive{add(int32(i))}})
	}
	r := startRelay(t, store, Config{})
	a, _ := r.join(t, "a")
	expect(t, a, common.Action)
	expect(t, a, common.Action)

	send(t, a, add(50))
	b, _ := r.join(t, "b")
	for i := 0; i < 3; i++ {
		if m := expect(t, b, common.Action); m.Seq != int64(i) {
			t.Errorf("entry %d has seq %d", i, m.Seq)
		}
	}

	waitStored(t, store, 3)
}

func waitStored(t *testing.T, store history.Store, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		stored, err := store.Load(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if len(stored) == n {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("store holds %d entries, want %d", len(stored), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// slowStore holds every Append until release is closed.
type slowStore struct {
	*history.MemoryStore
	release chan struct{}
}

func (s *slowStore) Append(ctx context.Context, a common.ServerAction) error {
	select {
	case <-s.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.MemoryStore.Append(ctx, a)
}

func TestSlowStoreDoesNotStallRelay(t *testing.T) {
	store := &slowStore{MemoryStore: history.NewMemoryStore(), release: make(chan struct{})}
	r := startRelay(t, store, Config{})
	a, _ := r.join(t, "a")
	b, _ := r.join(t, "b")
	expect(t, a, common.SessionJoined)

	for i := 0; i < 3; i++ {
		send(t, a, add(int32(i*100)))
	}
	for i := 0; i < 3; i++ {
		if m := expect(t, b, common.Action); m.Seq != int64(i) {
			t.Errorf("action %d has seq %d", i, m.Seq)
		}
	}

	close(store.release)
	waitStored(t, store, 3)
	stored, _ := store.Load(context.Background())
	for i, e := range stored {
		if e.Seq != int64(i) {
			t.Errorf("stored entry %d has seq %d", i, e.Seq)
		}
	}
}

func TestOverflowDropsSession(t *testing.T) {
	r := startRelay(t, nil, Config{SendQueue: 1})
	a, _ := r.join(t, "a")
	// the stalled session never reads after its Hello
	_, helloStalled := r.join(t, "stalled")
	expect(t, a, common.SessionJoined)

	// large batches fill the socket buffers so the write pump blocks and the
	// queue behind it overflows
	big := make([]action.Primitive, 30000)
	for i := range big {
		big[i] = add(int32(i * 10))
	}
	for i := 0; i < 15; i++ {
		send(t, a, big...)
	}

	left := expect(t, a, common.SessionLeft)
	if left.Uid != helloStalled.Uid {
		t.Errorf("left uid = %d, want %d", left.Uid, helloStalled.Uid)
	}
	st, err := r.s.Stats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if st.Sessions != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestHealthz(t *testing.T) {
	r := startRelay(t, nil, Config{})
	r.join(t, "a")

	res, err := http.Get(r.ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	var st Stats
	if err := json.NewDecoder(res.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if st.Sessions != 1 || st.History != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestNewServerRejectsDropRate(t *testing.T) {
	if _, err := NewServer(context.Background(), nil, nil, Config{DropRate: 1.5}); err == nil {
		t.Errorf("drop rate 1.5 accepted")
	}
}
