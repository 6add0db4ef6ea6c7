package server

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/ilnaes/ptseq/internal/common"
	"github.com/ilnaes/ptseq/internal/history"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("ptseq.relay")

const (
	sendQueueSize    = 256
	persistQueueSize = 1024
	storeTimeout     = 5 * time.Second
)

type Config struct {
	// Delay and DropRate only apply to presence pings.
	Delay    time.Duration
	DropRate float64
	// Rand drives the drop decisions; nil seeds one from the clock.
	Rand *rand.Rand
	// SendQueue is how many messages a session may fall behind before it is
	// dropped; zero means 256.
	SendQueue int
}

type Stats struct {
	Sessions int `json:"sessions"`
	History  int `json:"history"`
}

type inbound struct {
	c   *Client
	msg common.Message
}

type delivery struct {
	c    *Client
	data []byte
}

// Server is the relay. All of its state is owned by the goroutine in Run;
// connection goroutines only talk to it over channels, so history order is
// the order in which Run receives actions.
type Server struct {
	baseline []byte
	history  []common.ServerAction
	store    history.Store
	sessions map[int64]*Client
	nextUid  int64
	cfg      Config
	rng      *rand.Rand

	register   chan *Client
	unregister chan *Client
	actions    chan inbound
	presence   chan inbound
	deliver    chan delivery
	stats      chan chan Stats
	persist    chan common.ServerAction
	done       chan struct{}
}

// NewServer creates a relay serving baseline as the document every history
// entry applies on top of. Entries already in store are replayed to
// newcomers as well.
func NewServer(ctx context.Context, baseline []byte, store history.Store, cfg Config) (*Server, error) {
	if cfg.DropRate < 0 || cfg.DropRate > 1 {
		return nil, fmt.Errorf("relay: drop rate %v out of [0, 1]", cfg.DropRate)
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = sendQueueSize
	}
	if store == nil {
		store = history.NewMemoryStore()
	}
	prior, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	for i, a := range prior {
		if a.Seq != int64(i) {
			return nil, fmt.Errorf("history entry %d has seq %d", i, a.Seq)
		}
	}
	if len(prior) > 0 {
		log.Infof("resuming with %d history entries", len(prior))
	}

	rng := cfg.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Server{
		baseline:   baseline,
		history:    prior,
		store:      store,
		sessions:   make(map[int64]*Client),
		cfg:        cfg,
		rng:        rng,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		actions:    make(chan inbound),
		presence:   make(chan inbound),
		deliver:    make(chan delivery),
		stats:      make(chan chan Stats),
		persist:    make(chan common.ServerAction, persistQueueSize),
		done:       make(chan struct{}),
	}, nil
}

// Run processes connection events one at a time until ctx is done, then
// closes every session. Entries still waiting to be persisted are written
// before Run returns.
func (s *Server) Run(ctx context.Context) {
	persisted := make(chan struct{})
	go s.persistLoop(persisted)
	defer func() {
		close(s.persist)
		<-persisted
		close(s.done)
	}()
	for {
		select {
		case <-ctx.Done():
			for _, c := range s.sessions {
				s.close(c)
			}
			log.Info("relay stopped")
			return
		case c := <-s.register:
			s.activate(c)
		case c := <-s.unregister:
			s.drop(c)
		case in := <-s.actions:
			s.handleAction(in)
		case in := <-s.presence:
			s.handlePresence(in)
		case d := <-s.deliver:
			if d.c.state == Active {
				s.enqueueUnreliable(d.c, d.data)
			}
		case reply := <-s.stats:
			reply <- Stats{Sessions: len(s.sessions), History: len(s.history)}
		}
	}
}

// Stats asks the loop for a snapshot of its counters.
func (s *Server) Stats(ctx context.Context) (Stats, error) {
	reply := make(chan Stats, 1)
	select {
	case s.stats <- reply:
	case <-s.done:
		return Stats{}, fmt.Errorf("relay stopped")
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
	return <-reply, nil
}

func (s *Server) activeSessions() []common.Session {
	res := make([]common.Session, 0, len(s.sessions))
	for _, c := range s.sessions {
		res = append(res, common.Session{Uid: c.uid, Name: c.name})
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Uid < res[j].Uid })
	return res
}

// activate assigns c an id and queues the baseline and the whole history
// ahead of anything live, then announces c to everyone else.
func (s *Server) activate(c *Client) {
	c.uid = s.nextUid
	s.nextUid++

	preamble := make([][]byte, 0, len(s.history)+1)
	hello, err := json.Marshal(common.Message{
		Type:     common.Hello,
		Uid:      c.uid,
		Baseline: s.baseline,
		Sessions: s.activeSessions(),
	})
	if err != nil {
		log.Errorf("encode hello: %v", err)
		c.conn.Close()
		return
	}
	preamble = append(preamble, hello)
	for _, a := range s.history {
		data, err := json.Marshal(a.Message())
		if err != nil {
			log.Errorf("encode history %d: %v", a.Seq, err)
			c.conn.Close()
			return
		}
		preamble = append(preamble, data)
	}

	c.send = make(chan []byte, len(preamble)+s.cfg.SendQueue)
	for _, data := range preamble {
		c.send <- data
	}
	c.state = Active
	go c.writePump()

	s.broadcast(common.Message{Type: common.SessionJoined, Uid: c.uid, Name: c.name}, c.uid)
	s.sessions[c.uid] = c
	log.Infof("session %d (%s, %s) joined, replayed %d actions", c.uid, c.name, c.handle, len(s.history))
}

// drop tears a session down and tells the rest. Safe to call more than once.
func (s *Server) drop(c *Client) {
	switch c.state {
	case Closed:
		return
	case Connecting:
		c.state = Closed
		c.conn.Close()
		return
	}
	s.close(c)
	delete(s.sessions, c.uid)
	log.Infof("session %d (%s) left", c.uid, c.name)
	s.broadcast(common.Message{Type: common.SessionLeft, Uid: c.uid}, c.uid)
}

func (s *Server) close(c *Client) {
	if c.state == Active {
		close(c.send)
	}
	c.state = Closed
}

func (s *Server) handleAction(in inbound) {
	c := in.c
	if c.state != Active {
		return
	}
	a := common.ServerAction{
		Seq:     int64(len(s.history)),
		Origin:  c.uid,
		Actions: in.msg.Actions,
	}
	s.history = append(s.history, a)

	select {
	case s.persist <- a:
	default:
		// replicas only depend on the in-memory order; a restart loses the
		// entry but live sessions stay consistent
		log.Errorf("persist queue full, action %d not stored", a.Seq)
	}
	s.broadcast(a.Message(), c.uid)
}

// persistLoop writes history entries to the store in seq order, off the
// event loop so a slow store doesn't hold up live sessions.
func (s *Server) persistLoop(finished chan<- struct{}) {
	defer close(finished)
	for a := range s.persist {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		if err := s.store.Append(ctx, a); err != nil {
			log.Errorf("persist action %d: %v", a.Seq, err)
		}
		cancel()
	}
}

// broadcast sends m on the reliable channel to every active session except
// skip. A session that can't keep up is dropped rather than missing a
// message.
func (s *Server) broadcast(m common.Message, skip int64) {
	data, err := json.Marshal(m)
	if err != nil {
		log.Errorf("encode %s: %v", m.Type, err)
		return
	}
	for uid, c := range s.sessions {
		if uid == skip {
			continue
		}
		select {
		case c.send <- data:
		default:
			log.Warningf("session %d outbound queue full, dropping it", uid)
			s.drop(c)
		}
	}
}

func (s *Server) handlePresence(in inbound) {
	c := in.c
	if c.state != Active || in.msg.Presence == nil {
		return
	}
	data, err := json.Marshal(common.Message{Type: common.Presence, Uid: c.uid, Presence: in.msg.Presence})
	if err != nil {
		return
	}
	for uid, target := range s.sessions {
		if uid == c.uid {
			continue
		}
		if s.cfg.DropRate > 0 && s.rng.Float64() < s.cfg.DropRate {
			continue
		}
		if s.cfg.Delay <= 0 {
			s.enqueueUnreliable(target, data)
			continue
		}
		target := target
		time.AfterFunc(s.cfg.Delay, func() {
			select {
			case s.deliver <- delivery{c: target, data: data}:
			case <-s.done:
			}
		})
	}
}

// enqueueUnreliable never blocks and never drops the session.
func (s *Server) enqueueUnreliable(c *Client, data []byte) {
	select {
	case c.send <- data:
	default:
	}
}
