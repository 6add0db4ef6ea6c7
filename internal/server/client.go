package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ilnaes/ptseq/internal/action"
	"github.com/ilnaes/ptseq/internal/common"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 4 << 20
	maxNameLength  = 64
)

var ErrMalformed = errors.New("relay: malformed message")

type State int

const (
	Connecting State = iota
	Active
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Active:
		return "active"
	default:
		return "closed"
	}
}

// Client is the relay's end of one connection. uid, name, state and send are
// owned by the server loop once the client has registered.
type Client struct {
	s      *Server
	conn   *websocket.Conn
	handle string // for logs only

	uid   int64
	name  string
	state State
	send  chan []byte
}

// decode parses one frame from a client and rejects anything a well behaved
// client wouldn't send.
func decode(data []byte) (common.Message, error) {
	var m common.Message
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch m.Type {
	case common.Join:
		if len(m.Name) > maxNameLength {
			return m, fmt.Errorf("%w: name too long", ErrMalformed)
		}
	case common.Action:
		for _, a := range m.Actions {
			if a.Type > action.Delete || !a.Kind.Valid() {
				return m, fmt.Errorf("%w: bad primitive %s", ErrMalformed, a)
			}
		}
	case common.Presence:
		if m.Presence == nil {
			return m, fmt.Errorf("%w: empty presence", ErrMalformed)
		}
	default:
		return m, fmt.Errorf("%w: unexpected type %q", ErrMalformed, m.Type)
	}
	return m, nil
}

func (c *Client) fail(err error) {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteJSON(common.Message{Type: common.Error, Err: err.Error()})
	c.conn.Close()
}

// readPump waits for Join, registers the client and then forwards its
// frames to the server loop in the order they arrive.
func (c *Client) readPump() {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	_, data, err := c.conn.ReadMessage()
	if err != nil {
		log.Debugf("%s: closed before joining: %v", c.handle, err)
		c.conn.Close()
		return
	}
	m, err := decode(data)
	if err == nil && m.Type != common.Join {
		err = fmt.Errorf("%w: expected %s, got %s", ErrMalformed, common.Join, m.Type)
	}
	if err != nil {
		log.Warningf("%s: %v", c.handle, err)
		c.fail(err)
		return
	}
	c.name = m.Name

	select {
	case c.s.register <- c:
	case <-c.s.done:
		c.conn.Close()
		return
	}

	defer func() {
		select {
		case c.s.unregister <- c:
		case <-c.s.done:
		}
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Infof("%s: %v", c.handle, err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		m, err := decode(data)
		if err != nil {
			log.Warningf("%s: %v, closing", c.handle, err)
			return
		}

		var ch chan inbound
		switch m.Type {
		case common.Action:
			ch = c.s.actions
		case common.Presence:
			ch = c.s.presence
		default:
			log.Warningf("%s: %s after join, closing", c.handle, m.Type)
			return
		}
		select {
		case ch <- inbound{c: c, msg: m}:
		case <-c.s.done:
			return
		}
	}
}

// writePump drains send onto the connection. It is started by the server
// loop once send holds the preamble.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debugf("%s: write: %v", c.handle, err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
