package common

import (
	"github.com/ilnaes/ptseq/internal/action"
	"github.com/ilnaes/ptseq/internal/timeline"
)

type MsgType string

const (
	Join          MsgType = "Join"          // client -> relay, first message
	Hello         MsgType = "Hello"         // relay -> client, after Join
	SessionJoined MsgType = "SessionJoined" // relay -> others
	SessionLeft   MsgType = "SessionLeft"   // relay -> others
	Action        MsgType = "Action"        // both ways
	Presence      MsgType = "Presence"      // both ways, best effort only
	Error         MsgType = "Error"         // relay -> client, before close
)

// Message is the single envelope exchanged over the websocket. Which fields
// are set depends on Type.
type Message struct {
	Type MsgType `json:"type"`

	// Uid is the assigned id in Hello, the joining or leaving session in
	// SessionJoined/SessionLeft and the origin of an Action or Presence.
	Uid  int64  `json:"uid"`
	Name string `json:"name,omitempty"`

	// Seq is the position of an Action in the relay's history.
	Seq int64 `json:"seq"`

	Baseline []byte             `json:"baseline,omitempty"`
	Sessions []Session          `json:"sessions,omitempty"`
	Actions  []action.Primitive `json:"actions,omitempty"`
	Presence *PresencePing      `json:"presence,omitempty"`
	Err      string             `json:"err,omitempty"`
}

type Session struct {
	Uid  int64  `json:"uid"`
	Name string `json:"name"`
}

// ServerAction is one entry of the relay's history.
type ServerAction struct {
	Seq     int64              `json:"seq" bson:"seq"`
	Origin  int64              `json:"origin" bson:"origin"`
	Actions []action.Primitive `json:"actions" bson:"actions"`
}

func (a ServerAction) Message() Message {
	return Message{
		Type:    Action,
		Uid:     a.Origin,
		Seq:     a.Seq,
		Actions: a.Actions,
	}
}

// PresencePing is a live cursor position. Losing one is harmless; the next
// one replaces it.
type PresencePing struct {
	Clock int32         `json:"clock"`
	Unit  int32         `json:"unit"`
	Kind  timeline.Kind `json:"kind"`
}

func JoinMessage(name string) Message {
	return Message{Type: Join, Name: name}
}

func ActionMessage(actions []action.Primitive) Message {
	return Message{Type: Action, Actions: actions}
}

func PresenceMessage(p PresencePing) Message {
	return Message{Type: Presence, Presence: &p}
}
