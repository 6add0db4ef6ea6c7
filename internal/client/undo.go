package client

import (
	"errors"

	"github.com/ilnaes/ptseq/internal/action"
)

var ErrEmptyStack = errors.New("client: nothing to undo")

// Entry is one undoable edit: the batch as it was applied and the batch
// that reverts it.
type Entry struct {
	Forward []action.Primitive
	Undo    []action.Primitive
}

// UndoStack holds undo (or redo) entries, most recent last. A positive limit
// bounds it by discarding the oldest entry.
type UndoStack struct {
	entries []Entry
	limit   int
}

func NewUndoStack(limit int) *UndoStack {
	return &UndoStack{limit: limit}
}

func (s *UndoStack) Push(e Entry) {
	s.entries = append(s.entries, e)
	if s.limit > 0 && len(s.entries) > s.limit {
		s.entries = append(s.entries[:0], s.entries[len(s.entries)-s.limit:]...)
	}
}

func (s *UndoStack) Pop() (Entry, error) {
	if len(s.entries) == 0 {
		return Entry{}, ErrEmptyStack
	}
	e := s.entries[len(s.entries)-1]
	s.entries[len(s.entries)-1] = Entry{}
	s.entries = s.entries[:len(s.entries)-1]
	return e, nil
}

func (s *UndoStack) Len() int {
	return len(s.entries)
}

func (s *UndoStack) Clear() {
	s.entries = nil
}
