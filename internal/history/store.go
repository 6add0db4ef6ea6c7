// Package history persists the relay's append-only log of server actions so
// a restarted relay can keep replaying it to newcomers.
package history

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ilnaes/ptseq/internal/common"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("ptseq.history")

var ErrUnknownBackend = errors.New("history: unknown backend")

type Store interface {
	// Append persists a; entries arrive in seq order.
	Append(ctx context.Context, a common.ServerAction) error
	// Load returns every stored entry ordered by seq.
	Load(ctx context.Context) ([]common.ServerAction, error)
	Close() error
}

type Options struct {
	Backend       string // "memory", "bolt" or "mongo"
	BoltPath      string
	MongoURI      string
	MongoDatabase string
}

func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Backend {
	case "", "memory":
		return NewMemoryStore(), nil
	case "bolt":
		return OpenBolt(opts.BoltPath)
	case "mongo":
		return OpenMongo(ctx, opts.MongoURI, opts.MongoDatabase)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, opts.Backend)
	}
}

type MemoryStore struct {
	log []common.ServerAction
	mu  sync.Mutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(_ context.Context, a common.ServerAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log = append(s.log, a)
	return nil
}

func (s *MemoryStore) Load(_ context.Context) ([]common.ServerAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]common.ServerAction{}, s.log...), nil
}

func (s *MemoryStore) Close() error {
	return nil
}
