package history

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/ilnaes/ptseq/internal/common"
	bolt "go.etcd.io/bbolt"
)

var historyBucket = []byte("history")

// BoltStore keeps the history in a local bbolt file, keyed by big endian seq
// so a cursor walks it in order.
type BoltStore struct {
	db *bolt.DB
}

func OpenBolt(path string) (*BoltStore, error) {
	if path == "" {
		return nil, fmt.Errorf("history: bolt backend needs a path")
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(historyBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	log.Infof("history in %s", path)
	return &BoltStore{db: db}, nil
}

func seqKey(seq int64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(seq))
	return k
}

func (s *BoltStore) Append(_ context.Context, a common.ServerAction) error {
	v, err := a.MarshalBinary()
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(historyBucket).Put(seqKey(a.Seq), v)
	})
}

func (s *BoltStore) Load(_ context.Context) ([]common.ServerAction, error) {
	var res []common.ServerAction
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(historyBucket).ForEach(func(k, v []byte) error {
			var a common.ServerAction
			if err := a.UnmarshalBinary(v); err != nil {
				return fmt.Errorf("entry %x: %w", k, err)
			}
			res = append(res, a)
			return nil
		})
	})
	return res, err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
