// Package store persists conversations between runs. Keys carry a schema
// version prefix so a future layout change can migrate instead of clobber.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/eind-chat/eind-core/internal/identity"
	"github.com/eind-chat/eind-core/internal/router"
)

const (
	convPrefix = "v1:conv:"
	metaPrefix = "v1:meta:"

	selfKey = metaPrefix + "self"

	gcInterval     = 5 * time.Minute
	gcDiscardRatio = 0.5
)

// Store wraps a badger database with conversation-shaped accessors.
type Store struct {
	db  *badger.DB
	log *zap.Logger
}

// Open creates or opens the database at dir. An empty dir opens an
// in-memory database, used by tests.
func Open(dir string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}

	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open conversation store: %w", err)
	}
	return &Store{db: db, log: log}, nil
}

// Close flushes and closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveConversation writes one conversation record.
func (s *Store) SaveConversation(c router.Conversation) error {
	data, err := jsoniter.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode conversation %s: %w", c.ID, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(convKey(c.ID), data)
	})
}

// LoadConversations scans every stored conversation, most recent activity
// first.
func (s *Store) LoadConversations() ([]router.Conversation, error) {
	var out []router.Conversation
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(convPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var c router.Conversation
				if err := jsoniter.Unmarshal(val, &c); err != nil {
					return fmt.Errorf("decode conversation %s: %w", it.Item().Key(), err)
				}
				out = append(out, c)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivityAt.After(out[j].LastActivityAt)
	})
	return out, nil
}

// DeleteConversation removes one conversation. Deleting a missing id is
// not an error.
func (s *Store) DeleteConversation(id router.ConvID) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(convKey(id))
	})
}

// SaveSelf records the logged-in identity so a restart can tell whether
// the store belongs to the current login.
func (s *Store) SaveSelf(id identity.ID) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(selfKey), []byte(id))
	})
}

// Self returns the identity the store was last used by, or empty.
func (s *Store) Self() (identity.ID, error) {
	var id identity.ID
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(selfKey))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		return item.Value(func(val []byte) error {
			id = identity.ID(val)
			return nil
		})
	})
	return id, err
}

// Wipe drops every conversation. Used when a different identity logs in on
// the same store.
func (s *Store) Wipe() error {
	return s.db.DropPrefix([]byte(convPrefix))
}

// RunGC reclaims value-log space until the context is cancelled. Badger
// returns an error when a GC cycle reclaims nothing, which ends that round.
func (s *Store) RunGC(ctx context.Context) {
	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				if err := s.db.RunValueLogGC(gcDiscardRatio); err != nil {
					break
				}
				s.log.Debug("store gc reclaimed space")
			}
		}
	}
}

func convKey(id router.ConvID) []byte {
	return []byte(convPrefix + string(id))
}
