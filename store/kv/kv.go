// Package kv provides a goleveldb-backed persisted key-value tier for
// high-churn counters that don't need the relational Store's transactional
// joins: per-peer rate-limit buckets (handshake replay state is kept in
// memory by identity's replay guard, not here). Mirroring
// these in the relational store would mean a write on every gossip tick;
// a dedicated embedded KV store is the same trade-off the teacher makes
// between its relational core state and its peerstore.
package kv

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/errors"
)

// Store wraps a goleveldb database with typed JSON get/put helpers.
type Store struct {
	mu sync.Mutex
	db *leveldb.DB
}

// Open creates or opens a leveldb database at path.
func Open(path string) (*Store, error) {
	db, err := leveldb.OpenFile(filepath.Clean(path), nil)
	if err != nil {
		return nil, fmt.Errorf("kv: open %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// PutJSON serializes v and writes it under key.
func (s *Store) PutJSON(key string, v any) error {
	blob, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("kv: marshal %s: %w", key, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return fmt.Errorf("kv: store closed")
	}
	return s.db.Put([]byte(key), blob, nil)
}

// GetJSON looks up key and decodes it into v. It returns (false, nil) if the
// key is absent rather than an error, since "not yet seen" is the normal
// first-touch case for every counter this store holds.
func (s *Store) GetJSON(key string, v any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return false, fmt.Errorf("kv: store closed")
	}
	blob, err := s.db.Get([]byte(key), nil)
	if err != nil {
		if errors.IsCorrupted(err) {
			return false, fmt.Errorf("kv: corrupted entry %s: %w", key, err)
		}
		if err == leveldb.ErrNotFound {
			return false, nil
		}
		return false, fmt.Errorf("kv: get %s: %w", key, err)
	}
	if err := json.Unmarshal(blob, v); err != nil {
		return false, fmt.Errorf("kv: decode %s: %w", key, err)
	}
	return true, nil
}

// Delete removes key if present.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return fmt.Errorf("kv: store closed")
	}
	return s.db.Delete([]byte(key), nil)
}

// IteratePrefix invokes fn for every key under prefix, stopping early if fn
// returns false.
func (s *Store) IteratePrefix(prefix string, fn func(key string, value []byte) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return fmt.Errorf("kv: store closed")
	}
	iter := s.db.NewIterator(nil, nil)
	defer iter.Release()
	for iter.Next() {
		key := string(iter.Key())
		if len(key) < len(prefix) || key[:len(prefix)] != prefix {
			continue
		}
		if !fn(key, iter.Value()) {
			break
		}
	}
	return iter.Error()
}
