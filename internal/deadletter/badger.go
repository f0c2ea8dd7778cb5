// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

const (
	badgerEntryPrefix = "dl:"
	badgerTimePrefix  = "dlt:"
)

// BadgerStore keeps entries in an embedded badger database. Entries live
// under "dl:<id>"; a time index "dlt:<failedAt>:<id>" orders listings.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadger opens the store at dir. An empty dir opens an in-memory store.
func OpenBadger(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("deadletter: open badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Name() string { return "badger" }

func (s *BadgerStore) Close() error { return s.db.Close() }

func timeKey(e Entry) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", badgerTimePrefix, e.FailedAt.UnixNano(), e.ID))
}

func (s *BadgerStore) Write(_ context.Context, e Entry) error {
	buf, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("deadletter: encode %s: %w", e.ID, err)
	}
	key := []byte(badgerEntryPrefix + e.ID)
	return s.db.Update(func(txn *badger.Txn) error {
		if item, err := txn.Get(key); err == nil {
			var prev Entry
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &prev) }); err == nil {
				if err := txn.Delete(timeKey(prev)); err != nil {
					return err
				}
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(key, buf); err != nil {
			return err
		}
		return txn.Set(timeKey(e), []byte(e.ID))
	})
}

func (s *BadgerStore) List(_ context.Context, limit int) ([]Entry, error) {
	limit = clampLimit(limit)
	var out []Entry
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(badgerTimePrefix)
		// Reverse iteration seeks from the largest key with this prefix.
		seek := append(append([]byte{}, prefix...), 0xFF)
		for it.Seek(seek); it.ValidForPrefix(prefix) && len(out) < limit; it.Next() {
			id, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			e, err := getEntry(txn, string(id))
			if err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

func (s *BadgerStore) Get(_ context.Context, id string) (Entry, error) {
	var e Entry
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		e, err = getEntry(txn, id)
		return err
	})
	return e, err
}

func getEntry(txn *badger.Txn, id string) (Entry, error) {
	var e Entry
	item, err := txn.Get([]byte(badgerEntryPrefix + id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	err = item.Value(func(val []byte) error { return json.Unmarshal(val, &e) })
	return e, err
}
