// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/benchgate/services/gate"
	gbadger "github.com/AleutianAI/benchgate/services/gate/storage/badger"
)

const badgerKeyPrefix = "snapshot/"

// BadgerStore persists snapshots in BadgerDB under "snapshot/<scope>/<name>".
//
// Each Put is a single transaction, which gives the replace-atomically
// guarantee for free.
type BadgerStore struct {
	db *gbadger.DB
}

// OpenBadgerStore opens (or creates) the database described by cfg.
func OpenBadgerStore(cfg gbadger.Config) (*BadgerStore, error) {
	db, err := gbadger.Open(cfg)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db}, nil
}

func badgerKey(scope gate.Scope, name string) []byte {
	return []byte(badgerKeyPrefix + string(scope) + "/" + name)
}

// Put implements Store.
func (b *BadgerStore) Put(ctx context.Context, s *Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal snapshot %s: %w", s.Ref(), err)
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerKey(s.Scope, s.Name), data)
	})
	if err != nil {
		return fmt.Errorf("put snapshot %s: %w", s.Ref(), err)
	}
	return nil
}

// Get implements Store.
func (b *BadgerStore) Get(ctx context.Context, scope gate.Scope, name string) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var s Snapshot
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(scope, name))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &s)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%s/%s: %w", scope, name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot %s/%s: %w", scope, name, err)
	}
	return &s, nil
}

// List implements Store.
func (b *BadgerStore) List(ctx context.Context, prefix string) ([]Ref, error) {
	var refs []Ref
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(badgerKeyPrefix + prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			key := strings.TrimPrefix(string(it.Item().Key()), badgerKeyPrefix)
			if ref, ok := splitRef(key); ok {
				refs = append(refs, ref)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	sortRefs(refs)
	return refs, nil
}

// DeleteScope implements Store.
func (b *BadgerStore) DeleteScope(ctx context.Context, scope gate.Scope) (int, error) {
	prefix := []byte(badgerKeyPrefix + string(scope) + "/")
	n := 0
	err := b.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)

		var keys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().KeyCopy(nil)
			// Names never contain '/', so deeper keys belong to another scope.
			if strings.Contains(string(key[len(prefix):]), "/") {
				continue
			}
			keys = append(keys, key)
		}
		it.Close()

		for _, k := range keys {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		n = len(keys)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("delete scope %s: %w", scope, err)
	}
	return n, nil
}

// Close implements Store.
func (b *BadgerStore) Close() error {
	return b.db.Close()
}
