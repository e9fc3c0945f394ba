// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package compat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
)

// statePrefix namespaces compatibility records inside the database.
const statePrefix = "compat/state/"

// BadgerConfig configures a BadgerStateStore.
type BadgerConfig struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string

	// InMemory keeps the database in memory (tests).
	InMemory bool

	// Logger receives badger's internal log lines. Nil silences them.
	Logger *slog.Logger
}

// BadgerStateStore persists compatibility state in an embedded badger
// database. It suits machines that share one state directory between
// several tools, where a single YAML file would be rewritten concurrently.
type BadgerStateStore struct {
	db *badger.DB
}

// badgerLogger adapts slog to badger's logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// OpenBadgerStateStore opens or creates the database.
func OpenBadgerStateStore(cfg BadgerConfig) (*BadgerStateStore, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("badger state store: path is required")
		}
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create state database directory: %w", err)
		}
		opts = badger.DefaultOptions(cfg.Path).WithSyncWrites(true)
	}
	opts = opts.WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}
	return &BadgerStateStore{db: db}, nil
}

// Close closes the database.
func (s *BadgerStateStore) Close() error {
	return s.db.Close()
}

// Get implements StateStore.
func (s *BadgerStateStore) Get(ctx context.Context, issueID string) (*State, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var st *State
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(statePrefix + issueID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var decoded State
			if err := json.Unmarshal(val, &decoded); err != nil {
				return fmt.Errorf("decode state %s: %w", issueID, err)
			}
			st = &decoded
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

// Put implements StateStore.
func (s *BadgerStateStore) Put(ctx context.Context, st State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode state %s: %w", st.IssueID, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(statePrefix+st.IssueID), data)
	})
}

// List implements StateStore.
func (s *BadgerStateStore) List(ctx context.Context) ([]State, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []State
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(statePrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var st State
				if err := json.Unmarshal(val, &st); err != nil {
					return err
				}
				out = append(out, st)
				return nil
			})
			if err != nil {
				return fmt.Errorf("decode state: %w", err)
			}
		}
		return nil
	})
	return out, err
}

var _ StateStore = (*BadgerStateStore)(nil)
