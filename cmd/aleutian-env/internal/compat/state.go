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
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Status is the lifecycle of a known issue.
type Status string

const (
	// StatusActive means the recommended version is still required.
	StatusActive Status = "active"

	// StatusResolved means a probe showed the default version works.
	StatusResolved Status = "resolved"
)

// State is the persisted record for one rule.
type State struct {
	IssueID             string    `yaml:"issue_id" json:"issue_id"`
	Status              Status    `yaml:"status" json:"status"`
	LastCheckedAt       time.Time `yaml:"last_checked_at" json:"last_checked_at"`
	LastUpgradeTestedAt time.Time `yaml:"last_upgrade_tested_at" json:"last_upgrade_tested_at"`
	ChosenVersion       string    `yaml:"chosen_version" json:"chosen_version"`
}

// StateStore persists compatibility state between runs. It is injected
// into the Selector so tests never touch a real file.
type StateStore interface {
	// Get returns the state for issueID, or nil when none exists.
	Get(ctx context.Context, issueID string) (*State, error)

	// Put stores st, replacing any previous record for st.IssueID.
	Put(ctx context.Context, st State) error

	// List returns every stored state ordered by issue id.
	List(ctx context.Context) ([]State, error)
}

// =============================================================================
// File store
// =============================================================================

type stateFile struct {
	Version int     `yaml:"version"`
	Issues  []State `yaml:"issues"`
}

// FileStateStore keeps all states in one YAML file, rewritten atomically.
type FileStateStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStateStore creates a store backed by path.
func NewFileStateStore(path string) *FileStateStore {
	return &FileStateStore{path: path}
}

func (s *FileStateStore) load() (map[string]State, error) {
	out := make(map[string]State)
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return out, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read compatibility state: %w", err)
	}
	var f stateFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse compatibility state %s: %w", s.path, err)
	}
	for _, st := range f.Issues {
		out[st.IssueID] = st
	}
	return out, nil
}

// Get implements StateStore.
func (s *FileStateStore) Get(ctx context.Context, issueID string) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.load()
	if err != nil {
		return nil, err
	}
	st, ok := all[issueID]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

// Put implements StateStore.
func (s *FileStateStore) Put(ctx context.Context, st State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.load()
	if err != nil {
		return err
	}
	all[st.IssueID] = st

	f := stateFile{Version: 1, Issues: sortedStates(all)}
	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode compatibility state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0750); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0640); err != nil {
		return fmt.Errorf("write compatibility state: %w", err)
	}
	return os.Rename(tmp, s.path)
}

// List implements StateStore.
func (s *FileStateStore) List(ctx context.Context) ([]State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.load()
	if err != nil {
		return nil, err
	}
	return sortedStates(all), nil
}

func sortedStates(m map[string]State) []State {
	out := make([]State, 0, len(m))
	for _, st := range m {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssueID < out[j].IssueID })
	return out
}

var _ StateStore = (*FileStateStore)(nil)

// =============================================================================
// Memory store
// =============================================================================

// MemoryStateStore is an in-process StateStore for tests.
type MemoryStateStore struct {
	mu     sync.Mutex
	states map[string]State
}

// NewMemoryStateStore creates an empty store, optionally seeded.
func NewMemoryStateStore(seed ...State) *MemoryStateStore {
	m := &MemoryStateStore{states: make(map[string]State)}
	for _, st := range seed {
		m.states[st.IssueID] = st
	}
	return m
}

// Get implements StateStore.
func (m *MemoryStateStore) Get(_ context.Context, issueID string) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[issueID]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

// Put implements StateStore.
func (m *MemoryStateStore) Put(_ context.Context, st State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[st.IssueID] = st
	return nil
}

// List implements StateStore.
func (m *MemoryStateStore) List(_ context.Context) ([]State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedStates(m.states), nil
}

var _ StateStore = (*MemoryStateStore)(nil)
