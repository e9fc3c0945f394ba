// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package executor

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/goccy/go-json"
)

// OperationLog is the run's append-only operation log. Records are kept
// in memory and, when a path is set, appended to a JSON Lines file that
// accumulates across runs.
//
// # Thread Safety
//
// Safe for concurrent use.
type OperationLog struct {
	path    string
	mu      sync.Mutex
	records []OperationRecord
}

// NewOperationLog creates a log. An empty path keeps records in memory.
func NewOperationLog(path string) *OperationLog {
	return &OperationLog{path: path}
}

// Path returns the backing file, or "".
func (l *OperationLog) Path() string { return l.path }

// Append adds rec. The in-memory record is kept even when the file write
// fails.
func (l *OperationLog) Append(rec OperationRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, rec)
	if l.path == "" {
		return nil
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode operation record: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0750); err != nil {
		return fmt.Errorf("create operation log directory: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
	if err != nil {
		return fmt.Errorf("open operation log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append operation log: %w", err)
	}
	return f.Sync()
}

// Records returns this run's records in order.
func (l *OperationLog) Records() []OperationRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]OperationRecord(nil), l.records...)
}

// Last returns the most recent record of this run.
func (l *OperationLog) Last() (OperationRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.records) == 0 {
		return OperationRecord{}, false
	}
	return l.records[len(l.records)-1], true
}

// Mutations counts records that actually ran (not skipped).
func (l *OperationLog) Mutations() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, r := range l.records {
		if !r.Skipped {
			n++
		}
	}
	return n
}

// ReadTail returns the last n records of the file at path. Lines that do
// not decode are skipped. A missing file yields no records.
func ReadTail(path string, n int) ([]OperationRecord, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open operation log: %w", err)
	}
	defer f.Close()

	var all []OperationRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var rec OperationRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			continue
		}
		all = append(all, rec)
		if n > 0 && len(all) > n {
			all = all[1:]
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read operation log: %w", err)
	}
	return all, nil
}
