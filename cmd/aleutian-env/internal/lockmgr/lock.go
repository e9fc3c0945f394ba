// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lockmgr provides the single-instance run lock.
//
// The lock is a marker directory. Creating a directory is atomic on every
// filesystem the tool supports, so os.Mkdir is the test-and-set. The
// directory holds:
//
//	<dir>/<name>/holder.json   PID, program, host, acquisition time
//	<dir>/<name>/stage.log     one line per stage the holder entered
//
// A marker whose holder is dead, or whose PID now belongs to a different
// program, is stale and is purged before retrying.
package lockmgr

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

const (
	holderFile = "holder.json"
	stageFile  = "stage.log"
)

// =============================================================================
// Configuration
// =============================================================================

// Config configures a Manager.
type Config struct {
	// Dir is the directory the marker is created in.
	Dir string

	// Name is the marker directory name.
	Name string

	// Program identifies this program in the holder record. Defaults to the
	// executable's base name.
	Program string

	// MaxAttempts bounds acquisition retries after stale purges.
	MaxAttempts int

	// FreshMarkerGrace is how long a marker without a holder record is
	// assumed to belong to a process that is still writing it.
	FreshMarkerGrace time.Duration

	// RetryDelay is the pause between acquisition attempts.
	RetryDelay time.Duration

	// Logger receives purge and release events.
	Logger *slog.Logger
}

// DefaultConfig returns the lock configuration used by the CLI.
func DefaultConfig() Config {
	return Config{
		Dir:              os.TempDir(),
		Name:             "aleutian-env.lock",
		MaxAttempts:      5,
		FreshMarkerGrace: 10 * time.Second,
		RetryDelay:       200 * time.Millisecond,
	}
}

// =============================================================================
// Types
// =============================================================================

// Holder identifies the process that owns the lock.
type Holder struct {
	PID        int       `json:"pid"`
	Program    string    `json:"program"`
	Hostname   string    `json:"hostname,omitempty"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Status describes the current state of the marker for diagnostics.
type Status struct {
	Held   bool
	Holder *Holder
	Stage  string
	Path   string
}

// Manager acquires the run lock.
type Manager struct {
	config Config
	probe  ProcessProbe
	path   string
	now    func() time.Time
}

// New creates a Manager. A nil probe uses the gopsutil-backed probe.
func New(config Config, probe ProcessProbe) *Manager {
	defaults := DefaultConfig()
	if config.Dir == "" {
		config.Dir = defaults.Dir
	}
	if config.Name == "" {
		config.Name = defaults.Name
	}
	if config.Program == "" {
		config.Program = currentProgram()
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.FreshMarkerGrace <= 0 {
		config.FreshMarkerGrace = defaults.FreshMarkerGrace
	}
	if config.RetryDelay < 0 {
		config.RetryDelay = 0
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	if probe == nil {
		probe = SystemProbe{}
	}
	return &Manager{
		config: config,
		probe:  probe,
		path:   filepath.Join(config.Dir, config.Name),
		now:    time.Now,
	}
}

// Path returns the marker directory path.
func (m *Manager) Path() string { return m.path }

// Acquire takes the lock.
//
// # Description
//
// Attempts os.Mkdir on the marker. When the marker exists, the recorded
// holder is checked: a live holder running this program fails immediately
// with *ErrLockHeld; a dead or foreign holder is purged and acquisition is
// retried, up to MaxAttempts times in total.
//
// # Outputs
//
//   - *Handle: Owned lock. Release it on every exit path.
//   - error: *ErrLockHeld, ErrAcquireExhausted, or an I/O error.
func (m *Manager) Acquire(ctx context.Context) (*Handle, error) {
	if err := os.MkdirAll(m.config.Dir, 0750); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	for attempt := 1; attempt <= m.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		err := os.Mkdir(m.path, 0750)
		if err == nil {
			return m.claim()
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("create lock marker %s: %w", m.path, err)
		}

		stale, heldErr := m.inspectExisting()
		if heldErr != nil {
			return nil, heldErr
		}
		if stale {
			m.config.Logger.Warn("purging stale lock", "path", m.path, "attempt", attempt)
			if err := os.RemoveAll(m.path); err != nil {
				return nil, fmt.Errorf("purge stale lock %s: %w", m.path, err)
			}
			continue
		}

		// Marker exists without a holder record yet; its creator is
		// still writing it.
		if attempt < m.config.MaxAttempts {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(m.config.RetryDelay):
			}
		}
	}

	if holder, err := readHolder(m.path); err == nil {
		return nil, &ErrLockHeld{Holder: *holder, Stage: readStage(m.path), Path: m.path}
	}
	return nil, fmt.Errorf("%w after %d attempts: %s", ErrAcquireExhausted, m.config.MaxAttempts, m.path)
}

// inspectExisting decides whether an existing marker is stale. It returns
// a non-nil *ErrLockHeld when a live holder owns it.
func (m *Manager) inspectExisting() (bool, error) {
	holder, err := readHolder(m.path)
	if err != nil {
		info, statErr := os.Stat(m.path)
		if statErr != nil {
			// Marker vanished between Mkdir and Stat; retry immediately.
			return false, nil
		}
		return m.now().Sub(info.ModTime()) > m.config.FreshMarkerGrace, nil
	}

	alive, err := m.probe.Alive(holder.PID)
	if err != nil || !alive {
		return true, nil
	}
	name, err := m.probe.Name(holder.PID)
	if err != nil {
		// Alive but unreadable (permissions): assume it is ours.
		return false, &ErrLockHeld{Holder: *holder, Stage: readStage(m.path), Path: m.path}
	}
	if !sameProgram(name, holder.Program) {
		return true, nil
	}
	return false, &ErrLockHeld{Holder: *holder, Stage: readStage(m.path), Path: m.path}
}

// claim writes the holder record into a freshly created marker.
func (m *Manager) claim() (*Handle, error) {
	host, _ := os.Hostname()
	holder := Holder{
		PID:        os.Getpid(),
		Program:    m.config.Program,
		Hostname:   host,
		AcquiredAt: m.now().UTC(),
	}
	data, err := json.Marshal(holder)
	if err != nil {
		_ = os.RemoveAll(m.path)
		return nil, fmt.Errorf("encode lock holder: %w", err)
	}
	tmp := filepath.Join(m.path, holderFile+".tmp")
	if err := os.WriteFile(tmp, data, 0640); err != nil {
		_ = os.RemoveAll(m.path)
		return nil, fmt.Errorf("write lock holder: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(m.path, holderFile)); err != nil {
		_ = os.RemoveAll(m.path)
		return nil, fmt.Errorf("write lock holder: %w", err)
	}
	m.config.Logger.Debug("lock acquired", "path", m.path, "pid", holder.PID)
	return &Handle{manager: m, holder: holder}, nil
}

// Inspect reports the marker state without modifying it.
func (m *Manager) Inspect() Status {
	st := Status{Path: m.path}
	if _, err := os.Stat(m.path); err != nil {
		return st
	}
	st.Held = true
	if holder, err := readHolder(m.path); err == nil {
		st.Holder = holder
	}
	st.Stage = readStage(m.path)
	return st
}

// =============================================================================
// Handle
// =============================================================================

// Handle is an acquired lock.
//
// # Thread Safety
//
// Release and SetStage are safe to call from a signal-handling goroutine
// concurrently with the main flow.
type Handle struct {
	manager  *Manager
	holder   Holder
	mu       sync.Mutex
	released bool
}

// Holder returns the record written for this process.
func (h *Handle) Holder() Holder { return h.holder }

// SetStage appends a stage line to the marker's stage log.
func (h *Handle) SetStage(stage string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return nil
	}
	f, err := os.OpenFile(filepath.Join(h.manager.path, stageFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return fmt.Errorf("open stage log: %w", err)
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "%s %s\n", h.manager.now().UTC().Format(time.RFC3339), stage)
	return err
}

// Release removes the marker. It is idempotent, and it never removes a
// marker that now belongs to another process.
func (h *Handle) Release() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return nil
	}
	h.released = true

	current, err := readHolder(h.manager.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return os.RemoveAll(h.manager.path)
	}
	if current.PID != h.holder.PID || !current.AcquiredAt.Equal(h.holder.AcquiredAt) {
		h.manager.config.Logger.Warn("lock marker taken over, not removing", "path", h.manager.path, "pid", current.PID)
		return nil
	}
	if err := os.RemoveAll(h.manager.path); err != nil {
		return fmt.Errorf("release lock %s: %w", h.manager.path, err)
	}
	h.manager.config.Logger.Debug("lock released", "path", h.manager.path)
	return nil
}

// =============================================================================
// Helpers
// =============================================================================

func readHolder(dir string) (*Holder, error) {
	data, err := os.ReadFile(filepath.Join(dir, holderFile))
	if err != nil {
		return nil, err
	}
	var h Holder
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("decode lock holder: %w", err)
	}
	if h.PID <= 0 {
		return nil, fmt.Errorf("lock holder has invalid pid %d", h.PID)
	}
	return &h, nil
}

// readStage returns the last stage recorded, without its timestamp.
func readStage(dir string) string {
	data, err := os.ReadFile(filepath.Join(dir, stageFile))
	if err != nil {
		return ""
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	last := lines[len(lines)-1]
	if _, stage, ok := strings.Cut(last, " "); ok {
		return stage
	}
	return last
}

func currentProgram() string {
	exe, err := os.Executable()
	if err != nil {
		return filepath.Base(os.Args[0])
	}
	return filepath.Base(exe)
}

// sameProgram compares a live process name with the recorded program.
// Linux truncates process names to 15 bytes, so a full-length name is
// compared as a prefix.
func sameProgram(live, recorded string) bool {
	if live == recorded {
		return true
	}
	const commLen = 15
	return len(live) == commLen && strings.HasPrefix(recorded, live)
}
