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
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianEnv/cmd/aleutian-env/internal/toolchain"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// DefaultThreshold is the environment size at or above which only
	// metadata is captured.
	DefaultThreshold int64 = 500 << 20

	// DefaultMaxPerKind is how many snapshots of each kind are retained.
	DefaultMaxPerKind = 2

	metadataSuffix = ".json"
	archiveSuffix  = ".tar.gz"
)

// Kind is the snapshot payload type.
type Kind string

const (
	KindFullArchive  Kind = "full_archive"
	KindMetadataOnly Kind = "metadata_only"
)

// KindForSize picks the payload type for an environment of the given size.
func KindForSize(sizeBytes, threshold int64) Kind {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if sizeBytes < threshold {
		return KindFullArchive
	}
	return KindMetadataOnly
}

// =============================================================================
// Types
// =============================================================================

// FileRecord is a declarative file captured verbatim. Absent records a
// file that did not exist, so restore removes it.
type FileRecord struct {
	Path    string `json:"path"`
	Content string `json:"content,omitempty"`
	Absent  bool   `json:"absent,omitempty"`
}

// Snapshot is one captured pre-mutation state.
type Snapshot struct {
	ID               string             `json:"id"`
	RunID            string             `json:"run_id"`
	Timestamp        time.Time          `json:"timestamp"`
	Kind             Kind               `json:"kind"`
	PayloadRef       string             `json:"payload_ref"`
	RecordedVersions toolchain.Manifest `json:"recorded_versions"`
	RuntimeVersion   string             `json:"runtime_version,omitempty"`
	EnvPresent       bool               `json:"env_present"`
	SizeBytes        int64              `json:"size_bytes"`
	Files            []FileRecord       `json:"files,omitempty"`

	// Degraded explains why a full archive was not taken when the size
	// alone would have allowed it.
	Degraded string `json:"degraded,omitempty"`
}

// ArchivePath returns the archive file for full snapshots, or "".
func (s *Snapshot) ArchivePath() string {
	if s.Kind != KindFullArchive {
		return ""
	}
	return s.PayloadRef
}

// =============================================================================
// Manager
// =============================================================================

// Config configures a Manager.
type Config struct {
	// Dir holds snapshot metadata and archives.
	Dir string

	// EnvDir is the environment being protected.
	EnvDir string

	// Files are declarative files captured with every snapshot.
	Files []string

	Threshold  int64
	MaxPerKind int
	RunID      string

	Installer toolchain.Installer

	// Runtime, when set, lets snapshots record and restore the global
	// interpreter version.
	Runtime toolchain.RuntimeManager

	Logger *slog.Logger
	Now    func() time.Time

	// FreeSpace reports available bytes on the filesystem holding a path.
	FreeSpace func(path string) (uint64, error)

	// Size reports the on-disk size of a directory tree.
	Size func(dir string) (int64, error)
}

// Manager captures and restores environment snapshots.
//
// # Description
//
// Take is called once before the first destructive step of a run. It is
// best-effort: any failure degrades to a metadata-only snapshot, and a
// metadata failure is returned for the caller to log. Restore is only
// called from failure paths.
//
// # Thread Safety
//
// Not safe for concurrent use. The run lock serializes callers.
type Manager struct {
	config Config
	logger *slog.Logger
}

// New creates a Manager.
func New(config Config) *Manager {
	if config.Threshold <= 0 {
		config.Threshold = DefaultThreshold
	}
	if config.MaxPerKind <= 0 {
		config.MaxPerKind = DefaultMaxPerKind
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.FreeSpace == nil {
		config.FreeSpace = freeSpace
	}
	if config.Size == nil {
		config.Size = treeSize
	}
	return &Manager{config: config, logger: config.Logger.With("component", "snapshot")}
}

// Dir returns the snapshot directory.
func (m *Manager) Dir() string { return m.config.Dir }

// Take captures the current environment.
//
// # Outputs
//
//   - *Snapshot: the retained snapshot, nil when nothing could be written.
//   - error: why no snapshot was written.
func (m *Manager) Take(ctx context.Context) (*Snapshot, error) {
	if err := os.MkdirAll(m.config.Dir, 0750); err != nil {
		snapshotsTotal.WithLabelValues("none", "failed").Inc()
		return nil, fmt.Errorf("create snapshot directory: %w", err)
	}

	snap := &Snapshot{
		ID:        uuid.NewString(),
		RunID:     m.config.RunID,
		Timestamp: m.config.Now().UTC(),
		Kind:      KindMetadataOnly,
		Files:     captureFiles(m.config.Files),
	}
	snap.EnvPresent = m.config.Installer != nil && m.config.Installer.EnvExists()
	if m.config.Runtime != nil {
		if v, err := m.config.Runtime.ActiveVersion(ctx); err == nil {
			snap.RuntimeVersion = v
		}
	}

	if snap.EnvPresent {
		manifest, err := m.config.Installer.Manifest(ctx)
		if err != nil {
			m.logger.Warn("cannot record installed versions", "error", err)
		}
		snap.RecordedVersions = manifest

		size, err := m.config.Size(m.config.EnvDir)
		if err != nil {
			m.logger.Warn("cannot size environment", "error", err)
			snap.Degraded = "size unknown"
		}
		snap.SizeBytes = size
		if err == nil && KindForSize(size, m.config.Threshold) == KindFullArchive {
			m.archive(ctx, snap)
		}
	}

	if snap.Kind == KindMetadataOnly {
		snap.PayloadRef = m.metadataPath(snap.ID)
	}
	if err := m.writeMetadata(snap); err != nil {
		if snap.ArchivePath() != "" {
			_ = os.Remove(snap.ArchivePath())
		}
		snapshotsTotal.WithLabelValues(string(snap.Kind), "failed").Inc()
		return nil, err
	}
	snapshotsTotal.WithLabelValues(string(snap.Kind), "taken").Inc()
	m.logger.Info("snapshot taken",
		"id", snap.ID, "kind", snap.Kind, "size_bytes", snap.SizeBytes,
		"packages", len(snap.RecordedVersions), "degraded", snap.Degraded)

	m.prune(snap.Kind)
	return snap, nil
}

// archive writes the full archive or records why it degraded.
func (m *Manager) archive(ctx context.Context, snap *Snapshot) {
	free, err := m.config.FreeSpace(m.config.Dir)
	if err == nil && free < uint64(snap.SizeBytes) {
		snap.Degraded = fmt.Sprintf("insufficient space: %d bytes free, %d needed", free, snap.SizeBytes)
		m.logger.Warn("archive skipped", "reason", snap.Degraded)
		return
	}
	if err != nil {
		m.logger.Debug("free space unknown", "error", err)
	}

	path := filepath.Join(m.config.Dir, snap.ID+archiveSuffix)
	if _, err := writeArchive(ctx, m.config.EnvDir, path); err != nil {
		snap.Degraded = "archive failed: " + err.Error()
		m.logger.Warn("archive failed, keeping metadata only", "error", err)
		return
	}
	snap.Kind = KindFullArchive
	snap.PayloadRef = path
}

func (m *Manager) metadataPath(id string) string {
	return filepath.Join(m.config.Dir, id+metadataSuffix)
}

func (m *Manager) writeMetadata(snap *Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot metadata: %w", err)
	}
	path := m.metadataPath(snap.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0640); err != nil {
		return fmt.Errorf("write snapshot metadata: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("commit snapshot metadata: %w", err)
	}
	return nil
}

// List returns retained snapshots, newest first. Unreadable metadata
// files are skipped.
func (m *Manager) List() ([]*Snapshot, error) {
	entries, err := os.ReadDir(m.config.Dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot directory: %w", err)
	}
	var out []*Snapshot
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), metadataSuffix) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(m.config.Dir, e.Name()))
		if err != nil {
			continue
		}
		var snap Snapshot
		if err := json.Unmarshal(data, &snap); err != nil || snap.ID == "" {
			m.logger.Debug("skipping unreadable snapshot metadata", "file", e.Name())
			continue
		}
		out = append(out, &snap)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

// Latest returns the newest snapshot of kind, or nil.
func (m *Manager) Latest(kind Kind) (*Snapshot, error) {
	all, err := m.List()
	if err != nil {
		return nil, err
	}
	for _, s := range all {
		if s.Kind == kind {
			return s, nil
		}
	}
	return nil, nil
}

// prune evicts the oldest snapshots of kind beyond MaxPerKind.
func (m *Manager) prune(kind Kind) {
	all, err := m.List()
	if err != nil {
		m.logger.Warn("retention skipped", "error", err)
		return
	}
	kept := 0
	for _, s := range all {
		if s.Kind != kind {
			continue
		}
		kept++
		if kept <= m.config.MaxPerKind {
			continue
		}
		if p := s.ArchivePath(); p != "" {
			if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
				m.logger.Warn("evict archive failed", "id", s.ID, "error", err)
				continue
			}
		}
		if err := os.Remove(m.metadataPath(s.ID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			m.logger.Warn("evict metadata failed", "id", s.ID, "error", err)
			continue
		}
		snapshotsTotal.WithLabelValues(string(kind), "evicted").Inc()
		m.logger.Debug("snapshot evicted", "id", s.ID, "kind", kind)
	}
}

func captureFiles(paths []string) []FileRecord {
	out := make([]FileRecord, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			out = append(out, FileRecord{Path: p, Absent: true})
			continue
		}
		out = append(out, FileRecord{Path: p, Content: string(data)})
	}
	return out
}

// treeSize sums regular file sizes under dir without following links.
func treeSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}
