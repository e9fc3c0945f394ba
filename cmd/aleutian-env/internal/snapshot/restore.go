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
	"os"
	"path/filepath"
	"strings"

	"github.com/AleutianAI/AleutianEnv/cmd/aleutian-env/internal/toolchain"
)

// ErrNoSnapshot is returned by Restore when there is nothing to restore
// from. The environment is left untouched.
var ErrNoSnapshot = errors.New("no snapshot available")

// Method names how an environment was restored.
type Method string

const (
	MethodReinstall Method = "reinstall"
	MethodArchive   Method = "archive"
	MethodRemove    Method = "remove"
)

// Result describes a completed restore.
type Result struct {
	SnapshotID string
	Method     Method
	Detail     string
}

// RestoreError reports a restore where no method produced a verified
// environment.
type RestoreError struct {
	SnapshotID string
	Tried      []string
}

func (e *RestoreError) Error() string {
	return fmt.Sprintf("restore from snapshot %s failed: %s", e.SnapshotID, strings.Join(e.Tried, "; "))
}

// Restore returns the environment to the state captured in snap.
//
// # Description
//
// Reinstalling the recorded exact versions is tried first. When that does
// not verify, the newest full archive is extracted beside the environment,
// the broken environment is removed, and the extracted tree is renamed
// into place. With no archive retained, a failed reinstall is undone so
// the environment is left as it was found. The declarative files and the global interpreter version
// are put back only after the environment verifies.
//
// # Outputs
//
//   - Result: the method that verified.
//   - error: ErrNoSnapshot when snap is nil, *RestoreError when every
//     method failed.
func (m *Manager) Restore(ctx context.Context, snap *Snapshot) (Result, error) {
	if snap == nil {
		return Result{}, ErrNoSnapshot
	}
	res := Result{SnapshotID: snap.ID}
	log := m.logger.With("snapshot_id", snap.ID)

	if !snap.EnvPresent {
		if err := os.RemoveAll(m.config.EnvDir); err != nil {
			restoresTotal.WithLabelValues(string(MethodRemove), "failed").Inc()
			return res, &RestoreError{SnapshotID: snap.ID, Tried: []string{"remove: " + err.Error()}}
		}
		res.Method = MethodRemove
		return m.finishRestore(ctx, snap, res)
	}

	var tried []string
	archive := snap
	if snap.Kind != KindFullArchive {
		latest, err := m.Latest(KindFullArchive)
		if err != nil {
			tried = append(tried, "archive lookup: "+err.Error())
		}
		archive = latest
	}

	if len(snap.RecordedVersions) > 0 && m.config.Installer != nil {
		err := m.reinstallOrRevert(ctx, snap, archive == nil)
		if err == nil {
			res.Method = MethodReinstall
			restoresTotal.WithLabelValues(string(MethodReinstall), "verified").Inc()
			return m.finishRestore(ctx, snap, res)
		}
		restoresTotal.WithLabelValues(string(MethodReinstall), "failed").Inc()
		log.Warn("reinstall of recorded versions did not verify", "error", err)
		tried = append(tried, "reinstall: "+err.Error())
	}

	if archive == nil {
		tried = append(tried, "archive: none retained")
		return res, &RestoreError{SnapshotID: snap.ID, Tried: tried}
	}

	if err := m.replaceFromArchive(ctx, archive); err != nil {
		restoresTotal.WithLabelValues(string(MethodArchive), "failed").Inc()
		tried = append(tried, "archive "+archive.ID+": "+err.Error())
		return res, &RestoreError{SnapshotID: snap.ID, Tried: tried}
	}
	restoresTotal.WithLabelValues(string(MethodArchive), "verified").Inc()
	res.Method = MethodArchive
	if archive.ID != snap.ID {
		res.Detail = "archive from snapshot " + archive.ID
	}
	return m.finishRestore(ctx, snap, res)
}

// reinstallOrRevert runs reinstall. When guard is set there is no archive
// to fall back on, so the live environment is archived first and swapped
// back in if reinstall does not verify. Reinstall is not attempted when
// the environment cannot be preserved.
func (m *Manager) reinstallOrRevert(ctx context.Context, snap *Snapshot, guard bool) error {
	if !guard {
		return m.reinstall(ctx, snap)
	}
	if !m.config.Installer.EnvExists() {
		return errors.New("environment interpreter missing")
	}
	if err := os.MkdirAll(m.config.Dir, 0750); err != nil {
		return fmt.Errorf("not attempted: %w", err)
	}
	saved := m.preRestorePath(snap.ID)
	if _, err := writeArchive(ctx, m.config.EnvDir, saved); err != nil {
		return fmt.Errorf("not attempted, current environment could not be preserved: %w", err)
	}
	defer os.Remove(saved)

	err := m.reinstall(ctx, snap)
	if err == nil {
		return nil
	}
	if revertErr := m.swapIn(context.WithoutCancel(ctx), saved, "revert-"+snap.ID); revertErr != nil {
		return fmt.Errorf("%w; putting the pre-restore environment back failed: %v", err, revertErr)
	}
	m.logger.Info("reinstall did not verify, environment put back as found", "snapshot_id", snap.ID)
	return err
}

func (m *Manager) preRestorePath(id string) string {
	return filepath.Join(m.config.Dir, "pre-restore-"+id+archiveSuffix)
}

// reinstall removes packages absent from the snapshot and installs the
// recorded pins, then checks the installed set matches exactly.
func (m *Manager) reinstall(ctx context.Context, snap *Snapshot) error {
	inst := m.config.Installer
	if !inst.EnvExists() {
		return errors.New("environment interpreter missing")
	}
	current, err := inst.Manifest(ctx)
	if err != nil {
		return fmt.Errorf("list installed: %w", err)
	}
	var extras []string
	for name := range current {
		if _, ok := snap.RecordedVersions[name]; !ok {
			extras = append(extras, name)
		}
	}
	if len(extras) > 0 {
		if _, err := inst.Uninstall(ctx, extras); err != nil {
			m.logger.Warn("uninstall of extra packages failed", "count", len(extras), "error", err)
		}
	}

	pins := filepath.Join(m.config.Dir, "restore-"+snap.ID+".txt")
	var b strings.Builder
	for _, p := range snap.RecordedVersions.Packages() {
		fmt.Fprintf(&b, "%s==%s\n", p.Name, p.Version)
	}
	if err := os.WriteFile(pins, []byte(b.String()), 0640); err != nil {
		return fmt.Errorf("write restore pins: %w", err)
	}
	defer os.Remove(pins)

	if _, err := inst.Install(ctx, pins, false); err != nil {
		m.logger.Debug("reinstall command reported failure, verifying anyway", "error", err)
	}
	return m.verifyManifest(ctx, snap.RecordedVersions)
}

// replaceFromArchive swaps the environment for the archived tree and
// verifies it against the archive's recorded versions.
func (m *Manager) replaceFromArchive(ctx context.Context, archive *Snapshot) error {
	if err := m.swapIn(ctx, archive.ArchivePath(), archive.ID); err != nil {
		return err
	}
	if m.config.Installer == nil || len(archive.RecordedVersions) == 0 {
		return nil
	}
	return m.verifyManifest(ctx, archive.RecordedVersions)
}

// swapIn replaces the environment with the tree in archivePath. The
// current environment is only removed once extraction has succeeded.
func (m *Manager) swapIn(ctx context.Context, archivePath, tag string) error {
	staging := m.config.EnvDir + ".restore-" + tag
	if err := os.RemoveAll(staging); err != nil {
		return err
	}
	if err := extractArchive(ctx, archivePath, staging); err != nil {
		_ = os.RemoveAll(staging)
		return err
	}
	if err := os.RemoveAll(m.config.EnvDir); err != nil {
		_ = os.RemoveAll(staging)
		return fmt.Errorf("remove broken environment: %w", err)
	}
	if err := os.Rename(staging, m.config.EnvDir); err != nil {
		return fmt.Errorf("move restored environment into place: %w", err)
	}
	return nil
}

func (m *Manager) verifyManifest(ctx context.Context, want toolchain.Manifest) error {
	got, err := m.config.Installer.Manifest(ctx)
	if err != nil {
		return fmt.Errorf("list installed after restore: %w", err)
	}
	if !got.Equal(want) {
		return fmt.Errorf("installed set differs from snapshot (%d installed, %d recorded)", len(got), len(want))
	}
	return nil
}

func (m *Manager) finishRestore(ctx context.Context, snap *Snapshot, res Result) (Result, error) {
	var notes []string
	if res.Detail != "" {
		notes = append(notes, res.Detail)
	}
	for _, f := range snap.Files {
		if err := restoreFile(f); err != nil {
			notes = append(notes, fmt.Sprintf("file %s not restored: %v", f.Path, err))
		}
	}
	if m.config.Runtime != nil && snap.RuntimeVersion != "" {
		if _, err := m.config.Runtime.SetGlobal(ctx, snap.RuntimeVersion); err != nil {
			notes = append(notes, "runtime "+snap.RuntimeVersion+" not reactivated")
		}
	}
	res.Detail = strings.Join(notes, "; ")
	m.logger.Info("environment restored", "snapshot_id", snap.ID, "method", res.Method, "detail", res.Detail)
	return res, nil
}

func restoreFile(f FileRecord) error {
	if f.Absent {
		if err := os.Remove(f.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return nil
	}
	tmp := f.Path + ".restore"
	if err := os.WriteFile(tmp, []byte(f.Content), 0640); err != nil {
		return err
	}
	return os.Rename(tmp, f.Path)
}
