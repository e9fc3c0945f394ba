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
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianEnv/cmd/aleutian-env/internal/toolchain"
)

type fixture struct {
	root      string
	envDir    string
	reqFile   string
	installer *toolchain.FakeInstaller
	runtime   *toolchain.FakeRuntime
	clock     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	envDir := filepath.Join(root, "venv")
	inst, err := toolchain.NewFakeInstaller(envDir, toolchain.Manifest{"numpy": "1.26.4", "pandas": "2.2.3"})
	require.NoError(t, err)
	req := filepath.Join(root, "requirements.lock")
	require.NoError(t, os.WriteFile(req, []byte("numpy==1.26.4\npandas==2.2.3\n"), 0600))
	return &fixture{
		root:      root,
		envDir:    envDir,
		reqFile:   req,
		installer: inst,
		runtime:   &toolchain.FakeRuntime{Available: []string{"3.12.7"}, Installed: map[string]bool{"3.12.7": true}, Global: "3.12.7"},
		clock:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (f *fixture) manager(mutate func(*Config)) *Manager {
	cfg := Config{
		Dir:       filepath.Join(f.root, "snapshots"),
		EnvDir:    f.envDir,
		Files:     []string{f.reqFile, filepath.Join(f.root, "absent.txt")},
		RunID:     "run-1",
		Installer: f.installer,
		Runtime:   f.runtime,
		Now: func() time.Time {
			f.clock = f.clock.Add(time.Minute)
			return f.clock
		},
		FreeSpace: func(string) (uint64, error) { return 1 << 40, nil },
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return New(cfg)
}

func TestKindForSize(t *testing.T) {
	tests := []struct {
		size int64
		want Kind
	}{
		{0, KindFullArchive},
		{499 << 20, KindFullArchive},
		{500<<20 - 1, KindFullArchive},
		{500 << 20, KindMetadataOnly},
		{501 << 20, KindMetadataOnly},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, KindForSize(tt.size, 0), "size %d", tt.size)
	}
	assert.Equal(t, KindMetadataOnly, KindForSize(10, 10))
}

func TestTake_SelectsKindBySize(t *testing.T) {
	for _, tc := range []struct {
		name string
		size int64
		want Kind
	}{
		{"499 MiB archives in full", 499 << 20, KindFullArchive},
		{"501 MiB records metadata only", 501 << 20, KindMetadataOnly},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			m := f.manager(func(c *Config) {
				c.Size = func(string) (int64, error) { return tc.size, nil }
			})
			snap, err := m.Take(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tc.want, snap.Kind)
			assert.Equal(t, tc.size, snap.SizeBytes)
			assert.Equal(t, toolchain.Manifest{"numpy": "1.26.4", "pandas": "2.2.3"}, snap.RecordedVersions)
			assert.Equal(t, "3.12.7", snap.RuntimeVersion)
			if tc.want == KindFullArchive {
				assert.FileExists(t, snap.ArchivePath())
			} else {
				assert.Empty(t, snap.ArchivePath())
			}
		})
	}
}

func TestTake_DegradesWhenSpaceIsShort(t *testing.T) {
	f := newFixture(t)
	m := f.manager(func(c *Config) {
		c.FreeSpace = func(string) (uint64, error) { return 1, nil }
	})
	snap, err := m.Take(context.Background())
	require.NoError(t, err)
	assert.Equal(t, KindMetadataOnly, snap.Kind)
	assert.Contains(t, snap.Degraded, "insufficient space")
}

func TestTake_RetainsTwoPerKind(t *testing.T) {
	f := newFixture(t)
	m := f.manager(nil)

	var ids []string
	for i := 0; i < 3; i++ {
		snap, err := m.Take(context.Background())
		require.NoError(t, err)
		ids = append(ids, snap.ID)
	}
	meta := f.manager(func(c *Config) {
		c.Size = func(string) (int64, error) { return 600 << 20, nil }
	})
	_, err := meta.Take(context.Background())
	require.NoError(t, err)

	all, err := m.List()
	require.NoError(t, err)
	var full []string
	for _, s := range all {
		if s.Kind == KindFullArchive {
			full = append(full, s.ID)
		}
	}
	assert.Equal(t, []string{ids[2], ids[1]}, full)
	assert.Len(t, all, 3)

	archives, err := filepath.Glob(filepath.Join(m.Dir(), "*"+archiveSuffix))
	require.NoError(t, err)
	assert.Len(t, archives, 2)
	assert.NoFileExists(t, filepath.Join(m.Dir(), ids[0]+archiveSuffix))
}

func TestRestore_ReinstallsRecordedVersions(t *testing.T) {
	f := newFixture(t)
	m := f.manager(nil)
	snap, err := m.Take(context.Background())
	require.NoError(t, err)

	require.NoError(t, f.installer.SetInstalled(toolchain.Manifest{"numpy": "2.1.0", "requests": "2.32.3"}))
	require.NoError(t, os.WriteFile(f.reqFile, []byte("numpy==2.1.0\n"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(f.root, "absent.txt"), []byte("new"), 0600))
	f.runtime.Global = "3.12.7"

	res, err := m.Restore(context.Background(), snap)
	require.NoError(t, err)
	assert.Equal(t, MethodReinstall, res.Method)

	got, err := f.installer.Manifest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, snap.RecordedVersions, got)

	data, err := os.ReadFile(f.reqFile)
	require.NoError(t, err)
	assert.Equal(t, "numpy==1.26.4\npandas==2.2.3\n", string(data))
	assert.NoFileExists(t, filepath.Join(f.root, "absent.txt"))
}

func TestRestore_FallsBackToArchive(t *testing.T) {
	f := newFixture(t)
	m := f.manager(nil)
	snap, err := m.Take(context.Background())
	require.NoError(t, err)
	require.Equal(t, KindFullArchive, snap.Kind)

	require.NoError(t, f.installer.SetInstalled(toolchain.Manifest{"numpy": "2.1.0"}))
	require.NoError(t, os.WriteFile(filepath.Join(f.envDir, "half-written.so"), []byte("x"), 0600))
	f.installer.InstallFunc = func(context.Context, string, bool) (toolchain.Result, error) {
		return toolchain.Result{ExitCode: 1}, errors.New("network down")
	}

	res, err := m.Restore(context.Background(), snap)
	require.NoError(t, err)
	assert.Equal(t, MethodArchive, res.Method)

	got, err := f.installer.Manifest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, snap.RecordedVersions, got)
	assert.NoFileExists(t, filepath.Join(f.envDir, "half-written.so"))
	assert.FileExists(t, f.installer.Python())
	assert.NoDirExists(t, f.envDir+".restore-"+snap.ID)
}

func TestRestore_FailsWithoutArchiveLeavesNothingHalfDone(t *testing.T) {
	f := newFixture(t)
	m := f.manager(func(c *Config) {
		c.Size = func(string) (int64, error) { return 900 << 20, nil }
	})
	snap, err := m.Take(context.Background())
	require.NoError(t, err)
	require.Equal(t, KindMetadataOnly, snap.Kind)

	broken := toolchain.Manifest{"numpy": "2.1.0", "pandas": "2.2.3", "scipy": "1.14.1"}
	require.NoError(t, f.installer.SetInstalled(broken))
	f.installer.InstallFunc = func(context.Context, string, bool) (toolchain.Result, error) {
		return toolchain.Result{ExitCode: 1}, errors.New("index unreachable")
	}
	require.NoError(t, os.WriteFile(f.reqFile, []byte("changed\n"), 0600))

	_, err = m.Restore(context.Background(), snap)
	var restoreErr *RestoreError
	require.ErrorAs(t, err, &restoreErr)
	require.Len(t, restoreErr.Tried, 2)
	assert.Contains(t, restoreErr.Tried[0], "reinstall")
	assert.Equal(t, "archive: none retained", restoreErr.Tried[1])

	got, err := f.installer.Manifest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, broken, got, "a failed restore puts the environment back as it was found")
	assert.Contains(t, f.installer.CallLog(), "uninstall 1")

	data, err := os.ReadFile(f.reqFile)
	require.NoError(t, err)
	assert.Equal(t, "changed\n", string(data), "files are only restored after the environment verifies")
	assert.NoFileExists(t, m.preRestorePath(snap.ID))
	assert.NoDirExists(t, f.envDir+".restore-revert-"+snap.ID)
}

func TestRestore_ReinstallWithoutArchiveStillVerifies(t *testing.T) {
	f := newFixture(t)
	m := f.manager(func(c *Config) {
		c.Size = func(string) (int64, error) { return 900 << 20, nil }
	})
	snap, err := m.Take(context.Background())
	require.NoError(t, err)
	require.Equal(t, KindMetadataOnly, snap.Kind)

	require.NoError(t, f.installer.SetInstalled(toolchain.Manifest{"numpy": "2.1.0", "scipy": "1.14.1"}))

	res, err := m.Restore(context.Background(), snap)
	require.NoError(t, err)
	assert.Equal(t, MethodReinstall, res.Method)

	got, err := f.installer.Manifest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, snap.RecordedVersions, got)
	assert.NoFileExists(t, m.preRestorePath(snap.ID))
}

func TestRestore_AbsentEnvironmentIsRemoved(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.RemoveAll(f.envDir))
	m := f.manager(nil)

	snap, err := m.Take(context.Background())
	require.NoError(t, err)
	assert.False(t, snap.EnvPresent)
	assert.Equal(t, KindMetadataOnly, snap.Kind)

	_, err = f.installer.CreateEnv(context.Background(), "python")
	require.NoError(t, err)

	res, err := m.Restore(context.Background(), snap)
	require.NoError(t, err)
	assert.Equal(t, MethodRemove, res.Method)
	assert.NoDirExists(t, f.envDir)
}

func TestRestore_NoSnapshot(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager(nil).Restore(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoSnapshot)
	assert.True(t, f.installer.EnvExists())
}

func TestArchive_RoundTripKeepsSymlinks(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "lib", "site-packages"), 0750))
	require.NoError(t, os.WriteFile(filepath.Join(src, "lib", "site-packages", "mod.py"), []byte("x = 1\n"), 0640))
	require.NoError(t, os.Symlink("/usr/bin/python3", filepath.Join(src, "python")))

	archive := filepath.Join(t.TempDir(), "a.tar.gz")
	n, err := writeArchive(context.Background(), src, archive)
	require.NoError(t, err)
	assert.EqualValues(t, len("x = 1\n"), n)

	dest := filepath.Join(t.TempDir(), "out")
	require.NoError(t, extractArchive(context.Background(), archive, dest))
	data, err := os.ReadFile(filepath.Join(dest, "lib", "site-packages", "mod.py"))
	require.NoError(t, err)
	assert.Equal(t, "x = 1\n", string(data))
	link, err := os.Readlink(filepath.Join(dest, "python"))
	require.NoError(t, err)
	assert.Equal(t, "/usr/bin/python3", link)
}

func TestExtract_RejectsTraversal(t *testing.T) {
	_, err := safeJoin("/tmp/dest", "../etc/passwd")
	assert.Error(t, err)

	archive := filepath.Join(t.TempDir(), "evil.tar.gz")
	out, err := os.Create(archive)
	require.NoError(t, err)
	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)
	body := []byte("owned")
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "env/../../escape.txt", Mode: 0600, Size: int64(len(body)), Typeflag: tar.TypeReg}))
	_, err = tw.Write(body)
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	require.NoError(t, out.Close())

	dest := filepath.Join(t.TempDir(), "out")
	err = extractArchive(context.Background(), archive, dest)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid path")
	assert.NoFileExists(t, filepath.Join(filepath.Dir(dest), "escape.txt"))
}
