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
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// archiveRoot prefixes every entry so extraction never writes at the
// destination root by accident.
const archiveRoot = "env"

// archiveWriters closes file, gzip and tar writers in reverse order.
type archiveWriters struct {
	tw      *tar.Writer
	closers []io.Closer
}

func (aw *archiveWriters) Close() error {
	var first error
	for i := len(aw.closers) - 1; i >= 0; i-- {
		if err := aw.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func openArchiveWriters(path string) (*archiveWriters, error) {
	out, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0640)
	if err != nil {
		return nil, fmt.Errorf("create archive: %w", err)
	}
	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)
	return &archiveWriters{tw: tw, closers: []io.Closer{out, gz, tw}}, nil
}

// writeArchive streams srcDir into a gzip-compressed tar at dest. The
// archive appears at dest only when complete.
func writeArchive(ctx context.Context, srcDir, dest string) (written int64, err error) {
	partial := dest + ".partial"
	aw, err := openArchiveWriters(partial)
	if err != nil {
		return 0, err
	}
	defer func() {
		closeErr := aw.Close()
		if err == nil {
			err = closeErr
		}
		if err == nil {
			err = os.Rename(partial, dest)
		}
		if err != nil {
			_ = os.Remove(partial)
		}
	}()

	err = filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := addEntry(aw.tw, srcDir, path, d)
		written += n
		return err
	})
	return written, err
}

func addEntry(tw *tar.Writer, root, path string, d fs.DirEntry) (int64, error) {
	info, err := d.Info()
	if err != nil {
		return 0, err
	}
	link := ""
	if info.Mode()&fs.ModeSymlink != 0 {
		if link, err = os.Readlink(path); err != nil {
			return 0, err
		}
	} else if !info.Mode().IsRegular() && !info.IsDir() {
		return 0, nil
	}

	rel, err := filepath.Rel(root, path)
	if err != nil {
		return 0, err
	}
	hdr, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return 0, err
	}
	hdr.Name = filepath.ToSlash(filepath.Join(archiveRoot, rel))
	if info.IsDir() {
		hdr.Name += "/"
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return 0, fmt.Errorf("write header %s: %w", rel, err)
	}
	if !info.Mode().IsRegular() {
		return 0, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	n, err := io.Copy(tw, f)
	if err != nil {
		return n, fmt.Errorf("archive %s: %w", rel, err)
	}
	return n, nil
}

// extractArchive unpacks an archive written by writeArchive into destDir,
// which must not exist yet.
func extractArchive(ctx context.Context, archive, destDir string) error {
	f, err := os.Open(archive)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("open gzip stream: %w", err)
	}
	defer gz.Close()

	if err := os.Mkdir(destDir, 0750); err != nil {
		return fmt.Errorf("create extraction directory: %w", err)
	}

	tr := tar.NewReader(gz)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read archive: %w", err)
		}
		if err := extractEntry(tr, hdr, destDir); err != nil {
			return err
		}
	}
}

func extractEntry(tr *tar.Reader, hdr *tar.Header, destDir string) error {
	rel := strings.TrimPrefix(strings.TrimPrefix(hdr.Name, archiveRoot), "/")
	if rel == "" {
		return nil
	}
	dest, err := safeJoin(destDir, rel)
	if err != nil {
		return err
	}
	mode := hdr.FileInfo().Mode().Perm()

	switch hdr.Typeflag {
	case tar.TypeDir:
		return os.MkdirAll(dest, mode|0700)
	case tar.TypeSymlink:
		if err := os.MkdirAll(filepath.Dir(dest), 0750); err != nil {
			return err
		}
		return os.Symlink(hdr.Linkname, dest)
	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(dest), 0750); err != nil {
			return err
		}
		out, err := os.OpenFile(dest, os.O_CREATE|os.O_EXCL|os.O_WRONLY, mode)
		if err != nil {
			return fmt.Errorf("extract %s: %w", rel, err)
		}
		if _, err := io.CopyN(out, tr, hdr.Size); err != nil {
			out.Close()
			return fmt.Errorf("extract %s: %w", rel, err)
		}
		return out.Close()
	}
	return nil
}

// safeJoin joins name under dir and rejects names that escape it.
func safeJoin(dir, name string) (string, error) {
	dest := filepath.Join(dir, filepath.FromSlash(name))
	if !strings.HasPrefix(dest, filepath.Clean(dir)+string(os.PathSeparator)) {
		return "", fmt.Errorf("invalid path in archive: %s", name)
	}
	return dest, nil
}
