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
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"

	"github.com/AleutianAI/AleutianEnv/cmd/aleutian-env/internal/toolchain"
)

// CommandRun adapts a command to a RunFunc. The exit status is returned
// for the record; a non-zero exit is not treated as an error here.
func CommandRun(runner toolchain.Runner, cmd toolchain.Command) RunFunc {
	return func(ctx context.Context) (int, error) {
		res, err := runner.Run(ctx, cmd)
		return res.ExitCode, err
	}
}

// ResultRun adapts a collaborator call returning a toolchain.Result.
func ResultRun(fn func(ctx context.Context) (toolchain.Result, error)) RunFunc {
	return func(ctx context.Context) (int, error) {
		res, err := fn(ctx)
		return res.ExitCode, err
	}
}

// VerifyAll passes only when every check passes. Checks run in order and
// stop at the first failure.
func VerifyAll(checks ...VerifyFunc) VerifyFunc {
	return func(ctx context.Context) (bool, string, error) {
		observed := make([]string, 0, len(checks))
		for _, check := range checks {
			ok, actual, err := check(ctx)
			if actual != "" {
				observed = append(observed, actual)
			}
			if err != nil || !ok {
				return false, strings.Join(observed, "; "), err
			}
		}
		return true, strings.Join(observed, "; "), nil
	}
}

// BinaryPresent checks that path names an executable file, or, when path
// has no separator, that it resolves on PATH.
func BinaryPresent(path string) VerifyFunc {
	return func(context.Context) (bool, string, error) {
		if !strings.ContainsRune(path, os.PathSeparator) {
			resolved, err := exec.LookPath(path)
			if err != nil {
				return false, path + " not on PATH", nil
			}
			return true, path + " at " + resolved, nil
		}
		info, err := os.Stat(path)
		if err != nil {
			return false, path + " missing", nil
		}
		if info.IsDir() || info.Mode()&0111 == 0 {
			return false, path + " not executable", nil
		}
		return true, path + " present", nil
	}
}

// ExactVersion checks that report returns want.
func ExactVersion(report func(ctx context.Context) (string, error), want string) VerifyFunc {
	return func(ctx context.Context) (bool, string, error) {
		got, err := report(ctx)
		if err != nil {
			return false, "version unreadable: " + err.Error(), nil
		}
		return got == want, "reports " + got, nil
	}
}

// CommandSucceeds runs a trivial operation and checks its exit status.
func CommandSucceeds(runner toolchain.Runner, cmd toolchain.Command) VerifyFunc {
	return func(ctx context.Context) (bool, string, error) {
		res, err := runner.Run(ctx, cmd)
		if err != nil {
			return false, fmt.Sprintf("%s exited %d", cmd.Name, res.ExitCode), nil
		}
		return true, "", nil
	}
}

// ManifestHas checks that every pin in want is installed at exactly that
// version. Extra installed packages are allowed.
func ManifestHas(list func(ctx context.Context) (toolchain.Manifest, error), want toolchain.Manifest) VerifyFunc {
	return func(ctx context.Context) (bool, string, error) {
		got, err := list(ctx)
		if err != nil {
			return false, "package list unreadable", nil
		}
		mismatches := ManifestDiff(got, want)
		if len(mismatches) == 0 {
			return true, fmt.Sprintf("%d pins installed", len(want)), nil
		}
		return false, summarize(mismatches), nil
	}
}

// ManifestEquals checks that the installed set equals want exactly.
func ManifestEquals(list func(ctx context.Context) (toolchain.Manifest, error), want toolchain.Manifest) VerifyFunc {
	return func(ctx context.Context) (bool, string, error) {
		got, err := list(ctx)
		if err != nil {
			return false, "package list unreadable", nil
		}
		mismatches := ManifestDiff(got, want)
		for name, v := range got {
			if _, ok := want[name]; !ok {
				mismatches = append(mismatches, fmt.Sprintf("%s %s unexpected", name, v))
			}
		}
		sort.Strings(mismatches)
		if len(mismatches) == 0 {
			return true, fmt.Sprintf("%d packages match", len(want)), nil
		}
		return false, summarize(mismatches), nil
	}
}

// ManifestDiff lists pins in want that got lacks or has at another version.
func ManifestDiff(got, want toolchain.Manifest) []string {
	var out []string
	for _, p := range want.Packages() {
		have, ok := got[p.Name]
		switch {
		case !ok:
			out = append(out, p.Name+" missing")
		case have != p.Version:
			out = append(out, fmt.Sprintf("%s %s (want %s)", p.Name, have, p.Version))
		}
	}
	return out
}

func summarize(items []string) string {
	const shown = 5
	if len(items) <= shown {
		return strings.Join(items, ", ")
	}
	return fmt.Sprintf("%s and %d more", strings.Join(items[:shown], ", "), len(items)-shown)
}
