// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation utilities for values that
// end up in subprocess arguments or generated requirement files.
//
// Package names and versions returned by remote indexes are written into
// compiler inputs and passed to pip. Validating them first keeps a
// malformed or hostile index response from injecting extra requirement
// lines, options, or environment markers.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// packageNamePattern matches a PEP 508 distribution name: ASCII letters,
// digits, dots, underscores and hyphens, starting and ending alphanumeric.
var packageNamePattern = regexp.MustCompile(`^[A-Za-z0-9](?:[A-Za-z0-9._-]*[A-Za-z0-9])?$`)

// versionPattern matches the characters a PEP 440 version may contain.
// It does not check the grammar; the compiler does that.
var versionPattern = regexp.MustCompile(`^[0-9][0-9A-Za-z.+!_-]*$`)

const (
	maxPackageNameLen = 128
	maxVersionLen     = 64
)

// ValidatePackageName validates a distribution name.
//
// Valid names:
//   - 1-128 characters
//   - ASCII letters and digits, plus '.', '_' and '-' inside the name
//   - start and end with a letter or digit
//
// Example:
//
//	if err := validation.ValidatePackageName(name); err != nil {
//	    return fmt.Errorf("resolver candidate: %w", err)
//	}
//	// Safe to write into a requirements file
func ValidatePackageName(name string) error {
	if name == "" {
		return fmt.Errorf("package name cannot be empty")
	}
	if len(name) > maxPackageNameLen {
		return fmt.Errorf("package name too long: %d characters (max %d)", len(name), maxPackageNameLen)
	}
	if !packageNamePattern.MatchString(name) {
		return fmt.Errorf("invalid package name: %q", name)
	}
	return nil
}

// ValidateVersion validates a version string used in an exact pin.
func ValidateVersion(version string) error {
	if version == "" {
		return fmt.Errorf("version cannot be empty")
	}
	if len(version) > maxVersionLen {
		return fmt.Errorf("version too long: %d characters (max %d)", len(version), maxVersionLen)
	}
	if !versionPattern.MatchString(version) {
		return fmt.Errorf("invalid version: %q", version)
	}
	return nil
}

// ValidatePin validates both halves of name==version.
func ValidatePin(name, version string) error {
	if err := ValidatePackageName(name); err != nil {
		return err
	}
	if err := ValidateVersion(version); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// SanitizePackageName trims surrounding whitespace and validates the
// result.
func SanitizePackageName(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if err := ValidatePackageName(trimmed); err != nil {
		return "", err
	}
	return trimmed, nil
}
