// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package validation

import (
	"strings"
	"testing"
)

func TestValidatePackageName(t *testing.T) {
	tests := []struct {
		name    string
		pkg     string
		wantErr bool
	}{
		// Valid names
		{"simple", "numpy", false},
		{"single char", "a", false},
		{"mixed case", "PyYAML", false},
		{"hyphen", "scikit-learn", false},
		{"underscore", "typing_extensions", false},
		{"dot", "zope.interface", false},
		{"digits", "h5py", false},

		// Invalid names - injection attempts
		{"empty", "", true},
		{"option injection", "--index-url=http://evil", true},
		{"newline injection", "numpy\n--extra-index-url http://evil", true},
		{"marker injection", "numpy; python_version<'4'", true},
		{"specifier smuggled", "numpy==1.0", true},
		{"spaces", "num py", true},
		{"starts with dot", ".numpy", true},
		{"ends with hyphen", "numpy-", true},
		{"unicode", "nümpy", true},
		{"too long", strings.Repeat("a", 129), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePackageName(tt.pkg)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePackageName(%q) error = %v, wantErr %v", tt.pkg, err, tt.wantErr)
			}
		})
	}
}

func TestValidateVersion(t *testing.T) {
	tests := []struct {
		name    string
		version string
		wantErr bool
	}{
		{"release", "2.9.1", false},
		{"pre-release", "3.0.0rc1", false},
		{"post and local", "1.0.post1+cpu", false},
		{"epoch", "1!2.0", false},

		{"empty", "", true},
		{"leading letter", "v1.0", true},
		{"space", "1.0 ; os_name=='nt'", true},
		{"newline", "1.0\n-e .", true},
		{"operator", "1.0,<2", true},
		{"too long", "1." + strings.Repeat("0", 70), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateVersion(tt.version)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateVersion(%q) error = %v, wantErr %v", tt.version, err, tt.wantErr)
			}
		})
	}
}

func TestValidatePin(t *testing.T) {
	if err := ValidatePin("libb", "2.9.1"); err != nil {
		t.Errorf("ValidatePin(libb, 2.9.1) = %v, want nil", err)
	}
	if err := ValidatePin("lib b", "2.9.1"); err == nil {
		t.Error("ValidatePin with bad name: want error")
	}
	err := ValidatePin("libb", "2.9.1 --pre")
	if err == nil || !strings.HasPrefix(err.Error(), "libb: ") {
		t.Errorf("ValidatePin with bad version error = %v, want prefix %q", err, "libb: ")
	}
}

func TestSanitizePackageName(t *testing.T) {
	tests := []struct {
		name    string
		pkg     string
		want    string
		wantErr bool
	}{
		{"passthrough", "numpy", "numpy", false},
		{"trimmed", "  numpy\t", "numpy", false},
		{"case kept", "PyYAML", "PyYAML", false},
		{"invalid rejected", "bad!", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SanitizePackageName(tt.pkg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("SanitizePackageName(%q) error = %v, wantErr %v", tt.pkg, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("SanitizePackageName(%q) = %q, want %q", tt.pkg, got, tt.want)
			}
		})
	}
}
