// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lockmgr

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		Dir:              t.TempDir(),
		Name:             "run.lock",
		Program:          "aleutian-env",
		MaxAttempts:      5,
		FreshMarkerGrace: time.Minute,
		RetryDelay:       time.Millisecond,
	}
}

// writeMarker plants a marker as if another process had created it.
func writeMarker(t *testing.T, cfg Config, h Holder, stage string) string {
	t.Helper()
	path := filepath.Join(cfg.Dir, cfg.Name)
	if err := os.Mkdir(path, 0750); err != nil {
		t.Fatalf("mkdir marker: %v", err)
	}
	data, err := json.Marshal(h)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(path, holderFile), data, 0640); err != nil {
		t.Fatal(err)
	}
	if stage != "" {
		line := time.Now().UTC().Format(time.RFC3339) + " " + stage + "\n"
		if err := os.WriteFile(filepath.Join(path, stageFile), []byte(line), 0640); err != nil {
			t.Fatal(err)
		}
	}
	return path
}

func TestAcquireRelease(t *testing.T) {
	cfg := testConfig(t)
	m := New(cfg, MockProbe{})

	h, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() = %v", err)
	}
	if h.Holder().PID != os.Getpid() {
		t.Errorf("holder PID = %d, want %d", h.Holder().PID, os.Getpid())
	}
	if st := m.Inspect(); !st.Held || st.Holder == nil || st.Holder.Program != "aleutian-env" {
		t.Errorf("Inspect() = %+v", st)
	}

	if err := h.Release(); err != nil {
		t.Fatalf("Release() = %v", err)
	}
	if _, err := os.Stat(m.Path()); !os.IsNotExist(err) {
		t.Error("marker should be removed after release")
	}
	if err := h.Release(); err != nil {
		t.Errorf("second Release() = %v, want nil", err)
	}
}

func TestAcquire_LiveHolderFailsImmediately(t *testing.T) {
	cfg := testConfig(t)
	holder := Holder{PID: 4242, Program: "aleutian-env", AcquiredAt: time.Now().UTC()}
	writeMarker(t, cfg, holder, "install-packages")

	calls := 0
	probe := MockProbe{
		AliveFunc: func(pid int) (bool, error) { calls++; return pid == 4242, nil },
		NameFunc:  func(pid int) (string, error) { return "aleutian-env", nil },
	}
	_, err := New(cfg, probe).Acquire(context.Background())

	var held *ErrLockHeld
	if !errors.As(err, &held) {
		t.Fatalf("Acquire() = %v, want *ErrLockHeld", err)
	}
	if held.Holder.PID != 4242 {
		t.Errorf("holder PID = %d, want 4242", held.Holder.PID)
	}
	if held.Stage != "install-packages" {
		t.Errorf("stage = %q, want install-packages", held.Stage)
	}
	if calls != 1 {
		t.Errorf("probe called %d times, want 1 (no retries against a live holder)", calls)
	}
	if !strings.Contains(err.Error(), "PID 4242") {
		t.Errorf("error should name the holder: %v", err)
	}
}

func TestAcquire_DeadHolderIsPurged(t *testing.T) {
	cfg := testConfig(t)
	writeMarker(t, cfg, Holder{PID: 999999, Program: "aleutian-env"}, "")

	m := New(cfg, MockProbe{AliveFunc: func(int) (bool, error) { return false, nil }})
	h, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() = %v, want stale marker purged", err)
	}
	defer h.Release()

	if h.Holder().PID != os.Getpid() {
		t.Error("marker should now belong to this process")
	}
}

func TestAcquire_ReusedPIDIsStale(t *testing.T) {
	cfg := testConfig(t)
	writeMarker(t, cfg, Holder{PID: 321, Program: "aleutian-env"}, "")

	probe := MockProbe{
		AliveFunc: func(int) (bool, error) { return true, nil },
		NameFunc:  func(int) (string, error) { return "postgres", nil },
	}
	h, err := New(cfg, probe).Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() = %v, want foreign PID treated as stale", err)
	}
	h.Release()
}

func TestAcquire_TruncatedProcessName(t *testing.T) {
	cfg := testConfig(t)
	cfg.Program = "aleutian-env-dev-build"
	writeMarker(t, cfg, Holder{PID: 321, Program: "aleutian-env-dev-build"}, "")

	probe := MockProbe{
		AliveFunc: func(int) (bool, error) { return true, nil },
		NameFunc:  func(int) (string, error) { return "aleutian-env-de", nil },
	}
	_, err := New(cfg, probe).Acquire(context.Background())
	var held *ErrLockHeld
	if !errors.As(err, &held) {
		t.Fatalf("Acquire() = %v, want *ErrLockHeld", err)
	}
}

func TestAcquire_FreshMarkerWithoutHolderIsNotStolen(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxAttempts = 3
	if err := os.Mkdir(filepath.Join(cfg.Dir, cfg.Name), 0750); err != nil {
		t.Fatal(err)
	}

	_, err := New(cfg, MockProbe{}).Acquire(context.Background())
	if !errors.Is(err, ErrAcquireExhausted) {
		t.Fatalf("Acquire() = %v, want ErrAcquireExhausted", err)
	}
}

func TestAcquire_OldMarkerWithoutHolderIsStale(t *testing.T) {
	cfg := testConfig(t)
	path := filepath.Join(cfg.Dir, cfg.Name)
	if err := os.Mkdir(path, 0750); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatal(err)
	}

	h, err := New(cfg, MockProbe{}).Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() = %v", err)
	}
	h.Release()
}

func TestAcquire_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := New(testConfig(t), MockProbe{}).Acquire(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Acquire() = %v, want context.Canceled", err)
	}
}

func TestSetStage(t *testing.T) {
	m := New(testConfig(t), MockProbe{})
	h, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer h.Release()

	for _, stage := range []string{"select-runtime", "snapshot", "install-packages"} {
		if err := h.SetStage(stage); err != nil {
			t.Fatalf("SetStage(%q) = %v", stage, err)
		}
	}
	if got := m.Inspect().Stage; got != "install-packages" {
		t.Errorf("current stage = %q, want install-packages", got)
	}
}

func TestRelease_DoesNotRemoveForeignMarker(t *testing.T) {
	cfg := testConfig(t)
	m := New(cfg, MockProbe{})
	h, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	// Simulate another process purging and re-acquiring the marker.
	if err := os.RemoveAll(m.Path()); err != nil {
		t.Fatal(err)
	}
	writeMarker(t, cfg, Holder{PID: 777, Program: "aleutian-env", AcquiredAt: time.Now().UTC()}, "")

	if err := h.Release(); err != nil {
		t.Fatalf("Release() = %v", err)
	}
	if _, err := os.Stat(m.Path()); err != nil {
		t.Error("foreign marker must survive Release")
	}
}

func TestSameProgram(t *testing.T) {
	tests := []struct {
		live, recorded string
		want           bool
	}{
		{"aleutian-env", "aleutian-env", true},
		{"aleutian-env-de", "aleutian-env-dev-build", true},
		{"aleutian", "aleutian-env", false},
		{"python3", "aleutian-env", false},
	}
	for _, tt := range tests {
		if got := sameProgram(tt.live, tt.recorded); got != tt.want {
			t.Errorf("sameProgram(%q, %q) = %v, want %v", tt.live, tt.recorded, got, tt.want)
		}
	}
}

func TestSystemProbe_Self(t *testing.T) {
	alive, err := SystemProbe{}.Alive(os.Getpid())
	if err != nil {
		t.Skipf("process table unavailable: %v", err)
	}
	if !alive {
		t.Error("current process should be alive")
	}
}
