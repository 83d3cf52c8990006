// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/soundwatch/soundwatch-go/internal/config"
	"github.com/soundwatch/soundwatch-go/internal/events"
	"github.com/soundwatch/soundwatch-go/internal/health"
	"github.com/soundwatch/soundwatch-go/internal/supervisor"
	"github.com/soundwatch/soundwatch-go/internal/worker"
)

const validConfigYAML = `
cameras:
  frontdoor:
    ffmpeg:
      inputs:
        - path: rtsp://cam1.local/stream
mqtt:
  host: broker.local
`

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing fixture config: %v", err)
	}
	return path
}

func TestRunValidate_ValidConfig(t *testing.T) {
	path := writeTestConfig(t, validConfigYAML)
	if err := runValidate([]string{"-config", path}); err != nil {
		t.Fatalf("runValidate() error = %v", err)
	}
}

func TestRunValidate_InvalidConfig(t *testing.T) {
	path := writeTestConfig(t, "mqtt:\n  host: broker.local\n")
	if err := runValidate([]string{"-config", path}); err == nil {
		t.Fatal("runValidate() error = nil, want error for config with no cameras")
	}
}

func TestRun_DispatchesValidate(t *testing.T) {
	path := writeTestConfig(t, validConfigYAML)
	if err := run([]string{"validate", "-config", path}); err != nil {
		t.Fatalf("run(validate) error = %v", err)
	}
}

func TestRun_DispatchesHelp(t *testing.T) {
	if err := run([]string{"help"}); err != nil {
		t.Fatalf("run(help) error = %v", err)
	}
}

func TestPrintUsage_NoPanic(t *testing.T) {
	printUsage()
}

func TestNewLogger_Levels(t *testing.T) {
	tests := []struct {
		level string
	}{
		{"DEBUG"}, {"INFO"}, {"WARNING"}, {"ERROR"}, {"CRITICAL"}, {""},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			log, out, err := newLogger(config.GeneralConfig{LogLevel: tt.level})
			if err != nil {
				t.Fatalf("newLogger() error = %v", err)
			}
			if log == nil {
				t.Fatal("newLogger() returned nil logger")
			}
			if out != nil {
				t.Error("newLogger() without Logfile should not return a rotating writer")
			}
		})
	}
}

func TestNewLogger_WithLogfile(t *testing.T) {
	log, out, err := newLogger(config.GeneralConfig{LogDir: t.TempDir(), Logfile: true})
	if err != nil {
		t.Fatalf("newLogger() error = %v", err)
	}
	if log == nil {
		t.Fatal("newLogger() returned nil logger")
	}
	if out == nil {
		t.Fatal("newLogger() with Logfile=true should return a rotating writer")
	}
	defer out.Close()
}

func TestServiceRegistry_OnStartTracksRestarts(t *testing.T) {
	r := newServiceRegistry(events.New(5, 3, 15), t.TempDir(), nil, slog.Default())

	r.onStart("frontdoor")
	if r.restarts["frontdoor"] != 0 {
		t.Errorf("initial start counted as a restart: restarts = %d", r.restarts["frontdoor"])
	}

	r.onStart("frontdoor")
	if r.restarts["frontdoor"] != 1 {
		t.Errorf("restarts after second start = %d, want 1", r.restarts["frontdoor"])
	}
}

func TestServiceRegistry_OnStoppedIgnoresCleanExit(t *testing.T) {
	r := newServiceRegistry(events.New(5, 3, 15), t.TempDir(), nil, slog.Default())

	r.onStopped("frontdoor", nil)
	r.onStopped("frontdoor", context.Canceled)
	if r.failures["frontdoor"] != 0 {
		t.Errorf("failures = %d, want 0 for nil/context.Canceled exits", r.failures["frontdoor"])
	}

	r.onStopped("frontdoor", errors.New("decoder crashed"))
	if r.failures["frontdoor"] != 1 {
		t.Errorf("failures = %d, want 1 after a real error", r.failures["frontdoor"])
	}
}

func TestServiceRegistry_Services(t *testing.T) {
	eventsEngine := events.New(5, 3, 15)
	r := newServiceRegistry(eventsEngine, t.TempDir(), []string{"dog"}, slog.Default())

	sup := supervisor.New([]string{"frontdoor"}, func(source string) *worker.Worker {
		return worker.New(worker.Config{Source: source})
	}, slog.Default())
	r.sup = sup

	services := r.Services()
	if len(services) != 1 {
		t.Fatalf("Services() returned %d entries, want 1", len(services))
	}
	if services[0].Name != "frontdoor" {
		t.Errorf("Services()[0].Name = %q, want frontdoor", services[0].Name)
	}
	if services[0].State != "stopped" {
		t.Errorf("Services()[0].State = %q, want stopped before StartAll", services[0].State)
	}
}

func TestServiceRegistry_ImplementsHealthInterfaces(t *testing.T) {
	var _ health.StatusProvider = &serviceRegistry{}
	var _ health.SystemInfoProvider = &serviceRegistry{}
}

func TestDiskUsage(t *testing.T) {
	free, total, err := diskUsage(t.TempDir())
	if err != nil {
		t.Fatalf("diskUsage() error = %v", err)
	}
	if total == 0 {
		t.Error("diskUsage() total = 0, want a positive filesystem size")
	}
	if free > total {
		t.Errorf("diskUsage() free = %d, want <= total %d", free, total)
	}
}

func TestDiskUsage_NonExistentDirFallsBackToParent(t *testing.T) {
	dir := t.TempDir()
	_, total, err := diskUsage(filepath.Join(dir, "does-not-exist"))
	if err != nil {
		t.Fatalf("diskUsage() error = %v", err)
	}
	if total == 0 {
		t.Error("diskUsage() total = 0, want a positive filesystem size from the parent directory")
	}
}

func TestCheckNTPSync_NoPanic(t *testing.T) {
	synced, msg := checkNTPSync()
	t.Logf("checkNTPSync() = %v, %q", synced, msg)
}

func TestServiceRegistry_SystemInfo(t *testing.T) {
	r := newServiceRegistry(events.New(5, 3, 15), t.TempDir(), nil, slog.Default())
	si := r.SystemInfo()
	if si.DiskTotalBytes == 0 {
		t.Error("SystemInfo().DiskTotalBytes = 0, want positive")
	}
}

func TestBackupConfigOnStartup_NoPanicOnMissingSource(t *testing.T) {
	stateDir := t.TempDir()
	backupConfigOnStartup(filepath.Join(t.TempDir(), "missing.yaml"), stateDir, slog.Default())
}
