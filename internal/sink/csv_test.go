// SPDX-License-Identifier: MIT

package sink

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/soundwatch/soundwatch-go/internal/events"
	"github.com/soundwatch/soundwatch-go/internal/scoring"
)

func readRows(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	return rows
}

func TestAuditWriter_HeaderRow(t *testing.T) {
	dir := t.TempDir()
	started := time.Date(2026, 7, 30, 9, 15, 0, 0, time.UTC)

	w, err := NewAuditWriter(dir, started, nil)
	if err != nil {
		t.Fatalf("NewAuditWriter() error = %v", err)
	}
	defer w.Close()

	path := filepath.Join(dir, "20260730-0915.csv")
	rows := readRows(t, path)
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1 (header)", len(rows))
	}
	want := []string{"datetime", "camera", "group", "group_score", "class", "class_score", "event_start", "event_end"}
	for i, col := range want {
		if rows[0][i] != col {
			t.Errorf("header[%d] = %q, want %q", i, rows[0][i], col)
		}
	}
}

func TestAuditWriter_ClassDetectionRow(t *testing.T) {
	dir := t.TempDir()
	w, err := NewAuditWriter(dir, time.Now(), nil)
	if err != nil {
		t.Fatalf("NewAuditWriter() error = %v", err)
	}
	defer w.Close()

	at := time.Date(2026, 7, 30, 9, 16, 30, 0, time.UTC)
	w.WriteClassDetection("frontdoor", scoring.ClassDetection{Class: "dog.bark", Group: "dog", Score: 0.72}, at)

	rows := readRows(t, w.file.Name())
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2 (header + 1)", len(rows))
	}
	row := rows[1]
	if row[0] != "2026-07-30 09:16:30" || row[1] != "frontdoor" {
		t.Errorf("row = %v", row)
	}
	if row[4] != "dog.bark" || row[5] != "0.7200" {
		t.Errorf("class/class_score = %q/%q, want dog.bark/0.7200", row[4], row[5])
	}
	if row[2] != "" || row[3] != "" || row[6] != "" || row[7] != "" {
		t.Errorf("expected group/group_score/event_start/event_end blank, got %v", row)
	}
}

func TestAuditWriter_EventRows(t *testing.T) {
	dir := t.TempDir()
	w, err := NewAuditWriter(dir, time.Now(), nil)
	if err != nil {
		t.Fatalf("NewAuditWriter() error = %v", err)
	}
	defer w.Close()

	ts := time.Date(2026, 7, 30, 9, 17, 0, 0, time.UTC)
	w.WriteEvent(events.Event{Source: "frontdoor", Group: "dog", Type: events.Start, Timestamp: ts})
	w.WriteEvent(events.Event{Source: "frontdoor", Group: "dog", Type: events.Stop, Timestamp: ts.Add(30 * time.Second)})

	rows := readRows(t, w.file.Name())
	if len(rows) != 3 {
		t.Fatalf("got %d rows, want 3 (header + 2)", len(rows))
	}

	startRow := rows[1]
	if startRow[6] != "dog" || startRow[7] != "" {
		t.Errorf("start row event_start/event_end = %q/%q, want dog/\"\"", startRow[6], startRow[7])
	}

	stopRow := rows[2]
	if stopRow[7] != "dog" || stopRow[6] != "" {
		t.Errorf("stop row event_start/event_end = %q/%q, want \"\"/dog", stopRow[6], stopRow[7])
	}
}

func TestAuditWriter_DisablesAfterWriteError(t *testing.T) {
	dir := t.TempDir()
	w, err := NewAuditWriter(dir, time.Now(), nil)
	if err != nil {
		t.Fatalf("NewAuditWriter() error = %v", err)
	}

	// Closing the underlying file out from under the writer simulates a
	// disk/permission failure on the next write.
	w.file.Close()

	w.WriteEvent(events.Event{Source: "frontdoor", Group: "dog", Type: events.Start, Timestamp: time.Now()})
	if !w.disabled {
		t.Error("expected AuditWriter to disable itself after a write error")
	}

	// A further write must not panic or re-enable.
	w.WriteEvent(events.Event{Source: "frontdoor", Group: "dog", Type: events.Stop, Timestamp: time.Now()})
	if !w.disabled {
		t.Error("expected AuditWriter to remain disabled")
	}
}
