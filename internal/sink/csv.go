// SPDX-License-Identifier: MIT

package sink

import (
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/soundwatch/soundwatch-go/internal/events"
	"github.com/soundwatch/soundwatch-go/internal/scoring"
)

var csvHeader = []string{"datetime", "camera", "group", "group_score", "class", "class_score", "event_start", "event_end"}

// AuditWriter appends rows to a newly created CSV file for the lifetime of
// the process; the file name carries the startup timestamp (spec.md §4.6,
// §6). A single mutex serializes every row append + flush, matching
// spec.md §5's "one mutex, held only across a single append" discipline.
type AuditWriter struct {
	mu       sync.Mutex
	file     *os.File
	writer   *csv.Writer
	disabled bool
	log      *slog.Logger
}

// NewAuditWriter creates "{logDir}/{YYYYMMDD-HHMM}.csv" and writes the
// header row. startedAt should be the process's startup time so every
// worker in the process shares one file.
func NewAuditWriter(logDir string, startedAt time.Time, log *slog.Logger) (*AuditWriter, error) {
	if log == nil {
		log = slog.Default()
	}

	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("sink: create log dir: %w", err)
	}

	path := filepath.Join(logDir, startedAt.Format("20060102-1504")+".csv")
	// #nosec G304 -- path is derived from administrator-controlled log_dir config
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return nil, fmt.Errorf("sink: create audit csv: %w", err)
	}

	w := csv.NewWriter(f)
	if err := w.Write(csvHeader); err != nil {
		f.Close()
		return nil, fmt.Errorf("sink: write csv header: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return nil, fmt.Errorf("sink: flush csv header: %w", err)
	}

	return &AuditWriter{file: f, writer: w, log: log}, nil
}

// WriteClassDetection appends one noise-filtered class detection row: the
// class and class_score columns are populated, every other column blank
// (spec.md §6).
func (a *AuditWriter) WriteClassDetection(camera string, d scoring.ClassDetection, at time.Time) {
	row := []string{at.Format(events.TimestampLayout), camera, "", "", d.Class, fmt.Sprintf("%.4f", d.Score), "", ""}
	a.writeRow(row)
}

// WriteEvent appends one start/stop transition row: for a start, the
// event_start column carries the group; for a stop, event_end does
// (spec.md §6).
func (a *AuditWriter) WriteEvent(ev events.Event) {
	row := []string{ev.Timestamp.Format(events.TimestampLayout), ev.Source, "", "", "", "", "", ""}
	switch ev.Type {
	case events.Start:
		row[6] = ev.Group
	case events.Stop:
		row[7] = ev.Group
	}
	a.writeRow(row)
}

// writeRow appends and flushes one row; a write error permanently disables
// further CSV writes for this process (spec.md §7 CsvWriteError).
func (a *AuditWriter) writeRow(row []string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.disabled {
		return
	}

	if err := a.writer.Write(row); err != nil {
		a.log.Error("csv write failed, disabling further audit writes", "error", err)
		a.disabled = true
		return
	}
	a.writer.Flush()
	if err := a.writer.Error(); err != nil {
		a.log.Error("csv flush failed, disabling further audit writes", "error", err)
		a.disabled = true
	}
}

// Close flushes and closes the underlying file.
func (a *AuditWriter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.writer.Flush()
	return a.file.Close()
}
