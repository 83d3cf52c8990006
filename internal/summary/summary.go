// SPDX-License-Identifier: MIT

// Package summary periodically logs a snapshot of event activity per
// source (spec.md §4.7).
package summary

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/soundwatch/soundwatch-go/internal/events"
	"github.com/soundwatch/soundwatch-go/internal/util"
)

// Reporter emits one multi-line log record every Interval, summarizing and
// clearing per-source event counts since the previous emission.
type Reporter struct {
	engine   *events.Engine
	sources  []string
	interval time.Duration
	log      *slog.Logger
}

// New builds a Reporter. sources is the full configured source set, in the
// order it should be listed in each summary record.
func New(engine *events.Engine, sources []string, interval time.Duration, log *slog.Logger) *Reporter {
	if log == nil {
		log = slog.Default()
	}
	cp := make([]string, len(sources))
	copy(cp, sources)
	sort.Strings(cp)
	return &Reporter{engine: engine, sources: cp, interval: interval, log: log}
}

// Run ticks every r.interval until ctx is cancelled, logging one summary
// record per tick. It is meant to be launched with util.SafeGo.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			r.emit()
		}
	}
}

func (r *Reporter) emit() {
	snapshots := r.engine.SnapshotAndClear(r.sources)

	lines := make([]string, 0, len(snapshots))
	for _, s := range snapshots {
		if s.Count == 0 {
			lines = append(lines, s.Source+": No sound events")
			continue
		}
		groups := append([]string(nil), s.Groups...)
		sort.Strings(groups)
		lines = append(lines, fmt.Sprintf("%s: %d events: %s", s.Source, s.Count, strings.Join(groups, ", ")))
	}

	minutes := int(r.interval / time.Minute)
	if len(lines) == 0 {
		r.log.Info(fmt.Sprintf("summary (past %d min): no events detected", minutes))
		return
	}
	r.log.Info(fmt.Sprintf("summary (past %d min):\n    %s", minutes, strings.Join(lines, "\n    ")))
}

// Start launches Run on its own goroutine, recovering from any panic so a
// bug in the summary cadence never brings down the process.
func (r *Reporter) Start(ctx context.Context) {
	util.SafeGo("summary-reporter", logWriter{r.log}, func() { r.Run(ctx) }, nil)
}

// logWriter adapts a *slog.Logger to the io.Writer util.SafeGo expects for
// its panic log line.
type logWriter struct {
	log *slog.Logger
}

func (w logWriter) Write(p []byte) (int, error) {
	w.log.Error(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}
