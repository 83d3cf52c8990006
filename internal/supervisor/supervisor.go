// SPDX-License-Identifier: MIT

// Package supervisor owns the set of Stream Workers keyed by source name,
// starting them all at launch and periodically replacing any that have
// stopped (spec.md §4.3).
package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/soundwatch/soundwatch-go/internal/worker"
)

// LivenessInterval is the cadence of the restart-check loop. All sources
// share this single flat interval — there is no per-source backoff. A
// package variable rather than a constant so tests can shrink it.
var LivenessInterval = 60 * time.Second

// ShutdownGrace bounds how long StopAll waits for the liveness loop itself
// to notice the shutdown signal and return.
var ShutdownGrace = 5 * time.Second

// Factory builds a fresh, not-yet-started Worker for source. The
// Supervisor calls it once at startup per configured source, and again on
// every liveness tick for any source whose worker is no longer running.
type Factory func(source string) *worker.Worker

// Supervisor starts and restarts one Worker per configured source.
type Supervisor struct {
	factory Factory
	log     *slog.Logger

	mu       sync.Mutex
	sources  []string
	workers  map[string]*worker.Worker
	shutdown bool

	loopDone chan struct{}
}

// New builds a Supervisor for the given source names. factory constructs a
// fresh Worker for a source on demand; it must not be nil.
func New(sources []string, factory Factory, log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	cp := make([]string, len(sources))
	copy(cp, sources)
	return &Supervisor{
		factory:  factory,
		log:      log,
		sources:  cp,
		workers:  make(map[string]*worker.Worker),
		loopDone: make(chan struct{}),
	}
}

// StartAll launches a worker for every configured source and begins the
// 60s liveness loop in the background. ctx governs the lifetime of every
// worker started, including ones created later by the liveness loop.
func (s *Supervisor) StartAll(ctx context.Context) {
	s.mu.Lock()
	for _, source := range s.sources {
		s.startLocked(ctx, source)
	}
	s.mu.Unlock()

	go func() {
		s.livenessLoop(ctx)
	}()
}

// startLocked builds and starts a worker for source; must hold s.mu.
func (s *Supervisor) startLocked(ctx context.Context, source string) {
	w := s.factory(source)
	s.workers[source] = w

	go func() {
		if err := w.Start(ctx); err != nil {
			s.log.Warn("worker failed to start, will retry on the next liveness tick", "source", source, "error", err)
		}
	}()
}

// livenessLoop wakes every LivenessInterval and restarts any source whose
// worker is missing or not running. It returns as soon as ctx is cancelled,
// or within 100ms of the shutdown flag being set, without waiting out a
// partial tick.
func (s *Supervisor) livenessLoop(ctx context.Context) {
	defer close(s.loopDone)

	ticker := time.NewTicker(LivenessInterval)
	defer ticker.Stop()
	poll := time.NewTicker(100 * time.Millisecond)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkLiveness(ctx)
		case <-poll.C:
			s.mu.Lock()
			stopping := s.shutdown
			s.mu.Unlock()
			if stopping {
				return
			}
		}
	}
}

func (s *Supervisor) checkLiveness(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shutdown {
		return
	}

	for _, source := range s.sources {
		if s.shutdown {
			return
		}
		w, ok := s.workers[source]
		if ok && w.IsRunning() {
			continue
		}
		s.log.Warn("source not running, restarting", "source", source)
		s.startLocked(ctx, source)
	}
}

// StreamStopped is the Worker-facing callback (spec.md §4.3's
// stream_stopped(name)): it lets an operator watch transitions as they
// happen rather than waiting for the next liveness tick to notice the gap.
func (s *Supervisor) StreamStopped(source string) {
	s.log.Info("stream stopped", "source", source)
}

// StopAll is idempotent and safe to call from a signal handler. It sets
// the shutdown flag, stops every worker (iterating a snapshot so a worker
// replaced mid-iteration by a concurrent liveness tick is not double-
// stopped), and waits up to ShutdownGrace for the liveness loop to return.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return
	}
	s.shutdown = true
	snapshot := make([]*worker.Worker, 0, len(s.workers))
	for _, w := range s.workers {
		snapshot = append(snapshot, w)
	}
	s.mu.Unlock()

	var stopWg sync.WaitGroup
	for _, w := range snapshot {
		stopWg.Add(1)
		go func(w *worker.Worker) {
			defer stopWg.Done()
			w.Stop()
		}(w)
	}
	stopWg.Wait()

	select {
	case <-s.loopDone:
	case <-time.After(ShutdownGrace):
		s.log.Warn("liveness loop did not return within the shutdown grace period")
	}
}

// Sources returns the configured source names, in the order given to New.
func (s *Supervisor) Sources() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]string, len(s.sources))
	copy(cp, s.sources)
	return cp
}

// Running reports whether source currently has a live worker.
func (s *Supervisor) Running(source string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[source]
	return ok && w.IsRunning()
}
