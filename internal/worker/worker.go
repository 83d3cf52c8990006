// SPDX-License-Identifier: MIT

package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/soundwatch/soundwatch-go/internal/events"
	"github.com/soundwatch/soundwatch-go/internal/frame"
	"github.com/soundwatch/soundwatch-go/internal/inference"
	"github.com/soundwatch/soundwatch-go/internal/scoring"
	"github.com/soundwatch/soundwatch-go/internal/sink"
	"github.com/soundwatch/soundwatch-go/internal/util"
)

// State represents a Worker's position in its lifecycle.
type State int

const (
	Idle State = iota
	Starting
	Running
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// readyMarker is the literal decoder diagnostic-line substring that signals
// a successful RTSP connection.
const readyMarker = "Press [q] to stop"

// fatalSubstrings stop the worker outright: no restart is useful without an
// operator fixing the underlying cause.
var fatalSubstrings = []string{
	"401 Unauthorized",
	"403 Forbidden",
	"No route to host",
	"Connection refused",
	"timed out",
}

// ReadyTimeout is how long Start waits for the ready marker before giving up.
var ReadyTimeout = 30 * time.Second

// StopTimeout is how long Stop waits for a graceful exit before killing the
// decoder process.
var StopTimeout = 5 * time.Second

// ErrReadyTimeout is returned by Start when the decoder never reaches the
// ready marker within ReadyTimeout.
var ErrReadyTimeout = errors.New("worker: decoder did not become ready in time")

// Config bundles everything one Worker needs to own a source end to end:
// decoder invocation, per-window inference/scoring, event tracking, and the
// sink that publishes/audits the result.
type Config struct {
	Source  string
	RTSPURL string
	Tracked []string // tracked group names, passed through to events.Engine.Update

	// DecoderPath is the decoder binary to invoke. Defaults to "ffmpeg"
	// resolved from PATH; overridable so tests can substitute a fake.
	DecoderPath string

	Engine   inference.Engine
	Pipeline *scoring.Pipeline
	Events   *events.Engine
	Sink     *sink.Sink

	// DiagnosticLog, if set, receives every decoder diagnostic line
	// verbatim (general.ffmpeg_debug).
	DiagnosticLog io.Writer

	// Monitor and MonitorInterval enable periodic /proc resource sampling
	// of the decoder subprocess. Both optional.
	Monitor         *ResourceMonitor
	MonitorInterval time.Duration
	OnResourceAlert func([]ResourceAlert)

	// OnStopped is invoked exactly once after the decoder has fully exited
	// and both I/O activities have returned. err is the decoder's exit
	// error from cmd.Wait: nil only for a zero exit status, so a decoder
	// ended by Stop's interrupt or kill usually reports a non-nil error,
	// just as a failed one does.
	OnStopped func(source string, err error)

	Log *slog.Logger
}

// Worker owns exactly one decoder subprocess for one audio source (spec.md
// §4.2). It is single-use: once Stopped, create a fresh Worker to retry —
// the Supervisor's liveness loop does exactly that.
type Worker struct {
	cfg Config
	log *slog.Logger

	state atomic.Value // State

	mu            sync.Mutex
	cmd           *exec.Cmd
	monitorCancel context.CancelFunc
	tracker       *util.ResourceTracker

	stopOnce sync.Once
	done     chan struct{} // closed once the decoder has fully exited
}

// New builds an idle Worker. Call Start to launch the decoder.
func New(cfg Config) *Worker {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	w := &Worker{
		cfg:     cfg,
		log:     cfg.Log.With("source", cfg.Source),
		tracker: util.NewResourceTracker(),
		done:    make(chan struct{}),
	}
	w.setState(Idle)
	return w
}

// State returns the worker's current lifecycle state.
func (w *Worker) State() State {
	return w.state.Load().(State)
}

func (w *Worker) setState(s State) {
	w.state.Store(s)
}

// IsRunning reports whether the worker believes its decoder is live.
func (w *Worker) IsRunning() bool {
	return w.State() == Running
}

// Start launches the decoder and blocks until it reaches the ready marker,
// a fatal diagnostic line stops it, or ReadyTimeout elapses. On success the
// decoder's two I/O activities (frame reader, diagnostic drain) continue
// running in the background until Stop is called or the decoder exits on
// its own.
func (w *Worker) Start(ctx context.Context) error {
	w.setState(Starting)

	decoderPath := w.cfg.DecoderPath
	if decoderPath == "" {
		decoderPath = "ffmpeg"
	}
	// Deliberately exec.Command, not exec.CommandContext(ctx, ...): Go wires
	// CommandContext's cancellation to an immediate Process.Kill() the
	// instant ctx is done, which would race the graceful
	// interrupt-then-wait sequence stopAsync runs below. The decoder's
	// lifecycle is owned entirely by Stop/stopAsync so it gets its full
	// StopTimeout grace period regardless of when the caller's ctx is
	// cancelled.
	// #nosec G204 -- decoderPath/RTSPURL come from administrator-controlled configuration
	cmd := exec.Command(decoderPath, decoderArgs(w.cfg.RTSPURL)...)
	cmd.Stdin = nil

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		w.setState(Stopped)
		return fmt.Errorf("worker: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		w.setState(Stopped)
		return fmt.Errorf("worker: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		w.setState(Stopped)
		return fmt.Errorf("worker: start decoder: %w", err)
	}

	// Do not assign w.cmd until Start has succeeded, so a concurrent Stop
	// never signals a process that was never launched.
	w.mu.Lock()
	w.cmd = cmd
	w.mu.Unlock()
	w.tracker.TrackProcess(w.cfg.Source, cmd.Process)

	if w.cfg.Monitor != nil && w.cfg.MonitorInterval > 0 {
		monitorCtx, cancel := context.WithCancel(ctx)
		w.mu.Lock()
		w.monitorCancel = cancel
		w.mu.Unlock()
		go w.cfg.Monitor.MonitorProcess(monitorCtx, cmd.Process.Pid, w.cfg.MonitorInterval, w.cfg.OnResourceAlert)
	}

	startup := make(chan error, 1)
	var startupOnce sync.Once
	reportStartup := func(err error) {
		startupOnce.Do(func() { startup <- err })
	}

	var wg sync.WaitGroup
	wg.Add(2)

	util.SafeGo(fmt.Sprintf("worker-frames-%s", w.cfg.Source), logWriter{w.log}, func() {
		defer wg.Done()
		err := frame.Run(ctx, stdout, w.onFrame)
		if err != nil && !errors.Is(err, context.Canceled) {
			w.log.Debug("frame reader exiting", "error", err)
		}
	}, nil)

	util.SafeGo(fmt.Sprintf("worker-diagnostics-%s", w.cfg.Source), logWriter{w.log}, func() {
		defer wg.Done()
		w.drainDiagnostics(stderr, reportStartup)
	}, nil)

	util.SafeGo(fmt.Sprintf("worker-wait-%s", w.cfg.Source), logWriter{w.log}, func() {
		wg.Wait()
		exitErr := cmd.Wait()
		w.handleExit(exitErr)
	}, nil)

	select {
	case err := <-startup:
		if err != nil {
			w.stopAsync()
			return err
		}
		w.setState(Running)
		return nil
	case <-time.After(ReadyTimeout):
		w.log.Warn("decoder did not become ready in time", "timeout", ReadyTimeout)
		w.stopAsync()
		return ErrReadyTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// onFrame runs one waveform through inference, scoring, the event state
// machine, and the sink.
func (w *Worker) onFrame(waveform []float32) error {
	scores, err := w.cfg.Engine.Classify(waveform)
	if err != nil {
		w.log.Error("inference failed, dropping window", "error", err)
		return nil
	}

	now := time.Now()
	classes, groups := w.cfg.Pipeline.Run(scores)
	w.cfg.Sink.EmitClassDetections(w.cfg.Source, classes, now)

	detected := make(map[string]bool, len(groups))
	for _, d := range groups {
		detected[d.Group] = true
	}

	for _, ev := range w.cfg.Events.Update(w.cfg.Source, w.cfg.Tracked, detected, now) {
		w.cfg.Sink.EmitEvent(ev)
	}
	return nil
}

// drainDiagnostics reads decoder diagnostic lines until EOF, mirroring them
// to the optional debug log, watching for the ready marker (reported once
// via reportStartup(nil)), and stopping the worker on a fatal substring
// (reported via reportStartup(err)).
func (w *Worker) drainDiagnostics(r io.Reader, reportStartup func(error)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 4096), 64*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if w.cfg.DiagnosticLog != nil {
			fmt.Fprintln(w.cfg.DiagnosticLog, line)
		}

		if strings.Contains(line, readyMarker) {
			reportStartup(nil)
			continue
		}

		if fatal, ok := matchFatal(line); ok {
			w.log.Warn("fatal diagnostic line, stopping", "match", fatal, "line", line)
			reportStartup(fmt.Errorf("worker: fatal decoder diagnostic: %s", fatal))
			// Stop asynchronously: this goroutine must keep draining to
			// EOF rather than joining itself.
			w.stopAsync()
			continue
		}

		w.log.Debug("decoder diagnostic", "line", line)
	}
}

func matchFatal(line string) (string, bool) {
	for _, s := range fatalSubstrings {
		if strings.Contains(line, s) {
			return s, true
		}
	}
	return "", false
}

// handleExit runs once both I/O activities have returned and the decoder
// process has been reaped. It transitions to Stopped and notifies the
// Supervisor, regardless of whether the exit was requested or not — the
// worker never restarts itself (spec.md §4.2).
func (w *Worker) handleExit(exitErr error) {
	w.mu.Lock()
	if w.monitorCancel != nil {
		w.monitorCancel()
		w.monitorCancel = nil
	}
	w.tracker.UntrackProcess(w.cfg.Source)
	w.mu.Unlock()

	if exitErr != nil {
		w.log.Debug("decoder exited", "error", exitErr)
	}
	w.setState(Stopped)
	close(w.done)

	if w.cfg.OnStopped != nil {
		w.cfg.OnStopped(w.cfg.Source, exitErr)
	}
}

// stopAsync signals the decoder to terminate without blocking the caller —
// safe to call from within one of the worker's own I/O goroutines.
func (w *Worker) stopAsync() {
	w.stopOnce.Do(func() {
		w.setState(Stopping)

		w.mu.Lock()
		cmd := w.cmd
		w.mu.Unlock()

		if cmd == nil || cmd.Process == nil {
			return
		}
		proc := cmd.Process

		_ = proc.Signal(os.Interrupt)

		killCtx, cancel := context.WithTimeout(context.Background(), StopTimeout)
		go func() {
			defer cancel()
			<-killCtx.Done()
			if killCtx.Err() == context.DeadlineExceeded {
				_ = proc.Kill()
			}
		}()
	})
}

// Stop is idempotent and safe to call from any goroutine except the
// worker's own I/O activities (use the internal stopAsync path for that).
// It signals the decoder, then blocks until both I/O activities and the
// process wait have completed, or StopTimeout plus one second elapses.
func (w *Worker) Stop() {
	w.stopAsync()

	select {
	case <-w.done:
	case <-time.After(StopTimeout + time.Second):
		w.log.Warn("stop did not observe decoder exit within the grace period")
	}
}

// decoderArgs builds the ffmpeg argument list for RTSP-over-TCP input
// decoded to raw mono 16 kHz s16le PCM on stdout.
func decoderArgs(rtspURL string) []string {
	url := rtspURL
	if strings.Contains(url, "?") {
		url += "&timeout=30000000"
	} else {
		url += "?timeout=30000000"
	}

	return []string{
		"-rtsp_transport", "tcp",
		"-timeout", "30000000",
		"-i", url,
		"-f", "s16le",
		"-acodec", "pcm_s16le",
		"-ac", "1",
		"-ar", "16000",
		"-reorder_queue_size", "0",
		"-use_wallclock_as_timestamps", "1",
		"-probesize", "50M",
		"-analyzeduration", "10M",
		"-max_delay", "500000",
		"-flags", "low_delay",
		"-fflags", "nobuffer",
		"-",
	}
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
