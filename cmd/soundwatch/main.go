// SPDX-License-Identifier: MIT

// Package main implements the soundwatch daemon, the core acoustic
// monitoring service.
//
// soundwatch is designed for 24/7 unattended operation, decoding audio from
// one or more RTSP camera sources, classifying it against a fixed sound
// taxonomy, and publishing start/stop events over MQTT when a tracked sound
// group is detected.
//
// Usage:
//
//	soundwatch [options]
//	soundwatch validate [-config=PATH]
//	soundwatch doctor [options]
//
// Options:
//
//	-config=PATH     Path to config file (default: /etc/soundwatch/config.yaml)
//	-state-dir=PATH  Directory for config backups (default: /var/lib/soundwatch)
//	-log-level=LEVEL Override general.log_level: debug, info, warn, error
//	-health-addr=ADDR Address for the /healthz and /metrics endpoints
//	-model=PATH      Path to the ONNX acoustic model
//	-taxonomy=PATH   Path to the class taxonomy CSV
//	-decoder=PATH    Decoder binary to invoke (default: ffmpeg resolved from PATH)
//	-help            Show this help message
//
// The daemon automatically:
//   - Starts a decoder subprocess for each configured camera source
//   - Restarts failed sources on a 60s liveness check
//   - Publishes per-source sound events to MQTT and the CSV audit log
//   - Handles SIGINT/SIGTERM for graceful shutdown
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/soundwatch/soundwatch-go/internal/config"
	"github.com/soundwatch/soundwatch-go/internal/diagnostics"
	"github.com/soundwatch/soundwatch-go/internal/events"
	"github.com/soundwatch/soundwatch-go/internal/health"
	"github.com/soundwatch/soundwatch-go/internal/inference"
	"github.com/soundwatch/soundwatch-go/internal/logging"
	"github.com/soundwatch/soundwatch-go/internal/scoring"
	"github.com/soundwatch/soundwatch-go/internal/sink"
	"github.com/soundwatch/soundwatch-go/internal/summary"
	"github.com/soundwatch/soundwatch-go/internal/supervisor"
	"github.com/soundwatch/soundwatch-go/internal/taxonomy"
	"github.com/soundwatch/soundwatch-go/internal/worker"
)

// Build information (set by ldflags).
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const (
	defaultModelPath    = "/etc/soundwatch/model.onnx"
	defaultTaxonomyPath = "/etc/soundwatch/taxonomy.csv"
	defaultStateDir     = "/var/lib/soundwatch"
	defaultHealthAddr   = ":8080"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "soundwatch: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) > 0 {
		switch args[0] {
		case "validate":
			return runValidate(args[1:])
		case "doctor":
			return runDoctor(args[1:])
		case "help", "-h", "--help":
			printUsage()
			return nil
		case "version", "--version":
			fmt.Printf("soundwatch %s (%s) built %s\n", Version, Commit, BuildTime)
			return nil
		}
	}
	return runDaemon(args)
}

// runValidate loads and validates the configuration file, printing the
// result and exiting without starting any source.
func runValidate(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	configPath := fs.String("config", config.ConfigFilePath, "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}

	fmt.Printf("configuration valid: %d camera(s), mqtt host %s\n", len(cfg.Cameras), cfg.MQTT.Host)
	return nil
}

// loadConfig layers the YAML file under SOUNDWATCH_* environment variables
// (e.g. SOUNDWATCH_MQTT_PASSWORD for a broker credential an operator does
// not want written to disk) and validates the merged result.
func loadConfig(path string) (*config.Config, error) {
	kc, err := config.NewKoanfConfig(config.WithYAMLFile(path))
	if err != nil {
		return nil, err
	}
	return kc.Load()
}

// runDoctor runs the operator "doctor" checks and prints a report.
func runDoctor(args []string) error {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	configPath := fs.String("config", config.ConfigFilePath, "Path to configuration file")
	logDir := fs.String("log-dir", "/var/log/soundwatch", "Directory for the CSV audit log")
	decoderPath := fs.String("decoder", "ffmpeg", "Decoder binary to check")
	modelPath := fs.String("model", defaultModelPath, "Path to the ONNX acoustic model")
	taxonomyPath := fs.String("taxonomy", defaultTaxonomyPath, "Path to the class taxonomy CSV")
	asJSON := fs.Bool("json", false, "Print the report as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	runner := diagnostics.NewRunner(diagnostics.Options{
		ConfigPath:   *configPath,
		LogDir:       *logDir,
		DecoderPath:  *decoderPath,
		ModelPath:    *modelPath,
		TaxonomyPath: *taxonomyPath,
	})

	report, err := runner.Run(context.Background())
	if err != nil {
		return err
	}

	if *asJSON {
		data, err := report.ToJSON()
		if err != nil {
			return err
		}
		fmt.Println(string(data))
	} else {
		diagnostics.PrintReport(os.Stdout, report)
	}

	if !report.Healthy {
		os.Exit(1)
	}
	return nil
}

// runDaemon wires and runs the soundwatch daemon until it is signalled to
// shut down.
func runDaemon(args []string) error {
	fs := flag.NewFlagSet("soundwatch", flag.ContinueOnError)
	configPath := fs.String("config", config.ConfigFilePath, "Path to configuration file")
	stateDir := fs.String("state-dir", defaultStateDir, "Directory for config backups")
	logLevel := fs.String("log-level", "", "Override general.log_level: debug, info, warn, error")
	healthAddr := fs.String("health-addr", defaultHealthAddr, "Address for the /healthz and /metrics endpoints")
	modelPath := fs.String("model", defaultModelPath, "Path to the ONNX acoustic model")
	taxonomyPath := fs.String("taxonomy", defaultTaxonomyPath, "Path to the class taxonomy CSV")
	decoderPath := fs.String("decoder", "", "Decoder binary to invoke (default: ffmpeg resolved from PATH)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if *logLevel != "" {
		cfg.General.LogLevel = strings.ToUpper(*logLevel)
	}

	log, logFile, err := newLogger(cfg.General)
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}
	slog.SetDefault(log)

	log.Info("soundwatch starting", "version", Version, "commit", Commit, "built", BuildTime, "config", *configPath)

	if err := os.MkdirAll(*stateDir, 0o750); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	backupConfigOnStartup(*configPath, *stateDir, log)

	tax, err := taxonomy.Load(*taxonomyPath)
	if err != nil {
		return fmt.Errorf("failed to load taxonomy: %w", err)
	}

	startedAt := time.Now()
	snk, err := sink.New(cfg.MQTT, cfg.General.SoundLog, cfg.General.LogDir, startedAt, log)
	if err != nil {
		return fmt.Errorf("failed to set up sink: %w", err)
	}
	defer snk.Close()

	eventsEngine := events.New(cfg.Events.WindowDetect, cfg.Events.Persistence, cfg.Events.Decay)

	trackedMap := make(map[string]bool, len(cfg.Sounds.Track))
	for _, group := range cfg.Sounds.Track {
		trackedMap[group] = true
	}
	minScore := make(map[string]float32, len(cfg.Sounds.Filters))
	for group, filter := range cfg.Sounds.Filters {
		minScore[group] = float32(filter.MinScore)
	}
	pipeline := scoring.New(tax, float32(*cfg.General.NoiseThreshold), cfg.General.TopK, float32(*cfg.General.DefaultMinScore), trackedMap, minScore)

	sourceNames := make([]string, 0, len(cfg.Cameras))
	for name := range cfg.Cameras {
		sourceNames = append(sourceNames, name)
	}
	sort.Strings(sourceNames)
	if len(sourceNames) == 0 {
		return errors.New("no camera sources configured")
	}

	engines := make(map[string]inference.Engine, len(sourceNames))
	for _, name := range sourceNames {
		eng, err := inference.NewEngine(*modelPath)
		if err != nil {
			return fmt.Errorf("failed to load inference engine for %s: %w", name, err)
		}
		engines[name] = eng
	}
	defer func() {
		for name, eng := range engines {
			if err := eng.Close(); err != nil {
				log.Warn("failed to close inference engine", "source", name, "error", err)
			}
		}
	}()

	var diagnosticLog *logging.RotatingWriter
	if cfg.General.FfmpegDebug {
		diagnosticLog, err = logging.NewRotatingWriter(filepath.Join(cfg.General.LogDir, "decoder-diagnostics.log"))
		if err != nil {
			return fmt.Errorf("failed to open decoder diagnostic log: %w", err)
		}
		defer diagnosticLog.Close()
	}

	var monitor *worker.ResourceMonitor
	if cfg.General.ResourceMonitorInterval > 0 {
		monitor = worker.NewResourceMonitor(worker.WithLogger(logWriter{log}))
	}

	registry := newServiceRegistry(eventsEngine, cfg.General.LogDir, cfg.Sounds.Track, log)

	var sup *supervisor.Supervisor
	factory := func(source string) *worker.Worker {
		registry.onStart(source)
		cam := cfg.Cameras[source]

		wcfg := worker.Config{
			Source:  source,
			RTSPURL: cam.RTSPURL(),
			Tracked: cfg.Sounds.Track,

			Engine:   engines[source],
			Pipeline: pipeline,
			Events:   eventsEngine,
			Sink:     snk,

			OnStopped: func(src string, err error) {
				registry.onStopped(src, err)
				sup.StreamStopped(src)
			},
			Log: log,
		}
		if *decoderPath != "" {
			wcfg.DecoderPath = *decoderPath
		}
		if diagnosticLog != nil {
			wcfg.DiagnosticLog = diagnosticLog
		}
		if monitor != nil {
			wcfg.Monitor = monitor
			wcfg.MonitorInterval = time.Duration(cfg.General.ResourceMonitorInterval) * time.Second
			wcfg.OnResourceAlert = func(alerts []worker.ResourceAlert) {
				for _, a := range alerts {
					log.Warn("decoder resource alert", "source", source, "resource", a.Resource, "level", a.Level.String(), "message", a.Message, "value", a.Value)
				}
			}
		}
		return worker.New(wcfg)
	}

	sup = supervisor.New(sourceNames, factory, log)
	registry.sup = sup

	healthHandler := health.NewHandler(registry).WithSystemInfo(registry)

	reporter := summary.New(eventsEngine, sourceNames, time.Duration(cfg.General.SummaryInterval)*time.Minute, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	healthReady := make(chan struct{})
	healthErr := make(chan error, 1)
	go func() {
		if err := health.ListenAndServeReady(ctx, *healthAddr, healthHandler, healthReady); err != nil {
			healthErr <- err
		}
	}()
	select {
	case <-healthReady:
		log.Info("health endpoint listening", "addr", *healthAddr)
	case err := <-healthErr:
		return fmt.Errorf("health endpoint failed to start: %w", err)
	}

	reporter.Start(ctx)

	sup.StartAll(ctx)
	log.Info("started", "sources", sourceNames)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("received signal, shutting down", "signal", sig.String())
	case err := <-healthErr:
		log.Error("health endpoint failed", "error", err)
	}

	// Stop every decoder gracefully (interrupt, wait, then kill only past
	// StopTimeout — see worker.Start's comment on why its exec.Cmd isn't
	// tied to ctx) before tearing down the shared context that the health
	// server, summary reporter, and resource monitors run on.
	sup.StopAll()
	cancel()
	log.Info("shutdown complete")
	return nil
}

// backupConfigOnStartup snapshots the active config file before the daemon
// starts consuming it, retaining the most recent generations.
func backupConfigOnStartup(configPath, stateDir string, log *slog.Logger) {
	backupDir := filepath.Join(stateDir, "config-backups")
	if _, err := config.BackupConfig(configPath, backupDir); err != nil {
		log.Warn("failed to back up configuration on startup", "error", err)
		return
	}
	if _, err := config.CleanOldBackups(backupDir, filepath.Base(configPath), config.DefaultKeepBackups); err != nil {
		log.Warn("failed to prune old configuration backups", "error", err)
	}
}

// newLogger builds the daemon's slog.Logger per general.log_level,
// optionally mirroring output to a rotating file when general.logfile is
// set.
func newLogger(cfg config.GeneralConfig) (*slog.Logger, *logging.RotatingWriter, error) {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "DEBUG":
		level = slog.LevelDebug
	case "INFO":
		level = slog.LevelInfo
	case "WARNING", "WARN":
		level = slog.LevelWarn
	case "ERROR", "CRITICAL":
		level = slog.LevelError
	}

	var out *logging.RotatingWriter
	var writer io.Writer = os.Stderr
	if cfg.Logfile {
		var err error
		out, err = logging.NewRotatingWriter(filepath.Join(cfg.LogDir, "soundwatch.log"))
		if err != nil {
			return nil, nil, err
		}
		writer = io.MultiWriter(os.Stderr, out)
	}

	handler := slog.NewTextHandler(writer, &slog.HandlerOptions{Level: level})
	return slog.New(handler), out, nil
}

// logWriter adapts a *slog.Logger to io.Writer for components (like
// worker.ResourceMonitor) that take a plain writer for diagnostics.
type logWriter struct {
	log *slog.Logger
}

func (w logWriter) Write(p []byte) (int, error) {
	w.log.Warn(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

// serviceRegistry tracks per-source restart/failure counters and bridges
// the supervisor and event engine into the health.StatusProvider and
// health.SystemInfoProvider interfaces.
type serviceRegistry struct {
	mu        sync.Mutex
	startedAt map[string]time.Time
	restarts  map[string]int
	failures  map[string]int

	sup     *supervisor.Supervisor
	events  *events.Engine
	tracked []string
	logDir  string
	log     *slog.Logger
}

func newServiceRegistry(eventsEngine *events.Engine, logDir string, tracked []string, log *slog.Logger) *serviceRegistry {
	return &serviceRegistry{
		startedAt: make(map[string]time.Time),
		restarts:  make(map[string]int),
		failures:  make(map[string]int),
		events:    eventsEngine,
		tracked:   tracked,
		logDir:    logDir,
		log:       log,
	}
}

// onStart records a (re)start; the first call for a source is the initial
// start, every subsequent call is a supervisor-driven restart.
func (r *serviceRegistry) onStart(source string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, seen := r.startedAt[source]; seen {
		r.restarts[source]++
	}
	r.startedAt[source] = time.Now()
}

// onStopped records a failure whenever the decoder exited with a non-nil
// error other than context.Canceled. A decoder ended by a requested stop
// usually exits non-zero, so it is counted as well.
func (r *serviceRegistry) onStopped(source string, err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	r.mu.Lock()
	r.failures[source]++
	r.mu.Unlock()
}

// Services implements health.StatusProvider.
func (r *serviceRegistry) Services() []health.ServiceInfo {
	sources := r.sup.Sources()
	out := make([]health.ServiceInfo, 0, len(sources))

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, source := range sources {
		running := r.sup.Running(source)
		info := health.ServiceInfo{
			Name:     source,
			Healthy:  running,
			Restarts: r.restarts[source],
			Failures: r.failures[source],
		}
		if running {
			info.State = "running"
			if started, ok := r.startedAt[source]; ok {
				info.Uptime = time.Since(started)
			}
		} else {
			info.State = "stopped"
		}

		info.ActiveGroups = r.events.ActiveGroups(source)
		var last time.Time
		for _, group := range r.tracked {
			if t, ok := r.events.LastDetection(source, group); ok && t.After(last) {
				last = t
			}
		}
		info.LastDetection = last

		out = append(out, info)
	}
	return out
}

// SystemInfo implements health.SystemInfoProvider.
func (r *serviceRegistry) SystemInfo() health.SystemInfo {
	var si health.SystemInfo

	if free, total, err := diskUsage(r.logDir); err == nil && total > 0 {
		si.DiskFreeBytes = free
		si.DiskTotalBytes = total
		usedPercent := 100.0 - (float64(free)/float64(total))*100.0
		si.DiskLowWarning = usedPercent > diagnostics.DiskUsageWarningPercent
	}

	synced, msg := checkNTPSync()
	si.NTPSynced = synced
	si.NTPMessage = msg

	return si
}

// diskUsage reports free/total bytes on the filesystem backing dir.
func diskUsage(dir string) (free, total uint64, err error) {
	target := dir
	if _, statErr := os.Stat(target); os.IsNotExist(statErr) {
		target = filepath.Dir(target)
	}
	var stat syscall.Statfs_t
	if err := syscall.Statfs(target, &stat); err != nil {
		return 0, 0, err
	}
	// #nosec G115 -- Bsize is always positive on Linux filesystems
	free = stat.Bavail * uint64(stat.Bsize)
	// #nosec G115 -- Bsize is always positive on Linux filesystems
	total = stat.Blocks * uint64(stat.Bsize)
	return free, total, nil
}

// checkNTPSync reports whether the system clock is NTP-synchronized, since
// event timestamps depend on a correct clock. It degrades gracefully when
// timedatectl is unavailable (e.g. inside a container).
func checkNTPSync() (bool, string) {
	out, err := exec.Command("timedatectl", "status").Output()
	if err != nil {
		return true, "clock sync check skipped: timedatectl not available"
	}
	if strings.Contains(string(out), "synchronized: yes") {
		return true, ""
	}
	return false, "system clock may not be synchronized"
}

func printUsage() {
	fmt.Println("soundwatch - acoustic monitoring daemon")
	fmt.Printf("Version: %s (%s)\n\n", Version, Commit)
	fmt.Println("Usage:")
	fmt.Println("  soundwatch [options]")
	fmt.Println("  soundwatch validate [-config=PATH]")
	fmt.Println("  soundwatch doctor [options]")
	fmt.Println()
	fmt.Println("Options:")
	flag.CommandLine.SetOutput(os.Stdout)
	fs := flag.NewFlagSet("soundwatch", flag.ContinueOnError)
	fs.String("config", config.ConfigFilePath, "Path to configuration file")
	fs.String("state-dir", defaultStateDir, "Directory for config backups")
	fs.String("log-level", "", "Override general.log_level: debug, info, warn, error")
	fs.String("health-addr", defaultHealthAddr, "Address for the /healthz and /metrics endpoints")
	fs.String("model", defaultModelPath, "Path to the ONNX acoustic model")
	fs.String("taxonomy", defaultTaxonomyPath, "Path to the class taxonomy CSV")
	fs.String("decoder", "", "Decoder binary to invoke (default: ffmpeg resolved from PATH)")
	fs.PrintDefaults()
	fmt.Println()
	fmt.Println("Signals:")
	fmt.Println("  SIGINT, SIGTERM  Graceful shutdown")
}
