// SPDX-License-Identifier: MIT

// Package diagnostics runs operator-facing "doctor" checks for one
// soundwatch deployment: is the decoder binary present, are the model and
// taxonomy files readable, does the configuration carry the sections the
// daemon needs, is the log/CSV directory writable, and is there enough
// free disk space to keep writing to it.
package diagnostics

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/soundwatch/soundwatch-go/internal/config"
)

// CheckResult represents the result of a single diagnostic check.
type CheckResult struct {
	Name        string        `json:"name"`
	Category    string        `json:"category"`
	Status      CheckStatus   `json:"status"`
	Message     string        `json:"message"`
	Details     string        `json:"details,omitempty"`
	Duration    time.Duration `json:"duration"`
	Suggestions []string      `json:"suggestions,omitempty"`
}

// CheckStatus indicates the result of a check.
type CheckStatus string

const (
	StatusOK       CheckStatus = "OK"
	StatusWarning  CheckStatus = "WARNING"
	StatusCritical CheckStatus = "CRITICAL"
	StatusError    CheckStatus = "ERROR"
)

// DiagnosticReport contains results from all diagnostic checks.
type DiagnosticReport struct {
	Timestamp  time.Time     `json:"timestamp"`
	Duration   time.Duration `json:"duration"`
	SystemInfo *SystemInfo   `json:"system_info"`
	Checks     []CheckResult `json:"checks"`
	Summary    *Summary      `json:"summary"`
	Healthy    bool          `json:"healthy"`
}

// SystemInfo contains basic system information included for context in the
// report; none of it gates pass/fail on its own.
type SystemInfo struct {
	Hostname     string `json:"hostname"`
	OS           string `json:"os"`
	Kernel       string `json:"kernel"`
	Architecture string `json:"architecture"`
	CPUs         int    `json:"cpus"`
	Memory       int64  `json:"memory_bytes"`
	Uptime       string `json:"uptime"`
	GoVersion    string `json:"go_version"`
}

// Summary contains a summary of check results.
type Summary struct {
	Total    int `json:"total"`
	OK       int `json:"ok"`
	Warning  int `json:"warning"`
	Critical int `json:"critical"`
	Error    int `json:"error"`
}

// Disk usage thresholds for the log/CSV filesystem.
const (
	DiskUsageCriticalPercent = 95
	DiskUsageWarningPercent  = 85
)

// Options configures which paths the doctor checks inspect.
type Options struct {
	ConfigPath   string
	LogDir       string
	DecoderPath  string // defaults to "ffmpeg" resolved from PATH
	ModelPath    string
	TaxonomyPath string
	Output       io.Writer
}

// DefaultOptions returns default diagnostic options.
func DefaultOptions() Options {
	return Options{
		ConfigPath:   config.ConfigFilePath,
		LogDir:       "/var/log/soundwatch",
		DecoderPath:  "ffmpeg",
		ModelPath:    "/etc/soundwatch/model.onnx",
		TaxonomyPath: "/etc/soundwatch/taxonomy.csv",
		Output:       os.Stdout,
	}
}

// Runner executes diagnostic checks.
type Runner struct {
	opts Options
}

// NewRunner creates a new diagnostic runner.
func NewRunner(opts Options) *Runner {
	if opts.DecoderPath == "" {
		opts.DecoderPath = "ffmpeg"
	}
	return &Runner{opts: opts}
}

// Run executes all diagnostic checks and returns a report.
func (r *Runner) Run(ctx context.Context) (*DiagnosticReport, error) {
	start := time.Now()

	report := &DiagnosticReport{
		Timestamp:  start,
		SystemInfo: r.collectSystemInfo(),
		Summary:    &Summary{},
	}

	checks := []func(context.Context) CheckResult{
		r.checkDecoderBinary,
		r.checkModelFiles,
		r.checkConfigSections,
		r.checkLogDirWritable,
		r.checkDiskSpace,
	}

	for _, check := range checks {
		select {
		case <-ctx.Done():
			return report, ctx.Err()
		default:
			result := check(ctx)
			report.Checks = append(report.Checks, result)

			report.Summary.Total++
			switch result.Status {
			case StatusOK:
				report.Summary.OK++
			case StatusWarning:
				report.Summary.Warning++
			case StatusCritical:
				report.Summary.Critical++
			case StatusError:
				report.Summary.Error++
			}
		}
	}

	report.Duration = time.Since(start)
	report.Healthy = report.Summary.Critical == 0 && report.Summary.Error == 0

	return report, nil
}

// collectSystemInfo gathers basic system information.
func (r *Runner) collectSystemInfo() *SystemInfo {
	info := &SystemInfo{
		OS:           runtime.GOOS,
		Architecture: runtime.GOARCH,
		CPUs:         runtime.NumCPU(),
		GoVersion:    runtime.Version(),
	}

	if h, err := os.Hostname(); err == nil {
		info.Hostname = h
	}

	if data, err := os.ReadFile("/proc/version"); err == nil {
		parts := strings.Fields(string(data))
		if len(parts) >= 3 {
			info.Kernel = parts[2]
		}
	}

	if data, err := os.ReadFile("/proc/meminfo"); err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			if strings.HasPrefix(line, "MemTotal:") {
				fields := strings.Fields(line)
				if len(fields) >= 2 {
					if kb, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
						info.Memory = kb * 1024
					}
				}
				break
			}
		}
	}

	if data, err := os.ReadFile("/proc/uptime"); err == nil {
		fields := strings.Fields(string(data))
		if len(fields) >= 1 {
			if secs, err := strconv.ParseFloat(fields[0], 64); err == nil {
				info.Uptime = formatDuration(time.Duration(secs) * time.Second)
			}
		}
	}

	return info
}

// checkDecoderBinary confirms the configured decoder binary resolves and
// runs "-version", and reports the first line of that output. It does not
// check which codecs the binary supports.
func (r *Runner) checkDecoderBinary(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: "Decoder binary", Category: "Decoder"}

	path, err := exec.LookPath(r.opts.DecoderPath)
	if err != nil {
		result.Status = StatusCritical
		result.Message = fmt.Sprintf("decoder binary %q not found on PATH", r.opts.DecoderPath)
		result.Suggestions = append(result.Suggestions, "install ffmpeg: apt-get install ffmpeg")
		result.Duration = time.Since(start)
		return result
	}

	// #nosec G204 -- path resolved via exec.LookPath, not user input
	out, err := exec.CommandContext(ctx, path, "-version").Output()
	if err != nil {
		result.Status = StatusWarning
		result.Message = "decoder binary found but -version failed"
		result.Duration = time.Since(start)
		return result
	}

	lines := strings.SplitN(string(out), "\n", 2)
	result.Status = StatusOK
	result.Message = "decoder binary available"
	if len(lines) > 0 {
		result.Details = lines[0]
	}

	result.Duration = time.Since(start)
	return result
}

// checkModelFiles confirms the acoustic model and taxonomy CSV exist and
// are readable; the inference engine and scoring pipeline both fail closed
// without them.
func (r *Runner) checkModelFiles(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: "Model files", Category: "Inference"}

	var problems []string
	if err := checkReadable(r.opts.ModelPath); err != nil {
		problems = append(problems, fmt.Sprintf("model: %v", err))
	}
	if err := checkReadable(r.opts.TaxonomyPath); err != nil {
		problems = append(problems, fmt.Sprintf("taxonomy: %v", err))
	}

	if len(problems) > 0 {
		result.Status = StatusCritical
		result.Message = "model/taxonomy files unavailable"
		result.Details = strings.Join(problems, "; ")
		result.Suggestions = append(result.Suggestions, "verify model_path and taxonomy_path point at readable files")
	} else {
		result.Status = StatusOK
		result.Message = "model and taxonomy files readable"
		result.Details = r.opts.ModelPath + ", " + r.opts.TaxonomyPath
	}

	result.Duration = time.Since(start)
	return result
}

func checkReadable(path string) error {
	if path == "" {
		return fmt.Errorf("not configured")
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return nil
}

// checkConfigSections loads the configuration file. LoadConfig's own
// validation already rejects a file missing cameras or mqtt.host, so a
// successful load is itself the evidence those sections are present.
func (r *Runner) checkConfigSections(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: "Configuration sections", Category: "Config"}

	cfg, err := config.LoadConfig(r.opts.ConfigPath)
	if err != nil {
		result.Status = StatusCritical
		result.Message = "configuration invalid or unreadable"
		result.Details = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	result.Status = StatusOK
	result.Message = fmt.Sprintf("%d camera(s), mqtt host %s configured", len(cfg.Cameras), cfg.MQTT.Host)

	result.Duration = time.Since(start)
	return result
}

// checkLogDirWritable confirms the configured log/CSV directory exists (or
// can be created) and accepts a write.
func (r *Runner) checkLogDirWritable(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: "Log directory", Category: "Storage"}

	if err := os.MkdirAll(r.opts.LogDir, 0o750); err != nil {
		result.Status = StatusCritical
		result.Message = "log directory cannot be created"
		result.Details = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	probe := filepath.Join(r.opts.LogDir, ".soundwatch-doctor-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o640); err != nil {
		result.Status = StatusCritical
		result.Message = "log directory is not writable"
		result.Details = err.Error()
		result.Duration = time.Since(start)
		return result
	}
	_ = os.Remove(probe)

	result.Status = StatusOK
	result.Message = "log directory writable"
	result.Details = r.opts.LogDir

	result.Duration = time.Since(start)
	return result
}

// checkDiskSpace reports free space on the filesystem backing the log/CSV
// directory, since a full disk silently stops the audit trail.
func (r *Runner) checkDiskSpace(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: "Disk space", Category: "Storage"}

	target := r.opts.LogDir
	if _, err := os.Stat(target); os.IsNotExist(err) {
		target = filepath.Dir(target)
	}

	var stat syscall.Statfs_t
	if err := syscall.Statfs(target, &stat); err != nil {
		result.Status = StatusError
		result.Message = "failed to check disk space"
		result.Details = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	// #nosec G115 -- Bsize is always positive on Linux filesystems
	available := stat.Bavail * uint64(stat.Bsize)
	// #nosec G115 -- Bsize is always positive on Linux filesystems
	total := stat.Blocks * uint64(stat.Bsize)
	usedPercent := 100.0 - (float64(available)/float64(total))*100.0

	switch {
	case usedPercent > DiskUsageCriticalPercent:
		result.Status = StatusCritical
		result.Message = fmt.Sprintf("disk usage critical: %.1f%%", usedPercent)
		result.Suggestions = append(result.Suggestions, "free up disk space on "+target)
	case usedPercent > DiskUsageWarningPercent:
		result.Status = StatusWarning
		result.Message = fmt.Sprintf("disk usage high: %.1f%%", usedPercent)
	default:
		result.Status = StatusOK
		result.Message = fmt.Sprintf("disk usage %.1f%% (%.1f GB available)", usedPercent, float64(available)/(1024*1024*1024))
	}

	result.Duration = time.Since(start)
	return result
}

func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	return fmt.Sprintf("%dm", mins)
}

// PrintReport prints a formatted diagnostic report.
func PrintReport(w io.Writer, report *DiagnosticReport) {
	_, _ = fmt.Fprintf(w, "soundwatch doctor report\n")
	_, _ = fmt.Fprintf(w, "========================\n\n")

	_, _ = fmt.Fprintf(w, "System: %s (%s/%s)\n", report.SystemInfo.Hostname, report.SystemInfo.OS, report.SystemInfo.Architecture)
	_, _ = fmt.Fprintf(w, "Kernel: %s\n", report.SystemInfo.Kernel)
	_, _ = fmt.Fprintf(w, "Uptime: %s\n", report.SystemInfo.Uptime)
	_, _ = fmt.Fprintf(w, "Time: %s\n\n", report.Timestamp.Format(time.RFC3339))

	categories := make(map[string][]CheckResult)
	var order []string
	for _, check := range report.Checks {
		if _, seen := categories[check.Category]; !seen {
			order = append(order, check.Category)
		}
		categories[check.Category] = append(categories[check.Category], check)
	}

	for _, category := range order {
		_, _ = fmt.Fprintf(w, "\n%s\n%s\n", category, strings.Repeat("-", len(category)))
		for _, check := range categories[category] {
			status := "✓"
			switch check.Status {
			case StatusWarning:
				status = "⚠"
			case StatusCritical:
				status = "✗"
			case StatusError:
				status = "!"
			}
			_, _ = fmt.Fprintf(w, "[%s] %s: %s\n", status, check.Name, check.Message)
			if check.Details != "" {
				_, _ = fmt.Fprintf(w, "    %s\n", check.Details)
			}
			for _, suggestion := range check.Suggestions {
				_, _ = fmt.Fprintf(w, "    → %s\n", suggestion)
			}
		}
	}

	_, _ = fmt.Fprintf(w, "\n\nSummary\n-------\n")
	_, _ = fmt.Fprintf(w, "Total: %d | OK: %d | Warning: %d | Critical: %d | Error: %d\n",
		report.Summary.Total, report.Summary.OK, report.Summary.Warning,
		report.Summary.Critical, report.Summary.Error)
	_, _ = fmt.Fprintf(w, "Duration: %v\n", report.Duration)

	if report.Healthy {
		_, _ = fmt.Fprintf(w, "\nStatus: HEALTHY\n")
	} else {
		_, _ = fmt.Fprintf(w, "\nStatus: ISSUES DETECTED\n")
	}
}

// ToJSON converts the report to JSON format.
func (r *DiagnosticReport) ToJSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}
