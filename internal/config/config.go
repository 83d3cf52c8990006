// SPDX-License-Identifier: MIT

package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"go.yaml.in/yaml/v3"

	"github.com/soundwatch/soundwatch-go/internal/audio"
)

// ConfigFilePath is the default location for the configuration file.
const ConfigFilePath = "/etc/soundwatch/config.yaml"

// Config is the complete soundwatch configuration, matching the YAML
// surface: general, events, sounds, cameras, mqtt.
type Config struct {
	General GeneralConfig          `yaml:"general" koanf:"general"`
	Events  EventsConfig           `yaml:"events" koanf:"events"`
	Sounds  SoundsConfig           `yaml:"sounds" koanf:"sounds"`
	Cameras map[string]CameraConfig `yaml:"cameras" koanf:"cameras"`
	MQTT    MQTTConfig             `yaml:"mqtt" koanf:"mqtt"`
}

// GeneralConfig holds process-wide tunables.
type GeneralConfig struct {
	LogLevel string `yaml:"log_level" koanf:"log_level"` // DEBUG|INFO|WARNING|ERROR|CRITICAL

	// NoiseThreshold and DefaultMinScore are pointers so an operator's
	// explicit 0 (a valid value in [0,1] for both) can be told apart from
	// the field being absent from the YAML/env layer entirely: nil means
	// "not set, use the documented default"; a non-nil 0 is honored as-is
	// until Validate clamps it against [0,1].
	NoiseThreshold  *float64 `yaml:"noise_threshold" koanf:"noise_threshold"`     // [0,1]
	DefaultMinScore *float64 `yaml:"default_min_score" koanf:"default_min_score"` // [0,1]
	TopK            int      `yaml:"top_k" koanf:"top_k"`                         // [1,20]
	SummaryInterval int      `yaml:"summary_interval" koanf:"summary_interval"`   // minutes
	FfmpegDebug     bool     `yaml:"ffmpeg_debug" koanf:"ffmpeg_debug"`
	Logfile         bool     `yaml:"logfile" koanf:"logfile"`
	SoundLog        bool     `yaml:"sound_log" koanf:"sound_log"`
	LogDir          string   `yaml:"log_dir" koanf:"log_dir"` // destination for the CSV audit file and rotating log

	// ResourceMonitorInterval enables periodic CPU/memory/FD sampling of
	// each decoder subprocess when > 0 (seconds between samples); 0
	// disables sampling entirely.
	ResourceMonitorInterval int `yaml:"resource_monitor_interval" koanf:"resource_monitor_interval"`
}

// EventsConfig holds the event state machine's tunables (spec.md §4.5).
type EventsConfig struct {
	WindowDetect int `yaml:"window_detect" koanf:"window_detect"` // >= 1
	Persistence  int `yaml:"persistence" koanf:"persistence"`     // >= 1
	Decay        int `yaml:"decay" koanf:"decay"`                 // >= 1
}

// GroupFilter overrides the admission threshold for one tracked group.
type GroupFilter struct {
	MinScore float64 `yaml:"min_score" koanf:"min_score"`
}

// SoundsConfig names the tracked groups and any per-group overrides.
type SoundsConfig struct {
	Track   []string               `yaml:"track" koanf:"track"`
	Filters map[string]GroupFilter `yaml:"filters" koanf:"filters"`
}

// FFmpegInput is the single-element inputs list the decoder command line
// is built from; the nesting mirrors the upstream camera config shape this
// spec inherited.
type FFmpegInput struct {
	Path string `yaml:"path" koanf:"path"`
}

// FFmpegSection wraps the inputs list for one camera.
type FFmpegSection struct {
	Inputs []FFmpegInput `yaml:"inputs" koanf:"inputs"`
}

// CameraConfig describes one audio source.
type CameraConfig struct {
	FFmpeg FFmpegSection `yaml:"ffmpeg" koanf:"ffmpeg"`
}

// RTSPURL returns the configured input URL, or "" if none is set.
func (c CameraConfig) RTSPURL() string {
	if len(c.FFmpeg.Inputs) == 0 {
		return ""
	}
	return c.FFmpeg.Inputs[0].Path
}

// MQTTConfig holds the publisher connection settings.
type MQTTConfig struct {
	Host        string `yaml:"host" koanf:"host"`
	Port        int    `yaml:"port" koanf:"port"`
	TopicPrefix string `yaml:"topic_prefix" koanf:"topic_prefix"`
	ClientID    string `yaml:"client_id" koanf:"client_id"`
	User        string `yaml:"user" koanf:"user"`
	Password    string `yaml:"password" koanf:"password"`
}

// LoadConfig reads, parses, and validates the configuration file.
func LoadConfig(path string) (*Config, error) {
	// #nosec G304 - Config path is from administrator-controlled configuration
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	if err := cfg.Validate(slog.Default()); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// atomicFile abstracts file operations used by Save for testability.
type atomicFile interface {
	Write([]byte) (int, error)
	Sync() error
	Chmod(os.FileMode) error
	Close() error
	Name() string
}

type atomicCreateTemp func(dir, pattern string) (atomicFile, error)

func defaultCreateTemp(dir, pattern string) (atomicFile, error) {
	return os.CreateTemp(dir, pattern) // #nosec G304
}

// Save writes the configuration to a YAML file using a write-temp-then-
// rename sequence so a crash mid-write never leaves a partial file.
func (c *Config) Save(path string) error {
	return c.saveWith(path, defaultCreateTemp)
}

func (c *Config) saveWith(path string, createTemp atomicCreateTemp) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(path)

	tmpFile, err := createTemp(dir, ".config.*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp config file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		return fmt.Errorf("failed to write temp config file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp config file: %w", err)
	}
	// #nosec G302 -- config may carry MQTT credentials, restrict to owner+group
	if err := tmpFile.Chmod(0640); err != nil {
		return fmt.Errorf("failed to set config file permissions: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp config file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp config file: %w", err)
	}

	success = true
	return nil
}

// MinScoreFor returns the admission threshold for a tracked group, falling
// back to General.DefaultMinScore when no per-group filter is configured.
// Validate resolves DefaultMinScore to a non-nil value before this is ever
// called in the normal load path; the 0.5 fallback only guards a Config
// built without going through Validate first (e.g. a hand-built test fixture).
func (c *Config) MinScoreFor(group string) float64 {
	if f, ok := c.Sounds.Filters[group]; ok {
		return f.MinScore
	}
	if c.General.DefaultMinScore != nil {
		return *c.General.DefaultMinScore
	}
	return 0.5
}

// IsTracked reports whether a group is in the tracked-group set.
func (c *Config) IsTracked(group string) bool {
	for _, g := range c.Sounds.Track {
		if g == group {
			return true
		}
	}
	return false
}

// clamp sets *v to def and logs a warning when v is outside [lo, hi].
func clamp(log *slog.Logger, field string, v *float64, lo, hi, def float64) {
	if *v < lo || *v > hi {
		log.Warn("config value out of range, clamped to default", "field", field, "value", *v, "default", def)
		*v = def
	}
}

func clampInt(log *slog.Logger, field string, v *int, lo, hi, def int) {
	if *v < lo || *v > hi {
		log.Warn("config value out of range, clamped to default", "field", field, "value", *v, "default", def)
		*v = def
	}
}

// resolveOptional returns def when v is nil (the field was absent from
// config), and v clamped to [lo, hi] otherwise. Unlike clamp, an in-range
// zero is honored rather than treated as "unset" — callers pass a *float64
// precisely to keep that distinction through YAML/koanf unmarshaling.
func resolveOptional(log *slog.Logger, field string, v *float64, lo, hi, def float64) *float64 {
	if v == nil {
		d := def
		return &d
	}
	if *v < lo || *v > hi {
		log.Warn("config value out of range, clamped to default", "field", field, "value", *v, "default", def)
		d := def
		return &d
	}
	return v
}

// Validate checks the configuration, clamping out-of-range values to safe
// defaults with a warning, and fails fatally only for: a missing cameras
// section, a missing mqtt section, any camera with no RTSP path, or a
// camera name that isn't already safe to use as-is in a CSV field, a log
// attribute, or a Prometheus label value.
func (c *Config) Validate(log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}

	switch c.General.LogLevel {
	case "DEBUG", "INFO", "WARNING", "ERROR", "CRITICAL":
	case "":
		c.General.LogLevel = "INFO"
	default:
		log.Warn("unknown log_level, defaulting to INFO", "value", c.General.LogLevel)
		c.General.LogLevel = "INFO"
	}

	c.General.NoiseThreshold = resolveOptional(log, "general.noise_threshold", c.General.NoiseThreshold, 0, 1, 0.1)
	c.General.DefaultMinScore = resolveOptional(log, "general.default_min_score", c.General.DefaultMinScore, 0, 1, 0.5)

	if c.General.TopK == 0 {
		c.General.TopK = 10
	}
	clampInt(log, "general.top_k", &c.General.TopK, 1, 20, 10)

	if c.General.SummaryInterval <= 0 {
		c.General.SummaryInterval = 15
	}

	if c.General.ResourceMonitorInterval < 0 {
		log.Warn("general.resource_monitor_interval cannot be negative, disabling", "value", c.General.ResourceMonitorInterval)
		c.General.ResourceMonitorInterval = 0
	}

	if c.Events.WindowDetect <= 0 {
		c.Events.WindowDetect = 5
	}
	if c.Events.Persistence <= 0 {
		c.Events.Persistence = 3
	}
	if c.Events.Persistence > c.Events.WindowDetect {
		log.Warn("events.persistence exceeds events.window_detect, clamping", "persistence", c.Events.Persistence, "window_detect", c.Events.WindowDetect)
		c.Events.Persistence = c.Events.WindowDetect
	}
	if c.Events.Decay <= 0 {
		c.Events.Decay = 15
	}

	for group, filter := range c.Sounds.Filters {
		clamp(log, fmt.Sprintf("sounds.filters.%s.min_score", group), &filter.MinScore, 0, 1, *c.General.DefaultMinScore)
		c.Sounds.Filters[group] = filter
	}

	if len(c.Cameras) == 0 {
		return fmt.Errorf("config: at least one entry is required under cameras")
	}
	for name, cam := range c.Cameras {
		if cam.RTSPURL() == "" {
			return fmt.Errorf("config: camera %q: ffmpeg.inputs[0].path is required", name)
		}
		if audio.SanitizeName(name) != name {
			return fmt.Errorf("config: camera %q: name must be alphanumeric/underscore, start with a letter, and be at most %d characters", name, audio.MaxNameLength)
		}
	}

	if c.MQTT.Host == "" {
		return fmt.Errorf("config: mqtt.host is required")
	}
	if c.MQTT.Port == 0 {
		c.MQTT.Port = 1883
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "soundwatch"
	}

	return nil
}

// floatPtr returns a pointer to a copy of f, for building optional
// GeneralConfig fields from a literal.
func floatPtr(f float64) *float64 { return &f }

// DefaultConfig returns a configuration with the documented defaults; used
// by tests. KoanfConfig.Load does not start from it: it unmarshals YAML/env
// values into a zero Config.
func DefaultConfig() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:        "INFO",
			NoiseThreshold:  floatPtr(0.1),
			DefaultMinScore: floatPtr(0.5),
			TopK:            10,
			SummaryInterval: 15,
			LogDir:          "/var/log/soundwatch",
		},
		Events: EventsConfig{
			WindowDetect: 5,
			Persistence:  3,
			Decay:        15,
		},
		Sounds: SoundsConfig{
			Track:   []string{},
			Filters: map[string]GroupFilter{},
		},
		Cameras: map[string]CameraConfig{},
		MQTT: MQTTConfig{
			Port:        1883,
			TopicPrefix: "soundwatch",
		},
	}
}
