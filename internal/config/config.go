// SPDX-License-Identifier: MIT

// Package config provides configuration management for the coderunner
// daemon. Options are read from an optional YAML file and overridden by
// CODERUNNER_* environment variables; the resulting AppConfig is fixed
// for the process lifetime.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// FileConfig is the YAML configuration structure.
type FileConfig struct {
	Listen   string `yaml:"listen,omitempty"`
	LogLevel string `yaml:"logLevel,omitempty"`

	MaxConcurrent  int `yaml:"maxConcurrent,omitempty"`
	MaxSandboxes   int `yaml:"maxSandboxes,omitempty"`
	PerLangWarmCap int `yaml:"perLangWarmCap,omitempty"`

	IdleTTL       Duration `yaml:"idleTTL,omitempty"`
	MaxAge        Duration `yaml:"maxAge,omitempty"`
	SweepInterval Duration `yaml:"sweepInterval,omitempty"`

	DefaultDeadlineMs int `yaml:"defaultDeadlineMs,omitempty"`
	HardDeadlineMs    int `yaml:"hardDeadlineMs,omitempty"`
	GraceMs           int `yaml:"graceMs,omitempty"`

	SpawnTimeout   Duration `yaml:"spawnTimeout,omitempty"`
	ReleaseTimeout Duration `yaml:"releaseTimeout,omitempty"`

	OutputFrameBufferPerSession int `yaml:"outputFrameBufferPerSession,omitempty"`
	MaxSourceBytes              int `yaml:"maxSourceBytes,omitempty"`

	SandboxImages            map[string]string `yaml:"sandboxImage,omitempty"`
	SandboxNetworkSubnetPool string            `yaml:"sandboxNetworkSubnetPool,omitempty"`

	AdministratorCredentialHash string `yaml:"administratorCredentialHash,omitempty"`
	ReportDir                   string `yaml:"reportDir,omitempty"`
	LogRingSize                 int    `yaml:"logRingSize,omitempty"`
}

// Duration wraps time.Duration with YAML string parsing ("30s", "5m").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// AppConfig is the resolved runtime configuration.
type AppConfig struct {
	Listen   string
	LogLevel string

	MaxConcurrent  int
	MaxSandboxes   int
	PerLangWarmCap int

	IdleTTL       time.Duration
	MaxAge        time.Duration
	SweepInterval time.Duration

	DefaultDeadline time.Duration
	HardDeadline    time.Duration
	Grace           time.Duration

	SpawnTimeout   time.Duration
	ReleaseTimeout time.Duration

	OutputFrameBufferPerSession int
	MaxSourceBytes              int

	SandboxImages            map[string]string
	SandboxNetworkSubnetPool string

	AdministratorCredentialHash string
	ReportDir                   string
	LogRingSize                 int
}

// Defaults returns the baseline configuration.
func Defaults() AppConfig {
	return AppConfig{
		Listen:                      ":8080",
		LogLevel:                    "info",
		MaxConcurrent:               8,
		MaxSandboxes:                16,
		PerLangWarmCap:              4,
		IdleTTL:                     5 * time.Minute,
		MaxAge:                      30 * time.Minute,
		SweepInterval:               30 * time.Second,
		DefaultDeadline:             30 * time.Second,
		HardDeadline:                2 * time.Minute,
		Grace:                       2 * time.Second,
		SpawnTimeout:                15 * time.Second,
		ReleaseTimeout:              5 * time.Second,
		OutputFrameBufferPerSession: 2000,
		MaxSourceBytes:              1 << 20, // 1 MiB aggregate source cap
		SandboxNetworkSubnetPool:    "10.166.0.0/16",
		ReportDir:                   "reports",
		LogRingSize:                 2000,
	}
}

// Load reads the optional YAML file at path, applies environment
// overrides, and validates the result. An empty path skips the file.
func Load(path string) (AppConfig, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return AppConfig{}, fmt.Errorf("read config file: %w", err)
		}
		var fc FileConfig
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return AppConfig{}, fmt.Errorf("parse config file: %w", err)
		}
		fc.apply(&cfg)
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (fc FileConfig) apply(cfg *AppConfig) {
	if fc.Listen != "" {
		cfg.Listen = fc.Listen
	}
	if fc.LogLevel != "" {
		cfg.LogLevel = fc.LogLevel
	}
	if fc.MaxConcurrent != 0 {
		cfg.MaxConcurrent = fc.MaxConcurrent
	}
	if fc.MaxSandboxes != 0 {
		cfg.MaxSandboxes = fc.MaxSandboxes
	}
	if fc.PerLangWarmCap != 0 {
		cfg.PerLangWarmCap = fc.PerLangWarmCap
	}
	if fc.IdleTTL != 0 {
		cfg.IdleTTL = time.Duration(fc.IdleTTL)
	}
	if fc.MaxAge != 0 {
		cfg.MaxAge = time.Duration(fc.MaxAge)
	}
	if fc.SweepInterval != 0 {
		cfg.SweepInterval = time.Duration(fc.SweepInterval)
	}
	if fc.DefaultDeadlineMs != 0 {
		cfg.DefaultDeadline = time.Duration(fc.DefaultDeadlineMs) * time.Millisecond
	}
	if fc.HardDeadlineMs != 0 {
		cfg.HardDeadline = time.Duration(fc.HardDeadlineMs) * time.Millisecond
	}
	if fc.GraceMs != 0 {
		cfg.Grace = time.Duration(fc.GraceMs) * time.Millisecond
	}
	if fc.SpawnTimeout != 0 {
		cfg.SpawnTimeout = time.Duration(fc.SpawnTimeout)
	}
	if fc.ReleaseTimeout != 0 {
		cfg.ReleaseTimeout = time.Duration(fc.ReleaseTimeout)
	}
	if fc.OutputFrameBufferPerSession != 0 {
		cfg.OutputFrameBufferPerSession = fc.OutputFrameBufferPerSession
	}
	if fc.MaxSourceBytes != 0 {
		cfg.MaxSourceBytes = fc.MaxSourceBytes
	}
	if len(fc.SandboxImages) > 0 {
		cfg.SandboxImages = fc.SandboxImages
	}
	if fc.SandboxNetworkSubnetPool != "" {
		cfg.SandboxNetworkSubnetPool = fc.SandboxNetworkSubnetPool
	}
	if fc.AdministratorCredentialHash != "" {
		cfg.AdministratorCredentialHash = fc.AdministratorCredentialHash
	}
	if fc.ReportDir != "" {
		cfg.ReportDir = fc.ReportDir
	}
	if fc.LogRingSize != 0 {
		cfg.LogRingSize = fc.LogRingSize
	}
}

func applyEnv(cfg *AppConfig) {
	envStr("CODERUNNER_LISTEN", &cfg.Listen)
	envStr("CODERUNNER_LOG_LEVEL", &cfg.LogLevel)
	envInt("CODERUNNER_MAX_CONCURRENT", &cfg.MaxConcurrent)
	envInt("CODERUNNER_MAX_SANDBOXES", &cfg.MaxSandboxes)
	envInt("CODERUNNER_PER_LANG_WARM_CAP", &cfg.PerLangWarmCap)
	envDur("CODERUNNER_IDLE_TTL", &cfg.IdleTTL)
	envDur("CODERUNNER_MAX_AGE", &cfg.MaxAge)
	envDur("CODERUNNER_SWEEP_INTERVAL", &cfg.SweepInterval)
	envMs("CODERUNNER_DEFAULT_DEADLINE_MS", &cfg.DefaultDeadline)
	envMs("CODERUNNER_HARD_DEADLINE_MS", &cfg.HardDeadline)
	envMs("CODERUNNER_GRACE_MS", &cfg.Grace)
	envDur("CODERUNNER_SPAWN_TIMEOUT", &cfg.SpawnTimeout)
	envDur("CODERUNNER_RELEASE_TIMEOUT", &cfg.ReleaseTimeout)
	envInt("CODERUNNER_OUTPUT_FRAME_BUFFER", &cfg.OutputFrameBufferPerSession)
	envInt("CODERUNNER_MAX_SOURCE_BYTES", &cfg.MaxSourceBytes)
	envStr("CODERUNNER_SUBNET_POOL", &cfg.SandboxNetworkSubnetPool)
	envStr("CODERUNNER_ADMIN_TOKEN_HASH", &cfg.AdministratorCredentialHash)
	envStr("CODERUNNER_REPORT_DIR", &cfg.ReportDir)
	envInt("CODERUNNER_LOG_RING_SIZE", &cfg.LogRingSize)
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envDur(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func envMs(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * time.Millisecond
		}
	}
}

// Validate checks internal consistency. maxConcurrent may be zero; the
// gateway then rejects every run with service-unavailable instead of
// parking it forever.
func (c AppConfig) Validate() error {
	if c.MaxConcurrent < 0 {
		return fmt.Errorf("maxConcurrent must be >= 0, got %d", c.MaxConcurrent)
	}
	if c.MaxSandboxes < 1 {
		return fmt.Errorf("maxSandboxes must be >= 1, got %d", c.MaxSandboxes)
	}
	if c.MaxConcurrent > c.MaxSandboxes {
		return fmt.Errorf("maxConcurrent (%d) must not exceed maxSandboxes (%d)", c.MaxConcurrent, c.MaxSandboxes)
	}
	if c.PerLangWarmCap < 0 {
		return fmt.Errorf("perLangWarmCap must be >= 0, got %d", c.PerLangWarmCap)
	}
	if c.DefaultDeadline <= 0 || c.HardDeadline <= 0 {
		return fmt.Errorf("deadlines must be positive")
	}
	if c.DefaultDeadline > c.HardDeadline {
		return fmt.Errorf("defaultDeadline (%s) exceeds hardDeadline (%s)", c.DefaultDeadline, c.HardDeadline)
	}
	if c.OutputFrameBufferPerSession < 1 {
		return fmt.Errorf("outputFrameBufferPerSession must be >= 1, got %d", c.OutputFrameBufferPerSession)
	}
	if c.MaxSourceBytes < 1 {
		return fmt.Errorf("maxSourceBytes must be >= 1, got %d", c.MaxSourceBytes)
	}
	return nil
}
