package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration loaded from YAML with environment
// overrides applied on top.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Converter ConverterConfig `yaml:"converter"`
	Jobs      JobsConfig      `yaml:"jobs"`
}

// ServerConfig holds HTTP server and runtime settings.
type ServerConfig struct {
	Addr           string        `yaml:"address"`
	ReadTimeout    time.Duration `yaml:"readTimeout"`
	WriteTimeout   time.Duration `yaml:"writeTimeout"`
	IdleTimeout    time.Duration `yaml:"idleTimeout"`
	MaxUploadSize  ByteSize      `yaml:"maxUploadSize"`
	WorkerCount    int           `yaml:"workerCount"`
	StorageDir     string        `yaml:"storageDir"`
	DatabasePath   string        `yaml:"databasePath"`   // optional; enables the persistent job store
	ShutdownGrace  time.Duration `yaml:"shutdownGrace"`  // time to wait for workers before forced stop
	AllowedOrigins []string      `yaml:"allowedOrigins"` // CORS; empty or "*" means permissive
	LogLevel       string        `yaml:"logLevel"`       // debug|info|warn|error
}

// ConverterConfig describes how to invoke the external conversion worker.
type ConverterConfig struct {
	Command string        `yaml:"command"` // interpreter, e.g. "python3"
	Script  string        `yaml:"script"`  // worker script path
	Timeout time.Duration `yaml:"timeout"` // hard bound on a single conversion
	Grace   time.Duration `yaml:"grace"`   // extra time reserved for output verification
}

// JobsConfig controls job retention and the reaper sweep.
type JobsConfig struct {
	Retention     time.Duration `yaml:"retention"`     // how long terminal jobs and their files are kept
	SweepInterval time.Duration `yaml:"sweepInterval"` // how often the reaper runs
	StagingDir    string        `yaml:"stagingDir"`    // uploaded PDFs are staged here
	OutputDir     string        `yaml:"outputDir"`     // converted DOCX files land here
}

// ByteSize represents a size in bytes that unmarshals from strings like "10Mi", "20MB", "512KiB", "1024".
type ByteSize uint64

// UnmarshalYAML implements yaml unmarshalling for ByteSize.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		str := strings.TrimSpace(value.Value)
		parsed, err := ParseByteSize(str)
		if err != nil {
			return err
		}
		*b = ByteSize(parsed)
		return nil
	}
	return fmt.Errorf("invalid bytesize node kind: %v", value.Kind)
}

var reNumeric = regexp.MustCompile(`^\d+$`)

// ParseByteSize parses a string like "10Mi", "20MB", "512KiB", "1024" into bytes.
// Supports Kubernetes-style quantities for binary units: Ki, Mi, Gi (case-insensitive).
// Also accepts KiB/MiB/GiB and decimal KB/MB/GB, and bare bytes.
func ParseByteSize(s string) (uint64, error) {
	orig := s
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty size")
	}
	// Numeric only
	if reNumeric.MatchString(s) {
		val, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid size number: %w", err)
		}
		return val, nil
	}

	// Normalize to upper for suffix matching but keep numeric part as-is
	up := strings.ToUpper(s)

	type unit struct {
		suffix string
		value  uint64
	}
	units := []unit{
		// Kubernetes binary-style without 'B'
		{"KI", 1024},
		{"MI", 1024 * 1024},
		{"GI", 1024 * 1024 * 1024},
		// Binary with B
		{"KIB", 1024},
		{"MIB", 1024 * 1024},
		{"GIB", 1024 * 1024 * 1024},
		// Decimal
		{"KB", 1000},
		{"MB", 1000 * 1000},
		{"GB", 1000 * 1000 * 1000},
		{"B", 1},
	}
	for _, u := range units {
		if strings.HasSuffix(up, u.suffix) {
			num := strings.TrimSpace(s[:len(s)-len(u.suffix)])
			val, err := strconv.ParseFloat(num, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid size number in %q: %w", orig, err)
			}
			return uint64(val * float64(u.value)), nil
		}
	}
	return 0, fmt.Errorf("unknown size suffix in %q", orig)
}

// Load reads YAML config from path, expands environment variables, applies
// environment overrides, and validates the result.
// If path is empty, it will attempt to read from env var PDFCONVERT_CONFIG, then default to "config.yaml".
// A missing config file is not an error; the service runs on defaults plus environment.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if path == "" {
		if env := os.Getenv("PDFCONVERT_CONFIG"); env != "" {
			path = env
			explicit = true
		} else {
			path = "config.yaml"
		}
	}
	cleanPath := filepath.Clean(path)

	var cfg Config
	data, err := os.ReadFile(cleanPath) // #nosec G304 - reading sanitized config file path is expected
	if err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		// Expand environment variables in file content.
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyDefaults(&cfg)

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	// Ensure working directories exist up front; the stager re-creates them
	// before each use in case an external process clears them.
	for _, dir := range []string{cfg.Jobs.StagingDir, cfg.Jobs.OutputDir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("ensure directory %s: %w", dir, err)
		}
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	// Server defaults
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 2 * time.Minute
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = 60 * time.Second
	}
	if cfg.Server.MaxUploadSize == 0 {
		cfg.Server.MaxUploadSize = ByteSize(20 * 1000 * 1000) // 20 MB default
	}
	if cfg.Server.WorkerCount <= 0 {
		cfg.Server.WorkerCount = 4
	}
	if cfg.Server.StorageDir == "" {
		cfg.Server.StorageDir = filepath.Join(os.TempDir(), "pdfconvert")
	}
	if cfg.Server.ShutdownGrace == 0 {
		cfg.Server.ShutdownGrace = 15 * time.Second
	}
	if len(cfg.Server.AllowedOrigins) == 0 {
		cfg.Server.AllowedOrigins = []string{"*"}
	}
	if strings.TrimSpace(cfg.Server.LogLevel) == "" {
		cfg.Server.LogLevel = "info"
	}

	// Converter defaults
	if cfg.Converter.Command == "" {
		cfg.Converter.Command = "python3"
	}
	if cfg.Converter.Script == "" {
		cfg.Converter.Script = filepath.Join("scripts", "pdf_to_docx.py")
	}
	if cfg.Converter.Timeout == 0 {
		cfg.Converter.Timeout = 5 * time.Minute
	}
	if cfg.Converter.Grace == 0 {
		cfg.Converter.Grace = 5 * time.Second
	}

	// Jobs defaults
	if cfg.Jobs.Retention == 0 {
		cfg.Jobs.Retention = 24 * time.Hour
	}
	if cfg.Jobs.SweepInterval == 0 {
		cfg.Jobs.SweepInterval = time.Hour
	}
	if cfg.Jobs.StagingDir == "" {
		cfg.Jobs.StagingDir = filepath.Join(cfg.Server.StorageDir, "staging")
	}
	if cfg.Jobs.OutputDir == "" {
		cfg.Jobs.OutputDir = filepath.Join(cfg.Server.StorageDir, "out")
	}
}

// applyEnvOverrides maps the recognized environment options onto the config.
// These take precedence over the YAML file.
func applyEnvOverrides(cfg *Config) error {
	if v := strings.TrimSpace(os.Getenv("MAX_UPLOAD_SIZE")); v != "" {
		size, err := ParseByteSize(v)
		if err != nil {
			return fmt.Errorf("MAX_UPLOAD_SIZE: %w", err)
		}
		cfg.Server.MaxUploadSize = ByteSize(size)
	}
	if v := strings.TrimSpace(os.Getenv("CONVERSION_TIMEOUT_MS")); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil || ms <= 0 {
			return fmt.Errorf("CONVERSION_TIMEOUT_MS: invalid value %q", v)
		}
		cfg.Converter.Timeout = time.Duration(ms) * time.Millisecond
	}
	if v := strings.TrimSpace(os.Getenv("OUTPUT_DIR")); v != "" {
		cfg.Jobs.OutputDir = v
	}
	if v := strings.TrimSpace(os.Getenv("CORS_ORIGINS")); v != "" {
		var origins []string
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		if len(origins) > 0 {
			cfg.Server.AllowedOrigins = origins
		}
	}
	if v := strings.TrimSpace(os.Getenv("PORT")); v != "" {
		cfg.Server.Addr = ":" + v
	}
	return nil
}

func validate(cfg *Config) error {
	if strings.TrimSpace(cfg.Converter.Command) == "" {
		return errors.New("converter.command is required")
	}
	if strings.TrimSpace(cfg.Converter.Script) == "" {
		return errors.New("converter.script is required")
	}
	if cfg.Converter.Timeout <= 0 {
		return errors.New("converter.timeout must be positive")
	}
	if cfg.Jobs.Retention < 0 {
		return errors.New("jobs.retention must not be negative")
	}
	if cfg.Jobs.SweepInterval <= 0 {
		return errors.New("jobs.sweepInterval must be positive")
	}
	switch strings.ToLower(cfg.Server.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown logLevel %q", cfg.Server.LogLevel)
	}
	return nil
}
