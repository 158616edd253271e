package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"segd/internal/common/fsutil"
)

// Environment variables consulted by ApplyEnv.
const (
	EnvAddr     = "SEGD_ADDR"
	EnvLogLevel = "SEGD_LOG_LEVEL"
)

// Duration is a time.Duration that reads "90s", "2m" style strings in every
// supported file format.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(b), err)
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) { return []byte(time.Duration(d).String()), nil }

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// Worker configures the inference worker process.
type Worker struct {
	// Command and Args start the worker. An empty command runs this binary's
	// built-in synthetic worker.
	Command string            `json:"command" yaml:"command" toml:"command"`
	Args    []string          `json:"args" yaml:"args" toml:"args"`
	Env     map[string]string `json:"env" yaml:"env" toml:"env"`
	Dir     string            `json:"dir" yaml:"dir" toml:"dir"`
	// LockPath guards against two servers driving workers on the same GPU.
	LockPath      string   `json:"lock_path" yaml:"lock_path" toml:"lock_path"`
	ShutdownGrace Duration `json:"shutdown_grace" yaml:"shutdown_grace" toml:"shutdown_grace"`
	KillGrace     Duration `json:"kill_grace" yaml:"kill_grace" toml:"kill_grace"`
}

// Timeouts bound each kind of worker request. Zero keeps the built-in default.
type Timeouts struct {
	FirstInit Duration `json:"first_init" yaml:"first_init" toml:"first_init"`
	Init      Duration `json:"init" yaml:"init" toml:"init"`
	Prompt    Duration `json:"prompt" yaml:"prompt" toml:"prompt"`
	Propagate Duration `json:"propagate" yaml:"propagate" toml:"propagate"`
	Reset     Duration `json:"reset" yaml:"reset" toml:"reset"`
	Close     Duration `json:"close" yaml:"close" toml:"close"`
	Default   Duration `json:"default" yaml:"default" toml:"default"`
}

// CORS is opt-in; when disabled no CORS middleware is installed.
type CORS struct {
	Enabled        bool     `json:"enabled" yaml:"enabled" toml:"enabled"`
	AllowedOrigins []string `json:"allowed_origins" yaml:"allowed_origins" toml:"allowed_origins"`
	AllowedMethods []string `json:"allowed_methods" yaml:"allowed_methods" toml:"allowed_methods"`
	AllowedHeaders []string `json:"allowed_headers" yaml:"allowed_headers" toml:"allowed_headers"`
}

// Config holds runtime parameters for the service.
// Zero values mean "unspecified" and are filled by Normalize.
type Config struct {
	Addr         string   `json:"addr" yaml:"addr" toml:"addr"`
	LogLevel     string   `json:"log_level" yaml:"log_level" toml:"log_level"`
	VideosDir    string   `json:"videos_dir" yaml:"videos_dir" toml:"videos_dir"`
	StorePath    string   `json:"store_path" yaml:"store_path" toml:"store_path"`
	Preload      bool     `json:"preload" yaml:"preload" toml:"preload"`
	MaxBodyBytes int64    `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes"`
	Worker       Worker   `json:"worker" yaml:"worker" toml:"worker"`
	Timeouts     Timeouts `json:"timeouts" yaml:"timeouts" toml:"timeouts"`
	CORS         CORS     `json:"cors" yaml:"cors" toml:"cors"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Addr:         ":8080",
		LogLevel:     "info",
		VideosDir:    "~/videos",
		StorePath:    "~/.segd/masks.db",
		MaxBodyBytes: 32 << 20,
		Worker: Worker{
			LockPath:      "~/.segd/worker.lock",
			ShutdownGrace: Duration(5 * time.Second),
			KillGrace:     Duration(2 * time.Second),
		},
	}
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &cfg)
	case ".json":
		err = json.Unmarshal(b, &cfg)
	case ".toml":
		err = toml.Unmarshal(b, &cfg)
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	if err != nil {
		return cfg, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return cfg, nil
}

// ApplyEnv overrides Addr and LogLevel from the environment when set.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvAddr); v != "" {
		c.Addr = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.LogLevel = v
	}
}

// Normalize fills unspecified fields from Default, resolves paths and
// validates the result.
func (c *Config) Normalize() error {
	def := Default()
	if c.Addr == "" {
		c.Addr = def.Addr
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	c.LogLevel = strings.ToLower(c.LogLevel)
	switch c.LogLevel {
	case "trace", "debug", "info", "warn", "error", "off":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	if c.VideosDir == "" {
		c.VideosDir = def.VideosDir
	}
	if c.StorePath == "" {
		c.StorePath = def.StorePath
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = def.MaxBodyBytes
	}
	if c.Worker.LockPath == "" {
		c.Worker.LockPath = def.Worker.LockPath
	}
	if c.Worker.ShutdownGrace <= 0 {
		c.Worker.ShutdownGrace = def.Worker.ShutdownGrace
	}
	if c.Worker.KillGrace <= 0 {
		c.Worker.KillGrace = def.Worker.KillGrace
	}
	for _, p := range []*string{&c.VideosDir, &c.StorePath, &c.Worker.LockPath, &c.Worker.Dir} {
		abs, err := fsutil.Resolve(*p)
		if err != nil {
			return err
		}
		*p = abs
	}
	if c.CORS.Enabled && len(c.CORS.AllowedOrigins) == 0 {
		c.CORS.AllowedOrigins = []string{"*"}
	}
	return nil
}
