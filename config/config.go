// Package config handles skiff.toml runtime configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sasha-s/go-deadlock"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"
)

// FileName is the configuration file looked up by Load and FindAndLoad.
const FileName = "skiff.toml"

// Config represents a skiff.toml runtime configuration.
type Config struct {
	Heap   Heap   `toml:"heap"`
	Interp Interp `toml:"interp"`
	Pool   Pool   `toml:"pool"`
	GIL    GIL    `toml:"gil"`
	Log    Log    `toml:"log"`

	// Dir is the directory containing the skiff.toml file (set at load time).
	Dir string `toml:"-"`
}

// Heap configures the managed heap.
type Heap struct {
	MaxCells    int `toml:"max-cells"`
	GCThreshold int `toml:"gc-threshold"`
}

// Interp configures the executor.
type Interp struct {
	MaxDepth int `toml:"max-depth"`
}

// Pool configures the native worker pool.
type Pool struct {
	Workers int `toml:"workers"`
}

// GIL configures the global interpreter lock.
type GIL struct {
	DetectDeadlocks bool     `toml:"detect-deadlocks"`
	DeadlockTimeout Duration `toml:"deadlock-timeout"`
}

// Log configures commonlog output.
type Log struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
}

// Duration is a time.Duration written as a string ("30s") in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns the configuration used when no skiff.toml exists.
func Default() *Config {
	return &Config{
		Heap:   Heap{MaxCells: 1 << 20, GCThreshold: 4096},
		Interp: Interp{MaxDepth: 256},
		Pool:   Pool{Workers: 4},
		GIL:    GIL{DeadlockTimeout: Duration{30 * time.Second}},
	}
}

// Load parses a skiff.toml file from the given directory. Keys missing
// from the file keep their defaults.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	c := Default()
	if err := toml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	c.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// FindAndLoad walks up from startDir to find a skiff.toml file, then
// loads it. Returns nil if no file is found.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, nil
		}
		dir = parent
	}
}

// Validate rejects values the runtime cannot work with.
func (c *Config) Validate() error {
	var errs []error
	if c.Heap.MaxCells <= 0 {
		errs = append(errs, fmt.Errorf("heap.max-cells must be positive, got %d", c.Heap.MaxCells))
	}
	if c.Heap.GCThreshold <= 0 {
		errs = append(errs, fmt.Errorf("heap.gc-threshold must be positive, got %d", c.Heap.GCThreshold))
	}
	if c.Heap.GCThreshold > c.Heap.MaxCells {
		errs = append(errs, fmt.Errorf("heap.gc-threshold %d exceeds heap.max-cells %d", c.Heap.GCThreshold, c.Heap.MaxCells))
	}
	if c.Interp.MaxDepth <= 0 {
		errs = append(errs, fmt.Errorf("interp.max-depth must be positive, got %d", c.Interp.MaxDepth))
	}
	if c.Pool.Workers < 0 {
		errs = append(errs, fmt.Errorf("pool.workers must not be negative, got %d", c.Pool.Workers))
	}
	return errors.Join(errs...)
}

// LogPath returns the configured log file, or nil for stderr. Relative
// paths are resolved against Dir.
func (c *Config) LogPath() *string {
	if c.Log.File == "" {
		return nil
	}
	path := c.Log.File
	if !filepath.IsAbs(path) && c.Dir != "" {
		path = filepath.Join(c.Dir, path)
	}
	return &path
}

// Apply installs the process-wide settings: the commonlog backend and the
// lock-order checker used by the GIL.
func (c *Config) Apply() {
	commonlog.Configure(c.Log.Verbosity, c.LogPath())

	deadlock.Opts.Disable = !c.GIL.DetectDeadlocks
	if c.GIL.DeadlockTimeout.Duration > 0 {
		deadlock.Opts.DeadlockTimeout = c.GIL.DeadlockTimeout.Duration
	}
}
