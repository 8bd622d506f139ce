// Package config loads the configuration of the forward command.
//
// Values come from three layers, later ones winning: built-in defaults, a
// YAML file named by --config or FORWARD_CONFIG, and command-line flags that
// were set explicitly. FORWARD_DEBUG, when set to a true value, forces the
// debug log level.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Environment variables read by Flags.Load.
const (
	EnvConfig = "FORWARD_CONFIG"
	EnvDebug  = "FORWARD_DEBUG"
)

// Config is the configuration of the forward command.
type Config struct {
	// Listen is the TCP address the serve command accepts connections on.
	Listen string `yaml:"listen"`

	// Peer is the TCP address the send command ships events to.
	Peer string `yaml:"peer"`

	// DefaultTag tags events that carry no tags field.
	DefaultTag string `yaml:"default_tag"`

	// MaxFrameSize limits the bytes buffered for one incomplete frame.
	MaxFrameSize int `yaml:"max_frame_size"`

	// BufferSize is the number of frames a connection queues for writing.
	BufferSize int `yaml:"buffer_size"`

	// Heartbeat sets connection read/write deadlines (twice the heartbeat).
	Heartbeat time.Duration `yaml:"heartbeat"`

	// ShutdownTimeout is how long serve keeps accepting after a signal.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// BatchSize groups up to this many events per packed frame when
	// sending. 0 or 1 sends one frame per event.
	BatchSize int `yaml:"batch_size"`

	// Compress gzips packed frames.
	Compress bool `yaml:"compress"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Listen:          "127.0.0.1:24224",
		Peer:            "127.0.0.1:24224",
		DefaultTag:      "log",
		MaxFrameSize:    8 * 1024 * 1024,
		BufferSize:      64,
		Heartbeat:       30 * time.Second,
		ShutdownTimeout: 0,
		BatchSize:       0,
		Compress:        false,
		LogLevel:        "info",
	}
}

// LoadFile reads path on top of the defaults. Unknown keys are rejected.
func LoadFile(path string) (Config, error) {
	cfg := Default()

	f, err := os.Open(path)
	if err != nil {
		return Config{}, err
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// Level returns the slog level named by LogLevel.
func (c Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	return level, nil
}

// Validate checks the configuration for errors.
func (c Config) Validate() error {
	var errs []error

	if c.DefaultTag == "" {
		errs = append(errs, errors.New("default_tag is required"))
	}
	if c.MaxFrameSize <= 0 {
		errs = append(errs, fmt.Errorf("max_frame_size must be positive, got %d", c.MaxFrameSize))
	}
	if c.BufferSize < 0 {
		errs = append(errs, fmt.Errorf("buffer_size must not be negative, got %d", c.BufferSize))
	}
	if c.Heartbeat <= 0 {
		errs = append(errs, fmt.Errorf("heartbeat must be positive, got %s", c.Heartbeat))
	}
	if c.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("shutdown_timeout must not be negative, got %s", c.ShutdownTimeout))
	}
	if c.BatchSize < 0 {
		errs = append(errs, fmt.Errorf("batch_size must not be negative, got %d", c.BatchSize))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// Flags binds every Config field to a command-line flag.
type Flags struct {
	fs    *pflag.FlagSet
	path  string
	debug bool
	v     Config
}

// NewFlags registers the configuration flags on fs.
func NewFlags(fs *pflag.FlagSet) *Flags {
	f := &Flags{fs: fs, v: Default()}

	fs.StringVarP(&f.path, "config", "c", "", "path to a YAML config file (env "+EnvConfig+")")
	fs.BoolVar(&f.debug, "debug", false, "log at debug level (env "+EnvDebug+")")
	fs.StringVar(&f.v.Listen, "listen", f.v.Listen, "address to accept forward connections on")
	fs.StringVar(&f.v.Peer, "peer", f.v.Peer, "forward peer to send events to")
	fs.StringVar(&f.v.DefaultTag, "default-tag", f.v.DefaultTag, "tag for events without a tags field")
	fs.IntVar(&f.v.MaxFrameSize, "max-frame-size", f.v.MaxFrameSize, "largest incomplete frame to buffer, in bytes")
	fs.IntVar(&f.v.BufferSize, "buffer-size", f.v.BufferSize, "frames queued per connection")
	fs.DurationVar(&f.v.Heartbeat, "heartbeat", f.v.Heartbeat, "connection heartbeat interval")
	fs.DurationVar(&f.v.ShutdownTimeout, "shutdown-timeout", f.v.ShutdownTimeout, "graceful shutdown timeout")
	fs.IntVar(&f.v.BatchSize, "batch-size", f.v.BatchSize, "events per packed frame when sending")
	fs.BoolVar(&f.v.Compress, "compress", f.v.Compress, "gzip packed frames")
	fs.StringVar(&f.v.LogLevel, "log-level", f.v.LogLevel, "debug, info, warn or error")

	return f
}

// Load builds the configuration from defaults, the config file and the
// flags that were set, then validates it.
func (f *Flags) Load() (Config, error) {
	cfg := Default()

	path := f.path
	if path == "" {
		path = os.Getenv(EnvConfig)
	}
	if path != "" {
		var err error
		if cfg, err = LoadFile(path); err != nil {
			return Config{}, err
		}
	}

	f.apply(&cfg)

	if f.debug || envBool(EnvDebug) {
		cfg.LogLevel = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (f *Flags) apply(cfg *Config) {
	set := map[string]func(){
		"listen":           func() { cfg.Listen = f.v.Listen },
		"peer":             func() { cfg.Peer = f.v.Peer },
		"default-tag":      func() { cfg.DefaultTag = f.v.DefaultTag },
		"max-frame-size":   func() { cfg.MaxFrameSize = f.v.MaxFrameSize },
		"buffer-size":      func() { cfg.BufferSize = f.v.BufferSize },
		"heartbeat":        func() { cfg.Heartbeat = f.v.Heartbeat },
		"shutdown-timeout": func() { cfg.ShutdownTimeout = f.v.ShutdownTimeout },
		"batch-size":       func() { cfg.BatchSize = f.v.BatchSize },
		"compress":         func() { cfg.Compress = f.v.Compress },
		"log-level":        func() { cfg.LogLevel = f.v.LogLevel },
	}
	for name, apply := range set {
		if f.fs.Changed(name) {
			apply()
		}
	}
}

func envBool(name string) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		// Any non-boolean value still enables it, like DEBUG=yes.
		return true
	}
	return v
}
