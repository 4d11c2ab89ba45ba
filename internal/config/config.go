// Package config loads the ctfctl configuration file.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"

	"example.com/ctftrace/internal/common"
	"example.com/ctftrace/internal/index"
)

const DefaultFileName = "ctfctl.yaml"

type LogConfig struct {
	// Directory enables the rotating log file. Empty logs to stderr only.
	Directory  string `yaml:"directory"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
	MaxBackups int    `yaml:"maxBackups"`
	Compress   bool   `yaml:"compress"`
	Level      string `yaml:"level"`
	Console    bool   `yaml:"console"`
}

type IndexConfig struct {
	// CacheDir holds the packet index caches. Empty disables caching.
	CacheDir    string `yaml:"cacheDir"`
	Codec       string `yaml:"codec"`
	Parallelism int    `yaml:"parallelism"`
}

type ReportConfig struct {
	Title  string `yaml:"title"`
	QRSize int    `yaml:"qrSize"`
}

type Config struct {
	Logs   LogConfig    `yaml:"logs"`
	Index  IndexConfig  `yaml:"index"`
	Report ReportConfig `yaml:"report"`
}

// Default is the configuration used when no file is present.
func Default() Config {
	var cfg Config
	cfg.applyDefaults()
	return cfg
}

func (cfg *Config) applyDefaults() {
	if cfg.Logs.MaxSizeMB <= 0 {
		cfg.Logs.MaxSizeMB = 25
	}
	if cfg.Logs.MaxAgeDays <= 0 {
		cfg.Logs.MaxAgeDays = 7
	}
	if cfg.Logs.MaxBackups <= 0 {
		cfg.Logs.MaxBackups = 5
	}
	if cfg.Index.Codec == "" {
		cfg.Index.Codec = index.CodecZstd.String()
	}
	if cfg.Index.Parallelism <= 0 {
		cfg.Index.Parallelism = runtime.NumCPU()
	}
	if cfg.Report.Title == "" {
		cfg.Report.Title = "CTF Trace Summary"
	}
	if cfg.Report.QRSize <= 0 {
		cfg.Report.QRSize = 256
	}
}

// Load reads path. Relative directories are resolved against the directory
// of the file. A missing file at the default name yields Default.
func Load(path string) (Config, error) {
	var cfg Config
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && filepath.Base(path) == DefaultFileName {
			return Default(), nil
		}
		return cfg, err
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	baseDir := filepath.Dir(path)
	resolvePath := func(p string) string {
		p = strings.TrimSpace(p)
		if p == "" {
			return ""
		}
		if filepath.IsAbs(p) {
			return filepath.Clean(p)
		}
		return filepath.Clean(filepath.Join(baseDir, p))
	}
	cfg.Logs.Directory = resolvePath(cfg.Logs.Directory)
	cfg.Index.CacheDir = resolvePath(cfg.Index.CacheDir)
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func (cfg Config) Validate() error {
	if _, err := index.ParseCodec(cfg.Index.Codec); err != nil {
		return err
	}
	if _, err := common.ParseLevel(cfg.Logs.Level); err != nil {
		return err
	}
	return nil
}

// Codec is the parsed index cache codec.
func (cfg Config) Codec() index.Codec {
	c, err := index.ParseCodec(cfg.Index.Codec)
	if err != nil {
		return index.CodecZstd
	}
	return c
}

// SetupLogging points the process logger at stderr and, when a log
// directory is configured, at a rotating file named after the program.
// The returned closer releases the file.
func SetupLogging(cfg Config, program string, stderr io.Writer) (io.Closer, error) {
	level, err := common.ParseLevel(cfg.Logs.Level)
	if err != nil {
		return nil, err
	}
	if env := os.Getenv(common.LogLevelEnv); env != "" && cfg.Logs.Level == "" {
		if l, err := common.ParseLevel(env); err == nil {
			level = l
		}
	}
	if cfg.Logs.Directory == "" {
		common.SetOutput(stderr, level, cfg.Logs.Console)
		return nopCloser{}, nil
	}
	if err := os.MkdirAll(cfg.Logs.Directory, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	rotator := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.Logs.Directory, program+".log"),
		MaxSize:    cfg.Logs.MaxSizeMB,
		MaxAge:     cfg.Logs.MaxAgeDays,
		MaxBackups: cfg.Logs.MaxBackups,
		Compress:   cfg.Logs.Compress,
	}
	common.SetOutput(io.MultiWriter(stderr, rotator), level, false)
	return rotator, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
