package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/spf13/pflag"

	"example.com/ctftrace/internal/common"
	"example.com/ctftrace/internal/config"
	"example.com/ctftrace/internal/reader"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// defaultCacheDir is used by the index command when no cache directory is
// configured. It is hidden, so the trace directory scan skips it.
const defaultCacheDir = ".ctfidx"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		usage(stdout)
		return 2
	}
	var err error
	switch args[0] {
	case "info":
		err = infoCmd(ctx, args[1:], stdout, stderr)
	case "index":
		err = indexCmd(ctx, args[1:], stdout, stderr)
	case "dump":
		err = dumpCmd(ctx, args[1:], stdout, stderr)
	case "seek":
		err = seekCmd(ctx, args[1:], stdout, stderr)
	case "report":
		err = reportCmd(ctx, args[1:], stdout, stderr)
	case "version", "--version":
		fmt.Fprintf(stdout, "ctfctl %s (built %s)\n", version, buildDate)
		return 0
	case "help", "-h", "--help":
		usage(stdout)
		return 0
	default:
		usage(stdout)
		return 2
	}
	if errors.Is(err, pflag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", args[0], err)
		return 1
	}
	return 0
}

func usage(w io.Writer) {
	fmt.Fprintf(w, `ctfctl %s (built %s) <command> <trace-dir> [options]

Commands:
  info    <dir>                          schema summary: version, uuid, clocks, env, streams and events
  index   <dir> [--cache-dir <dir>]      index every stream file and write the index caches
  dump    <dir> [--json] [--begin <ts>] [--limit <n>]
  seek    <dir> --ts <ts>                locate the packet holding ts in every stream file
  report  <dir> [--pdf <file>] [--json <file>] [--title <title>] [--count]

Common options:
  --config <ctfctl.yaml>  --cache-dir <dir>  --codec <zstd|lz4|none>
  --no-cache  --parallel <n>  --progress  --log-level <level>
`, version, buildDate)
}

// globalFlags are shared by every command that opens a trace.
type globalFlags struct {
	configPath string
	cacheDir   string
	codec      string
	noCache    bool
	parallel   int
	progress   bool
	logLevel   string
}

func (g *globalFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&g.configPath, "config", config.DefaultFileName, "configuration file")
	fs.StringVar(&g.cacheDir, "cache-dir", "", "index cache directory (overrides config)")
	fs.StringVar(&g.codec, "codec", "", "index cache compression: zstd, lz4 or none (overrides config)")
	fs.BoolVar(&g.noCache, "no-cache", false, "do not read or write index caches")
	fs.IntVar(&g.parallel, "parallel", 0, "stream files indexed concurrently (overrides config)")
	fs.BoolVar(&g.progress, "progress", false, "print progress on stderr")
	fs.StringVar(&g.logLevel, "log-level", "", "log level (overrides config)")
}

// session is an opened trace with its configuration, logging and metrics.
type session struct {
	cfg          config.Config
	trace        *reader.Trace
	metrics      *common.Metrics
	stopProgress func()
	logCloser    io.Closer
}

func (s *session) Close() {
	s.stopProgress()
	s.metrics.Stop()
	if s.trace != nil {
		s.trace.Close()
	}
	if s.logCloser != nil {
		s.logCloser.Close()
	}
}

// parseTraceArgs parses args and returns the single trace directory.
func parseTraceArgs(fs *pflag.FlagSet, args []string, stderr io.Writer) (string, error) {
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	if fs.NArg() != 1 {
		return "", fmt.Errorf("expected one trace directory, got %d arguments", fs.NArg())
	}
	return fs.Arg(0), nil
}

// openSession loads the configuration and opens dir. fallbackCache is used
// when neither the flags nor the configuration name a cache directory.
func openSession(ctx context.Context, g globalFlags, dir, fallbackCache string, stderr io.Writer) (*session, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, err
	}
	if g.cacheDir != "" {
		cfg.Index.CacheDir = g.cacheDir
	}
	if g.codec != "" {
		cfg.Index.Codec = g.codec
	}
	if g.parallel > 0 {
		cfg.Index.Parallelism = g.parallel
	}
	if g.logLevel != "" {
		cfg.Logs.Level = g.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	closer, err := config.SetupLogging(cfg, "ctfctl", stderr)
	if err != nil {
		return nil, err
	}

	s := &session{cfg: cfg, metrics: common.NewMetrics(), logCloser: closer, stopProgress: func() {}}
	s.metrics.Start()
	if g.progress {
		s.stopProgress = common.StartProgressPrinter(stderr, s.metrics, 500*time.Millisecond)
	}

	opts := []reader.Option{
		reader.WithParallelism(cfg.Index.Parallelism),
		reader.WithMetrics(s.metrics),
	}
	cacheDir := cfg.Index.CacheDir
	if cacheDir == "" && fallbackCache != "" {
		cacheDir = filepath.Join(dir, fallbackCache)
	}
	if cacheDir != "" && !g.noCache {
		opts = append(opts, reader.WithCache(cacheDir, cfg.Codec()))
	}
	tr, err := reader.Open(ctx, dir, opts...)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.trace = tr
	common.Debugf("ctfctl: opened %s: %d stream files", dir, len(tr.Inputs))
	return s, nil
}
