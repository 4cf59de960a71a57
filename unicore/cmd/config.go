package cmd

import (
	"flag"
	"io"
	"os"
	"runtime"

	"github.com/sirupsen/logrus"
)

const defaultVerbosity = 3

// Config carries the per-invocation settings every component reads. It is built
// once by the subcommand and passed by value; nothing here is mutated after.
type Config struct {
	Threads     int
	Verbosity   int
	Progress    bool
	MetricsPath string
	Log         *logrus.Logger
	Metrics     *runMetrics
}

// DefaultConfig returns a quiet-enough baseline suitable for library callers and tests.
func DefaultConfig() Config {
	return Config{
		Threads:   runtime.GOMAXPROCS(0),
		Verbosity: defaultVerbosity,
		Log:       newLogger(defaultVerbosity, os.Stderr),
		Metrics:   newRunMetrics(),
	}
}

// WithLogOutput redirects log output, keeping the verbosity.
func (c Config) WithLogOutput(w io.Writer) Config {
	c.Log = newLogger(c.Verbosity, w)
	return c
}

func (c Config) workers() int {
	if c.Threads <= 0 {
		return runtime.GOMAXPROCS(0)
	}
	return c.Threads
}

func (c Config) logger() *logrus.Logger {
	if c.Log == nil {
		return newLogger(c.Verbosity, os.Stderr)
	}
	return c.Log
}

// newLogger maps verbosity 0..4 onto logrus levels: 0-1 errors only, 2 warnings,
// 3 info, 4 and above debug.
func newLogger(verbosity int, w io.Writer) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(w)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:          true,
		TimestampFormat:        "15:04:05",
		DisableLevelTruncation: true,
	})
	switch {
	case verbosity <= 1:
		log.SetLevel(logrus.ErrorLevel)
	case verbosity == 2:
		log.SetLevel(logrus.WarnLevel)
	case verbosity == 3:
		log.SetLevel(logrus.InfoLevel)
	default:
		log.SetLevel(logrus.DebugLevel)
	}
	return log
}

type commonFlags struct {
	threads   *int
	verbosity *int
	progress  *bool
	metrics   *string
}

func registerCommonFlags(fs *flag.FlagSet) commonFlags {
	return commonFlags{
		threads:   fs.Int("threads", runtime.GOMAXPROCS(0), "Worker threads for parsing and compression (<=0 defaults to GOMAXPROCS)"),
		verbosity: fs.Int("v", defaultVerbosity, "Verbosity: 0 quiet, 1 errors, 2 warnings, 3 info, 4 debug"),
		progress:  fs.Bool("progress", true, "Show progress bar"),
		metrics:   fs.String("metrics", "", "Optional Prometheus textfile output path"),
	}
}

func (f commonFlags) config() Config {
	return Config{
		Threads:     *f.threads,
		Verbosity:   *f.verbosity,
		Progress:    *f.progress && *f.verbosity >= defaultVerbosity,
		MetricsPath: *f.metrics,
		Log:         newLogger(*f.verbosity, os.Stderr),
		Metrics:     newRunMetrics(),
	}
}

// finish flushes run-level side outputs; only metrics today.
func (c Config) finish() error {
	if c.MetricsPath == "" || c.Metrics == nil {
		return nil
	}
	return c.Metrics.writeTextfile(c.MetricsPath)
}
