// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

// Command rtarchive writes RefTek packets into an archive, and reads them back
// out of it.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/danjacques/goreftek/archive"
	"github.com/danjacques/goreftek/config"
	"github.com/danjacques/goreftek/support/logging"

	"github.com/dustin/go-humanize"
	"github.com/google/gops/agent"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type command struct {
	name  string
	short string
	run   func(ctx context.Context, args []string) error
}

var commands = []command{
	{"write", "Write packet captures into an archive", writeCmd},
	{"read", "Print a summary of the packets in an archive", readCmd},
	{"export", "Export archived packets to a packet stream file", exportCmd},
	{"info", "Print an archive's metadata and streams", infoCmd},
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	for _, cmd := range commands {
		if cmd.name != os.Args[1] {
			continue
		}

		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		err := cmd.run(ctx, os.Args[2:])
		cancel()

		switch errors.Cause(err) {
		case nil:
			return
		case pflag.ErrHelp:
			os.Exit(2)
		default:
			fmt.Fprintf(os.Stderr, "rtarchive %s: %s\n", cmd.name, err)
			os.Exit(1)
		}
	}

	usage()
	os.Exit(2)
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: rtarchive <command> [options]")
	fmt.Fprintln(os.Stderr, "Commands:")
	for _, cmd := range commands {
		fmt.Fprintf(os.Stderr, "  %-8s%s\n", cmd.name, cmd.short)
	}
}

// commonFlags are the flags shared by every command.
//
// Values set on the command line override values loaded from the settings
// file.
type commonFlags struct {
	fs *pflag.FlagSet

	configPath  string
	path        string
	name        string
	threshold   string
	maxSize     string
	logLevel    string
	gops        bool
	metricsAddr string
}

func newFlagSet(name string, cf *commonFlags) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	cf.fs = fs

	fs.StringVarP(&cf.configPath, "config", "c", "", "Path to an INI settings file.")
	fs.StringVarP(&cf.path, "path", "p", "", "Path to the archive's root directory.")
	fs.StringVar(&cf.name, "name", "", "Name of the archive, used when it is created.")
	fs.StringVar(&cf.threshold, "threshold", "", "Archive size past which the oldest data is purged (e.g., 8GB).")
	fs.StringVar(&cf.maxSize, "max-size", "", "Hard archive size limit (e.g., 10GB).")
	fs.StringVar(&cf.logLevel, "log-level", "", "Minimum log level (debug, info, warn, error).")
	fs.BoolVar(&cf.gops, "gops", false, "Start a gops diagnostics agent.")
	fs.StringVar(&cf.metricsAddr, "metrics-addr", "", "If set, serve Prometheus metrics on this address.")
	return fs
}

// loadConfig loads the settings file, if one was named, and applies the
// command-line overrides to it.
func (cf *commonFlags) loadConfig() (*config.Config, error) {
	cfg := config.New()
	if cf.configPath != "" {
		var err error
		if cfg, err = config.LoadFile(cf.configPath); err != nil {
			return nil, err
		}
	}

	if cf.fs.Changed("path") {
		cfg.Path = cf.path
	}
	if cf.fs.Changed("name") {
		cfg.Name = cf.name
	}
	if cf.fs.Changed("threshold") {
		v, err := humanize.ParseBytes(cf.threshold)
		if err != nil {
			return nil, errors.Wrap(err, "invalid --threshold")
		}
		cfg.ThresholdBytes = int64(v)
	}
	if cf.fs.Changed("max-size") {
		v, err := humanize.ParseBytes(cf.maxSize)
		if err != nil {
			return nil, errors.Wrap(err, "invalid --max-size")
		}
		cfg.MaxBytes = int64(v)
	}
	if cf.fs.Changed("log-level") {
		level, err := logging.ParseLevel(cf.logLevel)
		if err != nil {
			return nil, errors.Wrap(err, "invalid --log-level")
		}
		cfg.LogLevel = level
	}

	if cfg.Path == "" {
		return nil, errors.New("an archive path is required (--path)")
	}
	return cfg, nil
}

// env is the runtime environment shared by every command.
type env struct {
	cfg    *config.Config
	logger *zap.SugaredLogger

	metrics *http.Server
	gops    bool
}

// setup loads configuration and starts the logger and diagnostics services.
//
// The returned env must be closed when the command finishes.
func (cf *commonFlags) setup() (*env, error) {
	cfg, err := cf.loadConfig()
	if err != nil {
		return nil, err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return nil, errors.Wrap(err, "creating logger")
	}
	e := env{
		cfg:    cfg,
		logger: logger,
	}

	if cf.gops {
		if err := agent.Listen(agent.Options{ShutdownCleanup: true}); err != nil {
			logger.Warnf("Could not start gops agent: %s", err)
		} else {
			e.gops = true
		}
	}

	if cf.metricsAddr != "" {
		reg := prometheus.NewRegistry()
		archive.RegisterMonitoring(reg)

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		e.metrics = &http.Server{
			Addr:    cf.metricsAddr,
			Handler: mux,
		}
		go func() {
			if err := e.metrics.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Errorf("Metrics server on %q failed: %s", cf.metricsAddr, err)
			}
		}()
		logger.Infof("Serving metrics on http://%s/metrics", cf.metricsAddr)
	}

	return &e, nil
}

// options returns archive options for the command's configuration.
func (e *env) options() *archive.Options {
	return e.cfg.Options(e.logger)
}

func (e *env) close() {
	if e.metrics != nil {
		_ = e.metrics.Close()
	}
	if e.gops {
		agent.Close()
	}
	_ = e.logger.Sync()
}

func newLogger(level logging.Level) (*zap.SugaredLogger, error) {
	zc := zap.NewProductionConfig()
	zc.Encoding = "console"
	zc.Sampling = nil
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zc.Level = zap.NewAtomicLevelAt(zapLevel(level))

	logger, err := zc.Build()
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}

func zapLevel(level logging.Level) zapcore.Level {
	switch level {
	case logging.LevelDebug:
		return zapcore.DebugLevel
	case logging.LevelWarn:
		return zapcore.WarnLevel
	case logging.LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
