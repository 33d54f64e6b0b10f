// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

// Package config loads archive settings from an INI file.
//
// A settings file has an [archive] section, which names the archive and its
// limits, and a [log] section:
//
//	[archive]
//	path = /data/rt
//	name = Station XYZ
//	threshold = 8GB
//	max-size = 10GB
//	update-interval = 30s
//	event-idle = 5m
//
//	[log]
//	level = info
//
// Every key is optional. Byte sizes accept any form understood by
// humanize.ParseBytes ("8GB", "512 MiB", "1000000").
package config

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/danjacques/goreftek/archive"
	"github.com/danjacques/goreftek/support/logging"

	"github.com/dustin/go-humanize"
	"github.com/lars-t-hansen/ini"
	"github.com/pkg/errors"
)

var (
	p = ini.NewParser()

	archiveSection        = p.AddSection("archive")
	archivePath           = archiveSection.AddString("path")
	archiveName           = archiveSection.AddString("name")
	archiveThreshold      = archiveSection.AddString("threshold")
	archiveMaxSize        = archiveSection.AddString("max-size")
	archiveUpdateInterval = archiveSection.AddString("update-interval")
	archiveEventIdle      = archiveSection.AddString("event-idle")

	logSection = p.AddSection("log")
	logLevel   = logSection.AddString("level")
)

// Config is a loaded settings file.
//
// Fields that were absent from the file hold their zero value, except
// LogLevel, which defaults to logging.LevelInfo.
type Config struct {
	// Path is the archive's root directory.
	Path string
	// Name is the archive's name, used when it is created.
	Name string

	// ThresholdBytes is the purge threshold.
	ThresholdBytes int64
	// MaxBytes is the hard archive size limit.
	MaxBytes int64

	// UpdateInterval is the minimum interval between state file updates.
	UpdateInterval time.Duration
	// EventIdleTimeout is how long an idle event file keeps its handle.
	EventIdleTimeout time.Duration

	// LogLevel is the minimum level that is logged.
	LogLevel logging.Level
}

// New returns a Config holding default values.
func New() *Config {
	return &Config{LogLevel: logging.LevelInfo}
}

// LoadFile loads the settings file at path.
func LoadFile(path string) (*Config, error) {
	fd, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening settings file")
	}
	defer fd.Close()

	cfg, err := Load(fd)
	if err != nil {
		return nil, errors.Wrapf(err, "loading %q", path)
	}
	return cfg, nil
}

// Load parses settings from r.
func Load(r io.Reader) (*Config, error) {
	store, err := p.Parse(r)
	if err != nil {
		return nil, errors.Wrap(err, "parsing settings")
	}

	cfg := New()
	if archivePath.Present(store) {
		cfg.Path = value(archivePath, store)
	}
	if archiveName.Present(store) {
		cfg.Name = value(archiveName, store)
	}
	if cfg.ThresholdBytes, err = loadBytes(archiveThreshold, store); err != nil {
		return nil, err
	}
	if cfg.MaxBytes, err = loadBytes(archiveMaxSize, store); err != nil {
		return nil, err
	}
	if cfg.UpdateInterval, err = loadDuration(archiveUpdateInterval, store); err != nil {
		return nil, err
	}
	if cfg.EventIdleTimeout, err = loadDuration(archiveEventIdle, store); err != nil {
		return nil, err
	}
	if logLevel.Present(store) {
		if cfg.LogLevel, err = logging.ParseLevel(value(logLevel, store)); err != nil {
			return nil, errors.Wrap(err, "invalid [log] level")
		}
	}

	if cfg.MaxBytes > 0 && cfg.ThresholdBytes > cfg.MaxBytes {
		return nil, errors.Errorf("threshold (%s) exceeds max-size (%s)",
			humanize.Bytes(uint64(cfg.ThresholdBytes)), humanize.Bytes(uint64(cfg.MaxBytes)))
	}
	return cfg, nil
}

// Options returns archive options for cfg that log to logger.
func (cfg *Config) Options(logger logging.L) *archive.Options {
	return &archive.Options{
		Logger:           logger,
		ThresholdBytes:   cfg.ThresholdBytes,
		MaxBytes:         cfg.MaxBytes,
		UpdateInterval:   cfg.UpdateInterval,
		EventIdleTimeout: cfg.EventIdleTimeout,
	}
}

func value(f *ini.Field, store *ini.Store) string {
	return strings.TrimSpace(f.StringVal(store))
}

func loadBytes(f *ini.Field, store *ini.Store) (int64, error) {
	if !f.Present(store) {
		return 0, nil
	}
	v := value(f, store)
	n, err := humanize.ParseBytes(v)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid byte size %q", v)
	}
	if int64(n) < 0 {
		return 0, errors.Errorf("byte size %q is too large", v)
	}
	return int64(n), nil
}

func loadDuration(f *ini.Field, store *ini.Store) (time.Duration, error) {
	if !f.Present(store) {
		return 0, nil
	}
	v := value(f, store)
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid duration %q", v)
	}
	if d < 0 {
		return 0, errors.Errorf("negative duration %q", v)
	}
	return d, nil
}
