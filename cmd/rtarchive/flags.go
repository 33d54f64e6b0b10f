// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package main

import (
	"strconv"
	"strings"
	"time"

	"github.com/danjacques/goreftek/archive"
	"github.com/danjacques/goreftek/protocol/reftek"
	"github.com/danjacques/goreftek/support/timeutil"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

// timeFlag is a pflag.Value that parses a UTC time, either in RFC 3339 form
// or in the archive's "YYYY:DDD-HH:MM:SS.sss" form.
type timeFlag struct {
	t time.Time
}

var _ pflag.Value = (*timeFlag)(nil)

func (tf *timeFlag) String() string {
	if tf.t.IsZero() {
		return ""
	}
	return timeutil.Format(tf.t)
}

func (tf *timeFlag) Set(v string) error {
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		tf.t = t.UTC()
		return nil
	}
	t, err := timeutil.Parse(v)
	if err != nil {
		return errors.Errorf("invalid time %q", v)
	}
	tf.t = t
	return nil
}

func (tf *timeFlag) Type() string { return "time" }

// criteriaFlags select the packets that a command reads.
type criteriaFlags struct {
	unit     string
	stream   int
	channels []int
	earliest timeFlag
	latest   timeFlag

	noDiscontinuous bool
}

func (cf *criteriaFlags) addFlags(fs *pflag.FlagSet) {
	fs.StringVar(&cf.unit, "unit", "", "Unit ID to read, in hex. If empty, all units are read.")
	fs.IntVar(&cf.stream, "stream", archive.AnyStream, "Stream number to read. If negative, all streams are read.")
	fs.IntSliceVar(&cf.channels, "channel", nil, "DT channel to read (1-16). May be repeated.")
	fs.Var(&cf.earliest, "start", "Exclude data that ends before this time.")
	fs.Var(&cf.latest, "end", "Exclude data that starts after this time.")
	fs.BoolVar(&cf.noDiscontinuous, "no-discontinuous", false, "Stop reading at the first sequence break.")
}

func (cf *criteriaFlags) criteria() (archive.Criteria, archive.CursorOptions, error) {
	crit := archive.AllData()
	opts := archive.CursorOptions{
		NoDiscontinuous: cf.noDiscontinuous,
	}

	if cf.unit != "" {
		unit, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(cf.unit), "0x"), 16, 16)
		if err != nil {
			return crit, opts, errors.Errorf("invalid unit %q", cf.unit)
		}
		crit.Unit = int(unit)
	}
	if cf.stream >= 0 {
		crit.Stream = cf.stream
	}
	for _, ch := range cf.channels {
		if ch < 1 || ch > reftek.MaxChannel {
			return crit, opts, errors.Errorf("channel %d is out of range", ch)
		}
		crit.Channels |= 1 << uint(ch-1)
	}
	crit.Earliest = cf.earliest.t
	crit.Latest = cf.latest.t
	return crit, opts, nil
}
