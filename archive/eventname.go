// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package archive

import (
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"time"

	"github.com/danjacques/goreftek/support/timeutil"

	"github.com/pkg/errors"
)

// maxEventDuration is the longest duration an event file name can encode.
const maxEventDuration = time.Duration(math.MaxUint32) * timeutil.Tick

// EventRef identifies an event file.
type EventRef struct {
	// Path is the event file's path.
	Path string

	Unit   uint16
	Stream uint8

	// Start is the start time encoded in the event file's path.
	Start time.Time
	// Duration is the duration encoded in the event file's name. It is zero if
	// the event was still open when the name was read.
	Duration time.Duration
}

// IsOpen returns true if the event file name marks the event as still open.
func (ref *EventRef) IsOpen() bool { return ref.Duration == 0 }

// End returns the end time encoded in the event file's path.
func (ref *EventRef) End() time.Time { return ref.Start.Add(ref.Duration) }

func (ref *EventRef) String() string {
	return fmt.Sprintf("%04X/%d@%s+%s", ref.Unit, ref.Stream, timeutil.Format(ref.Start), ref.Duration)
}

// EventPath returns the path of an event file.
//
// start is truncated to millisecond resolution, and d is clamped to the range
// an event file name can encode.
func EventPath(root string, unit uint16, stream uint8, start time.Time, d time.Duration) string {
	start = timeutil.Truncate(start)
	return filepath.Join(root, dayDirName(start), unitDirName(unit), streamDirName(stream), eventFileName(start, d))
}

// ParseEventPath parses an event file path produced by EventPath.
func ParseEventPath(path string) (*EventRef, error) {
	name := filepath.Base(path)
	streamDir := filepath.Dir(path)
	unitDir := filepath.Dir(streamDir)
	dayDir := filepath.Dir(unitDir)

	day, ok := parseDayDirName(filepath.Base(dayDir))
	if !ok {
		return nil, errors.Errorf("invalid day directory in %q", path)
	}
	unit, ok := parseUnitDirName(filepath.Base(unitDir))
	if !ok {
		return nil, errors.Errorf("invalid unit directory in %q", path)
	}
	stream, ok := parseStreamDirName(filepath.Base(streamDir))
	if !ok {
		return nil, errors.Errorf("invalid stream directory in %q", path)
	}
	start, d, ok := parseEventFileName(day, name)
	if !ok {
		return nil, errors.Errorf("invalid event file name in %q", path)
	}
	return &EventRef{
		Path:     path,
		Unit:     unit,
		Stream:   stream,
		Start:    start,
		Duration: d,
	}, nil
}

func dayDirName(t time.Time) string {
	year, doy := timeutil.YearDay(t)
	return fmt.Sprintf("%04d%03d", year, doy)
}

func parseDayDirName(v string) (time.Time, bool) {
	if len(v) != 7 {
		return time.Time{}, false
	}
	year, ok := parseDecimal(v[:4])
	if !ok {
		return time.Time{}, false
	}
	doy, ok := parseDecimal(v[4:])
	if !ok || doy < 1 || doy > 366 {
		return time.Time{}, false
	}
	t := timeutil.FromYearDay(year, doy, 0, 0, 0, 0)
	if y, d := timeutil.YearDay(t); y != year || d != doy {
		// Day 366 of a common year.
		return time.Time{}, false
	}
	return t, true
}

func unitDirName(unit uint16) string { return fmt.Sprintf("%04X", unit) }

func parseUnitDirName(v string) (uint16, bool) {
	if len(v) != 4 {
		return 0, false
	}
	u, err := strconv.ParseUint(v, 16, 16)
	if err != nil || u == 0 || v != unitDirName(uint16(u)) {
		return 0, false
	}
	return uint16(u), true
}

func streamDirName(stream uint8) string { return strconv.Itoa(int(stream)) }

func parseStreamDirName(v string) (uint8, bool) {
	if len(v) != 1 || v[0] < '0' || v[0] > '9' {
		return 0, false
	}
	return v[0] - '0', true
}

// eventFileName returns "HHMMsssss_LLLLLLLL", where sssss is milliseconds
// within the minute and LLLLLLLL is the duration in milliseconds.
func eventFileName(start time.Time, d time.Duration) string {
	if d < 0 {
		d = 0
	} else if d > maxEventDuration {
		d = maxEventDuration
	}
	msec := start.Second()*1000 + start.Nanosecond()/int(time.Millisecond)
	return fmt.Sprintf("%02d%02d%05d_%08x", start.Hour(), start.Minute(), msec, uint32(d/timeutil.Tick))
}

func parseEventFileName(day time.Time, v string) (start time.Time, d time.Duration, ok bool) {
	if len(v) != 18 || v[9] != '_' {
		return
	}
	hour, hok := parseDecimal(v[0:2])
	minute, mok := parseDecimal(v[2:4])
	msec, sok := parseDecimal(v[4:9])
	if !(hok && mok && sok) || hour > 23 || minute > 59 || msec >= 61000 {
		return
	}
	length, err := strconv.ParseUint(v[10:], 16, 32)
	if err != nil {
		return
	}

	year, doy := timeutil.YearDay(day)
	start = timeutil.FromYearDay(year, doy, hour, minute, 0, msec)
	d = time.Duration(length) * timeutil.Tick
	ok = true
	return
}

// parseDecimal parses a run of decimal digits, rejecting signs.
func parseDecimal(v string) (int, bool) {
	n := 0
	for i := 0; i < len(v); i++ {
		c := v[i]
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
	}
	return n, len(v) > 0
}
