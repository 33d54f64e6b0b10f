// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

// Package timeutil contains the time helpers shared by the packet codec and
// the archive.
//
// All times are UTC with millisecond resolution, the finest resolution that
// RefTek packet headers carry.
package timeutil

import (
	"time"
)

// Tick is the smallest representable time step.
const Tick = time.Millisecond

// layout is a fixed-width "YYYY:DDD-HH:MM:SS.sss" layout.
const layout = "2006:002-15:04:05.000"

// undefinedString is the Format output for the zero time. It has the same
// width as a formatted time.
const undefinedString = "----:----------------"

// YearDay returns the year and the one-based day-of-year of t.
func YearDay(t time.Time) (year, doy int) {
	t = t.UTC()
	return t.Year(), t.YearDay()
}

// FromYearDay builds a UTC time from year, day-of-year and a time of day.
//
// Out-of-range components are normalized the way time.Date normalizes them.
func FromYearDay(year, doy, hour, minute, second, msec int) time.Time {
	return time.Date(year, time.January, doy, hour, minute, second, msec*int(time.Millisecond), time.UTC)
}

// Midnight returns the start of t's UTC calendar day.
func Midnight(t time.Time) time.Time {
	year, doy := YearDay(t)
	return FromYearDay(year, doy, 0, 0, 0, 0)
}

// SameDay returns true if a and b fall on the same UTC calendar day.
func SameDay(a, b time.Time) bool {
	ay, ad := YearDay(a)
	by, bd := YearDay(b)
	return ay == by && ad == bd
}

// Truncate reduces t to UTC millisecond resolution.
func Truncate(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC().Truncate(Tick)
}

// Millis returns t as milliseconds since the Unix epoch.
func Millis(t time.Time) int64 { return t.UnixNano() / int64(time.Millisecond) }

// FromMillis is the inverse of Millis.
func FromMillis(ms int64) time.Time {
	return time.Unix(ms/1000, (ms%1000)*int64(time.Millisecond)).UTC()
}

// Seconds converts a duration to fractional seconds.
func Seconds(d time.Duration) float64 { return d.Seconds() }

// FromSeconds converts fractional seconds into a duration, rounded to Tick.
func FromSeconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second)).Round(Tick)
}

// Format renders t in a fixed-width, human-readable form. The zero time is
// rendered as a placeholder of the same width.
func Format(t time.Time) string {
	if t.IsZero() {
		return undefinedString
	}
	return t.UTC().Format(layout)
}

// Parse is the inverse of Format.
func Parse(v string) (time.Time, error) {
	if v == undefinedString {
		return time.Time{}, nil
	}
	return time.ParseInLocation(layout, v, time.UTC)
}

// Now returns the current system time at archive resolution.
func Now() time.Time { return Truncate(time.Now()) }
