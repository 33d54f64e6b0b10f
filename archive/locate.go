// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package archive

import (
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/danjacques/goreftek/protocol/reftek"
	"github.com/danjacques/goreftek/support/timeutil"

	"github.com/pkg/errors"
)

const (
	// AnyUnit matches any unit in Criteria.
	AnyUnit = -1
	// AnyStream matches any stream in Criteria.
	AnyStream = -1

	// maxOpenEventSpan bounds how far past its start an open event file may
	// extend. An open event whose stream's latest time falls outside of this
	// window is assumed to be stale, and is treated as ending at its start.
	maxOpenEventSpan = 48 * time.Hour
)

// Criteria selects event files and packets from an archive.
type Criteria struct {
	// Unit is the unit ID to match, or AnyUnit.
	Unit int
	// Stream is the stream number to match, or AnyStream.
	Stream int
	// Channels is a bitmask of the DT channels to match. Channel N is bit N-1.
	// If zero, all channels match.
	Channels uint16

	// Earliest, if not zero, excludes data that ends before it.
	Earliest time.Time
	// Latest, if not zero, excludes data that starts after it.
	Latest time.Time
}

// AllData returns Criteria that match every packet in an archive.
func AllData() Criteria { return Criteria{Unit: AnyUnit, Stream: AnyStream} }

// StreamData returns Criteria that match every packet in a single stream.
func StreamData(unit uint16, stream uint8) Criteria {
	return Criteria{Unit: int(unit), Stream: int(stream)}
}

func (c *Criteria) validate() error {
	switch {
	case c.Unit != AnyUnit && (c.Unit <= 0 || c.Unit > 0xFFFF):
		return errors.Wrapf(ErrBadCriteria, "unit %d is out of range", c.Unit)
	case c.Stream != AnyStream && (c.Stream < 0 || c.Stream > reftek.MaxStream):
		return errors.Wrapf(ErrBadCriteria, "stream %d is out of range", c.Stream)
	case !c.Earliest.IsZero() && !c.Latest.IsZero() && c.Latest.Before(c.Earliest):
		return errors.Wrapf(ErrBadCriteria, "latest time %s precedes earliest time %s",
			timeutil.Format(c.Latest), timeutil.Format(c.Earliest))
	default:
		return nil
	}
}

// exact returns true if c names a single stream.
func (c *Criteria) exact() bool { return c.Unit != AnyUnit && c.Stream != AnyStream }

func (c *Criteria) matchUnit(unit uint16) bool   { return c.Unit == AnyUnit || c.Unit == int(unit) }
func (c *Criteria) matchStream(stream uint8) bool { return c.Stream == AnyStream || c.Stream == int(stream) }

// matchTime returns true if [start, end] overlaps c's time range.
func (c *Criteria) matchTime(start, end time.Time) bool {
	if !c.Earliest.IsZero() && end.Before(c.Earliest) {
		return false
	}
	if !c.Latest.IsZero() && start.After(c.Latest) {
		return false
	}
	return true
}

// locator searches an archive's directory tree for event files.
//
// Directory listings are snapshots. A locator never mutates the archive, and
// is safe to use alongside a writer.
type locator struct {
	root string

	// liveLatest returns the latest data time known for a stream, or zero if
	// it is not known. It is used to bound open event files.
	liveLatest func(unit uint16, stream uint8) time.Time
}

// findFirst returns the first event file matching c.
//
// Days are searched in ascending order, starting with the day before c's
// earliest time so that events that began before midnight are found. Within a
// day, units and then streams are searched in ascending order. Within a
// stream, the event containing c's earliest time (or the first one after it)
// is selected, preferring an event that starts exactly at c's earliest time.
//
// If no event matches, findFirst returns ErrNotFound.
func (l *locator) findFirst(c *Criteria) (*EventRef, error) {
	return l.find(c, nil)
}

// findNext returns the event file following prev in search order.
//
// If no further event matches, findNext returns ErrNotFound.
func (l *locator) findNext(c *Criteria, prev *EventRef) (*EventRef, error) {
	return l.find(c, prev)
}

func (l *locator) find(c *Criteria, prev *EventRef) (*EventRef, error) {
	days, err := l.days()
	if err != nil {
		return nil, err
	}

	var firstDay, lastDay time.Time
	if !c.Earliest.IsZero() {
		firstDay = timeutil.Midnight(c.Earliest).AddDate(0, 0, -1)
	}
	if !c.Latest.IsZero() {
		lastDay = timeutil.Midnight(c.Latest)
	}
	var prevDay time.Time
	if prev != nil {
		prevDay = timeutil.Midnight(prev.Start)
		if prevDay.After(firstDay) {
			firstDay = prevDay
		}
	}

	for _, day := range days {
		if day.Before(firstDay) {
			continue
		}
		if !lastDay.IsZero() && day.After(lastDay) {
			break
		}

		// Only the previous event's own day needs to skip ahead of it.
		var after *EventRef
		if prev != nil && day.Equal(prevDay) {
			after = prev
		}

		ref, err := l.findInDay(c, day, after)
		switch errors.Cause(err) {
		case nil:
			return ref, nil
		case ErrNotFound:
		default:
			return nil, err
		}
	}
	return nil, ErrNotFound
}

func (l *locator) findInDay(c *Criteria, day time.Time, after *EventRef) (*EventRef, error) {
	dayDir := filepath.Join(l.root, dayDirName(day))
	units, err := listDir(dayDir, parseUnitDirName)
	if err != nil {
		return nil, err
	}

	for _, unit := range units {
		if !c.matchUnit(unit) || (after != nil && unit < after.Unit) {
			continue
		}

		unitDir := filepath.Join(dayDir, unitDirName(unit))
		streams, err := listDir(unitDir, parseStreamDirName)
		if err != nil {
			return nil, err
		}

		for _, stream := range streams {
			if !c.matchStream(stream) {
				continue
			}

			var afterRef *EventRef
			if after != nil && unit == after.Unit {
				if stream < after.Stream {
					continue
				}
				if stream == after.Stream {
					afterRef = after
				}
			}

			ref, err := l.findInStream(c, day, unit, stream, afterRef)
			switch errors.Cause(err) {
			case nil:
				return ref, nil
			case ErrNotFound:
			default:
				return nil, err
			}
		}
	}
	return nil, ErrNotFound
}

// findInStream selects an event from a single stream directory. If after is
// not nil, only events that follow it in event order are considered.
func (l *locator) findInStream(c *Criteria, day time.Time, unit uint16, stream uint8, after *EventRef) (*EventRef, error) {
	refs, err := l.listEvents(day, unit, stream)
	if err != nil {
		return nil, err
	}

	var candidate *EventRef
	for _, ref := range refs {
		if after != nil && !eventLess(after, ref) {
			continue
		}
		if !c.matchTime(ref.Start, l.effectiveEnd(ref)) {
			continue
		}

		if !c.Earliest.IsZero() && ref.Start.Equal(c.Earliest) {
			// An exact match beats any other candidate.
			return ref, nil
		}
		if candidate == nil {
			candidate = ref
		}
	}
	if candidate == nil {
		return nil, ErrNotFound
	}
	return candidate, nil
}

// effectiveEnd returns the end time of ref. An open event ends at its
// stream's latest time, if that is plausible, and otherwise at its start.
func (l *locator) effectiveEnd(ref *EventRef) time.Time {
	if !ref.IsOpen() {
		return ref.End()
	}
	if l.liveLatest != nil {
		latest := l.liveLatest(ref.Unit, ref.Stream)
		if !latest.Before(ref.Start) && latest.Sub(ref.Start) <= maxOpenEventSpan {
			return latest
		}
	}
	return ref.Start
}

// listEvents returns the event files in a stream directory, ordered by
// eventLess. Entries that are not event files are ignored.
func (l *locator) listEvents(day time.Time, unit uint16, stream uint8) ([]*EventRef, error) {
	dir := filepath.Join(l.root, dayDirName(day), unitDirName(unit), streamDirName(stream))
	entries, err := readDir(dir)
	if err != nil {
		return nil, err
	}

	refs := make([]*EventRef, 0, len(entries))
	for _, ent := range entries {
		if !ent.Type().IsRegular() {
			continue
		}
		start, d, ok := parseEventFileName(day, ent.Name())
		if !ok {
			continue
		}
		refs = append(refs, &EventRef{
			Path:     filepath.Join(dir, ent.Name()),
			Unit:     unit,
			Stream:   stream,
			Start:    start,
			Duration: d,
		})
	}
	sort.SliceStable(refs, func(i, j int) bool { return eventLess(refs[i], refs[j]) })
	return refs, nil
}

// eventLess orders the events of a stream by start time. Events that share a
// start time are ordered by duration, with an open event last.
func eventLess(a, b *EventRef) bool {
	switch {
	case !a.Start.Equal(b.Start):
		return a.Start.Before(b.Start)
	case a.IsOpen() != b.IsOpen():
		return b.IsOpen()
	default:
		return a.Duration < b.Duration
	}
}

// days returns the archive's day directories in ascending order.
func (l *locator) days() ([]time.Time, error) {
	entries, err := readDir(l.root)
	if err != nil {
		return nil, err
	}
	days := make([]time.Time, 0, len(entries))
	for _, ent := range entries {
		if !ent.IsDir() {
			continue
		}
		if day, ok := parseDayDirName(ent.Name()); ok {
			days = append(days, day)
		}
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })
	return days, nil
}

// listDir returns the directories under dir whose names parse, in ascending
// order.
func listDir[T uint8 | uint16](dir string, parse func(string) (T, bool)) ([]T, error) {
	entries, err := readDir(dir)
	if err != nil {
		return nil, err
	}
	vals := make([]T, 0, len(entries))
	for _, ent := range entries {
		if !ent.IsDir() {
			continue
		}
		if v, ok := parse(ent.Name()); ok {
			vals = append(vals, v)
		}
	}
	sort.Slice(vals, func(i, j int) bool { return vals[i] < vals[j] })
	return vals, nil
}

// readDir lists dir. A directory that does not exist, because it was purged
// or renamed since it was discovered, is treated as empty.
func readDir(dir string) ([]os.DirEntry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, ioError("readdir", dir, err)
	}
	return entries, nil
}
