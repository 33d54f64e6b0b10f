// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package archive

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/danjacques/goreftek/support/fmtutil"

	"github.com/pkg/errors"
)

// maxPurgeFailures is the number of failed deletions after which a purge pass
// gives up.
const maxPurgeFailures = 16

// removeFile deletes a purged event file. Tests replace it to inject failures.
var removeFile = os.Remove

// purger runs an archive's purge passes in a background goroutine.
//
// Requests coalesce: any number of requests made while a pass is running
// result in at most one more pass.
type purger struct {
	a *Archive

	requestC   chan struct{}
	cancelFunc context.CancelFunc
	doneC      chan struct{}
}

func startPurger(a *Archive) *purger {
	c, cancelFunc := context.WithCancel(context.Background())
	p := purger{
		a:          a,
		requestC:   make(chan struct{}, 1),
		cancelFunc: cancelFunc,
		doneC:      make(chan struct{}),
	}
	go p.run(c)
	return &p
}

// request asks for a purge pass. It does not block.
func (p *purger) request() {
	select {
	case p.requestC <- struct{}{}:
	default:
		// A pass is already pending.
	}
}

// stop stops the purge goroutine and waits for it to finish.
func (p *purger) stop() {
	p.cancelFunc()
	<-p.doneC
}

func (p *purger) run(c context.Context) {
	defer close(p.doneC)

	for {
		select {
		case <-c.Done():
			return
		case <-p.requestC:
		}

		p.a.purge()

		// Requests made during the pass are satisfied by it.
		select {
		case <-p.requestC:
		default:
		}
	}
}

// purge deletes the oldest event files in the archive until it is at or below
// its purge threshold (or, if it has none, its maximum size).
//
// Days are visited oldest first. Within a day, event files are deleted oldest
// first across all units and streams. Open events are never deleted. A pass
// gives up after maxPurgeFailures failed deletions.
//
// purge returns the number of event files deleted.
func (a *Archive) purge() int {
	a.purgeMu.Lock()
	defer a.purgeMu.Unlock()

	target := a.purgeTarget()
	if target <= 0 || !a.overTarget(target) {
		return 0
	}

	started := time.Now()
	purgePasses.Inc()

	days, err := a.loc.days()
	if err != nil {
		a.logger.Errorf("Could not list days to purge in %q: %s", a.root, err)
		purgeFailures.Inc()
		return 0
	}

	deleted, failures := 0, 0
	for _, day := range days {
		candidates, err := a.purgeCandidates(day)
		if err != nil {
			a.logger.Warnf("Could not list events to purge for %s: %s", dayDirName(day), err)
			failures++
			purgeFailures.Inc()
			if failures >= maxPurgeFailures {
				break
			}
			continue
		}

		for _, cand := range candidates {
			if !a.overTarget(target) {
				a.logPurge(deleted, started)
				return deleted
			}

			switch err := a.purgeEvent(cand); errors.Cause(err) {
			case nil:
				deleted++
			case errEventOpen:
				// Skip open events.
			default:
				a.logger.Warnf("Failed to purge event %q: %s", cand.Path, err)
				failures++
				purgeFailures.Inc()
			}

			if failures >= maxPurgeFailures {
				a.logger.Errorf("Giving up purge of %q after %d failures.", a.root, failures)
				a.logPurge(deleted, started)
				return deleted
			}
		}
	}

	a.logPurge(deleted, started)
	return deleted
}

func (a *Archive) logPurge(deleted int, started time.Time) {
	a.mu.Lock()
	used := a.meta.bytes
	a.mu.Unlock()
	a.logger.Infof("Purged %d event file(s) from %q in %s; %s remain.",
		deleted, a.root, time.Since(started), fmtutil.Bytes(used))
}

// purgeTarget returns the size that a purge pass reduces the archive to, or 0
// if the archive has no limits.
func (a *Archive) purgeTarget() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.meta.threshold > 0 {
		return a.meta.threshold
	}
	return a.meta.maxBytes
}

func (a *Archive) overTarget(target int64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.meta.bytes > target
}

// purgeCandidates returns every event file in day, oldest first.
func (a *Archive) purgeCandidates(day time.Time) ([]*EventRef, error) {
	dayDir := filepath.Join(a.root, dayDirName(day))
	units, err := listDir(dayDir, parseUnitDirName)
	if err != nil {
		return nil, err
	}

	var candidates []*EventRef
	for _, unit := range units {
		streams, err := listDir(filepath.Join(dayDir, unitDirName(unit)), parseStreamDirName)
		if err != nil {
			return nil, err
		}
		for _, stream := range streams {
			refs, err := a.loc.listEvents(day, unit, stream)
			if err != nil {
				return nil, err
			}
			candidates = append(candidates, refs...)
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool { return eventLess(candidates[i], candidates[j]) })
	return candidates, nil
}

// errEventOpen is returned by purgeEvent when asked to delete an open event.
var errEventOpen = errors.New("event is open")

// purgeEvent deletes a single event file, and any directories that deleting
// it leaves empty, and updates the archive's accounting.
func (a *Archive) purgeEvent(cand *EventRef) error {
	size, err := a.removeEventFile(cand)
	if err != nil {
		return err
	}

	// Find the stream's new earliest event. This searches outside of the
	// lock, since the locator consults live stream state.
	crit := StreamData(cand.Unit, cand.Stream)
	first, err := a.loc.findFirst(&crit)
	switch errors.Cause(err) {
	case nil, ErrNotFound:
	default:
		a.logger.Warnf("Could not find earliest event for %04X/%d after purge: %s", cand.Unit, cand.Stream, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if s := a.streams.lookup(cand.Unit, cand.Stream); s != nil {
		switch {
		case first != nil:
			s.rng.earliest = first.Start
			if s.rng.latest.Before(s.rng.earliest) {
				s.rng.latest = first.End()
			}
		case err == nil || errors.Cause(err) == ErrNotFound:
			if s.event == nil {
				s.rng = timeRange{}
			}
		}
	}
	if earliest := a.streams.earliest(); earliest.IsZero() {
		a.meta.rng = timeRange{}
	} else {
		a.meta.rng.earliest = earliest
	}
	a.dirty = true

	purgedFiles.Inc()
	purgedBytes.Add(float64(size))
	return nil
}

// removeEventFile deletes an event file and cascades the deletion up through
// its now-empty stream, unit, and day directories, and decrements the
// archive's byte counters. It returns the size of the deleted file.
func (a *Archive) removeEventFile(cand *EventRef) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.openEventPathsLocked()[cand.Path]; ok {
		return 0, errEventOpen
	}

	fi, err := os.Stat(cand.Path)
	if err != nil {
		return 0, ioError("stat", cand.Path, err)
	}
	if err := removeFile(cand.Path); err != nil {
		return 0, ioError("remove", cand.Path, err)
	}
	a.logger.Debugf("Purged event %q (%s).", cand.Path, fmtutil.Bytes(fi.Size()))

	// Remove parent directories until one is not empty.
	for dir, i := filepath.Dir(cand.Path), 0; i < 3; dir, i = filepath.Dir(dir), i+1 {
		if err := os.Remove(dir); err != nil {
			break
		}
		a.logger.Debugf("Removed empty directory %q.", dir)
	}

	size := fi.Size()
	if s := a.streams.lookup(cand.Unit, cand.Stream); s != nil {
		s.bytes = floorSub(s.bytes, size)
	}
	a.meta.bytes = floorSub(a.meta.bytes, size)
	archiveUsedBytes.Set(float64(a.meta.bytes))
	return size, nil
}

// floorSub returns v-d, floored at zero.
func floorSub(v, d int64) int64 {
	if v -= d; v < 0 {
		return 0
	}
	return v
}
