// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package archive

import (
	"os"
	"path/filepath"
	"time"

	"github.com/danjacques/goreftek/protocol/reftek"
	"github.com/danjacques/goreftek/support/fmtutil"
	"github.com/danjacques/goreftek/support/timeutil"

	"github.com/pkg/errors"
)

// Reasons that an event is closed. These label the eventsClosed metric.
const (
	closeReasonDay      = "day"
	closeReasonEvent    = "event"
	closeReasonSequence = "sequence"
	closeReasonTrailer  = "trailer"
	closeReasonShutdown = "shutdown"
)

// event is a stream's open event file.
type event struct {
	// number is the event number of the packets in this event.
	number uint16
	// nextSeq is the sequence number expected of the next packet.
	nextSeq uint16

	// start is the start time encoded in the event file's name.
	start time.Time
	// rng is the range of data written to this event.
	rng timeRange
	// bytes is the size of the event file.
	bytes int64

	// path is the event file's path while it is open.
	path string
	// fd is the open event file, or nil if it has been released.
	fd *os.File
	// lastWrite is the time of the last write to this event.
	lastWrite time.Time
}

// WritePacket writes a raw RefTek packet into the archive.
//
// Time-series packets for a stream whose sampling rate is not yet known are
// held until a rate can be derived, and then written in order.
//
// If WritePacket fails with an IOError, the archive's in-memory state is left
// as it was before the packet, and the packet may be retried.
func (a *Archive) WritePacket(raw []byte) error {
	if err := a.checkMode(ModeWrite); err != nil {
		return err
	}

	if err := a.enforceLimits(); err != nil {
		return err
	}

	pkt, err := reftek.Decode(raw)
	if err != nil {
		a.logger.Debugf("Rejecting bad packet (%s):\n%s", err, fmtutil.Hex(raw[:min(len(raw), reftek.HeaderSize*2)]))
		packetsRejected.Inc()
		return errors.Wrapf(ErrBadPacket, "%s", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkModeLocked(ModeWrite); err != nil {
		return err
	}

	number := uint8(StatusStream)
	if pkt.Type.IsTimeSeries() {
		number = pkt.Stream
	}
	s := a.streams.lookup(pkt.Unit, number)
	if s == nil {
		s = a.streams.create(pkt.Unit, number)
		a.dirty = true
		a.logger.Infof("Created stream %04X/%d.", s.unit, s.number)
	}
	s.channels |= pkt.ChannelBit()

	if pkt.Type.IsTimeSeries() {
		// Event headers and trailers carry an authoritative rate.
		if rate, ok := pkt.Rate(); ok && rate != s.rate {
			a.logger.Infof("Stream %04X/%d declares sampling rate %g Hz.", s.unit, s.number, rate)
			s.rate = rate
		}

		if s.rate == 0 {
			return a.stashLocked(s, pkt)
		}
		if len(s.stash) > 0 {
			if err := a.flushStashLocked(s); err != nil {
				return err
			}
		}
	}

	return a.writePacketLocked(s, pkt)
}

// enforceLimits purges the archive when it is over its threshold. If it is
// over its maximum size, a purge pass is run synchronously, and
// ErrMaxSizeReached is returned if that did not bring it under the limit.
func (a *Archive) enforceLimits() error {
	a.mu.Lock()
	bytes, threshold, maxBytes := a.meta.bytes, a.meta.threshold, a.meta.maxBytes
	a.mu.Unlock()

	if threshold > 0 && bytes > threshold {
		if a.purger != nil {
			a.purger.request()
		} else {
			a.purge()
		}
	}

	if maxBytes > 0 && bytes > maxBytes {
		a.purge()

		a.mu.Lock()
		bytes = a.meta.bytes
		a.mu.Unlock()
		if bytes > maxBytes {
			archiveFull.Inc()
			return errors.Wrapf(ErrMaxSizeReached, "archive holds %s, maximum is %s",
				fmtutil.Bytes(bytes), fmtutil.Bytes(maxBytes))
		}
	}
	return nil
}

// writePacketLocked rotates s's open event as needed, and appends pkt to it.
func (a *Archive) writePacketLocked(s *stream, pkt *reftek.Packet) error {
	now := a.opts.now()

	if ev := s.event; ev != nil {
		if reason := rotationReason(s, ev, pkt); reason != "" {
			if err := a.closeEventLocked(s, reason); err != nil {
				return err
			}
		}
	}

	// Compute the new time ranges, committing them only once the packet has
	// been written.
	start, end := pkt.TimeRange(s.rate)
	trailer := pkt.Type == reftek.TypeET

	ev := s.event
	isNew := ev == nil
	if isNew {
		ev = &event{
			number: pkt.EventNumber,
		}
	}
	evRange, streamRange, archiveRange := ev.rng, s.rng, a.meta.rng
	if trailer {
		// A trailer must not shrink a known range. If its event holds no data,
		// the trailer's own sample times are the best description of it.
		if first, last, ok := pkt.SampleTimes(); ok && !evRange.defined() {
			start, end = first, last
		}
		evRange.seed(start, end)
		streamRange.seed(start, end)
		archiveRange.seed(start, end)
	} else {
		evRange.extend(start, end)
		streamRange.extend(start, end)
		archiveRange.extend(start, end)
	}

	if isNew {
		ev.start = evRange.earliest
		ev.path = EventPath(a.root, s.unit, s.number, ev.start, 0)
	}
	if ev.fd == nil {
		if err := a.openEventLocked(ev); err != nil {
			return err
		}
	}

	n, err := ev.fd.Write(pkt.Raw)
	if err != nil {
		if isNew {
			_ = ev.fd.Close()
		}
		return ioError("write", ev.path, err)
	}

	// Commit.
	size := int64(n)
	s.event = ev
	ev.rng, s.rng, a.meta.rng = evRange, streamRange, archiveRange
	ev.nextSeq = reftek.NextSequence(pkt.Sequence)
	ev.lastWrite = now
	ev.bytes += size
	s.bytes += size
	a.meta.bytes += size
	a.dirty = true

	packetsWritten.WithLabelValues(pkt.Type.String()).Inc()
	bytesWritten.Add(float64(size))
	archiveUsedBytes.Set(float64(a.meta.bytes))

	if trailer {
		if err := a.closeEventLocked(s, closeReasonTrailer); err != nil {
			return err
		}
	}

	return a.syncLocked(now)
}

// rotationReason returns the reason that pkt cannot be appended to ev, or an
// empty string if it can.
func rotationReason(s *stream, ev *event, pkt *reftek.Packet) string {
	if s.isStatus() {
		if !timeutil.SameDay(ev.start, pkt.Time) {
			return closeReasonDay
		}
		return ""
	}

	switch {
	case pkt.EventNumber != ev.number:
		return closeReasonEvent
	case pkt.Sequence != ev.nextSeq:
		return closeReasonSequence
	default:
		return ""
	}
}

// openEventLocked opens ev's file for appending, creating it if needed.
//
// If the file already exists, because the event was released while idle or
// because a previous writer left it behind, ev's size is taken from it.
func (a *Archive) openEventLocked(ev *event) error {
	dir := filepath.Dir(ev.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return ioError("mkdir", dir, err)
	}

	fd, err := os.OpenFile(ev.path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return ioError("open", ev.path, err)
	}
	fi, err := fd.Stat()
	if err != nil {
		_ = fd.Close()
		return ioError("stat", ev.path, err)
	}

	if fi.Size() > 0 && ev.bytes == 0 {
		a.logger.Infof("Appending to existing event file %q (%s).", ev.path, fmtutil.Bytes(fi.Size()))
	}
	ev.fd = fd
	ev.bytes = fi.Size()
	return nil
}

// closeEventLocked closes s's open event and renames its file to carry the
// event's final duration.
//
// If the rename fails, the event remains open, and closing may be retried.
func (a *Archive) closeEventLocked(s *stream, reason string) error {
	ev := s.event
	if ev.fd != nil {
		err := ev.fd.Close()
		ev.fd = nil
		if err != nil {
			return ioError("close", ev.path, err)
		}
	}

	// A closed event always has a non-zero duration, which distinguishes it
	// from an open one.
	d := ev.rng.latest.Sub(ev.start)
	if d < timeutil.Tick {
		d = timeutil.Tick
	}
	final, d, err := a.freeEventPathLocked(s, ev, d)
	if err != nil {
		return err
	}
	if err := os.Rename(ev.path, final); err != nil {
		return ioError("rename", ev.path, err)
	}

	a.logger.Debugf("Closed event %q (%s, %s): %s.", final, d, fmtutil.Bytes(ev.bytes), reason)
	eventsClosed.WithLabelValues(reason).Inc()
	s.event = nil
	a.dirty = true
	return nil
}

// maxNameAttempts bounds the search for an unused closed event file name.
const maxNameAttempts = 1000

// freeEventPathLocked returns the path that a closed event with duration d is
// renamed to. If another event file already has that name, as happens when
// retransmitted packets are archived a second time, the duration is extended
// a tick at a time until the name is unused.
func (a *Archive) freeEventPathLocked(s *stream, ev *event, d time.Duration) (string, time.Duration, error) {
	for i := 0; i < maxNameAttempts; i++ {
		final := EventPath(a.root, s.unit, s.number, ev.start, d)
		switch _, err := os.Lstat(final); {
		case os.IsNotExist(err):
			if i > 0 {
				a.logger.Warnf("Event file name for %q was taken; closing as %q.", ev.path, final)
			}
			return final, d, nil
		case err != nil:
			return "", 0, ioError("stat", final, err)
		}
		d += timeutil.Tick
	}
	return "", 0, ioError("rename", ev.path, os.ErrExist)
}

// releaseIdleEventsLocked closes the files of events that have not been
// written to within the idle timeout. The events remain open, and their files
// are reopened on the next write.
func (a *Archive) releaseIdleEventsLocked(now time.Time) {
	for _, s := range a.streams.streams {
		ev := s.event
		if ev == nil || ev.fd == nil || now.Sub(ev.lastWrite) < a.opts.EventIdleTimeout {
			continue
		}

		if err := ev.fd.Close(); err != nil {
			a.logger.Warnf("Failed to close idle event %q: %s", ev.path, err)
		}
		ev.fd = nil
		a.logger.Debugf("Released idle event %q.", ev.path)
	}
}

// openEventPathsLocked returns the paths of every open event.
func (a *Archive) openEventPathsLocked() map[string]struct{} {
	paths := make(map[string]struct{})
	for _, s := range a.streams.streams {
		if s.event != nil {
			paths[s.event.path] = struct{}{}
		}
	}
	return paths
}
