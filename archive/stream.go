// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package archive

import (
	"time"

	"github.com/danjacques/goreftek/protocol/reftek"
)

// StatusStream is the stream number that status (non-time-series) packets are
// filed under.
const StatusStream = 0

// timeRange is an inclusive range of time. The zero value is undefined.
type timeRange struct {
	earliest time.Time
	latest   time.Time
}

func (r *timeRange) defined() bool { return !r.earliest.IsZero() }

// extend grows r to include [start, end].
func (r *timeRange) extend(start, end time.Time) {
	if !r.defined() {
		r.earliest, r.latest = start, end
		return
	}
	if start.Before(r.earliest) {
		r.earliest = start
	}
	if end.After(r.latest) {
		r.latest = end
	}
}

// seed sets r to [start, end] only if r is undefined.
func (r *timeRange) seed(start, end time.Time) {
	if !r.defined() {
		r.earliest, r.latest = start, end
	}
}

// stream is the archive's record of a single (unit, stream) source.
type stream struct {
	unit   uint16
	number uint8

	// channels is a bitmask of the DT channels seen on this stream.
	channels uint16
	// rng is the range of data stored for this stream.
	rng timeRange
	// bytes is the number of bytes stored for this stream.
	bytes int64
	// rate is the stream's sampling rate, or 0 if it is not known.
	rate float64

	// The following are only used by writers.

	// event is the stream's open event, or nil if there is none.
	event *event
	// stash holds time-series packets awaiting a sampling rate.
	stash []*reftek.Packet
	// stashDiscards is the number of stashed packets discarded since the stash
	// last started filling.
	stashDiscards int
}

func (s *stream) isStatus() bool { return s.number == StatusStream }

func (s *stream) info() StreamInfo {
	return StreamInfo{
		Unit:     s.unit,
		Stream:   s.number,
		Channels: s.channels,
		Earliest: s.rng.earliest,
		Latest:   s.rng.latest,
		Bytes:    s.bytes,
		Rate:     s.rate,
	}
}

// StreamInfo is a snapshot of a stream's summary.
type StreamInfo struct {
	Unit   uint16
	Stream uint8

	// Channels is a bitmask of the DT channels seen on this stream. Channel N
	// is bit N-1.
	Channels uint16

	// Earliest and Latest bound the data stored for this stream. Both are zero
	// if the stream holds no data.
	Earliest time.Time
	Latest   time.Time

	// Bytes is the number of bytes stored for this stream.
	Bytes int64

	// Rate is the stream's sampling rate, in Hz, or 0 if it is not known.
	Rate float64
}

// streamIndex is the ordered set of an archive's streams.
//
// Iteration order is creation order.
type streamIndex struct {
	streams []*stream

	// declared is the number of streams the archive claims to hold. It is
	// persisted in the state file, and must equal len(streams).
	declared int

	// cache is the most recently accessed stream.
	cache *stream
}

// lookup returns the stream for (unit, number), or nil if there is none.
func (si *streamIndex) lookup(unit uint16, number uint8) *stream {
	if s := si.cache; s != nil && s.unit == unit && s.number == number {
		return s
	}
	for _, s := range si.streams {
		if s.unit == unit && s.number == number {
			si.cache = s
			return s
		}
	}
	return nil
}

// create adds a new stream for (unit, number). The caller must have confirmed
// via lookup that no such stream exists.
func (si *streamIndex) create(unit uint16, number uint8) *stream {
	s := &stream{
		unit:   unit,
		number: number,
	}
	si.streams = append(si.streams, s)
	si.declared++
	si.cache = s
	return s
}

// indexOf returns the position of the stream for (unit, number), or -1.
func (si *streamIndex) indexOf(unit uint16, number uint8) int {
	for i, s := range si.streams {
		if s.unit == unit && s.number == number {
			return i
		}
	}
	return -1
}

// reset replaces the index's contents.
func (si *streamIndex) reset(streams []*stream) {
	si.streams = streams
	si.declared = len(streams)
	si.cache = nil
}

// earliest returns the earliest data time over all streams, or zero if no
// stream holds data.
func (si *streamIndex) earliest() (t time.Time) {
	for _, s := range si.streams {
		if s.rng.defined() && (t.IsZero() || s.rng.earliest.Before(t)) {
			t = s.rng.earliest
		}
	}
	return
}
