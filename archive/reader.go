// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package archive

import (
	"io"
	"os"

	"github.com/danjacques/goreftek/protocol/reftek"
	"github.com/danjacques/goreftek/support/bufferpool"
	"github.com/danjacques/goreftek/support/logging"
	"github.com/danjacques/goreftek/support/timeutil"

	"github.com/pkg/errors"
)

// recordPool holds the buffers that cursors read records into.
var recordPool = bufferpool.Pool{Size: reftek.PacketSize}

// CursorOptions configures a Cursor.
type CursorOptions struct {
	// NoDiscontinuous, if true, finishes the cursor at the first sequence
	// break instead of resuming after it.
	NoDiscontinuous bool
}

type cursorState int

const (
	// cursorStarting is the state of a cursor that must locate and frame its
	// next event.
	cursorStarting cursorState = iota
	// cursorInProgress is the state of a cursor that is reading an event.
	cursorInProgress
	// cursorFinished is the state of an exhausted cursor.
	cursorFinished
)

// Cursor reads packets matching a Criteria from an archive.
//
// Each data event that a Cursor reads is framed by a synthetic event header
// (EH) packet, which carries the event's sampling rate, and a synthetic event
// trailer (ET) packet, which carries the range of the data that was actually
// returned. Event header and trailer packets stored in the archive are
// consumed rather than returned. Status events are returned without framing.
//
// A Cursor is not safe for concurrent use. Any number of Cursors may read the
// same archive concurrently, including while it is being written to.
type Cursor struct {
	a      *Archive
	crit   Criteria
	opts   CursorOptions
	logger logging.L

	state  cursorState
	closed bool

	// ref is the event file being read, or that was last read.
	ref *EventRef
	// nextRef, if not nil, is the event file that the next start should
	// begin with.
	nextRef *EventRef
	// fd is the open event file, or nil.
	fd *os.File
	// offset is the offset in fd of the next record to read.
	offset int64
	// status is true if ref belongs to a status stream.
	status bool

	// header is the synthetic event header of the current event.
	header *reftek.Packet
	// rate is the sampling rate of the current event.
	rate float64
	// eventNumber is the event number of the current event.
	eventNumber uint16
	// lastSeq is the sequence number of the last record read, if haveSeq is
	// true.
	lastSeq uint16
	haveSeq bool
	// delivered is the range of the data returned from the current event.
	delivered timeRange
	// open is the mask of the channels whose data has not yet passed the
	// criteria's latest time.
	open uint16
}

// OpenCursor opens a Cursor over the packets in the archive that match crit.
func (a *Archive) OpenCursor(crit Criteria, opts CursorOptions) (*Cursor, error) {
	if err := crit.validate(); err != nil {
		return nil, err
	}
	if err := a.refresh(); err != nil {
		return nil, err
	}

	crit.Earliest = timeutil.Truncate(crit.Earliest)
	crit.Latest = timeutil.Truncate(crit.Latest)
	return &Cursor{
		a:      a,
		crit:   crit,
		opts:   opts,
		logger: a.logger,
	}, nil
}

// Next returns the next packet.
//
// When the cursor reads a gap in an event's sequence numbers, Next returns the
// event's synthetic trailer along with ErrSequenceBreak. Unless the cursor's
// NoDiscontinuous option is set, reading then resumes after the gap with a
// new synthetic header.
//
// Once the cursor is exhausted, Next returns ErrEndOfData.
func (c *Cursor) Next() (*reftek.Packet, error) {
	if c == nil || c.a == nil {
		return nil, ErrNotInitialized
	}
	if c.closed {
		return nil, errors.Wrap(ErrNotOpen, "cursor is closed")
	}
	if err := c.a.checkMode(ModeRead, ModeWrite); err != nil {
		return nil, err
	}

	for {
		var (
			pkt *reftek.Packet
			err error
		)
		switch c.state {
		case cursorFinished:
			return nil, ErrEndOfData
		case cursorStarting:
			pkt, err = c.start()
		case cursorInProgress:
			pkt, err = c.advance()
		}
		if pkt != nil || err != nil {
			return pkt, err
		}
	}
}

// Close releases the cursor's resources.
func (c *Cursor) Close() error {
	if c == nil || c.a == nil {
		return ErrNotInitialized
	}
	if c.closed {
		return nil
	}
	c.closed = true
	c.state = cursorFinished
	return c.closeFile()
}

// start locates the cursor's next event and frames it with a synthetic
// header.
//
// If the cursor already has an open file, because it is resuming after a
// sequence break or has moved on to the next file at an event boundary,
// reading begins at its current offset.
func (c *Cursor) start() (*reftek.Packet, error) {
	if c.fd == nil {
		ref := c.nextRef
		c.nextRef = nil
		if ref == nil {
			var err error
			if ref, err = c.locateNext(); err != nil {
				if errors.Cause(err) == ErrNotFound {
					c.finish()
					return nil, ErrEndOfData
				}
				return nil, err
			}
		}

		if err := c.openEvent(ref); err != nil {
			if errors.Cause(err) == ErrNotFound {
				// The event was purged; move past it.
				c.logger.Infof("Event %s disappeared before it could be read.", ref)
				return nil, nil
			}
			return nil, err
		}
	}

	c.resetEvent()
	if c.status {
		c.state = cursorInProgress
		return nil, nil
	}

	first, err := c.peekRecord(c.offset)
	if err != nil {
		if err == io.EOF {
			// An empty event; move on to the next one.
			return nil, c.closeFile()
		}
		return nil, err
	}
	if first == nil {
		// Skip an undecodable record and try again.
		c.offset += reftek.PacketSize
		return nil, nil
	}

	c.rate = c.eventRate(first)
	c.eventNumber = first.EventNumber

	eh := first.Clone()
	if eh.Type != reftek.TypeEH {
		eh.SetType(reftek.TypeEH)
	}
	eh.SetUnit(c.ref.Unit)
	eh.SetStream(c.ref.Stream)
	eh.SetRate(c.rate)
	c.header = eh

	c.state = cursorInProgress
	return eh.Clone(), nil
}

// locateNext finds the event following the cursor's last event.
func (c *Cursor) locateNext() (*EventRef, error) {
	if err := c.a.refresh(); err != nil {
		return nil, err
	}
	if c.ref == nil {
		return c.a.loc.findFirst(&c.crit)
	}
	return c.a.loc.findNext(&c.crit, c.ref)
}

// resetEvent clears per-event state.
func (c *Cursor) resetEvent() {
	c.header = nil
	c.rate = 0
	c.eventNumber = 0
	c.haveSeq = false
	c.delivered = timeRange{}

	c.open = c.crit.Channels
	if c.open == 0 {
		if si, ok := c.a.streamSnapshot(c.ref.Unit, c.ref.Stream); ok {
			c.open = si.Channels
		}
	}
	if c.open == 0 {
		c.open = 0xFFFF
	}
}

// eventRate determines the sampling rate of the current event.
//
// An explicit rate in the event's first record, or in its last record, is
// preferred. Failing that, the rate is derived from the event's data, and
// failing that, the stream's recorded rate is used.
func (c *Cursor) eventRate(first *reftek.Packet) float64 {
	if rate, ok := first.Rate(); ok {
		return rate
	}
	if last, err := c.lastRecord(); err == nil && last != nil {
		if rate, ok := last.Rate(); ok {
			return rate
		}
	}

	if rate, ok := c.scanRate(); ok {
		c.logger.Warnf("Event %s carries no sampling rate; derived %g Hz from its data. Its header and trailer will be incomplete.",
			c.ref, rate)
		return rate
	}

	if si, ok := c.a.streamSnapshot(c.ref.Unit, c.ref.Stream); ok && si.Rate > 0 {
		c.logger.Warnf("Event %s carries no sampling rate; using stream rate %g Hz.", c.ref, si.Rate)
		return si.Rate
	}
	c.logger.Warnf("No sampling rate could be determined for event %s.", c.ref)
	return 0
}

// scanRate derives a rate from the records at the start of the current event.
func (c *Cursor) scanRate() (float64, bool) {
	pkts := make([]*reftek.Packet, 0, stashCapacity)
	for off := c.offset; len(pkts) < stashCapacity; off += reftek.PacketSize {
		pkt, err := c.peekRecord(off)
		if err != nil {
			break
		}
		if pkt != nil && pkt.Type == reftek.TypeDT {
			pkts = append(pkts, pkt)
		}
	}
	rate, _, ok := deriveRate(pkts)
	return rate, ok
}

// advance returns the next matching record of the current event. It returns
// nil with no error when a record was consumed without being returned.
func (c *Cursor) advance() (*reftek.Packet, error) {
	rec, err := c.readRecord()
	switch {
	case err == io.EOF:
		return c.endOfEvent()
	case err != nil:
		return nil, err
	case rec == nil:
		return nil, nil
	}

	if c.haveSeq && rec.Sequence != reftek.NextSequence(c.lastSeq) {
		if c.status {
			c.logger.Debugf("Sequence break in status event %s (%d => %d).", c.ref, c.lastSeq, rec.Sequence)
		} else {
			// Resume at this record.
			c.offset -= reftek.PacketSize
			return c.sequenceBreak(rec)
		}
	}
	c.lastSeq, c.haveSeq = rec.Sequence, true

	if c.status {
		return c.statusRecord(rec)
	}

	switch rec.Type {
	case reftek.TypeDT:
	case reftek.TypeEH, reftek.TypeET:
		// Stored headers and trailers are replaced by synthetic ones.
		return nil, nil
	default:
		c.logger.Warnf("Skipping unexpected %s record in event %s.", rec.Type, c.ref)
		return nil, nil
	}

	bit := rec.ChannelBit()
	if c.crit.Channels != 0 && bit&c.crit.Channels == 0 {
		return nil, nil
	}

	start, end := rec.TimeRange(c.rate)
	if !c.crit.Earliest.IsZero() && end.Before(c.crit.Earliest) {
		return nil, nil
	}
	if !c.crit.Latest.IsZero() && start.After(c.crit.Latest) {
		// This channel has passed the requested range.
		if c.open &^= bit; c.open != 0 {
			return nil, nil
		}
		if err := c.closeFile(); err != nil {
			return nil, err
		}
		if c.crit.exact() {
			c.finish()
		} else {
			c.state = cursorStarting
		}
		return c.trailer(), nil
	}

	c.delivered.extend(start, end)
	return rec, nil
}

// statusRecord filters a status record by time.
func (c *Cursor) statusRecord(rec *reftek.Packet) (*reftek.Packet, error) {
	if !c.crit.Earliest.IsZero() && rec.Time.Before(c.crit.Earliest) {
		return nil, nil
	}
	if !c.crit.Latest.IsZero() && rec.Time.After(c.crit.Latest) {
		if err := c.closeFile(); err != nil {
			return nil, err
		}
		if c.crit.exact() {
			c.finish()
		} else {
			c.state = cursorStarting
		}
		return nil, nil
	}
	return rec, nil
}

// sequenceBreak ends the current event at a gap in its sequence numbers.
func (c *Cursor) sequenceBreak(rec *reftek.Packet) (*reftek.Packet, error) {
	c.logger.Infof("Sequence break in %s: expected %d, read %d.", c.ref, reftek.NextSequence(c.lastSeq), rec.Sequence)
	sequenceBreaksRead.Inc()

	et := c.trailer()
	if c.opts.NoDiscontinuous {
		c.finish()
	} else {
		c.state = cursorStarting
	}
	return et, ErrSequenceBreak
}

// endOfEvent handles the end of the current event file.
//
// If the next event file seamlessly continues the current event, reading
// continues from it. Otherwise, the current event is ended with a trailer.
func (c *Cursor) endOfEvent() (*reftek.Packet, error) {
	prev := c.ref
	if err := c.closeFile(); err != nil {
		return nil, err
	}

	next, err := c.locateNext()
	switch errors.Cause(err) {
	case nil:
	case ErrNotFound:
		next = nil
	default:
		return nil, err
	}

	if c.status {
		if next == nil {
			c.finish()
		} else {
			c.nextRef = next
			c.state = cursorStarting
		}
		return nil, nil
	}

	if next == nil {
		c.finish()
		return c.trailer(), nil
	}
	if next.Unit != prev.Unit || next.Stream != prev.Stream {
		c.nextRef = next
		c.state = cursorStarting
		return c.trailer(), nil
	}

	if err := c.openEvent(next); err != nil {
		if errors.Cause(err) != ErrNotFound {
			return nil, err
		}
		// The next event was purged. Its successor will be located on start.
		c.state = cursorStarting
		return c.trailer(), nil
	}

	first, err := c.peekRecord(0)
	switch {
	case err == io.EOF:
		c.state = cursorStarting
		return c.trailer(), nil
	case err != nil:
		return nil, err
	case first == nil || first.EventNumber != c.eventNumber:
		// A new event.
		c.state = cursorStarting
		return c.trailer(), nil
	case c.haveSeq && first.Sequence != reftek.NextSequence(c.lastSeq):
		return c.sequenceBreak(first)
	default:
		c.logger.Debugf("Event continues seamlessly from %s into %s.", prev, next)
		return nil, nil
	}
}

// trailer returns a synthetic trailer for the current event, describing the
// data that was delivered from it.
func (c *Cursor) trailer() *reftek.Packet {
	et := c.header.Clone()
	et.SetType(reftek.TypeET)
	if c.haveSeq {
		et.SetSequence(reftek.NextSequence(c.lastSeq))
	}

	first, last := c.delivered.earliest, c.delivered.latest
	if !c.delivered.defined() {
		first, last = c.header.Time, c.header.Time
	}
	et.SetSampleTimes(first, last)
	et.SetRate(c.rate)
	return et
}

func (c *Cursor) finish() {
	c.state = cursorFinished
	if err := c.closeFile(); err != nil {
		c.logger.Warnf("Failed to close event file: %s", err)
	}
}

// openEvent opens an event file for reading.
//
// If the file no longer exists, it was probably closed and renamed by the
// writer, and it is located again by its start time. If it cannot be found,
// openEvent returns ErrNotFound.
func (c *Cursor) openEvent(ref *EventRef) error {
	c.ref = ref
	c.status = ref.Stream == StatusStream

	fd, err := os.Open(ref.Path)
	if err != nil {
		if !os.IsNotExist(err) {
			return ioError("open", ref.Path, err)
		}

		crit := StreamData(ref.Unit, ref.Stream)
		crit.Earliest = ref.Start
		found, ferr := c.a.loc.findFirst(&crit)
		if ferr != nil || !found.Start.Equal(ref.Start) {
			return errors.Wrapf(ErrNotFound, "event %s has disappeared", ref)
		}
		c.logger.Debugf("Event %s was renamed to %q.", ref, found.Path)

		c.ref = found
		if fd, err = os.Open(found.Path); err != nil {
			if os.IsNotExist(err) {
				return errors.Wrapf(ErrNotFound, "event %s has disappeared", found)
			}
			return ioError("open", found.Path, err)
		}
	}

	c.fd = fd
	c.offset = 0
	return nil
}

func (c *Cursor) closeFile() error {
	if c.fd == nil {
		return nil
	}
	err := c.fd.Close()
	c.fd = nil
	return ioError("close", c.ref.Path, err)
}

// readRecord reads the record at the cursor's offset and advances past it.
//
// A partial record at the end of the file is treated as the end of the file,
// and will be read again once it is complete. A record that cannot be decoded
// is skipped, and readRecord returns nil.
func (c *Cursor) readRecord() (*reftek.Packet, error) {
	pkt, err := c.peekRecord(c.offset)
	if err != nil {
		return nil, err
	}
	c.offset += reftek.PacketSize
	return pkt, nil
}

// peekRecord reads the record at off without moving the cursor.
func (c *Cursor) peekRecord(off int64) (*reftek.Packet, error) {
	b := recordPool.Get()
	defer b.Release()

	buf := b.Bytes()
	n, err := c.fd.ReadAt(buf, off)
	if n < len(buf) {
		if err == nil || err == io.EOF {
			return nil, io.EOF
		}
		return nil, ioError("read", c.ref.Path, err)
	}

	pkt, err := reftek.Decode(buf)
	if err != nil {
		c.logger.Warnf("Skipping undecodable record at offset %d of %q: %s", off, c.ref.Path, err)
		return nil, nil
	}
	return pkt, nil
}

// lastRecord reads the last complete record of the current event file.
func (c *Cursor) lastRecord() (*reftek.Packet, error) {
	fi, err := c.fd.Stat()
	if err != nil {
		return nil, ioError("stat", c.ref.Path, err)
	}
	count := fi.Size() / reftek.PacketSize
	if count == 0 {
		return nil, io.EOF
	}
	return c.peekRecord((count - 1) * reftek.PacketSize)
}
