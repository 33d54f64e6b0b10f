// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package archive

import (
	"bufio"
	"bytes"
	"io"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/danjacques/goreftek/support/atomicfile"
	"github.com/danjacques/goreftek/support/timeutil"

	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"
)

const (
	// StateFileName is the name of the state file in an archive's root.
	StateFileName = "archive.state"
	// LockFileName is the name of the writer lock file in an archive's root.
	LockFileName = "archive.lock"

	// FormatVersion is the archive format version written by this package.
	FormatVersion = "goreftek-1.0"
)

// stateMagic identifies a state file.
var stateMagic = [4]byte{'R', 'T', 'A', 'R'}

// undefinedTime is the encoding of an undefined time.
const undefinedTime = math.MinInt64

// stateHeader is the fixed-layout archive metadata record that begins a state
// file. It is followed by StreamCount streamSummary records.
type stateHeader struct {
	Magic   [4]byte
	Version [16]byte
	Name    [64]byte

	Created  int64
	Updated  int64
	Earliest int64
	Latest   int64

	StreamCount uint32

	ThresholdBytes uint64
	MaxBytes       uint64
	UsedBytes      uint64

	WriterHeld uint8
	WriterPID  uint32
}

// streamSummary is the fixed-layout record of a single stream.
type streamSummary struct {
	Unit        uint16
	Stream      uint8
	ChannelMask uint16

	Earliest int64
	Latest   int64

	Bytes uint64
	Rate  float64
}

// metadata is the archive-wide portion of the state.
type metadata struct {
	version string
	name    string

	created time.Time
	updated time.Time
	rng     timeRange

	threshold int64
	maxBytes  int64
	bytes     int64

	writerHeld bool
	writerPID  int
}

func encodeTime(t time.Time) int64 {
	if t.IsZero() {
		return undefinedTime
	}
	return timeutil.Millis(t)
}

func decodeTime(v int64) time.Time {
	if v == undefinedTime {
		return time.Time{}
	}
	return timeutil.FromMillis(v)
}

func encodeString(dst []byte, v string) { copy(dst, v) }

func decodeString(src []byte) string {
	if idx := bytes.IndexByte(src, 0); idx >= 0 {
		src = src[:idx]
	}
	return string(src)
}

func nonNegative(v int64) uint64 {
	if v < 0 {
		return 0
	}
	return uint64(v)
}

// encodeState writes the state record for meta and streams to w.
//
// The declared stream count must match the number of streams. If it does
// not, the index is corrupt and ErrInternal is returned.
func encodeState(w io.Writer, meta *metadata, si *streamIndex) error {
	if si.declared != len(si.streams) {
		return errors.Wrapf(ErrInternal, "declared stream count %d does not match %d streams",
			si.declared, len(si.streams))
	}

	hdr := stateHeader{
		Magic:          stateMagic,
		Created:        encodeTime(meta.created),
		Updated:        encodeTime(meta.updated),
		Earliest:       encodeTime(meta.rng.earliest),
		Latest:         encodeTime(meta.rng.latest),
		StreamCount:    uint32(si.declared),
		ThresholdBytes: nonNegative(meta.threshold),
		MaxBytes:       nonNegative(meta.maxBytes),
		UsedBytes:      nonNegative(meta.bytes),
		WriterPID:      uint32(meta.writerPID),
	}
	encodeString(hdr.Version[:], meta.version)
	encodeString(hdr.Name[:], meta.name)
	if meta.writerHeld {
		hdr.WriterHeld = 1
	}
	if err := struc.Pack(w, &hdr); err != nil {
		return errors.Wrap(err, "packing state header")
	}

	for _, s := range si.streams {
		sum := streamSummary{
			Unit:        s.unit,
			Stream:      s.number,
			ChannelMask: s.channels,
			Earliest:    encodeTime(s.rng.earliest),
			Latest:      encodeTime(s.rng.latest),
			Bytes:       nonNegative(s.bytes),
			Rate:        s.rate,
		}
		if err := struc.Pack(w, &sum); err != nil {
			return errors.Wrapf(err, "packing stream %04X/%d summary", s.unit, s.number)
		}
	}
	return nil
}

// decodeState reads a state record from r.
func decodeState(r io.Reader) (*metadata, []*stream, error) {
	var hdr stateHeader
	if err := struc.Unpack(r, &hdr); err != nil {
		return nil, nil, errors.Wrapf(ErrInternal, "unpacking state header: %s", err)
	}
	if hdr.Magic != stateMagic {
		return nil, nil, errors.Wrapf(ErrInternal, "bad state file magic %q", hdr.Magic[:])
	}

	meta := metadata{
		version:    decodeString(hdr.Version[:]),
		name:       decodeString(hdr.Name[:]),
		created:    decodeTime(hdr.Created),
		updated:    decodeTime(hdr.Updated),
		rng:        timeRange{earliest: decodeTime(hdr.Earliest), latest: decodeTime(hdr.Latest)},
		threshold:  int64(hdr.ThresholdBytes),
		maxBytes:   int64(hdr.MaxBytes),
		bytes:      int64(hdr.UsedBytes),
		writerHeld: hdr.WriterHeld != 0,
		writerPID:  int(hdr.WriterPID),
	}

	streams := make([]*stream, 0, hdr.StreamCount)
	for i := uint32(0); i < hdr.StreamCount; i++ {
		var sum streamSummary
		if err := struc.Unpack(r, &sum); err != nil {
			return nil, nil, errors.Wrapf(ErrInternal, "state declares %d streams, but stream #%d could not be read: %s",
				hdr.StreamCount, i, err)
		}
		streams = append(streams, &stream{
			unit:     sum.Unit,
			number:   sum.Stream,
			channels: sum.ChannelMask,
			rng:      timeRange{earliest: decodeTime(sum.Earliest), latest: decodeTime(sum.Latest)},
			bytes:    int64(sum.Bytes),
			rate:     sum.Rate,
		})
	}

	// The record must end here.
	var extra [1]byte
	if n, _ := r.Read(extra[:]); n > 0 {
		return nil, nil, errors.Wrapf(ErrInternal, "state holds more than its %d declared streams", hdr.StreamCount)
	}
	return &meta, streams, nil
}

func statePath(root string) string { return filepath.Join(root, StateFileName) }

// readStateFile loads the state file in root.
//
// If the state file does not exist, readStateFile returns ErrArchiveNotFound.
// The returned os.FileInfo describes the file that was read.
func readStateFile(root string) (*metadata, []*stream, os.FileInfo, error) {
	path := statePath(root)
	fd, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil, errors.Wrapf(ErrArchiveNotFound, "no state file in %q", root)
		}
		return nil, nil, nil, ioError("open", path, err)
	}
	defer fd.Close()

	fi, err := fd.Stat()
	if err != nil {
		return nil, nil, nil, ioError("stat", path, err)
	}

	meta, streams, err := decodeState(bufio.NewReader(fd))
	if err != nil {
		return nil, nil, nil, errors.Wrapf(err, "reading %q", path)
	}
	return meta, streams, fi, nil
}

// writeStateFile replaces the state file in root.
func writeStateFile(root string, meta *metadata, si *streamIndex) error {
	path := statePath(root)

	var buf bytes.Buffer
	if err := encodeState(&buf, meta, si); err != nil {
		return err
	}

	err := atomicfile.Write(path, func(fd *os.File) error {
		_, err := buf.WriteTo(fd)
		return err
	})
	return ioError("write", path, err)
}

// stateChanged returns true if the state file described by cur differs from
// the one described by prev.
func stateChanged(prev, cur os.FileInfo) bool {
	if prev == nil || cur == nil {
		return true
	}
	return !os.SameFile(prev, cur) || prev.Size() != cur.Size() || !prev.ModTime().Equal(cur.ModTime())
}
