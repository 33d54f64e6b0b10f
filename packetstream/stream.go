// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package packetstream

import (
	"bufio"
	"compress/gzip"
	"io"

	"github.com/danjacques/goreftek/protocol/reftek"

	"github.com/golang/snappy"
	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"
)

const (
	// streamVersion is the packet stream format version written by Writer.
	streamVersion = 1

	// bufferSize is the size of the buffers between a stream and its file.
	bufferSize = 1024 * 256
)

// streamMagic identifies a packet stream.
var streamMagic = [4]byte{'R', 'T', 'P', 'S'}

// streamHeader is the fixed, uncompressed header of a packet stream.
type streamHeader struct {
	Magic       [4]byte
	Version     uint8
	Compression uint8
	Reserved    [2]byte
}

// Writer writes packets to a packet stream.
type Writer struct {
	w io.Writer

	closer  io.Closer
	bw      *bufio.Writer
	snappyW *snappy.Writer
	gzipW   *gzip.Writer

	count int64
}

// NewWriter writes a packet stream header to base and returns a Writer for
// the stream's packets.
//
// level is the gzip compression level, if applicable. If it is < 0, the
// default level is used. The Writer takes ownership of base, closing it on
// Close.
func NewWriter(base io.WriteCloser, comp Compression, level int) (*Writer, error) {
	w := Writer{
		bw:     bufio.NewWriterSize(base, bufferSize),
		closer: base,
	}

	hdr := streamHeader{
		Magic:       streamMagic,
		Version:     streamVersion,
		Compression: uint8(comp),
	}
	if err := struc.Pack(w.bw, &hdr); err != nil {
		return nil, errors.Wrap(err, "writing stream header")
	}

	switch comp {
	case CompressionSnappy:
		w.snappyW = snappy.NewBufferedWriter(w.bw)
		w.w = w.snappyW

	case CompressionGzip:
		if level < 0 {
			level = gzip.DefaultCompression
		}
		gw, err := gzip.NewWriterLevel(w.bw, level)
		if err != nil {
			return nil, errors.Wrap(err, "creating gzip writer")
		}
		w.gzipW = gw
		w.w = gw

	case CompressionNone:
		w.w = w.bw

	default:
		return nil, errors.Errorf("unknown compression: %s", comp)
	}
	return &w, nil
}

// WritePacket appends pkt to the stream.
func (w *Writer) WritePacket(pkt *reftek.Packet) error {
	if len(pkt.Raw) != reftek.PacketSize {
		return errors.Errorf("packet is %d bytes, not %d", len(pkt.Raw), reftek.PacketSize)
	}
	if _, err := w.w.Write(pkt.Raw); err != nil {
		return err
	}
	w.count++
	return nil
}

// Count returns the number of packets written so far.
func (w *Writer) Count() int64 { return w.count }

// Close flushes the stream and closes its underlying file.
func (w *Writer) Close() (err error) {
	// Always close our underlying base.
	defer func() {
		closeErr := w.closer.Close()
		if err == nil {
			err = closeErr
		}
	}()

	if w.snappyW != nil {
		if err = w.snappyW.Close(); err != nil {
			return
		}
	}
	if w.gzipW != nil {
		if err = w.gzipW.Close(); err != nil {
			return
		}
	}
	err = w.bw.Flush()
	return
}

// Reader reads packet records from a packet stream or a raw capture.
type Reader struct {
	r    io.Reader
	comp Compression
	buf  [reftek.PacketSize]byte

	// offset is the number of records read so far.
	offset int64
}

// NewReader reads a packet stream header from base and returns a Reader for
// the stream's packets.
func NewReader(base io.Reader) (*Reader, error) {
	br := bufio.NewReaderSize(base, bufferSize)

	var hdr streamHeader
	if err := struc.Unpack(br, &hdr); err != nil {
		return nil, errors.Wrap(err, "reading stream header")
	}
	if hdr.Magic != streamMagic {
		return nil, errors.Errorf("not a packet stream (magic %q)", hdr.Magic[:])
	}
	if hdr.Version != streamVersion {
		return nil, errors.Errorf("unsupported packet stream version %d", hdr.Version)
	}

	r := Reader{
		comp: Compression(hdr.Compression),
	}
	switch r.comp {
	case CompressionSnappy:
		r.r = snappy.NewReader(br)

	case CompressionGzip:
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, errors.Wrap(err, "creating gzip reader")
		}
		r.r = gz

	case CompressionNone:
		r.r = br

	default:
		return nil, errors.Errorf("unknown compression: %s", r.comp)
	}
	return &r, nil
}

// NewRawReader returns a Reader for a headerless, uncompressed concatenation
// of packet records.
func NewRawReader(base io.Reader) *Reader {
	return &Reader{
		r:    bufio.NewReaderSize(base, bufferSize),
		comp: CompressionNone,
	}
}

// Compression returns the compression of the stream being read.
func (r *Reader) Compression() Compression { return r.comp }

// ReadRecord reads the next raw packet record, without decoding it.
//
// The returned slice is only valid until the next call to ReadRecord or
// ReadPacket. At the end of the stream, ReadRecord returns io.EOF.
func (r *Reader) ReadRecord() ([]byte, error) {
	switch _, err := io.ReadFull(r.r, r.buf[:]); err {
	case nil:
		r.offset++
		return r.buf[:], nil
	case io.EOF:
		return nil, io.EOF
	case io.ErrUnexpectedEOF:
		return nil, errors.Errorf("partial record #%d at end of stream", r.offset)
	default:
		return nil, err
	}
}

// ReadPacket reads and decodes the next packet.
//
// At the end of the stream, ReadPacket returns io.EOF.
func (r *Reader) ReadPacket() (*reftek.Packet, error) {
	raw, err := r.ReadRecord()
	if err != nil {
		return nil, err
	}
	pkt, err := reftek.Decode(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "decoding record #%d", r.offset-1)
	}
	return pkt, nil
}
