// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package reftek

import (
	"encoding/binary"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/danjacques/goreftek/support/fmtutil"
	"github.com/danjacques/goreftek/support/timeutil"

	"github.com/pkg/errors"
)

const (
	// PacketSize is the size of every RefTek packet, in bytes.
	PacketSize = 1024

	// HeaderSize is the size of the common packet header.
	HeaderSize = 16

	// SequenceModulus is the modulus of packet sequence numbers (four BCD
	// digits).
	SequenceModulus = 10000

	// MaxChannel is the highest channel number a DT packet may carry.
	MaxChannel = 16

	// MaxStream is the highest stream number a time-series packet may carry.
	MaxStream = 9

	// baseYear is added to the two-digit header year.
	baseYear = 2000
)

// Field offsets within a packet.
const (
	offType       = 0
	offExperiment = 2
	offYear       = 3
	offUnit       = 4
	offTime       = 6
	offByteCount  = 12
	offSequence   = 14

	offEventNumber = 16
	offStream      = 18
	offChannel     = 19
	offSamples     = 20
	offFlags       = 22
	offFormat      = 23
	offData        = 24

	offRate            = 88
	rateLen            = 4
	offFirstSampleTime = 112
	offLastSampleTime  = 144
	sampleTimeLen      = 16
)

// sampleTimeLayout is the layout of the EH/ET sample time ASCII fields.
const sampleTimeLayout = "2006002150405.000"

// Type is a RefTek packet type.
type Type uint8

// Packet types.
const (
	TypeUnknown Type = iota
	// TypeAD is an auxiliary data parameter packet.
	TypeAD
	// TypeCD is a calibration definition packet.
	TypeCD
	// TypeDS is a data stream definition packet.
	TypeDS
	// TypeDT is a time-series data packet (an event continuation).
	TypeDT
	// TypeEH is an event header packet (the start of an event).
	TypeEH
	// TypeET is an event trailer packet (the end of an event).
	TypeET
	// TypeFD is a filter description packet.
	TypeFD
	// TypeOM is an operating mode packet.
	TypeOM
	// TypeSC is a station/channel parameter packet.
	TypeSC
	// TypeSH is a state-of-health packet.
	TypeSH
)

var typeNames = [...]string{
	TypeUnknown: "??",
	TypeAD:      "AD",
	TypeCD:      "CD",
	TypeDS:      "DS",
	TypeDT:      "DT",
	TypeEH:      "EH",
	TypeET:      "ET",
	TypeFD:      "FD",
	TypeOM:      "OM",
	TypeSC:      "SC",
	TypeSH:      "SH",
}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return typeNames[TypeUnknown]
}

// IsTimeSeries returns true if t belongs to an event's time series: event
// headers, data and trailers.
func (t Type) IsTimeSeries() bool {
	switch t {
	case TypeDT, TypeEH, TypeET:
		return true
	default:
		return false
	}
}

// ParseType returns the Type for a two-character type code.
func ParseType(code string) Type {
	for i, name := range typeNames {
		if i != int(TypeUnknown) && name == code {
			return Type(i)
		}
	}
	return TypeUnknown
}

// LegalRates are the sampling rates, in Hz, that a RefTek digitizer can
// record at.
var LegalRates = []float64{1, 5, 10, 20, 25, 40, 50, 100, 125, 200, 250, 500, 1000}

// IsLegalRate returns true if rate is exactly one of LegalRates.
func IsLegalRate(rate float64) bool {
	for _, r := range LegalRates {
		if r == rate {
			return true
		}
	}
	return false
}

// Header is a decoded packet header.
type Header struct {
	Type       Type
	Experiment uint8
	Unit       uint16
	Time       time.Time
	ByteCount  uint16
	Sequence   uint16

	// The following are only populated for time-series packets.
	EventNumber uint16
	Stream      uint8

	// The following are only populated for DT packets.
	Channel uint8
	Samples uint16
	Flags   uint8
	Format  uint8
}

// ChannelBit returns the channel mask bit for h's channel, or 0 if h does not
// carry a channel.
func (h *Header) ChannelBit() uint16 {
	if h.Type != TypeDT || h.Channel < 1 || h.Channel > MaxChannel {
		return 0
	}
	return 1 << (h.Channel - 1)
}

// DecodeHeader decodes the header of raw.
func DecodeHeader(raw []byte) (*Header, error) {
	var h Header
	if err := h.decode(raw); err != nil {
		return nil, err
	}
	return &h, nil
}

func (h *Header) decode(raw []byte) error {
	if len(raw) < PacketSize {
		return errors.Errorf("short packet (%d < %d bytes)", len(raw), PacketSize)
	}

	if h.Type = ParseType(string(raw[offType : offType+2])); h.Type == TypeUnknown {
		return errors.Errorf("unknown packet type %s", fmtutil.HexSlice(raw[offType:offType+2]))
	}

	v, err := decodeBCD(raw[offExperiment : offExperiment+1])
	if err != nil {
		return errors.Wrap(err, "experiment number")
	}
	h.Experiment = uint8(v)

	if h.Unit = binary.BigEndian.Uint16(raw[offUnit:]); h.Unit == 0 {
		return errors.New("unit ID 0000 is out of range")
	}

	if h.Time, err = decodeTime(raw); err != nil {
		return err
	}

	if v, err = decodeBCD(raw[offByteCount : offByteCount+2]); err != nil {
		return errors.Wrap(err, "byte count")
	}
	h.ByteCount = uint16(v)

	if v, err = decodeBCD(raw[offSequence : offSequence+2]); err != nil {
		return errors.Wrap(err, "sequence number")
	}
	h.Sequence = uint16(v)

	if !h.Type.IsTimeSeries() {
		return nil
	}

	if v, err = decodeBCD(raw[offEventNumber : offEventNumber+2]); err != nil {
		return errors.Wrap(err, "event number")
	}
	h.EventNumber = uint16(v)

	if v, err = decodeBCD(raw[offStream : offStream+1]); err != nil {
		return errors.Wrap(err, "stream number")
	}
	if v < 1 || v > MaxStream {
		return errors.Errorf("stream %d is out of range", v)
	}
	h.Stream = uint8(v)

	if h.Type != TypeDT {
		return nil
	}

	if v, err = decodeBCD(raw[offChannel : offChannel+1]); err != nil {
		return errors.Wrap(err, "channel number")
	}
	if v < 1 || v > MaxChannel {
		return errors.Errorf("channel %d is out of range", v)
	}
	h.Channel = uint8(v)

	if v, err = decodeBCD(raw[offSamples : offSamples+2]); err != nil {
		return errors.Wrap(err, "sample count")
	}
	h.Samples = uint16(v)
	h.Flags = raw[offFlags]
	h.Format = raw[offFormat]
	return nil
}

func decodeTime(raw []byte) (time.Time, error) {
	year, err := decodeBCD(raw[offYear : offYear+1])
	if err != nil {
		return time.Time{}, errors.Wrap(err, "year")
	}

	field := raw[offTime : offTime+6]
	var parts [5]int
	for i, span := range [5][2]int{{0, 3}, {3, 2}, {5, 2}, {7, 2}, {9, 3}} {
		if parts[i], err = decodeDigits(field, span[0], span[1]); err != nil {
			return time.Time{}, errors.Wrap(err, "time")
		}
	}
	doy, hour, minute, second, msec := parts[0], parts[1], parts[2], parts[3], parts[4]
	if doy < 1 || doy > 366 || hour > 23 || minute > 59 || second > 60 {
		return time.Time{}, errors.Errorf("time field %s is out of range", fmtutil.HexSlice(field))
	}
	return timeutil.FromYearDay(baseYear+year, doy, hour, minute, second, msec), nil
}

// Packet is a decoded RefTek packet.
//
// Header reflects the contents of Raw. Stamp methods update both.
type Packet struct {
	Header

	// Raw is the packet's PacketSize bytes.
	Raw []byte
}

// Decode decodes raw into a Packet.
//
// The returned Packet owns a copy of raw's first PacketSize bytes.
func Decode(raw []byte) (*Packet, error) {
	var pkt Packet
	if err := pkt.Header.decode(raw); err != nil {
		return nil, err
	}
	pkt.Raw = append([]byte(nil), raw[:PacketSize]...)
	return &pkt, nil
}

// Clone returns a deep copy of pkt.
func (pkt *Packet) Clone() *Packet {
	clone := *pkt
	clone.Raw = append([]byte(nil), pkt.Raw...)
	return &clone
}

// Rate returns the sampling rate carried by an EH or ET packet.
//
// If the packet does not carry a rate, Rate returns false.
func (pkt *Packet) Rate() (float64, bool) {
	if pkt.Type != TypeEH && pkt.Type != TypeET {
		return 0, false
	}
	field := strings.TrimSpace(strings.Trim(string(pkt.Raw[offRate:offRate+rateLen]), "\x00"))
	if field == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(field, 64)
	if err != nil || v <= 0 || math.IsInf(v, 0) || math.IsNaN(v) {
		return 0, false
	}
	return v, true
}

// SampleTimes returns the first and last sample times carried by an EH or ET
// packet.
//
// If either field is missing or invalid, SampleTimes returns false.
func (pkt *Packet) SampleTimes() (first, last time.Time, ok bool) {
	if pkt.Type != TypeEH && pkt.Type != TypeET {
		return
	}

	parse := func(off int) (time.Time, bool) {
		field := string(pkt.Raw[off : off+sampleTimeLen])
		t, err := time.ParseInLocation(sampleTimeLayout, field[:13]+"."+field[13:], time.UTC)
		return t, err == nil
	}

	var fok, lok bool
	first, fok = parse(offFirstSampleTime)
	last, lok = parse(offLastSampleTime)
	if !fok || !lok || last.Before(first) {
		return time.Time{}, time.Time{}, false
	}
	return first, last, true
}

// TimeRange returns the span of time covered by pkt.
//
// A DT packet spans its samples at the supplied sampling rate; every other
// packet, and a DT packet at an unknown (zero) rate, spans only its header
// time.
func (pkt *Packet) TimeRange(rate float64) (start, end time.Time) {
	start, end = pkt.Time, pkt.Time
	if pkt.Type == TypeDT && rate > 0 && pkt.Samples > 0 {
		end = start.Add(timeutil.FromSeconds(float64(pkt.Samples) / rate))
	}
	return
}

// NextSequence returns the sequence number that follows seq.
func NextSequence(seq uint16) uint16 { return uint16((int(seq) + 1) % SequenceModulus) }

// PrevSequence returns the sequence number that precedes seq.
func PrevSequence(seq uint16) uint16 {
	return uint16((int(seq) + SequenceModulus - 1) % SequenceModulus)
}
