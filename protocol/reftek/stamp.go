// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package reftek

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"time"

	"github.com/danjacques/goreftek/support/timeutil"

	"github.com/pkg/errors"
)

// Build encodes h into a new Packet. payload is copied into the packet's data
// region and truncated to fit.
//
// Build is the inverse of Decode for every Header field.
func Build(h *Header, payload []byte) (*Packet, error) {
	if h.Type == TypeUnknown || int(h.Type) >= len(typeNames) {
		return nil, errors.Errorf("cannot build packet of type %s", h.Type)
	}
	if h.Unit == 0 {
		return nil, errors.New("unit ID 0000 is out of range")
	}
	if h.Type.IsTimeSeries() && (h.Stream < 1 || h.Stream > MaxStream) {
		return nil, errors.Errorf("stream %d is out of range", h.Stream)
	}
	if h.Type == TypeDT && (h.Channel < 1 || h.Channel > MaxChannel) {
		return nil, errors.Errorf("channel %d is out of range", h.Channel)
	}

	pkt := Packet{
		Header: *h,
		Raw:    make([]byte, PacketSize),
	}
	copy(pkt.Raw[offType:], h.Type.String())
	encodeBCD(int(h.Experiment), pkt.Raw[offExperiment:offExperiment+1])
	binary.BigEndian.PutUint16(pkt.Raw[offUnit:], h.Unit)
	pkt.SetTime(h.Time)
	encodeBCD(int(h.ByteCount), pkt.Raw[offByteCount:offByteCount+2])
	pkt.SetSequence(h.Sequence)

	dataOff := HeaderSize
	if h.Type.IsTimeSeries() {
		pkt.SetEventNumber(h.EventNumber)
		pkt.SetStream(h.Stream)
		if h.Type == TypeDT {
			encodeBCD(int(h.Channel), pkt.Raw[offChannel:offChannel+1])
			encodeBCD(int(h.Samples), pkt.Raw[offSamples:offSamples+2])
			pkt.Raw[offFlags] = h.Flags
			pkt.Raw[offFormat] = h.Format
		}
		dataOff = offData
	}
	copy(pkt.Raw[dataOff:], payload)
	return &pkt, nil
}

// Payload returns the data region of pkt, following its headers.
func (pkt *Packet) Payload() []byte {
	if pkt.Type.IsTimeSeries() {
		return pkt.Raw[offData:]
	}
	return pkt.Raw[HeaderSize:]
}

// SetType rewrites the packet type.
//
// Converting a DT packet into an EH or ET packet clears the DT-specific
// fields and the data region, since those bytes hold the EH/ET ASCII fields.
func (pkt *Packet) SetType(t Type) {
	if pkt.Type == TypeDT && t != TypeDT {
		for i := offChannel; i < len(pkt.Raw); i++ {
			pkt.Raw[i] = 0
		}
		pkt.Channel, pkt.Samples, pkt.Flags, pkt.Format = 0, 0, 0, 0
	}
	copy(pkt.Raw[offType:offType+2], t.String())
	pkt.Type = t
}

// SetUnit rewrites the unit ID.
func (pkt *Packet) SetUnit(unit uint16) {
	binary.BigEndian.PutUint16(pkt.Raw[offUnit:], unit)
	pkt.Unit = unit
}

// SetStream rewrites the stream number of a time-series packet.
func (pkt *Packet) SetStream(stream uint8) {
	encodeBCD(int(stream), pkt.Raw[offStream:offStream+1])
	pkt.Stream = stream
}

// SetTime rewrites the header time, truncated to millisecond resolution.
func (pkt *Packet) SetTime(t time.Time) {
	t = timeutil.Truncate(t)
	year, doy := timeutil.YearDay(t)
	encodeBCD(year%100, pkt.Raw[offYear:offYear+1])

	field := pkt.Raw[offTime : offTime+6]
	encodeDigits(doy, field, 0, 3)
	encodeDigits(t.Hour(), field, 3, 2)
	encodeDigits(t.Minute(), field, 5, 2)
	encodeDigits(t.Second(), field, 7, 2)
	encodeDigits(t.Nanosecond()/int(time.Millisecond), field, 9, 3)
	pkt.Time = t
}

// SetSequence rewrites the sequence number.
func (pkt *Packet) SetSequence(seq uint16) {
	seq %= SequenceModulus
	encodeBCD(int(seq), pkt.Raw[offSequence:offSequence+2])
	pkt.Sequence = seq
}

// SetEventNumber rewrites the event number of a time-series packet.
func (pkt *Packet) SetEventNumber(n uint16) {
	encodeBCD(int(n), pkt.Raw[offEventNumber:offEventNumber+2])
	pkt.EventNumber = n
}

// SetRate rewrites the sampling rate field of an EH or ET packet. A zero rate
// clears the field.
func (pkt *Packet) SetRate(rate float64) {
	field := pkt.Raw[offRate : offRate+rateLen]
	v := ""
	if rate > 0 {
		v = strconv.FormatFloat(rate, 'f', -1, 64)
	}
	copy(field, fmt.Sprintf("%*s", rateLen, v))
}

// SetSampleTimes rewrites the first and last sample time fields of an EH or
// ET packet.
func (pkt *Packet) SetSampleTimes(first, last time.Time) {
	format := func(t time.Time) string {
		v := timeutil.Truncate(t).Format(sampleTimeLayout)
		return v[:13] + v[14:] // Drop the "." separator.
	}
	copy(pkt.Raw[offFirstSampleTime:offFirstSampleTime+sampleTimeLen], format(first))
	copy(pkt.Raw[offLastSampleTime:offLastSampleTime+sampleTimeLen], format(last))
}
