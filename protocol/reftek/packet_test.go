// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package reftek

import (
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/ginkgo/extensions/table"
	. "github.com/onsi/gomega"
)

var _ = Describe("BCD", func() {
	DescribeTable("encodes and decodes whole bytes",
		func(v int, width int, expected []byte) {
			b := make([]byte, width)
			encodeBCD(v, b)
			Expect(b).To(Equal(expected))

			d, err := decodeBCD(b)
			Expect(err).ToNot(HaveOccurred())
			Expect(d).To(Equal(v))
		},
		Entry("zero", 0, 1, []byte{0x00}),
		Entry("one byte", 42, 1, []byte{0x42}),
		Entry("two bytes", 9999, 2, []byte{0x99, 0x99}),
		Entry("leading zeroes", 105, 2, []byte{0x01, 0x05}),
	)

	It("rejects non-decimal nibbles", func() {
		_, err := decodeBCD([]byte{0x1A})
		Expect(err).To(HaveOccurred())
	})

	It("encodes digit runs that straddle bytes", func() {
		b := make([]byte, 6)
		encodeDigits(123, b, 0, 3)
		encodeDigits(4, b, 3, 2)
		Expect(b[:3]).To(Equal([]byte{0x12, 0x30, 0x40}))

		v, err := decodeDigits(b, 0, 3)
		Expect(err).ToNot(HaveOccurred())
		Expect(v).To(Equal(123))

		v, err = decodeDigits(b, 3, 2)
		Expect(err).ToNot(HaveOccurred())
		Expect(v).To(Equal(4))
	})
})

var _ = Describe("Packet", func() {
	base := time.Date(2021, 3, 4, 5, 6, 7, 890*int(time.Millisecond), time.UTC)

	buildDT := func() *Packet {
		pkt, err := Build(&Header{
			Type:        TypeDT,
			Experiment:  3,
			Unit:        0x9A2B,
			Time:        base,
			ByteCount:   1024,
			Sequence:    1234,
			EventNumber: 17,
			Stream:      2,
			Channel:     12,
			Samples:     250,
			Flags:       0x40,
			Format:      0x16,
		}, []byte("payload"))
		Expect(err).ToNot(HaveOccurred())
		return pkt
	}

	It("round-trips a DT packet through Build and Decode", func() {
		built := buildDT()
		Expect(built.Raw).To(HaveLen(PacketSize))
		Expect(string(built.Raw[:2])).To(Equal("DT"))

		pkt, err := Decode(built.Raw)
		Expect(err).ToNot(HaveOccurred())
		Expect(pkt.Header).To(Equal(built.Header))
		Expect(pkt.Time.Equal(base)).To(BeTrue())
		Expect(pkt.ChannelBit()).To(Equal(uint16(1 << 11)))
		Expect(string(pkt.Payload()[:7])).To(Equal("payload"))
	})

	It("owns a copy of the raw bytes", func() {
		built := buildDT()
		pkt, err := Decode(built.Raw)
		Expect(err).ToNot(HaveOccurred())

		built.Raw[0] = 'X'
		Expect(pkt.Raw[0]).To(Equal(byte('D')))

		clone := pkt.Clone()
		clone.SetSequence(1)
		Expect(pkt.Sequence).To(Equal(uint16(1234)))
	})

	It("decodes status packets without time-series fields", func() {
		built, err := Build(&Header{Type: TypeSH, Unit: 1, Time: base, Sequence: 7}, nil)
		Expect(err).ToNot(HaveOccurred())

		h, err := DecodeHeader(built.Raw)
		Expect(err).ToNot(HaveOccurred())
		Expect(h.Type).To(Equal(TypeSH))
		Expect(h.Type.IsTimeSeries()).To(BeFalse())
		Expect(h.Stream).To(BeZero())
		Expect(h.ChannelBit()).To(BeZero())
	})

	DescribeTable("rejects bad packets",
		func(mutate func(raw []byte) []byte) {
			raw := mutate(buildDT().Raw)
			_, err := DecodeHeader(raw)
			Expect(err).To(HaveOccurred())
		},
		Entry("short", func(raw []byte) []byte { return raw[:100] }),
		Entry("unknown type", func(raw []byte) []byte { raw[0], raw[1] = 'Z', 'Z'; return raw }),
		Entry("unit zero", func(raw []byte) []byte { raw[4], raw[5] = 0, 0; return raw }),
		Entry("bad BCD sequence", func(raw []byte) []byte { raw[14] = 0xFF; return raw }),
		Entry("stream zero", func(raw []byte) []byte { raw[18] = 0; return raw }),
		Entry("channel out of range", func(raw []byte) []byte { raw[19] = 0x17; return raw }),
		Entry("day out of range", func(raw []byte) []byte { raw[6] = 0x40; return raw }),
	)

	It("refuses to build invalid headers", func() {
		_, err := Build(&Header{Type: TypeUnknown, Unit: 1}, nil)
		Expect(err).To(HaveOccurred())

		_, err = Build(&Header{Type: TypeDT, Unit: 1, Stream: 1}, nil)
		Expect(err).To(HaveOccurred())

		_, err = Build(&Header{Type: TypeEH, Unit: 1, Stream: 10}, nil)
		Expect(err).To(HaveOccurred())
	})

	Context("event headers", func() {
		var eh *Packet
		BeforeEach(func() {
			var err error
			eh, err = Build(&Header{Type: TypeEH, Unit: 1, Time: base, Stream: 1, EventNumber: 3}, nil)
			Expect(err).ToNot(HaveOccurred())
		})

		It("has no rate or sample times by default", func() {
			_, ok := eh.Rate()
			Expect(ok).To(BeFalse())
			_, _, ok = eh.SampleTimes()
			Expect(ok).To(BeFalse())
		})

		It("stamps and reads back a rate", func() {
			eh.SetRate(125)
			Expect(string(eh.Raw[offRate : offRate+rateLen])).To(Equal(" 125"))

			rate, ok := eh.Rate()
			Expect(ok).To(BeTrue())
			Expect(rate).To(Equal(125.0))

			eh.SetRate(0)
			_, ok = eh.Rate()
			Expect(ok).To(BeFalse())
		})

		It("stamps and reads back sample times", func() {
			last := base.Add(90 * time.Second)
			eh.SetSampleTimes(base, last)
			Expect(string(eh.Raw[offFirstSampleTime : offFirstSampleTime+sampleTimeLen])).To(Equal("2021063050607890"))

			first, end, ok := eh.SampleTimes()
			Expect(ok).To(BeTrue())
			Expect(first.Equal(base)).To(BeTrue())
			Expect(end.Equal(last)).To(BeTrue())
		})

		It("survives a round trip through Decode", func() {
			eh.SetRate(40)
			pkt, err := Decode(eh.Raw)
			Expect(err).ToNot(HaveOccurred())
			Expect(pkt.Type).To(Equal(TypeEH))
			Expect(pkt.EventNumber).To(Equal(uint16(3)))

			rate, ok := pkt.Rate()
			Expect(ok).To(BeTrue())
			Expect(rate).To(Equal(40.0))
		})
	})

	Context("stamping", func() {
		It("rewrites header fields in place", func() {
			pkt := buildDT()
			next := base.Add(36 * time.Hour)

			pkt.SetType(TypeET)
			pkt.SetUnit(0x0042)
			pkt.SetStream(5)
			pkt.SetTime(next)
			pkt.SetSequence(10001)
			pkt.SetEventNumber(99)

			decoded, err := DecodeHeader(pkt.Raw)
			Expect(err).ToNot(HaveOccurred())
			Expect(*decoded).To(Equal(pkt.Header))
			Expect(decoded.Type).To(Equal(TypeET))
			Expect(decoded.Unit).To(Equal(uint16(0x0042)))
			Expect(decoded.Stream).To(Equal(uint8(5)))
			Expect(decoded.Time.Equal(next)).To(BeTrue())
			Expect(decoded.Sequence).To(Equal(uint16(1)))
			Expect(decoded.EventNumber).To(Equal(uint16(99)))
			Expect(decoded.Channel).To(BeZero())
		})

		It("truncates times to milliseconds", func() {
			pkt := buildDT()
			pkt.SetTime(base.Add(999 * time.Microsecond))
			Expect(pkt.Time.Equal(base)).To(BeTrue())
		})
	})

	It("computes time ranges from the sampling rate", func() {
		pkt := buildDT()

		start, end := pkt.TimeRange(0)
		Expect(start).To(Equal(end))

		start, end = pkt.TimeRange(100)
		Expect(start.Equal(base)).To(BeTrue())
		Expect(end.Sub(start)).To(Equal(2500 * time.Millisecond))
	})

	It("wraps sequence numbers", func() {
		Expect(NextSequence(9999)).To(Equal(uint16(0)))
		Expect(NextSequence(41)).To(Equal(uint16(42)))
		Expect(PrevSequence(0)).To(Equal(uint16(9999)))
	})

	It("knows the legal rates", func() {
		Expect(IsLegalRate(125)).To(BeTrue())
		Expect(IsLegalRate(120)).To(BeFalse())
		Expect(ParseType("ET")).To(Equal(TypeET))
		Expect(ParseType("XX")).To(Equal(TypeUnknown))
		Expect(TypeOM.String()).To(Equal("OM"))
	})
})
