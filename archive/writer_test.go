// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package archive

import (
	"os"
	"path/filepath"
	"time"

	"github.com/danjacques/goreftek/protocol/reftek"

	"github.com/pkg/errors"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Archive writer", func() {
	var (
		root  string
		clock *testClock
		opts  *Options
		a     *Archive
	)

	BeforeEach(func() {
		root = makeTempDir()
		clock = &testClock{now: testBase}
		opts = &Options{
			NowFunc:      clock.Now,
			DisablePurge: true,
		}
	})

	AfterEach(func() {
		if a != nil && a.Mode() == ModeWrite {
			Expect(a.Close()).To(Succeed())
		}
		a = nil
		Expect(os.RemoveAll(root)).To(Succeed())
	})

	create := func() {
		var err error
		a, err = Create(root, "test archive", opts)
		Expect(err).ToNot(HaveOccurred())
	}

	Context("when creating and opening archives", func() {
		It("creates a new archive with its state file", func() {
			create()
			Expect(filepath.Join(root, StateFileName)).To(BeARegularFile())

			info, err := a.Info()
			Expect(err).ToNot(HaveOccurred())
			Expect(info.Name).To(Equal("test archive"))
			Expect(info.Version).To(Equal(FormatVersion))
			Expect(info.Created).To(Equal(testBase))
			Expect(info.StreamCount).To(BeZero())
			Expect(info.WriterHeld).To(BeTrue())
			Expect(info.WriterPID).To(Equal(os.Getpid()))
		})

		It("refuses to create an archive over an existing one", func() {
			create()
			Expect(a.Close()).To(Succeed())

			_, err := Create(root, "again", opts)
			Expect(errors.Cause(err)).To(Equal(ErrArchiveAlreadyExists))
		})

		It("refuses to open a file as an archive", func() {
			path := filepath.Join(root, "file")
			Expect(os.WriteFile(path, []byte("hello"), 0644)).To(Succeed())

			_, err := Create(path, "", opts)
			Expect(errors.Cause(err)).To(Equal(ErrBadPath))
		})

		It("allows only one writer at a time", func() {
			create()

			_, err := OpenForWrite(root, "", opts)
			Expect(errors.Cause(err)).To(Equal(ErrPermissionDenied))

			Expect(a.Close()).To(Succeed())
			a, err = OpenForWrite(root, "", opts)
			Expect(err).ToNot(HaveOccurred())
		})

		It("takes over an archive whose writer did not close it", func() {
			create()
			Expect(a.Close()).To(Succeed())

			// Mark the archive as held by a dead writer.
			meta, streams, _, err := readStateFile(root)
			Expect(err).ToNot(HaveOccurred())
			Expect(meta.writerHeld).To(BeFalse())
			meta.writerHeld, meta.writerPID = true, 1
			var si streamIndex
			si.reset(streams)
			Expect(writeStateFile(root, meta, &si)).To(Succeed())

			a, err = OpenForWrite(root, "renamed", opts)
			Expect(err).ToNot(HaveOccurred())
			info, err := a.Info()
			Expect(err).ToNot(HaveOccurred())
			Expect(info.Name).To(Equal("renamed"))
			Expect(info.WriterPID).To(Equal(os.Getpid()))
		})

		It("rejects a purge threshold above the maximum size", func() {
			opts.ThresholdBytes = 2048
			opts.MaxBytes = 1024

			_, err := Create(root, "", opts)
			Expect(errors.Cause(err)).To(Equal(ErrPurgeStartFailed))

			// The failed open released its lock.
			opts.ThresholdBytes = 0
			a, err = OpenForWrite(root, "", opts)
			Expect(err).ToNot(HaveOccurred())
		})

		It("fails operations once closed", func() {
			create()
			Expect(a.Close()).To(Succeed())

			Expect(errors.Cause(a.WritePacket(shPacket(1, 1, testBase)))).To(Equal(ErrNotOpen))
			Expect(errors.Cause(a.Sync())).To(Equal(ErrNotOpen))
			Expect(a.Close()).To(Equal(ErrNotOpen))

			var nilArchive *Archive
			Expect(nilArchive.Close()).To(Equal(ErrNotInitialized))
			Expect(nilArchive.WritePacket(nil)).To(Equal(ErrNotInitialized))
		})
	})

	Context("with an open archive", func() {
		BeforeEach(create)

		It("rejects packets that cannot be decoded", func() {
			raw := dtPacket(1, testBase, 100)
			raw[0], raw[1] = 'Z', 'Z'
			Expect(errors.Cause(a.WritePacket(raw))).To(Equal(ErrBadPacket))
			Expect(errors.Cause(a.WritePacket(raw[:100]))).To(Equal(ErrBadPacket))
		})

		It("stashes data until a sampling rate can be derived", func() {
			Expect(a.WritePacket(dtPacket(1, testBase, 100))).To(Succeed())

			streams, err := a.Streams()
			Expect(err).ToNot(HaveOccurred())
			Expect(streams).To(HaveLen(1))
			Expect(streams[0].Rate).To(BeZero())
			Expect(filepath.Join(root, "2021063")).ToNot(BeAnExistingFile())

			Expect(a.WritePacket(dtPacket(2, testBase.Add(10*time.Second), 100))).To(Succeed())
			streams, err = a.Streams()
			Expect(err).ToNot(HaveOccurred())
			Expect(streams[0].Rate).To(Equal(10.0))
			Expect(eventFiles(root, "2021063", 1, 1)).To(Equal([]string{"120000000_00000000"}))

			Expect(a.WritePacket(dtPacket(3, testBase.Add(20*time.Second), 100))).To(Succeed())
			fi, err := os.Stat(filepath.Join(root, "2021063", "0001", "1", "120000000_00000000"))
			Expect(err).ToNot(HaveOccurred())
			Expect(fi.Size()).To(BeEquivalentTo(3 * reftek.PacketSize))

			streams, err = a.Streams()
			Expect(err).ToNot(HaveOccurred())
			Expect(streams[0]).To(Equal(StreamInfo{
				Unit:     1,
				Stream:   1,
				Channels: 0x0001,
				Earliest: testBase,
				Latest:   testBase.Add(30 * time.Second),
				Bytes:    3 * reftek.PacketSize,
				Rate:     10,
			}))

			// Closing names the event file with its duration.
			Expect(a.Close()).To(Succeed())
			Expect(eventFiles(root, "2021063", 1, 1)).To(Equal([]string{"120000000_00007530"}))
		})

		It("uses the sampling rate declared by an event header", func() {
			Expect(a.WritePacket(testPacket{
				typ:    reftek.TypeEH,
				stream: 2,
				event:  7,
				seq:    10,
				time:   testBase,
				rate:   40,
			}.raw())).To(Succeed())

			streams, err := a.Streams()
			Expect(err).ToNot(HaveOccurred())
			Expect(streams[0].Rate).To(Equal(40.0))
			Expect(eventFiles(root, "2021063", 1, 2)).To(HaveLen(1))
		})

		It("fails to derive a rate when no two packets share a channel", func() {
			for ch := 1; ch < stashCapacity; ch++ {
				Expect(a.WritePacket(testPacket{
					typ:     reftek.TypeDT,
					stream:  1,
					channel: uint8(ch),
					event:   1,
					seq:     uint16(ch),
					time:    testBase,
					samples: 100,
				}.raw())).To(Succeed())
			}

			err := a.WritePacket(testPacket{
				typ:     reftek.TypeDT,
				stream:  1,
				channel: stashCapacity,
				event:   1,
				seq:     stashCapacity,
				time:    testBase,
				samples: 100,
			}.raw())
			Expect(err).To(Equal(ErrNoRateDerivable))

			streams, err := a.Streams()
			Expect(err).ToNot(HaveOccurred())
			Expect(streams[0].Rate).To(BeZero())
			Expect(streams[0].Channels).To(Equal(uint16(0xFFFF)))
			Expect(diskBytes(root)).To(BeZero())
		})

		It("gives up on a rate after discarding too many packets", func() {
			// Packets that do not advance in time never yield a legal rate.
			var err error
			for seq := uint16(1); seq <= 2*stashCapacity && err == nil; seq++ {
				err = a.WritePacket(dtPacket(seq, testBase, 100))
			}
			Expect(err).To(Equal(ErrNoRateDerivable))
		})

		It("starts a new event file at a sequence break", func() {
			Expect(a.WritePacket(dtPacket(1, testBase, 100))).To(Succeed())
			Expect(a.WritePacket(dtPacket(2, testBase.Add(10*time.Second), 100))).To(Succeed())
			Expect(a.WritePacket(dtPacket(4, testBase.Add(30*time.Second), 100))).To(Succeed())

			Expect(eventFiles(root, "2021063", 1, 1)).To(Equal([]string{
				"120000000_00004e20",
				"120030000_00000000",
			}))
		})

		It("keeps both copies of a retransmitted event", func() {
			for i := 0; i < 2; i++ {
				Expect(a.WritePacket(dtPacket(1, testBase, 100))).To(Succeed())
				Expect(a.WritePacket(dtPacket(2, testBase.Add(10*time.Second), 100))).To(Succeed())
			}
			Expect(a.Close()).To(Succeed())

			// The second copy's name is extended by a tick.
			Expect(eventFiles(root, "2021063", 1, 1)).To(Equal([]string{
				"120000000_00004e20",
				"120000000_00004e21",
			}))
			Expect(diskBytes(root)).To(BeEquivalentTo(4 * reftek.PacketSize))

			var err error
			a, err = OpenForRead(root, opts)
			Expect(err).ToNot(HaveOccurred())
			defer a.Close()

			info, err := a.Info()
			Expect(err).ToNot(HaveOccurred())
			Expect(info.UsedBytes).To(Equal(diskBytes(root)))

			c, err := a.OpenCursor(StreamData(1, 1), CursorOptions{})
			Expect(err).ToNot(HaveOccurred())
			defer c.Close()

			pkts, errs := readAll(c)
			Expect(errs).To(Equal([]error{nil, nil, nil, ErrSequenceBreak, nil, nil, nil, nil, ErrEndOfData}))
			Expect(packetTypes(pkts)).To(Equal([]reftek.Type{
				reftek.TypeEH, reftek.TypeDT, reftek.TypeDT, reftek.TypeET,
				reftek.TypeEH, reftek.TypeDT, reftek.TypeDT, reftek.TypeET,
			}))
		})

		It("leaves its state unchanged when an event file cannot be opened", func() {
			Expect(a.WritePacket(dtPacket(1, testBase, 100))).To(Succeed())
			Expect(a.WritePacket(dtPacket(2, testBase.Add(10*time.Second), 100))).To(Succeed())

			before, err := a.Info()
			Expect(err).ToNot(HaveOccurred())
			beforeStreams, err := a.Streams()
			Expect(err).ToNot(HaveOccurred())

			// A directory occupies the path of the next event file.
			blocker := filepath.Join(root, "2021063", "0001", "1", "120030000_00000000")
			Expect(os.Mkdir(blocker, 0755)).To(Succeed())

			err = a.WritePacket(dtPacket(4, testBase.Add(30*time.Second), 100))
			Expect(IsIOError(err)).To(BeTrue())

			info, err := a.Info()
			Expect(err).ToNot(HaveOccurred())
			Expect(info.UsedBytes).To(Equal(before.UsedBytes))
			Expect(info.Earliest).To(Equal(before.Earliest))
			Expect(info.Latest).To(Equal(before.Latest))
			streams, err := a.Streams()
			Expect(err).ToNot(HaveOccurred())
			Expect(streams).To(Equal(beforeStreams))

			// Once the path is clear, the packet can be retried.
			Expect(os.Remove(blocker)).To(Succeed())
			Expect(a.WritePacket(dtPacket(4, testBase.Add(30*time.Second), 100))).To(Succeed())

			info, err = a.Info()
			Expect(err).ToNot(HaveOccurred())
			Expect(info.UsedBytes).To(BeEquivalentTo(3 * reftek.PacketSize))
			Expect(info.UsedBytes).To(Equal(diskBytes(root)))
			Expect(info.Latest).To(Equal(testBase.Add(40 * time.Second)))
			Expect(eventFiles(root, "2021063", 1, 1)).To(Equal([]string{
				"120000000_00004e20",
				"120030000_00000000",
			}))
		})

		It("starts a new event file for a new event number", func() {
			Expect(a.WritePacket(dtPacket(1, testBase, 100))).To(Succeed())
			Expect(a.WritePacket(dtPacket(2, testBase.Add(10*time.Second), 100))).To(Succeed())
			Expect(a.WritePacket(testPacket{
				typ:     reftek.TypeDT,
				stream:  1,
				channel: 1,
				event:   2,
				seq:     3,
				time:    testBase.Add(20 * time.Second),
				samples: 100,
			}.raw())).To(Succeed())

			Expect(eventFiles(root, "2021063", 1, 1)).To(Equal([]string{
				"120000000_00004e20",
				"120020000_00000000",
			}))
		})

		It("closes an event at its trailer", func() {
			Expect(a.WritePacket(testPacket{
				typ: reftek.TypeEH, stream: 1, event: 1, seq: 1, time: testBase, rate: 100,
			}.raw())).To(Succeed())
			Expect(a.WritePacket(testPacket{
				typ: reftek.TypeDT, stream: 1, channel: 1, event: 1, seq: 2, time: testBase, samples: 500,
			}.raw())).To(Succeed())
			Expect(a.WritePacket(testPacket{
				typ: reftek.TypeET, stream: 1, event: 1, seq: 3, time: testBase, rate: 100,
				first: testBase, last: testBase.Add(5 * time.Second),
			}.raw())).To(Succeed())

			// 5 seconds.
			Expect(eventFiles(root, "2021063", 1, 1)).To(Equal([]string{"120000000_00001388"}))
		})

		It("closes an event holding no data with a non-zero duration", func() {
			Expect(a.WritePacket(testPacket{
				typ: reftek.TypeEH, stream: 1, event: 1, seq: 1, time: testBase, rate: 100,
			}.raw())).To(Succeed())
			Expect(a.Close()).To(Succeed())

			Expect(eventFiles(root, "2021063", 1, 1)).To(Equal([]string{"120000000_00000001"}))
		})

		It("files status packets by day", func() {
			Expect(a.WritePacket(shPacket(0x00AB, 1, testBase))).To(Succeed())
			Expect(a.WritePacket(shPacket(0x00AB, 2, testBase.Add(time.Hour)))).To(Succeed())
			Expect(a.WritePacket(shPacket(0x00AB, 3, testBase.Add(24*time.Hour)))).To(Succeed())

			// One hour.
			Expect(eventFiles(root, "2021063", 0x00AB, StatusStream)).To(Equal([]string{"120000000_0036ee80"}))
			Expect(eventFiles(root, "2021064", 0x00AB, StatusStream)).To(Equal([]string{"120000000_00000000"}))

			streams, err := a.Streams()
			Expect(err).ToNot(HaveOccurred())
			Expect(streams).To(HaveLen(1))
			Expect(streams[0].Stream).To(BeEquivalentTo(StatusStream))
			Expect(streams[0].Bytes).To(BeEquivalentTo(3 * reftek.PacketSize))
		})

		It("keeps the archive's byte count equal to its event files", func() {
			for i := 0; i < 5; i++ {
				t := testBase.Add(time.Duration(i) * 10 * time.Second)
				Expect(a.WritePacket(dtPacket(uint16(i+1), t, 100))).To(Succeed())
				Expect(a.WritePacket(shPacket(2, uint16(i+1), t))).To(Succeed())
			}

			info, err := a.Info()
			Expect(err).ToNot(HaveOccurred())
			Expect(info.UsedBytes).To(Equal(diskBytes(root)))
			Expect(info.StreamCount).To(Equal(2))
			Expect(info.Earliest).To(Equal(testBase))

			streams, err := a.Streams()
			Expect(err).ToNot(HaveOccurred())
			var total int64
			for _, si := range streams {
				total += si.Bytes
			}
			Expect(total).To(Equal(info.UsedBytes))
		})

		It("only writes its state once the update interval has elapsed", func() {
			Expect(a.WritePacket(shPacket(1, 1, testBase))).To(Succeed())

			meta, _, _, err := readStateFile(root)
			Expect(err).ToNot(HaveOccurred())
			Expect(meta.bytes).To(BeZero())

			clock.Add(DefaultUpdateInterval)
			Expect(a.Sync()).To(Succeed())
			meta, streams, _, err := readStateFile(root)
			Expect(err).ToNot(HaveOccurred())
			Expect(meta.bytes).To(BeEquivalentTo(reftek.PacketSize))
			Expect(meta.updated).To(Equal(testBase.Add(DefaultUpdateInterval)))
			Expect(streams).To(HaveLen(1))
		})

		It("writes its state immediately when flushed", func() {
			Expect(a.WritePacket(shPacket(1, 1, testBase))).To(Succeed())
			Expect(a.Flush()).To(Succeed())

			meta, _, _, err := readStateFile(root)
			Expect(err).ToNot(HaveOccurred())
			Expect(meta.bytes).To(BeEquivalentTo(reftek.PacketSize))
		})

		It("releases idle event files and reopens them on write", func() {
			Expect(a.WritePacket(shPacket(1, 1, testBase))).To(Succeed())
			s := a.streams.lookup(1, StatusStream)
			Expect(s.event.fd).ToNot(BeNil())

			clock.Add(DefaultEventIdleTimeout)
			Expect(a.Sync()).To(Succeed())
			Expect(s.event.fd).To(BeNil())

			Expect(a.WritePacket(shPacket(1, 2, testBase.Add(time.Minute)))).To(Succeed())
			Expect(s.event.fd).ToNot(BeNil())
			Expect(eventFiles(root, "2021063", 1, StatusStream)).To(HaveLen(1))
			Expect(s.event.bytes).To(BeEquivalentTo(2 * reftek.PacketSize))
		})

		It("restores its streams when reopened", func() {
			Expect(a.WritePacket(dtPacket(1, testBase, 100))).To(Succeed())
			Expect(a.WritePacket(dtPacket(2, testBase.Add(10*time.Second), 100))).To(Succeed())
			Expect(a.Close()).To(Succeed())

			var err error
			a, err = OpenForWrite(root, "", opts)
			Expect(err).ToNot(HaveOccurred())

			// The rate is known, so the packet is written without stashing.
			Expect(a.WritePacket(dtPacket(3, testBase.Add(20*time.Second), 100))).To(Succeed())
			Expect(eventFiles(root, "2021063", 1, 1)).To(Equal([]string{
				"120000000_00004e20",
				"120020000_00000000",
			}))

			info, err := a.Info()
			Expect(err).ToNot(HaveOccurred())
			Expect(info.Name).To(Equal("test archive"))
			Expect(info.UsedBytes).To(BeEquivalentTo(3 * reftek.PacketSize))
			Expect(info.Latest).To(Equal(testBase.Add(30 * time.Second)))
		})

		It("enumerates its streams in creation order", func() {
			Expect(a.WritePacket(shPacket(2, 1, testBase))).To(Succeed())
			Expect(a.WritePacket(shPacket(1, 1, testBase))).To(Succeed())

			si, err := a.FirstStream()
			Expect(err).ToNot(HaveOccurred())
			Expect(si.Unit).To(BeEquivalentTo(2))

			si, err = a.NextStream(si)
			Expect(err).ToNot(HaveOccurred())
			Expect(si.Unit).To(BeEquivalentTo(1))

			_, err = a.NextStream(si)
			Expect(err).To(Equal(ErrNotFound))

			_, err = a.NextStream(&StreamInfo{Unit: 3})
			Expect(errors.Cause(err)).To(Equal(ErrInvalidStreamHandle))
		})
	})

	It("reports that an empty archive has no first stream", func() {
		create()
		_, err := a.FirstStream()
		Expect(err).To(Equal(ErrNotFound))
	})
})
