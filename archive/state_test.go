// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package archive

import (
	"bytes"
	"os"
	"time"

	"github.com/pkg/errors"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Archive state", func() {
	var (
		meta metadata
		si   streamIndex
	)

	BeforeEach(func() {
		meta = metadata{
			version:    FormatVersion,
			name:       "state test",
			created:    testBase,
			updated:    testBase.Add(time.Hour),
			rng:        timeRange{earliest: testBase, latest: testBase.Add(time.Minute)},
			threshold:  1 << 20,
			maxBytes:   1 << 30,
			bytes:      4096,
			writerHeld: true,
			writerPID:  1234,
		}

		si = streamIndex{}
		s := si.create(0x9A2B, 3)
		s.channels = 0x0005
		s.rng = timeRange{earliest: testBase, latest: testBase.Add(time.Minute)}
		s.bytes = 3072
		s.rate = 125
		s = si.create(0x9A2B, StatusStream)
		s.bytes = 1024
	})

	It("round-trips through its encoding", func() {
		var buf bytes.Buffer
		Expect(encodeState(&buf, &meta, &si)).To(Succeed())

		decoded, streams, err := decodeState(&buf)
		Expect(err).ToNot(HaveOccurred())
		Expect(*decoded).To(Equal(meta))
		Expect(streams).To(HaveLen(2))
		Expect(streams[0].info()).To(Equal(si.streams[0].info()))
		Expect(streams[1].info()).To(Equal(si.streams[1].info()))

		// Undefined ranges stay undefined.
		Expect(streams[1].rng.defined()).To(BeFalse())
	})

	It("refuses to encode a stream index with a bad stream count", func() {
		si.declared++
		Expect(errors.Cause(encodeState(&bytes.Buffer{}, &meta, &si))).To(Equal(ErrInternal))
	})

	It("rejects state that does not match its stream count", func() {
		var buf bytes.Buffer
		Expect(encodeState(&buf, &meta, &si)).To(Succeed())
		raw := buf.Bytes()

		// Truncated.
		_, _, err := decodeState(bytes.NewReader(raw[:len(raw)-1]))
		Expect(errors.Cause(err)).To(Equal(ErrInternal))

		// Trailing data.
		_, _, err = decodeState(bytes.NewReader(append(append([]byte(nil), raw...), 0)))
		Expect(errors.Cause(err)).To(Equal(ErrInternal))
	})

	It("rejects state with a bad magic number", func() {
		var buf bytes.Buffer
		Expect(encodeState(&buf, &meta, &si)).To(Succeed())
		raw := buf.Bytes()
		raw[0] = 'X'

		_, _, err := decodeState(bytes.NewReader(raw))
		Expect(errors.Cause(err)).To(Equal(ErrInternal))
	})

	Context("on disk", func() {
		var root string

		BeforeEach(func() {
			root = makeTempDir()
		})

		AfterEach(func() {
			Expect(os.RemoveAll(root)).To(Succeed())
		})

		It("reports a missing state file", func() {
			_, _, _, err := readStateFile(root)
			Expect(errors.Cause(err)).To(Equal(ErrArchiveNotFound))
		})

		It("writes and reads its state file, noticing replacements", func() {
			Expect(writeStateFile(root, &meta, &si)).To(Succeed())

			decoded, streams, fi, err := readStateFile(root)
			Expect(err).ToNot(HaveOccurred())
			Expect(decoded.name).To(Equal(meta.name))
			Expect(streams).To(HaveLen(2))
			Expect(stateChanged(nil, fi)).To(BeTrue())

			cur, err := os.Stat(statePath(root))
			Expect(err).ToNot(HaveOccurred())
			Expect(stateChanged(fi, cur)).To(BeFalse())

			Expect(writeStateFile(root, &meta, &si)).To(Succeed())
			cur, err = os.Stat(statePath(root))
			Expect(err).ToNot(HaveOccurred())
			Expect(stateChanged(fi, cur)).To(BeTrue())
		})
	})
})
