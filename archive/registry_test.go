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

var _ = Describe("Registry", func() {
	var (
		root  string
		clock *testClock
		reg   *Registry
	)

	BeforeEach(func() {
		root = makeTempDir()
		clock = &testClock{now: testBase}
		reg = &Registry{
			Options: &Options{
				NowFunc:      clock.Now,
				DisablePurge: true,
			},
		}
	})

	AfterEach(func() {
		Expect(reg.CloseAll()).To(Succeed())
		Expect(os.RemoveAll(root)).To(Succeed())
	})

	It("opens archives by handle", func() {
		wh, err := reg.OpenForWrite(filepath.Join(root, "a"), "first")
		Expect(err).ToNot(HaveOccurred())
		rh, err := reg.OpenForRead(filepath.Join(root, "a"))
		Expect(err).ToNot(HaveOccurred())
		Expect(reg.Handles()).To(Equal([]Handle{wh, rh}))

		a, err := reg.Get(wh)
		Expect(err).ToNot(HaveOccurred())
		Expect(a.Mode()).To(Equal(ModeWrite))

		info, err := reg.Info(rh)
		Expect(err).ToNot(HaveOccurred())
		Expect(info.Name).To(Equal("first"))

		Expect(reg.Close(wh)).To(Succeed())
		_, err = reg.Get(wh)
		Expect(errors.Cause(err)).To(Equal(ErrInvalidHandle))
		Expect(errors.Cause(reg.Close(wh))).To(Equal(ErrInvalidHandle))
		Expect(reg.Handles()).To(Equal([]Handle{rh}))
	})

	It("does not register archives that fail to open", func() {
		_, err := reg.OpenForRead(filepath.Join(root, "missing"))
		Expect(errors.Cause(err)).To(Equal(ErrArchiveNotFound))
		Expect(reg.Handles()).To(BeEmpty())
	})

	It("limits the number of open archives", func() {
		reg.MaxArchives = 2
		for _, name := range []string{"a", "b"} {
			_, err := reg.OpenForWrite(filepath.Join(root, name), name)
			Expect(err).ToNot(HaveOccurred())
		}

		_, err := reg.OpenForWrite(filepath.Join(root, "c"), "c")
		Expect(errors.Cause(err)).To(Equal(ErrNoHandlesAvailable))

		Expect(reg.Close(reg.Handles()[0])).To(Succeed())
		_, err = reg.OpenForWrite(filepath.Join(root, "c"), "c")
		Expect(err).ToNot(HaveOccurred())
	})

	It("writes and reads packets by handle", func() {
		h, err := reg.OpenForWrite(root, "")
		Expect(err).ToNot(HaveOccurred())

		Expect(reg.WritePacket(h, shPacket(1, 1, testBase))).To(Succeed())
		Expect(reg.WritePacket(h, shPacket(1, 2, testBase.Add(time.Second)))).To(Succeed())
		Expect(errors.Cause(reg.WritePacket(h+100, shPacket(1, 3, testBase)))).To(Equal(ErrInvalidHandle))

		si, err := reg.FirstStream(h)
		Expect(err).ToNot(HaveOccurred())
		Expect(si.Unit).To(BeEquivalentTo(1))
		_, err = reg.NextStream(h, si)
		Expect(err).To(Equal(ErrNotFound))

		ch, err := reg.OpenCursor(h, AllData(), CursorOptions{})
		Expect(err).ToNot(HaveOccurred())
		for seq := 1; seq <= 2; seq++ {
			pkt, err := reg.ReadNext(ch)
			Expect(err).ToNot(HaveOccurred())
			Expect(pkt.Type).To(Equal(reftek.TypeSH))
			Expect(pkt.Sequence).To(BeEquivalentTo(seq))
		}
		_, err = reg.ReadNext(ch)
		Expect(err).To(Equal(ErrEndOfData))

		Expect(reg.CloseCursor(ch)).To(Succeed())
		_, err = reg.ReadNext(ch)
		Expect(errors.Cause(err)).To(Equal(ErrInvalidStreamHandle))
		Expect(errors.Cause(reg.CloseCursor(ch))).To(Equal(ErrInvalidStreamHandle))
	})

	It("closes an archive's cursors with it", func() {
		h, err := reg.OpenForWrite(root, "")
		Expect(err).ToNot(HaveOccurred())
		ch, err := reg.OpenCursor(h, AllData(), CursorOptions{})
		Expect(err).ToNot(HaveOccurred())

		Expect(reg.Close(h)).To(Succeed())
		_, err = reg.ReadNext(ch)
		Expect(errors.Cause(err)).To(Equal(ErrInvalidStreamHandle))

		_, err = reg.OpenCursor(h, AllData(), CursorOptions{})
		Expect(errors.Cause(err)).To(Equal(ErrInvalidHandle))
	})
})
