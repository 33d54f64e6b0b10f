// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package archive

import (
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo"
	"github.com/onsi/ginkgo/extensions/table"
	. "github.com/onsi/gomega"
)

var _ = Describe("Event file names", func() {
	root := filepath.Join("var", "archive")

	table.DescribeTable("round-trips through EventPath and ParseEventPath",
		func(unit uint16, stream uint8, start time.Time, d time.Duration, expected string) {
			path := EventPath(root, unit, stream, start, d)
			Expect(path).To(Equal(filepath.Join(root, filepath.FromSlash(expected))))

			ref, err := ParseEventPath(path)
			Expect(err).ToNot(HaveOccurred())
			Expect(ref).To(Equal(&EventRef{
				Path:     path,
				Unit:     unit,
				Stream:   stream,
				Start:    start,
				Duration: d,
			}))
			Expect(ref.IsOpen()).To(Equal(d == 0))
		},

		table.Entry("an open event", uint16(1), uint8(1), testBase, time.Duration(0),
			"2021063/0001/1/120000000_00000000"),
		table.Entry("a closed event", uint16(0x9A2B), uint8(9),
			time.Date(2020, 12, 31, 23, 59, 59, 999*int(time.Millisecond), time.UTC), 90*time.Minute,
			"2020366/9A2B/9/235959999_005265c0"),
		table.Entry("a status event", uint16(0xFFFF), uint8(StatusStream),
			time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC), time.Millisecond,
			"2021001/FFFF/0/000000000_00000001"),
	)

	It("truncates start times and clamps durations", func() {
		start := testBase.Add(1500 * time.Microsecond)
		Expect(filepath.Base(EventPath(root, 1, 1, start, -time.Second))).To(Equal("120000001_00000000"))
		Expect(filepath.Base(EventPath(root, 1, 1, testBase, maxEventDuration+time.Hour))).To(Equal("120000000_ffffffff"))
	})

	table.DescribeTable("rejects malformed paths",
		func(rel string) {
			_, err := ParseEventPath(filepath.Join(root, filepath.FromSlash(rel)))
			Expect(err).To(HaveOccurred())
		},

		table.Entry("a bad day", "2021367/0001/1/120000000_00000000"),
		table.Entry("day 366 of a common year", "2021366/0001/1/120000000_00000000"),
		table.Entry("a short day", "202163/0001/1/120000000_00000000"),
		table.Entry("unit zero", "2021063/0000/1/120000000_00000000"),
		table.Entry("a lower-case unit", "2021063/9a2b/1/120000000_00000000"),
		table.Entry("a bad stream", "2021063/0001/10/120000000_00000000"),
		table.Entry("a bad hour", "2021063/0001/1/240000000_00000000"),
		table.Entry("bad milliseconds", "2021063/0001/1/120061000_00000000"),
		table.Entry("a missing separator", "2021063/0001/1/120000000-00000000"),
		table.Entry("a bad duration", "2021063/0001/1/120000000_0000000g"),
		table.Entry("a short name", "2021063/0001/1/1200000_00000000"),
		table.Entry("a signed field", "2021063/0001/1/12+000000_00000000"),
	)
})
