// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package reftek

import (
	"github.com/danjacques/goreftek/support/fmtutil"

	"github.com/pkg/errors"
)

// decodeBCD decodes the packed BCD digits in b, two per byte, most
// significant first.
func decodeBCD(b []byte) (int, error) {
	v := 0
	for _, c := range b {
		hi, lo := int(c>>4), int(c&0x0F)
		if hi > 9 || lo > 9 {
			return 0, errors.Errorf("invalid BCD field %s", fmtutil.HexSlice(b))
		}
		v = v*100 + hi*10 + lo
	}
	return v, nil
}

// encodeBCD packs v into b as BCD digits, two per byte. Digits that do not fit
// into b are discarded.
func encodeBCD(v int, b []byte) {
	for i := len(b) - 1; i >= 0; i-- {
		lo := v % 10
		v /= 10
		hi := v % 10
		v /= 10
		b[i] = byte(hi<<4 | lo)
	}
}

// decodeDigits decodes a run of n BCD digits starting at digit offset off
// within b. It is used for fields that do not start on a byte boundary.
func decodeDigits(b []byte, off, n int) (int, error) {
	v := 0
	for i := off; i < off+n; i++ {
		c := b[i/2]
		var d byte
		if i%2 == 0 {
			d = c >> 4
		} else {
			d = c & 0x0F
		}
		if d > 9 {
			return 0, errors.Errorf("invalid BCD digit in %s", fmtutil.HexSlice(b))
		}
		v = v*10 + int(d)
	}
	return v, nil
}

// encodeDigits is the inverse of decodeDigits.
func encodeDigits(v int, b []byte, off, n int) {
	for i := off + n - 1; i >= off; i-- {
		d := byte(v % 10)
		v /= 10
		if i%2 == 0 {
			b[i/2] = (b[i/2] & 0x0F) | d<<4
		} else {
			b[i/2] = (b[i/2] & 0xF0) | d
		}
	}
}
