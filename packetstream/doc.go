// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

// Package packetstream reads and writes flat files of RefTek packets.
//
// A packet stream begins with a short fixed header that identifies it and
// names the compression applied to the rest of the file. The remainder is a
// sequence of raw, fixed-size packet records.
//
// Headerless captures, which are a bare concatenation of packet records, can
// be read with NewRawReader.
package packetstream
