// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

// Package reftek implements a decoder for RefTek digitizer packets.
//
// Every packet is a fixed PacketSize record that begins with a 16-byte common
// header:
//
//	[0:2]   packet type, two ASCII characters ("DT", "EH", ...)
//	[2]     experiment number, BCD
//	[3]     two-digit year, BCD
//	[4:6]   unit ID, big-endian binary
//	[6:12]  time as DDDHHMMSSsss, BCD
//	[12:14] byte count, BCD
//	[14:16] sequence number, BCD
//
// Time-series packets (DT, EH, ET) follow this with:
//
//	[16:18] event number, BCD
//	[18]    stream number, BCD
//	[19]    channel number, BCD (DT only)
//	[20:22] sample count, BCD (DT only)
//	[22]    flags
//	[23]    data format
//
// Event header and trailer packets (EH, ET) also carry ASCII fields: the
// sampling rate at [88:92], and the first and last sample times at [112:128]
// and [144:160] as "YYYYDDDHHMMSSsss".
//
// Besides decoding, Packet offers "stamp" operations that rewrite header
// fields in place. These are used by archive readers to synthesize event
// header and trailer packets.
package reftek
