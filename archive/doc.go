// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

// Package archive implements a file-based archive of RefTek packets.
//
// An archive is a directory tree. Packets are grouped into streams, each
// identified by a (unit, stream number) pair, and each stream's packets are
// appended to event files:
//
//	<root>/YYYYDDD/UUUU/S/HHMMsssss_LLLLLLLL
//
// YYYYDDD is the year and day-of-year that the event started on, UUUU is the
// unit ID in hex, and S is the stream number. The event file name holds the
// event's start (hour, minute and milliseconds within the minute) and its
// duration in milliseconds as eight hex digits. An event that is still being
// written has a duration of zero; closing the event renames the file to carry
// its final duration.
//
// Status packets, which do not belong to a time series, are filed under
// stream 0 and rotate into a new event file every day. Time-series packets
// rotate into a new event file when their event number changes, or when their
// sequence number does not follow the previous packet's.
//
// A single writer may hold an archive open at a time. The writer persists a
// summary of the archive and its streams to a state file in the archive
// root. Any number of readers may open the same archive; they reload the
// state file whenever it changes, and read packets through a Cursor, which
// frames each event it returns with synthetic event header (EH) and event
// trailer (ET) packets.
//
// A writer enforces a disk budget by purging the oldest event files in the
// background once the archive grows past its purge threshold.
package archive
