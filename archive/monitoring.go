// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package archive

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	packetsWritten = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "goreftek_archive_packets_written",
		Help: "Count of packets written to event files, by packet type.",
	}, []string{"type"})

	bytesWritten = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "goreftek_archive_bytes_written",
		Help: "Count of bytes written to event files.",
	})

	packetsRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "goreftek_archive_packets_rejected",
		Help: "Count of packets rejected because they could not be decoded.",
	})

	packetsStashed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "goreftek_archive_packets_stashed",
		Help: "Count of packets held awaiting a sampling rate.",
	})

	rateFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "goreftek_archive_rate_failures",
		Help: "Count of stashes dropped because no sampling rate could be derived.",
	})

	eventsClosed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "goreftek_archive_events_closed",
		Help: "Count of closed events, by reason.",
	}, []string{"reason"})

	archiveFull = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "goreftek_archive_full",
		Help: "Count of packets refused because the archive was at its maximum size.",
	})

	archiveUsedBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "goreftek_archive_used_bytes",
		Help: "Bytes stored in the most recently updated archive.",
	})

	purgePasses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "goreftek_archive_purge_passes",
		Help: "Count of purge passes run.",
	})

	purgedFiles = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "goreftek_archive_purged_files",
		Help: "Count of event files deleted by purging.",
	})

	purgedBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "goreftek_archive_purged_bytes",
		Help: "Count of bytes deleted by purging.",
	})

	purgeFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "goreftek_archive_purge_failures",
		Help: "Count of failed purge deletions.",
	})

	sequenceBreaksRead = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "goreftek_archive_sequence_breaks_read",
		Help: "Count of sequence breaks encountered by cursors.",
	})
)

// RegisterMonitoring registers all of this package's monitoring metrics.
func RegisterMonitoring(reg prometheus.Registerer) {
	reg.MustRegister(
		// Writer
		packetsWritten,
		bytesWritten,
		packetsRejected,
		packetsStashed,
		rateFailures,
		eventsClosed,
		archiveFull,
		archiveUsedBytes,

		// Purge
		purgePasses,
		purgedFiles,
		purgedBytes,
		purgeFailures,

		// Reader
		sequenceBreaksRead,
	)
}
