// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package archive

import (
	"time"

	"github.com/danjacques/goreftek/support/logging"
	"github.com/danjacques/goreftek/support/timeutil"
)

const (
	// DefaultUpdateInterval is the default interval between state file
	// updates.
	DefaultUpdateInterval = 30 * time.Second

	// DefaultEventIdleTimeout is the default amount of time that an open event
	// file may go without a write before its file handle is released.
	DefaultEventIdleTimeout = 5 * time.Minute
)

// Options configures an open Archive.
type Options struct {
	// Logger is the logger to use. If nil, no logging will be performed.
	Logger logging.L

	// NowFunc, if not nil, is the function to use to get the current time. If
	// nil, timeutil.Now will be used.
	NowFunc func() time.Time

	// ThresholdBytes, if > 0, is the archive size past which the oldest event
	// files are purged. If zero, a writer uses the threshold persisted in the
	// archive's state.
	ThresholdBytes int64

	// MaxBytes, if > 0, is the hard archive size limit. Writes fail with
	// ErrMaxSizeReached while the archive is over this limit. If zero, a writer
	// uses the limit persisted in the archive's state.
	MaxBytes int64

	// UpdateInterval is the minimum interval between state file updates. If
	// zero, DefaultUpdateInterval will be used.
	UpdateInterval time.Duration

	// EventIdleTimeout is the amount of time an open event file may go without
	// a write before Sync releases its file handle. If zero,
	// DefaultEventIdleTimeout will be used.
	EventIdleTimeout time.Duration

	// DisablePurge, if true, prevents a writer from starting its background
	// purge goroutine. Purging then happens synchronously during WritePacket.
	DisablePurge bool
}

func (o *Options) now() time.Time {
	if o.NowFunc != nil {
		return timeutil.Truncate(o.NowFunc())
	}
	return timeutil.Now()
}

// resolve returns a copy of o with defaults filled in. o may be nil.
func (o *Options) resolve() Options {
	var res Options
	if o != nil {
		res = *o
	}
	res.Logger = logging.Must(res.Logger)
	if res.UpdateInterval <= 0 {
		res.UpdateInterval = DefaultUpdateInterval
	}
	if res.EventIdleTimeout <= 0 {
		res.EventIdleTimeout = DefaultEventIdleTimeout
	}
	return res
}
