// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package archive

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/danjacques/goreftek/support/fmtutil"
	"github.com/danjacques/goreftek/support/logging"

	"github.com/pkg/errors"
)

// Mode is the access mode of an Archive.
type Mode int

const (
	// ModeClosed is the mode of a closed Archive.
	ModeClosed Mode = iota
	// ModeRead is the mode of an Archive opened by OpenForRead.
	ModeRead
	// ModeWrite is the mode of an Archive opened by Create or OpenForWrite.
	ModeWrite
)

func (m Mode) String() string {
	switch m {
	case ModeClosed:
		return "closed"
	case ModeRead:
		return "read"
	case ModeWrite:
		return "write"
	default:
		return "unknown"
	}
}

// Archive is an open archive.
//
// An Archive is safe for concurrent use. However, it expects a single
// goroutine to write packets into it.
type Archive struct {
	root   string
	opts   Options
	logger logging.L
	loc    locator

	// mu protects the archive's in-memory state: its mode, metadata, and
	// streams, and the streams' open events.
	mu      sync.Mutex
	mode    Mode
	meta    metadata
	streams streamIndex

	// dirty is true if the in-memory state differs from the state file.
	dirty bool
	// lastSync is the last time the update timer was restarted.
	lastSync time.Time

	// stateInfo describes the state file that a reader last loaded.
	stateInfo os.FileInfo

	// lock is the writer's lock on the archive.
	lock *writerLock

	// purgeMu serializes purge passes.
	purgeMu sync.Mutex
	// purger is the writer's background purge goroutine. It is nil if purging
	// is disabled.
	purger *purger
}

// Create creates a new archive at path and opens it for writing.
//
// path is created if it does not exist. If path already holds an archive,
// Create fails with ErrArchiveAlreadyExists.
func Create(path, name string, opts *Options) (*Archive, error) {
	return openForWrite(path, name, opts, true)
}

// OpenForWrite opens the archive at path for writing, creating it if it does
// not exist.
//
// If name is not empty, it replaces the archive's name. Only one writer may
// hold an archive open at a time; if another writer holds it, OpenForWrite
// fails with ErrPermissionDenied.
func OpenForWrite(path, name string, opts *Options) (*Archive, error) {
	return openForWrite(path, name, opts, false)
}

func openForWrite(path, name string, opts *Options, create bool) (*Archive, error) {
	a := newArchive(path, opts)

	switch fi, err := os.Stat(path); {
	case err == nil:
		if !fi.IsDir() {
			return nil, errors.Wrapf(ErrBadPath, "%q is not a directory", path)
		}
	case os.IsNotExist(err):
		if err := os.MkdirAll(path, 0755); err != nil {
			return nil, ioError("mkdir", path, err)
		}
	default:
		return nil, ioError("stat", path, err)
	}

	lock, err := acquireWriterLock(filepath.Join(path, LockFileName))
	if err != nil {
		return nil, err
	}

	if err := a.initWriter(name, create); err != nil {
		if rerr := lock.release(); rerr != nil {
			a.logger.Warnf("Failed to release lock on %q: %s", path, rerr)
		}
		return nil, err
	}
	a.lock = lock
	a.mode = ModeWrite

	if !a.opts.DisablePurge {
		a.purger = startPurger(a)
	}
	a.logger.Infof("Opened archive %q (%q) for writing: %d stream(s), %s used.",
		a.root, a.meta.name, len(a.streams.streams), fmtutil.Bytes(a.meta.bytes))
	return a, nil
}

// initWriter loads or initializes a writer's state, marks the archive as held
// by this process, and writes the state back.
func (a *Archive) initWriter(name string, create bool) error {
	now := a.opts.now()

	meta, streams, _, err := readStateFile(a.root)
	switch errors.Cause(err) {
	case nil:
		if create {
			return errors.Wrapf(ErrArchiveAlreadyExists, "archive %q", a.root)
		}
		if meta.writerHeld {
			// We hold the writer lock, so the previous writer died without
			// closing the archive.
			a.logger.Warnf("Archive %q is marked as held by process %d, which no longer holds it. Taking over.",
				a.root, meta.writerPID)
		}
		a.meta = *meta
		a.streams.reset(streams)

	case ErrArchiveNotFound:
		a.meta = metadata{
			created: now,
		}

	default:
		return err
	}

	a.meta.version = FormatVersion
	if name != "" {
		a.meta.name = name
	}
	if a.opts.ThresholdBytes > 0 {
		a.meta.threshold = a.opts.ThresholdBytes
	}
	if a.opts.MaxBytes > 0 {
		a.meta.maxBytes = a.opts.MaxBytes
	}
	if a.meta.threshold > 0 && a.meta.maxBytes > 0 && a.meta.threshold > a.meta.maxBytes {
		return errors.Wrapf(ErrPurgeStartFailed, "purge threshold %s exceeds maximum size %s",
			fmtutil.Bytes(a.meta.threshold), fmtutil.Bytes(a.meta.maxBytes))
	}

	a.meta.writerHeld = true
	a.meta.writerPID = os.Getpid()
	archiveUsedBytes.Set(float64(a.meta.bytes))
	return a.saveStateLocked(now)
}

// OpenForRead opens the archive at path for reading.
//
// If path does not hold an archive, OpenForRead fails with
// ErrArchiveNotFound.
func OpenForRead(path string, opts *Options) (*Archive, error) {
	a := newArchive(path, opts)

	fi, err := os.Stat(path)
	switch {
	case err == nil:
		if !fi.IsDir() {
			return nil, errors.Wrapf(ErrBadPath, "%q is not a directory", path)
		}
	case os.IsNotExist(err):
		return nil, errors.Wrapf(ErrArchiveNotFound, "%q does not exist", path)
	default:
		return nil, ioError("stat", path, err)
	}

	if err := a.reloadLocked(); err != nil {
		return nil, err
	}
	a.mode = ModeRead
	return a, nil
}

func newArchive(path string, opts *Options) *Archive {
	a := Archive{
		root: filepath.Clean(path),
		opts: opts.resolve(),
	}
	a.logger = a.opts.Logger
	a.loc = locator{
		root:       a.root,
		liveLatest: a.liveLatest,
	}
	a.lastSync = a.opts.now()
	return &a
}

// Root returns the archive's root directory.
func (a *Archive) Root() string { return a.root }

// Mode returns the archive's current access mode.
func (a *Archive) Mode() Mode {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mode
}

// Close closes the archive.
//
// Closing a writer stops its purge goroutine, closes and renames every open
// event file, clears the archive's writer mark, and writes its state. Any
// packets still stashed awaiting a sampling rate are discarded.
func (a *Archive) Close() error {
	if a == nil {
		return ErrNotInitialized
	}

	a.mu.Lock()
	mode := a.mode
	a.mu.Unlock()
	switch mode {
	case ModeClosed:
		return ErrNotOpen
	case ModeRead:
		a.mu.Lock()
		a.mode = ModeClosed
		a.mu.Unlock()
		return nil
	}

	// Stop the purge goroutine before touching anything it might use.
	if a.purger != nil {
		a.purger.stop()
		a.purger = nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var firstErr error
	for _, s := range a.streams.streams {
		if len(s.stash) > 0 {
			a.logger.Warnf("Discarding %d stashed packet(s) for %04X/%d on close.", len(s.stash), s.unit, s.number)
			s.stash = nil
		}
		if s.event == nil {
			continue
		}
		if err := a.closeEventLocked(s, closeReasonShutdown); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	a.meta.writerHeld = false
	a.meta.writerPID = 0
	if err := a.saveStateLocked(a.opts.now()); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := a.lock.release(); err != nil && firstErr == nil {
		firstErr = err
	}
	a.lock = nil
	a.mode = ModeClosed

	a.logger.Infof("Closed archive %q.", a.root)
	return firstErr
}

// checkMode returns an error if the archive is not open in one of modes.
func (a *Archive) checkMode(modes ...Mode) error {
	if a == nil {
		return ErrNotInitialized
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	return a.checkModeLocked(modes...)
}

func (a *Archive) checkModeLocked(modes ...Mode) error {
	for _, m := range modes {
		if a.mode == m {
			return nil
		}
	}
	return errors.Wrapf(ErrNotOpen, "archive %q is %s", a.root, a.mode)
}

// Sync releases the file handles of idle events and, if the state is dirty
// and the update interval has elapsed, writes the archive's state.
func (a *Archive) Sync() error {
	if err := a.checkMode(ModeWrite); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	return a.syncLocked(a.opts.now())
}

// Flush writes the archive's state immediately.
func (a *Archive) Flush() error {
	if err := a.checkMode(ModeWrite); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	return a.saveStateLocked(a.opts.now())
}

// syncLocked runs the writer's periodic maintenance.
func (a *Archive) syncLocked(now time.Time) error {
	a.releaseIdleEventsLocked(now)

	if now.Sub(a.lastSync) < a.opts.UpdateInterval {
		return nil
	}
	if !a.dirty {
		a.lastSync = now
		return nil
	}
	return a.saveStateLocked(now)
}

// saveStateLocked writes the archive's state, clears the dirty flag, and
// restarts the update timer.
func (a *Archive) saveStateLocked(now time.Time) error {
	prev := a.meta.updated
	a.meta.updated = now
	if err := writeStateFile(a.root, &a.meta, &a.streams); err != nil {
		a.meta.updated = prev
		return err
	}
	a.dirty = false
	a.lastSync = now
	return nil
}

// refresh reloads a reader's state if the state file has changed since it was
// last loaded. It does nothing for writers, whose in-memory state is
// authoritative.
func (a *Archive) refresh() error {
	if a == nil {
		return ErrNotInitialized
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	switch a.mode {
	case ModeWrite:
		return nil
	case ModeRead:
	default:
		return a.checkModeLocked(ModeRead, ModeWrite)
	}

	path := statePath(a.root)
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.Wrapf(ErrArchiveNotFound, "state file %q has disappeared", path)
		}
		return ioError("stat", path, err)
	}
	if !stateChanged(a.stateInfo, fi) {
		return nil
	}

	a.logger.Debugf("State file %q has changed; reloading.", path)
	return a.reloadLocked()
}

// reloadLocked replaces the in-memory state with the state file's.
func (a *Archive) reloadLocked() error {
	meta, streams, fi, err := readStateFile(a.root)
	if err != nil {
		return err
	}
	a.meta = *meta
	a.streams.reset(streams)
	a.stateInfo = fi
	return nil
}

// liveLatest returns the latest data time of a stream, or zero if the stream
// is not known.
func (a *Archive) liveLatest(unit uint16, stream uint8) time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()

	if s := a.streams.lookup(unit, stream); s != nil {
		return s.rng.latest
	}
	return time.Time{}
}

// ArchiveInfo is a snapshot of an archive's metadata.
type ArchiveInfo struct {
	Root    string
	Name    string
	Version string

	Created time.Time
	Updated time.Time

	// Earliest and Latest bound the data stored in the archive. Both are zero
	// if the archive holds no data.
	Earliest time.Time
	Latest   time.Time

	StreamCount int

	ThresholdBytes int64
	MaxBytes       int64
	UsedBytes      int64

	// WriterHeld is true if a writer holds the archive open.
	WriterHeld bool
	WriterPID  int
}

// Info returns a snapshot of the archive's metadata.
func (a *Archive) Info() (*ArchiveInfo, error) {
	if err := a.refresh(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	return &ArchiveInfo{
		Root:           a.root,
		Name:           a.meta.name,
		Version:        a.meta.version,
		Created:        a.meta.created,
		Updated:        a.meta.updated,
		Earliest:       a.meta.rng.earliest,
		Latest:         a.meta.rng.latest,
		StreamCount:    a.streams.declared,
		ThresholdBytes: a.meta.threshold,
		MaxBytes:       a.meta.maxBytes,
		UsedBytes:      a.meta.bytes,
		WriterHeld:     a.meta.writerHeld,
		WriterPID:      a.meta.writerPID,
	}, nil
}

// Streams returns a snapshot of every stream in the archive, in creation
// order.
func (a *Archive) Streams() ([]StreamInfo, error) {
	if err := a.refresh(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	infos := make([]StreamInfo, len(a.streams.streams))
	for i, s := range a.streams.streams {
		infos[i] = s.info()
	}
	return infos, nil
}

// FirstStream returns the archive's first stream. If the archive has no
// streams, FirstStream returns ErrNotFound.
func (a *Archive) FirstStream() (*StreamInfo, error) {
	if err := a.refresh(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.streams.streams) == 0 {
		return nil, ErrNotFound
	}
	si := a.streams.streams[0].info()
	return &si, nil
}

// NextStream returns the stream following prev. If prev is the last stream,
// NextStream returns ErrNotFound. If prev does not identify a stream in the
// archive, NextStream returns ErrInvalidStreamHandle.
func (a *Archive) NextStream(prev *StreamInfo) (*StreamInfo, error) {
	if prev == nil {
		return nil, ErrInvalidStreamHandle
	}
	if err := a.refresh(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	idx := a.streams.indexOf(prev.Unit, prev.Stream)
	switch {
	case idx < 0:
		return nil, errors.Wrapf(ErrInvalidStreamHandle, "no stream %04X/%d", prev.Unit, prev.Stream)
	case idx+1 >= len(a.streams.streams):
		return nil, ErrNotFound
	default:
		si := a.streams.streams[idx+1].info()
		return &si, nil
	}
}

// streamSnapshot returns a snapshot of a stream, or false if it is not known.
func (a *Archive) streamSnapshot(unit uint16, number uint8) (StreamInfo, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s := a.streams.lookup(unit, number); s != nil {
		return s.info(), true
	}
	return StreamInfo{}, false
}
