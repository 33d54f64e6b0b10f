// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package archive

import (
	"sort"
	"sync"

	"github.com/danjacques/goreftek/protocol/reftek"

	"github.com/pkg/errors"
)

// Handle identifies an archive opened through a Registry.
type Handle int64

// CursorHandle identifies a cursor opened through a Registry.
type CursorHandle int64

// Registry tracks open archives and cursors by opaque handle.
//
// The zero value is an empty Registry, ready for use. A Registry is safe for
// concurrent use.
type Registry struct {
	// MaxArchives, if > 0, is the maximum number of archives that may be open
	// through the Registry at once.
	MaxArchives int

	// Options are the options used to open archives. If nil, default options
	// are used.
	Options *Options

	mu sync.RWMutex
	// nextID is the last handle value issued.
	nextID int64
	// archives maps open archive handles to their entries.
	archives map[Handle]*registryEntry
	// cursors maps open cursor handles to their entries.
	cursors map[CursorHandle]*cursorEntry
}

type registryEntry struct {
	archive *Archive
	// cursors are the entry's open cursors.
	cursors map[CursorHandle]struct{}
}

type cursorEntry struct {
	archive Handle
	cursor  *Cursor
}

// OpenForWrite opens an archive for writing, and returns its handle.
func (reg *Registry) OpenForWrite(path, name string) (Handle, error) {
	return reg.open(func() (*Archive, error) { return OpenForWrite(path, name, reg.Options) })
}

// OpenForRead opens an archive for reading, and returns its handle.
func (reg *Registry) OpenForRead(path string) (Handle, error) {
	return reg.open(func() (*Archive, error) { return OpenForRead(path, reg.Options) })
}

func (reg *Registry) open(fn func() (*Archive, error)) (Handle, error) {
	// Reserve a slot before opening, so the limit holds under concurrent opens.
	reg.mu.Lock()
	if reg.MaxArchives > 0 && len(reg.archives) >= reg.MaxArchives {
		reg.mu.Unlock()
		return 0, errors.Wrapf(ErrNoHandlesAvailable, "%d archives are open", len(reg.archives))
	}
	if reg.archives == nil {
		reg.archives = make(map[Handle]*registryEntry)
	}
	reg.nextID++
	h := Handle(reg.nextID)
	e := &registryEntry{}
	reg.archives[h] = e
	reg.mu.Unlock()

	a, err := fn()

	reg.mu.Lock()
	defer reg.mu.Unlock()
	if err != nil {
		delete(reg.archives, h)
		return 0, err
	}
	e.archive = a
	return h, nil
}

// Get returns the archive for h.
func (reg *Registry) Get(h Handle) (*Archive, error) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return reg.getLocked(h)
}

func (reg *Registry) getLocked(h Handle) (*Archive, error) {
	e := reg.archives[h]
	if e == nil || e.archive == nil {
		return nil, errors.Wrapf(ErrInvalidHandle, "archive handle #%d", h)
	}
	return e.archive, nil
}

// Handles returns the handles of every open archive, in ascending order.
func (reg *Registry) Handles() []Handle {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	handles := make([]Handle, 0, len(reg.archives))
	for h, e := range reg.archives {
		if e.archive != nil {
			handles = append(handles, h)
		}
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i] < handles[j] })
	return handles
}

// Close closes the archive for h, along with any of its open cursors.
func (reg *Registry) Close(h Handle) error {
	reg.mu.Lock()
	a, err := reg.getLocked(h)
	if err != nil {
		reg.mu.Unlock()
		return err
	}
	e := reg.archives[h]
	cursors := make([]*Cursor, 0, len(e.cursors))
	for ch := range e.cursors {
		cursors = append(cursors, reg.cursors[ch].cursor)
		delete(reg.cursors, ch)
	}
	delete(reg.archives, h)
	reg.mu.Unlock()

	for _, c := range cursors {
		_ = c.Close()
	}
	return a.Close()
}

// CloseAll closes every open archive. It returns the first error encountered.
func (reg *Registry) CloseAll() error {
	var firstErr error
	for _, h := range reg.Handles() {
		if err := reg.Close(h); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// WritePacket writes a raw packet into the archive for h.
func (reg *Registry) WritePacket(h Handle, raw []byte) error {
	a, err := reg.Get(h)
	if err != nil {
		return err
	}
	return a.WritePacket(raw)
}

// Info returns the metadata of the archive for h.
func (reg *Registry) Info(h Handle) (*ArchiveInfo, error) {
	a, err := reg.Get(h)
	if err != nil {
		return nil, err
	}
	return a.Info()
}

// FirstStream returns the first stream of the archive for h.
func (reg *Registry) FirstStream(h Handle) (*StreamInfo, error) {
	a, err := reg.Get(h)
	if err != nil {
		return nil, err
	}
	return a.FirstStream()
}

// NextStream returns the stream following prev in the archive for h.
func (reg *Registry) NextStream(h Handle, prev *StreamInfo) (*StreamInfo, error) {
	a, err := reg.Get(h)
	if err != nil {
		return nil, err
	}
	return a.NextStream(prev)
}

// OpenCursor opens a cursor on the archive for h, and returns its handle.
func (reg *Registry) OpenCursor(h Handle, crit Criteria, opts CursorOptions) (CursorHandle, error) {
	a, err := reg.Get(h)
	if err != nil {
		return 0, err
	}
	c, err := a.OpenCursor(crit, opts)
	if err != nil {
		return 0, err
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()

	// The archive may have been closed while the cursor was opening.
	e := reg.archives[h]
	if e == nil || e.archive != a {
		_ = c.Close()
		return 0, errors.Wrapf(ErrInvalidHandle, "archive handle #%d", h)
	}

	if reg.cursors == nil {
		reg.cursors = make(map[CursorHandle]*cursorEntry)
	}
	reg.nextID++
	ch := CursorHandle(reg.nextID)
	reg.cursors[ch] = &cursorEntry{archive: h, cursor: c}
	if e.cursors == nil {
		e.cursors = make(map[CursorHandle]struct{})
	}
	e.cursors[ch] = struct{}{}
	return ch, nil
}

// ReadNext returns the next packet from the cursor for ch. See Cursor.Next.
func (reg *Registry) ReadNext(ch CursorHandle) (*reftek.Packet, error) {
	reg.mu.RLock()
	ce := reg.cursors[ch]
	reg.mu.RUnlock()

	if ce == nil {
		return nil, errors.Wrapf(ErrInvalidStreamHandle, "cursor handle #%d", ch)
	}
	return ce.cursor.Next()
}

// CloseCursor closes the cursor for ch.
func (reg *Registry) CloseCursor(ch CursorHandle) error {
	reg.mu.Lock()
	ce := reg.cursors[ch]
	if ce == nil {
		reg.mu.Unlock()
		return errors.Wrapf(ErrInvalidStreamHandle, "cursor handle #%d", ch)
	}
	delete(reg.cursors, ch)
	if e := reg.archives[ce.archive]; e != nil {
		delete(e.cursors, ch)
	}
	reg.mu.Unlock()

	return ce.cursor.Close()
}
