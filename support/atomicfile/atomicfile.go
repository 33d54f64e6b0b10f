// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

// Package atomicfile writes files that replace their destination atomically.
package atomicfile

import (
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// F manages a staged file.
//
// While F is active, its content is written to a temporary file next to its
// destination. Once finished, F can either be committed or destroyed. On
// commit, it is atomically renamed onto its destination; on destroy, it is
// deleted.
//
// Because a commit replaces the destination's directory entry, observers that
// cache the destination's os.FileInfo will see a different file identity after
// every commit.
type F struct {
	*os.File

	// dest is the final destination path.
	dest string
}

// New creates a new staged file for dest.
//
// The staged file lives in dest's directory, so the final rename never crosses
// a filesystem boundary.
func New(dest string) (*F, error) {
	fd, err := ioutil.TempFile(filepath.Dir(dest), "."+filepath.Base(dest)+".")
	if err != nil {
		return nil, err
	}
	return &F{
		File: fd,
		dest: dest,
	}, nil
}

// Destroy closes and deletes the staged file, if it has not been committed.
func (f *F) Destroy() error {
	if f.File == nil {
		// Already committed or destroyed.
		return nil
	}

	path := f.File.Name()
	_ = f.File.Close()
	f.File = nil
	return os.Remove(path)
}

// Commit flushes the staged file to stable storage and moves it onto its
// destination.
func (f *F) Commit() error {
	if f.File == nil {
		return errors.New("invalid staged file")
	}

	path := f.File.Name()
	if err := f.File.Sync(); err != nil {
		return errors.Wrapf(err, "syncing %q", path)
	}
	if err := f.File.Close(); err != nil {
		return errors.Wrapf(err, "closing %q", path)
	}
	f.File = nil

	if err := os.Rename(path, f.dest); err != nil {
		_ = os.Remove(path)
		return errors.Wrapf(err, "moving staged file into place (%q => %q)", path, f.dest)
	}
	return nil
}

// Write is a convenience function that stages the output of fn and commits
// it to dest. If fn fails, dest is left untouched.
func Write(dest string, fn func(f *os.File) error) error {
	f, err := New(dest)
	if err != nil {
		return err
	}
	defer func() {
		_ = f.Destroy()
	}()

	if err := fn(f.File); err != nil {
		return err
	}
	return f.Commit()
}
