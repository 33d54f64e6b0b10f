// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

//go:build unix

package archive

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// writerLock is an advisory lock held by an archive's writer.
//
// The lock is a flock on the archive's lock file. It is released by the
// operating system if the writer dies.
type writerLock struct {
	fd *os.File
}

func acquireWriterLock(path string) (*writerLock, error) {
	fd, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, ioError("open", path, err)
	}

	if err := unix.Flock(int(fd.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = fd.Close()
		if err == unix.EWOULDBLOCK {
			return nil, errors.Wrapf(ErrPermissionDenied, "archive lock %q is held by another writer", path)
		}
		return nil, ioError("flock", path, err)
	}
	return &writerLock{fd: fd}, nil
}

func (l *writerLock) release() error {
	path := l.fd.Name()
	if err := unix.Flock(int(l.fd.Fd()), unix.LOCK_UN); err != nil {
		_ = l.fd.Close()
		return ioError("funlock", path, err)
	}
	return ioError("close", path, l.fd.Close())
}
