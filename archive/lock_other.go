// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

//go:build !unix

package archive

import (
	"os"

	"github.com/pkg/errors"
)

// writerLock is a lock held by an archive's writer.
//
// Without flock, the lock is the exclusive creation of the archive's lock
// file. A writer that dies leaves the lock file behind, and it must be removed by
// hand.
type writerLock struct {
	path string
	fd   *os.File
}

func acquireWriterLock(path string) (*writerLock, error) {
	fd, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0644)
	if err != nil {
		if os.IsExist(err) {
			return nil, errors.Wrapf(ErrPermissionDenied, "archive lock %q is held by another writer", path)
		}
		return nil, ioError("open", path, err)
	}
	return &writerLock{path: path, fd: fd}, nil
}

func (l *writerLock) release() error {
	_ = l.fd.Close()
	return ioError("remove", l.path, os.Remove(l.path))
}
