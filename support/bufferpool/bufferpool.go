// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

// Package bufferpool maintains pools of fixed-size byte buffers.
package bufferpool

import (
	"sync"
)

// Pool maintains a pool of buffers of a single size. It allocates a new buffer
// when one is unavailable.
//
// The zero value is not usable; Size must be set before the first Get.
type Pool struct {
	// Size is the size of the buffers in this pool.
	Size int

	base sync.Pool
}

// Get returns a buffer of Size bytes, allocating one if one is not available.
//
// The buffer's contents are undefined. The caller should return the buffer to
// the pool by calling its Release method when done with it.
func (bp *Pool) Get() *Buffer {
	b, ok := bp.base.Get().(*Buffer)
	if !ok || len(b.bytes) != bp.Size {
		b = &Buffer{
			bytes: make([]byte, bp.Size),
		}
	}
	b.pool = bp
	return b
}

// Buffer is a byte buffer that can be released into a Pool for reuse.
//
// Failure to release a Buffer will not cause a memory leak, but will prevent
// its reuse.
type Buffer struct {
	bytes []byte
	pool  *Pool
}

// Bytes returns this buffer's byte slice.
//
// The slice must not be used after the buffer has been released.
func (b *Buffer) Bytes() []byte { return b.bytes }

// Release returns the buffer to its pool. Releasing a buffer more than once
// is a no-op.
func (b *Buffer) Release() {
	var pool *Pool
	if pool, b.pool = b.pool, nil; pool != nil {
		pool.base.Put(b)
	}
}
