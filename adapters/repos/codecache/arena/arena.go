//                           _       _
// __      _____  __ ___   ___  __ _| |_ ___
// \ \ /\ / / _ \/ _` \ \ / / |/ _` | __/ _ \
//  \ V  V /  __/ (_| |\ V /| | (_| | ||  __/
//   \_/\_/ \___|\__,_| \_/ |_|\__,_|\__\___|
//
//  Copyright © 2016 - 2024 Weaviate B.V. All rights reserved.
//
//  CONTACT: hello@weaviate.io
//

// Package arena provides the store buffer of a code archive: an aligned bump
// allocator for payload bytes which grows forward from the start, and
// fixed-size descriptor slots which are carved from the end.
package arena

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// DataAlignment is the alignment unit of every record written to an archive.
const DataAlignment = 8

var (
	ErrCapacity   = errors.New("arena capacity exceeded")
	ErrOutOfRange = errors.New("read position out of range")
)

// Handle refers to a descriptor slot allocated from the tail of an Arena.
type Handle struct {
	offset int
	size   int
}

func (h Handle) Offset() int { return h.offset }

func (h Handle) Size() int { return h.size }

// Arena is not safe for concurrent use. Callers serialize writers.
type Arena struct {
	buf       []byte
	pos       int
	tail      int
	alignment int
	failed    bool
}

func New(capacity, alignment int) *Arena {
	if alignment <= 0 {
		alignment = DataAlignment
	}
	capacity = alignDown(capacity, alignment)
	return &Arena{
		buf:       make([]byte, capacity),
		tail:      capacity,
		alignment: alignment,
	}
}

// Write copies p at the current position. Once a write did not fit, the
// arena stays failed and every later write is rejected.
func (a *Arena) Write(p []byte) (int, error) {
	if a.failed {
		return 0, ErrCapacity
	}
	if a.pos+len(p) > a.tail {
		a.failed = true
		return 0, errors.Wrapf(ErrCapacity, "write %d bytes at %d, limit %d",
			len(p), a.pos, a.tail)
	}
	n := copy(a.buf[a.pos:], p)
	a.pos += n
	return n, nil
}

func (a *Arena) WriteByte(b byte) error {
	_, err := a.Write([]byte{b})
	return err
}

func (a *Arena) PutUint32(v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	_, err := a.Write(b[:])
	return err
}

func (a *Arena) PutInt32(v int32) error {
	return a.PutUint32(uint32(v))
}

func (a *Arena) PutUint64(v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	_, err := a.Write(b[:])
	return err
}

// Align pads the payload with zeros up to the next alignment boundary.
func (a *Arena) Align() error {
	pad := alignUp(a.pos, a.alignment) - a.pos
	if pad == 0 {
		return nil
	}
	_, err := a.Write(make([]byte, pad))
	return err
}

func (a *Arena) Pos() int { return a.pos }

// Rewind moves the write position back to pos, discarding everything written
// after it. It is used to drop a partially written record. Rewinding does not
// clear the failed state.
func (a *Arena) Rewind(pos int) error {
	if pos < 0 || pos > a.pos {
		return errors.Errorf("cannot rewind to %d from %d", pos, a.pos)
	}
	clear(a.buf[pos:a.pos])
	a.pos = pos
	return nil
}

// AllocTail reserves a descriptor slot of size bytes at the end of the arena.
func (a *Arena) AllocTail(size int) (Handle, error) {
	if a.failed {
		return Handle{}, ErrCapacity
	}
	size = alignUp(size, a.alignment)
	if a.tail-size < a.pos {
		a.failed = true
		return Handle{}, errors.Wrapf(ErrCapacity, "descriptor of %d bytes, %d free",
			size, a.tail-a.pos)
	}
	a.tail -= size
	return Handle{offset: a.tail, size: size}, nil
}

// Bytes exposes the descriptor slot of h.
func (a *Arena) Bytes(h Handle) []byte {
	return a.buf[h.offset : h.offset+h.size]
}

// Payload returns the bytes written so far.
func (a *Arena) Payload() []byte {
	return a.buf[:a.pos]
}

// Slice returns the payload bytes in [from, to).
func (a *Arena) Slice(from, to int) ([]byte, error) {
	if from < 0 || to < from || to > a.pos {
		return nil, errors.Wrapf(ErrOutOfRange, "slice [%d,%d) of %d", from, to, a.pos)
	}
	return a.buf[from:to], nil
}

func (a *Arena) Failed() bool { return a.failed }

// Free is the number of bytes left between the payload and the descriptors.
func (a *Arena) Free() int { return a.tail - a.pos }

func (a *Arena) Cap() int { return len(a.buf) }

func (a *Arena) Alignment() int { return a.alignment }

func alignUp(n, unit int) int {
	return (n + unit - 1) / unit * unit
}

func alignDown(n, unit int) int {
	if n < 0 {
		return 0
	}
	return n / unit * unit
}

// AlignUp rounds n up to a multiple of DataAlignment.
func AlignUp(n int) int {
	return alignUp(n, DataAlignment)
}
