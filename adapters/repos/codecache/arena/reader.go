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

package arena

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Reader is a checked forward cursor over an archive buffer.
type Reader struct {
	data []byte
	pos  int
}

func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// Seek sets the read position. Positions past the end are rejected.
func (r *Reader) Seek(pos int) error {
	if pos < 0 || pos > len(r.data) {
		return errors.Wrapf(ErrOutOfRange, "seek to %d, size %d", pos, len(r.data))
	}
	r.pos = pos
	return nil
}

func (r *Reader) Pos() int { return r.pos }

func (r *Reader) Len() int { return len(r.data) }

func (r *Reader) Remaining() int { return len(r.data) - r.pos }

// Read returns the next n bytes without copying.
func (r *Reader) Read(n int) ([]byte, error) {
	if n < 0 || r.pos+n > len(r.data) {
		return nil, errors.Wrapf(ErrOutOfRange, "read %d bytes at %d, size %d",
			n, r.pos, len(r.data))
	}
	out := r.data[r.pos : r.pos+n]
	r.pos += n
	return out, nil
}

func (r *Reader) Byte() (byte, error) {
	b, err := r.Read(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *Reader) Uint32() (uint32, error) {
	b, err := r.Read(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *Reader) Int32() (int32, error) {
	v, err := r.Uint32()
	return int32(v), err
}

func (r *Reader) Uint64() (uint64, error) {
	b, err := r.Read(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// Align skips padding up to the next multiple of unit.
func (r *Reader) Align(unit int) error {
	return r.Seek(alignUp(r.pos, unit))
}
