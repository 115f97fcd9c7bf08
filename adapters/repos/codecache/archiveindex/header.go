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

package archiveindex

import (
	"encoding/binary"
	"hash/crc32"
	"math"

	"github.com/pkg/errors"
)

const (
	HeaderSize = 64
	Magic      = 0x43414843
	Version    = 1

	// MaxArchiveSize bounds a whole archive; offsets are 32 bits wide.
	MaxArchiveSize = math.MaxUint32
)

// HeaderFlagSharedRelative is set when entries refer to the shared class
// region by offset and can only be used while that region is mapped.
const HeaderFlagSharedRelative uint32 = 1 << 0

var ErrMismatch = errors.New("archive format mismatch")

// Header is the first record of an archive file. All offsets are absolute
// file positions.
type Header struct {
	Version       uint32
	Flags         uint32
	Checksum      uint32
	Size          uint64
	EntriesCount  uint32
	SearchOffset  uint32
	EntriesOffset uint32
	PreloadCount  uint32
	PreloadOffset uint32
	StringsCount  uint32
	StringsOffset uint32
}

func (h *Header) Marshal(dst []byte) {
	_ = dst[HeaderSize-1]
	binary.LittleEndian.PutUint32(dst[0:4], Magic)
	binary.LittleEndian.PutUint32(dst[4:8], h.Version)
	binary.LittleEndian.PutUint32(dst[8:12], h.Flags)
	binary.LittleEndian.PutUint32(dst[12:16], h.Checksum)
	binary.LittleEndian.PutUint64(dst[16:24], h.Size)
	binary.LittleEndian.PutUint32(dst[24:28], h.EntriesCount)
	binary.LittleEndian.PutUint32(dst[28:32], h.SearchOffset)
	binary.LittleEndian.PutUint32(dst[32:36], h.EntriesOffset)
	binary.LittleEndian.PutUint32(dst[36:40], h.PreloadCount)
	binary.LittleEndian.PutUint32(dst[40:44], h.PreloadOffset)
	binary.LittleEndian.PutUint32(dst[44:48], h.StringsCount)
	binary.LittleEndian.PutUint32(dst[48:52], h.StringsOffset)
	clear(dst[52:HeaderSize])
}

func (h *Header) SharedRelative() bool {
	return h.Flags&HeaderFlagSharedRelative != 0
}

// ParseHeader reads the header at the start of data and checks that it
// describes a file of exactly len(data) bytes.
func ParseHeader(data []byte) (*Header, error) {
	if len(data) < HeaderSize {
		return nil, errors.Wrapf(ErrMismatch, "file of %d bytes is too small", len(data))
	}
	if magic := binary.LittleEndian.Uint32(data[0:4]); magic != Magic {
		return nil, errors.Wrapf(ErrMismatch, "bad magic %#x", magic)
	}

	h := &Header{
		Version:       binary.LittleEndian.Uint32(data[4:8]),
		Flags:         binary.LittleEndian.Uint32(data[8:12]),
		Checksum:      binary.LittleEndian.Uint32(data[12:16]),
		Size:          binary.LittleEndian.Uint64(data[16:24]),
		EntriesCount:  binary.LittleEndian.Uint32(data[24:28]),
		SearchOffset:  binary.LittleEndian.Uint32(data[28:32]),
		EntriesOffset: binary.LittleEndian.Uint32(data[32:36]),
		PreloadCount:  binary.LittleEndian.Uint32(data[36:40]),
		PreloadOffset: binary.LittleEndian.Uint32(data[40:44]),
		StringsCount:  binary.LittleEndian.Uint32(data[44:48]),
		StringsOffset: binary.LittleEndian.Uint32(data[48:52]),
	}

	if h.Version != Version {
		return nil, errors.Wrapf(ErrMismatch, "version %d, expected %d", h.Version, Version)
	}
	if h.Size != uint64(len(data)) {
		return nil, errors.Wrapf(ErrMismatch, "header size %d, file size %d", h.Size, len(data))
	}
	if err := h.checkBounds(); err != nil {
		return nil, errors.Wrap(ErrMismatch, err.Error())
	}
	return h, nil
}

func (h *Header) checkBounds() error {
	regions := []struct {
		name   string
		offset uint32
		size   uint64
	}{
		{"search index", h.SearchOffset, uint64(h.EntriesCount) * SearchPairSize},
		{"entries", h.EntriesOffset, uint64(h.EntriesCount) * EntrySize},
		{"preload index", h.PreloadOffset, uint64(h.PreloadCount) * 4},
		{"strings", h.StringsOffset, 0},
	}
	for _, r := range regions {
		if r.offset != 0 && r.offset < HeaderSize {
			return errors.Errorf("%s at %d overlaps header", r.name, r.offset)
		}
		if uint64(r.offset)+r.size > h.Size {
			return errors.Errorf("%s at %d (+%d) beyond size %d", r.name, r.offset, r.size, h.Size)
		}
	}
	return nil
}

// Checksum computes the CRC32 of everything after the header.
func Checksum(data []byte) uint32 {
	if len(data) <= HeaderSize {
		return crc32.ChecksumIEEE(nil)
	}
	return crc32.ChecksumIEEE(data[HeaderSize:])
}

// VerifyChecksum reports ErrMismatch when the body does not match the
// checksum recorded in h.
func VerifyChecksum(h *Header, data []byte) error {
	if sum := Checksum(data); sum != h.Checksum {
		return errors.Wrapf(ErrMismatch, "checksum %#x, header says %#x", sum, h.Checksum)
	}
	return nil
}
