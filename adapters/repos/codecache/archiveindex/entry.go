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
	"io"

	"github.com/pkg/errors"
)

// EntrySize is the on-disk size of an Entry record.
const EntrySize = 64

// NoMethodOffset marks an entry without a shared method descriptor.
const NoMethodOffset = 0

// Entry is the fixed-size descriptor of one archived routine. The name, code
// and relocation offsets are relative to Offset, so moving an entry into a
// new buffer only rewrites Offset.
type Entry struct {
	Offset       uint32
	Size         uint32
	NameOffset   uint32
	NameSize     uint32
	CodeOffset   uint32
	CodeSize     uint32
	RelocOffset  uint32
	RelocSize    uint32
	Kind         Kind
	CompLevel    uint8
	Flags        EntryFlags
	ID           uint32
	Decompile    uint32
	CompileID    uint32
	EntryBCI     int32
	MethodOffset uint64
}

func (e *Entry) Marshal(dst []byte) {
	_ = dst[EntrySize-1]
	binary.LittleEndian.PutUint32(dst[0:4], e.Offset)
	binary.LittleEndian.PutUint32(dst[4:8], e.Size)
	binary.LittleEndian.PutUint32(dst[8:12], e.NameOffset)
	binary.LittleEndian.PutUint32(dst[12:16], e.NameSize)
	binary.LittleEndian.PutUint32(dst[16:20], e.CodeOffset)
	binary.LittleEndian.PutUint32(dst[20:24], e.CodeSize)
	binary.LittleEndian.PutUint32(dst[24:28], e.RelocOffset)
	binary.LittleEndian.PutUint32(dst[28:32], e.RelocSize)
	dst[32] = byte(e.Kind)
	dst[33] = e.CompLevel
	binary.LittleEndian.PutUint16(dst[34:36], uint16(e.Flags))
	binary.LittleEndian.PutUint32(dst[36:40], e.ID)
	binary.LittleEndian.PutUint32(dst[40:44], e.Decompile)
	binary.LittleEndian.PutUint32(dst[44:48], e.CompileID)
	binary.LittleEndian.PutUint32(dst[48:52], uint32(e.EntryBCI))
	binary.LittleEndian.PutUint32(dst[52:56], 0)
	binary.LittleEndian.PutUint64(dst[56:64], e.MethodOffset)
}

func (e *Entry) WriteTo(w io.Writer) (int64, error) {
	var buf [EntrySize]byte
	e.Marshal(buf[:])
	n, err := w.Write(buf[:])
	return int64(n), err
}

func ParseEntry(src []byte) (Entry, error) {
	if len(src) < EntrySize {
		return Entry{}, errors.Errorf("entry record needs %d bytes, got %d",
			EntrySize, len(src))
	}

	e := Entry{
		Offset:       binary.LittleEndian.Uint32(src[0:4]),
		Size:         binary.LittleEndian.Uint32(src[4:8]),
		NameOffset:   binary.LittleEndian.Uint32(src[8:12]),
		NameSize:     binary.LittleEndian.Uint32(src[12:16]),
		CodeOffset:   binary.LittleEndian.Uint32(src[16:20]),
		CodeSize:     binary.LittleEndian.Uint32(src[20:24]),
		RelocOffset:  binary.LittleEndian.Uint32(src[24:28]),
		RelocSize:    binary.LittleEndian.Uint32(src[28:32]),
		Kind:         Kind(src[32]),
		CompLevel:    src[33],
		Flags:        EntryFlags(binary.LittleEndian.Uint16(src[34:36])),
		ID:           binary.LittleEndian.Uint32(src[36:40]),
		Decompile:    binary.LittleEndian.Uint32(src[40:44]),
		CompileID:    binary.LittleEndian.Uint32(src[44:48]),
		EntryBCI:     int32(binary.LittleEndian.Uint32(src[48:52])),
		MethodOffset: binary.LittleEndian.Uint64(src[56:64]),
	}
	if err := CheckKind(e.Kind); err != nil {
		return Entry{}, err
	}
	if !within(e.NameOffset, e.NameSize, e.Size) || !within(e.CodeOffset, e.CodeSize, e.Size) ||
		!within(e.RelocOffset, e.RelocSize, e.Size) {
		return Entry{}, errors.Errorf("entry %s/%d: section outside of entry of size %d",
			e.Kind, e.ID, e.Size)
	}
	return e, nil
}

// Name returns the section holding the entry's name.
func (e *Entry) Name(entry []byte) []byte {
	return entry[e.NameOffset : e.NameOffset+e.NameSize]
}

func (e *Entry) Code(entry []byte) []byte {
	return entry[e.CodeOffset : e.CodeOffset+e.CodeSize]
}

func (e *Entry) Relocations(entry []byte) []byte {
	return entry[e.RelocOffset : e.RelocOffset+e.RelocSize]
}

func within(offset, size, limit uint32) bool {
	return uint64(offset)+uint64(size) <= uint64(limit)
}
