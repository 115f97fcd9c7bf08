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

package codecache

import (
	"sync/atomic"

	"github.com/spaolacci/murmur3"

	"github.com/weaviate/codearchive/adapters/repos/codecache/archiveindex"
	"github.com/weaviate/codearchive/entities/compiledcode"
)

// ExceptionBlobID is the entry id of the exception blob.
const ExceptionBlobID uint32 = 1

const exceptionBlobName = "exception_blob"

// EntryID is the id a compiled method is archived under.
func EntryID(m compiledcode.Method) uint32 {
	return murmur3.Sum32([]byte(m.FullName()))
}

// Entry is a live handle on an archived routine. Its record is fixed once
// written; only the not entrant, preloaded and load failed flags change.
type Entry struct {
	session *Session
	rec     archiveindex.Entry
	name    string
	data    []byte
	slot    int
	loaded  bool
	flags   atomic.Uint32
}

func newEntry(s *Session, rec archiveindex.Entry, data []byte, slot int, loaded bool) *Entry {
	e := &Entry{
		session: s,
		rec:     rec,
		name:    string(rec.Name(data)),
		data:    data,
		slot:    slot,
		loaded:  loaded,
	}
	e.flags.Store(uint32(rec.Flags))
	return e
}

func (e *Entry) Kind() archiveindex.Kind { return e.rec.Kind }

func (e *Entry) ID() uint32 { return e.rec.ID }

func (e *Entry) Name() string { return e.name }

func (e *Entry) CompLevel() int { return int(e.rec.CompLevel) }

func (e *Entry) Decompile() int { return int(e.rec.Decompile) }

func (e *Entry) CompileID() int { return int(e.rec.CompileID) }

func (e *Entry) MethodOffset() uint64 { return e.rec.MethodOffset }

// Size is the number of bytes the entry occupies in its buffer.
func (e *Entry) Size() int { return int(e.rec.Size) }

// Loaded reports whether the entry was read from the archive file rather
// than stored during this session.
func (e *Entry) Loaded() bool { return e.loaded }

func (e *Entry) Flags() archiveindex.EntryFlags {
	return archiveindex.EntryFlags(e.flags.Load())
}

func (e *Entry) NotEntrant() bool { return e.Flags().Has(archiveindex.FlagNotEntrant) }

func (e *Entry) ForPreload() bool { return e.Flags().Has(archiveindex.FlagForPreload) }

func (e *Entry) Preloaded() bool { return e.Flags().Has(archiveindex.FlagPreloaded) }

func (e *Entry) HasClinitBarriers() bool {
	return e.Flags().Has(archiveindex.FlagHasClinitBarriers)
}

func (e *Entry) LoadFailed() bool { return e.Flags().Has(archiveindex.FlagLoadFailed) }

// setFlag sets f and reports whether this call changed it.
func (e *Entry) setFlag(f archiveindex.EntryFlags) bool {
	for {
		old := e.flags.Load()
		if archiveindex.EntryFlags(old).Has(f) {
			return false
		}
		if e.flags.CompareAndSwap(old, old|uint32(f)) {
			return true
		}
	}
}

// sameKey reports whether o describes the same routine variant.
func (e *Entry) sameKey(o *Entry) bool {
	return e.rec.Kind == o.rec.Kind && e.rec.ID == o.rec.ID &&
		e.rec.CompLevel == o.rec.CompLevel && e.rec.Decompile == o.rec.Decompile &&
		e.HasClinitBarriers() == o.HasClinitBarriers()
}

func (e *Entry) code() []byte {
	return e.rec.Code(e.data)
}

func (e *Entry) relocations() []byte {
	return e.rec.Relocations(e.data)
}

// record returns the on-disk record with the current flags. Flags that only
// describe this process are dropped.
func (e *Entry) record() archiveindex.Entry {
	rec := e.rec
	rec.Flags = e.Flags() &^ (archiveindex.FlagPreloaded | archiveindex.FlagLoadFailed)
	return rec
}
