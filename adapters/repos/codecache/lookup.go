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
	"github.com/weaviate/codearchive/adapters/repos/codecache/archiveindex"
)

// FindEntry returns the usable entry for (kind, id). Code entries must also
// match the compilation level and decompile count and must be entrant and
// free of class initialization barriers. Entries stored in this session are
// searched first, newest first, so a recompiled routine shadows the archived
// one it replaces. Entries stored in this session can be found even if
// nothing was loaded.
func (s *Session) FindEntry(kind archiveindex.Kind, id uint32, level, decompile int) *Entry {
	if !s.enter() {
		return nil
	}
	defer s.leave()

	e := s.findEntry(kind, id, level, decompile)
	s.metrics.ArchiveLookup(kind.String(), e != nil)
	return e
}

func (s *Session) findEntry(kind archiveindex.Kind, id uint32, level, decompile int) *Entry {
	match := func(e *Entry) bool {
		if e.Kind() != kind || e.ID() != id || e.NotEntrant() || e.LoadFailed() {
			return false
		}
		if kind != archiveindex.KindCode {
			return true
		}
		return e.CompLevel() == level && e.Decompile() == decompile && !e.HasClinitBarriers()
	}

	s.entriesLock.RLock()
	defer s.entriesLock.RUnlock()

	for i := len(s.entries) - 1; i >= s.loadedCount; i-- {
		if e := s.entries[i]; match(e) {
			return e
		}
	}
	lo, hi := s.search.Find(id)
	for i := lo; i < hi; i++ {
		if e := s.entries[s.search[i].Index]; match(e) {
			return e
		}
	}
	return nil
}

// variants returns every entry with the given kind and id, loaded ones
// first. The caller holds entriesLock.
func (s *Session) variants(kind archiveindex.Kind, id uint32) []*Entry {
	var out []*Entry
	lo, hi := s.search.Find(id)
	for i := lo; i < hi; i++ {
		if e := s.entries[s.search[i].Index]; e.Kind() == kind {
			out = append(out, e)
		}
	}
	for _, e := range s.entries[s.loadedCount:] {
		if e.Kind() == kind && e.ID() == id {
			out = append(out, e)
		}
	}
	return out
}
