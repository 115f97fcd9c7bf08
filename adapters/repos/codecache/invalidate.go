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

// Invalidate marks e not entrant together with every entry recorded as its
// successor. It never removes data; invalidated entries are left out when
// the archive is written. Invalidating twice is a no-op. The number of
// entries newly marked is returned.
func (s *Session) Invalidate(e *Entry) int {
	if e == nil || e.session != s {
		return 0
	}

	count := 0
	pending := []*Entry{e}
	for len(pending) > 0 {
		cur := pending[len(pending)-1]
		pending = pending[:len(pending)-1]
		if !cur.setFlag(archiveindex.FlagNotEntrant) {
			continue
		}
		count++

		s.entriesLock.RLock()
		for _, slot := range s.successors[cur.slot] {
			pending = append(pending, s.entries[slot])
		}
		s.entriesLock.RUnlock()
	}

	if count > 0 {
		s.stats.invalidated.Add(int64(count))
		s.metrics.ArchiveInvalidate(count)
		s.logger.WithField("action", "codecache_invalidate").
			WithField("kind", e.Kind().String()).
			WithField("id", e.ID()).
			WithField("level", e.CompLevel()).
			WithField("decompile", e.Decompile()).
			WithField("count", count).
			Debug("invalidated archived code")
	}
	return count
}

// linkSuccessor records e as successor of the entrant variants it
// replaces: a method stored with class initialization barriers follows the
// entry without barriers at the same level.
func (s *Session) linkSuccessor(e *Entry) {
	if e.Kind() != archiveindex.KindCode || !e.HasClinitBarriers() {
		return
	}

	s.entriesLock.Lock()
	defer s.entriesLock.Unlock()
	for _, prev := range s.variants(e.Kind(), e.ID()) {
		if prev == e || prev.CompLevel() != e.CompLevel() || prev.NotEntrant() ||
			prev.HasClinitBarriers() {
			continue
		}
		s.successors[prev.slot] = append(s.successors[prev.slot], e.slot)
	}
}

// Successors returns the entries invalidated together with e.
func (s *Session) Successors(e *Entry) []*Entry {
	s.entriesLock.RLock()
	defer s.entriesLock.RUnlock()

	var out []*Entry
	for _, slot := range s.successors[e.slot] {
		out = append(out, s.entries[slot])
	}
	return out
}
