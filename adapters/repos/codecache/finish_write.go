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
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/weaviate/codearchive/adapters/repos/codecache/archiveindex"
	"github.com/weaviate/codearchive/adapters/repos/codecache/arena"
)

// archiveLayout is the position of every part of a new archive file.
type archiveLayout struct {
	entries       []*Entry
	preload       []uint32
	strings       []byte
	searchOffset  int
	entriesOffset int
	payload       []int
	preloadOffset int
	stringsOffset int
	size          int
}

// finishWrite writes the surviving entries to the archive file. The caller
// holds writeLock and no readers are left.
func (s *Session) finishWrite() error {
	if len(s.entries) == s.loadedCount && s.stats.invalidated.Load() == 0 {
		s.logger.WithField("action", "codecache_finish_write").
			Debug("nothing new to archive")
		return nil
	}

	layout, skipped := s.layoutArchive()
	if err := layout.checkSize(); err != nil {
		return err
	}
	data, err := s.renderArchive(layout)
	if err != nil {
		return errors.Wrap(err, "render archive")
	}
	if err := writeArchiveFile(s.cfg.Path, data); err != nil {
		return err
	}

	s.metrics.ArchiveBufferSize("store", len(data))
	s.logger.WithField("action", "codecache_finish_write").
		WithField("entries", len(layout.entries)).
		WithField("preload", len(layout.preload)).
		WithField("strings", s.strings.Count()).
		WithField("skipped_not_entrant", skipped).
		WithField("size", len(data)).
		Info("code archive written")
	return nil
}

// layoutArchive selects the entries to keep. New entries come first, newest
// first, followed by loaded entries no new entry replaces. Not entrant and
// failed entries are dropped.
func (s *Session) layoutArchive() (*archiveLayout, int) {
	s.entriesLock.RLock()
	defer s.entriesLock.RUnlock()

	var (
		kept    []*Entry
		skipped int
	)
	usable := func(e *Entry) bool {
		if e.NotEntrant() {
			skipped++
			return false
		}
		return !e.LoadFailed()
	}
	for i := len(s.entries) - 1; i >= s.loadedCount; i-- {
		if e := s.entries[i]; usable(e) {
			kept = append(kept, e)
		}
	}
	stored := len(kept)
	for _, e := range s.entries[:s.loadedCount] {
		if !usable(e) {
			continue
		}
		superseded := false
		for _, n := range kept[:stored] {
			if n.sameKey(e) {
				superseded = true
				break
			}
		}
		if !superseded {
			kept = append(kept, e)
		}
	}

	l := &archiveLayout{entries: kept, strings: s.strings.Marshal()}
	pos := archiveindex.HeaderSize
	l.searchOffset = pos
	pos = arena.AlignUp(pos + len(kept)*archiveindex.SearchPairSize)
	l.entriesOffset = pos
	pos += len(kept) * archiveindex.EntrySize
	l.payload = make([]int, len(kept))
	for i, e := range kept {
		pos = arena.AlignUp(pos)
		l.payload[i] = pos
		pos += len(e.data)
		if e.ForPreload() {
			l.preload = append(l.preload, uint32(i))
		}
	}
	l.preloadOffset = arena.AlignUp(pos)
	pos = l.preloadOffset + 4*len(l.preload)
	l.stringsOffset = arena.AlignUp(pos)
	l.size = l.stringsOffset + len(l.strings)
	return l, skipped
}

func (l *archiveLayout) checkSize() error {
	if int64(l.size) > archiveindex.MaxArchiveSize {
		return errors.Errorf("archive of %d bytes exceeds the %d bytes 32 bit offsets can address",
			l.size, int64(archiveindex.MaxArchiveSize))
	}
	return nil
}

func (s *Session) renderArchive(l *archiveLayout) ([]byte, error) {
	a := arena.New(arena.AlignUp(l.size), arena.DataAlignment)
	fill := func(to int, parts ...[]byte) error {
		if _, err := a.Write(make([]byte, to-a.Pos())); err != nil {
			return err
		}
		for _, p := range parts {
			if _, err := a.Write(p); err != nil {
				return err
			}
		}
		return nil
	}

	search := make(archiveindex.SearchIndex, len(l.entries))
	records := make([]byte, len(l.entries)*archiveindex.EntrySize)
	for i, e := range l.entries {
		search[i] = archiveindex.SearchPair{ID: e.ID(), Index: uint32(i)}
		rec := e.record()
		rec.Offset = uint32(l.payload[i])
		rec.Marshal(records[i*archiveindex.EntrySize:])
	}
	search.Sort()
	searchBytes := make([]byte, search.Size())
	search.Marshal(searchBytes)

	if err := fill(l.searchOffset, searchBytes); err != nil {
		return nil, err
	}
	if err := fill(l.entriesOffset, records); err != nil {
		return nil, err
	}
	for i, e := range l.entries {
		if err := fill(l.payload[i], e.data); err != nil {
			return nil, err
		}
	}
	preload := make([]byte, 4*len(l.preload))
	archiveindex.MarshalPreloadIndex(preload, l.preload)
	if err := fill(l.preloadOffset, preload); err != nil {
		return nil, err
	}
	if err := fill(l.stringsOffset, l.strings); err != nil {
		return nil, err
	}

	data := a.Payload()
	h := archiveindex.Header{
		Version:       archiveindex.Version,
		Size:          uint64(len(data)),
		EntriesCount:  uint32(len(l.entries)),
		SearchOffset:  uint32(l.searchOffset),
		EntriesOffset: uint32(l.entriesOffset),
		PreloadCount:  uint32(len(l.preload)),
		PreloadOffset: uint32(l.preloadOffset),
		StringsCount:  uint32(s.strings.Count()),
		StringsOffset: uint32(l.stringsOffset),
	}
	if s.resolver.SharedRegionActive() {
		h.Flags |= archiveindex.HeaderFlagSharedRelative
	}
	h.Checksum = archiveindex.Checksum(data)
	h.Marshal(data)
	return data, nil
}

// writeArchiveFile replaces the file at path with data. Concurrent writers
// of the same path are serialized through a lock file.
func writeArchiveFile(path string, data []byte) (err error) {
	tmp := fmt.Sprintf("%s.%s.tmp", path, uuid.New().String())
	defer func() {
		if err != nil {
			os.Remove(tmp)
		}
	}()

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "create directory %q", dir)
		}
	}

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrap(err, "create temporary archive")
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return errors.Wrap(err, "write temporary archive")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.Wrap(err, "sync temporary archive")
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "close temporary archive")
	}

	unlock, err := lockPath(path + ".lock")
	if err != nil {
		return errors.Wrap(err, "lock archive")
	}
	defer unlock()

	return errors.Wrap(os.Rename(tmp, path), "replace archive")
}
