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
	"os"

	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"

	"github.com/weaviate/codearchive/adapters/repos/codecache/archiveindex"
)

// openForRead maps the archive file and builds the live entries from it.
// On error nothing stays mapped.
func (s *Session) openForRead() (err error) {
	f, err := os.Open(s.cfg.Path)
	if err != nil {
		return errors.Wrap(err, "open archive")
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return errors.Wrap(err, "stat archive")
	}
	if info.Size() < archiveindex.HeaderSize {
		return errors.Wrapf(ErrMismatch, "archive of %d bytes has no header", info.Size())
	}

	contents, err := mmap.MapRegion(f, int(info.Size()), mmap.RDONLY, 0, 0)
	if err != nil {
		return errors.Wrap(err, "mmap archive")
	}
	defer func() {
		if err != nil {
			_ = contents.Unmap()
		}
	}()

	header, err := archiveindex.ParseHeader(contents)
	if err != nil {
		return err
	}
	if s.cfg.Verify {
		if err := archiveindex.VerifyChecksum(header, contents); err != nil {
			return err
		}
	}
	if header.SharedRelative() && !s.resolver.SharedRegionActive() {
		return errors.Wrap(ErrMismatch, "archive refers to the shared metadata region which is not mapped")
	}

	search, err := archiveindex.UnmarshalSearchIndex(
		contents[header.SearchOffset:], int(header.EntriesCount))
	if err != nil {
		return errors.Wrap(ErrMismatch, err.Error())
	}
	preload, err := archiveindex.UnmarshalPreloadIndex(
		contents[header.PreloadOffset:], int(header.PreloadCount), int(header.EntriesCount))
	if err != nil {
		return errors.Wrap(ErrMismatch, err.Error())
	}

	entries := make([]*Entry, header.EntriesCount)
	for i := range entries {
		pos := int(header.EntriesOffset) + i*archiveindex.EntrySize
		rec, err := archiveindex.ParseEntry(contents[pos:])
		if err != nil {
			return errors.Wrapf(ErrMismatch, "entry %d: %v", i, err)
		}
		end := uint64(rec.Offset) + uint64(rec.Size)
		if rec.Offset < header.EntriesOffset || end > uint64(header.StringsOffset) {
			return errors.Wrapf(ErrMismatch, "entry %d at %d (+%d) outside of the payload",
				i, rec.Offset, rec.Size)
		}
		entries[i] = newEntry(s, rec, contents[rec.Offset:end], i, true)
	}

	if err := s.strings.Load(contents[header.StringsOffset:], s.store.PlaceData); err != nil {
		return errors.Wrap(err, "load strings")
	}

	s.load = contents
	s.header = header
	s.search = search
	s.preload = preload
	s.entries = entries
	s.loadedCount = len(entries)
	s.metrics.ArchiveBufferSize("load", len(contents))
	return nil
}
