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
	"github.com/pkg/errors"

	"github.com/weaviate/codearchive/adapters/repos/codecache/archiveindex"
	"github.com/weaviate/codearchive/adapters/repos/codecache/arena"
)

// storeEntry appends a new entry to the store buffer. write produces the
// entry contents, fill completes the record. A routine that cannot be
// written is rewound; running out of space fails the whole archive.
func (s *Session) storeEntry(kind archiveindex.Kind, id uint32, name string,
	write func(w *entryWriter) error, fill func(rec *archiveindex.Entry),
) (*Entry, error) {
	if !s.enter() {
		return nil, ErrUnavailable
	}
	defer s.leave()

	if !s.forWrite {
		return nil, errors.Wrap(ErrUnavailable, "archive not open for write")
	}
	if s.failed.Load() {
		return nil, ErrArchiveFailed
	}

	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	mark := s.buf.Pos()
	rec, err := s.writeEntry(kind, id, name, write)
	if err == nil {
		var handle arena.Handle
		if handle, err = s.buf.AllocTail(archiveindex.EntrySize); err == nil {
			fill(&rec)
			rec.Marshal(s.buf.Bytes(handle))
		}
	}
	if err != nil {
		s.metrics.ArchiveStore(kind.String(), false)
		if s.buf.Failed() {
			s.fail(err)
			return nil, errors.Wrap(ErrArchiveFailed, err.Error())
		}
		if rerr := s.buf.Rewind(mark); rerr != nil {
			s.fail(rerr)
			return nil, errors.Wrap(ErrArchiveFailed, rerr.Error())
		}
		s.logger.WithField("action", "codecache_store").
			WithField("kind", kind.String()).
			WithField("id", id).
			WithField("name", name).
			WithError(err).
			Debug("routine not archived")
		return nil, err
	}

	data, err := s.buf.Slice(int(rec.Offset), int(rec.Offset+rec.Size))
	if err != nil {
		s.fail(err)
		return nil, errors.Wrap(ErrArchiveFailed, err.Error())
	}

	s.entriesLock.Lock()
	e := newEntry(s, rec, data, len(s.entries), false)
	s.entries = append(s.entries, e)
	s.entriesLock.Unlock()

	s.stats.stored.Add(1)
	s.metrics.ArchiveStore(kind.String(), true)
	s.metrics.ArchiveBufferSize("store", s.buf.Cap()-s.buf.Free())
	return e, nil
}

func (s *Session) writeEntry(kind archiveindex.Kind, id uint32, name string,
	write func(w *entryWriter) error,
) (archiveindex.Entry, error) {
	w, err := newEntryWriter(s.buf, kind, id)
	if err != nil {
		return archiveindex.Entry{}, err
	}
	if err := w.name(name); err != nil {
		return archiveindex.Entry{}, err
	}
	if err := write(w); err != nil {
		return archiveindex.Entry{}, err
	}
	return w.finish(), nil
}
