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
	"time"

	"github.com/pkg/errors"

	"github.com/weaviate/codearchive/adapters/repos/codecache/archiveindex"
	"github.com/weaviate/codearchive/entities/compiledcode"
)

// StoreStub archives the raw code of a generated stub. Stubs carry no
// relocations; they must be position independent.
func (s *Session) StoreStub(name string, id uint32, code []byte) (*Entry, error) {
	if len(code) == 0 {
		return nil, errors.Errorf("store stub %q: no code", name)
	}
	return s.storeEntry(archiveindex.KindStub, id, name,
		func(w *entryWriter) error {
			return w.code(func() error { return w.section(code) })
		},
		func(*archiveindex.Entry) {})
}

// LoadStub copies the archived code of stub id into dst, which must be
// exactly as large as the archived code.
func (s *Session) LoadStub(name string, id uint32, dst []byte) error {
	if !s.enter() {
		return ErrUnavailable
	}
	defer s.leave()

	e := s.findEntry(archiveindex.KindStub, id, 0, 0)
	s.metrics.ArchiveLookup(archiveindex.KindStub.String(), e != nil)
	if e == nil {
		s.stats.misses.Add(1)
		return errors.Wrapf(ErrNotFound, "stub %q (%d)", name, id)
	}
	s.stats.hits.Add(1)

	start := time.Now()
	err := func() error {
		if e.Name() != name {
			return errors.Errorf("stub %d holds %q, expected %q", id, e.Name(), name)
		}
		code, err := newSectionReader(e.code()).next()
		if err != nil {
			return errors.Wrapf(err, "stub %q", name)
		}
		if len(code) != len(dst) {
			return errors.Errorf("stub %q: %d bytes archived, %d requested", name, len(code), len(dst))
		}
		copy(dst, code)
		return nil
	}()
	s.metrics.ArchiveLoad(archiveindex.KindStub.String(), err == nil, time.Since(start))
	if err != nil {
		if e.setFlag(archiveindex.FlagLoadFailed) {
			s.stats.loadFailed.Add(1)
		}
		return err
	}
	s.stats.loaded.Add(1)
	return nil
}

// StoreExceptionBlob archives the exception blob. pcOffset is the offset of
// the exception pc slot in its frame.
func (s *Session) StoreExceptionBlob(buf *compiledcode.CodeBuffer, pcOffset int) (*Entry, error) {
	if buf == nil {
		return nil, errors.New("store exception blob: no code buffer")
	}
	name := buf.Name
	if name == "" {
		name = exceptionBlobName
	}
	return s.storeEntry(archiveindex.KindBlob, ExceptionBlobID, name,
		func(w *entryWriter) error {
			if err := w.code(func() error { return writeBlobCode(w, buf, pcOffset) }); err != nil {
				return err
			}
			return w.relocations(func() error { return s.writeRelocations(w, buf) })
		},
		func(*archiveindex.Entry) {})
}

// LoadExceptionBlob relocates the archived exception blob into the code
// store.
func (s *Session) LoadExceptionBlob() (*compiledcode.Routine, error) {
	if !s.enter() {
		return nil, ErrUnavailable
	}
	defer s.leave()

	e := s.findEntry(archiveindex.KindBlob, ExceptionBlobID, 0, 0)
	s.metrics.ArchiveLookup(archiveindex.KindBlob.String(), e != nil)
	if e == nil {
		s.stats.misses.Add(1)
		return nil, errors.Wrap(ErrNotFound, "exception blob")
	}
	s.stats.hits.Add(1)

	start := time.Now()
	r, err := s.decodeBlob(e)
	if err == nil {
		if err = s.store.Install(r); err != nil {
			s.releaseSections(r.Sections)
			err = errors.Wrap(err, "install")
		}
	}
	s.metrics.ArchiveLoad(archiveindex.KindBlob.String(), err == nil, time.Since(start))
	if err != nil {
		if !errors.Is(err, ErrLookupFailed) && e.setFlag(archiveindex.FlagLoadFailed) {
			s.stats.loadFailed.Add(1)
		}
		s.logger.WithField("action", "codecache_load").
			WithField("kind", e.Kind().String()).
			WithField("name", e.Name()).
			WithError(err).
			Warn("archived exception blob not loaded")
		return nil, err
	}
	s.stats.loaded.Add(1)
	return r, nil
}

func (s *Session) decodeBlob(e *Entry) (*compiledcode.Routine, error) {
	ar, err := readBlobCode(e.code())
	if err != nil {
		return nil, errors.Wrap(err, "decode code")
	}
	if err := readRelocations(e.relocations(), ar.sections); err != nil {
		return nil, errors.Wrap(err, "decode relocations")
	}
	sections, err := s.relocate(e.Name(), ar, nil, nil)
	if err != nil {
		return nil, err
	}
	return &compiledcode.Routine{
		Kind:     compiledcode.RoutineBlob,
		Name:     e.Name(),
		Sections: sections,
		PCOffset: int(ar.pcOffset),
	}, nil
}
