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
	"bytes"
	"time"

	"github.com/pkg/errors"

	"github.com/weaviate/codearchive/adapters/repos/codecache/archiveindex"
	"github.com/weaviate/codearchive/entities/compiledcode"
)

// StoreRequest carries a freshly compiled method and everything recorded
// alongside its code.
type StoreRequest struct {
	Method    compiledcode.Method
	CompileID int
	EntryBCI  int
	Buffer    *compiledcode.CodeBuffer

	DebugInfo    []byte
	Dependencies []byte
	OopMaps      []compiledcode.OopMap
	Handlers     []compiledcode.ExceptionHandler
	NullChecks   []compiledcode.ImplicitNullCheck
	CodeOffsets  map[string]int

	OrigPCOffset   int
	FrameSize      int
	CompLevel      int
	DecompileCount int
	Flags          compiledcode.Flags

	HasClinitBarriers bool
	ForPreload        bool
}

// LoadRequest asks for archived code of a method.
type LoadRequest struct {
	Method         compiledcode.Method
	EntryBCI       int
	Compiler       string
	CompLevel      int
	DecompileCount int
}

// StoreMethod archives a compiled method. On-stack-replacement compilations
// are not archived.
func (s *Session) StoreMethod(req StoreRequest) (*Entry, error) {
	if req.EntryBCI != compiledcode.InvocationEntryBCI {
		return nil, errors.Wrapf(ErrNotEligible, "osr compilation at bci %d", req.EntryBCI)
	}
	if req.Buffer == nil {
		return nil, errors.New("store method: no code buffer")
	}
	if req.CompLevel < 0 || req.CompLevel > 0xff || req.DecompileCount < 0 {
		return nil, errors.Errorf("store method: invalid level %d or decompile count %d",
			req.CompLevel, req.DecompileCount)
	}

	name := req.Method.FullName()
	methodOffset, _ := s.resolver.SharedOffset(req.Method.Value())

	e, err := s.storeEntry(archiveindex.KindCode, EntryID(req.Method), name,
		func(w *entryWriter) error {
			if err := w.code(func() error { return s.writeMethodCode(w, &req) }); err != nil {
				return err
			}
			return w.relocations(func() error { return s.writeRelocations(w, req.Buffer) })
		},
		func(rec *archiveindex.Entry) {
			rec.CompLevel = uint8(req.CompLevel)
			rec.Decompile = uint32(req.DecompileCount)
			rec.CompileID = uint32(req.CompileID)
			rec.EntryBCI = int32(req.EntryBCI)
			rec.MethodOffset = methodOffset
			if req.HasClinitBarriers {
				rec.Flags |= archiveindex.FlagHasClinitBarriers
			}
			if req.ForPreload {
				rec.Flags |= archiveindex.FlagForPreload
			}
		})
	if err != nil {
		return nil, err
	}

	s.linkSuccessor(e)
	s.logger.WithField("action", "codecache_store").
		WithField("kind", e.Kind().String()).
		WithField("id", e.ID()).
		WithField("name", name).
		WithField("level", req.CompLevel).
		WithField("decompile", req.DecompileCount).
		WithField("size", e.Size()).
		Debug("archived method")
	return e, nil
}

// LoadMethod looks up archived code for the requested method and installs
// it into the code store. It reports false when the caller has to compile
// the method itself.
func (s *Session) LoadMethod(req LoadRequest) (*compiledcode.Routine, bool) {
	if !s.enter() {
		return nil, false
	}
	defer s.leave()

	if req.EntryBCI != compiledcode.InvocationEntryBCI {
		s.stats.misses.Add(1)
		return nil, false
	}

	e := s.findEntry(archiveindex.KindCode, EntryID(req.Method), req.CompLevel, req.DecompileCount)
	s.metrics.ArchiveLookup(archiveindex.KindCode.String(), e != nil)
	if e == nil {
		s.stats.misses.Add(1)
		return nil, false
	}
	s.stats.hits.Add(1)

	r, err := s.loadMethodEntry(e, req.Method, false)
	if err != nil {
		return nil, false
	}
	return r, true
}

// loadMethodEntry relocates e for method m. Entries that turn out not to
// belong to m or cannot be decoded are flagged and never tried again;
// unresolved references only fail this attempt.
func (s *Session) loadMethodEntry(e *Entry, m compiledcode.Method, preload bool,
) (*compiledcode.Routine, error) {
	start := time.Now()
	r, err := s.decodeMethod(e, m)
	if err == nil {
		r.Preloaded = preload
		if err = s.store.Install(r); err != nil {
			s.releaseSections(r.Sections)
			err = errors.Wrap(err, "install")
		}
	}
	s.metrics.ArchiveLoad(e.Kind().String(), err == nil, time.Since(start))

	logger := s.logger.WithField("action", "codecache_load").
		WithField("kind", e.Kind().String()).
		WithField("id", e.ID()).
		WithField("name", e.Name()).
		WithField("level", e.CompLevel()).
		WithField("decompile", e.Decompile())
	if err != nil {
		if !errors.Is(err, ErrLookupFailed) && e.setFlag(archiveindex.FlagLoadFailed) {
			s.stats.loadFailed.Add(1)
		}
		logger.WithError(err).Debug("archived method not loaded")
		return nil, err
	}

	if preload {
		e.setFlag(archiveindex.FlagPreloaded)
	}
	s.stats.loaded.Add(1)
	logger.WithField("preload", preload).Debug("loaded archived method")
	return r, nil
}

func (s *Session) decodeMethod(e *Entry, m compiledcode.Method) (*compiledcode.Routine, error) {
	if e.Name() != m.FullName() {
		return nil, errors.Errorf("entry holds %q, expected %q", e.Name(), m.FullName())
	}
	if off := e.MethodOffset(); off != archiveindex.NoMethodOffset {
		if cur, ok := s.resolver.SharedOffset(m.Value()); !ok || cur != off {
			return nil, errors.Errorf("entry method offset %#x does not match %#x", off, cur)
		}
	}

	ar, err := readMethodCode(e.code())
	if err != nil {
		return nil, errors.Wrap(err, "decode code")
	}
	if err := readRelocations(e.relocations(), ar.sections); err != nil {
		return nil, errors.Wrap(err, "decode relocations")
	}

	objects, err := s.refs.resolveAll(ar.objects)
	if err != nil {
		return nil, errors.Wrap(err, "object table")
	}
	metadata, err := s.refs.resolveAll(ar.metadata)
	if err != nil {
		return nil, errors.Wrap(err, "metadata table")
	}

	sections, err := s.relocate(e.Name(), ar, objects, metadata)
	if err != nil {
		return nil, err
	}

	method := m
	return &compiledcode.Routine{
		Kind:         compiledcode.RoutineMethod,
		Name:         e.Name(),
		Method:       &method,
		CompileID:    e.CompileID(),
		EntryBCI:     int(e.rec.EntryBCI),
		CompLevel:    e.CompLevel(),
		Sections:     sections,
		Objects:      objects,
		Metadata:     metadata,
		DebugInfo:    bytes.Clone(ar.debugInfo),
		Dependencies: bytes.Clone(ar.dependencies),
		OopMaps:      ar.oopMaps,
		Handlers:     ar.handlers,
		NullChecks:   ar.nullChecks,
		CodeOffsets:  ar.codeOffsets,
		OrigPCOffset: int(ar.origPCOffset),
		FrameSize:    int(ar.frameSize),
		Flags:        ar.flags,
	}, nil
}
