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
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/weaviate/codearchive/adapters/repos/codecache/archiveindex"
	"github.com/weaviate/codearchive/adapters/repos/codecache/arena"
	"github.com/weaviate/codearchive/entities/compiledcode"
)

// sectionHeaderSize is index u32, origin u64 and size u32.
const sectionHeaderSize = 16

type archivedSection struct {
	index  int
	origin uint64
	code   []byte
	relocs []archivedReloc
}

// archivedRoutine is the decoded code area of a method or blob entry.
type archivedRoutine struct {
	flags        compiledcode.Flags
	origPCOffset int32
	frameSize    int32
	pcOffset     int32
	codeOffsets  map[string]int
	objects      []Reference
	metadata     []Reference
	debugInfo    []byte
	dependencies []byte
	oopMaps      []compiledcode.OopMap
	handlers     []compiledcode.ExceptionHandler
	nullChecks   []compiledcode.ImplicitNullCheck
	sections     []archivedSection
}

// entryWriter appends one entry to the store arena. Every part of an entry
// starts at an aligned position relative to the entry start.
type entryWriter struct {
	a     *arena.Arena
	start int
	rec   archiveindex.Entry
}

func newEntryWriter(a *arena.Arena, kind archiveindex.Kind, id uint32) (*entryWriter, error) {
	if err := a.Align(); err != nil {
		return nil, err
	}
	return &entryWriter{
		a:     a,
		start: a.Pos(),
		rec:   archiveindex.Entry{Kind: kind, ID: id},
	}, nil
}

func (w *entryWriter) rel() uint32 {
	return uint32(w.a.Pos() - w.start)
}

func (w *entryWriter) name(name string) error {
	w.rec.NameOffset = w.rel()
	if _, err := w.a.Write([]byte(name)); err != nil {
		return err
	}
	if err := w.a.WriteByte(0); err != nil {
		return err
	}
	w.rec.NameSize = uint32(len(name))
	return w.a.Align()
}

// code writes the code area produced by fn.
func (w *entryWriter) code(fn func() error) error {
	w.rec.CodeOffset = w.rel()
	if err := fn(); err != nil {
		return err
	}
	w.rec.CodeSize = w.rel() - w.rec.CodeOffset
	return nil
}

func (w *entryWriter) relocations(fn func() error) error {
	w.rec.RelocOffset = w.rel()
	if err := fn(); err != nil {
		return err
	}
	w.rec.RelocSize = w.rel() - w.rec.RelocOffset
	return nil
}

// section writes a length-prefixed, aligned block.
func (w *entryWriter) section(payload []byte) error {
	if err := w.a.PutUint32(uint32(len(payload))); err != nil {
		return err
	}
	if _, err := w.a.Write(payload); err != nil {
		return err
	}
	return w.a.Align()
}

func (w *entryWriter) uint32Section(v uint32) error {
	return w.section(binary.LittleEndian.AppendUint32(nil, v))
}

func (w *entryWriter) msgpackSection(v interface{}) error {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "encode section")
	}
	return w.section(b)
}

func (w *entryWriter) codeSections(sections []compiledcode.Section) error {
	if err := w.uint32Section(uint32(len(sections))); err != nil {
		return err
	}
	for i := range sections {
		s := &sections[i]
		payload := make([]byte, sectionHeaderSize, sectionHeaderSize+len(s.Code))
		binary.LittleEndian.PutUint32(payload[0:4], uint32(s.Index))
		binary.LittleEndian.PutUint64(payload[4:12], s.Origin)
		binary.LittleEndian.PutUint32(payload[12:16], uint32(len(s.Code)))
		payload = append(payload, s.Code...)
		if err := w.section(payload); err != nil {
			return err
		}
	}
	return nil
}

// finish completes the record once all parts are written.
func (w *entryWriter) finish() archiveindex.Entry {
	w.rec.Offset = uint32(w.start)
	w.rec.Size = w.rel()
	return w.rec
}

// sectionReader walks the length-prefixed blocks of a code or relocation
// area.
type sectionReader struct {
	r *arena.Reader
}

func newSectionReader(data []byte) *sectionReader {
	return &sectionReader{r: arena.NewReader(data)}
}

func (sr *sectionReader) next() ([]byte, error) {
	n, err := sr.r.Uint32()
	if err != nil {
		return nil, err
	}
	b, err := sr.r.Read(int(n))
	if err != nil {
		return nil, err
	}
	if err := sr.r.Align(arena.DataAlignment); err != nil {
		return nil, err
	}
	return b, nil
}

func (sr *sectionReader) uint32() (uint32, error) {
	b, err := sr.next()
	if err != nil {
		return 0, err
	}
	if len(b) != 4 {
		return 0, errors.Errorf("expected a 4 byte section, got %d bytes", len(b))
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (sr *sectionReader) msgpack(v interface{}) error {
	b, err := sr.next()
	if err != nil {
		return err
	}
	return errors.Wrap(msgpack.Unmarshal(b, v), "decode section")
}

func (sr *sectionReader) references() ([]Reference, error) {
	b, err := sr.next()
	if err != nil {
		return nil, err
	}
	return readReferences(arena.NewReader(b))
}

func (sr *sectionReader) codeSections() ([]archivedSection, error) {
	count, err := sr.uint32()
	if err != nil {
		return nil, err
	}
	if count > compiledcode.SectionCount {
		return nil, errors.Errorf("%d code sections", count)
	}
	out := make([]archivedSection, count)
	for i := range out {
		b, err := sr.next()
		if err != nil {
			return nil, err
		}
		if len(b) < sectionHeaderSize {
			return nil, errors.Errorf("code section %d header truncated", i)
		}
		size := int(binary.LittleEndian.Uint32(b[12:16]))
		if len(b) != sectionHeaderSize+size {
			return nil, errors.Errorf("code section %d: %d bytes, header says %d",
				i, len(b)-sectionHeaderSize, size)
		}
		out[i] = archivedSection{
			index:  int(binary.LittleEndian.Uint32(b[0:4])),
			origin: binary.LittleEndian.Uint64(b[4:12]),
			code:   b[sectionHeaderSize:],
		}
	}
	return out, nil
}

// writeMethodCode writes the code area of a compiled method.
func (s *Session) writeMethodCode(w *entryWriter, req *StoreRequest) error {
	if err := w.uint32Section(req.Flags.Word()); err != nil {
		return err
	}
	if err := w.uint32Section(uint32(int32(req.OrigPCOffset))); err != nil {
		return err
	}
	if err := w.uint32Section(uint32(int32(req.FrameSize))); err != nil {
		return err
	}
	if err := w.msgpackSection(req.CodeOffsets); err != nil {
		return err
	}

	objects, err := s.refs.encodeValues(nil, req.Buffer.Objects)
	if err != nil {
		return errors.Wrap(err, "object table")
	}
	if err := w.section(objects); err != nil {
		return err
	}
	metadata, err := s.refs.encodeValues(nil, req.Buffer.Metadata)
	if err != nil {
		return errors.Wrap(err, "metadata table")
	}
	if err := w.section(metadata); err != nil {
		return err
	}

	if err := w.section(req.DebugInfo); err != nil {
		return err
	}
	if err := w.section(req.Dependencies); err != nil {
		return err
	}
	if err := w.msgpackSection(req.OopMaps); err != nil {
		return err
	}
	if err := w.msgpackSection(req.Handlers); err != nil {
		return err
	}
	if err := w.msgpackSection(req.NullChecks); err != nil {
		return err
	}
	return w.codeSections(req.Buffer.Sections)
}

func readMethodCode(data []byte) (*archivedRoutine, error) {
	sr := newSectionReader(data)
	ar := &archivedRoutine{}

	flags, err := sr.uint32()
	if err != nil {
		return nil, errors.Wrap(err, "flags")
	}
	ar.flags = compiledcode.FlagsFromWord(flags)

	origPC, err := sr.uint32()
	if err != nil {
		return nil, errors.Wrap(err, "orig pc offset")
	}
	ar.origPCOffset = int32(origPC)
	frameSize, err := sr.uint32()
	if err != nil {
		return nil, errors.Wrap(err, "frame size")
	}
	ar.frameSize = int32(frameSize)

	if err := sr.msgpack(&ar.codeOffsets); err != nil {
		return nil, errors.Wrap(err, "code offsets")
	}
	if ar.objects, err = sr.references(); err != nil {
		return nil, errors.Wrap(err, "object table")
	}
	if ar.metadata, err = sr.references(); err != nil {
		return nil, errors.Wrap(err, "metadata table")
	}
	if ar.debugInfo, err = sr.next(); err != nil {
		return nil, errors.Wrap(err, "debug info")
	}
	if ar.dependencies, err = sr.next(); err != nil {
		return nil, errors.Wrap(err, "dependencies")
	}
	if err := sr.msgpack(&ar.oopMaps); err != nil {
		return nil, errors.Wrap(err, "oop maps")
	}
	if err := sr.msgpack(&ar.handlers); err != nil {
		return nil, errors.Wrap(err, "exception handlers")
	}
	if err := sr.msgpack(&ar.nullChecks); err != nil {
		return nil, errors.Wrap(err, "implicit null checks")
	}
	if ar.sections, err = sr.codeSections(); err != nil {
		return nil, errors.Wrap(err, "code sections")
	}
	return ar, nil
}

// writeBlobCode writes the code area of a blob. Blobs have no object,
// metadata, debug or dependency tables.
func writeBlobCode(w *entryWriter, buf *compiledcode.CodeBuffer, pcOffset int) error {
	if err := w.uint32Section(uint32(int32(pcOffset))); err != nil {
		return err
	}
	return w.codeSections(buf.Sections)
}

func readBlobCode(data []byte) (*archivedRoutine, error) {
	sr := newSectionReader(data)
	pc, err := sr.uint32()
	if err != nil {
		return nil, errors.Wrap(err, "pc offset")
	}
	ar := &archivedRoutine{pcOffset: int32(pc)}
	if ar.sections, err = sr.codeSections(); err != nil {
		return nil, errors.Wrap(err, "code sections")
	}
	return ar, nil
}
