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
	"math"

	"github.com/pkg/errors"

	"github.com/weaviate/codearchive/adapters/repos/codecache/arena"
	"github.com/weaviate/codearchive/entities/compiledcode"
)

// relocRecordSize is type u8, format u8, padding u16, offset u32, index i32.
const relocRecordSize = 12

// Auxiliary words stored next to each relocation record. Non-negative values
// are address table ids.
const (
	auxImmediateValue int32 = -1
	auxTableValue     int32 = -2
	auxNone           int32 = -3
)

type archivedReloc struct {
	typ    compiledcode.RelocType
	format compiledcode.RelocFormat
	offset int
	index  int32
	aux    int32
	ref    Reference
}

// encodeRelocations serializes the relocations of one code section: count,
// anchor, the raw records, one aux word per record and finally the
// immediate values in relocation order.
func (s *Session) encodeRelocations(sec *compiledcode.Section, objects, metadata int) ([]byte, error) {
	count := len(sec.Relocs)
	out := make([]byte, 8, 8+count*(relocRecordSize+4))
	binary.LittleEndian.PutUint32(out[0:4], uint32(count))
	binary.LittleEndian.PutUint32(out[4:8], uint32(sec.LocsPoint))

	aux := make([]int32, count)
	var immediates []byte
	for i := range sec.Relocs {
		r := &sec.Relocs[i]
		if !r.Type.Valid() {
			return nil, errors.Errorf("relocation %d: invalid type %d", i, r.Type)
		}
		if r.Type.HasOperand() && (r.Offset < 0 || r.Offset+r.Format.Width() > len(sec.Code)) {
			return nil, errors.Errorf("relocation %d: %s operand at %d outside of %d bytes",
				i, r.Type, r.Offset, len(sec.Code))
		}

		var index int32
		switch {
		case r.Type.IsDestination():
			id, err := s.destinationID(r.Target)
			if err != nil {
				return nil, errors.Wrapf(err, "relocation %d", i)
			}
			aux[i] = id
		case r.Type.IsValue():
			if r.Format != compiledcode.FormatAbs64 {
				return nil, errors.Errorf("relocation %d: %s needs an %s operand",
					i, r.Type, compiledcode.FormatAbs64)
			}
			if r.Immediate {
				ref, err := s.refs.reference(r.Value)
				if err != nil {
					return nil, errors.Wrapf(err, "relocation %d", i)
				}
				immediates = appendReference(immediates, ref)
				aux[i] = auxImmediateValue
				break
			}
			limit := objects
			if r.Type == compiledcode.RelocMetadata {
				limit = metadata
			}
			if r.Index < 0 || r.Index > limit {
				return nil, errors.Errorf("relocation %d: table index %d of %d", i, r.Index, limit)
			}
			index = int32(r.Index)
			aux[i] = auxTableValue
		default:
			aux[i] = auxNone
		}

		var rec [relocRecordSize]byte
		rec[0] = byte(r.Type)
		rec[1] = byte(r.Format)
		binary.LittleEndian.PutUint32(rec[4:8], uint32(r.Offset))
		binary.LittleEndian.PutUint32(rec[8:12], uint32(index))
		out = append(out, rec[:]...)
	}
	for _, a := range aux {
		out = binary.LittleEndian.AppendUint32(out, uint32(a))
	}
	return append(out, immediates...), nil
}

// destinationID names target through the address table. String constants
// that did not fit the string table only fail the current routine.
func (s *Session) destinationID(target uint64) (int32, error) {
	if s.strings.Contains(target) {
		if _, ok := s.strings.ID(target); !ok {
			return 0, lookupFailed("string constant at %#x is not in the string table", target)
		}
	}
	return s.addresses.IDForAddress(target), nil
}

func (s *Session) writeRelocations(w *entryWriter, buf *compiledcode.CodeBuffer) error {
	for i := range buf.Sections {
		payload, err := s.encodeRelocations(&buf.Sections[i], len(buf.Objects), len(buf.Metadata))
		if err != nil {
			return errors.Wrapf(err, "section %s", compiledcode.SectionName(buf.Sections[i].Index))
		}
		if err := w.section(payload); err != nil {
			return err
		}
	}
	return nil
}

// readRelocations attaches the archived relocations to their sections.
func readRelocations(data []byte, sections []archivedSection) error {
	sr := newSectionReader(data)
	for i := range sections {
		b, err := sr.next()
		if err != nil {
			return errors.Wrapf(err, "relocations of section %d", i)
		}
		r := arena.NewReader(b)
		count, err := r.Uint32()
		if err != nil {
			return err
		}
		anchor, err := r.Uint32()
		if err != nil {
			return err
		}
		if int(anchor) > len(sections[i].code) {
			return errors.Errorf("section %d: relocation anchor %d beyond %d bytes",
				i, anchor, len(sections[i].code))
		}
		records, err := r.Read(int(count) * relocRecordSize)
		if err != nil {
			return err
		}
		auxWords, err := r.Read(int(count) * 4)
		if err != nil {
			return err
		}

		relocs := make([]archivedReloc, count)
		for j := range relocs {
			rec := records[j*relocRecordSize:]
			relocs[j] = archivedReloc{
				typ:    compiledcode.RelocType(rec[0]),
				format: compiledcode.RelocFormat(rec[1]),
				offset: int(binary.LittleEndian.Uint32(rec[4:8])),
				index:  int32(binary.LittleEndian.Uint32(rec[8:12])),
				aux:    int32(binary.LittleEndian.Uint32(auxWords[j*4:])),
			}
			if !relocs[j].typ.Valid() {
				return errors.Errorf("section %d: relocation %d has invalid type %d",
					i, j, rec[0])
			}
			if relocs[j].aux == auxImmediateValue {
				if relocs[j].ref, err = readReference(r); err != nil {
					return errors.Wrapf(err, "section %d: relocation %d", i, j)
				}
			}
		}
		sections[i].relocs = relocs
	}
	return nil
}

// relocate places the archived sections into the code store and repairs
// every relocated operand for the new addresses.
func (s *Session) relocate(name string, ar *archivedRoutine, objects, metadata []uint64,
) ([]compiledcode.InstalledSection, error) {
	sizes := make([]int, len(ar.sections))
	for i, sec := range ar.sections {
		sizes[i] = len(sec.code)
	}
	regions, err := s.store.Allocate(name, sizes)
	if err != nil {
		return nil, errors.Wrap(err, "allocate code")
	}
	if len(regions) != len(sizes) {
		return nil, errors.Errorf("code store returned %d regions for %d sections",
			len(regions), len(sizes))
	}

	installed := make([]compiledcode.InstalledSection, len(ar.sections))
	for i, sec := range ar.sections {
		copy(regions[i].Code, sec.code)
		installed[i] = compiledcode.InstalledSection{
			Index:  sec.index,
			Base:   regions[i].Address,
			Code:   regions[i].Code,
			Origin: sec.origin,
		}
	}

	for i, sec := range ar.sections {
		for j, r := range sec.relocs {
			if err := s.applyRelocation(installed, i, r, objects, metadata); err != nil {
				s.store.Release(regions)
				return nil, errors.Wrapf(err, "section %s: %s relocation %d at %d",
					compiledcode.SectionName(sec.index), r.typ, j, r.offset)
			}
		}
	}
	return installed, nil
}

// releaseSections hands the code of a relocated routine that failed to
// install back to the code store.
func (s *Session) releaseSections(secs []compiledcode.InstalledSection) {
	regions := make([]compiledcode.Region, len(secs))
	for i, sec := range secs {
		regions[i] = compiledcode.Region{Address: sec.Base, Code: sec.Code}
	}
	s.store.Release(regions)
}

func (s *Session) applyRelocation(secs []compiledcode.InstalledSection, i int,
	r archivedReloc, objects, metadata []uint64,
) error {
	if !r.typ.HasOperand() {
		return nil
	}
	sec := &secs[i]
	if r.offset < 0 || r.offset+r.format.Width() > len(sec.Code) {
		return errors.Errorf("operand outside of %d bytes", len(sec.Code))
	}

	switch {
	case r.typ.IsDestination():
		if r.aux < 0 {
			return errors.Errorf("destination without address id (aux %d)", r.aux)
		}
		// panics while the table phase owning r.aux is incomplete
		return writeOperand(sec, r, s.addresses.AddressForID(r.aux))

	case r.typ.IsValue():
		if r.format != compiledcode.FormatAbs64 {
			return errors.Errorf("value operand in %s format", r.format)
		}
		var handle uint64
		switch r.aux {
		case auxImmediateValue:
			h, err := s.refs.resolve(r.ref)
			if err != nil {
				return err
			}
			handle = h
		case auxTableValue:
			table := objects
			if r.typ == compiledcode.RelocMetadata {
				table = metadata
			}
			if r.index < 0 || int(r.index) > len(table) {
				return errors.Errorf("table index %d of %d", r.index, len(table))
			}
			if r.index > 0 {
				handle = table[r.index-1]
			}
		default:
			return errors.Errorf("value relocation with aux %d", r.aux)
		}
		return writeOperand(sec, r, handle)

	case r.typ == compiledcode.RelocInternalWord:
		old := readOperand(sec, r)
		return writeOperand(sec, r, old+sec.Base-sec.Origin)

	case r.typ == compiledcode.RelocSectionWord:
		old := readOperand(sec, r)
		for _, target := range secs {
			if old >= target.Origin && old <= target.Origin+uint64(len(target.Code)) {
				return writeOperand(sec, r, old-target.Origin+target.Base)
			}
		}
		return errors.Errorf("section word %#x points into no section", old)
	}
	return nil
}

// readOperand returns the absolute address an operand referred to at the
// original location of its section.
func readOperand(sec *compiledcode.InstalledSection, r archivedReloc) uint64 {
	if r.format == compiledcode.FormatRel32 {
		disp := int32(binary.LittleEndian.Uint32(sec.Code[r.offset:]))
		end := sec.Origin + uint64(r.offset) + 4
		return uint64(int64(end) + int64(disp))
	}
	return binary.LittleEndian.Uint64(sec.Code[r.offset:])
}

func writeOperand(sec *compiledcode.InstalledSection, r archivedReloc, target uint64) error {
	if r.format == compiledcode.FormatRel32 {
		end := sec.Base + uint64(r.offset) + 4
		disp := int64(target) - int64(end)
		if disp < math.MinInt32 || disp > math.MaxInt32 {
			return errors.Errorf("displacement %d to %#x does not fit 32 bits", disp, target)
		}
		binary.LittleEndian.PutUint32(sec.Code[r.offset:], uint32(int32(disp)))
		return nil
	}
	binary.LittleEndian.PutUint64(sec.Code[r.offset:], target)
	return nil
}
