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
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weaviate/codearchive/adapters/repos/codecache/arena"
	"github.com/weaviate/codearchive/entities/compiledcode"
)

func TestWriteOperandRel32(t *testing.T) {
	sec := &compiledcode.InstalledSection{Base: 0x1000, Code: make([]byte, 16)}
	r := archivedReloc{typ: compiledcode.RelocRuntimeCall, format: compiledcode.FormatRel32, offset: 4}

	require.NoError(t, writeOperand(sec, r, 0x2000))
	disp := int32(binary.LittleEndian.Uint32(sec.Code[4:]))
	assert.Equal(t, int32(0x2000-0x1008), disp)

	require.NoError(t, writeOperand(sec, r, 0x10))
	disp = int32(binary.LittleEndian.Uint32(sec.Code[4:]))
	assert.Equal(t, int32(0x10-0x1008), disp)
}

func TestWriteOperandRel32Overflow(t *testing.T) {
	sec := &compiledcode.InstalledSection{Base: 0x10_0000_0000, Code: make([]byte, 8)}
	r := archivedReloc{typ: compiledcode.RelocRuntimeCall, format: compiledcode.FormatRel32}

	err := writeOperand(sec, r, 0x1000)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not fit 32 bits")
	assert.Equal(t, make([]byte, 8), sec.Code, "operand untouched")
}

func TestReadOperandUsesOriginalPosition(t *testing.T) {
	sec := &compiledcode.InstalledSection{Base: 0x9000, Origin: 0x1000, Code: make([]byte, 16)}
	binary.LittleEndian.PutUint32(sec.Code[0:], uint32(int32(0x100)))
	binary.LittleEndian.PutUint64(sec.Code[8:], 0xabcd)

	rel := archivedReloc{format: compiledcode.FormatRel32}
	assert.Equal(t, uint64(0x1104), readOperand(sec, rel))

	abs := archivedReloc{format: compiledcode.FormatAbs64, offset: 8}
	assert.Equal(t, uint64(0xabcd), readOperand(sec, abs))
}

func TestRelocationsEncodeAndDecode(t *testing.T) {
	env := newTestEnv(t, "", 0x4000_0000)
	s := env.open(false, true)
	defer s.Close(context.Background())

	buf := methodBuffer()
	insts := &buf.Sections[1]
	payload, err := s.encodeRelocations(insts, len(buf.Objects), len(buf.Metadata))
	require.NoError(t, err)

	data := binary.LittleEndian.AppendUint32(nil, uint32(len(payload)))
	data = append(data, payload...)
	data = append(data, make([]byte, arena.AlignUp(len(data))-len(data))...)
	sections := []archivedSection{{index: insts.Index, origin: insts.Origin, code: insts.Code}}
	require.NoError(t, readRelocations(data, sections))

	relocs := sections[0].relocs
	require.Len(t, relocs, len(insts.Relocs))
	assert.Equal(t, int32(0), relocs[0].aux, "helper id")
	assert.Equal(t, auxImmediateValue, relocs[1].aux)
	assert.Equal(t, Reference{Tag: RefType, Loader: fooType.Loader, Name: fooType.Name}, relocs[1].ref)
	assert.Equal(t, auxTableValue, relocs[2].aux)
	assert.Equal(t, int32(1), relocs[2].index)
	for _, r := range relocs[3:] {
		assert.Equal(t, auxNone, r.aux)
	}
	for i, r := range relocs {
		assert.Equal(t, insts.Relocs[i].Type, r.typ)
		assert.Equal(t, insts.Relocs[i].Offset, r.offset)
	}
}

func TestEncodeRelocationsRejectsBadRecords(t *testing.T) {
	env := newTestEnv(t, "", 0x4000_0000)
	s := env.open(false, true)
	defer s.Close(context.Background())

	tests := []struct {
		name  string
		reloc compiledcode.Relocation
	}{
		{"operand outside section", compiledcode.Relocation{Type: compiledcode.RelocInternalWord, Offset: 60}},
		{"table index out of range", compiledcode.Relocation{Type: compiledcode.RelocOop, Offset: 8, Index: 2}},
		{"relative value", compiledcode.Relocation{Type: compiledcode.RelocOop, Format: compiledcode.FormatRel32, Offset: 8}},
		{"invalid type", compiledcode.Relocation{Type: 99}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			sec := compiledcode.Section{Code: make([]byte, 64), Relocs: []compiledcode.Relocation{test.reloc}}
			_, err := s.encodeRelocations(&sec, 1, 1)
			assert.Error(t, err)
		})
	}

	t.Run("unknown destination", func(t *testing.T) {
		sec := compiledcode.Section{Code: make([]byte, 64), Relocs: []compiledcode.Relocation{
			{Type: compiledcode.RelocRuntimeCall, Target: 0xdead_0000},
		}}
		assert.Panics(t, func() {
			s.encodeRelocations(&sec, 0, 0)
		})
	})
}
