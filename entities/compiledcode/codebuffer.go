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

// Package compiledcode contains the types exchanged between the compiler
// backend, the code archive and the executable code store. None of them know
// how the archive lays out bytes on disk.
package compiledcode

import "fmt"

// Code sections of a CodeBuffer. The numbering is part of the archive format.
const (
	SectionConsts = iota
	SectionInsts
	SectionStubs
	SectionCount
)

func SectionName(index int) string {
	switch index {
	case SectionConsts:
		return "consts"
	case SectionInsts:
		return "insts"
	case SectionStubs:
		return "stubs"
	default:
		return fmt.Sprintf("section-%d", index)
	}
}

type RelocType uint8

const (
	RelocNone RelocType = iota
	RelocOop
	RelocMetadata
	RelocVirtualCall
	RelocOptVirtualCall
	RelocStaticCall
	RelocStaticStub
	RelocRuntimeCall
	RelocRuntimeCallWithCP
	RelocExternalWord
	RelocInternalWord
	RelocSectionWord
	RelocPoll
	RelocPollReturn
	RelocPostCallNop
	RelocTrampolineStub
	relocTypeCount
)

var relocNames = [...]string{
	RelocNone:              "none",
	RelocOop:               "oop",
	RelocMetadata:          "metadata",
	RelocVirtualCall:       "virtual_call",
	RelocOptVirtualCall:    "opt_virtual_call",
	RelocStaticCall:        "static_call",
	RelocStaticStub:        "static_stub",
	RelocRuntimeCall:       "runtime_call",
	RelocRuntimeCallWithCP: "runtime_call_w_cp",
	RelocExternalWord:      "external_word",
	RelocInternalWord:      "internal_word",
	RelocSectionWord:       "section_word",
	RelocPoll:              "poll",
	RelocPollReturn:        "poll_return",
	RelocPostCallNop:       "post_call_nop",
	RelocTrampolineStub:    "trampoline_stub",
}

func (t RelocType) String() string {
	if t < relocTypeCount {
		return relocNames[t]
	}
	return fmt.Sprintf("reloc(%d)", uint8(t))
}

func (t RelocType) Valid() bool {
	return t < relocTypeCount
}

// IsDestination reports whether the relocation operand holds the address of
// a well-known destination, i.e. something the address table can name.
func (t RelocType) IsDestination() bool {
	switch t {
	case RelocVirtualCall, RelocOptVirtualCall, RelocStaticCall, RelocStaticStub,
		RelocRuntimeCall, RelocRuntimeCallWithCP, RelocExternalWord, RelocTrampolineStub:
		return true
	default:
		return false
	}
}

// IsPositional reports whether the operand only depends on where the code
// sections themselves are placed.
func (t RelocType) IsPositional() bool {
	return t == RelocInternalWord || t == RelocSectionWord
}

func (t RelocType) IsValue() bool {
	return t == RelocOop || t == RelocMetadata
}

// HasOperand is false for relocations that only mark a position.
func (t RelocType) HasOperand() bool {
	return t.IsDestination() || t.IsPositional() || t.IsValue()
}

type RelocFormat uint8

const (
	// FormatAbs64 is an 8 byte little endian absolute address.
	FormatAbs64 RelocFormat = iota
	// FormatRel32 is a 4 byte little endian signed displacement relative to
	// the end of the operand.
	FormatRel32
)

func (f RelocFormat) Width() int {
	if f == FormatRel32 {
		return 4
	}
	return 8
}

func (f RelocFormat) String() string {
	if f == FormatRel32 {
		return "rel32"
	}
	return "abs64"
}

// Relocation marks an operand inside a code section whose value must be
// re-established when the section is placed at a new address.
type Relocation struct {
	Type   RelocType
	Format RelocFormat
	// Offset of the operand relative to the start of the section.
	Offset int
	// Target is the destination address of call-like and external relocations.
	Target uint64
	// Immediate oop/metadata relocations carry Value directly in the
	// instruction stream. Non-immediate ones refer to the routine's object or
	// metadata table through the 1-based Index, 0 meaning null.
	Immediate bool
	Value     Value
	Index     int
}

type Section struct {
	Index int
	// Origin is the address the section was generated at.
	Origin uint64
	Code   []byte
	// LocsPoint is the position relocations are anchored to.
	LocsPoint int
	Relocs    []Relocation
}

func (s *Section) Contains(addr uint64) bool {
	return addr >= s.Origin && addr <= s.Origin+uint64(len(s.Code))
}

// CodeBuffer is what the compiler backend produced for one routine together
// with the objects and metadata its recorder collected.
type CodeBuffer struct {
	Name     string
	Sections []Section
	Objects  []Value
	Metadata []Value
}

func (b *CodeBuffer) Section(index int) *Section {
	for i := range b.Sections {
		if b.Sections[i].Index == index {
			return &b.Sections[i]
		}
	}
	return nil
}

func (b *CodeBuffer) TotalSize() int {
	size := 0
	for _, s := range b.Sections {
		size += len(s.Code)
	}
	return size
}
