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

// Package addresstable maps well-known code destinations (runtime helpers,
// stub entry points and shared blobs) to compact ids which stay stable
// between processes, so archived relocations can name a destination without
// storing its address.
package addresstable

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
)

const (
	HelpersMax = 160

	BaseStubsMax       = 120
	OptimizingStubsMax = 40
	StubsMax           = BaseStubsMax + OptimizingStubsMax

	BaseBlobsMax       = 40
	OptimizingBlobsMax = 40
	BaselineBlobsMax   = 40
	BlobsMax           = BaseBlobsMax + OptimizingBlobsMax + BaselineBlobsMax

	// AllMax is the first id past the structural destinations. Interned
	// strings take the ids directly above it.
	AllMax     = HelpersMax + StubsMax + BlobsMax
	MaxStrings = 500

	helpersBase         = 0
	stubsBase           = helpersBase + HelpersMax
	optimizingStubsBase = stubsBase + BaseStubsMax
	blobsBase           = stubsBase + StubsMax
	optimizingBlobsBase = blobsBase + BaseBlobsMax
	baselineBlobsBase   = optimizingBlobsBase + OptimizingBlobsMax
	stringsBase         = AllMax
	externalBase        = AllMax + MaxStrings
)

type Phase int

const (
	PhaseBase Phase = iota
	PhaseOptimizing
	PhaseBaseline
)

func (p Phase) String() string {
	switch p {
	case PhaseBase:
		return "base"
	case PhaseOptimizing:
		return "optimizing"
	case PhaseBaseline:
		return "baseline"
	default:
		return "n/a"
	}
}

// Destination is a named code address registered with the table.
type Destination struct {
	Name    string
	Address uint64
}

// StringIDs is the view of the string intern table the address table
// consults first.
type StringIDs interface {
	ID(addr uint64) (int, bool)
	Address(id int) (uint64, bool)
}

// Symbolizer resolves an address to a named symbol of the running process.
type Symbolizer interface {
	Symbol(addr uint64) (name string, offset int64, ok bool)
}

type UnknownAddressError struct {
	Address uint64
}

func (e UnknownAddressError) Error() string {
	return fmt.Sprintf("address %#x is not registered in the address table", e.Address)
}

type IncompletePhaseError struct {
	ID    int32
	Phase Phase
}

func (e IncompletePhaseError) Error() string {
	return fmt.Sprintf("address id %d requested before the %s phase was completed", e.ID, e.Phase)
}

type InvalidIDError struct {
	ID int32
}

func (e InvalidIDError) Error() string {
	return fmt.Sprintf("address id %d is not valid", e.ID)
}

// slot is one fixed sub-range of the id space filled by a single phase.
type slot struct {
	phase Phase
	base  int32
	max   int
	dests []Destination
}

type Table struct {
	sync.RWMutex
	strings     StringIDs
	symbolizer  Symbolizer
	processBase uint64

	complete [3]bool
	slots    []*slot
	helpers  map[uint64]int32
	stubs    map[uint64]int32
	blobs    map[uint64]int32
}

func New(strings StringIDs, symbolizer Symbolizer, processBase uint64) *Table {
	return &Table{
		strings:     strings,
		symbolizer:  symbolizer,
		processBase: processBase,
		slots: []*slot{
			{phase: PhaseBase, base: helpersBase, max: HelpersMax},
			{phase: PhaseBase, base: stubsBase, max: BaseStubsMax},
			{phase: PhaseOptimizing, base: optimizingStubsBase, max: OptimizingStubsMax},
			{phase: PhaseBase, base: blobsBase, max: BaseBlobsMax},
			{phase: PhaseOptimizing, base: optimizingBlobsBase, max: OptimizingBlobsMax},
			{phase: PhaseBaseline, base: baselineBlobsBase, max: BaselineBlobsMax},
		},
		helpers: map[uint64]int32{},
		stubs:   map[uint64]int32{},
		blobs:   map[uint64]int32{},
	}
}

// CompleteBase registers the runtime helpers and the stubs and blobs every
// compiler needs. It must run before the other phases.
func (t *Table) CompleteBase(helpers, stubs, blobs []Destination) error {
	t.Lock()
	defer t.Unlock()

	if t.complete[PhaseBase] {
		return errors.Errorf("address table phase %s already completed", PhaseBase)
	}
	if err := t.fill(t.slots[0], helpers, t.helpers); err != nil {
		return err
	}
	if err := t.fill(t.slots[1], stubs, t.stubs); err != nil {
		return err
	}
	if err := t.fill(t.slots[3], blobs, t.blobs); err != nil {
		return err
	}
	t.complete[PhaseBase] = true
	return nil
}

func (t *Table) CompleteOptimizing(stubs, blobs []Destination) error {
	t.Lock()
	defer t.Unlock()

	if err := t.checkPhase(PhaseOptimizing); err != nil {
		return err
	}
	if err := t.fill(t.slots[2], stubs, t.stubs); err != nil {
		return err
	}
	if err := t.fill(t.slots[4], blobs, t.blobs); err != nil {
		return err
	}
	t.complete[PhaseOptimizing] = true
	return nil
}

func (t *Table) CompleteBaseline(blobs []Destination) error {
	t.Lock()
	defer t.Unlock()

	if err := t.checkPhase(PhaseBaseline); err != nil {
		return err
	}
	if err := t.fill(t.slots[5], blobs, t.blobs); err != nil {
		return err
	}
	t.complete[PhaseBaseline] = true
	return nil
}

func (t *Table) checkPhase(p Phase) error {
	if !t.complete[PhaseBase] {
		return errors.Errorf("address table phase %s requires phase %s", p, PhaseBase)
	}
	if t.complete[p] {
		return errors.Errorf("address table phase %s already completed", p)
	}
	return nil
}

func (t *Table) fill(s *slot, dests []Destination, index map[uint64]int32) error {
	if len(dests) > s.max {
		return errors.Errorf("address table phase %s: %d destinations exceed capacity %d",
			s.phase, len(dests), s.max)
	}
	for i, d := range dests {
		if d.Address == 0 {
			return errors.Errorf("address table phase %s: destination %q has no address",
				s.phase, d.Name)
		}
		if _, ok := index[d.Address]; !ok {
			index[d.Address] = s.base + int32(i)
		}
	}
	s.dests = append([]Destination(nil), dests...)
	return nil
}

func (t *Table) Complete(p Phase) bool {
	t.RLock()
	defer t.RUnlock()
	return p >= PhaseBase && p <= PhaseBaseline && t.complete[p]
}

// IDForAddress returns the id under which addr is archived. An address the
// table cannot name is a programming error and panics.
func (t *Table) IDForAddress(addr uint64) int32 {
	if addr == 0 {
		panic(UnknownAddressError{Address: addr})
	}

	if t.strings != nil {
		if id, ok := t.strings.ID(addr); ok {
			return stringsBase + int32(id)
		}
	}

	t.RLock()
	id, ok := t.stubs[addr]
	if !ok {
		id, ok = t.blobs[addr]
	}
	if !ok {
		id, ok = t.helpers[addr]
	}
	t.RUnlock()
	if ok {
		return id
	}

	if t.symbolizer != nil {
		if _, offset, found := t.symbolizer.Symbol(addr); found && offset != 0 {
			dist := int64(addr) - int64(t.processBase)
			if dist > externalBase && dist <= int64(^uint32(0)>>1) {
				return int32(dist)
			}
		}
	}
	panic(UnknownAddressError{Address: addr})
}

// AddressForID is the inverse of IDForAddress.
func (t *Table) AddressForID(id int32) uint64 {
	if id < 0 {
		panic(InvalidIDError{ID: id})
	}
	if id >= externalBase {
		return t.processBase + uint64(id)
	}
	if id >= stringsBase {
		if t.strings != nil {
			if addr, ok := t.strings.Address(int(id - stringsBase)); ok {
				return addr
			}
		}
		panic(InvalidIDError{ID: id})
	}

	t.RLock()
	defer t.RUnlock()
	s := t.slotFor(id)
	if !t.complete[s.phase] {
		panic(IncompletePhaseError{ID: id, Phase: s.phase})
	}
	pos := int(id - s.base)
	if pos >= len(s.dests) {
		panic(InvalidIDError{ID: id})
	}
	return s.dests[pos].Address
}

// Name describes id for log output.
func (t *Table) Name(id int32) string {
	switch {
	case id < 0:
		return "invalid"
	case id >= externalBase:
		return fmt.Sprintf("external+%d", id)
	case id >= stringsBase:
		return fmt.Sprintf("string#%d", id-stringsBase)
	}

	t.RLock()
	defer t.RUnlock()
	s := t.slotFor(id)
	pos := int(id - s.base)
	if pos >= len(s.dests) {
		return fmt.Sprintf("unset#%d", id)
	}
	return s.dests[pos].Name
}

func (t *Table) slotFor(id int32) *slot {
	for i := len(t.slots) - 1; i >= 0; i-- {
		if id >= t.slots[i].base {
			return t.slots[i]
		}
	}
	return t.slots[0]
}
