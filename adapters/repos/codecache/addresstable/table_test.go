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

package addresstable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStrings map[uint64]int

func (f fakeStrings) ID(addr uint64) (int, bool) {
	id, ok := f[addr]
	return id, ok
}

func (f fakeStrings) Address(id int) (uint64, bool) {
	for addr, i := range f {
		if i == id {
			return addr, true
		}
	}
	return 0, false
}

type fakeSymbolizer map[uint64]int64

func (f fakeSymbolizer) Symbol(addr uint64) (string, int64, bool) {
	off, ok := f[addr]
	return "sym", off, ok
}

const processBase = 0x10_0000

func newBaseTable(t *testing.T) *Table {
	table := New(fakeStrings{0x9000: 3}, fakeSymbolizer{
		processBase + 0x2000: 16,
		processBase + 0x10:   0,
		processBase + 0x20:   8,
	}, processBase)
	err := table.CompleteBase(
		[]Destination{{"helper_a", 0x1000}, {"helper_b", 0x1010}},
		[]Destination{{"stub_a", 0x2000}},
		[]Destination{{"blob_a", 0x3000}},
	)
	require.Nil(t, err)
	return table
}

func TestIDForAddress(t *testing.T) {
	table := newBaseTable(t)
	require.Nil(t, table.CompleteOptimizing(
		[]Destination{{"opt_stub", 0x4000}},
		[]Destination{{"opt_blob", 0x5000}},
	))
	require.Nil(t, table.CompleteBaseline([]Destination{{"baseline_blob", 0x6000}}))

	tests := []struct {
		name string
		addr uint64
		id   int32
	}{
		{"first helper", 0x1000, 0},
		{"second helper", 0x1010, 1},
		{"base stub", 0x2000, HelpersMax},
		{"optimizing stub", 0x4000, HelpersMax + BaseStubsMax},
		{"base blob", 0x3000, HelpersMax + StubsMax},
		{"optimizing blob", 0x5000, HelpersMax + StubsMax + BaseBlobsMax},
		{"baseline blob", 0x6000, HelpersMax + StubsMax + BaseBlobsMax + OptimizingBlobsMax},
		{"interned string", 0x9000, AllMax + 3},
		{"external symbol", processBase + 0x2000, 0x2000},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			id := table.IDForAddress(test.addr)
			assert.Equal(t, test.id, id)
			assert.Equal(t, test.addr, table.AddressForID(id))
		})
	}
}

func TestIDForAddressPanics(t *testing.T) {
	table := newBaseTable(t)

	tests := []struct {
		name string
		addr uint64
	}{
		{"zero address", 0},
		{"unregistered", 0x7777},
		{"symbol without offset", processBase + 0x10},
		{"symbol too close to the process base", processBase + 0x20},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.PanicsWithValue(t, UnknownAddressError{Address: test.addr}, func() {
				table.IDForAddress(test.addr)
			})
		})
	}
}

func TestAddressForIDRequiresCompletedPhase(t *testing.T) {
	table := newBaseTable(t)

	id := int32(HelpersMax + BaseStubsMax)
	assert.PanicsWithValue(t, IncompletePhaseError{ID: id, Phase: PhaseOptimizing}, func() {
		table.AddressForID(id)
	})
	assert.PanicsWithValue(t, InvalidIDError{ID: 5}, func() {
		table.AddressForID(5)
	})
	assert.PanicsWithValue(t, InvalidIDError{ID: -2}, func() {
		table.AddressForID(-2)
	})
	assert.PanicsWithValue(t, InvalidIDError{ID: AllMax + 1}, func() {
		table.AddressForID(AllMax + 1)
	})
}

func TestPhaseOrdering(t *testing.T) {
	table := New(nil, nil, processBase)
	assert.NotNil(t, table.CompleteOptimizing(nil, nil))
	assert.NotNil(t, table.CompleteBaseline(nil))
	assert.False(t, table.Complete(PhaseBase))

	require.Nil(t, table.CompleteBase(nil, nil, nil))
	assert.True(t, table.Complete(PhaseBase))
	assert.NotNil(t, table.CompleteBase(nil, nil, nil))

	require.Nil(t, table.CompleteBaseline(nil))
	assert.NotNil(t, table.CompleteBaseline(nil))
	assert.False(t, table.Complete(PhaseOptimizing))
}

func TestCapacity(t *testing.T) {
	table := New(nil, nil, processBase)
	helpers := make([]Destination, HelpersMax+1)
	for i := range helpers {
		helpers[i] = Destination{Name: "h", Address: uint64(0x1000 + i)}
	}
	assert.NotNil(t, table.CompleteBase(helpers, nil, nil))
	assert.False(t, table.Complete(PhaseBase))

	assert.NotNil(t, table.CompleteBase([]Destination{{"nil", 0}}, nil, nil))
}

func TestName(t *testing.T) {
	table := newBaseTable(t)
	assert.Equal(t, "helper_b", table.Name(1))
	assert.Equal(t, "stub_a", table.Name(HelpersMax))
	assert.Equal(t, "string#3", table.Name(AllMax+3))
	assert.Equal(t, "unset#7", table.Name(7))
	assert.Equal(t, "invalid", table.Name(-1))
}
