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

// Package strtab interns the string constants referenced from archived
// code. Strings are first recorded by address when the compiler sees them
// and get an id only once a stored relocation refers to them.
package strtab

import (
	"encoding/binary"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
)

const MaxStrings = 500

const unassigned = -1

type entry struct {
	addr    uint64
	content string
	hash    uint64
	id      int
}

type Table struct {
	sync.Mutex
	entries []*entry
	byAddr  map[uint64]*entry
	// ids maps an assigned id to the first entry which received it
	ids    []*entry
	byHash map[uint64][]int
	// dropped holds strings which did not fit the table
	dropped map[uint64]struct{}
	loaded  int
}

func New() *Table {
	return &Table{
		byAddr:  map[uint64]*entry{},
		byHash:  map[uint64][]int{},
		dropped: map[uint64]struct{}{},
	}
}

// Add records the string s living at addr. Addresses already known and
// strings past MaxStrings are ignored; the return value reports whether the
// string is now known to the table.
func (t *Table) Add(addr uint64, s string) bool {
	t.Lock()
	defer t.Unlock()

	if _, ok := t.byAddr[addr]; ok {
		return true
	}
	if len(t.entries) >= MaxStrings {
		t.dropped[addr] = struct{}{}
		return false
	}
	e := &entry{addr: addr, content: s, hash: xxhash.Sum64String(s), id: unassigned}
	t.entries = append(t.entries, e)
	t.byAddr[addr] = e
	return true
}

// Contains reports whether addr was ever offered to the table, including
// strings that were dropped because the table was full.
func (t *Table) Contains(addr uint64) bool {
	t.Lock()
	defer t.Unlock()

	if _, ok := t.byAddr[addr]; ok {
		return true
	}
	_, ok := t.dropped[addr]
	return ok
}

// ID returns the id of the string at addr and assigns one if needed. A
// string equal in content to one that already has an id shares that id.
func (t *Table) ID(addr uint64) (int, bool) {
	t.Lock()
	defer t.Unlock()

	e, ok := t.byAddr[addr]
	if !ok {
		return 0, false
	}
	if e.id != unassigned {
		return e.id, true
	}

	for _, id := range t.byHash[e.hash] {
		if t.ids[id].content == e.content {
			e.id = id
			return id, true
		}
	}

	if len(t.ids) >= MaxStrings {
		return 0, false
	}
	e.id = len(t.ids)
	t.ids = append(t.ids, e)
	t.byHash[e.hash] = append(t.byHash[e.hash], e.id)
	return e.id, true
}

func (t *Table) Address(id int) (uint64, bool) {
	t.Lock()
	defer t.Unlock()

	if id < 0 || id >= len(t.ids) {
		return 0, false
	}
	return t.ids[id].addr, true
}

// Count is the number of assigned ids.
func (t *Table) Count() int {
	t.Lock()
	defer t.Unlock()
	return len(t.ids)
}

// Loaded is the number of strings which came from an archive.
func (t *Table) Loaded() int {
	t.Lock()
	defer t.Unlock()
	return t.loaded
}

// Marshal serializes the assigned strings in id order: the count, one
// length per string, then the string bytes back to back.
func (t *Table) Marshal() []byte {
	t.Lock()
	defer t.Unlock()

	size := 4 + 4*len(t.ids)
	for _, e := range t.ids {
		size += len(e.content)
	}
	out := make([]byte, size)
	binary.LittleEndian.PutUint32(out, uint32(len(t.ids)))
	pos := 4
	for _, e := range t.ids {
		binary.LittleEndian.PutUint32(out[pos:], uint32(len(e.content)))
		pos += 4
	}
	for _, e := range t.ids {
		pos += copy(out[pos:], e.content)
	}
	return out
}

// Parse decodes data written by Marshal.
func Parse(data []byte) ([]string, error) {
	if len(data) < 4 {
		return nil, errors.New("string table too short")
	}
	count := int(binary.LittleEndian.Uint32(data))
	if count > MaxStrings {
		return nil, errors.Errorf("string table holds %d strings, limit %d", count, MaxStrings)
	}
	pos := 4
	if len(data) < pos+4*count {
		return nil, errors.Errorf("string table lengths truncated")
	}
	lengths := make([]int, count)
	for i := range lengths {
		lengths[i] = int(binary.LittleEndian.Uint32(data[pos:]))
		pos += 4
	}

	out := make([]string, count)
	for i, l := range lengths {
		if l < 0 || pos+l > len(data) {
			return nil, errors.Errorf("string %d of %d bytes truncated", i, l)
		}
		out[i] = string(data[pos : pos+l])
		pos += l
	}
	return out, nil
}

// Load adds the strings of an archive and assigns them the ids they had
// when it was written. place materializes a string in the running process
// and returns its address. Load must run before any id is assigned.
func (t *Table) Load(data []byte, place func([]byte) uint64) error {
	strs, err := Parse(data)
	if err != nil {
		return err
	}

	t.Lock()
	defer t.Unlock()

	if len(t.ids) > 0 {
		return errors.Errorf("cannot load strings after %d ids were assigned", len(t.ids))
	}
	for i, s := range strs {
		addr := place([]byte(s))
		e := &entry{addr: addr, content: s, hash: xxhash.Sum64String(s), id: i}
		if _, ok := t.byAddr[addr]; !ok {
			t.entries = append(t.entries, e)
			t.byAddr[addr] = e
		}
		t.ids = append(t.ids, e)
		t.byHash[e.hash] = append(t.byHash[e.hash], i)
	}
	t.loaded = len(strs)
	return nil
}
