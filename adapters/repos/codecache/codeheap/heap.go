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

// Package codeheap is an in-process executable code store. It hands out
// addresses for code sections and data, and keeps the routines installed
// into it.
package codeheap

import (
	"fmt"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/weaviate/codearchive/entities/compiledcode"
)

const blockAlignment = 64

type block struct {
	base uint64
	name string
	data []byte
}

type Heap struct {
	sync.RWMutex
	logger   logrus.FieldLogger
	base     uint64
	next     uint64
	limit    uint64
	blocks   []*block
	routines map[string]*compiledcode.Routine
	order    []string
}

type Option func(h *Heap)

// WithLimit caps the number of bytes the heap hands out.
func WithLimit(bytes uint64) Option {
	return func(h *Heap) {
		h.limit = bytes
	}
}

func New(base uint64, logger logrus.FieldLogger, opts ...Option) *Heap {
	h := &Heap{
		logger:   logger,
		base:     base,
		next:     base,
		routines: map[string]*compiledcode.Routine{},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Allocate reserves one region per requested size.
func (h *Heap) Allocate(name string, sizes []int) ([]compiledcode.Region, error) {
	h.Lock()
	defer h.Unlock()

	total := uint64(0)
	for _, size := range sizes {
		if size < 0 {
			return nil, errors.Errorf("allocate %q: negative size %d", name, size)
		}
		total += alignUp(uint64(size))
	}
	if h.limit > 0 && h.next-h.base+total > h.limit {
		return nil, errors.Errorf("allocate %q: %d bytes exceed code heap limit %d",
			name, total, h.limit)
	}

	out := make([]compiledcode.Region, len(sizes))
	for i, size := range sizes {
		addr, code := h.add(name, size)
		out[i] = compiledcode.Region{Address: addr, Code: code}
	}
	return out, nil
}

// PlaceData copies b into the heap and returns its address.
func (h *Heap) PlaceData(b []byte) uint64 {
	h.Lock()
	defer h.Unlock()

	addr, data := h.add("data", len(b))
	copy(data, b)
	return addr
}

// Release drops regions handed out by Allocate for a routine that was never
// installed. Their addresses are not reused.
func (h *Heap) Release(regions []compiledcode.Region) {
	h.Lock()
	defer h.Unlock()

	released := 0
	for _, r := range regions {
		pos := sort.Search(len(h.blocks), func(i int) bool {
			return h.blocks[i].base >= r.Address
		})
		if pos < len(h.blocks) && h.blocks[pos].base == r.Address {
			h.blocks = append(h.blocks[:pos], h.blocks[pos+1:]...)
			released++
		}
	}
	if released > 0 {
		h.logger.WithField("action", "codeheap_release").
			WithField("regions", released).
			Debug("released uninstalled code")
	}
}

// add reserves the next block and returns its address.
func (h *Heap) add(name string, size int) (uint64, []byte) {
	b := &block{base: h.next, name: name, data: make([]byte, size)}
	h.blocks = append(h.blocks, b)
	h.next += alignUp(uint64(size))
	return b.base, b.data
}

// Install registers r. A routine installed under the same key replaces the
// previous one.
func (h *Heap) Install(r *compiledcode.Routine) error {
	if r == nil {
		return errors.New("install nil routine")
	}
	if len(r.Sections) == 0 {
		return errors.Errorf("install %s: routine has no code", Key(r))
	}

	h.Lock()
	defer h.Unlock()

	for _, s := range r.Sections {
		if _, ok := h.find(s.Base, len(s.Code)); !ok {
			return errors.Errorf("install %s: section %s at %#x was not allocated by this heap",
				Key(r), compiledcode.SectionName(s.Index), s.Base)
		}
	}

	key := Key(r)
	if _, ok := h.routines[key]; !ok {
		h.order = append(h.order, key)
	}
	h.routines[key] = r

	h.logger.WithField("action", "codeheap_install").
		WithField("routine", key).
		WithField("entry", fmt.Sprintf("%#x", r.EntryPoint())).
		Debug("installed routine")
	return nil
}

func (h *Heap) Lookup(key string) (*compiledcode.Routine, bool) {
	h.RLock()
	defer h.RUnlock()
	r, ok := h.routines[key]
	return r, ok
}

// Routines returns the installed routines in installation order.
func (h *Heap) Routines() []*compiledcode.Routine {
	h.RLock()
	defer h.RUnlock()

	out := make([]*compiledcode.Routine, 0, len(h.order))
	for _, key := range h.order {
		out = append(out, h.routines[key])
	}
	return out
}

// Read returns the n bytes at addr. The range must lie within a single
// allocation.
func (h *Heap) Read(addr uint64, n int) ([]byte, error) {
	h.RLock()
	defer h.RUnlock()

	b, ok := h.find(addr, n)
	if !ok {
		return nil, errors.Errorf("read %d bytes at %#x: not allocated", n, addr)
	}
	start := addr - b.base
	return b.data[start : start+uint64(n)], nil
}

// Used is the number of bytes handed out so far.
func (h *Heap) Used() uint64 {
	h.RLock()
	defer h.RUnlock()
	return h.next - h.base
}

func (h *Heap) find(addr uint64, n int) (*block, bool) {
	pos := sort.Search(len(h.blocks), func(i int) bool {
		return h.blocks[i].base > addr
	})
	if pos == 0 {
		return nil, false
	}
	b := h.blocks[pos-1]
	if addr+uint64(n) > b.base+uint64(len(b.data)) {
		return nil, false
	}
	return b, true
}

// Key is the name a routine is installed under: the method's full name and
// compilation level, or the stub or blob name.
func Key(r *compiledcode.Routine) string {
	if r.Kind == compiledcode.RoutineMethod && r.Method != nil {
		return MethodKey(*r.Method, r.CompLevel)
	}
	return r.Name
}

func MethodKey(m compiledcode.Method, level int) string {
	return fmt.Sprintf("%s@%d", m.FullName(), level)
}

func alignUp(n uint64) uint64 {
	if n == 0 {
		return blockAlignment
	}
	return (n + blockAlignment - 1) / blockAlignment * blockAlignment
}
