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

package main

import (
	"context"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/weaviate/codearchive/adapters/repos/codecache"
	"github.com/weaviate/codearchive/adapters/repos/codecache/addresstable"
	"github.com/weaviate/codearchive/adapters/repos/codecache/codeheap"
	"github.com/weaviate/codearchive/adapters/repos/codecache/strtab"
	"github.com/weaviate/codearchive/entities/compiledcode"
	"github.com/weaviate/codearchive/usecases/monitoring"
)

const (
	scratchHeapBase    = 0x7000_0000
	scratchDestination = 0x7f00_0000
)

// scratch is a stand-in process an archive can be opened and relocated into
// without a running runtime.
type scratch struct {
	resolver *permissiveResolver
	heap     *codeheap.Heap
	session  *codecache.Session
}

func openScratch(path string, verify bool, logger logrus.FieldLogger,
	metrics *monitoring.PrometheusMetrics,
) (*scratch, error) {
	resolver := newPermissiveResolver()
	heap := codeheap.New(scratchHeapBase, logger)
	strs := strtab.New()
	table := addresstable.New(strs, nil, 0)
	if err := completeScratchTable(table); err != nil {
		return nil, err
	}

	session, err := codecache.OpenSession(codecache.SessionConfig{
		Path:   path,
		Load:   true,
		Verify: verify,
	}, codecache.Dependencies{
		Logger:    logger,
		Metrics:   metrics,
		Resolver:  resolver,
		Store:     heap,
		Addresses: table,
		Strings:   strs,
	})
	if err != nil {
		return nil, err
	}
	if !session.ForRead() {
		_ = session.Close(context.Background())
		return nil, errors.Wrapf(codecache.ErrMismatch, "archive %q could not be read", path)
	}

	for _, e := range session.Entries() {
		if m, ok := splitMethod(e.Name()); ok && e.MethodOffset() != 0 {
			resolver.share(m, e.MethodOffset())
		}
	}
	return &scratch{resolver: resolver, heap: heap, session: session}, nil
}

// completeScratchTable fills every phase of the address table with made up
// destinations so that any archived id has an address.
func completeScratchTable(t *addresstable.Table) error {
	next := uint64(scratchDestination)
	dests := func(prefix string, n int) []addresstable.Destination {
		out := make([]addresstable.Destination, n)
		for i := range out {
			out[i] = addresstable.Destination{Name: prefix, Address: next}
			next += 0x40
		}
		return out
	}

	if err := t.CompleteBase(dests("helper", addresstable.HelpersMax),
		dests("stub", addresstable.BaseStubsMax), dests("blob", addresstable.BaseBlobsMax)); err != nil {
		return err
	}
	if err := t.CompleteOptimizing(dests("optimizing_stub", addresstable.OptimizingStubsMax),
		dests("optimizing_blob", addresstable.OptimizingBlobsMax)); err != nil {
		return err
	}
	return t.CompleteBaseline(dests("baseline_blob", addresstable.BaselineBlobsMax))
}

// splitMethod parses a full method name such as
// "java.lang.String.hashCode()I".
func splitMethod(fullName string) (compiledcode.Method, bool) {
	paren := strings.IndexByte(fullName, '(')
	if paren < 0 {
		return compiledcode.Method{}, false
	}
	dot := strings.LastIndexByte(fullName[:paren], '.')
	if dot <= 0 {
		return compiledcode.Method{}, false
	}
	return compiledcode.Method{
		Holder:    fullName[:dot],
		Name:      fullName[dot+1 : paren],
		Signature: fullName[paren:],
	}, true
}

// permissiveResolver resolves every reference to a made up, stable handle.
type permissiveResolver struct {
	sync.Mutex
	shared  map[string]uint64
	methods map[uint64]compiledcode.Method
}

func newPermissiveResolver() *permissiveResolver {
	return &permissiveResolver{
		shared:  map[string]uint64{},
		methods: map[uint64]compiledcode.Method{},
	}
}

func (r *permissiveResolver) share(m compiledcode.Method, offset uint64) {
	r.Lock()
	defer r.Unlock()
	r.shared[m.FullName()] = offset
	r.methods[offset] = m
}

func (r *permissiveResolver) SharedOffset(v compiledcode.Value) (uint64, bool) {
	if v.Kind != compiledcode.ValueMethod {
		return 0, false
	}
	r.Lock()
	defer r.Unlock()
	off, ok := r.shared[v.Holder+"."+v.Name+v.Signature]
	return off, ok
}

func (r *permissiveResolver) CanStoreSymbolic(compiledcode.Value) bool { return true }

func (r *permissiveResolver) SharedStringIndex(compiledcode.Value) (uint32, bool) {
	return 0, false
}

func (r *permissiveResolver) HeapObjectIndex(compiledcode.Value) (uint32, bool) {
	return 0, false
}

func (r *permissiveResolver) SharedRegionActive() bool { return true }

func (r *permissiveResolver) SharedMethod(offset uint64) (compiledcode.Method, bool) {
	r.Lock()
	defer r.Unlock()
	m, ok := r.methods[offset]
	return m, ok
}

func (r *permissiveResolver) Resolve(ref codecache.Reference) (uint64, error) {
	return xxhash.Sum64String(ref.String()) | 1, nil
}
