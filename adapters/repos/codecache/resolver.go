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
	"github.com/weaviate/codearchive/adapters/repos/codecache/addresstable"
	"github.com/weaviate/codearchive/entities/compiledcode"
)

// Resolver connects the archive to the class-metadata sharing subsystem and
// to the running process.
type Resolver interface {
	// SharedOffset returns the offset of a type or method inside the shared
	// metadata region when the value is safe to store by offset.
	SharedOffset(v compiledcode.Value) (uint64, bool)
	// CanStoreSymbolic reports whether a type or method not in the shared
	// region may be stored by name.
	CanStoreSymbolic(v compiledcode.Value) bool
	SharedStringIndex(v compiledcode.Value) (uint32, bool)
	// HeapObjectIndex returns the permanent index of an archived heap object.
	HeapObjectIndex(v compiledcode.Value) (uint32, bool)
	// SharedRegionActive is false when the process runs without the shared
	// metadata region the archive may refer to.
	SharedRegionActive() bool
	// SharedMethod returns the method described at offset in the shared
	// region.
	SharedMethod(offset uint64) (compiledcode.Method, bool)

	// Resolve returns the live handle for ref. Errors make the routine
	// referring to ref unusable.
	Resolve(ref Reference) (uint64, error)
}

// CodeStore is the executable code store loaded routines are placed into.
type CodeStore interface {
	Allocate(name string, sizes []int) ([]compiledcode.Region, error)
	PlaceData(b []byte) uint64
	Install(r *compiledcode.Routine) error
	// Release returns regions of a routine that will not be installed.
	Release(regions []compiledcode.Region)
}

type Symbolizer = addresstable.Symbolizer
