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

package archiveindex

import (
	"encoding/binary"
	"sort"

	"github.com/pkg/errors"
)

// SearchPairSize is the on-disk size of a SearchPair.
const SearchPairSize = 8

// SearchPair maps an entry id to the position of the entry in the entry
// table.
type SearchPair struct {
	ID    uint32
	Index uint32
}

// SearchIndex is ordered by id so that all entries sharing an id are
// adjacent.
type SearchIndex []SearchPair

func (s SearchIndex) Sort() {
	sort.Slice(s, func(a, b int) bool {
		if s[a].ID != s[b].ID {
			return s[a].ID < s[b].ID
		}
		return s[a].Index < s[b].Index
	})
}

// Find returns the range [lo, hi) of pairs with the given id. The range is
// empty if the id is not present.
func (s SearchIndex) Find(id uint32) (int, int) {
	pos := sort.Search(len(s), func(i int) bool {
		return s[i].ID >= id
	})
	if pos == len(s) || s[pos].ID != id {
		return pos, pos
	}

	// scan both directions from the hit
	lo, hi := pos, pos+1
	for lo > 0 && s[lo-1].ID == id {
		lo--
	}
	for hi < len(s) && s[hi].ID == id {
		hi++
	}
	return lo, hi
}

func (s SearchIndex) Marshal(dst []byte) {
	for i, p := range s {
		binary.LittleEndian.PutUint32(dst[i*SearchPairSize:], p.ID)
		binary.LittleEndian.PutUint32(dst[i*SearchPairSize+4:], p.Index)
	}
}

func (s SearchIndex) Size() int {
	return len(s) * SearchPairSize
}

func UnmarshalSearchIndex(src []byte, count int) (SearchIndex, error) {
	if len(src) < count*SearchPairSize {
		return nil, errors.Errorf("search index of %d pairs needs %d bytes, got %d",
			count, count*SearchPairSize, len(src))
	}
	out := make(SearchIndex, count)
	for i := range out {
		out[i].ID = binary.LittleEndian.Uint32(src[i*SearchPairSize:])
		out[i].Index = binary.LittleEndian.Uint32(src[i*SearchPairSize+4:])
		if out[i].Index >= uint32(count) {
			return nil, errors.Errorf("search pair %d points at entry %d of %d",
				i, out[i].Index, count)
		}
		if i > 0 && out[i].ID < out[i-1].ID {
			return nil, errors.Errorf("search index not sorted at %d", i)
		}
	}
	return out, nil
}

// MarshalPreloadIndex writes the entry positions of preload candidates.
func MarshalPreloadIndex(dst []byte, indices []uint32) {
	for i, idx := range indices {
		binary.LittleEndian.PutUint32(dst[i*4:], idx)
	}
}

func UnmarshalPreloadIndex(src []byte, count, entries int) ([]uint32, error) {
	if len(src) < count*4 {
		return nil, errors.Errorf("preload index of %d entries needs %d bytes, got %d",
			count, count*4, len(src))
	}
	out := make([]uint32, count)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(src[i*4:])
		if out[i] >= uint32(entries) {
			return nil, errors.Errorf("preload entry %d points at entry %d of %d",
				i, out[i], entries)
		}
	}
	return out, nil
}
