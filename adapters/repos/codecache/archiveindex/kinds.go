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
	"fmt"
)

// Kind is the kind of routine stored in an archive entry.
type Kind uint8

const (
	KindNone Kind = iota
	KindStub
	KindBlob
	KindCode
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindStub:
		return "stub"
	case KindBlob:
		return "blob"
	case KindCode:
		return "code"
	default:
		return "n/a"
	}
}

func (k Kind) Valid() bool {
	return k >= KindStub && k <= KindCode
}

func CheckKind(k Kind) error {
	if k.Valid() {
		return nil
	}
	return fmt.Errorf("unknown entry kind %d", k)
}

func MustBeValidKind(k Kind) {
	if err := CheckKind(k); err != nil {
		panic(err)
	}
}

// EntryFlags are the status bits of an entry. Only FlagNotEntrant,
// FlagPreloaded and FlagLoadFailed change after the entry was written.
type EntryFlags uint16

const (
	FlagNotEntrant EntryFlags = 1 << iota
	FlagForPreload
	FlagPreloaded
	FlagHasClinitBarriers
	FlagLoadFailed
)

func (f EntryFlags) Has(flag EntryFlags) bool {
	return f&flag != 0
}

func (f EntryFlags) String() string {
	if f == 0 {
		return "-"
	}
	names := []struct {
		flag EntryFlags
		name string
	}{
		{FlagNotEntrant, "not_entrant"},
		{FlagForPreload, "for_preload"},
		{FlagPreloaded, "preloaded"},
		{FlagHasClinitBarriers, "clinit_barriers"},
		{FlagLoadFailed, "load_failed"},
	}
	out := ""
	for _, n := range names {
		if f.Has(n.flag) {
			if out != "" {
				out += ","
			}
			out += n.name
		}
	}
	return out
}
