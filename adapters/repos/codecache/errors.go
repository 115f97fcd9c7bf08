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
	"fmt"

	"github.com/pkg/errors"

	"github.com/weaviate/codearchive/adapters/repos/codecache/archiveindex"
	"github.com/weaviate/codearchive/adapters/repos/codecache/arena"
	"github.com/weaviate/codearchive/entities/compiledcode"
)

var (
	// ErrUnavailable is returned while no session is open or the open one is
	// closing.
	ErrUnavailable = errors.New("code archive unavailable")
	// ErrArchiveFailed is sticky. Once set, the session neither stores nor
	// writes anything.
	ErrArchiveFailed = errors.New("code archive failed")
	// ErrLookupFailed only affects the routine being stored or loaded.
	ErrLookupFailed = errors.New("reference lookup failed")
	ErrNotFound     = errors.New("archive entry not found")
	ErrMismatch     = archiveindex.ErrMismatch
	ErrCapacity     = arena.ErrCapacity
	// ErrNotEligible is returned for routines the archive never stores, such
	// as on-stack-replacement compilations.
	ErrNotEligible = errors.New("routine not eligible for the code archive")
)

// UnknownValueKindError is raised when a value of a kind the archive cannot
// encode reaches the writer.
type UnknownValueKindError struct {
	Kind compiledcode.ValueKind
}

func (e UnknownValueKindError) Error() string {
	return fmt.Sprintf("cannot archive value of unknown kind %s", e.Kind)
}

func lookupFailed(format string, args ...interface{}) error {
	return errors.Wrapf(ErrLookupFailed, format, args...)
}

// unitLocal reports whether err only invalidates the current routine.
func unitLocal(err error) bool {
	return errors.Is(err, ErrLookupFailed) || errors.Is(err, ErrNotEligible)
}
