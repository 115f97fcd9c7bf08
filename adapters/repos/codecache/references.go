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
	"encoding/binary"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"

	"github.com/weaviate/codearchive/adapters/repos/codecache/arena"
	"github.com/weaviate/codearchive/entities/compiledcode"
)

// RefTag selects how an archived reference is restored.
type RefTag uint8

const (
	RefNull RefTag = iota
	RefNoData
	RefSharedType
	RefSharedMethod
	RefType
	RefMethod
	RefString
	RefSharedString
	RefPrimitive
	RefLoader
	RefHeapObject
	refTagCount
)

var refTagNames = [...]string{
	RefNull:         "null",
	RefNoData:       "no_data",
	RefSharedType:   "shared_type",
	RefSharedMethod: "shared_method",
	RefType:         "type",
	RefMethod:       "method",
	RefString:       "string",
	RefSharedString: "shared_string",
	RefPrimitive:    "primitive",
	RefLoader:       "loader",
	RefHeapObject:   "heap_object",
}

func (t RefTag) String() string {
	if t < refTagCount {
		return refTagNames[t]
	}
	return fmt.Sprintf("ref(%d)", uint8(t))
}

// Reference is an object or metadata reference in its archived form.
type Reference struct {
	Tag RefTag
	// Offset into the shared metadata region for RefSharedType and
	// RefSharedMethod.
	Offset uint64
	// Index is the shared string index or the permanent heap object index.
	Index     uint32
	Loader    compiledcode.LoaderKind
	Basic     compiledcode.BasicType
	Name      string
	Holder    string
	Signature string
}

func (r Reference) String() string {
	switch r.Tag {
	case RefSharedType, RefSharedMethod:
		return fmt.Sprintf("%s@%#x", r.Tag, r.Offset)
	case RefType:
		return fmt.Sprintf("type %s (%s)", r.Name, r.Loader)
	case RefMethod:
		return fmt.Sprintf("method %s.%s%s (%s)", r.Holder, r.Name, r.Signature, r.Loader)
	case RefString:
		return fmt.Sprintf("string %q", r.Name)
	case RefSharedString, RefHeapObject:
		return fmt.Sprintf("%s#%d", r.Tag, r.Index)
	case RefPrimitive:
		return fmt.Sprintf("primitive %d", r.Basic)
	case RefLoader:
		return fmt.Sprintf("loader %s", r.Loader)
	default:
		return r.Tag.String()
	}
}

func appendReference(dst []byte, ref Reference) []byte {
	dst = append(dst, byte(ref.Tag))
	switch ref.Tag {
	case RefSharedType, RefSharedMethod:
		dst = binary.LittleEndian.AppendUint64(dst, ref.Offset)
	case RefType:
		dst = append(dst, byte(ref.Loader))
		dst = appendString(dst, ref.Name)
	case RefMethod:
		dst = append(dst, byte(ref.Loader))
		dst = appendString(dst, ref.Holder)
		dst = appendString(dst, ref.Name)
		dst = appendString(dst, ref.Signature)
	case RefString:
		dst = appendString(dst, ref.Name)
	case RefSharedString, RefHeapObject:
		dst = binary.LittleEndian.AppendUint32(dst, ref.Index)
	case RefPrimitive:
		dst = append(dst, byte(ref.Basic))
	case RefLoader:
		dst = append(dst, byte(ref.Loader))
	}
	return dst
}

func appendString(dst []byte, s string) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(s)))
	return append(dst, s...)
}

func readReference(r *arena.Reader) (Reference, error) {
	tag, err := r.Byte()
	if err != nil {
		return Reference{}, err
	}

	ref := Reference{Tag: RefTag(tag)}
	switch ref.Tag {
	case RefNull, RefNoData:
	case RefSharedType, RefSharedMethod:
		ref.Offset, err = r.Uint64()
	case RefType:
		if ref.Loader, err = readLoader(r); err == nil {
			ref.Name, err = readString(r)
		}
	case RefMethod:
		if ref.Loader, err = readLoader(r); err != nil {
			break
		}
		if ref.Holder, err = readString(r); err != nil {
			break
		}
		if ref.Name, err = readString(r); err != nil {
			break
		}
		ref.Signature, err = readString(r)
	case RefString:
		ref.Name, err = readString(r)
	case RefSharedString, RefHeapObject:
		ref.Index, err = r.Uint32()
	case RefPrimitive:
		var b byte
		if b, err = r.Byte(); err == nil {
			ref.Basic = compiledcode.BasicType(b)
			if !ref.Basic.Valid() {
				err = errors.Errorf("invalid basic type %d", b)
			}
		}
	case RefLoader:
		ref.Loader, err = readLoader(r)
	default:
		err = errors.Errorf("unknown reference tag %d", tag)
	}
	if err != nil {
		return Reference{}, errors.Wrapf(err, "read %s reference", ref.Tag)
	}
	return ref, nil
}

func readLoader(r *arena.Reader) (compiledcode.LoaderKind, error) {
	b, err := r.Byte()
	if err != nil {
		return 0, err
	}
	l := compiledcode.LoaderKind(b)
	if !l.Valid() {
		return 0, errors.Errorf("invalid loader %d", b)
	}
	return l, nil
}

func readString(r *arena.Reader) (string, error) {
	n, err := r.Uint32()
	if err != nil {
		return "", err
	}
	b, err := r.Read(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

const defaultResolvedCacheSize = 1024

// references turns live values into archived references and back.
// Successful symbolic resolutions are cached, failed ones are retried.
type references struct {
	resolver Resolver
	resolved *lru.Cache[Reference, uint64]
}

func newReferences(resolver Resolver, cacheSize int) (*references, error) {
	if cacheSize <= 0 {
		cacheSize = defaultResolvedCacheSize
	}
	cache, err := lru.New[Reference, uint64](cacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "create resolution cache")
	}
	return &references{resolver: resolver, resolved: cache}, nil
}

// reference picks the archived form of v. Types and methods are stored by
// shared offset when the resolver allows it, by name otherwise.
func (rs *references) reference(v compiledcode.Value) (Reference, error) {
	switch v.Kind {
	case compiledcode.ValueNull:
		return Reference{Tag: RefNull}, nil
	case compiledcode.ValueNoData:
		return Reference{Tag: RefNoData}, nil
	case compiledcode.ValueType:
		if off, ok := rs.resolver.SharedOffset(v); ok {
			return Reference{Tag: RefSharedType, Offset: off}, nil
		}
		if !rs.resolver.CanStoreSymbolic(v) {
			return Reference{}, lookupFailed("%s can not be archived", v)
		}
		return Reference{Tag: RefType, Loader: v.Loader, Name: v.Name}, nil
	case compiledcode.ValueMethod:
		if off, ok := rs.resolver.SharedOffset(v); ok {
			return Reference{Tag: RefSharedMethod, Offset: off}, nil
		}
		if !rs.resolver.CanStoreSymbolic(v) {
			return Reference{}, lookupFailed("%s can not be archived", v)
		}
		return Reference{
			Tag:       RefMethod,
			Loader:    v.Loader,
			Holder:    v.Holder,
			Name:      v.Name,
			Signature: v.Signature,
		}, nil
	case compiledcode.ValueString:
		if idx, ok := rs.resolver.SharedStringIndex(v); ok {
			return Reference{Tag: RefSharedString, Index: idx}, nil
		}
		return Reference{Tag: RefString, Name: v.Name}, nil
	case compiledcode.ValuePrimitive:
		if !v.Basic.Valid() {
			return Reference{}, lookupFailed("invalid basic type %d", v.Basic)
		}
		return Reference{Tag: RefPrimitive, Basic: v.Basic}, nil
	case compiledcode.ValueLoader:
		if !v.Loader.Valid() {
			return Reference{}, lookupFailed("invalid loader %d", v.Loader)
		}
		return Reference{Tag: RefLoader, Loader: v.Loader}, nil
	case compiledcode.ValueHeapObject:
		idx, ok := rs.resolver.HeapObjectIndex(v)
		if !ok {
			return Reference{}, lookupFailed("heap object %#x is not archived", v.Handle)
		}
		return Reference{Tag: RefHeapObject, Index: idx}, nil
	default:
		panic(UnknownValueKindError{Kind: v.Kind})
	}
}

func (rs *references) resolve(ref Reference) (uint64, error) {
	switch ref.Tag {
	case RefNull:
		return 0, nil
	case RefNoData:
		return compiledcode.NonOopWord, nil
	}

	cacheable := ref.Tag == RefType || ref.Tag == RefMethod
	if cacheable {
		if h, ok := rs.resolved.Get(ref); ok {
			return h, nil
		}
	}

	h, err := rs.resolver.Resolve(ref)
	if err != nil {
		return 0, errors.Wrapf(ErrLookupFailed, "resolve %s: %v", ref, err)
	}
	if h == 0 {
		return 0, lookupFailed("resolve %s: no live handle", ref)
	}
	if cacheable {
		rs.resolved.Add(ref, h)
	}
	return h, nil
}

// encodeValues writes a count followed by the archived form of each value.
func (rs *references) encodeValues(dst []byte, values []compiledcode.Value) ([]byte, error) {
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(values)))
	for i, v := range values {
		ref, err := rs.reference(v)
		if err != nil {
			return nil, errors.Wrapf(err, "value %d", i)
		}
		dst = appendReference(dst, ref)
	}
	return dst, nil
}

func readReferences(r *arena.Reader) ([]Reference, error) {
	count, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	if int(count) > r.Remaining() {
		return nil, errors.Errorf("%d references in %d bytes", count, r.Remaining())
	}
	out := make([]Reference, count)
	for i := range out {
		if out[i], err = readReference(r); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (rs *references) resolveAll(refs []Reference) ([]uint64, error) {
	out := make([]uint64, len(refs))
	for i, ref := range refs {
		h, err := rs.resolve(ref)
		if err != nil {
			return nil, err
		}
		out[i] = h
	}
	return out, nil
}
