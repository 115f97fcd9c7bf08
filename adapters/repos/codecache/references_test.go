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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weaviate/codearchive/adapters/repos/codecache/arena"
	"github.com/weaviate/codearchive/entities/compiledcode"
)

func TestReferenceEncoding(t *testing.T) {
	refs := []Reference{
		{Tag: RefNull},
		{Tag: RefNoData},
		{Tag: RefSharedType, Offset: 0x1234_5678},
		{Tag: RefSharedMethod, Offset: 0x40},
		{Tag: RefType, Loader: compiledcode.LoaderPlatform, Name: "java.sql.Date"},
		{Tag: RefMethod, Loader: compiledcode.LoaderApp, Holder: "com.example.Foo", Name: "bar", Signature: "(I)V"},
		{Tag: RefString, Name: ""},
		{Tag: RefString, Name: "hello, world"},
		{Tag: RefSharedString, Index: 17},
		{Tag: RefPrimitive, Basic: compiledcode.BasicLong},
		{Tag: RefLoader, Loader: compiledcode.LoaderBoot},
		{Tag: RefHeapObject, Index: 3},
	}

	var buf []byte
	for _, ref := range refs {
		buf = appendReference(buf, ref)
	}

	r := arena.NewReader(buf)
	for _, want := range refs {
		got, err := readReference(r)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	assert.Equal(t, 0, r.Remaining())
}

func TestReadReferenceRejectsGarbage(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{name: "unknown tag", data: []byte{0xee}},
		{name: "truncated offset", data: []byte{byte(RefSharedType), 1, 2}},
		{name: "invalid loader", data: []byte{byte(RefLoader), 9}},
		{name: "invalid basic type", data: []byte{byte(RefPrimitive), 1}},
		{name: "truncated string", data: []byte{byte(RefString), 10, 0, 0, 0, 'a'}},
		{name: "empty", data: nil},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := readReference(arena.NewReader(test.data))
			assert.Error(t, err)
		})
	}
}

func TestReferenceForValue(t *testing.T) {
	resolver := newFakeResolver()
	resolver.share(hashCode, 0x1000)
	resolver.heapObjects[0xbeef] = 5
	rs, err := newReferences(resolver, 0)
	require.NoError(t, err)

	tests := []struct {
		name  string
		value compiledcode.Value
		want  Reference
	}{
		{"null", compiledcode.NullValue(), Reference{Tag: RefNull}},
		{"no data", compiledcode.Value{Kind: compiledcode.ValueNoData}, Reference{Tag: RefNoData}},
		{"shared method", hashCode.Value(), Reference{Tag: RefSharedMethod, Offset: 0x1000}},
		{
			"symbolic method", equals.Value(),
			Reference{Tag: RefMethod, Holder: equals.Holder, Name: equals.Name, Signature: equals.Signature},
		},
		{"type", fooType, Reference{Tag: RefType, Loader: fooType.Loader, Name: fooType.Name}},
		{"string", helloStr, Reference{Tag: RefString, Name: "hello"}},
		{
			"primitive", compiledcode.Value{Kind: compiledcode.ValuePrimitive, Basic: compiledcode.BasicInt},
			Reference{Tag: RefPrimitive, Basic: compiledcode.BasicInt},
		},
		{
			"loader", compiledcode.Value{Kind: compiledcode.ValueLoader, Loader: compiledcode.LoaderApp},
			Reference{Tag: RefLoader, Loader: compiledcode.LoaderApp},
		},
		{
			"heap object", compiledcode.Value{Kind: compiledcode.ValueHeapObject, Handle: 0xbeef},
			Reference{Tag: RefHeapObject, Index: 5},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got, err := rs.reference(test.value)
			require.NoError(t, err)
			assert.Equal(t, test.want, got)
		})
	}

	t.Run("heap object without permanent index", func(t *testing.T) {
		_, err := rs.reference(compiledcode.Value{Kind: compiledcode.ValueHeapObject, Handle: 0xdead})
		require.ErrorIs(t, err, ErrLookupFailed)
	})

	t.Run("symbolic not allowed", func(t *testing.T) {
		resolver.noSymbolic = true
		defer func() { resolver.noSymbolic = false }()
		_, err := rs.reference(fooType)
		require.ErrorIs(t, err, ErrLookupFailed)
	})

	t.Run("unknown kind", func(t *testing.T) {
		assert.PanicsWithValue(t, UnknownValueKindError{Kind: 42}, func() {
			rs.reference(compiledcode.Value{Kind: 42})
		})
	})
}

func TestResolvedReferencesAreCached(t *testing.T) {
	resolver := newFakeResolver()
	rs, err := newReferences(resolver, 4)
	require.NoError(t, err)

	h, err := rs.resolve(Reference{Tag: RefNoData})
	require.NoError(t, err)
	assert.Equal(t, compiledcode.NonOopWord, h)
	h, err = rs.resolve(Reference{Tag: RefNull})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), h)
	assert.Equal(t, 0, resolver.calls)

	foo := Reference{Tag: RefType, Loader: fooType.Loader, Name: fooType.Name}
	for i := 0; i < 3; i++ {
		h, err = rs.resolve(foo)
		require.NoError(t, err)
		assert.Equal(t, uint64(0xf000), h)
	}
	assert.Equal(t, 1, resolver.calls)

	missing := Reference{Tag: RefType, Name: "com.example.Missing"}
	for i := 0; i < 2; i++ {
		_, err = rs.resolve(missing)
		require.ErrorIs(t, err, ErrLookupFailed)
	}
	assert.Equal(t, 3, resolver.calls)

	// strings are looked up every time
	str := Reference{Tag: RefString, Name: "hello"}
	for i := 0; i < 2; i++ {
		_, err = rs.resolve(str)
		require.NoError(t, err)
	}
	assert.Equal(t, 5, resolver.calls)
}

func TestEncodedValuesRoundTrip(t *testing.T) {
	rs, err := newReferences(newFakeResolver(), 0)
	require.NoError(t, err)

	values := []compiledcode.Value{helloStr, compiledcode.NullValue(), objectType}
	buf, err := rs.encodeValues(nil, values)
	require.NoError(t, err)

	refs, err := readReferences(arena.NewReader(buf))
	require.NoError(t, err)
	require.Len(t, refs, 3)

	handles, err := rs.resolveAll(refs)
	require.NoError(t, err)
	assert.Equal(t, []uint64{0xf200, 0, 0xf100}, handles)
}
