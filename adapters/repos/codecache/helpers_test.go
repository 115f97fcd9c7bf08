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
	"path/filepath"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/weaviate/codearchive/adapters/repos/codecache/addresstable"
	"github.com/weaviate/codearchive/adapters/repos/codecache/codeheap"
	"github.com/weaviate/codearchive/adapters/repos/codecache/strtab"
	"github.com/weaviate/codearchive/entities/compiledcode"
	"github.com/weaviate/codearchive/usecases/monitoring"
)

const (
	helperAddr = uint64(0x7000_0000)
	stubAddr   = uint64(0x7000_1000)
	blobAddr   = uint64(0x7000_2000)

	instsOrigin  = uint64(0x5000_0000)
	constsOrigin = uint64(0x5100_0000)
)

var (
	fooType    = compiledcode.TypeValue(compiledcode.LoaderApp, "com.example.Foo", 0x9000)
	objectType = compiledcode.TypeValue(compiledcode.LoaderBoot, "java.lang.Object", 0x9100)
	helloStr   = compiledcode.StringValue("hello", 0x9200)

	hashCode = compiledcode.Method{
		Holder: "java.lang.String", Name: "hashCode", Signature: "()I", Handle: 0xaa00,
	}
	equals = compiledcode.Method{
		Holder: "java.lang.String", Name: "equals", Signature: "(Ljava/lang/Object;)Z", Handle: 0xaa10,
	}
	length = compiledcode.Method{
		Holder: "java.lang.String", Name: "length", Signature: "()I", Handle: 0xaa20,
	}
)

// fakeResolver stands in for the class-metadata subsystem. Handles are
// looked up by the printed form of a reference.
type fakeResolver struct {
	sync.Mutex
	shared      map[string]uint64
	methods     map[uint64]compiledcode.Method
	handles     map[string]uint64
	heapObjects map[uint64]uint32
	noSymbolic  bool
	inactive    bool
	calls       int
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{
		shared:      map[string]uint64{},
		methods:     map[uint64]compiledcode.Method{},
		heapObjects: map[uint64]uint32{},
		handles: map[string]uint64{
			Reference{Tag: RefType, Loader: fooType.Loader, Name: fooType.Name}.String():       0xf000,
			Reference{Tag: RefType, Loader: objectType.Loader, Name: objectType.Name}.String(): 0xf100,
			Reference{Tag: RefString, Name: helloStr.Name}.String():                            0xf200,
		},
	}
}

// share places m in the shared region at offset.
func (r *fakeResolver) share(m compiledcode.Method, offset uint64) {
	r.Lock()
	defer r.Unlock()
	r.shared[m.FullName()] = offset
	r.methods[offset] = m
	r.handles[Reference{Tag: RefSharedMethod, Offset: offset}.String()] = m.Handle
}

func (r *fakeResolver) setHandle(ref Reference, h uint64) {
	r.Lock()
	defer r.Unlock()
	r.handles[ref.String()] = h
}

func (r *fakeResolver) SharedOffset(v compiledcode.Value) (uint64, bool) {
	r.Lock()
	defer r.Unlock()
	if v.Kind != compiledcode.ValueMethod {
		return 0, false
	}
	off, ok := r.shared[v.Holder+"."+v.Name+v.Signature]
	return off, ok
}

func (r *fakeResolver) CanStoreSymbolic(compiledcode.Value) bool {
	r.Lock()
	defer r.Unlock()
	return !r.noSymbolic
}

func (r *fakeResolver) SharedStringIndex(compiledcode.Value) (uint32, bool) {
	return 0, false
}

func (r *fakeResolver) HeapObjectIndex(v compiledcode.Value) (uint32, bool) {
	r.Lock()
	defer r.Unlock()
	idx, ok := r.heapObjects[v.Handle]
	return idx, ok
}

func (r *fakeResolver) SharedRegionActive() bool {
	r.Lock()
	defer r.Unlock()
	return !r.inactive
}

func (r *fakeResolver) SharedMethod(offset uint64) (compiledcode.Method, bool) {
	r.Lock()
	defer r.Unlock()
	m, ok := r.methods[offset]
	return m, ok
}

func (r *fakeResolver) Resolve(ref Reference) (uint64, error) {
	r.Lock()
	defer r.Unlock()
	r.calls++
	switch ref.Tag {
	case RefPrimitive:
		return 0x100 + uint64(ref.Basic), nil
	case RefLoader:
		return 0x200 + uint64(ref.Loader), nil
	case RefHeapObject:
		return 0x400 + uint64(ref.Index), nil
	}
	return r.handles[ref.String()], nil
}

type testEnv struct {
	t        *testing.T
	path     string
	resolver *fakeResolver
	heap     *codeheap.Heap
	strings  *strtab.Table
	table    *addresstable.Table
	logger   logrus.FieldLogger
	hook     *test.Hook
}

// newTestEnv prepares the collaborators of one process run. Every run gets
// its own code heap at heapBase.
func newTestEnv(t *testing.T, path string, heapBase uint64) *testEnv {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	strs := strtab.New()
	table := addresstable.New(strs, nil, 0)
	require.NoError(t, table.CompleteBase(
		[]addresstable.Destination{{Name: "runtime_helper", Address: helperAddr}},
		[]addresstable.Destination{{Name: "call_stub", Address: stubAddr}},
		[]addresstable.Destination{{Name: "deopt_blob", Address: blobAddr}},
	))

	if path == "" {
		path = filepath.Join(t.TempDir(), "code.archive")
	}
	return &testEnv{
		t:        t,
		path:     path,
		resolver: newFakeResolver(),
		heap:     codeheap.New(heapBase, logger),
		strings:  strs,
		table:    table,
		logger:   logger,
		hook:     hook,
	}
}

// next is a fresh process run over the same archive file.
func (env *testEnv) next(heapBase uint64) *testEnv {
	n := newTestEnv(env.t, env.path, heapBase)
	for k, v := range env.resolver.shared {
		n.resolver.shared[k] = v
	}
	for k, v := range env.resolver.methods {
		n.resolver.methods[k] = v
	}
	for k, v := range env.resolver.handles {
		n.resolver.handles[k] = v
	}
	return n
}

func (env *testEnv) config(load, store bool) SessionConfig {
	return SessionConfig{
		Path:    env.path,
		Load:    load,
		Store:   store,
		MaxSize: 1 << 20,
		Verify:  true,
	}
}

func (env *testEnv) deps() Dependencies {
	return Dependencies{
		Logger:    env.logger,
		Metrics:   monitoring.NewPrometheusMetrics(nil),
		Resolver:  env.resolver,
		Store:     env.heap,
		Addresses: env.table,
		Strings:   env.strings,
	}
}

func (env *testEnv) open(load, store bool) *Session {
	s, err := OpenSession(env.config(load, store), env.deps())
	require.NoError(env.t, err)
	return s
}

// methodBuffer builds an insts and a consts section exercising every kind of
// relocation.
func methodBuffer() *compiledcode.CodeBuffer {
	insts := make([]byte, 64)
	consts := make([]byte, 16)

	disp := int64(helperAddr) - int64(instsOrigin+4)
	binary.LittleEndian.PutUint32(insts[0:], uint32(int32(disp)))
	binary.LittleEndian.PutUint64(insts[8:], fooType.Handle)
	binary.LittleEndian.PutUint64(insts[16:], objectType.Handle)
	binary.LittleEndian.PutUint64(insts[24:], instsOrigin+40)
	binary.LittleEndian.PutUint64(insts[32:], constsOrigin+8)
	for i := 48; i < len(insts); i++ {
		insts[i] = 0xcc
	}
	copy(consts, "constant")

	return &compiledcode.CodeBuffer{
		Sections: []compiledcode.Section{
			{Index: compiledcode.SectionConsts, Origin: constsOrigin, Code: consts},
			{
				Index:  compiledcode.SectionInsts,
				Origin: instsOrigin,
				Code:   insts,
				Relocs: []compiledcode.Relocation{
					{Type: compiledcode.RelocRuntimeCall, Format: compiledcode.FormatRel32, Offset: 0, Target: helperAddr},
					{Type: compiledcode.RelocOop, Offset: 8, Immediate: true, Value: fooType},
					{Type: compiledcode.RelocMetadata, Offset: 16, Index: 1},
					{Type: compiledcode.RelocInternalWord, Offset: 24},
					{Type: compiledcode.RelocSectionWord, Offset: 32},
					{Type: compiledcode.RelocPostCallNop, Offset: 44},
				},
			},
		},
		Objects:  []compiledcode.Value{helloStr},
		Metadata: []compiledcode.Value{objectType},
	}
}

func storeRequest(m compiledcode.Method, level, decompile int) StoreRequest {
	return StoreRequest{
		Method:         m,
		CompileID:      100 + level*10 + decompile,
		EntryBCI:       compiledcode.InvocationEntryBCI,
		Buffer:         methodBuffer(),
		DebugInfo:      []byte("debug-info"),
		Dependencies:   []byte("deps"),
		OopMaps:        []compiledcode.OopMap{{PCOffset: 12, FrameSlots: 4, Oops: []int32{1, 3}}},
		Handlers:       []compiledcode.ExceptionHandler{{ScopePC: 4, HandlerBCI: 7, HandlerPC: 20}},
		NullChecks:     []compiledcode.ImplicitNullCheck{{ExecOffset: 8, ContOffset: 30}},
		CodeOffsets:    map[string]int{"entry": 0, "verified_entry": 4},
		OrigPCOffset:   16,
		FrameSize:      48,
		CompLevel:      level,
		DecompileCount: decompile,
		Flags:          compiledcode.Flags{HasMonitors: true, HasUnsafeAccess: true},
	}
}

func loadRequest(m compiledcode.Method, level, decompile int) LoadRequest {
	return LoadRequest{
		Method:         m,
		EntryBCI:       compiledcode.InvocationEntryBCI,
		Compiler:       "optimizing",
		CompLevel:      level,
		DecompileCount: decompile,
	}
}

// requireRelocated checks every operand of a routine built from
// methodBuffer against the handles of resolver.
func requireRelocated(t *testing.T, r *compiledcode.Routine, resolver *fakeResolver) {
	t.Helper()

	insts := r.Section(compiledcode.SectionInsts)
	consts := r.Section(compiledcode.SectionConsts)
	require.NotNil(t, insts)
	require.NotNil(t, consts)
	require.NotEqual(t, instsOrigin, insts.Base)

	disp := int32(binary.LittleEndian.Uint32(insts.Code[0:]))
	require.Equal(t, helperAddr, uint64(int64(insts.Base)+4+int64(disp)), "runtime call")

	fooRef := Reference{Tag: RefType, Loader: fooType.Loader, Name: fooType.Name}
	objRef := Reference{Tag: RefType, Loader: objectType.Loader, Name: objectType.Name}
	strRef := Reference{Tag: RefString, Name: helloStr.Name}
	require.Equal(t, resolver.handles[fooRef.String()], binary.LittleEndian.Uint64(insts.Code[8:]), "immediate oop")
	require.Equal(t, resolver.handles[objRef.String()], binary.LittleEndian.Uint64(insts.Code[16:]), "metadata table")
	require.Equal(t, insts.Base+40, binary.LittleEndian.Uint64(insts.Code[24:]), "internal word")
	require.Equal(t, consts.Base+8, binary.LittleEndian.Uint64(insts.Code[32:]), "section word")
	for i := 48; i < len(insts.Code); i++ {
		require.Equal(t, byte(0xcc), insts.Code[i], "untouched byte %d", i)
	}
	require.Equal(t, "constant", string(consts.Code[:8]))

	require.Equal(t, []uint64{resolver.handles[strRef.String()]}, r.Objects)
	require.Equal(t, []uint64{resolver.handles[objRef.String()]}, r.Metadata)
}

func stubCode(n int) []byte {
	code := make([]byte, n)
	for i := range code {
		code[i] = byte(i)
	}
	return code
}

func exceptionBlob() *compiledcode.CodeBuffer {
	code := make([]byte, 32)
	disp := int64(helperAddr) - int64(instsOrigin+4)
	binary.LittleEndian.PutUint32(code, uint32(int32(disp)))
	return &compiledcode.CodeBuffer{
		Name: "exception_blob",
		Sections: []compiledcode.Section{{
			Index:  compiledcode.SectionInsts,
			Origin: instsOrigin,
			Code:   code,
			Relocs: []compiledcode.Relocation{
				{Type: compiledcode.RelocRuntimeCall, Format: compiledcode.FormatRel32, Target: helperAddr},
			},
		}},
	}
}

// callBuffer is a routine consisting of a single relative call to target.
func callBuffer(target uint64) *compiledcode.CodeBuffer {
	code := make([]byte, 16)
	disp := int64(target) - int64(instsOrigin+4)
	binary.LittleEndian.PutUint32(code, uint32(int32(disp)))
	return &compiledcode.CodeBuffer{
		Sections: []compiledcode.Section{{
			Index:  compiledcode.SectionInsts,
			Origin: instsOrigin,
			Code:   code,
			Relocs: []compiledcode.Relocation{
				{Type: compiledcode.RelocRuntimeCall, Format: compiledcode.FormatRel32, Target: target},
			},
		}},
	}
}
