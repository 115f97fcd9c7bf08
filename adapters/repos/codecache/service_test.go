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
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weaviate/codearchive/adapters/repos/codecache/addresstable"
	"github.com/weaviate/codearchive/adapters/repos/codecache/archiveindex"
	"github.com/weaviate/codearchive/adapters/repos/codecache/codeheap"
	"github.com/weaviate/codearchive/entities/archivestate"
	"github.com/weaviate/codearchive/entities/compiledcode"
	"github.com/weaviate/codearchive/usecases/config"
	"github.com/weaviate/codearchive/usecases/monitoring"
)

func newTestService(t *testing.T, cfg config.Archive, heapBase uint64) (*Service, *codeheap.Heap, *fakeResolver) {
	logger, _ := test.NewNullLogger()
	resolver := newFakeResolver()
	heap := codeheap.New(heapBase, logger)
	svc := NewService(cfg, logger, monitoring.NewPrometheusMetrics(nil), resolver, heap)
	require.NoError(t, svc.AddressTable().CompleteBase(
		[]addresstable.Destination{{Name: "runtime_helper", Address: helperAddr}}, nil, nil))
	return svc, heap, resolver
}

func archiveConfig(path string) config.Archive {
	return config.Archive{
		LoadCachedCode:  true,
		StoreCachedCode: true,
		Path:            path,
		MaxSize:         config.DefaultMaxSize,
		PreloadWorkers:  2,
		Verify:          true,
		CloseTimeout:    time.Second,
	}
}

func TestServiceDisabled(t *testing.T) {
	svc, _, _ := newTestService(t, config.Archive{}, 0x4000_0000)

	require.NoError(t, svc.Open(""))
	assert.Equal(t, archivestate.StatusClosed, svc.Status())
	assert.False(t, svc.IsOpenForRead())
	assert.False(t, svc.IsOpenForWrite())
	assert.Nil(t, svc.Session())

	_, err := svc.StoreStub("call_stub", 7, stubCode(8))
	require.ErrorIs(t, err, ErrUnavailable)
	require.ErrorIs(t, svc.LoadStub("call_stub", 7, make([]byte, 8)), ErrUnavailable)
	_, err = svc.StoreMethod(storeRequest(hashCode, 4, 0))
	require.ErrorIs(t, err, ErrUnavailable)
	_, ok := svc.LoadMethod(loadRequest(hashCode, 4, 0))
	assert.False(t, ok)
	_, err = svc.LoadExceptionBlob()
	require.ErrorIs(t, err, ErrUnavailable)
	assert.Nil(t, svc.FindEntry(0, 0, 0, 0))
	assert.Equal(t, 0, svc.Invalidate(nil))

	res, err := svc.Preload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PreloadResult{}, res)
	require.NoError(t, svc.Close(context.Background()))
}

func TestServiceOpenPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "code.archive")

	t.Run("load without a file", func(t *testing.T) {
		cfg := archiveConfig(path)
		cfg.StoreCachedCode = false
		svc, _, _ := newTestService(t, cfg, 0x4000_0000)
		require.NoError(t, svc.Open(""))
		assert.Nil(t, svc.Session())
	})

	t.Run("store without a file", func(t *testing.T) {
		svc, _, _ := newTestService(t, archiveConfig(path), 0x4000_0000)
		require.NoError(t, svc.Open(""))
		assert.False(t, svc.IsOpenForRead())
		assert.True(t, svc.IsOpenForWrite())
		assert.Equal(t, archivestate.StatusReady, svc.Status())

		require.Error(t, svc.Open(""), "only one session at a time")

		_, err := svc.StoreMethod(storeRequest(hashCode, 4, 0))
		require.NoError(t, err)
		require.NoError(t, svc.Close(context.Background()))
		assert.Equal(t, archivestate.StatusClosed, svc.Status())
	})

	t.Run("reopen reads the written file", func(t *testing.T) {
		svc, _, resolver := newTestService(t, archiveConfig(path), 0x6000_0000)
		require.NoError(t, svc.Open(""))
		defer svc.Close(context.Background())
		assert.True(t, svc.IsOpenForRead())
		assert.True(t, svc.IsOpenForWrite())

		r, ok := svc.LoadMethod(loadRequest(hashCode, 4, 0))
		require.True(t, ok)
		requireRelocated(t, r, resolver)

		e := svc.FindEntry(archiveindex.KindCode, EntryID(hashCode), 4, 0)
		require.NotNil(t, e)
		assert.Equal(t, 1, svc.Invalidate(e))
	})
}

func TestServiceCarriesStringsIntoSessions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "code.archive")
	svc, _, _ := newTestService(t, archiveConfig(path), 0x4000_0000)

	addr := uint64(0x8000_0000)
	require.True(t, svc.AddString(addr, "greeting"))
	require.NoError(t, svc.Open(""))

	req := storeRequest(hashCode, 4, 0)
	insts := &req.Buffer.Sections[1]
	insts.Relocs = append(insts.Relocs, compiledcode.Relocation{
		Type: compiledcode.RelocExternalWord, Offset: 40, Target: addr,
	})
	_, err := svc.StoreMethod(req)
	require.NoError(t, err)
	require.NoError(t, svc.Close(context.Background()))

	next, heap, _ := newTestService(t, archiveConfig(path), 0x6000_0000)
	require.NoError(t, next.Open(""))
	defer next.Close(context.Background())

	r, ok := next.LoadMethod(loadRequest(hashCode, 4, 0))
	require.True(t, ok)
	placed := binary.LittleEndian.Uint64(r.Section(compiledcode.SectionInsts).Code[40:])
	str, err := heap.Read(placed, len("greeting"))
	require.NoError(t, err)
	assert.Equal(t, "greeting", string(str))
}

func TestServicePreload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "code.archive")
	svc, _, resolver := newTestService(t, archiveConfig(path), 0x4000_0000)
	resolver.share(hashCode, 0x1000)
	require.NoError(t, svc.Open(""))
	req := storeRequest(hashCode, 4, 0)
	req.ForPreload = true
	_, err := svc.StoreMethod(req)
	require.NoError(t, err)
	require.NoError(t, svc.Close(context.Background()))

	cfg := archiveConfig(path)
	cfg.StoreCachedCode = false
	next, heap, nextResolver := newTestService(t, cfg, 0x6000_0000)
	nextResolver.share(hashCode, 0x1000)
	require.NoError(t, next.Open(""))
	defer next.Close(context.Background())

	res, ok := <-next.StartPreload(context.Background())
	require.True(t, ok)
	assert.Equal(t, 1, res.Loaded)
	_, ok = heap.Lookup(codeheap.MethodKey(hashCode, 4))
	assert.True(t, ok)

	res, err = next.Preload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Loaded, "preloaded entries are not loaded twice")
}

func TestServiceCloseRetriesAfterTimeout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "code.archive")
	cfg := archiveConfig(path)
	cfg.CloseTimeout = 20 * time.Millisecond
	svc, _, _ := newTestService(t, cfg, 0x4000_0000)
	require.NoError(t, svc.Open(""))
	_, err := svc.StoreMethod(storeRequest(hashCode, 4, 0))
	require.NoError(t, err)

	sess := svc.Session()
	require.True(t, sess.enter())

	err = svc.Close(context.Background())
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Same(t, sess, svc.Session(), "session stays attached")
	assert.Equal(t, archivestate.StatusClosing, svc.Status())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "nothing written while a reader is inside")
	require.Error(t, svc.Open(""), "still open")

	sess.leave()
	require.NoError(t, svc.Close(context.Background()))
	assert.Nil(t, svc.Session())
	assert.Equal(t, archivestate.StatusClosed, svc.Status())
	assert.Equal(t, archivestate.StatusClosed, sess.Status())
	_, err = os.Stat(path)
	require.NoError(t, err)

	require.NoError(t, svc.Open(""))
	assert.True(t, svc.IsOpenForRead())
	require.NoError(t, svc.Close(context.Background()))
}
