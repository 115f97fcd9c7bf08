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

package monitoring

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArchiveMetrics(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	m := NewPrometheusMetrics(reg)

	t.Run("lookups", func(t *testing.T) {
		m.ArchiveLookup("code", true)
		m.ArchiveLookup("code", false)
		m.ArchiveLookup("code", false)

		assert.Equal(t, float64(1), testutil.ToFloat64(m.ArchiveLookups.WithLabelValues("code", "hit")))
		assert.Equal(t, float64(2), testutil.ToFloat64(m.ArchiveLookups.WithLabelValues("code", "miss")))
	})

	t.Run("stores", func(t *testing.T) {
		m.ArchiveStore("stub", true)
		m.ArchiveStore("code", false)

		assert.Equal(t, float64(1), testutil.ToFloat64(m.ArchiveStores.WithLabelValues("stub", "stored")))
		assert.Equal(t, float64(1), testutil.ToFloat64(m.ArchiveStores.WithLabelValues("code", "rejected")))
	})

	t.Run("invalidations", func(t *testing.T) {
		m.ArchiveInvalidate(3)
		assert.Equal(t, float64(3), testutil.ToFloat64(m.ArchiveInvalidations))
	})

	t.Run("loads", func(t *testing.T) {
		m.ArchiveLoad("code", true, 2*time.Millisecond)
		m.ArchiveLoad("blob", false, time.Millisecond)

		assert.Equal(t, float64(1), testutil.ToFloat64(m.ArchiveLoads.WithLabelValues("code", "loaded")))
		assert.Equal(t, float64(1), testutil.ToFloat64(m.ArchiveLoads.WithLabelValues("blob", "failed")))
		assert.Equal(t, 2, testutil.CollectAndCount(m.ArchiveLoadDuration))
	})

	t.Run("readers", func(t *testing.T) {
		m.ArchiveReaderEnter()
		m.ArchiveReaderEnter()
		m.ArchiveReaderLeave()
		assert.Equal(t, float64(1), testutil.ToFloat64(m.ArchiveActiveReaders))
	})

	t.Run("buffer sizes and preload", func(t *testing.T) {
		m.ArchiveBufferSize("load", 4096)
		m.ArchivePreload("loaded", 2)
		m.ArchivePreload("failed", 0)

		assert.Equal(t, float64(4096), testutil.ToFloat64(m.ArchiveSize.WithLabelValues("load")))
		assert.Equal(t, 1, testutil.CollectAndCount(m.ArchivePreloaded))
	})

	families, err := reg.Gather()
	require.Nil(t, err)
	assert.NotEmpty(t, families)
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *PrometheusMetrics
	assert.NotPanics(t, func() {
		m.ArchiveLookup("code", true)
		m.ArchiveStore("code", true)
		m.ArchiveInvalidate(1)
		m.ArchiveLoad("code", true, time.Millisecond)
		m.ArchiveBufferSize("store", 1)
		m.ArchiveReaderEnter()
		m.ArchiveReaderLeave()
		m.ArchivePreload("loaded", 1)
	})
}

func TestNoopRegistry(t *testing.T) {
	first := NewPrometheusMetrics(nil)
	second := NewPrometheusMetrics(&NoopPrometheusRegistery{})
	first.ArchiveLookup("code", true)
	second.ArchiveLookup("code", true)
	assert.Equal(t, float64(1), testutil.ToFloat64(first.ArchiveLookups.WithLabelValues("code", "hit")))
}
