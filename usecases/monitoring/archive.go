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

import "time"

func (pm *PrometheusMetrics) ArchiveLookup(kind string, hit bool) {
	if pm == nil {
		return
	}

	pm.ArchiveLookups.WithLabelValues(kind, hitLabel(hit)).Inc()
}

func (pm *PrometheusMetrics) ArchiveStore(kind string, stored bool) {
	if pm == nil {
		return
	}

	result := "stored"
	if !stored {
		result = "rejected"
	}
	pm.ArchiveStores.WithLabelValues(kind, result).Inc()
}

func (pm *PrometheusMetrics) ArchiveInvalidate(count int) {
	if pm == nil {
		return
	}

	pm.ArchiveInvalidations.Add(float64(count))
}

// ArchiveLoad records the outcome of relocating a routine and how long it
// took.
func (pm *PrometheusMetrics) ArchiveLoad(kind string, loaded bool, took time.Duration) {
	if pm == nil {
		return
	}

	result := "loaded"
	if !loaded {
		result = "failed"
	}
	pm.ArchiveLoads.WithLabelValues(kind, result).Inc()
	pm.ArchiveLoadDuration.WithLabelValues(kind).
		Observe(float64(took) / float64(time.Millisecond))
}

func (pm *PrometheusMetrics) ArchiveBufferSize(buffer string, bytes int) {
	if pm == nil {
		return
	}

	pm.ArchiveSize.WithLabelValues(buffer).Set(float64(bytes))
}

func (pm *PrometheusMetrics) ArchiveReaderEnter() {
	if pm == nil {
		return
	}

	pm.ArchiveActiveReaders.Inc()
}

func (pm *PrometheusMetrics) ArchiveReaderLeave() {
	if pm == nil {
		return
	}

	pm.ArchiveActiveReaders.Dec()
}

func (pm *PrometheusMetrics) ArchivePreload(result string, count int) {
	if pm == nil || count == 0 {
		return
	}

	pm.ArchivePreloaded.WithLabelValues(result).Add(float64(count))
}

func hitLabel(hit bool) string {
	if hit {
		return "hit"
	}
	return "miss"
}
