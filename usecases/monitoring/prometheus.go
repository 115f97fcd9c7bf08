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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics holds the collectors of the code archive. A nil
// *PrometheusMetrics is valid and records nothing.
type PrometheusMetrics struct {
	Registerer prometheus.Registerer

	ArchiveLookups       *prometheus.CounterVec
	ArchiveStores        *prometheus.CounterVec
	ArchiveInvalidations prometheus.Counter
	ArchiveLoads         *prometheus.CounterVec
	ArchiveLoadDuration  *prometheus.HistogramVec
	ArchiveSize          *prometheus.GaugeVec
	ArchiveActiveReaders prometheus.Gauge
	ArchivePreloaded     *prometheus.CounterVec
}

// NewPrometheusMetrics registers the archive collectors with reg. A nil reg
// uses the no-op registerer.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	if reg == nil {
		reg = noop
	}
	factory := promauto.With(reg)

	return &PrometheusMetrics{
		Registerer: reg,

		ArchiveLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "code_archive_lookups_total",
			Help: "Entry lookups in the code archive by entry kind and result",
		}, []string{"kind", "result"}),
		ArchiveStores: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "code_archive_stores_total",
			Help: "Routines offered to the code archive by entry kind and result",
		}, []string{"kind", "result"}),
		ArchiveInvalidations: factory.NewCounter(prometheus.CounterOpts{
			Name: "code_archive_invalidations_total",
			Help: "Entries marked not entrant, including cascaded successors",
		}),
		ArchiveLoads: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "code_archive_loads_total",
			Help: "Routines relocated out of the code archive by entry kind and result",
		}, []string{"kind", "result"}),
		ArchiveLoadDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "code_archive_load_duration_ms",
			Help:    "Duration of loading and relocating a single routine",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 50},
		}, []string{"kind"}),
		ArchiveSize: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "code_archive_size_bytes",
			Help: "Size of the archive buffers: the loaded file and the used store buffer",
		}, []string{"buffer"}),
		ArchiveActiveReaders: factory.NewGauge(prometheus.GaugeOpts{
			Name: "code_archive_active_readers",
			Help: "Operations currently holding the archive read guard",
		}),
		ArchivePreloaded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "code_archive_preload_total",
			Help: "Preload candidates by outcome",
		}, []string{"result"}),
	}
}
