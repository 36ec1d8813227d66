// Copyright 2023 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "bitgraph"

// Metrics holds the collectors of one storage instance.
type Metrics struct {
	Registry prometheus.Registerer

	tasks          *prometheus.CounterVec
	taskErrors     *prometheus.CounterVec
	taskDuration   *prometheus.HistogramVec
	gcCycles       prometheus.Counter
	sweptEntities  *prometheus.CounterVec
	entities       *prometheus.GaugeVec
	liveBytes      *prometheus.GaugeVec
	totalBytes     *prometheus.GaugeVec
	dissolvedFiles *prometheus.CounterVec
	transferred    *prometheus.CounterVec
	lazyCleared    prometheus.Counter
	lazyLoaded     prometheus.Counter
	housekeeping   *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.  A nil reg gets a
// private registry, so multiple storages in one process don't collide.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		Registry: reg,
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_tasks_total",
			Help:      "Tasks executed per channel and kind.",
		}, []string{"channel", "kind"}),
		taskErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_task_errors_total",
			Help:      "Failed tasks per channel and kind.",
		}, []string{"channel", "kind"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "channel_task_duration_seconds",
			Help:      "Task execution time per kind.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"kind"}),
		gcCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gc_cycles_total",
			Help:      "Completed mark-and-sweep cycles.",
		}),
		sweptEntities: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gc_swept_entities_total",
			Help:      "Entities removed by the garbage collector.",
		}, []string{"channel"}),
		entities: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "entities",
			Help:      "Live entities in the entity cache.",
		}, []string{"channel"}),
		liveBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "data_live_bytes",
			Help:      "Bytes of live entity records in data files.",
		}, []string{"channel"}),
		totalBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "data_total_bytes",
			Help:      "Total bytes of all data files.",
		}, []string{"channel"}),
		dissolvedFiles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dissolved_files_total",
			Help:      "Data files dissolved and deleted by housekeeping.",
		}, []string{"channel"}),
		transferred: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transferred_bytes_total",
			Help:      "Bytes of live records moved out of dissolving files.",
		}, []string{"channel"}),
		lazyCleared: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lazy_references_cleared_total",
			Help:      "Lazy references unloaded after their timeout.",
		}),
		lazyLoaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lazy_references_loaded_total",
			Help:      "Lazy reference loads.",
		}),
		housekeeping: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "housekeeping_failures_total",
			Help:      "Failed housekeeping slices per channel and job.",
		}, []string{"channel", "job"}),
	}
	reg.MustRegister(
		m.tasks,
		m.taskErrors,
		m.taskDuration,
		m.gcCycles,
		m.sweptEntities,
		m.entities,
		m.liveBytes,
		m.totalBytes,
		m.dissolvedFiles,
		m.transferred,
		m.lazyCleared,
		m.lazyLoaded,
		m.housekeeping,
	)
	return m
}

func label(channel int) string {
	return strconv.Itoa(channel)
}

func (m *Metrics) ObserveTask(channel int, kind string, d time.Duration, err error) {
	m.tasks.WithLabelValues(label(channel), kind).Inc()
	m.taskDuration.WithLabelValues(kind).Observe(d.Seconds())
	if err != nil {
		m.taskErrors.WithLabelValues(label(channel), kind).Inc()
	}
}

func (m *Metrics) GCCycleCompleted() {
	m.gcCycles.Inc()
}

func (m *Metrics) Swept(channel int, n int) {
	m.sweptEntities.WithLabelValues(label(channel)).Add(float64(n))
}

// SetChannelSizes publishes the entity count and data lengths of a channel.
func (m *Metrics) SetChannelSizes(channel int, entities int, live, total uint64) {
	m.entities.WithLabelValues(label(channel)).Set(float64(entities))
	m.liveBytes.WithLabelValues(label(channel)).Set(float64(live))
	m.totalBytes.WithLabelValues(label(channel)).Set(float64(total))
}

func (m *Metrics) FileDissolved(channel int) {
	m.dissolvedFiles.WithLabelValues(label(channel)).Inc()
}

func (m *Metrics) Transferred(channel int, n uint64) {
	m.transferred.WithLabelValues(label(channel)).Add(float64(n))
}

func (m *Metrics) LazyCleared(n int) {
	m.lazyCleared.Add(float64(n))
}

func (m *Metrics) LazyLoaded() {
	m.lazyLoaded.Inc()
}

func (m *Metrics) HousekeepingFailed(channel int, job string) {
	m.housekeeping.WithLabelValues(label(channel), job).Inc()
}
