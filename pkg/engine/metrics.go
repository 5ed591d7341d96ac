package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	lookupMemoryHit = "memory_hit"
	lookupDiskHit   = "disk_hit"
	lookupMiss      = "miss"
)

var (
	lookupsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tiercache_lookups_total",
		Help: "Number of fetches, by the tier that served them.",
	}, []string{"namespace", "result"})
	evictionsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tiercache_memory_evictions_total",
		Help: "Number of items evicted from the memory tier due to its budget.",
	}, []string{"namespace"})
	diskErrorsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tiercache_disk_errors_total",
		Help: "Number of failed disk tier operations. The engine carries on after each of them.",
	}, []string{"namespace", "op"})
	sweptMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tiercache_swept_entries_total",
		Help: "Number of stale disk entries deleted by cleanup sweeps.",
	}, []string{"namespace"})
	memoryCostMetric = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tiercache_memory_cost_bytes",
		Help: "Total bytes held by the memory tier.",
	}, []string{"namespace"})
)
