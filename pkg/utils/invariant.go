// Invariants are conditions that must hold unless there is a bug in tiercache itself, e.g. the memory tier's cost
// accounting going negative or the serialized queue running a nil task. A violated invariant is logged at error
// level and counted in `tiercache_invariants_total`, which is what alerts should fire on. The process keeps running:
// the caller is still responsible for handling the bad case (usually an early return).
//
// Do not raise invariants for conditions caused by the outside world. A missing cache file, a full disk or a
// payload that fails to decode are expected outcomes for a cache and are handled as misses or logged warnings.
//
// Test builds (-ldflags "-X .../utils.TestMode=true") panic on violation so that tests catch them.

package utils

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	promclient "github.com/prometheus/client_model/go"
)

var invariantsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tiercache_invariants_total",
	Help: "The total number of invariant violations",
}, []string{
	"module", // The module in which this invariant occurred.
	"type",   // The type of the invariant that occurred.
})

// RaiseInvariant records a violated invariant of `invariantType` inside `module`.
func RaiseInvariant(module, invariantType, msg string, args ...any) {
	invariantsMetric.WithLabelValues(module, invariantType).Inc()
	slog.With("invariant", invariantType, "module", module).Error(msg, args...)
	if IsTestMode {
		panic("invariant violated: " + invariantType)
	}
}

// GetMetricValue returns the current value of invariant metric with labels `module` and `invariantType`.
func GetMetricValue(module, invariantType string) int {
	var metric = &promclient.Metric{}
	if err := invariantsMetric.WithLabelValues(module, invariantType).Write(metric); err != nil {
		slog.Error("Failed to read invariant metric.", "error", err)
		return 0
	}
	return int(metric.Counter.GetValue())
}
