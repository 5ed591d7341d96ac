package metrics

import (
	"errors"
	"flag"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
)

var relativeAccuracy = flag.Float64("latency_relative_accuracy", 0.01,
	"Relative accuracy of latency quantiles, e.g. 0.01 keeps them within 1% of the true value.")

// ErrNoData is returned for operations that haven't recorded any latency yet.
var ErrNoData = errors.New("no latency data")

// LatencyTracker tracks per operation latency quantiles using DDSketch. Safe for concurrent use.
type LatencyTracker struct {
	mux              sync.Mutex
	sketches         map[ /*operation*/ string]*ddsketch.DDSketch
	relativeAccuracy float64
}

// NewLatencyTracker creates a tracker whose quantiles are within `accuracy` (relative) of the true value.
func NewLatencyTracker(accuracy float64) (*LatencyTracker, error) {
	if accuracy <= 0 || accuracy >= 1 {
		return nil, fmt.Errorf("expected relative accuracy in (0, 1), got %v", accuracy)
	}
	return &LatencyTracker{sketches: make(map[string]*ddsketch.DDSketch), relativeAccuracy: accuracy}, nil
}

// RelativeAccuracyFromFlags returns `--latency_relative_accuracy`.
func RelativeAccuracyFromFlags() float64 {
	return *relativeAccuracy
}

// Record adds one sample of `duration` to `operation`.
func (lt *LatencyTracker) Record(operation string, duration time.Duration) {
	lt.mux.Lock()
	defer lt.mux.Unlock()

	sketch, exists := lt.sketches[operation]
	if !exists {
		var err error
		sketch, err = ddsketch.LogUnboundedDenseDDSketch(lt.relativeAccuracy)
		if err != nil { // Accuracy is validated by the constructor.
			sketch, _ = ddsketch.NewDefaultDDSketch(lt.relativeAccuracy)
		}
		lt.sketches[operation] = sketch
	}
	// DDSketch only accepts non-negative values; durations are recorded in milliseconds.
	_ = sketch.Add(max(float64(duration.Microseconds())/1000.0, 0))
}

// Since records the time elapsed since `start`. Meant for `defer lt.Since("op", time.Now())`.
func (lt *LatencyTracker) Since(operation string, start time.Time) {
	lt.Record(operation, time.Since(start))
}

// Stats summarizes the latency of an operation, in milliseconds.
type Stats struct {
	Operation string
	Count     int64
	Min       float64
	P50       float64
	P90       float64
	P99       float64
	Max       float64
}

// GetStats returns the statistics of `operation`, or ErrNoData.
func (lt *LatencyTracker) GetStats(operation string) (Stats, error) {
	lt.mux.Lock()
	defer lt.mux.Unlock()
	return lt.statsLocked(operation)
}

func (lt *LatencyTracker) statsLocked(operation string) (Stats, error) {
	sketch, exists := lt.sketches[operation]
	if !exists || sketch.GetCount() == 0 {
		return Stats{Operation: operation}, fmt.Errorf("%w for operation %s", ErrNoData, operation)
	}
	minValue, _ := sketch.GetMinValue()
	maxValue, _ := sketch.GetMaxValue()
	quantiles, err := sketch.GetValuesAtQuantiles([]float64{0.50, 0.90, 0.99})
	if err != nil {
		return Stats{Operation: operation}, fmt.Errorf("failed to compute quantiles of %s: %w", operation, err)
	}
	return Stats{
		Operation: operation,
		Count:     int64(sketch.GetCount()),
		Min:       minValue,
		P50:       quantiles[0],
		P90:       quantiles[1],
		P99:       quantiles[2],
		Max:       maxValue,
	}, nil
}

// GetAllStats returns the statistics of every operation with data, sorted by operation name.
func (lt *LatencyTracker) GetAllStats() []Stats {
	lt.mux.Lock()
	defer lt.mux.Unlock()

	stats := make([]Stats, 0, len(lt.sketches))
	for _, operation := range slices.Sorted(maps.Keys(lt.sketches)) {
		if stat, err := lt.statsLocked(operation); err == nil {
			stats = append(stats, stat)
		}
	}
	return stats
}

func (s Stats) String() string {
	if s.Count == 0 {
		return fmt.Sprintf("%s: no data", s.Operation)
	}
	return fmt.Sprintf("%s (n=%d): min=%.2fms p50=%.2fms p90=%.2fms p99=%.2fms max=%.2fms",
		s.Operation, s.Count, s.Min, s.P50, s.P90, s.P99, s.Max)
}
