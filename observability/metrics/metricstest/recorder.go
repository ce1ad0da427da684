// Package metricstest provides an in-memory metrics.Recorder for tests.
package metricstest

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
)

// Recorder accumulates measurements by instrument name.
type Recorder struct {
	mu       sync.Mutex
	counts   map[string]int64
	observed map[string][]float64
	attrs    map[string][]attribute.Set
}

// New creates an empty Recorder
func New() *Recorder {
	return &Recorder{
		counts:   make(map[string]int64),
		observed: make(map[string][]float64),
		attrs:    make(map[string][]attribute.Set),
	}
}

func (r *Recorder) Count(_ context.Context, name string, attrs ...attribute.KeyValue) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[name]++
	r.attrs[name] = append(r.attrs[name], attribute.NewSet(attrs...))
}

func (r *Recorder) Add(_ context.Context, name string, delta int64, attrs ...attribute.KeyValue) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[name] += delta
	r.attrs[name] = append(r.attrs[name], attribute.NewSet(attrs...))
}

func (r *Recorder) Observe(_ context.Context, name string, value float64, attrs ...attribute.KeyValue) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observed[name] = append(r.observed[name], value)
	r.attrs[name] = append(r.attrs[name], attribute.NewSet(attrs...))
}

// Value returns the running total of a counter
func (r *Recorder) Value(name string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[name]
}

// Observations returns the values recorded for a histogram
func (r *Recorder) Observations(name string) []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]float64(nil), r.observed[name]...)
}

// Attributes returns the attribute sets recorded for name, in call order
func (r *Recorder) Attributes(name string) []attribute.Set {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]attribute.Set(nil), r.attrs[name]...)
}
