// Package metrics provides named counters (meters) and gauges; in this
// repository internal/store counts its operations with them. Its shape
// mirrors the teacher's own internal
// metrics.Meter (metrics.GetOrRegisterMeter / Mark), not a third-party
// metrics client: nothing in the pack ships a standalone metrics library
// distinct from go-ethereum's own package of this name, so this is
// reimplemented directly against that observed API rather than grounded on
// an external dependency.
package metrics

import (
	"sync"
	"sync/atomic"
)

// Meter tracks a monotonically increasing count.
type Meter interface {
	Mark(n int64)
	Count() int64
}

type standardMeter struct {
	count int64
}

func (m *standardMeter) Mark(n int64) { atomic.AddInt64(&m.count, n) }
func (m *standardMeter) Count() int64 { return atomic.LoadInt64(&m.count) }

// NilMeter discards everything; used where a caller has no registry handy.
type nilMeter struct{}

func (nilMeter) Mark(int64)  {}
func (nilMeter) Count() int64 { return 0 }

// NilMeter is the shared no-op meter.
var NilMeter Meter = nilMeter{}

// Gauge tracks an instantaneous value (e.g. dirty bytes, live-block count).
type Gauge interface {
	Update(v int64)
	Value() int64
}

type standardGauge struct {
	value int64
}

func (g *standardGauge) Update(v int64) { atomic.StoreInt64(&g.value, v) }
func (g *standardGauge) Value() int64   { return atomic.LoadInt64(&g.value) }

// Registry is a named collection of meters/gauges for a subsystem, the same
// role go-ethereum's global metrics registry plays for freezer_table.go's
// readMeter/writeMeter pair, scoped per engine instance instead of global.
type Registry struct {
	mu     sync.Mutex
	meters map[string]Meter
	gauges map[string]Gauge
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		meters: make(map[string]Meter),
		gauges: make(map[string]Gauge),
	}
}

// GetOrRegisterMeter returns the named meter, creating it on first use.
func (r *Registry) GetOrRegisterMeter(name string) Meter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.meters[name]; ok {
		return m
	}
	m := &standardMeter{}
	r.meters[name] = m
	return m
}

// GetOrRegisterGauge returns the named gauge, creating it on first use.
func (r *Registry) GetOrRegisterGauge(name string) Gauge {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.gauges[name]; ok {
		return g
	}
	g := &standardGauge{}
	r.gauges[name] = g
	return g
}

// Snapshot returns a point-in-time copy of every meter/gauge count, used by
// the metadata slice's persisted performance counters (spec.md §4.7).
func (r *Registry) Snapshot() map[string]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int64, len(r.meters)+len(r.gauges))
	for name, m := range r.meters {
		out[name] = m.Count()
	}
	for name, g := range r.gauges {
		out[name] = g.Value()
	}
	return out
}
