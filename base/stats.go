package base

import "github.com/rcrowley/go-metrics"

// StatSink is the add_stats collaborator passed to Stream.AddStats /
// ConnectionMap.AddStats. Each call registers (or reuses) a named metric in
// a per-owner go-metrics registry; callers elsewhere in the engine drain the
// registry for publication. Kept as an interface so tests can substitute a
// map-backed fake without pulling in the metrics registry machinery.
type StatSink interface {
	SetGauge(name string, value int64)
	IncrCounter(name string, delta int64)
}

// Registry adapts a go-metrics Registry to StatSink.
type Registry struct {
	reg metrics.Registry
}

func NewRegistry() *Registry {
	return &Registry{reg: metrics.NewRegistry()}
}

func (r *Registry) SetGauge(name string, value int64) {
	g := r.reg.GetOrRegister(name, metrics.NewGauge).(metrics.Gauge)
	g.Update(value)
}

func (r *Registry) IncrCounter(name string, delta int64) {
	c := r.reg.GetOrRegister(name, metrics.NewCounter).(metrics.Counter)
	c.Inc(delta)
}

// Snapshot returns every registered metric's current value, keyed by name,
// for stats-sink tests and ad-hoc inspection.
func (r *Registry) Snapshot() map[string]int64 {
	out := make(map[string]int64)
	r.reg.Each(func(name string, i interface{}) {
		switch m := i.(type) {
		case metrics.Gauge:
			out[name] = m.Value()
		case metrics.Counter:
			out[name] = m.Count()
		}
	})
	return out
}
