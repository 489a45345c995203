// Package metrics exposes prometheus collectors for module loading, instantiation and execution.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "cellvm"

// Metrics is the set of collectors a runtime updates. A nil *Metrics is valid and records nothing.
type Metrics struct {
	modulesCompiled   *prometheus.CounterVec
	functionsCompiled prometheus.Counter
	compileDuration   prometheus.Histogram
	instantiations    *prometheus.CounterVec
	calls             prometheus.Counter
	traps             *prometheus.CounterVec
}

// New creates collectors and registers them with reg. Collectors already registered by another runtime are reused so
// several runtimes can share one registry. A nil reg leaves the collectors unregistered.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		modulesCompiled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "modules_compiled_total",
			Help:      "Modules loaded and validated, by result.",
		}, []string{"result"}),
		functionsCompiled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "functions_compiled_total",
			Help:      "Function bodies validated and rewritten.",
		}),
		compileDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "module_compile_duration_seconds",
			Help:      "Time spent loading and validating a module.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		instantiations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instantiations_total",
			Help:      "Module instantiations, by result.",
		}, []string{"result"}),
		calls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Calls entering the engine from the embedder.",
		}),
		traps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "traps_total",
			Help:      "Calls that ended in a trap, by trap class.",
		}, []string{"reason"}),
	}
	if reg == nil {
		return m, nil
	}

	var err error
	if m.modulesCompiled, err = register(reg, m.modulesCompiled); err != nil {
		return nil, err
	}
	if m.functionsCompiled, err = register(reg, m.functionsCompiled); err != nil {
		return nil, err
	}
	if m.compileDuration, err = register(reg, m.compileDuration); err != nil {
		return nil, err
	}
	if m.instantiations, err = register(reg, m.instantiations); err != nil {
		return nil, err
	}
	if m.calls, err = register(reg, m.calls); err != nil {
		return nil, err
	}
	if m.traps, err = register(reg, m.traps); err != nil {
		return nil, err
	}
	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// ModuleCompiled records the outcome of one load.
func (m *Metrics) ModuleCompiled(functions int, took time.Duration, err error) {
	if m == nil {
		return
	}
	m.compileDuration.Observe(took.Seconds())
	if err != nil {
		m.modulesCompiled.WithLabelValues("error").Inc()
		return
	}
	m.modulesCompiled.WithLabelValues("ok").Inc()
	m.functionsCompiled.Add(float64(functions))
}

// Instantiated records the outcome of one instantiation.
func (m *Metrics) Instantiated(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.instantiations.WithLabelValues("error").Inc()
		return
	}
	m.instantiations.WithLabelValues("ok").Inc()
}

// Called records a call from the embedder, and the trap reason when it failed. trapReason must come from a fixed set,
// as each distinct value is a new series.
func (m *Metrics) Called(trapReason string) {
	if m == nil {
		return
	}
	m.calls.Inc()
	if trapReason != "" {
		m.traps.WithLabelValues(trapReason).Inc()
	}
}
