// Package metrics implements the hub's metric registry and alerting.
//
// Three metric kinds are supported: counters (monotonic), gauges (set) and
// histograms (recorded samples with percentile summaries). Every metric is
// mirrored into Prometheus so the /metrics endpoint exposes the same data
// that alert rules evaluate.
//
// Metric recording must never block or fail a request. All operations are
// lock-guarded in-memory updates; the Prometheus mirror is best effort.
package metrics

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// maxSamples bounds per-histogram memory. Old samples are dropped FIFO.
const maxSamples = 4096

// Registry holds all metrics and alert rules for the process.
//
// Construct once at startup and pass explicitly to components; there is no
// package-level default.
type Registry struct {
	mu         sync.RWMutex
	counters   map[string]float64
	gauges     map[string]float64
	histograms map[string]*histogram

	promCounters   map[string]prometheus.Counter
	promGauges     map[string]prometheus.Gauge
	promHistograms map[string]prometheus.Histogram
	promReg        *prometheus.Registry

	rules  []AlertRule
	active map[string]bool

	log zerolog.Logger
}

type histogram struct {
	samples []float64
}

// Summary is a histogram snapshot with percentile estimates.
type Summary struct {
	Count int
	Min   float64
	Max   float64
	Mean  float64
	P50   float64
	P95   float64
	P99   float64
}

// Severity of a fired alert.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Condition compares a metric value against a threshold.
type Condition string

const (
	CondAbove Condition = "above"
	CondBelow Condition = "below"
)

// AlertRule fires when the named metric crosses the threshold. Histogram
// metrics are evaluated against their p95.
type AlertRule struct {
	Name      string
	Metric    string
	Condition Condition
	Threshold float64
	Severity  Severity
}

// Alert describes a fired rule.
type Alert struct {
	Rule     AlertRule
	Value    float64
	FiredAt  time.Time
}

// NewRegistry creates an empty metric registry backed by its own Prometheus
// registry (exposed via PrometheusRegistry for the HTTP handler).
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		counters:       make(map[string]float64),
		gauges:         make(map[string]float64),
		histograms:     make(map[string]*histogram),
		promCounters:   make(map[string]prometheus.Counter),
		promGauges:     make(map[string]prometheus.Gauge),
		promHistograms: make(map[string]prometheus.Histogram),
		promReg:        prometheus.NewRegistry(),
		active:         make(map[string]bool),
		log:            logger.With().Str("component", "metrics").Logger(),
	}
}

// PrometheusRegistry returns the backing Prometheus registry.
func (r *Registry) PrometheusRegistry() *prometheus.Registry {
	return r.promReg
}

// key flattens a metric name and labels into a stable identifier.
func key(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	id := name
	for _, k := range keys {
		id += fmt.Sprintf("{%s=%s}", k, labels[k])
	}
	return id
}

// IncrCounter adds delta to a monotonic counter.
func (r *Registry) IncrCounter(name string, delta float64, labels map[string]string) {
	if delta < 0 {
		return
	}
	id := key(name, labels)

	r.mu.Lock()
	r.counters[id] += delta
	c, ok := r.promCounters[id]
	if !ok {
		c = prometheus.NewCounter(prometheus.CounterOpts{Name: sanitize(name), ConstLabels: prometheus.Labels(labels)})
		if err := r.promReg.Register(c); err == nil {
			r.promCounters[id] = c
		} else {
			c = nil
		}
	}
	r.mu.Unlock()

	if c != nil {
		c.Add(delta)
	}
}

// SetGauge sets a gauge to value.
func (r *Registry) SetGauge(name string, value float64, labels map[string]string) {
	id := key(name, labels)

	r.mu.Lock()
	r.gauges[id] = value
	g, ok := r.promGauges[id]
	if !ok {
		g = prometheus.NewGauge(prometheus.GaugeOpts{Name: sanitize(name), ConstLabels: prometheus.Labels(labels)})
		if err := r.promReg.Register(g); err == nil {
			r.promGauges[id] = g
		} else {
			g = nil
		}
	}
	r.mu.Unlock()

	if g != nil {
		g.Set(value)
	}
}

// Observe records a histogram sample.
func (r *Registry) Observe(name string, value float64, labels map[string]string) {
	id := key(name, labels)

	r.mu.Lock()
	h, ok := r.histograms[id]
	if !ok {
		h = &histogram{}
		r.histograms[id] = h
	}
	h.samples = append(h.samples, value)
	if len(h.samples) > maxSamples {
		h.samples = h.samples[len(h.samples)-maxSamples:]
	}
	ph, ok := r.promHistograms[id]
	if !ok {
		ph = prometheus.NewHistogram(prometheus.HistogramOpts{Name: sanitize(name), ConstLabels: prometheus.Labels(labels)})
		if err := r.promReg.Register(ph); err == nil {
			r.promHistograms[id] = ph
		} else {
			ph = nil
		}
	}
	r.mu.Unlock()

	if ph != nil {
		ph.Observe(value)
	}
}

// CounterValue returns the current value of a counter (0 if absent).
func (r *Registry) CounterValue(name string, labels map[string]string) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.counters[key(name, labels)]
}

// GaugeValue returns the current value of a gauge (0 if absent).
func (r *Registry) GaugeValue(name string, labels map[string]string) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.gauges[key(name, labels)]
}

// Summarize computes percentile estimates for a histogram.
func (r *Registry) Summarize(name string, labels map[string]string) Summary {
	r.mu.RLock()
	h, ok := r.histograms[key(name, labels)]
	if !ok || len(h.samples) == 0 {
		r.mu.RUnlock()
		return Summary{}
	}
	samples := make([]float64, len(h.samples))
	copy(samples, h.samples)
	r.mu.RUnlock()

	sort.Float64s(samples)
	sum := 0.0
	for _, s := range samples {
		sum += s
	}
	return Summary{
		Count: len(samples),
		Min:   samples[0],
		Max:   samples[len(samples)-1],
		Mean:  sum / float64(len(samples)),
		P50:   percentile(samples, 0.50),
		P95:   percentile(samples, 0.95),
		P99:   percentile(samples, 0.99),
	}
}

// percentile assumes sorted input; nearest-rank.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// AddRule registers an alert rule.
func (r *Registry) AddRule(rule AlertRule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = append(r.rules, rule)
}

// Evaluate checks every rule and returns alerts that fired on this pass.
// A rule stays "active" until its condition clears; only the transition
// into the firing state is returned, so callers can emit one event per
// incident rather than one per evaluation.
func (r *Registry) Evaluate() []Alert {
	r.mu.Lock()
	rules := make([]AlertRule, len(r.rules))
	copy(rules, r.rules)
	r.mu.Unlock()

	var fired []Alert
	now := time.Now().UTC()

	for _, rule := range rules {
		value, ok := r.metricValue(rule.Metric)
		if !ok {
			continue
		}

		breach := false
		switch rule.Condition {
		case CondAbove:
			breach = value > rule.Threshold
		case CondBelow:
			breach = value < rule.Threshold
		}

		r.mu.Lock()
		wasActive := r.active[rule.Name]
		r.active[rule.Name] = breach
		r.mu.Unlock()

		if breach && !wasActive {
			fired = append(fired, Alert{Rule: rule, Value: value, FiredAt: now})
			r.log.Warn().
				Str("rule", rule.Name).
				Str("metric", rule.Metric).
				Float64("value", value).
				Float64("threshold", rule.Threshold).
				Str("severity", string(rule.Severity)).
				Msg("alert fired")
		} else if !breach && wasActive {
			r.log.Info().Str("rule", rule.Name).Msg("alert cleared")
		}
	}

	return fired
}

// ActiveAlerts lists rule names currently in breach.
func (r *Registry) ActiveAlerts() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	for name, active := range r.active {
		if active {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (r *Registry) metricValue(metric string) (float64, bool) {
	r.mu.RLock()
	if v, ok := r.counters[metric]; ok {
		r.mu.RUnlock()
		return v, true
	}
	if v, ok := r.gauges[metric]; ok {
		r.mu.RUnlock()
		return v, true
	}
	h, ok := r.histograms[metric]
	if !ok || len(h.samples) == 0 {
		r.mu.RUnlock()
		return 0, false
	}
	samples := make([]float64, len(h.samples))
	copy(samples, h.samples)
	r.mu.RUnlock()

	sort.Float64s(samples)
	return percentile(samples, 0.95), true
}

// sanitize converts a dotted metric name into a Prometheus-safe one.
func sanitize(name string) string {
	out := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_':
			out[i] = c
		default:
			out[i] = '_'
		}
	}
	return string(out)
}
