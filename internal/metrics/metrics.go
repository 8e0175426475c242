// Package metrics exposes replay progress as Prometheus metrics.
package metrics

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/banshee-data/trn.replay/internal/replay"
	"github.com/banshee-data/trn.replay/internal/source"
)

const namespace = "trn_replay"

// Collector records every replay step. It implements replay.StepSink.
type Collector struct {
	gatherer prometheus.Gatherer
	reg      prometheus.Registerer

	Pairs         *prometheus.CounterVec
	Matched       *prometheus.CounterVec
	Updates       prometheus.Counter
	Failures      prometheus.Counter
	Reinits       prometheus.Counter
	ResumeSkipped prometheus.Counter
	MatchOffset   *prometheus.HistogramVec
	LastTimestamp prometheus.Gauge
}

// NewCollector registers the replay metrics against reg, defaulting to the
// global Prometheus registry when nil.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	pairs, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pairs_total",
		Help:      "Synchronized pairs produced, labeled by anchor source.",
	}, []string{"anchor"}))
	if err != nil {
		return nil, err
	}
	matched, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "matched_total",
		Help:      "Pair halves filled from a secondary source within tolerance, labeled by half.",
	}, []string{"half"}))
	if err != nil {
		return nil, err
	}
	updates, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dispatch_updates_total",
		Help:      "Pairs accepted by the filter.",
	}))
	if err != nil {
		return nil, err
	}
	failures, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dispatch_failures_total",
		Help:      "Pairs the filter could not be given.",
	}))
	if err != nil {
		return nil, err
	}
	reinits, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "filter_reinits_total",
		Help:      "Filter reinitializations triggered by the health policy.",
	}))
	if err != nil {
		return nil, err
	}
	skipped, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "resume_skipped_total",
		Help:      "Anchors skipped because they precede the resume point.",
	}))
	if err != nil {
		return nil, err
	}
	offsets, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "match_offset_seconds",
		Help:      "Absolute time between the anchor and the matched secondary record.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.2, 0.3, 0.5},
	}, []string{"half"}))
	if err != nil {
		return nil, err
	}
	last, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "last_timestamp_seconds",
		Help:      "Latest anchor time accepted by the filter, epoch seconds.",
	}))
	if err != nil {
		return nil, err
	}

	return &Collector{
		gatherer:      gatherer,
		reg:           reg,
		Pairs:         pairs,
		Matched:       matched,
		Updates:       updates,
		Failures:      failures,
		Reinits:       reinits,
		ResumeSkipped: skipped,
		MatchOffset:   offsets,
		LastTimestamp: last,
	}, nil
}

func (c *Collector) ObserveStep(res replay.StepResult) error {
	if c == nil {
		return nil
	}
	p := res.Pair
	c.Pairs.WithLabelValues(string(p.Anchor)).Inc()
	if res.Skipped {
		c.ResumeSkipped.Inc()
		return nil
	}
	if p.NavMatched {
		c.Matched.WithLabelValues("nav").Inc()
		c.MatchOffset.WithLabelValues("nav").Observe(abs(p.NavDt))
	}
	if p.DVLMatched {
		c.Matched.WithLabelValues("dvl").Inc()
		c.MatchOffset.WithLabelValues("dvl").Observe(abs(p.DVLDt))
	}
	if res.Err != nil || !res.Outcome.Accepted {
		c.Failures.Inc()
		return nil
	}
	c.Updates.Inc()
	if res.Outcome.Reinitialized {
		c.Reinits.Inc()
	}
	c.LastTimestamp.Set(p.Time)
	return nil
}

// WatchSources registers a collector that reports per-source record counts
// from stats on every scrape.
func (c *Collector) WatchSources(stats func() []source.Stats) error {
	return c.reg.Register(&sourceCollector{stats: stats})
}

// Handler exposes a ready-to-use /metrics handler.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

var (
	sourceRecordsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "source", "records"),
		"Records handled per log source, labeled by state.",
		[]string{"source", "kind", "state"}, nil,
	)
	sourceExhaustedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "source", "exhausted"),
		"1 once the log source has no more records.",
		[]string{"source", "kind"}, nil,
	)
)

type sourceCollector struct {
	stats func() []source.Stats
}

func (s *sourceCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- sourceRecordsDesc
	ch <- sourceExhaustedDesc
}

func (s *sourceCollector) Collect(ch chan<- prometheus.Metric) {
	for _, st := range s.stats() {
		kind := string(st.Kind)
		for state, v := range map[string]int{
			"read":         st.Read,
			"emitted":      st.Emitted,
			"skipped":      st.Skipped,
			"parse_errors": st.ParseErrors,
		} {
			ch <- prometheus.MustNewConstMetric(sourceRecordsDesc, prometheus.GaugeValue, float64(v), st.Name, kind, state)
		}
		exhausted := 0.0
		if st.Exhausted {
			exhausted = 1
		}
		ch <- prometheus.MustNewConstMetric(sourceExhaustedDesc, prometheus.GaugeValue, exhausted, st.Name, kind)
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

var _ replay.StepSink = (*Collector)(nil)

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector already registered with incompatible type: %w", err)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector already registered with incompatible type: %w", err)
		}
		return nil, err
	}
	return vec, nil
}

func registerCounter(reg prometheus.Registerer, c prometheus.Counter) (prometheus.Counter, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector already registered with incompatible type: %w", err)
		}
		return nil, err
	}
	return c, nil
}

func registerGauge(reg prometheus.Registerer, g prometheus.Gauge) (prometheus.Gauge, error) {
	if err := reg.Register(g); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector already registered with incompatible type: %w", err)
		}
		return nil, err
	}
	return g, nil
}
