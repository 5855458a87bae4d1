package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vmenergy"

// Recorder holds the process's Prometheus instruments. A nil *Recorder
// ignores every observation.
type Recorder struct {
	registry *prometheus.Registry

	readings       *prometheus.CounterVec
	writes         *prometheus.CounterVec
	iterations     *prometheus.CounterVec
	substitutions  *prometheus.CounterVec
	periodEnergy   *prometheus.GaugeVec
	lastCompletion *prometheus.GaugeVec
	queries        *prometheus.CounterVec
	queryDuration  *prometheus.HistogramVec
	cacheLookups   *prometheus.CounterVec
}

// NewRecorder registers all instruments on a fresh registry.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		readings: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "power_readings_total",
				Help:      "Instantaneous power readings by outcome",
			},
			[]string{"outcome"},
		),
		writes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "samples_written_total",
				Help:      "Time-series writes by bucket and outcome",
			},
			[]string{"bucket", "outcome"},
		),
		iterations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "campaign_iterations_total",
				Help:      "Completed campaign iterations by campaign and outcome",
			},
			[]string{"campaign", "outcome"},
		),
		substitutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "window_substitutions_total",
				Help:      "Requested windows replaced by the default window",
			},
			[]string{"campaign", "reason"},
		),
		periodEnergy: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "period_energy_wh",
				Help:      "Energy of the most recently sampled period",
			},
			[]string{"server_ip", "interval_minutes"},
		),
		lastCompletion: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "campaign_last_window_end_seconds",
				Help:      "Unix time of the end of the last completed window",
			},
			[]string{"campaign"},
		),
		queries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "energy_queries_total",
				Help:      "Energy aggregation requests by outcome",
			},
			[]string{"outcome"},
		),
		queryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "API request latency by route",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route", "code"},
		),
		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "query_cache_lookups_total",
				Help:      "Consumption query cache lookups by result",
			},
			[]string{"result"},
		),
	}

	r.registry.MustRegister(
		r.readings,
		r.writes,
		r.iterations,
		r.substitutions,
		r.periodEnergy,
		r.lastCompletion,
		r.queries,
		r.queryDuration,
		r.cacheLookups,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// ObserveReading counts a power reading attempt.
func (r *Recorder) ObserveReading(ok bool) {
	if r == nil {
		return
	}
	r.readings.WithLabelValues(outcome(ok)).Inc()
}

// ObserveWrite counts a time-series write.
func (r *Recorder) ObserveWrite(bucket string, ok bool) {
	if r == nil {
		return
	}
	r.writes.WithLabelValues(bucket, outcome(ok)).Inc()
}

// ObserveIteration counts a finished campaign iteration and, on success,
// records the end of its window.
func (r *Recorder) ObserveIteration(campaign string, ok bool, windowEnd float64) {
	if r == nil {
		return
	}
	r.iterations.WithLabelValues(campaign, outcome(ok)).Inc()
	if ok {
		r.lastCompletion.WithLabelValues(campaign).Set(windowEnd)
	}
}

// ObserveSubstitution counts a replaced window.
func (r *Recorder) ObserveSubstitution(campaign, reason string) {
	if r == nil {
		return
	}
	r.substitutions.WithLabelValues(campaign, reason).Inc()
}

// ObservePeriodEnergy publishes the energy of the latest period.
func (r *Recorder) ObservePeriodEnergy(serverIP string, intervalMinutes int, wh float64) {
	if r == nil {
		return
	}
	r.periodEnergy.WithLabelValues(serverIP, strconv.Itoa(intervalMinutes)).Set(wh)
}

// ObserveQuery counts an energy aggregation request.
func (r *Recorder) ObserveQuery(ok bool) {
	if r == nil {
		return
	}
	r.queries.WithLabelValues(outcome(ok)).Inc()
}

// ObserveRequest records API latency.
func (r *Recorder) ObserveRequest(route string, code int, seconds float64) {
	if r == nil {
		return
	}
	r.queryDuration.WithLabelValues(route, strconv.Itoa(code)).Observe(seconds)
}

// ObserveCacheLookup counts a consumption cache hit or miss.
func (r *Recorder) ObserveCacheLookup(hit bool) {
	if r == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	r.cacheLookups.WithLabelValues(result).Inc()
}
