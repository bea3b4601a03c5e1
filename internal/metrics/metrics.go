// Package metrics exposes the Prometheus instrumentation of the poller.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector groups every metric the poller exports. It implements
// prometheus.Collector so it can be registered as a unit. All methods are
// safe on a nil receiver, which disables instrumentation.
type Collector struct {
	fetched    *prometheus.CounterVec
	accepted   *prometheus.CounterVec
	duplicates *prometheus.CounterVec
	filtered   *prometheus.CounterVec
	delivered  *prometheus.CounterVec

	cycleErrors      *prometheus.CounterVec
	observerFailures *prometheus.CounterVec

	cycleDuration *prometheus.HistogramVec
	passDuration  prometheus.Histogram

	accounts       prometheus.Gauge
	lastSuccess    *prometheus.GaugeVec
	schedulerState *prometheus.GaugeVec
	rateRemaining  prometheus.Gauge
}

// compile-time check
var _ prometheus.Collector = (*Collector)(nil)

// SchedulerStates lists the values of the state label.
var SchedulerStates = []string{"idle", "polling", "sleeping", "stopped"}

// New creates a Collector.
func New() *Collector {
	buckets := []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

	return &Collector{
		fetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pw_posts_fetched_total",
			Help: "Posts returned by the provider.",
		}, []string{"handle"}),

		accepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pw_posts_accepted_total",
			Help: "New posts that passed the account filter.",
		}, []string{"handle"}),

		duplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pw_posts_duplicate_total",
			Help: "Fetched posts dropped as already seen.",
		}, []string{"handle"}),

		filtered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pw_posts_filtered_total",
			Help: "New posts dropped by the reply/retweet filter.",
		}, []string{"handle"}),

		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pw_posts_delivered_total",
			Help: "Posts handed to observers.",
		}, []string{"handle"}),

		cycleErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pw_cycle_errors_total",
			Help: "Failed account cycles by error kind.",
		}, []string{"handle", "kind"}),

		observerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pw_observer_failures_total",
			Help: "Observer invocations that returned an error or panicked.",
		}, []string{"observer"}),

		cycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pw_cycle_duration_seconds",
			Help:    "Duration of one account cycle including commit and dispatch.",
			Buckets: buckets,
		}, []string{"handle"}),

		passDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pw_pass_duration_seconds",
			Help:    "Duration of one polling pass over all accounts.",
			Buckets: buckets,
		}),

		accounts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pw_accounts_tracked",
			Help: "Number of registered accounts.",
		}),

		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pw_account_last_success_timestamp",
			Help: "Unix time of the last successful cycle per account.",
		}, []string{"handle"}),

		schedulerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pw_scheduler_state",
			Help: "Scheduler state (1 = current state matches label, 0 otherwise).",
		}, []string{"state"}),

		rateRemaining: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pw_rate_limit_remaining",
			Help: "Last x-rate-limit-remaining value seen from the provider (-1 = unknown).",
		}),
	}
}

func (c *Collector) all() []prometheus.Collector {
	return []prometheus.Collector{
		c.fetched, c.accepted, c.duplicates, c.filtered, c.delivered,
		c.cycleErrors, c.observerFailures,
		c.cycleDuration, c.passDuration,
		c.accounts, c.lastSuccess, c.schedulerState, c.rateRemaining,
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.all() {
		m.Describe(ch)
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, m := range c.all() {
		m.Collect(ch)
	}
}

// CycleCounts carries the per-cycle post counters.
type CycleCounts struct {
	Fetched, Accepted, Duplicates, Filtered int
}

// ObserveCycle records a successful account cycle.
func (c *Collector) ObserveCycle(handle string, counts CycleCounts, took time.Duration) {
	if c == nil {
		return
	}
	c.fetched.WithLabelValues(handle).Add(float64(counts.Fetched))
	c.accepted.WithLabelValues(handle).Add(float64(counts.Accepted))
	c.duplicates.WithLabelValues(handle).Add(float64(counts.Duplicates))
	c.filtered.WithLabelValues(handle).Add(float64(counts.Filtered))
	c.cycleDuration.WithLabelValues(handle).Observe(took.Seconds())
	c.lastSuccess.WithLabelValues(handle).Set(float64(time.Now().Unix()))
}

// CycleFailed records a failed account cycle.
func (c *Collector) CycleFailed(handle, kind string, took time.Duration) {
	if c == nil {
		return
	}
	c.cycleErrors.WithLabelValues(handle, kind).Inc()
	c.cycleDuration.WithLabelValues(handle).Observe(took.Seconds())
}

// Delivered records posts handed to observers.
func (c *Collector) Delivered(handle string, n int) {
	if c == nil {
		return
	}
	c.delivered.WithLabelValues(handle).Add(float64(n))
}

// ObserverFailed records one failed observer invocation.
func (c *Collector) ObserverFailed(observer string) {
	if c == nil {
		return
	}
	c.observerFailures.WithLabelValues(observer).Inc()
}

// ObservePass records the duration of a polling pass.
func (c *Collector) ObservePass(took time.Duration) {
	if c == nil {
		return
	}
	c.passDuration.Observe(took.Seconds())
}

// SetAccounts sets the tracked account gauge.
func (c *Collector) SetAccounts(n int) {
	if c == nil {
		return
	}
	c.accounts.Set(float64(n))
}

// SetSchedulerState flags state as current and clears the others.
func (c *Collector) SetSchedulerState(state string) {
	if c == nil {
		return
	}
	for _, s := range SchedulerStates {
		v := 0.0
		if s == state {
			v = 1
		}
		c.schedulerState.WithLabelValues(s).Set(v)
	}
}

// SetRateLimitRemaining records the provider's remaining request budget.
func (c *Collector) SetRateLimitRemaining(n int) {
	if c == nil {
		return
	}
	c.rateRemaining.Set(float64(n))
}
