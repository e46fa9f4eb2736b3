// Package metrics exposes pipeline counters and gauges to Prometheus.
//
// All Record/Set methods are safe to call on a nil *Collector, so components can
// run without metrics wired in (tests, the CLI).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the pipeline metrics.
type Collector struct {
	tasksDispatched prometheus.Counter
	taskOutcomes    *prometheus.CounterVec
	taskRetries     *prometheus.CounterVec
	taskDuration    prometheus.Histogram
	jobsFinished    *prometheus.CounterVec
	alertsFired     *prometheus.CounterVec
	itemsCollected  *prometheus.CounterVec
	scrapeErrors    *prometheus.CounterVec

	concurrencyBudget prometheus.Gauge
	loadSignals       *prometheus.GaugeVec
	queueDepth        prometheus.Gauge
	runningTasks      prometheus.Gauge
	stuckTasks        prometheus.Gauge
	starvedTasks      prometheus.Gauge
	reconcileDuration prometheus.Histogram

	gatherer prometheus.Gatherer
}

// NewCollector creates the collector and registers it with reg. A nil reg uses a
// fresh registry.
func NewCollector(reg *prometheus.Registry) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	c := &Collector{
		tasksDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reviewlens_tasks_dispatched_total",
			Help: "Total number of tasks handed to the dispatcher",
		}),
		taskOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reviewlens_task_outcomes_total",
			Help: "Task settlements by resulting status",
		}, []string{"status"}),
		taskRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reviewlens_task_retries_total",
			Help: "Retries scheduled by error class",
		}, []string{"class"}),
		taskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "reviewlens_task_duration_seconds",
			Help:    "Time spent in the analysis call per task attempt",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reviewlens_jobs_finished_total",
			Help: "Jobs reaching a terminal status",
		}, []string{"status"}),
		alertsFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reviewlens_alerts_fired_total",
			Help: "Alerts emitted by rule",
		}, []string{"rule"}),
		itemsCollected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reviewlens_items_collected_total",
			Help: "Raw review items returned by scrapers",
		}, []string{"source"}),
		scrapeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reviewlens_scrape_errors_total",
			Help: "Failed scraper calls by source",
		}, []string{"source"}),
		concurrencyBudget: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reviewlens_concurrency_budget",
			Help: "Concurrency budget chosen by the most recent scheduler drive",
		}),
		loadSignals: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "reviewlens_load_signal",
			Help: "Most recent sampled load signals",
		}, []string{"signal"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reviewlens_queue_depth",
			Help: "Tasks waiting in pending or queued",
		}),
		runningTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reviewlens_running_tasks",
			Help: "Tasks currently running system-wide",
		}),
		stuckTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reviewlens_stuck_tasks",
			Help: "Stuck tasks found by the last reconciliation",
		}),
		starvedTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reviewlens_starved_tasks",
			Help: "Starved tasks found by the last reconciliation",
		}),
		reconcileDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "reviewlens_reconcile_duration_seconds",
			Help:    "Duration of reconciliation passes",
			Buckets: prometheus.DefBuckets,
		}),
		gatherer: reg,
	}

	reg.MustRegister(
		c.tasksDispatched,
		c.taskOutcomes,
		c.taskRetries,
		c.taskDuration,
		c.jobsFinished,
		c.alertsFired,
		c.itemsCollected,
		c.scrapeErrors,
		c.concurrencyBudget,
		c.loadSignals,
		c.queueDepth,
		c.runningTasks,
		c.stuckTasks,
		c.starvedTasks,
		c.reconcileDuration,
	)
	return c
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

func (c *Collector) RecordDispatch() {
	if c == nil {
		return
	}
	c.tasksDispatched.Inc()
}

// RecordOutcome counts a task settlement and, when positive, the attempt duration.
func (c *Collector) RecordOutcome(status string, seconds float64) {
	if c == nil {
		return
	}
	c.taskOutcomes.WithLabelValues(status).Inc()
	if seconds > 0 {
		c.taskDuration.Observe(seconds)
	}
}

func (c *Collector) RecordRetry(class string) {
	if c == nil {
		return
	}
	c.taskRetries.WithLabelValues(class).Inc()
}

func (c *Collector) RecordJobFinished(status string) {
	if c == nil {
		return
	}
	c.jobsFinished.WithLabelValues(status).Inc()
}

func (c *Collector) RecordAlert(rule string) {
	if c == nil {
		return
	}
	c.alertsFired.WithLabelValues(rule).Inc()
}

// RecordScrape counts one scraper call. A non-nil err counts as a failure.
func (c *Collector) RecordScrape(source string, items int, err error) {
	if c == nil {
		return
	}
	if err != nil {
		c.scrapeErrors.WithLabelValues(source).Inc()
		return
	}
	c.itemsCollected.WithLabelValues(source).Add(float64(items))
}

// SetSchedulerState records the signals and budget of one scheduler drive.
func (c *Collector) SetSchedulerState(budget int, load, mem float64, queueDepth, running int) {
	if c == nil {
		return
	}
	c.concurrencyBudget.Set(float64(budget))
	c.loadSignals.WithLabelValues("load").Set(load)
	c.loadSignals.WithLabelValues("mem").Set(mem)
	c.queueDepth.Set(float64(queueDepth))
	c.runningTasks.Set(float64(running))
}

// SetReconcileResult records the anomaly counts and duration of one reconciliation.
func (c *Collector) SetReconcileResult(stuck, starved int, seconds float64) {
	if c == nil {
		return
	}
	c.stuckTasks.Set(float64(stuck))
	c.starvedTasks.Set(float64(starved))
	c.reconcileDuration.Observe(seconds)
}
