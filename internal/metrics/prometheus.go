package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "control_plane"

type Prometheus struct {
	Metrics *Metrics

	registry *prometheus.Registry
	counters map[string]prometheus.Counter
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	p := &Prometheus{
		registry: registry,
		counters: make(map[string]prometheus.Counter),
	}
	p.Metrics = &Metrics{
		TicksTotal:          p.counter("strategy_ticks_total", "Total number of strategy ticks."),
		TickErrors:          p.counter("strategy_tick_errors_total", "Total number of failed strategy ticks."),
		OrdersApproved:      p.counter("orders_approved_total", "Total number of proposed orders approved by the mode controller."),
		OrdersQueued:        p.counter("orders_queued_total", "Total number of proposed orders queued for confirmation."),
		OrdersRejected:      p.counter("orders_rejected_total", "Total number of proposed orders rejected by risk limits."),
		OrdersSubmitted:     p.counter("oms_orders_submitted_total", "Total number of orders submitted through the OMS."),
		OrdersFailed:        p.counter("oms_orders_failed_total", "Total number of OMS submission failures."),
		Failovers:           p.counter("failovers_total", "Total number of failover switches."),
		WatchdogTimeouts:    p.counter("watchdog_timeouts_total", "Total number of watchdog stall escalations."),
		HealthCheckFailures: p.counter("health_check_failures_total", "Total number of failed health check runs."),
	}
	return p
}

func (p *Prometheus) counter(name, help string) Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      name,
		Help:      help,
	})
	p.registry.MustRegister(c)
	p.counters[name] = c
	return c
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
