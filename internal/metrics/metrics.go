// Package metrics exposes bus traffic and register values as Prometheus
// metrics.
//
// A Collector is a TrafficTap and a StateSink. Hand it to fvbus.New and
// serve Handler on /metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nerrad567/fvgateway/internal/bridges/fvbus"
	"github.com/nerrad567/fvgateway/internal/gateway"
)

const namespace = "fvgateway"

// Collector owns a registry with the gateway's metrics.
type Collector struct {
	registry *prometheus.Registry

	transactions *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	values       *prometheus.GaugeVec
	updated      *prometheus.GaugeVec
	published    *prometheus.CounterVec
	pollFailures *prometheus.CounterVec
}

var (
	_ fvbus.TrafficTap = (*Collector)(nil)
	_ fvbus.StateSink  = (*Collector)(nil)
)

// New creates a Collector with its own registry, including the Go runtime
// and process collectors.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_transactions_total",
			Help:      "Bus transactions by origin and reply status.",
		}, []string{"origin", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "bus_transaction_duration_seconds",
			Help:      "Time from sending a command to classifying its reply.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2},
		}, []string{"origin"}),
		values: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "register_value",
			Help:      "Last published value of a numeric register.",
		}, []string{"controller", "register", "kind"}),
		updated: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "register_last_published_timestamp_seconds",
			Help:      "Unix time a register value was last published.",
		}, []string{"controller", "register"}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "register_published_total",
			Help:      "Register values published to MQTT.",
		}, []string{"controller", "register"}),
		pollFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "register_read_failures_total",
			Help:      "Gateway READ commands that got no usable reply.",
		}, []string{"controller", "register"}),
	}

	c.registry.MustRegister(
		c.transactions,
		c.latency,
		c.values,
		c.updated,
		c.published,
		c.pollFailures,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Transaction counts one bus exchange.
func (c *Collector) Transaction(tx fvbus.Transaction) {
	origin := string(tx.Origin)
	c.transactions.WithLabelValues(origin, tx.Reply.Status.String()).Inc()
	c.latency.WithLabelValues(origin).Observe(tx.Duration.Seconds())

	if tx.Origin != fvbus.OriginGateway || tx.Verb() != fvbus.CmdRead {
		return
	}
	if _, err := tx.Result(); err != nil {
		c.pollFailures.WithLabelValues(tx.Controller, tx.Register()).Inc()
	}
}

// RegisterState records a published value. String registers only count.
func (c *Collector) RegisterState(s fvbus.RegisterState) {
	c.published.WithLabelValues(s.Controller, s.Register).Inc()
	c.updated.WithLabelValues(s.Controller, s.Register).Set(float64(s.At.UnixNano()) / float64(time.Second))

	if s.Data == fvbus.DataString {
		return
	}
	v, err := strconv.ParseFloat(s.Value, 64)
	if err != nil {
		return
	}
	c.values.WithLabelValues(s.Controller, s.Register, s.Kind).Set(v)
}

// WatchBus exports the bus counters that have no per-transaction source.
func (c *Collector) WatchBus(stats func() fvbus.BusStats) {
	c.registry.MustRegister(
		counterFunc("bus_selection_changes_total", "Times the selected controller changed.", func() float64 {
			return float64(stats().SelectionChanges)
		}),
		counterFunc("bus_protocol_errors_total", "Replies that did not match the expected grammar.", func() float64 {
			return float64(stats().ProtocolErrors)
		}),
		counterFunc("register_suppressed_total", "Register values withheld by their kind's renderer.", func() float64 {
			return float64(stats().Suppressed)
		}),
		counterFunc("mqtt_publish_errors_total", "MQTT publishes that failed.", func() float64 {
			return float64(stats().PublishErrors)
		}),
		counterFunc("commands_total", "Inbound MQTT commands handled.", func() float64 {
			return float64(stats().Commands)
		}),
		counterFunc("command_errors_total", "Inbound MQTT commands that failed.", func() float64 {
			return float64(stats().CommandErrors)
		}),
		gaugeFunc("controllers_declared", "Controllers in the configuration.", func() float64 {
			return float64(stats().ControllersDeclared)
		}),
		gaugeFunc("controllers_offline", "Controllers that have not answered since startup.", func() float64 {
			return float64(stats().ControllersOffline)
		}),
	)
}

// WatchGateway exports the event loop counters.
func (c *Collector) WatchGateway(stats func() gateway.Stats) {
	c.registry.MustRegister(
		counterFunc("poll_rounds_total", "Completed poll rounds.", func() float64 {
			return float64(stats().PollRounds)
		}),
		counterFunc("relay_sessions_total", "Relay sessions served.", func() float64 {
			return float64(stats().RelaySessions)
		}),
		counterFunc("mqtt_messages_total", "Inbound MQTT messages delivered to the loop.", func() float64 {
			return float64(stats().Messages)
		}),
		counterFunc("mqtt_connects_total", "Broker reconnects seen by the loop.", func() float64 {
			return float64(stats().Connects)
		}),
	)
}

func counterFunc(name, help string, fn func() float64) prometheus.CounterFunc {
	return prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn)
}

func gaugeFunc(name, help string, fn func() float64) prometheus.GaugeFunc {
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn)
}
