package observability

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

type Prom struct {
	RequestsTotal    *prometheus.CounterVec
	RequestsDuration *prometheus.HistogramVec
	InFlight         *prometheus.GaugeVec

	// Store (DynamoDB gateway)
	StoreOpDuration  *prometheus.HistogramVec
	StoreErrorsTotal *prometheus.CounterVec

	// Queue (SQS gateway)
	QueueOpsTotal *prometheus.CounterVec

	// Scheduler sweeps
	SweepEventsTotal *prometheus.CounterVec
	SweepPages       prometheus.Counter
	SweepDuration    prometheus.Histogram

	// Sender
	SendResults     *prometheus.CounterVec
	WebhookDuration *prometheus.HistogramVec

	// Redrive + monitor
	RedriveMessagesTotal *prometheus.CounterVec
	MissedEvents         prometheus.Gauge
	StuckEvents          prometheus.Gauge
}

func NewProm(reg prometheus.Registerer) *Prom {
	p := &Prom{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "greeter",
				Name:      "http_requests_total",
				Help:      "Total HTTP requests processed",
			},
			[]string{"method", "route", "status"},
		),
		RequestsDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "greeter",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency distributions.",
				Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"method", "route", "status"},
		),
		InFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "greeter",
				Name:      "http_in_flight_requests",
				Help:      "Current number of in-flight HTTP requests.",
			},
			[]string{"method", "route"},
		),
		StoreOpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "greeter",
				Subsystem: "store",
				Name:      "op_duration_seconds",
				Help:      "Event store operation latency (logical op, not raw request)",
				Buckets:   []float64{0.005, 0.01, 0.02, 0.05, 0.1, 0.2, 0.35, 0.5, 1, 2, 5},
			},
			[]string{"op", "status"},
		),
		StoreErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "greeter",
				Subsystem: "store",
				Name:      "errors_total",
				Help:      "Event store errors by logical op and class.",
			},
			[]string{"op", "class"},
		),
		QueueOpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "greeter",
				Subsystem: "queue",
				Name:      "ops_total",
				Help:      "Queue operations by op and outcome.",
			},
			[]string{"op", "status"},
		),
		SweepEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "greeter",
				Subsystem: "sweep",
				Name:      "events_total",
				Help:      "Due events seen by the scheduler, by outcome.",
			},
			[]string{"outcome"}, // outcome=enqueued|skipped|failed
		),
		SweepPages: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "greeter",
				Subsystem: "sweep",
				Name:      "pages_total",
				Help:      "Due-events index pages consumed across sweeps.",
			},
		),
		SweepDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "greeter",
				Subsystem: "sweep",
				Name:      "duration_seconds",
				Help:      "Full sweep duration.",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
		),
		SendResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "greeter",
				Subsystem: "sender",
				Name:      "results_total",
				Help:      "Sender outcomes per received message.",
			},
			[]string{"result"}, // result=completed|dropped|lost_race|retriable
		),
		WebhookDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "greeter",
				Subsystem: "webhook",
				Name:      "request_duration_seconds",
				Help:      "Outbound webhook latency by response class.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"status"},
		),
		RedriveMessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "greeter",
				Subsystem: "redrive",
				Name:      "messages_total",
				Help:      "DLQ messages redriven to the main queue, by outcome.",
			},
			[]string{"outcome"}, // outcome=redriven|failed
		),
		MissedEvents: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "greeter",
				Subsystem: "monitor",
				Name:      "missed_events",
				Help:      "Events past their fire instant without a delivery, last check.",
			},
		),
		StuckEvents: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "greeter",
				Subsystem: "monitor",
				Name:      "stuck_events",
				Help:      "Events held in sending beyond the claim timeout, last check.",
			},
		),
	}
	reg.MustRegister(
		p.RequestsTotal, p.RequestsDuration, p.InFlight,
		p.StoreOpDuration, p.StoreErrorsTotal,
		p.QueueOpsTotal,
		p.SweepEventsTotal, p.SweepPages, p.SweepDuration,
		p.SendResults, p.WebhookDuration,
		p.RedriveMessagesTotal, p.MissedEvents, p.StuckEvents,
	)

	return p
}

func (p *Prom) GinHandleMiddleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		start := time.Now()

		// route template is only available after routing; best effort:
		route := ctx.FullPath()
		if route == "" {
			route = "unmatched"
		}

		method := ctx.Request.Method
		p.InFlight.WithLabelValues(method, route).Inc()
		defer p.InFlight.WithLabelValues(method, route).Dec()
		ctx.Next()

		status := strconv.Itoa(ctx.Writer.Status())
		secs := time.Since(start).Seconds()

		p.RequestsTotal.WithLabelValues(method, route, status).Inc()
		p.RequestsDuration.WithLabelValues(method, route, status).Observe(secs)
	}
}
