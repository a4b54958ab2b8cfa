// Package metrics provides internal metrics collection for the security
// core. This package is internal and should not be imported by external
// projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector records security pipeline metrics.
type Collector struct {
	authDecisions  *prometheus.CounterVec
	verifyDuration *prometheus.HistogramVec

	messagesTotal   *prometheus.CounterVec
	nonceRejections prometheus.Counter

	registryLookups *prometheus.CounterVec

	auditWriteFailures prometheus.Counter

	logger *zap.Logger
}

// NewCollector creates a Collector registered against reg. Pass
// prometheus.DefaultRegisterer in production; tests use a fresh
// prometheus.NewRegistry so collectors never collide.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.authDecisions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_decisions_total",
			Help:      "Total authentication and authorization decisions",
		},
		[]string{"component", "outcome", "code"},
	)

	c.verifyDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "verify_duration_seconds",
			Help:      "Verification pipeline duration in seconds",
			Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
		},
		[]string{"component"},
	)

	c.messagesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Total messages processed by secure channels",
		},
		[]string{"direction", "status"},
	)

	c.nonceRejections = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nonce_rejections_total",
			Help:      "Total replay attempts rejected by nonce tracking",
		},
	)

	c.registryLookups = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registry_lookups_total",
			Help:      "Total key registry lookups",
		},
		[]string{"result"},
	)

	c.auditWriteFailures = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_write_failures_total",
			Help:      "Total audit log writes that failed",
		},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// RecordAuthDecision records one allow/deny outcome for a component.
func (c *Collector) RecordAuthDecision(component, outcome, code string, duration time.Duration) {
	if code == "" {
		code = "none"
	}
	c.authDecisions.WithLabelValues(component, outcome, code).Inc()
	c.verifyDuration.WithLabelValues(component).Observe(duration.Seconds())
}

// RecordMessage records one sent or received message.
func (c *Collector) RecordMessage(direction, status string) {
	c.messagesTotal.WithLabelValues(direction, status).Inc()
}

// RecordNonceRejection records a rejected replay attempt.
func (c *Collector) RecordNonceRejection() {
	c.nonceRejections.Inc()
}

// RecordRegistryLookup records a key lookup outcome (hit, miss, error).
func (c *Collector) RecordRegistryLookup(result string) {
	c.registryLookups.WithLabelValues(result).Inc()
}

// RecordAuditWriteFailure records an audit append that failed.
func (c *Collector) RecordAuditWriteFailure() {
	c.auditWriteFailures.Inc()
}
