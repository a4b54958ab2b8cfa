package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCollector_RecordsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector("agentmesh", reg, zap.NewNop())

	c.RecordAuthDecision("channel", "allow", "", time.Millisecond)
	c.RecordAuthDecision("channel", "deny", "invalid_signature", time.Millisecond)
	c.RecordMessage("sent", "success")
	c.RecordMessage("received", "denied")
	c.RecordNonceRejection()
	c.RecordRegistryLookup("hit")
	c.RecordAuditWriteFailure()

	assert.Equal(t, float64(1), testutil.ToFloat64(
		c.authDecisions.WithLabelValues("channel", "allow", "none")))
	assert.Equal(t, float64(1), testutil.ToFloat64(
		c.authDecisions.WithLabelValues("channel", "deny", "invalid_signature")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.messagesTotal.WithLabelValues("sent", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.nonceRejections))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.registryLookups.WithLabelValues("hit")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.auditWriteFailures))
}

func TestCollector_IndependentRegistries(t *testing.T) {
	// Two collectors over separate registries must not collide.
	a := NewCollector("agentmesh", prometheus.NewRegistry(), zap.NewNop())
	b := NewCollector("agentmesh", prometheus.NewRegistry(), zap.NewNop())
	require.NotNil(t, a)
	require.NotNil(t, b)

	a.RecordNonceRejection()
	assert.Equal(t, float64(1), testutil.ToFloat64(a.nonceRejections))
	assert.Equal(t, float64(0), testutil.ToFloat64(b.nonceRejections))
}
