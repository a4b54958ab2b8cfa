// Package channel composes the security core into send/receive
// operations for agent-initiated exchanges. A SecureChannel produces and
// consumes signed message envelopes; the transport that physically moves
// them is an external collaborator.
package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/agentmesh/audit"
	"github.com/BaSui01/agentmesh/authz"
	"github.com/BaSui01/agentmesh/crypto"
	"github.com/BaSui01/agentmesh/internal/metrics"
	"github.com/BaSui01/agentmesh/nonce"
	"github.com/BaSui01/agentmesh/registry"
	"github.com/BaSui01/agentmesh/types"
)

// DefaultMaxPayloadBytes is the payload size ceiling.
const DefaultMaxPayloadBytes = 1 << 20 // 1 MiB

// Options wires a Channel's collaborators.
type Options struct {
	// Registry resolves sender public keys. Required.
	Registry *registry.Registry
	// Nonces tracks single-use claims. Required.
	Nonces nonce.Store
	// Authorizer evaluates the capability matrix. Required.
	Authorizer *authz.Authorizer
	// Audit records every decision. Required.
	Audit *audit.Logger
	// Metrics is optional; nil disables metric recording.
	Metrics *metrics.Collector
	// MaxPayloadBytes defaults to 1 MiB.
	MaxPayloadBytes int
	// MaxMessageAge is the freshness window (default 5m).
	MaxMessageAge time.Duration
	// Clock is the time source (default system clock).
	Clock types.Clock
	// Logger is the operational logger (default no-op).
	Logger *zap.Logger
}

// SendOptions carries advisory delivery hints for the transport
// collaborator; the channel itself only produces the envelope.
type SendOptions struct {
	Timeout         time.Duration
	RequireResponse bool
}

// ReceiveResult is the structured outcome of the receive pipeline.
type ReceiveResult struct {
	Valid         bool            `json:"valid"`
	Code          types.ErrorCode `json:"code,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
	CorrelationID string          `json:"correlationId"`
}

// Stats are running per-channel counters.
type Stats struct {
	MessagesSent     int64     `json:"messagesSent"`
	MessagesReceived int64     `json:"messagesReceived"`
	AuthFailures     int64     `json:"authFailures"`
	LastActivity     time.Time `json:"lastActivity"`
}

// Channel is a secure agent-to-agent channel bound to one local agent
// identity and its private signing key.
type Channel struct {
	agentID    string
	privateKey string

	registry   *registry.Registry
	nonces     nonce.Store
	authorizer *authz.Authorizer
	audit      *audit.Logger
	metrics    *metrics.Collector

	maxPayload int
	maxAge     time.Duration
	clock      types.Clock
	logger     *zap.Logger

	stats   Stats
	statsMu sync.Mutex
}

// New creates a Channel for the given local agent.
func New(agentID, privateKey string, opts Options) (*Channel, error) {
	if agentID == "" {
		return nil, fmt.Errorf("channel: agent id is required")
	}
	if _, err := crypto.DecodePrivateKey(privateKey); err != nil {
		return nil, fmt.Errorf("channel: %w", err)
	}
	if opts.Registry == nil || opts.Nonces == nil || opts.Authorizer == nil || opts.Audit == nil {
		return nil, fmt.Errorf("channel: registry, nonces, authorizer and audit are required")
	}
	if opts.MaxPayloadBytes <= 0 {
		opts.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
	if opts.MaxMessageAge <= 0 {
		opts.MaxMessageAge = crypto.DefaultMaxMessageAge
	}
	if opts.Clock == nil {
		opts.Clock = types.SystemClock()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return &Channel{
		agentID:    agentID,
		privateKey: privateKey,
		registry:   opts.Registry,
		nonces:     opts.Nonces,
		authorizer: opts.Authorizer,
		audit:      opts.Audit,
		metrics:    opts.Metrics,
		maxPayload: opts.MaxPayloadBytes,
		maxAge:     opts.MaxMessageAge,
		clock:      opts.Clock,
		logger:     opts.Logger.With(zap.String("component", "channel"), zap.String("agent_id", agentID)),
	}, nil
}

// Send validates and produces a signed envelope addressed to
// targetAgentID. The payload size ceiling and the sender's message-type
// capability are enforced before signing; every outcome is audited.
func (c *Channel) Send(ctx context.Context, targetAgentID string, msgType types.MessageType, payload json.RawMessage, opts *SendOptions) (msg *types.SecureMessage, err error) {
	start := c.clock.Now()
	correlationID := uuid.NewString()

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("panic in send pipeline", zap.Any("panic", r))
			msg, err = nil, types.NewSecurityError(types.ErrCodeInternalError, "send failed")
		}
	}()

	if len(payload) > c.maxPayload {
		c.recordDenied(correlationID, c.agentID, targetAgentID, msgType, types.ErrCodeMessageTooLarge, start)
		return nil, types.NewSecurityError(types.ErrCodeMessageTooLarge,
			fmt.Sprintf("payload %d bytes exceeds ceiling %d", len(payload), c.maxPayload))
	}

	role := c.authorizer.GetAgentRole(c.agentID)
	if !c.authorizer.HasCapability(role, string(msgType)) {
		c.recordDenied(correlationID, c.agentID, targetAgentID, msgType, types.ErrCodeUnauthorized, start)
		return nil, types.NewSecurityError(types.ErrCodeUnauthorized,
			fmt.Sprintf("role %s may not send %s", role, msgType))
	}

	signed, err := crypto.NewSignedMessage(c.agentID, targetAgentID, msgType, payload, c.privateKey, c.clock)
	if err != nil {
		c.recordDenied(correlationID, c.agentID, targetAgentID, msgType, types.ErrCodeInternalError, start)
		return nil, types.NewSecurityError(types.ErrCodeInternalError, "failed to sign message").WithCause(err)
	}

	out := &types.SecureMessage{SignedMessage: *signed, CorrelationID: correlationID}

	durMs := c.clock.Now().Sub(start).Milliseconds()
	c.auditWrite(func() error {
		return c.audit.LogMessageDelivery(correlationID, c.agentID, targetAgentID, msgType, audit.StatusSuccess, "", durMs)
	})
	c.recordMetricDecision("allow", "", start)
	if c.metrics != nil {
		c.metrics.RecordMessage("sent", audit.StatusSuccess)
	}

	c.statsMu.Lock()
	c.stats.MessagesSent++
	c.stats.LastActivity = c.clock.Now()
	c.statsMu.Unlock()

	_ = opts // advisory to the transport collaborator
	return out, nil
}

// Receive runs the ordered verification pipeline over an inbound
// envelope: sender key resolution, freshness and signature, nonce
// single-use claim, then the recipient match. The nonce is deliberately
// burned before the recipient check, so a misdirected message cannot be
// replayed at its intended destination. Every branch is audited before
// the result is returned.
func (c *Channel) Receive(ctx context.Context, msg *types.SecureMessage, sourceContext string) (result *ReceiveResult) {
	start := c.clock.Now()
	correlationID := msg.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("panic in receive pipeline", zap.Any("panic", r))
			result = c.denied(correlationID, msg, types.ErrCodeInternalError, "receive failed", start, sourceContext)
		}
	}()

	publicKey, err := c.registry.GetAgentPublicKey(ctx, msg.From)
	if err != nil {
		c.logger.Error("registry lookup failed", zap.String("from", msg.From), zap.Error(err))
		if c.metrics != nil {
			c.metrics.RecordRegistryLookup("error")
		}
		return c.denied(correlationID, msg, types.ErrCodeInternalError, "key lookup failed", start, sourceContext)
	}
	if publicKey == "" {
		if c.metrics != nil {
			c.metrics.RecordRegistryLookup("miss")
		}
		return c.denied(correlationID, msg, types.ErrCodeAgentNotFound,
			fmt.Sprintf("no live key for agent %s", msg.From), start, sourceContext)
	}
	if c.metrics != nil {
		c.metrics.RecordRegistryLookup("hit")
	}

	verdict := crypto.VerifySignedMessage(&msg.SignedMessage, publicKey, crypto.VerifyOptions{
		MaxAge:          c.maxAge,
		VerifyTimestamp: true,
		Now:             c.clock.Now(),
	})
	if !verdict.Valid {
		return c.denied(correlationID, msg, verdict.Code, "message verification failed", start, sourceContext)
	}

	used, err := c.nonces.IsUsed(ctx, msg.Nonce)
	if err != nil {
		return c.denied(correlationID, msg, types.ErrCodeInternalError, "nonce lookup failed", start, sourceContext)
	}
	if used {
		if c.metrics != nil {
			c.metrics.RecordNonceRejection()
		}
		return c.denied(correlationID, msg, types.ErrCodeNonceReused, "nonce already consumed", start, sourceContext)
	}
	claimed, err := c.nonces.Use(ctx, msg.Nonce, msg.From)
	if err != nil {
		return c.denied(correlationID, msg, types.ErrCodeInternalError, "nonce claim failed", start, sourceContext)
	}
	if !claimed {
		// Lost a concurrent race for the same nonce.
		if c.metrics != nil {
			c.metrics.RecordNonceRejection()
		}
		return c.denied(correlationID, msg, types.ErrCodeNonceReused, "nonce already consumed", start, sourceContext)
	}

	if msg.To != c.agentID {
		return c.denied(correlationID, msg, types.ErrCodeWrongRecipient,
			fmt.Sprintf("message addressed to %s, not %s", msg.To, c.agentID), start, sourceContext)
	}

	durMs := c.clock.Now().Sub(start).Milliseconds()
	c.auditWrite(func() error {
		return c.audit.LogMessageDelivery(correlationID, msg.From, msg.To, msg.Type, audit.StatusSuccess, "", durMs)
	})
	c.recordMetricDecision("allow", "", start)
	if c.metrics != nil {
		c.metrics.RecordMessage("received", audit.StatusSuccess)
	}

	c.statsMu.Lock()
	c.stats.MessagesReceived++
	c.stats.LastActivity = c.clock.Now()
	c.statsMu.Unlock()

	return &ReceiveResult{Valid: true, Data: msg.Payload, CorrelationID: correlationID}
}

// VerifyAgent is a lightweight existence probe: true when a live key is
// registered for agentID. No nonce is consumed.
func (c *Channel) VerifyAgent(ctx context.Context, agentID string) bool {
	entry, err := c.registry.GetAgentKeyEntry(ctx, agentID)
	return err == nil && entry != nil
}

// AgentID returns the channel's local agent identity.
func (c *Channel) AgentID() string { return c.agentID }

// GetStats returns a snapshot of the running counters.
func (c *Channel) GetStats() Stats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.stats
}

// ResetStats zeroes the running counters.
func (c *Channel) ResetStats() {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	c.stats = Stats{}
}

// denied audits and counts a denial, then builds the result. The
// decision is already made when the audit write happens; a write failure
// is logged operationally and never alters the outcome.
func (c *Channel) denied(correlationID string, msg *types.SecureMessage, code types.ErrorCode, reason string, start time.Time, sourceContext string) *ReceiveResult {
	durMs := c.clock.Now().Sub(start).Milliseconds()
	c.auditWrite(func() error {
		return c.audit.LogA2AOperation(audit.Entry{
			Level:         audit.LevelWarn,
			CorrelationID: correlationID,
			From:          msg.From,
			To:            msg.To,
			Type:          string(msg.Type),
			Action:        "delivery",
			Status:        audit.StatusDenied,
			ErrorCode:     code,
			DurationMs:    durMs,
			SourceContext: sourceContext,
		})
	})
	c.recordMetricDecision("deny", string(code), start)
	if c.metrics != nil {
		c.metrics.RecordMessage("received", audit.StatusDenied)
	}

	c.statsMu.Lock()
	c.stats.AuthFailures++
	c.stats.LastActivity = c.clock.Now()
	c.statsMu.Unlock()

	return &ReceiveResult{Code: code, Reason: reason, CorrelationID: correlationID}
}

// recordDenied audits and counts a send-side denial.
func (c *Channel) recordDenied(correlationID, from, to string, msgType types.MessageType, code types.ErrorCode, start time.Time) {
	durMs := c.clock.Now().Sub(start).Milliseconds()
	c.auditWrite(func() error {
		return c.audit.LogAuthFailure(correlationID, from, to, msgType, code, durMs)
	})
	c.recordMetricDecision("deny", string(code), start)
	if c.metrics != nil {
		c.metrics.RecordMessage("sent", audit.StatusDenied)
	}

	c.statsMu.Lock()
	c.stats.AuthFailures++
	c.stats.LastActivity = c.clock.Now()
	c.statsMu.Unlock()
}

// auditWrite runs an audit append, surfacing failures through the
// operational logger and metrics only.
func (c *Channel) auditWrite(fn func() error) {
	if err := fn(); err != nil {
		c.logger.Error("audit write failed", zap.Error(err))
		if c.metrics != nil {
			c.metrics.RecordAuditWriteFailure()
		}
	}
}

func (c *Channel) recordMetricDecision(outcome, code string, start time.Time) {
	if c.metrics == nil {
		return
	}
	c.metrics.RecordAuthDecision("channel", outcome, code, c.clock.Now().Sub(start))
}
