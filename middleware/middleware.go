// Package middleware authenticates HTTP-style requests with the same
// pipeline the channel applies to agent messages: signed headers,
// freshness, single-use nonces and role checks.
package middleware

import (
	"fmt"
	"net/http"
	"strings"
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

// Request envelope headers. This is a wire contract with callers; do
// not rename without versioning.
const (
	HeaderAgentID       = "X-Agent-ID"
	HeaderTimestamp     = "X-Agent-Timestamp"
	HeaderNonce         = "X-Agent-Nonce"
	HeaderSignature     = "X-Agent-Signature"
	HeaderCorrelationID = "X-Correlation-ID"
)

// requestDigest is the payload agents sign when calling protected
// endpoints. It binds the signature to the request line, not the body.
type requestDigest struct {
	Method    string `json:"method"`
	Path      string `json:"path"`
	Query     string `json:"query"`
	Timestamp string `json:"timestamp"`
	Nonce     string `json:"nonce"`
}

// AuthResult is the discriminated outcome of RequireAuth.
type AuthResult struct {
	Authorized    bool            `json:"authorized"`
	AgentID       string          `json:"agentId,omitempty"`
	Role          authz.Role      `json:"role,omitempty"`
	CorrelationID string          `json:"correlationId"`
	Code          types.ErrorCode `json:"code,omitempty"`
	Reason        string          `json:"reason,omitempty"`
}

// Options wires a Middleware's collaborators.
type Options struct {
	// Registry resolves caller public keys. Required.
	Registry *registry.Registry
	// Nonces tracks single-use claims. Required.
	Nonces nonce.Store
	// Authorizer resolves roles and capabilities. Required.
	Authorizer *authz.Authorizer
	// Audit records every decision. Required.
	Audit *audit.Logger
	// Metrics is optional; nil disables metric recording.
	Metrics *metrics.Collector
	// MaxRequestAge is the freshness window for the signed timestamp
	// (default 5m).
	MaxRequestAge time.Duration
	// Clock is the time source (default system clock).
	Clock types.Clock
	// Logger is the operational logger (default no-op).
	Logger *zap.Logger
}

// Middleware authenticates inbound requests against the key registry
// and capability matrix.
type Middleware struct {
	registry   *registry.Registry
	nonces     nonce.Store
	authorizer *authz.Authorizer
	audit      *audit.Logger
	metrics    *metrics.Collector
	maxAge     time.Duration
	clock      types.Clock
	logger     *zap.Logger
}

// New creates a Middleware.
func New(opts Options) (*Middleware, error) {
	if opts.Registry == nil || opts.Nonces == nil || opts.Authorizer == nil || opts.Audit == nil {
		return nil, fmt.Errorf("middleware: registry, nonces, authorizer and audit are required")
	}
	if opts.MaxRequestAge <= 0 {
		opts.MaxRequestAge = crypto.DefaultMaxMessageAge
	}
	if opts.Clock == nil {
		opts.Clock = types.SystemClock()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Middleware{
		registry:   opts.Registry,
		nonces:     opts.Nonces,
		authorizer: opts.Authorizer,
		audit:      opts.Audit,
		metrics:    opts.Metrics,
		maxAge:     opts.MaxRequestAge,
		clock:      opts.Clock,
		logger:     opts.Logger.With(zap.String("component", "middleware")),
	}, nil
}

// RequireAuth runs the full verification pipeline over an inbound
// request. Missing envelope headers fail fast, enumerating exactly
// which ones, before any verification work. When allowedRoles is
// non-empty, the caller's role must appear in it. Every branch is
// audited with timing before the result is returned.
func (m *Middleware) RequireAuth(r *http.Request, allowedRoles ...authz.Role) (result *AuthResult) {
	start := m.clock.Now()
	correlationID := r.Header.Get(HeaderCorrelationID)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	agentID := r.Header.Get(HeaderAgentID)

	defer func() {
		if rec := recover(); rec != nil {
			m.logger.Error("panic in auth pipeline", zap.Any("panic", rec))
			result = m.denied(r, correlationID, agentID, "", types.ErrCodeInternalError, "authentication failed", start)
		}
	}()

	timestamp := r.Header.Get(HeaderTimestamp)
	nonceValue := r.Header.Get(HeaderNonce)
	signature := r.Header.Get(HeaderSignature)

	var missing []string
	if agentID == "" {
		missing = append(missing, HeaderAgentID)
	}
	if timestamp == "" {
		missing = append(missing, HeaderTimestamp)
	}
	if nonceValue == "" {
		missing = append(missing, HeaderNonce)
	}
	if signature == "" {
		missing = append(missing, HeaderSignature)
	}
	if len(missing) > 0 {
		return m.denied(r, correlationID, agentID, "",
			types.ErrCodeMissingHeaders, "missing required headers: "+strings.Join(missing, ", "), start)
	}

	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return m.denied(r, correlationID, agentID, "",
			types.ErrCodeMalformedRequest, "timestamp is not RFC 3339", start)
	}

	now := m.clock.Now()
	if age := now.Sub(ts); age > m.maxAge || age < -m.maxAge {
		return m.denied(r, correlationID, agentID, "",
			types.ErrCodeMessageExpired, "request timestamp outside freshness window", start)
	}

	publicKey, err := m.registry.GetAgentPublicKey(r.Context(), agentID)
	if err != nil {
		m.logger.Error("registry lookup failed", zap.String("agent_id", agentID), zap.Error(err))
		if m.metrics != nil {
			m.metrics.RecordRegistryLookup("error")
		}
		return m.denied(r, correlationID, agentID, "",
			types.ErrCodeInternalError, "key lookup failed", start)
	}
	if publicKey == "" {
		if m.metrics != nil {
			m.metrics.RecordRegistryLookup("miss")
		}
		return m.denied(r, correlationID, agentID, "",
			types.ErrCodeAgentNotFound, fmt.Sprintf("no live key for agent %s", agentID), start)
	}
	if m.metrics != nil {
		m.metrics.RecordRegistryLookup("hit")
	}

	digest := requestDigest{
		Method:    r.Method,
		Path:      r.URL.Path,
		Query:     r.URL.RawQuery,
		Timestamp: timestamp,
		Nonce:     nonceValue,
	}
	if !crypto.Verify(digest, signature, publicKey) {
		return m.denied(r, correlationID, agentID, "",
			types.ErrCodeInvalidSignature, "request signature verification failed", start)
	}

	claimed, err := m.nonces.Use(r.Context(), nonceValue, agentID)
	if err != nil {
		return m.denied(r, correlationID, agentID, "",
			types.ErrCodeInternalError, "nonce claim failed", start)
	}
	if !claimed {
		if m.metrics != nil {
			m.metrics.RecordNonceRejection()
		}
		return m.denied(r, correlationID, agentID, "",
			types.ErrCodeNonceReused, "nonce already consumed", start)
	}

	role := m.authorizer.GetAgentRole(agentID)
	if len(allowedRoles) > 0 && !roleAllowed(role, allowedRoles) {
		return m.denied(r, correlationID, agentID, role,
			types.ErrCodeInsufficientPermissions,
			fmt.Sprintf("role %s is not permitted on this endpoint", role), start)
	}

	durMs := m.clock.Now().Sub(start).Milliseconds()
	m.auditWrite(func() error {
		return m.audit.LogA2AOperation(audit.Entry{
			Level:         audit.LevelInfo,
			CorrelationID: correlationID,
			From:          agentID,
			Action:        "http_auth",
			Status:        audit.StatusSuccess,
			DurationMs:    durMs,
			SourceContext: r.RemoteAddr,
		})
	})
	if m.metrics != nil {
		m.metrics.RecordAuthDecision("middleware", "allow", "", m.clock.Now().Sub(start))
	}

	return &AuthResult{
		Authorized:    true,
		AgentID:       agentID,
		Role:          role,
		CorrelationID: correlationID,
	}
}

// RequireAction layers an action capability check on top of a base
// authentication result. An already-failed result passes through
// unchanged. targetAgentID, when non-empty, additionally requires the
// caller's role to be able to reach the target's role.
func (m *Middleware) RequireAction(r *http.Request, base *AuthResult, action authz.Action, targetAgentID string) *AuthResult {
	if base == nil || !base.Authorized {
		return base
	}
	start := m.clock.Now()

	reason := ""
	switch {
	case !authz.ValidAction(action):
		reason = fmt.Sprintf("unknown action %s", action)
	case !m.authorizer.HasCapability(base.Role, string(action)):
		reason = fmt.Sprintf("role %s lacks capability %s", base.Role, action)
	case targetAgentID != "" && !m.authorizer.CanSendTo(base.Role, m.authorizer.GetAgentRole(targetAgentID)):
		reason = fmt.Sprintf("role %s cannot reach agent %s", base.Role, targetAgentID)
	}
	if reason == "" {
		return base
	}

	durMs := m.clock.Now().Sub(start).Milliseconds()
	m.auditWrite(func() error {
		return m.audit.LogA2AOperation(audit.Entry{
			Level:         audit.LevelWarn,
			CorrelationID: base.CorrelationID,
			From:          base.AgentID,
			To:            targetAgentID,
			Action:        string(action),
			Status:        audit.StatusDenied,
			ErrorCode:     types.ErrCodeUnauthorizedAction,
			DurationMs:    durMs,
			SourceContext: r.RemoteAddr,
		})
	})
	if m.metrics != nil {
		m.metrics.RecordAuthDecision("middleware", "deny", string(types.ErrCodeUnauthorizedAction), m.clock.Now().Sub(start))
	}

	return &AuthResult{
		AgentID:       base.AgentID,
		Role:          base.Role,
		CorrelationID: base.CorrelationID,
		Code:          types.ErrCodeUnauthorizedAction,
		Reason:        reason,
	}
}

func (m *Middleware) denied(r *http.Request, correlationID, agentID string, role authz.Role, code types.ErrorCode, reason string, start time.Time) *AuthResult {
	durMs := m.clock.Now().Sub(start).Milliseconds()
	m.auditWrite(func() error {
		return m.audit.LogA2AOperation(audit.Entry{
			Level:         audit.LevelWarn,
			CorrelationID: correlationID,
			From:          agentID,
			Action:        "http_auth",
			Status:        audit.StatusDenied,
			ErrorCode:     code,
			DurationMs:    durMs,
			SourceContext: r.RemoteAddr,
		})
	})
	if m.metrics != nil {
		m.metrics.RecordAuthDecision("middleware", "deny", string(code), m.clock.Now().Sub(start))
	}
	return &AuthResult{
		AgentID:       agentID,
		Role:          role,
		CorrelationID: correlationID,
		Code:          code,
		Reason:        reason,
	}
}

func (m *Middleware) auditWrite(fn func() error) {
	if err := fn(); err != nil {
		m.logger.Error("audit write failed", zap.Error(err))
		if m.metrics != nil {
			m.metrics.RecordAuditWriteFailure()
		}
	}
}

func roleAllowed(role authz.Role, allowed []authz.Role) bool {
	for _, a := range allowed {
		if role == a {
			return true
		}
	}
	return false
}

// SignRequest stamps the envelope headers onto an outbound request:
// a fresh RFC 3339 timestamp, a fresh nonce and a signature over the
// request line. The counterpart of RequireAuth for clients.
func SignRequest(r *http.Request, agentID, privateKeyB64 string, clock types.Clock) error {
	if clock == nil {
		clock = types.SystemClock()
	}
	timestamp := clock.Now().UTC().Format(time.RFC3339)
	nonceValue, err := crypto.GenerateNonce()
	if err != nil {
		return fmt.Errorf("middleware: generate nonce: %w", err)
	}

	digest := requestDigest{
		Method:    r.Method,
		Path:      r.URL.Path,
		Query:     r.URL.RawQuery,
		Timestamp: timestamp,
		Nonce:     nonceValue,
	}
	signature, err := crypto.Sign(digest, privateKeyB64)
	if err != nil {
		return fmt.Errorf("middleware: sign request: %w", err)
	}

	r.Header.Set(HeaderAgentID, agentID)
	r.Header.Set(HeaderTimestamp, timestamp)
	r.Header.Set(HeaderNonce, nonceValue)
	r.Header.Set(HeaderSignature, signature)
	return nil
}
