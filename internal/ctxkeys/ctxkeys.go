// Package ctxkeys carries per-request identity values through
// context.Context without exporting the key types.
package ctxkeys

import "context"

type contextKey string

const (
	agentIDKey       contextKey = "agent_id"
	agentRoleKey     contextKey = "agent_role"
	correlationIDKey contextKey = "correlation_id"
)

// WithAgentID stores the authenticated agent identity.
func WithAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, agentIDKey, agentID)
}

// AgentID returns the authenticated agent identity, if set.
func AgentID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(agentIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// WithAgentRole stores the caller's resolved role.
func WithAgentRole(ctx context.Context, role string) context.Context {
	return context.WithValue(ctx, agentRoleKey, role)
}

// AgentRole returns the caller's resolved role, if set.
func AgentRole(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(agentRoleKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// WithCorrelationID stores the request correlation id.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// CorrelationID returns the request correlation id, if set.
func CorrelationID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(correlationIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
