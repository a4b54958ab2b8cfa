package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/BaSui01/agentmesh/authz"
	"github.com/BaSui01/agentmesh/internal/ctxkeys"
	"github.com/BaSui01/agentmesh/types"
)

// errorBody is the JSON shape written for rejected requests.
type errorBody struct {
	Error struct {
		Code    types.ErrorCode `json:"code"`
		Message string          `json:"message"`
	} `json:"error"`
	CorrelationID string `json:"correlationId"`
}

// Wrap guards next with RequireAuth. On success the caller's identity,
// role and correlation id are stored in the request context; on failure
// a JSON error is written and next never runs.
func (m *Middleware) Wrap(next http.Handler, allowedRoles ...authz.Role) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		result := m.RequireAuth(r, allowedRoles...)
		if !result.Authorized {
			writeError(w, result)
			return
		}

		ctx := ctxkeys.WithAgentID(r.Context(), result.AgentID)
		ctx = ctxkeys.WithAgentRole(ctx, string(result.Role))
		ctx = ctxkeys.WithCorrelationID(ctx, result.CorrelationID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// WrapFunc is Wrap for plain handler functions.
func (m *Middleware) WrapFunc(next http.HandlerFunc, allowedRoles ...authz.Role) http.Handler {
	return m.Wrap(next, allowedRoles...)
}

func writeError(w http.ResponseWriter, result *AuthResult) {
	var body errorBody
	body.Error.Code = result.Code
	body.Error.Message = result.Reason
	body.CorrelationID = result.CorrelationID

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(StatusForCode(result.Code))
	_ = json.NewEncoder(w).Encode(body)
}

// StatusForCode maps a security error code to an HTTP status.
func StatusForCode(code types.ErrorCode) int {
	switch code {
	case types.ErrCodeMissingHeaders, types.ErrCodeMalformedRequest, types.ErrCodeMessageTooLarge:
		return http.StatusBadRequest
	case types.ErrCodeAgentNotFound, types.ErrCodeInvalidSignature,
		types.ErrCodeMessageExpired, types.ErrCodeNonceReused:
		return http.StatusUnauthorized
	case types.ErrCodeUnauthorized, types.ErrCodeUnauthorizedAction,
		types.ErrCodeInsufficientPermissions, types.ErrCodeWrongRecipient:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
