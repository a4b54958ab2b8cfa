package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentmesh/audit"
	"github.com/BaSui01/agentmesh/authz"
	"github.com/BaSui01/agentmesh/crypto"
	"github.com/BaSui01/agentmesh/internal/ctxkeys"
	"github.com/BaSui01/agentmesh/nonce"
	"github.com/BaSui01/agentmesh/registry"
	"github.com/BaSui01/agentmesh/types"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock(t time.Time) *manualClock { return &manualClock{now: t} }

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	clock      *manualClock
	registry   *registry.Registry
	authorizer *authz.Authorizer
	mw         *Middleware
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	clock := newManualClock(time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC))

	auditLogger, err := audit.NewLogger(audit.Config{Dir: t.TempDir(), Clock: clock}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = auditLogger.Close() })

	nonces := nonce.NewMemoryStore(nonce.MemoryStoreConfig{Clock: clock}, zap.NewNop())
	t.Cleanup(func() { _ = nonces.Close() })

	reg := registry.New(registry.NewMemoryStore(), registry.Options{Clock: clock})
	az := authz.NewAuthorizer()

	mw, err := New(Options{
		Registry:   reg,
		Nonces:     nonces,
		Authorizer: az,
		Audit:      auditLogger,
		Clock:      clock,
	})
	require.NoError(t, err)

	return &testEnv{clock: clock, registry: reg, authorizer: az, mw: mw}
}

func (e *testEnv) registerAgent(t *testing.T, agentID string, role authz.Role) *crypto.KeyPair {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	_, err = e.registry.RegisterAgentKey(context.Background(), agentID, kp.PublicKey, nil)
	require.NoError(t, err)
	require.NoError(t, e.authorizer.SetAgentRole(agentID, role))
	return kp
}

func (e *testEnv) signedRequest(t *testing.T, agentID, privateKey, method, target string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	require.NoError(t, SignRequest(req, agentID, privateKey, e.clock))
	return req
}

func TestRequireAuth_Success(t *testing.T) {
	env := newTestEnv(t)
	kp := env.registerAgent(t, "executor-1", authz.RoleExecutor)

	req := env.signedRequest(t, "executor-1", kp.PrivateKey, http.MethodPost, "/v1/tasks?limit=5")
	res := env.mw.RequireAuth(req)

	require.True(t, res.Authorized, "reason: %s", res.Reason)
	assert.Equal(t, "executor-1", res.AgentID)
	assert.Equal(t, authz.RoleExecutor, res.Role)
	assert.NotEmpty(t, res.CorrelationID)
	assert.Empty(t, res.Code)
}

func TestRequireAuth_MissingHeadersEnumerated(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/tasks", nil)
	req.Header.Set(HeaderAgentID, "executor-1")
	res := env.mw.RequireAuth(req)

	require.False(t, res.Authorized)
	assert.Equal(t, types.ErrCodeMissingHeaders, res.Code)
	assert.Contains(t, res.Reason, HeaderTimestamp)
	assert.Contains(t, res.Reason, HeaderNonce)
	assert.Contains(t, res.Reason, HeaderSignature)
	assert.NotContains(t, res.Reason, HeaderAgentID+",")
}

func TestRequireAuth_MalformedTimestamp(t *testing.T) {
	env := newTestEnv(t)
	kp := env.registerAgent(t, "executor-1", authz.RoleExecutor)

	req := env.signedRequest(t, "executor-1", kp.PrivateKey, http.MethodGet, "/v1/tasks")
	req.Header.Set(HeaderTimestamp, "1756555200000")
	res := env.mw.RequireAuth(req)

	require.False(t, res.Authorized)
	assert.Equal(t, types.ErrCodeMalformedRequest, res.Code)
}

func TestRequireAuth_StaleTimestamp(t *testing.T) {
	env := newTestEnv(t)
	kp := env.registerAgent(t, "executor-1", authz.RoleExecutor)

	req := env.signedRequest(t, "executor-1", kp.PrivateKey, http.MethodGet, "/v1/tasks")
	env.clock.Advance(crypto.DefaultMaxMessageAge + time.Second)
	res := env.mw.RequireAuth(req)

	require.False(t, res.Authorized)
	assert.Equal(t, types.ErrCodeMessageExpired, res.Code)
}

func TestRequireAuth_UnknownAgent(t *testing.T) {
	env := newTestEnv(t)
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	req := env.signedRequest(t, "stranger-1", kp.PrivateKey, http.MethodGet, "/v1/tasks")
	res := env.mw.RequireAuth(req)

	require.False(t, res.Authorized)
	assert.Equal(t, types.ErrCodeAgentNotFound, res.Code)
	assert.Equal(t, "stranger-1", res.AgentID)
}

func TestRequireAuth_SignatureBoundToRequestLine(t *testing.T) {
	env := newTestEnv(t)
	kp := env.registerAgent(t, "executor-1", authz.RoleExecutor)

	// Signed for one path, replayed against another.
	signed := env.signedRequest(t, "executor-1", kp.PrivateKey, http.MethodGet, "/v1/tasks")
	replay := httptest.NewRequest(http.MethodGet, "/v1/admin", nil)
	for _, h := range []string{HeaderAgentID, HeaderTimestamp, HeaderNonce, HeaderSignature} {
		replay.Header.Set(h, signed.Header.Get(h))
	}
	res := env.mw.RequireAuth(replay)

	require.False(t, res.Authorized)
	assert.Equal(t, types.ErrCodeInvalidSignature, res.Code)
}

func TestRequireAuth_NonceReplayRejected(t *testing.T) {
	env := newTestEnv(t)
	kp := env.registerAgent(t, "executor-1", authz.RoleExecutor)

	req := env.signedRequest(t, "executor-1", kp.PrivateKey, http.MethodGet, "/v1/tasks")
	first := env.mw.RequireAuth(req)
	require.True(t, first.Authorized)

	second := env.mw.RequireAuth(req)
	require.False(t, second.Authorized)
	assert.Equal(t, types.ErrCodeNonceReused, second.Code)
}

func TestRequireAuth_RoleAllowList(t *testing.T) {
	env := newTestEnv(t)
	kp := env.registerAgent(t, "observer-1", authz.RoleObserver)

	req := env.signedRequest(t, "observer-1", kp.PrivateKey, http.MethodGet, "/v1/audit")
	res := env.mw.RequireAuth(req, authz.RoleOrchestrator, authz.RoleSecurity)

	require.False(t, res.Authorized)
	assert.Equal(t, types.ErrCodeInsufficientPermissions, res.Code)
	assert.Equal(t, authz.RoleObserver, res.Role)

	req2 := env.signedRequest(t, "observer-1", kp.PrivateKey, http.MethodGet, "/v1/audit")
	res2 := env.mw.RequireAuth(req2, authz.RoleObserver)
	assert.True(t, res2.Authorized)
}

func TestRequireAuth_CorrelationIDPropagated(t *testing.T) {
	env := newTestEnv(t)
	kp := env.registerAgent(t, "executor-1", authz.RoleExecutor)

	req := env.signedRequest(t, "executor-1", kp.PrivateKey, http.MethodGet, "/v1/tasks")
	req.Header.Set(HeaderCorrelationID, "corr-42")
	res := env.mw.RequireAuth(req)

	require.True(t, res.Authorized)
	assert.Equal(t, "corr-42", res.CorrelationID)
}

func TestRequireAction(t *testing.T) {
	env := newTestEnv(t)
	kp := env.registerAgent(t, "security-1", authz.RoleSecurity)
	env.registerAgent(t, "executor-1", authz.RoleExecutor)

	req := env.signedRequest(t, "security-1", kp.PrivateKey, http.MethodPost, "/v1/agents/revoke")
	base := env.mw.RequireAuth(req)
	require.True(t, base.Authorized)

	allowed := env.mw.RequireAction(req, base, authz.ActionAgentRevoke, "executor-1")
	assert.True(t, allowed.Authorized)
	assert.Same(t, base, allowed)

	denied := env.mw.RequireAction(req, base, authz.ActionTaskAssign, "")
	require.False(t, denied.Authorized)
	assert.Equal(t, types.ErrCodeUnauthorizedAction, denied.Code)
	assert.Equal(t, base.CorrelationID, denied.CorrelationID)
}

func TestRequireAction_ShortCircuitsFailedBase(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/tasks", nil)
	base := env.mw.RequireAuth(req)
	require.False(t, base.Authorized)

	out := env.mw.RequireAction(req, base, authz.ActionAuditRead, "")
	assert.Same(t, base, out)
	assert.Equal(t, types.ErrCodeMissingHeaders, out.Code)
}

func TestWrap_InjectsIdentityIntoContext(t *testing.T) {
	env := newTestEnv(t)
	kp := env.registerAgent(t, "executor-1", authz.RoleExecutor)

	var gotAgent, gotRole string
	handler := env.mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAgent, _ = ctxkeys.AgentID(r.Context())
		gotRole, _ = ctxkeys.AgentRole(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := env.signedRequest(t, "executor-1", kp.PrivateKey, http.MethodGet, "/v1/tasks")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "executor-1", gotAgent)
	assert.Equal(t, string(authz.RoleExecutor), gotRole)
}

func TestWrap_RejectsWithJSONError(t *testing.T) {
	env := newTestEnv(t)

	handler := env.mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/tasks", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), string(types.ErrCodeMissingHeaders))
	assert.Contains(t, rec.Body.String(), "correlationId")
}

func TestStatusForCode(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, StatusForCode(types.ErrCodeMissingHeaders))
	assert.Equal(t, http.StatusUnauthorized, StatusForCode(types.ErrCodeInvalidSignature))
	assert.Equal(t, http.StatusUnauthorized, StatusForCode(types.ErrCodeNonceReused))
	assert.Equal(t, http.StatusForbidden, StatusForCode(types.ErrCodeInsufficientPermissions))
	assert.Equal(t, http.StatusInternalServerError, StatusForCode(types.ErrCodeInternalError))
}
