package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/agentmesh/audit"
	"github.com/BaSui01/agentmesh/authz"
	"github.com/BaSui01/agentmesh/channel"
	"github.com/BaSui01/agentmesh/config"
	"github.com/BaSui01/agentmesh/crypto"
	"github.com/BaSui01/agentmesh/internal/ctxkeys"
	"github.com/BaSui01/agentmesh/internal/metrics"
	"github.com/BaSui01/agentmesh/internal/server"
	"github.com/BaSui01/agentmesh/middleware"
	"github.com/BaSui01/agentmesh/nonce"
	"github.com/BaSui01/agentmesh/registry"
	"github.com/BaSui01/agentmesh/types"
)

// Server wires the security core behind two HTTP listeners: the service
// port and a separate metrics port.
type Server struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger

	registryStore registry.Store
	registry      *registry.Registry
	nonces        nonce.Store
	authorizer    *authz.Authorizer
	auditLogger   *audit.Logger
	channel       *channel.Channel
	authMW        *middleware.Middleware
	collector     *metrics.Collector
	promRegistry  *prometheus.Registry

	httpManager    *server.Manager
	metricsManager *server.Manager

	watcher       *config.FileWatcher
	watcherCancel context.CancelFunc
}

// NewServer builds all components from the configuration.
func NewServer(cfg *config.Config, configPath string, logger *zap.Logger) (*Server, error) {
	s := &Server{cfg: cfg, configPath: configPath, logger: logger}

	s.promRegistry = prometheus.NewRegistry()
	s.promRegistry.MustRegister(collectors.NewGoCollector())
	s.promRegistry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	s.collector = metrics.NewCollector("agentmesh", s.promRegistry, logger)

	store, err := registry.NewStore(registry.StoreConfig{
		Type:       registry.StoreType(cfg.Registry.Backend),
		BaseDir:    cfg.Registry.BaseDir,
		SQLitePath: cfg.Registry.SQLitePath,
		Redis: registry.RedisStoreConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("registry store: %w", err)
	}
	s.registryStore = store
	s.registry = registry.New(store, registry.Options{
		CacheTTL: cfg.Registry.CacheTTL,
		Logger:   logger,
	})

	switch cfg.Nonce.Backend {
	case "redis":
		rs, err := nonce.NewRedisStore(nonce.RedisStoreConfig{
			Addr:            cfg.Redis.Addr,
			Password:        cfg.Redis.Password,
			DB:              cfg.Redis.DB,
			PoolSize:        cfg.Redis.PoolSize,
			FreshnessWindow: cfg.Nonce.FreshnessWindow,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("nonce store: %w", err)
		}
		s.nonces = rs
	default:
		s.nonces = nonce.NewMemoryStore(nonce.MemoryStoreConfig{
			FreshnessWindow: cfg.Nonce.FreshnessWindow,
			SweepInterval:   cfg.Nonce.SweepInterval,
		}, logger)
	}

	s.auditLogger, err = audit.NewLogger(audit.Config{
		Dir:              cfg.Audit.Dir,
		RetentionDays:    cfg.Audit.RetentionDays,
		ChecksumInterval: cfg.Audit.ChecksumInterval,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("audit logger: %w", err)
	}

	s.authorizer = authz.NewAuthorizer()
	if err := s.authorizer.SetAgentRole(cfg.Channel.AgentID, authz.Role(cfg.Channel.Role)); err != nil {
		return nil, fmt.Errorf("local role: %w", err)
	}
	// Recover roles recorded at registration time.
	if agents, err := s.registry.ListRegisteredAgents(context.Background()); err == nil {
		for _, entry := range agents {
			if role, ok := entry.Metadata["role"]; ok && authz.ValidRole(authz.Role(role)) {
				_ = s.authorizer.SetAgentRole(entry.AgentID, authz.Role(role))
			}
		}
	}

	privateKey, err := s.loadOrCreateKey()
	if err != nil {
		return nil, err
	}

	s.channel, err = channel.New(cfg.Channel.AgentID, privateKey, channel.Options{
		Registry:        s.registry,
		Nonces:          s.nonces,
		Authorizer:      s.authorizer,
		Audit:           s.auditLogger,
		Metrics:         s.collector,
		MaxPayloadBytes: cfg.Channel.MaxPayloadBytes,
		MaxMessageAge:   cfg.Channel.MaxMessageAge,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}

	s.authMW, err = middleware.New(middleware.Options{
		Registry:      s.registry,
		Nonces:        s.nonces,
		Authorizer:    s.authorizer,
		Audit:         s.auditLogger,
		Metrics:       s.collector,
		MaxRequestAge: cfg.Channel.MaxMessageAge,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}

	return s, nil
}

// loadOrCreateKey reads the configured signing key, generating one on
// first start, and makes sure the local agent's public key is
// registered.
func (s *Server) loadOrCreateKey() (string, error) {
	path := s.cfg.Channel.PrivateKeyFile

	var privateKey string
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		privateKey = strings.TrimSpace(string(data))
		if _, err := crypto.DecodePrivateKey(privateKey); err != nil {
			return "", fmt.Errorf("private key file %s: %w", path, err)
		}
	case os.IsNotExist(err):
		kp, err := crypto.GenerateKeyPair()
		if err != nil {
			return "", err
		}
		if err := os.WriteFile(path, []byte(kp.PrivateKey+"\n"), 0o600); err != nil {
			return "", fmt.Errorf("write private key: %w", err)
		}
		privateKey = kp.PrivateKey
		s.logger.Info("generated signing key", zap.String("path", path))
	default:
		return "", fmt.Errorf("read private key: %w", err)
	}

	publicKey, err := crypto.PublicKeyFromPrivate(privateKey)
	if err != nil {
		return "", err
	}

	ctx := context.Background()
	current, err := s.registry.GetAgentPublicKey(ctx, s.cfg.Channel.AgentID)
	if err != nil {
		return "", err
	}
	if current != publicKey {
		if _, err := s.registry.RegisterAgentKey(ctx, s.cfg.Channel.AgentID, publicKey,
			map[string]string{"role": s.cfg.Channel.Role}); err != nil {
			return "", fmt.Errorf("self-register: %w", err)
		}
		s.logger.Info("registered local agent key",
			zap.String("agent_id", s.cfg.Channel.AgentID),
			zap.String("fingerprint", crypto.Fingerprint(publicKey)))
	}

	return privateKey, nil
}

// Start brings up the HTTP and metrics listeners and the file watcher.
func (s *Server) Start() error {
	mux := s.buildRoutes()

	s.httpManager = server.NewManager(
		Chain(mux, Recovery(s.logger), RequestLogger(s.logger)),
		server.Config{
			Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
			ReadTimeout:     s.cfg.Server.ReadTimeout,
			WriteTimeout:    s.cfg.Server.WriteTimeout,
			IdleTimeout:     120 * time.Second,
			MaxHeaderBytes:  1 << 20,
			ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
		}, s.logger)
	if err := s.httpManager.Start(); err != nil {
		return err
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(s.promRegistry, promhttp.HandlerOpts{}))
	metricsMux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	s.metricsManager = server.NewManager(metricsMux, server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     60 * time.Second,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)
	if err := s.metricsManager.Start(); err != nil {
		return err
	}

	s.startWatcher()

	s.logger.Info("all servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
	)
	return nil
}

// startWatcher watches the file-backed registry snapshot so edits made
// by other processes are visible without waiting for the cache TTL.
func (s *Server) startWatcher() {
	fileStore, ok := s.registryStore.(*registry.FileStore)
	if !ok {
		return
	}

	watcher, err := config.NewFileWatcher(
		[]string{fileStore.Path()},
		config.WithWatcherLogger(s.logger),
	)
	if err != nil {
		s.logger.Warn("registry watcher unavailable", zap.Error(err))
		return
	}
	watcher.OnChange(func(event config.FileEvent) {
		s.logger.Info("registry snapshot changed on disk", zap.String("op", event.Op.String()))
		s.registry.InvalidateAll()
	})

	ctx, cancel := context.WithCancel(context.Background())
	if err := watcher.Start(ctx); err != nil {
		cancel()
		s.logger.Warn("registry watcher failed to start", zap.Error(err))
		return
	}
	s.watcher = watcher
	s.watcherCancel = cancel
}

func (s *Server) buildRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)

	// Inbound envelopes authenticate themselves through the receive
	// pipeline; no header auth on this route.
	mux.HandleFunc("POST /v1/messages", s.handleReceive)

	mux.Handle("GET /v1/agents", s.authMW.WrapFunc(s.handleListAgents))
	mux.Handle("POST /v1/agents/register", s.authMW.WrapFunc(s.handleRegisterAgent,
		authz.RoleOrchestrator, authz.RoleSecurity))
	mux.Handle("POST /v1/agents/revoke", s.authMW.WrapFunc(s.handleRevokeAgent,
		authz.RoleOrchestrator, authz.RoleSecurity))
	mux.Handle("POST /v1/agents/rotate", s.authMW.WrapFunc(s.handleRotateAgent,
		authz.RoleOrchestrator, authz.RoleSecurity))
	mux.Handle("GET /v1/audit", s.authMW.WrapFunc(s.handleAuditQuery,
		authz.RoleOrchestrator, authz.RoleSecurity, authz.RoleObserver))
	mux.Handle("GET /v1/stats", s.authMW.WrapFunc(s.handleStats))

	return mux
}

// WaitForShutdown blocks until a signal, then tears everything down.
func (s *Server) WaitForShutdown() {
	s.httpManager.WaitForShutdown()

	ctx := context.Background()
	if s.watcherCancel != nil {
		s.watcherCancel()
		_ = s.watcher.Stop()
	}
	if s.metricsManager != nil {
		_ = s.metricsManager.Shutdown(ctx)
	}
	_ = s.auditLogger.Close()
	_ = s.nonces.Close()
	_ = s.registryStore.Close()
}

// --- handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := s.registryStore.Ping(r.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"status": status, "version": Version})
}

func (s *Server) handleReceive(w http.ResponseWriter, r *http.Request) {
	var msg types.SecureMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, int64(s.cfg.Channel.MaxPayloadBytes)+4096)).Decode(&msg); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": string(types.ErrCodeMalformedRequest),
		})
		return
	}

	result := s.channel.Receive(r.Context(), &msg, r.RemoteAddr)
	code := http.StatusOK
	if !result.Valid {
		code = middleware.StatusForCode(result.Code)
	}
	writeJSON(w, code, result)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.registry.ListRegisteredAgents(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": string(types.ErrCodeInternalError)})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

type agentKeyRequest struct {
	AgentID   string            `json:"agentId"`
	PublicKey string            `json:"publicKey"`
	Role      string            `json:"role,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req agentKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AgentID == "" || req.PublicKey == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": string(types.ErrCodeMalformedRequest)})
		return
	}

	base := resultFromContext(r)
	if denied := s.authMW.RequireAction(r, base, authz.ActionAgentRegister, ""); !denied.Authorized {
		writeJSON(w, middleware.StatusForCode(denied.Code), denied)
		return
	}

	metadata := req.Metadata
	if req.Role != "" {
		if !authz.ValidRole(authz.Role(req.Role)) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown role"})
			return
		}
		if metadata == nil {
			metadata = map[string]string{}
		}
		metadata["role"] = req.Role
	}

	entry, err := s.registry.RegisterAgentKey(r.Context(), req.AgentID, req.PublicKey, metadata)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Role != "" {
		_ = s.authorizer.SetAgentRole(req.AgentID, authz.Role(req.Role))
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleRevokeAgent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID string `json:"agentId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AgentID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": string(types.ErrCodeMalformedRequest)})
		return
	}

	base := resultFromContext(r)
	if denied := s.authMW.RequireAction(r, base, authz.ActionAgentRevoke, req.AgentID); !denied.Authorized {
		writeJSON(w, middleware.StatusForCode(denied.Code), denied)
		return
	}

	if err := s.registry.RevokeAgentKey(r.Context(), req.AgentID); err != nil {
		code := http.StatusInternalServerError
		if err == registry.ErrNotFound {
			code = http.StatusNotFound
		}
		writeJSON(w, code, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked", "agentId": req.AgentID})
}

func (s *Server) handleRotateAgent(w http.ResponseWriter, r *http.Request) {
	var req agentKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AgentID == "" || req.PublicKey == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": string(types.ErrCodeMalformedRequest)})
		return
	}

	base := resultFromContext(r)
	if denied := s.authMW.RequireAction(r, base, authz.ActionAgentRotate, req.AgentID); !denied.Authorized {
		writeJSON(w, middleware.StatusForCode(denied.Code), denied)
		return
	}

	entry, err := s.registry.RotateAgentKey(r.Context(), req.AgentID, req.PublicKey, req.Metadata)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	base := resultFromContext(r)
	if denied := s.authMW.RequireAction(r, base, authz.ActionAuditRead, ""); !denied.Authorized {
		writeJSON(w, middleware.StatusForCode(denied.Code), denied)
		return
	}

	q := r.URL.Query()
	filter := audit.QueryFilter{
		FromAgent: q.Get("from"),
		ToAgent:   q.Get("to"),
		Status:    q.Get("status"),
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	filter.Cursor = q.Get("cursor")
	if v := q.Get("start"); v != "" {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			filter.StartTime = ts
		}
	}
	if v := q.Get("end"); v != "" {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			filter.EndTime = ts
		}
	}

	result, err := s.auditLogger.Query(filter)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": string(types.ErrCodeInternalError)})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	version, updated, err := s.registry.Version(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": string(types.ErrCodeInternalError)})
		return
	}

	payload := map[string]any{
		"channel": s.channel.GetStats(),
		"registry": map[string]any{
			"version":     version,
			"lastUpdated": updated,
		},
	}
	if nonceStats, err := s.nonces.Stats(r.Context()); err == nil {
		payload["nonces"] = nonceStats
	}
	writeJSON(w, http.StatusOK, payload)
}

// resultFromContext rebuilds the authenticated identity that Wrap
// stored on the request context.
func resultFromContext(r *http.Request) *middleware.AuthResult {
	agentID, _ := ctxkeys.AgentID(r.Context())
	role, _ := ctxkeys.AgentRole(r.Context())
	correlationID, _ := ctxkeys.CorrelationID(r.Context())
	return &middleware.AuthResult{
		Authorized:    agentID != "",
		AgentID:       agentID,
		Role:          authz.Role(role),
		CorrelationID: correlationID,
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
