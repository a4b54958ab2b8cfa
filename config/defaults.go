package config

import "time"

// DefaultConfig returns the full default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server:   DefaultServerConfig(),
		Channel:  DefaultChannelConfig(),
		Nonce:    DefaultNonceConfig(),
		Registry: DefaultRegistryConfig(),
		Redis:    DefaultRedisConfig(),
		Audit:    DefaultAuditConfig(),
		Log:      DefaultLogConfig(),
	}
}

// DefaultServerConfig returns the default listener settings.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
	}
}

// DefaultChannelConfig returns the default channel settings.
func DefaultChannelConfig() ChannelConfig {
	return ChannelConfig{
		AgentID:         "agentmesh-node",
		Role:            "orchestrator",
		PrivateKeyFile:  "agentmesh.key",
		MaxPayloadBytes: 1 << 20,
		MaxMessageAge:   5 * time.Minute,
	}
}

// DefaultNonceConfig returns the default replay-defense settings.
func DefaultNonceConfig() NonceConfig {
	return NonceConfig{
		Backend:         "memory",
		FreshnessWindow: 5 * time.Minute,
		SweepInterval:   time.Minute,
	}
}

// DefaultRegistryConfig returns the default registry settings.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		Backend:    "file",
		BaseDir:    "data",
		SQLitePath: "data/registry.db",
		CacheTTL:   5 * time.Second,
	}
}

// DefaultRedisConfig returns the default redis connection settings.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultAuditConfig returns the default audit-trail settings.
func DefaultAuditConfig() AuditConfig {
	return AuditConfig{
		Dir:              "logs/audit",
		RetentionDays:    30,
		ChecksumInterval: time.Hour,
	}
}

// DefaultLogConfig returns the default logging settings.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}
