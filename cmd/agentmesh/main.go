// agentmesh is the service entry point.
//
// Usage:
//
//	agentmesh serve                        # start the node
//	agentmesh serve --config config.yaml   # with a config file
//	agentmesh keygen --out agentmesh.key   # generate a signing key
//	agentmesh register --agent id --key b64 [--role role]
//	agentmesh audit --from agent --limit 50
//	agentmesh version
//	agentmesh health
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentmesh/audit"
	"github.com/BaSui01/agentmesh/authz"
	"github.com/BaSui01/agentmesh/config"
	"github.com/BaSui01/agentmesh/crypto"
	"github.com/BaSui01/agentmesh/registry"
)

// Build-time variables, injected with -ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "keygen":
		runKeygen(os.Args[2:])
	case "register":
		runRegister(os.Args[2:])
	case "audit":
		runAuditQuery(os.Args[2:])
	case "version":
		printVersion()
	case "health":
		runHealthCheck(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}

	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}

	logger, err := cfg.Log.BuildLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting agentmesh",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	server, err := NewServer(cfg, *configPath, logger)
	if err != nil {
		logger.Fatal("failed to build server", zap.Error(err))
	}
	if err := server.Start(); err != nil {
		logger.Fatal("failed to start server", zap.Error(err))
	}

	server.WaitForShutdown()

	logger.Info("agentmesh stopped")
}

func runKeygen(args []string) {
	fs := flag.NewFlagSet("keygen", flag.ExitOnError)
	out := fs.String("out", "agentmesh.key", "Private key output file")
	fs.Parse(args)

	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Key generation failed: %v\n", err)
		os.Exit(1)
	}

	if err := os.WriteFile(*out, []byte(kp.PrivateKey+"\n"), 0o600); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write %s: %v\n", *out, err)
		os.Exit(1)
	}

	fmt.Printf("Private key written to %s\n", *out)
	fmt.Printf("Public key:  %s\n", kp.PublicKey)
	fmt.Printf("Fingerprint: %s\n", crypto.Fingerprint(kp.PublicKey))
}

func runRegister(args []string) {
	fs := flag.NewFlagSet("register", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	agentID := fs.String("agent", "", "Agent identifier")
	publicKey := fs.String("key", "", "Base64 public key")
	role := fs.String("role", string(authz.DefaultRole), "Agent role")
	fs.Parse(args)

	if *agentID == "" || *publicKey == "" {
		fmt.Fprintln(os.Stderr, "register requires --agent and --key")
		os.Exit(1)
	}
	if !authz.ValidRole(authz.Role(*role)) {
		fmt.Fprintf(os.Stderr, "Unknown role: %s\n", *role)
		os.Exit(1)
	}

	cfg, reg, cleanup, err := openRegistry(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open registry: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()
	_ = cfg

	entry, err := reg.RegisterAgentKey(context.Background(), *agentID, *publicKey,
		map[string]string{"role": *role})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Registration failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Registered %s\n", entry.AgentID)
	fmt.Printf("Fingerprint: %s\n", entry.Fingerprint)
}

func runAuditQuery(args []string) {
	fs := flag.NewFlagSet("audit", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fromAgent := fs.String("from", "", "Filter by sender")
	toAgent := fs.String("to", "", "Filter by recipient")
	status := fs.String("status", "", "Filter by status")
	limit := fs.Int("limit", audit.DefaultQueryLimit, "Maximum entries")
	cursor := fs.String("cursor", "", "Pagination cursor from a previous page")
	fs.Parse(args)

	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	auditLogger, err := audit.NewLogger(audit.Config{
		Dir:           cfg.Audit.Dir,
		RetentionDays: cfg.Audit.RetentionDays,
	}, zap.NewNop())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open audit log: %v\n", err)
		os.Exit(1)
	}
	defer auditLogger.Close()

	result, err := auditLogger.Query(audit.QueryFilter{
		FromAgent: *fromAgent,
		ToAgent:   *toAgent,
		Status:    *status,
		Limit:     *limit,
		Cursor:    *cursor,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Query failed: %v\n", err)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	for _, entry := range result.Entries {
		enc.Encode(entry)
	}
	if result.NextCursor != "" {
		fmt.Fprintf(os.Stderr, "next cursor: %s\n", result.NextCursor)
	}
}

func runHealthCheck(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:8080", "Server address")
	fs.Parse(args)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*addr + "/health")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: status %d\n", resp.StatusCode)
		os.Exit(1)
	}

	fmt.Println("OK")
}

// openRegistry builds a Registry over the configured backend.
func openRegistry(configPath string) (*config.Config, *registry.Registry, func(), error) {
	loader := config.NewLoader()
	if configPath != "" {
		loader = loader.WithConfigPath(configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, nil, err
	}

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
	}, zap.NewNop())
	if err != nil {
		return nil, nil, nil, err
	}

	reg := registry.New(store, registry.Options{CacheTTL: cfg.Registry.CacheTTL})
	cleanup := func() { _ = store.Close() }
	return cfg, reg, cleanup, nil
}

func printVersion() {
	fmt.Printf("agentmesh %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`agentmesh - agent-to-agent security node

Usage:
  agentmesh <command> [options]

Commands:
  serve     Start the agentmesh node
  keygen    Generate an Ed25519 signing key pair
  register  Register an agent public key
  audit     Query the audit trail
  version   Show version information
  health    Check server health
  help      Show this help message

Options for 'serve':
  --config <path>   Path to configuration file (YAML)

Options for 'keygen':
  --out <path>      Private key output file (default agentmesh.key)

Options for 'register':
  --agent <id>      Agent identifier
  --key <b64>       Base64 Ed25519 public key
  --role <role>     Role to record (default external)

Options for 'audit':
  --from <id>       Filter by sender
  --to <id>         Filter by recipient
  --status <s>      Filter by status (success/denied/error)
  --limit <n>       Maximum entries
  --cursor <c>      Pagination cursor from a previous page`)
}
