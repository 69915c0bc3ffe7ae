// Package config loads MCPBox's startup configuration from the process
// environment, one field per documented MCPBOX_* variable.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the fully resolved startup configuration for every MCPBox binary.
type Config struct {
	EncryptionMasterKey []byte // 32 bytes, for AES-256-GCM (secrets, OAuth artifacts)
	ServiceToken        string // gateway/admin ↔ sandbox auth
	JWTSigningKey       []byte // admin session tokens

	DBURL             string
	DBMaxConns        int32
	DBMinConns        int32
	DBConnMaxLifetime time.Duration

	HTTPPoolSize  int
	HTTPKeepAlive time.Duration
	HTTPTimeout   time.Duration

	JWTAccessExpiry  time.Duration
	JWTRefreshExpiry time.Duration

	SandboxMemoryMB int
	SandboxCPUSec   int
	SandboxFDCap    int

	RateLimitRPM int

	LogRetentionDays int

	TemporalHostPort  string
	TemporalTaskQueue string

	GatewayAddr string
	SandboxAddr string
	AdminAddr   string

	// RemoteAccessMode enables OIDC-fronted method-level authorization.
	// In local mode every JSON-RPC method is permitted.
	RemoteAccessMode bool

	// McpExternalPoolSize is passed to externalmcp.New, whose pool keeps
	// at most one session per external source whatever this value is.
	McpExternalPoolSize int

	// ModuleSeedFile optionally names a YAML file of pre-approved
	// third-party modules loaded into the whitelist at startup.
	ModuleSeedFile string

	// OTLPEndpoint optionally names an OTLP/gRPC collector for traces.
	// Empty disables tracing.
	OTLPEndpoint string
}

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func getenvBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// Load reads configuration from the process environment, applying the
// documented defaults where a variable is unset.
func Load() (*Config, error) {
	masterKeyHex := os.Getenv("MCPBOX_ENCRYPTION_MASTER_KEY")
	if masterKeyHex == "" {
		return nil, fmt.Errorf("MCPBOX_ENCRYPTION_MASTER_KEY is required")
	}
	masterKey, err := hex.DecodeString(masterKeyHex)
	if err != nil {
		return nil, fmt.Errorf("MCPBOX_ENCRYPTION_MASTER_KEY must be hex: %w", err)
	}
	if len(masterKey) != 32 {
		return nil, fmt.Errorf("MCPBOX_ENCRYPTION_MASTER_KEY must decode to 32 bytes, got %d", len(masterKey))
	}

	serviceToken := os.Getenv("MCPBOX_SERVICE_TOKEN")
	if serviceToken == "" {
		return nil, fmt.Errorf("MCPBOX_SERVICE_TOKEN is required")
	}

	jwtKey := getenv("MCPBOX_JWT_SIGNING_KEY", "")
	if jwtKey == "" {
		return nil, fmt.Errorf("MCPBOX_JWT_SIGNING_KEY is required")
	}

	return &Config{
		EncryptionMasterKey: masterKey,
		ServiceToken:        serviceToken,
		JWTSigningKey:       []byte(jwtKey),

		DBURL:             getenv("MCPBOX_DB_URL", "postgres://localhost:5432/mcpbox"),
		DBMaxConns:        int32(getenvInt("MCPBOX_DB_MAX_CONNS", 20)),
		DBMinConns:        int32(getenvInt("MCPBOX_DB_MIN_CONNS", 2)),
		DBConnMaxLifetime: getenvDuration("MCPBOX_DB_CONN_MAX_LIFETIME", time.Hour),

		HTTPPoolSize:  getenvInt("MCPBOX_HTTP_POOL_SIZE", 100),
		HTTPKeepAlive: getenvDuration("MCPBOX_HTTP_KEEPALIVE", 5*time.Second),
		HTTPTimeout:   getenvDuration("MCPBOX_HTTP_TIMEOUT", 30*time.Second),

		JWTAccessExpiry:  getenvDuration("MCPBOX_JWT_ACCESS_EXPIRY", 15*time.Minute),
		JWTRefreshExpiry: getenvDuration("MCPBOX_JWT_REFRESH_EXPIRY", 7*24*time.Hour),

		SandboxMemoryMB: getenvInt("MCPBOX_SANDBOX_MEMORY_MB", 256),
		SandboxCPUSec:   getenvInt("MCPBOX_SANDBOX_CPU_S", 60),
		SandboxFDCap:    getenvInt("MCPBOX_SANDBOX_FD_CAP", 64),

		RateLimitRPM: getenvInt("MCPBOX_RATE_LIMIT_RPM", 100),

		LogRetentionDays: getenvInt("MCPBOX_LOG_RETENTION_DAYS", 30),

		TemporalHostPort:  getenv("MCPBOX_TEMPORAL_HOST_PORT", "localhost:7233"),
		TemporalTaskQueue: getenv("MCPBOX_TEMPORAL_TASK_QUEUE", "mcpbox-core"),

		GatewayAddr: getenv("MCPBOX_GATEWAY_ADDR", ":8080"),
		SandboxAddr: getenv("MCPBOX_SANDBOX_ADDR", ":8081"),
		AdminAddr:   getenv("MCPBOX_ADMIN_ADDR", ":8082"),

		RemoteAccessMode: getenvBool("MCPBOX_REMOTE_ACCESS_MODE", false),

		McpExternalPoolSize: getenvInt("MCPBOX_MCP_EXTERNAL_POOL_SIZE", 1),

		ModuleSeedFile: getenv("MCPBOX_MODULE_SEED_FILE", ""),
		OTLPEndpoint:   getenv("MCPBOX_OTLP_ENDPOINT", ""),
	}, nil
}
