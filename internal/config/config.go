package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds process-level configuration for the bridge daemon
type Config struct {
	// Server
	ListenAddr     string
	AllowedOrigins []string
	UIToken        string // bearer token for the trusted UI surface; empty disables

	// Storage
	DataDir        string
	StorageBackend string // bolt, memory or postgres
	PostgresDSN    string

	// At-rest sealing of persisted values (optional)
	KMSProvider        string // none, local, aws-kms or vault
	KMSLocalMasterKey  string
	KMSAWSKeyID        string
	KMSAWSRegion       string
	KMSVaultAddress    string
	KMSVaultToken      string
	KMSVaultTransitKey string

	// Vault
	KDFIterations   int
	DefaultAccounts int

	// Timeouts
	SessionTTL       time.Duration
	ApprovalTimeout  time.Duration
	TransportTimeout time.Duration
	UnlockTimeout    time.Duration
	SweepInterval    time.Duration

	// Admission
	OriginRPS           int
	OriginBurst         int
	MaxPendingPerOrigin int

	// Chains
	RPCURLs        map[int64]string
	DefaultChainID int64
}

// MinKDFIterations is the lowest PBKDF2 iteration count accepted for the vault.
const MinKDFIterations = 100_000

// Load loads configuration from environment variables, reading a .env file
// from the working directory first when one exists.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}

	rpcURLs, err := parseRPCURLs(getEnv("RPC_URLS", ""))
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	cfg := &Config{
		ListenAddr:          getEnv("LISTEN_ADDR", "127.0.0.1:7777"),
		AllowedOrigins:      getEnvList("ALLOWED_ORIGINS"),
		UIToken:             getEnv("UI_TOKEN", ""),
		DataDir:             getEnv("DATA_DIR", defaultDataDir()),
		StorageBackend:      getEnv("STORAGE_BACKEND", "bolt"),
		PostgresDSN:         getEnv("POSTGRES_DSN", ""),
		KMSProvider:         getEnv("KMS_PROVIDER", "none"),
		KMSLocalMasterKey:   getEnv("KMS_LOCAL_MASTER_KEY", ""),
		KMSAWSKeyID:         getEnv("KMS_AWS_KEY_ID", ""),
		KMSAWSRegion:        getEnv("KMS_AWS_REGION", ""),
		KMSVaultAddress:     getEnv("KMS_VAULT_ADDRESS", ""),
		KMSVaultToken:       getEnv("KMS_VAULT_TOKEN", ""),
		KMSVaultTransitKey:  getEnv("KMS_VAULT_TRANSIT_KEY", ""),
		KDFIterations:       getEnvInt("KDF_ITERATIONS", 600_000),
		DefaultAccounts:     getEnvInt("DEFAULT_ACCOUNTS", 1),
		SessionTTL:          getEnvDuration("SESSION_TTL", 15*time.Minute),
		ApprovalTimeout:     getEnvDuration("APPROVAL_TIMEOUT", 60*time.Second),
		TransportTimeout:    getEnvDuration("TRANSPORT_TIMEOUT", 30*time.Second),
		UnlockTimeout:       getEnvDuration("UNLOCK_TIMEOUT", 60*time.Second),
		SweepInterval:       getEnvDuration("SWEEP_INTERVAL", time.Second),
		OriginRPS:           getEnvInt("ORIGIN_RPS", 10),
		OriginBurst:         getEnvInt("ORIGIN_BURST", 20),
		MaxPendingPerOrigin: getEnvInt("MAX_PENDING_PER_ORIGIN", 50),
		RPCURLs:             rpcURLs,
		DefaultChainID:      int64(getEnvInt("DEFAULT_CHAIN_ID", 1)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.StorageBackend {
	case "bolt":
		if c.DataDir == "" {
			return fmt.Errorf("DATA_DIR is required when STORAGE_BACKEND is 'bolt'")
		}
	case "postgres":
		if c.PostgresDSN == "" {
			return fmt.Errorf("POSTGRES_DSN is required when STORAGE_BACKEND is 'postgres'")
		}
	case "memory":
	default:
		return fmt.Errorf("STORAGE_BACKEND must be 'bolt', 'memory' or 'postgres', got: %s", c.StorageBackend)
	}

	switch c.KMSProvider {
	case "", "none":
	case "local":
		if c.KMSLocalMasterKey == "" {
			return fmt.Errorf("KMS_LOCAL_MASTER_KEY is required when KMS_PROVIDER is 'local'")
		}
	case "aws-kms":
		if c.KMSAWSKeyID == "" || c.KMSAWSRegion == "" {
			return fmt.Errorf("KMS_AWS_KEY_ID and KMS_AWS_REGION are required when KMS_PROVIDER is 'aws-kms'")
		}
	case "vault":
		if c.KMSVaultAddress == "" || c.KMSVaultToken == "" || c.KMSVaultTransitKey == "" {
			return fmt.Errorf("KMS_VAULT_ADDRESS, KMS_VAULT_TOKEN and KMS_VAULT_TRANSIT_KEY are required when KMS_PROVIDER is 'vault'")
		}
	default:
		return fmt.Errorf("KMS_PROVIDER must be 'none', 'local', 'aws-kms' or 'vault', got: %s", c.KMSProvider)
	}

	if c.KDFIterations < MinKDFIterations {
		return fmt.Errorf("KDF_ITERATIONS must be at least %d, got: %d", MinKDFIterations, c.KDFIterations)
	}
	if c.DefaultAccounts < 1 {
		return fmt.Errorf("DEFAULT_ACCOUNTS must be at least 1")
	}

	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be positive")
	}
	if c.ApprovalTimeout <= 0 || c.TransportTimeout <= 0 || c.UnlockTimeout <= 0 {
		return fmt.Errorf("APPROVAL_TIMEOUT, TRANSPORT_TIMEOUT and UNLOCK_TIMEOUT must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive")
	}

	if c.OriginRPS <= 0 || c.OriginBurst <= 0 || c.MaxPendingPerOrigin <= 0 {
		return fmt.Errorf("ORIGIN_RPS, ORIGIN_BURST and MAX_PENDING_PER_ORIGIN must be positive")
	}

	if c.DefaultChainID <= 0 {
		return fmt.Errorf("DEFAULT_CHAIN_ID must be positive")
	}

	return nil
}

// parseRPCURLs parses "1=https://rpc.example,137=https://polygon.example"
func parseRPCURLs(s string) (map[int64]string, error) {
	out := make(map[int64]string)
	if s == "" {
		return out, nil
	}
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		id, url, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("RPC_URLS entry %q must be chainID=url", pair)
		}
		chainID, err := strconv.ParseInt(strings.TrimSpace(id), 10, 64)
		if err != nil || chainID <= 0 {
			return nil, fmt.Errorf("RPC_URLS entry %q has invalid chain ID", pair)
		}
		out[chainID] = strings.TrimSpace(url)
	}
	return out, nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home + "/.walletbridge"
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvInt gets an integer environment variable with a default value
func getEnvInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvDuration gets a duration environment variable (Go syntax, e.g. "90s")
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvList gets a comma-separated list environment variable
func getEnvList(key string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(valueStr, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
