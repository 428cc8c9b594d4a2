package config

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/quantforum/server/internal/vault"
)

// DefaultMintABI describes the single contract method the server calls
const DefaultMintABI = `[{"type":"function","name":"mintPost","stateMutability":"nonpayable","inputs":[{"name":"author","type":"address"},{"name":"contentRef","type":"string"}],"outputs":[{"name":"tokenId","type":"uint256"}]}]`

// Config holds the application configuration
type Config struct {
	DatabaseURL string
	Port        string
	JWTSecret   string
	MasterKey   []byte
	DevMode     bool

	TokenTTL       time.Duration
	SubmitTimeout  time.Duration
	IdempotencyTTL time.Duration

	LogLevel  string
	LogFormat string

	Chain   ChainConfig
	Storage StorageConfig
	Redis   RedisConfig
}

// ChainConfig locates the minting contract and the account paying for gas
type ChainConfig struct {
	RPCURL          string
	ContractAddress string
	GasPayerKey     string
	ABI             string
}

// Enabled reports whether a real ledger is configured
func (c ChainConfig) Enabled() bool { return c.RPCURL != "" }

// StorageConfig configures the S3-compatible content store
type StorageConfig struct {
	Bucket          string
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// Enabled reports whether an S3 bucket is configured
func (c StorageConfig) Enabled() bool { return c.Bucket != "" }

// RedisConfig configures the idempotency store
type RedisConfig struct {
	URL string
}

// Enabled reports whether Redis is configured
func (c RedisConfig) Enabled() bool { return c.URL != "" }

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Port:           "8080",
		TokenTTL:       7 * 24 * time.Hour,
		SubmitTimeout:  60 * time.Second,
		IdempotencyTTL: 24 * time.Hour,
		LogLevel:       "info",
		LogFormat:      "json",
		Storage:        StorageConfig{Region: "us-east-1"},
		Chain:          ChainConfig{ABI: DefaultMintABI},
	}

	cfg.DevMode = os.Getenv("DEV_MODE") == "true"

	// DATABASE_URL is optional only in dev mode, where the in-memory store is used
	cfg.DatabaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if cfg.DatabaseURL == "" && !cfg.DevMode {
		return nil, fmt.Errorf("DATABASE_URL environment variable is required")
	}

	if port := os.Getenv("PORT"); port != "" {
		cfg.Port = port
	}

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET environment variable is required")
	}

	rawKey := os.Getenv("ENCRYPTION_KEY")
	if rawKey == "" {
		return nil, fmt.Errorf("ENCRYPTION_KEY environment variable is required")
	}
	key, err := base64.StdEncoding.DecodeString(rawKey)
	if err != nil {
		return nil, fmt.Errorf("ENCRYPTION_KEY must be base64: %w", err)
	}
	if len(key) != vault.MasterKeySize {
		return nil, fmt.Errorf("ENCRYPTION_KEY must decode to %d bytes, got %d", vault.MasterKeySize, len(key))
	}
	cfg.MasterKey = key

	durations := []struct {
		env string
		dst *time.Duration
	}{
		{"TOKEN_TTL", &cfg.TokenTTL},
		{"SUBMIT_TIMEOUT", &cfg.SubmitTimeout},
		{"IDEMPOTENCY_TTL", &cfg.IdempotencyTTL},
	}
	for _, d := range durations {
		v := os.Getenv(d.env)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil || parsed <= 0 {
			return nil, fmt.Errorf("%s must be a positive duration, got %q", d.env, v)
		}
		*d.dst = parsed
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}

	cfg.Chain.RPCURL = os.Getenv("RPC_URL")
	cfg.Chain.ContractAddress = os.Getenv("CONTRACT_ADDRESS")
	cfg.Chain.GasPayerKey = strings.TrimPrefix(os.Getenv("GAS_PAYER_PRIVATE_KEY"), "0x")
	if path := os.Getenv("CONTRACT_ABI_PATH"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read CONTRACT_ABI_PATH: %w", err)
		}
		cfg.Chain.ABI = string(raw)
	}
	if cfg.Chain.Enabled() {
		if cfg.Chain.ContractAddress == "" || cfg.Chain.GasPayerKey == "" {
			return nil, fmt.Errorf("CONTRACT_ADDRESS and GAS_PAYER_PRIVATE_KEY are required when RPC_URL is set")
		}
	} else if !cfg.DevMode {
		return nil, fmt.Errorf("RPC_URL environment variable is required outside dev mode")
	}

	cfg.Storage.Bucket = os.Getenv("S3_BUCKET")
	cfg.Storage.Endpoint = os.Getenv("S3_ENDPOINT")
	if v := os.Getenv("S3_REGION"); v != "" {
		cfg.Storage.Region = v
	}
	cfg.Storage.AccessKeyID = os.Getenv("S3_ACCESS_KEY_ID")
	cfg.Storage.SecretAccessKey = os.Getenv("S3_SECRET_ACCESS_KEY")

	cfg.Redis.URL = os.Getenv("REDIS_URL")

	return cfg, nil
}

// DatabaseTarget describes the database for log lines without credentials
func (c *Config) DatabaseTarget() string {
	if c.DatabaseURL == "" {
		return "in-memory"
	}
	u, err := url.Parse(c.DatabaseURL)
	if err != nil {
		return "(invalid DATABASE_URL)"
	}
	host := u.Hostname()
	if host == "" {
		host = "localhost"
	}
	port := u.Port()
	if port == "" {
		port = "5432"
	}
	return fmt.Sprintf("host=%s port=%s db=%s", host, port, strings.TrimPrefix(u.Path, "/"))
}
