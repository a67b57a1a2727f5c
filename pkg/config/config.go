// Package config loads the environment contract of the trust core.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port        string
	LogLevel    string
	DatabaseURL string
	LiteMode    bool // sqlite-backed single-node mode

	KMSEndpoint string
	SignerKID   string
	RequireKMS  bool
	KMSCertFile string
	KMSKeyFile  string
	KMSCAFile   string

	ApproverIDs       []string
	RequiredApprovals int
	RatifyWindow      time.Duration

	IdempotencyBodyLimit int64
	IdempotencyTTL       time.Duration

	RedisAddr      string
	RedisPassword  string
	RateLimitRPS   int
	RateLimitBurst int

	OTLPEndpoint string
}

// Load reads configuration from environment variables, applying defaults
// where the contract allows them.
func Load() *Config {
	return &Config{
		Port:        getEnv("PORT", "8080"),
		LogLevel:    getEnv("LOG_LEVEL", "INFO"),
		DatabaseURL: getEnv("DATABASE_URL", "postgres://trustcore@localhost:5432/trustcore?sslmode=disable"),
		LiteMode:    getBool("LITE_MODE", false),

		KMSEndpoint: os.Getenv("KMS_ENDPOINT"),
		SignerKID:   os.Getenv("SIGNER_KID"),
		RequireKMS:  getBool("REQUIRE_KMS", false),
		KMSCertFile: os.Getenv("KMS_CLIENT_CERT"),
		KMSKeyFile:  os.Getenv("KMS_CLIENT_KEY"),
		KMSCAFile:   os.Getenv("KMS_CA_CERT"),

		ApproverIDs:       getList("UPGRADE_APPROVER_IDS"),
		RequiredApprovals: getInt("UPGRADE_REQUIRED_APPROVALS", 3),
		RatifyWindow:      getDuration("UPGRADE_RATIFY_WINDOW", 48*time.Hour),

		IdempotencyBodyLimit: int64(getInt("IDEMPOTENCY_RESPONSE_BODY_LIMIT", 1<<20)),
		IdempotencyTTL:       getDuration("IDEMPOTENCY_TTL", 24*time.Hour),

		RedisAddr:      os.Getenv("REDIS_ADDR"),
		RedisPassword:  os.Getenv("REDIS_PASSWORD"),
		RateLimitRPS:   getInt("RATE_LIMIT_RPS", 50),
		RateLimitBurst: getInt("RATE_LIMIT_BURST", 100),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func getList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
