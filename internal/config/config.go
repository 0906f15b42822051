// Package config centralizes how hubqueue reads environment variables and
// exposes them as strongly typed Go values.
package config

import (
	"crypto/rand"
	"errors"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// CorruptPolicy decides what a collection read does when the stored JSON does
// not parse: fall back to the empty default, or fail the read.
type CorruptPolicy string

const (
	CorruptDefault CorruptPolicy = "default"
	CorruptFail    CorruptPolicy = "fail"
)

// Config represents runtime configuration for the service.
type Config struct {
	Address string

	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3UseSSL    bool
	S3Region    string
	Bucket      string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Channel       string

	JWTSecret     []byte
	SessionTTL    time.Duration
	SigningSecret []byte
	SignedURLTTL  time.Duration

	MaxFileSize  int64
	AllowedTypes []string

	LockRetries int
	LockBackoff time.Duration
	LockLease   time.Duration

	PollInterval  time.Duration
	SweepEvery    string
	SweepGrace    time.Duration
	Concurrency   int
	CorruptPolicy CorruptPolicy
}

const (
	defaultAddress      = ":8080"
	defaultMaxFileSize  = 25 << 20 // 25 MiB
	defaultAllowedTypes = "image/png,image/jpeg,image/gif,image/webp"
	defaultBucket       = "hubqueue"
	defaultChannel      = "hubqueue:updates"
	defaultSessionTTL   = 24 * time.Hour
	defaultSignedTTL    = 15 * time.Minute
	defaultLockRetries  = 5
	defaultLockBackoff  = 200 * time.Millisecond
	defaultLockLease    = 30 * time.Second
	defaultPollInterval = 5 * time.Second
	defaultSweepEvery   = "@every 15m"
	defaultSweepGrace   = time.Hour
	defaultWorkerCount  = 2
)

// Load reads configuration from environment variables falling back to
// defaults. S3 credentials are the one thing that cannot be defaulted.
func Load() (*Config, error) {
	cfg := &Config{
		Address:       readEnv("HUBQUEUE_ADDRESS", defaultAddress),
		S3Endpoint:    readEnv("HUBQUEUE_S3_ENDPOINT", "localhost:9000"),
		S3AccessKey:   readEnv("HUBQUEUE_S3_ACCESS_KEY", ""),
		S3SecretKey:   readEnv("HUBQUEUE_S3_SECRET_KEY", ""),
		S3UseSSL:      parseBool("HUBQUEUE_S3_USE_SSL", false),
		S3Region:      readEnv("HUBQUEUE_S3_REGION", "us-east-1"),
		Bucket:        readEnv("HUBQUEUE_BUCKET", defaultBucket),
		RedisAddr:     readEnv("HUBQUEUE_REDIS_ADDR", "localhost:6379"),
		RedisPassword: readEnv("HUBQUEUE_REDIS_PASSWORD", ""),
		RedisDB:       parseInt("HUBQUEUE_REDIS_DB", 0),
		Channel:       readEnv("HUBQUEUE_CHANNEL", defaultChannel),
		JWTSecret:     parseSecret("HUBQUEUE_JWT_SECRET"),
		SessionTTL:    parseDuration("HUBQUEUE_SESSION_TTL", defaultSessionTTL),
		SigningSecret: parseSecret("HUBQUEUE_SIGNING_SECRET"),
		SignedURLTTL:  parseDuration("HUBQUEUE_SIGNED_TTL", defaultSignedTTL),
		MaxFileSize:   parseInt64("HUBQUEUE_MAX_FILE_BYTES", defaultMaxFileSize),
		AllowedTypes:  parseList("HUBQUEUE_ALLOWED_TYPES", defaultAllowedTypes),
		LockRetries:   parseInt("HUBQUEUE_LOCK_RETRIES", defaultLockRetries),
		LockBackoff:   parseDuration("HUBQUEUE_LOCK_BACKOFF", defaultLockBackoff),
		LockLease:     parseDuration("HUBQUEUE_LOCK_LEASE", defaultLockLease),
		PollInterval:  parseDuration("HUBQUEUE_POLL_INTERVAL", defaultPollInterval),
		SweepEvery:    readEnv("HUBQUEUE_SWEEP_EVERY", defaultSweepEvery),
		SweepGrace:    parseDuration("HUBQUEUE_SWEEP_GRACE", defaultSweepGrace),
		Concurrency:   parseInt("HUBQUEUE_WORKERS", defaultWorkerCount),
		CorruptPolicy: CorruptPolicy(readEnv("HUBQUEUE_CORRUPT_POLICY", string(CorruptDefault))),
	}
	if cfg.S3AccessKey == "" || cfg.S3SecretKey == "" {
		return nil, errors.New("HUBQUEUE_S3_ACCESS_KEY and HUBQUEUE_S3_SECRET_KEY are required")
	}
	if cfg.JWTSecret == nil {
		// A generated secret means sessions do not survive a restart, which
		// is acceptable for a single dev instance.
		cfg.JWTSecret = randomSecret()
	}
	if cfg.SigningSecret == nil {
		cfg.SigningSecret = randomSecret()
	}
	if cfg.CorruptPolicy != CorruptDefault && cfg.CorruptPolicy != CorruptFail {
		return nil, errors.New(`HUBQUEUE_CORRUPT_POLICY must be "default" or "fail"`)
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultWorkerCount
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = defaultMaxFileSize
	}
	if cfg.LockRetries <= 0 {
		cfg.LockRetries = defaultLockRetries
	}
	return cfg, nil
}

func readEnv(key, def string) string {
	// LookupEnv returns (value, true) when the variable is present.
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func parseList(key, def string) []string {
	val := readEnv(key, def)
	out := strings.Split(val, ",")
	for i := range out {
		out[i] = strings.TrimSpace(out[i])
	}
	return out
}

func parseBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			return parsed
		}
	}
	return def
}

func parseInt64(key string, def int64) int64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			return parsed
		}
	}
	return def
}

func parseInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return def
}

func parseDuration(key string, def time.Duration) time.Duration {
	// time.ParseDuration understands inputs like "5m" or "30s".
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return def
}

func parseSecret(key string) []byte {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return []byte(v)
	}
	return nil
}

func randomSecret() []byte {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		// No entropy means no safe secret; refuse to start rather than sign
		// tokens with a guessable one.
		log.Fatalf("generate secret: %v", err)
	}
	return buf
}
