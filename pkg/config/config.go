package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Cache backends.
const (
	CacheMemory = "memory"
	CacheLocal  = "local"
	CacheRemote = "remote"
)

// Remote cache index stores.
const (
	IndexDynamoDB = "dynamodb"
	IndexRedis    = "redis"
)

type Config struct {
	// Node configuration
	NodeID        string
	ListenAddress string
	Port          int
	LogLevel      string

	// Cache configuration
	CacheBackend  string
	CachePath     string
	RemoteIndex   string
	S3Bucket      string
	DynamoDBTable string
	AWSRegion     string
	RedisURL      string

	// Generator configuration
	GeneratorBinary    string
	GeneratorModelFile string
	GeneratorTimeout   time.Duration
	ScratchDir         string

	// Session configuration
	SessionTTL           time.Duration
	SessionMaxEntries    int
	SessionSweepSchedule string

	// Lock configuration
	LockEnabled bool
	LockExpiry  time.Duration

	// P2P configuration
	P2PEnabled     bool
	MDNSEnabled    bool
	BootstrapPeers []string
	// MaxArtifactSize caps a single artifact received from a peer.
	MaxArtifactSize int64

	// API configuration
	APIPort        int
	MetricsEnabled bool
}

func DefaultConfig() *Config {
	return &Config{
		ListenAddress:        "0.0.0.0",
		Port:                 4001,
		LogLevel:             "info",
		CacheBackend:         CacheLocal,
		CachePath:            "./cache",
		RemoteIndex:          IndexDynamoDB,
		RedisURL:             "redis://localhost:6379",
		GeneratorBinary:      "zoo",
		GeneratorTimeout:     2 * time.Minute,
		SessionTTL:           30 * time.Minute,
		SessionMaxEntries:    1024,
		SessionSweepSchedule: "* * * * *",
		LockExpiry:           5 * time.Minute,
		MDNSEnabled:          true,
		MaxArtifactSize:      1024 * 1024 * 64, // 64MB
		APIPort:              8080,
		MetricsEnabled:       true,
	}
}

// LoadFromEnv overlays environment variables onto cfg. Unset variables keep
// the current value.
func LoadFromEnv(cfg *Config) error {
	var errs []error

	setString(&cfg.NodeID, "PLATEGEN_NODE_ID")
	setString(&cfg.ListenAddress, "PLATEGEN_LISTEN_ADDRESS")
	errs = append(errs, setInt(&cfg.Port, "PLATEGEN_P2P_PORT"))
	setString(&cfg.LogLevel, "LOG_LEVEL")

	setString(&cfg.CacheBackend, "PLATEGEN_CACHE_BACKEND")
	setString(&cfg.CachePath, "PLATEGEN_CACHE_PATH")
	setString(&cfg.RemoteIndex, "PLATEGEN_REMOTE_INDEX")
	setString(&cfg.S3Bucket, "S3_BUCKET_NAME")
	setString(&cfg.DynamoDBTable, "DYNAMODB_TABLE")
	setString(&cfg.AWSRegion, "AWS_REGION")
	setString(&cfg.RedisURL, "REDIS_URL")

	setString(&cfg.GeneratorBinary, "PLATEGEN_GENERATOR_BINARY")
	setString(&cfg.GeneratorModelFile, "PLATEGEN_GENERATOR_MODEL")
	errs = append(errs, setDuration(&cfg.GeneratorTimeout, "PLATEGEN_GENERATOR_TIMEOUT"))
	setString(&cfg.ScratchDir, "PLATEGEN_SCRATCH_DIR")

	errs = append(errs, setDuration(&cfg.SessionTTL, "PLATEGEN_SESSION_TTL"))
	errs = append(errs, setInt(&cfg.SessionMaxEntries, "PLATEGEN_SESSION_MAX_ENTRIES"))
	setString(&cfg.SessionSweepSchedule, "PLATEGEN_SESSION_SWEEP")

	errs = append(errs, setBool(&cfg.LockEnabled, "PLATEGEN_LOCK_ENABLED"))
	errs = append(errs, setDuration(&cfg.LockExpiry, "PLATEGEN_LOCK_EXPIRY"))

	errs = append(errs, setBool(&cfg.P2PEnabled, "PLATEGEN_P2P_ENABLED"))
	errs = append(errs, setBool(&cfg.MDNSEnabled, "PLATEGEN_MDNS_ENABLED"))
	if v, ok := os.LookupEnv("PLATEGEN_BOOTSTRAP_PEERS"); ok {
		cfg.BootstrapPeers = splitList(v)
	}

	errs = append(errs, setInt(&cfg.APIPort, "PLATEGEN_API_PORT"))
	errs = append(errs, setBool(&cfg.MetricsEnabled, "PLATEGEN_METRICS_ENABLED"))

	return errors.Join(errs...)
}

// Validate rejects settings the node cannot start with.
func (c *Config) Validate() error {
	switch c.CacheBackend {
	case CacheMemory:
	case CacheLocal:
		if c.CachePath == "" {
			return errors.New("config: local cache requires a cache path")
		}
	case CacheRemote:
		if c.S3Bucket == "" {
			return errors.New("config: remote cache requires S3_BUCKET_NAME")
		}
		switch c.RemoteIndex {
		case IndexDynamoDB:
			if c.DynamoDBTable == "" {
				return errors.New("config: dynamodb index requires DYNAMODB_TABLE")
			}
		case IndexRedis:
		default:
			return fmt.Errorf("config: unknown remote index %q", c.RemoteIndex)
		}
	default:
		return fmt.Errorf("config: unknown cache backend %q", c.CacheBackend)
	}

	if c.GeneratorTimeout <= 0 {
		return errors.New("config: generator timeout must be positive")
	}
	if c.SessionTTL <= 0 {
		return errors.New("config: session TTL must be positive")
	}
	if c.SessionMaxEntries <= 0 {
		return errors.New("config: session max entries must be positive")
	}
	if c.MaxArtifactSize <= 0 {
		return errors.New("config: max artifact size must be positive")
	}
	if c.APIPort < 0 || c.APIPort > 65535 {
		return fmt.Errorf("config: invalid API port %d", c.APIPort)
	}
	return nil
}

// UsesRedis reports whether any enabled component needs RedisURL.
func (c *Config) UsesRedis() bool {
	return c.LockEnabled || (c.CacheBackend == CacheRemote && c.RemoteIndex == IndexRedis)
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = n
	return nil
}

func setBool(dst *bool, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = b
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = d
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
