package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Remote endpoint configuration
	AURURL       string
	RPCURL       string
	MaxURILength int // longest request URI sent before splitting
	MaxArgs      int // most names packed into one info request

	// Cache configuration
	TTL          time.Duration
	CacheBackend string // "bolt", "sqlite", "local", "s3" or "memory"
	CachePath    string
	PurgeOnStart bool

	// ArchivePath keeps downloaded snapshot tarballs for reuse. Empty
	// disables the archive.
	ArchivePath string

	// S3 cache backend
	S3Endpoint        string
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3Region          string
	S3Bucket          string
	S3Prefix          string
	S3ForcePathStyle  bool
	S3UseSSL          bool

	// Timeout configuration
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration

	// Server configuration
	Port      string
	LogLevel  string
	LogFormat string // console or json
	LogColor  bool

	// SSL configuration
	DisableSSLVerification bool
}

const (
	BackendBolt   = "bolt"
	BackendSQLite = "sqlite"
	BackendLocal  = "local"
	BackendS3     = "s3"
	BackendMemory = "memory"
)

func Load() *Config {
	cfg := &Config{
		AURURL:                 getEnv("AURCACHE_AUR_URL", "https://aur.archlinux.org"),
		RPCURL:                 getEnv("AURCACHE_RPC_URL", ""),
		MaxURILength:           int(getIntEnv("AURCACHE_MAX_URI_LENGTH", 8000)),
		MaxArgs:                int(getIntEnv("AURCACHE_MAX_ARGS", 250)),
		TTL:                    getDurationEnv("AURCACHE_TTL", 15*time.Minute),
		CacheBackend:           strings.ToLower(getEnv("AURCACHE_CACHE_BACKEND", BackendBolt)),
		CachePath:              getEnv("AURCACHE_CACHE_PATH", ""),
		PurgeOnStart:           getBoolEnv("AURCACHE_PURGE_ON_START", false),
		ArchivePath:            getEnv("AURCACHE_ARCHIVE_PATH", ""),
		Port:                   getEnv("PORT", "5000"),
		LogLevel:               getEnv("AURCACHE_LOGGING_LEVEL", "INFO"),
		LogFormat:              getEnv("AURCACHE_LOG_FORMAT", "console"),
		LogColor:               getBoolEnv("AURCACHE_LOG_COLOR", true),
		DisableSSLVerification: getBoolEnv("AURCACHE_DISABLE_SSL_VERIFICATION", false),

		S3Endpoint:        getEnv("AWS_ENDPOINT_URL", ""),
		S3AccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
		S3SecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
		S3Region:          getEnv("AWS_REGION", "us-east-1"),
		S3Bucket:          getEnv("AURCACHE_S3_BUCKET", ""),
		S3Prefix:          getEnv("AURCACHE_S3_PREFIX", "aurcache"),
		S3ForcePathStyle:  getBoolEnv("AURCACHE_S3_FORCE_PATH_STYLE", false),
		S3UseSSL:          getBoolEnv("AURCACHE_S3_USE_SSL", true),
	}

	cfg.AURURL = strings.TrimSuffix(cfg.AURURL, "/")
	if cfg.RPCURL == "" {
		cfg.RPCURL = cfg.AURURL + "/rpc"
	}

	if connectTimeout := getEnv("AURCACHE_CONNECT_TIMEOUT", ""); connectTimeout != "" {
		cfg.ConnectTimeout = getFloatDurationEnv("AURCACHE_CONNECT_TIMEOUT", 0)
	}
	if readTimeout := getEnv("AURCACHE_READ_TIMEOUT", ""); readTimeout != "" {
		cfg.ReadTimeout = getFloatDurationEnv("AURCACHE_READ_TIMEOUT", 0)
	} else if cfg.ConnectTimeout > 0 {
		cfg.ReadTimeout = 20 * time.Second
	}

	if cfg.TTL < 0 {
		cfg.TTL = 0
	}
	if cfg.MaxArgs <= 0 {
		cfg.MaxArgs = 250
	}

	if cfg.CachePath == "" {
		cfg.CachePath = DefaultCachePath(cfg.CacheBackend)
	}

	if cfg.CacheBackend == BackendS3 && cfg.S3Endpoint == "" {
		cfg.S3Endpoint = "s3.amazonaws.com"
	}

	return cfg
}

// DefaultCachePath returns the per-user location of the cache for backend,
// honouring XDG_CACHE_HOME.
func DefaultCachePath(backend string) string {
	dir := os.Getenv("XDG_CACHE_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".cache")
		} else {
			dir = os.TempDir()
		}
	}
	dir = filepath.Join(dir, "aurcache")

	switch backend {
	case BackendSQLite:
		return filepath.Join(dir, "records.sqlite3")
	case BackendLocal:
		return filepath.Join(dir, "records")
	default:
		return filepath.Join(dir, "records.bolt")
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getDurationEnv reads whole seconds.
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return time.Duration(intVal) * time.Second
		}
	}
	return defaultValue
}

func getFloatDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return time.Duration(floatVal * float64(time.Second))
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	value := strings.ToLower(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	return value != "0" && value != "no" && value != "off" && value != "false"
}
