package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"expensewatch/internal/log"
)

type Config struct {
	// HTTP Server
	Port               string
	MaxUploadBytes     int64
	RateLimitPerMinute int
	ShutdownTimeout    time.Duration
	// Extra CIDRs whose X-Forwarded-For is trusted, on top of private ranges
	TrustedProxies []string

	// Backend selection
	DataBackend  string
	SQLiteDBPath string
	DataDir      string

	// Auth
	JWTSecret string
	JWTTTL    time.Duration

	// AMQP, disabled when AMQPURL is empty
	AMQPURL      string
	AMQPExchange string
	AMQPQueue    string

	// Vendor lookup cache
	VendorCacheSize int
	VendorCacheTTL  time.Duration

	// Logging
	LogLevel  string
	LogFormat string
}

var validBackends = []string{"memory", "sqlite"}

func Load() *Config {
	return &Config{
		Port:               getEnv("PORT", "8081"),
		MaxUploadBytes:     getEnvInt64("MAX_UPLOAD_BYTES", 10<<20),
		RateLimitPerMinute: getEnvInt("RATE_LIMIT_PER_MINUTE", 60),
		ShutdownTimeout:    getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		TrustedProxies:     getEnvList("TRUSTED_PROXIES"),

		DataBackend:  getEnv("DATA_BACKEND", "sqlite"),
		SQLiteDBPath: getEnv("SQLITE_DB_PATH", "./data/expensewatch.db"),
		DataDir:      getEnv("DATA_DIR", "./data"),

		JWTSecret: getEnv("JWT_SECRET", ""),
		JWTTTL:    getEnvDuration("JWT_TTL", 24*time.Hour),

		AMQPURL:      getEnv("AMQP_URL", ""),
		AMQPExchange: getEnv("AMQP_EXCHANGE", "expensewatch"),
		AMQPQueue:    getEnv("AMQP_QUEUE", "expense_anomalies"),

		VendorCacheSize: getEnvInt("VENDOR_CACHE_SIZE", 1024),
		VendorCacheTTL:  getEnvDuration("VENDOR_CACHE_TTL", 10*time.Minute),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),
	}
}

// Validate checks everything the HTTP server needs.
func (c *Config) Validate() error {
	var errs []string
	c.validateCommon(&errs)

	if port, err := strconv.Atoi(c.Port); err != nil {
		errs = append(errs, fmt.Sprintf("invalid port '%s': must be a number", c.Port))
	} else if port < 1 || port > 65535 {
		errs = append(errs, fmt.Sprintf("invalid port %d: must be between 1 and 65535", port))
	}

	if c.JWTSecret == "" {
		errs = append(errs, "JWT secret is required (JWT_SECRET)")
	} else if len(c.JWTSecret) < 16 {
		errs = append(errs, "JWT secret must be at least 16 characters")
	}
	if c.JWTTTL < time.Minute {
		errs = append(errs, fmt.Sprintf("invalid JWT TTL %v: must be at least 1 minute", c.JWTTTL))
	}

	for _, cidr := range c.TrustedProxies {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			errs = append(errs, fmt.Sprintf("invalid trusted proxy '%s': must be a CIDR", cidr))
		}
	}

	if c.MaxUploadBytes < 1 {
		errs = append(errs, fmt.Sprintf("invalid max upload size %d: must be positive", c.MaxUploadBytes))
	}
	if c.RateLimitPerMinute < 1 {
		errs = append(errs, fmt.Sprintf("invalid rate limit %d: must be at least 1 request per minute", c.RateLimitPerMinute))
	}
	if c.VendorCacheSize < 1 {
		errs = append(errs, fmt.Sprintf("invalid vendor cache size %d: must be at least 1", c.VendorCacheSize))
	}
	if c.VendorCacheTTL < 0 {
		errs = append(errs, fmt.Sprintf("invalid vendor cache TTL %v: must not be negative", c.VendorCacheTTL))
	}

	return joinErrors(errs)
}

// ValidateWorker checks everything the anomaly worker needs. AMQP is
// mandatory there.
func (c *Config) ValidateWorker() error {
	var errs []string
	c.validateCommon(&errs)
	if c.AMQPURL == "" {
		errs = append(errs, "AMQP URL is required for the anomaly worker (AMQP_URL)")
	}
	return joinErrors(errs)
}

func (c *Config) validateCommon(errs *[]string) {
	if !slices.Contains(validBackends, c.DataBackend) {
		*errs = append(*errs, fmt.Sprintf("invalid data backend '%s': must be one of %v", c.DataBackend, validBackends))
	}

	if c.DataBackend == "sqlite" {
		if c.SQLiteDBPath == "" {
			*errs = append(*errs, "SQLite database path cannot be empty when using sqlite backend")
		} else if dir := filepath.Dir(c.SQLiteDBPath); dir != "." && dir != "" {
			if _, err := os.Stat(dir); os.IsNotExist(err) {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					*errs = append(*errs, fmt.Sprintf("cannot create SQLite database directory '%s': %v", dir, err))
				}
			}
		}
	}

	if c.AMQPURL != "" {
		if parsedURL, err := url.Parse(c.AMQPURL); err != nil {
			*errs = append(*errs, fmt.Sprintf("invalid AMQP URL '%s': %v", c.AMQPURL, err))
		} else if parsedURL.Scheme != "amqp" && parsedURL.Scheme != "amqps" {
			*errs = append(*errs, fmt.Sprintf("invalid AMQP URL scheme '%s': must be 'amqp' or 'amqps'", parsedURL.Scheme))
		}
		if c.AMQPExchange == "" {
			*errs = append(*errs, "AMQP exchange name cannot be empty when AMQP URL is provided")
		}
		if c.AMQPQueue == "" {
			*errs = append(*errs, "AMQP queue name cannot be empty when AMQP URL is provided")
		}
	}

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		*errs = append(*errs, fmt.Sprintf("invalid log level '%s': must be debug, info, warn or error", c.LogLevel))
	}
	if f := strings.ToLower(c.LogFormat); f != "text" && f != "json" {
		*errs = append(*errs, fmt.Sprintf("invalid log format '%s': must be 'text' or 'json'", c.LogFormat))
	}
}

func joinErrors(errs []string) error {
	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errs, "\n- "))
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated variable, dropping empty items.
func getEnvList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
