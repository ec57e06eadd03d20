// Package config provides application configuration management with support for environment variables, command-line flags, and .env files.
package config

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config holds the application configuration.
type Config struct {
	App         AppConfig
	Logger      LoggerConfig
	Server      ServerConfig
	Redis       RedisConfig
	Database    DatabaseConfig
	Clicker     ClickerConfig
	Leaderboard LeaderboardConfig
	Broadcaster BroadcasterConfig
}

// AppConfig holds application-level configuration.
type AppConfig struct {
	Environment string
}

// LoggerConfig holds logging configuration.
type LoggerConfig struct {
	Level string
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port         string        // Server port (default: 8080)
	ReadTimeout  time.Duration // HTTP read timeout (default: 15s)
	WriteTimeout time.Duration // HTTP write timeout (default: 15s)
	IdleTimeout  time.Duration // HTTP idle timeout (default: 60s)

	// Per-user inbound protection on the click endpoint.
	ClickRatePerSecond float64 // Allowed clicks per second per user (default: 10)
	ClickBurst         int     // Burst size per user (default: 20)
}

// RedisConfig holds fast-store connection configuration.
type RedisConfig struct {
	Addr     string // host:port (default: localhost:6379)
	Password string // Optional
	DB       int    // Logical database (default: 0)
}

// DatabaseConfig holds durable-store configuration.
type DatabaseConfig struct {
	// Path is the SQLite database file (default: {data}/clicker.db).
	Path string
}

// ClickerConfig holds counter cache tuning.
type ClickerConfig struct {
	// SyncInterval is the periodic reconciliation cadence (default: 5s).
	SyncInterval time.Duration
	// SyncBatchSize triggers an async reconcile once this many users are pending (default: 100).
	SyncBatchSize int
	// ActiveUserTTL is how long a user counts as recently active after a click (default: 30s).
	ActiveUserTTL time.Duration
	// WarmBatchSize is the pagination size for cache warming (default: 1000).
	WarmBatchSize int
	// MaxClicksPerCall bounds a single increment amount (default: 100).
	MaxClicksPerCall int64
}

// LeaderboardConfig holds ranking cache tuning.
type LeaderboardConfig struct {
	// Size is the number of entries kept in the cached snapshot (default: 20).
	Size int
	// CacheTTL bounds snapshot staleness even without explicit invalidation (default: 5s).
	CacheTTL time.Duration
}

// BroadcasterConfig holds live-update loop tuning.
type BroadcasterConfig struct {
	// SessionTTL expires sessions that received no update within the window (default: 5m).
	SessionTTL time.Duration
	// BaseInterval is the minimum update cadence (default: 2s).
	BaseInterval time.Duration
	// MaxInterval caps the adaptive cadence (default: 30s).
	MaxInterval time.Duration
	// TargetMessagesPerSecond is the aggregate outbound delivery budget (default: 20).
	TargetMessagesPerSecond float64
	// SafetyMultiplier adds headroom against delivery-channel rate limits (default: 1.5).
	SafetyMultiplier float64
	// MaxConsecutiveFailures raises an operator alert once crossed (default: 5).
	MaxConsecutiveFailures int
	// PushTimeout bounds a single delivery call (default: 5s).
	PushTimeout time.Duration
}

// LoadConfig loads configuration from multiple sources with precedence:
// 1. Command-line flags (highest priority).
// 2. Environment variables.
// 3. .env file.
// 4. Default values (lowest priority).
func LoadConfig() (*Config, error) {
	// Define command-line flags.
	env := flag.String("env", "", "Environment (development, staging, production)")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	dbPath := flag.String("db-path", "", "Path to the SQLite database file")
	redisAddr := flag.String("redis-addr", "", "Redis address (host:port)")

	// Server flags
	serverPort := flag.String("port", "", "Server port (default: 8080)")
	readTimeout := flag.String("read-timeout", "", "HTTP read timeout (default: 15s)")
	writeTimeout := flag.String("write-timeout", "", "HTTP write timeout (default: 15s)")
	idleTimeout := flag.String("idle-timeout", "", "HTTP idle timeout (default: 60s)")

	// Clicker flags
	syncInterval := flag.String("sync-interval", "", "Counter reconciliation interval (default: 5s)")
	syncBatchSize := flag.String("sync-batch-size", "", "Pending users that trigger an async reconcile (default: 100)")

	envFile := flag.String("env-file", ".env", "Path to .env file")

	flag.Parse()

	// Load .env file if it exists (silently ignore if not found).
	_ = loadEnvFile(*envFile)

	// Build config with proper precedence.
	cfg := &Config{
		App: AppConfig{
			Environment: getConfigValue(*env, "ENV", "development"),
		},
		Logger: LoggerConfig{
			Level: getConfigValue(*logLevel, "LOG_LEVEL", "info"),
		},
		Server: ServerConfig{
			Port:               getConfigValue(*serverPort, "SERVER_PORT", "8080"),
			ClickRatePerSecond: getFloatConfigValue("", "SERVER_CLICK_RATE", 10),
			ClickBurst:         getIntConfigValue("", "SERVER_CLICK_BURST", 20),
		},
		Redis: RedisConfig{
			Addr:     getConfigValue(*redisAddr, "REDIS_ADDR", "localhost:6379"),
			Password: getConfigValue("", "REDIS_PASSWORD", ""),
			DB:       getIntConfigValue("", "REDIS_DB", 0),
		},
		Database: DatabaseConfig{
			Path: getConfigValue(*dbPath, "DATABASE_PATH", ""),
		},
		Clicker: ClickerConfig{
			SyncBatchSize:    getIntConfigValue(*syncBatchSize, "CLICKER_SYNC_BATCH_SIZE", 100),
			WarmBatchSize:    getIntConfigValue("", "CLICKER_WARM_BATCH_SIZE", 1000),
			MaxClicksPerCall: int64(getIntConfigValue("", "CLICKER_MAX_PER_CALL", 100)),
		},
		Leaderboard: LeaderboardConfig{
			Size: getIntConfigValue("", "LEADERBOARD_SIZE", 20),
		},
		Broadcaster: BroadcasterConfig{
			TargetMessagesPerSecond: getFloatConfigValue("", "BROADCAST_TARGET_MPS", 20),
			SafetyMultiplier:        getFloatConfigValue("", "BROADCAST_SAFETY_MULTIPLIER", 1.5),
			MaxConsecutiveFailures:  getIntConfigValue("", "BROADCAST_MAX_FAILURES", 5),
		},
	}

	// Parse durations.
	durations := []struct {
		dst      *time.Duration
		flagVal  string
		envKey   string
		fallback string
	}{
		{&cfg.Server.ReadTimeout, *readTimeout, "SERVER_READ_TIMEOUT", "15s"},
		{&cfg.Server.WriteTimeout, *writeTimeout, "SERVER_WRITE_TIMEOUT", "15s"},
		{&cfg.Server.IdleTimeout, *idleTimeout, "SERVER_IDLE_TIMEOUT", "60s"},
		{&cfg.Clicker.SyncInterval, *syncInterval, "CLICKER_SYNC_INTERVAL", "5s"},
		{&cfg.Clicker.ActiveUserTTL, "", "CLICKER_ACTIVE_USER_TTL", "30s"},
		{&cfg.Leaderboard.CacheTTL, "", "LEADERBOARD_CACHE_TTL", "5s"},
		{&cfg.Broadcaster.SessionTTL, "", "BROADCAST_SESSION_TTL", "5m"},
		{&cfg.Broadcaster.BaseInterval, "", "BROADCAST_BASE_INTERVAL", "2s"},
		{&cfg.Broadcaster.MaxInterval, "", "BROADCAST_MAX_INTERVAL", "30s"},
		{&cfg.Broadcaster.PushTimeout, "", "BROADCAST_PUSH_TIMEOUT", "5s"},
	}
	for _, d := range durations {
		raw := getConfigValue(d.flagVal, d.envKey, d.fallback)
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s %q: %w", d.envKey, raw, err)
		}
		*d.dst = parsed
	}

	// Expand and validate the database path.
	if err := cfg.expandDatabasePath(); err != nil {
		return nil, fmt.Errorf("invalid database path: %w", err)
	}

	// Validate configuration.
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required config values are present and valid.
func (c *Config) Validate() error {
	if c.App.Environment == "" {
		return errors.New("ENV is required")
	}

	validEnvs := map[string]bool{
		"development": true,
		"staging":     true,
		"production":  true,
	}
	if !validEnvs[c.App.Environment] {
		return fmt.Errorf("invalid environment: %s (must be development, staging, or production)", c.App.Environment)
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[strings.ToLower(c.Logger.Level)] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logger.Level)
	}

	if c.Redis.Addr == "" {
		return errors.New("redis address cannot be empty")
	}
	if c.Server.ClickRatePerSecond <= 0 || c.Server.ClickBurst < 1 {
		return errors.New("click rate and burst must be positive")
	}
	if c.Database.Path == "" {
		return errors.New("database path cannot be empty after expansion")
	}

	if c.Clicker.SyncBatchSize < 1 {
		return fmt.Errorf("sync batch size must be positive, got %d", c.Clicker.SyncBatchSize)
	}
	if c.Clicker.MaxClicksPerCall < 1 {
		return fmt.Errorf("max clicks per call must be positive, got %d", c.Clicker.MaxClicksPerCall)
	}
	if c.Leaderboard.Size < 1 {
		return fmt.Errorf("leaderboard size must be positive, got %d", c.Leaderboard.Size)
	}

	if c.Broadcaster.TargetMessagesPerSecond <= 0 {
		return fmt.Errorf("broadcast target messages per second must be positive, got %v", c.Broadcaster.TargetMessagesPerSecond)
	}
	if c.Broadcaster.SafetyMultiplier < 1 {
		return fmt.Errorf("broadcast safety multiplier must be >= 1, got %v", c.Broadcaster.SafetyMultiplier)
	}
	if c.Broadcaster.BaseInterval <= 0 || c.Broadcaster.MaxInterval < c.Broadcaster.BaseInterval {
		return errors.New("broadcast intervals must satisfy 0 < base <= max")
	}

	return nil
}

// expandPath expands ~ and makes the path absolute.
// If path is empty and defaultPath is provided, uses the default.
func expandPath(path, defaultPath string) (string, error) {
	if path == "" {
		return defaultPath, nil
	}

	// Expand tilde.
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, path[2:])
	}

	// Make absolute if needed.
	if !filepath.IsAbs(path) {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return "", fmt.Errorf("failed to get absolute path: %w", err)
		}
		path = absPath
	}

	return filepath.Clean(path), nil
}

// expandDatabasePath expands ~ and makes the path absolute.
// Defaults to {home}/Clicker/clicker.db when unset.
func (c *Config) expandDatabasePath() error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}
	defaultPath := filepath.Join(homeDir, "Clicker", "clicker.db")

	expanded, err := expandPath(c.Database.Path, defaultPath)
	if err != nil {
		return err
	}
	c.Database.Path = expanded
	return nil
}

// getConfigValue returns the first non-empty value from flag, env var, or default.
func getConfigValue(flagValue, envKey, defaultValue string) string {
	// Priority 1: Command-line flag.
	if flagValue != "" {
		return flagValue
	}

	// Priority 2: Environment variable.
	if envValue := os.Getenv(envKey); envValue != "" {
		return envValue
	}

	// Priority 3: Default value.
	return defaultValue
}

// getIntConfigValue returns an int from flag, env var, or default.
func getIntConfigValue(flagValue, envKey string, defaultValue int) int {
	strValue := getConfigValue(flagValue, envKey, "")
	if strValue == "" {
		return defaultValue
	}
	var result int
	if _, err := fmt.Sscanf(strValue, "%d", &result); err != nil {
		return defaultValue
	}
	return result
}

// getFloatConfigValue returns a float64 from flag, env var, or default.
func getFloatConfigValue(flagValue, envKey string, defaultValue float64) float64 {
	strValue := getConfigValue(flagValue, envKey, "")
	if strValue == "" {
		return defaultValue
	}
	var result float64
	if _, err := fmt.Sscanf(strValue, "%g", &result); err != nil {
		return defaultValue
	}
	return result
}

// loadEnvFile loads environment variables from a .env file.
// Format: KEY=value (one per line, # for comments).
func loadEnvFile(path string) error {
	file, err := os.Open(path) //#nosec G304 -- Config file path from user input is expected
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments.
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// Parse KEY=value.
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return fmt.Errorf("invalid format at line %d: %s", lineNum, line)
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		// Remove quotes if present.
		value = strings.Trim(value, `"'`)

		// Only set if not already set (env vars take precedence over .env file).
		if os.Getenv(key) == "" {
			if err := os.Setenv(key, value); err != nil {
				return fmt.Errorf("failed to set env var %s: %w", key, err)
			}
		}
	}

	return scanner.Err()
}
