package cfg

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"diamond-pricer/internal/common"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Settings is the resolved service configuration.
type Settings struct {
	HTTPPort       int
	MetricsPort    int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	PredictTimeout time.Duration

	BundleDir      string
	BundleStore    string
	BundleVersion  string // pinned version; empty serves the active one
	DataPath       string
	ReloadInterval time.Duration // 0 disables periodic reloads
	RemoteTimeout  time.Duration

	LogLevel  string
	LogFormat string

	CacheBackend  string
	CacheSize     int
	CacheTTL      time.Duration
	RedisAddr     string
	RedisDB       int
	RedisPassword string

	SchemaRules []string
}

type ConfigFile struct {
	Server struct {
		HTTPPort       int    `yaml:"httpPort"`
		MetricsPort    int    `yaml:"metricsPort"`
		ReadTimeout    string `yaml:"readTimeout"`
		WriteTimeout   string `yaml:"writeTimeout"`
		PredictTimeout string `yaml:"predictTimeout"`
	} `yaml:"server"`

	Bundle struct {
		Dir            string `yaml:"dir"`
		Store          string `yaml:"store"`
		Version        string `yaml:"version"`
		DataPath       string `yaml:"dataPath"`
		ReloadInterval string `yaml:"reloadInterval"`
		RemoteTimeout  string `yaml:"remoteTimeout"`
	} `yaml:"bundle"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`

	Cache struct {
		Backend       string `yaml:"backend"`
		Size          int    `yaml:"size"`
		TTL           string `yaml:"ttl"`
		RedisAddr     string `yaml:"redisAddr"`
		RedisDB       int    `yaml:"redisDB"`
		RedisPassword string `yaml:"redisPassword"`
	} `yaml:"cache"`

	Schema struct {
		Rules []string `yaml:"rules"`
	} `yaml:"schema"`
}

// Load reads an optional .env file, then the YAML file named by
// CONFIG_FILE with environment overrides, or the environment alone.
func Load() (Settings, error) {
	envFile := getEnvOrDefault(common.EnvEnvFile, common.DefaultEnvFile)
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Settings{}, fmt.Errorf("failed to load env file %s: %w", envFile, err)
	}

	if configPath := os.Getenv(common.EnvConfigFile); configPath != "" {
		return loadFromYAML(configPath)
	}

	return loadFromEnv()
}

func loadFromYAML(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config ConfigFile
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Settings{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	var parseErr error
	parse := func(name, raw string, def time.Duration) time.Duration {
		if raw == "" {
			return def
		}
		d, err := time.ParseDuration(raw)
		if err != nil && parseErr == nil {
			parseErr = fmt.Errorf("invalid duration for %s: %w", name, err)
		}
		if err != nil {
			return def
		}
		return d
	}

	settings := Settings{
		HTTPPort:       getIntFromEnvOrConfig(common.EnvHTTPPort, config.Server.HTTPPort, common.DefaultHTTPPort),
		MetricsPort:    getIntFromEnvOrConfig(common.EnvMetricsPort, config.Server.MetricsPort, common.DefaultMetricsPort),
		ReadTimeout:    getDurationOrDefault(common.EnvReadTimeout, parse("readTimeout", config.Server.ReadTimeout, 5*time.Second)),
		WriteTimeout:   getDurationOrDefault(common.EnvWriteTimeout, parse("writeTimeout", config.Server.WriteTimeout, 10*time.Second)),
		PredictTimeout: getDurationOrDefault(common.EnvPredictTimeout, parse("predictTimeout", config.Server.PredictTimeout, 2*time.Second)),

		BundleDir:      getEnvOrDefault(common.EnvBundleDir, orDefault(config.Bundle.Dir, common.DefaultBundleDir)),
		BundleStore:    getEnvOrDefault(common.EnvBundleStore, orDefault(config.Bundle.Store, common.DefaultBundleStore)),
		BundleVersion:  getEnvOrDefault(common.EnvBundleVersion, config.Bundle.Version),
		DataPath:       getEnvOrDefault(common.EnvDataPath, orDefault(config.Bundle.DataPath, common.DefaultDataPath)),
		ReloadInterval: getDurationOrDefault(common.EnvReloadInterval, parse("reloadInterval", config.Bundle.ReloadInterval, 0)),
		RemoteTimeout:  getDurationOrDefault(common.EnvRemoteTimeout, parse("remoteTimeout", config.Bundle.RemoteTimeout, 2*time.Second)),

		LogLevel:  getEnvOrDefault(common.EnvLogLevel, orDefault(config.Log.Level, common.DefaultLogLevel)),
		LogFormat: getEnvOrDefault(common.EnvLogFormat, orDefault(config.Log.Format, common.DefaultLogFormat)),

		CacheBackend:  getEnvOrDefault(common.EnvCacheBackend, orDefault(config.Cache.Backend, common.DefaultCacheBackend)),
		CacheSize:     getIntFromEnvOrConfig(common.EnvCacheSize, config.Cache.Size, common.DefaultCacheSize),
		CacheTTL:      getDurationOrDefault(common.EnvCacheTTL, parse("ttl", config.Cache.TTL, 10*time.Minute)),
		RedisAddr:     getEnvOrDefault(common.EnvRedisAddr, orDefault(config.Cache.RedisAddr, common.DefaultRedisAddr)),
		RedisDB:       getIntFromEnvOrConfig(common.EnvRedisDB, config.Cache.RedisDB, 0),
		RedisPassword: getEnvOrDefault(common.EnvRedisPassword, config.Cache.RedisPassword),

		SchemaRules: getRulesFromEnvOrConfig(config.Schema.Rules),
	}

	if parseErr != nil {
		return Settings{}, fmt.Errorf("failed to parse config file: %w", parseErr)
	}

	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}

	return settings, nil
}

func loadFromEnv() (Settings, error) {
	settings := Settings{
		HTTPPort:       getIntOrDefault(common.EnvHTTPPort, common.DefaultHTTPPort),
		MetricsPort:    getIntOrDefault(common.EnvMetricsPort, common.DefaultMetricsPort),
		ReadTimeout:    getDurationOrDefault(common.EnvReadTimeout, 5*time.Second),
		WriteTimeout:   getDurationOrDefault(common.EnvWriteTimeout, 10*time.Second),
		PredictTimeout: getDurationOrDefault(common.EnvPredictTimeout, 2*time.Second),

		BundleDir:      getEnvOrDefault(common.EnvBundleDir, common.DefaultBundleDir),
		BundleStore:    getEnvOrDefault(common.EnvBundleStore, common.DefaultBundleStore),
		BundleVersion:  os.Getenv(common.EnvBundleVersion), // optional
		DataPath:       getEnvOrDefault(common.EnvDataPath, common.DefaultDataPath),
		ReloadInterval: getDurationOrDefault(common.EnvReloadInterval, 0),
		RemoteTimeout:  getDurationOrDefault(common.EnvRemoteTimeout, 2*time.Second),

		LogLevel:  getEnvOrDefault(common.EnvLogLevel, common.DefaultLogLevel),
		LogFormat: getEnvOrDefault(common.EnvLogFormat, common.DefaultLogFormat),

		CacheBackend:  getEnvOrDefault(common.EnvCacheBackend, common.DefaultCacheBackend),
		CacheSize:     getIntOrDefault(common.EnvCacheSize, common.DefaultCacheSize),
		CacheTTL:      getDurationOrDefault(common.EnvCacheTTL, 10*time.Minute),
		RedisAddr:     getEnvOrDefault(common.EnvRedisAddr, common.DefaultRedisAddr),
		RedisDB:       getIntOrDefault(common.EnvRedisDB, 0),
		RedisPassword: os.Getenv(common.EnvRedisPassword),

		SchemaRules: getRulesFromEnvOrConfig(nil),
	}

	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}

	return settings, nil
}

// ZerologLevel returns the parsed log level.
func (s *Settings) ZerologLevel() zerolog.Level {
	level, err := zerolog.ParseLevel(s.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return level
}

func orDefault(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func getIntFromEnvOrConfig(key string, configValue, defaultValue int) int {
	if env := os.Getenv(key); env != "" {
		if val, err := strconv.Atoi(env); err == nil {
			return val
		}
	}
	if configValue != 0 {
		return configValue
	}
	return defaultValue
}

func getRulesFromEnvOrConfig(configRules []string) []string {
	if env := os.Getenv(common.EnvSchemaRules); env != "" {
		var rules []string
		for _, r := range strings.Split(env, common.SchemaRulesSeparator) {
			if r = strings.TrimSpace(r); r != "" {
				rules = append(rules, r)
			}
		}
		return rules
	}
	return configRules
}

// validateSettings performs range and consistency checks
func validateSettings(settings *Settings) error {
	// Ports
	if settings.HTTPPort < 1024 || settings.HTTPPort > 65535 {
		return fmt.Errorf("HTTP port must be between 1024 and 65535, got %d", settings.HTTPPort)
	}
	if settings.MetricsPort < 1024 || settings.MetricsPort > 65535 {
		return fmt.Errorf("metrics port must be between 1024 and 65535, got %d", settings.MetricsPort)
	}
	if settings.HTTPPort == settings.MetricsPort {
		return fmt.Errorf("HTTP and metrics ports must differ, both are %d", settings.HTTPPort)
	}

	// Timeouts
	if settings.ReadTimeout < 100*time.Millisecond || settings.ReadTimeout > time.Minute {
		return fmt.Errorf("read timeout must be between 100ms and 1m, got %v", settings.ReadTimeout)
	}
	if settings.WriteTimeout < 100*time.Millisecond || settings.WriteTimeout > time.Minute {
		return fmt.Errorf("write timeout must be between 100ms and 1m, got %v", settings.WriteTimeout)
	}
	if settings.PredictTimeout < 10*time.Millisecond || settings.PredictTimeout > settings.WriteTimeout {
		return fmt.Errorf("predict timeout must be between 10ms and the write timeout, got %v", settings.PredictTimeout)
	}
	if settings.RemoteTimeout < 10*time.Millisecond || settings.RemoteTimeout > time.Minute {
		return fmt.Errorf("remote model timeout must be between 10ms and 1m, got %v", settings.RemoteTimeout)
	}
	if settings.ReloadInterval != 0 && settings.ReloadInterval < time.Second {
		return fmt.Errorf("reload interval must be 0 (disabled) or at least 1s, got %v", settings.ReloadInterval)
	}

	// Bundle source
	switch settings.BundleStore {
	case common.BundleStoreDir:
		if settings.BundleDir == "" {
			return fmt.Errorf("bundle directory cannot be empty")
		}
	case common.BundleStoreBolt:
		if settings.DataPath == "" {
			return fmt.Errorf("data path cannot be empty for the bolt bundle store")
		}
	default:
		return fmt.Errorf("bundle store must be %q or %q, got %q", common.BundleStoreDir, common.BundleStoreBolt, settings.BundleStore)
	}

	// Logging
	if _, err := zerolog.ParseLevel(settings.LogLevel); err != nil {
		return fmt.Errorf("invalid log level %q", settings.LogLevel)
	}
	if settings.LogFormat != "json" && settings.LogFormat != "console" {
		return fmt.Errorf("log format must be json or console, got %q", settings.LogFormat)
	}

	// Cache
	switch settings.CacheBackend {
	case common.CacheNone:
	case common.CacheMemory:
		if settings.CacheSize <= 0 || settings.CacheSize > 1_000_000 {
			return fmt.Errorf("cache size must be between 1 and 1000000, got %d", settings.CacheSize)
		}
	case common.CacheRedis:
		if settings.RedisAddr == "" {
			return fmt.Errorf("redis address cannot be empty")
		}
		if settings.RedisDB < 0 || settings.RedisDB > 15 {
			return fmt.Errorf("redis db must be between 0 and 15, got %d", settings.RedisDB)
		}
	default:
		return fmt.Errorf("cache backend must be none, memory or redis, got %q", settings.CacheBackend)
	}
	if settings.CacheBackend != common.CacheNone && (settings.CacheTTL < time.Second || settings.CacheTTL > 24*time.Hour) {
		return fmt.Errorf("cache TTL must be between 1s and 24h, got %v", settings.CacheTTL)
	}

	return nil
}
