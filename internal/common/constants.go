package common

// Environment variable keys
const (
	EnvConfigFile     = "CONFIG_FILE"
	EnvEnvFile        = "ENV_FILE"
	EnvHTTPPort       = "HTTP_PORT"
	EnvMetricsPort    = "METRICS_PORT"
	EnvReadTimeout    = "READ_TIMEOUT"
	EnvWriteTimeout   = "WRITE_TIMEOUT"
	EnvPredictTimeout = "PREDICT_TIMEOUT"
	EnvBundleDir      = "BUNDLE_DIR"
	EnvBundleStore    = "BUNDLE_STORE"
	EnvBundleVersion  = "BUNDLE_VERSION"
	EnvDataPath       = "DATA_PATH"
	EnvReloadInterval = "RELOAD_INTERVAL"
	EnvRemoteTimeout  = "REMOTE_MODEL_TIMEOUT"
	EnvLogLevel       = "LOG_LEVEL"
	EnvLogFormat      = "LOG_FORMAT"
	EnvCacheBackend   = "CACHE_BACKEND"
	EnvCacheSize      = "CACHE_SIZE"
	EnvCacheTTL       = "CACHE_TTL"
	EnvRedisAddr      = "REDIS_ADDR"
	EnvRedisDB        = "REDIS_DB"
	EnvRedisPassword  = "REDIS_PASSWORD"
	EnvSchemaRules    = "SCHEMA_RULES"
)

// Bundle store backends
const (
	BundleStoreDir  = "dir"
	BundleStoreBolt = "bolt"
)

// Cache backends
const (
	CacheNone   = "none"
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

// Configuration defaults
const (
	DefaultEnvFile      = ".env"
	DefaultHTTPPort      = 8000
	DefaultMetricsPort   = 8080
	DefaultBundleDir     = "bundles"
	DefaultBundleStore   = BundleStoreDir
	DefaultDataPath      = "data"
	DefaultLogLevel      = "info"
	DefaultLogFormat     = "json"
	DefaultCacheBackend  = CacheNone
	DefaultCacheSize     = 10000
	DefaultRedisAddr     = "localhost:6379"
)

// SchemaRulesSeparator splits SCHEMA_RULES into individual expressions.
const SchemaRulesSeparator = ";"
