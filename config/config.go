package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config stores the application configuration.
// Values come from the environment (optionally via a .env file) with simple defaults.
type Config struct {
	ServerAddr string

	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	// Redis配置
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// MinIO配置
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioRegion    string
	MinioUseSSL    bool

	// JWT secret for validating tokens issued by the account service.
	JWTSecret string

	// Content service that owns book text; chunk text is fetched from it per job.
	ContentAPIURL     string
	ContentAPITimeout time.Duration

	// TTS providers
	ElevenLabsAPIKey  string
	ElevenLabsBaseURL string
	EspeakPath        string
	ProviderTimeout   time.Duration
	ProviderRateLimit float64 // synthesize calls per second, per provider
	ProviderBurst     int

	// 预生成队列配置
	WorkerCount      int
	RetryBase        time.Duration
	RetryCap         time.Duration
	MaxAttempts      int
	QuotaMaxAttempts int           // lower ceiling for permanent quota errors
	ClaimPoll        time.Duration // idle worker poll interval
	ReclaimAfter     time.Duration // liveness timeout for orphaned in-progress jobs
	ReclaimInterval  time.Duration

	// Fast-start enumeration: first N chunks at the popular levels get the top tier.
	FastStartChunks int
	PopularLevels   []string

	// 音频资产缓存配置
	AssetCacheTTL    time.Duration
	LeaseTTL         time.Duration
	StorageBudget    int64 // bytes of audio kept before stale assets are evicted
	EvictionInterval time.Duration

	// On-demand generation budget for the synchronous read path.
	OnDemandTimeout time.Duration
	OnDemandWait    time.Duration // how long a reader waits on someone else's generation

	// 播放同步配置
	SampleInterval time.Duration
	DeadBand       time.Duration // drift tolerance before the offset is corrected
	WideDeadBand   time.Duration // tolerance when timings are heuristic only
	CorrectionGain float64       // fraction of measured drift folded into the offset

	// Voice catalog file, hot-reloaded on change.
	VoiceCatalogPath string
	DefaultVoiceID   string

	LogLevel  string
	LogOutput string
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

// getEnvInt gets an environment variable as int or returns a default value.
func getEnvInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

// getEnvInt64 gets an environment variable as int64 or returns a default value.
func getEnvInt64(key string, fallback int64) int64 {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return fallback
}

// getEnvFloat gets an environment variable as float64 or returns a default value.
func getEnvFloat(key string, fallback float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return fallback
}

// getEnvBool gets an environment variable as bool or returns a default value.
func getEnvBool(key string, fallback bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

// getEnvDuration gets an environment variable as time.Duration or returns a default value.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

// getEnvList gets a comma-separated environment variable as a string slice.
func getEnvList(key string, fallback []string) []string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				out = append(out, s)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return fallback
}

// Load loads configuration from environment variables (via .env file) or defaults.
func Load() *Config {
	// Attempt to load .env file. godotenv.Load() will not override existing env vars.
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found or error loading .env, relying on existing environment variables and defaults.")
	}

	return &Config{
		ServerAddr: getEnv("SERVER_ADDR", ":8080"),

		DBHost:     getEnv("DB_HOST", "127.0.0.1"),
		DBPort:     getEnv("DB_PORT", "3306"),
		DBUser:     getEnv("DB_USER", "root"),
		DBPassword: os.Getenv("DB_PASSWORD"), // For password, better not to have a hardcoded default
		DBName:     getEnv("DB_NAME", "linguafm"),

		// Redis配置，使用默认值
		RedisHost:     getEnv("REDIS_HOST", "127.0.0.1"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		MinioEndpoint:  getEnv("MINIO_ENDPOINT", "127.0.0.1:9000"),
		MinioAccessKey: getEnv("MINIO_ACCESS_KEY", ""),
		MinioSecretKey: getEnv("MINIO_SECRET_KEY", ""),
		MinioBucket:    getEnv("MINIO_BUCKET", "linguafm-audio"),
		MinioRegion:    getEnv("MINIO_REGION", "us-east-1"),
		MinioUseSSL:    getEnvBool("MINIO_USE_SSL", false),

		JWTSecret: getEnv("JWT_SECRET", "dev-secret-change-me"),

		ContentAPIURL:     getEnv("CONTENT_API_URL", "http://localhost:3000"),
		ContentAPITimeout: getEnvDuration("CONTENT_API_TIMEOUT", 10*time.Second),

		ElevenLabsAPIKey:  os.Getenv("ELEVENLABS_API_KEY"),
		ElevenLabsBaseURL: getEnv("ELEVENLABS_BASE_URL", "https://api.elevenlabs.io"),
		EspeakPath:        getEnv("ESPEAK_PATH", ""),
		ProviderTimeout:   getEnvDuration("PROVIDER_TIMEOUT", 30*time.Second),
		ProviderRateLimit: getEnvFloat("PROVIDER_RATE_LIMIT", 4),
		ProviderBurst:     getEnvInt("PROVIDER_BURST", 2),

		WorkerCount:      getEnvInt("PREGEN_WORKERS", 4),
		RetryBase:        getEnvDuration("PREGEN_RETRY_BASE", 5*time.Second),
		RetryCap:         getEnvDuration("PREGEN_RETRY_CAP", 10*time.Minute),
		MaxAttempts:      getEnvInt("PREGEN_MAX_ATTEMPTS", 5),
		QuotaMaxAttempts: getEnvInt("PREGEN_QUOTA_MAX_ATTEMPTS", 1),
		ClaimPoll:        getEnvDuration("PREGEN_CLAIM_POLL", 500*time.Millisecond),
		ReclaimAfter:     getEnvDuration("PREGEN_RECLAIM_AFTER", 5*time.Minute),
		ReclaimInterval:  getEnvDuration("PREGEN_RECLAIM_INTERVAL", time.Minute),

		FastStartChunks: getEnvInt("PREGEN_FAST_START_CHUNKS", 3),
		PopularLevels:   getEnvList("PREGEN_POPULAR_LEVELS", []string{"A2", "B1", "B2"}),

		AssetCacheTTL:    getEnvDuration("ASSET_CACHE_TTL", 30*time.Minute),
		LeaseTTL:         getEnvDuration("PLAYBACK_LEASE_TTL", 2*time.Minute),
		StorageBudget:    getEnvInt64("AUDIO_STORAGE_BUDGET", 10<<30), // 10 GiB
		EvictionInterval: getEnvDuration("EVICTION_INTERVAL", 10*time.Minute),

		OnDemandTimeout: getEnvDuration("ONDEMAND_TIMEOUT", 4*time.Second),
		OnDemandWait:    getEnvDuration("ONDEMAND_WAIT", 2*time.Second),

		SampleInterval: getEnvDuration("SYNC_SAMPLE_INTERVAL", 200*time.Millisecond),
		DeadBand:       getEnvDuration("SYNC_DEAD_BAND", 25*time.Millisecond),
		WideDeadBand:   getEnvDuration("SYNC_WIDE_DEAD_BAND", 150*time.Millisecond),
		CorrectionGain: getEnvFloat("SYNC_CORRECTION_GAIN", 0.3),

		VoiceCatalogPath: getEnv("VOICE_CATALOG_PATH", "voices.json"),
		DefaultVoiceID:   getEnv("DEFAULT_VOICE_ID", "en-us-standard-f"),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogOutput: getEnv("LOG_OUTPUT", ""),
	}
}
