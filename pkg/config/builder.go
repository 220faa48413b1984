package config

import "time"

// BuilderConfig holds runtime configuration for the build worker.
type BuilderConfig struct {
	Environment   string
	Addr          string
	LogLevel      string
	StatusBackend string
	QueueBackend  string
	Redis         RedisConfig
	DatabaseURL   string
	Storage       StorageConfig
	PollTimeout   time.Duration
	BuildTimeout  time.Duration
}

// LoadBuilderConfig constructs a BuilderConfig from environment variables.
func LoadBuilderConfig() BuilderConfig {
	LoadDotEnv()
	return BuilderConfig{
		Environment:   GetString("APP_ENV", "development"),
		Addr:          GetString("BUILDER_ADDR", ":5000"),
		LogLevel:      GetString("LOG_LEVEL", "info"),
		StatusBackend: GetString("STATUS_BACKEND", BackendRedis),
		QueueBackend:  GetString("QUEUE_BACKEND", BackendRedis),
		Redis:         loadRedisConfig(),
		DatabaseURL:   GetString("DATABASE_URL", ""),
		Storage:       loadStorageConfig(),
		PollTimeout:   GetSeconds("BUILD_POLL_TIMEOUT_SECONDS", 5),
		BuildTimeout:  GetSeconds("BUILD_TIMEOUT_SECONDS", 600),
	}
}

// Backends returns the store selection of c.
func (c BuilderConfig) Backends() BackendConfig {
	return BackendConfig{
		StatusBackend: c.StatusBackend,
		QueueBackend:  c.QueueBackend,
		Redis:         c.Redis,
		DatabaseURL:   c.DatabaseURL,
		Storage:       c.Storage,
	}
}
