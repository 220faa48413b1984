package config

import "time"

// Backend names accepted by STATUS_BACKEND, QUEUE_BACKEND and STORAGE_BACKEND.
const (
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
	BackendS3       = "s3"
	BackendFS       = "fs"
)

// RedisConfig locates the Redis instance shared by the upload API and the build worker.
type RedisConfig struct {
	URL           string
	StatusHash    string
	DeploymentKey string
	StatusChannel string
	QueueKey      string
}

// StorageConfig selects and configures the object store holding artifacts.
type StorageConfig struct {
	Backend   string
	Bucket    string
	Region    string
	Endpoint  string
	PathStyle bool
	Dir       string
}

// BackendConfig selects the stores shared by the upload API and the build worker.
type BackendConfig struct {
	StatusBackend string
	QueueBackend  string
	Redis         RedisConfig
	DatabaseURL   string
	Storage       StorageConfig
}

// UploadConfig holds runtime configuration for the upload API service.
type UploadConfig struct {
	Environment       string
	Addr              string
	LogLevel          string
	StatusBackend     string
	QueueBackend      string
	Redis             RedisConfig
	DatabaseURL       string
	MigrationsDir     string
	Storage           StorageConfig
	Workdir           string
	FetchTimeout      time.Duration
	UploadTimeout     time.Duration
	UploadConcurrency int
	ServingDomain     string
	CORSOrigins       []string
	EmbeddedBuilder   bool
	BuildPollTimeout  time.Duration
}

// LoadUploadConfig constructs an UploadConfig from environment variables.
func LoadUploadConfig() UploadConfig {
	LoadDotEnv()
	return UploadConfig{
		Environment:       GetString("APP_ENV", "development"),
		Addr:              GetString("UPLOAD_ADDR", ":3000"),
		LogLevel:          GetString("LOG_LEVEL", "info"),
		StatusBackend:     GetString("STATUS_BACKEND", BackendRedis),
		QueueBackend:      GetString("QUEUE_BACKEND", BackendRedis),
		Redis:             loadRedisConfig(),
		DatabaseURL:       GetString("DATABASE_URL", ""),
		MigrationsDir:     GetString("DB_MIGRATIONS_DIR", "db/migrations"),
		Storage:           loadStorageConfig(),
		Workdir:           GetString("UPLOAD_WORKDIR", "/tmp/buildflow/output"),
		FetchTimeout:      GetSeconds("FETCH_TIMEOUT_SECONDS", 120),
		UploadTimeout:     GetSeconds("UPLOAD_TIMEOUT_SECONDS", 300),
		UploadConcurrency: GetInt("UPLOAD_CONCURRENCY", 8),
		ServingDomain:     GetString("SERVING_DOMAIN", ""),
		CORSOrigins:       GetList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		EmbeddedBuilder:   GetBool("EMBEDDED_BUILDER", false),
		BuildPollTimeout:  GetSeconds("BUILD_POLL_TIMEOUT_SECONDS", 5),
	}
}

// Backends returns the store selection of c.
func (c UploadConfig) Backends() BackendConfig {
	return BackendConfig{
		StatusBackend: c.StatusBackend,
		QueueBackend:  c.QueueBackend,
		Redis:         c.Redis,
		DatabaseURL:   c.DatabaseURL,
		Storage:       c.Storage,
	}
}

func loadRedisConfig() RedisConfig {
	return RedisConfig{
		URL:           GetString("REDIS_URL", "redis://localhost:6379"),
		StatusHash:    GetString("STATUS_HASH", "status"),
		DeploymentKey: GetString("DEPLOYMENT_HASH", "deployments"),
		StatusChannel: GetString("STATUS_CHANNEL", "status-events"),
		QueueKey:      GetString("BUILD_QUEUE", "build-queue"),
	}
}

func loadStorageConfig() StorageConfig {
	return StorageConfig{
		Backend:   GetString("STORAGE_BACKEND", BackendS3),
		Bucket:    GetString("S3_BUCKET", "buildflow"),
		Region:    GetString("S3_REGION", "us-east-1"),
		Endpoint:  GetString("S3_ENDPOINT", ""),
		PathStyle: GetBool("S3_PATH_STYLE", false),
		Dir:       GetString("STORAGE_DIR", "/tmp/buildflow/storage"),
	}
}
