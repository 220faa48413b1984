package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"

	"github.com/splax/buildflow/internal/repository"
	"github.com/splax/buildflow/internal/repository/memory"
	"github.com/splax/buildflow/internal/repository/postgres"
	redisrepo "github.com/splax/buildflow/internal/repository/redis"
	"github.com/splax/buildflow/internal/storage"
	"github.com/splax/buildflow/pkg/config"
)

// ErrUnknownBackend is returned when a backend name is not recognised.
var ErrUnknownBackend = errors.New("unknown backend")

// Backend bundles the stores selected by a config.BackendConfig.
type Backend struct {
	Statuses    repository.StatusStore
	Notifier    repository.StatusNotifier
	Deployments repository.DeploymentRepository
	Queue       repository.WorkQueue
	Consumer    repository.WorkConsumer
	Objects     storage.Store

	// Pool is set when the postgres status backend is selected.
	Pool *pgxpool.Pool

	checks  map[string]func(context.Context) error
	closers []func()
}

type pinger interface {
	Ping(ctx context.Context) error
}

// Open connects every backend named in cfg. On error, anything already opened is closed.
func Open(ctx context.Context, cfg config.BackendConfig, logger *slog.Logger) (*Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Backend{checks: make(map[string]func(context.Context) error)}
	if err := b.open(ctx, cfg, logger); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

func (b *Backend) open(ctx context.Context, cfg config.BackendConfig, logger *slog.Logger) error {
	statusBackend := normalize(cfg.StatusBackend)
	queueBackend := normalize(cfg.QueueBackend)

	var redisClient *goredis.Client
	if statusBackend == config.BackendRedis || queueBackend == config.BackendRedis {
		client, err := redisrepo.Connect(ctx, cfg.Redis.URL)
		if err != nil {
			return err
		}
		redisClient = client
		b.closers = append(b.closers, func() { _ = client.Close() })
		b.checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
	}

	switch statusBackend {
	case config.BackendRedis:
		store := redisrepo.NewStore(redisClient, redisrepo.Keys{
			StatusHash:    cfg.Redis.StatusHash,
			DeploymentKey: cfg.Redis.DeploymentKey,
			StatusChannel: cfg.Redis.StatusChannel,
			QueueKey:      cfg.Redis.QueueKey,
		}, logger)
		b.Statuses, b.Notifier, b.Deployments = store, store, store
	case config.BackendPostgres:
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			return errors.New("DATABASE_URL is required for the postgres status backend")
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		b.Pool = pool
		b.closers = append(b.closers, pool.Close)
		repo := postgres.New(pool, cfg.Redis.StatusChannel, logger)
		b.Statuses, b.Notifier, b.Deployments = repo, repo, repo
		b.checks["postgres"] = repo.Ping
	case config.BackendMemory:
		store := memory.NewStore()
		b.Statuses, b.Notifier, b.Deployments = store, store, store
	default:
		return fmt.Errorf("%w: status backend %q", ErrUnknownBackend, cfg.StatusBackend)
	}

	switch queueBackend {
	case config.BackendRedis:
		q := redisrepo.NewQueue(redisClient, cfg.Redis.QueueKey)
		b.Queue, b.Consumer = q, q
	case config.BackendMemory:
		q := memory.NewQueue()
		b.Queue, b.Consumer = q, q
	default:
		return fmt.Errorf("%w: queue backend %q", ErrUnknownBackend, cfg.QueueBackend)
	}

	objects, err := openStorage(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	b.Objects = objects
	if p, ok := objects.(pinger); ok {
		b.checks["storage"] = p.Ping
	}

	logger.Info("backends ready",
		"status_backend", statusBackend,
		"queue_backend", queueBackend,
		"storage_backend", normalize(cfg.Storage.Backend),
	)
	return nil
}

func openStorage(ctx context.Context, cfg config.StorageConfig) (storage.Store, error) {
	switch normalize(cfg.Backend) {
	case config.BackendS3:
		store, err := storage.NewS3Store(ctx, storage.S3Options{
			Bucket:    cfg.Bucket,
			Region:    cfg.Region,
			Endpoint:  cfg.Endpoint,
			PathStyle: cfg.PathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("configure s3 storage: %w", err)
		}
		return store, nil
	case config.BackendFS:
		store, err := storage.NewDirStore(cfg.Dir)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("%w: storage backend %q", ErrUnknownBackend, cfg.Backend)
	}
}

// HealthChecks returns one probe per connected component.
func (b *Backend) HealthChecks() map[string]func(context.Context) error {
	return maps.Clone(b.checks)
}

// Close releases connections in reverse order of opening.
func (b *Backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
	b.closers = nil
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
