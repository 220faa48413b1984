package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	"github.com/splax/buildflow/internal/domain"
	"github.com/splax/buildflow/internal/repository"
)

// Keys names the Redis structures shared with the build worker.
type Keys struct {
	StatusHash    string
	DeploymentKey string
	StatusChannel string
	QueueKey      string
}

// Connect parses a redis:// URL and verifies the server is reachable.
func Connect(ctx context.Context, rawURL string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := goredis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Store implements the status store and deployment repository on Redis hashes.
type Store struct {
	client *goredis.Client
	keys   Keys
	logger *slog.Logger
}

// NewStore wraps an existing client.
func NewStore(client *goredis.Client, keys Keys, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{client: client, keys: keys, logger: logger}
}

var (
	_ repository.StatusStore          = (*Store)(nil)
	_ repository.StatusNotifier       = (*Store)(nil)
	_ repository.DeploymentRepository = (*Store)(nil)
)

// SetStatus writes the status field and announces the change in one transaction.
func (s *Store) SetStatus(ctx context.Context, id string, status domain.Status) error {
	payload, err := json.Marshal(domain.StatusChange{DeploymentID: id, Status: status})
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, s.keys.StatusHash, id, string(status))
		if s.keys.StatusChannel != "" {
			pipe.Publish(ctx, s.keys.StatusChannel, payload)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	return nil
}

// GetStatus reads the status field for id.
func (s *Store) GetStatus(ctx context.Context, id string) (domain.Status, error) {
	value, err := s.client.HGet(ctx, s.keys.StatusHash, id).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return "", repository.ErrNotFound
		}
		return "", fmt.Errorf("get status: %w", err)
	}
	return domain.Status(value), nil
}

// DeleteStatus removes the status field and the deployment record for id.
func (s *Store) DeleteStatus(ctx context.Context, id string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HDel(ctx, s.keys.StatusHash, id)
		pipe.HDel(ctx, s.keys.DeploymentKey, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete status: %w", err)
	}
	return nil
}

// SaveDeployment stores the deployment as JSON under its id.
func (s *Store) SaveDeployment(ctx context.Context, deployment *domain.Deployment) error {
	payload, err := json.Marshal(deployment)
	if err != nil {
		return err
	}
	if err := s.client.HSet(ctx, s.keys.DeploymentKey, deployment.ID, payload).Err(); err != nil {
		return fmt.Errorf("save deployment: %w", err)
	}
	return nil
}

// GetDeployment loads a deployment record.
func (s *Store) GetDeployment(ctx context.Context, id string) (*domain.Deployment, error) {
	raw, err := s.client.HGet(ctx, s.keys.DeploymentKey, id).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("get deployment: %w", err)
	}
	var deployment domain.Deployment
	if err := json.Unmarshal(raw, &deployment); err != nil {
		return nil, fmt.Errorf("decode deployment: %w", err)
	}
	return &deployment, nil
}

// SubscribeStatus relays messages from the status channel until ctx is done.
func (s *Store) SubscribeStatus(ctx context.Context, fn func(domain.StatusChange)) error {
	if s.keys.StatusChannel == "" {
		<-ctx.Done()
		return ctx.Err()
	}
	sub := s.client.Subscribe(ctx, s.keys.StatusChannel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", s.keys.StatusChannel, err)
	}
	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-messages:
			if !ok {
				return errors.New("status subscription closed")
			}
			var change domain.StatusChange
			if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
				s.logger.Warn("invalid status event", "payload", msg.Payload, "error", err)
				continue
			}
			fn(change)
		}
	}
}

// Ping reports whether Redis is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Queue is a FIFO list: producers LPUSH, consumers BRPOP.
type Queue struct {
	client *goredis.Client
	key    string
}

// NewQueue returns a Queue on the given list key.
func NewQueue(client *goredis.Client, key string) *Queue {
	return &Queue{client: client, key: key}
}

var (
	_ repository.WorkQueue    = (*Queue)(nil)
	_ repository.WorkConsumer = (*Queue)(nil)
)

// Push enqueues id.
func (q *Queue) Push(ctx context.Context, id string) error {
	if err := q.client.LPush(ctx, q.key, id).Err(); err != nil {
		return fmt.Errorf("lpush %s: %w", q.key, err)
	}
	return nil
}

// Pop blocks up to timeout for the oldest id.
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (string, error) {
	result, err := q.client.BRPop(ctx, timeout, q.key).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return "", repository.ErrQueueEmpty
		}
		return "", fmt.Errorf("brpop %s: %w", q.key, err)
	}
	if len(result) != 2 {
		return "", fmt.Errorf("brpop %s: unexpected reply %v", q.key, result)
	}
	return result[1], nil
}

// Len reports the number of queued ids.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}
