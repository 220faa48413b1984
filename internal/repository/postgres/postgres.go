package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/buildflow/internal/domain"
	"github.com/splax/buildflow/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool    *pgxpool.Pool
	channel string
	logger  *slog.Logger
}

// New constructs a Repository. Status writes are announced with NOTIFY on channel when set.
func New(pool *pgxpool.Pool, channel string, logger *slog.Logger) *Repository {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository{pool: pool, channel: channel, logger: logger}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.StatusStore          = (*Repository)(nil)
	_ repository.StatusNotifier       = (*Repository)(nil)
	_ repository.DeploymentRepository = (*Repository)(nil)
)

// SetStatus upserts the status column and notifies listeners in the same transaction.
func (r *Repository) SetStatus(ctx context.Context, id string, status domain.Status) error {
	const query = `INSERT INTO deployments (id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, updated_at = EXCLUDED.updated_at`
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, query, id, string(status), time.Now().UTC()); err != nil {
			return fmt.Errorf("upsert status: %w", err)
		}
		if r.channel == "" {
			return nil
		}
		payload, err := json.Marshal(domain.StatusChange{DeploymentID: id, Status: status})
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, r.channel, string(payload)); err != nil {
			return fmt.Errorf("notify status: %w", err)
		}
		return nil
	})
}

// GetStatus returns the status column for id.
func (r *Repository) GetStatus(ctx context.Context, id string) (domain.Status, error) {
	const query = `SELECT status FROM deployments WHERE id = $1`
	var status string
	if err := r.pool.QueryRow(ctx, query, id).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", repository.ErrNotFound
		}
		return "", err
	}
	return domain.Status(status), nil
}

// DeleteStatus removes the deployment row.
func (r *Repository) DeleteStatus(ctx context.Context, id string) error {
	const query = `DELETE FROM deployments WHERE id = $1`
	_, err := r.pool.Exec(ctx, query, id)
	return err
}

// SaveDeployment upserts the full deployment record without regressing its status.
func (r *Repository) SaveDeployment(ctx context.Context, deployment *domain.Deployment) error {
	const query = `INSERT INTO deployments (id, source_ref, status, files, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			source_ref = EXCLUDED.source_ref,
			files = EXCLUDED.files,
			created_at = EXCLUDED.created_at`
	files := deployment.Files
	if files == nil {
		files = []string{}
	}
	_, err := r.pool.Exec(ctx, query,
		deployment.ID,
		deployment.SourceRef,
		string(deployment.Status),
		files,
		deployment.CreatedAt,
		time.Now().UTC(),
	)
	return err
}

// GetDeployment fetches a deployment by identifier.
func (r *Repository) GetDeployment(ctx context.Context, id string) (*domain.Deployment, error) {
	const query = `SELECT id, source_ref, status, files, created_at FROM deployments WHERE id = $1`
	var (
		d      domain.Deployment
		status string
	)
	if err := r.pool.QueryRow(ctx, query, id).Scan(&d.ID, &d.SourceRef, &status, &d.Files, &d.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	d.Status = domain.Status(status)
	return &d, nil
}

// SubscribeStatus LISTENs on the notification channel until ctx is done.
func (r *Repository) SubscribeStatus(ctx context.Context, fn func(domain.StatusChange)) error {
	if r.channel == "" {
		<-ctx.Done()
		return ctx.Err()
	}
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listener: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{r.channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen %s: %w", r.channel, err)
	}
	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		var change domain.StatusChange
		if err := json.Unmarshal([]byte(notification.Payload), &change); err != nil {
			r.logger.Warn("invalid status notification", "payload", notification.Payload, "error", err)
			continue
		}
		fn(change)
	}
}

// Ping checks database connectivity.
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}
