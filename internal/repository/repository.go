package repository

import (
	"context"
	"time"

	"github.com/splax/buildflow/internal/domain"
)

// StatusStore maps deployment ids to lifecycle states. Writes are last-write-wins;
// monotonicity is upheld by callers. DeleteStatus also drops any deployment record kept
// alongside the status.
type StatusStore interface {
	SetStatus(ctx context.Context, id string, status domain.Status) error
	GetStatus(ctx context.Context, id string) (domain.Status, error)
	DeleteStatus(ctx context.Context, id string) error
}

// StatusNotifier delivers every status write to fn until ctx is done.
type StatusNotifier interface {
	SubscribeStatus(ctx context.Context, fn func(domain.StatusChange)) error
}

// WorkQueue hands ingested deployment ids to build workers in FIFO order.
type WorkQueue interface {
	Push(ctx context.Context, id string) error
}

// WorkConsumer pops ids pushed onto the WorkQueue. Pop blocks for at most timeout and
// returns ErrQueueEmpty when nothing arrived.
type WorkConsumer interface {
	Pop(ctx context.Context, timeout time.Duration) (string, error)
}

// DeploymentRepository stores deployment records.
type DeploymentRepository interface {
	SaveDeployment(ctx context.Context, deployment *domain.Deployment) error
	GetDeployment(ctx context.Context, id string) (*domain.Deployment, error)
}
