package deploy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/splax/buildflow/internal/domain"
	"github.com/splax/buildflow/internal/repository"
)

// Ingestor materializes a source reference into durable storage under the deployment namespace.
type Ingestor interface {
	Validate(sourceRef string) error
	Ingest(ctx context.Context, sourceRef, id string) ([]string, error)
}

// Service accepts deploy requests and answers status lookups.
type Service struct {
	ingestor    Ingestor
	statuses    repository.StatusStore
	queue       repository.WorkQueue
	deployments repository.DeploymentRepository
	logger      *slog.Logger
	newID       func() string
	now         func() time.Time
}

// New returns a deployment coordinator. deployments may be nil when no record store is configured.
func New(ingestor Ingestor, statuses repository.StatusStore, queue repository.WorkQueue, deployments repository.DeploymentRepository, logger *slog.Logger) Service {
	if logger == nil {
		logger = slog.Default()
	}
	return Service{
		ingestor:    ingestor,
		statuses:    statuses,
		queue:       queue,
		deployments: deployments,
		logger:      logger,
		newID:       uuid.NewString,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// CreateDeployment fetches and uploads sourceRef under a fresh id, marks it uploaded and
// queues it for build. No status record survives a failed call.
func (s Service) CreateDeployment(ctx context.Context, sourceRef string) (*domain.Deployment, error) {
	sourceRef = strings.TrimSpace(sourceRef)
	if err := s.ingestor.Validate(sourceRef); err != nil {
		if !errors.Is(err, domain.ErrInvalidSourceRef) {
			err = fmt.Errorf("%w: %w", domain.ErrInvalidSourceRef, err)
		}
		return nil, err
	}

	deployment := &domain.Deployment{
		ID:        s.newID(),
		SourceRef: sourceRef,
		Status:    domain.StatusUploading,
		CreatedAt: s.now(),
	}
	log := s.logger.With("deployment_id", deployment.ID, "source_ref", sourceRef)
	log.Info("deployment accepted")

	started := time.Now()
	files, err := s.ingestor.Ingest(ctx, sourceRef, deployment.ID)
	if err != nil {
		log.Error("ingestion failed", "error", err)
		return nil, err
	}
	deployment.Files = files
	deployment.Status = domain.StatusUploaded

	// The record is written before the id is queued so workers can check the manifest.
	if s.deployments != nil {
		if err := s.deployments.SaveDeployment(ctx, deployment); err != nil {
			log.Warn("deployment record not saved", "error", err)
		}
	}
	if err := s.markUploaded(ctx, deployment.ID); err != nil {
		log.Error("queue handoff failed", "error", err)
		return nil, err
	}
	log.Info("deployment uploaded", "files", len(files), "duration_ms", time.Since(started).Milliseconds())
	return deployment, nil
}

// markUploaded records uploaded before the id becomes visible to workers, and withdraws the
// record when either step does not go through.
func (s Service) markUploaded(ctx context.Context, id string) error {
	if err := s.statuses.SetStatus(ctx, id, domain.StatusUploaded); err != nil {
		s.withdraw(ctx, id)
		return fmt.Errorf("%w: record status: %w", domain.ErrQueue, err)
	}
	if err := s.queue.Push(ctx, id); err != nil {
		s.withdraw(ctx, id)
		return fmt.Errorf("%w: %w", domain.ErrQueue, err)
	}
	return nil
}

func (s Service) withdraw(ctx context.Context, id string) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.statuses.DeleteStatus(cleanupCtx, id); err != nil {
		s.logger.Error("stale uploaded status left behind", "deployment_id", id, "error", err)
	}
}

// GetStatus returns the current lifecycle state of id, or repository.ErrNotFound.
func (s Service) GetStatus(ctx context.Context, id string) (domain.Status, error) {
	if strings.TrimSpace(id) == "" {
		return "", repository.ErrNotFound
	}
	return s.statuses.GetStatus(ctx, id)
}

// GetDeployment returns the recorded deployment with its status refreshed from the status store.
func (s Service) GetDeployment(ctx context.Context, id string) (*domain.Deployment, error) {
	if s.deployments == nil {
		return nil, repository.ErrNotFound
	}
	deployment, err := s.deployments.GetDeployment(ctx, id)
	if err != nil {
		return nil, err
	}
	status, err := s.statuses.GetStatus(ctx, id)
	switch {
	case err == nil:
		deployment.Status = status
	case !errors.Is(err, repository.ErrNotFound):
		return nil, err
	}
	return deployment, nil
}
