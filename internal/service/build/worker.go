package build

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/buildflow/internal/domain"
	"github.com/splax/buildflow/internal/repository"
	"github.com/splax/buildflow/internal/storage"
)

const (
	defaultPollTimeout = 5 * time.Second
	popErrorBackoff    = time.Second
	outcomeSkipped     = "skipped"
)

// ErrMissingArtifact is returned when files recorded in the manifest are absent from storage.
var ErrMissingArtifact = errors.New("artifact incomplete")

// Builder turns an uploaded artifact into a servable deployment.
type Builder interface {
	Build(ctx context.Context, id string, keys []string) error
}

// StaticBuilder serves uploaded files as-is.
type StaticBuilder struct{}

// Build accepts every artifact unchanged.
func (StaticBuilder) Build(context.Context, string, []string) error { return nil }

// Options tunes the worker loop.
type Options struct {
	PollTimeout  time.Duration
	BuildTimeout time.Duration
	Registerer   prometheus.Registerer
}

// Worker consumes queued deployment ids and writes their terminal status.
type Worker struct {
	queue       repository.WorkConsumer
	statuses    repository.StatusStore
	deployments repository.DeploymentRepository
	store       storage.Store
	builder     Builder
	logger      *slog.Logger
	opts        Options
	builds      *prometheus.CounterVec
	duration    prometheus.Histogram
}

// New returns a build worker. deployments may be nil, in which case manifests are not cross-checked.
func New(queue repository.WorkConsumer, statuses repository.StatusStore, deployments repository.DeploymentRepository, store storage.Store, builder Builder, logger *slog.Logger, opts Options) *Worker {
	if builder == nil {
		builder = StaticBuilder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = defaultPollTimeout
	}
	if opts.Registerer == nil {
		opts.Registerer = prometheus.DefaultRegisterer
	}
	w := &Worker{
		queue:       queue,
		statuses:    statuses,
		deployments: deployments,
		store:       store,
		builder:     builder,
		logger:      logger,
		opts:        opts,
	}
	w.initMetrics()
	return w
}

func (w *Worker) initMetrics() {
	builds := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "buildflow",
		Subsystem: "builder",
		Name:      "builds_total",
		Help:      "Number of processed queue entries by outcome",
	}, []string{"outcome"})
	duration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "buildflow",
		Subsystem: "builder",
		Name:      "build_duration_seconds",
		Help:      "Time spent building an uploaded artifact",
		Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
	})
	if err := w.opts.Registerer.Register(builds); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				builds = existing
			}
		}
	}
	if err := w.opts.Registerer.Register(duration); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(prometheus.Histogram); ok {
				duration = existing
			}
		}
	}
	w.builds = builds
	w.duration = duration
}

// Run pops ids until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("build worker started", "poll_timeout", w.opts.PollTimeout.String())
	for {
		if ctx.Err() != nil {
			w.logger.Info("build worker stopped")
			return nil
		}
		id, err := w.queue.Pop(ctx, w.opts.PollTimeout)
		switch {
		case err == nil:
		case errors.Is(err, repository.ErrQueueEmpty):
			continue
		case ctx.Err() != nil:
			w.logger.Info("build worker stopped")
			return nil
		default:
			w.logger.Error("queue pop failed", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(popErrorBackoff):
			}
			continue
		}
		if _, err := w.Process(ctx, id); err != nil {
			w.logger.Error("build processing failed", "deployment_id", id, "error", err)
		}
	}
}

// Process builds one deployment and returns the status it ended in. Deployments that are not
// currently uploaded are left untouched.
func (w *Worker) Process(ctx context.Context, id string) (domain.Status, error) {
	log := w.logger.With("deployment_id", id)
	current, err := w.statuses.GetStatus(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			log.Warn("queued deployment has no status record; skipping")
			w.builds.WithLabelValues(outcomeSkipped).Inc()
			return "", nil
		}
		return "", fmt.Errorf("read status: %w", err)
	}
	if current != domain.StatusUploaded {
		log.Info("deployment not awaiting build; skipping", "status", string(current))
		w.builds.WithLabelValues(outcomeSkipped).Inc()
		return current, nil
	}

	started := time.Now()
	buildErr := w.build(ctx, id)
	w.duration.Observe(time.Since(started).Seconds())

	next := domain.StatusDeployed
	if buildErr != nil {
		next = domain.StatusFailed
		log.Error("build failed", "error", buildErr)
	}
	if !current.CanAdvance(next) {
		return current, nil
	}
	if err := w.statuses.SetStatus(context.WithoutCancel(ctx), id, next); err != nil {
		return current, fmt.Errorf("write status %s: %w", next, err)
	}
	w.builds.WithLabelValues(string(next)).Inc()
	log.Info("build finished", "status", string(next), "duration_ms", time.Since(started).Milliseconds())
	return next, nil
}

func (w *Worker) build(ctx context.Context, id string) error {
	if w.opts.BuildTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.opts.BuildTimeout)
		defer cancel()
	}
	keys, err := w.store.List(ctx, storage.Prefix(id))
	if err != nil {
		return fmt.Errorf("list artifact: %w", err)
	}
	if err := w.verifyManifest(ctx, id, keys); err != nil {
		return err
	}
	return w.builder.Build(ctx, id, keys)
}

func (w *Worker) verifyManifest(ctx context.Context, id string, keys []string) error {
	if w.deployments == nil {
		return nil
	}
	deployment, err := w.deployments.GetDeployment(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load deployment: %w", err)
	}
	present := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		present[key] = struct{}{}
	}
	var missing []string
	for _, rel := range deployment.Files {
		if _, ok := present[storage.Key(id, rel)]; !ok {
			missing = append(missing, rel)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingArtifact, strings.Join(missing, ", "))
	}
	return nil
}
