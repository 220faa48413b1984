package build

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const depthProbeTimeout = time.Second

// QueueLength reports how many ids are waiting in a queue.
type QueueLength func(ctx context.Context) (int64, error)

// RegisterQueueDepth exposes length as the buildflow_builder_queue_depth gauge. Probe
// failures are logged and reported as -1.
func RegisterQueueDepth(registerer prometheus.Registerer, length QueueLength, logger *slog.Logger) error {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	if logger == nil {
		logger = slog.Default()
	}
	gauge := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "buildflow",
		Subsystem: "builder",
		Name:      "queue_depth",
		Help:      "Deployment ids waiting to be built",
	}, func() float64 {
		ctx, cancel := context.WithTimeout(context.Background(), depthProbeTimeout)
		defer cancel()
		n, err := length(ctx)
		if err != nil {
			logger.Warn("queue depth probe failed", "error", err)
			return -1
		}
		return float64(n)
	})
	if err := registerer.Register(gauge); err != nil {
		if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return nil
		}
		return err
	}
	return nil
}
