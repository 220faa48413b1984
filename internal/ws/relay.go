package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/splax/buildflow/internal/domain"
	"github.com/splax/buildflow/internal/repository"
)

const resubscribeDelay = 2 * time.Second

// Relay forwards every status change published by notifier into hub until ctx is done.
// Lost subscriptions are re-established after a short delay.
func Relay(ctx context.Context, notifier repository.StatusNotifier, hub *Hub, logger *slog.Logger) {
	for {
		err := notifier.SubscribeStatus(ctx, func(change domain.StatusChange) {
			payload, err := json.Marshal(change)
			if err != nil {
				logger.Warn("encode status change failed", "deployment_id", change.DeploymentID, "error", err)
				return
			}
			hub.Broadcast(change.DeploymentID, payload)
		})
		if ctx.Err() != nil {
			return
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("status subscription lost", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(resubscribeDelay):
		}
	}
}
