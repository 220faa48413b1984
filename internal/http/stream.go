package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/splax/buildflow/internal/domain"
	"github.com/splax/buildflow/internal/ws"
)

type statusEvent struct {
	ID     string         `json:"id"`
	Status *domain.Status `json:"status"`
}

// subscribe registers sub for id and then sends the current status, so no change published in
// between is lost. The monotonic wrapper drops the snapshot if a newer state already went out.
func (r *Router) subscribe(ctx context.Context, id string, sub *ws.MonotonicSubscriber) error {
	r.hub.Register(id, sub)
	status, err := r.currentStatus(ctx, id)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(statusEvent{ID: id, Status: status})
	if err != nil {
		return err
	}
	return sub.Send(payload)
}

func (r *Router) handleStatusStream(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	id := strings.TrimSpace(req.URL.Query().Get("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "id query parameter required")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := ws.NewSSEClient(w, flusher, r.logger)
	sub := ws.NewMonotonicSubscriber(client)
	defer func() {
		r.hub.Unregister(id, sub)
		client.Close()
	}()
	if err := r.subscribe(req.Context(), id, sub); err != nil {
		r.logger.Warn("status stream setup failed", "deployment_id", id, "error", err)
		return
	}

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-client.Done():
			return
		case <-ticker.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}

func (r *Router) handleStatusWS(w http.ResponseWriter, req *http.Request) {
	id := strings.TrimSpace(req.URL.Query().Get("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "id query parameter required")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	sub := ws.NewMonotonicSubscriber(client)
	if err := r.subscribe(context.WithoutCancel(req.Context()), id, sub); err != nil {
		r.logger.Warn("status websocket setup failed", "deployment_id", id, "error", err)
		r.hub.Unregister(id, sub)
		client.Close()
		return
	}
	done := make(chan struct{})
	go func() {
		defer func() {
			close(done)
			r.hub.Unregister(id, sub)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := client.Ping(); err != nil {
					return
				}
			}
		}
	}()
}
