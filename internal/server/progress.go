package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/raphaelgruber/structcap/internal/jobs"
)

// wsWriteTimeout bounds a single websocket write to a slow client.
const wsWriteTimeout = 10 * time.Second

// handleProgress streams the job's events as server-sent events. The response
// ends after the terminal event.
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	events, err := s.supervisor.Subscribe(r.Context())
	if errors.Is(err, jobs.ErrNoJob) {
		writeError(w, http.StatusNotFound, "no job has been started")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	_ = rc.Flush()

	for ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			s.logger.Warn("failed to encode event", "error", err)
			continue
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

// handleProgressWS streams the same events as JSON websocket messages and closes
// the connection normally after the terminal event.
func (s *Server) handleProgressWS(w http.ResponseWriter, r *http.Request) {
	// The request context is not tied to a hijacked connection, so the
	// subscription is cancelled when the client stops reading instead.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := s.supervisor.Subscribe(ctx)
	if errors.Is(err, jobs.ErrNoJob) {
		writeError(w, http.StatusNotFound, "no job has been started")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for ev := range events {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(ev); err != nil {
			s.logger.Debug("websocket write failed", "error", err)
			return
		}
	}

	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished"))
}
