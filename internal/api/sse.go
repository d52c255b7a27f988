package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/rendis/onboard/internal/streaming"
	"github.com/rendis/onboard/pkg/schema"
)

// handleStream pushes a process's events to the client via Server-Sent Events
// until the client disconnects.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if _, err := s.service.Status(r.Context(), id); err != nil {
		var obErr *schema.OnboardError
		if errors.As(err, &obErr) && obErr.Code == schema.ErrCodeNotFound {
			writeServiceError(w, err)
			return
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ch, cancel, err := s.hub.Subscribe(r.Context(), streaming.EventFilter{ProcessID: id})
	if err != nil {
		s.logger.Error("event stream subscribe failed", "process_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "subscribe failed")
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}
