package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Trafexofive/Cortex-MK1-sub002/internal/engine/event"
)

// handleSessionEvents streams a session's event.Event channel as
// server-sent events (spec §6: "seq (monotonic integer), type (one of the
// enum in §3), payload (type-specific JSON)"). The consumer may disconnect
// at any time -- the request context closing simply stops this handler;
// the session itself keeps running per its own cancellation policy (spec
// §6: "the engine continues or cancels per session policy").
func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	rs, ok := s.lookupSession(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("httpserver: no such session %q", id))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("httpserver: streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case ev, open := <-rs.sess.Events():
			if !open {
				return
			}
			if err := writeSSEFrame(w, ev); err != nil {
				s.log.Warn("sse: write failed, dropping consumer", "session_id", id, "error", err)
				return
			}
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

func writeSSEFrame(w http.ResponseWriter, ev event.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("httpserver: marshaling event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", ev.Type); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "id: %d\n", ev.Seq); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", body); err != nil {
		return err
	}
	return nil
}
