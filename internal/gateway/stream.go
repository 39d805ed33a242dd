package gateway

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/basket/gridmind/internal/bus"
)

// streamSSEEvent is a single SSE event sent to the client.
type streamSSEEvent struct {
	Type   string `json:"type"`
	Text   string `json:"text,omitempty"`
	Reason string `json:"reason,omitempty"`
	Error  string `json:"error,omitempty"`
}

// handleConversationStream implements GET /stream?conversation_id=XXX.
// It subscribes to turn events for the conversation and returns an SSE
// stream of deltas until the turn completes. Read-only alternative to
// the WebSocket endpoint for clients that just want to watch.
func (s *Server) handleConversationStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conversationID := r.URL.Query().Get("conversation_id")
	if conversationID == "" {
		http.Error(w, "conversation_id query parameter is required", http.StatusBadRequest)
		return
	}
	if s.cfg.Bus == nil {
		http.Error(w, "streaming not available: event bus not configured", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	sub := s.cfg.Bus.Subscribe("turn.")
	defer s.cfg.Bus.Unsubscribe(sub)

	ctx := r.Context()

	for {
		select {
		case <-ctx.Done():
			slog.Debug("sse: client disconnected", "conversation_id", conversationID)
			return

		case event, ok := <-sub.Ch():
			if !ok {
				return
			}

			var sseEvent *streamSSEEvent

			switch payload := event.Payload.(type) {
			case bus.TurnDeltaEvent:
				if payload.ConversationID != conversationID {
					continue
				}
				sseEvent = &streamSSEEvent{Type: "delta", Text: payload.Text}

			case bus.TurnStoppedEvent:
				if payload.ConversationID != conversationID {
					continue
				}
				sseEvent = &streamSSEEvent{Type: "stopped", Reason: payload.Reason}

			case bus.TurnErrorEvent:
				if payload.ConversationID != conversationID {
					continue
				}
				sseEvent = &streamSSEEvent{Type: "error", Error: payload.Error}

			case bus.TurnCompleteEvent:
				if payload.ConversationID != conversationID {
					continue
				}
				sseEvent = &streamSSEEvent{Type: "done"}

			default:
				continue
			}

			data, err := json.Marshal(sseEvent)
			if err != nil {
				slog.Error("sse: marshal event", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				slog.Debug("sse: write failed", "conversation_id", conversationID, "error", err)
				return
			}
			flusher.Flush()

			switch sseEvent.Type {
			case "done", "stopped", "error":
				return
			}
		}
	}
}
