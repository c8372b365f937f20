package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// streamFrame is one wire frame of a streamed chat response, serialized
// as the payload of an SSE `data:` line (or a WebSocket text message).
type streamFrame struct {
	Chunk     string `json:"chunk,omitempty"`
	Done      bool   `json:"done,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// setupSSEHeaders prepares the response for Server-Sent Events.
func setupSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

// sendSSE writes one `data: <json>` frame and flushes it to the client.
func sendSSE(w http.ResponseWriter, flusher http.Flusher, frame streamFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		slog.Error("Failed to marshal SSE frame", "error", err)
		return err
	}
	if _, err := w.Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	if _, err := w.Write([]byte("\n\n")); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
