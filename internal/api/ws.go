package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/chatkit/internal/auth"
)

const wsCloseTimeout = 5 * time.Second

// handleWebSocket serves the same send semantics as the SSE endpoint
// over a WebSocket: the client sends one JSON request, the server
// answers with a sequence of frames ({chunk}, then {done, sessionId} or
// {error}) and closes.
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	if user == nil {
		Error(w, http.StatusUnauthorized, loginRequiredMsg)
		return
	}

	rl := h.limiter.Check(clientIP(r), h.cfg.RateLimitRequests, h.cfg.RateLimitWindow)
	if !rl.Allowed {
		JSON(w, http.StatusTooManyRequests, map[string]interface{}{
			"error":     "Rate limit exceeded",
			"resetTime": rl.ResetTime,
		})
		return
	}

	opts := &websocket.AcceptOptions{}
	if h.cfg.IsDevelopment() {
		opts.InsecureSkipVerify = true
	} else if h.cfg.FrontendURL != "" {
		opts.OriginPatterns = []string{originPattern(h.cfg.FrontendURL)}
	}

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		slog.Debug("WebSocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "unexpected shutdown")

	ctx := r.Context()

	var req sendRequest
	_, data, err := conn.Read(ctx)
	if err != nil {
		return
	}
	if err := json.Unmarshal(data, &req); err != nil {
		writeWSFrame(ctx, conn, streamFrame{Error: "invalid request body"})
		conn.Close(websocket.StatusInvalidFramePayloadData, "invalid request")
		return
	}
	if err := req.validate(); err != nil {
		writeWSFrame(ctx, conn, streamFrame{Error: upstreamMessage(err)})
		conn.Close(websocket.StatusNormalClosure, "")
		return
	}

	sessionID, err := h.repo.GetOrCreateSession(ctx, req.SessionID, user.ID)
	if err != nil {
		slog.Error("Failed to resolve session", "error", err, "user_id", user.ID)
		writeWSFrame(ctx, conn, streamFrame{Error: "An error occurred"})
		conn.Close(websocket.StatusInternalError, "")
		return
	}

	history, err := h.prepareTurn(ctx, sessionID, req.Message)
	if err != nil {
		slog.Error("Failed to prepare chat turn", "error", err, "session_id", sessionID)
		writeWSFrame(ctx, conn, streamFrame{Error: upstreamMessage(err)})
		conn.Close(websocket.StatusInternalError, "")
		return
	}

	err = h.streamReply(ctx, sessionID, history, func(frame streamFrame) error {
		return writeWSFrame(ctx, conn, frame)
	})
	if err != nil && ctx.Err() == nil {
		writeWSFrame(ctx, conn, streamFrame{Error: upstreamMessage(err)})
	}

	conn.Close(websocket.StatusNormalClosure, "")
}

func writeWSFrame(ctx context.Context, conn *websocket.Conn, frame streamFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsCloseTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

// originPattern reduces a frontend URL to the host pattern the
// websocket library matches origins against.
func originPattern(frontendURL string) string {
	host := frontendURL
	if _, rest, ok := strings.Cut(host, "://"); ok {
		host = rest
	}
	host, _, _ = strings.Cut(host, "/")
	return host
}
