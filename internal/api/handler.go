package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/chatkit/internal/auth"
	"github.com/ashureev/chatkit/internal/config"
	"github.com/ashureev/chatkit/internal/domain"
	"github.com/ashureev/chatkit/internal/llm"
	"github.com/ashureev/chatkit/internal/ratelimit"
	"github.com/ashureev/chatkit/internal/store"
)

// maxMessageLength caps user message size.
const maxMessageLength = 10000

const (
	defaultHistoryLimit = 50
	loginRequiredMsg    = "Authentication required. Please log in to use the chatbot."
	notYourSessionMsg   = "Unauthorized. You can only access your own chat history."
)

// Handler serves the chat wire contract: streaming send, paginated
// history, and a small stats endpoint.
type Handler struct {
	repo     store.Repository
	limiter  *ratelimit.Limiter
	streamer llm.Streamer
	cfg      *config.Config
}

// NewHandler creates a chat handler.
func NewHandler(repo store.Repository, limiter *ratelimit.Limiter, streamer llm.Streamer, cfg *config.Config) *Handler {
	return &Handler{
		repo:     repo,
		limiter:  limiter,
		streamer: streamer,
		cfg:      cfg,
	}
}

// RegisterRoutes registers the chat routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/chat/send", h.handleSend)
	r.Get("/api/chat/history", h.handleHistory)
	r.Get("/api/chat/stats", h.handleStats)
	r.Get("/ws/chat", h.handleWebSocket)
}

type sendRequest struct {
	Message   string                 `json:"message"`
	SessionID string                 `json:"sessionId,omitempty"`
	Context   map[string]interface{} `json:"context,omitempty"`
}

func (req *sendRequest) validate() error {
	if strings.TrimSpace(req.Message) == "" {
		return validationError("Message is required")
	}
	if len(req.Message) > maxMessageLength {
		return validationError("Message too long (max %d characters)", maxMessageLength)
	}
	return nil
}

// handleSend admits the request (auth, rate limit, validation), persists
// the user message, and streams the assistant reply back as SSE frames.
func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	if user == nil {
		writeError(w, authError(loginRequiredMsg))
		return
	}

	rl := h.limiter.Check(clientIP(r), h.cfg.RateLimitRequests, h.cfg.RateLimitWindow)
	if !rl.Allowed {
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(h.cfg.RateLimitRequests))
		w.Header().Set("X-RateLimit-Remaining", "0")
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(rl.ResetTime, 10))
		JSON(w, http.StatusTooManyRequests, map[string]interface{}{
			"error":     "Rate limit exceeded",
			"resetTime": rl.ResetTime,
		})
		return
	}

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	// Sessions are bound to the authenticated user, never to a
	// client-claimed identity.
	sessionID, err := h.repo.GetOrCreateSession(r.Context(), req.SessionID, user.ID)
	if err != nil {
		slog.Error("Failed to resolve session", "error", err, "user_id", user.ID)
		writeError(w, err)
		return
	}

	// The user message is persisted and the history window fetched before
	// the response commits to SSE, so their failures still get a real
	// status code.
	history, err := h.prepareTurn(r.Context(), sessionID, req.Message)
	if err != nil {
		slog.Error("Failed to prepare chat turn", "error", err, "session_id", sessionID)
		writeError(w, err)
		return
	}

	setupSSEHeaders(w)
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(h.cfg.RateLimitRequests))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(rl.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(rl.ResetTime, 10))

	err = h.streamReply(r.Context(), sessionID, history, func(frame streamFrame) error {
		return sendSSE(w, flusher, frame)
	})
	if err != nil && r.Context().Err() == nil {
		// Headers are already committed; the failure travels in-band.
		_ = sendSSE(w, flusher, streamFrame{Error: upstreamMessage(err)})
	}
}

// prepareTurn persists the user message and returns the bounded history
// window for the model call.
func (h *Handler) prepareTurn(ctx context.Context, sessionID, message string) ([]domain.Turn, error) {
	if _, err := h.repo.SaveMessage(ctx, sessionID, domain.RoleUser, message); err != nil {
		return nil, err
	}
	return h.repo.GetConversationHistory(ctx, sessionID, h.cfg.HistoryWindow)
}

// streamReply issues the model call and forwards frames through emit.
// The assistant message is persisted only after the model signals
// message-stop; a partially streamed reply is discarded on failure.
func (h *Handler) streamReply(ctx context.Context, sessionID string, history []domain.Turn, emit func(streamFrame) error) error {
	var full strings.Builder
	return h.streamer.StreamChat(ctx, llm.ChatRequest{
		Model:        h.cfg.Model,
		MaxTokens:    h.cfg.MaxTokens,
		SystemPrompt: h.cfg.SystemPrompt,
		Messages:     history,
	}, func(ev llm.Event) error {
		switch ev.Type {
		case llm.EventTextDelta:
			if ev.TextDelta == "" {
				return nil
			}
			full.WriteString(ev.TextDelta)
			return emit(streamFrame{Chunk: ev.TextDelta})
		case llm.EventMessageStop:
			if _, err := h.repo.SaveMessage(ctx, sessionID, domain.RoleAssistant, full.String()); err != nil {
				return err
			}
			return emit(streamFrame{Done: true, SessionID: sessionID})
		default:
			return nil
		}
	})
}

// handleHistory returns a page of session messages after enforcing
// ownership at the persistence boundary.
func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	if user == nil {
		writeError(w, authError("Authentication required. Please log in to view chat history."))
		return
	}

	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		Error(w, http.StatusBadRequest, "Session ID is required")
		return
	}

	owned, err := h.repo.ValidateSessionOwnership(r.Context(), sessionID, user.ID)
	if err != nil {
		slog.Error("Failed to validate session ownership", "error", err, "session_id", sessionID)
		writeError(w, err)
		return
	}
	if !owned {
		writeError(w, forbiddenError(notYourSessionMsg))
		return
	}

	limit := queryInt(r, "limit", defaultHistoryLimit)
	offset := queryInt(r, "offset", 0)

	messages, err := h.repo.GetMessages(r.Context(), sessionID, limit, offset)
	if err != nil {
		slog.Error("Failed to fetch messages", "error", err, "session_id", sessionID)
		writeError(w, err)
		return
	}
	if messages == nil {
		messages = []domain.Message{}
	}

	total, err := h.repo.GetMessageCount(r.Context(), sessionID)
	if err != nil {
		slog.Error("Failed to count messages", "error", err, "session_id", sessionID)
		writeError(w, err)
		return
	}

	// Clamp the way the store does so hasMore lines up with the page we
	// actually returned.
	if offset < 0 {
		offset = 0
	}

	w.Header().Set("Cache-Control", "private, no-cache")
	JSON(w, http.StatusOK, map[string]interface{}{
		"messages": messages,
		"hasMore":  offset+len(messages) < total,
	})
}

// handleStats reports the total session count for monitoring.
func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	count, err := h.repo.SessionCount(r.Context())
	if err != nil {
		slog.Error("Failed to count sessions", "error", err)
		writeError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]int{"sessions": count})
}

// upstreamMessage surfaces recognized error values and hides the rest.
func upstreamMessage(err error) string {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Message
	}
	if errors.Is(err, store.ErrSessionNotFound) {
		return store.ErrSessionNotFound.Error()
	}
	return "An error occurred"
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

// clientIP returns the rate-limit key for a request. chi's RealIP
// middleware has already folded X-Forwarded-For into RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
