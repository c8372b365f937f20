package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/chatkit/internal/auth"
	"github.com/ashureev/chatkit/internal/config"
	"github.com/ashureev/chatkit/internal/domain"
	"github.com/ashureev/chatkit/internal/llm"
	"github.com/ashureev/chatkit/internal/ratelimit"
	"github.com/ashureev/chatkit/internal/store"
)

type fakeRepo struct {
	mu       sync.Mutex
	sessions map[string]*domain.Session
	messages map[string][]domain.Message
	nextID   int

	// saveErr, when set, makes SaveMessage fail.
	saveErr error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		sessions: make(map[string]*domain.Session),
		messages: make(map[string][]domain.Message),
	}
}

func (f *fakeRepo) GetOrCreateSession(_ context.Context, sessionID, ownerUserID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sessionID != "" {
		if _, ok := f.sessions[sessionID]; ok {
			return sessionID, nil
		}
	}
	id := sessionID
	if id == "" {
		f.nextID++
		id = fmt.Sprintf("sess-%d", f.nextID)
	}
	now := time.Now().UnixMilli()
	f.sessions[id] = &domain.Session{ID: id, OwnerUserID: ownerUserID, CreatedAt: now, UpdatedAt: now}
	return id, nil
}

func (f *fakeRepo) GetSession(_ context.Context, sessionID string) (*domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess := f.sessions[sessionID]
	if sess == nil {
		return nil, nil
	}
	copy := *sess
	return &copy, nil
}

func (f *fakeRepo) SaveMessage(_ context.Context, sessionID string, role domain.Role, content string) (*domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return nil, f.saveErr
	}
	sess := f.sessions[sessionID]
	if sess == nil {
		return nil, store.ErrSessionNotFound
	}
	f.nextID++
	msg := domain.Message{
		ID:        fmt.Sprintf("msg-%d", f.nextID),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UnixMilli(),
	}
	f.messages[sessionID] = append(f.messages[sessionID], msg)
	sess.UpdatedAt = msg.Timestamp
	return &msg, nil
}

func (f *fakeRepo) GetMessages(_ context.Context, sessionID string, limit, offset int) ([]domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if limit < 1 {
		limit = 1
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	msgs := f.messages[sessionID]
	if offset >= len(msgs) {
		return nil, nil
	}
	end := offset + limit
	if end > len(msgs) {
		end = len(msgs)
	}
	out := make([]domain.Message, end-offset)
	copy(out, msgs[offset:end])
	return out, nil
}

func (f *fakeRepo) GetMessageCount(_ context.Context, sessionID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages[sessionID]), nil
}

func (f *fakeRepo) GetConversationHistory(_ context.Context, sessionID string, lastN int) ([]domain.Turn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.messages[sessionID]
	if lastN > len(msgs) {
		lastN = len(msgs)
	}
	turns := make([]domain.Turn, 0, lastN)
	for _, m := range msgs[len(msgs)-lastN:] {
		turns = append(turns, domain.Turn{Role: m.Role, Content: m.Content})
	}
	return turns, nil
}

func (f *fakeRepo) ValidateSessionOwnership(_ context.Context, sessionID, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess := f.sessions[sessionID]
	if sess == nil || sess.OwnerUserID == "" {
		return false, nil
	}
	return sess.OwnerUserID == userID, nil
}

func (f *fakeRepo) DeleteOldSessions(_ context.Context, _ int) (int64, error) { return 0, nil }

func (f *fakeRepo) SessionCount(_ context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions), nil
}

func (f *fakeRepo) Ping(_ context.Context) error { return nil }
func (f *fakeRepo) Close() error                 { return nil }

// fakeStreamer replays canned events, or fails partway through.
type fakeStreamer struct {
	deltas   []string
	failWith error

	mu      sync.Mutex
	lastReq llm.ChatRequest
}

func (f *fakeStreamer) StreamChat(_ context.Context, req llm.ChatRequest, fn func(llm.Event) error) error {
	f.mu.Lock()
	f.lastReq = req
	f.mu.Unlock()

	for _, d := range f.deltas {
		if err := fn(llm.Event{Type: llm.EventTextDelta, TextDelta: d}); err != nil {
			return err
		}
	}
	if f.failWith != nil {
		return f.failWith
	}
	return fn(llm.Event{Type: llm.EventMessageStop})
}

func (f *fakeStreamer) request() llm.ChatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastReq
}

func testConfig() *config.Config {
	return &config.Config{
		Port:              "8080",
		DBPath:            "ignored",
		Model:             "test-model",
		MaxTokens:         256,
		SystemPrompt:      "be helpful",
		RateLimitRequests: 10,
		RateLimitWindow:   time.Minute,
		HistoryWindow:     10,
	}
}

func newTestHandler(repo store.Repository, streamer llm.Streamer, cfg *config.Config) *Handler {
	if cfg == nil {
		cfg = testConfig()
	}
	return NewHandler(repo, ratelimit.New(), streamer, cfg)
}

func authedRequest(method, target, body string) *http.Request {
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, target, nil)
	} else {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	return r.WithContext(auth.WithUser(r.Context(), &auth.User{ID: "alice"}))
}

func sseFrames(t *testing.T, body string) []streamFrame {
	t.Helper()
	var frames []streamFrame
	for _, line := range strings.Split(body, "\n") {
		payload, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var f streamFrame
		if err := json.Unmarshal([]byte(payload), &f); err != nil {
			t.Fatalf("bad frame %q: %v", payload, err)
		}
		frames = append(frames, f)
	}
	return frames
}

func TestSendRequiresAuth(t *testing.T) {
	h := newTestHandler(newFakeRepo(), &fakeStreamer{}, nil)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/api/chat/send", strings.NewReader(`{"message":"hi"}`))
	h.handleSend(w, r)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestSendValidatesMessage(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing message", `{}`},
		{"blank message", `{"message":"   "}`},
		{"oversized message", fmt.Sprintf(`{"message":%q}`, strings.Repeat("x", maxMessageLength+1))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(newFakeRepo(), &fakeStreamer{}, nil)
			w := httptest.NewRecorder()
			h.handleSend(w, authedRequest(http.MethodPost, "/api/chat/send", tt.body))

			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
		})
	}
}

func TestSendStreamsAndPersists(t *testing.T) {
	repo := newFakeRepo()
	streamer := &fakeStreamer{deltas: []string{"Hi", " there"}}
	h := newTestHandler(repo, streamer, nil)

	w := httptest.NewRecorder()
	h.handleSend(w, authedRequest(http.MethodPost, "/api/chat/send", `{"message":"hello"}`))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}
	if w.Header().Get("X-RateLimit-Remaining") == "" {
		t.Error("expected X-RateLimit-Remaining header")
	}

	frames := sseFrames(t, w.Body.String())
	if len(frames) != 3 {
		t.Fatalf("got %d frames, want 2 chunks + done: %+v", len(frames), frames)
	}
	if frames[0].Chunk != "Hi" || frames[1].Chunk != " there" {
		t.Errorf("chunks = %+v", frames[:2])
	}
	if !frames[2].Done || frames[2].SessionID == "" {
		t.Errorf("final frame = %+v, want done with sessionId", frames[2])
	}

	// Both turns persisted, assistant assembled from deltas.
	msgs := repo.messages[frames[2].SessionID]
	if len(msgs) != 2 {
		t.Fatalf("persisted %d messages, want 2", len(msgs))
	}
	if msgs[0].Role != domain.RoleUser || msgs[0].Content != "hello" {
		t.Errorf("user message = %+v", msgs[0])
	}
	if msgs[1].Role != domain.RoleAssistant || msgs[1].Content != "Hi there" {
		t.Errorf("assistant message = %+v", msgs[1])
	}

	// The model call carries the configured identity and window.
	req := streamer.request()
	if req.Model != "test-model" || req.SystemPrompt != "be helpful" || req.MaxTokens != 256 {
		t.Errorf("model request = %+v", req)
	}
	if len(req.Messages) != 1 || req.Messages[0].Content != "hello" {
		t.Errorf("history window = %+v, want the saved user turn", req.Messages)
	}
}

func TestSendReusesClientSession(t *testing.T) {
	repo := newFakeRepo()
	h := newTestHandler(repo, &fakeStreamer{deltas: []string{"ok"}}, nil)

	first := httptest.NewRecorder()
	h.handleSend(first, authedRequest(http.MethodPost, "/api/chat/send", `{"message":"one","sessionId":"session-1-abc"}`))
	second := httptest.NewRecorder()
	h.handleSend(second, authedRequest(http.MethodPost, "/api/chat/send", `{"message":"two","sessionId":"session-1-abc"}`))

	if len(repo.sessions) != 1 {
		t.Errorf("sessions = %d, want 1", len(repo.sessions))
	}
	if len(repo.messages["session-1-abc"]) != 4 {
		t.Errorf("messages = %d, want 4 across two turns", len(repo.messages["session-1-abc"]))
	}
}

func TestSendRateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitRequests = 1
	h := newTestHandler(newFakeRepo(), &fakeStreamer{deltas: []string{"ok"}}, cfg)

	first := httptest.NewRecorder()
	h.handleSend(first, authedRequest(http.MethodPost, "/api/chat/send", `{"message":"one"}`))
	if first.Code != http.StatusOK {
		t.Fatalf("first send status = %d", first.Code)
	}

	second := httptest.NewRecorder()
	h.handleSend(second, authedRequest(http.MethodPost, "/api/chat/send", `{"message":"two"}`))

	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second send status = %d, want 429", second.Code)
	}
	if second.Header().Get("X-RateLimit-Reset") == "" {
		t.Error("expected X-RateLimit-Reset header")
	}

	var body struct {
		Error     string `json:"error"`
		ResetTime int64  `json:"resetTime"`
	}
	if err := json.Unmarshal(second.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.ResetTime == 0 {
		t.Error("429 body must carry resetTime for retry scheduling")
	}
}

func TestSendUpstreamFailureIsInBand(t *testing.T) {
	repo := newFakeRepo()
	streamer := &fakeStreamer{deltas: []string{"partial"}, failWith: errors.New("upstream exploded")}
	h := newTestHandler(repo, streamer, nil)

	w := httptest.NewRecorder()
	h.handleSend(w, authedRequest(http.MethodPost, "/api/chat/send", `{"message":"hello","sessionId":"session-1-abc"}`))

	// Headers were committed when streaming began.
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 with in-band error", w.Code)
	}

	frames := sseFrames(t, w.Body.String())
	last := frames[len(frames)-1]
	if last.Error == "" {
		t.Fatalf("last frame = %+v, want error frame", last)
	}
	if last.Error != "An error occurred" {
		t.Errorf("error = %q, raw upstream errors must not leak", last.Error)
	}

	// Partial assistant output is discarded; only the user turn persists.
	msgs := repo.messages["session-1-abc"]
	if len(msgs) != 1 || msgs[0].Role != domain.RoleUser {
		t.Errorf("persisted = %+v, want only the user message", msgs)
	}
}

func TestSendPersistenceFailureIsStatusError(t *testing.T) {
	repo := newFakeRepo()
	repo.saveErr = errors.New("disk I/O error")
	h := newTestHandler(repo, &fakeStreamer{deltas: []string{"ok"}}, nil)

	w := httptest.NewRecorder()
	h.handleSend(w, authedRequest(http.MethodPost, "/api/chat/send", `{"message":"hello"}`))

	// A failure before any streamed byte must not commit to SSE; it gets
	// a real status code instead of an in-band error frame.
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500; body: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct == "text/event-stream" {
		t.Errorf("Content-Type = %q, want a JSON error response", ct)
	}
	if strings.Contains(w.Body.String(), "data: ") {
		t.Errorf("body = %q, must not contain SSE frames", w.Body.String())
	}
	if strings.Contains(w.Body.String(), "disk I/O error") {
		t.Errorf("body = %q, raw internals must not leak", w.Body.String())
	}
}

func TestHistoryRequiresAuth(t *testing.T) {
	h := newTestHandler(newFakeRepo(), &fakeStreamer{}, nil)

	w := httptest.NewRecorder()
	h.handleHistory(w, httptest.NewRequest(http.MethodGet, "/api/chat/history?sessionId=x", nil))

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestHistoryRequiresSessionID(t *testing.T) {
	h := newTestHandler(newFakeRepo(), &fakeStreamer{}, nil)

	w := httptest.NewRecorder()
	h.handleHistory(w, authedRequest(http.MethodGet, "/api/chat/history", ""))

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestHistoryEnforcesOwnership(t *testing.T) {
	repo := newFakeRepo()
	repo.GetOrCreateSession(context.Background(), "theirs", "bob")
	repo.GetOrCreateSession(context.Background(), "nobodys", "")
	h := newTestHandler(repo, &fakeStreamer{}, nil)

	for _, sessionID := range []string{"theirs", "nobodys", "missing"} {
		w := httptest.NewRecorder()
		h.handleHistory(w, authedRequest(http.MethodGet, "/api/chat/history?sessionId="+sessionID, ""))
		if w.Code != http.StatusForbidden {
			t.Errorf("session %q: status = %d, want 403", sessionID, w.Code)
		}
	}
}

func TestHistoryPagination(t *testing.T) {
	repo := newFakeRepo()
	ctx := context.Background()
	repo.GetOrCreateSession(ctx, "mine", "alice")
	for i := 0; i < 5; i++ {
		repo.SaveMessage(ctx, "mine", domain.RoleUser, fmt.Sprintf("m%d", i))
	}
	h := newTestHandler(repo, &fakeStreamer{}, nil)

	w := httptest.NewRecorder()
	h.handleHistory(w, authedRequest(http.MethodGet, "/api/chat/history?sessionId=mine&limit=2&offset=2", ""))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Messages []domain.Message `json:"messages"`
		HasMore  bool             `json:"hasMore"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Messages) != 2 || resp.Messages[0].Content != "m2" {
		t.Errorf("messages = %+v", resp.Messages)
	}
	if !resp.HasMore {
		t.Error("hasMore = false, want true (offset 2 + 2 < 5)")
	}

	// Last page.
	w = httptest.NewRecorder()
	h.handleHistory(w, authedRequest(http.MethodGet, "/api/chat/history?sessionId=mine&limit=2&offset=4", ""))
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.HasMore {
		t.Error("hasMore = true on final page, want false")
	}
}

func TestHistoryEmptySessionReturnsEmptyArray(t *testing.T) {
	repo := newFakeRepo()
	repo.GetOrCreateSession(context.Background(), "mine", "alice")
	h := newTestHandler(repo, &fakeStreamer{}, nil)

	w := httptest.NewRecorder()
	h.handleHistory(w, authedRequest(http.MethodGet, "/api/chat/history?sessionId=mine", ""))

	if !strings.Contains(w.Body.String(), `"messages":[]`) {
		t.Errorf("body = %s, want empty array not null", w.Body.String())
	}
}

func TestStats(t *testing.T) {
	repo := newFakeRepo()
	repo.GetOrCreateSession(context.Background(), "", "a")
	repo.GetOrCreateSession(context.Background(), "", "b")
	h := newTestHandler(repo, &fakeStreamer{}, nil)

	w := httptest.NewRecorder()
	h.handleStats(w, httptest.NewRequest(http.MethodGet, "/api/chat/stats", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp map[string]int
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["sessions"] != 2 {
		t.Errorf("sessions = %d, want 2", resp["sessions"])
	}
}
