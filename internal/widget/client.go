package widget

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/ashureev/chatkit/internal/domain"
	"github.com/ashureev/chatkit/internal/stream"
)

// Client drives the widget's server interactions: loading history into
// the state and sending a message whose streamed reply is folded back
// into the in-progress assistant message.
type Client struct {
	sendURL    string
	historyURL string
	authToken  string
	context    map[string]interface{}

	httpClient *http.Client
	decoder    *stream.Decoder
	state      *State
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the HTTP client used for requests.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) { cl.httpClient = c }
}

// WithAuthToken attaches a bearer token to every request.
func WithAuthToken(token string) ClientOption {
	return func(cl *Client) { cl.authToken = token }
}

// WithContext attaches host-page context sent with every message.
func WithContext(ctx map[string]interface{}) ClientOption {
	return func(cl *Client) { cl.context = ctx }
}

// WithDecoder overrides the stream decoder, e.g. to set an idle timeout.
func WithDecoder(d *stream.Decoder) ClientOption {
	return func(cl *Client) { cl.decoder = d }
}

// NewClient creates a widget client bound to the given endpoints and
// state aggregate.
func NewClient(sendURL, historyURL string, state *State, opts ...ClientOption) *Client {
	c := &Client{
		sendURL:    sendURL,
		historyURL: historyURL,
		httpClient: http.DefaultClient,
		decoder:    stream.NewDecoder(),
		state:      state,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// LoadHistory rebuilds the local message log from the server.
func (c *Client) LoadHistory(ctx context.Context, limit int) error {
	q := url.Values{}
	q.Set("sessionId", c.state.SessionID())
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.historyURL+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("create history request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetch history: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// A session the server has never seen (or no longer owns) simply
		// has no history to restore.
		return nil
	}

	var payload struct {
		Messages []domain.Message `json:"messages"`
		HasMore  bool             `json:"hasMore"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return fmt.Errorf("decode history: %w", err)
	}

	c.state.SetMessages(payload.Messages)
	return nil
}

// Send posts a user message and streams the assistant reply into the
// state. The user message and a streaming assistant placeholder are
// appended before the request goes out; on failure the partial reply
// stays visible and the error lands in the state's error field.
func (c *Client) Send(ctx context.Context, message string) error {
	c.state.ClearError()
	c.state.SetLoading(true)
	defer c.state.SetLoading(false)

	c.state.AddMessage(domain.RoleUser, message, false)
	assistant := c.state.AddMessage(domain.RoleAssistant, "", true)

	finalize := func() {
		streaming := false
		c.state.UpdateMessage(assistant.ID, MessageUpdate{Streaming: &streaming})
	}

	body, err := json.Marshal(map[string]interface{}{
		"message":   message,
		"sessionId": c.state.SessionID(),
		"context":   c.context,
	})
	if err != nil {
		finalize()
		return fmt.Errorf("marshal send request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.sendURL, bytes.NewReader(body))
	if err != nil {
		finalize()
		return fmt.Errorf("create send request: %w", err)
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		finalize()
		c.state.SetError(err.Error())
		return fmt.Errorf("send message: %w", err)
	}

	var streamErr error
	decodeErr := c.decoder.Decode(ctx, resp, stream.Sink{
		OnChunk: func(text string) {
			c.state.AppendContent(assistant.ID, text)
		},
		OnComplete: finalize,
		OnError: func(err error) {
			streamErr = err
			finalize()
			c.state.SetError(err.Error())
		},
	})
	if decodeErr != nil {
		// Context cancellation: the decoder already released the body and
		// made no further sink calls.
		finalize()
		return decodeErr
	}
	return streamErr
}

func (c *Client) setHeaders(req *http.Request) {
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
}
